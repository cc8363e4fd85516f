package scheduler

import "context"

func (s *Service) Snapshot(ctx context.Context) (Snapshot, error) {
	s.mu.Lock()
	cfg := s.cfg
	c := s.c
	entry := s.entry
	s.mu.Unlock()

	loc := s.location()
	snap := Snapshot{
		Enabled:       cfg.Enabled,
		Timezone:      loc.String(),
		SweepInterval: cfg.SweepInterval,
	}
	if c != nil && entry != 0 {
		snap.NextSweep = c.Entry(entry).Next
	}

	s.stats.mu.Lock()
	snap.Sweeps = s.stats.sweeps
	snap.Triggered = s.stats.triggered
	snap.Lost = s.stats.lost
	snap.Errors = s.stats.errors
	snap.LastSweep = s.stats.lastSweep
	snap.LastSweepTook = s.stats.lastTook
	s.stats.mu.Unlock()

	if s.store == nil {
		return snap, nil
	}
	defs, err := s.store.ListPeriodic(ctx, false)
	if err != nil {
		return snap, err
	}
	now := s.now().In(loc)
	for _, p := range defs {
		it := ScheduleInfo{
			ID:            p.ID,
			Name:          p.Name,
			Task:          p.Task,
			Group:         p.Group,
			Timer:         p.Timer,
			Enabled:       p.Enabled,
			LastTriggered: p.LastTriggered,
			LastJobID:     p.LastJobID,
		}
		if sched, err := s.compile(p.Timer); err != nil {
			it.Error = err.Error()
		} else if p.Enabled {
			it.Next = nextOccurrence(sched, p, now)
		}
		snap.Schedules = append(snap.Schedules, it)
	}
	return snap, nil
}

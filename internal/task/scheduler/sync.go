package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/multierr"

	"jobexec/internal/job"
	logx "jobexec/pkg/logx"
)

// Sync makes the stored definitions match defs: each one is upserted by
// name and stored definitions missing from defs are deleted. Trigger
// history of kept definitions survives.
func (s *Service) Sync(ctx context.Context, defs []Definition) error {
	if s.store == nil {
		return errors.New("periodic scheduler has no store")
	}
	if err := s.Validate(defs); err != nil {
		return err
	}

	names := make([]string, 0, len(defs))
	for _, d := range defs {
		p, err := s.store.UpsertPeriodic(ctx, job.PeriodicTask{
			Name:     strings.TrimSpace(d.Name),
			Task:     strings.TrimSpace(d.Task),
			Group:    groupOf(d),
			Args:     d.Args,
			Subject:  d.Subject,
			Priority: d.Priority,
			Timer:    strings.TrimSpace(d.Timer),
			Enabled:  d.Enabled,
		})
		if err != nil {
			return fmt.Errorf("upsert periodic %q: %w", d.Name, err)
		}
		names = append(names, p.Name)
		args := []logx.Field{logx.String("periodic", p.Name), logx.String("timer", p.Timer), logx.Bool("enabled", p.Enabled)}
		if next := s.previewNextRuns(p.Timer, 3); next != "" {
			args = append(args, logx.String("next", next))
		}
		s.log.Debug("periodic definition synced", args...)
	}

	removed, err := s.store.DeletePeriodicExcept(ctx, names)
	if err != nil {
		return fmt.Errorf("prune periodic definitions: %w", err)
	}
	if removed > 0 {
		s.log.Info("periodic definitions removed", logx.Int("count", removed))
	}
	return nil
}

// Validate checks names, timers and task types without touching the store.
func (s *Service) Validate(defs []Definition) error {
	var errs error
	seen := map[string]bool{}
	for i, d := range defs {
		name := strings.TrimSpace(d.Name)
		if name == "" {
			errs = multierr.Append(errs, fmt.Errorf("periodic[%d]: name is required", i))
			continue
		}
		if seen[name] {
			errs = multierr.Append(errs, fmt.Errorf("periodic %q: duplicate name", name))
		}
		seen[name] = true
		if _, err := Compile(s.parser, d.Timer); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("periodic %q: %w", name, err))
		}
		if strings.TrimSpace(d.Task) == "" {
			errs = multierr.Append(errs, fmt.Errorf("periodic %q: task is required", name))
		} else if s.tasks != nil {
			if err := s.tasks.Validate(strings.TrimSpace(d.Task), d.Args); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("periodic %q: %w", name, err))
			}
		}
	}
	return errs
}

// groupOf defaults the group to the definition name, so two runs of the
// same definition never overlap.
func groupOf(d Definition) string {
	if g := strings.TrimSpace(d.Group); g != "" {
		return g
	}
	return "periodic:" + strings.TrimSpace(d.Name)
}

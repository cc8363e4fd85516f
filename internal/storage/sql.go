package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"jobexec/internal/job"
	logx "jobexec/pkg/logx"
)

const jobColumns = "id, task, grp, args, subject, priority, state, submitted, started, finished, worker, retries, max_retries, progress, not_before, heartbeat_at, cancel_requested"

const periodicColumns = "id, name, task, grp, args, subject, priority, timer, enabled, created, last_triggered, last_job_id, marker, marker_until"

const (
	defaultDoneLimit = 50
	logChunk         = 500
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

type sqlStore struct {
	db     *sql.DB
	d      dialect
	now    func() time.Time
	log    logx.Logger
	closed atomic.Bool
}

func newSQLStore(db *sql.DB, d dialect, cfg Config, log logx.Logger) *sqlStore {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &sqlStore{db: db, d: d, now: now, log: log}
}

func (s *sqlStore) exec(ctx context.Context, q querier, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, s.d.rebind(query), args...)
}

func (s *sqlStore) query(ctx context.Context, q querier, query string, args ...any) (*sql.Rows, error) {
	return q.QueryContext(ctx, s.d.rebind(query), args...)
}

func (s *sqlStore) queryRow(ctx context.Context, q querier, query string, args ...any) *sql.Row {
	return q.QueryRowContext(ctx, s.d.rebind(query), args...)
}

func (s *sqlStore) check() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

// inTx runs fn in a transaction. Inside fn only tx may be used; the sqlite
// pool holds a single connection.
func (s *sqlStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, ignoreDone(tx.Rollback()))
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func ignoreDone(err error) error {
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

func (s *sqlStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

// ---- jobs ----

func (s *sqlStore) Submit(ctx context.Context, nj job.NewJob) (string, error) {
	if err := s.check(); err != nil {
		return "", job.WrapStore("submit", err)
	}
	id, err := s.insertJob(ctx, s.db, nj, s.now())
	return id, job.WrapStore("submit", err)
}

func (s *sqlStore) insertJob(ctx context.Context, q querier, nj job.NewJob, now time.Time) (string, error) {
	if strings.TrimSpace(nj.Task) == "" {
		return "", errors.New("task is required")
	}
	if strings.TrimSpace(nj.Group) == "" {
		return "", errors.New("group is required")
	}
	if nj.MaxRetries < 0 {
		return "", fmt.Errorf("max retries must be >= 0, got %d", nj.MaxRetries)
	}
	id := uuid.NewString()
	_, err := s.exec(ctx, q, `INSERT INTO jobs (id, task, grp, args, subject, priority, state, submitted, worker, retries, max_retries, progress, not_before, cancel_requested)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, '', 0, ?, 0, ?, 0)`,
		id, nj.Task, nj.Group, nj.Args, nj.Subject, int(nj.Priority), string(job.StateWaiting),
		millis(now), nj.MaxRetries, nullMillis(nj.NotBefore))
	if err != nil {
		return "", err
	}
	return id, nil
}

// ClaimNext moves one eligible job to running in a single conditional
// update. A job is eligible when it is waiting, past its not_before and no
// other job of its group is running, or when it is running with a stale
// heartbeat. Ordering is priority, then submission time, then insertion.
//
// Reclaiming an abandoned job counts as a retry. An abandoned job with no
// retries left is failed instead of claimed again.
func (s *sqlStore) ClaimNext(ctx context.Context, req ClaimRequest) (*job.Job, error) {
	if err := s.check(); err != nil {
		return nil, job.WrapStore("claim", err)
	}
	if len(req.Tasks) == 0 {
		return nil, nil
	}
	now := req.Now
	if now.IsZero() {
		now = s.now()
	}
	// heartbeat_at is never negative, so 0 disables reclaim.
	var stale int64
	if !req.StaleBefore.IsZero() {
		stale = millis(req.StaleBefore)
	}

	query := `UPDATE jobs SET state = 'running', worker = ?, started = ?, heartbeat_at = ?, progress = 0,
	retries = retries + CASE WHEN state = 'running' THEN 1 ELSE 0 END
WHERE seq = (
	SELECT j.seq FROM jobs j
	WHERE j.task IN (` + placeholders(len(req.Tasks)) + `)
	AND (
		(j.state = 'waiting'
			AND (j.not_before IS NULL OR j.not_before <= ?)
			AND NOT EXISTS (SELECT 1 FROM jobs r WHERE r.grp = j.grp AND r.state = 'running'))
		OR (j.state = 'running' AND j.heartbeat_at < ? AND j.retries < j.max_retries)
	)
	ORDER BY j.priority DESC, j.submitted ASC, j.seq ASC
	LIMIT 1
)
AND (state = 'waiting' OR (state = 'running' AND heartbeat_at < ? AND retries < max_retries))
RETURNING ` + jobColumns
	exhausted := `UPDATE jobs SET state = 'failed', finished = ?, worker = '', heartbeat_at = NULL
WHERE task IN (` + placeholders(len(req.Tasks)) + `)
AND state = 'running' AND heartbeat_at < ? AND retries >= max_retries`

	nowMs := millis(now)
	args := make([]any, 0, len(req.Tasks)+6)
	args = append(args, req.Worker, nowMs, nowMs)
	for _, t := range req.Tasks {
		args = append(args, t)
	}
	args = append(args, nowMs, stale, stale)

	failArgs := make([]any, 0, len(req.Tasks)+2)
	failArgs = append(failArgs, nowMs)
	for _, t := range req.Tasks {
		failArgs = append(failArgs, t)
	}
	failArgs = append(failArgs, stale)

	var claimed *job.Job
	claim := func(q querier) error {
		if stale > 0 {
			if _, err := s.exec(ctx, q, exhausted, failArgs...); err != nil {
				return err
			}
		}
		j, err := scanJob(s.queryRow(ctx, q, query, args...))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		claimed = j
		return nil
	}

	var err error
	if s.d == dialectPostgres {
		err = s.inTx(ctx, func(tx *sql.Tx) error {
			if _, err := s.exec(ctx, tx, `SELECT pg_advisory_xact_lock(?)`, int64(claimLockKey)); err != nil {
				return err
			}
			return claim(tx)
		})
	} else {
		err = claim(s.db)
	}
	if err != nil {
		return nil, job.WrapStore("claim", err)
	}
	return claimed, nil
}

func (s *sqlStore) Heartbeat(ctx context.Context, id, worker string, progress int) (HeartbeatResult, error) {
	if err := s.check(); err != nil {
		return HeartbeatResult{}, job.WrapStore("heartbeat", err)
	}
	var flag int
	err := s.queryRow(ctx, s.db, `UPDATE jobs SET progress = ?, heartbeat_at = ?
WHERE id = ? AND worker = ? AND state = 'running'
RETURNING cancel_requested`, clampProgress(progress), millis(s.now()), id, worker).Scan(&flag)
	if errors.Is(err, sql.ErrNoRows) {
		return HeartbeatResult{}, nil
	}
	if err != nil {
		return HeartbeatResult{}, job.WrapStore("heartbeat", err)
	}
	return HeartbeatResult{Owned: true, CancelRequested: flag != 0}, nil
}

func (s *sqlStore) Finish(ctx context.Context, id, worker string, state job.State) (bool, error) {
	if !state.Terminal() {
		return false, fmt.Errorf("finish: %q is not a terminal state", state)
	}
	if err := s.check(); err != nil {
		return false, job.WrapStore("finish", err)
	}
	success := 0
	if state == job.StateSuccess {
		success = 1
	}
	res, err := s.exec(ctx, s.db, `UPDATE jobs SET state = ?, finished = ?, worker = '', heartbeat_at = NULL,
	progress = CASE WHEN ? = 1 THEN 100 ELSE progress END
WHERE id = ? AND worker = ? AND state = 'running'`, string(state), millis(s.now()), success, id, worker)
	if err != nil {
		return false, job.WrapStore("finish", err)
	}
	return affected(res), nil
}

func (s *sqlStore) Requeue(ctx context.Context, id, worker string, r Requeue) (bool, error) {
	if err := s.check(); err != nil {
		return false, job.WrapStore("requeue", err)
	}
	inc := 0
	if r.IncrementRetry {
		inc = 1
	}
	res, err := s.exec(ctx, s.db, `UPDATE jobs SET state = 'waiting', worker = '', heartbeat_at = NULL,
	progress = 0, not_before = ?, retries = retries + ?
WHERE id = ? AND worker = ? AND state = 'running'`, nullMillis(r.NotBefore), inc, id, worker)
	if err != nil {
		return false, job.WrapStore("requeue", err)
	}
	return affected(res), nil
}

// RequestCancel removes a waiting job or flags a running one. A job can
// move between the two branches concurrently, so the sequence is retried
// a few times before giving up as not found.
func (s *sqlStore) RequestCancel(ctx context.Context, id string) (job.CancelResult, string, error) {
	if err := s.check(); err != nil {
		return job.CancelNotFound, "", job.WrapStore("cancel", err)
	}
	for attempt := 0; attempt < 3; attempt++ {
		removed := false
		err := s.inTx(ctx, func(tx *sql.Tx) error {
			res, err := s.exec(ctx, tx, `DELETE FROM jobs WHERE id = ? AND state = 'waiting'`, id)
			if err != nil {
				return err
			}
			if !affected(res) {
				return nil
			}
			removed = true
			_, err = s.exec(ctx, tx, `DELETE FROM job_logs WHERE job_id = ?`, id)
			return err
		})
		if err != nil {
			return job.CancelNotFound, "", job.WrapStore("cancel", err)
		}
		if removed {
			return job.CancelRemoved, "", nil
		}

		var worker string
		err = s.queryRow(ctx, s.db, `UPDATE jobs SET cancel_requested = 1 WHERE id = ? AND state = 'running' RETURNING worker`, id).Scan(&worker)
		if err == nil {
			return job.CancelRequested, worker, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return job.CancelNotFound, "", job.WrapStore("cancel", err)
		}

		var state string
		err = s.queryRow(ctx, s.db, `SELECT state FROM jobs WHERE id = ?`, id).Scan(&state)
		if errors.Is(err, sql.ErrNoRows) {
			return job.CancelNotFound, "", nil
		}
		if err != nil {
			return job.CancelNotFound, "", job.WrapStore("cancel", err)
		}
		if job.State(state).Terminal() {
			return job.CancelNotFound, "", nil
		}
	}
	return job.CancelNotFound, "", nil
}

func (s *sqlStore) Get(ctx context.Context, id string) (*job.Job, error) {
	if err := s.check(); err != nil {
		return nil, job.WrapStore("get", err)
	}
	j, err := scanJob(s.queryRow(ctx, s.db, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, job.ErrNotFound
	}
	return j, job.WrapStore("get", err)
}

// QueueState reads running, queued and recently finished jobs. An empty
// group selects every group.
func (s *sqlStore) QueueState(ctx context.Context, group string, q QueueQuery) (job.QueueState, error) {
	var out job.QueueState
	if err := s.check(); err != nil {
		return out, job.WrapStore("queue_state", err)
	}
	limit := q.DoneLimit
	if limit <= 0 {
		limit = defaultDoneLimit
	}
	filter, fargs := "", []any(nil)
	if group != "" {
		filter, fargs = " AND grp = ?", []any{group}
	}

	running, err := s.listJobs(ctx, `SELECT `+jobColumns+` FROM jobs WHERE state = 'running'`+filter+` ORDER BY started ASC, seq ASC`, fargs...)
	if err != nil {
		return out, job.WrapStore("queue_state", err)
	}
	queued, err := s.listJobs(ctx, `SELECT `+jobColumns+` FROM jobs WHERE state = 'waiting'`+filter+` ORDER BY priority DESC, submitted ASC, seq ASC`, fargs...)
	if err != nil {
		return out, job.WrapStore("queue_state", err)
	}
	done, err := s.listJobs(ctx, `SELECT `+jobColumns+` FROM jobs WHERE state IN ('success', 'failed', 'cancelled')`+filter+` ORDER BY finished DESC, seq DESC LIMIT ?`, append(fargs, limit)...)
	if err != nil {
		return out, job.WrapStore("queue_state", err)
	}

	var logs map[string][]job.LogEntry
	if q.WithLogs {
		ids := make([]string, 0, len(running)+len(queued)+len(done))
		for _, set := range [][]*job.Job{running, queued, done} {
			for _, j := range set {
				ids = append(ids, j.ID)
			}
		}
		logs, err = s.logsFor(ctx, ids)
		if err != nil {
			return out, job.WrapStore("queue_state", err)
		}
	}
	out.Running = summaries(running, logs)
	out.Queued = summaries(queued, logs)
	out.Done = summaries(done, logs)
	return out, nil
}

func summaries(js []*job.Job, logs map[string][]job.LogEntry) []job.Summary {
	out := make([]job.Summary, 0, len(js))
	for _, j := range js {
		out = append(out, j.Summary(logs[j.ID]))
	}
	return out
}

func (s *sqlStore) listJobs(ctx context.Context, query string, args ...any) ([]*job.Job, error) {
	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *sqlStore) logsFor(ctx context.Context, ids []string) (map[string][]job.LogEntry, error) {
	out := make(map[string][]job.LogEntry, len(ids))
	for start := 0; start < len(ids); start += logChunk {
		end := min(start+logChunk, len(ids))
		chunk := ids[start:end]
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		rows, err := s.query(ctx, s.db, `SELECT job_id, at, level, message FROM job_logs WHERE job_id IN (`+placeholders(len(chunk))+`) ORDER BY id ASC`, args...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			e, err := scanLog(rows)
			if err != nil {
				rows.Close()
				return nil, err
			}
			out[e.JobID] = append(out[e.JobID], e)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *sqlStore) AppendLog(ctx context.Context, id string, level job.LogLevel, msg string) error {
	if err := s.check(); err != nil {
		return job.WrapStore("append_log", err)
	}
	_, err := s.exec(ctx, s.db, `INSERT INTO job_logs (job_id, at, level, message) VALUES (?, ?, ?, ?)`,
		id, millis(s.now()), string(level), msg)
	return job.WrapStore("append_log", err)
}

func (s *sqlStore) Logs(ctx context.Context, id string) ([]job.LogEntry, error) {
	if err := s.check(); err != nil {
		return nil, job.WrapStore("logs", err)
	}
	m, err := s.logsFor(ctx, []string{id})
	if err != nil {
		return nil, job.WrapStore("logs", err)
	}
	return m[id], nil
}

// ResetWorker returns every job still running under worker to waiting.
// Called at startup, when the previous incarnation of this worker can no
// longer be executing anything.
func (s *sqlStore) ResetWorker(ctx context.Context, worker string) (int, error) {
	if err := s.check(); err != nil {
		return 0, job.WrapStore("reset_worker", err)
	}
	res, err := s.exec(ctx, s.db, `UPDATE jobs SET state = 'waiting', worker = '', heartbeat_at = NULL, progress = 0
WHERE worker = ? AND state = 'running'`, worker)
	if err != nil {
		return 0, job.WrapStore("reset_worker", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqlStore) CleanupFinished(ctx context.Context, before time.Time) (int, error) {
	if err := s.check(); err != nil {
		return 0, job.WrapStore("cleanup", err)
	}
	var n int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		cutoff := millis(before)
		if _, err := s.exec(ctx, tx, `DELETE FROM job_logs WHERE job_id IN (
	SELECT id FROM jobs WHERE state IN ('success', 'failed', 'cancelled') AND finished < ?)`, cutoff); err != nil {
			return err
		}
		res, err := s.exec(ctx, tx, `DELETE FROM jobs WHERE state IN ('success', 'failed', 'cancelled') AND finished < ?`, cutoff)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, job.WrapStore("cleanup", err)
	}
	return int(n), nil
}

// ---- nodes ----

func (s *sqlStore) RegisterNode(ctx context.Context, n job.Node) error {
	if err := s.check(); err != nil {
		return job.WrapStore("register_node", err)
	}
	updated := n.Updated
	if updated.IsZero() {
		updated = s.now()
	}
	_, err := s.exec(ctx, s.db, `INSERT INTO nodes (id, kind, url, updated) VALUES (?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET kind = excluded.kind, url = excluded.url, updated = excluded.updated`,
		n.ID, n.Kind, n.URL, millis(updated))
	return job.WrapStore("register_node", err)
}

func (s *sqlStore) ListNodes(ctx context.Context, kind string, freshAfter time.Time) ([]job.Node, error) {
	if err := s.check(); err != nil {
		return nil, job.WrapStore("list_nodes", err)
	}
	rows, err := s.query(ctx, s.db, `SELECT id, kind, url, updated FROM nodes WHERE kind = ? AND updated >= ? ORDER BY id`, kind, millis(freshAfter))
	if err != nil {
		return nil, job.WrapStore("list_nodes", err)
	}
	defer rows.Close()
	var out []job.Node
	for rows.Next() {
		var (
			n  job.Node
			ms int64
		)
		if err := rows.Scan(&n.ID, &n.Kind, &n.URL, &ms); err != nil {
			return nil, job.WrapStore("list_nodes", err)
		}
		n.Updated = fromMillis(ms)
		out = append(out, n)
	}
	return out, job.WrapStore("list_nodes", rows.Err())
}

func (s *sqlStore) RemoveNode(ctx context.Context, id string) error {
	if err := s.check(); err != nil {
		return job.WrapStore("remove_node", err)
	}
	_, err := s.exec(ctx, s.db, `DELETE FROM nodes WHERE id = ?`, id)
	return job.WrapStore("remove_node", err)
}

// ---- periodic ----

// UpsertPeriodic inserts or updates a definition keyed by name. Trigger
// bookkeeping (last_triggered, marker) survives updates.
func (s *sqlStore) UpsertPeriodic(ctx context.Context, p job.PeriodicTask) (job.PeriodicTask, error) {
	if err := s.check(); err != nil {
		return p, job.WrapStore("upsert_periodic", err)
	}
	if strings.TrimSpace(p.Name) == "" {
		return p, errors.New("periodic name is required")
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Created.IsZero() {
		p.Created = s.now()
	}
	var out *job.PeriodicTask
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.exec(ctx, tx, `INSERT INTO periodic_tasks (id, name, task, grp, args, subject, priority, timer, enabled, created, last_job_id, marker)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', '')
ON CONFLICT (name) DO UPDATE SET task = excluded.task, grp = excluded.grp, args = excluded.args,
	subject = excluded.subject, priority = excluded.priority, timer = excluded.timer, enabled = excluded.enabled`,
			p.ID, p.Name, p.Task, p.Group, p.Args, p.Subject, int(p.Priority), p.Timer, boolInt(p.Enabled), millis(p.Created)); err != nil {
			return err
		}
		got, err := scanPeriodic(s.queryRow(ctx, tx, `SELECT `+periodicColumns+` FROM periodic_tasks WHERE name = ?`, p.Name))
		if err != nil {
			return err
		}
		out = got
		return nil
	})
	if err != nil {
		return p, job.WrapStore("upsert_periodic", err)
	}
	return *out, nil
}

func (s *sqlStore) ListPeriodic(ctx context.Context, enabledOnly bool) ([]job.PeriodicTask, error) {
	if err := s.check(); err != nil {
		return nil, job.WrapStore("list_periodic", err)
	}
	q := `SELECT ` + periodicColumns + ` FROM periodic_tasks`
	if enabledOnly {
		q += ` WHERE enabled = 1`
	}
	q += ` ORDER BY name`
	rows, err := s.query(ctx, s.db, q)
	if err != nil {
		return nil, job.WrapStore("list_periodic", err)
	}
	defer rows.Close()
	var out []job.PeriodicTask
	for rows.Next() {
		p, err := scanPeriodic(rows)
		if err != nil {
			return nil, job.WrapStore("list_periodic", err)
		}
		out = append(out, *p)
	}
	return out, job.WrapStore("list_periodic", rows.Err())
}

func (s *sqlStore) DeletePeriodicExcept(ctx context.Context, names []string) (int, error) {
	if err := s.check(); err != nil {
		return 0, job.WrapStore("delete_periodic", err)
	}
	q := `DELETE FROM periodic_tasks`
	args := make([]any, 0, len(names))
	if len(names) > 0 {
		q += ` WHERE name NOT IN (` + placeholders(len(names)) + `)`
		for _, n := range names {
			args = append(args, n)
		}
	}
	res, err := s.exec(ctx, s.db, q, args...)
	if err != nil {
		return 0, job.WrapStore("delete_periodic", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// TriggerPeriodic claims one occurrence of a definition and submits its
// job in the same transaction. The claim succeeds only when the occurrence
// is newer than last_triggered and no other process holds a live marker,
// so two processes racing on the same occurrence submit one job.
func (s *sqlStore) TriggerPeriodic(ctx context.Context, p PeriodicTrigger) (string, bool, error) {
	if err := s.check(); err != nil {
		return "", false, job.WrapStore("trigger_periodic", err)
	}
	now := s.now()
	ttl := p.MarkerTTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	occ := millis(p.Occurrence)
	var jobID string
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := s.exec(ctx, tx, `UPDATE periodic_tasks SET marker = ?, marker_until = ?
WHERE id = ? AND enabled = 1
	AND (last_triggered IS NULL OR last_triggered < ?)
	AND (marker = '' OR marker_until IS NULL OR marker_until < ?)`,
			p.Worker, millis(now.Add(ttl)), p.ID, occ, millis(now))
		if err != nil {
			return err
		}
		if !affected(res) {
			return nil
		}
		id, err := s.insertJob(ctx, tx, p.Job, now)
		if err != nil {
			return err
		}
		if _, err := s.exec(ctx, tx, `UPDATE periodic_tasks SET last_triggered = ?, last_job_id = ?, marker = '', marker_until = NULL WHERE id = ?`,
			occ, id, p.ID); err != nil {
			return err
		}
		jobID = id
		return nil
	})
	if err != nil {
		return "", false, job.WrapStore("trigger_periodic", err)
	}
	return jobID, jobID != "", nil
}

// ---- scanning ----

func scanJob(r rowScanner) (*job.Job, error) {
	var (
		j                                   job.Job
		args                                []byte
		priority                            int
		state                               string
		submitted                           int64
		started, finished, notBefore, hbeat sql.NullInt64
		cancel                              int
	)
	if err := r.Scan(&j.ID, &j.Task, &j.Group, &args, &j.Subject, &priority, &state, &submitted,
		&started, &finished, &j.Worker, &j.Retries, &j.MaxRetries, &j.Progress, &notBefore, &hbeat, &cancel); err != nil {
		return nil, err
	}
	if len(args) > 0 {
		j.Args = args
	}
	j.Priority = job.Priority(priority)
	j.State = job.State(state)
	j.Submitted = fromMillis(submitted)
	j.Started = nullTime(started)
	j.Finished = nullTime(finished)
	j.NotBefore = nullTime(notBefore)
	j.HeartbeatAt = nullTime(hbeat)
	j.CancelRequested = cancel != 0
	return &j, nil
}

func scanLog(r rowScanner) (job.LogEntry, error) {
	var (
		e     job.LogEntry
		at    int64
		level string
	)
	if err := r.Scan(&e.JobID, &at, &level, &e.Message); err != nil {
		return e, err
	}
	e.Time = fromMillis(at)
	e.Level = job.LogLevel(level)
	return e, nil
}

func scanPeriodic(r rowScanner) (*job.PeriodicTask, error) {
	var (
		p                 job.PeriodicTask
		args              []byte
		priority, enabled int
		created           int64
		last, markerUntil sql.NullInt64
	)
	if err := r.Scan(&p.ID, &p.Name, &p.Task, &p.Group, &args, &p.Subject, &priority, &p.Timer, &enabled,
		&created, &last, &p.LastJobID, &p.Marker, &markerUntil); err != nil {
		return nil, err
	}
	if len(args) > 0 {
		p.Args = args
	}
	p.Priority = job.Priority(priority)
	p.Enabled = enabled != 0
	p.Created = fromMillis(created)
	p.LastTriggered = nullTime(last)
	p.MarkerUntil = nullTime(markerUntil)
	return &p, nil
}

// ---- helpers ----

func millis(t time.Time) int64 { return t.UnixMilli() }

func nullMillis(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func affected(res sql.Result) bool {
	n, err := res.RowsAffected()
	return err == nil && n > 0
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func clampProgress(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}

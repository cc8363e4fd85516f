package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"jobexec/internal/job"
	"jobexec/internal/notifier"
	"jobexec/internal/queue"
	rtsup "jobexec/internal/runtime/supervisor"
	"jobexec/internal/storage"
	"jobexec/internal/task"
	"jobexec/internal/task/engine"
	"jobexec/internal/task/scheduler"
	logx "jobexec/pkg/logx"
)

type Queue interface {
	Submit(ctx context.Context, r queue.Request) (string, error)
	Cancel(ctx context.Context, id string) (job.CancelResult, error)
	QueueState(ctx context.Context, group string, q storage.QueueQuery) (job.QueueState, error)
	Get(ctx context.Context, id string) (*job.Job, []job.LogEntry, error)
}

// Executor is the in-process executor. It is nil when this process only
// submits jobs.
type Executor interface {
	Wake()
	CancelLocal(id string) bool
	Snapshot() engine.Snapshot
}

type Periodic interface {
	Snapshot(ctx context.Context) (scheduler.Snapshot, error)
}

type NotifierStats interface {
	Stats() notifier.Stats
}

// Deps are the components the routes serve. Only Queue is required.
type Deps struct {
	Queue    Queue
	Executor Executor
	Periodic Periodic
	Notifier NotifierStats
	// Runtime reports goroutine supervisors by component.
	Runtime func() map[string]rtsup.Snapshot
}

type RouterOptions struct {
	Token    string
	Profiler bool
	Log      logx.Logger
}

// NewRouter builds the API handler. /healthz is the only route served
// without the token.
func NewRouter(deps Deps, opts RouterOptions) http.Handler {
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	h := &handlers{deps: deps, log: opts.Log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(opts.Log))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(requireToken(opts.Token))

		r.Route("/api/v1", func(r chi.Router) {
			r.Post("/notify", h.notify)
			r.Post("/jobs", h.submit)
			r.Get("/jobs/{id}", h.getJob)
			r.Delete("/jobs/{id}", h.cancel)
			r.Post("/jobs/{id}/cancel", h.cancelLocal)
			r.Get("/queue", h.queueState)
			r.Get("/periodic", h.periodic)
			r.Get("/status", h.status)
		})
		if opts.Profiler {
			r.Mount("/debug", middleware.Profiler())
		}
	})
	return r
}

type handlers struct {
	deps Deps
	log  logx.Logger
}

func (h *handlers) notify(w http.ResponseWriter, _ *http.Request) {
	if h.deps.Executor != nil {
		h.deps.Executor.Wake()
	}
	w.WriteHeader(http.StatusNoContent)
}

type submitBody struct {
	queue.Request
	// Delay is a Go duration string, e.g. "30s".
	Delay string `json:"delay,omitempty"`
}

func (h *handlers) submit(w http.ResponseWriter, r *http.Request) {
	var body submitBody
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	req := body.Request
	if d := strings.TrimSpace(body.Delay); d != "" {
		v, err := time.ParseDuration(d)
		if err != nil || v < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid delay %q", d))
			return
		}
		req.Delay = v
	}
	id, err := h.deps.Queue.Submit(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (h *handlers) getJob(w http.ResponseWriter, r *http.Request) {
	j, logs, err := h.deps.Queue.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if logs == nil {
		logs = []job.LogEntry{}
	}
	writeJSON(w, http.StatusOK, struct {
		Job  *job.Job       `json:"job"`
		Logs []job.LogEntry `json:"logs"`
	}{j, logs})
}

func (h *handlers) cancel(w http.ResponseWriter, r *http.Request) {
	res, err := h.deps.Queue.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if res == job.CancelNotFound {
		status = http.StatusNotFound
	}
	writeJSON(w, status, map[string]job.CancelResult{"result": res})
}

// cancelLocal is called by the process that recorded a cancel request so
// the owner stops the job without waiting for its next heartbeat.
func (h *handlers) cancelLocal(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if h.deps.Executor == nil || !h.deps.Executor.CancelLocal(id) {
		writeError(w, http.StatusNotFound, fmt.Errorf("job %s is not running here", id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) queueState(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var opts storage.QueueQuery
	if v := q.Get("done_limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid done_limit %q", v))
			return
		}
		opts.DoneLimit = n
	}
	if v := q.Get("logs"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid logs %q", v))
			return
		}
		opts.WithLogs = b
	}
	st, err := h.deps.Queue.QueueState(r.Context(), q.Get("group"), opts)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *handlers) periodic(w http.ResponseWriter, r *http.Request) {
	if h.deps.Periodic == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("periodic scheduler not configured"))
		return
	}
	snap, err := h.deps.Periodic.Snapshot(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type statusView struct {
	Time     time.Time                 `json:"time"`
	Executor *engine.Snapshot          `json:"executor,omitempty"`
	Periodic *scheduler.Snapshot       `json:"periodic,omitempty"`
	Notifier *notifier.Stats           `json:"notifier,omitempty"`
	Runtime  map[string]rtsup.Snapshot `json:"runtime,omitempty"`
	Errors   []string                  `json:"errors,omitempty"`
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	v := statusView{Time: time.Now().UTC()}
	if h.deps.Executor != nil {
		snap := h.deps.Executor.Snapshot()
		v.Executor = &snap
	}
	if h.deps.Periodic != nil {
		snap, err := h.deps.Periodic.Snapshot(r.Context())
		if err != nil {
			v.Errors = append(v.Errors, "periodic: "+err.Error())
		} else {
			v.Periodic = &snap
		}
	}
	if h.deps.Notifier != nil {
		st := h.deps.Notifier.Stats()
		v.Notifier = &st
	}
	if h.deps.Runtime != nil {
		v.Runtime = h.deps.Runtime()
	}
	writeJSON(w, http.StatusOK, v)
}

// fail maps domain errors to status codes.
func (h *handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, job.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, task.ErrInvalidArgs), errors.Is(err, task.ErrUnknownTask):
		writeError(w, http.StatusBadRequest, err)
	case job.IsStoreError(err):
		h.log.Warn("store unavailable", logx.String("path", r.URL.Path), logx.Err(err))
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		h.log.Error("request failed", logx.String("path", r.URL.Path), logx.Err(err))
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// requireToken accepts either "Authorization: Bearer <token>" or
// ?token=<token>. An empty token disables auth.
func requireToken(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.URL.Query().Get("token")
			if got == "" {
				const p = "Bearer "
				if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) {
					got = strings.TrimSpace(strings.TrimPrefix(ah, p))
				}
			}
			if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(tok)) != 1 {
				unauthorized(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeError(w, http.StatusUnauthorized, errors.New("unauthorized"))
}

func requestLogger(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			if !log.Enabled(logx.LevelDebug) {
				return
			}
			log.Debug("http request",
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", ww.Status()),
				logx.Int("bytes", ww.BytesWritten()),
				logx.Duration("took", time.Since(start)),
				logx.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

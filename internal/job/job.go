// Package job holds the queue's data model: jobs, their logs, periodic
// definitions and the derived queue-state view.
package job

import (
	"fmt"
	"strings"
	"time"
)

type State string

const (
	StateWaiting   State = "waiting"
	StateRunning   State = "running"
	StateSuccess   State = "success"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	switch s {
	case StateSuccess, StateFailed, StateCancelled:
		return true
	}
	return false
}

func (s State) Valid() bool {
	switch s {
	case StateWaiting, StateRunning, StateSuccess, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Priority orders waiting jobs; higher values are claimed first.
type Priority int

const (
	PriorityLow  Priority = 0
	PriorityHigh Priority = 1
)

func (p Priority) String() string {
	if p >= PriorityHigh {
		return "high"
	}
	return "low"
}

func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "low":
		return PriorityLow, nil
	case "high":
		return PriorityHigh, nil
	default:
		return PriorityLow, fmt.Errorf("invalid priority %q (use high or low)", s)
	}
}

func (p Priority) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Job is a unit of work. Worker is set only while Running; Finished only
// once terminal.
type Job struct {
	ID              string     `json:"id"`
	Task            string     `json:"task"`
	Group           string     `json:"group"`
	Args            []byte     `json:"args,omitempty"`
	Subject         string     `json:"subject"`
	Priority        Priority   `json:"priority"`
	State           State      `json:"state"`
	Submitted       time.Time  `json:"submitted"`
	Started         *time.Time `json:"started,omitempty"`
	Finished        *time.Time `json:"finished,omitempty"`
	Worker          string     `json:"worker,omitempty"`
	Retries         int        `json:"retries"`
	MaxRetries      int        `json:"max_retries"`
	Progress        int        `json:"progress"`
	NotBefore       *time.Time `json:"not_before,omitempty"`
	HeartbeatAt     *time.Time `json:"heartbeat_at,omitempty"`
	CancelRequested bool       `json:"cancel_requested"`
}

// NewJob is what a submitter provides.
type NewJob struct {
	Task       string
	Group      string
	Args       []byte
	Subject    string
	Priority   Priority
	MaxRetries int
	NotBefore  time.Time
}

type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

func ParseLogLevel(s string) LogLevel {
	switch LogLevel(strings.ToLower(strings.TrimSpace(s))) {
	case LogDebug:
		return LogDebug
	case LogWarn, "warning":
		return LogWarn
	case LogError:
		return LogError
	default:
		return LogInfo
	}
}

type LogEntry struct {
	JobID   string    `json:"job_id"`
	Time    time.Time `json:"time"`
	Level   LogLevel  `json:"level"`
	Message string    `json:"message"`
}

// CancelResult is the outcome of a cancel request.
type CancelResult string

const (
	CancelNotFound  CancelResult = "not_found"
	CancelRequested CancelResult = "cancel_requested"
	CancelRemoved   CancelResult = "removed"
)

// Summary is the per-job row of a QueueState.
type Summary struct {
	ID        string     `json:"id"`
	Task      string     `json:"task"`
	Group     string     `json:"group"`
	Subject   string     `json:"subject"`
	Priority  Priority   `json:"priority"`
	State     State      `json:"state"`
	Retries   int        `json:"retries"`
	Progress  int        `json:"progress"`
	Worker    string     `json:"worker,omitempty"`
	Submitted time.Time  `json:"submitted"`
	Started   *time.Time `json:"started,omitempty"`
	Finished  *time.Time `json:"finished,omitempty"`
	Logs      []LogEntry `json:"logs"`
}

func (j *Job) Summary(logs []LogEntry) Summary {
	if logs == nil {
		logs = []LogEntry{}
	}
	return Summary{
		ID:        j.ID,
		Task:      j.Task,
		Group:     j.Group,
		Subject:   j.Subject,
		Priority:  j.Priority,
		State:     j.State,
		Retries:   j.Retries,
		Progress:  j.Progress,
		Worker:    j.Worker,
		Submitted: j.Submitted,
		Started:   j.Started,
		Finished:  j.Finished,
		Logs:      logs,
	}
}

// QueueState is recomputed on every read.
type QueueState struct {
	Running []Summary `json:"running"`
	Done    []Summary `json:"done"`
	Queued  []Summary `json:"queued"`
}

// PeriodicTask is a recurring job template.
type PeriodicTask struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Task          string     `json:"task"`
	Group         string     `json:"group"`
	Args          []byte     `json:"args,omitempty"`
	Subject       string     `json:"subject"`
	Priority      Priority   `json:"priority"`
	Timer         string     `json:"timer"`
	Enabled       bool       `json:"enabled"`
	Created       time.Time  `json:"created"`
	LastTriggered *time.Time `json:"last_triggered,omitempty"`
	LastJobID     string     `json:"last_job_id,omitempty"`
	Marker        string     `json:"marker,omitempty"`
	MarkerUntil   *time.Time `json:"marker_until,omitempty"`
}

// Node is an executor process advertising its base URL.
type Node struct {
	ID      string    `json:"id"`
	Kind    string    `json:"kind"`
	URL     string    `json:"url"`
	Updated time.Time `json:"updated"`
}

const NodeExecutor = "executor"

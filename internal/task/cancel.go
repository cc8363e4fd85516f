package task

import "sync"

// CancelToken is the cooperative cancel signal of one job run.
type CancelToken struct {
	once sync.Once
	ch   chan struct{}
}

func NewCancelToken() *CancelToken {
	return &CancelToken{ch: make(chan struct{})}
}

// Cancel is idempotent.
func (t *CancelToken) Cancel() {
	t.once.Do(func() { close(t.ch) })
}

func (t *CancelToken) Cancelled() bool {
	select {
	case <-t.ch:
		return true
	default:
		return false
	}
}

func (t *CancelToken) Done() <-chan struct{} { return t.ch }

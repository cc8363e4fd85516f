package engine

import "errors"

var (
	ErrNoStore = errors.New("executor: store is required")
	ErrNoTasks = errors.New("executor: task registry is empty")
)

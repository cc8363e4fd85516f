// Package scheduler is the periodic scheduler: it keeps recurring job
// definitions in the store, evaluates their calendar rules on a sweep and
// submits one job per due occurrence.
//
// Several processes may sweep the same store. The store's conditional
// trigger makes sure an occurrence yields a single job however many of
// them see it due at once.
package scheduler

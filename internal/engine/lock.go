package engine

import (
	"context"
	"time"
)

// LockObserver receives timing for every critical section.
type LockObserver interface {
	ObserveLockWait(d time.Duration)
	ObserveLockHold(d time.Duration)
}

// Lock is the process-wide mutual exclusion guard around the Engine.
//
// Invariant: at most one function passed to Do runs at any instant.
type Lock struct {
	sem      chan struct{}
	observer LockObserver
}

// NewLock creates an unlocked Lock. observer may be nil.
func NewLock(observer LockObserver) *Lock {
	return &Lock{
		sem:      make(chan struct{}, 1),
		observer: observer,
	}
}

// Do runs fn with exclusive access to the engine.
//
// Postcondition: fn has run to completion and the lock is released, or ctx
// was cancelled while waiting, fn did not run and ctx.Err() is returned.
func (l *Lock) Do(ctx context.Context, fn func()) error {
	waitStart := time.Now()
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	holdStart := time.Now()
	if l.observer != nil {
		l.observer.ObserveLockWait(holdStart.Sub(waitStart))
	}
	defer func() {
		if l.observer != nil {
			l.observer.ObserveLockHold(time.Since(holdStart))
		}
		<-l.sem
	}()

	fn()
	return nil
}

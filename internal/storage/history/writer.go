package history

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

var (
	// ErrQueueFull is returned by Writer.Record when no queue slot is free.
	ErrQueueFull = errors.New("history queue full")
	// ErrWriterStopped is returned by Writer.Record after Stop.
	ErrWriterStopped = errors.New("history writer stopped")
)

// Sink stores one outcome. *Store is a Sink.
type Sink interface {
	Record(ctx context.Context, o Outcome) error
}

// Writer queues outcomes and stores them from its own goroutine, so a caller
// holding the engine lock never waits on the disk.
type Writer struct {
	sink   Sink
	logger *zap.Logger
	queue  chan Outcome

	stop     chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
	exited   chan struct{}
}

// NewWriter returns a Writer with room for capacity queued outcomes.
//
// Precondition: capacity must be positive.
func NewWriter(sink Sink, logger *zap.Logger, capacity int) *Writer {
	return &Writer{
		sink:   sink,
		logger: logger,
		queue:  make(chan Outcome, capacity),
		stop:   make(chan struct{}),
		exited: make(chan struct{}),
	}
}

// Record queues o without blocking.
//
// Postcondition: Returns nil once o is queued, ErrQueueFull when the queue
// is full, or ErrWriterStopped after Stop.
func (w *Writer) Record(_ context.Context, o Outcome) error {
	select {
	case <-w.stop:
		return ErrWriterStopped
	default:
	}
	select {
	case w.queue <- o:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run stores queued outcomes until Stop, then stores whatever is still
// queued and returns.
func (w *Writer) Run() error {
	w.started.Store(true)
	defer close(w.exited)
	for {
		select {
		case o := <-w.queue:
			w.write(o)
		case <-w.stop:
			for {
				select {
				case o := <-w.queue:
					w.write(o)
				default:
					return nil
				}
			}
		}
	}
}

// Stop ends Run and waits for the queue to drain. Safe to call more than once.
func (w *Writer) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	if w.started.Load() {
		<-w.exited
	}
}

func (w *Writer) write(o Outcome) {
	if err := w.sink.Record(context.Background(), o); err != nil {
		w.logger.Error("recording game outcome",
			zap.String("winner", o.Winner),
			zap.String("map", o.Map),
			zap.Error(err),
		)
	}
}

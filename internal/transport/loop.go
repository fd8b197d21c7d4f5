package transport

import (
	"log/slog"
	"sync"
)

// Loop runs posted callbacks one at a time, in posting order, on a single goroutine.
// Every event of every request created by one Host is dispatched on its Loop.
type Loop struct {
	logger *slog.Logger

	mu    sync.Mutex
	queue []func()

	wake      chan struct{}
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewLoop starts a loop. Call Close to stop it.
func NewLoop(logger *slog.Logger) *Loop {
	l := &Loop{
		logger: logger.With("component", "event_loop"),
		wake:   make(chan struct{}, 1),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go l.run()
	return l
}

// Post queues fn. It never blocks.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Flush blocks until every callback posted before the call has run.
// It must not be called from a callback running on the loop.
func (l *Loop) Flush() {
	ch := make(chan struct{})
	l.Post(func() { close(ch) })
	select {
	case <-ch:
	case <-l.done:
	}
}

// Close stops the loop and drops callbacks that have not run yet.
func (l *Loop) Close() {
	l.closeOnce.Do(func() { close(l.quit) })
	<-l.done
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		select {
		case <-l.wake:
		case <-l.quit:
			return
		}
		for {
			l.mu.Lock()
			batch := l.queue
			l.queue = nil
			l.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, fn := range batch {
				l.call(fn)
			}
		}
	}
}

func (l *Loop) call(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("event callback panicked", "panic", r)
		}
	}()
	fn()
}

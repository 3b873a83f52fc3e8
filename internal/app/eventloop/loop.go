// Package eventloop runs session work on a single goroutine. Everything a
// session owns (registry, links, chat logs, flags) is touched only from
// tasks running on the loop, so none of it needs locking.
package eventloop

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
)

var ErrClosed = errors.New("eventloop: closed")

type Loop struct {
	name string

	mu     sync.Mutex
	queue  []func()
	closed bool

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func New(name string) *Loop {
	return &Loop{
		name: name,
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Post enqueues fn without blocking; it is safe from any goroutine,
// including the loop itself. It reports false once the loop is closed.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Do runs fn on the loop and waits for it. Never call it from the loop.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		// Run may have executed the task just before exiting.
		select {
		case <-finished:
			return nil
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes tasks in FIFO order until ctx is done or Close is called.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.done)
	logger := log.With().Str("module", "app.eventloop").Str("loop", l.name).Logger()
	logger.Debug().Msg("loop started")

	for {
		for _, fn := range l.drain() {
			select {
			case <-l.stop:
				logger.Debug().Msg("loop stopped")
				return
			default:
			}
			l.run(fn)
		}

		select {
		case <-ctx.Done():
			l.Close()
			logger.Debug().Msg("loop context done")
			return
		case <-l.stop:
			logger.Debug().Msg("loop stopped")
			return
		case <-l.wake:
		}
	}
}

// Close stops the loop; queued tasks are dropped. Idempotent.
func (l *Loop) Close() {
	l.once.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.queue = nil
		l.mu.Unlock()
		close(l.stop)
	})
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} { return l.done }

func (l *Loop) drain() []func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	batch := l.queue
	l.queue = nil
	return batch
}

func (l *Loop) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("module", "app.eventloop").Str("loop", l.name).Interface("panic", r).Msg("task panicked")
		}
	}()
	fn()
}

package services

import (
	"sync"

	"eterlink/internal/core/domain"
)

// eventLoop runs posted closures one at a time on a single goroutine. All
// session and connection state is owned by it.
type eventLoop struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	stopped bool
	done    chan struct{}
}

func newEventLoop() *eventLoop {
	l := &eventLoop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *eventLoop) run() {
	defer close(l.done)
	for range l.wake {
		for {
			l.mu.Lock()
			if len(l.queue) == 0 {
				stopped := l.stopped
				l.mu.Unlock()
				if stopped {
					return
				}
				break
			}
			fn := l.queue[0]
			l.queue[0] = nil
			l.queue = l.queue[1:]
			l.mu.Unlock()
			fn()
		}
	}
}

// post enqueues fn without waiting. It reports false once the loop is stopped.
func (l *eventLoop) post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
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

// call runs fn on the loop and waits for it. Calling it from the loop
// goroutine itself deadlocks.
func (l *eventLoop) call(fn func()) error {
	finished := make(chan struct{})
	if !l.post(func() {
		defer close(finished)
		fn()
	}) {
		return domain.ErrSessionDestroyed
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		// The loop drains its queue before exiting.
		select {
		case <-finished:
			return nil
		default:
			return domain.ErrSessionDestroyed
		}
	}
}

// stop lets already queued closures run, then ends the goroutine.
func (l *eventLoop) stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

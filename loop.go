package cmakeserver

import (
	"context"
	"sync"
)

// eventLoop runs posted callbacks one at a time on the goroutine that calls run. Every
// piece of server and connection state is only touched from inside a callback.
type eventLoop struct {
	events chan func()
	done   chan struct{}
	once   sync.Once
}

func newEventLoop() *eventLoop {
	return &eventLoop{
		events: make(chan func()),
		done:   make(chan struct{}),
	}
}

// post schedules fn on the loop and blocks until the loop accepts it. It reports false
// without running fn once the loop has stopped.
func (l *eventLoop) post(fn func()) bool {
	select {
	case <-l.done:
		return false
	case l.events <- fn:
		return true
	}
}

// run executes callbacks until stop is called or ctx is done.
func (l *eventLoop) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.done:
			return nil
		case fn := <-l.events:
			fn()
		}
	}
}

func (l *eventLoop) stop() {
	l.once.Do(func() { close(l.done) })
}

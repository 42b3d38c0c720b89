package call

import (
	"errors"
	"sync"
)

// errClosed is returned by actions issued after Close.
var errClosed = errors.New("call client closed")

// loop runs posted closures one at a time on its own goroutine. post never
// blocks so pion and transport callbacks can hand work over freely.
type loop struct {
	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	quit   chan struct{}
	done   chan struct{}
	closed bool
}

func newLoop() *loop {
	l := &loop{
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *loop) post(fn func()) bool {
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

// do runs fn on the loop and waits for its result.
func (l *loop) do(fn func() error) error {
	res := make(chan error, 1)
	if !l.post(func() { res <- fn() }) {
		return errClosed
	}
	select {
	case err := <-res:
		return err
	case <-l.done:
		return errClosed
	}
}

func (l *loop) run() {
	defer close(l.done)
	for {
		select {
		case <-l.quit:
			return
		case <-l.wake:
		}
		for {
			l.mu.Lock()
			if len(l.queue) == 0 {
				l.mu.Unlock()
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

// stop runs fn as the last closure, then ends the loop.
func (l *loop) stop(fn func()) {
	finished := make(chan struct{})
	if l.post(func() {
		defer close(finished)
		fn()
	}) {
		<-finished
	}

	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.quit)
	}
	l.mu.Unlock()
	<-l.done
}

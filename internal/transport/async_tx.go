package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// AsyncTx funnels writes of T records through a single goroutine. Enqueue is
// non-blocking: when the buffer is full Send invokes the OnDrop hook and
// returns its error (usually an overflow sentinel), so producers never stall
// behind a slow socket.
//
// Life-cycle:
//
//	a := NewAsyncTx(ctx, buf, sendFn, hooks)
//	a.Send(frame)
//	a.Flush(ctx) // optional: wait until queued records were attempted
//	a.Close()
//
// Send after Close returns ErrAsyncTxClosed.
type AsyncTx[T any] struct {
	mu      sync.Mutex
	ch      chan T
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	send    func(T) error
	hooks   Hooks
	pending atomic.Int64
	closed  atomic.Bool
}

// Hooks customize AsyncTx behavior.
type Hooks struct {
	// OnError is called when send returns a non-nil error (record not sent).
	OnError func(error)
	// OnAfter is called only after a successful send.
	OnAfter func()
	// OnDrop is called when the buffer is full; its returned error is returned
	// from Send. If nil, the overflow is silent.
	OnDrop func() error
}

var ErrAsyncTxClosed = errors.New("async tx closed")

// flushPoll is how often Flush re-checks the pending count.
var flushPoll = 2 * time.Millisecond

// NewAsyncTx constructs an AsyncTx with a buffered channel of size buf.
func NewAsyncTx[T any](parent context.Context, buf int, send func(T) error, hooks Hooks) *AsyncTx[T] {
	ctx, cancel := context.WithCancel(parent)
	a := &AsyncTx[T]{
		ch:     make(chan T, buf),
		ctx:    ctx,
		cancel: cancel,
		send:   send,
		hooks:  hooks,
	}
	a.wg.Add(1)
	go a.loop()
	return a
}

func (a *AsyncTx[T]) loop() {
	defer a.wg.Done()
	for {
		select {
		case v, ok := <-a.ch:
			if !ok {
				return
			}
			a.deliver(v)
		case <-a.ctx.Done():
			return
		}
	}
}

// deliver sends v and runs its hooks; pending drops only afterwards so that a
// returned Flush has observed every hook.
func (a *AsyncTx[T]) deliver(v T) {
	defer a.pending.Add(-1)
	if err := a.send(v); err != nil {
		if a.hooks.OnError != nil {
			a.hooks.OnError(err)
		}
		return
	}
	if a.hooks.OnAfter != nil {
		a.hooks.OnAfter()
	}
}

// Send queues v for asynchronous transmission or returns the drop error if
// the buffer is full.
func (a *AsyncTx[T]) Send(v T) error {
	if a.closed.Load() {
		return ErrAsyncTxClosed
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed.Load() {
		return ErrAsyncTxClosed
	}
	a.pending.Add(1)
	select {
	case a.ch <- v:
		return nil
	default:
		a.pending.Add(-1)
		if a.hooks.OnDrop != nil {
			return a.hooks.OnDrop()
		}
		return nil
	}
}

// Pending returns the number of queued records not yet handed to send.
func (a *AsyncTx[T]) Pending() int { return int(a.pending.Load()) }

// Flush blocks until every record queued so far was attempted and its hooks
// ran, ctx is done, or the writer stops.
func (a *AsyncTx[T]) Flush(ctx context.Context) error {
	t := time.NewTicker(flushPoll)
	defer t.Stop()
	for a.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.ctx.Done():
			return ErrAsyncTxClosed
		case <-t.C:
		}
	}
	return nil
}

// Close stops the worker and waits for it to exit. Records still queued are
// discarded; call Flush first to drain them.
func (a *AsyncTx[T]) Close() {
	if a.closed.Swap(true) {
		return
	}
	a.cancel()
	a.mu.Lock()
	close(a.ch)
	a.mu.Unlock()
	a.wg.Wait()
}

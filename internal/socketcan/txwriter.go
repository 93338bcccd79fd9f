//go:build linux

package socketcan

import (
	"context"
	"io"
	"sync/atomic"

	"github.com/kstaniek/go-canary/internal/can"
	"github.com/kstaniek/go-canary/internal/logging"
	"github.com/kstaniek/go-canary/internal/metrics"
	"github.com/kstaniek/go-canary/internal/transport"
)

// FrameWriter is implemented by RawSocket and by fakes in tests.
type FrameWriter interface {
	WriteFrame(*can.StaticFrame) error
}

// FDFrameWriter is implemented by RawSocket with FD frames enabled.
type FDFrameWriter interface {
	WriteFDFrame(*can.StaticFDFrame) error
}

// TXWriter funnels all writes of T records through a single goroutine.
type TXWriter[T any] struct {
	base *transport.AsyncTx[T]
	err  atomic.Pointer[error]
}

func newTXWriter[T any](parent context.Context, buf int, send func(T) error, errLabel string, onAfter func()) *TXWriter[T] {
	w := &TXWriter[T]{}
	hooks := transport.Hooks{
		OnError: func(err error) {
			w.err.CompareAndSwap(nil, &err)
			metrics.IncError(errLabel)
			logging.L().Debug("tx_error", "where", errLabel, "error", err)
		},
		OnAfter: onAfter,
		OnDrop: func() error {
			metrics.IncTxDropped()
			metrics.IncError(metrics.ErrTxOverflow)
			return ErrTxOverflow
		},
	}
	w.base = transport.NewAsyncTx(parent, buf, send, hooks)
	return w
}

// NewFrameWriter creates a writer of classic frames with a queue of size buf.
func NewFrameWriter(parent context.Context, dev FrameWriter, buf int) *TXWriter[can.StaticFrame] {
	send := func(fr can.StaticFrame) error { return dev.WriteFrame(&fr) }
	return newTXWriter(parent, buf, send, metrics.ErrSocketWrite, metrics.IncFrameTx)
}

// NewFDFrameWriter creates a writer of FD frames with a queue of size buf.
func NewFDFrameWriter(parent context.Context, dev FDFrameWriter, buf int) *TXWriter[can.StaticFDFrame] {
	send := func(fr can.StaticFDFrame) error { return dev.WriteFDFrame(&fr) }
	return newTXWriter(parent, buf, send, metrics.ErrSocketWrite, metrics.IncFrameTx)
}

// NewDatagramWriter creates a writer of ISO-TP datagrams. Each queued slice
// is handed to w in a single Write; callers must not modify it afterwards.
func NewDatagramWriter(parent context.Context, w io.Writer, buf int) *TXWriter[[]byte] {
	send := func(b []byte) error {
		_, err := w.Write(b)
		return err
	}
	return newTXWriter(parent, buf, send, metrics.ErrISOTPWrite, metrics.IncDatagramTx)
}

// Send queues v (drops with ErrTxOverflow if the queue is full).
func (w *TXWriter[T]) Send(v T) error { return w.base.Send(v) }

// Flush waits until every queued record was attempted or ctx is done.
func (w *TXWriter[T]) Flush(ctx context.Context) error { return w.base.Flush(ctx) }

// Err returns the first error a queued record failed with, or nil.
func (w *TXWriter[T]) Err() error {
	if p := w.err.Load(); p != nil {
		return *p
	}
	return nil
}

// Close stops the writer and waits for the worker goroutine to finish.
func (w *TXWriter[T]) Close() { w.base.Close() }

var (
	_ FrameWriter   = (*RawSocket)(nil)
	_ FDFrameWriter = (*RawSocket)(nil)
	_ io.Writer     = (*ISOTPSocket)(nil)
)

// Package transport holds the socket-agnostic write plumbing shared by the
// raw CAN and ISO-TP writers.
package transport

import (
	"context"

	"github.com/kstaniek/go-canary/internal/can"
)

// Sink is a transmission target for records of type T.
type Sink[T any] interface {
	Send(T) error
}

// Flusher waits until queued records were handed to the socket.
type Flusher interface {
	Flush(ctx context.Context) error
}

// FrameSink and FDFrameSink carry raw socket records; []byte is used for
// ISO-TP datagrams.
type (
	FrameSink    = Sink[can.StaticFrame]
	FDFrameSink  = Sink[can.StaticFDFrame]
	DatagramSink = Sink[[]byte]
)

var (
	_ FrameSink    = (*AsyncTx[can.StaticFrame])(nil)
	_ FDFrameSink  = (*AsyncTx[can.StaticFDFrame])(nil)
	_ DatagramSink = (*AsyncTx[[]byte])(nil)
	_ Flusher      = (*AsyncTx[[]byte])(nil)
)

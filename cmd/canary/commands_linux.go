//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/kstaniek/go-canary/internal/can"
	"github.com/kstaniek/go-canary/internal/filterset"
	"github.com/kstaniek/go-canary/internal/metrics"
	"github.com/kstaniek/go-canary/internal/socketcan"
	"github.com/kstaniek/go-canary/internal/transport"
)

// frameDevice is the part of a raw socket the commands use.
type frameDevice interface {
	socketcan.FrameWriter
	socketcan.FDFrameWriter
	ReadFDFrame(*can.StaticFDFrame) (bool, error)
	SetReadDeadline(time.Time) error
	Close() error
}

// datagramDevice is the part of an ISO-TP socket the commands use.
type datagramDevice interface {
	io.ReadWriteCloser
	SetReadDeadline(time.Time) error
}

// Hooks for tests.
var (
	openRawDevice = func(ifName string, opts ...socketcan.Option) (frameDevice, error) {
		idx, err := socketcan.InterfaceIndex(ifName)
		if err != nil {
			return nil, err
		}
		s, err := socketcan.Open(socketcan.NewEndpoint[socketcan.Raw](idx), opts...)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	openISOTPDevice = func(ifName string, rx, tx uint32, opts ...socketcan.Option) (datagramDevice, error) {
		idx, err := socketcan.InterfaceIndex(ifName)
		if err != nil {
			return nil, err
		}
		s, err := socketcan.Open(socketcan.NewISOTPEndpoint(idx, rx, tx), opts...)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	lookupInterface = socketcan.LookupInterface
	// sleepFn allows tests to intercept backoff sleeps.
	sleepFn = time.Sleep
)

// isotpID adds the extended flag to ids that do not fit 11 bits.
func isotpID(id uint32) uint32 {
	if id > can.CAN_SFF_MASK {
		return id | can.CAN_EFF_FLAG
	}
	return id
}

func dumpOptions(cfg *appConfig, l *slog.Logger) ([]socketcan.Option, error) {
	var opts []socketcan.Option
	if cfg.dump.fd {
		opts = append(opts, socketcan.FlexibleDataRate(true))
	}
	if cfg.dump.recvOwn {
		opts = append(opts, socketcan.ReceiveOwnMessages(true))
	}
	if cfg.dump.errFrames {
		opts = append(opts, socketcan.ErrorFilter(socketcan.CAN_ERR_MASK))
	}
	if cfg.dump.filters != "" {
		set, err := filterset.Load(cfg.dump.filters)
		if err != nil {
			return nil, err
		}
		if set.Join == filterset.JoinAll {
			opts = append(opts, socketcan.FilterIfAll(set.Filters))
		} else {
			opts = append(opts, socketcan.FilterIfAny(set.Filters))
		}
		metrics.SetFilters(len(set.Filters))
		l.Info("filters_loaded", "path", cfg.dump.filters, "join", string(set.Join), "count", len(set.Filters))
	}
	return opts, nil
}

// readLoop calls read until it succeeds, the deadline passes or ctx is done.
// Transient errors are retried with exponential backoff.
func readLoop(ctx context.Context, cfg *appConfig, l *slog.Logger, dev interface{ SetReadDeadline(time.Time) error },
	where string, read func() error, handle func() error,
) error {
	backoff := rxBackoffMin
	for n := 0; cfg.count == 0 || n < cfg.count; {
		if cfg.timeout > 0 {
			_ = dev.SetReadDeadline(time.Now().Add(cfg.timeout))
		}
		if err := read(); err != nil {
			switch {
			case ctx.Err() != nil:
				return nil
			case errors.Is(err, os.ErrDeadlineExceeded):
				l.Info("rx_timeout", "after", cfg.timeout, "received", n)
				return nil
			case errors.Is(err, os.ErrClosed):
				return err
			}
			metrics.IncError(where)
			l.Warn("rx_error", "where", where, "error", err, "backoff", backoff)
			sleepFn(backoff)
			backoff = min(backoff*2, rxBackoffMax)
			continue
		}
		backoff = rxBackoffMin
		if err := handle(); err != nil {
			return err
		}
		n++
	}
	return nil
}

func runDump(ctx context.Context, cfg *appConfig, l *slog.Logger, out io.Writer) error {
	opts, err := dumpOptions(cfg, l)
	if err != nil {
		return err
	}
	dev, err := openRawDevice(cfg.canIf, opts...)
	if err != nil {
		metrics.IncError(metrics.ErrOpen)
		return fmt.Errorf("open %s: %w", cfg.canIf, err)
	}
	defer dev.Close()
	stop := context.AfterFunc(ctx, func() { _ = dev.Close() })
	defer stop()
	socketReady.Store(true)
	defer socketReady.Store(false)
	l.Info("dump_start", "if", cfg.canIf, "fd", cfg.dump.fd, "options", len(opts))

	var (
		fr   can.StaticFDFrame
		isFD bool
	)
	read := func() (err error) {
		isFD, err = dev.ReadFDFrame(&fr)
		return err
	}
	handle := func() error {
		metrics.IncFrameRx(fr.Len())
		l.Debug("frame_rx", "id", fr.ID(), "len", fr.Len(), "fd", isFD)
		_, err := fmt.Fprintln(out, formatFrame(cfg.canIf, &fr, isFD))
		return err
	}
	return readLoop(ctx, cfg, l, dev, metrics.ErrSocketRead, read, handle)
}

// formatFrame renders one line of dump output, e.g. "can0  123 [2] 01 02".
func formatFrame(ifName string, fr *can.StaticFDFrame, fd bool) string {
	s := ifName + "  " + fr.String()
	if fd {
		s += "  FD"
	}
	return s
}

func buildFrames(s *sendConfig) (classic can.StaticFrame, fd can.StaticFDFrame, err error) {
	if s.fd {
		fd, err = can.NewStaticFDFrame(s.id, s.data)
		if err == nil && s.ext {
			fd.SetExtendedFormat(true)
		}
		return
	}
	classic, err = can.NewStaticFrame(s.id, s.data)
	if err != nil {
		return
	}
	if s.ext {
		classic.SetExtendedFormat(true)
	}
	classic.SetRemoteTransmission(s.rtr)
	return
}

// pause waits d or until ctx is done and reports whether to continue.
func pause(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// txQueue is satisfied by socketcan.TXWriter.
type txQueue[T any] interface {
	transport.Sink[T]
	transport.Flusher
	Err() error
}

// sendAll queues count records, spaced by interval, then flushes.
func sendAll[T any](ctx context.Context, l *slog.Logger, w txQueue[T], v T, count int, interval time.Duration) (int, error) {
	queued := 0
	for i := 0; i < count; i++ {
		if i > 0 && !pause(ctx, interval) {
			break
		}
		if err := w.Send(v); err != nil {
			l.Warn("tx_dropped", "error", err, "index", i)
			continue
		}
		queued++
	}
	if ctx.Err() != nil {
		return queued, nil
	}
	fctx, cancel := context.WithTimeout(ctx, flushTimeout)
	defer cancel()
	if err := w.Flush(fctx); err != nil {
		return queued, fmt.Errorf("flush: %w", err)
	}
	if err := w.Err(); err != nil {
		return queued, fmt.Errorf("write: %w", err)
	}
	return queued, nil
}

func runSend(ctx context.Context, cfg *appConfig, l *slog.Logger) error {
	var opts []socketcan.Option
	if cfg.send.fd {
		opts = append(opts, socketcan.FlexibleDataRate(true))
	}
	dev, err := openRawDevice(cfg.canIf, opts...)
	if err != nil {
		metrics.IncError(metrics.ErrOpen)
		return fmt.Errorf("open %s: %w", cfg.canIf, err)
	}
	defer dev.Close()
	socketReady.Store(true)
	defer socketReady.Store(false)

	classic, fd, err := buildFrames(&cfg.send)
	if err != nil {
		return err
	}
	var n int
	if cfg.send.fd {
		w := socketcan.NewFDFrameWriter(ctx, dev, cfg.txQueue)
		defer w.Close()
		n, err = sendAll(ctx, l, w, fd, cfg.count, cfg.send.interval)
		l.Info("send_done", "if", cfg.canIf, "frame", fd.String(), "queued", n)
	} else {
		w := socketcan.NewFrameWriter(ctx, dev, cfg.txQueue)
		defer w.Close()
		n, err = sendAll(ctx, l, w, classic, cfg.count, cfg.send.interval)
		l.Info("send_done", "if", cfg.canIf, "frame", classic.String(), "queued", n)
	}
	return err
}

func isotpOptions(cfg *appConfig) []socketcan.Option {
	c := &cfg.isotp
	o := &socketcan.ISOTPOptions{}
	if c.padding >= 0 {
		o.Flags |= socketcan.ISOTPTxPadding
		o.TxPadContent = uint8(c.padding)
	}
	opts := []socketcan.Option{o}
	if cfg.command == "isotp-recv" {
		opts = append(opts, &socketcan.ISOTPFlowControl{BlockSize: uint8(c.blockSize), STmin: uint8(c.stmin)})
	}
	if c.fd {
		opts = append(opts, &socketcan.ISOTPLinkLayer{MTU: can.CANFD_MTU, TxDL: can.MaxPayload})
	}
	return opts
}

func openISOTP(cfg *appConfig) (datagramDevice, error) {
	dev, err := openISOTPDevice(cfg.canIf, isotpID(cfg.isotp.rx), isotpID(cfg.isotp.tx), isotpOptions(cfg)...)
	if err != nil {
		metrics.IncError(metrics.ErrOpen)
		return nil, fmt.Errorf("open isotp %s rx=%#x tx=%#x: %w", cfg.canIf, cfg.isotp.rx, cfg.isotp.tx, err)
	}
	return dev, nil
}

func runISOTPSend(ctx context.Context, cfg *appConfig, l *slog.Logger) error {
	dev, err := openISOTP(cfg)
	if err != nil {
		return err
	}
	defer dev.Close()
	socketReady.Store(true)
	defer socketReady.Store(false)

	w := socketcan.NewDatagramWriter(ctx, dev, cfg.txQueue)
	defer w.Close()
	n, err := sendAll(ctx, l, w, cfg.isotp.data, cfg.count, cfg.isotp.interval)
	l.Info("isotp_send_done", "if", cfg.canIf, "bytes", len(cfg.isotp.data), "queued", n)
	return err
}

func runISOTPRecv(ctx context.Context, cfg *appConfig, l *slog.Logger, out io.Writer) error {
	dev, err := openISOTP(cfg)
	if err != nil {
		return err
	}
	defer dev.Close()
	stop := context.AfterFunc(ctx, func() { _ = dev.Close() })
	defer stop()
	socketReady.Store(true)
	defer socketReady.Store(false)
	l.Info("isotp_recv_start", "if", cfg.canIf, "rx", cfg.isotp.rx, "tx", cfg.isotp.tx)

	buf := make([]byte, isotpReadBuf)
	var n int
	read := func() (err error) {
		n, err = dev.Read(buf)
		return err
	}
	handle := func() error {
		metrics.IncDatagramRx(n)
		l.Debug("datagram_rx", "len", n)
		_, err := fmt.Fprintf(out, "%s  %03X  [%d]  % X\n", cfg.canIf, cfg.isotp.rx, n, buf[:n])
		return err
	}
	return readLoop(ctx, cfg, l, dev, metrics.ErrISOTPRead, read, handle)
}

func runIfindex(cfg *appConfig, out io.Writer) error {
	ifc, err := lookupInterface(cfg.ifName)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "%s index=%d type=%s mtu=%d fd=%t up=%t\n",
		ifc.Name, ifc.Index, ifc.Type, ifc.MTU, ifc.FD(), ifc.Up)
	return err
}

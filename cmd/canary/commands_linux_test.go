//go:build linux

package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/kstaniek/go-canary/internal/can"
	"github.com/kstaniek/go-canary/internal/metrics"
	"github.com/kstaniek/go-canary/internal/socketcan"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// fakeRaw implements frameDevice over in-memory queues.
type fakeRaw struct {
	mu        sync.Mutex
	rx        []can.StaticFDFrame
	rxFD      []bool
	readErr   error // returned once rx is drained; nil means deadline exceeded
	tx        []can.StaticFrame
	txFD      []can.StaticFDFrame
	writeErr  error
	deadlines int
	closed    bool
}

func (d *fakeRaw) ReadFDFrame(fr *can.StaticFDFrame) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false, os.ErrClosed
	}
	if len(d.rx) == 0 {
		if d.readErr != nil {
			return false, d.readErr
		}
		return false, os.ErrDeadlineExceeded
	}
	*fr = d.rx[0]
	fd := d.rxFD[0]
	d.rx, d.rxFD = d.rx[1:], d.rxFD[1:]
	return fd, nil
}

func (d *fakeRaw) WriteFrame(fr *can.StaticFrame) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.writeErr != nil {
		return d.writeErr
	}
	d.tx = append(d.tx, *fr)
	return nil
}

func (d *fakeRaw) WriteFDFrame(fr *can.StaticFDFrame) error {
	d.mu.Lock()
	d.txFD = append(d.txFD, *fr)
	d.mu.Unlock()
	return nil
}

func (d *fakeRaw) SetReadDeadline(time.Time) error {
	d.mu.Lock()
	d.deadlines++
	d.mu.Unlock()
	return nil
}

func (d *fakeRaw) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

func (d *fakeRaw) push(t *testing.T, id uint32, data []byte, fd bool) {
	t.Helper()
	fr, err := can.NewStaticFDFrame(id, data)
	if err != nil {
		t.Fatalf("frame: %v", err)
	}
	d.rx = append(d.rx, fr)
	d.rxFD = append(d.rxFD, fd)
}

// fakeISOTP implements datagramDevice.
type fakeISOTP struct {
	mu       sync.Mutex
	rx       [][]byte
	tx       [][]byte
	readErr  error
	writeErr error
}

func (d *fakeISOTP) Read(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.rx) == 0 {
		if d.readErr != nil {
			return 0, d.readErr
		}
		return 0, os.ErrDeadlineExceeded
	}
	n := copy(p, d.rx[0])
	d.rx = d.rx[1:]
	return n, nil
}

func (d *fakeISOTP) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.writeErr != nil {
		return 0, d.writeErr
	}
	d.tx = append(d.tx, append([]byte(nil), p...))
	return len(p), nil
}

func (d *fakeISOTP) SetReadDeadline(time.Time) error { return nil }
func (d *fakeISOTP) Close() error                    { return nil }

func useRaw(t *testing.T, dev *fakeRaw) *[]socketcan.Option {
	t.Helper()
	var got []socketcan.Option
	orig := openRawDevice
	openRawDevice = func(ifName string, opts ...socketcan.Option) (frameDevice, error) {
		got = opts
		return dev, nil
	}
	t.Cleanup(func() { openRawDevice = orig })
	return &got
}

func useISOTP(t *testing.T, dev *fakeISOTP) (*[]socketcan.Option, *[2]uint32) {
	t.Helper()
	var (
		got []socketcan.Option
		ids [2]uint32
	)
	orig := openISOTPDevice
	openISOTPDevice = func(ifName string, rx, tx uint32, opts ...socketcan.Option) (datagramDevice, error) {
		got, ids = opts, [2]uint32{rx, tx}
		return dev, nil
	}
	t.Cleanup(func() { openISOTPDevice = orig })
	return &got, &ids
}

func TestDumpCountAndOutput(t *testing.T) {
	dev := &fakeRaw{}
	dev.push(t, 0x123, []byte{1, 2}, false)
	dev.push(t, 0x1ABCDE, []byte{0xAA}, false)
	dev.push(t, 0x7FF, make([]byte, 12), true)
	useRaw(t, dev)

	cfg := validConfig()
	cfg.canIf = "vcan0"
	cfg.count = 2
	before := metrics.Snap()
	var out bytes.Buffer
	if err := runDump(context.Background(), cfg, testLogger(), &out); err != nil {
		t.Fatalf("runDump: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines got %d:\n%s", len(lines), out.String())
	}
	if lines[0] != "vcan0  123 [2] 01 02" {
		t.Fatalf("line 0: %q", lines[0])
	}
	if lines[1] != "vcan0  001ABCDE [1] AA" {
		t.Fatalf("line 1: %q", lines[1])
	}
	after := metrics.Snap()
	if after.FramesRx-before.FramesRx != 2 || after.BytesRx-before.BytesRx != 3 {
		t.Fatalf("metrics: frames %d bytes %d", after.FramesRx-before.FramesRx, after.BytesRx-before.BytesRx)
	}
	if !dev.closed {
		t.Fatalf("device not closed")
	}
}

func TestDumpFDFrameMarked(t *testing.T) {
	dev := &fakeRaw{}
	dev.push(t, 0x100, make([]byte, 12), true)
	opts := useRaw(t, dev)
	cfg := validConfig()
	cfg.dump.fd = true
	cfg.count = 1
	var out bytes.Buffer
	if err := runDump(context.Background(), cfg, testLogger(), &out); err != nil {
		t.Fatalf("runDump: %v", err)
	}
	if !strings.HasSuffix(strings.TrimSpace(out.String()), "  FD") {
		t.Fatalf("FD marker missing: %q", out.String())
	}
	if len(*opts) != 1 {
		t.Fatalf("expected 1 option got %d", len(*opts))
	}
	if _, ok := (*opts)[0].(*socketcan.FlexibleDataRateOption); !ok {
		t.Fatalf("expected FlexibleDataRate option got %T", (*opts)[0])
	}
}

func TestDumpTimeoutEndsCleanly(t *testing.T) {
	dev := &fakeRaw{}
	dev.push(t, 0x10, nil, false)
	useRaw(t, dev)
	cfg := validConfig()
	cfg.timeout = 50 * time.Millisecond
	var out bytes.Buffer
	if err := runDump(context.Background(), cfg, testLogger(), &out); err != nil {
		t.Fatalf("runDump: %v", err)
	}
	if dev.deadlines != 2 {
		t.Fatalf("expected a deadline per read, got %d", dev.deadlines)
	}
	if strings.Count(out.String(), "\n") != 1 {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestDumpFiltersInstalled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "filters.yaml")
	doc := "join: all\nfilters:\n  - id: 0x100\n    mask: 0x700\n  - id: 0x005\n    mask: 0x00F\n"
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	dev := &fakeRaw{}
	opts := useRaw(t, dev)
	cfg := validConfig()
	cfg.dump.filters = path
	cfg.dump.recvOwn = true
	cfg.dump.errFrames = true
	cfg.timeout = time.Millisecond
	if err := runDump(context.Background(), cfg, testLogger(), io.Discard); err != nil {
		t.Fatalf("runDump: %v", err)
	}
	if len(*opts) != 3 {
		t.Fatalf("expected 3 options got %d", len(*opts))
	}
	all, ok := (*opts)[2].(*socketcan.FilterIfAllOption)
	if !ok {
		t.Fatalf("expected FilterIfAll got %T", (*opts)[2])
	}
	if n := len(all.Filters()); n != 2 {
		t.Fatalf("expected 2 filters got %d", n)
	}
	if ef, ok := (*opts)[1].(*socketcan.ErrorFilterOption); !ok || ef.Mask() != socketcan.CAN_ERR_MASK {
		t.Fatalf("expected error filter option, got %T", (*opts)[1])
	}
	if got := metrics.Snap().Filters; got != 2 {
		t.Fatalf("filters gauge mirror %d", got)
	}
}

func TestDumpBadFiltersFile(t *testing.T) {
	useRaw(t, &fakeRaw{})
	cfg := validConfig()
	cfg.dump.filters = filepath.Join(t.TempDir(), "missing.yaml")
	if err := runDump(context.Background(), cfg, testLogger(), io.Discard); err == nil {
		t.Fatalf("expected error for missing filter file")
	}
}

func TestDumpBackoffProgression(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	useRaw(t, &fakeRaw{readErr: io.ErrNoProgress})

	var mu sync.Mutex
	var seen []time.Duration
	sleepFn = func(d time.Duration) {
		mu.Lock()
		if len(seen) < 6 {
			seen = append(seen, d)
			if len(seen) == 6 {
				cancel()
			}
		}
		mu.Unlock()
	}
	defer func() { sleepFn = time.Sleep }()

	if err := runDump(ctx, validConfig(), testLogger(), io.Discard); err != nil {
		t.Fatalf("runDump: %v", err)
	}
	if len(seen) < 3 {
		t.Fatalf("expected at least 3 backoff samples, got %d", len(seen))
	}
	prev := rxBackoffMin / 4
	for i, d := range seen {
		if d < prev {
			t.Fatalf("backoff decreased at %d: prev=%v cur=%v", i, prev, d)
		}
		if d > rxBackoffMax {
			t.Fatalf("backoff exceeded max at %d: %v > %v", i, d, rxBackoffMax)
		}
		prev = d
	}
	if seen[0] != rxBackoffMin {
		t.Fatalf("expected first backoff %v got %v", rxBackoffMin, seen[0])
	}
}

func TestSendClassicFrames(t *testing.T) {
	dev := &fakeRaw{}
	useRaw(t, dev)
	cfg := validConfig()
	cfg.command = "send"
	cfg.count = 3
	cfg.send = sendConfig{id: 0x1AB, ext: true, data: []byte{1, 2, 3}}
	before := metrics.Snap()
	if err := runSend(context.Background(), cfg, testLogger()); err != nil {
		t.Fatalf("runSend: %v", err)
	}
	if len(dev.tx) != 3 {
		t.Fatalf("expected 3 frames got %d", len(dev.tx))
	}
	fr := dev.tx[0]
	if fr.ID() != 0x1AB || !fr.IsExtendedFormat() || !bytes.Equal(fr.Data(), []byte{1, 2, 3}) {
		t.Fatalf("unexpected frame %s", fr.String())
	}
	if d := metrics.Snap().FramesTx - before.FramesTx; d != 3 {
		t.Fatalf("frames tx delta %d", d)
	}
}

func TestSendRemoteRequest(t *testing.T) {
	dev := &fakeRaw{}
	useRaw(t, dev)
	cfg := validConfig()
	cfg.command = "send"
	cfg.count = 1
	cfg.send = sendConfig{id: 0x321, rtr: true}
	if err := runSend(context.Background(), cfg, testLogger()); err != nil {
		t.Fatalf("runSend: %v", err)
	}
	if len(dev.tx) != 1 || !dev.tx[0].RemoteTransmission() {
		t.Fatalf("expected one remote request, got %v", dev.tx)
	}
}

func TestSendFDFrames(t *testing.T) {
	dev := &fakeRaw{}
	opts := useRaw(t, dev)
	cfg := validConfig()
	cfg.command = "send"
	cfg.count = 2
	cfg.send = sendConfig{id: 0x100, fd: true, data: make([]byte, 20), interval: time.Millisecond}
	if err := runSend(context.Background(), cfg, testLogger()); err != nil {
		t.Fatalf("runSend: %v", err)
	}
	if len(dev.txFD) != 2 || len(dev.tx) != 0 {
		t.Fatalf("expected 2 FD frames, got fd=%d classic=%d", len(dev.txFD), len(dev.tx))
	}
	if dev.txFD[0].Len() != 20 {
		t.Fatalf("len %d", dev.txFD[0].Len())
	}
	if len(*opts) != 1 {
		t.Fatalf("expected FlexibleDataRate option, got %v", *opts)
	}
}

func TestSendStopsOnCancel(t *testing.T) {
	dev := &fakeRaw{}
	useRaw(t, dev)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg := validConfig()
	cfg.command = "send"
	cfg.count = 5
	cfg.send = sendConfig{id: 1, interval: time.Hour}
	done := make(chan error, 1)
	go func() { done <- runSend(ctx, cfg, testLogger()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runSend: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("runSend did not stop after cancel")
	}
}

func TestISOTPSend(t *testing.T) {
	dev := &fakeISOTP{}
	opts, ids := useISOTP(t, dev)
	cfg := validConfig()
	cfg.command = "isotp-send"
	cfg.count = 2
	cfg.isotp = isotpConfig{rx: 0x7E8, tx: 0x18DA00F1, data: []byte("hello"), padding: 0xAA, fd: true}
	if err := runISOTPSend(context.Background(), cfg, testLogger()); err != nil {
		t.Fatalf("runISOTPSend: %v", err)
	}
	if len(dev.tx) != 2 || string(dev.tx[1]) != "hello" {
		t.Fatalf("unexpected datagrams %q", dev.tx)
	}
	if ids[0] != 0x7E8 || ids[1] != 0x18DA00F1|can.CAN_EFF_FLAG {
		t.Fatalf("ids rx=%#x tx=%#x", ids[0], ids[1])
	}
	if len(*opts) != 2 {
		t.Fatalf("expected options+link layer, got %d", len(*opts))
	}
	o := (*opts)[0].(*socketcan.ISOTPOptions)
	if o.Flags&socketcan.ISOTPTxPadding == 0 || o.TxPadContent != 0xAA {
		t.Fatalf("padding not set: %+v", o)
	}
	ll := (*opts)[1].(*socketcan.ISOTPLinkLayer)
	if ll.MTU != can.CANFD_MTU || ll.TxDL != can.MaxPayload {
		t.Fatalf("link layer %+v", ll)
	}
}

func TestISOTPRecv(t *testing.T) {
	dev := &fakeISOTP{rx: [][]byte{{0x62, 0xF1, 0x90}, []byte("second")}}
	opts, _ := useISOTP(t, dev)
	cfg := validConfig()
	cfg.command = "isotp-recv"
	cfg.count = 1
	cfg.isotp = isotpConfig{rx: 0x7E8, tx: 0x7E0, padding: -1, blockSize: 8, stmin: 2}
	var out bytes.Buffer
	if err := runISOTPRecv(context.Background(), cfg, testLogger(), &out); err != nil {
		t.Fatalf("runISOTPRecv: %v", err)
	}
	if got := out.String(); got != "can0  7E8  [3]  62 F1 90\n" {
		t.Fatalf("output %q", got)
	}
	if len(*opts) != 2 {
		t.Fatalf("expected options+flow control, got %d", len(*opts))
	}
	if o := (*opts)[0].(*socketcan.ISOTPOptions); o.Flags != 0 {
		t.Fatalf("unexpected flags %#x", o.Flags)
	}
	fc := (*opts)[1].(*socketcan.ISOTPFlowControl)
	if fc.BlockSize != 8 || fc.STmin != 2 {
		t.Fatalf("flow control %+v", fc)
	}
}

func TestIfindex(t *testing.T) {
	orig := lookupInterface
	defer func() { lookupInterface = orig }()
	lookupInterface = func(name string) (socketcan.Interface, error) {
		if name != "vcan0" {
			return socketcan.Interface{}, socketcan.ErrNoSuchInterface
		}
		return socketcan.Interface{Name: "vcan0", Index: 7, Type: "vcan", MTU: 72, Up: true}, nil
	}
	cfg := &appConfig{command: "ifindex", ifName: "vcan0"}
	var out bytes.Buffer
	if err := runIfindex(cfg, &out); err != nil {
		t.Fatalf("runIfindex: %v", err)
	}
	if got := out.String(); got != "vcan0 index=7 type=vcan mtu=72 fd=true up=true\n" {
		t.Fatalf("output %q", got)
	}
	cfg.ifName = "can9"
	if err := runIfindex(cfg, &out); !errors.Is(err, socketcan.ErrNoSuchInterface) {
		t.Fatalf("expected ErrNoSuchInterface got %v", err)
	}
}

func TestOpenErrorCounted(t *testing.T) {
	orig := openRawDevice
	openRawDevice = func(string, ...socketcan.Option) (frameDevice, error) { return nil, socketcan.ErrNoSuchInterface }
	t.Cleanup(func() { openRawDevice = orig })
	before := metrics.Snap().Errors
	err := runDump(context.Background(), validConfig(), testLogger(), io.Discard)
	if !errors.Is(err, socketcan.ErrNoSuchInterface) {
		t.Fatalf("expected ErrNoSuchInterface got %v", err)
	}
	if metrics.Snap().Errors != before+1 {
		t.Fatalf("open error not counted")
	}
}

func TestSendReportsWriteFailure(t *testing.T) {
	dev := &fakeRaw{writeErr: syscall.ENOBUFS}
	useRaw(t, dev)
	cfg := validConfig()
	cfg.command = "send"
	cfg.count = 3
	cfg.send = sendConfig{id: 0x123, data: []byte{1}}
	err := runSend(context.Background(), cfg, testLogger())
	if !errors.Is(err, syscall.ENOBUFS) {
		t.Fatalf("expected ENOBUFS from runSend, got %v", err)
	}
	if len(dev.tx) != 0 {
		t.Fatalf("no frame should be recorded, got %d", len(dev.tx))
	}
}

func TestISOTPSendReportsWriteFailure(t *testing.T) {
	useISOTP(t, &fakeISOTP{writeErr: syscall.ECOMM})
	cfg := validConfig()
	cfg.command = "isotp-send"
	cfg.count = 1
	cfg.isotp = isotpConfig{rx: 0x7E8, tx: 0x7E0, data: []byte{0x22, 0xF1, 0x90}, padding: -1}
	if err := runISOTPSend(context.Background(), cfg, testLogger()); !errors.Is(err, syscall.ECOMM) {
		t.Fatalf("expected ECOMM from runISOTPSend, got %v", err)
	}
}

func TestRunExitCodeOnWriteFailure(t *testing.T) {
	useRaw(t, &fakeRaw{writeErr: syscall.ENETDOWN})
	var out bytes.Buffer
	if code := run(context.Background(), []string{"send", "-if", "vcan0", "-id", "0x10"}, &out, &out); code != 1 {
		t.Fatalf("expected exit code 1 got %d", code)
	}
}

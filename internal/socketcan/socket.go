//go:build linux

package socketcan

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/kstaniek/go-canary/internal/can"
	"github.com/kstaniek/go-canary/internal/logging"
	"github.com/kstaniek/go-canary/internal/metrics"
)

// Socket is a CAN socket of protocol P bound to one endpoint. The descriptor
// is non-blocking and registered with the runtime poller, so blocked reads
// park the goroutine, honor deadlines and return once Close is called.
type Socket[P Protocol] struct {
	f     *os.File
	rc    syscall.RawConn
	local Endpoint[P]
}

// Open creates a socket for P, applies opts in order and binds it to ep.
// Options go in before bind because ISO-TP only accepts them there.
func Open[P Protocol](ep Endpoint[P], opts ...Option) (*Socket[P], error) {
	p := ep.Protocol()
	fd, err := unix.Socket(p.Family(), p.Type()|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, p.Protocol())
	if err != nil {
		return nil, fmt.Errorf("socket(AF_CAN, %d, %d): %w", p.Type(), p.Protocol(), err)
	}
	for _, o := range opts {
		if err := setOption(fd, o); err != nil {
			_ = unix.Close(fd)
			metrics.IncError(metrics.ErrSetOption)
			return nil, err
		}
	}
	if err := unix.Bind(fd, ep.Sockaddr()); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind(%s): %w", ep, err)
	}
	f := os.NewFile(uintptr(fd), ep.String())
	rc, err := f.SyscallConn()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("syscall conn: %w", err)
	}
	logging.Component("socketcan").Debug("socket_open", "endpoint", ep.String(), "options", len(opts))
	return &Socket[P]{f: f, rc: rc, local: ep}, nil
}

// LocalEndpoint returns the endpoint passed to Open.
func (s *Socket[P]) LocalEndpoint() Endpoint[P] { return s.local }

// SetOption applies o to the open socket.
func (s *Socket[P]) SetOption(o Option) error {
	var oerr error
	if err := s.rc.Control(func(fd uintptr) { oerr = setOption(int(fd), o) }); err != nil {
		return err
	}
	if oerr != nil {
		metrics.IncError(metrics.ErrSetOption)
	}
	return oerr
}

// GetOption reads the current value of o's option into o.Data() and returns
// the number of bytes the kernel wrote.
func (s *Socket[P]) GetOption(o Option) (int, error) {
	var (
		n    int
		oerr error
	)
	if err := s.rc.Control(func(fd uintptr) { n, oerr = getOption(int(fd), o) }); err != nil {
		return 0, err
	}
	return n, oerr
}

func setOption(fd int, o Option) error {
	data, size := o.Data(), o.Size()
	if size > len(data) {
		return fmt.Errorf("option %d/%d size %d > %d: %w", o.Level(), o.Name(), size, len(data), ErrInvalidArgument)
	}
	var ptr unsafe.Pointer
	if len(data) > 0 {
		ptr = unsafe.Pointer(unsafe.SliceData(data))
	}
	_, _, e := unix.Syscall6(unix.SYS_SETSOCKOPT,
		uintptr(fd), uintptr(o.Level()), uintptr(o.Name()),
		uintptr(ptr), uintptr(size), 0)
	if e != 0 {
		return fmt.Errorf("setsockopt(%d, %d): %w", o.Level(), o.Name(), e)
	}
	if c, ok := o.(chainedOption); ok {
		next, optional := c.next()
		if err := setOption(fd, next); err != nil {
			if optional && errors.Is(err, unix.ENOPROTOOPT) {
				return nil
			}
			return err
		}
	}
	return nil
}

func getOption(fd int, o Option) (int, error) {
	data, size := o.Data(), o.Size()
	if size > len(data) {
		return 0, fmt.Errorf("option %d/%d size %d > %d: %w", o.Level(), o.Name(), size, len(data), ErrInvalidArgument)
	}
	var ptr unsafe.Pointer
	if len(data) > 0 {
		ptr = unsafe.Pointer(unsafe.SliceData(data))
	}
	l := uint32(size) // socklen_t
	_, _, e := unix.Syscall6(unix.SYS_GETSOCKOPT,
		uintptr(fd), uintptr(o.Level()), uintptr(o.Name()),
		uintptr(ptr), uintptr(unsafe.Pointer(&l)), 0)
	if e != 0 {
		return 0, fmt.Errorf("getsockopt(%d, %d): %w", o.Level(), o.Name(), e)
	}
	return int(l), nil
}

// Read reads one record (a frame for Raw, a datagram for ISO-TP).
func (s *Socket[P]) Read(b []byte) (int, error) { return s.f.Read(b) }

// Write sends one record.
func (s *Socket[P]) Write(b []byte) (int, error) { return s.f.Write(b) }

// ReadFrom reads one record and reports the endpoint it arrived on. With the
// "any" endpoint this tells which interface the frame came from.
func (s *Socket[P]) ReadFrom(b []byte) (int, Endpoint[P], error) {
	var (
		n    int
		from unix.Sockaddr
		rerr error
	)
	err := s.rc.Read(func(fd uintptr) bool {
		n, from, rerr = unix.Recvfrom(int(fd), b, 0)
		return rerr != unix.EAGAIN
	})
	if err == nil {
		err = rerr
	}
	if err != nil {
		return 0, Endpoint[P]{}, fmt.Errorf("recvfrom: %w", err)
	}
	var ep Endpoint[P]
	if sa, ok := from.(*unix.SockaddrCAN); ok {
		ep = endpointFromSockaddr[P](sa)
	}
	return n, ep, nil
}

// WriteTo sends one record through the interface of ep, which is useful on
// sockets bound to every interface.
func (s *Socket[P]) WriteTo(b []byte, ep Endpoint[P]) (int, error) {
	var werr error
	err := s.rc.Write(func(fd uintptr) bool {
		werr = unix.Sendto(int(fd), b, 0, ep.Sockaddr())
		return werr != unix.EAGAIN
	})
	if err == nil {
		err = werr
	}
	if err != nil {
		return 0, fmt.Errorf("sendto(%s): %w", ep, err)
	}
	return len(b), nil
}

// ReadFrame reads a classic frame. A socket with FD frames enabled may
// deliver FD records; use ReadFDFrame there.
func (s *Socket[P]) ReadFrame(fr *can.StaticFrame) error {
	n, err := s.Read(fr.Buffers())
	if err != nil {
		return err
	}
	if n != can.CAN_MTU {
		return fmt.Errorf("%w: %d of %d bytes", ErrShortRead, n, can.CAN_MTU)
	}
	return nil
}

// ReadFDFrame reads either a classic or an FD record into fr and reports
// whether it was FD.
func (s *Socket[P]) ReadFDFrame(fr *can.StaticFDFrame) (fd bool, err error) {
	buf := fr.Buffers()
	n, err := s.Read(buf)
	if err != nil {
		return false, err
	}
	switch n {
	case can.CANFD_MTU:
		return true, nil
	case can.CAN_MTU:
		clear(buf[can.CAN_MTU:])
		return false, nil
	}
	return false, fmt.Errorf("%w: %d bytes", ErrShortRead, n)
}

func (s *Socket[P]) WriteFrame(fr *can.StaticFrame) error {
	return s.writeRecord(fr.Buffers())
}

// WriteFDFrame sends fr as an FD record; the socket needs FlexibleDataRate(true).
func (s *Socket[P]) WriteFDFrame(fr *can.StaticFDFrame) error {
	return s.writeRecord(fr.Buffers())
}

func (s *Socket[P]) writeRecord(b []byte) error {
	n, err := s.Write(b)
	if err != nil {
		return err
	}
	if n != len(b) {
		return fmt.Errorf("%w: %d of %d bytes", ErrShortWrite, n, len(b))
	}
	return nil
}

// SetReadDeadline sets the deadline for pending and future reads; zero
// disables it.
func (s *Socket[P]) SetReadDeadline(t time.Time) error { return s.f.SetReadDeadline(t) }

func (s *Socket[P]) SetWriteDeadline(t time.Time) error { return s.f.SetWriteDeadline(t) }

// Close releases the descriptor and unblocks pending reads.
func (s *Socket[P]) Close() error { return s.f.Close() }

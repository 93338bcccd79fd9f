//go:build linux

package socketcan

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Endpoint is a socket address for protocol P with the exact layout of
// struct sockaddr_can:
//
//	can_family  u16
//	can_ifindex i32
//	can_addr    [16]byte  ISO-TP: rx_id u32 | tx_id u32 | unused
//
// The zero value addresses every interface (ifindex 0).
type Endpoint[P Protocol] struct {
	addr unix.RawSockaddrCAN
}

var _ [unix.SizeofSockaddrCAN]struct{} = [unsafe.Sizeof(RawEndpoint{})]struct{}{}

// NewEndpoint returns an endpoint on the interface with the given index.
// sockaddr_can stores the index as int32, so ifindex must not exceed
// math.MaxInt32; kernel indices always fit.
func NewEndpoint[P Protocol](ifindex uint32) Endpoint[P] {
	var e Endpoint[P]
	e.addr.Family = uint16(e.Protocol().Family())
	e.addr.Ifindex = int32(ifindex)
	return e
}

// NewISOTPEndpoint returns an ISO-TP endpoint receiving on rx and sending on
// tx. Set can.CAN_EFF_FLAG on an id to use 29-bit addressing.
func NewISOTPEndpoint(ifindex, rx, tx uint32) ISOTPEndpoint {
	e := NewEndpoint[ISOTP](ifindex)
	binary.NativeEndian.PutUint32(e.addr.Addr[0:4], rx)
	binary.NativeEndian.PutUint32(e.addr.Addr[4:8], tx)
	return e
}

func endpointFromSockaddr[P Protocol](sa *unix.SockaddrCAN) Endpoint[P] {
	e := NewEndpoint[P](uint32(sa.Ifindex))
	binary.NativeEndian.PutUint32(e.addr.Addr[0:4], sa.RxID)
	binary.NativeEndian.PutUint32(e.addr.Addr[4:8], sa.TxID)
	return e
}

func (e Endpoint[P]) InterfaceIndex() uint32 { return uint32(e.addr.Ifindex) }

// RxID is the ISO-TP receive id. Raw endpoints report 0.
func (e Endpoint[P]) RxID() uint32 { return binary.NativeEndian.Uint32(e.addr.Addr[0:4]) }

// TxID is the ISO-TP transmit id. Raw endpoints report 0.
func (e Endpoint[P]) TxID() uint32 { return binary.NativeEndian.Uint32(e.addr.Addr[4:8]) }

func (e Endpoint[P]) Protocol() P {
	var p P
	return p
}

// Family returns the address family stored in the endpoint.
func (e Endpoint[P]) Family() int { return int(e.addr.Family) }

// Data returns the native sockaddr bytes. The slice aliases e.
func (e *Endpoint[P]) Data() []byte {
	e.addr.Family = uint16(e.Protocol().Family())
	return unsafe.Slice((*byte)(unsafe.Pointer(&e.addr)), unix.SizeofSockaddrCAN)
}

func (e *Endpoint[P]) Size() int     { return unix.SizeofSockaddrCAN }
func (e *Endpoint[P]) Capacity() int { return unix.SizeofSockaddrCAN }

// Resize accepts any n up to Capacity and leaves the endpoint unchanged;
// sockaddr_can has a fixed size. Larger values fail with ErrInvalidArgument.
func (e *Endpoint[P]) Resize(n int) error {
	if n > e.Capacity() {
		return fmt.Errorf("endpoint resize %d > %d: %w", n, e.Capacity(), ErrInvalidArgument)
	}
	return nil
}

// Sockaddr converts e for use with the unix package.
func (e Endpoint[P]) Sockaddr() *unix.SockaddrCAN {
	return &unix.SockaddrCAN{
		Ifindex: int(e.addr.Ifindex),
		RxID:    e.RxID(),
		TxID:    e.TxID(),
	}
}

func (e Endpoint[P]) String() string { return e.Protocol().describe(&e.addr) }

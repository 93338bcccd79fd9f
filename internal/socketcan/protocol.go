//go:build linux

package socketcan

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// Protocol describes a CAN transport by the triple passed to socket(2).
// Implementations are empty structs used as type parameters; the endpoint and
// socket types of a protocol are Endpoint[P] and Socket[P].
type Protocol interface {
	Family() int
	Type() int
	Protocol() int
	// describe formats an address of this protocol for String methods.
	describe(addr *unix.RawSockaddrCAN) string
}

// Raw is the CAN_RAW protocol: one frame per read or write.
type Raw struct{}

func (Raw) Family() int   { return unix.AF_CAN }
func (Raw) Type() int     { return unix.SOCK_RAW }
func (Raw) Protocol() int { return unix.CAN_RAW }

func (Raw) describe(addr *unix.RawSockaddrCAN) string {
	return fmt.Sprintf("can-raw(if=%d)", addr.Ifindex)
}

// ISOTP is the CAN_ISOTP (ISO 15765-2) protocol: the kernel segments and
// reassembles datagrams of up to 4095 bytes (more with FD).
type ISOTP struct{}

func (ISOTP) Family() int   { return unix.AF_CAN }
func (ISOTP) Type() int     { return unix.SOCK_DGRAM }
func (ISOTP) Protocol() int { return unix.CAN_ISOTP }

func (ISOTP) describe(addr *unix.RawSockaddrCAN) string {
	return fmt.Sprintf("can-isotp(if=%d rx=%X tx=%X)", addr.Ifindex,
		binary.NativeEndian.Uint32(addr.Addr[0:4]), binary.NativeEndian.Uint32(addr.Addr[4:8]))
}

var (
	_ Protocol = Raw{}
	_ Protocol = ISOTP{}
)

type (
	RawEndpoint   = Endpoint[Raw]
	RawSocket     = Socket[Raw]
	ISOTPEndpoint = Endpoint[ISOTP]
	ISOTPSocket   = Socket[ISOTP]
)

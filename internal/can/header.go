package can

import (
	"encoding/binary"
	"fmt"
	"unsafe"
)

// Header is the 8-byte prefix shared by struct can_frame and struct canfd_frame.
//
//	can_id  u32  [0:4]  bits 0-28 id, 29 ERR, 30 RTR, 31 EFF
//	len     u8   [4]
//	pad     3B   [5:8]  reserved, always zero when encoded here
//
// Fields are stored in host byte order, like the kernel does, so a *Header
// can be handed to read(2)/write(2) as-is (see Bytes).
type Header struct {
	id       uint32
	length   uint8
	reserved [3]uint8
}

// Compile-time layout check.
var _ [HeaderSize]struct{} = [unsafe.Sizeof(Header{})]struct{}{}

// SetID stores the low 29 bits of v. Flag bits already set are preserved.
func (h *Header) SetID(v uint32) { h.id = v&CAN_EFF_MASK | h.id&^CAN_EFF_MASK }

// ID returns the 29-bit identifier without flag bits.
func (h Header) ID() uint32 { return h.id & CAN_EFF_MASK }

func (h *Header) SetError(v bool) { setFlag(&h.id, CAN_ERR_FLAG, v) }
func (h Header) IsError() bool    { return h.id&CAN_ERR_FLAG != 0 }

func (h *Header) SetRemoteTransmission(v bool) { setFlag(&h.id, CAN_RTR_FLAG, v) }
func (h Header) RemoteTransmission() bool      { return h.id&CAN_RTR_FLAG != 0 }

// SetExtendedFormat marks the frame as using 29-bit identifiers. With the flag
// cleared the kernel only honors the low 11 bits of ID.
func (h *Header) SetExtendedFormat(v bool) { setFlag(&h.id, CAN_EFF_FLAG, v) }
func (h Header) ExtendedFormat() bool      { return h.id&CAN_EFF_FLAG != 0 }

// SetPayloadLength sets the payload length. Lengths above MaxPayload are a
// caller bug and panic.
func (h *Header) SetPayloadLength(n int) {
	if n < 0 || n > MaxPayload {
		panic(fmt.Sprintf("can: payload length %d out of range 0..%d", n, MaxPayload))
	}
	h.length = uint8(n)
}

// PayloadLength returns the payload length byte.
func (h Header) PayloadLength() int { return int(h.length) }

// Word returns the raw can_id word including flags.
func (h Header) Word() uint32 { return h.id }

// Bytes returns the header's own memory as an 8-byte slice. Writes through the
// slice update the header.
func (h *Header) Bytes() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(h)), HeaderSize)
}

// AppendBinary appends the wire form of h to b.
func (h Header) AppendBinary(b []byte) ([]byte, error) {
	b = binary.NativeEndian.AppendUint32(b, h.id)
	return append(b, h.length, 0, 0, 0), nil
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (h Header) MarshalBinary() ([]byte, error) {
	return h.AppendBinary(make([]byte, 0, HeaderSize))
}

// UnmarshalBinary decodes the first HeaderSize bytes of b. Reserved bytes are ignored.
func (h *Header) UnmarshalBinary(b []byte) error {
	if len(b) < HeaderSize {
		return fmt.Errorf("can header: %w (%d < %d)", ErrShortBuffer, len(b), HeaderSize)
	}
	if b[4] > MaxPayload {
		return fmt.Errorf("can header: %w (%d)", ErrInvalidLength, b[4])
	}
	*h = Header{id: binary.NativeEndian.Uint32(b[0:4]), length: b[4]}
	return nil
}

// String formats the header candump-style: 3 hex digits for standard ids,
// 8 for extended ones, followed by flags and the length.
func (h Header) String() string {
	var s string
	if h.ExtendedFormat() {
		s = fmt.Sprintf("%08X", h.ID())
	} else {
		s = fmt.Sprintf("%03X", h.ID()&CAN_SFF_MASK)
	}
	if h.RemoteTransmission() {
		s += " RTR"
	}
	if h.IsError() {
		s += " ERR"
	}
	return fmt.Sprintf("%s [%d]", s, h.length)
}

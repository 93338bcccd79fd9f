package can

import (
	"fmt"
	"unsafe"
)

// StaticFrame is a classic CAN frame with the layout of struct can_frame
// (16 bytes). The zero value is an empty standard-format data frame.
type StaticFrame struct {
	hdr  Header
	data [ClassicPayload]byte
}

// StaticFDFrame is a CAN FD frame with the layout of struct canfd_frame
// (72 bytes). Reading into it from a socket with FD frames enabled accepts
// both classic and FD frames.
type StaticFDFrame struct {
	hdr  Header
	data [MaxPayload]byte
}

var (
	_ [CAN_MTU]struct{}   = [unsafe.Sizeof(StaticFrame{})]struct{}{}
	_ [CANFD_MTU]struct{} = [unsafe.Sizeof(StaticFDFrame{})]struct{}{}
)

// NewStaticFrame builds a classic frame from id and payload. Extended format
// is selected when id does not fit in 11 bits.
func NewStaticFrame(id uint32, payload []byte) (StaticFrame, error) {
	var f StaticFrame
	f.SetID(id)
	f.SetExtendedFormat(id > CAN_SFF_MASK)
	if err := f.Resize(len(payload)); err != nil {
		return f, err
	}
	copy(f.Data(), payload)
	return f, nil
}

func (f *StaticFrame) Header() Header { return f.hdr }

func (f *StaticFrame) SetID(v uint32) { f.hdr.SetID(v) }
func (f *StaticFrame) ID() uint32     { return f.hdr.ID() }

func (f *StaticFrame) SetError(v bool) { f.hdr.SetError(v) }
func (f *StaticFrame) IsError() bool   { return f.hdr.IsError() }

func (f *StaticFrame) SetRemoteTransmission(v bool) { f.hdr.SetRemoteTransmission(v) }
func (f *StaticFrame) RemoteTransmission() bool     { return f.hdr.RemoteTransmission() }

func (f *StaticFrame) SetExtendedFormat(v bool) { f.hdr.SetExtendedFormat(v) }
func (f *StaticFrame) IsExtendedFormat() bool   { return f.hdr.ExtendedFormat() }

// Resize sets the payload length. It fails with ErrLength if n exceeds Capacity.
func (f *StaticFrame) Resize(n int) error {
	if n < 0 || n > len(f.data) {
		return fmt.Errorf("static frame resize %d: %w (capacity %d)", n, ErrLength, len(f.data))
	}
	f.hdr.length = uint8(n)
	return nil
}

// Len returns the payload length, never more than Capacity.
func (f *StaticFrame) Len() int { return min(int(f.hdr.length), len(f.data)) }

func (f *StaticFrame) Capacity() int { return len(f.data) }

// Data returns the used part of the payload. It aliases the frame.
func (f *StaticFrame) Data() []byte { return f.data[:f.Len()] }

// Buffers returns the whole record (header and full payload array) for a
// single read(2) or write(2).
func (f *StaticFrame) Buffers() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(f)), CAN_MTU)
}

func (f *StaticFrame) String() string { return fmt.Sprintf("%s % X", f.hdr, f.Data()) }

// NewStaticFDFrame is NewStaticFrame for FD frames.
func NewStaticFDFrame(id uint32, payload []byte) (StaticFDFrame, error) {
	var f StaticFDFrame
	f.SetID(id)
	f.SetExtendedFormat(id > CAN_SFF_MASK)
	if err := f.Resize(len(payload)); err != nil {
		return f, err
	}
	copy(f.Data(), payload)
	return f, nil
}

func (f *StaticFDFrame) Header() Header { return f.hdr }

func (f *StaticFDFrame) SetID(v uint32) { f.hdr.SetID(v) }
func (f *StaticFDFrame) ID() uint32     { return f.hdr.ID() }

func (f *StaticFDFrame) SetError(v bool) { f.hdr.SetError(v) }
func (f *StaticFDFrame) IsError() bool   { return f.hdr.IsError() }

func (f *StaticFDFrame) SetRemoteTransmission(v bool) { f.hdr.SetRemoteTransmission(v) }
func (f *StaticFDFrame) RemoteTransmission() bool     { return f.hdr.RemoteTransmission() }

func (f *StaticFDFrame) SetExtendedFormat(v bool) { f.hdr.SetExtendedFormat(v) }
func (f *StaticFDFrame) IsExtendedFormat() bool   { return f.hdr.ExtendedFormat() }

func (f *StaticFDFrame) Resize(n int) error {
	if n < 0 || n > len(f.data) {
		return fmt.Errorf("static fd frame resize %d: %w (capacity %d)", n, ErrLength, len(f.data))
	}
	f.hdr.length = uint8(n)
	return nil
}

func (f *StaticFDFrame) Len() int      { return min(int(f.hdr.length), len(f.data)) }
func (f *StaticFDFrame) Capacity() int { return len(f.data) }
func (f *StaticFDFrame) Data() []byte  { return f.data[:f.Len()] }

func (f *StaticFDFrame) Buffers() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(f)), CANFD_MTU)
}

// Classic converts f to a classic frame if the payload fits.
func (f *StaticFDFrame) Classic() (StaticFrame, error) {
	var c StaticFrame
	if f.Len() > ClassicPayload {
		return c, fmt.Errorf("fd frame with %d bytes: %w", f.Len(), ErrLength)
	}
	c.hdr = Header{id: f.hdr.id, length: f.hdr.length}
	copy(c.data[:], f.Data())
	return c, nil
}

func (f *StaticFDFrame) String() string { return fmt.Sprintf("%s % X", f.hdr, f.Data()) }

package can

import (
	"encoding/binary"
	"fmt"
	"unsafe"
)

// Filter is a receive filter rule with the layout of struct can_filter.
//
//	can_id   u32  id bits 0-28 | INV bit 29 | RTR bit 30 | EFF bit 31
//	can_mask u32  mask bits 0-28 | RTR bit 30 | EFF bit 31
//
// A frame matches when frame.can_id & can_mask == can_id & can_mask, inverted
// when the INV bit is set. The zero Filter matches every frame.
//
// Setters return the receiver so rules can be built in one expression:
//
//	var f can.Filter
//	f.SetID(0x123).SetIDMask(can.CAN_SFF_MASK).SetExtendedFormat(false)
type Filter struct {
	id   uint32
	mask uint32
}

var _ [FilterSize]struct{} = [unsafe.Sizeof(Filter{})]struct{}{}

// NewFilter returns a filter comparing the id bits selected by mask.
func NewFilter(id, mask uint32) Filter {
	var f Filter
	f.SetID(id).SetIDMask(mask)
	return f
}

// FilterFromRaw wraps already-encoded can_id/can_mask words.
func FilterFromRaw(id, mask uint32) Filter { return Filter{id: id, mask: mask} }

func (f *Filter) SetID(v uint32) *Filter {
	f.id = v&CAN_EFF_MASK | f.id&^CAN_EFF_MASK
	return f
}

func (f Filter) ID() uint32 { return f.id & CAN_EFF_MASK }

func (f *Filter) SetIDMask(m uint32) *Filter {
	f.mask = m&CAN_EFF_MASK | f.mask&^CAN_EFF_MASK
	return f
}

func (f Filter) IDMask() uint32 { return f.mask & CAN_EFF_MASK }

// SetRemoteTransmission requires the RTR flag of matching frames to equal v.
func (f *Filter) SetRemoteTransmission(v bool) *Filter {
	setFlag(&f.id, CAN_RTR_FLAG, v)
	f.mask |= CAN_RTR_FLAG
	return f
}

// RemoteTransmission reports the expected RTR value. It is only relevant while
// the flag takes part in matching (see MatchesRemoteTransmission).
func (f Filter) RemoteTransmission() bool { return f.id&CAN_RTR_FLAG != 0 }

// MatchesRemoteTransmission reports whether the RTR flag takes part in matching.
func (f Filter) MatchesRemoteTransmission() bool { return f.mask&CAN_RTR_FLAG != 0 }

// ClearRemoteTransmission stops comparing the RTR flag.
func (f *Filter) ClearRemoteTransmission() *Filter {
	f.mask &^= CAN_RTR_FLAG
	return f
}

// SetExtendedFormat requires the EFF flag of matching frames to equal v.
func (f *Filter) SetExtendedFormat(v bool) *Filter {
	setFlag(&f.id, CAN_EFF_FLAG, v)
	f.mask |= CAN_EFF_FLAG
	return f
}

func (f Filter) ExtendedFormat() bool { return f.id&CAN_EFF_FLAG != 0 }

func (f Filter) MatchesExtendedFormat() bool { return f.mask&CAN_EFF_FLAG != 0 }

// ClearExtendedFormat stops comparing the EFF flag.
func (f *Filter) ClearExtendedFormat() *Filter {
	f.mask &^= CAN_EFF_FLAG
	return f
}

// SetNegation inverts the result of the comparison. The bit lives in the id
// word only and never in the mask.
func (f *Filter) SetNegation(v bool) *Filter {
	setFlag(&f.id, CAN_INV_FILTER, v)
	return f
}

func (f Filter) Negation() bool { return f.id&CAN_INV_FILTER != 0 }

// RawID returns the encoded can_id word.
func (f Filter) RawID() uint32 { return f.id }

// RawMask returns the encoded can_mask word.
func (f Filter) RawMask() uint32 { return f.mask }

// Matches applies the kernel matching rule to a raw can_id word.
func (f Filter) Matches(word uint32) bool {
	mask := f.mask &^ CAN_INV_FILTER
	ok := word&mask == f.id&^CAN_INV_FILTER&mask
	return ok != f.Negation()
}

// MatchesHeader is Matches applied to a frame header.
func (f Filter) MatchesHeader(h Header) bool { return f.Matches(h.Word()) }

// MatchAny reports whether word passes at least one filter (CAN_RAW_FILTER).
// An empty set accepts nothing, as the kernel does.
func MatchAny(filters []Filter, word uint32) bool {
	for _, f := range filters {
		if f.Matches(word) {
			return true
		}
	}
	return false
}

// MatchAll reports whether word passes every filter (CAN_RAW_JOIN_FILTERS).
func MatchAll(filters []Filter, word uint32) bool {
	if len(filters) == 0 {
		return false
	}
	for _, f := range filters {
		if !f.Matches(word) {
			return false
		}
	}
	return true
}

// FilterBytes returns the memory of filters as a contiguous byte slice without
// copying. The result aliases filters and is only valid while it is.
func FilterBytes(filters []Filter) []byte {
	if len(filters) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(filters))), len(filters)*FilterSize)
}

func (f Filter) AppendBinary(b []byte) ([]byte, error) {
	b = binary.NativeEndian.AppendUint32(b, f.id)
	return binary.NativeEndian.AppendUint32(b, f.mask), nil
}

func (f Filter) MarshalBinary() ([]byte, error) {
	return f.AppendBinary(make([]byte, 0, FilterSize))
}

func (f *Filter) UnmarshalBinary(b []byte) error {
	if len(b) < FilterSize {
		return fmt.Errorf("can filter: %w (%d < %d)", ErrShortBuffer, len(b), FilterSize)
	}
	f.id = binary.NativeEndian.Uint32(b[0:4])
	f.mask = binary.NativeEndian.Uint32(b[4:8])
	return nil
}

func (f Filter) String() string {
	s := fmt.Sprintf("%08X:%08X", f.id, f.mask)
	if f.Negation() {
		s += " inv"
	}
	return s
}

package can

import "errors"

// SocketCAN flag bits for can_id (same values as <linux/can.h>)
const (
	CAN_EFF_FLAG   = 0x80000000
	CAN_RTR_FLAG   = 0x40000000
	CAN_ERR_FLAG   = 0x20000000
	CAN_INV_FILTER = 0x20000000 // only meaningful in a filter id word
	CAN_SFF_MASK   = 0x7FF
	CAN_EFF_MASK   = 0x1FFFFFFF
)

// Sizes fixed by the kernel structs.
const (
	HeaderSize     = 8  // can_id + len + 3 reserved bytes
	FilterSize     = 8  // struct can_filter
	ClassicPayload = 8  // struct can_frame data[]
	MaxPayload     = 64 // struct canfd_frame data[]
	CAN_MTU        = HeaderSize + ClassicPayload
	CANFD_MTU      = HeaderSize + MaxPayload
	// MaxFilters is CAN_RAW_FILTER_MAX, the kernel limit on filters per raw socket.
	MaxFilters = 512
)

var (
	// ErrLength is returned when a frame buffer is resized beyond its fixed payload capacity.
	ErrLength = errors.New("can: length exceeds frame capacity")
	// ErrShortBuffer is returned when decoding from fewer bytes than the fixed record needs.
	ErrShortBuffer = errors.New("can: short buffer")
	// ErrInvalidLength is returned when a decoded payload length is above MaxPayload.
	ErrInvalidLength = errors.New("can: invalid payload length")
)

// setFlag sets or clears flag in *word without touching any other bit.
func setFlag(word *uint32, flag uint32, on bool) {
	if on {
		*word |= flag
	} else {
		*word &^= flag
	}
}

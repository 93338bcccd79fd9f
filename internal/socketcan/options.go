//go:build linux

package socketcan

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/kstaniek/go-canary/internal/can"
)

// Option is a socket option as consumed by setsockopt(2)/getsockopt(2).
// Level and Name depend only on the option type. Data may alias memory owned
// by the caller; it must stay valid until SetOption returns.
type Option interface {
	Level() int
	Name() int
	Data() []byte
	Size() int
}

// chainedOption is set together with a follow-up option. optional reports
// whether ENOPROTOOPT from the follow-up is ignored (older kernels).
type chainedOption interface {
	Option
	next() (o Option, optional bool)
}

// MaxFilters is the kernel limit on filters per socket (CAN_RAW_FILTER_MAX).
const MaxFilters = unix.CAN_RAW_FILTER_MAX

// can.MaxFilters serves packages that build without this one.
var (
	_ [can.MaxFilters - MaxFilters]struct{}
	_ [MaxFilters - can.MaxFilters]struct{}
)

// ISO-TP option level and names from <linux/can/isotp.h>.
const (
	SOL_CAN_ISOTP      = 0x6a // SOL_CAN_BASE + CAN_ISOTP
	CAN_ISOTP_OPTS     = 1
	CAN_ISOTP_RECV_FC  = 2
	CAN_ISOTP_TX_STMIN = 3
	CAN_ISOTP_RX_STMIN = 4
	CAN_ISOTP_LL_OPTS  = 5
	CAN_ERR_MASK       = 0x1FFFFFFF
)

// ISOTPOptions.Flags bits.
const (
	ISOTPListenMode   = 0x001
	ISOTPExtendAddr   = 0x002
	ISOTPTxPadding    = 0x004
	ISOTPRxPadding    = 0x008
	ISOTPCheckPadLen  = 0x010
	ISOTPCheckPadData = 0x020
	ISOTPHalfDuplex   = 0x040
	ISOTPForceTxSTmin = 0x080
	ISOTPForceRxSTmin = 0x100
	ISOTPRxExtAddr    = 0x200
	ISOTPWaitTxDone   = 0x400
	ISOTPSFBroadcast  = 0x800
)

type int32Option struct{ v int32 }

func (o *int32Option) Data() []byte { return unsafe.Slice((*byte)(unsafe.Pointer(&o.v)), 4) }
func (o *int32Option) Size() int    { return 4 }

// Enabled reports the boolean value (after GetOption, what the kernel holds).
func (o *int32Option) Enabled() bool { return o.v != 0 }

func boolInt(v bool) int32 {
	if v {
		return 1
	}
	return 0
}

// FlexibleDataRateOption toggles CAN FD frames on a raw socket.
type FlexibleDataRateOption struct{ int32Option }

func FlexibleDataRate(on bool) *FlexibleDataRateOption {
	return &FlexibleDataRateOption{int32Option{boolInt(on)}}
}

func (*FlexibleDataRateOption) Level() int { return unix.SOL_CAN_RAW }
func (*FlexibleDataRateOption) Name() int  { return unix.CAN_RAW_FD_FRAMES }

// ReceiveOwnMessagesOption delivers frames sent by this socket back to it.
type ReceiveOwnMessagesOption struct{ int32Option }

func ReceiveOwnMessages(on bool) *ReceiveOwnMessagesOption {
	return &ReceiveOwnMessagesOption{int32Option{boolInt(on)}}
}

func (*ReceiveOwnMessagesOption) Level() int { return unix.SOL_CAN_RAW }
func (*ReceiveOwnMessagesOption) Name() int  { return unix.CAN_RAW_RECV_OWN_MSGS }

// LoopbackOption controls local echo of sent frames to other sockets.
type LoopbackOption struct{ int32Option }

func Loopback(on bool) *LoopbackOption { return &LoopbackOption{int32Option{boolInt(on)}} }

func (*LoopbackOption) Level() int { return unix.SOL_CAN_RAW }
func (*LoopbackOption) Name() int  { return unix.CAN_RAW_LOOPBACK }

// JoinFiltersOption switches the installed filter list between disjunction
// (false) and conjunction (true).
type JoinFiltersOption struct{ int32Option }

func JoinFilters(on bool) *JoinFiltersOption { return &JoinFiltersOption{int32Option{boolInt(on)}} }

func (*JoinFiltersOption) Level() int { return unix.SOL_CAN_RAW }
func (*JoinFiltersOption) Name() int  { return unix.CAN_RAW_JOIN_FILTERS }

// ErrorFilterOption selects which error classes are delivered as error frames.
type ErrorFilterOption struct{ mask uint32 }

func ErrorFilter(mask uint32) *ErrorFilterOption {
	return &ErrorFilterOption{mask: mask & CAN_ERR_MASK}
}

func (*ErrorFilterOption) Level() int     { return unix.SOL_CAN_RAW }
func (*ErrorFilterOption) Name() int      { return unix.CAN_RAW_ERR_FILTER }
func (o *ErrorFilterOption) Data() []byte { return unsafe.Slice((*byte)(unsafe.Pointer(&o.mask)), 4) }
func (o *ErrorFilterOption) Size() int    { return 4 }
func (o *ErrorFilterOption) Mask() uint32 { return o.mask }

// filterList borrows the caller's filters; nothing is copied.
type filterList struct{ filters []can.Filter }

func (filterList) Level() int              { return unix.SOL_CAN_RAW }
func (filterList) Name() int               { return unix.CAN_RAW_FILTER }
func (o filterList) Data() []byte          { return can.FilterBytes(o.filters) }
func (o filterList) Size() int             { return len(o.filters) * can.FilterSize }
func (o filterList) Filters() []can.Filter { return o.filters }

// FilterIfAnyOption installs filters and delivers frames matching at least
// one of them. An empty list delivers nothing.
type FilterIfAnyOption struct{ filterList }

func FilterIfAny(filters []can.Filter) *FilterIfAnyOption {
	return &FilterIfAnyOption{filterList{filters}}
}

func (*FilterIfAnyOption) next() (Option, bool) { return JoinFilters(false), true }

// FilterIfAllOption installs filters and delivers only frames matching all
// of them (CAN_RAW_JOIN_FILTERS).
type FilterIfAllOption struct{ filterList }

func FilterIfAll(filters []can.Filter) *FilterIfAllOption {
	return &FilterIfAllOption{filterList{filters}}
}

func (*FilterIfAllOption) next() (Option, bool) { return JoinFilters(true), false }

// ISOTPOptions mirrors struct can_isotp_options.
type ISOTPOptions struct {
	Flags        uint32
	FrameTxTime  uint32 // nanoseconds between consecutive frames, 0 = kernel default
	ExtAddress   uint8
	TxPadContent uint8
	RxPadContent uint8
	RxExtAddress uint8
}

func (*ISOTPOptions) Level() int     { return SOL_CAN_ISOTP }
func (*ISOTPOptions) Name() int      { return CAN_ISOTP_OPTS }
func (o *ISOTPOptions) Data() []byte { return unsafe.Slice((*byte)(unsafe.Pointer(o)), o.Size()) }
func (o *ISOTPOptions) Size() int    { return int(unsafe.Sizeof(*o)) }

// ISOTPFlowControl mirrors struct can_isotp_fc_options, the flow control
// parameters this socket sends as a receiver.
type ISOTPFlowControl struct {
	BlockSize uint8
	STmin     uint8
	WFTmax    uint8
}

func (*ISOTPFlowControl) Level() int     { return SOL_CAN_ISOTP }
func (*ISOTPFlowControl) Name() int      { return CAN_ISOTP_RECV_FC }
func (o *ISOTPFlowControl) Data() []byte { return unsafe.Slice((*byte)(unsafe.Pointer(o)), o.Size()) }
func (o *ISOTPFlowControl) Size() int    { return int(unsafe.Sizeof(*o)) }

// ISOTPLinkLayer mirrors struct can_isotp_ll_options. MTU 72 selects CAN FD.
type ISOTPLinkLayer struct {
	MTU     uint8
	TxDL    uint8
	TxFlags uint8
}

func (*ISOTPLinkLayer) Level() int     { return SOL_CAN_ISOTP }
func (*ISOTPLinkLayer) Name() int      { return CAN_ISOTP_LL_OPTS }
func (o *ISOTPLinkLayer) Data() []byte { return unsafe.Slice((*byte)(unsafe.Pointer(o)), o.Size()) }
func (o *ISOTPLinkLayer) Size() int    { return int(unsafe.Sizeof(*o)) }

var (
	_ [12]struct{} = [unsafe.Sizeof(ISOTPOptions{})]struct{}{}
	_ [3]struct{}  = [unsafe.Sizeof(ISOTPFlowControl{})]struct{}{}
	_ [3]struct{}  = [unsafe.Sizeof(ISOTPLinkLayer{})]struct{}{}

	_ chainedOption = (*FilterIfAnyOption)(nil)
	_ chainedOption = (*FilterIfAllOption)(nil)
	_ Option        = (*FlexibleDataRateOption)(nil)
	_ Option        = (*ErrorFilterOption)(nil)
	_ Option        = (*ISOTPOptions)(nil)
)

// FilterToUnix converts f to the unix package representation.
func FilterToUnix(f can.Filter) unix.CanFilter {
	return unix.CanFilter{Id: f.RawID(), Mask: f.RawMask()}
}

// FilterFromUnix is the inverse of FilterToUnix.
func FilterFromUnix(f unix.CanFilter) can.Filter { return can.FilterFromRaw(f.Id, f.Mask) }

type stmin struct{ ns uint32 }

func (o *stmin) Data() []byte        { return unsafe.Slice((*byte)(unsafe.Pointer(&o.ns)), 4) }
func (o *stmin) Size() int           { return 4 }
func (o *stmin) Nanoseconds() uint32 { return o.ns }

// ISOTPTxSTminOption overrides the separation time requested by the receiver
// (needs ISOTPForceTxSTmin).
type ISOTPTxSTminOption struct{ stmin }

func ISOTPTxSTmin(ns uint32) *ISOTPTxSTminOption { return &ISOTPTxSTminOption{stmin{ns}} }

func (*ISOTPTxSTminOption) Level() int { return SOL_CAN_ISOTP }
func (*ISOTPTxSTminOption) Name() int  { return CAN_ISOTP_TX_STMIN }

// ISOTPRxSTminOption drops consecutive frames arriving faster than the given
// time (needs ISOTPForceRxSTmin).
type ISOTPRxSTminOption struct{ stmin }

func ISOTPRxSTmin(ns uint32) *ISOTPRxSTminOption { return &ISOTPRxSTminOption{stmin{ns}} }

func (*ISOTPRxSTminOption) Level() int { return SOL_CAN_ISOTP }
func (*ISOTPRxSTminOption) Name() int  { return CAN_ISOTP_RX_STMIN }

//go:build linux

package socketcan

import (
	"errors"
	"fmt"
	"net"

	"github.com/vishvananda/netlink"

	"github.com/kstaniek/go-canary/internal/can"
)

// linkByName is a hook for tests.
var linkByName = netlink.LinkByName

// Interface describes a network interface as seen by netlink.
type Interface struct {
	Name  string
	Index uint32
	Type  string // "can", "vcan", "vxcan", ...
	MTU   int    // 16 for classic CAN, 72 when FD capable
	Up    bool
}

// FD reports whether the interface carries CAN FD frames.
func (i Interface) FD() bool { return i.MTU == can.CANFD_MTU }

// LookupInterface resolves name through netlink. Unknown names fail with an
// error matching ErrNoSuchInterface (and unix.ENODEV).
func LookupInterface(name string) (Interface, error) {
	if name == "" {
		return Interface{}, fmt.Errorf("empty interface name: %w", ErrNoSuchInterface)
	}
	link, err := linkByName(name)
	if err != nil {
		var nf netlink.LinkNotFoundError
		if errors.As(err, &nf) {
			return Interface{}, fmt.Errorf("interface %q: %w", name, ErrNoSuchInterface)
		}
		return Interface{}, fmt.Errorf("find interface %s: %w", name, err)
	}
	attrs := link.Attrs()
	return Interface{
		Name:  attrs.Name,
		Index: uint32(attrs.Index),
		Type:  link.Type(),
		MTU:   attrs.MTU,
		Up:    attrs.Flags&net.FlagUp != 0,
	}, nil
}

// InterfaceIndex returns the kernel index of the named interface.
func InterfaceIndex(name string) (uint32, error) {
	ifc, err := LookupInterface(name)
	if err != nil {
		return 0, err
	}
	return ifc.Index, nil
}

// AnyInterface is the index that binds a socket to every CAN interface.
func AnyInterface() uint32 { return 0 }

//go:build linux

package socketcan

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

var (
	// ErrInvalidArgument is returned for requests the kernel structs cannot
	// hold. It matches unix.EINVAL with errors.Is.
	ErrInvalidArgument = fmt.Errorf("socketcan: invalid argument: %w", unix.EINVAL)
	// ErrNoSuchInterface matches unix.ENODEV with errors.Is.
	ErrNoSuchInterface = fmt.Errorf("socketcan: no such interface: %w", unix.ENODEV)
	ErrShortRead       = errors.New("socketcan: short read")
	ErrShortWrite      = errors.New("socketcan: short write")
	ErrTxOverflow      = errors.New("socketcan tx overflow")
)

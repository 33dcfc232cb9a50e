// Package tunio wraps a TUN character device file descriptor for
// non-blocking whole-packet I/O, and knows how to create one when the
// caller wants the engine to own it rather than hand in an already-open fd.
package tunio

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	tunsetiff = 0x400454ca
	iffTun    = 0x0001
	iffNoPI   = 0x1000
	ifNameSz  = 16
)

type ifreq struct {
	Name  [ifNameSz]byte
	Flags uint16
	pad   [22]byte
}

// Device is a non-blocking TUN file descriptor. Reads and writes transfer
// whole L3 packets, matching kernel TUN semantics.
type Device struct {
	fd   int
	name string
}

// Create opens /dev/net/tun, binds the given interface name (the kernel
// may allocate a different name if it is taken or empty), and switches the
// fd to non-blocking mode.
func Create(name string) (*Device, error) {
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("tunio: open /dev/net/tun: %w", err)
	}

	var req ifreq
	copy(req.Name[:], name)
	req.Flags = iffTun | iffNoPI
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(tunsetiff), uintptr(unsafe.Pointer(&req))); errno != 0 {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("tunio: ioctl TUNSETIFF: %w", errno)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("tunio: set non-blocking: %w", err)
	}

	actual := trimNUL(req.Name[:])
	return &Device{fd: fd, name: actual}, nil
}

// FromFD wraps an already-open, already-configured TUN fd, switching it to
// non-blocking mode if it isn't already.
func FromFD(fd int) (*Device, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("tunio: set non-blocking: %w", err)
	}
	return &Device{fd: fd}, nil
}

// FD returns the underlying file descriptor, for notifier registration.
func (d *Device) FD() int { return d.fd }

// Name returns the interface name, if known (empty for FromFD).
func (d *Device) Name() string { return d.name }

// Read reads one packet (or less, on a short device-level read) into p.
// Returns (0, nil) on EAGAIN/EWOULDBLOCK: "no data right now", not an
// error, so callers don't need to special-case it.
func (d *Device) Read(p []byte) (int, error) {
	n, err := unix.Read(d.fd, p)
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return 0, nil
	}
	return n, err
}

// Write writes one packet to the device.
func (d *Device) Write(p []byte) (int, error) {
	return unix.Write(d.fd, p)
}

// Writev writes up to two buffers as a single atomic kernel write, used to
// flush a packet that spans the TUN tx ring's wrap point without ever
// emitting a partial packet.
func (d *Device) Writev(b1, b2 []byte) (int, error) {
	var iovs []unix.Iovec
	if len(b1) > 0 {
		iovs = append(iovs, unix.Iovec{Base: &b1[0]})
		iovs[len(iovs)-1].SetLen(len(b1))
	}
	if len(b2) > 0 {
		iovs = append(iovs, unix.Iovec{Base: &b2[0]})
		iovs[len(iovs)-1].SetLen(len(b2))
	}
	if len(iovs) == 0 {
		return 0, nil
	}
	n, _, errno := unix.Syscall(unix.SYS_WRITEV, uintptr(d.fd), uintptr(unsafe.Pointer(&iovs[0])), uintptr(len(iovs)))
	if errno != 0 {
		return int(n), errno
	}
	return int(n), nil
}

// Close closes the device.
func (d *Device) Close() error {
	if d.fd < 0 {
		return nil
	}
	err := unix.Close(d.fd)
	d.fd = -1
	return err
}

func trimNUL(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

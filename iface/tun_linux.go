//go:build linux

// Package iface creates and operates the two host TUN devices the
// fabric interposes between. This is the "TUN device creation on the
// host OS" collaborator spec.md §1 explicitly puts outside the core:
// Device only ever satisfies io.ReadWriteCloser for the multiplexer,
// and never imports the packet-plane packages.
package iface

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"unsafe"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// Ethertypes used in the optional 4-byte TUN packet-info framing
// header (spec.md §4.7/§6): 2 flag bytes followed by a 2-byte
// big-endian ethertype selecting IPv4 vs IPv6.
const (
	EtherTypeIPv4 uint16 = 0x0800
	EtherTypeIPv6 uint16 = 0x86DD
)

// Device is an open Linux TUN interface.
type Device struct {
	fd   int
	name string
	noPI bool
}

// Open creates (or attaches to) a TUN device named name. When noPI is
// true the kernel is asked for IFF_NO_PI, so reads/writes carry bare
// IP packets; otherwise every read/write is framed with the 4-byte
// packet-info header described in spec.md §4.7.
func Open(name string, noPI bool) (*Device, error) {
	if len(name) >= unix.IFNAMSIZ {
		return nil, errors.New("iface: interface name too long")
	}
	fd, err := unix.Open("/dev/net/tun", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("iface: opening /dev/net/tun: %w", err)
	}
	ifr := makeifreq(name)
	flags := uint16(unix.IFF_TUN)
	if noPI {
		flags |= unix.IFF_NO_PI
	}
	ifr.setFlags(flags)
	if err := ioctl(fd, unix.TUNSETIFF, ifr.ptr()); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("iface: creating tun interface %s: %w", name, err)
	}
	return &Device{fd: fd, name: name, noPI: noPI}, nil
}

// SetAddr brings the interface up and assigns it a host-side address
// via netlink, rather than shelling out to the "ip" binary: interface
// addressing is a host-OS concern outside the packet-plane core, but
// the binary that wires everything together still needs it to be a
// runnable program.
func (d *Device) SetAddr(addr netip.Prefix) error {
	if !addr.IsValid() {
		return nil
	}
	link, err := netlink.LinkByName(d.name)
	if err != nil {
		return fmt.Errorf("iface: looking up link %s: %w", d.name, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("iface: bringing up %s: %w", d.name, err)
	}
	ip := net.IP(addr.Addr().AsSlice())
	mask := net.CIDRMask(addr.Bits(), addr.Addr().BitLen())
	nlAddr := &netlink.Addr{IPNet: &net.IPNet{IP: ip, Mask: mask}}
	if err := netlink.AddrAdd(link, nlAddr); err != nil {
		return fmt.Errorf("iface: assigning address to %s: %w", d.name, err)
	}
	return nil
}

// Read reads one frame (with its PI header if enabled) from the device.
func (d *Device) Read(b []byte) (int, error) {
	return unix.Read(d.fd, b)
}

// Write writes one frame (with its PI header if enabled) to the device.
func (d *Device) Write(b []byte) (int, error) {
	return unix.Write(d.fd, b)
}

// Close closes the underlying file descriptor.
func (d *Device) Close() error {
	return unix.Close(d.fd)
}

// Name returns the interface name.
func (d *Device) Name() string { return d.name }

// NoPI reports whether the device was opened with IFF_NO_PI.
func (d *Device) NoPI() bool { return d.noPI }

func ioctl(fd int, request uintptr, argp unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), request, uintptr(argp))
	if errno != 0 {
		return os.NewSyscallError("ioctl", errno)
	}
	return nil
}

type ifreq struct {
	name [unix.IFNAMSIZ]byte
	data [64]byte
}

func makeifreq(name string) ifreq {
	var ifr ifreq
	copy(ifr.name[:], name)
	return ifr
}

func (ifr *ifreq) setFlags(flags uint16) {
	binary.NativeEndian.PutUint16(ifr.data[0:2], flags)
}

func (ifr *ifreq) ptr() unsafe.Pointer { return unsafe.Pointer(ifr) }

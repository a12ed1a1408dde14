//go:build !linux

package iface

import (
	"errors"
	"net/netip"
)

// Ethertypes used in the optional 4-byte TUN packet-info framing header.
const (
	EtherTypeIPv4 uint16 = 0x0800
	EtherTypeIPv6 uint16 = 0x86DD
)

// Device stubs out TUN access on non-Linux hosts. The packet-plane
// core only depends on io.ReadWriteCloser, so cross-compiling the
// rest of the module never requires this to do anything but fail.
type Device struct{}

func Open(name string, noPI bool) (*Device, error) { return nil, errors.ErrUnsupported }

func (d *Device) SetAddr(addr netip.Prefix) error { return errors.ErrUnsupported }
func (d *Device) Read(b []byte) (int, error)      { return 0, errors.ErrUnsupported }
func (d *Device) Write(b []byte) (int, error)     { return 0, errors.ErrUnsupported }
func (d *Device) Close() error                    { return errors.ErrUnsupported }
func (d *Device) Name() string                    { return "" }
func (d *Device) NoPI() bool                      { return false }

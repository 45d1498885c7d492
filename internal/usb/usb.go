// Package usb finds the accessory dongle through sysfs and watches for it
// coming and going through kernel uevents.
package usb

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// ID is a USB vendor/product pair.
type ID struct {
	Vendor  uint16
	Product uint16
}

func (id ID) String() string {
	return fmt.Sprintf("%04x:%04x", id.Vendor, id.Product)
}

// Dongles are the accessory models the daemon drives.
var Dongles = []ID{
	{Vendor: 0x1314, Product: 0x1520},
	{Vendor: 0x1314, Product: 0x1521},
}

// Device is a dongle found on the bus.
type Device struct {
	ID         ID
	Bus        int
	Address    int
	SysPath    string // /sys/bus/usb/devices/<name>
	DevNode    string // /dev/bus/usb/BBB/DDD
	Serial     string
	Authorized bool
}

func (d Device) String() string {
	return fmt.Sprintf("%s@%03d:%03d", d.ID, d.Bus, d.Address)
}

// Scanner implements discovery against sysfs and devfs.
type Scanner struct {
	SysRoot string // defaults to /sys
	DevRoot string // defaults to /dev
	IDs     []ID   // defaults to Dongles

	// access checks that the current process may open a device node.
	access func(path string) error
}

// NewScanner returns a scanner for the real system.
func NewScanner() *Scanner {
	return &Scanner{SysRoot: "/sys", DevRoot: "/dev", IDs: Dongles}
}

// FindAuthorizedDevice returns the first dongle that is authorized and
// openable. A missing dongle is not an error.
func (s *Scanner) FindAuthorizedDevice(ctx context.Context) (Device, bool, error) {
	devs, err := s.scan(ctx)
	if err != nil {
		return Device{}, false, err
	}
	for _, d := range devs {
		if d.Authorized && s.canOpen(d) {
			return d, true, nil
		}
	}
	return Device{}, false, nil
}

// RequestDeviceFromUser returns a dongle like FindAuthorizedDevice, but also
// authorizes one that is present and not yet authorized.
func (s *Scanner) RequestDeviceFromUser(ctx context.Context) (Device, bool, error) {
	devs, err := s.scan(ctx)
	if err != nil {
		return Device{}, false, err
	}
	for _, d := range devs {
		if !d.Authorized {
			if err := s.authorize(d); err != nil {
				return Device{}, false, fmt.Errorf("authorize %s: %w", d, err)
			}
			d.Authorized = true
		}
		if !s.canOpen(d) {
			return Device{}, false, fmt.Errorf("open %s: permission denied", d.DevNode)
		}
		return d, true, nil
	}
	return Device{}, false, nil
}

func (s *Scanner) scan(ctx context.Context) ([]Device, error) {
	dir := filepath.Join(s.sysRoot(), "bus", "usb", "devices")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}
	var devs []Device
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		// interfaces look like 1-1:1.0; devices like 1-1 or usb1
		if strings.Contains(e.Name(), ":") {
			continue
		}
		d, ok := s.readDevice(filepath.Join(dir, e.Name()))
		if ok {
			devs = append(devs, d)
		}
	}
	return devs, nil
}

func (s *Scanner) readDevice(path string) (Device, bool) {
	vendor, err := readHex(filepath.Join(path, "idVendor"))
	if err != nil {
		return Device{}, false
	}
	product, err := readHex(filepath.Join(path, "idProduct"))
	if err != nil {
		return Device{}, false
	}
	id := ID{Vendor: vendor, Product: product}
	if !s.matches(id) {
		return Device{}, false
	}
	bus, _ := readInt(filepath.Join(path, "busnum"))
	addr, _ := readInt(filepath.Join(path, "devnum"))
	auth, err := readInt(filepath.Join(path, "authorized"))
	if err != nil {
		// kernels without the attribute authorize everything
		auth = 1
	}
	serial, _ := readString(filepath.Join(path, "serial"))
	return Device{
		ID:         id,
		Bus:        bus,
		Address:    addr,
		SysPath:    path,
		DevNode:    filepath.Join(s.devRoot(), "bus", "usb", fmt.Sprintf("%03d", bus), fmt.Sprintf("%03d", addr)),
		Serial:     serial,
		Authorized: auth == 1,
	}, true
}

func (s *Scanner) matches(id ID) bool {
	ids := s.IDs
	if len(ids) == 0 {
		ids = Dongles
	}
	for _, want := range ids {
		if want == id {
			return true
		}
	}
	return false
}

func (s *Scanner) authorize(d Device) error {
	return os.WriteFile(filepath.Join(d.SysPath, "authorized"), []byte("1"), 0)
}

func (s *Scanner) canOpen(d Device) bool {
	access := s.access
	if access == nil {
		access = func(path string) error { return unix.Access(path, unix.R_OK|unix.W_OK) }
	}
	return access(d.DevNode) == nil
}

func (s *Scanner) sysRoot() string {
	if s.SysRoot == "" {
		return "/sys"
	}
	return s.SysRoot
}

func (s *Scanner) devRoot() string {
	if s.DevRoot == "" {
		return "/dev"
	}
	return s.DevRoot
}

// --- sysfs helpers ---

func readString(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

func readInt(path string) (int, error) {
	s, err := readString(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(s)
}

func readHex(path string) (uint16, error) {
	s, err := readString(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	return uint16(v), nil
}

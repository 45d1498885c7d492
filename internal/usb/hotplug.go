package usb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Action is a hotplug transition.
type Action int

const (
	Attach Action = iota
	Detach
)

func (a Action) String() string {
	if a == Attach {
		return "attach"
	}
	return "detach"
}

// Hotplug is a dongle attach or detach reported by the kernel.
type Hotplug struct {
	Action  Action
	ID      ID
	DevPath string
}

// Monitor listens on the kernel uevent netlink socket.
type Monitor struct {
	IDs []ID // defaults to Dongles
}

// Run delivers matching hotplug events to fn until ctx is done.
func (m *Monitor) Run(ctx context.Context, fn func(Hotplug)) error {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return fmt.Errorf("uevent socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: 1, Pid: 0}); err != nil {
		unix.Close(fd)
		return fmt.Errorf("bind uevent socket: %w", err)
	}
	// non-blocking fd: os.File registers it with the runtime poller so Close
	// unblocks Read
	f := os.NewFile(uintptr(fd), "uevent")
	defer f.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		f.Close()
	}()

	buf := make([]byte, 16<<10)
	for {
		n, err := f.Read(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, os.ErrClosed) {
				return ctx.Err()
			}
			return fmt.Errorf("read uevent: %w", err)
		}
		env, ok := parseUevent(buf[:n])
		if !ok {
			continue
		}
		if ev, ok := m.match(env); ok {
			slog.Debug("usb: hotplug", "action", ev.Action.String(), "id", ev.ID.String(), "devpath", ev.DevPath)
			fn(ev)
		}
	}
}

func (m *Monitor) match(env map[string]string) (Hotplug, bool) {
	if env["SUBSYSTEM"] != "usb" || env["DEVTYPE"] != "usb_device" {
		return Hotplug{}, false
	}
	var action Action
	switch env["ACTION"] {
	case "add":
		action = Attach
	case "remove":
		action = Detach
	default:
		return Hotplug{}, false
	}
	id, ok := parseProduct(env["PRODUCT"])
	if !ok {
		return Hotplug{}, false
	}
	s := Scanner{IDs: m.IDs}
	if !s.matches(id) {
		return Hotplug{}, false
	}
	return Hotplug{Action: action, ID: id, DevPath: env["DEVPATH"]}, true
}

// parseUevent splits a kernel uevent ("add@/devices/...\0KEY=VALUE\0...")
// into its environment.
func parseUevent(b []byte) (map[string]string, bool) {
	fields := bytes.Split(b, []byte{0})
	if len(fields) < 2 || !bytes.Contains(fields[0], []byte("@")) {
		return nil, false
	}
	env := make(map[string]string, len(fields))
	for _, f := range fields[1:] {
		k, v, ok := strings.Cut(string(f), "=")
		if ok {
			env[k] = v
		}
	}
	return env, true
}

// parseProduct parses PRODUCT=vid/pid/bcd with unpadded hex fields.
func parseProduct(s string) (ID, bool) {
	parts := strings.Split(s, "/")
	if len(parts) < 2 {
		return ID{}, false
	}
	vid, err := strconv.ParseUint(parts[0], 16, 16)
	if err != nil {
		return ID{}, false
	}
	pid, err := strconv.ParseUint(parts[1], 16, 16)
	if err != nil {
		return ID{}, false
	}
	return ID{Vendor: uint16(vid), Product: uint16(pid)}, true
}

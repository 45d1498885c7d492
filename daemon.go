package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/godbus/dbus/v5"
	"golang.org/x/sync/errgroup"

	"github.com/mil-ad/carlinkd/internal/audio"
	"github.com/mil-ad/carlinkd/internal/ignition"
	"github.com/mil-ad/carlinkd/internal/protocol"
	"github.com/mil-ad/carlinkd/internal/render"
	"github.com/mil-ad/carlinkd/internal/session"
	"github.com/mil-ad/carlinkd/internal/state"
	"github.com/mil-ad/carlinkd/internal/telemetry"
	"github.com/mil-ad/carlinkd/internal/touch"
	"github.com/mil-ad/carlinkd/internal/usb"
)

// selectRelease is how long a select press is held before the release is
// sent.
const selectRelease = 200 * time.Millisecond

// controller is the part of the orchestrator the IPC surface drives.
type controller interface {
	RequestPairing()
	ForwardUserGesture()
	KeyCommand(k protocol.Key)
	Touch(p touch.Pointer)
	Resize(width, height int)
	Disconnect()
}

// ignitionControl is the part of the ignition supervisor the IPC surface
// drives.
type ignitionControl interface {
	SetIgnition(on bool)
	Dismiss() bool
}

type daemon struct {
	store    *state.Store
	ctl      controller
	ign      ignitionControl
	settings Settings
}

func (d *daemon) handleRequest(req IPCRequest) IPCResponse {
	switch req.Command {
	case "status":
		// answered below

	case "pair":
		d.ctl.RequestPairing()

	case "gesture":
		d.ctl.ForwardUserGesture()

	case "key":
		if len(req.Args) != 1 {
			return IPCResponse{Error: "usage: key <command|key code>"}
		}
		k, err := d.settings.resolveKey(req.Args[0])
		if err != nil {
			return IPCResponse{Error: err.Error()}
		}
		d.pressKey(k)

	case "touch":
		p, err := parsePointer(req.Args)
		if err != nil {
			return IPCResponse{Error: err.Error()}
		}
		d.ctl.Touch(p)

	case "resize":
		if len(req.Args) != 2 {
			return IPCResponse{Error: "usage: resize <width> <height>"}
		}
		w, errW := strconv.Atoi(req.Args[0])
		h, errH := strconv.Atoi(req.Args[1])
		if errW != nil || errH != nil || w <= 0 || h <= 0 {
			return IPCResponse{Error: fmt.Sprintf("invalid size %q x %q", req.Args[0], req.Args[1])}
		}
		d.ctl.Resize(w, h)

	case "ignition":
		if len(req.Args) != 1 || (req.Args[0] != "on" && req.Args[0] != "off") {
			return IPCResponse{Error: "usage: ignition <on|off>"}
		}
		d.ign.SetIgnition(req.Args[0] == "on")

	case "dismiss":
		if !d.ign.Dismiss() {
			return IPCResponse{Error: "no shutdown warning to dismiss"}
		}

	default:
		return IPCResponse{Error: fmt.Sprintf("unknown command: %q", req.Command)}
	}

	snap := d.store.Snapshot()
	return IPCResponse{State: &snap}
}

// pressKey sends k. A select press is followed by its release.
func (d *daemon) pressKey(k protocol.Key) {
	d.ctl.KeyCommand(k)
	if k == protocol.KeySelectDown {
		time.AfterFunc(selectRelease, func() { d.ctl.KeyCommand(protocol.KeySelectUp) })
	}
}

func parsePointer(args []string) (touch.Pointer, error) {
	if len(args) != 3 {
		return touch.Pointer{}, errors.New("usage: touch <down|move|up|cancel|leave> <x> <y>")
	}
	kind, err := touch.ParseKind(args[0])
	if err != nil {
		return touch.Pointer{}, err
	}
	x, errX := strconv.ParseFloat(args[1], 64)
	y, errY := strconv.ParseFloat(args[2], 64)
	if errX != nil || errY != nil {
		return touch.Pointer{}, fmt.Errorf("invalid coordinates %q, %q", args[1], args[2])
	}
	return touch.Pointer{Kind: kind, X: x, Y: y}, nil
}

func (d *daemon) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	var req IPCRequest
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		resp := IPCResponse{Error: "invalid request: " + err.Error()}
		json.NewEncoder(conn).Encode(resp)
		return
	}

	if req.Command == "watch" {
		d.watch(ctx, conn)
		return
	}
	resp := d.handleRequest(req)
	json.NewEncoder(conn).Encode(resp)
}

// watch streams every state change to conn until the client hangs up or the
// daemon stops.
func (d *daemon) watch(ctx context.Context, conn net.Conn) {
	snaps, cancel := d.store.Subscribe()
	defer cancel()

	hangup := make(chan struct{})
	go func() {
		io.Copy(io.Discard, conn)
		close(hangup)
	}()

	enc := json.NewEncoder(conn)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hangup:
			return
		case snap, ok := <-snaps:
			if !ok {
				return
			}
			if err := enc.Encode(IPCResponse{State: &snap}); err != nil {
				slog.Debug("daemon: watch client gone", "error", err)
				return
			}
		}
	}
}

func (d *daemon) serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				// Listener closed by shutdown.
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go d.handleConn(ctx, conn)
	}
}

// watchShutdown tears the session down when logind announces a shutdown.
func (d *daemon) watchShutdown(ctx context.Context, sigCh chan *dbus.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-sigCh:
			if !ok {
				return
			}
			if preparingShutdown(sig) {
				slog.Info("daemon: system is shutting down, releasing the dongle")
				d.ctl.Disconnect()
			}
		}
	}
}

func runDaemon() error {
	cfg, err := parseEnv()
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.logLevel()})))

	settings, err := loadSettings(cfg.settingsPath())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, "carlinkd", telemetry.Options{
		Endpoint: cfg.OTelEndpoint,
		Enabled:  cfg.OTelEnabled,
	})
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Warn("daemon: flush traces", "error", err)
		}
	}()

	store := state.NewStore()
	orch, err := session.New(session.Options{
		Discovery: usb.NewScanner(),
		Driver:    &protocol.ExecDriver{Path: cfg.DriverPath, Args: cfg.DriverArgs},
		Surfaces: func() (render.Surface, error) {
			return render.OpenFileSurface(cfg.surfacePath())
		},
		Audio:      audio.New(audio.Aplay{Device: cfg.AudioOut}, audio.Arecord{Device: cfg.AudioIn}),
		Store:      store,
		Config:     settings.protocolConfig(),
		RetryDelay: cfg.RetryDelay,
	})
	if err != nil {
		return err
	}

	var power ignition.PowerController
	bus, err := newLogind()
	if err != nil {
		slog.Warn("daemon: logind unavailable, ignition shutdown disabled", "error", err)
		power = noPower{err: err}
	} else {
		defer bus.close()
		power = bus
		if answer, err := bus.canPowerOff(ctx); err != nil || answer != "yes" {
			slog.Warn("daemon: power off may be refused", "answer", answer, "error", err)
		}
	}
	ign := ignition.New(settings.ignitionConfig(), store, power)
	defer ign.Close()

	sock := cfg.socketPath()
	os.Remove(sock) // remove stale socket
	ln, err := net.Listen("unix", sock)
	if err != nil {
		return fmt.Errorf("listen %s: %w", sock, err)
	}
	os.Chmod(sock, 0700)
	defer os.Remove(sock)
	defer ln.Close()

	d := &daemon{store: store, ctl: orch, ign: ign, settings: settings}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return orch.Run(ctx)
	})
	g.Go(func() error {
		mon := &usb.Monitor{IDs: usb.Dongles}
		err := mon.Run(ctx, func(h usb.Hotplug) {
			switch h.Action {
			case usb.Attach:
				orch.HotplugAttach()
			case usb.Detach:
				orch.HotplugDetach()
			}
		})
		if err != nil && ctx.Err() == nil {
			return fmt.Errorf("hotplug monitor: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return d.serve(ctx, ln)
	})
	if bus != nil {
		sigCh, err := bus.subscribeShutdown()
		if err != nil {
			slog.Warn("daemon: cannot watch for shutdown", "error", err)
		} else {
			defer bus.unsubscribe(sigCh)
			g.Go(func() error {
				d.watchShutdown(ctx, sigCh)
				return nil
			})
		}
	}

	slog.Info("daemon: listening", "socket", sock, "settings", cfg.settingsPath(), "surface", cfg.surfacePath())
	err = g.Wait()
	slog.Info("daemon: shutting down")
	return err
}

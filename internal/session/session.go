// Package session is the orchestrator: it discovers the dongle, creates and
// wires the Protocol and Render contexts, routes their events, supervises
// failures and publishes the connection state.
//
// All state lives on one event-loop goroutine (Run). Public methods, discovery
// goroutines, context event forwarders and the retry timer only post closures
// to that loop, so hotplug events and discovery results merge into one state
// machine without lost updates.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mil-ad/carlinkd/internal/channel"
	"github.com/mil-ad/carlinkd/internal/media"
	"github.com/mil-ad/carlinkd/internal/protocol"
	"github.com/mil-ad/carlinkd/internal/render"
	"github.com/mil-ad/carlinkd/internal/retry"
	"github.com/mil-ad/carlinkd/internal/state"
	"github.com/mil-ad/carlinkd/internal/touch"
	"github.com/mil-ad/carlinkd/internal/usb"
)

const (
	defaultPollAttempts = 15
	defaultPollInterval = time.Second
	defaultVideoBuffer  = 8
	defaultMicBuffer    = 16
	opQueue             = 64
)

var errNoDevice = errors.New("session: no authorized device")

// Discovery finds the dongle. Both calls return found == false rather than
// an error when no device matches.
type Discovery interface {
	FindAuthorizedDevice(ctx context.Context) (usb.Device, bool, error)
	RequestDeviceFromUser(ctx context.Context) (usb.Device, bool, error)
}

// SurfaceFactory opens the drawable surface for a new Render Context.
type SurfaceFactory func() (render.Surface, error)

// Audio is the audio subsystem as the orchestrator drives it. It is only
// called from the event loop.
type Audio interface {
	Attach(mic *channel.Port[media.MicChunk])
	Reset()
	RequestBuffer(stream protocol.AudioStream)
	Process(p protocol.AudioPayload)
	StartRecording()
	StopRecording()
}

// Options configures an Orchestrator. Discovery, Driver, Surfaces, Audio and
// Store are required.
type Options struct {
	Discovery Discovery
	Driver    protocol.Driver
	Surfaces  SurfaceFactory
	Audio     Audio
	Store     *state.Store
	Config    protocol.Config

	RetryDelay   time.Duration // defaults to retry.DefaultDelay
	PollAttempts int           // post-pairing discovery attempts, defaults to 15
	PollInterval time.Duration // defaults to 1s
	VideoBuffer  int
	MicBuffer    int
}

// Orchestrator owns the connection state and the per-session contexts.
type Orchestrator struct {
	discovery Discovery
	driver    protocol.Driver
	surfaces  SurfaceFactory
	audio     Audio
	store     *state.Store
	conn      *state.ConnectionWriter
	tracer    trace.Tracer

	pollAttempts int
	pollInterval time.Duration
	videoBuffer  int
	micBuffer    int

	ops  chan func()
	done chan struct{}

	// owned by the event loop
	ctx         context.Context
	cfg         protocol.Config
	state       state.Connection
	gen         uint64
	discoCtx    context.Context
	discoCancel context.CancelFunc
	sess        *active
	failedID    string
	retry       *retry.Supervisor
	touch       *touch.Forwarder
}

// active is the running session: one Protocol and one Render context plus
// the channels between them.
type active struct {
	id         string
	device     usb.Device
	proto      *protocol.Context
	render     *render.Context
	frameShown bool
}

// New returns an orchestrator and claims the store's connection writer.
func New(opts Options) (*Orchestrator, error) {
	if opts.Discovery == nil || opts.Driver == nil || opts.Surfaces == nil || opts.Audio == nil || opts.Store == nil {
		return nil, errors.New("session: discovery, driver, surfaces, audio and store are required")
	}
	conn, err := opts.Store.ClaimConnection()
	if err != nil {
		return nil, fmt.Errorf("claim connection state: %w", err)
	}

	o := &Orchestrator{
		discovery:    opts.Discovery,
		driver:       opts.Driver,
		surfaces:     opts.Surfaces,
		audio:        opts.Audio,
		store:        opts.Store,
		conn:         conn,
		tracer:       otel.Tracer("github.com/mil-ad/carlinkd/internal/session"),
		pollAttempts: opts.PollAttempts,
		pollInterval: opts.PollInterval,
		videoBuffer:  opts.VideoBuffer,
		micBuffer:    opts.MicBuffer,
		ops:          make(chan func(), opQueue),
		done:         make(chan struct{}),
		cfg:          opts.Config,
	}
	if o.pollAttempts <= 0 {
		o.pollAttempts = defaultPollAttempts
	}
	if o.pollInterval <= 0 {
		o.pollInterval = defaultPollInterval
	}
	if o.videoBuffer <= 0 {
		o.videoBuffer = defaultVideoBuffer
	}
	if o.micBuffer <= 0 {
		o.micBuffer = defaultMicBuffer
	}
	o.retry = retry.New(opts.RetryDelay, func() { o.post(o.reload) })
	o.touch = touch.NewForwarder(o.cfg.Width, o.cfg.Height, o.control)
	return o, nil
}

// Run is the event loop. It polls for an already authorized dongle, then
// serves posted operations until ctx is done, when it tears the session down
// and cancels every timer.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer close(o.done)
	o.ctx = ctx
	o.newEpoch()
	defer func() { o.discoCancel() }()
	defer o.retry.Cancel()
	defer o.teardown("shutdown")

	o.discover(o.pollAttempts)

	for {
		select {
		case <-ctx.Done():
			return nil
		case op := <-o.ops:
			op()
		}
	}
}

// RequestPairing asks the user to authorize the dongle. It is a no-op while a
// pairing is in flight.
func (o *Orchestrator) RequestPairing() {
	o.post(o.requestPairing)
}

// HotplugAttach reports that a dongle appeared on the bus.
func (o *Orchestrator) HotplugAttach() {
	o.post(o.hotplugAttach)
}

// HotplugDetach reports that a dongle disappeared from the bus.
func (o *Orchestrator) HotplugDetach() {
	o.post(o.hotplugDetach)
}

// ForwardUserGesture records an explicit local user gesture.
func (o *Orchestrator) ForwardUserGesture() {
	o.post(func() {
		o.state.UserActivated = true
		o.publish()
	})
}

// Resize sets new stream dimensions for touch translation and the next
// session, and tells the running session the surface changed.
func (o *Orchestrator) Resize(width, height int) {
	o.post(func() {
		o.cfg.Width, o.cfg.Height = width, height
		o.touch.Resize(width, height)
		o.control(protocol.Frame{})
	})
}

// KeyCommand forwards a key press to the running session.
func (o *Orchestrator) KeyCommand(k protocol.Key) {
	o.post(func() { o.control(protocol.KeyCommand{Key: k}) })
}

// Touch forwards a local pointer event to the running session.
func (o *Orchestrator) Touch(p touch.Pointer) {
	o.post(func() { o.touch.Forward(p) })
}

// Disconnect tears the running session down as if the dongle had been
// removed, e.g. before the system powers off.
func (o *Orchestrator) Disconnect() {
	o.post(func() {
		o.newEpoch()
		o.teardown("disconnect")
		o.reset()
	})
}

// post queues op for the event loop. It reports false once the loop has
// exited.
func (o *Orchestrator) post(op func()) bool {
	select {
	case o.ops <- op:
		return true
	case <-o.done:
		return false
	}
}

// newEpoch invalidates every discovery still in flight.
func (o *Orchestrator) newEpoch() {
	if o.discoCancel != nil {
		o.discoCancel()
	}
	o.gen++
	o.discoCtx, o.discoCancel = context.WithCancel(o.ctx)
}

// publish enforces streaming => protocolReady => dongleAttached and hands a
// copy of the connection state to readers.
func (o *Orchestrator) publish() {
	if !o.state.DongleAttached {
		o.state.ProtocolReady = false
	}
	if !o.state.ProtocolReady {
		o.state.Streaming = false
	}
	if o.store.Snapshot().Connection == o.state {
		return
	}
	o.conn.Publish(o.state)
}

// reset returns the connection state to Idle.
func (o *Orchestrator) reset() {
	o.state = state.Connection{}
	o.publish()
}

func (o *Orchestrator) currentID() string {
	if o.sess == nil {
		return ""
	}
	return o.sess.id
}

// control sends msg to the running session, if any.
func (o *Orchestrator) control(msg protocol.Message) bool {
	if o.sess == nil {
		return false
	}
	return o.sess.proto.Post(msg)
}

func (o *Orchestrator) requestPairing() {
	if o.state.PairRequested {
		slog.Debug("session: pairing already in flight")
		return
	}
	o.state.PairRequested = true
	o.publish()

	ctx := o.discoCtx
	go func() {
		ctx, span := o.tracer.Start(ctx, "session.pair")
		defer span.End()
		dev, found, err := o.discovery.RequestDeviceFromUser(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		o.post(func() { o.pairResult(dev, found, err) })
	}()
}

func (o *Orchestrator) pairResult(dev usb.Device, found bool, err error) {
	o.state.PairRequested = false
	if err != nil || !found {
		if err != nil {
			slog.Warn("session: pairing failed", "error", err)
		} else {
			slog.Info("session: pairing cancelled")
		}
		o.publish()
		return
	}
	slog.Info("session: dongle paired", "device", dev.String())
	o.state.DongleAttached = true
	o.publish()
	o.discover(o.pollAttempts)
}

func (o *Orchestrator) hotplugAttach() {
	slog.Info("session: dongle attached")
	o.newEpoch()
	o.state.DongleAttached = true
	o.state.PairRequested = true
	o.publish()
	o.discover(1)
}

// hotplugDetach only resets once no authorized dongle is left: detach events
// also arrive while the dongle renegotiates. Discoveries in flight keep
// running until the detach is confirmed.
func (o *Orchestrator) hotplugDetach() {
	gen, ctx := o.gen, o.discoCtx
	go func() {
		_, found, err := o.discovery.FindAuthorizedDevice(ctx)
		if err != nil {
			slog.Debug("session: detach query failed", "error", err)
			found = false
		}
		o.post(func() { o.detachResult(gen, found) })
	}()
}

func (o *Orchestrator) detachResult(gen uint64, found bool) {
	if gen != o.gen {
		slog.Debug("session: stale detach result dropped")
		return
	}
	if found {
		slog.Debug("session: detach ignored, dongle still present")
		return
	}
	slog.Info("session: dongle detached")
	o.newEpoch()
	o.teardown("detach")
	o.reset()
}

// discover looks for an authorized dongle up to attempts times, pollInterval
// apart. Its result is dropped if the epoch changed meanwhile.
func (o *Orchestrator) discover(attempts int) {
	gen, ctx := o.gen, o.discoCtx
	go func() {
		ctx, span := o.tracer.Start(ctx, "session.discover", trace.WithAttributes(attribute.Int("attempts", attempts)))
		defer span.End()
		dev, err := poll(ctx, o.discovery, attempts, o.pollInterval)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		o.post(func() { o.discoveryResult(gen, dev, err) })
	}()
}

func (o *Orchestrator) discoveryResult(gen uint64, dev usb.Device, err error) {
	if gen != o.gen {
		slog.Debug("session: stale discovery result dropped")
		return
	}
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			slog.Debug("session: no device found, giving up", "error", err)
		}
		o.state.PhoneAttached = false
		o.publish()
		return
	}
	o.deviceFound(dev)
}

func (o *Orchestrator) deviceFound(dev usb.Device) {
	slog.Info("session: device found", "device", dev.String())
	o.state.DongleAttached = true
	o.state.PhoneAttached = true
	o.publish()

	if o.sess != nil {
		o.sess.device = dev
		o.sess.proto.Post(protocol.Start{Device: dev, Config: o.cfg})
		return
	}
	if err := o.startSession(dev); err != nil {
		slog.Error("session: start failed", "device", dev.String(), "error", err)
		if o.retry.Fail() {
			o.failedID = ""
		}
	}
}

// startSession creates fresh channels and contexts for dev. The render side
// gets the near video end with the surface, the protocol side gets both far
// ends in its single Initialise, and the audio subsystem keeps the near
// microphone end.
func (o *Orchestrator) startSession(dev usb.Device) (err error) {
	id := uuid.NewString()
	ctx, span := o.tracer.Start(o.ctx, "session.start", trace.WithAttributes(
		attribute.String("session.id", id),
		attribute.String("device", dev.String()),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	surface, err := o.surfaces()
	if err != nil {
		return fmt.Errorf("open surface: %w", err)
	}

	video := channel.NewPair[media.VideoFrame]("video", o.videoBuffer)
	mic := channel.NewPair[media.MicChunk]("mic", o.micBuffer)
	videoNear, err := video.Near.Transfer()
	if err != nil {
		surface.Close()
		return err
	}
	videoFar, err := video.Far.Transfer()
	if err != nil {
		surface.Close()
		videoNear.Close()
		return err
	}
	micNear, err := mic.Near.Transfer()
	if err != nil {
		surface.Close()
		videoNear.Close()
		return err
	}
	micFar, err := mic.Far.Transfer()
	if err != nil {
		surface.Close()
		videoNear.Close()
		micNear.Close()
		return err
	}

	short := id[:8]
	rc, err := render.Spawn(ctx, "render-"+short, render.Init{Surface: surface, Video: videoNear})
	if err != nil {
		surface.Close()
		videoNear.Close()
		micNear.Close()
		return fmt.Errorf("spawn render context: %w", err)
	}
	pc := protocol.Spawn(ctx, "protocol-"+short, o.driver)
	pc.Post(protocol.Initialise{Video: videoFar, Microphone: micFar})
	o.audio.Attach(micNear)

	o.sess = &active{id: id, device: dev, proto: pc, render: rc}
	// a reload armed by an earlier failed start is superseded
	o.retry.Cancel()
	go o.forwardProtocol(id, pc)
	go o.forwardRender(id, rc)

	pc.Post(protocol.Start{Device: dev, Config: o.cfg})
	slog.Info("session: started", "session", id, "device", dev.String(),
		"width", o.cfg.Width, "height", o.cfg.Height, "fps", o.cfg.FPS)
	return nil
}

// teardown terminates the running session. Messages still queued for its
// contexts are dropped, and a reload armed for it is cancelled.
func (o *Orchestrator) teardown(reason string) {
	o.retry.Cancel()
	s := o.sess
	if s == nil {
		return
	}
	o.sess = nil
	_, span := o.tracer.Start(o.ctx, "session.teardown", trace.WithAttributes(
		attribute.String("session.id", s.id),
		attribute.String("reason", reason),
	))
	defer span.End()

	s.proto.Terminate()
	s.render.Terminate()
	o.audio.Reset()
	slog.Info("session: torn down", "session", s.id, "reason", reason)
}

// reload is the failure recovery: a full reinitialization of the session
// that failed.
func (o *Orchestrator) reload() {
	if o.failedID != o.currentID() {
		slog.Debug("session: reload for a replaced session dropped")
		return
	}
	slog.Warn("session: reloading", "session", o.failedID)
	o.failedID = ""
	o.teardown("reload")
	o.newEpoch()
	o.state.ProtocolReady = false
	o.cascade()
	o.publish()
	o.discover(1)
}

// cascade clears what cannot outlive the protocol handshake.
func (o *Orchestrator) cascade() {
	o.state.PhoneAttached = false
	o.state.UserActivated = false
	o.state.Streaming = false
}

func (o *Orchestrator) forwardProtocol(id string, pc *protocol.Context) {
	for ev := range pc.Events() {
		if !o.post(func() { o.protocolEvent(id, ev) }) {
			return
		}
	}
}

func (o *Orchestrator) forwardRender(id string, rc *render.Context) {
	for ev := range rc.Events() {
		if !o.post(func() { o.renderEvent(id, ev) }) {
			return
		}
	}
}

func (o *Orchestrator) protocolEvent(id string, ev protocol.Event) {
	if id != o.currentID() {
		slog.Debug("session: event from a torn down session dropped", "session", id)
		return
	}
	ev.Accept(protocolEvents{o: o, id: id})
}

func (o *Orchestrator) renderEvent(id string, ev render.Event) {
	if id != o.currentID() {
		slog.Debug("session: render event from a torn down session dropped", "session", id)
		return
	}
	ev.Accept(renderEvents{o: o})
}

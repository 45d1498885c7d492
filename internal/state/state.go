// Package state holds the application state shared between the session
// orchestrator and its readers (IPC clients, the dashboard UI).
//
// The connection section has exactly one writer, obtained once through
// Store.ClaimConnection. Readers only ever see copies.
package state

import (
	"errors"
	"sync"
)

// ErrConnectionClaimed is returned when a second writer asks for the
// connection section.
var ErrConnectionClaimed = errors.New("state: connection writer already claimed")

// Connection is the phone-mirroring connection state.
type Connection struct {
	DongleAttached bool `json:"dongle"` // accessory present and USB-authorized
	PhoneAttached  bool `json:"phone"`  // remote device detected over the accessory
	ProtocolReady  bool `json:"worker"` // protocol handshake completed ("plugged")
	Streaming      bool `json:"stream"` // first frame displayed
	UserActivated  bool `json:"user"`   // explicit local gesture seen
	PairRequested  bool `json:"paired"` // pairing attempt in flight
}

// Valid reports whether streaming implies protocolReady implies dongleAttached.
func (c Connection) Valid() bool {
	if c.Streaming && !c.ProtocolReady {
		return false
	}
	if c.ProtocolReady && !c.DongleAttached {
		return false
	}
	return true
}

// Interface holds visibility toggles driven by protocol commands.
type Interface struct {
	NavBar  bool `json:"navBar"`
	Content bool `json:"content"`
}

// Modal is the user-facing prompt (the ignition shutdown warning).
type Modal struct {
	Visible bool   `json:"visible"`
	Title   string `json:"title,omitempty"`
	Body    string `json:"body,omitempty"`
	Button  string `json:"button,omitempty"`
}

// Snapshot is an immutable copy of the whole shared state. Seq increases on
// every publish.
type Snapshot struct {
	Seq        uint64     `json:"seq"`
	Connection Connection `json:"carplay"`
	Interface  Interface  `json:"interface"`
	Modal      Modal      `json:"modal"`
}

// Store publishes snapshots to any number of subscribers. Subscribers get the
// latest snapshot only: an unread one is overwritten by the next publish.
type Store struct {
	mu      sync.RWMutex
	snap    Snapshot
	subs    map[int]chan Snapshot
	nextSub int
	claimed bool
}

// NewStore returns a store with the UI defaults (nav bar and content shown).
func NewStore() *Store {
	return &Store{
		snap: Snapshot{Interface: Interface{NavBar: true, Content: true}},
		subs: make(map[int]chan Snapshot),
	}
}

// Snapshot returns the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Subscribe returns a channel receiving the current snapshot immediately and
// every later one, and a cancel func that closes it.
func (s *Store) Subscribe() (<-chan Snapshot, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan Snapshot, 1)
	ch <- s.snap
	s.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(ch)
		})
	}
}

// ClaimConnection hands out the single connection writer.
func (s *Store) ClaimConnection() (*ConnectionWriter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimed {
		return nil, ErrConnectionClaimed
	}
	s.claimed = true
	return &ConnectionWriter{store: s}, nil
}

// ShowNavBar sets the nav bar visibility.
func (s *Store) ShowNavBar(visible bool) {
	s.update(func(snap *Snapshot) { snap.Interface.NavBar = visible })
}

// ShowContent sets the content overlay visibility.
func (s *Store) ShowContent(visible bool) {
	s.update(func(snap *Snapshot) { snap.Interface.Content = visible })
}

// SetModal replaces the modal.
func (s *Store) SetModal(m Modal) {
	s.update(func(snap *Snapshot) { snap.Modal = m })
}

// HideModal hides the modal, keeping its last text.
func (s *Store) HideModal() {
	s.update(func(snap *Snapshot) { snap.Modal.Visible = false })
}

func (s *Store) update(fn func(*Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.snap)
	s.snap.Seq++
	for _, ch := range s.subs {
		// drop the unread snapshot, keep the newest
		select {
		case <-ch:
		default:
		}
		ch <- s.snap
	}
}

// ConnectionWriter is the only way to change the connection section.
type ConnectionWriter struct {
	store *Store
}

// Publish replaces the connection section with c.
func (w *ConnectionWriter) Publish(c Connection) {
	w.store.update(func(snap *Snapshot) { snap.Connection = c })
}

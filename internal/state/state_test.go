package state

import "testing"

func TestClaimConnectionOnce(t *testing.T) {
	s := NewStore()
	if _, err := s.ClaimConnection(); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if _, err := s.ClaimConnection(); err != ErrConnectionClaimed {
		t.Fatalf("second claim err = %v, want %v", err, ErrConnectionClaimed)
	}
}

func TestPublishReachesSubscriber(t *testing.T) {
	s := NewStore()
	w, err := s.ClaimConnection()
	if err != nil {
		t.Fatal(err)
	}
	ch, cancel := s.Subscribe()
	defer cancel()

	initial := <-ch
	if initial.Connection.DongleAttached {
		t.Fatalf("initial snapshot has dongle attached")
	}

	w.Publish(Connection{DongleAttached: true})
	w.Publish(Connection{DongleAttached: true, PhoneAttached: true})

	// only the newest snapshot is kept for a slow reader
	got := <-ch
	if !got.Connection.PhoneAttached {
		t.Fatalf("subscriber got %+v, want newest snapshot", got.Connection)
	}
	if got.Seq != 2 {
		t.Fatalf("seq = %d, want 2", got.Seq)
	}
	select {
	case extra := <-ch:
		t.Fatalf("unexpected extra snapshot %+v", extra)
	default:
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	s := NewStore()
	snap := s.Snapshot()
	snap.Interface.NavBar = false
	if !s.Snapshot().Interface.NavBar {
		t.Fatalf("mutating a snapshot changed the store")
	}
}

func TestCancelClosesSubscription(t *testing.T) {
	s := NewStore()
	ch, cancel := s.Subscribe()
	<-ch
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatalf("channel still open after cancel")
	}
	s.ShowNavBar(false) // must not panic on a closed subscriber
}

func TestConnectionValid(t *testing.T) {
	tests := []struct {
		name string
		c    Connection
		want bool
	}{
		{"idle", Connection{}, true},
		{"streaming", Connection{DongleAttached: true, ProtocolReady: true, Streaming: true}, true},
		{"stream without protocol", Connection{DongleAttached: true, Streaming: true}, false},
		{"protocol without dongle", Connection{ProtocolReady: true}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.c.Valid(); got != tt.want {
				t.Fatalf("Valid() = %v, want %v", got, tt.want)
			}
		})
	}
}

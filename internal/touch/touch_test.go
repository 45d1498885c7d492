package touch

import (
	"testing"

	"github.com/mil-ad/carlinkd/internal/protocol"
)

func TestTranslate(t *testing.T) {
	tests := []struct {
		name string
		p    Pointer
		want protocol.Touch
	}{
		{"down center", Pointer{Kind: Down, X: 400, Y: 230}, protocol.Touch{X: 0.5, Y: 0.5, Action: protocol.TouchDown}},
		{"move", Pointer{Kind: Move, X: 0, Y: 460}, protocol.Touch{X: 0, Y: 1, Action: protocol.TouchMove}},
		{"up", Pointer{Kind: Up, X: 200, Y: 115}, protocol.Touch{X: 0.25, Y: 0.25, Action: protocol.TouchUp}},
		{"cancel is up", Pointer{Kind: Cancel, X: 800, Y: 0}, protocol.Touch{X: 1, Y: 0, Action: protocol.TouchUp}},
		{"leave is up and clamped", Pointer{Kind: Leave, X: 900, Y: -10}, protocol.Touch{X: 1, Y: 0, Action: protocol.TouchUp}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Translate(tt.p, 800, 460)
			if !ok {
				t.Fatalf("Translate rejected %+v", tt.p)
			}
			if got != tt.want {
				t.Fatalf("Translate = %+v, want %+v", got, tt.want)
			}
		})
	}

	if _, ok := Translate(Pointer{Kind: Down}, 0, 460); ok {
		t.Fatalf("Translate accepted a zero-width stream")
	}
}

func TestForwarderUsesCurrentSize(t *testing.T) {
	var sent []protocol.Message
	f := NewForwarder(800, 460, func(m protocol.Message) bool {
		sent = append(sent, m)
		return true
	})

	f.Forward(Pointer{Kind: Down, X: 400, Y: 230})
	f.Resize(1600, 920)
	f.Forward(Pointer{Kind: Move, X: 400, Y: 230})

	if len(sent) != 2 {
		t.Fatalf("sent %d messages", len(sent))
	}
	if got := sent[1].(protocol.Touch); got.X != 0.25 || got.Y != 0.25 {
		t.Fatalf("after resize got %+v", got)
	}
}

func TestParseKind(t *testing.T) {
	for s, want := range map[string]Kind{"down": Down, "move": Move, "up": Up, "cancel": Cancel, "leave": Leave} {
		if got, err := ParseKind(s); err != nil || got != want {
			t.Fatalf("ParseKind(%q) = %v, %v", s, got, err)
		}
	}
	if _, err := ParseKind("hover"); err == nil {
		t.Fatalf("ParseKind accepted hover")
	}
}

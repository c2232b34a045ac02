package chatkit

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func TestTypingUpsertAndStop(t *testing.T) {
	a := NewTypingAggregator(TypingConfig{Logger: testLogger()})

	a.HandleEvent(typingPayload{ConversationID: 1, UserID: 2, DisplayName: "Ana", Typing: true})
	a.HandleEvent(typingPayload{ConversationID: 1, UserID: 3, DisplayName: "Bo", Typing: true})

	snap := a.Snapshot(1)
	if len(snap) != 2 {
		t.Fatalf("len = %d, want 2", len(snap))
	}
	if snap[0].UserID != 2 || snap[1].UserID != 3 {
		t.Fatalf("snapshot order = %+v", snap)
	}

	a.HandleEvent(typingPayload{ConversationID: 1, UserID: 2, Typing: false})
	snap = a.Snapshot(1)
	if len(snap) != 1 || snap[0].UserID != 3 {
		t.Fatalf("after stop = %+v", snap)
	}
}

func TestTypingEntriesExpireWithoutStop(t *testing.T) {
	clk := clock.NewMock()
	a := NewTypingAggregator(TypingConfig{Clock: clk, Logger: testLogger()})

	a.HandleEvent(typingPayload{ConversationID: 1, UserID: 2, Typing: true})
	clk.Add(3 * time.Second)
	if got := len(a.Snapshot(1)); got != 1 {
		t.Fatalf("len before expiry = %d, want 1", got)
	}

	// A repeat event refreshes the deadline.
	a.HandleEvent(typingPayload{ConversationID: 1, UserID: 2, Typing: true})
	clk.Add(3 * time.Second)
	if got := len(a.Snapshot(1)); got != 1 {
		t.Fatalf("len after refresh = %d, want 1", got)
	}

	clk.Add(3 * time.Second)
	if got := len(a.Snapshot(1)); got != 0 {
		t.Fatalf("len after expiry = %d, want 0", got)
	}
}

func TestTypingObserveDeliversSnapshotFirst(t *testing.T) {
	a := NewTypingAggregator(TypingConfig{Logger: testLogger()})
	a.HandleEvent(typingPayload{ConversationID: 1, UserID: 2, Typing: true})

	ch, cancel := a.Observe(1)
	defer cancel()

	select {
	case snap := <-ch:
		if len(snap) != 1 || snap[0].UserID != 2 {
			t.Fatalf("initial snapshot = %+v", snap)
		}
	default:
		t.Fatal("no immediate snapshot")
	}
}

// ============================================================================
// Emitter
// ============================================================================

func decodeTypingFrame(t *testing.T, f Frame) typingPayload {
	t.Helper()
	if f.Kind != FrameSend || f.Destination != DestTyping {
		t.Fatalf("frame = %+v, want typing publish", f)
	}
	var p typingPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	return p
}

func TestEmitterDebouncesKeystrokes(t *testing.T) {
	m, ft := newConnectedManager(t)
	defer m.Close()
	r := NewRouter(m, testLogger())
	clk := clock.NewMock()
	e := NewTypingEmitter(r, clk, testLogger(), Participant{UserID: 1, DisplayName: "Me"}, 0)

	e.Keystroke(context.Background(), 1)
	p := decodeTypingFrame(t, nextWrite(t, ft))
	if !p.Typing || p.UserID != 1 {
		t.Fatalf("first frame = %+v", p)
	}

	// Continued typing: no additional start frames.
	e.Keystroke(context.Background(), 1)
	e.Keystroke(context.Background(), 1)
	select {
	case data := <-ft.writes:
		t.Fatalf("extra frame during continuous typing: %s", data)
	case <-time.After(50 * time.Millisecond):
	}

	// Pause expiry publishes exactly one stop.
	clk.Add(time.Second)
	p = decodeTypingFrame(t, nextWrite(t, ft))
	if p.Typing {
		t.Fatalf("expected stop frame, got %+v", p)
	}
}

func TestEmitterStopOnSend(t *testing.T) {
	m, ft := newConnectedManager(t)
	defer m.Close()
	r := NewRouter(m, testLogger())
	clk := clock.NewMock()
	e := NewTypingEmitter(r, clk, testLogger(), Participant{UserID: 1}, 0)

	e.Keystroke(context.Background(), 1)
	nextWrite(t, ft) // start frame

	e.Stop(context.Background(), 1)
	p := decodeTypingFrame(t, nextWrite(t, ft))
	if p.Typing {
		t.Fatalf("expected stop frame, got %+v", p)
	}

	// No second stop owed.
	e.Stop(context.Background(), 1)
	clk.Add(time.Second)
	select {
	case data := <-ft.writes:
		t.Fatalf("redundant frame: %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

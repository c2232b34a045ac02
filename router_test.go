package chatkit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func frameJSON(t *testing.T, f Frame) []byte {
	t.Helper()
	data, err := json.Marshal(f)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	return data
}

func TestRouterDispatchesToTopicHandlers(t *testing.T) {
	m, _ := newConnectedManager(t)
	defer m.Close()
	r := NewRouter(m, testLogger())

	got := make(chan Frame, 1)
	sub := r.Subscribe("/conversations/1/messages", func(f Frame) { got <- f })
	defer sub.Unsubscribe()

	r.route(frameJSON(t, Frame{
		Kind:    FrameMessage,
		Topic:   "/conversations/1/messages",
		Payload: json.RawMessage(`{"id":10}`),
	}))

	select {
	case f := <-got:
		if f.Kind != FrameMessage {
			t.Fatalf("kind = %s", f.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("handler never invoked")
	}
}

func TestRouterDropsMalformedFrames(t *testing.T) {
	m, _ := newConnectedManager(t)
	defer m.Close()
	r := NewRouter(m, testLogger())

	got := make(chan Frame, 1)
	sub := r.Subscribe("/t", func(f Frame) { got <- f })
	defer sub.Unsubscribe()

	r.route([]byte(`{not json`))
	r.route(frameJSON(t, Frame{Kind: FrameMessage})) // no topic
	r.route(frameJSON(t, Frame{Kind: FrameMessage, Topic: "/other"}))

	select {
	case f := <-got:
		t.Fatalf("handler invoked with %+v", f)
	default:
	}
}

func TestRouterRefcountsTopicRegistrations(t *testing.T) {
	m, ft := newConnectedManager(t)
	defer m.Close()
	r := NewRouter(m, testLogger())

	sub1 := r.Subscribe("/t", func(Frame) {})
	f := nextWrite(t, ft)
	if f.Kind != FrameSubscribe || f.Topic != "/t" {
		t.Fatalf("first subscription wrote %+v", f)
	}

	// Second handler on the same topic: no duplicate registration.
	sub2 := r.Subscribe("/t", func(Frame) {})
	select {
	case data := <-ft.writes:
		t.Fatalf("duplicate registration frame written: %s", data)
	case <-time.After(50 * time.Millisecond):
	}

	// First unsubscribe keeps the registration alive.
	sub1.Unsubscribe()
	select {
	case data := <-ft.writes:
		t.Fatalf("premature unsubscribe frame written: %s", data)
	case <-time.After(50 * time.Millisecond):
	}

	// Last unsubscribe tears it down.
	sub2.Unsubscribe()
	f = nextWrite(t, ft)
	if f.Kind != FrameUnsubscribe || f.Topic != "/t" {
		t.Fatalf("teardown wrote %+v", f)
	}

	// Unsubscribe is idempotent.
	sub2.Unsubscribe()
	select {
	case data := <-ft.writes:
		t.Fatalf("repeated unsubscribe wrote: %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRouterResubscribesOnReconnect(t *testing.T) {
	// Subscribe while disconnected; the registration is queued locally and
	// issued once the connection comes up.
	ft := newFakeTransport()
	ft.in <- helloFrame()
	m := NewConnManager(ConnConfig{
		Tokens: StaticToken("tok"),
		Dialer: func(ctx context.Context, url string) (Transport, error) { return ft, nil },
		Logger: testLogger(),
	})
	defer m.Close()
	r := NewRouter(m, testLogger())

	sub := r.Subscribe("/conversations/7/messages", func(Frame) {})
	defer sub.Unsubscribe()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	f := nextWrite(t, ft)
	if f.Kind != FrameSubscribe || f.Topic != "/conversations/7/messages" {
		t.Fatalf("resubscribe wrote %+v", f)
	}
}

func TestRouterPublishFailsFastWhenDisconnected(t *testing.T) {
	m := NewConnManager(ConnConfig{Logger: testLogger()})
	r := NewRouter(m, testLogger())

	err := r.Publish(context.Background(), DestTyping, typingPayload{ConversationID: 1})
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}

func TestRouterPublishWrapsPayload(t *testing.T) {
	m, ft := newConnectedManager(t)
	defer m.Close()
	r := NewRouter(m, testLogger())

	if err := r.Publish(context.Background(), DestMarkRead, readPayload{ConversationID: 3}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	f := nextWrite(t, ft)
	if f.Kind != FrameSend || f.Destination != DestMarkRead {
		t.Fatalf("wrote %+v", f)
	}
	var p readPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil || p.ConversationID != 3 {
		t.Fatalf("payload = %s (err %v)", f.Payload, err)
	}
}

package chatkit

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// ============================================================================
// Test helpers
// ============================================================================

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeTransport is an in-memory Transport driven by channels.
type fakeTransport struct {
	in     chan []byte
	writes chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan []byte, 16),
		writes: make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (t *fakeTransport) ReadMessage(ctx context.Context) ([]byte, error) {
	select {
	case data := <-t.in:
		return data, nil
	case <-t.closed:
		return nil, errors.New("transport closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *fakeTransport) WriteMessage(ctx context.Context, data []byte) error {
	select {
	case <-t.closed:
		return errors.New("transport closed")
	default:
	}
	t.writes <- data
	return nil
}

func (t *fakeTransport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}

func helloFrame() []byte {
	b, _ := json.Marshal(Frame{Kind: FrameConnected})
	return b
}

// nextWrite decodes the next frame written to the transport, failing the test
// on timeout.
func nextWrite(t *testing.T, ft *fakeTransport) Frame {
	t.Helper()
	select {
	case data := <-ft.writes:
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			t.Fatalf("undecodable frame written: %v", err)
		}
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a written frame")
		return Frame{}
	}
}

// newConnectedManager dials a fake transport through the full handshake.
func newConnectedManager(t *testing.T) (*ConnManager, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport()
	ft.in <- helloFrame()
	m := NewConnManager(ConnConfig{
		URL:    "ws://gateway.test/ws",
		Tokens: StaticToken("tok"),
		Dialer: func(ctx context.Context, url string) (Transport, error) { return ft, nil },
		Logger: testLogger(),
	})
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := m.State(); got != StateConnected {
		t.Fatalf("state = %s, want %s", got, StateConnected)
	}
	return m, ft
}

// ============================================================================
// Backoff
// ============================================================================

func TestBackoffDelayDoublesAndCaps(t *testing.T) {
	b := defaultBackoff()
	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second, // capped
		30 * time.Second,
	}
	for attempt, w := range want {
		if got := b.delay(attempt); got != w {
			t.Errorf("delay(%d) = %v, want %v", attempt, got, w)
		}
	}
}

// ============================================================================
// Connect
// ============================================================================

func TestConnectPerformsHandshake(t *testing.T) {
	m, _ := newConnectedManager(t)
	defer m.Close()

	st := m.Status()
	if st.Attempt != 0 || st.RetryExhausted {
		t.Fatalf("status = %+v, want clean connected status", st)
	}
}

func TestConnectIsIdempotent(t *testing.T) {
	var dials int32
	ft := newFakeTransport()
	ft.in <- helloFrame()
	m := NewConnManager(ConnConfig{
		Tokens: StaticToken("tok"),
		Dialer: func(ctx context.Context, url string) (Transport, error) {
			atomic.AddInt32(&dials, 1)
			return ft, nil
		},
		Logger: testLogger(),
	})
	defer m.Close()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	if got := atomic.LoadInt32(&dials); got != 1 {
		t.Fatalf("dials = %d, want 1", got)
	}
}

func TestConnectRejectsBadHandshake(t *testing.T) {
	ft := newFakeTransport()
	ft.in <- []byte(`{"kind":"message"}`)
	m := NewConnManager(ConnConfig{
		Tokens:      StaticToken("tok"),
		Dialer:      func(ctx context.Context, url string) (Transport, error) { return ft, nil },
		Logger:      testLogger(),
		MaxAttempts: 1,
		BaseDelay:   time.Millisecond,
	})
	defer m.Close()

	if err := m.Connect(context.Background()); err == nil {
		t.Fatal("Connect succeeded on a non-connected first frame")
	}
}

func TestConnectAppendsToken(t *testing.T) {
	var dialed string
	ft := newFakeTransport()
	ft.in <- helloFrame()
	m := NewConnManager(ConnConfig{
		URL:    "ws://gateway.test/ws",
		Tokens: StaticToken("secret"),
		Dialer: func(ctx context.Context, url string) (Transport, error) {
			dialed = url
			return ft, nil
		},
		Logger: testLogger(),
	})
	defer m.Close()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if dialed != "ws://gateway.test/ws?token=secret" {
		t.Fatalf("dialed %q", dialed)
	}
}

// ============================================================================
// Send
// ============================================================================

func TestSendFailsFastWhenDisconnected(t *testing.T) {
	m := NewConnManager(ConnConfig{Logger: testLogger()})
	err := m.Send(context.Background(), Frame{Kind: FramePing})
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}

func TestSendWritesFrame(t *testing.T) {
	m, ft := newConnectedManager(t)
	defer m.Close()

	if err := m.Send(context.Background(), Frame{Kind: FrameSubscribe, Topic: "/t"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	f := nextWrite(t, ft)
	if f.Kind != FrameSubscribe || f.Topic != "/t" {
		t.Fatalf("wrote %+v", f)
	}
}

// ============================================================================
// Reconnect
// ============================================================================

func TestReconnectAfterConnectionLoss(t *testing.T) {
	var dials int32
	transports := []*fakeTransport{newFakeTransport(), newFakeTransport()}
	transports[0].in <- helloFrame()
	transports[1].in <- helloFrame()

	m := NewConnManager(ConnConfig{
		Tokens: StaticToken("tok"),
		Dialer: func(ctx context.Context, url string) (Transport, error) {
			n := atomic.AddInt32(&dials, 1)
			return transports[n-1], nil
		},
		Logger:    testLogger(),
		BaseDelay: time.Millisecond,
	})
	defer m.Close()

	status, cancel := m.WatchStatus()
	defer cancel()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// Sever the first transport; the manager should come back on the second.
	transports[0].Close()

	sawReconnecting := false
	deadline := time.After(2 * time.Second)
	for {
		select {
		case st := <-status:
			if st.State == StateReconnecting {
				sawReconnecting = true
			}
			if st.State == StateConnected && sawReconnecting {
				if got := atomic.LoadInt32(&dials); got != 2 {
					t.Fatalf("dials = %d, want 2", got)
				}
				return
			}
		case <-deadline:
			t.Fatal("never reconnected")
		}
	}
}

func TestReconnectExhaustsBudget(t *testing.T) {
	var dials int32
	m := NewConnManager(ConnConfig{
		Tokens: StaticToken("tok"),
		Dialer: func(ctx context.Context, url string) (Transport, error) {
			atomic.AddInt32(&dials, 1)
			return nil, errors.New("connection refused")
		},
		Logger:      testLogger(),
		BaseDelay:   time.Millisecond,
		MaxDelay:    4 * time.Millisecond,
		MaxAttempts: 3,
	})
	defer m.Close()

	status, cancel := m.WatchStatus()
	defer cancel()

	if err := m.Connect(context.Background()); err == nil {
		t.Fatal("Connect succeeded against a refusing dialer")
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case st := <-status:
			if st.RetryExhausted {
				if st.State != StateDisconnected {
					t.Fatalf("terminal state = %s, want %s", st.State, StateDisconnected)
				}
				if st.Attempt != 3 {
					t.Fatalf("terminal attempt = %d, want 3", st.Attempt)
				}
				// Initial dial plus the three retries.
				if got := atomic.LoadInt32(&dials); got != 4 {
					t.Fatalf("dials = %d, want 4", got)
				}
				return
			}
		case <-deadline:
			t.Fatal("never reached the exhausted status")
		}
	}
}

func TestConnectDuringBackoffCancelsPendingRetry(t *testing.T) {
	var dials int32
	m := NewConnManager(ConnConfig{
		Tokens: StaticToken("tok"),
		Dialer: func(ctx context.Context, url string) (Transport, error) {
			if atomic.AddInt32(&dials, 1) == 1 {
				return nil, errors.New("connection refused")
			}
			ft := newFakeTransport()
			ft.in <- helloFrame()
			return ft, nil
		},
		Logger:    testLogger(),
		BaseDelay: 50 * time.Millisecond,
	})
	defer m.Close()

	status, cancel := m.WatchStatus()
	defer cancel()

	if err := m.Connect(context.Background()); err == nil {
		t.Fatal("Connect succeeded against a refusing dialer")
	}

	deadline := time.After(2 * time.Second)
	for reconnecting := false; !reconnecting; {
		select {
		case st := <-status:
			reconnecting = st.State == StateReconnecting
		case <-deadline:
			t.Fatal("never entered the backoff window")
		}
	}

	// A user-triggered connect while the retry timer is pending must take
	// over the attempt, not run alongside it.
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := m.State(); got != StateConnected {
		t.Fatalf("state = %s, want %s", got, StateConnected)
	}

	// Let the original backoff delay elapse; the superseded timer must not
	// dial a second live transport.
	time.Sleep(150 * time.Millisecond)
	if got := atomic.LoadInt32(&dials); got != 2 {
		t.Fatalf("dials = %d, want 2", got)
	}
	if got := m.State(); got != StateConnected {
		t.Fatalf("state after backoff window = %s, want %s", got, StateConnected)
	}
}

func TestForceReconnectResetsBudget(t *testing.T) {
	var dials int32
	var allow atomic.Bool
	m := NewConnManager(ConnConfig{
		Tokens: StaticToken("tok"),
		Dialer: func(ctx context.Context, url string) (Transport, error) {
			atomic.AddInt32(&dials, 1)
			if !allow.Load() {
				return nil, errors.New("connection refused")
			}
			ft := newFakeTransport()
			ft.in <- helloFrame()
			return ft, nil
		},
		Logger:      testLogger(),
		BaseDelay:   time.Millisecond,
		MaxAttempts: 1,
	})
	defer m.Close()

	status, cancel := m.WatchStatus()
	defer cancel()

	m.Connect(context.Background())

	deadline := time.After(2 * time.Second)
	for exhausted := false; !exhausted; {
		select {
		case st := <-status:
			exhausted = st.RetryExhausted
		case <-deadline:
			t.Fatal("never exhausted")
		}
	}

	allow.Store(true)
	if err := m.ForceReconnect(context.Background()); err != nil {
		t.Fatalf("ForceReconnect: %v", err)
	}
	if got := m.State(); got != StateConnected {
		t.Fatalf("state after forced reconnect = %s", got)
	}
}

func TestDisconnectSuppressesReconnect(t *testing.T) {
	var dials int32
	m := NewConnManager(ConnConfig{
		Tokens: StaticToken("tok"),
		Dialer: func(ctx context.Context, url string) (Transport, error) {
			atomic.AddInt32(&dials, 1)
			ft := newFakeTransport()
			ft.in <- helloFrame()
			return ft, nil
		},
		Logger:    testLogger(),
		BaseDelay: time.Millisecond,
	})

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := m.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if err := m.Disconnect(); err != nil {
		t.Fatalf("second Disconnect: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if got := atomic.LoadInt32(&dials); got != 1 {
		t.Fatalf("dials after intentional disconnect = %d, want 1", got)
	}
	if got := m.State(); got != StateDisconnected {
		t.Fatalf("state = %s, want %s", got, StateDisconnected)
	}
}

func TestWatchStatusDeliversCurrentValueFirst(t *testing.T) {
	m := NewConnManager(ConnConfig{Logger: testLogger()})
	status, cancel := m.WatchStatus()
	defer cancel()
	select {
	case st := <-status:
		if st.State != StateDisconnected {
			t.Fatalf("initial status = %+v", st)
		}
	default:
		t.Fatal("no immediate status value")
	}
}

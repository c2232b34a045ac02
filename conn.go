package chatkit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"nhooyr.io/websocket"
)

// ErrNotConnected is returned by send-side operations while the realtime
// connection is down. Callers own any retry or outbox semantics.
var ErrNotConnected = errors.New("chatkit: not connected")

// ErrRetryExhausted is returned once the reconnect budget is spent.
var ErrRetryExhausted = errors.New("chatkit: reconnect attempts exhausted")

// ============================================================================
// Transport
// ============================================================================

// Transport is the message-oriented connection the ConnManager drives.
// The production implementation wraps a websocket; tests substitute fakes.
type Transport interface {
	ReadMessage(ctx context.Context) ([]byte, error)
	WriteMessage(ctx context.Context, data []byte) error
	Close() error
}

// Dialer establishes a Transport. The ConnManager appends the auth token to
// the URL before dialing.
type Dialer func(ctx context.Context, url string) (Transport, error)

type wsTransport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (t *wsTransport) ReadMessage(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	return data, err
}

func (t *wsTransport) WriteMessage(ctx context.Context, data []byte) error {
	// One writer at a time: heartbeat and publishes race otherwise.
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "client disconnect")
}

// WebsocketDialer is the default production dialer.
func WebsocketDialer(ctx context.Context, url string) (Transport, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return &wsTransport{conn: conn}, nil
}

// ============================================================================
// Backoff
// ============================================================================

type backoffPolicy struct {
	base        time.Duration
	max         time.Duration
	maxAttempts int
}

func defaultBackoff() backoffPolicy {
	return backoffPolicy{base: time.Second, max: 30 * time.Second, maxAttempts: 5}
}

// delay returns the wait before retry number attempt+1 (attempt counts
// completed failures, starting at zero).
func (b backoffPolicy) delay(attempt int) time.Duration {
	d := b.base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= b.max {
			return b.max
		}
	}
	if d > b.max {
		return b.max
	}
	return d
}

// ============================================================================
// ConnManager
// ============================================================================

// ConnManager owns the single persistent realtime connection: connect,
// authenticate, heartbeat, failure detection, and reconnection with
// exponential backoff and a bounded retry budget. It is the only component
// that touches the socket; everything else goes through the Router.
type ConnManager struct {
	url       string
	tokens    TokenProvider
	dialer    Dialer
	clk       clock.Clock
	log       *slog.Logger
	heartbeat time.Duration
	backoff   backoffPolicy

	// onFrame receives every raw inbound frame; decoding is the Router's job.
	onFrame func([]byte)

	mu          sync.Mutex
	status      ConnStatus
	transport   Transport
	cancel      context.CancelFunc
	baseCtx     context.Context
	attempts    int
	intentional bool
	retryTimer  *clock.Timer
	onConnected []func()
	watchers    map[int]chan ConnStatus
	nextWatch   int
	closed      bool
}

// ConnConfig configures a ConnManager. Zero values get sensible defaults.
type ConnConfig struct {
	URL               string
	Tokens            TokenProvider
	Dialer            Dialer
	Clock             clock.Clock
	Logger            *slog.Logger
	HeartbeatInterval time.Duration
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	MaxAttempts       int
}

// NewConnManager creates a connection manager. It does not dial; call Connect.
func NewConnManager(cfg ConnConfig) *ConnManager {
	b := defaultBackoff()
	if cfg.BaseDelay > 0 {
		b.base = cfg.BaseDelay
	}
	if cfg.MaxDelay > 0 {
		b.max = cfg.MaxDelay
	}
	if cfg.MaxAttempts > 0 {
		b.maxAttempts = cfg.MaxAttempts
	}
	m := &ConnManager{
		url:       cfg.URL,
		tokens:    cfg.Tokens,
		dialer:    cfg.Dialer,
		clk:       cfg.Clock,
		log:       cfg.Logger,
		heartbeat: cfg.HeartbeatInterval,
		backoff:   b,
		watchers:  make(map[int]chan ConnStatus),
		status:    ConnStatus{State: StateDisconnected},
		onFrame:   func([]byte) {},
	}
	if m.tokens == nil {
		m.tokens = StaticToken("")
	}
	if m.dialer == nil {
		m.dialer = WebsocketDialer
	}
	if m.clk == nil {
		m.clk = clock.New()
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	if m.heartbeat == 0 {
		m.heartbeat = 25 * time.Second
	}
	return m
}

// OnConnected registers a hook invoked after every successful handshake,
// including reconnects. The Router uses this to re-issue subscriptions.
func (m *ConnManager) OnConnected(h func()) {
	m.mu.Lock()
	m.onConnected = append(m.onConnected, h)
	m.mu.Unlock()
}

// SetFrameSink registers the consumer of raw inbound frames. Must be set
// before Connect.
func (m *ConnManager) SetFrameSink(sink func([]byte)) {
	m.mu.Lock()
	m.onFrame = sink
	m.mu.Unlock()
}

// Status returns the current connection status.
func (m *ConnManager) Status() ConnStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// State returns the current connection state.
func (m *ConnManager) State() ConnState {
	return m.Status().State
}

// WatchStatus registers a status watcher. The current value is delivered
// immediately, then every transition; cancel unregisters.
func (m *ConnManager) WatchStatus() (<-chan ConnStatus, func()) {
	ch := make(chan ConnStatus, 16)
	m.mu.Lock()
	id := m.nextWatch
	m.nextWatch++
	m.watchers[id] = ch
	ch <- m.status
	m.mu.Unlock()
	cancel := func() {
		m.mu.Lock()
		if w, ok := m.watchers[id]; ok {
			delete(m.watchers, id)
			close(w)
		}
		m.mu.Unlock()
	}
	return ch, cancel
}

// setStatusLocked updates status and fans it out. Callers hold mu.
func (m *ConnManager) setStatusLocked(s ConnStatus) {
	m.status = s
	for _, ch := range m.watchers {
		select {
		case ch <- s:
		default:
			// Slow watcher; it will catch up on the next transition.
		}
	}
}

// Connect establishes the transport and authenticates. Idempotent: calling
// it while CONNECTED or CONNECTING is a no-op.
func (m *ConnManager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("chatkit: connection manager closed")
	}
	if m.status.State == StateConnected || m.status.State == StateConnecting {
		m.mu.Unlock()
		return nil
	}
	m.intentional = false
	// A retry may be pending from an earlier failure; this connect supersedes
	// it. Only one dial path may own the transport.
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	m.baseCtx = ctx
	m.setStatusLocked(ConnStatus{State: StateConnecting})
	m.mu.Unlock()

	if err := m.dial(ctx); err != nil {
		return err
	}
	return nil
}

// dial performs one connection attempt: transport dial plus handshake.
// Failures transition to DISCONNECTED and schedule the next retry.
func (m *ConnManager) dial(ctx context.Context) error {
	token, err := m.tokens.Token(ctx)
	if err != nil {
		m.dialFailed(fmt.Errorf("auth token: %w", err))
		return err
	}

	t, err := m.dialer(ctx, m.url+"?token="+token)
	if err != nil {
		m.dialFailed(err)
		return err
	}

	// Handshake: the gateway sends a "connected" frame first.
	data, err := t.ReadMessage(ctx)
	if err != nil {
		t.Close()
		m.dialFailed(fmt.Errorf("handshake read: %w", err))
		return err
	}
	var hello Frame
	if err := json.Unmarshal(data, &hello); err != nil || hello.Kind != FrameConnected {
		t.Close()
		err = fmt.Errorf("handshake: expected %q frame", FrameConnected)
		m.dialFailed(err)
		return err
	}

	connCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.transport = t
	m.cancel = cancel
	m.attempts = 0
	m.setStatusLocked(ConnStatus{State: StateConnected})
	hooks := append([]func(){}, m.onConnected...)
	m.mu.Unlock()

	m.log.Info("realtime connected")
	for _, h := range hooks {
		h()
	}

	go m.readLoop(connCtx, t)
	go m.heartbeatLoop(connCtx, t)
	return nil
}

func (m *ConnManager) dialFailed(err error) {
	m.mu.Lock()
	attempt := m.attempts
	m.setStatusLocked(ConnStatus{State: StateDisconnected, Attempt: attempt})
	m.mu.Unlock()
	m.log.Warn("realtime connect failed", "attempt", attempt, "error", err)
	m.scheduleReconnect()
}

// Disconnect tears down cleanly and cancels pending reconnect timers.
// Safe to call multiple times; used on logout and teardown.
func (m *ConnManager) Disconnect() error {
	m.mu.Lock()
	m.intentional = true
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	t := m.transport
	m.transport = nil
	m.setStatusLocked(ConnStatus{State: StateDisconnected})
	m.mu.Unlock()

	if t != nil {
		return t.Close()
	}
	return nil
}

// Close is Disconnect plus a permanent shutdown of the manager.
func (m *ConnManager) Close() error {
	err := m.Disconnect()
	m.mu.Lock()
	m.closed = true
	for id, ch := range m.watchers {
		delete(m.watchers, id)
		close(ch)
	}
	m.mu.Unlock()
	return err
}

// ForceReconnect resets the attempt counter and restarts the connect
// sequence. Used for explicit user-triggered retry after exhaustion.
func (m *ConnManager) ForceReconnect(ctx context.Context) error {
	m.mu.Lock()
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.transport != nil {
		m.transport.Close()
		m.transport = nil
	}
	m.attempts = 0
	m.intentional = false
	m.baseCtx = ctx
	m.setStatusLocked(ConnStatus{State: StateConnecting})
	m.mu.Unlock()
	return m.dial(ctx)
}

// Send writes one frame. It fails fast with ErrNotConnected rather than
// buffering; outbox semantics belong to callers.
func (m *ConnManager) Send(ctx context.Context, f Frame) error {
	m.mu.Lock()
	t := m.transport
	st := m.status
	m.mu.Unlock()
	if st.State != StateConnected || t == nil {
		if st.RetryExhausted {
			return ErrRetryExhausted
		}
		return ErrNotConnected
	}
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	return t.WriteMessage(ctx, data)
}

func (m *ConnManager) readLoop(ctx context.Context, t Transport) {
	for {
		data, err := t.ReadMessage(ctx)
		if err != nil {
			m.connectionLost(t, err)
			return
		}
		m.mu.Lock()
		sink := m.onFrame
		m.mu.Unlock()
		sink(data)
	}
}

func (m *ConnManager) heartbeatLoop(ctx context.Context, t Transport) {
	ticker := m.clk.Ticker(m.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			data, _ := json.Marshal(Frame{Kind: FramePing})
			if err := t.WriteMessage(ctx, data); err != nil {
				m.log.Warn("heartbeat failed", "error", err)
				m.connectionLost(t, err)
				return
			}
		}
	}
}

// connectionLost handles an unexpected transport failure: emit DISCONNECTED
// and enter the reconnect path, unless the teardown was intentional or
// another loop got here first.
func (m *ConnManager) connectionLost(t Transport, err error) {
	m.mu.Lock()
	if m.intentional || m.transport != t {
		m.mu.Unlock()
		return
	}
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.transport = nil
	m.setStatusLocked(ConnStatus{State: StateDisconnected, Attempt: m.attempts})
	m.mu.Unlock()

	m.log.Warn("realtime connection lost", "error", err)
	t.Close()
	m.scheduleReconnect()
}

// scheduleReconnect arms the backoff timer for the next attempt, or surfaces
// the terminal exhausted status once the budget is spent. No silent infinite
// retry.
func (m *ConnManager) scheduleReconnect() {
	m.mu.Lock()
	if m.intentional || m.closed {
		m.mu.Unlock()
		return
	}
	if s := m.status.State; s == StateConnected || s == StateConnecting {
		m.mu.Unlock()
		return
	}
	if m.attempts >= m.backoff.maxAttempts {
		m.setStatusLocked(ConnStatus{
			State:          StateDisconnected,
			Attempt:        m.attempts,
			RetryExhausted: true,
		})
		m.mu.Unlock()
		m.log.Error("realtime reconnect exhausted", "attempts", m.backoff.maxAttempts)
		return
	}
	delay := m.backoff.delay(m.attempts)
	m.attempts++
	attempt := m.attempts
	m.setStatusLocked(ConnStatus{State: StateReconnecting, Attempt: attempt})
	timer := m.clk.Timer(delay)
	m.retryTimer = timer
	ctx := m.baseCtx
	m.mu.Unlock()

	m.log.Info("realtime reconnect scheduled", "attempt", attempt, "delay", delay)
	go func() {
		<-timer.C
		m.mu.Lock()
		stale := m.intentional || m.closed || m.retryTimer != timer ||
			m.status.State == StateConnected || m.status.State == StateConnecting
		if m.retryTimer == timer {
			m.retryTimer = nil
		}
		m.mu.Unlock()
		if stale {
			return
		}
		// dial schedules the next retry itself on failure.
		m.dial(ctx)
	}()
}

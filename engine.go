package chatkit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Options configures an Engine. REST and CurrentUser are required; the user
// identity always comes from the auth collaborator, never synthesized here.
type Options struct {
	REST        *Client
	CurrentUser Participant

	// RealtimeURL overrides the websocket endpoint derived from the REST
	// base URL.
	RealtimeURL string
	Dialer      Dialer
	Clock       clock.Clock
	Logger      *slog.Logger
	Prefs       PreferenceSource
	Match       MatchFunc

	HeartbeatInterval time.Duration
	ResyncInterval    time.Duration
	TypingExpiry      time.Duration
	TypingPause       time.Duration
}

// Engine composes the realtime components behind one facade for UI
// convenience: connection lifecycle, topic routing, the message store,
// read-state reconciliation, typing aggregation, and notification dispatch.
// Every collaborator is injected; there are no ambient singletons.
type Engine struct {
	rest     *Client
	conn     *ConnManager
	router   *Router
	store    *MessageStore
	reads    *ReadState
	typing   *TypingAggregator
	emitter  *TypingEmitter
	notifier *Notifier
	log      *slog.Logger
	self     Participant

	mu     sync.Mutex
	convs  map[int64]Conversation
	cancel context.CancelFunc

	receiptSub *Subscription
}

// NewEngine wires the components. It fails fast when the current user id is
// missing rather than deriving one.
func NewEngine(opts Options) (*Engine, error) {
	if opts.REST == nil {
		return nil, fmt.Errorf("chatkit: REST client is required")
	}
	if opts.CurrentUser.UserID == 0 {
		return nil, fmt.Errorf("chatkit: current user id is required")
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	url := opts.RealtimeURL
	if url == "" {
		url = opts.REST.RealtimeURL()
	}

	e := &Engine{
		rest:  opts.REST,
		log:   log,
		self:  opts.CurrentUser,
		convs: make(map[int64]Conversation),
	}

	e.conn = NewConnManager(ConnConfig{
		URL:               url,
		Tokens:            opts.REST.Tokens(),
		Dialer:            opts.Dialer,
		Clock:             clk,
		Logger:            log,
		HeartbeatInterval: opts.HeartbeatInterval,
	})
	e.router = NewRouter(e.conn, log)
	e.store = NewMessageStore(StoreConfig{
		REST:   opts.REST,
		Router: e.router,
		Clock:  clk,
		Logger: log,
		Match:  opts.Match,
		Self:   opts.CurrentUser,
	})
	e.reads = NewReadState(ReadStateConfig{
		REST:           opts.REST,
		Router:         e.router,
		Store:          e.store,
		Clock:          clk,
		Logger:         log,
		SelfID:         opts.CurrentUser.UserID,
		ResyncInterval: opts.ResyncInterval,
	})
	e.typing = NewTypingAggregator(TypingConfig{
		Clock:  clk,
		Logger: log,
		Expiry: opts.TypingExpiry,
	})
	e.emitter = NewTypingEmitter(e.router, clk, log, opts.CurrentUser, opts.TypingPause)
	e.notifier = NewNotifier(NotifierConfig{
		Prefs:   opts.Prefs,
		Clock:   clk,
		Logger:  log,
		SelfID:  opts.CurrentUser.UserID,
		Focused: e.reads.Focused,
		ConvType: func(id int64) (ConversationType, bool) {
			e.mu.Lock()
			defer e.mu.Unlock()
			c, ok := e.convs[id]
			return c.Type, ok
		},
	})

	e.store.SetPreviewHook(e.updatePreview)
	return e, nil
}

// Start connects the transport and launches the background loops. The
// connection manager itself is process-scoped; per-conversation resources
// are created by Watch and torn down by the returned handle.
func (e *Engine) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()

	// The current user's receipt topic stays subscribed for the lifetime of
	// the engine: receipts from peers and from our own other sessions.
	e.receiptSub = e.router.Subscribe(TopicUserReceipts(e.self.UserID), e.handleReceiptFrame)

	// Resync unread counts after every successful (re)connect; push frames
	// missed while offline are repaired here.
	e.conn.OnConnected(func() {
		go func() {
			if err := e.reads.Resync(runCtx); err != nil {
				e.log.Warn("unread resync on connect failed", "error", err)
			}
		}()
	})

	e.reads.Start(runCtx)
	e.typing.Start(runCtx)

	// The arrival stream feeds the notifier only; its recency gate filters
	// history backfill. Unread counters are applied in handleMessageFrame,
	// on the read-loop goroutine, so they stay ordered with receipt frames.
	arrivals, cancelArrivals := e.store.Arrivals()
	go func() {
		defer cancelArrivals()
		for {
			select {
			case <-runCtx.Done():
				return
			case msg, ok := <-arrivals:
				if !ok {
					return
				}
				e.notifier.Consider(runCtx, msg)
			}
		}
	}()

	return e.conn.Connect(runCtx)
}

// Close tears the engine down: used on logout.
func (e *Engine) Close() error {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if e.receiptSub != nil {
		e.receiptSub.Unsubscribe()
	}
	e.reads.Stop()
	return e.conn.Close()
}

// ============================================================================
// Conversation list
// ============================================================================

// LoadConversations fetches one page of conversations into the local cache.
func (e *Engine) LoadConversations(ctx context.Context, page, size int) ([]Conversation, error) {
	convs, err := e.rest.ListConversations(ctx, page, size)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	for _, c := range convs {
		e.convs[c.ID] = c
	}
	e.mu.Unlock()
	return convs, nil
}

// Conversations returns the cached list, most recently active first, with
// live unread counts folded in.
func (e *Engine) Conversations() []Conversation {
	counts := e.reads.Counts()
	e.mu.Lock()
	out := make([]Conversation, 0, len(e.convs))
	for _, c := range e.convs {
		c.UnreadCount = counts[c.ID]
		out = append(out, c)
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].LastMessageAt.After(out[j].LastMessageAt) })
	return out
}

func (e *Engine) updatePreview(conversationID int64, preview string, at time.Time) {
	e.mu.Lock()
	if c, ok := e.convs[conversationID]; ok {
		c.LastMessagePreview = preview
		c.LastMessageAt = at
		e.convs[conversationID] = c
	}
	e.mu.Unlock()
}

// ============================================================================
// Watch handles
// ============================================================================

// Watch is the per-UI-surface handle for one conversation. Close cancels
// every subscription and stream the handle owns; leaking one past view
// teardown causes duplicate-delivery bugs and memory growth.
type Watch struct {
	engine         *Engine
	conversationID int64

	// Messages yields the ordered, deduplicated sequence on every change.
	Messages <-chan []Message
	// Typing yields the current set of typing peers on every change.
	Typing <-chan []TypingIndicator

	cancels []func()
	once    sync.Once
}

// Watch opens a live view over one conversation: message and typing streams
// plus the topic subscriptions feeding them.
func (e *Engine) Watch(conversationID int64) *Watch {
	w := &Watch{engine: e, conversationID: conversationID}

	msgSub := e.router.Subscribe(TopicConversationMessages(conversationID), e.handleMessageFrame)
	typSub := e.router.Subscribe(TopicConversationTyping(conversationID), e.handleTypingFrame)

	msgs, cancelMsgs := e.store.Observe(conversationID)
	typing, cancelTyping := e.typing.Observe(conversationID)

	w.Messages = msgs
	w.Typing = typing
	w.cancels = []func(){msgSub.Unsubscribe, typSub.Unsubscribe, cancelMsgs, cancelTyping}
	return w
}

// Focus marks this conversation as visible: its unread counter stays zeroed
// while new messages arrive.
func (w *Watch) Focus() {
	w.engine.reads.SetFocused(w.conversationID)
}

// Blur clears focus if this conversation holds it.
func (w *Watch) Blur() {
	if w.engine.reads.Focused() == w.conversationID {
		w.engine.reads.ClearFocused()
	}
}

// Close releases every resource the handle owns. Safe to call multiple times.
func (w *Watch) Close() {
	w.once.Do(func() {
		w.Blur()
		w.engine.emitter.Stop(context.Background(), w.conversationID)
		for _, cancel := range w.cancels {
			cancel()
		}
	})
}

// ============================================================================
// Imperative surface
// ============================================================================

// SendMessage inserts an optimistic message and publishes it. The returned
// temporary id becomes the server id after reconciliation. A send while
// disconnected keeps the message visible and returns ErrNotConnected for the
// caller to offer a manual resend.
func (e *Engine) SendMessage(ctx context.Context, conversationID int64, draft Draft) (int64, error) {
	e.emitter.Stop(ctx, conversationID)
	return e.store.AppendOptimistic(ctx, conversationID, draft)
}

// Keystroke reports local typing activity; debounced into start/stop frames.
func (e *Engine) Keystroke(ctx context.Context, conversationID int64) {
	e.emitter.Keystroke(ctx, conversationID)
}

// MarkRead optimistically zeroes the conversation's unread count and
// confirms with the backend.
func (e *Engine) MarkRead(ctx context.Context, conversationID int64) error {
	return e.reads.MarkRead(ctx, conversationID)
}

// LoadHistory merges one REST page of past messages.
func (e *Engine) LoadHistory(ctx context.Context, conversationID int64, page, size int) error {
	return e.store.LoadHistory(ctx, conversationID, page, size)
}

// DeleteMessage removes a message for everyone. The backend is told first;
// on success the local copy is soft-deleted so it leaves a tombstone rather
// than a gap. Peers learn through the broadcast deletion frame.
func (e *Engine) DeleteMessage(ctx context.Context, conversationID, messageID int64) error {
	if err := e.rest.DeleteMessage(ctx, conversationID, messageID); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	e.store.MarkDeleted(conversationID, messageID)
	return nil
}

// JoinSession announces presence in a session-scoped livestream chat room.
func (e *Engine) JoinSession(ctx context.Context, conversationID int64) error {
	return e.router.Publish(ctx, DestSessionJoin, map[string]int64{"conversationId": conversationID})
}

// LeaveSession announces departure from a session-scoped chat room.
func (e *Engine) LeaveSession(ctx context.Context, conversationID int64) error {
	return e.router.Publish(ctx, DestSessionLeave, map[string]int64{"conversationId": conversationID})
}

// ForceReconnect resets the retry budget and restarts the connect sequence.
func (e *Engine) ForceReconnect(ctx context.Context) error {
	return e.conn.ForceReconnect(ctx)
}

// ResyncUnread forces a full unread-count resync. Call on visibility regain;
// startup, reconnect, and the periodic timer are handled internally.
func (e *Engine) ResyncUnread(ctx context.Context) error {
	return e.reads.Resync(ctx)
}

// SetAway reports whether the user is away from the app, for the
// "only when away" notification preference.
func (e *Engine) SetAway(away bool) {
	e.notifier.SetAway(away)
}

// ============================================================================
// Streams
// ============================================================================

// Status yields connection status values, current value first.
func (e *Engine) Status() (<-chan ConnStatus, func()) {
	return e.conn.WatchStatus()
}

// UnreadUpdates yields unread-count changes across conversations.
func (e *Engine) UnreadUpdates() (<-chan UnreadEvent, func()) {
	return e.reads.Updates()
}

// Notifications yields notification-worthy events for toasts/OS alerts.
func (e *Engine) Notifications() (<-chan Notification, func()) {
	return e.notifier.Events()
}

// UnreadCount returns the current unread count for one conversation.
func (e *Engine) UnreadCount(conversationID int64) int {
	return e.reads.Count(conversationID)
}

// TotalUnread sums unread counts across all conversations.
func (e *Engine) TotalUnread() int {
	total := 0
	for _, n := range e.reads.Counts() {
		total += n
	}
	return total
}

// ============================================================================
// Frame handlers
// ============================================================================

func (e *Engine) handleMessageFrame(f Frame) {
	var msg Message
	if err := json.Unmarshal(f.Payload, &msg); err != nil {
		e.log.Warn("dropping undecodable message frame", "topic", f.Topic, "error", err)
		return
	}
	if msg.Deleted {
		e.store.MarkDeleted(msg.ConversationID, msg.ID)
		return
	}
	if msg.Status == "" {
		msg.Status = StatusDelivered
	}
	// Counters advance here, not on the arrivals stream: only pushed frames
	// are unread events (history pages are not), and a receipt frame right
	// behind this one must observe the increment.
	if e.store.Merge(msg) {
		e.reads.HandleIncoming(msg)
	}
}

func (e *Engine) handleTypingFrame(f Frame) {
	var p typingPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		e.log.Warn("dropping undecodable typing frame", "topic", f.Topic, "error", err)
		return
	}
	if p.UserID == e.self.UserID {
		return
	}
	e.typing.HandleEvent(p)
}

func (e *Engine) handleReceiptFrame(f Frame) {
	var r ReadReceipt
	if err := json.Unmarshal(f.Payload, &r); err != nil {
		e.log.Warn("dropping undecodable receipt frame", "topic", f.Topic, "error", err)
		return
	}
	e.reads.HandleReceipt(r)
}

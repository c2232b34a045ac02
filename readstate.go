package chatkit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// UnreadEvent is one unread-count change for a conversation.
type UnreadEvent struct {
	ConversationID int64
	Count          int
}

// readPayload is the wire payload for a mark-read broadcast.
type readPayload struct {
	ConversationID int64     `json:"conversationId"`
	UserID         int64     `json:"userId"`
	ReadAt         time.Time `json:"readAt"`
}

// ============================================================================
// ReadState
// ============================================================================

// ReadState reconciles unread counts: optimistic mark-as-read with rollback,
// receipt application, focus-aware counting, and a periodic full resync as a
// correctness backstop against missed push frames.
type ReadState struct {
	rest   *Client
	router *Router
	store  *MessageStore
	clk    clock.Clock
	log    *slog.Logger
	selfID int64

	resyncInterval time.Duration
	retryAttempts  int
	retryBase      time.Duration

	mu       sync.Mutex
	counts   map[int64]int
	focused  int64 // 0 = no conversation focused
	watchers map[int]chan UnreadEvent
	nextID   int
	stop     chan struct{}
	stopped  bool
}

// ReadStateConfig configures a ReadState reconciler.
type ReadStateConfig struct {
	REST           *Client
	Router         *Router
	Store          *MessageStore
	Clock          clock.Clock
	Logger         *slog.Logger
	SelfID         int64
	ResyncInterval time.Duration
	RetryAttempts  int
	RetryBase      time.Duration
}

// NewReadState creates a reconciler with zeroed counts.
func NewReadState(cfg ReadStateConfig) *ReadState {
	r := &ReadState{
		rest:           cfg.REST,
		router:         cfg.Router,
		store:          cfg.Store,
		clk:            cfg.Clock,
		log:            cfg.Logger,
		selfID:         cfg.SelfID,
		resyncInterval: cfg.ResyncInterval,
		retryAttempts:  cfg.RetryAttempts,
		retryBase:      cfg.RetryBase,
		counts:         make(map[int64]int),
		watchers:       make(map[int]chan UnreadEvent),
		stop:           make(chan struct{}),
	}
	if r.clk == nil {
		r.clk = clock.New()
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	if r.resyncInterval == 0 {
		r.resyncInterval = 30 * time.Second
	}
	if r.retryAttempts == 0 {
		r.retryAttempts = 3
	}
	if r.retryBase == 0 {
		r.retryBase = 500 * time.Millisecond
	}
	return r
}

// Start launches the periodic resync loop. Stop releases it; the loop also
// ends when ctx is cancelled.
func (r *ReadState) Start(ctx context.Context) {
	go func() {
		ticker := r.clk.Ticker(r.resyncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stop:
				return
			case <-ticker.C:
				if err := r.Resync(ctx); err != nil {
					r.log.Warn("periodic unread resync failed", "error", err)
				}
			}
		}
	}()
}

// Stop ends the periodic resync loop. Safe to call multiple times.
func (r *ReadState) Stop() {
	r.mu.Lock()
	if !r.stopped {
		r.stopped = true
		close(r.stop)
	}
	r.mu.Unlock()
}

// Count returns the unread count for one conversation.
func (r *ReadState) Count(conversationID int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[conversationID]
}

// Counts returns a copy of all unread counts.
func (r *ReadState) Counts() map[int64]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[int64]int, len(r.counts))
	for k, v := range r.counts {
		out[k] = v
	}
	return out
}

// Updates registers an unread-count watcher; cancel unregisters it.
func (r *ReadState) Updates() (<-chan UnreadEvent, func()) {
	ch := make(chan UnreadEvent, 64)
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.watchers[id] = ch
	r.mu.Unlock()
	cancel := func() {
		r.mu.Lock()
		if c, ok := r.watchers[id]; ok {
			delete(r.watchers, id)
			close(c)
		}
		r.mu.Unlock()
	}
	return ch, cancel
}

// SetFocused reports the conversation currently visible to the user.
// While focused, incoming messages never increment its unread counter.
func (r *ReadState) SetFocused(conversationID int64) {
	r.mu.Lock()
	r.focused = conversationID
	r.mu.Unlock()
}

// ClearFocused reports that no conversation is visible.
func (r *ReadState) ClearFocused() {
	r.SetFocused(0)
}

// Focused returns the focused conversation id, zero when none.
func (r *ReadState) Focused() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.focused
}

// MarkRead optimistically zeroes the local counter, then confirms with the
// backend under a bounded backoff retry. On success the zero is kept and a
// read receipt is broadcast; on failure the previous count is restored.
func (r *ReadState) MarkRead(ctx context.Context, conversationID int64) error {
	r.mu.Lock()
	prev := r.counts[conversationID]
	r.setCountLocked(conversationID, 0)
	r.mu.Unlock()

	var err error
	for attempt := 0; attempt < r.retryAttempts; attempt++ {
		if attempt > 0 {
			r.clk.Sleep(r.retryBase << (attempt - 1))
		}
		if err = r.rest.MarkConversationRead(ctx, conversationID); err == nil {
			break
		}
	}
	if err != nil {
		r.mu.Lock()
		r.setCountLocked(conversationID, prev)
		r.mu.Unlock()
		return fmt.Errorf("mark read: %w", err)
	}

	// Best effort: peers and our other sessions learn via the receipt topic.
	payload := readPayload{ConversationID: conversationID, UserID: r.selfID, ReadAt: r.clk.Now()}
	if perr := r.router.Publish(ctx, DestMarkRead, payload); perr != nil {
		r.log.Debug("read receipt broadcast skipped", "error", perr)
	}
	return nil
}

// Resync replaces local counts with the server's authoritative map. Used at
// startup, on reconnect, on visibility regain, and on the periodic timer.
func (r *ReadState) Resync(ctx context.Context) error {
	counts, err := r.rest.UnreadCounts(ctx)
	if err != nil {
		return fmt.Errorf("unread resync: %w", err)
	}
	r.mu.Lock()
	// A focused conversation reads everything as it arrives; the server may
	// not have processed the ack yet.
	if r.focused != 0 {
		counts[r.focused] = 0
	}
	for id := range r.counts {
		if _, ok := counts[id]; !ok {
			r.setCountLocked(id, 0)
		}
	}
	for id, n := range counts {
		r.setCountLocked(id, n)
	}
	r.mu.Unlock()
	return nil
}

// HandleIncoming applies one merged message to the counters. Messages from
// the current user never count; messages for the focused conversation are
// read immediately instead of incrementing. A product rule, not a transport
// artifact.
func (r *ReadState) HandleIncoming(msg Message) {
	if msg.SenderID == r.selfID {
		return
	}
	r.mu.Lock()
	if r.focused == msg.ConversationID {
		r.setCountLocked(msg.ConversationID, 0)
		r.mu.Unlock()
		payload := readPayload{ConversationID: msg.ConversationID, UserID: r.selfID, ReadAt: r.clk.Now()}
		if err := r.router.Publish(context.Background(), DestMarkRead, payload); err != nil {
			r.log.Debug("focused read broadcast skipped", "error", err)
		}
		return
	}
	r.setCountLocked(msg.ConversationID, r.counts[msg.ConversationID]+1)
	r.mu.Unlock()
}

// HandleReceipt applies one incoming read receipt. A receipt from the current
// user's other session zeroes that conversation; a peer's receipt advances
// the delivery status of our own messages to READ.
func (r *ReadState) HandleReceipt(receipt ReadReceipt) {
	if receipt.UserID == r.selfID {
		r.mu.Lock()
		r.setCountLocked(receipt.ConversationID, 0)
		r.mu.Unlock()
		return
	}
	r.store.AdvanceStatusUpTo(receipt.ConversationID, receipt.LastReadID, r.selfID, StatusRead)
}

// setCountLocked updates one counter and fans out the change. Counts never go
// negative. Callers hold mu.
func (r *ReadState) setCountLocked(conversationID int64, n int) {
	if n < 0 {
		n = 0
	}
	if r.counts[conversationID] == n {
		return
	}
	r.counts[conversationID] = n
	ev := UnreadEvent{ConversationID: conversationID, Count: n}
	for _, ch := range r.watchers {
		select {
		case ch <- ev:
		default:
		}
	}
}

package chatkit

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// typingPayload is the wire payload for typing events, both directions.
type typingPayload struct {
	ConversationID int64  `json:"conversationId"`
	UserID         int64  `json:"userId"`
	DisplayName    string `json:"displayName"`
	Typing         bool   `json:"typing"`
}

// ============================================================================
// TypingAggregator
// ============================================================================

// TypingAggregator maintains, per conversation, the set of currently-typing
// peers. Typing-true events upsert with a fresh timestamp; typing-false
// events remove immediately; a sweep drops entries older than the expiry
// window even when no explicit stop ever arrives: a peer's tab may have
// closed or its network dropped.
type TypingAggregator struct {
	clk    clock.Clock
	log    *slog.Logger
	expiry time.Duration

	mu       sync.Mutex
	typing   map[int64]map[int64]*TypingIndicator
	watchers map[int64]map[int]chan []TypingIndicator
	nextID   int
}

// TypingConfig configures a TypingAggregator.
type TypingConfig struct {
	Clock  clock.Clock
	Logger *slog.Logger
	// Expiry is the stale-entry window; default 5s.
	Expiry time.Duration
}

// NewTypingAggregator creates an empty aggregator.
func NewTypingAggregator(cfg TypingConfig) *TypingAggregator {
	a := &TypingAggregator{
		clk:      cfg.Clock,
		log:      cfg.Logger,
		expiry:   cfg.Expiry,
		typing:   make(map[int64]map[int64]*TypingIndicator),
		watchers: make(map[int64]map[int]chan []TypingIndicator),
	}
	if a.clk == nil {
		a.clk = clock.New()
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.expiry == 0 {
		a.expiry = 5 * time.Second
	}
	return a
}

// Start runs the periodic sweep so streaming observers see expiries even
// between reads. Stops when ctx is cancelled.
func (a *TypingAggregator) Start(ctx context.Context) {
	go func() {
		ticker := a.clk.Ticker(a.expiry / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.sweepAll()
			}
		}
	}()
}

// HandleEvent applies one typing frame.
func (a *TypingAggregator) HandleEvent(p typingPayload) {
	a.mu.Lock()
	set, ok := a.typing[p.ConversationID]
	if !ok {
		set = make(map[int64]*TypingIndicator)
		a.typing[p.ConversationID] = set
	}
	if p.Typing {
		set[p.UserID] = &TypingIndicator{
			ConversationID: p.ConversationID,
			UserID:         p.UserID,
			DisplayName:    p.DisplayName,
			Typing:         true,
			UpdatedAt:      a.clk.Now(),
		}
	} else {
		delete(set, p.UserID)
	}
	a.publishLocked(p.ConversationID)
	a.mu.Unlock()
}

// Snapshot returns the current set of typing peers, stale entries excluded.
func (a *TypingAggregator) Snapshot(conversationID int64) []TypingIndicator {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sweepLocked(conversationID)
	return a.snapshotLocked(conversationID)
}

// Observe yields the live typing set for a conversation, current value first.
func (a *TypingAggregator) Observe(conversationID int64) (<-chan []TypingIndicator, func()) {
	ch := make(chan []TypingIndicator, 16)
	a.mu.Lock()
	id := a.nextID
	a.nextID++
	obs, ok := a.watchers[conversationID]
	if !ok {
		obs = make(map[int]chan []TypingIndicator)
		a.watchers[conversationID] = obs
	}
	obs[id] = ch
	a.sweepLocked(conversationID)
	ch <- a.snapshotLocked(conversationID)
	a.mu.Unlock()

	cancel := func() {
		a.mu.Lock()
		if obs, ok := a.watchers[conversationID]; ok {
			if c, ok := obs[id]; ok {
				delete(obs, id)
				close(c)
			}
			if len(obs) == 0 {
				delete(a.watchers, conversationID)
			}
		}
		a.mu.Unlock()
	}
	return ch, cancel
}

func (a *TypingAggregator) sweepAll() {
	a.mu.Lock()
	for conversationID := range a.typing {
		if a.sweepLocked(conversationID) {
			a.publishLocked(conversationID)
		}
	}
	a.mu.Unlock()
}

// sweepLocked drops stale entries; reports whether anything was removed.
func (a *TypingAggregator) sweepLocked(conversationID int64) bool {
	set, ok := a.typing[conversationID]
	if !ok {
		return false
	}
	cutoff := a.clk.Now().Add(-a.expiry)
	removed := false
	for userID, ind := range set {
		if ind.UpdatedAt.Before(cutoff) {
			delete(set, userID)
			removed = true
		}
	}
	return removed
}

func (a *TypingAggregator) snapshotLocked(conversationID int64) []TypingIndicator {
	set := a.typing[conversationID]
	out := make([]TypingIndicator, 0, len(set))
	for _, ind := range set {
		out = append(out, *ind)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (a *TypingAggregator) publishLocked(conversationID int64) {
	obs, ok := a.watchers[conversationID]
	if !ok {
		return
	}
	snap := a.snapshotLocked(conversationID)
	for _, ch := range obs {
		select {
		case ch <- snap:
		default:
		}
	}
}

// ============================================================================
// TypingEmitter
// ============================================================================

// TypingEmitter is the local emission side: it turns raw keystrokes into at
// most one "started typing" publish followed by exactly one "stopped typing"
// publish after a short pause or immediately on send. It never consumes
// typing frames; that is the aggregator's job, and the two must not be
// conflated.
type TypingEmitter struct {
	router *Router
	clk    clock.Clock
	log    *slog.Logger
	self   Participant
	pause  time.Duration

	mu     sync.Mutex
	active map[int64]*clock.Timer
}

// NewTypingEmitter creates an emitter. pause defaults to 700ms.
func NewTypingEmitter(router *Router, clk clock.Clock, log *slog.Logger, self Participant, pause time.Duration) *TypingEmitter {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = slog.Default()
	}
	if pause == 0 {
		pause = 700 * time.Millisecond
	}
	return &TypingEmitter{
		router: router,
		clk:    clk,
		log:    log,
		self:   self,
		pause:  pause,
	}
}

// Keystroke records one raw keystroke. The first keystroke publishes a
// typing-true event; each keystroke pushes the stop deadline out.
func (e *TypingEmitter) Keystroke(ctx context.Context, conversationID int64) {
	e.mu.Lock()
	if e.active == nil {
		e.active = make(map[int64]*clock.Timer)
	}
	timer, typing := e.active[conversationID]
	if typing {
		timer.Stop()
	}
	e.active[conversationID] = e.clk.AfterFunc(e.pause, func() {
		e.Stop(context.Background(), conversationID)
	})
	e.mu.Unlock()

	if !typing {
		e.publish(ctx, conversationID, true)
	}
}

// Stop publishes the typing-false event if one is owed. Called on send, on
// pause expiry, and on view teardown. Safe to call when not typing.
func (e *TypingEmitter) Stop(ctx context.Context, conversationID int64) {
	e.mu.Lock()
	timer, typing := e.active[conversationID]
	if typing {
		timer.Stop()
		delete(e.active, conversationID)
	}
	e.mu.Unlock()

	if typing {
		e.publish(ctx, conversationID, false)
	}
}

func (e *TypingEmitter) publish(ctx context.Context, conversationID int64, typing bool) {
	p := typingPayload{
		ConversationID: conversationID,
		UserID:         e.self.UserID,
		DisplayName:    e.self.DisplayName,
		Typing:         typing,
	}
	if err := e.router.Publish(ctx, DestTyping, p); err != nil {
		e.log.Debug("typing publish skipped", "typing", typing, "error", err)
	}
}

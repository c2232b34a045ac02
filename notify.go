package chatkit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// PreferenceSource supplies the persisted NotificationPreference. Persistence
// itself is external key/value storage; the dispatcher only reads.
type PreferenceSource interface {
	Preferences(ctx context.Context) (NotificationPreference, error)
}

// PreferenceFunc adapts a function to a PreferenceSource.
type PreferenceFunc func(ctx context.Context) (NotificationPreference, error)

func (f PreferenceFunc) Preferences(ctx context.Context) (NotificationPreference, error) {
	return f(ctx)
}

// StaticPreferences is a fixed PreferenceSource.
func StaticPreferences(p NotificationPreference) PreferenceSource {
	return PreferenceFunc(func(context.Context) (NotificationPreference, error) {
		return p, nil
	})
}

// ============================================================================
// Notifier
// ============================================================================

// notifyDedupLimit bounds the recently-notified set.
const notifyDedupLimit = 512

// Notifier decides, per incoming message, whether a user-visible alert
// should fire. It owns no message state; its only memory is a small
// recently-notified set used for dedup, so a re-merge of the same message
// never re-alerts.
type Notifier struct {
	prefs    PreferenceSource
	clk      clock.Clock
	log      *slog.Logger
	selfID   int64
	recency  time.Duration
	focused  func() int64
	convType func(conversationID int64) (ConversationType, bool)

	mu       sync.Mutex
	seen     map[int64]struct{}
	seenFIFO []int64
	away     bool
	watchers map[int]chan Notification
	nextID   int
}

// NotifierConfig configures a Notifier.
type NotifierConfig struct {
	Prefs  PreferenceSource
	Clock  clock.Clock
	Logger *slog.Logger
	SelfID int64
	// Recency is the alert threshold; merged messages older than this
	// (history backfill) never alert. Default 30s.
	Recency time.Duration
	// Focused reports the currently visible conversation (0 = none).
	Focused func() int64
	// ConvType resolves a conversation's type for the per-type opt-in flags.
	ConvType func(conversationID int64) (ConversationType, bool)
}

// NewNotifier creates a dispatcher.
func NewNotifier(cfg NotifierConfig) *Notifier {
	n := &Notifier{
		prefs:    cfg.Prefs,
		clk:      cfg.Clock,
		log:      cfg.Logger,
		selfID:   cfg.SelfID,
		recency:  cfg.Recency,
		focused:  cfg.Focused,
		convType: cfg.ConvType,
		seen:     make(map[int64]struct{}),
		watchers: make(map[int]chan Notification),
	}
	if n.prefs == nil {
		n.prefs = StaticPreferences(DefaultPreferences())
	}
	if n.clk == nil {
		n.clk = clock.New()
	}
	if n.log == nil {
		n.log = slog.Default()
	}
	if n.recency == 0 {
		n.recency = 30 * time.Second
	}
	if n.focused == nil {
		n.focused = func() int64 { return 0 }
	}
	if n.convType == nil {
		n.convType = func(int64) (ConversationType, bool) { return "", false }
	}
	return n
}

// SetAway reports whether the user is away from the app; used with the
// "only when away" preference.
func (n *Notifier) SetAway(away bool) {
	n.mu.Lock()
	n.away = away
	n.mu.Unlock()
}

// Events registers a notification watcher; cancel unregisters it.
func (n *Notifier) Events() (<-chan Notification, func()) {
	ch := make(chan Notification, 32)
	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.watchers[id] = ch
	n.mu.Unlock()
	cancel := func() {
		n.mu.Lock()
		if c, ok := n.watchers[id]; ok {
			delete(n.watchers, id)
			close(c)
		}
		n.mu.Unlock()
	}
	return ch, cancel
}

// Run consumes the store's arrival stream until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context, arrivals <-chan Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-arrivals:
			if !ok {
				return
			}
			n.Consider(ctx, msg)
		}
	}
}

// Consider evaluates one merged message and emits a notification event when
// every gate passes.
func (n *Notifier) Consider(ctx context.Context, msg Message) {
	if msg.SenderID == n.selfID || msg.Deleted {
		return
	}
	now := n.clk.Now()
	if now.Sub(msg.SentAt) > n.recency {
		return
	}
	if n.focused() == msg.ConversationID {
		return
	}

	n.mu.Lock()
	if _, dup := n.seen[msg.ID]; dup {
		n.mu.Unlock()
		return
	}
	away := n.away
	n.mu.Unlock()

	prefs, err := n.prefs.Preferences(ctx)
	if err != nil {
		// Fail safe to notify: a read error must never silently suppress.
		n.log.Warn("preferences unavailable, notifying anyway", "error", err)
		prefs = DefaultPreferences()
	}
	if !prefs.Enabled {
		return
	}
	if prefs.OnlyWhenAway && !away {
		return
	}
	if inQuietHours(now, prefs.QuietStart, prefs.QuietEnd) {
		return
	}

	priority := "normal"
	if ct, ok := n.convType(msg.ConversationID); ok {
		switch ct {
		case ConversationDirect:
			if !prefs.Direct {
				return
			}
			priority = "high"
		case ConversationGroup:
			if !prefs.Group {
				return
			}
		case ConversationSkillGroup:
			if !prefs.SkillGroup {
				return
			}
		}
	}

	n.mu.Lock()
	if _, dup := n.seen[msg.ID]; dup {
		n.mu.Unlock()
		return
	}
	n.seen[msg.ID] = struct{}{}
	n.seenFIFO = append(n.seenFIFO, msg.ID)
	if len(n.seenFIFO) > notifyDedupLimit {
		oldest := n.seenFIFO[0]
		n.seenFIFO = n.seenFIFO[1:]
		delete(n.seen, oldest)
	}
	ev := Notification{
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		Preview:        previewOf(msg),
		Priority:       priority,
	}
	for _, ch := range n.watchers {
		select {
		case ch <- ev:
		default:
		}
	}
	n.mu.Unlock()
}

func previewOf(msg Message) string {
	switch msg.Type {
	case MessageText, MessageSystem:
		return msg.Content
	default:
		return fmt.Sprintf("[%s] %s", msg.Type, msg.Content)
	}
}

// inQuietHours reports whether now falls inside the configured window.
// A start time after the end time means the window wraps around midnight.
func inQuietHours(now time.Time, start, end string) bool {
	startM, okS := parseClock(start)
	endM, okE := parseClock(end)
	if !okS || !okE || startM == endM {
		return false
	}
	nowM := now.Hour()*60 + now.Minute()
	if startM < endM {
		return nowM >= startM && nowM < endM
	}
	return nowM >= startM || nowM < endM
}

// parseClock parses "HH:MM" into minutes-of-day.
func parseClock(s string) (int, bool) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, false
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}

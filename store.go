package chatkit

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// echoMatchWindow is how far apart a local submission and its server echo may
// be timestamped and still be treated as the same message.
const echoMatchWindow = 10 * time.Second

// MatchFunc decides whether an incoming server message is the echo of a
// pending optimistic message. It is a named, pluggable strategy: the default
// is exact when the server echoes the client key and best-effort
// (sender + content + time window) otherwise.
type MatchFunc func(optimistic, incoming *Message) bool

// DefaultEchoMatch is the standard optimistic-echo matcher.
func DefaultEchoMatch(optimistic, incoming *Message) bool {
	if incoming.ClientKey != "" {
		return incoming.ClientKey == optimistic.ClientKey
	}
	if optimistic.SenderID != incoming.SenderID || optimistic.Content != incoming.Content {
		return false
	}
	gap := incoming.SentAt.Sub(optimistic.SentAt)
	if gap < 0 {
		gap = -gap
	}
	return gap <= echoMatchWindow
}

// Draft is a locally-authored message before submission.
type Draft struct {
	Content       string
	Type          MessageType
	AttachmentURL string
}

// sendPayload is the wire payload for an outgoing message.
type sendPayload struct {
	ConversationID int64       `json:"conversationId"`
	Content        string      `json:"content"`
	Type           MessageType `json:"type"`
	AttachmentURL  string      `json:"attachmentUrl,omitempty"`
	ClientKey      string      `json:"clientKey"`
	SentAt         time.Time   `json:"sentAt"`
}

// ============================================================================
// MessageStore
// ============================================================================

// MessageStore owns the per-conversation ordered message logs. It merges
// server-pushed messages, REST-paginated history, and optimistic local writes
// into one deduplicated, time-ordered sequence per conversation. Observers
// receive read-only snapshots, never a mutable reference.
type MessageStore struct {
	rest   *Client
	router *Router
	clk    clock.Clock
	log    *slog.Logger
	match  MatchFunc
	self   Participant

	mu        sync.Mutex
	convs     map[int64]*convLog
	nextTemp  int64
	observers map[int64]map[int]chan []Message
	nextObs   int
	arrivals  map[int]chan Message
	nextArr   int
	onPreview func(conversationID int64, preview string, at time.Time)
}

type convLog struct {
	msgs []*Message
}

// StoreConfig configures a MessageStore.
type StoreConfig struct {
	REST   *Client
	Router *Router
	Clock  clock.Clock
	Logger *slog.Logger
	Match  MatchFunc
	// Self identifies the current user; optimistic messages are authored as
	// this participant.
	Self Participant
}

// NewMessageStore creates an empty store.
func NewMessageStore(cfg StoreConfig) *MessageStore {
	s := &MessageStore{
		rest:      cfg.REST,
		router:    cfg.Router,
		clk:       cfg.Clock,
		log:       cfg.Logger,
		match:     cfg.Match,
		self:      cfg.Self,
		convs:     make(map[int64]*convLog),
		nextTemp:  -1,
		observers: make(map[int64]map[int]chan []Message),
		arrivals:  make(map[int]chan Message),
	}
	if s.clk == nil {
		s.clk = clock.New()
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.match == nil {
		s.match = DefaultEchoMatch
	}
	return s
}

// SetPreviewHook registers the callback that keeps the conversation list's
// last-message preview current.
func (s *MessageStore) SetPreviewHook(h func(conversationID int64, preview string, at time.Time)) {
	s.mu.Lock()
	s.onPreview = h
	s.mu.Unlock()
}

// Merge folds one incoming message into its conversation. A message already
// present under the same resolved id is a no-op; a server message matching a
// pending optimistic entry replaces it in place. This is the primary defense
// against at-least-once delivery duplicating entries after a reconnect.
// It reports whether the message was newly inserted (not a dedup or an
// optimistic replacement).
func (s *MessageStore) Merge(msg Message) bool {
	s.mu.Lock()
	c := s.convLocked(msg.ConversationID)

	// Same resolved id → duplicate delivery, drop.
	for _, existing := range c.msgs {
		if existing.ID == msg.ID {
			s.mu.Unlock()
			return false
		}
	}

	inserted := true
	if !msg.Optimistic() {
		// Server message: check pending optimistic entries for an echo.
		for _, existing := range c.msgs {
			if existing.Optimistic() && s.match(existing, &msg) {
				if msg.Status.rank() < existing.Status.rank() {
					msg.Status = existing.Status
				}
				*existing = msg
				inserted = false
				break
			}
		}
	}
	if inserted {
		m := msg
		c.msgs = append(c.msgs, &m)
	}
	c.resort()
	s.publishLocked(msg.ConversationID, c)

	var arrivalChans []chan Message
	if inserted {
		for _, ch := range s.arrivals {
			arrivalChans = append(arrivalChans, ch)
		}
	}
	s.mu.Unlock()

	for _, ch := range arrivalChans {
		select {
		case ch <- msg:
		default:
			s.log.Warn("arrival stream backed up, dropping", "messageId", msg.ID)
		}
	}
	return inserted
}

// AppendOptimistic inserts a locally-authored message immediately with SENT
// status and a temporary negative id, then publishes the identical payload
// over the router. If publishing fails (not connected) the message stays
// visible with SENT status and the error is returned; the store never retries
// on its own.
func (s *MessageStore) AppendOptimistic(ctx context.Context, conversationID int64, draft Draft) (int64, error) {
	if draft.Type == "" {
		draft.Type = MessageText
	}
	s.mu.Lock()
	tempID := s.nextTemp
	s.nextTemp--
	msg := &Message{
		ID:             tempID,
		ConversationID: conversationID,
		SenderID:       s.self.UserID,
		SenderName:     s.self.DisplayName,
		Content:        draft.Content,
		Type:           draft.Type,
		AttachmentURL:  draft.AttachmentURL,
		SentAt:         s.clk.Now(),
		Status:         StatusSent,
		ClientKey:      uuid.NewString(),
	}
	c := s.convLocked(conversationID)
	c.msgs = append(c.msgs, msg)
	c.resort()
	s.publishLocked(conversationID, c)
	payload := sendPayload{
		ConversationID: conversationID,
		Content:        msg.Content,
		Type:           msg.Type,
		AttachmentURL:  msg.AttachmentURL,
		ClientKey:      msg.ClientKey,
		SentAt:         msg.SentAt,
	}
	s.mu.Unlock()

	if err := s.router.Publish(ctx, DestSendMessage, payload); err != nil {
		return tempID, fmt.Errorf("publish message: %w", err)
	}
	return tempID, nil
}

// LoadHistory fetches one REST page of past messages and merges it. A fetch
// failure leaves the store unchanged and is retryable by the caller.
func (s *MessageStore) LoadHistory(ctx context.Context, conversationID int64, page, size int) error {
	msgs, err := s.rest.MessageHistory(ctx, conversationID, page, size)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	for _, m := range msgs {
		s.Merge(m)
	}
	return nil
}

// AdvanceStatus moves a message's delivery status forward. A regression is
// ignored and logged as unexpected, never applied: receipt frames can arrive
// out of order.
func (s *MessageStore) AdvanceStatus(conversationID, messageID int64, status DeliveryStatus) {
	s.mu.Lock()
	c := s.convLocked(conversationID)
	for _, m := range c.msgs {
		if m.ID != messageID {
			continue
		}
		if status.rank() <= m.Status.rank() {
			if status.rank() < m.Status.rank() {
				s.log.Warn("ignoring status regression",
					"messageId", messageID, "have", m.Status, "got", status)
			}
			s.mu.Unlock()
			return
		}
		m.Status = status
		s.publishLocked(conversationID, c)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
}

// AdvanceStatusUpTo advances every message in the conversation authored by
// senderID with id ≤ lastID. Used when a peer's read receipt covers a range.
func (s *MessageStore) AdvanceStatusUpTo(conversationID, lastID, senderID int64, status DeliveryStatus) {
	s.mu.Lock()
	c := s.convLocked(conversationID)
	changed := false
	for _, m := range c.msgs {
		if m.SenderID != senderID || m.Optimistic() || m.ID > lastID {
			continue
		}
		if status.rank() > m.Status.rank() {
			m.Status = status
			changed = true
		}
	}
	if changed {
		s.publishLocked(conversationID, c)
	}
	s.mu.Unlock()
}

// MarkDeleted soft-deletes a message. Messages are never physically removed.
func (s *MessageStore) MarkDeleted(conversationID, messageID int64) {
	s.mu.Lock()
	c := s.convLocked(conversationID)
	for _, m := range c.msgs {
		if m.ID == messageID {
			m.Deleted = true
			s.publishLocked(conversationID, c)
			break
		}
	}
	s.mu.Unlock()
}

// Snapshot returns a copy of the conversation's ordered sequence.
func (s *MessageStore) Snapshot(conversationID int64) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.convLocked(conversationID).snapshot()
}

// Observe yields the live, ordered, deduplicated sequence for a conversation.
// The current snapshot is delivered first, then one snapshot per change.
// cancel releases the observer; leaking one past view teardown is a defect.
func (s *MessageStore) Observe(conversationID int64) (<-chan []Message, func()) {
	ch := make(chan []Message, 16)
	s.mu.Lock()
	id := s.nextObs
	s.nextObs++
	obs, ok := s.observers[conversationID]
	if !ok {
		obs = make(map[int]chan []Message)
		s.observers[conversationID] = obs
	}
	obs[id] = ch
	ch <- s.convLocked(conversationID).snapshot()
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if obs, ok := s.observers[conversationID]; ok {
			if c, ok := obs[id]; ok {
				delete(obs, id)
				close(c)
			}
			if len(obs) == 0 {
				delete(s.observers, conversationID)
			}
		}
		s.mu.Unlock()
	}
	return ch, cancel
}

// Arrivals yields every newly inserted message across all conversations.
// The notification dispatcher is its consumer.
func (s *MessageStore) Arrivals() (<-chan Message, func()) {
	ch := make(chan Message, 64)
	s.mu.Lock()
	id := s.nextArr
	s.nextArr++
	s.arrivals[id] = ch
	s.mu.Unlock()
	cancel := func() {
		s.mu.Lock()
		if c, ok := s.arrivals[id]; ok {
			delete(s.arrivals, id)
			close(c)
		}
		s.mu.Unlock()
	}
	return ch, cancel
}

// ============================================================================
// Internals
// ============================================================================

func (s *MessageStore) convLocked(conversationID int64) *convLog {
	c, ok := s.convs[conversationID]
	if !ok {
		c = &convLog{}
		s.convs[conversationID] = c
	}
	return c
}

// publishLocked fans the current snapshot out to observers and refreshes the
// last-message preview. Callers hold mu.
func (s *MessageStore) publishLocked(conversationID int64, c *convLog) {
	if len(c.msgs) > 0 && s.onPreview != nil {
		last := c.msgs[len(c.msgs)-1]
		preview := last.Content
		if last.Deleted {
			preview = ""
		}
		s.onPreview(conversationID, preview, last.SentAt)
	}
	obs, ok := s.observers[conversationID]
	if !ok {
		return
	}
	snap := c.snapshot()
	for _, ch := range obs {
		select {
		case ch <- snap:
		default:
		}
	}
}

// resort restores non-decreasing sent-at order. The sort is stable and ties
// break by id, so out-of-order delivery never corrupts display order.
func (c *convLog) resort() {
	sort.SliceStable(c.msgs, func(i, j int) bool {
		a, b := c.msgs[i], c.msgs[j]
		if a.SentAt.Equal(b.SentAt) {
			return a.ID < b.ID
		}
		return a.SentAt.Before(b.SentAt)
	})
}

func (c *convLog) snapshot() []Message {
	out := make([]Message, len(c.msgs))
	for i, m := range c.msgs {
		out[i] = *m
	}
	return out
}

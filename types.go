package chatkit

import (
	"encoding/json"
	"fmt"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents a backend call error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// ============================================================================
// Conversations
// ============================================================================

// ConversationType classifies a conversation.
type ConversationType string

const (
	ConversationDirect     ConversationType = "DIRECT"
	ConversationGroup      ConversationType = "GROUP"
	ConversationSkillGroup ConversationType = "SKILL_GROUP"
)

// ConversationStatus is the lifecycle status of a conversation.
// Conversations are never deleted locally, only marked ARCHIVED or CANCELLED.
type ConversationStatus string

const (
	ConversationActive    ConversationStatus = "ACTIVE"
	ConversationArchived  ConversationStatus = "ARCHIVED"
	ConversationCompleted ConversationStatus = "COMPLETED"
	ConversationCancelled ConversationStatus = "CANCELLED"
)

// Participant is a member of a conversation.
type Participant struct {
	UserID      int64  `json:"userId"`
	DisplayName string `json:"displayName"`
	Online      bool   `json:"online"`
}

// Conversation is one chat or livestream conversation.
// UnreadCount is derived state owned by the ReadState reconciler.
type Conversation struct {
	ID                 int64              `json:"id"`
	Type               ConversationType   `json:"type"`
	Name               string             `json:"name"`
	Participants       []Participant      `json:"participants,omitempty"`
	Status             ConversationStatus `json:"status"`
	LastMessagePreview string             `json:"lastMessagePreview,omitempty"`
	LastMessageAt      time.Time          `json:"lastMessageAt,omitempty"`
	UnreadCount        int                `json:"unreadCount"`
}

// ============================================================================
// Messages
// ============================================================================

// MessageType classifies message content.
type MessageType string

const (
	MessageText   MessageType = "TEXT"
	MessageImage  MessageType = "IMAGE"
	MessageVideo  MessageType = "VIDEO"
	MessageAudio  MessageType = "AUDIO"
	MessageFile   MessageType = "FILE"
	MessageSystem MessageType = "SYSTEM"
)

// DeliveryStatus tracks how far a message has progressed.
// Status only ever advances SENT → DELIVERED → READ.
type DeliveryStatus string

const (
	StatusSent      DeliveryStatus = "SENT"
	StatusDelivered DeliveryStatus = "DELIVERED"
	StatusRead      DeliveryStatus = "READ"
)

// rank orders delivery statuses so advancement can be checked.
func (s DeliveryStatus) rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return 0
}

// Message is one message in a conversation. Locally-originated messages carry
// a temporary negative ID and a ClientKey until the server echo arrives.
type Message struct {
	ID             int64          `json:"id"`
	ConversationID int64          `json:"conversationId"`
	SenderID       int64          `json:"senderId"`
	SenderName     string         `json:"senderName"`
	Content        string         `json:"content"`
	Type           MessageType    `json:"type"`
	AttachmentURL  string         `json:"attachmentUrl,omitempty"`
	SentAt         time.Time      `json:"sentAt"`
	Status         DeliveryStatus `json:"status"`
	Deleted        bool           `json:"deleted,omitempty"`

	// ClientKey is a client-generated idempotency key attached to every
	// outgoing message. Servers that echo it back make optimistic
	// reconciliation exact instead of heuristic.
	ClientKey string `json:"clientKey,omitempty"`
}

// Optimistic reports whether the message is a local write awaiting its
// server echo.
func (m *Message) Optimistic() bool {
	return m.ID < 0
}

// ============================================================================
// Typing
// ============================================================================

// TypingIndicator is an ephemeral "peer is typing" entry keyed by
// (conversation, user). Entries older than the aggregator's expiry window are
// dropped even without an explicit stop signal.
type TypingIndicator struct {
	ConversationID int64     `json:"conversationId"`
	UserID         int64     `json:"userId"`
	DisplayName    string    `json:"displayName"`
	Typing         bool      `json:"typing"`
	UpdatedAt      time.Time `json:"-"`
}

// ============================================================================
// Read receipts
// ============================================================================

// ReadReceipt records that a user has read a conversation up to a message.
type ReadReceipt struct {
	ConversationID int64     `json:"conversationId"`
	UserID         int64     `json:"userId"`
	LastReadID     int64     `json:"lastReadMessageId"`
	ReadAt         time.Time `json:"readAt"`
}

// ============================================================================
// Connection state
// ============================================================================

// ConnState is the state of the single realtime connection.
type ConnState string

const (
	StateDisconnected ConnState = "DISCONNECTED"
	StateConnecting   ConnState = "CONNECTING"
	StateConnected    ConnState = "CONNECTED"
	StateReconnecting ConnState = "RECONNECTING"
)

// ConnStatus is one observable connection status value. The conn manager
// publishes a value on every transition, and new watchers receive the current
// value immediately, so consumers can react to present state rather than only
// future edges.
type ConnStatus struct {
	State ConnState
	// Attempt is the reconnect attempt counter, zero while healthy.
	Attempt int
	// RetryExhausted is set on the final DISCONNECTED transition after the
	// retry budget is spent, so the UI can offer a manual retry affordance.
	RetryExhausted bool
}

// ============================================================================
// Notification preferences
// ============================================================================

// NotificationPreference is the persisted notification configuration.
// Persistence lives outside the engine (plain key/value storage); the engine
// only reads it through a PreferenceSource.
type NotificationPreference struct {
	Enabled      bool   `json:"enabled" toml:"enabled"`
	Sound        bool   `json:"sound" toml:"sound"`
	BrowserAlert bool   `json:"browserAlert" toml:"browser_alert"`
	OnlyWhenAway bool   `json:"onlyWhenAway" toml:"only_when_away"`
	QuietStart   string `json:"quietStart,omitempty" toml:"quiet_start"` // "HH:MM", empty = none
	QuietEnd     string `json:"quietEnd,omitempty" toml:"quiet_end"`
	Direct       bool   `json:"direct" toml:"direct"`
	Group        bool   `json:"group" toml:"group"`
	SkillGroup   bool   `json:"skillGroup" toml:"skill_group"`
}

// DefaultPreferences enables everything with no quiet hours.
func DefaultPreferences() NotificationPreference {
	return NotificationPreference{
		Enabled: true, Sound: true, BrowserAlert: true,
		Direct: true, Group: true, SkillGroup: true,
	}
}

// Notification is one notification-worthy event emitted by the dispatcher.
type Notification struct {
	ConversationID int64  `json:"conversationId"`
	MessageID      int64  `json:"messageId"`
	Preview        string `json:"preview"`
	Priority       string `json:"priority"` // "high" for direct, "normal" otherwise
}

// ============================================================================
// Wire protocol
// ============================================================================

// FrameKind discriminates realtime frames.
type FrameKind string

const (
	FrameConnected   FrameKind = "connected"
	FrameMessage     FrameKind = "message"
	FrameTyping      FrameKind = "typing"
	FrameReceipt     FrameKind = "receipt"
	FramePing        FrameKind = "ping"
	FrameSubscribe   FrameKind = "subscribe"
	FrameUnsubscribe FrameKind = "unsubscribe"
	FrameSend        FrameKind = "send"
)

// Frame is the wire envelope for every realtime frame, inbound and outbound.
// Inbound frames carry Topic; outbound commands carry Destination.
type Frame struct {
	Kind        FrameKind       `json:"kind"`
	Topic       string          `json:"topic,omitempty"`
	Destination string          `json:"destination,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// Topic builders for the logical channels multiplexed over the connection.

func TopicConversationMessages(conversationID int64) string {
	return fmt.Sprintf("/conversations/%d/messages", conversationID)
}

func TopicConversationTyping(conversationID int64) string {
	return fmt.Sprintf("/conversations/%d/typing", conversationID)
}

func TopicUserReceipts(userID int64) string {
	return fmt.Sprintf("/users/%d/receipts", userID)
}

// Destinations for outbound actions.
const (
	DestSendMessage  = "/app/messages.send"
	DestTyping       = "/app/typing"
	DestMarkRead     = "/app/conversations.read"
	DestSessionJoin  = "/app/sessions.join"
	DestSessionLeave = "/app/sessions.leave"
)

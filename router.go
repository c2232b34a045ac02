package chatkit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// FrameHandler consumes decoded frames for one topic.
type FrameHandler func(Frame)

// Subscription is the handle returned by Router.Subscribe.
type Subscription struct {
	router *Router
	topic  string
	id     int
	once   sync.Once
}

// Unsubscribe removes the handler. The last unsubscribe for a topic tears
// down the server-side registration. Safe to call multiple times.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.router.unsubscribe(s.topic, s.id)
	})
}

// ============================================================================
// Router
// ============================================================================

// Router multiplexes logical topics over the one physical connection. The
// topic registry doubles as the pending-subscription queue: every CONNECTED
// transition re-issues all registered topics, which is what makes reconnects
// transparent to the rest of the system.
type Router struct {
	conn *ConnManager
	log  *slog.Logger

	mu     sync.Mutex
	topics map[string]*topicEntry
}

type topicEntry struct {
	handlers map[int]FrameHandler
	nextID   int
}

// NewRouter wires a router to its connection manager.
func NewRouter(conn *ConnManager, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	r := &Router{
		conn:   conn,
		log:    log,
		topics: make(map[string]*topicEntry),
	}
	conn.SetFrameSink(r.route)
	conn.OnConnected(r.resubscribeAll)
	return r
}

// Subscribe registers interest in a logical topic. Subscribing to the same
// topic twice does not create a duplicate server-side registration: handlers
// are reference-counted per topic key.
func (r *Router) Subscribe(topic string, h FrameHandler) *Subscription {
	r.mu.Lock()
	entry, ok := r.topics[topic]
	if !ok {
		entry = &topicEntry{handlers: make(map[int]FrameHandler)}
		r.topics[topic] = entry
	}
	id := entry.nextID
	entry.nextID++
	entry.handlers[id] = h
	first := !ok
	r.mu.Unlock()

	if first {
		// Best effort; a failed send is repaired by resubscribeAll on the
		// next CONNECTED transition.
		if err := r.conn.Send(context.Background(), Frame{Kind: FrameSubscribe, Topic: topic}); err != nil {
			r.log.Debug("subscribe deferred", "topic", topic, "error", err)
		}
	}
	return &Subscription{router: r, topic: topic, id: id}
}

func (r *Router) unsubscribe(topic string, id int) {
	r.mu.Lock()
	entry, ok := r.topics[topic]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(entry.handlers, id)
	last := len(entry.handlers) == 0
	if last {
		delete(r.topics, topic)
	}
	r.mu.Unlock()

	if last {
		if err := r.conn.Send(context.Background(), Frame{Kind: FrameUnsubscribe, Topic: topic}); err != nil {
			r.log.Debug("unsubscribe skipped", "topic", topic, "error", err)
		}
	}
}

// Publish sends a payload to an outbound destination. It is a thin
// pass-through to the connection's send primitive and fails fast with
// ErrNotConnected instead of buffering.
func (r *Router) Publish(ctx context.Context, destination string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return r.conn.Send(ctx, Frame{Kind: FrameSend, Destination: destination, Payload: raw})
}

// route decodes one raw inbound frame and dispatches it to the handlers of
// the matching topic. Malformed frames are logged and dropped; they never
// tear down the socket. Dispatch is synchronous so the read loop applies
// frames in arrival order.
func (r *Router) route(data []byte) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		r.log.Warn("dropping malformed frame", "error", err)
		return
	}
	if f.Kind == FramePing || f.Kind == FrameConnected {
		return
	}
	if f.Topic == "" {
		r.log.Warn("dropping frame without topic", "kind", f.Kind)
		return
	}

	r.mu.Lock()
	entry, ok := r.topics[f.Topic]
	var handlers []FrameHandler
	if ok {
		handlers = make([]FrameHandler, 0, len(entry.handlers))
		for _, h := range entry.handlers {
			handlers = append(handlers, h)
		}
	}
	r.mu.Unlock()

	if !ok {
		r.log.Debug("frame for unsubscribed topic", "topic", f.Topic)
		return
	}
	for _, h := range handlers {
		h(f)
	}
}

// resubscribeAll re-issues every registered topic. Invoked on each CONNECTED
// transition via the ConnManager hook.
func (r *Router) resubscribeAll() {
	r.mu.Lock()
	topics := make([]string, 0, len(r.topics))
	for topic := range r.topics {
		topics = append(topics, topic)
	}
	r.mu.Unlock()

	for _, topic := range topics {
		if err := r.conn.Send(context.Background(), Frame{Kind: FrameSubscribe, Topic: topic}); err != nil {
			r.log.Warn("resubscribe failed", "topic", topic, "error", err)
			return
		}
	}
}

package chatkit

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestAPI(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, WithTokenProvider(StaticToken("tok")))
}

func newTestReadState(t *testing.T, api *Client) (*ReadState, *MessageStore) {
	t.Helper()
	m := NewConnManager(ConnConfig{Logger: testLogger()})
	r := NewRouter(m, testLogger())
	store := NewMessageStore(StoreConfig{
		Router: r,
		Logger: testLogger(),
		Self:   Participant{UserID: 1},
	})
	rs := NewReadState(ReadStateConfig{
		REST:          api,
		Router:        r,
		Store:         store,
		Logger:        testLogger(),
		SelfID:        1,
		RetryAttempts: 2,
		RetryBase:     time.Millisecond,
	})
	return rs, store
}

func peerMessage(conversationID int64, id int64) Message {
	return Message{ID: id, ConversationID: conversationID, SenderID: 2, Content: "hi", SentAt: time.Now()}
}

func TestIncomingMessagesIncrementUnread(t *testing.T) {
	rs, _ := newTestReadState(t, nil)

	rs.HandleIncoming(peerMessage(1, 10))
	rs.HandleIncoming(peerMessage(1, 11))
	rs.HandleIncoming(peerMessage(2, 12))

	if got := rs.Count(1); got != 2 {
		t.Fatalf("Count(1) = %d, want 2", got)
	}
	if got := rs.Count(2); got != 1 {
		t.Fatalf("Count(2) = %d, want 1", got)
	}
}

func TestOwnMessagesNeverCount(t *testing.T) {
	rs, _ := newTestReadState(t, nil)

	rs.HandleIncoming(Message{ID: 10, ConversationID: 1, SenderID: 1, SentAt: time.Now()})
	if got := rs.Count(1); got != 0 {
		t.Fatalf("Count(1) = %d, want 0", got)
	}
}

func TestFocusedConversationStaysRead(t *testing.T) {
	rs, _ := newTestReadState(t, nil)
	rs.SetFocused(1)

	rs.HandleIncoming(peerMessage(1, 10))
	rs.HandleIncoming(peerMessage(2, 11))

	if got := rs.Count(1); got != 0 {
		t.Fatalf("focused Count(1) = %d, want 0", got)
	}
	if got := rs.Count(2); got != 1 {
		t.Fatalf("Count(2) = %d, want 1", got)
	}

	rs.ClearFocused()
	rs.HandleIncoming(peerMessage(1, 12))
	if got := rs.Count(1); got != 1 {
		t.Fatalf("Count(1) after blur = %d, want 1", got)
	}
}

func TestMarkReadConfirmsWithBackend(t *testing.T) {
	var calls int
	api := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		fmt.Fprint(w, `{"ok":true,"data":null}`)
	})
	rs, _ := newTestReadState(t, api)
	rs.HandleIncoming(peerMessage(1, 10))

	if err := rs.MarkRead(context.Background(), 1); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if got := rs.Count(1); got != 0 {
		t.Fatalf("Count(1) = %d, want 0", got)
	}
	if calls != 1 {
		t.Fatalf("backend calls = %d, want 1", calls)
	}
}

func TestMarkReadRollsBackOnFailure(t *testing.T) {
	var calls int
	api := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		fmt.Fprint(w, `{"ok":false,"error":{"code":"UNAVAILABLE","message":"try later"}}`)
	})
	rs, _ := newTestReadState(t, api)
	rs.HandleIncoming(peerMessage(1, 10))
	rs.HandleIncoming(peerMessage(1, 11))

	if err := rs.MarkRead(context.Background(), 1); err == nil {
		t.Fatal("MarkRead succeeded against a failing backend")
	}
	if calls != 2 {
		t.Fatalf("backend calls = %d, want 2 (bounded retry)", calls)
	}
	if got := rs.Count(1); got != 2 {
		t.Fatalf("Count(1) = %d, want 2 restored", got)
	}
}

func TestResyncReplacesLocalCounts(t *testing.T) {
	api := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ok":true,"data":{"1":3,"2":2}}`)
	})
	rs, _ := newTestReadState(t, api)

	// Locally drifted state: conversation 1 undercounted, 3 stale.
	rs.HandleIncoming(peerMessage(1, 10))
	rs.HandleIncoming(peerMessage(3, 11))

	if err := rs.Resync(context.Background()); err != nil {
		t.Fatalf("Resync: %v", err)
	}
	if got := rs.Count(1); got != 3 {
		t.Fatalf("Count(1) = %d, want 3", got)
	}
	if got := rs.Count(2); got != 2 {
		t.Fatalf("Count(2) = %d, want 2", got)
	}
	if got := rs.Count(3); got != 0 {
		t.Fatalf("Count(3) = %d, want 0 (absent from server map)", got)
	}

	total := 0
	for _, n := range rs.Counts() {
		total += n
	}
	if total != 5 {
		t.Fatalf("total = %d, want 5", total)
	}
}

func TestResyncKeepsFocusedConversationZero(t *testing.T) {
	api := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ok":true,"data":{"2":7}}`)
	})
	rs, _ := newTestReadState(t, api)
	rs.SetFocused(2)

	if err := rs.Resync(context.Background()); err != nil {
		t.Fatalf("Resync: %v", err)
	}
	if got := rs.Count(2); got != 0 {
		t.Fatalf("focused Count(2) = %d, want 0", got)
	}
}

func TestReceiptFromOwnOtherSessionZeroes(t *testing.T) {
	rs, _ := newTestReadState(t, nil)
	rs.HandleIncoming(peerMessage(1, 10))

	rs.HandleReceipt(ReadReceipt{ConversationID: 1, UserID: 1, LastReadID: 10})
	if got := rs.Count(1); got != 0 {
		t.Fatalf("Count(1) = %d, want 0", got)
	}
}

func TestPeerReceiptAdvancesOwnMessagesToRead(t *testing.T) {
	rs, store := newTestReadState(t, nil)
	store.Merge(Message{ID: 1, ConversationID: 1, SenderID: 1, SentAt: at(0), Status: StatusDelivered})
	store.Merge(Message{ID: 2, ConversationID: 1, SenderID: 1, SentAt: at(1), Status: StatusDelivered})
	store.Merge(Message{ID: 3, ConversationID: 1, SenderID: 1, SentAt: at(2), Status: StatusDelivered})

	rs.HandleReceipt(ReadReceipt{ConversationID: 1, UserID: 2, LastReadID: 2})

	snap := store.Snapshot(1)
	want := map[int64]DeliveryStatus{1: StatusRead, 2: StatusRead, 3: StatusDelivered}
	for _, m := range snap {
		if m.Status != want[m.ID] {
			t.Errorf("message %d status = %s, want %s", m.ID, m.Status, want[m.ID])
		}
	}
}

func TestUnreadUpdatesFanOut(t *testing.T) {
	rs, _ := newTestReadState(t, nil)
	updates, cancel := rs.Updates()
	defer cancel()

	rs.HandleIncoming(peerMessage(4, 10))

	select {
	case ev := <-updates:
		if ev.ConversationID != 4 || ev.Count != 1 {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no unread event")
	}
}

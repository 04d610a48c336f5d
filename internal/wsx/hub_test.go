package wsx

import (
	"testing"
	"time"
)

func newTestClient(sessionID string) *Client {
	return &Client{
		Send:      make(chan []byte, 8),
		MeetingID: sessionID,
		SessionID: sessionID,
	}
}

func TestSendDeliversToExactlyOneSession(t *testing.T) {
	h := NewHub()
	go h.Run()

	a := newTestClient("sess-a")
	b := newTestClient("sess-b")
	h.Register(a)
	h.Register(b)

	if err := h.Send("sess-a", map[string]string{"type": "ping"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case msg := <-a.Send:
		if len(msg) == 0 {
			t.Fatal("expected non-empty payload")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message to sess-a")
	}

	select {
	case msg := <-b.Send:
		t.Fatalf("sess-b must not receive a message addressed to sess-a, got %s", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSendToUnknownSessionIsANoOp(t *testing.T) {
	h := NewHub()
	go h.Run()

	if err := h.Send("nobody-here", map[string]string{"type": "ping"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
}

func TestUnregisterClosesSendChannel(t *testing.T) {
	h := NewHub()
	go h.Run()

	a := newTestClient("sess-a")
	h.Register(a)
	h.Unregister(a)

	select {
	case _, open := <-a.Send:
		if open {
			t.Fatal("expected Send channel to be closed after Unregister")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Send channel to close")
	}
}

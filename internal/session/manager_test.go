package session

import (
	"testing"
	"time"

	"github.com/overlaymeet/server/internal/pipeline"
	"github.com/overlaymeet/server/internal/ports"
	"github.com/overlaymeet/server/internal/settings"
	"github.com/overlaymeet/server/internal/sfu"
	"github.com/overlaymeet/server/internal/wsx"
)

type passthroughTransform struct{}

func (passthroughTransform) Apply(frame []byte, width, height int, overlayURL string, opacity float64) []byte {
	return frame
}

func newTestManager(t *testing.T) (*Manager, *wsx.Hub) {
	t.Helper()
	hub := wsx.NewHub()
	go hub.Run()
	newRouter := func() (*sfu.Router, error) { return sfu.NewRouter() }
	m := New(hub, settings.NewStore(), ports.New(32000, 0), pipeline.FrameTransform(passthroughTransform{}), newRouter)
	registry := wsx.NewCommandRegistry()
	m.RegisterHandlers(registry)
	return m, hub
}

func recv(t *testing.T, c *wsx.Client, timeout time.Duration) []byte {
	t.Helper()
	select {
	case msg := <-c.Send:
		return msg
	case <-time.After(timeout):
		t.Fatal("timed out waiting for a message")
		return nil
	}
}

func expectSilence(t *testing.T, c *wsx.Client, timeout time.Duration) {
	t.Helper()
	select {
	case msg := <-c.Send:
		t.Fatalf("expected no message, got %s", msg)
	case <-time.After(timeout):
	}
}

func registerClient(hub *wsx.Hub, sessionID string) *wsx.Client {
	c := &wsx.Client{Send: make(chan []byte, 8), MeetingID: sessionID, SessionID: sessionID}
	hub.Register(c)
	return c
}

// Scenario 1: single-user waiting.
func TestSingleUserWaiting(t *testing.T) {
	m, hub := newTestManager(t)
	s1 := registerClient(hub, "s1")

	m.handleJoinMeeting("s1", hub, map[string]interface{}{"meetingId": "m1", "name": "a"})

	msg := recv(t, s1, time.Second)
	if string(msg) != `{"type":"waiting"}` {
		t.Fatalf("expected waiting event, got %s", msg)
	}
}

// Scenario 2: pair-up emits partner-connected to both.
func TestPairUp(t *testing.T) {
	m, hub := newTestManager(t)
	s1 := registerClient(hub, "s1")
	s2 := registerClient(hub, "s2")

	m.handleJoinMeeting("s1", hub, map[string]interface{}{"meetingId": "m1", "name": "a"})
	recv(t, s1, time.Second) // waiting

	m.handleJoinMeeting("s2", hub, map[string]interface{}{"meetingId": "m1", "name": "b"})

	for _, c := range []*wsx.Client{s1, s2} {
		msg := recv(t, c, time.Second)
		if string(msg) != `{"type":"partner-connected","meetingId":"m1"}` {
			t.Fatalf("expected partner-connected, got %s", msg)
		}
	}
}

// Scenario 3: a third participant is rejected with the exact error message.
func TestRoomFull(t *testing.T) {
	m, hub := newTestManager(t)
	s1 := registerClient(hub, "s1")
	s2 := registerClient(hub, "s2")
	s3 := registerClient(hub, "s3")

	m.handleJoinMeeting("s1", hub, map[string]interface{}{"meetingId": "m1", "name": "a"})
	recv(t, s1, time.Second)
	m.handleJoinMeeting("s2", hub, map[string]interface{}{"meetingId": "m1", "name": "b"})
	recv(t, s1, time.Second)
	recv(t, s2, time.Second)

	m.handleJoinMeeting("s3", hub, map[string]interface{}{"meetingId": "m1", "name": "c"})

	msg := recv(t, s3, time.Second)
	want := `{"type":"error","message":"Meeting is full (maximum 2 participants)"}`
	if string(msg) != want {
		t.Fatalf("want %s, got %s", want, msg)
	}

	if _, ok := m.session("s3"); ok {
		t.Fatal("rejected session must not be recorded as joined")
	}
}

// Scenario 4: audio produce notifies producer-created to the owner and
// new-producer to the peer only.
func TestAudioProduceNotifiesPeerOnly(t *testing.T) {
	m, hub := newTestManager(t)
	s1 := registerClient(hub, "s1")
	s2 := registerClient(hub, "s2")

	m.handleJoinMeeting("s1", hub, map[string]interface{}{"meetingId": "m1", "name": "a"})
	recv(t, s1, time.Second)
	m.handleJoinMeeting("s2", hub, map[string]interface{}{"meetingId": "m1", "name": "b"})
	recv(t, s1, time.Second)
	recv(t, s2, time.Second)

	producer := &sfu.Producer{ID: "pa-1", Kind: sfu.KindAudio}
	m.onProducerCreated("s1", "m1", producer)

	createdMsg := recv(t, s1, time.Second)
	if string(createdMsg) != `{"type":"producer-created","id":"pa-1"}` {
		t.Fatalf("unexpected producer-created payload: %s", createdMsg)
	}

	newProdMsg := recv(t, s2, time.Second)
	if string(newProdMsg) != `{"type":"new-producer","producerId":"pa-1","kind":"audio"}` {
		t.Fatalf("unexpected new-producer payload: %s", newProdMsg)
	}

	expectSilence(t, s1, 50*time.Millisecond)
}

// overlay-data is relayed to the peer only, never echoed to the sender.
func TestOverlayDataRelayedToPeerOnly(t *testing.T) {
	m, hub := newTestManager(t)
	s1 := registerClient(hub, "s1")
	s2 := registerClient(hub, "s2")

	m.handleJoinMeeting("s1", hub, map[string]interface{}{"meetingId": "m1", "name": "a"})
	recv(t, s1, time.Second)
	m.handleJoinMeeting("s2", hub, map[string]interface{}{"meetingId": "m1", "name": "b"})
	recv(t, s1, time.Second)
	recv(t, s2, time.Second)

	m.handleOverlayData("s1", hub, map[string]interface{}{
		"landmarks": []interface{}{1.0, 2.0}, "overlayUrl": "http://x/o.png", "opacity": 0.5,
	})

	msg := recv(t, s2, time.Second)
	if string(msg) == "" {
		t.Fatal("expected overlay-data forwarded to peer")
	}
	expectSilence(t, s1, 50*time.Millisecond)
}

// Scenario 6: disconnect cleanup notifies the remaining peer and removes
// the leaving session; repeated disconnects are no-ops.
func TestDisconnectCleanup(t *testing.T) {
	m, hub := newTestManager(t)
	s1 := registerClient(hub, "s1")
	s2 := registerClient(hub, "s2")

	m.handleJoinMeeting("s1", hub, map[string]interface{}{"meetingId": "m1", "name": "a"})
	recv(t, s1, time.Second)
	m.handleJoinMeeting("s2", hub, map[string]interface{}{"meetingId": "m1", "name": "b"})
	recv(t, s1, time.Second)
	recv(t, s2, time.Second)

	m.Disconnect("s1")

	msg := recv(t, s2, time.Second)
	if string(msg) != `{"type":"user-disconnected"}` {
		t.Fatalf("expected user-disconnected, got %s", msg)
	}

	if _, ok := m.session("s1"); ok {
		t.Fatal("disconnected session must be removed")
	}

	// Idempotent: a second disconnect must not panic or emit anything further.
	m.Disconnect("s1")
	expectSilence(t, s2, 50*time.Millisecond)
}

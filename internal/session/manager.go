// Package session is the Session Manager from spec §4.6: it maps sockets to
// sessions, sessions to meetings (max two per meeting), dispatches
// signalling events, and hosts one Pipeline Coordinator per meeting. Shape
// (mutex-guarded room maps, per-session cleanup idempotent by construction)
// follows the teacher's webrtc/videoconference.go join/offer/answer/
// candidate/leave handlers and sfuRoom bookkeeping in webrtc/sfu.go.
package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/overlaymeet/server/internal/logx"
	"github.com/overlaymeet/server/internal/pipeline"
	"github.com/overlaymeet/server/internal/ports"
	"github.com/overlaymeet/server/internal/settings"
	"github.com/overlaymeet/server/internal/sfu"
	"github.com/overlaymeet/server/internal/wsx"
)

// Session is one connected client, per the Data Model table in spec §3.
type Session struct {
	ID        string
	Name      string
	MeetingID string

	Transport *sfu.WebRtcTransport

	mu        sync.Mutex
	producers map[string]*sfu.Producer
	consumers map[string]*sfu.Consumer
}

func newSession(id string) *Session {
	return &Session{
		ID:        id,
		producers: make(map[string]*sfu.Producer),
		consumers: make(map[string]*sfu.Consumer),
	}
}

// Meeting holds up to two sessions and the SFU/pipeline resources scoped to
// that room — one Router (and therefore one Pipeline Coordinator) per
// meeting, per spec §1/§9.
type Meeting struct {
	ID          string
	SessionIDs  []string
	Router      *sfu.Router
	Coordinator *pipeline.Coordinator
}

// RouterFactory builds a fresh *sfu.Router for a new meeting — a function so
// tests can substitute a router pre-wired with fake ICE servers or codecs.
type RouterFactory func() (*sfu.Router, error)

// Manager is the Session Manager. One instance per process.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	meetings map[string]*Meeting

	producerOwner   map[string]string // producerID -> sessionID
	producerMeeting map[string]string // producerID -> meetingID

	hub       *wsx.Hub
	settings  *settings.Store
	allocator *ports.Allocator
	transform pipeline.FrameTransform

	newRouter RouterFactory
}

// New builds a Session Manager. allocator and transform are shared across
// every meeting's pipeline coordinator; settings are keyed by session id,
// which is already globally unique, so the store is shared too.
func New(hub *wsx.Hub, settingsStore *settings.Store, allocator *ports.Allocator, transform pipeline.FrameTransform, newRouter RouterFactory) *Manager {
	if newRouter == nil {
		newRouter = sfu.NewRouter
	}
	return &Manager{
		sessions:        make(map[string]*Session),
		meetings:        make(map[string]*Meeting),
		producerOwner:   make(map[string]string),
		producerMeeting: make(map[string]string),
		hub:             hub,
		settings:        settingsStore,
		allocator:       allocator,
		transform:       transform,
		newRouter:       newRouter,
	}
}

// RegisterHandlers installs every signalling command on registry, bound to
// this manager.
func (m *Manager) RegisterHandlers(registry *wsx.CommandRegistry) {
	registry.Register("join-meeting", m.handleJoinMeeting)
	registry.Register("offer", m.handleOffer)
	registry.Register("answer", m.handleAnswer)
	registry.Register("ice-candidate", m.handleICECandidate)
	registry.Register("overlay-data", m.handleOverlayData)
	registry.Register("chat-message", m.handleChatMessage)
	registry.Register("get-router-capabilities", m.handleGetRouterCapabilities)
	registry.Register("create-transport", m.handleCreateTransport)
	registry.Register("connect-transport", m.handleConnectTransport)
	registry.Register("produce", m.handleProduce)
	registry.Register("consume", m.handleConsume)
	registry.Register("consumer-resume", m.handleConsumerResume)
	registry.Register("change-overlay", m.handleChangeOverlay)
	registry.Register("change-opacity", m.handleChangeOpacity)
	registry.Register("toggle-overlay", m.handleToggleOverlay)
	registry.Register("leave", m.handleLeave)
}

func (m *Manager) session(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

func (m *Manager) meetingOf(sessionID string) (*Meeting, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok || s.MeetingID == "" {
		return nil, false
	}
	meeting, ok := m.meetings[s.MeetingID]
	return meeting, ok
}

// peerOf returns the other session id in sessionID's meeting, if any.
func (m *Manager) peerOf(sessionID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok || s.MeetingID == "" {
		return "", false
	}
	meeting, ok := m.meetings[s.MeetingID]
	if !ok {
		return "", false
	}
	for _, id := range meeting.SessionIDs {
		if id != sessionID {
			return id, true
		}
	}
	return "", false
}

// --- join-meeting -----------------------------------------------------

func (m *Manager) handleJoinMeeting(sessionID string, hub *wsx.Hub, payload map[string]interface{}) {
	meetingID, _ := payload["meetingId"].(string)
	name, _ := payload["name"].(string)
	if meetingID == "" {
		hub.Send(sessionID, newErrorEvent("join-meeting requires meetingId"))
		return
	}

	m.mu.Lock()
	meeting, ok := m.meetings[meetingID]
	if !ok {
		meeting = &Meeting{ID: meetingID}
		m.meetings[meetingID] = meeting
	}

	if len(meeting.SessionIDs) >= 2 {
		m.mu.Unlock()
		hub.Send(sessionID, newErrorEvent("Meeting is full (maximum 2 participants)"))
		return
	}

	s, ok := m.sessions[sessionID]
	if !ok {
		s = newSession(sessionID)
		m.sessions[sessionID] = s
	}
	s.Name = name

	meeting.SessionIDs = append(meeting.SessionIDs, sessionID)
	s.MeetingID = meetingID
	becamePair := len(meeting.SessionIDs) == 2

	if becamePair && meeting.Router == nil {
		router, err := m.newRouter()
		if err != nil {
			m.mu.Unlock()
			logx.Error("failed to create router for meeting", err, logx.Fields{"meeting": meetingID})
			hub.Send(sessionID, newErrorEvent("failed to set up meeting"))
			return
		}
		meeting.Router = router
		meeting.Coordinator = pipeline.New(router, m.allocator, m.transform, m.settings, m)
	}
	sessionIDs := append([]string(nil), meeting.SessionIDs...)
	m.mu.Unlock()

	m.settings.Create(sessionID)

	if !becamePair {
		hub.Send(sessionID, newWaitingEvent())
		return
	}
	for _, id := range sessionIDs {
		hub.Send(id, partnerConnectedEvent{Type: "partner-connected", MeetingID: meetingID})
	}
}

// --- trivial signalling relays -----------------------------------------

func (m *Manager) handleOffer(sessionID string, hub *wsx.Hub, payload map[string]interface{}) {
	m.relay(sessionID, hub, func(meetingID, peerID string) {
		roomID, _ := payload["roomId"].(string)
		hub.Send(peerID, offerEvent{Type: "offer", RoomID: roomID, SDP: payload["sdp"]})
	})
}

func (m *Manager) handleAnswer(sessionID string, hub *wsx.Hub, payload map[string]interface{}) {
	m.relay(sessionID, hub, func(meetingID, peerID string) {
		roomID, _ := payload["roomId"].(string)
		hub.Send(peerID, answerEvent{Type: "answer", RoomID: roomID, SDP: payload["sdp"]})
	})
}

func (m *Manager) handleICECandidate(sessionID string, hub *wsx.Hub, payload map[string]interface{}) {
	m.relay(sessionID, hub, func(meetingID, peerID string) {
		roomID, _ := payload["roomId"].(string)
		kind, _ := payload["type"].(string)
		hub.Send(peerID, iceCandidateEvent{
			Type: "ice-candidate", RoomID: roomID, Candidate: payload["candidate"], Kind: kind,
		})
	})
}

// handleOverlayData forwards landmark/overlay hints to the peer only, never
// echoed back to the sender, per the testable property in spec §8.
func (m *Manager) handleOverlayData(sessionID string, hub *wsx.Hub, payload map[string]interface{}) {
	m.relay(sessionID, hub, func(meetingID, peerID string) {
		overlayURL, _ := payload["overlayUrl"].(string)
		opacity, _ := payload["opacity"].(float64)
		hub.Send(peerID, overlayDataEvent{
			Type: "overlay-data", Landmarks: payload["landmarks"], OverlayURL: overlayURL, Opacity: opacity,
		})
	})
}

// handleChatMessage relays end-to-end-encrypted chat: the server never
// decrypts the ciphertext, per SPEC_FULL §4.10.
func (m *Manager) handleChatMessage(sessionID string, hub *wsx.Hub, payload map[string]interface{}) {
	m.relay(sessionID, hub, func(meetingID, peerID string) {
		ciphertext, _ := payload["ciphertext"].(string)
		iv, _ := payload["iv"].(string)
		hub.Send(peerID, chatMessageEvent{
			Type: "chat-message", From: sessionID, Ciphertext: ciphertext, IV: iv,
		})
	})
}

func (m *Manager) relay(sessionID string, hub *wsx.Hub, send func(meetingID, peerID string)) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok || s.MeetingID == "" {
		m.mu.Unlock()
		return
	}
	meetingID := s.MeetingID
	m.mu.Unlock()

	peerID, ok := m.peerOf(sessionID)
	if !ok {
		return
	}
	send(meetingID, peerID)
}

// --- SFU plumbing --------------------------------------------------------

func (m *Manager) handleGetRouterCapabilities(sessionID string, hub *wsx.Hub, payload map[string]interface{}) {
	meeting, ok := m.meetingOf(sessionID)
	if !ok {
		hub.Send(sessionID, newErrorEvent("no meeting joined"))
		return
	}
	hub.Send(sessionID, routerCapabilitiesEvent{
		Type: "router-capabilities", RTPCapabilities: meeting.Router.RTPCapabilities(),
	})
}

// handleCreateTransport lazily creates the single WebRtcTransport backing
// both directions for this session. A real mediasoup client negotiates
// separate send/recv transports with their own ICE/DTLS parameters; this
// shim instead drives one underlying webrtc.PeerConnection per session
// through the standard offer/answer events, so both directions share one
// transport id and the ICE/DTLS fields below are placeholders — negotiation
// itself happens over the offer/answer/ice-candidate events.
func (m *Manager) handleCreateTransport(sessionID string, hub *wsx.Hub, payload map[string]interface{}) {
	meeting, ok := m.meetingOf(sessionID)
	if !ok {
		hub.Send(sessionID, newErrorEvent("no meeting joined"))
		return
	}
	s, _ := m.session(sessionID)
	direction, _ := payload["direction"].(string)

	s.mu.Lock()
	if s.Transport == nil {
		transport, err := meeting.Router.CreateWebRtcTransport(sessionID)
		if err != nil {
			s.mu.Unlock()
			logx.Error("failed to create webrtc transport", err, logx.Fields{"session": sessionID})
			hub.Send(sessionID, newErrorEvent("failed to create transport"))
			return
		}
		transport.OnProduce(func(p *sfu.Producer) {
			m.onProducerCreated(sessionID, meeting.ID, p)
		})
		s.Transport = transport
	}
	s.mu.Unlock()

	hub.Send(sessionID, transportCreatedEvent{
		Type: "transport-created", ID: sessionID,
		ICEParameters: map[string]interface{}{}, ICECandidates: []interface{}{},
		DTLSParameters: map[string]interface{}{}, Direction: direction,
	})
}

func (m *Manager) handleConnectTransport(sessionID string, hub *wsx.Hub, payload map[string]interface{}) {
	if _, ok := m.meetingOf(sessionID); !ok {
		return
	}
	transportID, _ := payload["transportId"].(string)
	hub.Send(sessionID, transportConnectedEvent{Type: "transport-connected", TransportID: transportID})
}

// handleProduce exists for wire-contract completeness; in this shim
// producers are actually discovered server-side via the pion OnTrack
// callback wired in handleCreateTransport (see onProducerCreated), since
// standard SDP offer/answer negotiation — not an explicit client "produce"
// message — is what carries the track to the server.
func (m *Manager) handleProduce(sessionID string, hub *wsx.Hub, payload map[string]interface{}) {
	meeting, ok := m.meetingOf(sessionID)
	if !ok {
		hub.Send(sessionID, newErrorEvent("no meeting joined"))
		return
	}
	_ = meeting
}

// onProducerCreated implements the "produce" reply contract from spec §6:
// audio notifies the peer immediately; video attaches the pipeline, which
// defers peer notification until the ProcessedProducer exists.
func (m *Manager) onProducerCreated(sessionID, meetingID string, producer *sfu.Producer) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if ok {
		s.mu.Lock()
		s.producers[producer.ID] = producer
		s.mu.Unlock()
	}
	m.producerOwner[producer.ID] = sessionID
	m.producerMeeting[producer.ID] = meetingID
	meeting := m.meetings[meetingID]
	m.mu.Unlock()

	m.hub.Send(sessionID, producerCreatedEvent{Type: "producer-created", ID: producer.ID})

	if producer.Kind == sfu.KindAudio {
		if peerID, ok := m.peerOf(sessionID); ok {
			m.hub.Send(peerID, newProducerEvent{Type: "new-producer", ProducerID: producer.ID, Kind: "audio"})
		}
		return
	}

	if meeting == nil || meeting.Coordinator == nil {
		return
	}
	if err := meeting.Coordinator.AttachVideoProducer(context.Background(), sessionID, producer); err != nil {
		logx.Error("failed to attach video pipeline", err, logx.Fields{"session": sessionID, "producer": producer.ID})
	}
}

func (m *Manager) handleConsume(sessionID string, hub *wsx.Hub, payload map[string]interface{}) {
	meeting, ok := m.meetingOf(sessionID)
	if !ok {
		hub.Send(sessionID, newErrorEvent("no meeting joined"))
		return
	}
	producerID, _ := payload["producerId"].(string)

	m.mu.Lock()
	ownerID, ok := m.producerOwner[producerID]
	m.mu.Unlock()
	if !ok {
		hub.Send(sessionID, newErrorEvent("unknown producer"))
		return
	}
	owner, ok := m.session(ownerID)
	if !ok {
		hub.Send(sessionID, newErrorEvent("unknown producer owner"))
		return
	}
	owner.mu.Lock()
	producer, ok := owner.producers[producerID]
	owner.mu.Unlock()
	if !ok {
		hub.Send(sessionID, newErrorEvent("unknown producer"))
		return
	}

	s, _ := m.session(sessionID)
	s.mu.Lock()
	transport := s.Transport
	s.mu.Unlock()
	if transport == nil {
		hub.Send(sessionID, newErrorEvent("no transport to consume on"))
		return
	}

	consumer, err := transport.Consume(producer, meeting.Router.RTPCapabilities())
	if err != nil {
		logx.Error("consume failed", err, logx.Fields{"session": sessionID, "producer": producerID})
		hub.Send(sessionID, newErrorEvent("failed to consume producer"))
		return
	}
	s.mu.Lock()
	s.consumers[consumer.ID] = consumer
	s.mu.Unlock()

	hub.Send(sessionID, consumerCreatedEvent{
		Type: "consumer-created", ID: consumer.ID, ProducerID: producerID,
		Kind: string(consumer.Kind), RTPParameters: consumer.Params,
	})
}

func (m *Manager) handleConsumerResume(sessionID string, hub *wsx.Hub, payload map[string]interface{}) {
	consumerID, _ := payload["consumerId"].(string)
	s, ok := m.session(sessionID)
	if !ok {
		return
	}
	s.mu.Lock()
	consumer, ok := s.consumers[consumerID]
	s.mu.Unlock()
	if !ok {
		return
	}
	consumer.Resume()
}

// --- settings mutation ---------------------------------------------------

func (m *Manager) handleChangeOverlay(sessionID string, hub *wsx.Hub, payload map[string]interface{}) {
	url, _ := payload["overlayUrl"].(string)
	s := m.settings.SetOverlayURL(sessionID, url)
	m.ackSettings(sessionID, hub, s)
}

func (m *Manager) handleChangeOpacity(sessionID string, hub *wsx.Hub, payload map[string]interface{}) {
	opacity, _ := payload["opacity"].(float64)
	s := m.settings.SetOpacity(sessionID, opacity)
	m.ackSettings(sessionID, hub, s)
}

func (m *Manager) handleToggleOverlay(sessionID string, hub *wsx.Hub, payload map[string]interface{}) {
	enabled, _ := payload["enabled"].(bool)
	s := m.settings.SetEnabled(sessionID, enabled)
	m.ackSettings(sessionID, hub, s)
}

func (m *Manager) ackSettings(sessionID string, hub *wsx.Hub, s settings.UserSettings) {
	hub.Send(sessionID, settingsAckEvent{
		Type: "settings-updated", OverlayURL: s.OverlayURL, Opacity: s.Opacity, Enabled: s.Enabled,
	})
}

// --- disconnect / leave ---------------------------------------------------

func (m *Manager) handleLeave(sessionID string, hub *wsx.Hub, payload map[string]interface{}) {
	m.Disconnect(sessionID)
}

// Disconnect tears down every resource owned by sessionID per spec §4.6.
// Idempotent: repeated calls for the same id are no-ops after the first.
func (m *Manager) Disconnect(sessionID string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	meetingID := s.MeetingID
	meeting := m.meetings[meetingID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	s.mu.Lock()
	producerIDs := make([]string, 0, len(s.producers))
	for id := range s.producers {
		producerIDs = append(producerIDs, id)
	}
	transport := s.Transport
	s.mu.Unlock()

	for _, id := range producerIDs {
		if meeting != nil && meeting.Coordinator != nil {
			meeting.Coordinator.Detach(id)
		}
		m.mu.Lock()
		delete(m.producerOwner, id)
		delete(m.producerMeeting, id)
		m.mu.Unlock()
	}
	if transport != nil {
		_ = transport.Close()
	}
	m.settings.Remove(sessionID)

	if meeting == nil {
		return
	}

	m.mu.Lock()
	remaining := make([]string, 0, len(meeting.SessionIDs))
	for _, id := range meeting.SessionIDs {
		if id != sessionID {
			remaining = append(remaining, id)
		}
	}
	meeting.SessionIDs = remaining
	emptied := len(remaining) == 0
	if emptied {
		delete(m.meetings, meetingID)
	}
	m.mu.Unlock()

	if emptied {
		return
	}
	for _, id := range remaining {
		m.hub.Send(id, userDisconnectedEvent{Type: "user-disconnected"})
	}
}

// --- pipeline.PeerNotifier ------------------------------------------------

// NotifyNewProducer implements pipeline.PeerNotifier: delivers new-producer
// to the owning session's peer, never to the owner itself.
func (m *Manager) NotifyNewProducer(ownerSessionID, producerID string, kind sfu.Kind) {
	peerID, ok := m.peerOf(ownerSessionID)
	if !ok {
		return
	}
	m.hub.Send(peerID, newProducerEvent{Type: "new-producer", ProducerID: producerID, Kind: string(kind)})
}

// ReportError implements pipeline.PeerNotifier: surfaces a pipeline failure
// to the offending session only, per spec §7.
func (m *Manager) ReportError(ownerSessionID, message string) {
	m.hub.Send(ownerSessionID, newErrorEvent(message))
}

var _ fmt.Stringer = (*Manager)(nil)

// String implements fmt.Stringer for debug logging convenience.
func (m *Manager) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fmt.Sprintf("session.Manager{sessions=%d meetings=%d}", len(m.sessions), len(m.meetings))
}

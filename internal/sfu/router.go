package sfu

import (
	"fmt"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// Router owns the negotiated codec set for one meeting and is the factory
// for both WebRTC-facing and plain (loopback) transports. One Router is
// created per meeting, matching the spec's "SFU router plain-transport
// pair" language in §1.
type Router struct {
	api  *webrtc.API
	caps RTPCapabilities

	mu         sync.Mutex
	transports map[string]*WebRtcTransport
	iceServers []webrtc.ICEServer
}

// NewRouter builds a Router with VP8 video and Opus audio registered —
// VP8 because §4.2 calls out VP8 as the default negotiated video codec,
// Opus as the conventional WebRTC default for audio.
func NewRouter() (*Router, error) {
	m := &webrtc.MediaEngine{}

	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: 48000,
			Channels:  2,
		},
		PayloadType: 111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register opus: %w", err)
	}

	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeVP8,
			ClockRate:   90000,
			SDPFmtpLine: "",
			RTCPFeedback: []webrtc.RTCPFeedback{
				{Type: "nack"}, {Type: "nack", Parameter: "pli"}, {Type: "goog-remb"},
			},
		},
		PayloadType: 96,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, fmt.Errorf("register vp8: %w", err)
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	caps := RTPCapabilities{
		Codecs: []RTPCodecParameters{
			{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2, PayloadType: 111},
			{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000, PayloadType: 96,
				RTCPFeedback: []webrtc.RTCPFeedback{{Type: "nack"}, {Type: "nack", Parameter: "pli"}, {Type: "goog-remb"}}},
		},
	}

	return &Router{
		api:        webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(ir)),
		caps:       caps,
		transports: make(map[string]*WebRtcTransport),
		iceServers: iceServers,
	}, nil
}

// SetICEServers overrides the router's ICE server list (e.g. to add a
// time-limited TURN credential generated by internal/config.TURNCredentials)
// for every WebRtcTransport created afterwards.
func (r *Router) SetICEServers(servers []webrtc.ICEServer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.iceServers = servers
}

// RTPCapabilities returns the router's advertised codec set, sent to
// clients in reply to get-router-capabilities.
func (r *Router) RTPCapabilities() RTPCapabilities {
	return r.caps
}

// CanConsume reports whether the router can bridge the given producer's
// codec into the capabilities a consumer advertises. Matching is by
// MIME type, which is sufficient for this service's fixed two-codec set.
func (r *Router) CanConsume(producerCodec RTPCodecParameters, consumerCaps RTPCapabilities) bool {
	for _, c := range consumerCaps.Codecs {
		if c.MimeType == producerCodec.MimeType {
			return true
		}
	}
	return false
}

var iceServers = []webrtc.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
}

// BuildICEServers appends a TURN server carrying time-limited credentials
// (from internal/config.TURNCredentials) to the default STUN-only list.
// An empty turnURL returns the STUN-only default unchanged.
func BuildICEServers(turnURL, turnUsername, turnCredential string) []webrtc.ICEServer {
	if turnURL == "" {
		return iceServers
	}
	servers := make([]webrtc.ICEServer, len(iceServers), len(iceServers)+1)
	copy(servers, iceServers)
	return append(servers, webrtc.ICEServer{
		URLs:       []string{turnURL},
		Username:   turnUsername,
		Credential: turnCredential,
	})
}

// CreateWebRtcTransport creates a peer-facing transport registered under id
// (the session layer passes the session id). One transport carries both
// directions: it adds one sendrecv audio and one sendrecv video transceiver,
// mirroring the teacher's AddTransceiverFromKind usage.
func (r *Router) CreateWebRtcTransport(id string) (*WebRtcTransport, error) {
	r.mu.Lock()
	servers := r.iceServers
	r.mu.Unlock()
	pc, err := r.api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendrecv}); err != nil {
		_ = pc.Close()
		return nil, err
	}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendrecv}); err != nil {
		_ = pc.Close()
		return nil, err
	}

	t := newWebRtcTransport(id, pc)

	r.mu.Lock()
	r.transports[id] = t
	r.mu.Unlock()

	return t, nil
}

// CreatePlainTransport creates a loopback RTP/RTCP transport used
// internally to bridge a producer to a decoder, or an encoder to a new
// producer. See PlainTransportOptions.
func (r *Router) CreatePlainTransport(opts PlainTransportOptions) (*PlainTransport, error) {
	return newPlainTransport(opts)
}

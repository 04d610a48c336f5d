// Package sfu implements the small set of SFU primitives the session
// manager and pipeline coordinator are written against: a Router offering
// RTP capabilities, WebRTC transports facing the two participants, and
// plain (loopback RTP/RTCP) transports used internally to bridge producers
// to the decoder/encoder processes. It is a thin shim over
// github.com/pion/webrtc/v4, built in the style of the fan-out/forwarding
// SFU the teacher hand-rolled for its mesh/SFU video conference mode.
package sfu

import "github.com/pion/webrtc/v4"

// Kind mirrors the two media kinds the spec cares about.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// RTPCodecParameters describes a single negotiated codec, trimmed to the
// fields the pipeline and session manager actually consult.
type RTPCodecParameters struct {
	MimeType     string
	ClockRate    uint32
	Channels     uint16
	PayloadType  uint8
	SDPFmtpLine  string
	RTCPFeedback []webrtc.RTCPFeedback
}

// RTPHeaderExtension is carried through unmodified between input consumer
// and output producer.
type RTPHeaderExtension struct {
	URI string
	ID  int
}

// RTPEncoding describes a single simulcast-free encoding layer — this
// service never produces more than one (no adaptive bitrate / simulcast,
// per the spec's non-goals).
type RTPEncoding struct {
	SSRC            uint32
	ScalabilityMode string
}

// RTCPParameters carries the CNAME used to correlate RTP/RTCP.
type RTCPParameters struct {
	CNAME string
}

// RTPParameters is the mediasoup-shaped bundle of everything needed to
// consume or produce a stream: codecs, header extensions, encodings, rtcp.
type RTPParameters struct {
	Codecs           []RTPCodecParameters
	HeaderExtensions []RTPHeaderExtension
	Encodings        []RTPEncoding
	RTCP             RTCPParameters
}

// RTPCapabilities is the router's advertised set of codecs/header
// extensions, handed to clients via get-router-capabilities and consulted
// by CanConsume.
type RTPCapabilities struct {
	Codecs           []RTPCodecParameters
	HeaderExtensions []RTPHeaderExtension
}

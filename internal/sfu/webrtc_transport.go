package sfu

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/overlaymeet/server/internal/logx"
)

// WebRtcTransport is the SFU-side handle for one participant's browser
// connection: one underlying webrtc.PeerConnection carrying both an
// inbound (producer) and outbound (consumer) direction, the way the
// teacher's sfuPeer multiplexes publish and subscribe over a single PC.
type WebRtcTransport struct {
	ID string
	pc *webrtc.PeerConnection

	mu        sync.Mutex
	producers map[string]*Producer // by producer id
	consumers map[string]*Consumer // by consumer id

	onTrack func(p *Producer)
}

func newWebRtcTransport(id string, pc *webrtc.PeerConnection) *WebRtcTransport {
	t := &WebRtcTransport{
		ID:        id,
		pc:        pc,
		producers: make(map[string]*Producer),
		consumers: make(map[string]*Consumer),
	}
	pc.OnTrack(func(remote *webrtc.TrackRemote, recv *webrtc.RTPReceiver) {
		kind := KindAudio
		if remote.Kind() == webrtc.RTPCodecTypeVideo {
			kind = KindVideo
		}
		p := &Producer{
			ID:     uuid.NewString(),
			Kind:   kind,
			track:  remote,
			params: rtpParametersFromTrack(remote),
		}
		t.mu.Lock()
		t.producers[p.ID] = p
		cb := t.onTrack
		t.mu.Unlock()

		go p.readLoop()

		if cb != nil {
			cb(p)
		}
	})
	return t
}

// OnProduce registers the callback invoked whenever the remote side
// publishes a new track.
func (t *WebRtcTransport) OnProduce(fn func(p *Producer)) {
	t.mu.Lock()
	t.onTrack = fn
	t.mu.Unlock()
}

// PeerConnection exposes the underlying pion connection for
// offer/answer/ICE plumbing done by the session layer.
func (t *WebRtcTransport) PeerConnection() *webrtc.PeerConnection {
	return t.pc
}

// Consume creates an outbound local track mirroring the given producer and
// wires a forwarding goroutine from producer to consumer, paused until
// Resume is called — mirroring the spec's "paused" consumer-created reply.
func (t *WebRtcTransport) Consume(producer *Producer, caps RTPCapabilities) (*Consumer, error) {
	codec := producer.track.Codec()
	local, err := webrtc.NewTrackLocalStaticRTP(codec.RTPCodecCapability, producer.track.ID(), producer.track.StreamID())
	if err != nil {
		return nil, fmt.Errorf("new local track: %w", err)
	}
	sender, err := t.pc.AddTrack(local)
	if err != nil {
		return nil, fmt.Errorf("add track: %w", err)
	}

	c := &Consumer{
		ID:         uuid.NewString(),
		ProducerID: producer.ID,
		Kind:       producer.Kind,
		Params:     producer.params,
		sender:     sender,
		local:      local,
		paused:     true,
	}

	sub := producer.subscribe()
	go c.forward(sub)

	t.mu.Lock()
	t.consumers[c.ID] = c
	t.mu.Unlock()

	return c, nil
}

// Produce registers a server-created producer with the given parameters on
// this transport. No track or packet source is attached to it.
func (t *WebRtcTransport) Produce(kind Kind, params RTPParameters) (*Producer, error) {
	codecType := webrtc.RTPCodecTypeAudio
	if kind == KindVideo {
		codecType = webrtc.RTPCodecTypeVideo
	}
	_ = codecType

	p := &Producer{
		ID:     uuid.NewString(),
		Kind:   kind,
		params: params,
		local:  true,
	}
	t.mu.Lock()
	t.producers[p.ID] = p
	t.mu.Unlock()
	return p, nil
}

// Close tears down the underlying peer connection.
func (t *WebRtcTransport) Close() error {
	return t.pc.Close()
}

// Producer is the SFU's publish-side handle on a single media stream.
// When local is true it was created server-side (e.g. the processed video
// producer) rather than discovered from an OnTrack callback.
type Producer struct {
	ID     string
	Kind   Kind
	track  *webrtc.TrackRemote
	params RTPParameters
	local  bool

	subsMu sync.Mutex
	subs   map[chan *rtp.Packet]struct{}
	closed bool
}

// Close stops delivering packets to this producer's consumers and closes
// every subscriber channel, matching §4.6's "close the ProcessedProducer"
// teardown step for pipeline-originated producers.
func (p *Producer) Close() error {
	p.subsMu.Lock()
	defer p.subsMu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	for ch := range p.subs {
		close(ch)
		delete(p.subs, ch)
	}
	return nil
}

// Params returns the producer's negotiated RTP parameters (codecs, header
// extensions, encodings, rtcp) for reuse when building a processed
// producer downstream.
func (p *Producer) Params() RTPParameters { return p.params }

func (p *Producer) subscribe() chan *rtp.Packet {
	p.subsMu.Lock()
	defer p.subsMu.Unlock()
	ch := make(chan *rtp.Packet, 256)
	if p.closed {
		close(ch)
		return ch
	}
	if p.subs == nil {
		p.subs = make(map[chan *rtp.Packet]struct{})
	}
	p.subs[ch] = struct{}{}
	return ch
}

func (p *Producer) broadcast(pkt *rtp.Packet) {
	p.subsMu.Lock()
	defer p.subsMu.Unlock()
	if p.closed {
		return
	}
	for ch := range p.subs {
		select {
		case ch <- pkt:
		default:
		}
	}
}

func (p *Producer) readLoop() {
	if p.track == nil {
		return
	}
	for {
		pkt, _, err := p.track.ReadRTP()
		if err != nil {
			return
		}
		p.broadcast(pkt)
	}
}

// Consumer is the SFU's subscribe-side handle: it forwards its producer's
// packets to a local track added to the subscribing transport's
// PeerConnection, dropping them while paused.
type Consumer struct {
	ID         string
	ProducerID string
	Kind       Kind
	Params     RTPParameters

	sender *webrtc.RTPSender
	local  *webrtc.TrackLocalStaticRTP

	mu     sync.Mutex
	paused bool
}

// Resume clears the initial pause, matching consumer-resume.
func (c *Consumer) Resume() {
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
}

func (c *Consumer) isPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *Consumer) forward(sub <-chan *rtp.Packet) {
	for pkt := range sub {
		if c.isPaused() {
			continue
		}
		if err := c.local.WriteRTP(pkt); err != nil {
			logx.Warn("consumer write failed", logx.Fields{"consumer": c.ID, "err": err.Error()})
			return
		}
	}
}

func rtpParametersFromTrack(t *webrtc.TrackRemote) RTPParameters {
	codec := t.Codec()
	return RTPParameters{
		Codecs: []RTPCodecParameters{{
			MimeType:     codec.MimeType,
			ClockRate:    codec.ClockRate,
			Channels:     codec.Channels,
			PayloadType:  uint8(codec.PayloadType),
			SDPFmtpLine:  codec.SDPFmtpLine,
			RTCPFeedback: codec.RTCPFeedback,
		}},
		Encodings: []RTPEncoding{{SSRC: uint32(t.SSRC())}},
		RTCP:      RTCPParameters{CNAME: t.StreamID()},
	}
}

package sfu

import (
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/rtp"

	"github.com/overlaymeet/server/internal/logx"
)

// PlainTransportOptions mirrors the mediasoup-shaped options the pipeline
// coordinator passes in: a loopback listen IP, whether RTP/RTCP share one
// socket, and whether the transport should learn its remote endpoint from
// the first inbound packet (comedia) instead of being told one via
// Connect.
type PlainTransportOptions struct {
	ListenIP string // expected to be loopback, e.g. "127.0.0.1"
	RTCPMux  bool
	Comedia  bool

	// RTPPort/RTCPPort are pre-allocated by the Port Allocator for a
	// non-comedia transport (the decoder-facing input side). A comedia
	// transport (the encoder-facing output side) binds an ephemeral port
	// instead and reports it via Tuple().LocalPort.
	RTPPort  int
	RTCPPort int
}

// Tuple describes one side (RTP or RTCP) of a plain transport's socket.
type Tuple struct {
	LocalPort int
}

// PlainTransport is a loopback RTP/RTCP socket pair standing in for a
// mediasoup PlainTransport, following the same pattern the teacher used to
// bridge its CV pipeline to GStreamer: a UDP socket written to by the
// server (feeding the decoder) and another read from (receiving the
// encoder's output), see cvpipe.Pipeline.
type PlainTransport struct {
	opts PlainTransportOptions

	rtpConn  net.PacketConn
	rtcpConn net.PacketConn

	mu         sync.Mutex
	remoteAddr net.Addr // learned via comedia, or set by Connect
	connected  bool

	tuple     Tuple
	rtcpTuple Tuple

	producedMu sync.Mutex
	produced   *Producer
}

func newPlainTransport(opts PlainTransportOptions) (*PlainTransport, error) {
	ip := opts.ListenIP
	if ip == "" {
		ip = "127.0.0.1"
	}

	t := &PlainTransport{opts: opts}

	if opts.Comedia {
		// The SFU learns the remote endpoint from the first received
		// packet; bind a single ephemeral port for RTP (RTCP muxed or
		// ignored — this service only ever uses comedia on the video
		// egress side, where RTCP feedback is not required).
		conn, err := net.ListenPacket("udp", fmt.Sprintf("%s:0", ip))
		if err != nil {
			return nil, fmt.Errorf("listen comedia rtp: %w", err)
		}
		t.rtpConn = conn
		t.tuple = Tuple{LocalPort: conn.LocalAddr().(*net.UDPAddr).Port}
		go t.learnRemote()
		return t, nil
	}

	rtpConn, err := net.ListenPacket("udp", fmt.Sprintf("%s:%d", ip, opts.RTPPort))
	if err != nil {
		return nil, fmt.Errorf("listen rtp %d: %w", opts.RTPPort, err)
	}
	t.rtpConn = rtpConn
	t.tuple = Tuple{LocalPort: opts.RTPPort}

	if !opts.RTCPMux {
		rtcpConn, err := net.ListenPacket("udp", fmt.Sprintf("%s:%d", ip, opts.RTCPPort))
		if err != nil {
			_ = rtpConn.Close()
			return nil, fmt.Errorf("listen rtcp %d: %w", opts.RTCPPort, err)
		}
		t.rtcpConn = rtcpConn
		t.rtcpTuple = Tuple{LocalPort: opts.RTCPPort}
	}

	return t, nil
}

// learnRemote blocks on the first inbound datagram and records its source
// as the transport's remote endpoint — the comedia contract.
func (t *PlainTransport) learnRemote() {
	buf := make([]byte, 1500)
	n, addr, err := t.rtpConn.ReadFrom(buf)
	if err != nil {
		return
	}
	t.mu.Lock()
	t.remoteAddr = addr
	t.connected = true
	t.mu.Unlock()

	var pkt rtp.Packet
	if err := pkt.Unmarshal(buf[:n]); err == nil {
		t.deliverToProduced(&pkt)
	}
	go t.readLoop()
}

func (t *PlainTransport) readLoop() {
	buf := make([]byte, 1500)
	for {
		n, _, err := t.rtpConn.ReadFrom(buf)
		if err != nil {
			return
		}
		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		t.deliverToProduced(&pkt)
	}
}

func (t *PlainTransport) deliverToProduced(pkt *rtp.Packet) {
	t.producedMu.Lock()
	p := t.produced
	t.producedMu.Unlock()
	if p != nil {
		cp := *pkt
		p.broadcast(&cp)
	}
}

// Connect sets the remote endpoint for a non-comedia transport, as the
// caller (feeding the encoder) would: "connect it to (decoderRtp,
// decoderRtcp)" per §4.5 step 1 is mirrored in the decoder worker writing
// to this port directly, but a consume-side transport uses Connect to
// aim its RTCP reports.
func (t *PlainTransport) Connect(ip string, port, rtcpPort int) error {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", ip, port))
	if err != nil {
		return fmt.Errorf("resolve remote: %w", err)
	}
	t.mu.Lock()
	t.remoteAddr = addr
	t.connected = true
	t.mu.Unlock()
	return nil
}

// Consume creates a consumer on this transport for the given producer,
// starting paused or unpaused as the paused argument says; the pipeline
// coordinator passes false for its input consumer.
func (t *PlainTransport) Consume(producer *Producer, caps RTPCapabilities, paused bool) (*PlainConsumer, error) {
	sub := producer.subscribe()
	c := &PlainConsumer{transport: t, producer: producer, paused: paused}
	go c.forward(sub)
	return c, nil
}

// Produce registers this transport as the publishing side for a new
// producer fed by inbound packets (used for the processed video producer
// on the comedia output transport).
func (t *PlainTransport) Produce(kind Kind, params RTPParameters) (*Producer, error) {
	p := &Producer{ID: uuid.NewString(), Kind: kind, params: params, local: true}
	t.producedMu.Lock()
	t.produced = p
	t.producedMu.Unlock()
	return p, nil
}

// Write sends a pre-built RTP packet's bytes to the connected remote
// endpoint — used by the input-side transport's consumer to push packets
// toward the decoder's listening UDP port.
func (t *PlainTransport) Write(b []byte) (int, error) {
	t.mu.Lock()
	addr, connected := t.remoteAddr, t.connected
	t.mu.Unlock()
	if !connected {
		return 0, fmt.Errorf("plain transport not connected")
	}
	return t.rtpConn.WriteTo(b, addr)
}

// Tuple reports the transport's local RTP port, populated immediately for
// comedia transports and equal to the allocated port otherwise.
func (t *PlainTransport) Tuple() Tuple { return t.tuple }

// RTCPTuple reports the transport's local RTCP port (zero value when
// RTCPMux is set or the transport is comedia).
func (t *PlainTransport) RTCPTuple() Tuple { return t.rtcpTuple }

// Close releases both sockets. Safe to call more than once.
func (t *PlainTransport) Close() error {
	if t.rtpConn != nil {
		_ = t.rtpConn.Close()
	}
	if t.rtcpConn != nil {
		_ = t.rtcpConn.Close()
	}
	logx.Info("plain transport closed", logx.Fields{"localPort": t.tuple.LocalPort})
	return nil
}

// PlainConsumer forwards a producer's RTP packets out of its plain
// transport's RTP socket to the endpoint set by Connect, dropping them while
// paused. The pipeline coordinator uses it on the input transport to push the
// raw producer's packets toward the decoder's port.
type PlainConsumer struct {
	transport *PlainTransport
	producer  *Producer

	mu     sync.Mutex
	paused bool
}

func (c *PlainConsumer) Resume() {
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
}

func (c *PlainConsumer) forward(sub <-chan *rtp.Packet) {
	for pkt := range sub {
		c.mu.Lock()
		paused := c.paused
		c.mu.Unlock()
		if paused {
			continue
		}
		b, err := pkt.Marshal()
		if err != nil {
			continue
		}
		if _, err := c.transport.Write(b); err != nil {
			return
		}
	}
}

// Package pipeline implements the Pipeline Coordinator, the heart of the
// system per spec §1: for each video producer it allocates an SFU plain
// transport pair, drives a decoder/encoder process pair, applies the
// per-user frame transform, publishes the processed result as a new SFU
// producer, and owns deterministic teardown. The concurrency shape below —
// a per-producer state struct mutated from the signalling handler, the
// decoder's stdout reader, and the cleanup path — follows the same
// mutex-and-channel discipline the teacher used for its sfuPeer/sfuRoom
// bookkeeping in webrtc/sfu.go.
package pipeline

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/overlaymeet/server/internal/decoder"
	"github.com/overlaymeet/server/internal/encoder"
	"github.com/overlaymeet/server/internal/logx"
	"github.com/overlaymeet/server/internal/ports"
	"github.com/overlaymeet/server/internal/settings"
	"github.com/overlaymeet/server/internal/sfu"
)

// stage is the explicit per-pipeline state machine from §9:
// Idle -> Initializing -> Ready -> Closed, with the Idle->Initializing edge
// being the only contended transition (multiple decoded frames can race to
// trigger encoder creation).
type stage int32

const (
	stageIdle stage = iota
	stageInitializing
	stageReady
	stageClosed
)

// DecoderHandle is the subset of *decoder.Decoder the coordinator depends
// on, so tests can substitute a fake decoder process.
type DecoderHandle interface {
	Stop()
	Exited() <-chan struct{}
}

// EncoderHandle is the subset of *encoder.Encoder the coordinator depends
// on, so tests can substitute a fake encoder process and observe writes.
type EncoderHandle interface {
	Write(frame []byte)
	Stop()
}

// DecoderStarter and EncoderStarter let the coordinator be built against
// real external processes in production and against fakes in tests.
type DecoderStarter func(ctx context.Context, cfg decoder.Config) (DecoderHandle, error)
type EncoderStarter func(ctx context.Context, cfg encoder.Config) (EncoderHandle, error)

func defaultDecoderStarter(ctx context.Context, cfg decoder.Config) (DecoderHandle, error) {
	return decoder.Start(ctx, cfg)
}

func defaultEncoderStarter(ctx context.Context, cfg encoder.Config) (EncoderHandle, error) {
	return encoder.Start(ctx, cfg)
}

// FrameTransform mirrors transform.WatermarkTransform.Apply so the
// coordinator does not depend on gocv directly.
type FrameTransform interface {
	Apply(frame []byte, width, height int, overlayURL string, opacity float64) []byte
}

// PeerNotifier is how the coordinator reaches the session manager without
// holding a reference to sessions or meetings directly — ownership flows
// through ids and lookup tables only, per §9.
type PeerNotifier interface {
	// NotifyNewProducer delivers new-producer {producerId, kind} to every
	// other session in ownerSessionID's meeting.
	NotifyNewProducer(ownerSessionID, producerID string, kind sfu.Kind)
	// ReportError delivers error {message} to ownerSessionID only.
	ReportError(ownerSessionID, message string)
}

// SettingsProvider is the read side of settings.Store the coordinator
// needs on every frame.
type SettingsProvider interface {
	Get(sessionID string) settings.UserSettings
}

// PortAllocator is the subset of *ports.Allocator used here.
type PortAllocator interface {
	Allocate() ports.Pair
	Free(rtp, rtcp int)
}

// State is the per-producer PipelineState from §3. Exported fields are
// read-only snapshots; mutation happens only through Coordinator methods
// holding the per-state mutex.
type State struct {
	ProducerID string
	SessionID  string

	InputTransport *sfu.PlainTransport
	InputConsumer  *sfu.PlainConsumer
	RTPPort, RTCPPort int

	OutputTransport *sfu.PlainTransport
	EgressPort      int

	mu      sync.Mutex
	stage   atomic.Int32
	width   int
	height  int

	decoderHandle DecoderHandle
	encoderHandle EncoderHandle

	ProcessedProducer *sfu.Producer
}

// Ready reports whether frames may currently be written to the encoder.
func (s *State) Ready() bool { return stage(s.stage.Load()) == stageReady }

// Coordinator is the Pipeline Coordinator. internal/session creates one per
// meeting, alongside that meeting's Router; per-producer state lives in
// Coordinator.states.
type Coordinator struct {
	router    *sfu.Router
	allocator PortAllocator
	transform FrameTransform
	settings  SettingsProvider
	notifier  PeerNotifier

	decoderStarter DecoderStarter
	encoderStarter EncoderStarter

	mu     sync.Mutex
	states map[string]*State // producerID -> state
}

// New builds a Coordinator wired to real decoder/encoder processes.
func New(router *sfu.Router, allocator PortAllocator, transform FrameTransform, settingsStore SettingsProvider, notifier PeerNotifier) *Coordinator {
	return &Coordinator{
		router:         router,
		allocator:      allocator,
		transform:      transform,
		settings:       settingsStore,
		notifier:       notifier,
		decoderStarter: defaultDecoderStarter,
		encoderStarter: defaultEncoderStarter,
		states:         make(map[string]*State),
	}
}

// WithStarters overrides the decoder/encoder process launchers — used by
// tests to inject fakes. Must be called before any AttachVideoProducer.
func (c *Coordinator) WithStarters(d DecoderStarter, e EncoderStarter) *Coordinator {
	c.decoderStarter = d
	c.encoderStarter = e
	return c
}

// State returns the tracked state for a producer, if any.
func (c *Coordinator) State(producerID string) (*State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.states[producerID]
	return s, ok
}

// AttachVideoProducer implements §4.5: allocate the input plain transport
// pair, create the (comedia) output transport, start the decoder, and wire
// the lazy encoder/ProcessedProducer creation into the frame callback.
func (c *Coordinator) AttachVideoProducer(ctx context.Context, sessionID string, producer *sfu.Producer) error {
	pair := c.allocator.Allocate()
	rtpPort, rtcpPort := pair.RTP, pair.RTCP

	inputTransport, err := c.router.CreatePlainTransport(sfu.PlainTransportOptions{
		ListenIP: "127.0.0.1", RTCPMux: false, Comedia: false,
		RTPPort: rtpPort, RTCPPort: rtcpPort,
	})
	if err != nil {
		c.allocator.Free(rtpPort, rtcpPort)
		c.notifier.ReportError(sessionID, "failed to set up video pipeline")
		return fmt.Errorf("create input plain transport: %w", err)
	}
	if err := inputTransport.Connect("127.0.0.1", rtpPort, rtcpPort); err != nil {
		_ = inputTransport.Close()
		c.allocator.Free(rtpPort, rtcpPort)
		c.notifier.ReportError(sessionID, "failed to set up video pipeline")
		return fmt.Errorf("connect input plain transport: %w", err)
	}

	inputConsumer, err := inputTransport.Consume(producer, c.router.RTPCapabilities(), false)
	if err != nil {
		_ = inputTransport.Close()
		c.allocator.Free(rtpPort, rtcpPort)
		c.notifier.ReportError(sessionID, "failed to set up video pipeline")
		return fmt.Errorf("consume on input plain transport: %w", err)
	}
	inputConsumer.Resume()

	outputTransport, err := c.router.CreatePlainTransport(sfu.PlainTransportOptions{
		ListenIP: "127.0.0.1", RTCPMux: false, Comedia: true,
	})
	if err != nil {
		_ = inputTransport.Close()
		c.allocator.Free(rtpPort, rtcpPort)
		c.notifier.ReportError(sessionID, "failed to set up video pipeline")
		return fmt.Errorf("create output plain transport: %w", err)
	}
	egressPort := outputTransport.Tuple().LocalPort

	state := &State{
		ProducerID:      producer.ID,
		SessionID:       sessionID,
		InputTransport:  inputTransport,
		InputConsumer:   inputConsumer,
		RTPPort:         rtpPort,
		RTCPPort:        rtcpPort,
		OutputTransport: outputTransport,
		EgressPort:      egressPort,
	}
	state.stage.Store(int32(stageIdle))

	c.mu.Lock()
	c.states[producer.ID] = state
	c.mu.Unlock()

	params := producer.Params()
	decCfg := decoder.Config{
		RTPPort:    rtpPort,
		ProducerID: producer.ID,
		Params: decoder.RTPParams{
			PayloadType: firstPayloadType(params),
			Codec:       codecNameFromMime(firstMimeType(params)),
			ClockRate:   firstClockRate(params),
			SSRC:        firstSSRC(params),
			CNAME:       params.RTCP.CNAME,
		},
		OnFrame: func(frame []byte, width, height int) {
			c.onFrame(ctx, state, producer, frame, width, height)
		},
	}

	handle, err := c.decoderStarter(ctx, decCfg)
	if err != nil {
		c.teardown(state)
		c.notifier.ReportError(sessionID, "failed to start video decoder")
		return fmt.Errorf("start decoder: %w", err)
	}
	state.mu.Lock()
	state.decoderHandle = handle
	state.mu.Unlock()

	go c.watchDecoderExit(state)

	return nil
}

func (c *Coordinator) watchDecoderExit(state *State) {
	state.mu.Lock()
	h := state.decoderHandle
	state.mu.Unlock()
	if h == nil {
		return
	}
	<-h.Exited()
	if stage(state.stage.Load()) == stageClosed {
		return
	}
	logx.Info("decoder exited", logx.Fields{"producer": state.ProducerID})
}

// onFrame is the decoder's frame callback. It implements the
// Idle->Initializing->Ready transition from §4.5 step 3/4 and the
// per-frame transform/write from step 3's second bullet.
func (c *Coordinator) onFrame(ctx context.Context, state *State, rawProducer *sfu.Producer, frame []byte, width, height int) {
	if stage(state.stage.Load()) == stageClosed {
		return
	}

	if state.stage.CompareAndSwap(int32(stageIdle), int32(stageInitializing)) {
		state.mu.Lock()
		state.width, state.height = width, height
		state.mu.Unlock()
		go c.initialize(ctx, state, rawProducer, width, height)
		return
	}

	if !state.Ready() {
		return // initializing or closed: drop, do not queue
	}

	c.forwardFrame(state, frame, width, height)
}

// initialize starts the encoder and publishes the ProcessedProducer. It
// runs once per pipeline, invoked only from the winning CAS in onFrame.
func (c *Coordinator) initialize(ctx context.Context, state *State, rawProducer *sfu.Producer, width, height int) {
	params := rawProducer.Params()

	encCfg := encoder.Config{
		EgressRTPPort: state.EgressPort,
		Width:         width,
		Height:        height,
		FPS:           30,
		Params: encoder.RTPParams{
			PayloadType: firstPayloadType(params),
			Codec:       codecNameFromMime(firstMimeType(params)),
			ClockRate:   firstClockRate(params),
			SSRC:        firstSSRC(params),
		},
	}

	encHandle, err := c.encoderStarter(ctx, encCfg)
	if err != nil {
		logx.Error("encoder failed to start", err, logx.Fields{"producer": state.ProducerID})
		state.stage.Store(int32(stageClosed))
		c.notifier.ReportError(state.SessionID, "failed to start video encoder")
		return
	}

	state.mu.Lock()
	state.encoderHandle = encHandle
	state.mu.Unlock()

	// teardown() may have run concurrently between the CAS that launched us
	// and this point, snapshotting a nil encoderHandle and so never calling
	// Stop on the one we just started. Catch up on that cleanup ourselves
	// rather than leak the process.
	if stage(state.stage.Load()) == stageClosed {
		encHandle.Stop()
		return
	}

	// Warm-up delay for the encoder process, per §4.5 step 3.
	time.Sleep(1 * time.Second)

	processed, err := state.OutputTransport.Produce(sfu.KindVideo, sfu.RTPParameters{
		Codecs:           params.Codecs,
		HeaderExtensions: params.HeaderExtensions,
		Encodings:        []sfu.RTPEncoding{{SSRC: randomSSRC(), ScalabilityMode: "L1T1"}},
		RTCP:             params.RTCP,
	})
	if err != nil {
		logx.Error("failed to publish processed producer", err, logx.Fields{"producer": state.ProducerID})
		state.stage.Store(int32(stageClosed))
		c.notifier.ReportError(state.SessionID, "failed to publish processed video")
		return
	}

	state.mu.Lock()
	state.ProcessedProducer = processed
	state.mu.Unlock()

	// Same race as above, now against the transports/producer: if teardown
	// already ran it missed both, since they did not exist at its snapshot.
	if stage(state.stage.Load()) == stageClosed {
		_ = processed.Close()
		_ = state.OutputTransport.Close()
		return
	}

	c.notifier.NotifyNewProducer(state.SessionID, processed.ID, sfu.KindVideo)

	// ready=true: the single stage value moves Initializing -> Ready, which
	// also clears "initializing". A CAS, not a plain Store: if teardown
	// raced in right here, stageClosed must win.
	state.stage.CompareAndSwap(int32(stageInitializing), int32(stageReady))
}

func (c *Coordinator) forwardFrame(state *State, frame []byte, width, height int) {
	s := c.settings.Get(state.SessionID)

	out := frame
	if s.Enabled && c.transform != nil {
		out = c.transform.Apply(frame, width, height, s.OverlayURL, s.Opacity)
	}

	state.mu.Lock()
	h := state.encoderHandle
	state.mu.Unlock()
	if h == nil {
		return
	}
	h.Write(out)
}

// Detach implements §4.6 teardown for a single producer: stop decoder and
// encoder, close the input and output transports and the processed
// producer, free the port pair, and forget the state. The input consumer is
// not closed itself; it stops forwarding once a write to its closed
// transport fails. Idempotent.
func (c *Coordinator) Detach(producerID string) {
	c.mu.Lock()
	state, ok := c.states[producerID]
	if ok {
		delete(c.states, producerID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	c.teardown(state)
}

func (c *Coordinator) teardown(state *State) {
	state.stage.Store(int32(stageClosed))

	state.mu.Lock()
	dec := state.decoderHandle
	enc := state.encoderHandle
	processed := state.ProcessedProducer
	state.mu.Unlock()

	if dec != nil {
		dec.Stop()
	}
	if enc != nil {
		enc.Stop()
	}
	if state.InputTransport != nil {
		_ = state.InputTransport.Close()
	}
	if processed != nil {
		_ = processed.Close()
	}
	if state.OutputTransport != nil {
		_ = state.OutputTransport.Close()
	}
	if state.RTPPort != 0 {
		c.allocator.Free(state.RTPPort, state.RTCPPort)
	}
}

func randomSSRC() uint32 {
	return rand.Uint32()
}

func firstMimeType(p sfu.RTPParameters) string {
	if len(p.Codecs) == 0 {
		return "VP8"
	}
	return p.Codecs[0].MimeType
}

func firstPayloadType(p sfu.RTPParameters) uint8 {
	if len(p.Codecs) == 0 {
		return 96
	}
	return p.Codecs[0].PayloadType
}

func firstClockRate(p sfu.RTPParameters) uint32 {
	if len(p.Codecs) == 0 {
		return 90000
	}
	return p.Codecs[0].ClockRate
}

func firstSSRC(p sfu.RTPParameters) uint32 {
	if len(p.Encodings) == 0 {
		return 0
	}
	return p.Encodings[0].SSRC
}

func codecNameFromMime(mime string) string {
	switch mime {
	case "video/H264":
		return "H264"
	default:
		return "VP8"
	}
}

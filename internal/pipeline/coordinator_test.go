package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/overlaymeet/server/internal/decoder"
	"github.com/overlaymeet/server/internal/encoder"
	"github.com/overlaymeet/server/internal/ports"
	"github.com/overlaymeet/server/internal/settings"
	"github.com/overlaymeet/server/internal/sfu"
)

type fakeDecoderHandle struct {
	once   sync.Once
	exited chan struct{}
}

func newFakeDecoderHandle() *fakeDecoderHandle {
	return &fakeDecoderHandle{exited: make(chan struct{})}
}

func (f *fakeDecoderHandle) Stop()                  { f.once.Do(func() { close(f.exited) }) }
func (f *fakeDecoderHandle) Exited() <-chan struct{} { return f.exited }

type fakeEncoderHandle struct {
	mu      sync.Mutex
	writes  [][]byte
	closed  bool
}

func (f *fakeEncoderHandle) Write(frame []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(frame))
	copy(cp, frame)
	f.writes = append(f.writes, cp)
}

func (f *fakeEncoderHandle) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeEncoderHandle) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

type fakeNotifier struct {
	mu          sync.Mutex
	newProducer int
	errors      []string
}

func (n *fakeNotifier) NotifyNewProducer(ownerSessionID, producerID string, kind sfu.Kind) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.newProducer++
}

func (n *fakeNotifier) ReportError(ownerSessionID, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errors = append(n.errors, message)
}

func (n *fakeNotifier) newProducerCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.newProducer
}

type passthroughTransform struct{}

func (passthroughTransform) Apply(frame []byte, width, height int, overlayURL string, opacity float64) []byte {
	return frame
}

func testProducer(t *testing.T, router *sfu.Router) *sfu.Producer {
	t.Helper()
	wt, err := router.CreateWebRtcTransport("peer-" + t.Name())
	if err != nil {
		t.Fatalf("create webrtc transport: %v", err)
	}
	p, err := wt.Produce(sfu.KindVideo, sfu.RTPParameters{
		Codecs:    []sfu.RTPCodecParameters{{MimeType: "video/VP8", PayloadType: 96, ClockRate: 90000}},
		Encodings: []sfu.RTPEncoding{{SSRC: 5555}},
		RTCP:      sfu.RTCPParameters{CNAME: "test-cname"},
	})
	if err != nil {
		t.Fatalf("produce: %v", err)
	}
	return p
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

// TestConcurrentFramesStartExactlyOneEncoder exercises the testable property
// that racing decoded-frame callbacks on the idle->initializing edge result
// in exactly one encoder start and exactly one processed producer.
func TestConcurrentFramesStartExactlyOneEncoder(t *testing.T) {
	router, err := sfu.NewRouter()
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	producer := testProducer(t, router)

	var encStarts int32
	var capturedFrame *decoder.Config
	var capturedMu sync.Mutex

	decStarter := func(ctx context.Context, cfg decoder.Config) (DecoderHandle, error) {
		capturedMu.Lock()
		capturedFrame = &cfg
		capturedMu.Unlock()
		return newFakeDecoderHandle(), nil
	}
	fakeEnc := &fakeEncoderHandle{}
	encStarter := func(ctx context.Context, cfg encoder.Config) (EncoderHandle, error) {
		atomic.AddInt32(&encStarts, 1)
		return fakeEnc, nil
	}

	notifier := &fakeNotifier{}
	coord := New(router, ports.New(31000, 0), passthroughTransform{}, settings.NewStore(), notifier).
		WithStarters(decStarter, encStarter)

	if err := coord.AttachVideoProducer(context.Background(), "session-a", producer); err != nil {
		t.Fatalf("attach: %v", err)
	}

	capturedMu.Lock()
	onFrame := capturedFrame.OnFrame
	capturedMu.Unlock()
	if onFrame == nil {
		t.Fatal("decoder was not started with an OnFrame callback")
	}

	width, height := 64, 48
	frame := make([]byte, width*height*3)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			onFrame(frame, width, height)
		}()
	}
	wg.Wait()

	state, ok := coord.State(producer.ID)
	if !ok {
		t.Fatal("expected pipeline state to be tracked")
	}

	if !waitUntil(t, 2*time.Second, state.Ready) {
		t.Fatal("pipeline never reached ready state")
	}

	if got := atomic.LoadInt32(&encStarts); got != 1 {
		t.Fatalf("expected exactly one encoder start, got %d", got)
	}
	if got := notifier.newProducerCount(); got != 1 {
		t.Fatalf("expected exactly one new-producer notification, got %d", got)
	}

	coord.Detach(producer.ID)
}

// TestFramesDroppedBeforeReady confirms frames delivered while the encoder
// is still starting are dropped rather than queued, and that frames after
// ready are written through to the encoder.
func TestFramesDroppedBeforeReady(t *testing.T) {
	router, err := sfu.NewRouter()
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	producer := testProducer(t, router)

	var capturedFrame *decoder.Config
	var capturedMu sync.Mutex
	decStarter := func(ctx context.Context, cfg decoder.Config) (DecoderHandle, error) {
		capturedMu.Lock()
		capturedFrame = &cfg
		capturedMu.Unlock()
		return newFakeDecoderHandle(), nil
	}

	gate := make(chan struct{})
	fakeEnc := &fakeEncoderHandle{}
	encStarter := func(ctx context.Context, cfg encoder.Config) (EncoderHandle, error) {
		<-gate
		return fakeEnc, nil
	}

	notifier := &fakeNotifier{}
	coord := New(router, ports.New(31100, 0), passthroughTransform{}, settings.NewStore(), notifier).
		WithStarters(decStarter, encStarter)

	if err := coord.AttachVideoProducer(context.Background(), "session-b", producer); err != nil {
		t.Fatalf("attach: %v", err)
	}

	capturedMu.Lock()
	onFrame := capturedFrame.OnFrame
	capturedMu.Unlock()

	width, height := 64, 48
	frame := make([]byte, width*height*3)

	onFrame(frame, width, height) // triggers initialize(), blocked on gate
	for i := 0; i < 5; i++ {
		onFrame(frame, width, height) // must be dropped: not ready yet
	}

	state, _ := coord.State(producer.ID)
	if state.Ready() {
		t.Fatal("pipeline reported ready before encoder start returned")
	}
	if fakeEnc.writeCount() != 0 {
		t.Fatalf("expected no writes before ready, got %d", fakeEnc.writeCount())
	}

	close(gate)
	if !waitUntil(t, 2*time.Second, state.Ready) {
		t.Fatal("pipeline never reached ready state")
	}

	onFrame(frame, width, height)
	if !waitUntil(t, time.Second, func() bool { return fakeEnc.writeCount() == 1 }) {
		t.Fatalf("expected exactly one write after ready, got %d", fakeEnc.writeCount())
	}

	coord.Detach(producer.ID)
}

// TestSettingsDisabledSkipsTransform confirms a disabled overlay toggles to
// a passthrough write without invoking the frame transform's cache lookup.
func TestSettingsDisabledSkipsTransform(t *testing.T) {
	router, err := sfu.NewRouter()
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	producer := testProducer(t, router)

	var capturedFrame *decoder.Config
	var capturedMu sync.Mutex
	decStarter := func(ctx context.Context, cfg decoder.Config) (DecoderHandle, error) {
		capturedMu.Lock()
		capturedFrame = &cfg
		capturedMu.Unlock()
		return newFakeDecoderHandle(), nil
	}
	fakeEnc := &fakeEncoderHandle{}
	encStarter := func(ctx context.Context, cfg encoder.Config) (EncoderHandle, error) {
		return fakeEnc, nil
	}

	store := settings.NewStore()
	store.SetEnabled("session-c", false)

	coord := New(router, ports.New(31200, 0), recordingTransform{}, store, &fakeNotifier{}).
		WithStarters(decStarter, encStarter)

	if err := coord.AttachVideoProducer(context.Background(), "session-c", producer); err != nil {
		t.Fatalf("attach: %v", err)
	}

	capturedMu.Lock()
	onFrame := capturedFrame.OnFrame
	capturedMu.Unlock()

	width, height := 64, 48
	frame := make([]byte, width*height*3)
	onFrame(frame, width, height)

	state, _ := coord.State(producer.ID)
	waitUntil(t, 2*time.Second, state.Ready)

	onFrame(frame, width, height)
	waitUntil(t, time.Second, func() bool { return fakeEnc.writeCount() == 1 })

	if recordingTransformCalled.Load() {
		t.Fatal("transform should not be invoked while overlay disabled")
	}

	coord.Detach(producer.ID)
}

type recordingTransform struct{}

var recordingTransformCalled atomic.Bool

func (recordingTransform) Apply(frame []byte, width, height int, overlayURL string, opacity float64) []byte {
	recordingTransformCalled.Store(true)
	return frame
}

// Package decoder owns one external RTP-to-raw-frames process per inbound
// video producer, following the same child-process-plus-stdout-reader
// shape as the teacher's cvpipe.Pipeline decoder half, but generalized to
// spec §4.2: arbitrary negotiated codec, RGB24 output, resolution
// auto-detection from the decoder's diagnostic stream instead of a fixed
// caps string.
package decoder

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/overlaymeet/server/internal/logx"
)

// FrameFunc is invoked once per decoded frame, synchronously on the
// decoder's stdout reader goroutine: invocations are strictly ordered, and
// the decoder reads no further output until the callback returns.
type FrameFunc func(frame []byte, width, height int)

// RTPParams is the subset of the inbound producer's negotiated RTP
// parameters the decoder needs to build its session description.
type RTPParams struct {
	PayloadType uint8
	Codec       string // e.g. "VP8"
	ClockRate   uint32
	SSRC        uint32
	CNAME       string
}

// Config configures one decoder process.
type Config struct {
	RTPPort    int
	ProducerID string
	Params     RTPParams
	OnFrame    FrameFunc

	// SilenceTimeout is the duration of zero emitted frames after startup
	// that triggers the (non-fatal, logged-only) silence observation in
	// §4.2. Defaults to 10s.
	SilenceTimeout time.Duration
}

var resolutionRe = regexp.MustCompile(`\b(\d{3,4})x(\d{3,4})\b`)

// Decoder is a running decoder process for one producer.
type Decoder struct {
	cfg Config

	cmd    *exec.Cmd
	sdpTmp string

	mu       sync.Mutex
	width    int
	height   int
	resolved bool

	exited  chan struct{}
	exitErr error
	frames  atomic.Int64
	cancel  context.CancelFunc
}

// defaultFrameSize is used only to size the accumulation buffer before the
// real resolution is known; it is never used to invoke the frame callback.
const defaultFrameSize = 640 * 480 * 3

// Start writes a minimal SDP to a temp file, spawns the decoder process
// pointed at rtpPort, and begins scanning its stdout for raw frames and
// its stderr for the resolution announcement and error conditions.
func Start(ctx context.Context, cfg Config) (*Decoder, error) {
	if cfg.SilenceTimeout == 0 {
		cfg.SilenceTimeout = 10 * time.Second
	}

	sdpPath, err := writeSessionDescription(cfg)
	if err != nil {
		return nil, fmt.Errorf("write sdp: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)

	cmd := exec.CommandContext(ctx, "gst-launch-1.0", decoderArgs(cfg, sdpPath)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		_ = os.Remove(sdpPath)
		return nil, fmt.Errorf("decoder stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		_ = os.Remove(sdpPath)
		return nil, fmt.Errorf("decoder stderr: %w", err)
	}

	d := &Decoder{
		cfg:    cfg,
		cmd:    cmd,
		sdpTmp: sdpPath,
		exited: make(chan struct{}),
		cancel: cancel,
	}

	if err := cmd.Start(); err != nil {
		cancel()
		_ = os.Remove(sdpPath)
		return nil, fmt.Errorf("start decoder: %w", err)
	}

	go d.scanStderr(stderr)
	go d.readFrames(stdout)
	go d.watchSilence()
	go d.wait()

	return d, nil
}

func decoderArgs(cfg Config, sdpPath string) []string {
	return []string{
		"-q",
		"udpsrc", "address=127.0.0.1",
		fmt.Sprintf("port=%d", cfg.RTPPort),
		fmt.Sprintf("caps=application/x-rtp,media=video,clock-rate=%d,encoding-name=%s,payload=%d",
			cfg.Params.ClockRate, cfg.Params.Codec, cfg.Params.PayloadType),
		"!", "rtpjitterbuffer", "latency=200",
		"!", depayloaderFor(cfg.Params.Codec),
		"!", decoderElementFor(cfg.Params.Codec),
		"!", "videoconvert",
		"!", "video/x-raw,format=RGB",
		"!", "fdsink", "fd=1",
	}
}

func depayloaderFor(codec string) string {
	switch codec {
	case "H264":
		return "rtph264depay"
	default:
		return "rtpvp8depay"
	}
}

func decoderElementFor(codec string) string {
	switch codec {
	case "H264":
		return "avdec_h264"
	default:
		return "vp8dec"
	}
}

func writeSessionDescription(cfg Config) (string, error) {
	f, err := os.CreateTemp("", "overlaymeet-decoder-*.sdp")
	if err != nil {
		return "", err
	}
	defer f.Close()

	cname := cfg.Params.CNAME
	if cname == "" {
		cname = fmt.Sprintf("producer-%s", cfg.ProducerID)
	}

	sdp := fmt.Sprintf(
		"v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=overlaymeet\r\nc=IN IP4 127.0.0.1\r\nt=0 0\r\n"+
			"m=video %d RTP/AVP %d\r\na=rtpmap:%d %s/%d\r\na=ssrc:%d cname:%s\r\n",
		cfg.RTPPort, cfg.Params.PayloadType, cfg.Params.PayloadType, cfg.Params.Codec,
		cfg.Params.ClockRate, cfg.Params.SSRC, cname,
	)
	if _, err := f.WriteString(sdp); err != nil {
		return "", err
	}
	return f.Name(), nil
}

// scanStderr looks line-by-line for the resolution announcement and for
// error/exit conditions, per §4.2.
func (d *Decoder) scanStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		d.maybeResolveResolution(line)
		if containsErrorToken(line) {
			logx.Error("decoder reported error", nil, logx.Fields{"producer": d.cfg.ProducerID, "line": line})
		}
	}
}

func containsErrorToken(line string) bool {
	for _, tok := range []string{"error", "Error"} {
		if indexOf(line, tok) >= 0 {
			return true
		}
	}
	return false
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

func (d *Decoder) maybeResolveResolution(line string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.resolved {
		return
	}
	if !looksLikeVideoStreamLine(line) {
		return
	}
	m := resolutionRe.FindStringSubmatch(line)
	if m == nil {
		return
	}
	w, err1 := strconv.Atoi(m[1])
	h, err2 := strconv.Atoi(m[2])
	if err1 != nil || err2 != nil || w == 0 || h == 0 {
		return
	}
	d.width, d.height, d.resolved = w, h, true
	logx.Info("decoder resolved resolution", logx.Fields{"producer": d.cfg.ProducerID, "width": w, "height": h})
}

func looksLikeVideoStreamLine(line string) bool {
	for _, tok := range []string{"video", "Video", "caps", "format"} {
		if indexOf(line, tok) >= 0 {
			return true
		}
	}
	return false
}

// readFrames accumulates stdout bytes and slices off complete frames once
// the resolution — and therefore the frame size — is known.
func (d *Decoder) readFrames(r io.Reader) {
	reader := bufio.NewReaderSize(r, defaultFrameSize*2)
	var acc []byte
	chunk := make([]byte, 64*1024)

	for {
		n, err := reader.Read(chunk)
		if n > 0 {
			acc = append(acc, chunk[:n]...)
			acc = d.emitReady(acc)
		}
		if err != nil {
			return
		}
	}
}

func (d *Decoder) emitReady(acc []byte) []byte {
	d.mu.Lock()
	resolved := d.resolved
	w, h := d.width, d.height
	d.mu.Unlock()

	if !resolved {
		// Cannot emit placeholder-dimension frames; keep buffering.
		return acc
	}

	frameSize := w * h * 3
	for len(acc) >= frameSize {
		frame := make([]byte, frameSize)
		copy(frame, acc[:frameSize])
		acc = acc[frameSize:]
		d.frames.Add(1)
		if d.cfg.OnFrame != nil {
			d.cfg.OnFrame(frame, w, h)
		}
	}
	return acc
}

// watchSilence logs (but does not kill) the decoder if ten seconds pass
// after startup with zero frames emitted, per §4.2.
func (d *Decoder) watchSilence() {
	select {
	case <-time.After(d.cfg.SilenceTimeout):
		if d.frames.Load() == 0 {
			logx.Warn("decoder silent since startup", logx.Fields{
				"producer": d.cfg.ProducerID, "timeout": d.cfg.SilenceTimeout.String(),
			})
		}
	case <-d.exited:
	}
}

func (d *Decoder) wait() {
	err := d.cmd.Wait()
	d.mu.Lock()
	d.exitErr = err
	d.mu.Unlock()
	close(d.exited)
}

// Exited returns a channel closed when the decoder process has exited —
// the pipeline coordinator uses this to detect "decoder exits before
// first frame" per §4.7.
func (d *Decoder) Exited() <-chan struct{} { return d.exited }

// FrameCount reports frames emitted so far.
func (d *Decoder) FrameCount() int64 {
	return d.frames.Load()
}

// Stop sends a terminate signal to the process, gives it a moment to exit on
// its own, then force-kills via context cancellation and removes the
// temporary session description file.
func (d *Decoder) Stop() {
	if d.cmd.Process != nil {
		_ = d.cmd.Process.Signal(os.Interrupt)
	}
	select {
	case <-d.exited:
	case <-time.After(2 * time.Second):
		d.cancel()
		<-d.exited
	}
	d.cancel()
	_ = os.Remove(d.sdpTmp)
}

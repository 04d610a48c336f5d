// Package encoder owns one external raw-frames-to-RTP process per video
// producer, created lazily once the decoder reports a resolution — the
// encoder half of the same pipeline shape as the teacher's
// cvpipe.Pipeline, generalized per spec §4.3.
package encoder

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/overlaymeet/server/internal/logx"
)

// RTPParams mirrors decoder.RTPParams for the output side: payload type
// and SSRC are copied from the matching inbound consumer's parameters, or
// a random SSRC is used if absent.
type RTPParams struct {
	PayloadType uint8
	Codec       string
	ClockRate   uint32
	SSRC        uint32 // 0 means "generate one"
}

// Config configures one encoder process.
type Config struct {
	EgressRTPPort int
	Width, Height int
	FPS           int
	Params        RTPParams

	// ReadyTimeout bounds how long Start waits for stdin to become
	// writable before failing, per §4.3. Defaults to 5s.
	ReadyTimeout time.Duration
}

const (
	targetBitrateKbps = 500
	cpuUsed           = 4
	keyframeInterval  = 30
)

// Encoder is a running encoder process plus its stdin byte sink.
type Encoder struct {
	cfg Config
	cmd *exec.Cmd

	stdin   io.WriteCloser
	mu      sync.Mutex
	closed  bool
	exited  chan struct{}
	exitErr error
}

// Start spawns the encoder process and blocks until its stdin is
// observably writable, polling for up to cfg.ReadyTimeout (default 5s).
// If the process never becomes ready, Start returns an error and the
// caller must treat pipeline setup as failed per §4.7.
func Start(ctx context.Context, cfg Config) (*Encoder, error) {
	if cfg.ReadyTimeout == 0 {
		cfg.ReadyTimeout = 5 * time.Second
	}
	if cfg.Params.SSRC == 0 {
		cfg.Params.SSRC = randomSSRC()
	}

	ctx, cancel := context.WithCancel(ctx)

	cmd := exec.CommandContext(ctx, "gst-launch-1.0", encoderArgs(cfg)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("encoder stdin: %w", err)
	}
	cmd.Stderr = os.Stderr

	e := &Encoder{
		cfg:    cfg,
		cmd:    cmd,
		stdin:  stdin,
		exited: make(chan struct{}),
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start encoder: %w", err)
	}
	go func() {
		e.exitErr = cmd.Wait()
		close(e.exited)
	}()

	if !e.waitReady(cfg.ReadyTimeout) {
		cancel()
		<-e.exited
		return nil, fmt.Errorf("encoder stdin not ready within %s", cfg.ReadyTimeout)
	}

	return e, nil
}

func encoderArgs(cfg Config) []string {
	return []string{
		"-q",
		"fdsrc", "fd=0", "do-timestamp=true",
		"!",
		"videoparse", "format=rgb",
		fmt.Sprintf("width=%d", cfg.Width),
		fmt.Sprintf("height=%d", cfg.Height),
		fmt.Sprintf("framerate=%d/1", cfg.FPS),
		"!", "videoconvert",
		"!", encoderElementFor(cfg.Params.Codec),
		"deadline=1", // realtime
		fmt.Sprintf("cpu-used=%d", cpuUsed),
		fmt.Sprintf("target-bitrate=%d", targetBitrateKbps*1000),
		fmt.Sprintf("keyframe-max-dist=%d", keyframeInterval),
		"!", payloaderFor(cfg.Params),
		"!",
		"udpsink", "host=127.0.0.1", fmt.Sprintf("port=%d", cfg.EgressRTPPort),
		"sync=false", "async=false",
	}
}

func encoderElementFor(codec string) string {
	switch codec {
	case "H264":
		return "x264enc"
	default:
		return "vp8enc"
	}
}

func payloaderFor(p RTPParams) string {
	switch p.Codec {
	case "H264":
		return fmt.Sprintf("rtph264pay pt=%d config-interval=1", p.PayloadType)
	default:
		return fmt.Sprintf("rtpvp8pay pt=%d ssrc=%d", p.PayloadType, p.Params())
	}
}

// Params returns the configured SSRC as a convenience for payloaderFor's
// gst-launch property string.
func (p RTPParams) Params() uint32 { return p.SSRC }

// waitReady polls for a writable stdin by attempting a zero-length probe;
// since io.WriteCloser from exec.Cmd.StdinPipe is writable as soon as the
// pipe is open, this mainly bounds how long we wait for the process to
// actually exec (a crashed binary closes stdin promptly).
func (e *Encoder) waitReady(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		select {
		case <-e.exited:
			return false
		default:
		}
		if _, err := e.stdin.Write(nil); err == nil {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

// Write sends one raw frame to the encoder's stdin. Per §4.5 step 3 and
// §4.7, a write against a closed stdin is silently dropped rather than
// returned as an error to the caller's frame-processing loop.
func (e *Encoder) Write(frame []byte) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return
	}
	if _, err := e.stdin.Write(frame); err != nil {
		if isBrokenPipe(err) {
			return
		}
		logx.Warn("encoder stdin write failed", logx.Fields{"err": err.Error()})
	}
}

func isBrokenPipe(err error) bool {
	if err == io.ErrClosedPipe {
		return true
	}
	s := err.Error()
	for i := 0; i+4 <= len(s); i++ {
		if s[i:i+4] == "pipe" {
			return true
		}
	}
	return false
}

// Stop terminates the process and closes stdin, tolerating broken-pipe
// errors per §4.6 teardown.
func (e *Encoder) Stop() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	_ = e.stdin.Close()
	if e.cmd.Process != nil {
		_ = e.cmd.Process.Signal(os.Interrupt)
	}
	<-e.exited
}

func randomSSRC() uint32 {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

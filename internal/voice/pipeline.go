// Package voice implements the per-clip streaming pipeline: a fetch process
// piped into a transcode process whose mono PCM16LE output is relayed over a
// persistent TCP connection to the game's voice server.
//
// A Pipeline is single-use: it moves Idle → Starting → Streaming → Stopping
// → Stopped and is discarded afterwards. Lifecycle events (Play, Update,
// Stop) are dispatched synchronously to registered handlers; see events.go.
package voice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/torchvox/internal/config"
	"github.com/MrWong99/torchvox/internal/observe"
)

// sampleBytes is the width of one PCM16LE sample.
const sampleBytes = 2

// updateInterval is the cadence of Update events while streaming.
const updateInterval = 100 * time.Millisecond

// dialTimeout bounds the TCP dial to the voice server.
const dialTimeout = 5 * time.Second

// State is the pipeline lifecycle state.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateStreaming
	StateStopping
	StateStopped
)

// String returns the state's name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateStreaming:
		return "streaming"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Notifier broadcasts a message to game chat. Used only for surfacing
// stream errors; nil disables error broadcasts.
type Notifier interface {
	SayChat(msg string)
}

// Pipeline owns one fetch process, one transcode process, and one outbound
// voice-server connection. All three are released together on Stop, exactly
// once, on every termination path.
type Pipeline struct {
	cfg      config.VoiceConfig
	notifier Notifier
	metrics  *observe.Metrics

	// dial is swapped in tests to avoid a real voice server.
	dial func(network, addr string) (net.Conn, error)

	mu        sync.Mutex
	state     State
	uri       string
	position  int
	seconds   float64
	startedAt time.Time
	stoppedAt time.Time
	conn      net.Conn
	fetch     *exec.Cmd
	transcode *exec.Cmd
	handlers  []handler
}

// NewPipeline creates an idle pipeline for one clip. notifier may be nil.
func NewPipeline(cfg config.VoiceConfig, notifier Notifier) *Pipeline {
	return &Pipeline{
		cfg:      cfg,
		notifier: notifier,
		metrics:  observe.DefaultMetrics(),
		dial: func(network, addr string) (net.Conn, error) {
			return net.DialTimeout(network, addr, dialTimeout)
		},
	}
}

// Play starts streaming uri. position is a seek offset in seconds; extraArgs
// are appended to the transcoder's filter arguments. Returns true once the
// request is accepted — spawning happens asynchronously and successful
// end-to-end establishment is reported via the Play event. Returns false if
// the pipeline has already been used.
func (p *Pipeline) Play(uri string, position int, extraArgs ...string) bool {
	p.mu.Lock()
	if p.state != StateIdle {
		p.mu.Unlock()
		return false
	}
	p.state = StateStarting
	p.uri = uri
	p.position = position
	p.mu.Unlock()

	fetchArgs := p.fetchArgs(uri)
	transcodeArgs := p.transcodeArgs(position, extraArgs)

	slog.Info("voice: playing", "uri", uri, "position", position)
	slog.Debug("voice: fetch command", "path", p.cfg.CurlPath, "args", fetchArgs)
	slog.Debug("voice: transcode command", "path", p.cfg.FFmpegPath, "args", transcodeArgs)

	go p.run(fetchArgs, transcodeArgs)
	return true
}

// Stop tears the pipeline down: both subprocesses are killed if still alive
// and the transport is closed — abortively (discarding buffered output) when
// force is true, orderly otherwise. The Stop event fires after resources are
// released, then all handler registrations are discarded. Idempotent:
// returns false if the pipeline is idle or already stopped.
func (p *Pipeline) Stop(force bool) bool {
	p.mu.Lock()
	if p.state == StateIdle || p.state == StateStopping || p.state == StateStopped {
		p.mu.Unlock()
		return false
	}
	p.state = StateStopping
	uri := p.uri
	fetch, transcode, conn := p.fetch, p.transcode, p.conn
	p.fetch, p.transcode, p.conn = nil, nil, nil
	snapshot := p.handlers
	p.handlers = nil
	if p.stoppedAt.IsZero() {
		p.stoppedAt = time.Now()
	}
	p.mu.Unlock()

	killProcess(transcode)
	killProcess(fetch)

	if conn != nil {
		if force {
			// Abortive close: discard queued PCM so playback ends now
			// rather than after the send buffer drains.
			if tcp, ok := conn.(*net.TCPConn); ok {
				if err := tcp.SetLinger(0); err != nil {
					slog.Debug("voice: set linger", "err", err)
				}
			}
		}
		if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			slog.Debug("voice: close transport", "err", err)
		}
	}

	p.mu.Lock()
	p.state = StateStopped
	p.mu.Unlock()

	slog.Info("voice: stopped", "uri", uri, "force", force)

	dispatch(Event{Kind: EventStop}, snapshot)
	return true
}

// State returns the current lifecycle state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// URI returns the URI given to Play.
func (p *Pipeline) URI() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.uri
}

// Position returns the seek offset in seconds the clip started from.
func (p *Pipeline) Position() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.position
}

// Seconds returns the total seconds of PCM audio observed so far, derived
// from byte count and the configured sample rate.
func (p *Pipeline) Seconds() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seconds
}

// ── command construction ─────────────────────────────────────────────────────

// fetchArgs builds the curl argument list: short connect timeout, bounded
// retries, redirects followed, optional cookie jar for known media hosts,
// optional proxy.
func (p *Pipeline) fetchArgs(uri string) []string {
	args := []string{
		"--silent",
		"--show-error",
		"--connect-timeout", "1",
		"--retry", "2",
		"--retry-delay", "1",
		"--output", "-",
		"-L",
	}

	if jar := p.cookieJar(uri); jar != "" {
		args = append(args, "-b", jar)
	}
	if p.cfg.Proxy != "" {
		args = append(args, "-x", p.cfg.Proxy)
	}

	return append(args, uri)
}

// cookieJar returns the credential bundle path for uri, or "" when no
// configured media host matches or the jar file is missing.
func (p *Pipeline) cookieJar(uri string) string {
	for _, mh := range p.cfg.MediaHosts {
		for _, host := range mh.Hosts {
			if !containsHost(uri, host) {
				continue
			}
			if _, err := os.Stat(mh.CookieJar); err != nil {
				slog.Debug("voice: cookie jar unavailable", "host", host, "jar", mh.CookieJar, "err", err)
				return ""
			}
			slog.Info("voice: attaching cookies for media host", "host", host)
			return mh.CookieJar
		}
	}
	return ""
}

// containsHost reports whether uri refers to host, by case-insensitive
// substring match like the media-host configuration expects.
func containsHost(uri, host string) bool {
	return strings.Contains(strings.ToLower(uri), strings.ToLower(host))
}

// transcodeArgs builds the ffmpeg argument list: decode anything on stdin,
// resample to the configured mono rate, apply the volume gain and caller
// filters, emit raw PCM16LE on stdout.
func (p *Pipeline) transcodeArgs(position int, extra []string) []string {
	args := []string{
		"-i", "pipe:0",
		"-acodec", "pcm_s16le",
		"-ac", "1",
		"-ar", strconv.Itoa(p.cfg.SampleRate),
		"-filter:a", fmt.Sprintf("volume=%g", p.cfg.Volume),
		"-f", "s16le",
		"-vn",
	}
	args = append(args, extra...)
	if position > 0 {
		args = append(args, "-ss", formatOffset(position))
	}
	return append(args, "-")
}

// formatOffset renders a seek offset in ffmpeg's H:MM:SS form.
func formatOffset(seconds int) string {
	return fmt.Sprintf("%d:%02d:%02d", seconds/3600, seconds/60%60, seconds%60)
}

// ── streaming ────────────────────────────────────────────────────────────────

// run establishes the transport and subprocess chain, then relays transcoded
// PCM until the source drains or the pipeline is stopped. Any unexpected
// error forces a stop and surfaces a truncated message to chat.
func (p *Pipeline) run(fetchArgs, transcodeArgs []string) {
	addr := net.JoinHostPort(p.cfg.Host, strconv.Itoa(p.cfg.Port))
	conn, err := p.dial("tcp", addr)
	if err != nil {
		p.fail(fmt.Errorf("connect voice server %s: %w", addr, err))
		return
	}

	fetch := exec.Command(p.cfg.CurlPath, fetchArgs...)
	fetchOut, err := fetch.StdoutPipe()
	if err != nil {
		conn.Close()
		p.fail(fmt.Errorf("fetch stdout: %w", err))
		return
	}

	transcode := exec.Command(p.cfg.FFmpegPath, transcodeArgs...)
	transcode.Stdin = fetchOut
	transcodeOut, err := transcode.StdoutPipe()
	if err != nil {
		conn.Close()
		p.fail(fmt.Errorf("transcode stdout: %w", err))
		return
	}
	transcodeErr, err := transcode.StderrPipe()
	if err != nil {
		conn.Close()
		p.fail(fmt.Errorf("transcode stderr: %w", err))
		return
	}

	if err := fetch.Start(); err != nil {
		conn.Close()
		p.fail(fmt.Errorf("start fetch: %w", err))
		return
	}
	if err := transcode.Start(); err != nil {
		conn.Close()
		killProcess(fetch)
		p.fail(fmt.Errorf("start transcode: %w", err))
		return
	}

	// Hand ownership to the pipeline unless a concurrent Stop already won;
	// in that case release everything ourselves.
	p.mu.Lock()
	if p.state != StateStarting {
		p.mu.Unlock()
		killProcess(transcode)
		killProcess(fetch)
		conn.Close()
		return
	}
	p.conn = conn
	p.fetch = fetch
	p.transcode = transcode
	p.mu.Unlock()

	stderrDone := make(chan struct{})
	go func() {
		p.drainStderr(transcodeErr)
		close(stderrDone)
	}()

	relayErr := p.relay(transcodeOut, conn)
	if relayErr != nil {
		// Unblock the drain goroutine and the fetcher before reaping.
		killProcess(transcode)
		killProcess(fetch)
	}
	<-stderrDone

	if err := transcode.Wait(); err != nil && p.alive() {
		slog.Debug("voice: transcode process exited with error", "err", err)
	}
	// The transcoder is gone; the fetcher has nowhere left to write.
	killProcess(fetch)
	if err := fetch.Wait(); err != nil {
		slog.Debug("voice: fetch process exited with error", "err", err)
	}

	if relayErr != nil && p.alive() {
		p.fail(fmt.Errorf("stream: %w", relayErr))
		return
	}

	p.stopIfSilent()
}

// stopIfSilent force-stops a pipeline whose transcoder exited without ever
// producing a PCM byte: the source was unplayable. A failure, not a
// zero-duration clip. Reports whether it stopped the pipeline.
func (p *Pipeline) stopIfSilent() bool {
	if p.Seconds() != 0 || !p.alive() {
		return false
	}
	slog.Warn("voice: no audio data was streamed", "uri", p.URI())
	return p.Stop(true)
}

// relay copies decoded PCM from the transcoder to the voice server, counting
// observed seconds. The first chunk flips the pipeline to Streaming, fires
// Play, and starts the updater.
func (p *Pipeline) relay(src io.Reader, conn net.Conn) error {
	buf := make([]byte, 64*1024)
	started := false

	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := conn.Write(buf[:n]); err != nil {
				if !p.alive() || errors.Is(err, net.ErrClosed) {
					return nil
				}
				return fmt.Errorf("write voice server: %w", err)
			}
			p.metrics.RecordPCMBytes(context.Background(), n)

			first := p.addSeconds(float64(n) / sampleBytes / float64(p.cfg.SampleRate))
			if first && !started {
				started = true
				slog.Info("voice: streaming", "uri", p.URI())
				p.fire(Event{Kind: EventPlay})
				go p.updater()
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) || errors.Is(readErr, os.ErrClosed) || !p.alive() {
				p.markDrained()
				return nil
			}
			return fmt.Errorf("read transcoder: %w", readErr)
		}
	}
}

// addSeconds accumulates observed PCM seconds and, on the very first chunk,
// transitions Starting → Streaming. Returns true on that first chunk.
func (p *Pipeline) addSeconds(seconds float64) (first bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seconds += seconds
	if p.state == StateStarting {
		p.state = StateStreaming
		p.startedAt = time.Now()
		return true
	}
	return false
}

// markDrained records when the source stopped producing data, so the
// updater can tell natural completion from a buffer underrun.
func (p *Pipeline) markDrained() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stoppedAt.IsZero() {
		p.stoppedAt = time.Now()
	}
}

// updater fires Update events on a fixed cadence while streaming. When
// elapsed wall-clock time catches up with the total observed PCM the clip is
// over (or underran); either way the pipeline stops itself non-forcefully.
func (p *Pipeline) updater() {
	ticker := time.NewTicker(updateInterval)
	defer ticker.Stop()

	last := 0.0
	for range ticker.C {
		cur, done := p.tick(last)
		if done {
			return
		}
		last = cur
	}
}

// tick performs one updater step: compute clamped elapsed seconds, fire
// Update, and self-stop once elapsed reaches the observed total. Returns the
// elapsed value to carry into the next tick and whether the loop should end.
func (p *Pipeline) tick(last float64) (cur float64, done bool) {
	p.mu.Lock()
	if p.state != StateStreaming {
		p.mu.Unlock()
		return last, true
	}
	elapsed := time.Since(p.startedAt).Seconds()
	total := p.seconds
	drained := !p.stoppedAt.IsZero()
	p.mu.Unlock()

	if elapsed > total {
		elapsed = total
	}

	p.fire(Event{Kind: EventUpdate, Prev: last, Cur: elapsed})

	if elapsed >= total {
		if !drained {
			slog.Debug("voice: buffer underrun", "uri", p.URI(), "seconds", total)
		}
		p.Stop(false)
		return elapsed, true
	}
	return elapsed, false
}

// alive reports whether the pipeline is still starting or streaming.
func (p *Pipeline) alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == StateStarting || p.state == StateStreaming
}

// fail force-stops the pipeline and broadcasts a truncated error message.
func (p *Pipeline) fail(err error) {
	slog.Error("voice: pipeline error", "uri", p.URI(), "err", err)
	p.Stop(true)
	if p.notifier != nil {
		p.notifier.SayChat("Error: " + truncate(err.Error(), 100))
	}
}

// drainStderr consumes transcoder diagnostics so the process never blocks on
// a full stderr pipe. Progress lines are dropped; the rest is logged at
// debug level.
func (p *Pipeline) drainStderr(r io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			slog.Debug("voice: transcoder stderr", "output", truncate(string(buf[:n]), 300))
		}
		if err != nil {
			return
		}
	}
}

// killProcess terminates cmd's process, ignoring "already gone" errors.
func killProcess(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		slog.Debug("voice: kill process", "err", err)
	}
}

// truncate shortens s to at most n bytes.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/audiolibrelab/memocapture/internal/capture"
	"github.com/audiolibrelab/memocapture/internal/clock"
	"github.com/audiolibrelab/memocapture/internal/encoding"

	"github.com/google/uuid"
)

// Options configure an Engine. Zero values pick the system clock, no
// playback and random session IDs.
type Options struct {
	Scheduler clock.Scheduler
	Playback  Playback
	Callbacks Callbacks
	NewID     func() string
}

// Engine runs one recording session at a time against a capture device.
// All methods are safe for concurrent use.
type Engine struct {
	device   capture.Device
	sched    clock.Scheduler
	playback Playback
	cb       Callbacks
	newID    func() string

	mu       sync.Mutex
	state    State
	id       string
	cfg      CaptureConfig
	format   string
	stream   capture.Stream
	pipeline *encoding.Pipeline
	timer    *timer
	meter    *meter
	guard    *guard
	artifact *encoding.Artifact
	lastErr  *Error

	// segment identifies the periodic tasks of the open recording segment.
	// A task that fires with a stale value does nothing.
	segment uint64

	// generation changes on every discard; a Start waiting on the device
	// compares it to learn that it was abandoned.
	generation    uint64
	cancelAcquire context.CancelFunc

	stopping bool
	closed   bool
}

func NewEngine(device capture.Device, opts Options) *Engine {
	if opts.Scheduler == nil {
		opts.Scheduler = clock.System{}
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Engine{
		device:   device,
		sched:    opts.Scheduler,
		playback: opts.Playback,
		cb:       opts.Callbacks,
		newID:    opts.NewID,
		state:    StateIdle,
		guard:    newGuard(),
	}
}

// Start negotiates a format, acquires the device and begins recording.
// Starting from Stopped drops the previous take first. Acquisition failures
// leave the engine Idle with LastError set.
func (e *Engine) Start(ctx context.Context, cfg CaptureConfig) error {
	var d dispatch

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.cancelAcquire != nil {
		e.mu.Unlock()
		return ErrBusy
	}
	if _, err := next(e.state, eventStart); err != nil {
		e.mu.Unlock()
		return err
	}
	if e.state == StateStopped {
		e.discardLocked(&d)
	}

	cfg = cfg.withDefaults()
	e.lastErr = nil

	format, err := capture.Negotiate(cfg.FormatPreference, func(f string) bool {
		return e.device.Supports(f) && encoding.Supported(f)
	})
	if err != nil {
		serr := e.failStartLocked(&d, classify("negotiate", err, KindUnsupportedFormat))
		e.mu.Unlock()
		d.run()
		return serr
	}

	actx, cancel := context.WithCancel(ctx)
	e.cancelAcquire = cancel
	gen := e.generation
	e.mu.Unlock()
	d.run()
	d = nil

	slog.Debug("Acquiring capture device", "device", e.device.Name(), "format", format, "sample_rate", cfg.SampleRate, "channels", cfg.Channels)
	stream, err := e.device.Acquire(actx, cfg.constraints())

	e.mu.Lock()
	cancel()
	e.cancelAcquire = nil

	if gen != e.generation {
		e.mu.Unlock()
		if stream != nil {
			if rerr := stream.Release(); rerr != nil {
				slog.Warn("Releasing abandoned stream failed", "error", rerr)
			}
		}
		slog.Info("Start abandoned by discard")
		return fmt.Errorf("start: %w", context.Canceled)
	}

	if err != nil {
		if ctx.Err() != nil {
			e.mu.Unlock()
			return fmt.Errorf("start: %w", ctx.Err())
		}
		serr := e.failStartLocked(&d, classify("acquire", err, KindDeviceUnavailable))
		e.mu.Unlock()
		d.run()
		return serr
	}

	pipeline, err := encoding.NewPipeline(format, stream.Format(), cfg.Bitrate)
	if err != nil {
		if rerr := stream.Release(); rerr != nil {
			slog.Warn("Releasing stream failed", "error", rerr)
		}
		serr := e.failStartLocked(&d, classify("encode", err, KindUnsupportedFormat))
		e.mu.Unlock()
		d.run()
		return serr
	}

	e.id = e.newID()
	e.cfg = cfg
	e.format = pipeline.Format()
	e.stream = stream
	e.pipeline = pipeline
	e.timer = newTimer(cfg.MaxDurationSeconds())
	e.meter = newMeter(cfg.FFTSize, cfg.Smoothing)
	e.guard.hold(resDevice, stream.Release)
	e.state = StateRecording
	e.beginSegmentLocked()

	id := e.id
	e.emitState(&d)
	if fn := e.cb.OnStarted; fn != nil {
		d.add(func() { fn(id) })
	}
	e.mu.Unlock()

	slog.Info("Recording started", "session_id", id, "format", e.format, "max_duration", cfg.MaxDurationSeconds())
	d.run()
	return nil
}

func (e *Engine) failStartLocked(d *dispatch, serr *Error) *Error {
	_ = e.guard.releaseAll()
	e.lastErr = serr
	slog.Error("Start failed", "kind", serr.Kind, "error", serr.Err)
	e.emitError(d, serr)
	return serr
}

// Pause freezes the duration and stops the stream from emitting while the
// device stays held.
func (e *Engine) Pause() error {
	var d dispatch

	e.mu.Lock()
	to, err := next(e.state, eventPause)
	if err != nil {
		e.mu.Unlock()
		return err
	}

	e.endSegmentLocked()
	if e.timer.suspend(e.sched.Now()) {
		e.emitDuration(&d)
	}

	// data captured before the pause belongs to the take
	if err := e.flushLocked(); err != nil {
		serr := e.failLocked(&d, err)
		e.mu.Unlock()
		d.run()
		return serr
	}

	e.stream.Pause()
	e.state = to
	e.emitState(&d)
	seconds := e.timer.seconds
	e.mu.Unlock()

	slog.Info("Recording paused", "duration", seconds)
	d.run()
	return nil
}

// Resume opens a new recording segment after a pause
func (e *Engine) Resume() error {
	var d dispatch

	e.mu.Lock()
	to, err := next(e.state, eventResume)
	if err != nil {
		e.mu.Unlock()
		return err
	}

	e.stream.Resume()
	e.state = to
	e.beginSegmentLocked()
	e.emitState(&d)
	e.mu.Unlock()

	slog.Info("Recording resumed")
	d.run()
	return nil
}

// Stop ends the take and returns its artifact. When sealing fails the engine
// is still Stopped but no artifact is produced.
func (e *Engine) Stop() (*encoding.Artifact, error) {
	var d dispatch

	e.mu.Lock()
	artifact, err := e.stopLocked(&d, e.state == StateRecording)
	e.mu.Unlock()

	d.run()
	return artifact, err
}

// stopLocked is the only way into Stopped. User stops, auto-stop and forced
// stops after a failure all come through here. With drain set the stream is
// flushed one last time before the pipeline is sealed.
func (e *Engine) stopLocked(d *dispatch, drain bool) (*encoding.Artifact, error) {
	to, err := next(e.state, eventStop)
	if err != nil {
		return nil, err
	}
	if e.stopping {
		return nil, fmt.Errorf("%w: stop already in progress", ErrInvalidTransition)
	}
	e.stopping = true
	defer func() { e.stopping = false }()

	id := e.id

	// Periodic tasks go first so none of them fires against a released stream.
	e.endSegmentLocked()
	if e.timer.suspend(e.sched.Now()) {
		e.emitDuration(d)
	}
	duration := e.timer.seconds

	if drain {
		if err := e.flushLocked(); err != nil {
			e.failLocked(d, err)
		}
	}

	e.checkCaptured(id, duration)
	artifact, ferr := e.pipeline.Finalize(duration)

	if err := e.guard.release(resDevice); err != nil {
		slog.Warn("Capture device did not release cleanly", "error", err)
	}
	e.stream = nil
	e.state = to
	e.emitState(d)

	if ferr != nil {
		serr := classify("finalize", ferr, KindEncodingFailure)
		e.lastErr = serr
		slog.Error("Finalizing recording failed", "session_id", id, "error", ferr)
		e.emitError(d, serr)
		e.emitStopped(d, id)
		return nil, serr
	}

	e.artifact = artifact
	if e.playback != nil {
		if err := e.playback.Load(artifact); err != nil {
			slog.Warn("Preparing preview failed", "error", err)
		} else {
			e.guard.hold(resPreview, e.playback.Release)
		}
	}

	slog.Info("Recording stopped", "session_id", id, "duration", duration, "size", artifact.Size, "partial", artifact.Partial)

	if fn := e.cb.OnComplete; fn != nil {
		d.add(func() { fn(artifact, duration) })
	}
	e.emitStopped(d, id)
	return artifact, nil
}

// checkCaptured compares the audio the pipeline collected with the timer. A
// gap wider than one chunk plus a second means the device dropped audio.
func (e *Engine) checkCaptured(id string, durationSeconds int) {
	captured := e.pipeline.Captured()
	if capturedDrifted(captured, durationSeconds, e.cfg.ChunkInterval) {
		slog.Warn("Captured audio does not match the timer", "session_id", id, "captured", captured, "duration", durationSeconds, "chunks", e.pipeline.Chunks())
		return
	}
	slog.Debug("Captured audio", "session_id", id, "captured", captured, "chunks", e.pipeline.Chunks())
}

func capturedDrifted(captured time.Duration, durationSeconds int, chunk time.Duration) bool {
	drift := captured - time.Duration(durationSeconds)*time.Second
	if drift < 0 {
		drift = -drift
	}
	return drift > chunk+time.Second
}

// failLocked records a mid-take failure and forces the stop path. The
// buffered chunks are still delivered, flagged partial.
func (e *Engine) failLocked(d *dispatch, err error) *Error {
	serr := classify("record", err, KindEncodingFailure)
	e.pipeline.Fail(err)
	e.lastErr = serr
	slog.Error("Recording failed", "session_id", e.id, "kind", serr.Kind, "error", err)
	e.emitError(d, serr)

	if !e.stopping {
		_, _ = e.stopLocked(d, false)
	}
	return serr
}

// Discard drops the current take, whatever its state, and releases
// everything it held. Calling it again is a no-op.
func (e *Engine) Discard() {
	var d dispatch

	e.mu.Lock()
	e.discardLocked(&d)
	e.mu.Unlock()

	d.run()
}

func (e *Engine) discardLocked(d *dispatch) {
	e.generation++
	if e.cancelAcquire != nil {
		e.cancelAcquire()
	}

	from := e.state
	e.segment++
	if e.pipeline != nil {
		e.pipeline.Discard()
	}
	if err := e.guard.releaseAll(); err != nil {
		slog.Warn("Discard released with errors", "error", err)
	}

	e.state = StateIdle
	e.id = ""
	e.format = ""
	e.stream = nil
	e.pipeline = nil
	e.timer = nil
	e.meter = nil
	e.artifact = nil
	e.lastErr = nil

	if from != StateIdle {
		slog.Info("Session discarded", "from", from)
		e.emitState(d)
	}
}

// Close discards the current take and refuses any later Start.
func (e *Engine) Close() error {
	var d dispatch

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.discardLocked(&d)
	e.closed = true
	e.mu.Unlock()

	d.run()
	return nil
}

// TogglePlayback starts, pauses or resumes the preview of the last artifact.
func (e *Engine) TogglePlayback() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateStopped || e.artifact == nil {
		return ErrNoArtifact
	}
	if e.playback == nil {
		return ErrNoPlayer
	}
	if !e.guard.holding(resPreview) {
		if err := e.playback.Load(e.artifact); err != nil {
			return fmt.Errorf("prepare preview: %w", err)
		}
		e.guard.hold(resPreview, e.playback.Release)
	}
	return e.playback.Toggle()
}

// Artifact is the last finished take, or nil
func (e *Engine) Artifact() *encoding.Artifact {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.artifact
}

// LastError is the most recent capture or encoding failure, or nil
func (e *Engine) LastError() *Error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := Snapshot{
		ID:        e.id,
		State:     e.state,
		Format:    e.format,
		LastError: e.lastErr,
	}
	if e.timer != nil {
		s.DurationSeconds = e.timer.seconds
		s.MaxDurationSeconds = e.timer.max
		s.PausedAccumulated = e.timer.accumulated
		if e.timer.running {
			s.StartedAt = e.timer.startedAt
		}
	}
	if e.state == StateRecording && e.meter != nil {
		s.Level = e.meter.level
	}
	if e.state == StateStopped && e.playback != nil && e.guard.holding(resPreview) {
		s.Playing = e.playback.Playing()
	}
	return s
}

func (e *Engine) beginSegmentLocked() {
	e.segment++
	seg := e.segment

	e.timer.begin(e.sched.Now())
	e.guard.hold(resSampler, taskRelease(e.sched.Every(e.cfg.MeterInterval, func() { e.onMeter(seg) }).Cancel))
	e.guard.hold(resTimer, taskRelease(e.sched.Every(timerInterval, func() { e.onTick(seg) }).Cancel))
	e.guard.hold(resFlusher, taskRelease(e.sched.Every(e.cfg.ChunkInterval, func() { e.onFlush(seg) }).Cancel))
}

func (e *Engine) endSegmentLocked() {
	e.segment++
	_ = e.guard.release(resSampler)
	_ = e.guard.release(resTimer)
	_ = e.guard.release(resFlusher)
	if e.meter != nil {
		e.meter.reset()
	}
}

// live reports whether a task of segment seg may act
func (e *Engine) live(seg uint64) bool {
	return seg == e.segment && e.state == StateRecording && !e.stopping
}

func (e *Engine) onMeter(seg uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.live(seg) {
		return
	}
	e.meter.sample(e.stream)
}

func (e *Engine) onTick(seg uint64) {
	var d dispatch

	e.mu.Lock()
	if !e.live(seg) {
		e.mu.Unlock()
		return
	}
	if e.timer.tick(e.sched.Now()) {
		e.emitDuration(&d)
	}
	if e.timer.reached() {
		slog.Info("Maximum duration reached", "session_id", e.id, "max_duration", e.timer.max)
		_, _ = e.stopLocked(&d, true)
	}
	e.mu.Unlock()

	d.run()
}

func (e *Engine) onFlush(seg uint64) {
	var d dispatch

	e.mu.Lock()
	if !e.live(seg) {
		e.mu.Unlock()
		return
	}
	if err := e.flushLocked(); err != nil {
		e.failLocked(&d, err)
	}
	e.mu.Unlock()

	d.run()
}

// flushLocked moves whatever the stream captured into the pipeline
func (e *Engine) flushLocked() error {
	data, err := e.stream.Flush()
	if err != nil {
		return fmt.Errorf("flush capture: %w", err)
	}
	return e.pipeline.Collect(data)
}

// dispatch queues callbacks until the engine lock is released
type dispatch []func()

func (d *dispatch) add(fn func()) {
	*d = append(*d, fn)
}

func (d dispatch) run() {
	for _, fn := range d {
		fn()
	}
}

func (e *Engine) emitState(d *dispatch) {
	if fn := e.cb.OnStateChanged; fn != nil {
		s := e.state
		d.add(func() { fn(s) })
	}
}

func (e *Engine) emitDuration(d *dispatch) {
	if fn := e.cb.OnDuration; fn != nil {
		s := e.timer.seconds
		d.add(func() { fn(s) })
	}
}

func (e *Engine) emitError(d *dispatch, serr *Error) {
	if fn := e.cb.OnError; fn != nil {
		d.add(func() { fn(serr) })
	}
}

func (e *Engine) emitStopped(d *dispatch, id string) {
	if fn := e.cb.OnStopped; fn != nil {
		d.add(func() { fn(id) })
	}
}

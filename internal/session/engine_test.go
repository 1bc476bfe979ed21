package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/audiolibrelab/memocapture/internal/capture"
	"github.com/audiolibrelab/memocapture/internal/clock"
	"github.com/audiolibrelab/memocapture/internal/encoding"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

// recorder collects callback invocations in order
type recorder struct {
	mu        sync.Mutex
	events    []string
	artifacts []*encoding.Artifact
	durations []int
	errors    []*Error
}

func (r *recorder) add(ev string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnStarted: func(id string) { r.add("started") },
		OnStopped: func(id string) { r.add("stopped") },
		OnComplete: func(a *encoding.Artifact, seconds int) {
			r.mu.Lock()
			r.artifacts = append(r.artifacts, a)
			r.mu.Unlock()
			r.add(fmt.Sprintf("complete:%d", seconds))
		},
		OnError: func(err *Error) {
			r.mu.Lock()
			r.errors = append(r.errors, err)
			r.mu.Unlock()
			r.add("error:" + string(err.Kind))
		},
		OnStateChanged: func(s State) { r.add("state:" + s.String()) },
		OnDuration: func(seconds int) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.durations = append(r.durations, seconds)
		},
	}
}

type fakePlayback struct {
	mu       sync.Mutex
	loaded   *encoding.Artifact
	loads    int
	toggles  int
	releases int
	playing  bool
	loadErr  error
}

func (p *fakePlayback) Load(a *encoding.Artifact) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loadErr != nil {
		return p.loadErr
	}
	p.loaded = a
	p.loads++
	return nil
}

func (p *fakePlayback) Toggle() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.toggles++
	p.playing = !p.playing
	return nil
}

func (p *fakePlayback) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

func (p *fakePlayback) Release() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.releases++
	p.playing = false
	p.loaded = nil
	return nil
}

type fixture struct {
	sched    *clock.Manual
	device   *capture.SyntheticDevice
	playback *fakePlayback
	events   *recorder
	engine   *Engine
}

func newFixture(t *testing.T, opts capture.SyntheticOptions) *fixture {
	t.Helper()
	f := &fixture{
		sched:    clock.NewManual(epoch),
		playback: &fakePlayback{},
		events:   &recorder{},
	}
	f.device = capture.NewSyntheticDevice(f.sched, opts)
	ids := 0
	f.engine = NewEngine(f.device, Options{
		Scheduler: f.sched,
		Playback:  f.playback,
		Callbacks: f.events.callbacks(),
		NewID: func() string {
			ids++
			return fmt.Sprintf("take-%d", ids)
		},
	})
	return f
}

func testConfig() CaptureConfig {
	return CaptureConfig{
		SampleRate:         8000,
		Channels:           1,
		FormatPreference:   []string{"audio/webm;codecs=opus", encoding.FormatWAV},
		MaxDurationMinutes: 1,
	}
}

func TestAutoStopAtMaxDuration(t *testing.T) {
	f := newFixture(t, capture.SyntheticOptions{})
	require.NoError(t, f.engine.Start(context.Background(), testConfig()))

	f.sched.Advance(65 * time.Second)

	snap := f.engine.Snapshot()
	assert.Equal(t, StateStopped, snap.State)
	assert.Equal(t, 60, snap.DurationSeconds)

	require.Len(t, f.events.artifacts, 1)
	artifact := f.events.artifacts[0]
	assert.Equal(t, 60, artifact.DurationSeconds)
	assert.Equal(t, encoding.FormatWAV, artifact.Format)
	assert.False(t, artifact.Partial)
	assert.GreaterOrEqual(t, artifact.Size, 60*8000*2)

	assert.Equal(t, []string{"state:RECORDING", "started", "state:STOPPED", "complete:60", "stopped"}, f.events.events)
	assert.Len(t, f.events.durations, 60)
	assert.Equal(t, 60, f.events.durations[59])

	assert.Equal(t, 1, f.device.Acquired())
	assert.Equal(t, 1, f.device.Released())
	assert.Equal(t, 0, f.sched.Pending())
}

func TestAutoStopAtFractionalMaxDuration(t *testing.T) {
	f := newFixture(t, capture.SyntheticOptions{})
	cfg := testConfig()
	cfg.MaxDurationMinutes = 0.5
	require.NoError(t, f.engine.Start(context.Background(), cfg))

	f.sched.Advance(29 * time.Second)
	assert.Equal(t, StateRecording, f.engine.Snapshot().State)

	f.sched.Advance(5 * time.Second)
	snap := f.engine.Snapshot()
	assert.Equal(t, StateStopped, snap.State)
	assert.Equal(t, 30, snap.MaxDurationSeconds)
	require.Len(t, f.events.artifacts, 1)
	assert.Equal(t, 30, f.events.artifacts[0].DurationSeconds)
}

func TestPausedTimeIsNotCounted(t *testing.T) {
	f := newFixture(t, capture.SyntheticOptions{})
	cfg := testConfig()
	cfg.MaxDurationMinutes = 0
	require.NoError(t, f.engine.Start(context.Background(), cfg))

	f.sched.Advance(10 * time.Second)
	require.NoError(t, f.engine.Pause())

	snap := f.engine.Snapshot()
	assert.Equal(t, StatePaused, snap.State)
	assert.Equal(t, 10, snap.DurationSeconds)
	assert.Equal(t, 10*time.Second, snap.PausedAccumulated)
	assert.Zero(t, snap.Level)
	assert.True(t, snap.StartedAt.IsZero())
	assert.Equal(t, 0, f.sched.Pending())

	f.sched.Advance(30 * time.Second)
	assert.Equal(t, 10, f.engine.Snapshot().DurationSeconds)

	require.NoError(t, f.engine.Resume())
	assert.Equal(t, epoch.Add(40*time.Second), f.engine.Snapshot().StartedAt)

	f.sched.Advance(15 * time.Second)
	assert.Equal(t, 25, f.engine.Snapshot().DurationSeconds)

	artifact, err := f.engine.Stop()
	require.NoError(t, err)
	assert.Equal(t, 25, artifact.DurationSeconds)
	assert.InDelta(t, 25*8000*2, artifact.Size, 100)
	assert.Equal(t, DefaultMaxDurationMinutes*60, f.engine.Snapshot().MaxDurationSeconds)
}

func TestStopWhilePaused(t *testing.T) {
	f := newFixture(t, capture.SyntheticOptions{})
	require.NoError(t, f.engine.Start(context.Background(), testConfig()))
	f.sched.Advance(3500 * time.Millisecond)
	require.NoError(t, f.engine.Pause())
	f.sched.Advance(time.Minute)

	artifact, err := f.engine.Stop()
	require.NoError(t, err)
	assert.Equal(t, 3, artifact.DurationSeconds)
	assert.InDelta(t, 3500*8*2, artifact.Size, 100)
	assert.Equal(t, 1, f.device.Released())
}

func TestDiscardFromEveryState(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, f *fixture)
	}{
		{"idle", func(t *testing.T, f *fixture) {}},
		{"recording", func(t *testing.T, f *fixture) {
			require.NoError(t, f.engine.Start(context.Background(), testConfig()))
			f.sched.Advance(2 * time.Second)
		}},
		{"paused", func(t *testing.T, f *fixture) {
			require.NoError(t, f.engine.Start(context.Background(), testConfig()))
			f.sched.Advance(2 * time.Second)
			require.NoError(t, f.engine.Pause())
		}},
		{"stopped", func(t *testing.T, f *fixture) {
			require.NoError(t, f.engine.Start(context.Background(), testConfig()))
			f.sched.Advance(2 * time.Second)
			_, err := f.engine.Stop()
			require.NoError(t, err)
			require.NoError(t, f.engine.TogglePlayback())
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, capture.SyntheticOptions{})
			tt.setup(t, f)

			f.engine.Discard()
			f.engine.Discard()

			snap := f.engine.Snapshot()
			assert.Equal(t, StateIdle, snap.State)
			assert.Zero(t, snap.DurationSeconds)
			assert.Zero(t, snap.Level)
			assert.Empty(t, snap.ID)
			assert.False(t, snap.Playing)
			assert.Nil(t, f.engine.Artifact())
			assert.Equal(t, f.device.Acquired(), f.device.Released())
			assert.Equal(t, 0, f.sched.Pending())
			assert.False(t, f.playback.Playing())
			assert.Nil(t, f.playback.loaded)
		})
	}
}

func TestInvalidTransitions(t *testing.T) {
	f := newFixture(t, capture.SyntheticOptions{})

	assert.ErrorIs(t, f.engine.Pause(), ErrInvalidTransition)
	assert.ErrorIs(t, f.engine.Resume(), ErrInvalidTransition)
	_, err := f.engine.Stop()
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.ErrorIs(t, f.engine.TogglePlayback(), ErrNoArtifact)

	require.NoError(t, f.engine.Start(context.Background(), testConfig()))
	assert.ErrorIs(t, f.engine.Start(context.Background(), testConfig()), ErrInvalidTransition)
	assert.ErrorIs(t, f.engine.Resume(), ErrInvalidTransition)

	require.NoError(t, f.engine.Pause())
	assert.ErrorIs(t, f.engine.Pause(), ErrInvalidTransition)

	_, err = f.engine.Stop()
	require.NoError(t, err)
	_, err = f.engine.Stop()
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.ErrorIs(t, f.engine.Pause(), ErrInvalidTransition)

	// usage errors never become the session error
	assert.Nil(t, f.engine.LastError())
}

func TestStartFailures(t *testing.T) {
	tests := []struct {
		name string
		opts capture.SyntheticOptions
		kind ErrorKind
		is   error
	}{
		{"permission denied", capture.SyntheticOptions{AcquireErr: fmt.Errorf("portal said no: %w", capture.ErrPermissionDenied)}, KindPermissionDenied, ErrPermissionDenied},
		{"device unavailable", capture.SyntheticOptions{AcquireErr: capture.ErrDeviceUnavailable}, KindDeviceUnavailable, ErrDeviceUnavailable},
		{"unknown acquire error", capture.SyntheticOptions{AcquireErr: errors.New("boom")}, KindDeviceUnavailable, ErrDeviceUnavailable},
		{"no format", capture.SyntheticOptions{Formats: []string{"audio/flac"}}, KindUnsupportedFormat, ErrUnsupportedFormat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.opts)

			err := f.engine.Start(context.Background(), testConfig())
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.is)

			var serr *Error
			require.ErrorAs(t, err, &serr)
			assert.Equal(t, tt.kind, serr.Kind)
			assert.NotEmpty(t, serr.Message())

			snap := f.engine.Snapshot()
			assert.Equal(t, StateIdle, snap.State)
			require.NotNil(t, snap.LastError)
			assert.Equal(t, tt.kind, snap.LastError.Kind)
			assert.Equal(t, []string{"error:" + string(tt.kind)}, f.events.events)
			assert.Equal(t, 0, f.sched.Pending())
			assert.Equal(t, 0, f.device.Acquired())
		})
	}
}

func TestDiscardClearsLastError(t *testing.T) {
	f := newFixture(t, capture.SyntheticOptions{Formats: []string{"audio/flac"}})
	require.Error(t, f.engine.Start(context.Background(), testConfig()))
	require.NotNil(t, f.engine.LastError())

	f.engine.Discard()
	assert.Nil(t, f.engine.LastError())
}

func TestFormatNegotiation(t *testing.T) {
	f := newFixture(t, capture.SyntheticOptions{Formats: []string{encoding.FormatPCMU, encoding.FormatWAV}})
	cfg := testConfig()
	cfg.FormatPreference = []string{"audio/webm;codecs=opus", encoding.FormatPCMU, encoding.FormatWAV}

	require.NoError(t, f.engine.Start(context.Background(), cfg))
	assert.Equal(t, encoding.FormatPCMU, f.engine.Snapshot().Format)

	f.sched.Advance(2 * time.Second)
	artifact, err := f.engine.Stop()
	require.NoError(t, err)
	assert.Equal(t, encoding.FormatPCMU, artifact.Format)
	assert.Equal(t, 2*8000, artifact.Size)
}

func TestFormatTagIsNormalized(t *testing.T) {
	f := newFixture(t, capture.SyntheticOptions{})
	cfg := testConfig()
	cfg.FormatPreference = []string{" Audio/PCMU "}

	require.NoError(t, f.engine.Start(context.Background(), cfg))
	assert.Equal(t, encoding.FormatPCMU, f.engine.Snapshot().Format)

	f.sched.Advance(time.Second)
	artifact, err := f.engine.Stop()
	require.NoError(t, err)
	assert.Equal(t, encoding.FormatPCMU, artifact.Format)
	assert.Equal(t, artifact.Format, f.engine.Snapshot().Format)
}

func TestCapturedDrifted(t *testing.T) {
	assert.False(t, capturedDrifted(10*time.Second, 10, time.Second))
	assert.False(t, capturedDrifted(8*time.Second, 10, time.Second))
	assert.True(t, capturedDrifted(7*time.Second, 10, time.Second))
	assert.True(t, capturedDrifted(13*time.Second, 10, time.Second))
}

func TestFormatFallsBackToBaseline(t *testing.T) {
	f := newFixture(t, capture.SyntheticOptions{})
	cfg := testConfig()
	cfg.FormatPreference = nil

	require.NoError(t, f.engine.Start(context.Background(), cfg))
	assert.Equal(t, capture.BaselineFormat, f.engine.Snapshot().Format)
}

func TestEncodingFailureDeliversPartialTake(t *testing.T) {
	f := newFixture(t, capture.SyntheticOptions{FailFlushAfter: 3})
	require.NoError(t, f.engine.Start(context.Background(), testConfig()))

	f.sched.Advance(10 * time.Second)

	snap := f.engine.Snapshot()
	assert.Equal(t, StateStopped, snap.State)
	assert.Equal(t, 3, snap.DurationSeconds)
	require.NotNil(t, snap.LastError)
	assert.Equal(t, KindEncodingFailure, snap.LastError.Kind)

	require.Len(t, f.events.artifacts, 1)
	artifact := f.events.artifacts[0]
	assert.True(t, artifact.Partial)
	assert.InDelta(t, 2*8000*2, artifact.Size, 100)

	assert.Equal(t, []string{
		"state:RECORDING", "started",
		"error:encoding_failure",
		"state:STOPPED", "complete:3", "stopped",
	}, f.events.events)
	assert.Equal(t, 1, f.device.Released())
	assert.Equal(t, 0, f.sched.Pending())
}

func TestDeviceLossIsReportedAsUnavailable(t *testing.T) {
	f := newFixture(t, capture.SyntheticOptions{
		FailFlushAfter: 2,
		FlushErr:       fmt.Errorf("ffmpeg exited: %w", capture.ErrDeviceUnavailable),
	})
	require.NoError(t, f.engine.Start(context.Background(), testConfig()))

	f.sched.Advance(5 * time.Second)

	last := f.engine.LastError()
	require.NotNil(t, last)
	assert.Equal(t, KindDeviceUnavailable, last.Kind)
	require.NotNil(t, f.engine.Artifact())
	assert.True(t, f.engine.Artifact().Partial)
}

func TestFailureOnFinalFlush(t *testing.T) {
	f := newFixture(t, capture.SyntheticOptions{FailFlushAfter: 3})
	require.NoError(t, f.engine.Start(context.Background(), testConfig()))
	f.sched.Advance(2500 * time.Millisecond)

	artifact, err := f.engine.Stop()
	require.NoError(t, err)
	assert.True(t, artifact.Partial)
	assert.Equal(t, 2, artifact.DurationSeconds)
	assert.Equal(t, []string{
		"state:RECORDING", "started",
		"error:encoding_failure",
		"state:STOPPED", "complete:2", "stopped",
	}, f.events.events)
}

func TestPauseFlushFailureForcesStop(t *testing.T) {
	f := newFixture(t, capture.SyntheticOptions{FailFlushAfter: 2})
	require.NoError(t, f.engine.Start(context.Background(), testConfig()))
	f.sched.Advance(1500 * time.Millisecond)

	err := f.engine.Pause()
	assert.ErrorIs(t, err, ErrEncodingFailure)
	assert.Equal(t, StateStopped, f.engine.Snapshot().State)
	require.Len(t, f.events.errors, 1)
	require.Len(t, f.events.artifacts, 1)
	assert.True(t, f.events.artifacts[0].Partial)
}

func TestLevelOnlyWhileRecording(t *testing.T) {
	f := newFixture(t, capture.SyntheticOptions{Amplitude: 0.8, Noise: 0.5})
	assert.Zero(t, f.engine.Snapshot().Level)

	require.NoError(t, f.engine.Start(context.Background(), testConfig()))
	f.sched.Advance(500 * time.Millisecond)
	level := f.engine.Snapshot().Level
	assert.Greater(t, level, 0.0)
	assert.LessOrEqual(t, level, 1.0)

	require.NoError(t, f.engine.Pause())
	assert.Zero(t, f.engine.Snapshot().Level)

	require.NoError(t, f.engine.Resume())
	assert.Zero(t, f.engine.Snapshot().Level)
	f.sched.Advance(100 * time.Millisecond)
	assert.Greater(t, f.engine.Snapshot().Level, 0.0)

	_, err := f.engine.Stop()
	require.NoError(t, err)
	assert.Zero(t, f.engine.Snapshot().Level)
}

func TestPlaybackLifecycle(t *testing.T) {
	f := newFixture(t, capture.SyntheticOptions{})
	require.NoError(t, f.engine.Start(context.Background(), testConfig()))
	assert.ErrorIs(t, f.engine.TogglePlayback(), ErrNoArtifact)
	f.sched.Advance(time.Second)

	artifact, err := f.engine.Stop()
	require.NoError(t, err)
	assert.Equal(t, 1, f.playback.loads)
	assert.Same(t, artifact, f.playback.loaded)
	assert.Same(t, artifact, f.engine.Artifact())

	require.NoError(t, f.engine.TogglePlayback())
	assert.True(t, f.engine.Snapshot().Playing)
	require.NoError(t, f.engine.TogglePlayback())
	assert.False(t, f.engine.Snapshot().Playing)

	// playback ending on its own leaves the session alone
	assert.Equal(t, StateStopped, f.engine.Snapshot().State)

	f.engine.Discard()
	assert.Equal(t, 1, f.playback.releases)
}

func TestPlaybackLoadFailureKeepsArtifact(t *testing.T) {
	f := newFixture(t, capture.SyntheticOptions{})
	f.playback.loadErr = errors.New("disk full")
	require.NoError(t, f.engine.Start(context.Background(), testConfig()))
	f.sched.Advance(time.Second)

	artifact, err := f.engine.Stop()
	require.NoError(t, err)
	require.NotNil(t, artifact)
	assert.Error(t, f.engine.TogglePlayback())

	f.playback.loadErr = nil
	require.NoError(t, f.engine.TogglePlayback())
	assert.True(t, f.engine.Snapshot().Playing)
}

func TestNoPlayerConfigured(t *testing.T) {
	sched := clock.NewManual(epoch)
	e := NewEngine(capture.NewSyntheticDevice(sched, capture.SyntheticOptions{}), Options{Scheduler: sched})
	require.NoError(t, e.Start(context.Background(), testConfig()))
	sched.Advance(time.Second)
	_, err := e.Stop()
	require.NoError(t, err)
	assert.ErrorIs(t, e.TogglePlayback(), ErrNoPlayer)
}

func TestStartFromStoppedDropsPreviousTake(t *testing.T) {
	f := newFixture(t, capture.SyntheticOptions{})
	require.NoError(t, f.engine.Start(context.Background(), testConfig()))
	f.sched.Advance(2 * time.Second)
	first, err := f.engine.Stop()
	require.NoError(t, err)
	firstID := f.engine.Snapshot().ID

	require.NoError(t, f.engine.Start(context.Background(), testConfig()))
	snap := f.engine.Snapshot()
	assert.Equal(t, StateRecording, snap.State)
	assert.NotEqual(t, firstID, snap.ID)
	assert.Zero(t, snap.DurationSeconds)
	assert.Nil(t, f.engine.Artifact())
	assert.NotSame(t, first, f.engine.Artifact())
	assert.Equal(t, 1, f.playback.releases)
	assert.Equal(t, 2, f.device.Acquired())
	assert.Equal(t, 1, f.device.Released())
}

func TestCallbacksMayReenter(t *testing.T) {
	sched := clock.NewManual(epoch)
	device := capture.NewSyntheticDevice(sched, capture.SyntheticOptions{})
	var e *Engine
	e = NewEngine(device, Options{
		Scheduler: sched,
		Callbacks: Callbacks{
			OnComplete: func(*encoding.Artifact, int) { e.Discard() },
		},
	})

	require.NoError(t, e.Start(context.Background(), testConfig()))
	sched.Advance(61 * time.Second)

	assert.Equal(t, StateIdle, e.Snapshot().State)
	assert.Equal(t, 1, device.Released())
}

func TestCloseRejectsStart(t *testing.T) {
	f := newFixture(t, capture.SyntheticOptions{})
	require.NoError(t, f.engine.Start(context.Background(), testConfig()))

	require.NoError(t, f.engine.Close())
	require.NoError(t, f.engine.Close())
	assert.Equal(t, StateIdle, f.engine.Snapshot().State)
	assert.Equal(t, 1, f.device.Released())
	assert.ErrorIs(t, f.engine.Start(context.Background(), testConfig()), ErrClosed)
}

// acquiring reports whether a Start is waiting on the device
func (e *Engine) acquiring() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelAcquire != nil
}

func TestConcurrentStartIsBusy(t *testing.T) {
	gate := make(chan struct{})
	f := newFixture(t, capture.SyntheticOptions{Gate: gate})

	done := make(chan error, 1)
	go func() { done <- f.engine.Start(context.Background(), testConfig()) }()
	require.Eventually(t, f.engine.acquiring, time.Second, time.Millisecond)

	assert.ErrorIs(t, f.engine.Start(context.Background(), testConfig()), ErrBusy)

	gate <- struct{}{}
	require.NoError(t, <-done)
	assert.Equal(t, StateRecording, f.engine.Snapshot().State)
	assert.Equal(t, 1, f.device.Acquired())
}

func TestDiscardCancelsPendingAcquisition(t *testing.T) {
	f := newFixture(t, capture.SyntheticOptions{Gate: make(chan struct{})})

	done := make(chan error, 1)
	go func() { done <- f.engine.Start(context.Background(), testConfig()) }()
	require.Eventually(t, f.engine.acquiring, time.Second, time.Millisecond)

	f.engine.Discard()

	err := <-done
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateIdle, f.engine.Snapshot().State)
	assert.Nil(t, f.engine.LastError())
	assert.Equal(t, 0, f.device.Acquired())
	assert.Equal(t, 0, f.sched.Pending())
}

// stubbornDevice ignores cancellation and hands out a stream once released
type stubbornDevice struct {
	*capture.SyntheticDevice
	proceed chan struct{}
}

func (d *stubbornDevice) Acquire(_ context.Context, c capture.Constraints) (capture.Stream, error) {
	<-d.proceed
	return d.SyntheticDevice.Acquire(context.Background(), c)
}

func TestLateStreamAfterDiscardIsReleased(t *testing.T) {
	sched := clock.NewManual(epoch)
	device := &stubbornDevice{
		SyntheticDevice: capture.NewSyntheticDevice(sched, capture.SyntheticOptions{}),
		proceed:         make(chan struct{}),
	}
	e := NewEngine(device, Options{Scheduler: sched})

	done := make(chan error, 1)
	go func() { done <- e.Start(context.Background(), testConfig()) }()
	require.Eventually(t, e.acquiring, time.Second, time.Millisecond)

	e.Discard()
	close(device.proceed)

	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, StateIdle, e.Snapshot().State)
	assert.Equal(t, 1, device.Acquired())
	assert.Equal(t, 1, device.Released())
	assert.Equal(t, 0, sched.Pending())
}

func TestCallerCancellationIsNotASessionError(t *testing.T) {
	f := newFixture(t, capture.SyntheticOptions{Gate: make(chan struct{})})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.engine.Start(ctx, testConfig()) }()
	require.Eventually(t, f.engine.acquiring, time.Second, time.Millisecond)
	cancel()

	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Nil(t, f.engine.LastError())
	assert.Equal(t, StateIdle, f.engine.Snapshot().State)
}

// tracingDevice logs stream calls so teardown order can be checked
type tracingDevice struct {
	*capture.SyntheticDevice
	mu    sync.Mutex
	trace []string
}

func (d *tracingDevice) log(op string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.trace = append(d.trace, op)
}

func (d *tracingDevice) Acquire(ctx context.Context, c capture.Constraints) (capture.Stream, error) {
	s, err := d.SyntheticDevice.Acquire(ctx, c)
	if err != nil {
		return nil, err
	}
	return &tracingStream{Stream: s, dev: d}, nil
}

type tracingStream struct {
	capture.Stream
	dev *tracingDevice
}

func (s *tracingStream) Flush() ([]byte, error) {
	s.dev.log("flush")
	return s.Stream.Flush()
}

func (s *tracingStream) Analyse(dst []float64) int {
	s.dev.log("analyse")
	return s.Stream.Analyse(dst)
}

func (s *tracingStream) Release() error {
	s.dev.log("release")
	return s.Stream.Release()
}

func TestStopDrainsBeforeRelease(t *testing.T) {
	sched := clock.NewManual(epoch)
	device := &tracingDevice{SyntheticDevice: capture.NewSyntheticDevice(sched, capture.SyntheticOptions{})}
	e := NewEngine(device, Options{Scheduler: sched})

	require.NoError(t, e.Start(context.Background(), testConfig()))
	sched.Advance(1500 * time.Millisecond)
	_, err := e.Stop()
	require.NoError(t, err)
	sched.Advance(5 * time.Second)

	device.mu.Lock()
	defer device.mu.Unlock()
	n := len(device.trace)
	require.GreaterOrEqual(t, n, 2)
	assert.Equal(t, []string{"flush", "release"}, device.trace[n-2:])
}

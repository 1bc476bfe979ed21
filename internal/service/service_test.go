package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/audiolibrelab/memocapture/internal/capture"
	"github.com/audiolibrelab/memocapture/internal/clock"
	"github.com/audiolibrelab/memocapture/internal/config"
	"github.com/audiolibrelab/memocapture/internal/playback"
	"github.com/audiolibrelab/memocapture/internal/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

type fakeProcess struct{ done chan struct{} }

func (p *fakeProcess) Pause() error          { return nil }
func (p *fakeProcess) Resume() error         { return nil }
func (p *fakeProcess) Stop() error           { return nil }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }

type fakePlayer struct{ started []string }

func (p *fakePlayer) Start(path string) (playback.Process, error) {
	p.started = append(p.started, path)
	return &fakeProcess{done: make(chan struct{})}, nil
}

type fixture struct {
	sched  *clock.Manual
	device *capture.SyntheticDevice
	player *fakePlayer
	cfg    *config.Config
	svc    *MemoCaptureService
}

func newFixture(t *testing.T, opts capture.SyntheticOptions, mutate func(*config.Config)) *fixture {
	t.Helper()

	cfg := config.Default()
	cfg.Output.Directory = t.TempDir()
	cfg.Output.Metadata = true
	cfg.Capture.SampleRate = 8000
	if mutate != nil {
		mutate(cfg)
	}

	if opts.Name == "" {
		opts.Name = "test-mic"
	}
	sched := clock.NewManual(epoch)
	f := &fixture{
		sched:  sched,
		device: capture.NewSyntheticDevice(sched, opts),
		player: &fakePlayer{},
		cfg:    cfg,
	}

	svc, err := New(cfg, "", Options{
		Scheduler: sched,
		Device:    f.device,
		Player:    f.player,
		NewID:     func() string { return "session-1" },
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	f.svc = svc
	return f
}

func TestRecordWritesFileAndSidecar(t *testing.T) {
	f := newFixture(t, capture.SyntheticOptions{}, nil)

	require.NoError(t, f.svc.Start(context.Background(), "Team sync: Q3!"))
	f.sched.Advance(3 * time.Second)

	st := f.svc.Status()
	assert.Equal(t, session.StateRecording, st.State)
	assert.Equal(t, "session-1", st.SessionID)
	assert.Equal(t, 3, st.DurationSeconds)
	assert.Equal(t, 120*60-3, st.RemainingSeconds)
	assert.Equal(t, "audio/wav", st.Format)
	assert.Equal(t, "test-mic", st.Device)

	rec, err := f.svc.Stop()
	require.NoError(t, err)
	require.NotNil(t, rec)

	assert.Equal(t, filepath.Join(f.cfg.Output.Directory, "Team_sync_Q3.wav"), rec.File)
	assert.Equal(t, 3, rec.DurationSeconds)
	assert.Equal(t, "session-1", rec.SessionID)
	assert.Equal(t, epoch.Add(3*time.Second), rec.RecordedAt)
	assert.Equal(t, "default", rec.Profile)

	data, err := os.ReadFile(rec.File)
	require.NoError(t, err)
	assert.Equal(t, rec.Size, len(data))
	assert.Equal(t, "RIFF", string(data[:4]))

	meta, err := ReadMetadata(rec.File)
	require.NoError(t, err)
	assert.Equal(t, rec.SessionID, meta.SessionID)
	assert.Equal(t, rec.DurationSeconds, meta.DurationSeconds)
	assert.Equal(t, "audio/wav", meta.Format)
	assert.True(t, rec.RecordedAt.Equal(meta.RecordedAt))

	assert.Same(t, rec, f.svc.LastRecording())
	assert.Same(t, rec, f.svc.Status().LastRecording)
}

func TestUnnamedTakeUsesTimestampAndNeverOverwrites(t *testing.T) {
	f := newFixture(t, capture.SyntheticOptions{}, func(c *config.Config) {
		c.Output.Metadata = false
	})

	var files []string
	for i := 0; i < 2; i++ {
		require.NoError(t, f.svc.Start(context.Background(), ""))
		rec, err := f.svc.Stop()
		require.NoError(t, err)
		files = append(files, filepath.Base(rec.File))
	}

	assert.Equal(t, []string{"memo_2024-03-01_09-30-00.wav", "memo_2024-03-01_09-30-00-2.wav"}, files)
	_, err := os.Stat(MetadataPath(filepath.Join(f.cfg.Output.Directory, files[0])))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestAutoStoppedTakeIsSaved(t *testing.T) {
	f := newFixture(t, capture.SyntheticOptions{}, func(c *config.Config) {
		c.Capture.MaxDurationMinutes = 1
		c.Capture.FormatPreference = []string{"audio/pcmu"}
	})

	require.NoError(t, f.svc.Start(context.Background(), "standup"))
	f.sched.Advance(65 * time.Second)

	st := f.svc.Status()
	assert.Equal(t, session.StateStopped, st.State)
	assert.Equal(t, 0, st.RemainingSeconds)
	require.NotNil(t, st.LastRecording)
	assert.Equal(t, 60, st.LastRecording.DurationSeconds)
	assert.Equal(t, ".ulaw", filepath.Ext(st.LastRecording.File))

	_, err := f.svc.Stop()
	assert.ErrorIs(t, err, session.ErrInvalidTransition)
	assert.Empty(t, f.svc.GetLastError())
}

func TestStartFailureIsSurfaced(t *testing.T) {
	f := newFixture(t, capture.SyntheticOptions{AcquireErr: capture.ErrPermissionDenied}, nil)

	err := f.svc.Start(context.Background(), "denied")
	require.Error(t, err)

	st := f.svc.Status()
	assert.Equal(t, session.StateIdle, st.State)
	assert.Equal(t, string(session.KindPermissionDenied), st.ErrorKind)
	assert.Contains(t, st.Error, "Failed to start recording")

	f.svc.Discard()
	assert.Empty(t, f.svc.GetLastError())
}

func TestEncodingFailureKeepsPartialTake(t *testing.T) {
	f := newFixture(t, capture.SyntheticOptions{FailFlushAfter: 3}, nil)

	require.NoError(t, f.svc.Start(context.Background(), "flaky"))
	f.sched.Advance(5 * time.Second)

	st := f.svc.Status()
	assert.Equal(t, session.StateStopped, st.State)
	assert.Equal(t, string(session.KindEncodingFailure), st.ErrorKind)
	assert.Contains(t, st.Error, "Recording could not be encoded")
	require.NotNil(t, st.LastRecording)
	assert.True(t, st.LastRecording.Partial)

	meta, err := ReadMetadata(st.LastRecording.File)
	require.NoError(t, err)
	assert.True(t, meta.Partial)
}

func TestUsageErrorsAreNotRecorded(t *testing.T) {
	f := newFixture(t, capture.SyntheticOptions{}, nil)

	assert.ErrorIs(t, f.svc.Pause(), session.ErrInvalidTransition)
	require.NoError(t, f.svc.Start(context.Background(), "a"))
	assert.ErrorIs(t, f.svc.Start(context.Background(), "b"), session.ErrInvalidTransition)
	assert.Empty(t, f.svc.GetLastError())
}

func TestRejectedStartKeepsCurrentTake(t *testing.T) {
	f := newFixture(t, capture.SyntheticOptions{}, nil)

	require.NoError(t, f.svc.Start(context.Background(), "first"))
	f.sched.Advance(2 * time.Second)
	f.svc.setLastError("mic clipped")

	assert.ErrorIs(t, f.svc.Start(context.Background(), "second"), session.ErrInvalidTransition)
	st := f.svc.Status()
	assert.Equal(t, "first", st.Name)
	assert.Equal(t, "mic clipped", st.Error)

	require.NoError(t, f.svc.Pause())
	assert.ErrorIs(t, f.svc.Start(context.Background(), "third"), session.ErrInvalidTransition)

	rec, err := f.svc.Stop()
	require.NoError(t, err)
	assert.Equal(t, "first.wav", filepath.Base(rec.File))
	assert.Equal(t, "first", rec.Name)
	assert.NoFileExists(t, filepath.Join(f.cfg.Output.Directory, "second.wav"))
}

func TestStartWhileAcquiringIsBusy(t *testing.T) {
	gate := make(chan struct{})
	f := newFixture(t, capture.SyntheticOptions{Gate: gate}, nil)

	done := make(chan error, 1)
	go func() { done <- f.svc.Start(context.Background(), "first") }()
	require.Eventually(t, func() bool {
		f.svc.mu.RLock()
		defer f.svc.mu.RUnlock()
		return f.svc.pending == "first"
	}, time.Second, time.Millisecond)

	assert.ErrorIs(t, f.svc.Start(context.Background(), "second"), session.ErrBusy)

	gate <- struct{}{}
	require.NoError(t, <-done)
	assert.Equal(t, "first", f.svc.Status().Name)

	f.sched.Advance(time.Second)
	rec, err := f.svc.Stop()
	require.NoError(t, err)
	assert.Equal(t, "first.wav", filepath.Base(rec.File))
}

func TestPauseResumeAndPlayback(t *testing.T) {
	f := newFixture(t, capture.SyntheticOptions{}, nil)

	require.NoError(t, f.svc.Start(context.Background(), "review"))
	f.sched.Advance(2 * time.Second)
	require.NoError(t, f.svc.Pause())
	assert.Equal(t, session.StatePaused, f.svc.Status().State)
	f.sched.Advance(time.Minute)
	require.NoError(t, f.svc.Resume())
	f.sched.Advance(time.Second)

	rec, err := f.svc.Stop()
	require.NoError(t, err)
	assert.Equal(t, 3, rec.DurationSeconds)
	require.NotNil(t, f.svc.Artifact())

	require.NoError(t, f.svc.TogglePlayback())
	assert.True(t, f.svc.Status().Playing)
	require.Len(t, f.player.started, 1)
	assert.FileExists(t, f.player.started[0])

	f.svc.Discard()
	assert.NoFileExists(t, f.player.started[0])
	assert.FileExists(t, rec.File)
	assert.Nil(t, f.svc.Artifact())
}

func TestListRecordings(t *testing.T) {
	f := newFixture(t, capture.SyntheticOptions{}, nil)
	dir := f.cfg.Output.Directory

	require.NoError(t, os.WriteFile(filepath.Join(dir, "older.wav"), make([]byte, 2048), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "newer.ulaw"), make([]byte, 10), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "newer.yaml"), []byte("name: x"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.wav"), 0o755))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(dir, "older.wav"), old, old))

	recordings, err := f.svc.ListRecordings()
	require.NoError(t, err)
	require.Len(t, recordings, 2)
	assert.Equal(t, "newer", recordings[0].Name)
	assert.Equal(t, "ulaw", recordings[0].Extension)
	assert.Equal(t, "older", recordings[1].Name)
	assert.Equal(t, "2.0 KB", recordings[1].SizeHuman)
}

func TestListRecordingsMissingDirectory(t *testing.T) {
	f := newFixture(t, capture.SyntheticOptions{}, func(c *config.Config) {
		c.Output.Directory = filepath.Join(t.TempDir(), "not-yet")
	})
	recordings, err := f.svc.ListRecordings()
	require.NoError(t, err)
	assert.Empty(t, recordings)
}

func TestLoadProfile(t *testing.T) {
	out := t.TempDir()
	file := filepath.Join(t.TempDir(), "memocapture.yaml")
	yaml := fmt.Sprintf(`globals:
  output:
    directory: %s
configs:
  default:
    capture:
      sample_rate: 8000
  short:
    capture:
      max_duration_minutes: 1
`, out)
	require.NoError(t, os.WriteFile(file, []byte(yaml), 0o644))

	cfg, err := config.LoadWithProfile(file, "")
	require.NoError(t, err)

	sched := clock.NewManual(epoch)
	svc, err := New(cfg, file, Options{
		Scheduler: sched,
		Device:    capture.NewSyntheticDevice(sched, capture.SyntheticOptions{}),
		Player:    &fakePlayer{},
	})
	require.NoError(t, err)
	defer svc.Close()

	require.NoError(t, svc.Start(context.Background(), "x"))
	err = svc.LoadProfile("short")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot switch profile")
	svc.Discard()

	require.NoError(t, svc.LoadProfile("short"))
	assert.Equal(t, "short", svc.GetConfig().Profile)
	assert.Equal(t, 8000, svc.GetConfig().Capture.SampleRate)

	require.NoError(t, svc.Start(context.Background(), "y"))
	assert.Equal(t, 60, svc.Status().MaxDurationSeconds)

	assert.Error(t, svc.LoadProfile("missing"))
}

func TestCloseRejectsStart(t *testing.T) {
	f := newFixture(t, capture.SyntheticOptions{}, nil)
	require.NoError(t, f.svc.Start(context.Background(), "bye"))

	require.NoError(t, f.svc.Close())
	assert.Equal(t, 1, f.device.Released())
	assert.ErrorIs(t, f.svc.Start(context.Background(), "again"), session.ErrClosed)
}

func TestCaptureConfigFrom(t *testing.T) {
	cfg := config.Default()
	cfg.Capture.ChunkIntervalMs = 250
	cfg.Capture.MeterRateHz = 30

	c := CaptureConfigFrom(cfg)
	assert.Equal(t, 250*time.Millisecond, c.ChunkInterval)
	assert.Equal(t, time.Second/30, c.MeterInterval)
	assert.Equal(t, 120.0, c.MaxDurationMinutes)
	assert.Equal(t, config.DefaultFormatPreference, c.FormatPreference)
	assert.True(t, c.NoiseSuppression)
}

func TestCleanFileName(t *testing.T) {
	assert.Equal(t, "Team_sync_Q3", CleanFileName("  Team sync: Q3! "))
	assert.Equal(t, "a-b_c", CleanFileName("a-b_c"))
	assert.Equal(t, "", CleanFileName("???"))
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", formatBytes(512))
	assert.Equal(t, "1.5 KB", formatBytes(1536))
	assert.Equal(t, "3.0 MB", formatBytes(3*1024*1024))
}

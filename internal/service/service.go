package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/audiolibrelab/memocapture/internal/capture"
	"github.com/audiolibrelab/memocapture/internal/clock"
	"github.com/audiolibrelab/memocapture/internal/config"
	"github.com/audiolibrelab/memocapture/internal/encoding"
	"github.com/audiolibrelab/memocapture/internal/playback"
	"github.com/audiolibrelab/memocapture/internal/session"

	"gopkg.in/yaml.v3"
)

// Service is what the CLI, TUI and HTTP remote drive.
type Service interface {
	// Recording operations
	Start(ctx context.Context, name string) error
	Pause() error
	Resume() error
	Stop() (*Recording, error)
	Discard()

	// Playback operations
	TogglePlayback() error

	// Information operations
	Status() Status
	Artifact() *encoding.Artifact
	LastRecording() *Recording
	ListRecordings() ([]RecordingInfo, error)
	GetLastError() string

	// Configuration operations
	LoadProfile(profile string) error
	GetConfig() *config.Config

	Close() error
}

// Status is a serializable view of the session for outer surfaces
type Status struct {
	State              session.State `json:"state"`
	SessionID          string        `json:"session_id,omitempty"`
	Name               string        `json:"name,omitempty"`
	DurationSeconds    int           `json:"duration_seconds"`
	MaxDurationSeconds int           `json:"max_duration_seconds"`
	RemainingSeconds   int           `json:"remaining_seconds"`
	Level              float64       `json:"level"`
	Format             string        `json:"format,omitempty"`
	Playing            bool          `json:"playing"`
	ErrorKind          string        `json:"error_kind,omitempty"`
	Error              string        `json:"error,omitempty"`
	Profile            string        `json:"profile"`
	Device             string        `json:"device"`
	LastRecording      *Recording    `json:"last_recording,omitempty"`
}

// Recording describes a take written to the output directory
type Recording struct {
	SessionID       string    `json:"session_id" yaml:"session_id"`
	Name            string    `json:"name" yaml:"name"`
	File            string    `json:"file" yaml:"file"`
	Format          string    `json:"format" yaml:"format"`
	DurationSeconds int       `json:"duration_seconds" yaml:"duration_seconds"`
	Size            int       `json:"size" yaml:"size"`
	SampleRate      int       `json:"sample_rate" yaml:"sample_rate"`
	Channels        int       `json:"channels" yaml:"channels"`
	Partial         bool      `json:"partial,omitempty" yaml:"partial,omitempty"`
	RecordedAt      time.Time `json:"recorded_at" yaml:"recorded_at"`
	Profile         string    `json:"profile" yaml:"profile"`
	Device          string    `json:"device" yaml:"device"`
}

// RecordingInfo contains information about a take found in the output directory
type RecordingInfo struct {
	Name         string    `json:"name"`
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	SizeHuman    string    `json:"size_human"`
	ModTime      time.Time `json:"mod_time"`
	ModTimeHuman string    `json:"mod_time_human"`
	Extension    string    `json:"extension"`
}

// Options override collaborators, mainly for tests. Zero values build the
// configured capture device on the system clock with a local exec player.
type Options struct {
	Scheduler clock.Scheduler
	Device    capture.Device
	Player    playback.Player
	LogWriter io.Writer
	NewID     func() string
}

// MemoCaptureService is the main service implementation
type MemoCaptureService struct {
	cfg        *config.Config
	configFile string
	opts       Options

	// starting is held for the whole of Start so the name of a rejected
	// start never reaches the take in progress
	starting sync.Mutex
	pending  string

	mu      sync.RWMutex
	device  capture.Device
	engine  *session.Engine
	preview *playback.Controller
	name    string
	last    *Recording
	sinkErr error
	closed  bool

	// Error tracking
	lastError      string
	lastErrorMutex sync.RWMutex
}

// New creates a new service for cfg. configFile is used by LoadProfile.
func New(cfg *config.Config, configFile string, opts Options) (*MemoCaptureService, error) {
	if opts.Scheduler == nil {
		opts.Scheduler = clock.System{}
	}

	s := &MemoCaptureService{cfg: cfg, configFile: configFile, opts: opts}
	if err := s.build(); err != nil {
		return nil, err
	}
	return s, nil
}

// build creates the device and engine for the current config
func (s *MemoCaptureService) build() error {
	device := s.opts.Device
	if device == nil {
		var err error
		device, err = capture.NewDevice(s.cfg.Device, s.opts.Scheduler, s.opts.LogWriter)
		if err != nil {
			return err
		}
	}

	player := s.opts.Player
	if player == nil {
		player = playback.NewExecPlayer(s.cfg.Playback.Player)
	}

	s.device = device
	s.preview = playback.NewController(player, "")
	s.engine = session.NewEngine(device, session.Options{
		Scheduler: s.opts.Scheduler,
		Playback:  s.preview,
		NewID:     s.opts.NewID,
		Callbacks: session.Callbacks{
			OnComplete: s.onComplete,
			OnError:    s.onError,
			OnStarted: s.onStarted,
		},
	})
	return nil
}

// CaptureConfigFrom converts the capture section of cfg for the engine
func CaptureConfigFrom(cfg *config.Config) session.CaptureConfig {
	c := cfg.Capture
	out := session.CaptureConfig{
		EchoCancellation:   c.EchoCancellation,
		NoiseSuppression:   c.NoiseSuppression,
		SampleRate:         c.SampleRate,
		Channels:           c.Channels,
		Bitrate:            c.Bitrate,
		FormatPreference:   append([]string(nil), c.FormatPreference...),
		MaxDurationMinutes: c.MaxDurationMinutes,
		ChunkInterval:      time.Duration(c.ChunkIntervalMs) * time.Millisecond,
	}
	if c.MeterRateHz > 0 {
		out.MeterInterval = time.Second / time.Duration(c.MeterRateHz)
	}
	return out
}

// Start begins a new take. name labels the output file; an empty name uses
// the start time.
func (s *MemoCaptureService) Start(ctx context.Context, name string) error {
	slog.Debug("Service.Start called", "name", name)
	if !s.starting.TryLock() {
		return session.ErrBusy
	}
	defer s.starting.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return session.ErrClosed
	}
	engine := s.engine
	cfg := CaptureConfigFrom(s.cfg)
	s.pending = name
	s.mu.Unlock()

	if err := engine.Start(ctx, cfg); err != nil {
		if !isUsageError(err) {
			s.setLastError(fmt.Sprintf("Failed to start recording: %v", err))
		}
		return err
	}
	return nil
}

func (s *MemoCaptureService) Pause() error {
	return s.currentEngine().Pause()
}

func (s *MemoCaptureService) Resume() error {
	return s.currentEngine().Resume()
}

// Stop ends the take and returns the written recording
func (s *MemoCaptureService) Stop() (*Recording, error) {
	if _, err := s.currentEngine().Stop(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.sinkErr != nil {
		return nil, s.sinkErr
	}
	return s.last, nil
}

// Discard drops the current take. Files already written stay on disk.
func (s *MemoCaptureService) Discard() {
	s.currentEngine().Discard()
	s.clearLastError()
}

func (s *MemoCaptureService) TogglePlayback() error {
	return s.currentEngine().TogglePlayback()
}

func (s *MemoCaptureService) Artifact() *encoding.Artifact {
	return s.currentEngine().Artifact()
}

// LastRecording is the most recently written take, or nil
func (s *MemoCaptureService) LastRecording() *Recording {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

func (s *MemoCaptureService) Status() Status {
	s.mu.RLock()
	engine := s.engine
	st := Status{
		Name:          s.name,
		Profile:       s.cfg.Profile,
		Device:        s.device.Name(),
		LastRecording: s.last,
	}
	s.mu.RUnlock()

	snap := engine.Snapshot()
	st.State = snap.State
	st.SessionID = snap.ID
	st.DurationSeconds = snap.DurationSeconds
	st.MaxDurationSeconds = snap.MaxDurationSeconds
	if snap.MaxDurationSeconds > 0 {
		st.RemainingSeconds = max(snap.MaxDurationSeconds-snap.DurationSeconds, 0)
	}
	st.Level = snap.Level
	st.Format = snap.Format
	st.Playing = snap.Playing
	if snap.LastError != nil {
		st.ErrorKind = string(snap.LastError.Kind)
	}
	st.Error = s.GetLastError()
	return st
}

// LoadProfile switches to another configuration profile. It is refused while
// a take is in progress.
func (s *MemoCaptureService) LoadProfile(profile string) error {
	newCfg, err := config.LoadWithProfile(s.configFile, profile)
	if err != nil {
		return fmt.Errorf("failed to load profile '%s': %w", profile, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if state := s.engine.Snapshot().State; state.Active() {
		return fmt.Errorf("cannot switch profile while %s", state)
	}

	// Clean up old engine
	if err := s.engine.Close(); err != nil {
		slog.Warn("Closing previous engine failed", "error", err)
	}

	prev := s.cfg
	s.cfg = newCfg
	if err := s.build(); err != nil {
		s.cfg = prev
		_ = s.build()
		return err
	}
	slog.Info("Profile loaded", "profile", newCfg.Profile)
	return nil
}

// GetConfig returns the current configuration
func (s *MemoCaptureService) GetConfig() *config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Close discards any take in progress and shuts the engine down
func (s *MemoCaptureService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.engine.Close()
}

func (s *MemoCaptureService) currentEngine() *session.Engine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// onComplete is the artifact sink: it writes every finished take, including
// auto-stopped and partial ones, to the output directory.
func (s *MemoCaptureService) onComplete(artifact *encoding.Artifact, durationSeconds int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.writeRecording(artifact)
	s.sinkErr = err
	if err != nil {
		s.setLastError(fmt.Sprintf("Failed to save recording: %v", err))
		return
	}
	s.last = rec

	slog.Info("Recording saved", "file", rec.File, "duration", durationSeconds, "size", formatBytes(int64(rec.Size)), "partial", rec.Partial)
}

// onStarted runs inside Start once the engine accepted the take, so the
// pending name is the one this take was started with.
func (s *MemoCaptureService) onStarted(id string) {
	s.mu.Lock()
	s.name = s.pending
	name := s.name
	s.mu.Unlock()
	s.clearLastError()
	slog.Debug("Service session started", "session_id", id, "name", name)
}

func (s *MemoCaptureService) onError(err *session.Error) {
	s.setLastError(fmt.Sprintf("%s: %v", err.Message(), err))
}

func (s *MemoCaptureService) writeRecording(artifact *encoding.Artifact) (*Recording, error) {
	dir := s.cfg.Output.Directory
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	now := s.opts.Scheduler.Now()
	base := CleanFileName(s.name)
	if base == "" {
		base = "memo_" + now.Format("2006-01-02_15-04-05")
	}
	path := uniquePath(dir, base, encoding.Extension(artifact.Format))

	if err := os.WriteFile(path, artifact.Payload, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write recording: %w", err)
	}

	rec := &Recording{
		SessionID:       s.engine.Snapshot().ID,
		Name:            s.name,
		File:            path,
		Format:          artifact.Format,
		DurationSeconds: artifact.DurationSeconds,
		Size:            artifact.Size,
		SampleRate:      artifact.SampleRate,
		Channels:        artifact.Channels,
		Partial:         artifact.Partial,
		RecordedAt:      now,
		Profile:         s.cfg.Profile,
		Device:          s.device.Name(),
	}

	if s.cfg.Output.Metadata {
		if err := writeMetadata(rec); err != nil {
			slog.Warn("Failed to write metadata sidecar", "file", path, "error", err)
		}
	}
	return rec, nil
}

// MetadataPath is the YAML sidecar written next to a recording
func MetadataPath(recordingFile string) string {
	return strings.TrimSuffix(recordingFile, filepath.Ext(recordingFile)) + ".yaml"
}

func writeMetadata(rec *Recording) error {
	data, err := yaml.Marshal(rec)
	if err != nil {
		return err
	}
	return os.WriteFile(MetadataPath(rec.File), data, 0o644)
}

// ReadMetadata loads a sidecar written for a recording
func ReadMetadata(recordingFile string) (*Recording, error) {
	data, err := os.ReadFile(MetadataPath(recordingFile))
	if err != nil {
		return nil, err
	}
	var rec Recording
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("invalid metadata: %w", err)
	}
	return &rec, nil
}

// ListRecordings returns the takes in the output directory, newest first
func (s *MemoCaptureService) ListRecordings() ([]RecordingInfo, error) {
	dir := s.GetConfig().Output.Directory

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read output directory: %w", err)
	}

	var recordings []RecordingInfo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if encoding.FormatForExtension(ext) == "" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			slog.Debug("Skipping unreadable file", "name", entry.Name(), "error", err)
			continue
		}
		recordings = append(recordings, RecordingInfo{
			Name:         strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name())),
			Path:         filepath.Join(dir, entry.Name()),
			Size:         info.Size(),
			SizeHuman:    formatBytes(info.Size()),
			ModTime:      info.ModTime(),
			ModTimeHuman: info.ModTime().Format("2006-01-02 15:04"),
			Extension:    strings.TrimPrefix(ext, "."),
		})
	}

	sort.Slice(recordings, func(i, j int) bool {
		return recordings[i].ModTime.After(recordings[j].ModTime)
	})
	return recordings, nil
}

// GetLastError returns the last error message (thread-safe)
func (s *MemoCaptureService) GetLastError() string {
	s.lastErrorMutex.RLock()
	defer s.lastErrorMutex.RUnlock()
	return s.lastError
}

// setLastError sets the last error message (thread-safe)
func (s *MemoCaptureService) setLastError(err string) {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = err

	slog.Error("Service error occurred", "error_message", err)
}

// clearLastError clears the last error message (thread-safe)
func (s *MemoCaptureService) clearLastError() {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = ""
}

func isUsageError(err error) bool {
	return errors.Is(err, session.ErrInvalidTransition) ||
		errors.Is(err, session.ErrBusy) ||
		errors.Is(err, session.ErrClosed) ||
		errors.Is(err, context.Canceled)
}

// Helper functions

// CleanFileName turns a take name into a file name. It allows letters,
// numbers, spaces, hyphens and underscores, then replaces spaces with
// underscores.
func CleanFileName(name string) string {
	var result strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == ' ' || r == '-' || r == '_' {
			result.WriteRune(r)
		}
	}
	return strings.ReplaceAll(strings.TrimSpace(result.String()), " ", "_")
}

// uniquePath picks dir/base+ext, adding a counter when that file exists
func uniquePath(dir, base, ext string) string {
	path := filepath.Join(dir, base+ext)
	for i := 2; ; i++ {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return path
		}
		path = filepath.Join(dir, fmt.Sprintf("%s-%d%s", base, i, ext))
	}
}

// formatBytes formats bytes in human readable format
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

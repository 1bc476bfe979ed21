package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// FFmpegOptions configure an FFmpegDevice
type FFmpegOptions struct {
	Name        string
	Command     string   // ffmpeg binary, "ffmpeg" when empty
	Wrapper     []string // optional launcher placed before the command, e.g. pw-jack
	InputFormat string   // ffmpeg -f value for the input (pulse, alsa, jack, ...)
	Input       string   // ffmpeg -i value

	// Connect runs after ffmpeg has started and before the stream is handed
	// out; the PipeWire backend uses it to link source ports.
	Connect func(ctx context.Context, c Constraints) error

	// LogWriter, when set, receives a copy of ffmpeg's stderr
	LogWriter io.Writer

	StartupGrace time.Duration
	StopTimeout  time.Duration
	WindowSize   int
}

// FFmpegDevice captures by spawning ffmpeg and reading raw s16le from stdout.
type FFmpegDevice struct {
	opts FFmpegOptions
}

func NewFFmpegDevice(opts FFmpegOptions) *FFmpegDevice {
	if opts.Command == "" {
		opts.Command = "ffmpeg"
	}
	if opts.InputFormat == "" {
		opts.InputFormat = "pulse"
	}
	if opts.Input == "" {
		opts.Input = "default"
	}
	if opts.Name == "" {
		opts.Name = opts.InputFormat + ":" + opts.Input
	}
	if opts.StartupGrace <= 0 {
		opts.StartupGrace = 250 * time.Millisecond
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 5 * time.Second
	}
	return &FFmpegDevice{opts: opts}
}

func (d *FFmpegDevice) Name() string {
	return d.opts.Name
}

// Supports reports true for every format: ffmpeg hands out raw PCM and the
// container is chosen by the encoder.
func (d *FFmpegDevice) Supports(format string) bool {
	return strings.HasPrefix(strings.ToLower(format), "audio/")
}

// buildArgs constructs the full command line, launcher first
func (d *FFmpegDevice) buildArgs(c Constraints) []string {
	args := append([]string(nil), d.opts.Wrapper...)
	args = append(args,
		d.opts.Command,
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", d.opts.InputFormat,
	)
	if d.opts.InputFormat == "jack" {
		args = append(args, "-channels", strconv.Itoa(c.Channels))
	}
	args = append(args, "-i", d.opts.Input)

	if filters := audioFilters(c); filters != "" {
		args = append(args, "-af", filters)
	}

	args = append(args,
		"-ac", strconv.Itoa(c.Channels),
		"-ar", strconv.Itoa(c.SampleRate),
		"-f", "s16le",
		"-",
	)
	return args
}

// audioFilters maps processing constraints onto ffmpeg filters
func audioFilters(c Constraints) string {
	var filters []string
	if c.EchoCancellation {
		// No true AEC without a far-end reference; cut rumble and gate the
		// room tail instead.
		filters = append(filters, "highpass=f=100", "agate=threshold=0.02:ratio=2")
	}
	if c.NoiseSuppression {
		filters = append(filters, "afftdn=nf=-25")
	}
	return strings.Join(filters, ",")
}

// Acquire starts ffmpeg and waits for it to survive the startup grace period.
func (d *FFmpegDevice) Acquire(ctx context.Context, c Constraints) (Stream, error) {
	c = c.withDefaults()
	args := d.buildArgs(c)

	slog.Info("Starting ffmpeg capture", "device", d.opts.Name, "command", strings.Join(args, " "))

	cmd := exec.Command(args[0], args[1:]...)
	stderr := &syncBuffer{}
	cmd.Stderr = stderr
	if d.opts.LogWriter != nil {
		cmd.Stderr = io.MultiWriter(stderr, d.opts.LogWriter)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, classifyStartError(err, "")
	}

	format := PCMFormat{SampleRate: c.SampleRate, Channels: c.Channels}
	s := &ffmpegStream{
		cmd:         cmd,
		stdout:      stdout,
		stderr:      stderr,
		buf:         newPCMBuffer(format, d.opts.WindowSize),
		format:      format,
		waitErr:     make(chan error, 1),
		readDone:    make(chan struct{}),
		stopTimeout: d.opts.StopTimeout,
	}
	go s.read()
	go func() {
		// Wait closes stdout, so it must not run until the reader saw EOF.
		<-s.readDone
		s.waitErr <- cmd.Wait()
		close(s.waitErr)
	}()

	select {
	case err := <-s.waitErr:
		s.exited = true
		<-s.readDone
		if err == nil {
			err = errors.New("exit status 0")
		}
		return nil, classifyStartError(err, stderr.String())
	case <-ctx.Done():
		_ = s.Release()
		return nil, ctx.Err()
	case <-time.After(d.opts.StartupGrace):
	}

	if d.opts.Connect != nil {
		if err := d.opts.Connect(ctx, c); err != nil {
			_ = s.Release()
			return nil, err
		}
	}

	slog.Debug("ffmpeg capture running", "device", d.opts.Name, "pid", cmd.Process.Pid)
	return s, nil
}

// classifyStartError maps a failed launch onto the package error kinds
func classifyStartError(err error, stderr string) error {
	detail := strings.TrimSpace(stderr)
	lower := strings.ToLower(detail + " " + err.Error())

	switch {
	case strings.Contains(lower, "permission denied"),
		strings.Contains(lower, "operation not permitted"),
		strings.Contains(lower, "access denied"):
		return fmt.Errorf("%w: %s", ErrPermissionDenied, firstNonEmpty(detail, err.Error()))
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	default:
		if detail != "" {
			return fmt.Errorf("%w: ffmpeg exited before capture started: %v: %s", ErrDeviceUnavailable, err, detail)
		}
		return fmt.Errorf("%w: ffmpeg exited before capture started: %v", ErrDeviceUnavailable, err)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

type ffmpegStream struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr *syncBuffer
	buf    *pcmBuffer
	format PCMFormat

	waitErr     chan error
	readDone    chan struct{}
	exited      bool
	stopTimeout time.Duration

	mu      sync.Mutex
	readErr error

	stopOnce sync.Once
	stopErr  error
	released bool
}

func (s *ffmpegStream) read() {
	defer close(s.readDone)

	chunk := make([]byte, 4096)
	for {
		n, err := s.stdout.Read(chunk)
		if n > 0 {
			s.buf.write(chunk[:n])
		}
		if err != nil {
			s.mu.Lock()
			if !s.released && !errors.Is(err, os.ErrClosed) {
				if errors.Is(err, io.EOF) {
					err = fmt.Errorf("%w: ffmpeg stream ended: %s", ErrDeviceUnavailable, strings.TrimSpace(s.stderr.String()))
				}
				s.readErr = err
			}
			s.mu.Unlock()
			return
		}
	}
}

func (s *ffmpegStream) Format() PCMFormat {
	return s.format
}

func (s *ffmpegStream) Flush() ([]byte, error) {
	data := s.buf.take()
	if len(data) > 0 {
		return data, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return nil, s.readErr
}

func (s *ffmpegStream) Analyse(dst []float64) int {
	return s.buf.analyse(dst)
}

func (s *ffmpegStream) Pause() {
	s.buf.setPaused(true)
}

func (s *ffmpegStream) Resume() {
	s.buf.setPaused(false)
}

// Release interrupts ffmpeg, waits for it, and kills it if it lingers.
func (s *ffmpegStream) Release() error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.released = true
		s.mu.Unlock()

		if s.exited {
			_ = s.stdout.Close()
			return
		}

		if s.cmd.Process != nil {
			slog.Debug("Sending SIGINT to ffmpeg process")
			if err := s.cmd.Process.Signal(os.Interrupt); err != nil {
				slog.Debug("Failed to send interrupt to ffmpeg, killing", "error", err)
				_ = s.cmd.Process.Kill()
			}
		}

		select {
		case err, ok := <-s.waitErr:
			if ok {
				s.stopErr = normalizeStopErr(err)
			}
		case <-time.After(s.stopTimeout):
			slog.Warn("ffmpeg did not exit within timeout, force killing")
			if s.cmd.Process != nil {
				_ = s.cmd.Process.Kill()
			}
			if err, ok := <-s.waitErr; ok {
				s.stopErr = normalizeStopErr(err)
			}
		}

		if err := s.stdout.Close(); err != nil && !errors.Is(err, os.ErrClosed) && s.stopErr == nil {
			s.stopErr = err
		}
		<-s.readDone

		if s.stopErr != nil {
			s.stopErr = fmt.Errorf("ffmpeg process failed: %w: %s", s.stopErr, strings.TrimSpace(s.stderr.String()))
		}
	})

	return s.stopErr
}

// normalizeStopErr treats an exit caused by our own interrupt as success
func normalizeStopErr(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

// syncBuffer is a bytes.Buffer guarded for the exec stderr copier
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

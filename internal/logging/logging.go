// Package logging configures the process-wide slog logger.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/audiolibrelab/memocapture/internal/config"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options select where log records go and how verbose they are.
type Options struct {
	// Verbose: 0=info, 1=debug, 2=ffmpeg output, 3=max tracing
	Verbose int

	// Console receives records alongside the log file. Nil keeps the
	// terminal clean, which the TUI needs.
	Console io.Writer

	File config.LogConfig
}

// Level maps a verbose count onto a slog level
func Level(verbose int) slog.Level {
	if verbose >= 1 {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

// Setup installs the default logger and returns a closer for the log file.
func Setup(opts Options) (io.Closer, error) {
	var writers []io.Writer
	if opts.Console != nil {
		writers = append(writers, opts.Console)
	}

	var closer io.Closer = nopCloser{}
	if opts.File.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File.File), 0o755); err != nil {
			return nil, err
		}
		rotating := &lumberjack.Logger{
			Filename:   opts.File.File,
			MaxSize:    opts.File.MaxSizeMB,
			MaxBackups: opts.File.MaxBackups,
			MaxAge:     opts.File.MaxAgeDays,
		}
		writers = append(writers, rotating)
		closer = rotating
	}

	var out io.Writer
	switch len(writers) {
	case 0:
		out = io.Discard
	case 1:
		out = writers[0]
	default:
		out = io.MultiWriter(writers...)
	}

	handler := slog.NewTextHandler(out, &slog.HandlerOptions{Level: Level(opts.Verbose)})
	slog.SetDefault(slog.New(handler))

	// Set environment variables for maximum tracing (level 3)
	if opts.Verbose >= 3 {
		os.Setenv("PIPEWIRE_DEBUG", "3")
		os.Setenv("FFMPEG_LOGLEVEL", "debug")
	}

	return closer, nil
}

// FFmpegOutput is where ffmpeg's stderr is mirrored, or nil when verbose is
// below 2
func FFmpegOutput(verbose int) io.Writer {
	if verbose >= 2 {
		return os.Stderr
	}
	return nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

package capture

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"strings"

	"github.com/audiolibrelab/memocapture/internal/clock"
	"github.com/audiolibrelab/memocapture/internal/config"
)

// BackendType represents the type of capture backend
type BackendType string

const (
	BackendTypeAuto         BackendType = "auto"
	BackendTypePulse        BackendType = "pulse"
	BackendTypePipeWire     BackendType = "pipewire"
	BackendTypeALSA         BackendType = "alsa"
	BackendTypeAVFoundation BackendType = "avfoundation"
	BackendTypeDShow        BackendType = "dshow"
	BackendTypeSynthetic    BackendType = "synthetic"
)

// NewDevice builds the capture device described by cfg. ffmpeg's stderr is
// copied to logWriter when it is not nil.
func NewDevice(cfg config.DeviceConfig, sched clock.Scheduler, logWriter io.Writer) (Device, error) {
	backend := determineBackend(cfg)

	switch backend {
	case BackendTypeSynthetic:
		return NewSyntheticDevice(sched, SyntheticOptions{Name: cfg.Name}), nil
	case BackendTypePipeWire:
		pw := NewPipeWire()
		return NewFFmpegDevice(FFmpegOptions{
			Name:        deviceName(cfg),
			Command:     cfg.FFmpeg,
			Wrapper:     []string{"pw-jack"},
			InputFormat: "jack",
			Input:       jackClientName,
			Connect:     pw.linkSources(cfg.Source),
			LogWriter:   logWriter,
		}), nil
	case BackendTypePulse, BackendTypeALSA, BackendTypeAVFoundation, BackendTypeDShow:
		return NewFFmpegDevice(FFmpegOptions{
			Name:        deviceName(cfg),
			Command:     cfg.FFmpeg,
			InputFormat: string(backend),
			Input:       cfg.Source,
			LogWriter:   logWriter,
		}), nil
	default:
		return nil, fmt.Errorf("unknown capture backend: %s", cfg.Backend)
	}
}

func deviceName(cfg config.DeviceConfig) string {
	if cfg.Name != "" {
		return cfg.Name
	}
	return cfg.Source
}

// determineBackend resolves "auto" to the platform's default ffmpeg input
func determineBackend(cfg config.DeviceConfig) BackendType {
	backend := BackendType(strings.ToLower(cfg.Backend))
	if backend != "" && backend != BackendTypeAuto {
		return backend
	}

	switch runtime.GOOS {
	case "darwin":
		return BackendTypeAVFoundation
	case "windows":
		return BackendTypeDShow
	default:
		return BackendTypePulse
	}
}

// ListSources lists the sources a backend can capture from
func ListSources(ctx context.Context, cfg config.DeviceConfig) ([]string, error) {
	switch determineBackend(cfg) {
	case BackendTypePipeWire:
		return NewPipeWire().ListSources(ctx)
	case BackendTypePulse:
		return listPulseSources(ctx)
	case BackendTypeSynthetic:
		return []string{"sine"}, nil
	default:
		return nil, fmt.Errorf("source listing is not supported for backend %s", determineBackend(cfg))
	}
}

// ValidateSource checks that the configured source is present and unique
func ValidateSource(ctx context.Context, cfg config.DeviceConfig) error {
	switch determineBackend(cfg) {
	case BackendTypePipeWire:
		for _, source := range strings.Split(cfg.Source, ",") {
			if err := NewPipeWire().ValidateSource(ctx, strings.TrimSpace(source)); err != nil {
				return err
			}
		}
		return nil
	default:
		return nil
	}
}

// listPulseSources asks the PulseAudio (or pipewire-pulse) server for its sources
func listPulseSources(ctx context.Context) ([]string, error) {
	output, err := exec.CommandContext(ctx, "pactl", "list", "short", "sources").Output()
	if err != nil {
		return nil, fmt.Errorf("failed to list PulseAudio sources: %w", err)
	}
	return parsePulseSources(string(output)), nil
}

// parsePulseSources extracts the name column of `pactl list short sources`
func parsePulseSources(output string) []string {
	var sources []string
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 {
			sources = append(sources, fields[1])
		}
	}
	return sources
}

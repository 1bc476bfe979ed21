package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/audiolibrelab/memocapture/internal/encoding"
	"github.com/audiolibrelab/memocapture/internal/playback"
	"github.com/audiolibrelab/memocapture/internal/service"

	"github.com/spf13/cobra"
)

var playCmd = &cobra.Command{
	Use:   "play <file-or-name>",
	Short: "Play a recorded take",
	Long: `Play a take using the first local audio player found (ffplay, mpv,
vlc or aplay, preferring playback.player from the config).

The argument is either a path or the name of a take in the output directory.
G.711 takes are converted to WAV before playing.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		file, err := resolveRecording(args[0])
		if err != nil {
			return err
		}

		fmt.Printf("Playing: %s\n", file)
		return playRecording(cmd.Context(), file)
	},
}

// resolveRecording finds a take by path or by name in the output directory
func resolveRecording(arg string) (string, error) {
	if _, err := os.Stat(arg); err == nil {
		return arg, nil
	}

	base := strings.TrimSuffix(arg, filepath.Ext(arg))
	for _, format := range encoding.Formats() {
		candidate := filepath.Join(cfg.Output.Directory, base+encoding.Extension(format))
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no recording named '%s' in %s", arg, cfg.Output.Directory)
}

// playRecording plays file, converting headerless formats to a temporary WAV
func playRecording(ctx context.Context, file string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	player := playback.NewExecPlayer(cfg.Playback.Player)

	format := encoding.FormatForExtension(filepath.Ext(file))
	if format == "" || format == encoding.FormatWAV {
		return player.Play(ctx, file)
	}

	preview, err := previewFile(file, format)
	if err != nil {
		return err
	}
	defer os.Remove(preview)
	return player.Play(ctx, preview)
}

func previewFile(file, format string) (string, error) {
	payload, err := os.ReadFile(file)
	if err != nil {
		return "", fmt.Errorf("failed to read recording: %w", err)
	}

	artifact := &encoding.Artifact{
		Payload:    payload,
		Format:     format,
		SampleRate: cfg.Capture.SampleRate,
		Channels:   cfg.Capture.Channels,
	}
	if meta, err := service.ReadMetadata(file); err == nil {
		artifact.SampleRate = meta.SampleRate
		artifact.Channels = meta.Channels
	} else {
		slog.Debug("No metadata sidecar, assuming configured format", "file", file, "sample_rate", artifact.SampleRate)
	}

	wav, err := encoding.PreviewWAV(artifact)
	if err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp("", "memocapture-play-*.wav")
	if err != nil {
		return "", fmt.Errorf("failed to create preview file: %w", err)
	}
	if _, err := tmp.Write(wav); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write preview file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}

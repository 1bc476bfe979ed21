package cmd

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/audiolibrelab/memocapture/internal/capture"
	"github.com/audiolibrelab/memocapture/internal/encoding"
	"github.com/audiolibrelab/memocapture/internal/service"

	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info [name]",
	Short: "Show resolved configuration and the file a take would be written to",
	Long:  `Display the resolved configuration with inheritance indicators and the output path for the given take name. Shows which values are inherited from default vs profile-specific.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := capture.Negotiate(cfg.Capture.FormatPreference, encoding.Supported)
		if err != nil {
			return err
		}

		if len(args) == 1 {
			cleanName := service.CleanFileName(args[0])
			fmt.Printf("=== FILE PATHS ===\n")
			fmt.Printf("output: %s\n", filepath.Join(cfg.Output.Directory, cleanName+encoding.Extension(format)))
			if cfg.Output.Metadata {
				fmt.Printf("metadata: %s\n", filepath.Join(cfg.Output.Directory, cleanName+".yaml"))
			}
			fmt.Printf("clean_name: %s\n\n", cleanName)
		}

		fmt.Printf("=== RESOLVED CONFIGURATION (%s) ===\n", cfg.Profile)

		inh := cfg.Inheritance
		captureStatus := func(key string) string {
			if inh == nil {
				return getInheritanceIndicator("")
			}
			return getInheritanceIndicator(inh.Capture[key])
		}
		section := func(status func() string) string {
			if inh == nil {
				return getInheritanceIndicator("")
			}
			return getInheritanceIndicator(status())
		}

		fmt.Printf("\n[Device]\n")
		fmt.Printf("name: %s %s\n", cfg.Device.Name, section(func() string { return inh.Device }))
		fmt.Printf("backend: %s\n", cfg.Device.Backend)
		fmt.Printf("source: %s\n", cfg.Device.Source)

		c := cfg.Capture
		fmt.Printf("\n[Capture]\n")
		fmt.Printf("echo_cancellation: %t %s\n", c.EchoCancellation, captureStatus("echo_cancellation"))
		fmt.Printf("noise_suppression: %t %s\n", c.NoiseSuppression, captureStatus("noise_suppression"))
		fmt.Printf("sample_rate: %d %s\n", c.SampleRate, captureStatus("sample_rate"))
		fmt.Printf("channels: %d %s\n", c.Channels, captureStatus("channels"))
		fmt.Printf("bitrate: %d %s\n", c.Bitrate, captureStatus("bitrate"))
		fmt.Printf("max_duration_minutes: %g %s\n", c.MaxDurationMinutes, captureStatus("max_duration_minutes"))
		fmt.Printf("format_preference: %s %s\n", strings.Join(c.FormatPreference, ", "), captureStatus("format_preference"))
		fmt.Printf("  → negotiated: %s\n", format)
		fmt.Printf("chunk_interval_ms: %d %s\n", c.ChunkIntervalMs, captureStatus("chunk_interval_ms"))
		fmt.Printf("meter_rate_hz: %d %s\n", c.MeterRateHz, captureStatus("meter_rate_hz"))

		fmt.Printf("\n[Output]\n")
		fmt.Printf("directory: %s %s\n", cfg.Output.Directory, section(func() string { return inh.Output.Directory }))
		fmt.Printf("metadata: %t\n", cfg.Output.Metadata)

		fmt.Printf("\n[Playback]\n")
		fmt.Printf("player: %s %s\n", orAuto(cfg.Playback.Player), section(func() string { return inh.Playback.Player }))

		return nil
	},
}

// getInheritanceIndicator returns a formatted indicator for inheritance status
func getInheritanceIndicator(status string) string {
	switch status {
	case "inherited":
		return "[inherited]"
	case "profile-specific":
		return "[profile-specific]"
	default:
		return "[default]"
	}
}

func orAuto(s string) string {
	if s == "" {
		return "auto"
	}
	return s
}

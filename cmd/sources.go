package cmd

import (
	"fmt"
	"runtime"

	"github.com/audiolibrelab/memocapture/internal/capture"

	"github.com/spf13/cobra"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List available audio sources",
	Long: `List the audio sources the configured capture backend can record from, and
check that the profile's source is present.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		sources, err := capture.ListSources(cmd.Context(), cfg.Device)
		if err != nil {
			return fmt.Errorf("failed to get sources: %w", err)
		}

		fmt.Printf("🎵 Audio Sources (%s, backend %s)\n", runtime.GOOS, cfg.Device.Backend)
		fmt.Printf("═══════════════════════════════════════\n\n")

		fmt.Printf("📋 SOURCES (%d found):\n", len(sources))
		for i, source := range sources {
			marker := ""
			if source == cfg.Device.Source {
				marker = "  ← configured"
			}
			fmt.Printf("  %d. %s%s\n", i+1, source, marker)
		}

		fmt.Printf("\nConfigured source: %s\n", cfg.Device.Source)
		if err := capture.ValidateSource(cmd.Context(), cfg.Device); err != nil {
			fmt.Printf("  ✗ %v\n", err)
		} else {
			fmt.Printf("  ✓ available\n")
		}

		fmt.Printf("\n💡 Usage:\n")
		fmt.Printf("  • Define the source under definitions.devices and reference it from a profile\n")
		fmt.Printf("  • PipeWire sources are JACK ports such as \"Device: Audio (hw:1,0):0\"\n\n")
		return nil
	},
}

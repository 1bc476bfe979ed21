package cmd

import (
	"fmt"

	"github.com/audiolibrelab/memocapture/internal/capture"
	"github.com/audiolibrelab/memocapture/internal/clock"
	"github.com/audiolibrelab/memocapture/internal/encoding"

	"github.com/spf13/cobra"
)

var formatsCmd = &cobra.Command{
	Use:   "formats",
	Short: "Show which recording format the current profile negotiates",
	Long: `Walk the profile's format preference list against the capture device and
the available encoders, and show which format a take would be recorded in.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		device, err := capture.NewDevice(cfg.Device, clock.System{}, nil)
		if err != nil {
			return err
		}

		supported := func(format string) bool {
			return device.Supports(format) && encoding.Supported(format)
		}

		fmt.Printf("Device: %s (profile %s)\n\n", device.Name(), cfg.Profile)
		fmt.Println("Preference order:")
		for i, format := range cfg.Capture.FormatPreference {
			mark := "unsupported"
			if supported(format) {
				mark = "supported"
			}
			fmt.Printf("  %d. %-28s %s\n", i+1, format, mark)
		}

		chosen, err := capture.Negotiate(cfg.Capture.FormatPreference, supported)
		if err != nil {
			return err
		}
		fmt.Printf("\nSelected: %s (files end in %s)\n", chosen, encoding.Extension(chosen))

		fmt.Println("\nEncoders available:")
		for _, format := range encoding.Formats() {
			fmt.Printf("  • %s\n", format)
		}
		return nil
	},
}

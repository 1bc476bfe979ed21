package cmd

import (
	"fmt"

	"github.com/audiolibrelab/memocapture/internal/service"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded takes, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newService()
		if err != nil {
			return err
		}
		defer svc.Close()

		recordings, err := svc.ListRecordings()
		if err != nil {
			return err
		}

		fmt.Printf("Recordings in %s (%d found)\n", cfg.Output.Directory, len(recordings))
		for _, rec := range recordings {
			line := fmt.Sprintf("  %s  %-8s  %-5s  %s", rec.ModTimeHuman, rec.SizeHuman, rec.Extension, rec.Name)
			if meta, err := service.ReadMetadata(rec.Path); err == nil {
				line += fmt.Sprintf("  (%ds", meta.DurationSeconds)
				if meta.Partial {
					line += ", incomplete"
				}
				line += ")"
			}
			fmt.Println(line)
		}
		return nil
	},
}

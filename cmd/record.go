package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/audiolibrelab/memocapture/internal/config"
	"github.com/audiolibrelab/memocapture/internal/logging"
	"github.com/audiolibrelab/memocapture/internal/service"
	"github.com/audiolibrelab/memocapture/internal/session"
	"github.com/audiolibrelab/memocapture/internal/tui"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
)

var recordCmd = &cobra.Command{
	Use:   "record [name]",
	Short: "Record a voice memo",
	Long: `Record a voice memo from the configured capture device.

By default an interactive recorder opens: Space starts, pauses and resumes,
s stops and saves, p plays the take back, d discards it and q quits.

With --headless the take starts immediately and stops on Ctrl+C, after
--duration, or when the configured maximum duration is reached.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var name string
		if len(args) == 1 {
			name = args[0]
		}

		headless, _ := cmd.Flags().GetBool("headless")
		duration, _ := cmd.Flags().GetDuration("duration")
		if output, _ := cmd.Flags().GetString("output"); output != "" {
			cfg.Output.Directory = output
		}
		if minutes, _ := cmd.Flags().GetFloat64("max-minutes"); minutes > 0 {
			cfg.Capture.MaxDurationMinutes = minutes
		}
		if err := config.Validate(cfg); err != nil {
			return err
		}

		slog.Info("Record command started", "name", name, "profile", cfg.Profile, "headless", headless)

		svc, err := newService()
		if err != nil {
			return err
		}
		defer svc.Close()

		var rec *service.Recording
		if headless || duration > 0 {
			rec, err = recordHeadless(svc, name, duration)
		} else {
			rec, err = recordInteractive(svc, name)
		}
		if err != nil {
			return err
		}

		if rec == nil {
			return nil
		}
		return executePipeline(svc, rec, 'r')
	},
}

func addRecordFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("headless", false, "record without the interactive recorder")
	cmd.Flags().Duration("duration", 0, "stop automatically after this long (implies --headless)")
	cmd.Flags().Float64("max-minutes", 0, "maximum take length in minutes, fractions allowed (overrides config)")
	cmd.Flags().StringP("output", "o", "", "output directory (overrides config)")
}

func init() {
	addRecordFlags(recordCmd)
}

func newService() (*service.MemoCaptureService, error) {
	svc, err := service.New(cfg, cfgFile, service.Options{
		LogWriter: logging.FFmpegOutput(verboseLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create service: %w", err)
	}
	return svc, nil
}

// recordInteractive runs the TUI and returns the last take it saved
func recordInteractive(svc *service.MemoCaptureService, name string) (*service.Recording, error) {
	// Keep the terminal for the TUI; logs still go to the log file
	if err := setupLogging(nil, cfg.Log); err != nil {
		return nil, err
	}
	defer setupLogging(os.Stderr, cfg.Log)

	p := tea.NewProgram(tui.New(svc, name))
	if _, err := p.Run(); err != nil {
		return nil, fmt.Errorf("recorder failed: %w", err)
	}

	rec := svc.LastRecording()
	if rec != nil {
		fmt.Printf("Saved %s (%ds)\n", rec.File, rec.DurationSeconds)
	}
	return rec, nil
}

// recordHeadless records until interrupted, the duration elapses or the
// take reaches its maximum length.
func recordHeadless(svc *service.MemoCaptureService, name string, duration time.Duration) (*service.Recording, error) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := svc.Start(ctx, name); err != nil {
		return nil, fmt.Errorf("failed to start recording: %w", err)
	}

	st := svc.Status()
	slog.Info("Recording", "session_id", st.SessionID, "format", st.Format, "max_seconds", st.MaxDurationSeconds)
	if duration > 0 {
		fmt.Printf("Recording for %s - Press Ctrl+C to stop early\n", duration)
	} else {
		fmt.Println("Recording - Press Ctrl+C to stop")
	}

	var deadline <-chan time.Time
	if duration > 0 {
		timer := time.NewTimer(duration)
		defer timer.Stop()
		deadline = timer.C
	}

	poll := time.NewTicker(200 * time.Millisecond)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Stopping recording...")
			return stopAndReport(svc)
		case <-deadline:
			slog.Info("Requested duration reached", "duration", duration)
			return stopAndReport(svc)
		case <-poll.C:
			if svc.Status().State == session.StateStopped {
				// Auto-stopped at the maximum duration or by a capture failure
				return report(svc.LastRecording(), svc.GetLastError())
			}
		}
	}
}

func stopAndReport(svc *service.MemoCaptureService) (*service.Recording, error) {
	rec, err := svc.Stop()
	if errors.Is(err, session.ErrInvalidTransition) {
		// The take ended on its own just before we got here
		return report(svc.LastRecording(), svc.GetLastError())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stop recording: %w", err)
	}
	return report(rec, svc.GetLastError())
}

func report(rec *service.Recording, lastError string) (*service.Recording, error) {
	if rec == nil {
		if lastError != "" {
			return nil, errors.New(lastError)
		}
		return nil, fmt.Errorf("recording ended without a take")
	}
	if rec.Partial {
		fmt.Fprintf(os.Stderr, "Warning: take is incomplete: %s\n", lastError)
	}
	fmt.Printf("Saved %s (%ds, %s)\n", rec.File, rec.DurationSeconds, rec.Format)
	return rec, nil
}

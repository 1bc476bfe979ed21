package cmd

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/audiolibrelab/memocapture/internal/config"
	"github.com/audiolibrelab/memocapture/internal/logging"

	"github.com/spf13/cobra"
)

var (
	cfg          *config.Config
	cfgFile      string
	cfgExplicit  bool
	pipeline     string
	profile      string
	verboseLevel int

	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "memocapture [name]",
	Short: "Voice memo recorder with pause, resume and a duration cap",
	Long: `MemoCapture records voice memos from a local capture device.

Takes can be paused and resumed, are capped at a configurable maximum
duration, and are written to the output directory when stopped. The
interactive recorder shows elapsed time and a live input level.

When a name is provided, it acts as 'memocapture record [name]'.`,
	Args:          cobra.MaximumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Log to the terminal until the config says otherwise
		if err := setupLogging(os.Stderr, config.LogConfig{}); err != nil {
			return err
		}

		if err := loadConfig(); err != nil {
			return err
		}

		if err := validatePipeline(); err != nil {
			return err
		}

		return setupLogging(os.Stderr, cfg.Log)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		closeLogging()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		// If a name is provided, delegate to record command
		if len(args) == 1 {
			return recordCmd.RunE(cmd, args)
		}
		// Otherwise show help
		return cmd.Help()
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		closeLogging()
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/memocapture.yaml)")
	rootCmd.PersistentFlags().StringVarP(&pipeline, "pipeline", "p", "", "pipeline steps: r=record, p=play (e.g., 'rp')")
	rootCmd.PersistentFlags().StringVar(&profile, "profile", "", "configuration profile to use (overrides active_config from file)")
	rootCmd.PersistentFlags().IntVarP(&verboseLevel, "verbose", "v", 0, "verbose level: 0=info, 1=debug, 2=ffmpeg output, 3=max tracing")

	addRecordFlags(rootCmd)

	// Add subcommands
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(playCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(formatsCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(sourcesCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(infoCmd)
}

// defaultConfigPath is where the config file is looked for without --config
func defaultConfigPath() string {
	return os.ExpandEnv("$HOME/.config/memocapture.yaml")
}

// loadConfig resolves the active profile. Without --config a missing default
// file falls back to the built-in defaults.
func loadConfig() error {
	cfgExplicit = cfgFile != ""
	if !cfgExplicit {
		cfgFile = defaultConfigPath()
	}

	if _, err := os.Stat(cfgFile); errors.Is(err, os.ErrNotExist) && !cfgExplicit {
		if profile != "" {
			return fmt.Errorf("profile '%s' requested but %s does not exist", profile, cfgFile)
		}
		slog.Debug("No config file found, using built-in defaults", "path", cfgFile)
		cfg = config.Default()
		// LoadProfile needs a real file
		cfgFile = ""
		return nil
	}

	var err error
	cfg, err = config.LoadWithProfile(cfgFile, profile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	slog.Debug("Configuration loaded", "file", cfgFile, "profile", cfg.Profile)
	return nil
}

// setupLogging (re)installs the default logger. console may be nil to keep
// the terminal free for the TUI.
func setupLogging(console io.Writer, file config.LogConfig) error {
	closeLogging()
	closer, err := logging.Setup(logging.Options{
		Verbose: verboseLevel,
		Console: console,
		File:    file,
	})
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	logCloser = closer
	return nil
}

func closeLogging() {
	if logCloser != nil {
		_ = logCloser.Close()
		logCloser = nil
	}
}

package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/audiolibrelab/memocapture/internal/server"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the web server for remote control",
	Long: `Start the MemoCapture web server to control recording over HTTP.
This allows you to start, pause and stop takes from another device on the
same network, and to follow the session live on /api/events.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		address := cfg.Server.Address
		if addr, _ := cmd.Flags().GetString("address"); addr != "" {
			address = addr
		}

		svc, err := newService()
		if err != nil {
			return err
		}
		defer svc.Close()

		srv := server.New(svc, address)
		slog.Info("MemoCapture web server starting", "address", address, "config", cfgFile, "profile", cfg.Profile)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			if err := srv.Start(); err != nil {
				return fmt.Errorf("server failed: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			slog.Info("Shutting down web server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})

		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().String("address", "", "listen address (overrides server.address)")
}

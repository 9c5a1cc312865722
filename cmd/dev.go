package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/conneroisu/snowdrift/internal/server"
)

var devCmd = &cobra.Command{
	Use:     "dev",
	Aliases: []string{"serve", "s"},
	Short:   "Start the development server",
	Long: `Start the development server. Files are built on first request and
cached; edits on disk invalidate the cache and are pushed to open pages over
the HMR websocket.

Examples:
  snowdrift dev                   # Serve on localhost:8080
  snowdrift dev --port 3000       # Serve on another port
  snowdrift dev --hmr=false       # Serve without hot replacement`,
	RunE: runDev,
}

func init() {
	rootCmd.AddCommand(devCmd)
	addServerFlags(devCmd)
}

func runDev(cmd *cobra.Command, args []string) error {
	v := viper.GetViper()
	bindFlags(v, cmd.Flags(), serverFlags)

	p, err := loadProject(v)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	srv := server.New(p, server.Options{Watch: true})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case <-sigChan:
		case <-ctx.Done():
			return
		}
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			p.Logger.Warn(shutdownCtx, err, "error during server shutdown")
		}
		cancel()
	}()

	if err := srv.Start(ctx); err != nil {
		srv.Shutdown(context.Background())
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kozaktomas/photo-faces/internal/web"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server and the job executor",
	Long: `Start the Photo Faces API server.

The server exposes clustering, review, training and consistency endpoints,
runs queued jobs in the background and, when TRAINING_AUTO_INTERVAL is set,
periodically schedules training for persons that allow it.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 0, "Port to listen on (overrides WEB_PORT)")
	serveCmd.Flags().String("host", "", "Host to bind to (overrides WEB_HOST)")
}

// runAutoTraining schedules training passes until ctx is cancelled.
func runAutoTraining(ctx context.Context, a *app, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := a.service.ScheduledTraining(ctx)
			if err != nil {
				a.logger.Warn("scheduled training failed", zap.Error(err))
				continue
			}
			a.logger.Info("scheduled training",
				zap.Int("persons_checked", result.PersonsChecked),
				zap.Int("jobs", len(result.Jobs)))
		}
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.close()

	if port := mustGetInt(cmd, "port"); port > 0 {
		a.cfg.Web.Port = port
	}
	if host := mustGetString(cmd, "host"); host != "" {
		a.cfg.Web.Host = host
	}

	if err := a.start(ctx); err != nil {
		return err
	}
	if interval := a.cfg.Training.AutoTrainInterval; interval > 0 {
		go runAutoTraining(ctx, a, interval)
		a.logger.Info("automatic training enabled", zap.Duration("interval", interval))
	}

	server := web.NewServer(a.cfg, a.service, a.logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		fmt.Println("\nShutting down...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			fmt.Printf("Error during shutdown: %v\n", err)
		}
	}()

	fmt.Printf("Starting Photo Faces API on http://%s:%d\n", a.cfg.Web.Host, a.cfg.Web.Port)
	fmt.Println("Press Ctrl+C to stop")

	if err := server.Start(); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	return nil
}

package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rohit-iwnl/EchoMind/internal/observability"
)

const shutdownTimeout = 30 * time.Second

func NewServeCmd(deps *Dependencies) *cobra.Command {
	var noAudio bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the recorder HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, deps, !noAudio)
		},
	}

	cmd.Flags().BoolVar(&noAudio, "no-audio", false, "Serve without opening an audio input (recording disabled)")

	return cmd
}

// runServer serves the API until ctx is cancelled, then stops any recording
// and shuts the listener down gracefully
func runServer(ctx context.Context, deps *Dependencies, withInput bool) error {
	logger := observability.GetLogger()

	a, cleanup, err := deps.openApp(ctx, withInput)
	if err != nil {
		return err
	}
	defer cleanup()

	server := a.Server().HTTPServer(fmt.Sprintf(":%s", deps.Config.Port))

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("port", deps.Config.Port).
			Str("stream", fmt.Sprintf("ws://localhost:%s/sessions/stream", deps.Config.Port)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := a.Registry.Close(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Failed to stop recording cleanly")
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info().Msg("Server exited gracefully")
	return nil
}

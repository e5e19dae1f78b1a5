package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/finsight/internal/mockserver"
)

var mockAddr string

func init() {
	mockServerCmd.Flags().StringVar(&mockAddr, "addr", ":8000", "listen address")
	rootCmd.AddCommand(mockServerCmd)
}

var mockServerCmd = &cobra.Command{
	Use:   "mock-server",
	Short: "Run a local mock insight backend",
	Long: "Serves the streaming progress endpoint and the blocking fallback endpoint\n" +
		"with a scripted model ladder, so the client can be exercised without a\n" +
		"real reasoning service.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)

		srv := &http.Server{
			Addr:    mockAddr,
			Handler: mockserver.NewServer(),
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		errCh := make(chan error, 1)
		go func() {
			slog.Info("mock insight backend listening", "addr", mockAddr)
			errCh <- srv.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("mock server: %w", err)
			}
		case <-ctx.Done():
			slog.Info("shutting down mock server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
		}
		return nil
	},
}

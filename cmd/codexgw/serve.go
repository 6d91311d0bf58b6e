package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/codexgw/internal/logging"
	"github.com/nextlevelbuilder/codexgw/internal/supervisor"
)

func serveCmd() *cobra.Command {
	var logLevel string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "start the supervisor and run every configured bot adapter until terminated",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(logLevel)
		},
	}
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	return cmd
}

func runServe(logLevel string) error {
	logger := logging.Setup(logLevel)
	slog.SetDefault(logger)

	sup, err := supervisor.New(cfgFile)
	if err != nil {
		slog.Error("fatal during supervisor initialization", "error", err)
		os.Exit(1)
	}
	defer sup.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("shutdown signal received", "signal", sig)
		cancel()
	}()

	slog.Info("codexgw supervisor starting")
	if err := sup.Run(ctx); err != nil {
		slog.Error("supervisor exited with error", "error", err)
		return err
	}
	slog.Info("codexgw supervisor stopped")
	return nil
}

// Gaja - voice assistant orchestration server
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/gaja-assistant/gaja-server/internal/config"
	"github.com/gaja-assistant/gaja-server/internal/store"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// version is set at build time.
var version = "dev"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := &cobra.Command{
		Use:           "gaja-server",
		Short:         "Gaja voice assistant server",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), logger)
		},
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP, WebSocket and gRPC health servers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), logger)
		},
	}

	var userID string
	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Write a user's full conversation to stdout as NDJSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return export(cmd.Context(), userID, cmd.OutOrStdout())
		},
	}
	exportCmd.Flags().StringVar(&userID, "user", "", "user ID to export")
	_ = exportCmd.MarkFlagRequired("user")

	rootCmd.AddCommand(serveCmd, exportCmd)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	return cfg, nil
}

func export(ctx context.Context, userID string, out io.Writer) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	turns, err := repo.ReadAll(ctx, userID)
	if err != nil {
		return fmt.Errorf("read conversation: %w", err)
	}
	enc := json.NewEncoder(out)
	for _, t := range turns {
		if err := enc.Encode(t); err != nil {
			return fmt.Errorf("encode turn %s: %w", t.ID, err)
		}
	}
	return nil
}

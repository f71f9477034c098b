package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ashita-ai/raidline"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	level := slog.LevelInfo
	if lv := os.Getenv("RAIDLINE_LOG_LEVEL"); lv != "" {
		_ = level.UnmarshalText([]byte(lv))
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd(logger).ExecuteContext(ctx); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func newRootCmd(logger *slog.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:           "raidline",
		Short:         "Coordinate engagement raids and monitor post metrics",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}
	root.AddCommand(
		newServeCmd(logger),
		newAuthCmd(logger),
		newSnapshotsCmd(logger),
	)
	return root
}

// openApp builds an App for a single command. The .env file was already
// loaded in main.
func openApp(ctx context.Context, logger *slog.Logger) (*raidline.App, error) {
	return raidline.New(ctx,
		raidline.WithLogger(logger),
		raidline.WithVersion(version),
		raidline.WithoutDotenv(),
	)
}

func newServeCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run session and raid sweeps plus configured monitor targets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := openApp(cmd.Context(), logger)
			if err != nil {
				return err
			}
			defer func() { _ = app.Close() }()

			err = app.Run(cmd.Context())
			logger.Info("raidline shutting down")
			return err
		},
	}
}

func newAuthCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage the platform session artifact",
	}
	cmd.AddCommand(newAuthStatusCmd(logger), newAuthLoginCmd(logger), newAuthClearCmd(logger))
	return cmd
}

func newAuthStatusCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether a persisted session artifact exists and is valid",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := openApp(cmd.Context(), logger)
			if err != nil {
				return err
			}
			defer func() { _ = app.Close() }()

			st, err := app.Auth().Status(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, st)
		},
	}
}

func newAuthLoginCmd(logger *slog.Logger) *cobra.Command {
	var (
		username     string
		password     string
		email        string
		artifactFile string
	)
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authenticate and persist the session artifact",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := &raidline.AuthOptions{}
			if username != "" || password != "" {
				opts.Credentials = &raidline.Credentials{Username: username, Password: password, Email: email}
			}
			if artifactFile != "" {
				data, err := os.ReadFile(artifactFile)
				if err != nil {
					return fmt.Errorf("read artifact: %w", err)
				}
				opts.Artifact = string(data)
			}

			app, err := openApp(cmd.Context(), logger)
			if err != nil {
				return err
			}
			defer func() { _ = app.Close() }()

			if _, err := app.Auth().Authenticate(cmd.Context(), opts); err != nil {
				return err
			}
			st, err := app.Auth().Status(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, st)
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "Platform username")
	cmd.Flags().StringVar(&password, "password", "", "Platform password")
	cmd.Flags().StringVar(&email, "email", "", "Email used for login challenges")
	cmd.Flags().StringVar(&artifactFile, "artifact-file", "", "Path to an exported session artifact")
	return cmd
}

func newAuthClearCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete the persisted session artifact",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := openApp(cmd.Context(), logger)
			if err != nil {
				return err
			}
			defer func() { _ = app.Close() }()
			return app.Auth().Clear(cmd.Context())
		},
	}
}

func newSnapshotsCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "snapshots <target-id>",
		Short: "Print the stored metric snapshots of a target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd.Context(), logger)
			if err != nil {
				return err
			}
			defer func() { _ = app.Close() }()

			snaps, err := app.Snapshots(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, snaps)
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

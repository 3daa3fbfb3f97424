package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"chatgateway/config"
	"chatgateway/internal/app"
	"chatgateway/internal/logging"
	"chatgateway/internal/providers"
	"chatgateway/internal/providers/anthropic"
	"chatgateway/internal/providers/openai"
)

// Set at build time with -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "none"
)

const rootLongDesc = `Streaming chat gateway.

Clients connect over WebSocket at /v1/chat/ws, authenticate with a bearer
token and stream completions from OpenAI or Anthropic under per-user
daily and monthly token budgets.

Configuration comes from config.yaml, .env and the environment.`

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "chatgateway",
		Short:         "Streaming chat gateway",
		Long:          rootLongDesc,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newModelsCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway HTTP and WebSocket server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func newModelsCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "models",
		Short: "Fetch and print the model catalog of every configured provider",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runModels(cmd.Context(), asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the catalog as JSON")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "chatgateway %s (commit %s)\n", version, commit)
		},
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logging.Setup(logging.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	return cfg, nil
}

func runServe(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		slog.Error("startup failed", "error", err)
		return err
	}
	slog.Info("starting chatgateway", "version", version, "commit", commit)

	application, err := app.New(ctx, app.Config{AppConfig: cfg})
	if err != nil {
		slog.Error("failed to initialize application", "error", err)
		return err
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- application.Start(cfg.Server.Address())
	}()

	var runErr error
	select {
	case runErr = <-errChan:
		if runErr != nil {
			slog.Error("server error", "error", runErr)
		}
	case <-ctx.Done():
		slog.Info("received signal, shutting down")
	}

	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := application.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func runModels(ctx context.Context, asJSON bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	factory := providers.NewProviderFactory(providers.ProviderOptions{Resilience: cfg.Resilience})
	factory.Add(openai.Registration)
	factory.Add(anthropic.Registration)

	result, err := providers.Init(ctx, cfg, factory)
	if err != nil {
		return err
	}
	defer result.Close()

	if err := result.Registry.Refresh(ctx); err != nil {
		return fmt.Errorf("failed to fetch models: %w", err)
	}
	models := result.Registry.ListModels()

	out := os.Stdout
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(models)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PROVIDER\tMODEL\tCONTEXT\tSTREAMING")
	for _, m := range models {
		fmt.Fprintf(w, "%s\t%s\t%d\t%t\n", m.Provider, m.ID, m.ContextWindow, m.SupportsStreaming)
	}
	return w.Flush()
}

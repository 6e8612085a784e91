// Package main provides the athena-link binary: a diagnostic front-end for
// the connectivity core (status, probing, event listening, login/logout).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/athena-ai/athena-link/client"
	"github.com/athena-ai/athena-link/config"
	"github.com/athena-ai/athena-link/core"
	"github.com/athena-ai/athena-link/credential"
	"github.com/athena-ai/athena-link/socket"
)

const version = "0.1.0"

var (
	flagBaseURL  string
	flagLogLevel string
	flagJSONLogs bool
)

func main() {
	root := &cobra.Command{
		Use:          "athena-link",
		Short:        "Resilient connectivity core for the Athena backend",
		Version:      version,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging()
		},
	}

	root.PersistentFlags().StringVar(&flagBaseURL, "base-url", "", "backend base URL (overrides config)")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&flagJSONLogs, "json-logs", false, "emit logs as JSON")

	root.AddCommand(statusCmd(), probeCmd(), listenCmd(), loginCmd(), logoutCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogging() {
	level := slog.LevelInfo
	switch flagLogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if flagJSONLogs {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.NewLoader(slog.Default()).Load()
	if err != nil {
		return nil, err
	}
	if flagBaseURL != "" {
		cfg.Server.BaseURL = flagBaseURL
	}
	return cfg, nil
}

func buildCore() (*core.Core, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return core.New(cfg,
		core.WithLogger(slog.Default()),
		core.WithRegisterer(prometheus.DefaultRegisterer),
	)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Fetch the backend status endpoint once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			c, err := client.New(cfg.Server.BaseURL)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			payload, err := c.Status(ctx)
			if err != nil {
				return err
			}
			out, _ := json.MarshalIndent(payload, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
}

func probeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Run the connectivity core until interrupted, reporting status transitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := buildCore()
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			transitions, unsub := c.SubscribeStatus()
			defer unsub()

			go func() {
				for t := range transitions {
					fmt.Printf("%s  %s -> %s\n", t.At.Format(time.RFC3339), t.From, t.To)
				}
			}()

			return c.Run(ctx)
		},
	}
}

func listenCmd() *cobra.Command {
	var msgType string

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Connect and print inbound socket envelopes",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := buildCore()
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			envelopes, unsub := c.SubscribeMessages(msgType)
			defer unsub()

			go func() {
				for env := range envelopes {
					raw, _ := json.Marshal(env)
					fmt.Println(string(raw))
				}
			}()

			return c.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&msgType, "type", socket.SubscribeAll, "envelope type to listen for")
	return cmd
}

func loginCmd() *cobra.Command {
	var token, apiKey string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store an explicit credential",
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" && apiKey == "" {
				return fmt.Errorf("either --token or --api-key is required")
			}

			c, err := buildCore()
			if err != nil {
				return err
			}

			cred := credential.Credential{Value: token, Kind: credential.KindBearerToken}
			if apiKey != "" {
				cred = credential.Credential{Value: apiKey, Kind: credential.KindAPIKey}
			}

			if err := c.Login(cmd.Context(), cred); err != nil {
				return err
			}
			fmt.Println("credential stored")
			return nil
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "bearer token")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "API key")
	return cmd
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Clear the stored credential",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := buildCore()
			if err != nil {
				return err
			}
			if err := c.Logout(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("credential cleared")
			return nil
		},
	}
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/cobra"

	"github.com/ineyio/quotaledger"
	"github.com/ineyio/quotaledger/meter"
	"github.com/ineyio/quotaledger/store"
)

// settings are read from QUOTALEDGER_* environment variables.
type settings struct {
	Config   string `envconfig:"CONFIG" default:""`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	Env      string `envconfig:"ENV" default:"development"`

	StripeWebhookSecret string `envconfig:"STRIPE_WEBHOOK_SECRET"`
	JWTSecret           string `envconfig:"JWT_SECRET"`
	JWTIssuer           string `envconfig:"JWT_ISSUER"`
}

// app holds what every subcommand needs.
type app struct {
	env    settings
	cfg    quotaledger.Config
	logger *slog.Logger
	handle *store.Handle
	engine *quotaledger.Engine
	out    io.Writer
}

func (a *app) Close() error { return a.handle.Close() }

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newRootCmd(out io.Writer) *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "quotaledger",
		Short:         "Operate the translation-time quota ledger",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default $QUOTALEDGER_CONFIG, else built-in defaults)")

	open := func(ctx context.Context) (*app, error) {
		return openApp(ctx, configPath, out)
	}
	root.AddCommand(
		newSweepCmd(open),
		newUsageCmd(open),
		newCreditCmd(open),
		newSchemaCmd(open),
		newWebhookCmd(open),
		newWhoamiCmd(open),
	)
	return root
}

func openApp(ctx context.Context, configPath string, out io.Writer) (*app, error) {
	var s settings
	if err := envconfig.Process("QUOTALEDGER", &s); err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}
	if configPath == "" {
		configPath = s.Config
	}

	cfg := quotaledger.DefaultConfig()
	if configPath != "" {
		var err error
		cfg, err = quotaledger.LoadConfig(configPath)
		if err != nil {
			return nil, err
		}
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(s.LogLevel)})).
		With("env", s.Env)

	handle, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	opts, err := cfg.EngineOptions()
	if err != nil {
		handle.Close()
		return nil, err
	}
	opts = append(opts, quotaledger.WithLogger(logger), quotaledger.WithMeter(meter.NewLogMeter(logger)))
	engine, err := quotaledger.NewEngine(handle, opts...)
	if err != nil {
		handle.Close()
		return nil, err
	}

	return &app{env: s, cfg: cfg, logger: logger, handle: handle, engine: engine, out: out}, nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

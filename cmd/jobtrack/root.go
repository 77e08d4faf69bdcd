package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/jobtrack/internal/api"
	"github.com/JakeFAU/jobtrack/internal/config"
	"github.com/JakeFAU/jobtrack/internal/credentials"
	"github.com/JakeFAU/jobtrack/internal/outreach"
	"github.com/JakeFAU/jobtrack/internal/pipeline"
	"github.com/JakeFAU/jobtrack/internal/server"
)

// App defines what the commands need from the application services. Tests
// inject a fake through appFactory.
type App interface {
	api.Processor
	api.Drafter
	Run(ctx context.Context) error
	Close() error
}

type appFactory func(ctx context.Context, cfg config.Config, req credentials.Request) (App, error)

// builtApp adapts server.App to App.
type builtApp struct {
	*server.App
}

func (b builtApp) Process(ctx context.Context, rawURL string, opts pipeline.Options) pipeline.Result {
	return b.Pipeline().Process(ctx, rawURL, opts)
}

func (b builtApp) ProcessText(ctx context.Context, rawURL, text string, opts pipeline.Options) pipeline.Result {
	return b.Pipeline().ProcessText(ctx, rawURL, text, opts)
}

func (b builtApp) RunBatch(ctx context.Context, urls []string, opts pipeline.Options) []pipeline.Result {
	return b.Pipeline().RunBatch(ctx, urls, opts)
}

func (b builtApp) Lookup(ctx context.Context, rawURL string) (pipeline.JobRecord, error) {
	return b.Pipeline().Lookup(ctx, rawURL)
}

func (b builtApp) Generate(ctx context.Context, rec pipeline.JobRecord) outreach.Drafts {
	return b.Outreach().Generate(ctx, rec)
}

func buildApp(ctx context.Context, cfg config.Config, req credentials.Request) (App, error) {
	app, err := server.Build(ctx, cfg, server.WithCredentials(req))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize application services: %w", err)
	}
	return builtApp{App: app}, nil
}

type configKeyType string

const configKey configKeyType = "config"

type rootOptions struct {
	configFile string
	envFile    string
	password   string
}

// newRootCmd creates the root command. Config and .env are loaded before any
// subcommand runs; services are built only by the commands that need them.
func newRootCmd(build appFactory) *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "jobtrack",
		Short: "Turn job posting URLs into structured, deduplicated records.",
		Long: `jobtrack fetches job postings (plain HTTP first, a headless browser when
the page needs it), cleans the text, extracts a structured record with a
language model and keeps one record per posting URL.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := loadEnvFile(opts.envFile); err != nil {
				return err
			}
			cfg, err := config.Load(opts.configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), configKey, cfg))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "config file (yaml, json or toml)")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before the config, ignored when missing")
	cmd.PersistentFlags().StringVar(&opts.password, "password", "", "password unlocking the shared credentials")

	open := func(cmd *cobra.Command) (App, error) {
		cfg, err := resolveConfig(cmd.Context())
		if err != nil {
			return nil, err
		}
		return build(cmd.Context(), cfg, credentials.Request{Password: opts.password})
	}

	cmd.AddCommand(
		newIngestCmd(open),
		newServeCmd(open),
		newOutreachCmd(open),
		newKeysCmd(),
		newVersionCmd(),
	)
	return cmd
}

func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func resolveConfig(ctx context.Context) (config.Config, error) {
	cfg, ok := ctx.Value(configKey).(config.Config)
	if !ok {
		return config.Config{}, errors.New("configuration not loaded")
	}
	return cfg, nil
}

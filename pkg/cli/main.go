// Package cli builds the tenantstore command line: provider inspection and tenant-scoped
// document commands on top of the provider registry.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/nimburion/tenantstore/pkg/config"
	"github.com/nimburion/tenantstore/pkg/observability/logger"
	"github.com/nimburion/tenantstore/pkg/observability/tracing"
	"github.com/nimburion/tenantstore/pkg/provider"
	"github.com/nimburion/tenantstore/pkg/provider/factory"
	"github.com/nimburion/tenantstore/pkg/version"
)

// Options configures the root command.
type Options struct {
	Name        string
	Description string
	ConfigPath  string
	EnvPrefix   string
	// Factories defaults to the built-in provider types.
	Factories map[string]provider.Factory
}

// session is what every subcommand works with once flags are parsed.
type session struct {
	cfg     *config.Config
	secrets *config.Config
	log     logger.Logger
	tracer  *tracing.TracerProvider
}

func (s *session) close(ctx context.Context) {
	if s.tracer != nil {
		if err := s.tracer.Shutdown(ctx); err != nil {
			s.log.Warn("failed to shut down tracer", "error", err)
		}
	}
	if zl, ok := s.log.(*logger.ZapLogger); ok {
		_ = zl.Sync()
	}
}

// NewCommand creates the tenantstore CLI with version, providers and doc subcommands.
//
// Cosa fa: carica config e logger una volta per comando e costruisce il registry dei provider.
// Cosa NON fa: non resta in esecuzione; ogni comando apre e chiude le proprie connessioni.
// Esempio minimo: cli.Execute(cli.NewCommand(cli.Options{Name: "tenantstore"}))
func NewCommand(opts Options) *cobra.Command {
	if opts.Name == "" {
		opts.Name = "tenantstore"
	}
	if opts.EnvPrefix == "" {
		opts.EnvPrefix = config.EnvPrefix
	}
	if opts.Factories == nil {
		opts.Factories = factory.Builtin()
	}

	rootCmd := &cobra.Command{
		Use:           opts.Name,
		Short:         opts.Description,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var cfgPath string
	var secretFilePath string
	var serviceNameOverride string
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config-file", "c", opts.ConfigPath, "config file path")
	rootCmd.PersistentFlags().StringVar(&secretFilePath, "secret-file", "", "path to secrets file (sets "+resolveEnvPrefix(opts.EnvPrefix)+"_SECRETS_FILE)")
	rootCmd.PersistentFlags().StringVar(&serviceNameOverride, "service-name", "", "service name override")

	open := func(cmd *cobra.Command) (*session, context.Context, error) {
		cfg, secrets, log, err := LoadConfigAndLogger(cfgPath, opts.EnvPrefix, secretFilePath, opts.Name, serviceNameOverride)
		if err != nil {
			return nil, nil, err
		}
		tracer, err := tracing.NewTracerProvider(cmd.Context(), tracing.TracerConfig{
			ServiceName:    cfg.Service.Name,
			ServiceVersion: version.Current(cfg.Service.Name).Version,
			Environment:    cfg.Service.Environment,
			Endpoint:       cfg.Observability.TracingEndpoint,
			Insecure:       cfg.Observability.TracingInsecure,
			SampleRate:     cfg.Observability.TracingSampleRate,
			Enabled:        cfg.Observability.TracingEnabled,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("create tracer: %w", err)
		}
		ctx := logger.ContextWithRequestID(cmd.Context(), uuid.NewString())
		return &session{cfg: cfg, secrets: secrets, log: log, tracer: tracer}, ctx, nil
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			info := version.Current(opts.Name)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Service:    %s\n", info.Service)
			fmt.Fprintf(out, "Version:    %s\n", info.Version)
			fmt.Fprintf(out, "Commit:     %s\n", info.Commit)
			fmt.Fprintf(out, "Build Time: %s\n", info.BuildTime)
			fmt.Fprintf(out, "Go:         %s\n", info.GoVersion)
		},
	})
	rootCmd.AddCommand(newProvidersCommand(opts, open))
	rootCmd.AddCommand(newDocCommand(opts, open))

	return rootCmd
}

// LoadConfigAndLogger loads configuration, secrets included, and builds the zap logger
// it describes.
func LoadConfigAndLogger(
	cfgPath,
	envPrefix,
	secretFilePath string,
	defaultServiceName string,
	serviceNameOverride string,
) (*config.Config, *config.Config, logger.Logger, error) {
	envPrefix = resolveEnvPrefix(envPrefix)
	if err := applySecretFileFlag(envPrefix, secretFilePath); err != nil {
		return nil, nil, nil, err
	}
	cfg, secrets, err := config.NewViperLoader(cfgPath, envPrefix).LoadWithSecrets()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}
	cfg.Service.Name = resolveServiceNameValue(cfg.Service.Name, defaultServiceName, serviceNameOverride)

	level, err := logger.ParseLogLevel(cfg.Observability.LogLevel)
	if err != nil {
		return nil, nil, nil, err
	}
	format, err := logger.ParseLogFormat(cfg.Observability.LogFormat)
	if err != nil {
		return nil, nil, nil, err
	}
	// Logs go to stderr so command output stays machine-readable.
	log, err := logger.NewZapLogger(logger.Config{Level: level, Format: format, Output: os.Stderr})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create logger: %w", err)
	}

	if level == logger.DebugLevel {
		log.Debug("effective configuration", "config", cfg.Redacted(secrets))
	}
	return cfg, secrets, log.With("service", cfg.Service.Name), nil
}

func applySecretFileFlag(envPrefix, secretFilePath string) error {
	if secretFilePath == "" {
		return nil
	}
	info, err := os.Stat(secretFilePath)
	if err != nil {
		return fmt.Errorf("secret file %s is not accessible: %w", secretFilePath, err)
	}
	if info.IsDir() {
		return fmt.Errorf("secret file %s must not be a directory", secretFilePath)
	}
	return os.Setenv(resolveEnvPrefix(envPrefix)+"_SECRETS_FILE", filepath.Clean(secretFilePath))
}

// Execute runs the command with a context cancelled on SIGINT/SIGTERM and exits non-zero on error.
func Execute(cmd *cobra.Command) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func resolveEnvPrefix(prefix string) string {
	trimmed := strings.TrimSpace(prefix)
	if trimmed == "" {
		return config.EnvPrefix
	}
	return strings.ToUpper(trimmed)
}

func resolveServiceNameValue(currentConfigName, defaultServiceName, serviceNameOverride string) string {
	if override := strings.TrimSpace(serviceNameOverride); override != "" {
		return override
	}
	if configured := strings.TrimSpace(currentConfigName); configured != "" {
		return configured
	}
	if fallback := strings.TrimSpace(defaultServiceName); fallback != "" {
		return fallback
	}
	return "tenantstore"
}

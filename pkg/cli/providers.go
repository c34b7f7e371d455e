package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nimburion/tenantstore/pkg/config"
	"github.com/nimburion/tenantstore/pkg/health"
	"github.com/nimburion/tenantstore/pkg/observability/metrics"
	"github.com/nimburion/tenantstore/pkg/provider"
)

// metricsPrefix selects the tenantstore collectors when printing metrics.
const metricsPrefix = "tenantstore_"

type openFunc func(cmd *cobra.Command) (*session, context.Context, error)

func newProvidersCommand(opts Options, open openFunc) *cobra.Command {
	providersCmd := &cobra.Command{
		Use:   "providers",
		Short: "Inspect configured providers",
	}

	providersCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Print the configured providers with secrets masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, ctx, err := open(cmd)
			if err != nil {
				return err
			}
			defer s.close(ctx)
			return writeYAML(cmd.OutOrStdout(), s.cfg.RedactedProviders(s.secrets))
		},
	})

	var withMetrics bool
	checkCmd := &cobra.Command{
		Use:   "check [name...]",
		Short: "Configure providers and run their health checks",
		Long: "Configure the named providers (all when none is given), run one health check per provider\n" +
			"and print the results. Exits non-zero when any provider fails to configure or is unhealthy.",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, ctx, err := open(cmd)
			if err != nil {
				return err
			}
			defer s.close(ctx)

			reg, err := configureRegistry(ctx, s, opts.Factories, args)
			if err != nil {
				return err
			}
			defer func() {
				if closeErr := reg.Close(); closeErr != nil {
					s.log.Error("failed to close providers", "error", closeErr)
				}
			}()

			checks := health.NewRegistry()
			reg.RegisterHealthChecks(checks)
			result := checks.Check(ctx)

			out := cmd.OutOrStdout()
			if err := writeYAML(out, result); err != nil {
				return err
			}
			if withMetrics {
				fmt.Fprintln(out, "---")
				if err := metrics.NewRegistry().WriteText(out, metricsPrefix); err != nil {
					return fmt.Errorf("write metrics: %w", err)
				}
			}
			if !result.IsHealthy() {
				return fmt.Errorf("providers are %s", result.Status)
			}
			return nil
		},
	}
	checkCmd.Flags().BoolVar(&withMetrics, "metrics", false, "print pool and operation metrics after the check")
	providersCmd.AddCommand(checkCmd)

	return providersCmd
}

// configureRegistry builds a registry over the named providers, or all of them.
func configureRegistry(ctx context.Context, s *session, factories map[string]provider.Factory, names []string) (*provider.Registry, error) {
	selected := s.cfg.Providers
	if len(names) > 0 {
		selected = make([]config.ProviderConfig, 0, len(names))
		for _, name := range names {
			p, ok := s.cfg.Find(name)
			if !ok {
				return nil, fmt.Errorf("provider %q is not configured", name)
			}
			selected = append(selected, p)
		}
	}

	reg := provider.NewRegistry(factories, s.log)
	if err := reg.Configure(ctx, selected); err != nil {
		return nil, fmt.Errorf("configure providers: %w", err)
	}
	return reg, nil
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	return enc.Close()
}

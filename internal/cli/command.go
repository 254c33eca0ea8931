// Package cli holds the bridge's cobra command tree.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sandeepkv93/vehicle-telemetry-bridge/internal/app"
	"github.com/sandeepkv93/vehicle-telemetry-bridge/internal/config"
	"github.com/sandeepkv93/vehicle-telemetry-bridge/internal/observability"
)

type options struct {
	configFile string
	envFile    string
}

func NewRootCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "bridge",
		Short:         "Vehicle telemetry bridge",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "optional YAML config file")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "optional .env file with defaults")
	cmd.AddCommand(newServeCommand(opts), newConfigCommand(opts), newProbeCommand())
	return cmd
}

func (o *options) load() (*config.Config, error) {
	return config.Load(config.LoadOptions{ConfigFile: o.configFile, EnvFile: o.envFile})
}

func newServeCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and metrics servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			base := observability.NewLogger(cmd.ErrOrStderr(), cfg.LogLevel)
			a, err := app.Bootstrap(ctx, cfg, base)
			if err != nil {
				return err
			}
			return a.Run(ctx)
		},
	}
}

func newConfigCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Load and validate configuration, then print it with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			return printRedacted(cmd.OutOrStdout(), cfg.Redacted())
		},
	})
	return cmd
}

func printRedacted(w io.Writer, values map[string]any) error {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _, err := fmt.Fprintf(w, "%-24s %v\n", k, values[k]); err != nil {
			return err
		}
	}
	return nil
}

type probeOptions struct {
	baseURL string
	timeout time.Duration
	ci      bool
}

type probeResult struct {
	OK      bool   `json:"ok"`
	Check   string `json:"check"`
	Status  int    `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
}

func newProbeCommand() *cobra.Command {
	popts := &probeOptions{}
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Check a running bridge's readiness endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), popts.timeout)
			defer cancel()
			res := probe(ctx, popts.baseURL)
			if popts.ci {
				if err := json.NewEncoder(cmd.OutOrStdout()).Encode(res); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: ok=%t status=%d %s\n", res.Check, res.OK, res.Status, res.Message)
			}
			if !res.OK {
				return fmt.Errorf("bridge not ready")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&popts.baseURL, "base-url", "http://localhost:8080", "bridge base URL")
	cmd.Flags().DurationVar(&popts.timeout, "timeout", 5*time.Second, "probe timeout")
	cmd.Flags().BoolVar(&popts.ci, "ci", false, "machine-readable output")
	return cmd
}

func probe(ctx context.Context, baseURL string) probeResult {
	res := probeResult{Check: "health/ready"}
	u, err := url.Parse(baseURL)
	if err != nil {
		res.Message = err.Error()
		return res
	}
	rel := &url.URL{Path: "/health/ready"}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.ResolveReference(rel).String(), nil)
	if err != nil {
		res.Message = err.Error()
		return res
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		res.Message = err.Error()
		return res
	}
	defer func() { _ = resp.Body.Close() }()
	res.Status = resp.StatusCode
	res.OK = resp.StatusCode == http.StatusOK
	if !res.OK {
		res.Message = resp.Status
	}
	return res
}

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ferro-labs/placecache"
	"github.com/ferro-labs/placecache/internal/admin"
	"github.com/ferro-labs/placecache/internal/backend"
	"github.com/ferro-labs/placecache/internal/logging"
	"github.com/ferro-labs/placecache/internal/version"
)

type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string
	lookupEnv  func(string) (string, bool)
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{lookupEnv: os.LookupEnv}

	root := &cobra.Command{
		Use:           "placecache",
		Short:         "Similarity-aware place search cache",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			logging.SetupWriter(cmd.ErrOrStderr(), opts.logLevel, opts.logFormat)
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", os.Getenv("PLACECACHE_CONFIG"), "config file (JSON or YAML)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", envOr("LOG_LEVEL", "warn"), "log level: debug, info, warn, error")
	root.PersistentFlags().StringVar(&opts.logFormat, "log-format", envOr("LOG_FORMAT", "text"), "log format: text or json")

	root.AddCommand(
		newValidateCmd(),
		newSearchCmd(opts),
		newStatsCmd(opts),
		newClearCmd(opts),
		newPruneCmd(opts),
		newInteractiveCmd(opts),
		newTokenCmd(),
		newVersionCmd(),
	)
	return root
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// openApp loads config and opens the cache and service.
func openApp(cmd *cobra.Command, opts *rootOptions) (*backend.App, error) {
	cfg, err := backend.LoadConfig(opts.configPath, opts.lookupEnv)
	if err != nil {
		return nil, err
	}
	return backend.Open(cmd.Context(), cfg, opts.lookupEnv, logging.Logger)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <config-file>",
		Short: "Validate a configuration file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := placecache.LoadConfig(args[0])
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := placecache.ValidateConfig(*cfg); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			mode := cfg.Strategy.Mode
			if mode == "" {
				mode = placecache.ModeSingle
			}
			backendName := cfg.Durable.Backend
			if backendName == "" {
				backendName = placecache.BackendMemory
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Config is valid.\n")
			fmt.Fprintf(out, "  Strategy: %s\n", mode)
			fmt.Fprintf(out, "  Durable:  %s\n", backendName)
			fmt.Fprintf(out, "  Providers: %d\n", len(cfg.Providers))
			for _, p := range cfg.Providers {
				fmt.Fprintf(out, "    - %s (%s)\n", p.ProviderName(), p.Type)
			}
			return nil
		},
	}
}

type locationFlags struct {
	lat, lng float64
}

func (l *locationFlags) register(cmd *cobra.Command) {
	cmd.Flags().Float64Var(&l.lat, "lat", 0, "latitude of the search origin")
	cmd.Flags().Float64Var(&l.lng, "lng", 0, "longitude of the search origin")
	_ = cmd.MarkFlagRequired("lat")
	_ = cmd.MarkFlagRequired("lng")
}

func (l *locationFlags) location() placecache.Location {
	return placecache.Location{Lat: l.lat, Lng: l.lng}
}

func printResult(w io.Writer, query string, res placecache.SearchResult) {
	fmt.Fprintf(w, "%q: %d result(s) from %s", query, len(res.Results), res.Source)
	if res.Provider != "" {
		fmt.Fprintf(w, " (%s)", res.Provider)
	}
	if res.MatchedQuery != "" {
		fmt.Fprintf(w, " matched %q", res.MatchedQuery)
	}
	fmt.Fprintln(w)
	for i, p := range res.Results {
		fmt.Fprintf(w, "  %d. %s", i+1, p.Name)
		if p.Address != "" {
			fmt.Fprintf(w, ", %s", p.Address)
		}
		fmt.Fprintf(w, " [%.0f m]\n", p.Distance)
	}
}

func newSearchCmd(opts *rootOptions) *cobra.Command {
	var (
		loc    locationFlags
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search places through the cache",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd, opts)
			if err != nil {
				return err
			}
			defer func() { _ = app.Close() }()

			res, err := app.Service.Search(cmd.Context(), args[0], loc.location())
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), res)
			}
			printResult(cmd.OutOrStdout(), args[0], res)
			return nil
		},
	}
	loc.register(cmd)
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON")
	return cmd
}

func newStatsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print cache statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := openApp(cmd, opts)
			if err != nil {
				return err
			}
			defer func() { _ = app.Close() }()
			return printJSON(cmd.OutOrStdout(), app.Service.Stats(cmd.Context()))
		},
	}
}

func newClearCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove every cached entry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := openApp(cmd, opts)
			if err != nil {
				return err
			}
			defer func() { _ = app.Close() }()
			if err := app.Service.Clear(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Cache cleared.")
			return nil
		},
	}
}

func newPruneCmd(opts *rootOptions) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete durable entries older than a duration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			app, err := openApp(cmd, opts)
			if err != nil {
				return err
			}
			defer func() { _ = app.Close() }()

			n, ok, err := app.Prune(cmd.Context(), time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("durable backend does not support pruning")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d entries.\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 24*time.Hour, "delete entries stored longer ago than this")
	return cmd
}

func newTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Generate a random admin token for ADMIN_TOKEN",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tok, err := admin.GenerateToken()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			info := version.Get()
			fmt.Fprintf(cmd.OutOrStdout(), "placecache %s\n", version.String())
			fmt.Fprintf(cmd.OutOrStdout(), "  go: %s\n", info.GoVersion)
		},
	}
}

// Package cli is the storefront command line: the server and one-shot
// maintenance commands over the same application context.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"slices"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/stevemurr/storefront-store/app"
	"github.com/stevemurr/storefront-store/config"
	"github.com/stevemurr/storefront-store/logging"
	"github.com/stevemurr/storefront-store/store"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigFile string
	DataDir    string
	Engine     string
	LogLevel   string
	LogFormat  string
	Format     string // "json" | "text"

	// Getenv reads the environment; tests replace it.
	Getenv func(string) string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command.
func NewRootCommand() *cobra.Command {
	return newRootCommand(os.Getenv)
}

func newRootCommand(getenv func(string) string) *cobra.Command {
	opts := &RootOptions{Getenv: getenv}

	cmd := &cobra.Command{
		Use:   "storefront",
		Short: "Offline-capable record store for the phone store back office",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		SilenceUsage: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&opts.ConfigFile, "config", "", "YAML config file")
	pf.StringVar(&opts.DataDir, "data-dir", "", "data directory (default ./data)")
	pf.StringVar(&opts.Engine, "engine", "", "local engine, overriding the persisted choice (indexed|flatkey)")
	pf.StringVar(&opts.LogLevel, "log-level", "", "log level (default info, or $STOREFRONT_LOG_LEVEL)")
	pf.StringVar(&opts.LogFormat, "log-format", "json", "log format (json|console)")
	pf.StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewRetryCommand(opts))
	cmd.AddCommand(NewOfflineCommand(opts))
	cmd.AddCommand(NewExportCommand(opts))
	cmd.AddCommand(NewImportCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewSwitchCommand(opts))
	cmd.AddCommand(NewRemoteCommand(opts))
	cmd.AddCommand(NewResetCommand(opts))

	return cmd
}

func (o *RootOptions) logger(cmd *cobra.Command) (zerolog.Logger, error) {
	level := o.LogLevel
	if level == "" {
		level = o.Getenv("STOREFRONT_LOG_LEVEL")
	}
	return logging.New(logging.Options{
		Level:  level,
		Format: o.LogFormat,
		Writer: cmd.ErrOrStderr(),
	})
}

// loadConfig builds a fresh configuration. Flags apply only when given,
// so persisted preferences win over flag defaults.
func (o *RootOptions) loadConfig(cmd *cobra.Command, extra func(*config.Config)) (config.Config, *config.PrefsStore, error) {
	flags := cmd.Flags()
	return config.Load(config.LoadOptions{
		File:   o.ConfigFile,
		Getenv: o.Getenv,
		Override: func(c *config.Config) {
			if flags.Changed("data-dir") {
				c.DataDir = o.DataDir
			}
			if flags.Changed("engine") {
				c.Engine = store.Engine(o.Engine)
			}
			if extra != nil {
				extra(c)
			}
		},
	})
}

// openApp opens an application context for a one-shot command.
func (o *RootOptions) openApp(ctx context.Context, cmd *cobra.Command) (*app.App, error) {
	log, err := o.logger(cmd)
	if err != nil {
		return nil, err
	}
	cfg, prefs, err := o.loadConfig(cmd, nil)
	if err != nil {
		return nil, err
	}
	return app.Open(ctx, app.Options{Config: cfg, Prefs: prefs, Logger: log})
}

// print writes v as JSON, or text in text mode.
func (o *RootOptions) print(cmd *cobra.Command, v any, text string) error {
	w := cmd.OutOrStdout()
	if o.Format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	_, err := fmt.Fprintln(w, text)
	return err
}

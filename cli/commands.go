package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/stevemurr/storefront-store/app"
	"github.com/stevemurr/storefront-store/config"
	"github.com/stevemurr/storefront-store/connection"
	"github.com/stevemurr/storefront-store/store"
)

func describeState(s connection.State) string {
	if s.Online() {
		return "online"
	}
	text := fmt.Sprintf("offline (%s)", s.Reason)
	if s.Detail != "" {
		text += ": " + s.Detail
	}
	return text
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show engine, connection and autosave state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rootOpts.openApp(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			st := a.Status()
			var b strings.Builder
			fmt.Fprintf(&b, "engine:     %s", st.Engine)
			if st.Engine != st.Requested {
				fmt.Fprintf(&b, " (requested %s: %s)", st.Requested, st.Indexed.Reason)
			}
			fmt.Fprintf(&b, "\nconnection: %s", describeState(st.Connection))
			fmt.Fprintf(&b, "\nunsaved:    %d collection(s)", len(st.Autosave.Pending))
			return rootOpts.print(cmd, st, b.String())
		},
	}
}

// NewRetryCommand creates the retry command.
func NewRetryCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry",
		Short: "Clear forced offline mode and probe the remote backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rootOpts.openApp(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			s, err := a.RetryConnection(cmd.Context())
			if err != nil {
				return err
			}
			return rootOpts.print(cmd, s, describeState(s))
		},
	}
}

// NewOfflineCommand creates the offline command.
func NewOfflineCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "offline",
		Short: "Stay offline until the next retry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rootOpts.openApp(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			s, err := a.GoOffline(cmd.Context())
			if err != nil {
				return err
			}
			return rootOpts.print(cmd, s, describeState(s))
		},
	}
}

func backupFormat(path string, cbor bool) store.Format {
	if cbor || strings.EqualFold(filepath.Ext(path), ".cbor") {
		return store.FormatCBOR
	}
	return store.FormatJSON
}

func countsText(verb string, counts map[store.Collection]int) string {
	total := 0
	for _, n := range counts {
		total += n
	}
	return fmt.Sprintf("%s %d record(s) in %d collection(s)", verb, total, len(counts))
}

// NewExportCommand creates the export command.
func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		out  string
		cbor bool
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write a backup of every persisted collection",
		Long: `Write a backup of every persisted collection.

Without --out the backup is written to storefront-backup-YYYY-MM-DD.json
(or .cbor) in the current directory. Use --out - for stdout.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := backupFormat(out, cbor)
			if out == "" {
				out = store.BackupFilename(time.Now(), f)
			}

			a, err := rootOpts.openApp(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			var w io.Writer = cmd.OutOrStdout()
			if out != "-" {
				file, err := os.Create(out)
				if err != nil {
					return err
				}
				defer file.Close()
				w = file
			}
			snap, err := a.WriteBackup(cmd.Context(), w, f)
			if err != nil {
				return err
			}
			if out == "-" {
				return nil
			}
			counts := snap.Counts()
			return rootOpts.print(cmd, map[string]any{"file": out, "counts": counts},
				countsText("exported", counts)+" to "+out)
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "backup file")
	cmd.Flags().BoolVar(&cbor, "cbor", false, "write CBOR instead of JSON")
	return cmd
}

// NewImportCommand creates the import command.
func NewImportCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		in   string
		cbor bool
	)
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Restore collections from a backup",
		Long: `Restore collections from a backup.

Every collection in the backup replaces the stored one; collections not in
the backup are left alone. A malformed backup changes nothing.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := os.Open(in)
			if err != nil {
				return err
			}
			defer file.Close()

			a, err := rootOpts.openApp(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			snap, _, err := a.ReadBackup(cmd.Context(), file, backupFormat(in, cbor))
			if errors.Is(err, store.ErrInvalidBackup) {
				return fmt.Errorf("invalid backup file: %w", err)
			}
			if err != nil {
				return err
			}
			counts := snap.Counts()
			return rootOpts.print(cmd, map[string]any{"counts": counts}, countsText("restored", counts))
		},
	}
	cmd.Flags().StringVarP(&in, "in", "i", "", "backup file")
	cmd.Flags().BoolVar(&cbor, "cbor", false, "read CBOR instead of JSON")
	_ = cmd.MarkFlagRequired("in")
	return cmd
}

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	var from, to string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Copy the dataset to another engine and make it active",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rootOpts.openApp(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			src := store.Engine(from)
			if src == "" {
				src = a.Engine()
			}
			res, err := a.Migrate(cmd.Context(), src, store.Engine(to))
			if err != nil && !errors.Is(err, app.ErrRestartRequired) {
				return err
			}
			return rootOpts.print(cmd, res,
				countsText(fmt.Sprintf("migrated %s to %s:", res.From, res.To), res.Counts)+
					"\nthe new engine is used from the next start")
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "source engine (default: the active engine)")
	cmd.Flags().StringVar(&to, "to", "", "destination engine")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

// NewSwitchCommand creates the switch command.
func NewSwitchCommand(rootOpts *RootOptions) *cobra.Command {
	var to string
	cmd := &cobra.Command{
		Use:   "switch",
		Short: "Use another engine from the next start, without moving data",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rootOpts.openApp(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			err = a.SwitchEngine(cmd.Context(), store.Engine(to))
			restart := errors.Is(err, app.ErrRestartRequired)
			if err != nil && !restart {
				return err
			}
			text := fmt.Sprintf("already using %s", a.Engine())
			if restart {
				text = fmt.Sprintf("switched to %s from the next start", to)
			}
			return rootOpts.print(cmd, map[string]any{"engine": to, "restart": restart}, text)
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "engine to use")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

// NewRemoteCommand creates the remote command.
func NewRemoteCommand(rootOpts *RootOptions) *cobra.Command {
	var r config.Remote
	cmd := &cobra.Command{
		Use:   "remote",
		Short: "Store the remote backend endpoint and credentials",
		Long: `Store the remote backend endpoint and credentials.

The values override the config file and environment from the next start.
Empty values drop the override.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rootOpts.openApp(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.SetRemote(cmd.Context(), r); err != nil && !errors.Is(err, app.ErrRestartRequired) {
				return err
			}
			return rootOpts.print(cmd, map[string]any{"endpoint": r.Endpoint, "restart": true},
				"remote backend updated; used from the next start")
		},
	}
	cmd.Flags().StringVar(&r.Endpoint, "endpoint", "", "postgres URL or key=value DSN")
	cmd.Flags().StringVar(&r.User, "user", "", "remote user")
	cmd.Flags().StringVar(&r.Password, "password", "", "remote password")
	return cmd
}

// NewResetCommand creates the reset command.
func NewResetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Drop persisted preferences except the session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rootOpts.openApp(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.ResetConfig(cmd.Context()); err != nil && !errors.Is(err, app.ErrRestartRequired) {
				return err
			}
			return rootOpts.print(cmd, map[string]any{"restart": true},
				"preferences reset; defaults apply from the next start")
		},
	}
}

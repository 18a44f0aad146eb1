package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/eventhub/pkg/eventhub"
	"github.com/randalmurphal/eventhub/pkg/eventhub/config"
	"github.com/randalmurphal/eventhub/pkg/eventhub/hub"
	"github.com/randalmurphal/eventhub/pkg/eventhub/sqldb"
	"github.com/randalmurphal/eventhub/pkg/eventhub/webhook"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var configPath string

// loadSettings reads the config file named by --config, applies the
// environment and validates the result.
func loadSettings() (config.Settings, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Settings{}, fmt.Errorf("reading config: %w", err)
	}
	return config.FromConfig(cfg)
}

// openDB opens the configured SQL store. The caller must close it.
func openDB(s config.Settings) (*sql.DB, sqldb.Dialect, error) {
	if s.Store.Driver == "memory" {
		return nil, 0, errors.New("store.driver is memory; this command needs sqlite or postgres")
	}
	return sqldb.Open(s.Store.Driver, s.Store.DSN)
}

var rootCmd = &cobra.Command{
	Use:          "eventhub",
	Short:        "Event-sourced mutation platform",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the pipeline and the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := loadSettings()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		p, err := eventhub.New(ctx, s)
		if err != nil {
			return err
		}
		p.Start(ctx)

		srv := p.Server(s.HTTP)
		errc := make(chan error, 1)
		go func() {
			p.Logger.Info("listening", slog.String("addr", s.HTTP.Addr))
			errc <- srv.ListenAndServe()
		}()

		select {
		case <-ctx.Done():
		case err = <-errc:
			if errors.Is(err, http.ErrServerClosed) {
				err = nil
			}
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.HTTP.ShutdownTimeout)
		defer cancel()
		if serr := srv.Shutdown(shutdownCtx); serr != nil {
			err = errors.Join(err, serr)
		}
		return errors.Join(err, p.Stop(shutdownCtx))
	},
}

// migrate command
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the SQL schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := loadSettings()
		if err != nil {
			return err
		}
		db, dialect, err := openDB(s)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := sqldb.Migrate(db, dialect); err != nil {
			return err
		}
		return printStatus(cmd.OutOrStdout(), db, dialect)
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the schema version",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := loadSettings()
		if err != nil {
			return err
		}
		db, dialect, err := openDB(s)
		if err != nil {
			return err
		}
		defer db.Close()
		return printStatus(cmd.OutOrStdout(), db, dialect)
	},
}

func printStatus(w io.Writer, db *sql.DB, dialect sqldb.Dialect) error {
	st, err := sqldb.MigrationStatus(db, dialect)
	if err != nil {
		return err
	}
	state := "current"
	switch {
	case st.Dirty:
		state = "dirty"
	case !st.Current():
		state = "pending"
	}
	fmt.Fprintf(w, "version %d of %d (%s)\n", st.Version, st.Latest, state)
	return nil
}

// credential command
var credentialCmd = &cobra.Command{
	Use:   "credential",
	Short: "Manage Hub Protocol credentials",
}

var credentialNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Issue a credential for a user",
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		scope, _ := cmd.Flags().GetStringSlice("scope")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		s, err := loadSettings()
		if err != nil {
			return err
		}
		db, dialect, err := openDB(s)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := sqldb.Migrate(db, dialect); err != nil {
			return err
		}

		now := time.Now()
		var expiresAt *time.Time
		if ttl > 0 {
			t := now.Add(ttl)
			expiresAt = &t
		}
		secret, cred, err := hub.NewCredential(user, scope, expiresAt, now)
		if err != nil {
			return err
		}
		if err := hub.NewSQLCredentials(db, dialect).Put(cmd.Context(), cred); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Credential: %s\n", cred.ID)
		fmt.Fprintf(out, "User:       %s\n", cred.UserID)
		fmt.Fprintf(out, "Scope:      %s\n", strings.Join(cred.Scope, ","))
		fmt.Fprintf(out, "Secret:     %s\n", secret)
		fmt.Fprintln(out, "The secret is shown once.")
		return nil
	},
}

var credentialRevokeCmd = &cobra.Command{
	Use:   "revoke ID",
	Short: "Revoke a credential and every token minted from it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := loadSettings()
		if err != nil {
			return err
		}
		db, dialect, err := openDB(s)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := hub.NewSQLCredentials(db, dialect).Revoke(cmd.Context(), args[0], time.Now()); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Revoked %s\n", args[0])
		return nil
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify SIGNATURE",
	Short: "Check a webhook signature against a body read from stdin",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		secret, _ := cmd.Flags().GetString("secret")
		if secret == "" {
			secret = os.Getenv("EVENTHUB_WEBHOOK_SECRET")
		}
		if secret == "" {
			return errors.New("--secret or EVENTHUB_WEBHOOK_SECRET is required")
		}
		body, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("reading body: %w", err)
		}
		if err := webhook.Verify(secret, body, args[0]); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "signature ok")
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), eventhub.Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (.yaml, .json or .toml)")

	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateStatusCmd)

	credentialCmd.AddCommand(credentialNewCmd)
	credentialNewCmd.Flags().String("user", "", "User the credential acts for")
	credentialNewCmd.Flags().StringSlice("scope", nil, "Scope ceiling, comma separated")
	credentialNewCmd.Flags().Duration("ttl", 0, "Lifetime; zero never expires")
	_ = credentialNewCmd.MarkFlagRequired("user")
	_ = credentialNewCmd.MarkFlagRequired("scope")
	credentialCmd.AddCommand(credentialRevokeCmd)

	verifyCmd.Flags().String("secret", "", "Subscription secret")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(credentialCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(versionCmd)
}

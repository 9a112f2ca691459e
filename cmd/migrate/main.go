package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"cargolane.io/internal/auth"
	"cargolane.io/internal/ids"
	"cargolane.io/internal/migrate"
	"cargolane.io/internal/store/pg"
)

var (
	dsn     string
	timeout time.Duration

	adminEmail    string
	adminPassword string

	keyOwner   string
	keyScopes  []string
	keyIPs     []string
	keyLimit   int64
	keyWindow  time.Duration
	keyExpires time.Duration
)

var rootCmd = &cobra.Command{
	Use:          "migrate",
	Short:        "Cargolane schema and bootstrap tool",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if dsn == "" {
			return errors.New("missing DSN: provide via --dsn or CARGOLANE_PG_DSN")
		}
		return nil
	},
}

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(cmd.Context(), func(ctx context.Context, mgr *migrate.Manager, _ *sql.DB) error {
			return mgr.Up(ctx)
		})
	},
}

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the latest migration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(cmd.Context(), func(ctx context.Context, mgr *migrate.Manager, _ *sql.DB) error {
			return mgr.Down(ctx)
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "List applied migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(cmd.Context(), func(ctx context.Context, mgr *migrate.Manager, _ *sql.DB) error {
			history, err := mgr.Status(ctx)
			if err != nil {
				return err
			}
			for _, item := range history {
				fmt.Fprintln(cmd.OutOrStdout(), item)
			}
			return nil
		})
	},
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Apply demo seeds and optionally create an admin",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(cmd.Context(), func(ctx context.Context, mgr *migrate.Manager, db *sql.DB) error {
			if err := mgr.Seed(ctx); err != nil {
				return err
			}
			if adminEmail == "" {
				return nil
			}
			hash, err := auth.HashPassword(adminPassword)
			if err != nil {
				return fmt.Errorf("admin password: %w", err)
			}
			id, err := pg.New(db).UpsertSubject(ctx, auth.Subject{
				ID:         ids.New(),
				Email:      adminEmail,
				Role:       auth.RoleSuperAdmin,
				IsActive:   true,
				IsVerified: true,
			}, hash)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "admin %s ready (%s)\n", adminEmail, id)
			return nil
		})
	},
}

var apiKeyCmd = &cobra.Command{
	Use:   "apikey",
	Short: "Issue an API key; the secret is printed once",
	RunE: func(cmd *cobra.Command, args []string) error {
		if keyOwner == "" {
			return errors.New("--owner is required")
		}
		if bad := invalidPrefixes(keyIPs); len(bad) > 0 {
			return fmt.Errorf("invalid --allow-ip entries: %s", strings.Join(bad, ", "))
		}
		return withManager(cmd.Context(), func(ctx context.Context, _ *migrate.Manager, db *sql.DB) error {
			raw, err := auth.GenerateAPIKey()
			if err != nil {
				return err
			}
			cfg := auth.APIKeyConfig{
				ID:         ids.New(),
				KeyHash:    auth.HashAPIKey(raw),
				OwnerID:    keyOwner,
				Scopes:     keyScopes,
				IsActive:   true,
				AllowedIPs: keyIPs,
				RateLimit:  keyLimit,
				Window:     keyWindow,
			}
			if keyExpires > 0 {
				exp := time.Now().UTC().Add(keyExpires)
				cfg.ExpiresAt = &exp
			}
			if err := pg.New(db).CreateAPIKey(ctx, cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "id:     %s\nsecret: %s\n", cfg.ID, raw)
			return nil
		})
	},
}

// invalidPrefixes returns entries that are neither an address nor a CIDR.
func invalidPrefixes(entries []string) []string {
	var bad []string
	parsed := auth.ParseAllowList(entries)
	if len(parsed) == len(entries) {
		return nil
	}
	for _, e := range entries {
		if len(auth.ParseAllowList([]string{e})) == 0 {
			bad = append(bad, e)
		}
	}
	return bad
}

func withManager(parent context.Context, fn func(context.Context, *migrate.Manager, *sql.DB) error) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	migrations, seeds := migrate.Embedded()
	return fn(ctx, migrate.NewManager(db, migrations, seeds), db)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dsn, "dsn", os.Getenv("CARGOLANE_PG_DSN"), "PostgreSQL DSN")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Overall timeout")

	seedCmd.Flags().StringVar(&adminEmail, "admin-email", "", "Create or update a super_admin with this email")
	seedCmd.Flags().StringVar(&adminPassword, "admin-password", os.Getenv("CARGOLANE_ADMIN_PASSWORD"), "Password for --admin-email")

	apiKeyCmd.Flags().StringVar(&keyOwner, "owner", "", "Subject id the key acts for")
	apiKeyCmd.Flags().StringSliceVar(&keyScopes, "scope", nil, "Granted permission, repeatable")
	apiKeyCmd.Flags().StringSliceVar(&keyIPs, "allow-ip", nil, "Allowed caller address or CIDR, repeatable")
	apiKeyCmd.Flags().Int64Var(&keyLimit, "limit", 0, "Requests per window; 0 uses the server default")
	apiKeyCmd.Flags().DurationVar(&keyWindow, "window", 0, "Quota window; 0 uses the server default")
	apiKeyCmd.Flags().DurationVar(&keyExpires, "expires-in", 0, "Key lifetime; 0 never expires")

	rootCmd.AddCommand(upCmd, downCmd, statusCmd, seedCmd, apiKeyCmd)
}

func main() {
	log.SetFlags(0)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

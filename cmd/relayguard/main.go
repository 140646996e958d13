package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/stellarlinkco/relayguard/internal/config"
	"github.com/stellarlinkco/relayguard/internal/gateway"
	"github.com/stellarlinkco/relayguard/internal/store"
	"github.com/stellarlinkco/relayguard/internal/trust"
)

var configPath string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "relayguard",
		Short:         "relayguard - Telegram private message relay with spam screening",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ~/.relayguard/config.yaml)")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the relay bot",
			RunE:  runServe,
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply database migrations and exit",
			RunE:  runMigrate,
		},
		newPurgeCmd(),
		newUsersCmd(),
		&cobra.Command{
			Use:   "status",
			Short: "Show configuration and store statistics",
			RunE:  runStatus,
		},
		&cobra.Command{
			Use:   "onboard",
			Short: "Write a default config file",
			RunE:  runOnboard,
		},
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("parse log level: %w", err)
		}
		zcfg.Level = level
	}
	return zcfg.Build()
}

// openStore opens the configured database and brings its schema up to date.
func openStore(ctx context.Context, cfg *config.Config) (*store.DB, error) {
	db, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	return gw.Run(cmd.Context())
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	fmt.Fprintf(cmd.OutOrStdout(), "Schema up to date (%s)\n", db.Driver())
	return nil
}

func newPurgeCmd() *cobra.Command {
	var olderThan time.Duration
	c := &cobra.Command{
		Use:   "purge",
		Short: "Delete relay mappings older than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			retention := cfg.Mapping.Retention
			if olderThan > 0 {
				retention = olderThan
			}
			db, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			n, err := store.NewMappingStore(db).PurgeOlderThan(cmd.Context(), time.Now().Add(-retention))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Purged %d mappings older than %s\n", n, retention)
			return nil
		},
	}
	c.Flags().DurationVar(&olderThan, "older-than", 0, "override mapping.retention")
	return c
}

func newUsersCmd() *cobra.Command {
	var (
		status string
		limit  int
		output string
	)
	c := &cobra.Command{
		Use:   "users",
		Short: "List users and their trust state",
		RunE: func(cmd *cobra.Command, args []string) error {
			if output != "table" && output != "yaml" {
				return fmt.Errorf("unknown output format %q", output)
			}
			var st trust.Status
			if status != "" {
				parsed, err := trust.ParseStatus(status)
				if err != nil {
					return err
				}
				st = parsed
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			db, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			recs, err := store.NewTrustStore(db).ListByStatus(cmd.Context(), st, limit)
			if err != nil {
				return err
			}
			if output == "yaml" {
				return writeUsersYAML(cmd.OutOrStdout(), recs)
			}
			writeUsers(cmd.OutOrStdout(), recs)
			return nil
		},
	}
	c.Flags().StringVar(&status, "status", "", "filter by status (new, monitoring, trusted)")
	c.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	c.Flags().StringVarP(&output, "output", "o", "table", "output format (table, yaml)")
	return c
}

func writeUsers(out io.Writer, recs []trust.Record) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "USER ID\tNAME\tUSERNAME\tSTATUS\tCLEAN\tFLAGGED\tTRUSTED BY\tLAST SEEN")
	for _, r := range recs {
		lastSeen := "-"
		if r.LastSeenAt != nil {
			lastSeen = r.LastSeenAt.Local().Format("2006-01-02 15:04")
		}
		by := "-"
		if r.TrustedBy != "" {
			by = string(r.TrustedBy)
		}
		username := "-"
		if r.Username != "" {
			username = "@" + r.Username
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			r.UserID, orDash(r.DisplayName), username, r.Status,
			r.ConsecutiveCleanCount, r.TotalFlaggedCount, by, lastSeen)
	}
	_ = w.Flush()
}

type userView struct {
	UserID       int64      `yaml:"user_id"`
	DisplayName  string     `yaml:"display_name,omitempty"`
	Username     string     `yaml:"username,omitempty"`
	Status       string     `yaml:"status"`
	CleanStreak  int        `yaml:"consecutive_clean_count"`
	Flagged      int        `yaml:"total_flagged_count"`
	TrustedBy    string     `yaml:"trusted_by,omitempty"`
	TrustedSince *time.Time `yaml:"trusted_since,omitempty"`
	LastSeenAt   *time.Time `yaml:"last_seen_at,omitempty"`
}

func writeUsersYAML(out io.Writer, recs []trust.Record) error {
	views := make([]userView, 0, len(recs))
	for _, r := range recs {
		views = append(views, userView{
			UserID:       r.UserID,
			DisplayName:  r.DisplayName,
			Username:     r.Username,
			Status:       string(r.Status),
			CleanStreak:  r.ConsecutiveCleanCount,
			Flagged:      r.TotalFlaggedCount,
			TrustedBy:    string(r.TrustedBy),
			TrustedSince: r.TrustedSince,
			LastSeenAt:   r.LastSeenAt,
		})
	}
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(views); err != nil {
		return fmt.Errorf("encode users: %w", err)
	}
	return enc.Close()
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func runStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(out, "Config: error (%v)\n", err)
		return nil
	}

	path := configPath
	if path == "" {
		path = config.ConfigPath()
	}
	fmt.Fprintf(out, "Config: %s\n", path)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(out, "Valid: no (%v)\n", err)
	} else {
		fmt.Fprintln(out, "Valid: yes")
	}
	fmt.Fprintf(out, "Telegram mode: %s\n", cfg.Telegram.Mode)
	fmt.Fprintf(out, "Admin: %d (alerts to %d)\n", cfg.Admin.UserID, cfg.Admin.AlertChatID)
	fmt.Fprintf(out, "Classifier: %s / %s\n", cfg.Classifier.Provider, cfg.Classifier.Model)
	fmt.Fprintf(out, "API Key: %s\n", maskKey(cfg.Classifier.APIKey))
	fmt.Fprintf(out, "Trust policy: %d clean, at most %d flagged\n",
		cfg.Trust.RequiredCleanCount, cfg.Trust.MaxAllowedFlaggedCount)
	fmt.Fprintf(out, "Store: %s\n", cfg.Store.Driver)

	db, err := openStore(cmd.Context(), cfg)
	if err != nil {
		fmt.Fprintf(out, "Store: error (%v)\n", err)
		return nil
	}
	defer db.Close()

	counts, err := store.NewTrustStore(db).CountByStatus(cmd.Context())
	if err != nil {
		return err
	}
	mappings, err := store.NewMappingStore(db).Count(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Users: %d new, %d monitoring, %d trusted\n",
		counts[trust.StatusNew], counts[trust.StatusMonitoring], counts[trust.StatusTrusted])
	fmt.Fprintf(out, "Mappings: %d (retention %s)\n", mappings, cfg.Mapping.Retention)
	return nil
}

func maskKey(key string) string {
	switch {
	case key == "":
		return "not set"
	case len(key) > 8:
		return key[:4] + "..." + key[len(key)-4:]
	default:
		return "set"
	}
}

func runOnboard(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	path := configPath
	if path == "" {
		path = config.ConfigPath()
	}

	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(out, "Config already exists: %s\n", path)
		return nil
	}
	if err := config.SaveConfig(config.DefaultConfig(), path); err != nil {
		return err
	}
	fmt.Fprintf(out, "Created config: %s\n", path)
	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintln(out, "  1. Set telegram.token and admin.user_id (or RELAYGUARD_TELEGRAM_TOKEN / RELAYGUARD_ADMIN_USER_ID)")
	fmt.Fprintln(out, "  2. Set classifier.api_key (or RELAYGUARD_CLASSIFIER_API_KEY)")
	fmt.Fprintln(out, "  3. Run 'relayguard serve'")
	return nil
}

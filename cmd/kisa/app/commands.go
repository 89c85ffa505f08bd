// Package app provides the commands of the kisa admin tool.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stacklok/toolhive-core/logging"

	kisa "github.com/minus-twelve/kisa-sql"
	"github.com/minus-twelve/kisa-sql/storage"
	"github.com/minus-twelve/kisa-sql/types"
)

// NewRootCmd creates the root command with all subcommands attached.
func NewRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("KISA")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	rootCmd := &cobra.Command{
		Use:               "kisa",
		DisableAutoGenTag: true,
		Short:             "Inspect and maintain a kisa SQL session table",
		Long: `kisa manages the relational table behind a kisa session store.

It can create or migrate the table, count stored sessions, remove expired
ones and read or delete a single session.`,
		Run: func(cmd *cobra.Command, _ []string) {
			_ = cmd.Help()
		},
		SilenceUsage: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "Path to the kisa yaml configuration file")
	flags.Bool("debug", false, "Enable debug logging")
	flags.String("store-type", "", "Database type (sqlite or postgres)")
	flags.String("dsn", "", "Database connection string")
	for _, name := range []string{"config", "debug", "store-type", "dsn"} {
		if err := v.BindPFlag(name, flags.Lookup(name)); err != nil {
			panic(fmt.Sprintf("binding flag %s: %v", name, err))
		}
	}
	_ = v.BindEnv("unstructured-logs", "UNSTRUCTURED_LOGS")

	rootCmd.AddCommand(
		newSyncCmd(v),
		newCountCmd(v),
		newSweepCmd(v),
		newGetCmd(v),
		newDestroyCmd(v),
	)
	return rootCmd
}

func newSyncCmd(v *viper.Viper) *cobra.Command {
	var force, alter bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Create the session table if it does not exist",
		Long: `Create the session table and its expiry index if they do not exist.

--alter adds configured additional fields missing from an existing table.
--force drops the table first and deletes every stored session.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd.Context(), v, func(cfg *types.Config) {
				cfg.Sync.Force = cfg.Sync.Force || force
				cfg.Sync.Alter = cfg.Sync.Alter || alter
			}, func(_ context.Context, store *storage.SQLStore, logger *slog.Logger) error {
				logger.Info("session table synced", "table", store.Model().Table())
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Drop and recreate the table")
	cmd.Flags().BoolVar(&alter, "alter", false, "Add missing additional columns")
	return cmd
}

func newCountCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "count",
		Short: "Print the number of stored sessions, expired ones included",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd.Context(), v, nil, func(ctx context.Context, store *storage.SQLStore, _ *slog.Logger) error {
				n, err := store.Length(ctx)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), n)
				return err
			})
		},
	}
}

func newSweepCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired sessions once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd.Context(), v, nil, func(ctx context.Context, store *storage.SQLStore, logger *slog.Logger) error {
				n, err := store.ClearExpiredSessions(ctx)
				if err != nil {
					return err
				}
				logger.Info("cleared expired sessions", "table", store.Model().Table(), "count", n)
				_, err = fmt.Fprintln(cmd.OutOrStdout(), n)
				return err
			})
		},
	}
}

func newGetCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "get <sid>",
		Short: "Print a stored session as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), v, nil, func(ctx context.Context, store *storage.SQLStore, _ *slog.Logger) error {
				data, err := store.Get(ctx, args[0])
				if err != nil {
					return err
				}
				if data == nil {
					return fmt.Errorf("session %s not found", args[0])
				}
				out, err := json.MarshalIndent(data, "", "  ")
				if err != nil {
					return fmt.Errorf("encoding session: %w", err)
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
				return err
			})
		},
	}
}

func newDestroyCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "destroy <sid>",
		Short: "Delete a stored session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), v, nil, func(ctx context.Context, store *storage.SQLStore, logger *slog.Logger) error {
				if err := store.Destroy(ctx, args[0]); err != nil {
					return err
				}
				logger.Debug("session destroyed", "sid", args[0])
				return nil
			})
		},
	}
}

func newLogger(v *viper.Viper) *slog.Logger {
	var opts []logging.Option
	if v.GetBool("unstructured-logs") {
		opts = append(opts, logging.WithFormat(logging.FormatText))
	}
	if v.GetBool("debug") {
		opts = append(opts, logging.WithLevel(slog.LevelDebug))
	}
	return logging.New(opts...)
}

// loadConfig reads --config when given and applies flag and env overrides.
// Admin commands never run the background sweeper.
func loadConfig(v *viper.Viper) (types.Config, error) {
	cfg := kisa.DefaultConfig()
	if path := v.GetString("config"); path != "" {
		loaded, err := kisa.LoadConfig(path)
		if err != nil {
			return types.Config{}, err
		}
		cfg = loaded
	}
	if storeType := v.GetString("store-type"); storeType != "" {
		cfg.StoreType = storeType
	}
	if dsn := v.GetString("dsn"); dsn != "" {
		cfg.DSN = dsn
	}
	disabled := time.Duration(0)
	cfg.CheckExpirationInterval = &disabled
	return cfg, kisa.ValidateConfig(cfg)
}

func withStore(
	ctx context.Context,
	v *viper.Viper,
	mutate func(*types.Config),
	fn func(context.Context, *storage.SQLStore, *slog.Logger) error,
) error {
	logger := newLogger(v)
	cfg, err := loadConfig(v)
	if err != nil {
		return fmt.Errorf("configuration loading failed: %w", err)
	}
	if mutate != nil {
		mutate(&cfg)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	store, err := kisa.CreateStore(ctx, cfg, kisa.WithLogger(logger))
	if err != nil {
		return err
	}
	defer func() {
		if err := kisa.CloseStore(store); err != nil {
			logger.Warn("failed to close store", "error", err)
		}
	}()
	return fn(ctx, store, logger)
}

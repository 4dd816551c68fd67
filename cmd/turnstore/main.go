package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/go-go-golems/turnstore/pkg/config"
	"github.com/go-go-golems/turnstore/pkg/store"
)

type app struct {
	v   *viper.Viper
	cfg *config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}

	rootCmd := &cobra.Command{
		Use:           "turnstore",
		Short:         "turnstore persists chat turns and reconciles streamed turns into them",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Path to config file (default ./config.yaml or ~/.turnstore/config.yaml)")
	flags.Bool("with-caller", false, "Log caller")
	flags.String("log-level", "info", "Log level (trace, debug, info, warn, error, fatal)")
	flags.String("log-format", "json", "Log format (json, text)")
	flags.String("log-file", "", "Log file (default: stderr)")
	flags.String("db-driver", "sqlite3", "Database driver (sqlite3, postgres)")
	flags.String("dsn", "", "Database DSN (default: sqlite file from database.path)")
	flags.String("db-path", "turnstore.db", "sqlite database file, used when --dsn is empty")

	for key, flag := range map[string]string{
		"log.level":       "log-level",
		"log.format":      "log-format",
		"log.file":        "log-file",
		"log.with_caller": "with-caller",
		"database.driver": "db-driver",
		"database.dsn":    "dsn",
		"database.path":   "db-path",
	} {
		cobra.CheckErr(a.v.BindPFlag(key, flags.Lookup(flag)))
	}

	rootCmd.AddCommand(
		a.newMigrateCmd(),
		a.newConversationsCmd(),
		a.newTurnsCmd(),
		a.newReplayCmd(),
	)
	return rootCmd
}

func (a *app) load(cmd *cobra.Command) error {
	configFile, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}
	config.Setup(a.v, configFile)
	cfg, err := config.Load(a.v)
	if err != nil {
		return err
	}
	a.cfg = cfg

	if err := initLogger(cfg.Log); err != nil {
		return err
	}
	log.Debug().
		Str("config", a.v.ConfigFileUsed()).
		Str("driver", cfg.Database.Driver).
		Msg("loaded configuration")
	return nil
}

func (a *app) openStore(ctx context.Context) (*store.SQLStore, error) {
	return store.Open(ctx, a.cfg.Database)
}

func (a *app) newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()
			log.Info().Str("driver", s.Driver()).Msg("database is up to date")
			return nil
		},
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("turnstore failed")
		stop()
		os.Exit(1)
	}
}

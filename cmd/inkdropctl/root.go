package main

import (
	"fmt"
	"strings"

	"inkdrop/internal/database"
	"inkdrop/internal/instance"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// ctlConfig is the subset of the server configuration the CLI needs
type ctlConfig struct {
	DatabasePath string `env:"DATABASE_PATH" envDefault:"inkdrop.db"`
	IngestDir    string `env:"INGEST_DIR" envDefault:"/ingest"`
	TempDir      string `env:"TEMP_DIR" envDefault:"/tmp/inkdrop"`
}

type commandContext struct {
	dbFlag *string
}

func (c *commandContext) config() (*ctlConfig, error) {
	_ = godotenv.Load()

	var cfg ctlConfig
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment variables: %w", err)
	}
	if c.dbFlag != nil && strings.TrimSpace(*c.dbFlag) != "" {
		cfg.DatabasePath = strings.TrimSpace(*c.dbFlag)
	}
	return &cfg, nil
}

// withStore opens the database under the instance lock, so a command never
// runs beside a live server
func (c *commandContext) withStore(fn func(cfg *ctlConfig, db *database.DB) error) error {
	cfg, err := c.config()
	if err != nil {
		return err
	}

	lock, err := instance.Acquire(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("refusing to run: %w", err)
	}
	defer lock.Release()

	db, err := database.New(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	return fn(cfg, db)
}

func newRootCommand() *cobra.Command {
	var dbFlag string
	ctx := &commandContext{dbFlag: &dbFlag}

	rootCmd := &cobra.Command{
		Use:           "inkdropctl",
		Short:         "Maintenance commands for the inkdrop download history",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&dbFlag, "db", "", "Path to the inkdrop database (defaults to DATABASE_PATH)")

	rootCmd.AddCommand(newStatsCommand(ctx))
	rootCmd.AddCommand(newHistoryCommand(ctx))
	rootCmd.AddCommand(newCleanupCommand(ctx))
	rootCmd.AddCommand(newClearHistoryCommand(ctx))
	rootCmd.AddCommand(newReconcileCommand(ctx))

	return rootCmd
}

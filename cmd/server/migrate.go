package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/warp/drawdown-engine/config"
	"github.com/warp/drawdown-engine/store/sqlite"
)

func init() {
	rootCmd.AddCommand(migrateCmd)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		store, err := sqlite.New(cfg.DatabasePath)
		if err != nil {
			return err
		}
		defer store.Close()
		if err := store.Migrate(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "schema up to date: %s\n", cfg.DatabasePath)
		return nil
	},
}

/*
main.go - Application entry point

PURPOSE:
  The drawdown command. Wires configuration, logging, the SQLite store,
  the services and the optional Redis lock and RabbitMQ sink, then runs
  one of the subcommands.

COMMANDS:
  drawdown serve                      HTTP API plus the cron scheduler
  drawdown billing run [--automation] One-shot billing run (external cron)
  drawdown migrate                    Apply the schema and exit

ENVIRONMENT:
  See config/config.go. A .env file in the working directory is loaded
  first when present.

SEE ALSO:
  - api/server.go: Router configuration
  - billing/scheduler.go: Cron jobs
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "drawdown",
	Short: "NDIS funding contract drawdown engine",
	Long: `Tracks residents' NDIS funding contracts, validates and posts support
transactions against contract balances, and runs scheduled billing.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

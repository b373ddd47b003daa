// Command repairctl drives the repair chat flow and inspects the ledger from
// a terminal.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"repairhub/internal/util"
	"repairhub/services/chat/internal/bootstrap"
	"repairhub/services/chat/internal/config"
)

var (
	configPath string
	sqlitePath string
	userID     string
	logLevel   string

	rt *bootstrap.Runtime
)

var rootCmd = &cobra.Command{
	Use:           "repairctl",
	Short:         "Chat with repair experts and inspect bookings",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		util.InitLogger(logLevel)
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if sqlitePath != "" {
			cfg.SQLitePath = sqlitePath
		}
		if userID == "" {
			return fmt.Errorf("--user is required")
		}
		rt, err = bootstrap.Build(cmd.Context(), cfg)
		return err
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if rt == nil {
			return nil
		}
		return rt.Close()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.ConfigPath, "Path to config.yaml")
	rootCmd.PersistentFlags().StringVar(&sqlitePath, "sqlite", "", "Override the local SQLite path")
	rootCmd.PersistentFlags().StringVarP(&userID, "user", "u", "", "User id (required)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level: debug, info, warn, error")

	rootCmd.AddCommand(chatCmd, bookingsCmd, coinsCmd, expertsCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if rt != nil {
			_ = rt.Close()
		}
		os.Exit(1)
	}
}

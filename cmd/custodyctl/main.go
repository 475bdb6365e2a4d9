// Package main は鍵カストディ運用CLIのエントリポイント。
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"key-custody-service/config"
	"key-custody-service/internal/infra"
)

const version = "1.0.0"

var (
	envFile string
	output  string
	cfg     *config.Config
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "custodyctl",
		Short:        "Threshold key custody CLI",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// 既存の環境変数は上書きしない
			if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("loading %s: %w", envFile, err)
			}
			cfg = config.Load()
			infra.SetupLoggerTo(cmd.ErrOrStderr(), cfg)
			if output != "text" && output != "json" {
				return fmt.Errorf("--output must be text or json, got %q", output)
			}
			return nil
		},
	}

	// グローバルフラグ
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to a dotenv file (ignored if missing)")
	rootCmd.PersistentFlags().StringVar(&output, "output", "text", "Output format: text, json")

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(keysCmd())
	rootCmd.AddCommand(logsCmd())
	rootCmd.AddCommand(rateLimitCmd())
	rootCmd.AddCommand(versionCmd())

	return rootCmd
}

// versionCmd はバージョン情報を表示する。
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "custodyctl version %s\n", version)
		},
	}
}

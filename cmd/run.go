package cmd

import (
	"context"
	"log/slog"
	"os"
	"path"

	"github.com/encodeous/tint"
	"github.com/fabricd/fabricd/internal/app"
	"github.com/fabricd/fabricd/internal/config"
	slogmulti "github.com/samber/slog-multi"
	"github.com/spf13/cobra"
)

// runCmd represents the run command.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run fabricd on the current host",
	Long:  `This runs fabricd's Spark, KvStore and KvClient components on the current host's configured interfaces.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		nodeBytes, err := os.ReadFile(nodeConfigPath)
		if err != nil {
			return err
		}
		cfg, err := config.ParseLocalCfg(nodeBytes)
		if err != nil {
			return err
		}

		if centralBytes, err := os.ReadFile(centralConfigPath); err == nil {
			if _, err := config.ParseCentralCfg(centralBytes); err != nil {
				return err
			}
		}

		verbose, _ := cmd.Flags().GetBool("verbose")
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}

		log := buildLogger(cfg, level)
		return app.Start(context.Background(), cfg, log)
	},
	GroupID: "fabricd",
}

func buildLogger(cfg config.LocalCfg, level slog.Level) *slog.Logger {
	handlers := []slog.Handler{
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:        level,
			CustomPrefix: cfg.NodeName,
		}),
	}

	if cfg.LogPath != "" {
		if err := os.MkdirAll(path.Dir(cfg.LogPath), 0700); err == nil {
			if f, err := os.OpenFile(cfg.LogPath, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0700); err == nil {
				handlers = append(handlers, slog.NewTextHandler(f, &slog.HandlerOptions{Level: level}))
			}
		}
	}

	return slog.New(slogmulti.Fanout(handlers...))
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().BoolP("verbose", "v", false, "verbose output")
}

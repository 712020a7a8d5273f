package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-engine/internal/config"
)

var (
	cfg *config.Config

	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:          "outreach-engine",
	Short:        "Outreach campaigns, deal pipeline and lead research",
	Long:         "Schedules and dispatches multi-step email and LinkedIn campaigns, tracks deals through the sales pipeline, and researches leads in batches with Claude.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.LoadFile(configPath)
		if err != nil {
			return eris.Wrap(err, "load config")
		}
		if logLevel != "" {
			c.Log.Level = logLevel
		}
		if err := config.InitLogger(c.Log); err != nil {
			return eris.Wrap(err, "init logger")
		}
		cfg = c
		zap.L().Debug("config loaded", zap.String("store", cfg.Store.Driver), zap.String("file", configPath))
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ./config.yaml when present)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

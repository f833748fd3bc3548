package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/comigor/llmrelay/internal/config"
	"github.com/comigor/llmrelay/internal/logger"
)

var (
	configPath string
	logLevel   string
	logFormat  string
)

var rootCmd = &cobra.Command{
	Use:   "llmrelay",
	Short: "Multi-model chat relay with per-session memory",
	Long: `llmrelay serves chat sessions over HTTP. Each session may hop between
models; the conversation follows the user to the new model. Replies stream
as server-sent events.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default: $CONFIG_PATH or ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format: json or text")

	rootCmd.AddCommand(serveCmd, modelsCmd, agentsCmd, snapshotCmd)
}

// loadConfig reads the config file and applies the logging flags. Flags
// passed on the command line win over the file and the environment.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	v := config.New(configPath)
	if err := bindFlags(v, cmd); err != nil {
		return nil, err
	}
	cfg, err := config.Decode(v)
	if err != nil {
		return nil, err
	}
	logger.SetFormat(cfg.Log.Format, os.Stderr)
	logger.SetLevel(cfg.Log.Level)
	return cfg, nil
}

func bindFlags(v *viper.Viper, cmd *cobra.Command) error {
	bindings := map[string]string{
		"log.level":  "log-level",
		"log.format": "log-format",
	}
	for key, name := range bindings {
		f := cmd.Flags().Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind --%s: %w", name, err)
		}
	}
	return nil
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		logger.L.Error("command failed", "error", err)
		os.Exit(1)
	}
}

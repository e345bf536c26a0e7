package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"meshmon/internal/config"
	"meshmon/internal/logging"
)

// globals are the persistent flags shared by every subcommand.
type globals struct {
	configPath string
	logLevel   string
	logFormat  string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:   "meshmon",
		Short: "Active monitor and health analyzer for LoRa mesh networks",
		Long: `meshmon probes a mesh through a gateway with rate-limited traceroutes,
analyzes the node directory for congestion, misconfiguration and topology
problems, and keeps a history of probe results for offline analysis.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", "", "path to YAML config")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&g.logFormat, "log-format", "", "log format override (console, json)")

	root.AddCommand(
		newRunCmd(g),
		newAnalyzeCmd(g),
		newRoutesCmd(g),
		newStatsCmd(g),
		newReportsCmd(g),
		newExportCmd(g),
		newConfigCmd(g),
		newSimulateCmd(g),
	)
	return root
}

// loadConfig reads the config file when one is given and applies defaults
// either way.
func (g *globals) loadConfig() (config.Config, error) {
	var cfg config.Config
	if g.configPath != "" {
		var err error
		cfg, err = config.Load(g.configPath)
		if err != nil {
			return config.Config{}, err
		}
	}
	if g.logLevel != "" {
		cfg.LogLevel = g.logLevel
	}
	if g.logFormat != "" {
		cfg.LogFormat = g.logFormat
	}
	config.ApplyDefaults(&cfg)
	return cfg, nil
}

func (g *globals) logger(cfg config.Config) (*zap.Logger, error) {
	return logging.New(cfg.LogLevel, cfg.LogFormat)
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

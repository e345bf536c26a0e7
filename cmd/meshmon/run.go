package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"meshmon/internal/config"
	"meshmon/internal/metrics"
	"meshmon/internal/monitor"
	"meshmon/internal/store"
	"meshmon/internal/udpbridge"
)

func newRunCmd(g *globals) *cobra.Command {
	var gateway string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Probe the mesh and analyze it continuously",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			if gateway != "" {
				cfg.Gateway.Address = gateway
			}
			if cfg.Gateway.Address == "" {
				return errors.New("gateway address required (gateway.address or --gateway)")
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			log, err := g.logger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			bridge, err := udpbridge.Dial(ctx, cfg.Gateway, log.Named("bridge"))
			if err != nil {
				return fmt.Errorf("connect gateway: %w", err)
			}
			defer bridge.Close()

			opts := []monitor.Option{
				monitor.WithLogger(log),
				monitor.WithCollector(metrics.NewCollector()),
			}
			if cfg.Report.HistoryPath != "" {
				hist, err := store.OpenHistory(cfg.Report.HistoryPath, log.Named("history"))
				if err != nil {
					return err
				}
				defer hist.Close()
				opts = append(opts, monitor.WithHistory(hist))
			}
			if g.configPath != "" {
				opts = append(opts, monitor.WithConfigPath(g.configPath))
			}

			err = monitor.Run(ctx, cfg, bridge, opts...)
			if err != nil && ctx.Err() == nil {
				return err
			}
			log.Info("monitor stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&gateway, "gateway", "", "gateway address override")
	return cmd
}

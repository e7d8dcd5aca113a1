package main

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/trickstertwo/xrpc"
	_ "github.com/trickstertwo/xrpc/adapter/memory"
	_ "github.com/trickstertwo/xrpc/adapter/redisstream"
	"github.com/trickstertwo/xrpc/internal/config"
	"github.com/trickstertwo/xrpc/internal/logging"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:          "xrpcd",
	Short:        "Encrypted RPC over message brokers",
	Long:         "xrpcd serves RPC actions from a broker topic and sends requests to other nodes, configured by a YAML file and XRPC_ environment variables.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "xrpc.yaml", "path to the YAML configuration file")
}

// loadNode reads the configuration and builds a node with its logger.
func loadNode(reg *xrpc.Registry, mw ...xrpc.Middleware) (*config.Config, *xrpc.Node, zerolog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, zerolog.Nop(), err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, zerolog.Nop(), fmt.Errorf("invalid configuration: %w", err)
	}

	lg, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, nil, zerolog.Nop(), err
	}
	lg = lg.With().Str("app", cfg.App.Name).Logger()

	node, err := buildNode(cfg, lg, reg, mw...)
	if err != nil {
		return nil, nil, lg, err
	}
	return cfg, node, lg, nil
}

func buildNode(cfg *config.Config, lg zerolog.Logger, reg *xrpc.Registry, mw ...xrpc.Middleware) (*xrpc.Node, error) {
	nb := xrpc.NewNodeBuilder().WithLogger(lg).WithMiddleware(mw...)
	if err := cfg.Apply(nb); err != nil {
		return nil, err
	}
	if reg != nil {
		nb.WithRegistry(reg)
	}
	return nb.Build()
}

// Copyright (c) 2025 Gatechat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/gatechat/core/internal/cache"
	"github.com/gatechat/core/internal/catalog"
	"github.com/gatechat/core/internal/config"
	"github.com/gatechat/core/internal/gateway"
	"github.com/gatechat/core/internal/logging"
	"github.com/gatechat/core/internal/stream"
)

// New builds the gatechat command tree.
func New() *cli.Command {
	return &cli.Command{
		Name:  "gatechat",
		Usage: "chat with models across aggregated gateways",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "config file path (default ~/.gatechat/config.toml)",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "debug logging",
			},
		},
		Commands: []*cli.Command{
			chatCommand(),
			modelsCommand(),
			cacheCommand(),
		},
	}
}

// loadConfig reads the config honoring the global --config flag and
// installs logging before anything else runs.
func loadConfig(cmd *cli.Command) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if path := cmd.String("config"); path != "" {
		cfg, err = config.LoadFromPath(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	logging.Setup(cfg.Log.Level, cmd.Bool("verbose"))
	return cfg, nil
}

// endpoints converts configured gateways to fetcher endpoints.
func endpoints(cfg *config.Config) []gateway.Endpoint {
	eps := make([]gateway.Endpoint, len(cfg.Gateways))
	for i, gw := range cfg.Gateways {
		eps[i] = gateway.Endpoint{
			ID:       gw.ID,
			BaseURL:  gw.BaseURL,
			APIKey:   gw.APIKey,
			FreeFlag: gw.FreeOnly,
		}
	}
	return eps
}

// buildAggregator wires fetcher, cache, and aggregator from config. The
// returned close function releases the cache handle.
func buildAggregator(cfg *config.Config) (*catalog.Aggregator, func(), error) {
	fetcher := gateway.NewFetcher(gateway.Config{
		BaseTimeout:       cfg.FetchTimeout(),
		Profile:           gateway.NetworkProfile(cfg.Network.Profile),
		HardCeiling:       cfg.HardCeiling(),
		RequestsPerSecond: cfg.Network.RequestsPerSecond,
	}, endpoints(cfg), nil)

	store, err := cache.New(cache.Config{
		Path: cfg.Catalog.CachePath,
		TTL:  cfg.CacheTTL(),
	}, nil)
	if err != nil {
		// A broken cache should not block catalog access.
		slog.Warn("snapshot cache unavailable", "err", err)
		agg := catalog.NewAggregator(catalog.Config{
			Endpoints:    endpoints(cfg),
			PersistLimit: cfg.Catalog.PersistLimit,
		}, fetcher, nil, nil)
		return agg, func() {}, nil
	}

	agg := catalog.NewAggregator(catalog.Config{
		Endpoints:    endpoints(cfg),
		PersistLimit: cfg.Catalog.PersistLimit,
	}, fetcher, store, nil)
	return agg, func() { store.Close() }, nil
}

// buildCoordinator wires the streaming coordinator from config.
func buildCoordinator(cfg *config.Config) *stream.Coordinator {
	return stream.NewCoordinator(stream.Config{
		Endpoint:    cfg.Stream.Endpoint,
		APIKey:      cfg.Stream.APIKey,
		MaxAttempts: cfg.Stream.MaxAttempts,
	}, nil)
}

// cacheCommand manages the snapshot cache.
func cacheCommand() *cli.Command {
	return &cli.Command{
		Name:  "cache",
		Usage: "manage the model catalog cache",
		Commands: []*cli.Command{
			{
				Name:  "clear",
				Usage: "drop every cached catalog snapshot",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					cfg, err := loadConfig(cmd)
					if err != nil {
						return err
					}
					store, err := cache.New(cache.Config{
						Path: cfg.Catalog.CachePath,
						TTL:  cfg.CacheTTL(),
					}, nil)
					if err != nil {
						return err
					}
					defer store.Close()

					if err := store.Clear(); err != nil {
						return err
					}
					fmt.Println("cache cleared")
					return nil
				},
			},
		},
	}
}

// refreshTimeout bounds a whole models refresh from the CLI.
const refreshTimeout = 2 * time.Minute

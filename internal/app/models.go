// Copyright (c) 2025 Gatechat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package app

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/gatechat/core/internal/catalog"
)

// listLimit caps default table output; --all lifts it.
const listLimit = 50

func modelsCommand() *cli.Command {
	return &cli.Command{
		Name:  "models",
		Usage: "list models aggregated across gateways",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "force",
				Usage: "bypass the snapshot cache",
			},
			&cli.BoolFlag{
				Name:  "all",
				Usage: "print the full catalog, not just the head",
			},
			&cli.StringSliceFlag{
				Name:  "gateway",
				Usage: "restrict to specific gateway ids (repeatable)",
			},
			&cli.StringFlag{
				Name:  "search",
				Usage: "server-side search term",
			},
		},
		Action: runModels,
	}
}

func runModels(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	agg, closeCache, err := buildAggregator(cfg)
	if err != nil {
		return err
	}
	defer closeCache()

	var gatewayIDs []string
	if ids := cmd.StringSlice("gateway"); len(ids) > 0 {
		gatewayIDs = ids
	}

	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	snap, statuses, err := agg.RefreshDetailed(ctx, gatewayIDs, catalog.RefreshOptions{
		Force:   cmd.Bool("force"),
		LoadAll: cmd.Bool("all"),
		Search:  cmd.String("search"),
	})
	if err != nil {
		return err
	}

	for _, st := range statuses {
		if !st.OK {
			fmt.Fprintf(os.Stderr, "warning: gateway %s unavailable: %s\n", st.Gateway, st.Detail)
		}
	}

	models := snap.Models
	if !cmd.Bool("all") && len(models) > listLimit {
		models = models[:listLimit]
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "MODEL\tDEVELOPER\tGATEWAY\tSPEED\tCATEGORY\tCONTEXT")
	for _, m := range models {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n",
			m.ID, m.Developer, m.Gateway, m.Speed, m.Category, m.ContextLength)
	}
	w.Flush()

	if len(models) < snap.TotalCount {
		fmt.Printf("\n%d of %d models shown (use --all for the full list)\n",
			len(models), snap.TotalCount)
	}
	return nil
}

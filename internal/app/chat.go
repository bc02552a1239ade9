// Copyright (c) 2025 Gatechat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/gatechat/core/internal/chat"
	"github.com/gatechat/core/internal/stream"
)

const (
	dimOn  = "\x1b[2m"
	dimOff = "\x1b[0m"
)

func chatCommand() *cli.Command {
	return &cli.Command{
		Name:      "chat",
		Usage:     "stream a single prompt and print the reply",
		ArgsUsage: "<prompt>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "model",
				Aliases: []string{"m"},
				Usage:   "model identifier (default from config)",
			},
			&cli.BoolFlag{
				Name:  "no-reasoning",
				Usage: "suppress the reasoning trace",
			},
		},
		Action: runChat,
	}
}

func runChat(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	prompt := strings.TrimSpace(strings.Join(cmd.Args().Slice(), " "))
	if prompt == "" {
		return errors.New("usage: gatechat chat <prompt>")
	}

	model := cmd.String("model")
	if model == "" {
		model = cfg.DefaultModel
	}

	coord := buildCoordinator(cfg)
	sess := coord.Start(ctx, stream.Request{
		Slot:     "cli",
		Model:    model,
		Messages: []*chat.Message{chat.NewUserMessage(prompt)},
	})

	showReasoning := !cmd.Bool("no-reasoning")
	var printedContent, printedReasoning int
	reasoningOpen := false

	for snap := range sess.Snapshots() {
		// Snapshots carry full buffers; print only the new suffix.
		if showReasoning && len(snap.Reasoning) > printedReasoning {
			if !reasoningOpen {
				fmt.Print(dimOn)
				reasoningOpen = true
			}
			fmt.Print(snap.Reasoning[printedReasoning:])
			printedReasoning = len(snap.Reasoning)
		}
		if len(snap.Content) > printedContent {
			if reasoningOpen {
				fmt.Print(dimOff + "\n\n")
				reasoningOpen = false
			}
			fmt.Print(snap.Content[printedContent:])
			printedContent = len(snap.Content)
		}

		if snap.State == stream.StateRetrying && snap.Err != nil {
			fmt.Fprintf(os.Stderr, "\n[retrying: %s]\n", snap.Err.Reason)
		}

		if snap.Final {
			if reasoningOpen {
				fmt.Print(dimOff)
			}
			fmt.Println()
			switch snap.State {
			case stream.StateFailed:
				if snap.Err != nil {
					return fmt.Errorf("stream failed (%s): %s", snap.Err.Reason, snap.Err.Message)
				}
				return errors.New("stream failed")
			case stream.StateCancelled:
				return context.Canceled
			}
		}
	}
	return nil
}

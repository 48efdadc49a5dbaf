// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"

	"github.com/poiesic/quiry"
	"github.com/poiesic/quiry/config"
	"github.com/urfave/cli/v2"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "quiry",
		Usage: "Chunked semantic and relational search over chat history",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error)",
				Value:   "info",
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to YAML configuration file",
				Value:   "quiry.yaml",
			},
			&cli.StringFlag{
				Name:    "db",
				Aliases: []string{"d"},
				Usage:   "Path to BadgerDB database directory (overrides storage.path)",
			},
		},
		Before: setupLogger,
		Commands: []*cli.Command{
			{
				Name:   "ingest",
				Usage:  "Ingest JSON Lines chat messages, then flush every buffer",
				Action: ingestCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "file",
						Aliases: []string{"f"},
						Usage:   "JSON Lines file of messages, - for stdin",
						Value:   "-",
					},
				},
			},
			{
				Name:   "serve",
				Usage:  "Run the pipeline until interrupted",
				Action: serveCommand,
			},
			{
				Name:      "search",
				Usage:     "Search chunks by meaning, filtered by group, channel or user",
				ArgsUsage: "QUERY...",
				Action:    searchCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "group", Aliases: []string{"g"}, Usage: "Only chunks of this group"},
					&cli.StringFlag{Name: "channel", Usage: "Only chunks of this channel"},
					&cli.StringFlag{Name: "user", Aliases: []string{"u"}, Usage: "Only chunks this user spoke in"},
					&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Usage: "Maximum number of results (0 uses search.default_limit)"},
					&cli.BoolFlag{Name: "json", Usage: "Print results as JSON"},
				},
			},
			{
				Name:   "clear",
				Usage:  "Delete the most recent chunks of a group, or the whole group",
				Action: clearCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "group", Aliases: []string{"g"}, Usage: "Group to clear", Required: true},
					&cli.IntFlag{Name: "recent", Usage: "Number of most recent chunks to delete"},
					&cli.BoolFlag{Name: "all", Usage: "Delete every chunk of the group"},
				},
			},
			{
				Name:   "health",
				Usage:  "Check the broker, storage and embedder",
				Action: healthCommand,
			},
			{
				Name:  "dead-letters",
				Usage: "Inspect and replay messages that exhausted their retries",
				Subcommands: []*cli.Command{
					{
						Name:   "list",
						Usage:  "List dead letters, oldest first",
						Action: listDeadLettersCommand,
						Flags: []cli.Flag{
							&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Usage: "Maximum number to list (0 lists all)"},
						},
					},
					{
						Name:   "replay",
						Usage:  "Republish dead letters to the topics they failed on",
						Action: replayDeadLettersCommand,
						Flags: []cli.Flag{
							&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Usage: "Maximum number to replay (0 replays all)"},
						},
					},
				},
			},
		},
	}
}

// openSystem loads the configuration named by the global flags and opens
// the system it describes.
func openSystem(ctx context.Context, c *cli.Context) (*quiry.System, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if db := c.String("db"); db != "" {
		cfg.Storage.Path = db
		cfg.Storage.InMemory = false
	}
	sys, err := quiry.Open(ctx, cfg, quiry.WithLogger(slog.Default()))
	if err != nil {
		return nil, fmt.Errorf("failed to open system: %w", err)
	}
	return sys, nil
}

func setupLogger(c *cli.Context) error {
	levelStr := strings.ToLower(c.String("log-level"))

	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return fmt.Errorf("invalid log level %q: must be one of debug, info, warn, error", levelStr)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
)

const (
	// BotLogDir specifies where bot log files are stored.
	BotLogDir = "logs/bot_logs"
	// CLILogDir specifies where maintenance command logs are stored.
	CLILogDir = "logs/cli_logs"
)

var ErrConfirmationRequired = errors.New("pass --confirm to reset every counter")

func main() {
	if err := run(); err != nil {
		log.Printf("Error: %v", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app := &cli.Command{
		Name:  "modguard",
		Usage: "Automated content moderation for Discord servers",
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "Connect to Discord and moderate messages",
				Action: func(ctx context.Context, _ *cli.Command) error {
					return runBot(ctx)
				},
			},
			{
				Name:  "migrate",
				Usage: "Apply pending postgres migrations",
				Action: func(ctx context.Context, _ *cli.Command) error {
					return runMigrations(ctx)
				},
			},
			{
				Name:  "reset-counters",
				Usage: "Zero the counters of every scope",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "confirm",
						Usage: "Confirm the reset, it cannot be undone",
					},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					if !c.Bool("confirm") {
						return ErrConfirmationRequired
					}
					return resetCounters(ctx)
				},
			},
			{
				Name:  "stats",
				Usage: "Print the counters of a scope",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "scope",
						Usage: "Scope to print, defaults to the global aggregate",
						Value: "global",
					},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					return printStats(ctx, os.Stdout, c.String("scope"))
				},
			},
			{
				Name:  "scopes",
				Usage: "List every configured scope",
				Action: func(ctx context.Context, _ *cli.Command) error {
					return printScopes(ctx, os.Stdout)
				},
			},
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		return fmt.Errorf("%s: %w", app.Name, err)
	}

	return nil
}

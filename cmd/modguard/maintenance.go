package main

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"text/tabwriter"

	"github.com/robalyx/modguard/internal/admin"
	"github.com/robalyx/modguard/internal/database"
	"github.com/robalyx/modguard/internal/database/types"
	"github.com/robalyx/modguard/internal/setup"
	"github.com/robalyx/modguard/internal/setup/config"
	"github.com/robalyx/modguard/internal/setup/telemetry"
	"go.uber.org/zap"
)

// operatorID identifies the command line operator to the reset guard.
const operatorID = "cli"

var ErrNotPostgres = errors.New("migrations only apply to the postgres backend")

// runMigrations applies pending migrations without starting the pipeline.
func runMigrations(ctx context.Context) error {
	cfg, _, err := config.LoadConfig()
	if err != nil {
		return err
	}

	if cfg.Common.Storage.Backend != config.StoragePostgres {
		return fmt.Errorf("%w: backend is %q", ErrNotPostgres, cfg.Common.Storage.Backend)
	}

	logManager := telemetry.NewManager(telemetry.ServiceCLI, CLILogDir, &cfg.Common.Debug)
	defer logManager.Close()

	logger, dbLogger, err := logManager.GetLoggers()
	if err != nil {
		return err
	}

	db, err := database.NewConnection(ctx, &cfg.Common.PostgreSQL, dbLogger, false)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := database.Migrate(ctx, db.DB(), logger); err != nil {
		return err
	}

	logger.Info("Migrations complete")

	return nil
}

// resetCounters zeroes every counter through the same guard as the bot command.
func resetCounters(ctx context.Context) error {
	app, err := setup.InitializeApp(ctx, telemetry.ServiceCLI, CLILogDir)
	if err != nil {
		return err
	}
	defer app.Cleanup(context.Background())

	resetter := admin.NewResetter(app.Gateway, app.Buffer, []string{operatorID}, app.Logger)

	confirmation, err := resetter.Request(operatorID)
	if err != nil {
		return err
	}

	if err := resetter.Confirm(ctx, operatorID, confirmation.Code); err != nil {
		return err
	}

	app.Logger.Info("Counters reset from the command line")

	return nil
}

// printStats writes the counters of a scope.
func printStats(ctx context.Context, w io.Writer, scopeID string) error {
	app, err := setup.InitializeApp(ctx, telemetry.ServiceCLI, CLILogDir)
	if err != nil {
		return err
	}
	defer app.Cleanup(context.Background())

	counters, err := app.Gateway.Counters(ctx, scopeID)
	if err != nil {
		app.Logger.Error("Failed to load counters", zap.String("scopeID", scopeID), zap.Error(err))
		return err
	}

	return writeCounters(w, scopeID, counters)
}

// printScopes writes every known scope with its moderation state.
func printScopes(ctx context.Context, w io.Writer) error {
	app, err := setup.InitializeApp(ctx, telemetry.ServiceCLI, CLILogDir)
	if err != nil {
		return err
	}
	defer app.Cleanup(context.Background())

	scopes, err := app.Gateway.Scopes(ctx)
	if err != nil {
		return err
	}

	configs := make([]*types.ScopeConfig, 0, len(scopes))
	for _, scopeID := range scopes {
		cfg, err := app.Gateway.Config(ctx, scopeID)
		if err != nil {
			return err
		}
		configs = append(configs, cfg)
	}

	return writeScopes(w, configs)
}

func writeCounters(w io.Writer, scopeID string, counters *types.Counters) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	fmt.Fprintf(tw, "scope\t%s\n", scopeID)
	fmt.Fprintf(tw, "messages seen\t%d\n", counters.MessagesSeen)
	fmt.Fprintf(tw, "messages flagged\t%d\n", counters.MessagesFlagged)
	fmt.Fprintf(tw, "images seen\t%d\n", counters.ImagesSeen)
	fmt.Fprintf(tw, "images flagged\t%d\n", counters.ImagesFlagged)
	fmt.Fprintf(tw, "timeouts issued\t%d\n", counters.TimeoutsIssued)
	fmt.Fprintf(tw, "timeout minutes\t%d\n", counters.TimeoutMinutesTotal)

	for _, category := range sortedByCount(counters.CategoryHits) {
		fmt.Fprintf(tw, "category %s\t%d\n", category, counters.CategoryHits[category])
	}

	for _, userID := range sortedByCount(counters.ModeratedUsers) {
		fmt.Fprintf(tw, "user %s\t%d\n", userID, counters.ModeratedUsers[userID])
	}

	return tw.Flush()
}

func writeScopes(w io.Writer, configs []*types.ScopeConfig) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	fmt.Fprintln(tw, "SCOPE\tENABLED\tTHRESHOLD\tTIMEOUT\tDELETE\tLOG CHANNEL")
	for _, cfg := range configs {
		fmt.Fprintf(tw, "%s\t%t\t%.2f\t%d\t%t\t%s\n",
			cfg.ScopeID, cfg.ModerationEnabled, cfg.Threshold, cfg.TimeoutMinutes,
			cfg.DeleteOnViolation, cmp.Or(cfg.LogChannelID, "-"))
	}

	return tw.Flush()
}

// sortedByCount returns the keys of m, highest count first.
func sortedByCount(m map[string]int64) []string {
	keys := slices.Sorted(maps.Keys(m))
	slices.SortStableFunc(keys, func(a, b string) int {
		return cmp.Compare(m[b], m[a])
	})
	return keys
}

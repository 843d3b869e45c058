package main

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/robalyx/modguard/internal/admin"
	"github.com/robalyx/modguard/internal/discord"
	"github.com/robalyx/modguard/internal/moderation"
	"github.com/robalyx/modguard/internal/setup"
	"github.com/robalyx/modguard/internal/setup/telemetry"
	"github.com/robalyx/modguard/internal/threshold"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
)

// runBot runs the moderation pipeline until ctx is cancelled.
func runBot(ctx context.Context) error {
	app, err := setup.InitializeApp(ctx, telemetry.ServiceBot, BotLogDir)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	defer app.Cleanup(context.Background())

	pipelineCfg := app.Config.Bot.Pipeline

	discordBot, err := discord.New(&app.Config.Bot.Discord, app.Logger)
	if err != nil {
		return err
	}

	dispatcher := moderation.NewDispatcher(
		discordBot.Actions(),
		discordBot.LogSink(),
		time.Duration(pipelineCfg.ActionTimeout)*time.Second,
		app.Metrics,
		app.Logger,
	)
	processor := moderation.NewProcessor(
		app.Gateway, app.Classifier, dispatcher, app.Buffer, app.Metrics, pipelineCfg.MaxWorkers, app.Logger,
		moderation.WithQueueSize(pipelineCfg.QueueSize),
		moderation.WithScopeLimit(pipelineCfg.MaxPerScope),
	)

	controller := threshold.NewController(app.Gateway, app.Sessions, app.Logger,
		threshold.WithSessionTTL(time.Duration(pipelineCfg.FeedbackTTL)*time.Second))
	resetter := admin.NewResetter(app.Gateway, app.Buffer, ownerIDs(app.Config.Bot.Discord.OwnerIDs), app.Logger)
	handler := discord.NewHandler(app.Gateway, app.Buffer, controller, resetter, app.Metrics.VoteObserved)

	// The flush loop outlives the gateway so the final flush sees every event
	flushCtx, stopFlush := context.WithCancel(context.Background())
	defer stopFlush()

	var wg conc.WaitGroup
	wg.Go(func() {
		interval := time.Duration(pipelineCfg.FlushInterval) * time.Second
		if err := app.Buffer.Run(flushCtx, app.Gateway, interval); err != nil {
			app.Logger.Error("Counter flush loop failed", zap.Error(err))
		}
	})

	if err := discordBot.Start(ctx, processor, handler); err != nil {
		stopFlush()
		wg.Wait()
		return err
	}

	log.Println("Bot has been started. Waiting for interrupt signal to gracefully shutdown...")
	<-ctx.Done()

	app.Logger.Info("Shutting down")

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	discordBot.Close(closeCtx)
	cancel()

	processor.Stop(time.Duration(pipelineCfg.ShutdownGrace) * time.Second)

	stopFlush()
	if r := wg.WaitAndRecover(); r != nil {
		app.Logger.Error("Counter flush loop panicked", zap.String("panic", r.String()))
	}

	return nil
}

func ownerIDs(ids []uint64) []string {
	owners := make([]string, 0, len(ids))
	for _, id := range ids {
		owners = append(owners, strconv.FormatUint(id, 10))
	}
	return owners
}

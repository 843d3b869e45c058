package discord

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/disgoorg/disgo"
	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/disgo/gateway"
	"github.com/robalyx/modguard/internal/setup/config"
	"go.uber.org/zap"
)

// interactionTimeout bounds the work done for one command or button.
const interactionTimeout = 10 * time.Second

// Bot connects the moderation pipeline to the Discord gateway.
type Bot struct {
	client    bot.Client
	submitter Submitter
	handler   *Handler
	register  bool
	logger    *zap.Logger
}

// New creates the gateway client. Events are only received after Start.
func New(cfg *config.Discord, logger *zap.Logger) (*Bot, error) {
	b := &Bot{
		register: cfg.RegisterCommands,
		logger:   logger.Named("discord"),
	}

	client, err := disgo.New(cfg.Token,
		bot.WithGatewayConfigOpts(
			gateway.WithIntents(
				gateway.IntentGuilds,
				gateway.IntentGuildMessages,
				gateway.IntentMessageContent,
			),
		),
		bot.WithEventListeners(&events.ListenerAdapter{
			OnGuildMessageCreate:            b.onMessageCreate,
			OnGuildMessageUpdate:            b.onMessageUpdate,
			OnApplicationCommandInteraction: b.onApplicationCommand,
			OnComponentInteraction:          b.onComponent,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord client: %w", err)
	}

	b.client = client

	return b, nil
}

// Actions returns the enforcement actions backed by this client.
func (b *Bot) Actions() *Actions {
	return NewActions(b.client.Rest())
}

// LogSink returns the report sink backed by this client.
func (b *Bot) LogSink() *LogSink {
	return NewLogSink(b.client.Rest())
}

// Start registers the commands and opens the gateway.
func (b *Bot) Start(ctx context.Context, submitter Submitter, handler *Handler) error {
	b.submitter = submitter
	b.handler = handler

	if b.register {
		b.logger.Info("Registering commands")

		if _, err := b.client.Rest().SetGlobalCommands(b.client.ApplicationID(), Commands()); err != nil {
			return fmt.Errorf("failed to register commands: %w", err)
		}
	}

	b.logger.Info("Opening gateway")

	if err := b.client.OpenGateway(ctx); err != nil {
		return fmt.Errorf("failed to open gateway: %w", err)
	}

	return nil
}

// Close disconnects from the gateway. No new events arrive afterwards.
func (b *Bot) Close(ctx context.Context) {
	b.logger.Info("Closing gateway")
	b.client.Close(ctx)
}

// onApplicationCommand runs /modguard and replies ephemerally.
func (b *Bot) onApplicationCommand(event *events.ApplicationCommandInteractionCreate) {
	data := event.SlashCommandInteractionData()
	if data.CommandName() != CommandName {
		return
	}

	go func() {
		defer b.recoverInteraction("command")

		ctx, cancel := context.WithTimeout(context.Background(), interactionTimeout)
		defer cancel()

		var scopeID string
		if guildID := event.GuildID(); guildID != nil {
			scopeID = guildID.String()
		}

		canManage := false
		if member := event.Member(); member != nil {
			canManage = member.Permissions.Has(discord.PermissionManageGuild)
		}

		route := commandRoute(data.SubCommandGroupName, data.SubCommandName)

		reply, err := b.handler.Command(ctx, scopeID, event.User().ID.String(), canManage, route, data)
		if err != nil {
			b.logger.Debug("Command failed",
				zap.String("route", route),
				zap.String("userID", event.User().ID.String()),
				zap.Error(err))

			reply = Reply{Content: ErrorMessage(err)}
		}

		if err := event.CreateMessage(reply.MessageCreate()); err != nil {
			b.logger.Error("Failed to respond to command", zap.String("route", route), zap.Error(err))
		}
	}()
}

// onComponent handles feedback and reset buttons.
func (b *Bot) onComponent(event *events.ComponentInteractionCreate) {
	customID := event.Data.CustomID()
	if !strings.HasPrefix(customID, feedbackPrefix) && !strings.HasPrefix(customID, resetPrefix) {
		return
	}

	go func() {
		defer b.recoverInteraction("component")

		ctx, cancel := context.WithTimeout(context.Background(), interactionTimeout)
		defer cancel()

		reply, ephemeral, err := b.handler.Component(ctx, event.User().ID.String(), customID)
		if err != nil {
			b.logger.Debug("Component failed", zap.String("customID", customID), zap.Error(err))
			reply = Reply{Content: ErrorMessage(err)}
		}

		if ephemeral {
			err = event.CreateMessage(reply.MessageCreate())
		} else {
			err = event.UpdateMessage(reply.MessageUpdate())
		}

		if err != nil {
			b.logger.Error("Failed to respond to component", zap.String("customID", customID), zap.Error(err))
		}
	}()
}

func (b *Bot) recoverInteraction(kind string) {
	if r := recover(); r != nil {
		b.logger.Error("Panic in interaction handler",
			zap.String("kind", kind),
			zap.Any("panic", r),
			zap.String("stack", string(debug.Stack())))
	}
}

// commandRoute joins the subcommand group and name.
func commandRoute(group, name *string) string {
	switch {
	case name == nil:
		return ""
	case group == nil:
		return *name
	default:
		return *group + "/" + *name
	}
}

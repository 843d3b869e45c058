package discord

import (
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/json"
	"github.com/robalyx/modguard/internal/database/types"
)

// CommandName is the root slash command.
const CommandName = "modguard"

// Subcommand names and the config subcommand group.
const (
	SubcommandFeedback = "feedback"
	SubcommandStats    = "stats"
	SubcommandReset    = "reset-counters"
	GroupConfig        = "config"

	ConfigShow            = "show"
	ConfigEnable          = "enable"
	ConfigThreshold       = "threshold"
	ConfigTimeout         = "timeout"
	ConfigLogChannel      = "log-channel"
	ConfigDelete          = "delete"
	ConfigWhitelistAdd    = "whitelist-add"
	ConfigWhitelistRemove = "whitelist-remove"
	ConfigDebug           = "debug"
	ConfigAPIKey          = "api-key"
)

// Option names.
const (
	OptionEnabled = "enabled"
	OptionValue   = "value"
	OptionMinutes = "minutes"
	OptionChannel = "channel"
	OptionKey     = "key"
)

// Commands returns the application commands registered by the bot.
func Commands() []discord.ApplicationCommandCreate {
	textChannels := []discord.ChannelType{discord.ChannelTypeGuildText, discord.ChannelTypeGuildNews}

	enabled := func(description string) []discord.ApplicationCommandOption {
		return []discord.ApplicationCommandOption{
			discord.ApplicationCommandOptionBool{Name: OptionEnabled, Description: description, Required: true},
		}
	}

	return []discord.ApplicationCommandCreate{
		discord.SlashCommandCreate{
			Name:        CommandName,
			Description: "Automated content moderation",
			Options: []discord.ApplicationCommandOption{
				discord.ApplicationCommandOptionSubCommand{
					Name:        SubcommandFeedback,
					Description: "Tell the bot whether moderation is too weak or too strict",
				},
				discord.ApplicationCommandOptionSubCommand{
					Name:        SubcommandStats,
					Description: "Show moderation counters for this server",
				},
				discord.ApplicationCommandOptionSubCommand{
					Name:        SubcommandReset,
					Description: "Reset all moderation counters (bot owners only)",
				},
				discord.ApplicationCommandOptionSubCommandGroup{
					Name:        GroupConfig,
					Description: "Configure moderation for this server",
					Options: []discord.ApplicationCommandOptionSubCommand{
						{
							Name:        ConfigShow,
							Description: "Show the current configuration",
						},
						{
							Name:        ConfigEnable,
							Description: "Turn moderation on or off",
							Options:     enabled("Whether messages are moderated"),
						},
						{
							Name:        ConfigThreshold,
							Description: "Set the score above which messages are flagged",
							Options: []discord.ApplicationCommandOption{
								discord.ApplicationCommandOptionFloat{
									Name:        OptionValue,
									Description: "Threshold between 0 and 1",
									Required:    true,
									MinValue:    json.Ptr(0.0),
									MaxValue:    json.Ptr(1.0),
								},
							},
						},
						{
							Name:        ConfigTimeout,
							Description: "Set how long flagged authors are timed out",
							Options: []discord.ApplicationCommandOption{
								discord.ApplicationCommandOptionInt{
									Name:        OptionMinutes,
									Description: "Timeout in minutes, 0 disables timeouts",
									Required:    true,
									MinValue:    json.Ptr(0),
									MaxValue:    json.Ptr(types.MaxTimeoutMinutes),
								},
							},
						},
						{
							Name:        ConfigLogChannel,
							Description: "Set or clear the channel receiving violation reports",
							Options: []discord.ApplicationCommandOption{
								discord.ApplicationCommandOptionChannel{
									Name:         OptionChannel,
									Description:  "Leave empty to stop reporting",
									ChannelTypes: textChannels,
								},
							},
						},
						{
							Name:        ConfigDelete,
							Description: "Delete flagged messages",
							Options:     enabled("Whether flagged messages are deleted"),
						},
						{
							Name:        ConfigWhitelistAdd,
							Description: "Stop moderating a channel",
							Options: []discord.ApplicationCommandOption{
								discord.ApplicationCommandOptionChannel{
									Name:         OptionChannel,
									Description:  "Channel to skip",
									Required:     true,
									ChannelTypes: textChannels,
								},
							},
						},
						{
							Name:        ConfigWhitelistRemove,
							Description: "Moderate a whitelisted channel again",
							Options: []discord.ApplicationCommandOption{
								discord.ApplicationCommandOptionChannel{
									Name:         OptionChannel,
									Description:  "Channel to moderate",
									Required:     true,
									ChannelTypes: textChannels,
								},
							},
						},
						{
							Name:        ConfigDebug,
							Description: "Log every classification of this server",
							Options:     enabled("Whether debug logging is on"),
						},
						{
							Name:        ConfigAPIKey,
							Description: "Use a server specific classifier key",
							Options: []discord.ApplicationCommandOption{
								discord.ApplicationCommandOptionString{
									Name:        OptionKey,
									Description: "Leave empty to use the bot's key",
									MaxLength:   json.Ptr(256),
								},
							},
						},
					},
				},
			},
		},
	}
}

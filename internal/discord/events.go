package discord

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/snowflake/v2"
	"github.com/robalyx/modguard/internal/classifier"
	"github.com/robalyx/modguard/internal/moderation"
	"go.uber.org/zap"
)

// Submitter accepts events for asynchronous moderation.
type Submitter interface {
	Submit(evt *moderation.Event) error
}

// animatedExtensions are file types that may hold animated frames.
var animatedExtensions = map[string]struct{}{
	".gif":  {},
	".apng": {},
}

// JumpURL returns the link to a guild message.
func JumpURL(guildID, channelID, messageID snowflake.ID) string {
	return fmt.Sprintf("https://discord.com/channels/%s/%s/%s", guildID, channelID, messageID)
}

// messageEvent converts a guild message into a moderation event.
func messageEvent(guildID snowflake.ID, message discord.Message, edited bool, receivedAt time.Time) *moderation.Event {
	attachments := make([]classifier.Attachment, 0, len(message.Attachments))
	for _, attachment := range message.Attachments {
		attachments = append(attachments, toAttachment(attachment))
	}

	return &moderation.Event{
		ScopeID:     guildID.String(),
		ChannelID:   message.ChannelID.String(),
		MessageID:   message.ID.String(),
		AuthorID:    message.Author.ID.String(),
		AuthorIsBot: message.Author.Bot || message.Author.System || message.WebhookID != nil,
		Content:     message.Content,
		Attachments: attachments,
		JumpURL:     JumpURL(guildID, message.ChannelID, message.ID),
		Edited:      edited,
		ReceivedAt:  receivedAt,
	}
}

func toAttachment(attachment discord.Attachment) classifier.Attachment {
	var contentType string
	if attachment.ContentType != nil {
		contentType = *attachment.ContentType
	}

	_, animated := animatedExtensions[strings.ToLower(path.Ext(attachment.Filename))]

	return classifier.Attachment{
		URL:         attachment.URL,
		ContentType: contentType,
		Animated:    animated,
	}
}

// contentChanged reports whether an update touched what gets classified.
// Updates that only add link embeds are skipped.
func contentChanged(old, current discord.Message) bool {
	if old.ID == 0 {
		return true
	}

	if old.Content != current.Content || len(old.Attachments) != len(current.Attachments) {
		return true
	}

	for i := range old.Attachments {
		if old.Attachments[i].ID != current.Attachments[i].ID {
			return true
		}
	}

	return false
}

// onMessageCreate forwards new guild messages to the processor.
func (b *Bot) onMessageCreate(event *events.GuildMessageCreate) {
	b.submit(messageEvent(event.GuildID, event.Message, false, time.Now()))
}

// onMessageUpdate forwards edits whose content changed.
func (b *Bot) onMessageUpdate(event *events.GuildMessageUpdate) {
	if !contentChanged(event.OldMessage, event.Message) {
		return
	}

	b.submit(messageEvent(event.GuildID, event.Message, true, time.Now()))
}

func (b *Bot) submit(evt *moderation.Event) {
	if evt.AuthorIsBot {
		return
	}

	if err := b.submitter.Submit(evt); err != nil {
		b.logger.Warn("Dropped message event",
			zap.String("scopeID", evt.ScopeID),
			zap.String("messageID", evt.MessageID),
			zap.Error(err))
	}
}

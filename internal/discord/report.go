package discord

import (
	"context"
	"fmt"
	"strings"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/rest"
	"github.com/robalyx/modguard/internal/moderation"
)

const (
	colorFlagged = 0xE74C3C
	colorPartial = 0xF39C12
)

// LogSink posts violation reports to a log channel.
type LogSink struct {
	rest Rest
}

// NewLogSink creates a LogSink backed by the given REST client.
func NewLogSink(client Rest) *LogSink {
	return &LogSink{rest: client}
}

// SendReport posts the report as an embed.
func (s *LogSink) SendReport(ctx context.Context, channelID string, report *moderation.Report) error {
	channel, err := parseID(channelID)
	if err != nil {
		return err
	}

	message := discord.NewMessageCreateBuilder().
		SetEmbeds(reportEmbed(report)).
		SetAllowedMentions(&discord.AllowedMentions{}).
		Build()

	if _, err := s.rest.CreateMessage(channel, message, rest.WithCtx(ctx)); err != nil {
		return fmt.Errorf("failed to send report: %w", classifyError(err))
	}

	return nil
}

// reportEmbed renders a report. Failed actions turn the embed orange.
func reportEmbed(report *moderation.Report) discord.Embed {
	color := colorFlagged
	if report.Delete == moderation.StatusForbidden || report.Delete == moderation.StatusFailed ||
		report.Timeout == moderation.StatusForbidden || report.Timeout == moderation.StatusFailed {
		color = colorPartial
	}

	message := fmt.Sprintf("<#%s>", report.ChannelID)
	if report.JumpURL != "" {
		message = fmt.Sprintf("[Jump to message](%s) in <#%s>", report.JumpURL, report.ChannelID)
	}

	builder := discord.NewEmbedBuilder().
		SetTitle("Message flagged").
		SetColor(color).
		SetTimestamp(report.CreatedAt).
		AddField("Author", fmt.Sprintf("<@%s> (`%s`)", report.AuthorID, report.AuthorID), true).
		AddField("Message", message, true).
		AddField("Top categories", formatScoreLines(report.TopScores), false).
		AddField("Deleted", actionLabel(report.Delete), true).
		AddField("Timeout", timeoutLabel(report), true)

	return builder.Build()
}

func formatScoreLines(scores []moderation.CategoryScore) string {
	if len(scores) == 0 {
		return "None"
	}

	lines := make([]string, 0, len(scores))
	for _, score := range scores {
		lines = append(lines, fmt.Sprintf("`%s` %.2f", score.Category, score.Score))
	}

	return strings.Join(lines, "\n")
}

func actionLabel(status moderation.ActionStatus) string {
	switch status {
	case moderation.StatusSucceeded:
		return "Yes"
	case moderation.StatusAlreadyDeleted:
		return "Already deleted"
	case moderation.StatusForbidden:
		return "Missing permission"
	case moderation.StatusFailed:
		return "Failed"
	case moderation.StatusSkipped:
		return "Disabled"
	default:
		return string(status)
	}
}

func timeoutLabel(report *moderation.Report) string {
	if report.Timeout == moderation.StatusSucceeded {
		return fmt.Sprintf("%d minutes", report.TimeoutMinutes)
	}

	return actionLabel(report.Timeout)
}

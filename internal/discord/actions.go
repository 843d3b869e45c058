package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/rest"
	"github.com/disgoorg/json"
	"github.com/disgoorg/snowflake/v2"
	"github.com/robalyx/modguard/internal/database/types"
	"github.com/robalyx/modguard/internal/moderation"
)

// MaxTimeout is the longest timeout the platform accepts.
const MaxTimeout = types.MaxTimeoutMinutes * time.Minute

// maxReasonLength is the audit log reason limit.
const maxReasonLength = 512

// ErrInvalidID is returned when an identifier is not a snowflake.
var ErrInvalidID = errors.New("invalid snowflake id")

// Rest is the subset of the REST client used for enforcement and reports.
type Rest interface {
	DeleteMessage(channelID snowflake.ID, messageID snowflake.ID, opts ...rest.RequestOpt) error
	UpdateMember(
		guildID snowflake.ID, userID snowflake.ID, memberUpdate discord.MemberUpdate, opts ...rest.RequestOpt,
	) (*discord.Member, error)
	CreateMessage(channelID snowflake.ID, messageCreate discord.MessageCreate, opts ...rest.RequestOpt) (*discord.Message, error)
}

// Actions performs enforcement through the REST API.
type Actions struct {
	rest Rest
	now  func() time.Time
}

// NewActions creates Actions backed by the given REST client.
func NewActions(client Rest) *Actions {
	return &Actions{
		rest: client,
		now:  time.Now,
	}
}

// DeleteMessage removes a message.
func (a *Actions) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	channel, err := parseID(channelID)
	if err != nil {
		return err
	}

	message, err := parseID(messageID)
	if err != nil {
		return err
	}

	if err := a.rest.DeleteMessage(channel, message, rest.WithCtx(ctx)); err != nil {
		return fmt.Errorf("failed to delete message %s: %w", messageID, classifyError(err))
	}

	return nil
}

// TimeoutMember disables communication for a member until now + duration.
func (a *Actions) TimeoutMember(ctx context.Context, scopeID, userID string, duration time.Duration, reason string) error {
	guild, err := parseID(scopeID)
	if err != nil {
		return err
	}

	user, err := parseID(userID)
	if err != nil {
		return err
	}

	update := discord.MemberUpdate{
		CommunicationDisabledUntil: json.NewNullablePtr(timeoutUntil(a.now(), duration)),
	}

	_, err = a.rest.UpdateMember(guild, user, update, rest.WithCtx(ctx), rest.WithReason(truncate(reason, maxReasonLength)))
	if err != nil {
		return fmt.Errorf("failed to time out member %s: %w", userID, classifyError(err))
	}

	return nil
}

// timeoutUntil caps duration at MaxTimeout.
func timeoutUntil(now time.Time, duration time.Duration) time.Time {
	return now.Add(min(duration, MaxTimeout)).UTC()
}

// classifyError tags REST errors with the moderation sentinels.
func classifyError(err error) error {
	var restErr *rest.Error
	if !errors.As(err, &restErr) || restErr.Response == nil {
		return err
	}

	switch restErr.Response.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %w", moderation.ErrNotFound, err)
	case http.StatusForbidden:
		return fmt.Errorf("%w: %w", moderation.ErrForbidden, err)
	default:
		return err
	}
}

func parseID(id string) (snowflake.ID, error) {
	parsed, err := snowflake.Parse(id)
	if err != nil || parsed == 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}

	return parsed, nil
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}

	return string(runes[:limit-3]) + "..."
}

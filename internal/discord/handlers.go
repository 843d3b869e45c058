package discord

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/snowflake/v2"
	"github.com/robalyx/modguard/internal/admin"
	"github.com/robalyx/modguard/internal/database/types"
	"github.com/robalyx/modguard/internal/database/types/enum"
	"github.com/robalyx/modguard/internal/threshold"
)

// Component custom ID prefixes.
const (
	feedbackPrefix = "modguard_feedback"
	resetPrefix    = "modguard_reset"
	resetConfirm   = "confirm"
	resetCancel    = "cancel"
)

var (
	// ErrUnknownCommand is returned for commands the bot does not handle.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrMissingPermission is returned when the user may not change settings.
	ErrMissingPermission = errors.New("you need the Manage Server permission")
	// ErrGuildOnly is returned for commands used outside a server.
	ErrGuildOnly = errors.New("this command only works in a server")
)

// ConfigService reads and changes scope settings.
type ConfigService interface {
	Config(ctx context.Context, scopeID string) (*types.ScopeConfig, error)
	Counters(ctx context.Context, scopeID string) (*types.Counters, error)
	SetModerationEnabled(ctx context.Context, scopeID string, enabled bool) error
	SetThreshold(ctx context.Context, scopeID string, threshold float64) (float64, error)
	SetTimeoutMinutes(ctx context.Context, scopeID string, minutes int) error
	SetLogChannel(ctx context.Context, scopeID string, channelID string) error
	ClearLogChannel(ctx context.Context, scopeID string) error
	SetDeleteOnViolation(ctx context.Context, scopeID string, enabled bool) error
	AddWhitelistedChannel(ctx context.Context, scopeID string, channelID string) error
	RemoveWhitelistedChannel(ctx context.Context, scopeID string, channelID string) error
	SetDebug(ctx context.Context, scopeID string, enabled bool) error
	SetAPIKey(ctx context.Context, scopeID string, apiKey string) error
	ClearAPIKey(ctx context.Context, scopeID string) error
}

// FeedbackController runs threshold feedback sessions.
type FeedbackController interface {
	OpenSession(ctx context.Context, scopeID, requesterID string) (*types.FeedbackSession, error)
	Vote(ctx context.Context, sessionID, voterID string, kind enum.Feedback) (*threshold.Summary, error)
}

// PendingCounters exposes recorded counts not yet persisted.
type PendingCounters interface {
	Pending(scopeID string) *types.Counters
}

// CounterResetter guards the counter reset.
type CounterResetter interface {
	IsOwner(userID string) bool
	Request(ownerID string) (*admin.Confirmation, error)
	Cancel(ownerID string)
	Confirm(ctx context.Context, ownerID, code string) error
}

// CommandOptions exposes the option values of a slash command.
type CommandOptions interface {
	Bool(name string) bool
	Float(name string) float64
	Int(name string) int
	OptString(name string) (string, bool)
	OptSnowflake(name string) (snowflake.ID, bool)
}

// Reply is an ephemeral interaction response.
type Reply struct {
	Content string
	Buttons []discord.InteractiveComponent
}

// MessageCreate converts the reply into an ephemeral message.
func (r Reply) MessageCreate() discord.MessageCreate {
	builder := discord.NewMessageCreateBuilder().
		SetContent(r.Content).
		SetEphemeral(true).
		SetAllowedMentions(&discord.AllowedMentions{})

	if len(r.Buttons) > 0 {
		builder.AddActionRow(r.Buttons...)
	}

	return builder.Build()
}

// MessageUpdate converts the reply into an update that also removes old buttons.
func (r Reply) MessageUpdate() discord.MessageUpdate {
	components := []discord.ContainerComponent{}
	if len(r.Buttons) > 0 {
		components = append(components, discord.NewActionRow(r.Buttons...))
	}

	return discord.MessageUpdate{
		Content:    &r.Content,
		Components: &components,
	}
}

// Handler implements the slash commands and buttons. It has no platform
// dependencies so it can be driven directly.
type Handler struct {
	configs  ConfigService
	pending  PendingCounters
	feedback FeedbackController
	resetter CounterResetter
	onVote   func(kind string, adjusted bool)
}

// NewHandler creates a Handler. onVote may be nil.
func NewHandler(
	configs ConfigService,
	pending PendingCounters,
	feedback FeedbackController,
	resetter CounterResetter,
	onVote func(kind string, adjusted bool),
) *Handler {
	if onVote == nil {
		onVote = func(string, bool) {}
	}

	return &Handler{
		configs:  configs,
		pending:  pending,
		feedback: feedback,
		resetter: resetter,
		onVote:   onVote,
	}
}

// Command handles /modguard. route is "group/subcommand" or "subcommand".
func (h *Handler) Command(
	ctx context.Context, scopeID, userID string, canManage bool, route string, opts CommandOptions,
) (Reply, error) {
	if route == SubcommandReset {
		return h.requestReset(userID)
	}

	if scopeID == "" {
		return Reply{}, ErrGuildOnly
	}

	if !canManage {
		return Reply{}, ErrMissingPermission
	}

	switch route {
	case SubcommandFeedback:
		return h.openFeedback(ctx, scopeID, userID)
	case SubcommandStats:
		return h.stats(ctx, scopeID)
	}

	group, sub, ok := strings.Cut(route, "/")
	if !ok || group != GroupConfig {
		return Reply{}, fmt.Errorf("%w: %s", ErrUnknownCommand, route)
	}

	return h.configure(ctx, scopeID, sub, opts)
}

// Component handles button presses. The returned reply replaces the
// message holding the button unless ephemeral is true.
func (h *Handler) Component(ctx context.Context, userID, customID string) (reply Reply, ephemeral bool, err error) {
	parts := strings.Split(customID, ":")

	switch {
	case len(parts) == 3 && parts[0] == feedbackPrefix:
		reply, err := h.vote(ctx, parts[1], userID, enum.Feedback(parts[2]))
		if errors.Is(err, threshold.ErrNotRequester) {
			return Reply{}, true, err
		}
		return reply, false, err
	case len(parts) >= 2 && parts[0] == resetPrefix && parts[1] == resetCancel:
		h.resetter.Cancel(userID)
		return Reply{Content: "Counter reset cancelled."}, false, nil
	case len(parts) == 3 && parts[0] == resetPrefix && parts[1] == resetConfirm:
		reply, err := h.confirmReset(ctx, userID, parts[2])
		if errors.Is(err, admin.ErrNotOwner) {
			return Reply{}, true, err
		}
		return reply, false, err
	default:
		return Reply{}, true, fmt.Errorf("%w: %s", ErrUnknownCommand, customID)
	}
}

// ErrorMessage renders an error for the user.
func ErrorMessage(err error) string {
	switch {
	case errors.Is(err, types.ErrSessionNotFound):
		return "This feedback session has expired. Run `/modguard feedback` again."
	case errors.Is(err, threshold.ErrNotRequester):
		return "Only the moderator who opened this feedback session can vote."
	case errors.Is(err, admin.ErrNotOwner):
		return "Only bot owners can reset counters."
	case errors.Is(err, admin.ErrNoPendingRequest):
		return "This reset request has expired. Run `/modguard reset-counters` again."
	case errors.Is(err, admin.ErrConfirmationFailed):
		return "This reset request was replaced by a newer one."
	case errors.Is(err, types.ErrInvalidTimeout):
		return fmt.Sprintf("The timeout must be between 0 and %d minutes (28 days).", types.MaxTimeoutMinutes)
	case errors.Is(err, ErrMissingPermission), errors.Is(err, ErrGuildOnly):
		return capitalize(err.Error()) + "."
	case errors.Is(err, ErrUnknownCommand):
		return "This command is not available."
	default:
		return "Something went wrong. Please try again later."
	}
}

func (h *Handler) openFeedback(ctx context.Context, scopeID, userID string) (Reply, error) {
	cfg, err := h.configs.Config(ctx, scopeID)
	if err != nil {
		return Reply{}, err
	}

	session, err := h.feedback.OpenSession(ctx, scopeID, userID)
	if err != nil {
		return Reply{}, err
	}

	customID := func(kind enum.Feedback) string {
		return fmt.Sprintf("%s:%s:%s", feedbackPrefix, session.ID, kind)
	}

	return Reply{
		Content: fmt.Sprintf(
			"The current threshold is **%.2f**. How is automated moderation doing?\nThis expires <t:%d:R>.",
			cfg.Threshold, session.ExpiresAt.Unix(),
		),
		Buttons: []discord.InteractiveComponent{
			discord.NewDangerButton(enum.FeedbackTooWeak.Label(), customID(enum.FeedbackTooWeak)),
			discord.NewSuccessButton(enum.FeedbackJustRight.Label(), customID(enum.FeedbackJustRight)),
			discord.NewPrimaryButton(enum.FeedbackTooStrict.Label(), customID(enum.FeedbackTooStrict)),
		},
	}, nil
}

func (h *Handler) vote(ctx context.Context, sessionID, userID string, kind enum.Feedback) (Reply, error) {
	summary, err := h.feedback.Vote(ctx, sessionID, userID, kind)
	if err != nil {
		return Reply{}, err
	}

	h.onVote(string(kind), summary.Adjusted)

	return Reply{Content: FormatSummary(summary)}, nil
}

// FormatSummary describes the effect of a vote.
func FormatSummary(summary *threshold.Summary) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Thanks! Recorded **%s**.\n", summary.Kind.Label())

	switch {
	case summary.Adjusted && summary.Before != summary.After:
		fmt.Fprintf(&b, "Threshold changed from %.2f to %.2f.", summary.Before, summary.After)
	case summary.Adjusted:
		fmt.Fprintf(&b, "Threshold stays at %.2f.", summary.After)
	default:
		fmt.Fprintf(&b, "Threshold stays at %.2f; the next adjustment is possible <t:%d:R>.",
			summary.After, summary.NextAdjustment.Unix())
	}

	fmt.Fprintf(&b, "\nVotes so far: %d too weak, %d just right, %d too strict.",
		summary.VotesTooWeak, summary.VotesJustRight, summary.VotesTooStrict)

	return b.String()
}

func (h *Handler) requestReset(userID string) (Reply, error) {
	confirmation, err := h.resetter.Request(userID)
	if err != nil {
		return Reply{}, err
	}

	return Reply{
		Content: fmt.Sprintf(
			"This permanently zeroes the counters of **every** server. Confirm <t:%d:R>.",
			confirmation.ExpiresAt.Unix(),
		),
		Buttons: []discord.InteractiveComponent{
			discord.NewDangerButton("Reset counters", fmt.Sprintf("%s:%s:%s", resetPrefix, resetConfirm, confirmation.Code)),
			discord.NewSecondaryButton("Cancel", fmt.Sprintf("%s:%s", resetPrefix, resetCancel)),
		},
	}, nil
}

func (h *Handler) confirmReset(ctx context.Context, userID, code string) (Reply, error) {
	if err := h.resetter.Confirm(ctx, userID, code); err != nil {
		return Reply{}, err
	}

	return Reply{Content: "All counters have been reset."}, nil
}

// stats shows persisted counters plus the deltas waiting for the next flush.
func (h *Handler) stats(ctx context.Context, scopeID string) (Reply, error) {
	counters, err := h.configs.Counters(ctx, scopeID)
	if err != nil {
		return Reply{}, err
	}
	counters.Add(h.pending.Pending(scopeID))

	return Reply{Content: FormatCounters(counters, 5)}, nil
}

// FormatCounters renders counters with the top n categories and users.
func FormatCounters(counters *types.Counters, n int) string {
	var b strings.Builder

	fmt.Fprintf(&b, "**Messages:** %d seen, %d flagged\n", counters.MessagesSeen, counters.MessagesFlagged)
	fmt.Fprintf(&b, "**Images:** %d seen, %d flagged\n", counters.ImagesSeen, counters.ImagesFlagged)
	fmt.Fprintf(&b, "**Timeouts:** %d issued, %d minutes total\n", counters.TimeoutsIssued, counters.TimeoutMinutesTotal)

	if top := topEntries(counters.CategoryHits, n); len(top) > 0 {
		b.WriteString("**Top categories:**")
		for _, entry := range top {
			fmt.Fprintf(&b, " `%s` %d", entry.key, entry.count)
		}
		b.WriteString("\n")
	}

	if top := topEntries(counters.ModeratedUsers, n); len(top) > 0 {
		b.WriteString("**Most moderated users:**")
		for _, entry := range top {
			fmt.Fprintf(&b, " <@%s> %d", entry.key, entry.count)
		}
		b.WriteString("\n")
	}

	return strings.TrimSuffix(b.String(), "\n")
}

type countEntry struct {
	key   string
	count int64
}

func topEntries(m map[string]int64, n int) []countEntry {
	entries := make([]countEntry, 0, len(m))
	for _, key := range slices.Sorted(maps.Keys(m)) {
		entries = append(entries, countEntry{key: key, count: m[key]})
	}

	slices.SortStableFunc(entries, func(a, b countEntry) int {
		return cmp.Compare(b.count, a.count)
	})

	return entries[:min(n, len(entries))]
}

func (h *Handler) configure(ctx context.Context, scopeID, sub string, opts CommandOptions) (Reply, error) {
	var content string

	switch sub {
	case ConfigShow:
		cfg, err := h.configs.Config(ctx, scopeID)
		if err != nil {
			return Reply{}, err
		}
		return Reply{Content: FormatConfig(cfg)}, nil

	case ConfigEnable:
		enabled := opts.Bool(OptionEnabled)
		if err := h.configs.SetModerationEnabled(ctx, scopeID, enabled); err != nil {
			return Reply{}, err
		}
		content = "Moderation " + onOff(enabled) + "."

	case ConfigThreshold:
		applied, err := h.configs.SetThreshold(ctx, scopeID, opts.Float(OptionValue))
		if err != nil {
			return Reply{}, err
		}
		content = fmt.Sprintf("Threshold set to %.2f.", applied)

	case ConfigTimeout:
		minutes := opts.Int(OptionMinutes)
		if err := h.configs.SetTimeoutMinutes(ctx, scopeID, minutes); err != nil {
			return Reply{}, err
		}
		if minutes == 0 {
			content = "Timeouts disabled."
		} else {
			content = fmt.Sprintf("Flagged authors are timed out for %d minutes.", minutes)
		}

	case ConfigLogChannel:
		channelID, ok := opts.OptSnowflake(OptionChannel)
		if !ok {
			if err := h.configs.ClearLogChannel(ctx, scopeID); err != nil {
				return Reply{}, err
			}
			content = "Violation reports disabled."
			break
		}
		if err := h.configs.SetLogChannel(ctx, scopeID, channelID.String()); err != nil {
			return Reply{}, err
		}
		content = fmt.Sprintf("Violation reports go to <#%s>.", channelID)

	case ConfigDelete:
		enabled := opts.Bool(OptionEnabled)
		if err := h.configs.SetDeleteOnViolation(ctx, scopeID, enabled); err != nil {
			return Reply{}, err
		}
		content = "Deleting flagged messages " + onOff(enabled) + "."

	case ConfigWhitelistAdd, ConfigWhitelistRemove:
		channelID, ok := opts.OptSnowflake(OptionChannel)
		if !ok {
			return Reply{}, fmt.Errorf("%w: missing channel", ErrUnknownCommand)
		}
		if sub == ConfigWhitelistAdd {
			if err := h.configs.AddWhitelistedChannel(ctx, scopeID, channelID.String()); err != nil {
				return Reply{}, err
			}
			content = fmt.Sprintf("<#%s> is no longer moderated.", channelID)
		} else {
			if err := h.configs.RemoveWhitelistedChannel(ctx, scopeID, channelID.String()); err != nil {
				return Reply{}, err
			}
			content = fmt.Sprintf("<#%s> is moderated again.", channelID)
		}

	case ConfigDebug:
		enabled := opts.Bool(OptionEnabled)
		if err := h.configs.SetDebug(ctx, scopeID, enabled); err != nil {
			return Reply{}, err
		}
		content = "Debug logging " + onOff(enabled) + "."

	case ConfigAPIKey:
		key, ok := opts.OptString(OptionKey)
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			if err := h.configs.ClearAPIKey(ctx, scopeID); err != nil {
				return Reply{}, err
			}
			content = "This server now uses the bot's classifier key."
			break
		}
		if err := h.configs.SetAPIKey(ctx, scopeID, key); err != nil {
			return Reply{}, err
		}
		content = "Classifier key saved."

	default:
		return Reply{}, fmt.Errorf("%w: config %s", ErrUnknownCommand, sub)
	}

	return Reply{Content: content}, nil
}

// FormatConfig renders a scope configuration. The API key is never shown.
func FormatConfig(cfg *types.ScopeConfig) string {
	var b strings.Builder

	fmt.Fprintf(&b, "**Moderation:** %s\n", onOff(cfg.ModerationEnabled))
	fmt.Fprintf(&b, "**Threshold:** %.2f\n", cfg.Threshold)

	if cfg.TimeoutMinutes > 0 {
		fmt.Fprintf(&b, "**Timeout:** %d minutes\n", cfg.TimeoutMinutes)
	} else {
		b.WriteString("**Timeout:** off\n")
	}

	fmt.Fprintf(&b, "**Delete flagged messages:** %s\n", onOff(cfg.DeleteOnViolation))

	if cfg.HasLogChannel() {
		fmt.Fprintf(&b, "**Log channel:** <#%s>\n", cfg.LogChannelID)
	} else {
		b.WriteString("**Log channel:** none\n")
	}

	if len(cfg.WhitelistedChannels) > 0 {
		channels := make([]string, 0, len(cfg.WhitelistedChannels))
		for _, id := range cfg.WhitelistedChannels {
			channels = append(channels, "<#"+id+">")
		}
		fmt.Fprintf(&b, "**Whitelisted channels:** %s\n", strings.Join(channels, ", "))
	} else {
		b.WriteString("**Whitelisted channels:** none\n")
	}

	fmt.Fprintf(&b, "**Debug:** %s\n", onOff(cfg.Debug))

	if cfg.APIKey != "" {
		b.WriteString("**Classifier key:** server specific")
	} else {
		b.WriteString("**Classifier key:** default")
	}

	if cfg.LastVoteTime != nil {
		fmt.Fprintf(&b, "\n**Last threshold adjustment:** <t:%d:R>", cfg.LastVoteTime.Unix())
	}

	return b.String()
}

func onOff(enabled bool) string {
	if enabled {
		return "enabled"
	}
	return "disabled"
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

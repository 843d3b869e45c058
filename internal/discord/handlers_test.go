package discord

import (
	"fmt"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/snowflake/v2"
	"github.com/redis/rueidis"
	"github.com/robalyx/modguard/internal/admin"
	"github.com/robalyx/modguard/internal/database"
	"github.com/robalyx/modguard/internal/database/types"
	"github.com/robalyx/modguard/internal/database/types/enum"
	"github.com/robalyx/modguard/internal/redis"
	"github.com/robalyx/modguard/internal/stats"
	"github.com/robalyx/modguard/internal/threshold"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testScope = "100"
	testUser  = "400"
	testOwner = "900"
)

type options map[string]any

func (o options) Bool(name string) bool {
	v, _ := o[name].(bool)
	return v
}

func (o options) Float(name string) float64 {
	v, _ := o[name].(float64)
	return v
}

func (o options) Int(name string) int {
	v, _ := o[name].(int)
	return v
}

func (o options) OptString(name string) (string, bool) {
	v, ok := o[name].(string)
	return v, ok
}

func (o options) OptSnowflake(name string) (snowflake.ID, bool) {
	v, ok := o[name].(snowflake.ID)
	return v, ok
}

type votes struct {
	kinds    []string
	adjusted []bool
}

type handlerSetup struct {
	handler *Handler
	gateway *database.Gateway
	buffer  *stats.Buffer
	votes   *votes
}

func setupHandler(t *testing.T) *handlerSetup {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)

	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress:  []string{mr.Addr()},
		DisableCache: true,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})

	logger := zap.NewNop()
	gateway := database.NewGateway(redis.NewStore(client, logger), logger)
	buffer := stats.NewBuffer(logger)
	controller := threshold.NewController(gateway, redis.NewSessionStore(client, logger), logger)
	resetter := admin.NewResetter(gateway, buffer, []string{testOwner}, logger)

	recorded := &votes{}
	handler := NewHandler(gateway, buffer, controller, resetter, func(kind string, adjusted bool) {
		recorded.kinds = append(recorded.kinds, kind)
		recorded.adjusted = append(recorded.adjusted, adjusted)
	})

	return &handlerSetup{handler: handler, gateway: gateway, buffer: buffer, votes: recorded}
}

func buttonIDs(reply Reply) []string {
	ids := make([]string, 0, len(reply.Buttons))
	for _, button := range reply.Buttons {
		ids = append(ids, button.(discord.ButtonComponent).CustomID)
	}
	return ids
}

func TestConfigCommands(t *testing.T) {
	t.Parallel()

	s := setupHandler(t)
	ctx := t.Context()

	tests := []struct {
		route   string
		opts    options
		content string
	}{
		{"config/enable", options{OptionEnabled: true}, "Moderation enabled."},
		{"config/threshold", options{OptionValue: 0.7}, "Threshold set to 0.70."},
		{"config/timeout", options{OptionMinutes: 15}, "Flagged authors are timed out for 15 minutes."},
		{"config/log-channel", options{OptionChannel: snowflake.ID(555)}, "Violation reports go to <#555>."},
		{"config/delete", options{OptionEnabled: true}, "Deleting flagged messages enabled."},
		{"config/whitelist-add", options{OptionChannel: snowflake.ID(777)}, "<#777> is no longer moderated."},
		{"config/debug", options{OptionEnabled: true}, "Debug logging enabled."},
		{"config/api-key", options{OptionKey: " sk-scope "}, "Classifier key saved."},
	}

	for _, tt := range tests {
		reply, err := s.handler.Command(ctx, testScope, testUser, true, tt.route, tt.opts)
		require.NoError(t, err, tt.route)
		assert.Equal(t, tt.content, reply.Content, tt.route)
	}

	cfg, err := s.gateway.Config(ctx, testScope)
	require.NoError(t, err)
	assert.True(t, cfg.ModerationEnabled)
	assert.InDelta(t, 0.7, cfg.Threshold, 1e-9)
	assert.Equal(t, 15, cfg.TimeoutMinutes)
	assert.Equal(t, "555", cfg.LogChannelID)
	assert.True(t, cfg.DeleteOnViolation)
	assert.Equal(t, []string{"777"}, cfg.WhitelistedChannels)
	assert.True(t, cfg.Debug)
	assert.Equal(t, "sk-scope", cfg.APIKey)

	reply, err := s.handler.Command(ctx, testScope, testUser, true, "config/show", options{})
	require.NoError(t, err)
	assert.Contains(t, reply.Content, "**Threshold:** 0.70")
	assert.Contains(t, reply.Content, "**Whitelisted channels:** <#777>")
	assert.Contains(t, reply.Content, "**Classifier key:** server specific")
	assert.NotContains(t, reply.Content, "sk-scope")

	// Options left empty clear the value
	_, err = s.handler.Command(ctx, testScope, testUser, true, "config/log-channel", options{})
	require.NoError(t, err)
	_, err = s.handler.Command(ctx, testScope, testUser, true, "config/api-key", options{})
	require.NoError(t, err)
	_, err = s.handler.Command(ctx, testScope, testUser, true, "config/whitelist-remove", options{OptionChannel: snowflake.ID(777)})
	require.NoError(t, err)

	cfg, err = s.gateway.Config(ctx, testScope)
	require.NoError(t, err)
	assert.Empty(t, cfg.LogChannelID)
	assert.Empty(t, cfg.APIKey)
	assert.Empty(t, cfg.WhitelistedChannels)
}

func TestCommandPermissions(t *testing.T) {
	t.Parallel()

	s := setupHandler(t)

	_, err := s.handler.Command(t.Context(), testScope, testUser, false, "config/enable", options{OptionEnabled: true})
	require.ErrorIs(t, err, ErrMissingPermission)
	assert.Equal(t, "You need the Manage Server permission.", ErrorMessage(err))

	_, err = s.handler.Command(t.Context(), "", testUser, true, SubcommandFeedback, options{})
	require.ErrorIs(t, err, ErrGuildOnly)

	_, err = s.handler.Command(t.Context(), testScope, testUser, true, "config/unknown", options{})
	require.ErrorIs(t, err, ErrUnknownCommand)

	_, err = s.handler.Command(t.Context(), testScope, testUser, true, "other/enable", options{})
	require.ErrorIs(t, err, ErrUnknownCommand)

	scopes, err := s.gateway.Scopes(t.Context())
	require.NoError(t, err)
	assert.Empty(t, scopes)
}

func TestFeedbackFlow(t *testing.T) {
	t.Parallel()

	s := setupHandler(t)
	ctx := t.Context()

	reply, err := s.handler.Command(ctx, testScope, testUser, true, SubcommandFeedback, options{})
	require.NoError(t, err)
	assert.Contains(t, reply.Content, "**0.50**")

	ids := buttonIDs(reply)
	require.Len(t, ids, 3)
	for _, id := range ids {
		assert.True(t, strings.HasPrefix(id, feedbackPrefix+":"), id)
	}

	tooWeak := ids[0]
	require.True(t, strings.HasSuffix(tooWeak, ":"+string(enum.FeedbackTooWeak)))

	// Another moderator cannot vote on this session
	_, ephemeral, err := s.handler.Component(ctx, "401", tooWeak)
	require.ErrorIs(t, err, threshold.ErrNotRequester)
	assert.True(t, ephemeral)

	update, ephemeral, err := s.handler.Component(ctx, testUser, tooWeak)
	require.NoError(t, err)
	assert.False(t, ephemeral)
	assert.Contains(t, update.Content, "Threshold changed from 0.50 to 0.49.")
	assert.Contains(t, update.Content, "Votes so far: 1 too weak, 0 just right, 0 too strict.")

	// The session is consumed by the first vote
	_, _, err = s.handler.Component(ctx, testUser, ids[2])
	require.ErrorIs(t, err, types.ErrSessionNotFound)

	assert.Equal(t, []string{string(enum.FeedbackTooWeak)}, s.votes.kinds)
	assert.Equal(t, []bool{true}, s.votes.adjusted)

	// A second session within the cooldown only counts the vote
	reply, err = s.handler.Command(ctx, testScope, testUser, true, SubcommandFeedback, options{})
	require.NoError(t, err)

	update, _, err = s.handler.Component(ctx, testUser, buttonIDs(reply)[2])
	require.NoError(t, err)
	assert.Contains(t, update.Content, "Threshold stays at 0.49; the next adjustment is possible")
	assert.Equal(t, []bool{true, false}, s.votes.adjusted)
}

func TestResetFlow(t *testing.T) {
	t.Parallel()

	s := setupHandler(t)
	ctx := t.Context()

	delta := types.NewCounters()
	delta.MessagesSeen = 3
	require.NoError(t, s.gateway.MergeCounters(ctx, testScope, delta))
	s.buffer.Record(testScope, delta)

	_, err := s.handler.Command(ctx, testScope, testUser, true, SubcommandReset, options{})
	require.ErrorIs(t, err, admin.ErrNotOwner)

	reply, err := s.handler.Command(ctx, "", testOwner, false, SubcommandReset, options{})
	require.NoError(t, err)

	ids := buttonIDs(reply)
	require.Len(t, ids, 2)
	confirm, cancel := ids[0], ids[1]
	assert.Equal(t, resetPrefix+":"+resetCancel, cancel)

	_, ephemeral, err := s.handler.Component(ctx, testUser, confirm)
	require.ErrorIs(t, err, admin.ErrNotOwner)
	assert.True(t, ephemeral)

	update, _, err := s.handler.Component(ctx, testOwner, confirm)
	require.NoError(t, err)
	assert.Equal(t, "All counters have been reset.", update.Content)

	counters, err := s.gateway.Counters(ctx, testScope)
	require.NoError(t, err)
	assert.True(t, counters.IsZero())
	assert.True(t, s.buffer.Pending(testScope).IsZero())

	// A used confirmation cannot run twice
	_, _, err = s.handler.Component(ctx, testOwner, confirm)
	require.ErrorIs(t, err, admin.ErrNoPendingRequest)

	// Cancelled requests cannot be confirmed
	reply, err = s.handler.Command(ctx, "", testOwner, false, SubcommandReset, options{})
	require.NoError(t, err)

	update, _, err = s.handler.Component(ctx, testOwner, cancel)
	require.NoError(t, err)
	assert.Equal(t, "Counter reset cancelled.", update.Content)

	_, _, err = s.handler.Component(ctx, testOwner, buttonIDs(reply)[0])
	require.ErrorIs(t, err, admin.ErrNoPendingRequest)
}

func TestStatsCommand(t *testing.T) {
	t.Parallel()

	s := setupHandler(t)
	ctx := t.Context()

	delta := types.NewCounters()
	delta.MessagesSeen = 10
	delta.MessagesFlagged = 2
	delta.TimeoutsIssued = 1
	delta.TimeoutMinutesTotal = 5
	delta.CategoryHits["harassment"] = 2
	delta.CategoryHits["hate"] = 1
	delta.ModeratedUsers[testUser] = 2
	require.NoError(t, s.gateway.MergeCounters(ctx, testScope, delta))

	reply, err := s.handler.Command(ctx, testScope, testUser, true, SubcommandStats, options{})
	require.NoError(t, err)

	assert.Equal(t, fmt.Sprintf(
		"**Messages:** 10 seen, 2 flagged\n"+
			"**Images:** 0 seen, 0 flagged\n"+
			"**Timeouts:** 1 issued, 5 minutes total\n"+
			"**Top categories:** `harassment` 2 `hate` 1\n"+
			"**Most moderated users:** <@%s> 2", testUser), reply.Content)
}

func TestStatsCommandIncludesUnflushedCounts(t *testing.T) {
	t.Parallel()

	s := setupHandler(t)
	ctx := t.Context()

	persisted := types.NewCounters()
	persisted.MessagesSeen = 4
	persisted.MessagesFlagged = 1
	persisted.CategoryHits["hate"] = 1
	require.NoError(t, s.gateway.MergeCounters(ctx, testScope, persisted))

	unflushed := types.NewCounters()
	unflushed.MessagesSeen = 2
	unflushed.MessagesFlagged = 1
	unflushed.ImagesSeen = 1
	unflushed.CategoryHits["hate"] = 1
	unflushed.ModeratedUsers[testUser] = 1
	s.buffer.Record(testScope, unflushed)

	reply, err := s.handler.Command(ctx, testScope, testUser, true, SubcommandStats, options{})
	require.NoError(t, err)

	assert.Equal(t, fmt.Sprintf(
		"**Messages:** 6 seen, 2 flagged\n"+
			"**Images:** 1 seen, 0 flagged\n"+
			"**Timeouts:** 0 issued, 0 minutes total\n"+
			"**Top categories:** `hate` 2\n"+
			"**Most moderated users:** <@%s> 1", testUser), reply.Content)

	// Pending counts are shown, not consumed
	assert.Equal(t, int64(2), s.buffer.Pending(testScope).MessagesSeen)
}

func TestTopEntries(t *testing.T) {
	t.Parallel()

	entries := topEntries(map[string]int64{"b": 2, "a": 2, "c": 5, "d": 1}, 3)

	assert.Equal(t, []countEntry{{"c", 5}, {"a", 2}, {"b", 2}}, entries)
	assert.Empty(t, topEntries(nil, 3))
}

func TestErrorMessageFallsBack(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "Something went wrong. Please try again later.", ErrorMessage(fmt.Errorf("boom")))
	assert.Equal(t, "This command is not available.", ErrorMessage(ErrUnknownCommand))
	assert.Equal(t, "The timeout must be between 0 and 40320 minutes (28 days).",
		ErrorMessage(fmt.Errorf("%w: 50000", types.ErrInvalidTimeout)))
}

package main

import (
	"strings"
	"testing"

	"github.com/robalyx/modguard/internal/database/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteCounters(t *testing.T) {
	t.Parallel()

	counters := types.NewCounters()
	counters.MessagesSeen = 12
	counters.MessagesFlagged = 3
	counters.CategoryHits["hate"] = 1
	counters.CategoryHits["harassment"] = 2
	counters.ModeratedUsers["42"] = 3

	var out strings.Builder
	require.NoError(t, writeCounters(&out, "global", counters))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 10)
	assert.Equal(t, []string{"scope", "global"}, strings.Fields(lines[0]))
	assert.Equal(t, []string{"messages", "seen", "12"}, strings.Fields(lines[1]))
	assert.Equal(t, []string{"category", "harassment", "2"}, strings.Fields(lines[7]))
	assert.Equal(t, []string{"category", "hate", "1"}, strings.Fields(lines[8]))
	assert.Equal(t, []string{"user", "42", "3"}, strings.Fields(lines[9]))

	// Values share one column
	assert.Equal(t, strings.Index(lines[0], "global"), strings.Index(lines[7], "2"))
}

func TestWriteScopes(t *testing.T) {
	t.Parallel()

	enabled := types.NewScopeConfig("100")
	enabled.ModerationEnabled = true
	enabled.LogChannelID = "555"

	var out strings.Builder
	require.NoError(t, writeScopes(&out, []*types.ScopeConfig{enabled, types.NewScopeConfig("200")}))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, []string{"100", "true", "0.50", "0", "false", "555"}, strings.Fields(lines[1]))
	assert.Equal(t, []string{"200", "false", "0.50", "0", "false", "-"}, strings.Fields(lines[2]))
}

func TestOwnerIDs(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"1", "18446744073709551615"}, ownerIDs([]uint64{1, ^uint64(0)}))
	assert.Empty(t, ownerIDs(nil))
}

func TestSortedByCount(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"c", "a", "b"}, sortedByCount(map[string]int64{"a": 2, "b": 2, "c": 3}))
}

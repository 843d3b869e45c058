package database_test

import (
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/robalyx/modguard/internal/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestHookKeepsWriteArgumentsOutOfLogs(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	hook := database.NewHook(zap.New(core))

	const apiKey = "sk-scope-secret"
	tests := []struct {
		name    string
		query   string
		err     error
		started time.Time
		level   zapcore.Level
	}{
		{
			name:    "failed upsert",
			query:   fmt.Sprintf(`INSERT INTO "scope_configs" ("scope_id", "api_key") VALUES ('1', '%s')`, apiKey),
			err:     errors.New("connection reset"),
			started: time.Now(),
			level:   zapcore.ErrorLevel,
		},
		{
			name:    "slow update",
			query:   fmt.Sprintf(`UPDATE "scope_configs" SET "api_key" = '%s'`, apiKey),
			started: time.Now().Add(-2 * time.Second),
			level:   zapcore.WarnLevel,
		},
	}

	for _, tt := range tests {
		hook.AfterQuery(t.Context(), &bun.QueryEvent{Query: tt.query, Err: tt.err, StartTime: tt.started})
	}

	entries := logs.AllUntimed()
	require.Len(t, entries, len(tests))
	for i, entry := range entries {
		assert.Equal(t, tests[i].level, entry.Level, tests[i].name)
		assert.NotContains(t, fmt.Sprint(entry.ContextMap()), apiKey, tests[i].name)
		assert.NotContains(t, entry.Message, apiKey, tests[i].name)
	}
}

func TestHookLogsReads(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	hook := database.NewHook(zap.New(core))

	query := `SELECT "scope_id" FROM "scope_configs"`
	hook.AfterQuery(t.Context(), &bun.QueryEvent{Query: query, Err: errors.New("timeout"), StartTime: time.Now()})

	entries := logs.FilterMessage("Query failed").AllUntimed()
	require.Len(t, entries, 1)
	assert.Equal(t, query, entries[0].ContextMap()["query"])
}

func TestHookMissingRowIsNotAnError(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	hook := database.NewHook(zap.New(core))

	hook.AfterQuery(t.Context(), &bun.QueryEvent{
		Query:     `SELECT * FROM "scope_configs" WHERE "scope_id" = '1'`,
		Err:       fmt.Errorf("get config: %w", sql.ErrNoRows),
		StartTime: time.Now(),
	})

	assert.Zero(t, logs.FilterLevelExact(zapcore.ErrorLevel).Len())
	assert.Equal(t, 1, logs.FilterMessage("Query returned no rows").Len())
}

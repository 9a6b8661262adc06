package store

import (
	"context"
	"path/filepath"
	"testing"

	"concord/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestSQLite(t *testing.T, path string) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		return openTestSQLite(t, filepath.Join(t.TempDir(), "events.db"))
	})
}

func TestSQLiteStoreRequiresPath(t *testing.T) {
	_, err := OpenSQLite(context.Background(), "  ")
	assert.Error(t, err)
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "events.db")

	create := mkEvent(t, "create")
	msg := mkEvent(t, "hello", create.EventID)

	s, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	mustAppend(t, s, create, Accepted)
	mustAppend(t, s, msg, Accepted)
	require.NoError(t, s.AckCursor(ctx, "b.example", testRoom, 1))
	require.NoError(t, s.Close())

	reopened := openTestSQLite(t, path)

	rec, err := reopened.Get(ctx, msg.EventID)
	require.NoError(t, err)
	assert.Equal(t, msg.PrevEvents, rec.Event.PrevEvents)

	frontier, err := reopened.Frontier(ctx, testRoom)
	require.NoError(t, err)
	assert.Equal(t, []types.EventID{msg.EventID}, frontier)

	pos, err := reopened.Cursor(ctx, "b.example", testRoom)
	require.NoError(t, err)
	assert.Equal(t, Position(1), pos)
}

func TestExtractUp(t *testing.T) {
	content := "-- +migrate Up\nCREATE TABLE a (x INT);\n-- +migrate Down\nDROP TABLE a;\n"
	assert.Equal(t, "\nCREATE TABLE a (x INT);\n", extractUp(content))
	assert.Equal(t, "SELECT 1;", extractUp("SELECT 1;"))
}

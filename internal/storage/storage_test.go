package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "pushclient/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "none"}, logx.Nop())
	require.NoError(t, err)
	assert.Nil(t, st)

	_, err = Open(Config{Driver: "redis"}, logx.Nop())
	assert.Error(t, err)
}

func TestDrivers(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"memory", "file", "sqlite"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			dir := t.TempDir()
			st, err := Open(Config{Driver: driver, Path: filepath.Join(dir, "push.db")}, logx.Nop())
			require.NoError(t, err)
			defer st.Close()

			ctx := context.Background()
			_, ok, err := st.Seen(ctx, "m1")
			require.NoError(t, err)
			assert.False(t, ok)

			until := time.Now().Add(time.Hour)
			require.NoError(t, st.MarkSeen(ctx, "m1", until))
			require.NoError(t, st.MarkSeen(ctx, "old", time.Now().Add(-time.Minute)))

			got, ok, err := st.Seen(ctx, "m1")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, until.UnixMilli(), got.UnixMilli())

			_, ok, err = st.Seen(ctx, "old")
			require.NoError(t, err)
			assert.False(t, ok, "expired entries are not seen")

			require.NoError(t, st.AppendDelivery(ctx, DeliveryEntry{MessageID: "m1", Stage: "shown", Priority: 3}))
		})
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state", "push.json")
	ctx := context.Background()

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.MarkSeen(ctx, "m1", time.Now().Add(time.Hour)))
	require.NoError(t, st.AppendDelivery(ctx, DeliveryEntry{MessageID: "m1", Stage: "clicked"}))
	require.NoError(t, st.Close())

	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	_, ok, err := st.Seen(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, ok)

	b, err := os.ReadFile(filepath.Join(filepath.Dir(path), "push.deliveries.jsonl"))
	require.NoError(t, err)
	assert.Contains(t, string(b), `"stage":"clicked"`)
}

func TestClosedMemoryStore(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	require.NoError(t, m.AppendDelivery(context.Background(), DeliveryEntry{MessageID: "a", Stage: "shown"}))
	assert.Len(t, m.Journal(), 1)
	require.NoError(t, m.Close())
	assert.ErrorIs(t, m.MarkSeen(context.Background(), "a", time.Now()), ErrClosed)
}

package maintenance

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipeed/wabridge/pkg/storage/sqlstore"
)

func TestNewPrunerValidates(t *testing.T) {
	_, err := NewPruner(nil, "not a cron", time.Hour)
	assert.Error(t, err)

	_, err = NewPruner(nil, "0 3 * * *", 0)
	assert.Error(t, err)

	p, err := NewPruner(nil, "0 3 * * *", time.Hour)
	require.NoError(t, err)
	assert.NotNil(t, p)
}

func TestPruneOnceRemovesOldEntries(t *testing.T) {
	store, err := sqlstore.NewSQLiteStorage(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, store.Connect(context.Background()))
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.Audit().Append(ctx, "POST /api/v1/connect", nil, "127.0.0.1"))

	p, err := NewPruner(store.Audit(), "0 3 * * *", time.Hour)
	require.NoError(t, err)

	n, err := p.PruneOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	// Two hours later the entry is outside the one hour window.
	p.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	n, err = p.PruneOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	entries, err := store.Audit().List(ctx, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

type countingPruner struct{ calls chan time.Time }

func (c *countingPruner) Prune(_ context.Context, before time.Time) (int64, error) {
	c.calls <- before
	return 0, nil
}

func TestRunStopsOnCancel(t *testing.T) {
	c := &countingPruner{calls: make(chan time.Time, 1)}
	p, err := NewPruner(c, "0 3 * * *", time.Hour)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pruner did not stop")
	}
	assert.Len(t, c.calls, 0)
}

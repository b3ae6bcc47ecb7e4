package badger

import (
	"context"
	"testing"
	"time"

	health "edgefleet/internal/health/domain"
	syncer "edgefleet/internal/syncer/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func batchAt(id string, at time.Time) syncer.Batch {
	return syncer.Batch{
		ID:          id,
		DeviceID:    "dev-1",
		CreatedAt:   at,
		Submissions: []syncer.Submission{{Timestamp: at, Sample: health.Sample{CPU: 10}}},
	}
}

func TestBufferPutListDelete(t *testing.T) {
	buf, err := Open(Config{InMemory: true})
	require.NoError(t, err)
	defer buf.Close()

	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	require.NoError(t, buf.Put(ctx, batchAt("b-late", t0.Add(time.Minute))))
	require.NoError(t, buf.Put(ctx, batchAt("b-early", t0)))

	batches, err := buf.List(ctx)
	require.NoError(t, err)
	require.Len(t, batches, 2)
	assert.Equal(t, "b-early", batches[0].ID)
	assert.Equal(t, 10.0, batches[0].Submissions[0].Sample.CPU)

	updated := batches[0]
	updated.Attempts = 3
	require.NoError(t, buf.Put(ctx, updated))
	require.NoError(t, buf.Delete(ctx, "b-late"))
	require.NoError(t, buf.Delete(ctx, "missing"))

	batches, err = buf.List(ctx)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, 3, batches[0].Attempts)
}

func TestBufferPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	buf, err := Open(Config{Path: dir})
	require.NoError(t, err)
	require.NoError(t, buf.Put(context.Background(), batchAt("b-1", time.Now().UTC())))
	require.NoError(t, buf.Close())

	buf, err = Open(Config{Path: dir})
	require.NoError(t, err)
	defer buf.Close()
	batches, err := buf.List(context.Background())
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, "b-1", batches[0].ID)
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}

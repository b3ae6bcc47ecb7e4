package memory

import (
	"context"
	"sort"
	"sync"

	syncer "edgefleet/internal/syncer/domain"
)

// Buffer is an in-process batch buffer for tests and ephemeral agents.
type Buffer struct {
	mu      sync.Mutex
	batches map[string]syncer.Batch
}

// NewBuffer constructs an empty buffer.
func NewBuffer() *Buffer {
	return &Buffer{batches: make(map[string]syncer.Batch)}
}

// Put implements syncer.Buffer.
func (b *Buffer) Put(_ context.Context, batch syncer.Batch) error {
	b.mu.Lock()
	b.batches[batch.ID] = batch
	b.mu.Unlock()
	return nil
}

// List implements syncer.Buffer, oldest first.
func (b *Buffer) List(_ context.Context) ([]syncer.Batch, error) {
	b.mu.Lock()
	out := make([]syncer.Batch, 0, len(b.batches))
	for _, batch := range b.batches {
		out = append(out, batch)
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Delete implements syncer.Buffer.
func (b *Buffer) Delete(_ context.Context, batchID string) error {
	b.mu.Lock()
	delete(b.batches, batchID)
	b.mu.Unlock()
	return nil
}

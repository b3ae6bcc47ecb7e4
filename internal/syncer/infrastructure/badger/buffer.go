package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	syncer "edgefleet/internal/syncer/domain"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

const batchPrefix = "batch/"

// Config selects where the buffer lives.
type Config struct {
	Path     string
	InMemory bool
	Logger   *zap.Logger
}

// Buffer is a Badger-backed syncer.Buffer that survives agent restarts.
type Buffer struct {
	db *badger.DB
}

// Open opens or creates the buffer database.
func Open(cfg Config) (*Buffer, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badger buffer: path is required")
	}
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(cfg.Path)
	}
	if cfg.Logger != nil {
		opts = opts.WithLogger(zapLogger{cfg.Logger.Sugar()})
	} else {
		opts = opts.WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger buffer: open: %w", err)
	}
	return &Buffer{db: db}, nil
}

// Close releases the database.
func (b *Buffer) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

// Put implements syncer.Buffer. Putting an existing id replaces it.
func (b *Buffer) Put(_ context.Context, batch syncer.Batch) error {
	if batch.ID == "" {
		return errors.New("badger buffer: empty batch id")
	}
	payload, err := json.Marshal(batch)
	if err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(batchKey(batch.ID), payload)
	})
}

// List implements syncer.Buffer, oldest first.
func (b *Buffer) List(_ context.Context) ([]syncer.Batch, error) {
	var out []syncer.Batch
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(batchPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var batch syncer.Batch
				if err := json.Unmarshal(val, &batch); err != nil {
					return fmt.Errorf("badger buffer: decode %s: %w", it.Item().Key(), err)
				}
				out = append(out, batch)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Delete implements syncer.Buffer. Missing ids are ignored.
func (b *Buffer) Delete(_ context.Context, batchID string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(batchKey(batchID))
	})
}

func batchKey(id string) []byte {
	return []byte(batchPrefix + id)
}

type zapLogger struct {
	s *zap.SugaredLogger
}

func (l zapLogger) Errorf(format string, args ...interface{})   { l.s.Errorf(format, args...) }
func (l zapLogger) Warningf(format string, args ...interface{}) { l.s.Warnf(format, args...) }
func (l zapLogger) Infof(format string, args ...interface{})    { l.s.Debugf(format, args...) }
func (l zapLogger) Debugf(format string, args ...interface{})   { l.s.Debugf(format, args...) }

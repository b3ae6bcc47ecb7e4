package syncer

import (
	"context"
	"errors"
	"sort"
	"time"

	health "edgefleet/internal/health/domain"
)

// MaxAttempts caps delivery attempts per batch before it is terminal.
const MaxAttempts = 10

var ErrEmptyBatch = errors.New("syncer: empty batch")

// Submission is one timestamped sample inside a batch.
type Submission struct {
	Timestamp time.Time     `json:"timestamp"`
	Sample    health.Sample `json:"sample"`
}

// Batch is a group of samples delivered together from the agent buffer.
type Batch struct {
	ID            string       `json:"id"`
	DeviceID      string       `json:"device_id"`
	Submissions   []Submission `json:"submissions"`
	CreatedAt     time.Time    `json:"created_at"`
	Attempts      int          `json:"attempts"`
	NextAttemptAt time.Time    `json:"next_attempt_at"`
	LastError     string       `json:"last_error,omitempty"`
	Terminal      bool         `json:"terminal"`
}

// Validate checks batch invariants.
func (b Batch) Validate() error {
	if b.ID == "" || b.DeviceID == "" {
		return errors.New("syncer: batch id and device id are required")
	}
	if len(b.Submissions) == 0 {
		return ErrEmptyBatch
	}
	return nil
}

// Ordered returns the submissions sorted by client timestamp.
func (b Batch) Ordered() []Submission {
	out := make([]Submission, len(b.Submissions))
	copy(out, b.Submissions)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// Due reports whether the batch should be attempted at now.
func (b Batch) Due(now time.Time) bool {
	return !b.Terminal && !now.Before(b.NextAttemptAt)
}

// SyncLog records one batch delivery attempt.
type SyncLog struct {
	ID           string    `json:"id"`
	BatchID      string    `json:"batch_id"`
	DeviceID     string    `json:"device_id"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	Success      bool      `json:"success"`
	RetryCount   int       `json:"retry_count"`
	Accepted     int       `json:"accepted"`
	Rejected     int       `json:"rejected"`
	ErrorCode    string    `json:"error_code,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

// SampleResult is the per-sample outcome of a delivered batch.
type SampleResult struct {
	Timestamp time.Time `json:"timestamp"`
	Accepted  bool      `json:"accepted"`
	Status    string    `json:"status,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

// Buffer is the durable queue of pending batches on the agent.
type Buffer interface {
	Put(ctx context.Context, batch Batch) error
	List(ctx context.Context) ([]Batch, error)
	Delete(ctx context.Context, batchID string) error
}

// LogRepository persists sync logs.
type LogRepository interface {
	Save(ctx context.Context, log SyncLog) error
	ListByDevice(ctx context.Context, deviceID string, limit int) ([]SyncLog, error)
}

// TerminalFailure is reported to the engine when a batch exhausts its attempts.
type TerminalFailure struct {
	BatchID   string    `json:"batch_id" validate:"required"`
	Attempts  int       `json:"attempts" validate:"gte=1"`
	LastError string    `json:"last_error"`
	FailedAt  time.Time `json:"failed_at" validate:"required"`
}

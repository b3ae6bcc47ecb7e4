package predictive

import "time"

// JobStatus is the lifecycle of a fleet recompute.
type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobCancelled JobStatus = "cancelled"
	JobFailed    JobStatus = "failed"
)

// Job is a snapshot of a fleet recompute.
type Job struct {
	ID         string    `json:"id"`
	Status     JobStatus `json:"status"`
	Total      int       `json:"total"`
	Processed  int       `json:"processed"`
	Failed     int       `json:"failed"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// Done reports whether the job reached a final status.
func (j Job) Done() bool {
	return j.Status != JobRunning
}

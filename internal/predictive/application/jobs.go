package application

import (
	"context"
	"errors"
	"sort"
	"sync"

	"edgefleet/internal/apperr"
	devices "edgefleet/internal/devices/domain"
	"edgefleet/internal/observability/metrics"
	predictive "edgefleet/internal/predictive/domain"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency bounds parallel per-device forecasts in a fleet job.
const DefaultConcurrency = 4

type jobHandle struct {
	job    predictive.Job
	cancel context.CancelFunc
	done   chan struct{}
}

// Jobs runs fleet-wide recomputes in the background.
type Jobs struct {
	analyzer    *Analyzer
	concurrency int

	mu   sync.Mutex
	jobs map[string]*jobHandle
}

// NewJobs constructs a job runner.
func NewJobs(analyzer *Analyzer, concurrency int) (*Jobs, error) {
	if analyzer == nil {
		return nil, errors.New("predictive jobs: nil analyzer")
	}
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Jobs{analyzer: analyzer, concurrency: concurrency, jobs: make(map[string]*jobHandle)}, nil
}

// Start launches a recompute over all active devices and returns its snapshot.
func (j *Jobs) Start(ctx context.Context) (predictive.Job, error) {
	active, err := j.analyzer.devices.ListActive(ctx)
	if err != nil {
		return predictive.Job{}, err
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	handle := &jobHandle{
		job: predictive.Job{
			ID:        j.analyzer.newID(),
			Status:    predictive.JobRunning,
			Total:     len(active),
			StartedAt: j.analyzer.clock.Now(),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	j.mu.Lock()
	j.jobs[handle.job.ID] = handle
	snapshot := handle.job
	j.mu.Unlock()

	j.analyzer.logger.Info("forecast job started", zap.String("job_id", snapshot.ID), zap.Int("devices", snapshot.Total))
	go j.run(runCtx, handle, active)
	return snapshot, nil
}

// RecomputeFleet runs a recompute synchronously and returns the final snapshot.
func (j *Jobs) RecomputeFleet(ctx context.Context) (predictive.Job, error) {
	job, err := j.Start(ctx)
	if err != nil {
		return job, err
	}
	return j.Wait(ctx, job.ID)
}

// Wait blocks until the job finishes or ctx is done. Cancelling ctx cancels the job.
func (j *Jobs) Wait(ctx context.Context, id string) (predictive.Job, error) {
	handle, err := j.handle(id)
	if err != nil {
		return predictive.Job{}, err
	}
	select {
	case <-handle.done:
	case <-ctx.Done():
		handle.cancel()
		<-handle.done
	}
	return j.Get(id)
}

// Get returns a job snapshot.
func (j *Jobs) Get(id string) (predictive.Job, error) {
	handle, err := j.handle(id)
	if err != nil {
		return predictive.Job{}, err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return handle.job, nil
}

// List returns job snapshots, newest first.
func (j *Jobs) List() []predictive.Job {
	j.mu.Lock()
	out := make([]predictive.Job, 0, len(j.jobs))
	for _, h := range j.jobs {
		out = append(out, h.job)
	}
	j.mu.Unlock()
	sort.Slice(out, func(a, b int) bool { return out[a].StartedAt.After(out[b].StartedAt) })
	return out
}

// Cancel requests cooperative cancellation. Devices already in flight finish.
func (j *Jobs) Cancel(id string) (predictive.Job, error) {
	handle, err := j.handle(id)
	if err != nil {
		return predictive.Job{}, err
	}
	handle.cancel()
	return j.Get(id)
}

func (j *Jobs) handle(id string) (*jobHandle, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	handle, ok := j.jobs[id]
	if !ok {
		return nil, apperr.NotFound("forecast_job", id)
	}
	return handle, nil
}

func (j *Jobs) run(ctx context.Context, handle *jobHandle, active []devices.Device) {
	defer close(handle.done)
	defer handle.cancel()

	var g errgroup.Group
	g.SetLimit(j.concurrency)
	for _, device := range active {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			_, err := j.analyzer.compute(ctx, device)
			metrics.IncForecast(err)
			j.mu.Lock()
			handle.job.Processed++
			if err != nil {
				handle.job.Failed++
			}
			j.mu.Unlock()
			if err != nil {
				j.analyzer.logger.Warn("forecast failed", zap.String("device_id", device.ID), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	j.mu.Lock()
	defer j.mu.Unlock()
	handle.job.FinishedAt = j.analyzer.clock.Now()
	switch {
	case ctx.Err() != nil && handle.job.Processed < handle.job.Total:
		handle.job.Status = predictive.JobCancelled
	case handle.job.Total > 0 && handle.job.Failed == handle.job.Total:
		handle.job.Status = predictive.JobFailed
		handle.job.Error = "every device forecast failed"
	default:
		handle.job.Status = predictive.JobCompleted
	}
	j.analyzer.logger.Info("forecast job finished",
		zap.String("job_id", handle.job.ID),
		zap.String("status", string(handle.job.Status)),
		zap.Int("processed", handle.job.Processed),
		zap.Int("failed", handle.job.Failed),
	)
}

package jobs

import (
	"context"
	"fmt"

	"github.com/kozaktomas/photo-faces/internal/database"
	"go.uber.org/zap"
)

// Reporter is handed to a running handler to report progress and to share
// executor-wide resources.
type Reporter struct {
	executor *Executor
	jobID    string
	logger   *zap.Logger
}

func (r *Reporter) JobID() string { return r.jobID }

func (r *Reporter) Logger() *zap.Logger { return r.logger }

// Progress records percent (clamped to 0..100) and a phase message.
// Store errors are logged; progress is advisory.
func (r *Reporter) Progress(ctx context.Context, percent int, phase string) {
	percent = min(max(percent, 0), 100)
	if err := r.executor.store.UpdateJobProgress(context.WithoutCancel(ctx), r.jobID, percent, phase); err != nil {
		r.logger.Warn("failed to update progress", zap.Error(err))
	}
	r.executor.events.send(Event{JobID: r.jobID, Type: "progress", Status: database.JobStatusRunning, Progress: percent, Phase: phase})
}

// Acquire takes one slot of a named resource and returns its release function.
// Unknown resources are unlimited.
func (r *Reporter) Acquire(ctx context.Context, resource string) (func(), error) {
	sem, ok := r.executor.resources[resource]
	if !ok {
		return func() {}, nil
	}
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire %s slot: %w", resource, err)
	}
	return func() { sem.Release(1) }, nil
}

// Pace blocks until the inter-batch delay has elapsed since the previous batch
// of any job.
func (r *Reporter) Pace(ctx context.Context) error {
	if r.executor.pacer == nil {
		return nil
	}
	if err := r.executor.pacer.Wait(ctx); err != nil {
		return fmt.Errorf("wait for batch slot: %w", err)
	}
	return nil
}

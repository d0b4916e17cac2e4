package clustering

import (
	"context"
	"encoding/json"

	"github.com/kozaktomas/photo-faces/internal/apperr"
	"github.com/kozaktomas/photo-faces/internal/database"
	"github.com/kozaktomas/photo-faces/internal/jobs"
)

// RegisterJobs binds the clustering job handler to the executor.
func (e *Engine) RegisterJobs(executor *jobs.Executor) {
	executor.Register(jobs.TypeClustering, e.handleJob)
}

func (e *Engine) handleJob(ctx context.Context, job *database.Job, rep *jobs.Reporter) (any, error) {
	var opts Options
	if len(job.Payload) > 0 {
		if err := json.Unmarshal(job.Payload, &opts); err != nil {
			return nil, apperr.Validation("payload", "invalid clustering options: %v", err)
		}
	}

	// Recognizer comparisons share the executor-wide slot pool.
	runner := *e
	runner.sim = e.sim.Throttled(func(ctx context.Context) (func(), error) {
		return rep.Acquire(ctx, jobs.ResourceRecognizer)
	})
	runner.logger = rep.Logger().Named("clustering")

	progress := func(percent int, phase string) {
		rep.Progress(ctx, percent, phase)
	}
	if opts.Rebuild {
		return runner.RebuildAllClusters(ctx, opts, progress)
	}
	return runner.ClusterUnassignedFaces(ctx, opts, progress)
}

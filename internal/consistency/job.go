package consistency

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/kozaktomas/photo-faces/internal/apperr"
	"github.com/kozaktomas/photo-faces/internal/constants"
	"github.com/kozaktomas/photo-faces/internal/database"
	"github.com/kozaktomas/photo-faces/internal/jobs"
)

// Enqueue schedules a check. A single-person check runs at high priority and
// shares the person's concurrency key with training; a full check runs at low priority.
func (r *Reconciler) Enqueue(ctx context.Context, opts Options) (*database.Job, error) {
	if opts.PersonID < 0 {
		return nil, apperr.Validation("person_id", "must not be negative")
	}
	req := jobs.Request{
		Type:     jobs.TypeConsistencyFull,
		Priority: constants.PriorityLow,
		Payload:  opts,
	}
	if opts.PersonID > 0 {
		if _, err := r.store.GetPerson(ctx, opts.PersonID); err != nil {
			return nil, err
		}
		req.Type = jobs.TypeConsistencyQuick
		req.Priority = constants.PriorityHigh
		req.ConcurrencyKey = "person:" + strconv.FormatInt(opts.PersonID, 10)
	}
	return r.executor.Enqueue(ctx, req)
}

func (r *Reconciler) handleJob(ctx context.Context, job *database.Job, rep *jobs.Reporter) (any, error) {
	var opts Options
	if len(job.Payload) > 0 {
		if err := json.Unmarshal(job.Payload, &opts); err != nil {
			return nil, apperr.Validation("payload", "invalid consistency options: %v", err)
		}
	}

	// A check issues its recognizer calls one at a time, so one slot covers it.
	release, err := rep.Acquire(ctx, jobs.ResourceRecognizer)
	if err != nil {
		return nil, err
	}
	defer release()

	return r.Run(ctx, opts, func(percent int, phase string) {
		rep.Progress(ctx, percent, phase)
	})
}

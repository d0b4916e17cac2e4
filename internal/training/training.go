package training

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/kozaktomas/photo-faces/internal/apperr"
	"github.com/kozaktomas/photo-faces/internal/config"
	"github.com/kozaktomas/photo-faces/internal/constants"
	"github.com/kozaktomas/photo-faces/internal/database"
	"github.com/kozaktomas/photo-faces/internal/facematch"
	"github.com/kozaktomas/photo-faces/internal/jobs"
	"github.com/kozaktomas/photo-faces/internal/recognizer"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Controller selects training faces and drives the upload jobs.
type Controller struct {
	store    database.Store
	rec      recognizer.Recognizer
	executor *jobs.Executor
	cfg      config.TrainingConfig
	logger   *zap.Logger
}

// NewController creates a training controller and registers its job handlers.
func NewController(store database.Store, rec recognizer.Recognizer, executor *jobs.Executor, cfg config.TrainingConfig, logger *zap.Logger) *Controller {
	if cfg.ConfidenceFloor <= 0 {
		cfg.ConfidenceFloor = constants.DefaultConfidenceFloor
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = constants.DefaultUploadBatchSize
	}
	if cfg.UploadsPerPerson <= 0 {
		cfg.UploadsPerPerson = constants.DefaultUploadsPerPerson
	}
	c := &Controller{store: store, rec: rec, executor: executor, cfg: cfg, logger: logger.Named("training")}
	executor.Register(jobs.TypeTrainPerson, c.handleTrainPerson)
	executor.Register(jobs.TypeUntrainFace, c.handleUntrainFace)
	return c
}

// DefaultPolicy returns the configured policy.
func (c *Controller) DefaultPolicy() Policy {
	return PolicyFromConfig(c.cfg)
}

// TrainRequest is the payload of a train_person job.
type TrainRequest struct {
	PersonID int64  `json:"person_id"`
	Policy   Policy `json:"policy"`
}

// TrainResult summarizes one training run.
type TrainResult struct {
	PersonID       int64    `json:"person_id"`
	SubjectID      string   `json:"subject_id,omitempty"`
	SubjectCreated bool     `json:"subject_created,omitempty"`
	Eligible       int      `json:"eligible"`
	OverBudget     int      `json:"over_budget,omitempty"`
	Attempted      int      `json:"attempted"`
	Succeeded      int      `json:"succeeded"`
	Failed         int      `json:"failed"`
	Errors         []string `json:"errors,omitempty"`
}

func personKey(personID int64) string {
	return "person:" + strconv.FormatInt(personID, 10)
}

// TrainPersonSelective enqueues a training job for one person. Only one training
// job per person runs at a time. Interactive calls ignore allow_auto_training.
func (c *Controller) TrainPersonSelective(ctx context.Context, personID int64, policy *Policy) (*database.Job, error) {
	return c.enqueue(ctx, personID, policy, constants.PriorityNormal)
}

func (c *Controller) enqueue(ctx context.Context, personID int64, policy *Policy, priority int) (*database.Job, error) {
	if personID <= 0 {
		return nil, apperr.Validation("person_id", "must be positive")
	}
	p := c.DefaultPolicy()
	if policy != nil {
		p = *policy
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	if _, err := c.store.GetPerson(ctx, personID); err != nil {
		return nil, fmt.Errorf("get person: %w", err)
	}
	return c.executor.Enqueue(ctx, jobs.Request{
		Type:           jobs.TypeTrainPerson,
		Priority:       priority,
		Payload:        TrainRequest{PersonID: personID, Policy: p},
		ConcurrencyKey: personKey(personID),
	})
}

// ScheduledResult lists the jobs enqueued by a scheduled pass.
type ScheduledResult struct {
	PersonsChecked int              `json:"persons_checked"`
	Jobs           []*database.Job  `json:"jobs"`
	Skipped        map[int64]string `json:"skipped,omitempty"`
}

// ScheduledPass enqueues low priority training for every person that allows
// automatic training and has at least one eligible face.
func (c *Controller) ScheduledPass(ctx context.Context, policy *Policy) (*ScheduledResult, error) {
	p := c.DefaultPolicy()
	if policy != nil {
		p = *policy
	}
	persons, err := c.store.ListPersons(ctx)
	if err != nil {
		return nil, fmt.Errorf("list persons: %w", err)
	}

	result := &ScheduledResult{Skipped: make(map[int64]string)}
	for _, person := range persons {
		result.PersonsChecked++
		if !person.AllowAutoTraining {
			result.Skipped[person.ID] = "auto training disabled"
			continue
		}
		faces, err := c.store.GetFacesByPerson(ctx, person.ID)
		if err != nil {
			return result, fmt.Errorf("get faces of person %d: %w", person.ID, err)
		}
		if eligible, _ := selectFaces(faces, person.ID, p, c.cfg.ConfidenceFloor); len(eligible) == 0 {
			result.Skipped[person.ID] = "no eligible faces"
			continue
		}
		job, err := c.enqueue(ctx, person.ID, &p, constants.PriorityLow)
		if err != nil {
			return result, err
		}
		result.Jobs = append(result.Jobs, job)
	}
	c.logger.Info("scheduled training pass",
		zap.Int("persons", result.PersonsChecked),
		zap.Int("enqueued", len(result.Jobs)))
	return result, nil
}

func (c *Controller) handleTrainPerson(ctx context.Context, job *database.Job, rep *jobs.Reporter) (any, error) {
	var req TrainRequest
	if err := json.Unmarshal(job.Payload, &req); err != nil {
		return nil, apperr.Validation("payload", "invalid training request: %v", err)
	}
	return c.trainPerson(ctx, job.ID, req, rep)
}

// uploadOutcome is the result of one upload attempt.
type uploadOutcome struct {
	faceID int64
	ref    string
	err    error
	at     time.Time
}

func (c *Controller) trainPerson(ctx context.Context, jobID string, req TrainRequest, rep *jobs.Reporter) (*TrainResult, error) {
	log := rep.Logger().With(zap.Int64("person_id", req.PersonID))
	result := &TrainResult{PersonID: req.PersonID}

	person, err := c.store.GetPerson(ctx, req.PersonID)
	if err != nil {
		return nil, fmt.Errorf("get person: %w", err)
	}
	if err := c.store.SetRecognitionStatus(ctx, person.ID, database.RecognitionTraining, person.LastTrainedAt); err != nil {
		return nil, fmt.Errorf("set recognition status: %w", err)
	}

	faces, err := c.store.GetFacesByPerson(ctx, person.ID)
	if err != nil {
		return nil, c.abort(ctx, person, fmt.Errorf("get faces: %w", err))
	}
	eligible, overBudget := selectFaces(faces, person.ID, req.Policy, c.cfg.ConfidenceFloor)
	result.Eligible = len(eligible)
	result.OverBudget = overBudget

	if len(eligible) == 0 {
		// Nothing to upload is a successful run.
		if err := c.store.SetRecognitionStatus(ctx, person.ID, database.RecognitionTrained, person.LastTrainedAt); err != nil {
			return nil, fmt.Errorf("set recognition status: %w", err)
		}
		rep.Progress(ctx, 100, "No eligible faces")
		return result, nil
	}

	subjectID, created, err := c.ensureSubject(ctx, person, rep)
	if err != nil {
		return nil, c.abort(ctx, person, err)
	}
	result.SubjectID = subjectID
	result.SubjectCreated = created

	for start := 0; start < len(eligible); start += c.cfg.BatchSize {
		if start > 0 {
			if err := rep.Pace(ctx); err != nil {
				return result, c.abort(ctx, person, err)
			}
		}
		batch := eligible[start:min(start+c.cfg.BatchSize, len(eligible))]
		outcomes := c.uploadBatch(ctx, subjectID, batch, rep)

		// Log in attempt order once the whole batch is back.
		for _, o := range outcomes {
			if err := c.record(ctx, jobID, person.ID, o, result); err != nil {
				return result, c.abort(ctx, person, err)
			}
		}
		if err := ctx.Err(); err != nil {
			return result, c.abort(ctx, person, err)
		}

		done := start + len(batch)
		rep.Progress(ctx, done*100/len(eligible), fmt.Sprintf("Uploaded %d/%d faces", done, len(eligible)))
	}

	status := database.RecognitionTrained
	trainedAt := person.LastTrainedAt
	if result.Succeeded > 0 {
		now := time.Now()
		trainedAt = &now
	} else {
		status = database.RecognitionFailed
	}
	if err := c.store.SetRecognitionStatus(ctx, person.ID, status, trainedAt); err != nil {
		return result, fmt.Errorf("set recognition status: %w", err)
	}

	log.Info("training finished",
		zap.Int("attempted", result.Attempted),
		zap.Int("succeeded", result.Succeeded),
		zap.Int("failed", result.Failed))
	return result, nil
}

// abort marks the person failed and returns err.
func (c *Controller) abort(ctx context.Context, person *database.Person, err error) error {
	if serr := c.store.SetRecognitionStatus(context.WithoutCancel(ctx), person.ID, database.RecognitionFailed, person.LastTrainedAt); serr != nil {
		c.logger.Warn("failed to mark training failed", zap.Int64("person_id", person.ID), zap.Error(serr))
	}
	return err
}

// ensureSubject returns the person's subject, creating it on first use.
func (c *Controller) ensureSubject(ctx context.Context, person *database.Person, rep *jobs.Reporter) (string, bool, error) {
	if person.HasSubject() {
		return person.ExternalSubjectID, false, nil
	}

	release, err := rep.Acquire(ctx, jobs.ResourceRecognizer)
	if err != nil {
		return "", false, err
	}
	subjectID, err := c.rec.CreateSubject(ctx, facematch.SubjectName(person.Name, person.ID))
	release()
	if err != nil {
		return "", false, fmt.Errorf("create subject: %w", err)
	}

	if err := c.store.SetExternalSubject(ctx, person.ID, subjectID); err != nil {
		return "", false, fmt.Errorf("link subject: %w", err)
	}
	person.ExternalSubjectID = subjectID
	rep.Logger().Info("created recognizer subject", zap.Int64("person_id", person.ID), zap.String("subject", subjectID))
	return subjectID, true, nil
}

// uploadBatch uploads the batch with bounded concurrency. Failures are collected,
// never propagated, so one bad face cannot stop the others.
func (c *Controller) uploadBatch(ctx context.Context, subjectID string, batch []database.Face, rep *jobs.Reporter) []uploadOutcome {
	outcomes := make([]uploadOutcome, len(batch))
	var g errgroup.Group
	g.SetLimit(c.cfg.UploadsPerPerson)

	for i := range batch {
		face := batch[i]
		g.Go(func() error {
			o := uploadOutcome{faceID: face.ID}
			defer func() {
				o.at = time.Now()
				outcomes[i] = o
			}()

			release, err := rep.Acquire(ctx, jobs.ResourceRecognizer)
			if err != nil {
				o.err = err
				return nil
			}
			defer release()
			o.ref, o.err = c.rec.AddFace(ctx, subjectID, face.ImagePath)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// record appends the attempt to the training log and marks successful uploads.
func (c *Controller) record(ctx context.Context, jobID string, personID int64, o uploadOutcome, result *TrainResult) error {
	ctx = context.WithoutCancel(ctx)
	entry := &database.TrainingLogEntry{
		FaceID:      o.faceID,
		PersonID:    personID,
		JobID:       jobID,
		AttemptedAt: o.at,
		Success:     o.err == nil,
	}
	result.Attempted++
	if o.err != nil {
		result.Failed++
		entry.Response = database.Truncate(o.err.Error(), database.MaxLogResponseLen)
		if len(result.Errors) < constants.MaxErrorSample {
			result.Errors = append(result.Errors, fmt.Sprintf("face %d: %v", o.faceID, o.err))
		}
	} else {
		result.Succeeded++
		entry.Response = o.ref
	}

	if err := c.store.AppendTrainingLog(ctx, entry); err != nil {
		return fmt.Errorf("append training log: %w", err)
	}
	if o.err == nil {
		if err := c.store.MarkFaceUploaded(ctx, o.faceID, o.ref, o.at); err != nil {
			return fmt.Errorf("mark face %d uploaded: %w", o.faceID, err)
		}
	}
	return nil
}

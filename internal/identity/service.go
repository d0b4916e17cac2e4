// Package identity is the upstream facade over clustering, training and
// consistency. The HTTP handlers and the CLI only talk to a Service.
package identity

import (
	"context"
	"fmt"

	"github.com/kozaktomas/photo-faces/internal/apperr"
	"github.com/kozaktomas/photo-faces/internal/clustering"
	"github.com/kozaktomas/photo-faces/internal/config"
	"github.com/kozaktomas/photo-faces/internal/consistency"
	"github.com/kozaktomas/photo-faces/internal/constants"
	"github.com/kozaktomas/photo-faces/internal/database"
	"github.com/kozaktomas/photo-faces/internal/jobs"
	"github.com/kozaktomas/photo-faces/internal/recognizer"
	"github.com/kozaktomas/photo-faces/internal/similarity"
	"github.com/kozaktomas/photo-faces/internal/training"
	"go.uber.org/zap"
)

// Service wires the engines to a store, a recognizer and an executor.
type Service struct {
	store       database.Store
	rec         recognizer.Recognizer
	executor    *jobs.Executor
	similarity  *similarity.Engine
	clustering  *clustering.Engine
	training    *training.Controller
	consistency *consistency.Reconciler
	cfg         *config.Config
	logger      *zap.Logger
}

// NewService creates the engines and registers every job handler on the executor.
// The executor must be started by the caller.
func NewService(store database.Store, rec recognizer.Recognizer, executor *jobs.Executor, cfg *config.Config, logger *zap.Logger) *Service {
	sim := similarity.NewEngine(store, rec, logger)
	cl := clustering.NewEngine(store, sim, logger)
	cl.RegisterJobs(executor)
	tr := training.NewController(store, rec, executor, cfg.Training, logger)

	s := &Service{
		store:       store,
		rec:         rec,
		executor:    executor,
		similarity:  sim,
		clustering:  cl,
		training:    tr,
		consistency: consistency.NewReconciler(store, rec, tr, executor, logger),
		cfg:         cfg,
		logger:      logger.Named("identity"),
	}
	executor.Register(jobs.TypeRecognizeFaces, s.handleRecognizeFaces)
	return s
}

// Executor exposes the executor for event subscriptions and waiting.
func (s *Service) Executor() *jobs.Executor {
	return s.executor
}

// --- Clustering ---

// DefaultClusteringOptions returns the configured clustering options.
func (s *Service) DefaultClusteringOptions() clustering.Options {
	return clustering.DefaultOptions(s.cfg.Clustering)
}

// StartClustering validates the options and enqueues a clustering job. Zero
// values fall back to the package defaults. Clustering runs share one
// concurrency key so two runs never overlap.
func (s *Service) StartClustering(ctx context.Context, opts clustering.Options) (*database.Job, error) {
	opts = opts.WithDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return s.executor.Enqueue(ctx, jobs.Request{
		Type:           jobs.TypeClustering,
		Priority:       constants.PriorityNormal,
		Payload:        opts,
		ConcurrencyKey: "clustering",
	})
}

// ReviewCluster applies a review action. Assigning a cluster schedules a quick
// consistency check of the person.
func (s *Service) ReviewCluster(ctx context.Context, clusterID int64, req clustering.ReviewRequest) (*clustering.ReviewResult, error) {
	result, err := s.clustering.Review(ctx, clusterID, req)
	if err != nil {
		return nil, err
	}
	if req.Action == clustering.ActionAssign {
		s.scheduleQuickCheck(ctx, req.PersonID)
	}
	return result, nil
}

// AssignClusterToPerson assigns every member of a pending cluster to the person.
func (s *Service) AssignClusterToPerson(ctx context.Context, clusterID, personID int64) (*clustering.AssignResult, error) {
	result, err := s.clustering.AssignClusterToPerson(ctx, clusterID, personID)
	if err != nil {
		return nil, err
	}
	s.scheduleQuickCheck(ctx, personID)
	return result, nil
}

func (s *Service) GetCluster(ctx context.Context, clusterID int64) (*clustering.ClusterDetail, error) {
	return s.clustering.GetCluster(ctx, clusterID)
}

func (s *Service) ListClusters(ctx context.Context, state database.ClusterState) ([]database.Cluster, error) {
	return s.clustering.ListClusters(ctx, state)
}

// --- Training ---

// DefaultTrainingPolicy returns the configured upload policy.
func (s *Service) DefaultTrainingPolicy() training.Policy {
	return s.training.DefaultPolicy()
}

// TrainPersonSelective enqueues training of one person. A nil policy uses the configured one.
func (s *Service) TrainPersonSelective(ctx context.Context, personID int64, policy *training.Policy) (*database.Job, error) {
	return s.training.TrainPersonSelective(ctx, personID, policy)
}

// ScheduledTraining enqueues training for every person that allows it.
func (s *Service) ScheduledTraining(ctx context.Context) (*training.ScheduledResult, error) {
	return s.training.ScheduledPass(ctx, nil)
}

func (s *Service) ResetPersonTraining(ctx context.Context, personID int64) (*training.ResetResult, error) {
	return s.training.ResetPersonTraining(ctx, personID)
}

func (s *Service) TrainingStats(ctx context.Context, personID int64) (*training.Stats, error) {
	return s.training.Stats(ctx, personID)
}

func (s *Service) TrainingLog(ctx context.Context, personID int64, limit int) ([]database.TrainingLogEntry, error) {
	return s.training.TrainingLog(ctx, personID, limit)
}

// --- Consistency ---

// CheckConsistency enqueues a consistency check. PersonID 0 checks everyone.
func (s *Service) CheckConsistency(ctx context.Context, opts consistency.Options) (*database.Job, error) {
	return s.consistency.Enqueue(ctx, opts)
}

func (s *Service) scheduleQuickCheck(ctx context.Context, personID int64) {
	if personID <= 0 {
		return
	}
	job, err := s.consistency.Enqueue(ctx, consistency.Options{PersonID: personID})
	if err != nil {
		// The assignment already happened; a missed check is picked up by the next full run.
		s.logger.Warn("failed to schedule consistency check", zap.Int64("person_id", personID), zap.Error(err))
		return
	}
	s.logger.Debug("consistency check scheduled", zap.Int64("person_id", personID), zap.String("job_id", job.ID))
}

// --- Jobs ---

// EnqueueJob enqueues a job of any registered type.
func (s *Service) EnqueueJob(ctx context.Context, req jobs.Request) (*database.Job, error) {
	if req.Type == "" {
		return nil, apperr.Validation("type", "is required")
	}
	return s.executor.Enqueue(ctx, req)
}

func (s *Service) GetJob(ctx context.Context, id string) (*database.Job, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *Service) ListJobs(ctx context.Context, filter database.JobFilter) ([]database.Job, error) {
	if filter.Limit <= 0 {
		filter.Limit = constants.DefaultHandlerPageSize
	}
	return s.store.ListJobs(ctx, filter)
}

// CancelJob cancels a pending job. The bool is false when the job had already started.
func (s *Service) CancelJob(ctx context.Context, id string) (*database.Job, bool, error) {
	return s.executor.Cancel(ctx, id)
}

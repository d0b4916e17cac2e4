// Package jobs runs background work through a bounded worker pool.
// It is the only path through which the services call the external recognizer.
package jobs

import (
	"context"
	"time"

	"github.com/kozaktomas/photo-faces/internal/config"
	"github.com/kozaktomas/photo-faces/internal/database"
)

// Job types known to the services.
const (
	TypeClustering       database.JobType = "clustering"
	TypeTrainPerson      database.JobType = "train_person"
	TypeUntrainFace      database.JobType = "untrain_face"
	TypeConsistencyQuick database.JobType = "consistency_quick"
	TypeConsistencyFull  database.JobType = "consistency_full"
	TypeRecognizeFaces   database.JobType = "recognize_faces"
)

// ResourceRecognizer is the system-wide slot pool for recognizer calls.
const ResourceRecognizer = "recognizer"

// Handler executes one job. The returned value is stored as the job result.
// A non-nil error fails the attempt; it is retried unless it is permanent.
type Handler func(ctx context.Context, job *database.Job, rep *Reporter) (any, error)

// Request describes a job to enqueue.
type Request struct {
	Type     database.JobType `json:"type"`
	Priority int              `json:"priority"`
	Payload  any              `json:"payload,omitempty"`
	// MaxRetries overrides the executor default when set
	MaxRetries *int `json:"max_retries,omitempty"`
	// ConcurrencyKey serializes jobs sharing the key, e.g. one training job per person
	ConcurrencyKey string `json:"concurrency_key,omitempty"`
}

// Event is published to subscribers whenever a job changes.
type Event struct {
	JobID    string             `json:"job_id"`
	Type     string             `json:"type"` // "status" or "progress"
	Status   database.JobStatus `json:"status"`
	Progress int                `json:"progress"`
	Phase    string             `json:"phase,omitempty"`
	Message  string             `json:"message,omitempty"`
}

// Config controls the executor.
type Config struct {
	Workers              int
	TypeCaps             map[database.JobType]int
	Resources            map[string]int
	BatchDelay           time.Duration
	MaxRetries           int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	PollInterval         time.Duration
	// Standalone executors skip recovery and only run jobs enqueued through them.
	// The CLI uses one so it never fails jobs owned by a running server.
	Standalone bool
}

// ConfigFromSettings converts the loaded executor settings.
func ConfigFromSettings(cfg config.ExecutorConfig) Config {
	caps := make(map[database.JobType]int, len(cfg.TypeCaps))
	for t, n := range cfg.TypeCaps {
		caps[database.JobType(t)] = n
	}
	return Config{
		Workers:              cfg.Workers,
		TypeCaps:             caps,
		Resources:            map[string]int{ResourceRecognizer: cfg.RecognizerSlots},
		BatchDelay:           cfg.BatchDelay,
		MaxRetries:           cfg.MaxRetries,
		RetryInitialInterval: cfg.RetryInitialInterval,
		RetryMaxInterval:     cfg.RetryMaxInterval,
	}
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryInitialInterval <= 0 {
		c.RetryInitialInterval = 2 * time.Second
	}
	if c.RetryMaxInterval <= 0 {
		c.RetryMaxInterval = time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 200 * time.Millisecond
	}
	return c
}

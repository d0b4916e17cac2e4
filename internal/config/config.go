package config

import (
	_ "embed"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed policy.yaml
var policyYAML []byte

type Config struct {
	Database   DatabaseConfig
	Recognizer RecognizerConfig
	Clustering ClusteringConfig
	Training   TrainingConfig
	Executor   ExecutorConfig
	Web        WebConfig
	Log        LogConfig
}

type DatabaseConfig struct {
	URL          string // PostgreSQL connection URL
	MaxOpenConns int    // Maximum open connections (default 25)
	MaxIdleConns int    // Maximum idle connections (default 5)
}

// RecognizerConfig points at a CompreFace compatible recognition service.
type RecognizerConfig struct {
	URL              string
	APIKey           string        // recognition service key
	VerifyAPIKey     string        // verification service key, falls back to APIKey
	Timeout          time.Duration // per request timeout
	DetProbThreshold float64       // detection probability passed on upload
}

// GetVerifyAPIKey returns the verification key, or the recognition key when unset.
func (c *RecognizerConfig) GetVerifyAPIKey() string {
	if c.VerifyAPIKey != "" {
		return c.VerifyAPIKey
	}
	return c.APIKey
}

type ClusteringConfig struct {
	SimilarityThreshold float64 `yaml:"similarity_threshold" json:"similarity_threshold"`
	MinClusterSize      int     `yaml:"min_cluster_size" json:"min_cluster_size"`
	MaxClusterSize      int     `yaml:"max_cluster_size" json:"max_cluster_size"`
	MaxFaces            int     `yaml:"max_faces" json:"max_faces"`
	Method              string  `yaml:"method" json:"method"`
}

type TrainingConfig struct {
	// ConfidenceFloor is the single detection confidence floor applied to every upload.
	ConfidenceFloor       float64 `yaml:"confidence_floor"`
	OnlyManuallyAssigned  bool    `yaml:"only_manually_assigned"`
	AllowDuplicateUploads bool    `yaml:"allow_duplicate_uploads"`
	MaxFacesPerPerson     int     `yaml:"max_faces_per_person"` // 0 means unlimited
	UploadsPerPerson      int     `yaml:"uploads_per_person"`
	BatchSize             int     `yaml:"batch_size"`
	AutoAssignThreshold   float64 `yaml:"auto_assign_threshold"`
	AutoTrainInterval     time.Duration
}

type ExecutorConfig struct {
	Workers              int            `yaml:"workers"`
	RecognizerSlots      int            `yaml:"recognizer_slots"`
	BatchDelay           time.Duration  `yaml:"batch_delay"`
	MaxRetries           int            `yaml:"max_retries"`
	RetryInitialInterval time.Duration  `yaml:"retry_initial_interval"`
	RetryMaxInterval     time.Duration  `yaml:"retry_max_interval"`
	TypeCaps             map[string]int `yaml:"type_caps"`
}

type WebConfig struct {
	Host           string
	Port           int
	AllowedOrigins []string // CORS origins besides localhost
}

type LogConfig struct {
	Mode  string // "development" or "production"
	Level string
}

type policyFile struct {
	Clustering ClusteringConfig `yaml:"clustering"`
	Training   TrainingConfig   `yaml:"training"`
	Executor   ExecutorConfig   `yaml:"executor"`
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

// envFloat reads an environment variable as a float in [0, 1].
func envFloat(key string, defaultVal float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f >= 0 && f <= 1 {
		return f
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(s); err == nil && d >= 0 {
		return d
	}
	return defaultVal
}

func envString(key, defaultVal string) string {
	if s := strings.TrimSpace(os.Getenv(key)); s != "" {
		return s
	}
	return defaultVal
}

// envList splits a comma separated variable, dropping empty items.
func envList(key string) []string {
	var items []string
	for item := range strings.SplitSeq(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

func loadPolicy() policyFile {
	var p policyFile
	if err := yaml.Unmarshal(policyYAML, &p); err != nil {
		// This is an embedded file so this error should never happen in practice
		panic("failed to unmarshal embedded policy.yaml: " + err.Error())
	}
	return p
}

func Load() *Config {
	p := loadPolicy()

	maxFaces := p.Training.MaxFacesPerPerson
	if s := os.Getenv("TRAINING_MAX_FACES_PER_PERSON"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n >= 0 {
			maxFaces = n
		}
	}

	return &Config{
		Database: DatabaseConfig{
			URL:          os.Getenv("DATABASE_URL"),
			MaxOpenConns: envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns: envInt("DATABASE_MAX_IDLE_CONNS", 5),
		},
		Recognizer: RecognizerConfig{
			URL:              os.Getenv("RECOGNIZER_URL"),
			APIKey:           os.Getenv("RECOGNIZER_API_KEY"),
			VerifyAPIKey:     os.Getenv("RECOGNIZER_VERIFY_API_KEY"),
			Timeout:          envDuration("RECOGNIZER_TIMEOUT", 30*time.Second),
			DetProbThreshold: envFloat("RECOGNIZER_DET_PROB_THRESHOLD", 0.8),
		},
		Clustering: ClusteringConfig{
			SimilarityThreshold: envFloat("CLUSTERING_SIMILARITY_THRESHOLD", p.Clustering.SimilarityThreshold),
			MinClusterSize:      envInt("CLUSTERING_MIN_CLUSTER_SIZE", p.Clustering.MinClusterSize),
			MaxClusterSize:      envInt("CLUSTERING_MAX_CLUSTER_SIZE", p.Clustering.MaxClusterSize),
			MaxFaces:            envInt("CLUSTERING_MAX_FACES", p.Clustering.MaxFaces),
			Method:              envString("CLUSTERING_METHOD", p.Clustering.Method),
		},
		Training: TrainingConfig{
			ConfidenceFloor:       envFloat("TRAINING_CONFIDENCE_FLOOR", p.Training.ConfidenceFloor),
			OnlyManuallyAssigned:  envBool("TRAINING_ONLY_MANUALLY_ASSIGNED", p.Training.OnlyManuallyAssigned),
			AllowDuplicateUploads: envBool("TRAINING_ALLOW_DUPLICATE_UPLOADS", p.Training.AllowDuplicateUploads),
			MaxFacesPerPerson:     maxFaces,
			UploadsPerPerson:      envInt("TRAINING_UPLOADS_PER_PERSON", p.Training.UploadsPerPerson),
			BatchSize:             envInt("TRAINING_BATCH_SIZE", p.Training.BatchSize),
			AutoAssignThreshold:   envFloat("TRAINING_AUTO_ASSIGN_THRESHOLD", p.Training.AutoAssignThreshold),
			AutoTrainInterval:     envDuration("TRAINING_AUTO_INTERVAL", 0),
		},
		Executor: ExecutorConfig{
			Workers:              envInt("EXECUTOR_WORKERS", p.Executor.Workers),
			RecognizerSlots:      envInt("EXECUTOR_RECOGNIZER_SLOTS", p.Executor.RecognizerSlots),
			BatchDelay:           envDuration("EXECUTOR_BATCH_DELAY", p.Executor.BatchDelay),
			MaxRetries:           envInt("EXECUTOR_MAX_RETRIES", p.Executor.MaxRetries),
			RetryInitialInterval: envDuration("EXECUTOR_RETRY_INITIAL_INTERVAL", p.Executor.RetryInitialInterval),
			RetryMaxInterval:     envDuration("EXECUTOR_RETRY_MAX_INTERVAL", p.Executor.RetryMaxInterval),
			TypeCaps:             p.Executor.TypeCaps,
		},
		Web: WebConfig{
			Host:           envString("WEB_HOST", "0.0.0.0"),
			Port:           envInt("WEB_PORT", 8080),
			AllowedOrigins: envList("WEB_ALLOWED_ORIGINS"),
		},
		Log: LogConfig{
			Mode:  envString("LOG_MODE", "development"),
			Level: envString("LOG_LEVEL", "info"),
		},
	}
}

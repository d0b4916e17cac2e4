package constants

// Handler pagination constants
const (
	// DefaultHandlerPageSize is the page size for paginated handler endpoints
	DefaultHandlerPageSize = 100

	// DefaultTrainingLogLimit is the number of training log entries returned by default
	DefaultTrainingLogLimit = 50
)

// Event channel constants
const (
	// EventChannelBuffer is the buffer size for event channels
	EventChannelBuffer = 100
)

// Request body constants
const (
	// MaxRequestBodySize is the maximum accepted JSON request body in bytes (1MB)
	MaxRequestBodySize = 1 << 20
)

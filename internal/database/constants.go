package database

// Column limits shared by the store implementations
const (
	// MaxJobErrors bounds the error list stored on a job
	MaxJobErrors = 20

	// MaxLogResponseLen truncates raw recognizer responses in the training log
	MaxLogResponseLen = 2000
)

// AppendBounded appends msg to errs keeping at most max entries (oldest are dropped).
func AppendBounded(errs []string, msg string, max int) []string {
	errs = append(errs, msg)
	if len(errs) > max {
		errs = errs[len(errs)-max:]
	}
	return errs
}

// Truncate shortens s to n bytes.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/kozaktomas/photo-faces/internal/database"
	"github.com/schollz/progressbar/v3"
)

func outputJSON(data any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("encoding JSON output: %w", err)
	}
	return nil
}

// parseID parses a positional numeric id argument.
func parseID(name, arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s %q", name, arg)
	}
	return id, nil
}

// waitForJob blocks until the job finishes. A progress bar follows the job
// unless JSON output was requested.
func waitForJob(ctx context.Context, a *app, job *database.Job, jsonOutput bool) (*database.Job, error) {
	var bar *progressbar.ProgressBar
	if !jsonOutput {
		bar = progressbar.NewOptions(100,
			progressbar.OptionSetDescription(string(job.Type)),
			progressbar.OptionShowElapsedTimeOnFinish(),
			progressbar.OptionSetPredictTime(false),
			progressbar.OptionFullWidth(),
		)
	}

	done, err := a.executor.Wait(ctx, job.ID, func(j *database.Job) {
		if bar == nil {
			return
		}
		if j.Phase != "" {
			bar.Describe(fmt.Sprintf("%s: %s", j.Type, j.Phase))
		}
		_ = bar.Set(j.Progress)
	})
	if bar != nil {
		_ = bar.Finish()
		fmt.Println()
	}
	if err != nil {
		return nil, fmt.Errorf("waiting for job %s: %w", job.ID, err)
	}
	return done, nil
}

// printJob prints the job outcome, decoding the result into result when given.
func printJob(job *database.Job, result any, jsonOutput bool) error {
	if result != nil && len(job.Result) > 0 {
		if err := json.Unmarshal(job.Result, result); err != nil {
			return fmt.Errorf("decoding job result: %w", err)
		}
	}
	if jsonOutput {
		return outputJSON(job)
	}

	fmt.Printf("Job %s (%s): %s\n", job.ID, job.Type, job.Status)
	if job.Retries > 0 {
		fmt.Printf("  Retries: %d/%d\n", job.Retries, job.MaxRetries)
	}
	for _, e := range job.Errors {
		fmt.Printf("  Error:   %s\n", e)
	}
	if job.Status == database.JobStatusFailed {
		return fmt.Errorf("job %s failed", job.ID)
	}
	return nil
}

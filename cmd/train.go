package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/kozaktomas/photo-faces/internal/training"
	"github.com/spf13/cobra"
)

var trainCmd = &cobra.Command{
	Use:   "train [person-id]",
	Short: "Upload a person's faces to the recognizer as training data",
	Long: `Upload eligible faces of a person to the recognition service.

Only faces above the configured detection confidence floor are uploaded. By
default only manually assigned faces that were not uploaded before qualify.
With --scheduled every person that allows automatic training is queued instead.

Examples:
  # Train one person with the configured policy
  photo-faces train 42

  # Allow at most 20 uploaded faces, include faces assigned by clustering
  photo-faces train 42 --max-faces 20 --include-auto

  # Queue every person that allows automatic training
  photo-faces train --scheduled`,
	Args: cobra.MaximumNArgs(1),
	RunE: runTrain,
}

var trainResetCmd = &cobra.Command{
	Use:   "reset <person-id>",
	Short: "Forget which faces of a person were uploaded",
	Args:  cobra.ExactArgs(1),
	RunE:  runTrainReset,
}

var trainStatsCmd = &cobra.Command{
	Use:   "stats <person-id>",
	Short: "Show training statistics and recent upload attempts",
	Args:  cobra.ExactArgs(1),
	RunE:  runTrainStats,
}

func init() {
	rootCmd.AddCommand(trainCmd)
	trainCmd.AddCommand(trainResetCmd)
	trainCmd.AddCommand(trainStatsCmd)

	trainCmd.Flags().Bool("scheduled", false, "Queue training for every person that allows it")
	trainCmd.Flags().Bool("include-auto", false, "Also upload faces that were not assigned manually")
	trainCmd.Flags().Int("max-faces", 0, "Maximum uploaded faces per person (0 = configured limit)")
	trainCmd.Flags().Bool("allow-duplicates", false, "Upload faces again even if they were uploaded before")
	trainCmd.Flags().Bool("json", false, "Output as JSON")

	trainResetCmd.Flags().Bool("json", false, "Output as JSON")

	trainStatsCmd.Flags().Int("log", 10, "Number of training log entries to show")
	trainStatsCmd.Flags().Bool("json", false, "Output as JSON")
}

// trainingPolicy overlays the flags that were set on the configured policy.
func trainingPolicy(cmd *cobra.Command, policy training.Policy) training.Policy {
	if cmd.Flags().Changed("include-auto") {
		policy.OnlyManuallyAssigned = !mustGetBool(cmd, "include-auto")
	}
	if n := mustGetInt(cmd, "max-faces"); n > 0 {
		policy.MaxFacesPerPerson = &n
	}
	if cmd.Flags().Changed("allow-duplicates") {
		policy.AllowDuplicateUploads = mustGetBool(cmd, "allow-duplicates")
	}
	return policy
}

func runTrain(cmd *cobra.Command, args []string) error {
	jsonOutput := mustGetBool(cmd, "json")
	scheduled := mustGetBool(cmd, "scheduled")
	if scheduled == (len(args) == 1) {
		return errors.New("specify either a person id or --scheduled")
	}
	ctx := context.Background()

	a, err := newApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.close()
	if err := a.start(ctx); err != nil {
		return err
	}

	if scheduled {
		return runScheduledTraining(ctx, a, jsonOutput)
	}

	personID, err := parseID("person id", args[0])
	if err != nil {
		return err
	}
	policy := trainingPolicy(cmd, a.service.DefaultTrainingPolicy())
	job, err := a.service.TrainPersonSelective(ctx, personID, &policy)
	if err != nil {
		return fmt.Errorf("starting training: %w", err)
	}
	job, err = waitForJob(ctx, a, job, jsonOutput)
	if err != nil {
		return err
	}

	var result training.TrainResult
	if err := printJob(job, &result, jsonOutput); err != nil || jsonOutput {
		return err
	}
	if result.SubjectCreated {
		fmt.Printf("  Subject created: %s\n", result.SubjectID)
	}
	fmt.Printf("  Eligible faces:  %d\n", result.Eligible)
	if result.OverBudget > 0 {
		fmt.Printf("  Over budget:     %d\n", result.OverBudget)
	}
	fmt.Printf("  Uploaded:        %d/%d\n", result.Succeeded, result.Attempted)
	if result.Failed > 0 {
		fmt.Printf("  Failed:          %d\n", result.Failed)
	}
	return nil
}

// runScheduledTraining queues training for every eligible person and waits for all of it.
func runScheduledTraining(ctx context.Context, a *app, jsonOutput bool) error {
	result, err := a.service.ScheduledTraining(ctx)
	if err != nil {
		return fmt.Errorf("scheduling training: %w", err)
	}
	if !jsonOutput {
		fmt.Printf("Checked %d persons, queued %d training jobs\n", result.PersonsChecked, len(result.Jobs))
		for id, reason := range result.Skipped {
			fmt.Printf("  Skipped person %d: %s\n", id, reason)
		}
	}

	failed := 0
	for _, job := range result.Jobs {
		done, err := waitForJob(ctx, a, job, jsonOutput)
		if err != nil {
			return err
		}
		if jsonOutput {
			continue
		}
		if err := printJob(done, nil, false); err != nil {
			failed++
		}
	}
	if jsonOutput {
		return outputJSON(result)
	}
	if failed > 0 {
		return fmt.Errorf("%d training jobs failed", failed)
	}
	return nil
}

func runTrainReset(cmd *cobra.Command, args []string) error {
	jsonOutput := mustGetBool(cmd, "json")
	personID, err := parseID("person id", args[0])
	if err != nil {
		return err
	}
	ctx := context.Background()

	a, err := newApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.close()

	result, err := a.service.ResetPersonTraining(ctx, personID)
	if err != nil {
		return fmt.Errorf("resetting training: %w", err)
	}
	if jsonOutput {
		return outputJSON(result)
	}
	fmt.Printf("Reset upload state of %d faces of person %d\n", result.FacesReset, personID)
	return nil
}

func runTrainStats(cmd *cobra.Command, args []string) error {
	jsonOutput := mustGetBool(cmd, "json")
	logLimit := mustGetInt(cmd, "log")
	personID, err := parseID("person id", args[0])
	if err != nil {
		return err
	}
	ctx := context.Background()

	a, err := newApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.close()

	stats, err := a.service.TrainingStats(ctx, personID)
	if err != nil {
		return fmt.Errorf("getting training stats: %w", err)
	}
	entries, err := a.service.TrainingLog(ctx, personID, logLimit)
	if err != nil {
		return fmt.Errorf("getting training log: %w", err)
	}
	if jsonOutput {
		return outputJSON(map[string]any{"stats": stats, "log": entries})
	}

	fmt.Printf("Person %d (%s)\n", stats.PersonID, stats.RecognitionStatus)
	fmt.Printf("  Total faces:       %d\n", stats.TotalFaces)
	fmt.Printf("  Manually assigned: %d\n", stats.ManuallyAssignedFaces)
	fmt.Printf("  Uploaded:          %d\n", stats.UploadedFaces)
	fmt.Printf("  Pending upload:    %d\n", stats.PendingFaces)
	fmt.Printf("  Failed attempts:   %d\n", stats.FailedAttempts)
	if stats.LastTrainedAt != nil {
		fmt.Printf("  Last trained:      %s\n", stats.LastTrainedAt.Format("2006-01-02 15:04:05"))
	}
	if len(entries) == 0 {
		return nil
	}
	fmt.Println("\nRecent attempts:")
	for _, e := range entries {
		status := "ok"
		if !e.Success {
			status = "FAILED"
		}
		fmt.Printf("  %s  face %-8d %-6s %s\n", e.AttemptedAt.Format("2006-01-02 15:04:05"), e.FaceID, status, e.Response)
	}
	return nil
}

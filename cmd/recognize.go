package cmd

import (
	"context"
	"fmt"

	"github.com/kozaktomas/photo-faces/internal/identity"
	"github.com/spf13/cobra"
)

var recognizeCmd = &cobra.Command{
	Use:   "recognize",
	Short: "Auto-assign unassigned faces the recognizer is confident about",
	Long: `Ask the recognizer about every unassigned face and assign the face to the
matching person when the similarity reaches the threshold. Faces that changed
while the pass was running are left alone and counted as conflicts.`,
	Args: cobra.NoArgs,
	RunE: runRecognize,
}

func init() {
	rootCmd.AddCommand(recognizeCmd)

	recognizeCmd.Flags().Float64("threshold", 0, "Minimum similarity (0 = configured auto-assign threshold)")
	recognizeCmd.Flags().Float64("min-confidence", 0, "Minimum detection confidence of faces to check")
	recognizeCmd.Flags().Int("limit", 0, "Maximum faces to check (0 = all)")
	recognizeCmd.Flags().Bool("json", false, "Output as JSON")
}

func runRecognize(cmd *cobra.Command, args []string) error {
	jsonOutput := mustGetBool(cmd, "json")
	req := identity.RecognizeRequest{
		Threshold:              mustGetFloat64(cmd, "threshold"),
		MinDetectionConfidence: mustGetFloat64(cmd, "min-confidence"),
		Limit:                  mustGetInt(cmd, "limit"),
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

	job, err := a.service.StartRecognition(ctx, req)
	if err != nil {
		return fmt.Errorf("starting recognition: %w", err)
	}
	job, err = waitForJob(ctx, a, job, jsonOutput)
	if err != nil {
		return err
	}

	var result identity.RecognizeResult
	if err := printJob(job, &result, jsonOutput); err != nil || jsonOutput {
		return err
	}
	fmt.Printf("  Faces checked: %d\n", result.FacesChecked)
	fmt.Printf("  Assigned:      %d\n", result.Assigned)
	fmt.Printf("  No match:      %d\n", result.NoMatch)
	if result.Conflicts > 0 {
		fmt.Printf("  Conflicts:     %d\n", result.Conflicts)
	}
	if result.Failed > 0 {
		fmt.Printf("  Failed:        %d\n", result.Failed)
	}
	return nil
}

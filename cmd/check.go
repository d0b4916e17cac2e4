package cmd

import (
	"context"
	"fmt"

	"github.com/kozaktomas/photo-faces/internal/consistency"
	"github.com/spf13/cobra"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Compare local assignments with the recognizer",
	Long: `Check that persons, their face counts and the recognizer's subjects agree.

Without --person every person is checked. With --repair missing subjects are
created and automatic assignments pointing at orphaned subjects are cleared.
Subjects are never deleted.

Examples:
  # Report inconsistencies for everyone
  photo-faces check

  # Check and repair a single person
  photo-faces check --person 42 --repair`,
	Args: cobra.NoArgs,
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)

	checkCmd.Flags().Int64("person", 0, "Check a single person")
	checkCmd.Flags().Bool("repair", false, "Repair what can be repaired")
	checkCmd.Flags().Bool("json", false, "Output as JSON")
}

func runCheck(cmd *cobra.Command, args []string) error {
	jsonOutput := mustGetBool(cmd, "json")
	opts := consistency.Options{
		PersonID: mustGetInt64(cmd, "person"),
		Repair:   mustGetBool(cmd, "repair"),
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

	job, err := a.service.CheckConsistency(ctx, opts)
	if err != nil {
		return fmt.Errorf("starting consistency check: %w", err)
	}
	job, err = waitForJob(ctx, a, job, jsonOutput)
	if err != nil {
		return err
	}

	var report consistency.Report
	if err := printJob(job, &report, jsonOutput); err != nil || jsonOutput {
		return err
	}
	fmt.Printf("  Persons checked:   %d\n", report.PersonsChecked)
	if report.Clean() {
		fmt.Println("  No inconsistencies found")
		return nil
	}
	fmt.Printf("  Missing subjects:  %d\n", report.MissingSubjects)
	fmt.Printf("  Count mismatches:  %d\n", report.CountMismatches)
	fmt.Printf("  Orphaned auto:     %d\n", report.OrphanedAutoAssignments)
	fmt.Printf("  Face count drifts: %d\n", report.FaceCountDrifts)
	if report.Repair {
		fmt.Printf("  Repaired: %d subjects created, %d assignments cleared, %d counts fixed\n",
			report.SubjectsCreated, report.AssignmentsCleared, report.FaceCountsFixed)
	}
	fmt.Println("\nFindings:")
	for _, f := range report.Findings {
		repaired := ""
		if f.Repaired {
			repaired = " (repaired)"
		}
		fmt.Printf("  person %-6d %-24s %s%s\n", f.PersonID, f.Kind, f.Detail, repaired)
	}
	for _, e := range report.Errors {
		fmt.Printf("  Error: %s\n", e)
	}
	return nil
}

package cmd

import (
	"context"
	"fmt"

	"github.com/kozaktomas/photo-faces/internal/database"
	"github.com/spf13/cobra"
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Inspect and cancel background jobs",
}

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent jobs",
	Args:  cobra.NoArgs,
	RunE:  runJobList,
}

var jobGetCmd = &cobra.Command{
	Use:   "get <job-id>",
	Short: "Show a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobGet,
}

var jobCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a pending job",
	Long:  "Cancel a job that has not started yet. Running jobs are left alone.",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobCancel,
}

func init() {
	rootCmd.AddCommand(jobCmd)
	jobCmd.AddCommand(jobListCmd)
	jobCmd.AddCommand(jobGetCmd)
	jobCmd.AddCommand(jobCancelCmd)

	jobCmd.PersistentFlags().Bool("json", false, "Output as JSON")
	jobListCmd.Flags().String("status", "", "Filter by status")
	jobListCmd.Flags().String("type", "", "Filter by job type")
	jobListCmd.Flags().Int("limit", 20, "Maximum jobs to list")
}

func runJobList(cmd *cobra.Command, args []string) error {
	jsonOutput := mustGetBool(cmd, "json")
	filter := database.JobFilter{
		Status: database.JobStatus(mustGetString(cmd, "status")),
		Type:   database.JobType(mustGetString(cmd, "type")),
		Limit:  mustGetInt(cmd, "limit"),
	}
	ctx := context.Background()

	a, err := newApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.close()

	list, err := a.service.ListJobs(ctx, filter)
	if err != nil {
		return fmt.Errorf("listing jobs: %w", err)
	}
	if jsonOutput {
		return outputJSON(list)
	}
	if len(list) == 0 {
		fmt.Println("No jobs found")
		return nil
	}
	fmt.Printf("%-36s %-18s %-10s %4s %5s  %s\n", "ID", "TYPE", "STATUS", "PRIO", "PROG", "CREATED")
	for _, j := range list {
		fmt.Printf("%-36s %-18s %-10s %4d %4d%%  %s\n",
			j.ID, j.Type, j.Status, j.Priority, j.Progress, j.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return nil
}

func runJobGet(cmd *cobra.Command, args []string) error {
	jsonOutput := mustGetBool(cmd, "json")
	ctx := context.Background()

	a, err := newApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.close()

	job, err := a.service.GetJob(ctx, args[0])
	if err != nil {
		return err
	}
	if jsonOutput {
		return outputJSON(job)
	}
	fmt.Printf("Job %s\n", job.ID)
	fmt.Printf("  Type:     %s\n", job.Type)
	fmt.Printf("  Status:   %s\n", job.Status)
	fmt.Printf("  Progress: %d%%", job.Progress)
	if job.Phase != "" {
		fmt.Printf(" (%s)", job.Phase)
	}
	fmt.Println()
	fmt.Printf("  Retries:  %d/%d\n", job.Retries, job.MaxRetries)
	for _, e := range job.Errors {
		fmt.Printf("  Error:    %s\n", e)
	}
	if len(job.Result) > 0 {
		fmt.Printf("  Result:   %s\n", job.Result)
	}
	return nil
}

func runJobCancel(cmd *cobra.Command, args []string) error {
	jsonOutput := mustGetBool(cmd, "json")
	ctx := context.Background()

	a, err := newApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.close()

	job, cancelled, err := a.service.CancelJob(ctx, args[0])
	if err != nil {
		return err
	}
	if jsonOutput {
		return outputJSON(map[string]any{"job": job, "cancelled": cancelled})
	}
	if cancelled {
		fmt.Printf("Job %s cancelled\n", job.ID)
	} else {
		fmt.Printf("Job %s is %s and was not cancelled\n", job.ID, job.Status)
	}
	return nil
}

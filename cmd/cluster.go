package cmd

import (
	"context"
	"fmt"

	"github.com/kozaktomas/photo-faces/internal/clustering"
	"github.com/kozaktomas/photo-faces/internal/database"
	"github.com/spf13/cobra"
)

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Group unassigned faces into clusters for review",
	Long: `Run a clustering pass over unassigned faces.

Faces already held by a pending cluster are skipped unless --rebuild is given,
which deletes every pending cluster first. Unset flags fall back to the
configured clustering policy.

Examples:
  # Cluster with the configured policy
  photo-faces cluster

  # Start over with a stricter threshold using bounding box similarity
  photo-faces cluster --rebuild --threshold 0.8 --method bbox`,
	Args: cobra.NoArgs,
	RunE: runCluster,
}

var clusterListCmd = &cobra.Command{
	Use:   "list",
	Short: "List clusters",
	Args:  cobra.NoArgs,
	RunE:  runClusterList,
}

var clusterShowCmd = &cobra.Command{
	Use:   "show <cluster-id>",
	Short: "Show a cluster and its member faces",
	Args:  cobra.ExactArgs(1),
	RunE:  runClusterShow,
}

var clusterReviewCmd = &cobra.Command{
	Use:   "review <cluster-id>",
	Short: "Approve, reject or assign a pending cluster",
	Long: `Apply a review decision to a pending cluster.

  approve   mark the cluster reviewed, faces stay unassigned
  reject    delete the cluster and release its faces for the next run
  assign    assign every member face to --person`,
	Args: cobra.ExactArgs(1),
	RunE: runClusterReview,
}

func init() {
	rootCmd.AddCommand(clusterCmd)
	clusterCmd.AddCommand(clusterListCmd)
	clusterCmd.AddCommand(clusterShowCmd)
	clusterCmd.AddCommand(clusterReviewCmd)

	clusterCmd.Flags().Float64("threshold", 0, "Similarity threshold in (0, 1]")
	clusterCmd.Flags().Int("min-size", 0, "Minimum faces per cluster")
	clusterCmd.Flags().Int("max-size", 0, "Maximum faces per cluster")
	clusterCmd.Flags().String("method", "", "Similarity method: bbox or embedding")
	clusterCmd.Flags().Int("max-faces", 0, "Cap the number of candidate faces")
	clusterCmd.Flags().Float64("min-confidence", 0, "Minimum detection confidence of candidate faces")
	clusterCmd.Flags().Bool("rebuild", false, "Delete pending clusters before clustering")
	clusterCmd.Flags().Bool("rebuild-similarities", false, "Also drop cached similarity scores")
	clusterCmd.Flags().Bool("json", false, "Output as JSON")

	clusterListCmd.Flags().String("state", "", "Filter by state: pending, reviewed, assigned")
	clusterListCmd.Flags().Bool("json", false, "Output as JSON")

	clusterShowCmd.Flags().Bool("json", false, "Output as JSON")

	clusterReviewCmd.Flags().String("action", "", "Review action: approve, reject or assign")
	clusterReviewCmd.Flags().Int64("person", 0, "Person to assign the cluster to")
	clusterReviewCmd.Flags().String("notes", "", "Review notes")
	clusterReviewCmd.Flags().Bool("json", false, "Output as JSON")
	_ = clusterReviewCmd.MarkFlagRequired("action")
}

// clusteringOptions overlays the flags that were set on the configured options.
func clusteringOptions(cmd *cobra.Command, defaults clustering.Options) clustering.Options {
	opts := defaults
	if cmd.Flags().Changed("threshold") {
		opts.SimilarityThreshold = mustGetFloat64(cmd, "threshold")
	}
	if cmd.Flags().Changed("min-size") {
		opts.MinClusterSize = mustGetInt(cmd, "min-size")
	}
	if cmd.Flags().Changed("max-size") {
		opts.MaxClusterSize = mustGetInt(cmd, "max-size")
	}
	if cmd.Flags().Changed("method") {
		opts.Method = database.SimilarityMethod(mustGetString(cmd, "method"))
	}
	if cmd.Flags().Changed("max-faces") {
		opts.MaxFaces = mustGetInt(cmd, "max-faces")
	}
	if cmd.Flags().Changed("min-confidence") {
		opts.MinDetectionConfidence = mustGetFloat64(cmd, "min-confidence")
	}
	opts.Rebuild = mustGetBool(cmd, "rebuild")
	opts.RebuildSimilarities = mustGetBool(cmd, "rebuild-similarities")
	return opts
}

func runCluster(cmd *cobra.Command, args []string) error {
	jsonOutput := mustGetBool(cmd, "json")
	ctx := context.Background()

	a, err := newApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.close()
	if err := a.start(ctx); err != nil {
		return err
	}

	opts := clusteringOptions(cmd, a.service.DefaultClusteringOptions())
	job, err := a.service.StartClustering(ctx, opts)
	if err != nil {
		return fmt.Errorf("starting clustering: %w", err)
	}
	job, err = waitForJob(ctx, a, job, jsonOutput)
	if err != nil {
		return err
	}

	var result clustering.Result
	if err := printJob(job, &result, jsonOutput); err != nil || jsonOutput {
		return err
	}
	fmt.Printf("  Faces processed:        %d\n", result.FacesProcessed)
	fmt.Printf("  Similarities computed:  %d\n", result.SimilaritiesCalculated)
	fmt.Printf("  Clusters created:       %d\n", result.ClustersCreated)
	if result.ClustersDeleted > 0 {
		fmt.Printf("  Pending clusters removed: %d\n", result.ClustersDeleted)
	}
	if result.ConflictsSkipped > 0 {
		fmt.Printf("  Skipped after conflicts:  %d\n", result.ConflictsSkipped)
	}
	fmt.Printf("  Duration:               %s\n", result.TimeElapsed)
	return nil
}

func runClusterList(cmd *cobra.Command, args []string) error {
	jsonOutput := mustGetBool(cmd, "json")
	state := database.ClusterState(mustGetString(cmd, "state"))
	ctx := context.Background()

	a, err := newApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.close()

	clusters, err := a.service.ListClusters(ctx, state)
	if err != nil {
		return fmt.Errorf("listing clusters: %w", err)
	}
	if jsonOutput {
		return outputJSON(clusters)
	}
	if len(clusters) == 0 {
		fmt.Println("No clusters found")
		return nil
	}
	fmt.Printf("%-8s %-10s %-10s %6s %10s  %s\n", "ID", "STATE", "METHOD", "FACES", "THRESHOLD", "CREATED")
	for _, c := range clusters {
		fmt.Printf("%-8d %-10s %-10s %6d %10.2f  %s\n",
			c.ID, c.State, c.Method, c.FaceCount, c.SimilarityThreshold, c.CreatedAt.Format("2006-01-02 15:04"))
	}
	return nil
}

func runClusterShow(cmd *cobra.Command, args []string) error {
	jsonOutput := mustGetBool(cmd, "json")
	id, err := parseID("cluster id", args[0])
	if err != nil {
		return err
	}
	ctx := context.Background()

	a, err := newApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.close()

	detail, err := a.service.GetCluster(ctx, id)
	if err != nil {
		return fmt.Errorf("getting cluster: %w", err)
	}
	if jsonOutput {
		return outputJSON(detail)
	}

	fmt.Printf("Cluster %d (%s, %s)\n", detail.ID, detail.State, detail.Method)
	fmt.Printf("  Representative face: %d\n", detail.RepresentativeFaceID)
	if detail.AssignedPersonID != nil {
		fmt.Printf("  Assigned to person:  %d\n", *detail.AssignedPersonID)
	}
	if detail.Notes != "" {
		fmt.Printf("  Notes:               %s\n", detail.Notes)
	}
	fmt.Println("\nMembers:")
	for _, m := range detail.Members {
		marker := ""
		if m.IsRepresentative {
			marker = " *"
		}
		path := ""
		if m.Face != nil {
			path = m.Face.ImagePath
		}
		fmt.Printf("  %-8d %.3f  %s%s\n", m.FaceID, m.SimilarityToCluster, path, marker)
	}
	return nil
}

func runClusterReview(cmd *cobra.Command, args []string) error {
	jsonOutput := mustGetBool(cmd, "json")
	id, err := parseID("cluster id", args[0])
	if err != nil {
		return err
	}
	req := clustering.ReviewRequest{
		Action:   clustering.ReviewAction(mustGetString(cmd, "action")),
		Notes:    mustGetString(cmd, "notes"),
		PersonID: mustGetInt64(cmd, "person"),
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

	result, err := a.service.ReviewCluster(ctx, id, req)
	if err != nil {
		return fmt.Errorf("reviewing cluster: %w", err)
	}
	// Assigning schedules a consistency check of the person.
	if err := a.executor.Drain(ctx); err != nil {
		return fmt.Errorf("waiting for follow-up jobs: %w", err)
	}
	if jsonOutput {
		return outputJSON(result)
	}
	switch result.Action {
	case clustering.ActionReject:
		fmt.Printf("Cluster %d rejected, %d faces released\n", id, result.FacesReleased)
	case clustering.ActionAssign:
		fmt.Printf("Cluster %d assigned to person %d (%d faces)\n", id, req.PersonID, result.FacesAssigned)
	default:
		fmt.Printf("Cluster %d marked reviewed\n", id)
	}
	return nil
}

package cmd

import (
	"context"
	"fmt"

	"github.com/kozaktomas/photo-faces/internal/identity"
	"github.com/spf13/cobra"
)

var faceCmd = &cobra.Command{
	Use:   "face",
	Short: "Change the assignment of a single face",
}

var faceAssignCmd = &cobra.Command{
	Use:   "assign <face-id> <person-id>",
	Short: "Manually assign a face to a person",
	Args:  cobra.ExactArgs(2),
	RunE:  runFaceAssign,
}

var faceMarkCmd = &cobra.Command{
	Use:   "mark <face-id> <invalid|unknown|unassigned>",
	Short: "Mark a face invalid or unknown, or clear its assignment",
	Args:  cobra.ExactArgs(2),
	RunE:  runFaceMark,
}

var faceDeleteCmd = &cobra.Command{
	Use:   "delete <face-id>",
	Short: "Delete a face and remove it from the recognizer",
	Args:  cobra.ExactArgs(1),
	RunE:  runFaceDelete,
}

func init() {
	rootCmd.AddCommand(faceCmd)
	faceCmd.AddCommand(faceAssignCmd)
	faceCmd.AddCommand(faceMarkCmd)
	faceCmd.AddCommand(faceDeleteCmd)

	faceCmd.PersistentFlags().Bool("json", false, "Output as JSON")
}

// faceCommand runs fn against a started app. Follow-up jobs enqueued by the
// change run before the command returns.
func faceCommand(cmd *cobra.Command, fn func(ctx context.Context, a *app) (*identity.FaceUpdate, error)) error {
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

	update, err := fn(ctx, a)
	if err != nil {
		return err
	}
	for i, job := range update.Jobs {
		done, err := waitForJob(ctx, a, job, true)
		if err != nil {
			return err
		}
		update.Jobs[i] = done
	}
	if jsonOutput {
		return outputJSON(update)
	}

	fmt.Printf("Face %d: %s\n", update.Face.ID, update.Face.Assignment)
	for _, job := range update.Jobs {
		fmt.Printf("  %s job %s: %s\n", job.Type, job.ID, job.Status)
	}
	return nil
}

func runFaceAssign(cmd *cobra.Command, args []string) error {
	faceID, err := parseID("face id", args[0])
	if err != nil {
		return err
	}
	personID, err := parseID("person id", args[1])
	if err != nil {
		return err
	}
	return faceCommand(cmd, func(ctx context.Context, a *app) (*identity.FaceUpdate, error) {
		return a.service.AssignFace(ctx, faceID, personID)
	})
}

func runFaceMark(cmd *cobra.Command, args []string) error {
	faceID, err := parseID("face id", args[0])
	if err != nil {
		return err
	}
	var mark func(ctx context.Context, s *identity.Service) (*identity.FaceUpdate, error)
	switch args[1] {
	case "invalid":
		mark = func(ctx context.Context, s *identity.Service) (*identity.FaceUpdate, error) {
			return s.MarkFaceInvalid(ctx, faceID)
		}
	case "unknown":
		mark = func(ctx context.Context, s *identity.Service) (*identity.FaceUpdate, error) {
			return s.MarkFaceUnknown(ctx, faceID)
		}
	case "unassigned":
		mark = func(ctx context.Context, s *identity.Service) (*identity.FaceUpdate, error) {
			return s.ClearFaceAssignment(ctx, faceID)
		}
	default:
		return fmt.Errorf("unknown mark %q: use invalid, unknown or unassigned", args[1])
	}
	return faceCommand(cmd, func(ctx context.Context, a *app) (*identity.FaceUpdate, error) {
		return mark(ctx, a.service)
	})
}

func runFaceDelete(cmd *cobra.Command, args []string) error {
	faceID, err := parseID("face id", args[0])
	if err != nil {
		return err
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

	if err := a.service.DeleteFace(ctx, faceID); err != nil {
		return fmt.Errorf("deleting face: %w", err)
	}
	// Removal from the recognizer and the follow-up check run as jobs.
	if err := a.executor.Drain(ctx); err != nil {
		return fmt.Errorf("waiting for follow-up jobs: %w", err)
	}
	fmt.Printf("Face %d deleted\n", faceID)
	return nil
}

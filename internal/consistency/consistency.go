// Package consistency reconciles local assignment bookkeeping with the recognizer.
package consistency

import (
	"context"
	"fmt"

	"github.com/kozaktomas/photo-faces/internal/apperr"
	"github.com/kozaktomas/photo-faces/internal/constants"
	"github.com/kozaktomas/photo-faces/internal/database"
	"github.com/kozaktomas/photo-faces/internal/facematch"
	"github.com/kozaktomas/photo-faces/internal/jobs"
	"github.com/kozaktomas/photo-faces/internal/recognizer"
	"github.com/kozaktomas/photo-faces/internal/training"
	"go.uber.org/zap"
)

// Finding kinds
const (
	KindMissingSubject         = "missing_subject"
	KindCountMismatch          = "count_mismatch"
	KindOrphanedAutoAssignment = "orphaned_auto_assignment"
	KindFaceCountDrift         = "face_count_drift"
)

// Mode tells a single-person check from a system-wide one.
type Mode string

const (
	ModeQuick Mode = "quick"
	ModeFull  Mode = "full"
)

// Options controls a check. PersonID 0 checks every person.
type Options struct {
	PersonID int64 `json:"person_id,omitempty"`
	Repair   bool  `json:"repair"`
}

func (o Options) mode() Mode {
	if o.PersonID > 0 {
		return ModeQuick
	}
	return ModeFull
}

// Finding is one detected inconsistency.
type Finding struct {
	PersonID int64  `json:"person_id"`
	Kind     string `json:"kind"`
	FaceID   int64  `json:"face_id,omitempty"`
	Local    int    `json:"local,omitempty"`
	Remote   int    `json:"remote,omitempty"`
	Detail   string `json:"detail"`
	Repaired bool   `json:"repaired,omitempty"`
}

// Violation converts the finding to an error value.
func (f Finding) Violation() *apperr.ConsistencyViolation {
	return &apperr.ConsistencyViolation{PersonID: f.PersonID, Kind: f.Kind, Detail: f.Detail}
}

// Report summarizes a check. Findings and Errors are bounded samples.
type Report struct {
	Mode                    Mode      `json:"mode"`
	Repair                  bool      `json:"repair"`
	PersonsChecked          int       `json:"persons_checked"`
	MissingSubjects         int       `json:"missing_subjects"`
	CountMismatches         int       `json:"count_mismatches"`
	OrphanedAutoAssignments int       `json:"orphaned_auto_assignments"`
	FaceCountDrifts         int       `json:"face_count_drifts"`
	SubjectsCreated         int       `json:"subjects_created"`
	AssignmentsCleared      int       `json:"assignments_cleared"`
	FaceCountsFixed         int       `json:"face_counts_fixed"`
	Findings                []Finding `json:"findings,omitempty"`
	Errors                  []string  `json:"errors,omitempty"`
}

// Clean reports whether no inconsistency was found.
func (r *Report) Clean() bool {
	return r.MissingSubjects+r.CountMismatches+r.OrphanedAutoAssignments+r.FaceCountDrifts == 0
}

func (r *Report) addFinding(f Finding) {
	switch f.Kind {
	case KindMissingSubject:
		r.MissingSubjects++
	case KindCountMismatch:
		r.CountMismatches++
	case KindOrphanedAutoAssignment:
		r.OrphanedAutoAssignments++
	case KindFaceCountDrift:
		r.FaceCountDrifts++
	}
	if len(r.Findings) < constants.MaxFindingSample {
		r.Findings = append(r.Findings, f)
	}
}

func (r *Report) addError(err error) {
	if len(r.Errors) < constants.MaxErrorSample {
		r.Errors = append(r.Errors, err.Error())
	}
}

// StatsProvider supplies the local training statistics of a person.
type StatsProvider interface {
	Stats(ctx context.Context, personID int64) (*training.Stats, error)
}

// Reconciler checks persons for drift between the store and the recognizer.
type Reconciler struct {
	store    database.Store
	rec      recognizer.Recognizer
	stats    StatsProvider
	executor *jobs.Executor
	logger   *zap.Logger
}

// NewReconciler creates a reconciler and registers its job handlers.
func NewReconciler(store database.Store, rec recognizer.Recognizer, stats StatsProvider, executor *jobs.Executor, logger *zap.Logger) *Reconciler {
	r := &Reconciler{store: store, rec: rec, stats: stats, executor: executor, logger: logger.Named("consistency")}
	executor.Register(jobs.TypeConsistencyQuick, r.handleJob)
	executor.Register(jobs.TypeConsistencyFull, r.handleJob)
	return r
}

// Run executes a check. A quick check of one person makes at most one recognizer call.
// Without Repair nothing is modified. Repair never deletes a subject.
func (r *Reconciler) Run(ctx context.Context, opts Options, progress func(percent int, phase string)) (*Report, error) {
	if opts.PersonID < 0 {
		return nil, apperr.Validation("person_id", "must not be negative")
	}
	if progress == nil {
		progress = func(int, string) {}
	}
	report := &Report{Mode: opts.mode(), Repair: opts.Repair}

	var persons []database.Person
	if opts.PersonID > 0 {
		person, err := r.store.GetPerson(ctx, opts.PersonID)
		if err != nil {
			return nil, fmt.Errorf("get person: %w", err)
		}
		persons = []database.Person{*person}
	} else {
		all, err := r.store.ListPersons(ctx)
		if err != nil {
			return nil, fmt.Errorf("list persons: %w", err)
		}
		persons = all
	}

	for i := range persons {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.PersonsChecked++
		if err := r.checkPerson(ctx, &persons[i], opts.Repair, report); err != nil {
			if report.Mode == ModeQuick {
				return report, err
			}
			// A full check carries on with the remaining persons.
			report.addError(fmt.Errorf("person %d: %w", persons[i].ID, err))
			r.logger.Warn("consistency check failed for person", zap.Int64("person_id", persons[i].ID), zap.Error(err))
		}
		progress((i+1)*100/len(persons), fmt.Sprintf("Checked %d/%d persons", i+1, len(persons)))
	}

	r.logger.Info("consistency check finished",
		zap.String("mode", string(report.Mode)),
		zap.Bool("repair", report.Repair),
		zap.Int("persons", report.PersonsChecked),
		zap.Int("missing_subjects", report.MissingSubjects),
		zap.Int("count_mismatches", report.CountMismatches),
		zap.Int("orphaned", report.OrphanedAutoAssignments),
		zap.Int("drifts", report.FaceCountDrifts))
	return report, nil
}

// checkPerson runs the checks in cost order: local ones first, then the single
// recognizer call.
func (r *Reconciler) checkPerson(ctx context.Context, person *database.Person, repair bool, report *Report) error {
	faces, err := r.store.GetFacesByPerson(ctx, person.ID)
	if err != nil {
		return fmt.Errorf("get faces: %w", err)
	}

	if person.FaceCount != len(faces) {
		f := Finding{
			PersonID: person.ID,
			Kind:     KindFaceCountDrift,
			Local:    person.FaceCount,
			Remote:   len(faces),
			Detail:   fmt.Sprintf("cached face_count %d, %d faces assigned", person.FaceCount, len(faces)),
		}
		if repair {
			if _, err := r.store.UpdateFaceCount(ctx, person.ID); err != nil {
				return fmt.Errorf("update face count: %w", err)
			}
			f.Repaired = true
			report.FaceCountsFixed++
		}
		report.addFinding(f)
	}

	// remote is the number of faces the recognizer holds for the person.
	remote := 0
	subjectCreated := false
	if !person.HasSubject() && len(faces) > 0 {
		f := Finding{
			PersonID: person.ID,
			Kind:     KindMissingSubject,
			Local:    len(faces),
			Detail:   fmt.Sprintf("%d assigned faces but no recognizer subject", len(faces)),
		}
		if repair {
			subjectID, err := r.rec.CreateSubject(ctx, facematch.SubjectName(person.Name, person.ID))
			if err != nil {
				return fmt.Errorf("create subject: %w", err)
			}
			if err := r.store.SetExternalSubject(ctx, person.ID, subjectID); err != nil {
				return fmt.Errorf("link subject: %w", err)
			}
			person.ExternalSubjectID = subjectID
			subjectCreated = true
			f.Repaired = true
			report.SubjectsCreated++
		}
		report.addFinding(f)
	}

	if person.HasSubject() && !subjectCreated {
		n, err := r.rec.ListFacesForSubject(ctx, person.ExternalSubjectID)
		if err != nil {
			return fmt.Errorf("list subject faces: %w", err)
		}
		remote = n

		stats, err := r.stats.Stats(ctx, person.ID)
		if err != nil {
			return fmt.Errorf("training stats: %w", err)
		}
		if stats.UploadedFaces != remote {
			// Reported only; uploads are repaired through training.
			report.addFinding(Finding{
				PersonID: person.ID,
				Kind:     KindCountMismatch,
				Local:    stats.UploadedFaces,
				Remote:   remote,
				Detail:   fmt.Sprintf("%d faces uploaded locally, recognizer holds %d", stats.UploadedFaces, remote),
			})
		}
	}

	if remote > 0 {
		return nil
	}
	for i := range faces {
		if faces[i].AssignmentSource != database.SourceAuto {
			continue
		}
		f := Finding{
			PersonID: person.ID,
			Kind:     KindOrphanedAutoAssignment,
			FaceID:   faces[i].ID,
			Detail:   "auto assignment without training data in the recognizer",
		}
		if repair {
			err := r.store.AssignFaceIf(ctx, faces[i].ID, database.AssignedTo(person.ID), database.Unassigned(), database.SourceNone)
			switch {
			case err == nil:
				f.Repaired = true
				report.AssignmentsCleared++
			case apperr.IsConflict(err):
				// Reassigned since we read it; the new assignment is not ours to clear.
				report.addError(err)
			default:
				return fmt.Errorf("clear assignment of face %d: %w", faces[i].ID, err)
			}
		}
		report.addFinding(f)
	}
	return nil
}

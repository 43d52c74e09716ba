package review

import (
	"context"

	"github.com/drfirst/go-mtr/internal/domain/mtr"
	"github.com/drfirst/go-mtr/internal/workflow"
)

// SessionStore persists sessions. Writes carry the audit events of the
// change so the record and its audit trail commit together.
//
// UpdateSession is a compare-and-swap on Session.Version: it fails with a
// conflict when the stored version differs and bumps the version on success.
// CreateSession fails with a business rule error when the patient already
// has an active session.
type SessionStore interface {
	CreateSession(ctx context.Context, s *mtr.Session, events ...*mtr.Event) error
	GetSession(ctx context.Context, id string) (*mtr.Session, error)
	UpdateSession(ctx context.Context, s *mtr.Session, events ...*mtr.Event) error
	FindActiveSession(ctx context.Context, patientID string) (*mtr.Session, error)
}

// ProblemStore persists drug therapy problems. AddProblems also saves the
// session whose reference list changed.
type ProblemStore interface {
	AddProblems(ctx context.Context, s *mtr.Session, problems []*mtr.Problem, events ...*mtr.Event) error
	GetProblem(ctx context.Context, id string) (*mtr.Problem, error)
	UpdateProblem(ctx context.Context, p *mtr.Problem, events ...*mtr.Event) error
	ListProblems(ctx context.Context, reviewID string) ([]*mtr.Problem, error)
}

// InterventionStore persists interventions
type InterventionStore interface {
	AddIntervention(ctx context.Context, s *mtr.Session, i *mtr.Intervention, events ...*mtr.Event) error
	GetIntervention(ctx context.Context, id string) (*mtr.Intervention, error)
	UpdateIntervention(ctx context.Context, i *mtr.Intervention, events ...*mtr.Event) error
	ListInterventions(ctx context.Context, reviewID string) ([]*mtr.Intervention, error)
}

// FollowUpStore persists follow-ups. CompleteFollowUp saves the follow-up
// and its linked intervention, when i is not nil, in one write.
type FollowUpStore interface {
	AddFollowUp(ctx context.Context, s *mtr.Session, f *mtr.FollowUp, events ...*mtr.Event) error
	GetFollowUp(ctx context.Context, id string) (*mtr.FollowUp, error)
	UpdateFollowUp(ctx context.Context, f *mtr.FollowUp, events ...*mtr.Event) error
	CompleteFollowUp(ctx context.Context, f *mtr.FollowUp, i *mtr.Intervention, events ...*mtr.Event) error
	ListFollowUps(ctx context.Context, reviewID string) ([]*mtr.FollowUp, error)
}

// ReviewNumbers allocates review sequence numbers. Each call returns the
// next number of the (workplace, period) counter atomically.
type ReviewNumbers interface {
	NextReviewSequence(ctx context.Context, workplaceID, period string) (int, error)
}

// AuditLog reads back the audit trail written alongside each change
type AuditLog interface {
	AuditTrail(ctx context.Context, reviewID string) ([]*mtr.Event, error)
}

// Store is everything the service needs from persistence
type Store interface {
	workflow.Facts
	ReviewNumbers
	SessionStore
	ProblemStore
	InterventionStore
	FollowUpStore
	AuditLog
}

// Locker serializes work on one key across processes
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

package review

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-mtr/internal/apperr"
	"github.com/drfirst/go-mtr/internal/domain/mtr"
)

// AddProblem records a manually identified drug therapy problem
func (s *Service) AddProblem(ctx context.Context, sessionID string, p *mtr.Problem, userID string) (*mtr.Problem, error) {
	ctx, span := s.tracer.Start(ctx, "add_problem", trace.WithAttributes(attribute.String("session_id", sessionID)))
	defer span.End()
	defer s.observe("add_problem", s.now())

	unlock, err := s.lock(ctx, sessionID)
	if err != nil {
		return nil, s.fail(span, "add_problem", err)
	}
	defer unlock()

	session, err := s.editable(ctx, sessionID)
	if err != nil {
		return nil, s.fail(span, "add_problem", err)
	}
	if err := checkReviewID(p.ReviewID, sessionID); err != nil {
		return nil, s.fail(span, "add_problem", err)
	}

	now := s.now()
	p.ID = uuid.New().String()
	p.ReviewID = session.ID
	p.PatientID = session.PatientID
	p.WorkplaceID = session.WorkplaceID
	if p.Status == "" {
		p.Status = mtr.ProblemIdentified
	}
	p.IdentifiedBy = userID
	p.IdentifiedAt = now
	p.CreatedAt = now
	p.UpdatedAt = now
	if errs := p.Validate(); len(errs) > 0 {
		return nil, s.fail(span, "add_problem", apperr.Validation(errs...))
	}

	session.AttachProblem(p.ID)
	session.UpdatedBy = userID
	session.UpdatedAt = now
	ev, err := s.event(ctx, session, userID, mtr.AggregateProblem, p.ID, mtr.EventProblemCreated, problemCreated(p, false))
	if err != nil {
		return nil, s.fail(span, "add_problem", err)
	}
	if err := s.store.AddProblems(ctx, session, []*mtr.Problem{p}, ev); err != nil {
		return nil, s.fail(span, "add_problem", err)
	}

	s.metrics.ProblemsIdentified.WithLabelValues(string(p.Type), string(p.Severity)).Inc()
	s.logger.Info("drug therapy problem recorded",
		zap.String("session_id", session.ID),
		zap.String("problem_id", p.ID),
		zap.String("type", string(p.Type)),
		zap.String("severity", string(p.Severity)))
	return p, nil
}

// ProblemStatusChange is a requested problem status transition. Action and
// Outcome describe the resolution when moving to resolved.
type ProblemStatusChange struct {
	Status  mtr.ProblemStatus
	Action  string
	Outcome string
}

// UpdateProblemStatus moves a problem through its lifecycle
func (s *Service) UpdateProblemStatus(ctx context.Context, sessionID, problemID string, change ProblemStatusChange, userID string) (*mtr.Problem, error) {
	ctx, span := s.tracer.Start(ctx, "update_problem_status",
		trace.WithAttributes(
			attribute.String("session_id", sessionID),
			attribute.String("problem_id", problemID),
		))
	defer span.End()

	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, s.fail(span, "update_problem_status", err)
	}
	p, err := s.store.GetProblem(ctx, problemID)
	if err != nil {
		return nil, s.fail(span, "update_problem_status", err)
	}
	if p.ReviewID != session.ID {
		return nil, s.fail(span, "update_problem_status", apperr.BusinessRule("Problem does not belong to this session"))
	}

	status, ok := mtr.ParseProblemStatus(string(change.Status))
	if !ok {
		return nil, s.fail(span, "update_problem_status", apperr.Validation(fmt.Sprintf("invalid status: %s", change.Status)))
	}

	from := p.Status
	now := s.now()
	if status == mtr.ProblemResolved {
		p.Resolve(change.Action, change.Outcome, userID, now)
	} else if err := p.SetStatus(status, userID, now); err != nil {
		return nil, s.fail(span, "update_problem_status", apperr.Validation(err.Error()))
	}

	ev, err := s.event(ctx, session, userID, mtr.AggregateProblem, p.ID, mtr.EventProblemStatusChanged, mtr.StatusChangedData{
		From: string(from),
		To:   string(p.Status),
	})
	if err != nil {
		return nil, s.fail(span, "update_problem_status", err)
	}
	if err := s.store.UpdateProblem(ctx, p, ev); err != nil {
		return nil, s.fail(span, "update_problem_status", err)
	}
	return p, nil
}

// AddIntervention documents a pharmacist intervention
func (s *Service) AddIntervention(ctx context.Context, sessionID string, i *mtr.Intervention, userID string) (*mtr.Intervention, error) {
	ctx, span := s.tracer.Start(ctx, "add_intervention", trace.WithAttributes(attribute.String("session_id", sessionID)))
	defer span.End()
	defer s.observe("add_intervention", s.now())

	unlock, err := s.lock(ctx, sessionID)
	if err != nil {
		return nil, s.fail(span, "add_intervention", err)
	}
	defer unlock()

	session, err := s.editable(ctx, sessionID)
	if err != nil {
		return nil, s.fail(span, "add_intervention", err)
	}
	if err := checkReviewID(i.ReviewID, sessionID); err != nil {
		return nil, s.fail(span, "add_intervention", err)
	}
	if i.ProblemID != "" {
		if err := s.belongsToSession(ctx, session.ID, "problem", i.ProblemID, func() (string, error) {
			p, err := s.store.GetProblem(ctx, i.ProblemID)
			if err != nil {
				return "", err
			}
			return p.ReviewID, nil
		}); err != nil {
			return nil, s.fail(span, "add_intervention", err)
		}
	}

	now := s.now()
	i.ID = uuid.New().String()
	i.ReviewID = session.ID
	i.PatientID = session.PatientID
	i.WorkplaceID = session.WorkplaceID
	i.PerformedBy = userID
	if i.PerformedAt.IsZero() {
		i.PerformedAt = now
	}
	i.CreatedAt = now
	i.UpdatedAt = now
	i.ApplyDefaults()
	if errs := i.Validate(); len(errs) > 0 {
		return nil, s.fail(span, "add_intervention", apperr.Validation(errs...))
	}

	session.AttachIntervention(i.ID)
	session.UpdatedBy = userID
	session.UpdatedAt = now
	ev, err := s.event(ctx, session, userID, mtr.AggregateIntervention, i.ID, mtr.EventInterventionCreated, mtr.EntityCreatedData{
		EntityID: i.ID,
		Type:     string(i.Type),
		Priority: string(i.Priority),
	})
	if err != nil {
		return nil, s.fail(span, "add_intervention", err)
	}
	if err := s.store.AddIntervention(ctx, session, i, ev); err != nil {
		return nil, s.fail(span, "add_intervention", err)
	}

	s.logger.Info("intervention recorded",
		zap.String("session_id", session.ID),
		zap.String("intervention_id", i.ID),
		zap.Bool("follow_up_required", i.FollowUpRequired))
	return i, nil
}

// RecordInterventionOutcome stores how the intervention was received
func (s *Service) RecordInterventionOutcome(ctx context.Context, sessionID, interventionID string, outcome mtr.InterventionOutcome, details, userID string) (*mtr.Intervention, error) {
	ctx, span := s.tracer.Start(ctx, "record_intervention_outcome",
		trace.WithAttributes(attribute.String("intervention_id", interventionID)))
	defer span.End()

	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, s.fail(span, "record_intervention_outcome", err)
	}
	i, err := s.store.GetIntervention(ctx, interventionID)
	if err != nil {
		return nil, s.fail(span, "record_intervention_outcome", err)
	}
	if i.ReviewID != session.ID {
		return nil, s.fail(span, "record_intervention_outcome", apperr.BusinessRule("Intervention does not belong to this session"))
	}

	from := i.Outcome
	if err := i.RecordOutcome(outcome, details, userID, s.now()); err != nil {
		return nil, s.fail(span, "record_intervention_outcome", apperr.Validation(err.Error()))
	}
	ev, err := s.event(ctx, session, userID, mtr.AggregateIntervention, i.ID, mtr.EventInterventionOutcome, mtr.StatusChangedData{
		From:   string(from),
		To:     string(i.Outcome),
		Reason: details,
	})
	if err != nil {
		return nil, s.fail(span, "record_intervention_outcome", err)
	}
	if err := s.store.UpdateIntervention(ctx, i, ev); err != nil {
		return nil, s.fail(span, "record_intervention_outcome", err)
	}
	return i, nil
}

// AddFollowUp schedules a follow-up with default reminders
func (s *Service) AddFollowUp(ctx context.Context, sessionID string, f *mtr.FollowUp, userID string) (*mtr.FollowUp, error) {
	ctx, span := s.tracer.Start(ctx, "add_follow_up", trace.WithAttributes(attribute.String("session_id", sessionID)))
	defer span.End()
	defer s.observe("add_follow_up", s.now())

	unlock, err := s.lock(ctx, sessionID)
	if err != nil {
		return nil, s.fail(span, "add_follow_up", err)
	}
	defer unlock()

	session, err := s.editable(ctx, sessionID)
	if err != nil {
		return nil, s.fail(span, "add_follow_up", err)
	}
	if err := checkReviewID(f.ReviewID, sessionID); err != nil {
		return nil, s.fail(span, "add_follow_up", err)
	}
	if f.InterventionID != "" {
		if err := s.belongsToSession(ctx, session.ID, "intervention", f.InterventionID, func() (string, error) {
			i, err := s.store.GetIntervention(ctx, f.InterventionID)
			if err != nil {
				return "", err
			}
			return i.ReviewID, nil
		}); err != nil {
			return nil, s.fail(span, "add_follow_up", err)
		}
	}

	now := s.now()
	f.ID = uuid.New().String()
	f.ReviewID = session.ID
	f.PatientID = session.PatientID
	f.WorkplaceID = session.WorkplaceID
	f.CreatedBy = userID
	if f.AssignedTo == "" {
		f.AssignedTo = userID
	}
	if errs := f.Prepare(now); len(errs) > 0 {
		return nil, s.fail(span, "add_follow_up", apperr.Validation(errs...))
	}

	session.AttachFollowUp(f.ID)
	session.UpdatedBy = userID
	session.UpdatedAt = now
	ev, err := s.event(ctx, session, userID, mtr.AggregateFollowUp, f.ID, mtr.EventFollowUpCreated, mtr.EntityCreatedData{
		EntityID: f.ID,
		Type:     string(f.Type),
		Priority: string(f.Priority),
	})
	if err != nil {
		return nil, s.fail(span, "add_follow_up", err)
	}
	if err := s.store.AddFollowUp(ctx, session, f, ev); err != nil {
		return nil, s.fail(span, "add_follow_up", err)
	}

	s.logger.Info("follow-up scheduled",
		zap.String("session_id", session.ID),
		zap.String("follow_up_id", f.ID),
		zap.Time("scheduled_date", f.ScheduledDate))
	return f, nil
}

// CompleteFollowUp records the follow-up outcome. The linked intervention's
// follow-up is marked done as well.
func (s *Service) CompleteFollowUp(ctx context.Context, sessionID, followUpID string, outcome *mtr.FollowUpOutcome, userID string) (*mtr.FollowUp, error) {
	ctx, span := s.tracer.Start(ctx, "complete_follow_up",
		trace.WithAttributes(attribute.String("follow_up_id", followUpID)))
	defer span.End()

	session, f, err := s.loadFollowUp(ctx, sessionID, followUpID)
	if err != nil {
		return nil, s.fail(span, "complete_follow_up", err)
	}

	now := s.now()
	if err := f.Complete(outcome, userID, now); err != nil {
		return nil, s.fail(span, "complete_follow_up", followUpError(err))
	}
	ev, err := s.event(ctx, session, userID, mtr.AggregateFollowUp, f.ID, mtr.EventFollowUpCompleted, mtr.StatusChangedData{
		To:     string(f.Status),
		Reason: outcome.Status,
	})
	if err != nil {
		return nil, s.fail(span, "complete_follow_up", err)
	}
	events := []*mtr.Event{ev}

	var linked *mtr.Intervention
	if f.InterventionID != "" {
		linked, err = s.store.GetIntervention(ctx, f.InterventionID)
		if err != nil {
			return nil, s.fail(span, "complete_follow_up", err)
		}
		linked.CompleteFollowUp(userID, now)
		iev, err := s.event(ctx, session, userID, mtr.AggregateIntervention, linked.ID, mtr.EventInterventionFollowUp, mtr.StatusChangedData{
			To:     string(f.Status),
			Reason: "follow-up " + f.ID,
		})
		if err != nil {
			return nil, s.fail(span, "complete_follow_up", err)
		}
		events = append(events, iev)
	}

	if err := s.store.CompleteFollowUp(ctx, f, linked, events...); err != nil {
		return nil, s.fail(span, "complete_follow_up", err)
	}
	return f, nil
}

// RescheduleFollowUp moves a follow-up to a new date
func (s *Service) RescheduleFollowUp(ctx context.Context, sessionID, followUpID string, newDate time.Time, reason, userID string) (*mtr.FollowUp, error) {
	ctx, span := s.tracer.Start(ctx, "reschedule_follow_up",
		trace.WithAttributes(attribute.String("follow_up_id", followUpID)))
	defer span.End()

	session, f, err := s.loadFollowUp(ctx, sessionID, followUpID)
	if err != nil {
		return nil, s.fail(span, "reschedule_follow_up", err)
	}

	from := f.ScheduledDate
	if err := f.Reschedule(newDate, reason, userID, s.now()); err != nil {
		return nil, s.fail(span, "reschedule_follow_up", followUpError(err))
	}
	ev, err := s.event(ctx, session, userID, mtr.AggregateFollowUp, f.ID, mtr.EventFollowUpRescheduled, mtr.StatusChangedData{
		From:   from.Format(time.RFC3339),
		To:     newDate.Format(time.RFC3339),
		Reason: reason,
	})
	if err != nil {
		return nil, s.fail(span, "reschedule_follow_up", err)
	}
	if err := s.store.UpdateFollowUp(ctx, f, ev); err != nil {
		return nil, s.fail(span, "reschedule_follow_up", err)
	}
	return f, nil
}

// ListProblems returns the problems of a session
func (s *Service) ListProblems(ctx context.Context, sessionID string) ([]*mtr.Problem, error) {
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.store.ListProblems(ctx, sessionID)
}

// ListInterventions returns the interventions of a session
func (s *Service) ListInterventions(ctx context.Context, sessionID string) ([]*mtr.Intervention, error) {
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.store.ListInterventions(ctx, sessionID)
}

// ListFollowUps returns the follow-ups of a session
func (s *Service) ListFollowUps(ctx context.Context, sessionID string) ([]*mtr.FollowUp, error) {
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.store.ListFollowUps(ctx, sessionID)
}

// AuditTrail returns the recorded events of a session
func (s *Service) AuditTrail(ctx context.Context, sessionID string) ([]*mtr.Event, error) {
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.store.AuditTrail(ctx, sessionID)
}

func (s *Service) loadFollowUp(ctx context.Context, sessionID, followUpID string) (*mtr.Session, *mtr.FollowUp, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	f, err := s.store.GetFollowUp(ctx, followUpID)
	if err != nil {
		return nil, nil, err
	}
	if f.ReviewID != session.ID {
		return nil, nil, apperr.BusinessRule("Follow-up does not belong to this session")
	}
	return session, f, nil
}

// belongsToSession checks that a referenced entity exists and is part of
// the same review.
func (s *Service) belongsToSession(ctx context.Context, sessionID, resource, id string, reviewOf func() (string, error)) error {
	reviewID, err := reviewOf()
	if apperr.IsKind(err, apperr.KindNotFound) {
		return apperr.Validation(fmt.Sprintf("%s %s does not exist", resource, id))
	}
	if err != nil {
		return err
	}
	if reviewID != sessionID {
		return apperr.Validation(fmt.Sprintf("%s %s belongs to another session", resource, id))
	}
	return nil
}

// checkReviewID rejects a payload whose reviewId names another session
func checkReviewID(reviewID, sessionID string) error {
	if reviewID != "" && reviewID != sessionID {
		return apperr.Validation("reviewId does not match session")
	}
	return nil
}

func followUpError(err error) error {
	if err = transitionError(err); apperr.IsKind(err, apperr.KindBusinessRule) {
		return err
	}
	return apperr.Validation(err.Error())
}

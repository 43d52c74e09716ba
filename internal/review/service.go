// Package review orchestrates the medication therapy review use cases on
// top of the workflow engine, interaction checker and stores.
package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/drfirst/go-mtr/internal/apperr"
	"github.com/drfirst/go-mtr/internal/domain/mtr"
	"github.com/drfirst/go-mtr/internal/infrastructure/redislock"
	"github.com/drfirst/go-mtr/internal/interaction"
	"github.com/drfirst/go-mtr/internal/observability/metrics"
	"github.com/drfirst/go-mtr/internal/synthesizer"
	"github.com/drfirst/go-mtr/internal/workflow"
)

// Service implements the MTR use cases
type Service struct {
	store   Store
	engine  *workflow.Engine
	checker *interaction.Checker
	locker  Locker
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// Option configures a Service
type Option func(*Service)

// WithLocker serializes mutations of one session through l
func WithLocker(l Locker) Option { return func(s *Service) { s.locker = l } }

// WithMetrics sets the metrics sink
func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }

// WithClock overrides the time source
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// NewService creates the orchestrator
func NewService(store Store, checker *interaction.Checker, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		store:   store,
		engine:  workflow.NewEngine(store),
		checker: checker,
		logger:  logger,
		tracer:  otel.Tracer("mtr-review"),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.New(prometheus.NewRegistry())
	}
	return s
}

// CreateSessionInput carries the fields of a new session
type CreateSessionInput struct {
	PatientID    string
	PharmacistID string
	WorkplaceID  string
	Options      mtr.SessionOptions
}

// StepResult is the outcome of a step change
type StepResult struct {
	Session    *mtr.Session               `json:"session"`
	Validation *workflow.ValidationResult `json:"validation"`
	Progress   *workflow.Progress         `json:"progress"`
}

// AssessmentResult is the outcome of an interaction assessment
type AssessmentResult struct {
	Interactions *interaction.Report `json:"interactions"`
	Problems     []*mtr.Problem      `json:"problems"`
}

// CreateSession opens a review for a patient and completes patient selection
func (s *Service) CreateSession(ctx context.Context, in CreateSessionInput) (*mtr.Session, error) {
	ctx, span := s.tracer.Start(ctx, "create_session",
		trace.WithAttributes(
			attribute.String("patient_id", in.PatientID),
			attribute.String("workplace_id", in.WorkplaceID),
		))
	defer span.End()
	defer s.observe("create_session", s.now())

	exists, err := s.store.PatientExists(ctx, in.WorkplaceID, in.PatientID)
	if err != nil {
		return nil, s.fail(span, "create_session", err)
	}
	if !exists {
		return nil, apperr.NotFound("patient", in.PatientID)
	}

	active, err := s.store.FindActiveSession(ctx, in.PatientID)
	if err != nil {
		return nil, s.fail(span, "create_session", err)
	}
	if active != nil {
		return nil, s.fail(span, "create_session", apperr.BusinessRule(
			fmt.Sprintf("Patient already has an active MTR session (%s)", active.ReviewNumber)))
	}

	now := s.now()
	session := mtr.NewSession(uuid.New().String(), in.WorkplaceID, in.PatientID, in.PharmacistID, "", in.Options, now)
	if errs := session.Validate(); len(errs) > 0 {
		return nil, s.fail(span, "create_session", apperr.Validation(errs...))
	}

	period := mtr.ReviewPeriod(now)
	seq, err := s.store.NextReviewSequence(ctx, in.WorkplaceID, period)
	if err != nil {
		return nil, s.fail(span, "create_session", err)
	}
	session.ReviewNumber = mtr.FormatReviewNumber(period, seq)

	selection, _ := json.Marshal(map[string]interface{}{
		"patientId":  in.PatientID,
		"selectedAt": now,
	})
	session.MarkStepComplete(mtr.StepPatientSelection, selection, now)

	ev, err := s.event(ctx, session, in.PharmacistID, mtr.AggregateSession, session.ID, mtr.EventSessionCreated, mtr.SessionCreatedData{
		ReviewNumber: session.ReviewNumber,
		PatientID:    session.PatientID,
		PharmacistID: session.PharmacistID,
		Priority:     session.Priority,
		ReviewType:   session.ReviewType,
	})
	if err != nil {
		return nil, s.fail(span, "create_session", err)
	}
	if err := s.store.CreateSession(ctx, session, ev); err != nil {
		return nil, s.fail(span, "create_session", err)
	}

	s.metrics.SessionsCreated.Inc()
	span.SetAttributes(attribute.String("session_id", session.ID), attribute.String("review_number", session.ReviewNumber))
	s.logger.Info("mtr session created",
		zap.String("session_id", session.ID),
		zap.String("review_number", session.ReviewNumber),
		zap.String("patient_id", session.PatientID))
	return session, nil
}

// GetSession loads a session
func (s *Service) GetSession(ctx context.Context, id string) (*mtr.Session, error) {
	return s.store.GetSession(ctx, id)
}

// GetProgress reports completion percentage, next step and completability
func (s *Service) GetProgress(ctx context.Context, id string) (*workflow.Progress, error) {
	session, err := s.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	return workflow.ProgressOf(session), nil
}

// CompleteStep validates and marks a step complete. With completed=false the
// step is reopened without validation.
func (s *Service) CompleteStep(ctx context.Context, sessionID, stepName string, completed bool, data json.RawMessage, userID string) (*StepResult, error) {
	ctx, span := s.tracer.Start(ctx, "complete_step",
		trace.WithAttributes(
			attribute.String("session_id", sessionID),
			attribute.String("step", stepName),
			attribute.Bool("completed", completed),
		))
	defer span.End()
	defer s.observe("complete_step", s.now())

	unlock, err := s.lock(ctx, sessionID)
	if err != nil {
		return nil, s.fail(span, "complete_step", err)
	}
	defer unlock()

	session, err := s.editable(ctx, sessionID)
	if err != nil {
		return nil, s.fail(span, "complete_step", err)
	}
	now := s.now()

	if !completed {
		step, ok := mtr.ParseStep(stepName)
		if !ok {
			return nil, s.fail(span, "complete_step", apperr.Validation(fmt.Sprintf("Invalid step name: %s", stepName)))
		}
		session.MarkStepIncomplete(step, data, now)
		session.UpdatedBy = userID
		ev, err := s.event(ctx, session, userID, mtr.AggregateSession, session.ID, mtr.EventStepReopened, mtr.StepChangedData{
			Step:                 step.Key(),
			CompletionPercentage: session.CompletionPercentage(),
		})
		if err != nil {
			return nil, s.fail(span, "complete_step", err)
		}
		if err := s.store.UpdateSession(ctx, session, ev); err != nil {
			return nil, s.fail(span, "complete_step", err)
		}
		return &StepResult{
			Session:    session,
			Validation: &workflow.ValidationResult{IsValid: true, CanProceed: true, Errors: []string{}, Warnings: []string{}},
			Progress:   workflow.ProgressOf(session),
		}, nil
	}

	if err := applyStepPayload(session, stepName, data, now); err != nil {
		return nil, s.fail(span, "complete_step", err)
	}

	res, err := s.engine.ValidateStep(ctx, stepName, session, data)
	if err != nil {
		return nil, s.fail(span, "complete_step", apperr.Internal(err))
	}
	if !res.CanProceed {
		return nil, s.fail(span, "complete_step", apperr.Validation(res.Errors...))
	}

	step, _ := mtr.ParseStep(stepName)
	session.MarkStepComplete(step, data, now)
	session.UpdatedBy = userID

	ev, err := s.event(ctx, session, userID, mtr.AggregateSession, session.ID, mtr.EventStepCompleted, mtr.StepChangedData{
		Step:                 step.Key(),
		Completed:            true,
		CompletionPercentage: session.CompletionPercentage(),
		Warnings:             res.Warnings,
	})
	if err != nil {
		return nil, s.fail(span, "complete_step", err)
	}
	if err := s.store.UpdateSession(ctx, session, ev); err != nil {
		return nil, s.fail(span, "complete_step", err)
	}

	s.metrics.StepsCompleted.WithLabelValues(step.Key()).Inc()
	s.logger.Info("mtr step completed",
		zap.String("session_id", session.ID),
		zap.String("step", step.Key()),
		zap.Int("completion", session.CompletionPercentage()),
		zap.Int("warnings", len(res.Warnings)))

	return &StepResult{Session: session, Validation: res, Progress: workflow.ProgressOf(session)}, nil
}

// stepPayload is the part of step data that is applied to the session
type stepPayload struct {
	Medications *[]mtr.Medication `json:"medications"`
	Plan        *mtr.TherapyPlan  `json:"plan"`
}

// applyStepPayload copies medications or the plan from step data onto the
// session so the step is validated against them.
func applyStepPayload(session *mtr.Session, stepName string, data json.RawMessage, at time.Time) error {
	step, ok := mtr.ParseStep(stepName)
	if !ok || len(data) == 0 {
		return nil
	}
	if step != mtr.StepMedicationHistory && step != mtr.StepPlanDevelopment {
		return nil
	}

	var p stepPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return apperr.Validation(fmt.Sprintf("invalid %s data: %v", step.Key(), err))
	}
	switch step {
	case mtr.StepMedicationHistory:
		if p.Medications != nil {
			session.SetMedications(*p.Medications, at)
			session.InteractionsCheckedAt = nil
		}
	case mtr.StepPlanDevelopment:
		if p.Plan != nil {
			session.SetPlan(p.Plan, at)
		}
	}
	return nil
}

// RunInteractionAssessment screens the session's medications and records a
// problem for every finding.
func (s *Service) RunInteractionAssessment(ctx context.Context, sessionID, userID string) (*AssessmentResult, error) {
	ctx, span := s.tracer.Start(ctx, "run_interaction_assessment",
		trace.WithAttributes(attribute.String("session_id", sessionID)))
	defer span.End()
	defer s.observe("run_interaction_assessment", s.now())

	unlock, err := s.lock(ctx, sessionID)
	if err != nil {
		return nil, s.fail(span, "run_interaction_assessment", err)
	}
	defer unlock()

	session, err := s.editable(ctx, sessionID)
	if err != nil {
		return nil, s.fail(span, "run_interaction_assessment", err)
	}
	if len(session.Medications) == 0 {
		return nil, s.fail(span, "run_interaction_assessment",
			apperr.Validation("Session has no medications to check"))
	}

	now := s.now()
	report := s.checker.Check(session.Medications)
	problems := synthesizer.Generate(report, synthesizer.Owner{
		ReviewID:     session.ID,
		PatientID:    session.PatientID,
		WorkplaceID:  session.WorkplaceID,
		IdentifiedBy: userID,
	}, now)

	events := make([]*mtr.Event, 0, len(problems)+1)
	for _, p := range problems {
		session.AttachProblem(p.ID)
		ev, err := s.event(ctx, session, userID, mtr.AggregateProblem, p.ID, mtr.EventProblemCreated, problemCreated(p, true))
		if err != nil {
			return nil, s.fail(span, "run_interaction_assessment", err)
		}
		events = append(events, ev)
	}

	session.InteractionsCheckedAt = &now
	session.UpdatedBy = userID
	session.UpdatedAt = now
	ev, err := s.event(ctx, session, userID, mtr.AggregateSession, session.ID, mtr.EventInteractionsChecked, mtr.InteractionsCheckedData{
		Severity:           report.Severity,
		Interactions:       len(report.Interactions),
		DuplicateTherapies: len(report.DuplicateTherapies),
		Contraindications:  len(report.Contraindications),
		ProblemsCreated:    len(problems),
		KnowledgeVersion:   report.KnowledgeVersion,
	})
	if err != nil {
		return nil, s.fail(span, "run_interaction_assessment", err)
	}
	events = append(events, ev)

	if err := s.store.AddProblems(ctx, session, problems, events...); err != nil {
		return nil, s.fail(span, "run_interaction_assessment", err)
	}

	s.metrics.InteractionChecks.WithLabelValues(report.Severity).Inc()
	for _, p := range problems {
		s.metrics.ProblemsIdentified.WithLabelValues(string(p.Type), string(p.Severity)).Inc()
	}
	span.SetAttributes(
		attribute.String("severity", report.Severity),
		attribute.Int("problems", len(problems)))
	s.logger.Info("interaction assessment completed",
		zap.String("session_id", session.ID),
		zap.String("severity", report.Severity),
		zap.Int("problems", len(problems)),
		zap.String("knowledge_version", report.KnowledgeVersion))

	return &AssessmentResult{Interactions: report, Problems: problems}, nil
}

// CompleteSession closes a review once every required step is done and a
// plan exists.
func (s *Service) CompleteSession(ctx context.Context, sessionID, userID string) (*mtr.Session, error) {
	ctx, span := s.tracer.Start(ctx, "complete_session",
		trace.WithAttributes(attribute.String("session_id", sessionID)))
	defer span.End()
	defer s.observe("complete_session", s.now())

	unlock, err := s.lock(ctx, sessionID)
	if err != nil {
		return nil, s.fail(span, "complete_session", err)
	}
	defer unlock()

	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, s.fail(span, "complete_session", err)
	}

	if res := workflow.CanCompleteWorkflow(session); !res.CanProceed {
		return nil, s.fail(span, "complete_session", apperr.Validation(res.Errors...))
	}

	now := s.now()
	if err := session.Complete(now); err != nil {
		return nil, s.fail(span, "complete_session", transitionError(err))
	}
	session.UpdatedBy = userID

	var (
		problems                 []*mtr.Problem
		interventions, followUps int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		problems, err = s.store.ListProblems(gctx, session.ID)
		return err
	})
	g.Go(func() error {
		var err error
		interventions, err = s.store.CountInterventions(gctx, session.ID)
		return err
	})
	g.Go(func() error {
		var err error
		followUps, err = s.store.CountFollowUps(gctx, session.ID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, s.fail(span, "complete_session", err)
	}

	resolved := 0
	for _, p := range problems {
		if p.Status == mtr.ProblemResolved {
			resolved++
		}
	}
	session.ClinicalOutcomes.ProblemsResolved = resolved

	ev, err := s.event(ctx, session, userID, mtr.AggregateSession, session.ID, mtr.EventSessionCompleted, mtr.SessionCompletedData{
		ReviewNumber:       session.ReviewNumber,
		ProblemsCount:      len(problems),
		InterventionsCount: interventions,
		FollowUpsCount:     followUps,
		DurationSeconds:    session.Duration().Seconds(),
	})
	if err != nil {
		return nil, s.fail(span, "complete_session", err)
	}
	if err := s.store.UpdateSession(ctx, session, ev); err != nil {
		return nil, s.fail(span, "complete_session", err)
	}

	s.metrics.SessionsCompleted.Inc()
	s.logger.Info("mtr session completed",
		zap.String("session_id", session.ID),
		zap.String("review_number", session.ReviewNumber),
		zap.Duration("duration", session.Duration()),
		zap.Int("problems", len(problems)),
		zap.Int("interventions", interventions),
		zap.Int("follow_ups", followUps))
	return session, nil
}

// UpdateMedications replaces the medication list. A previous interaction
// check no longer applies to the new list.
func (s *Service) UpdateMedications(ctx context.Context, sessionID string, meds []mtr.Medication, userID string) (*mtr.Session, error) {
	return s.mutate(ctx, "update_medications", sessionID, userID, func(session *mtr.Session, now time.Time) (mtr.EventType, interface{}, error) {
		session.SetMedications(meds, now)
		session.InteractionsCheckedAt = nil
		return mtr.EventMedicationsUpdated, map[string]int{"medications": len(session.Medications)}, nil
	})
}

// SetPlan stores the therapy plan
func (s *Service) SetPlan(ctx context.Context, sessionID string, plan *mtr.TherapyPlan, userID string) (*mtr.Session, error) {
	return s.mutate(ctx, "set_plan", sessionID, userID, func(session *mtr.Session, now time.Time) (mtr.EventType, interface{}, error) {
		if plan == nil {
			return "", nil, apperr.Validation("Therapy plan is required")
		}
		session.SetPlan(plan, now)
		return mtr.EventPlanUpdated, map[string]int{"recommendations": len(plan.Recommendations)}, nil
	})
}

// UpdateConsent records patient consent and the confidentiality agreement
func (s *Service) UpdateConsent(ctx context.Context, sessionID string, consent, confidentiality bool, userID string) (*mtr.Session, error) {
	return s.mutate(ctx, "update_consent", sessionID, userID, func(session *mtr.Session, now time.Time) (mtr.EventType, interface{}, error) {
		session.PatientConsent = consent
		session.ConfidentialityAgreed = confidentiality
		session.UpdatedAt = now
		return mtr.EventConsentUpdated, map[string]bool{
			"patientConsent":        consent,
			"confidentialityAgreed": confidentiality,
		}, nil
	})
}

// HoldSession pauses a review
func (s *Service) HoldSession(ctx context.Context, sessionID, userID string) (*mtr.Session, error) {
	return s.transition(ctx, "hold_session", sessionID, userID, mtr.EventSessionHeld, "", func(session *mtr.Session, now time.Time) error {
		return session.Hold(now)
	})
}

// ResumeSession continues a held review
func (s *Service) ResumeSession(ctx context.Context, sessionID, userID string) (*mtr.Session, error) {
	return s.transition(ctx, "resume_session", sessionID, userID, mtr.EventSessionResumed, "", func(session *mtr.Session, now time.Time) error {
		return session.Resume(now)
	})
}

// CancelSession terminates a review, freeing the patient for a new one
func (s *Service) CancelSession(ctx context.Context, sessionID, reason, userID string) (*mtr.Session, error) {
	session, err := s.transition(ctx, "cancel_session", sessionID, userID, mtr.EventSessionCancelled, reason, func(session *mtr.Session, now time.Time) error {
		return session.Cancel(reason, now)
	})
	if err == nil {
		s.metrics.SessionsCancelled.Inc()
	}
	return session, err
}

func (s *Service) transition(ctx context.Context, op, sessionID, userID string, evType mtr.EventType, reason string, apply func(*mtr.Session, time.Time) error) (*mtr.Session, error) {
	ctx, span := s.tracer.Start(ctx, op, trace.WithAttributes(attribute.String("session_id", sessionID)))
	defer span.End()
	defer s.observe(op, s.now())

	unlock, err := s.lock(ctx, sessionID)
	if err != nil {
		return nil, s.fail(span, op, err)
	}
	defer unlock()

	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, s.fail(span, op, err)
	}
	from := session.Status
	if err := apply(session, s.now()); err != nil {
		return nil, s.fail(span, op, transitionError(err))
	}
	session.UpdatedBy = userID

	ev, err := s.event(ctx, session, userID, mtr.AggregateSession, session.ID, evType, mtr.StatusChangedData{
		From:   string(from),
		To:     string(session.Status),
		Reason: reason,
	})
	if err != nil {
		return nil, s.fail(span, op, err)
	}
	if err := s.store.UpdateSession(ctx, session, ev); err != nil {
		return nil, s.fail(span, op, err)
	}
	s.logger.Info("mtr session status changed",
		zap.String("session_id", session.ID),
		zap.String("from", string(from)),
		zap.String("to", string(session.Status)))
	return session, nil
}

// mutate runs apply on an editable session under the session lock and
// saves it with one audit event.
func (s *Service) mutate(ctx context.Context, op, sessionID, userID string, apply func(*mtr.Session, time.Time) (mtr.EventType, interface{}, error)) (*mtr.Session, error) {
	ctx, span := s.tracer.Start(ctx, op, trace.WithAttributes(attribute.String("session_id", sessionID)))
	defer span.End()
	defer s.observe(op, s.now())

	unlock, err := s.lock(ctx, sessionID)
	if err != nil {
		return nil, s.fail(span, op, err)
	}
	defer unlock()

	session, err := s.editable(ctx, sessionID)
	if err != nil {
		return nil, s.fail(span, op, err)
	}
	evType, data, err := apply(session, s.now())
	if err != nil {
		return nil, s.fail(span, op, err)
	}
	session.UpdatedBy = userID

	ev, err := s.event(ctx, session, userID, mtr.AggregateSession, session.ID, evType, data)
	if err != nil {
		return nil, s.fail(span, op, err)
	}
	if err := s.store.UpdateSession(ctx, session, ev); err != nil {
		return nil, s.fail(span, op, err)
	}
	return session, nil
}

// editable loads a session that may still be changed
func (s *Service) editable(ctx context.Context, sessionID string) (*mtr.Session, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != mtr.StatusInProgress {
		return nil, apperr.BusinessRule(fmt.Sprintf("Session %s is %s and cannot be modified", session.ReviewNumber, session.Status))
	}
	return session, nil
}

func (s *Service) lock(ctx context.Context, sessionID string) (func(), error) {
	if s.locker == nil {
		return func() {}, nil
	}
	unlock, err := s.locker.Lock(ctx, "mtr:session:"+sessionID)
	if errors.Is(err, redislock.ErrNotAcquired) {
		return nil, apperr.Conflict("Session is being modified by another user")
	}
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("failed to lock session %s: %w", sessionID, err))
	}
	return unlock, nil
}

func (s *Service) event(ctx context.Context, session *mtr.Session, userID, aggType, aggID string, evType mtr.EventType, data interface{}) (*mtr.Event, error) {
	ev, err := mtr.NewEvent(aggType, aggID, evType, data)
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("failed to build %s event: %w", evType, err))
	}
	ev.Timestamp = s.now()
	ev.WithAuditInfo(userID, session.WorkplaceID, session.PatientID, session.ID)
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		ev.CorrelationID = sc.TraceID().String()
	}
	return ev, nil
}

func (s *Service) observe(op string, start time.Time) {
	s.metrics.OperationDuration.WithLabelValues(op).Observe(s.now().Sub(start).Seconds())
}

// fail records err on the span and metrics and returns it unchanged
func (s *Service) fail(span trace.Span, op string, err error) error {
	span.RecordError(err)
	var appErr *apperr.Error
	switch {
	case !errors.As(err, &appErr) || appErr.Kind == apperr.KindInternal:
		s.logger.Error("mtr operation failed", zap.String("operation", op), zap.Error(err))
	case appErr.Kind == apperr.KindValidation:
		s.metrics.ValidationFailures.WithLabelValues(op).Inc()
	case appErr.Kind == apperr.KindConflict:
		s.metrics.ConcurrencyConflicts.Inc()
	}
	return err
}

func transitionError(err error) error {
	if errors.Is(err, mtr.ErrInvalidTransition) {
		return apperr.BusinessRule(err.Error())
	}
	return err
}

func problemCreated(p *mtr.Problem, generated bool) mtr.ProblemCreatedData {
	return mtr.ProblemCreatedData{
		ProblemID:           p.ID,
		Type:                p.Type,
		Severity:            p.Severity,
		Priority:            p.Priority(),
		AffectedMedications: p.AffectedMedications,
		Generated:           generated,
	}
}

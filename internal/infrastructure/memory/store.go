// Package memory is an in-process review store used for local runs and tests.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/drfirst/go-mtr/internal/apperr"
	"github.com/drfirst/go-mtr/internal/domain/mtr"
)

// Store keeps every record in maps guarded by one mutex. Values are deep
// copied in and out so callers never share state with the store.
type Store struct {
	mu sync.Mutex

	patients      map[string]string // patient id -> workplace id
	sessions      map[string]*mtr.Session
	problems      map[string]*mtr.Problem
	interventions map[string]*mtr.Intervention
	followUps     map[string]*mtr.FollowUp
	counters      map[string]int
	events        []*mtr.Event

	// insertion order of child records, breaks ties between equal timestamps
	inserted map[string]int64
	nextSeq  int64
}

// New creates an empty store
func New() *Store {
	return &Store{
		patients:      make(map[string]string),
		sessions:      make(map[string]*mtr.Session),
		problems:      make(map[string]*mtr.Problem),
		interventions: make(map[string]*mtr.Intervention),
		followUps:     make(map[string]*mtr.FollowUp),
		counters:      make(map[string]int),
		inserted:      make(map[string]int64),
	}
}

// AddPatient registers a patient of a workplace
func (s *Store) AddPatient(workplaceID, patientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patients[patientID] = workplaceID
}

// Events returns the audit trail in write order
func (s *Store) Events() []*mtr.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*mtr.Event, len(s.events))
	copy(out, s.events)
	return out
}

// AuditTrail returns the events of one review in write order
func (s *Store) AuditTrail(_ context.Context, reviewID string) ([]*mtr.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*mtr.Event{}
	for _, ev := range s.events {
		if ev.ReviewID == reviewID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *Store) PatientExists(_ context.Context, workplaceID, patientID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wp, ok := s.patients[patientID]
	return ok && wp == workplaceID, nil
}

func (s *Store) CountActiveSessions(_ context.Context, patientID, excludeSessionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sess := range s.sessions {
		if sess.PatientID == patientID && sess.ID != excludeSessionID && sess.IsActive() && !sess.IsDeleted {
			n++
		}
	}
	return n, nil
}

func (s *Store) CountProblems(_ context.Context, reviewID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.problems {
		if p.ReviewID == reviewID && !p.IsDeleted {
			n++
		}
	}
	return n, nil
}

func (s *Store) CountInterventions(_ context.Context, reviewID string) (int, error) {
	return s.countInterventions(reviewID, false), nil
}

func (s *Store) CountFollowUpsRequired(_ context.Context, reviewID string) (int, error) {
	return s.countInterventions(reviewID, true), nil
}

func (s *Store) countInterventions(reviewID string, followUpOnly bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, i := range s.interventions {
		if i.ReviewID != reviewID || i.IsDeleted {
			continue
		}
		if followUpOnly && !i.FollowUpRequired {
			continue
		}
		n++
	}
	return n
}

func (s *Store) CountFollowUps(_ context.Context, reviewID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, f := range s.followUps {
		if f.ReviewID == reviewID && !f.IsDeleted {
			n++
		}
	}
	return n, nil
}

// NextReviewSequence increments the (workplace, period) counter
func (s *Store) NextReviewSequence(_ context.Context, workplaceID, period string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := workplaceID + "/" + period
	s.counters[key]++
	return s.counters[key], nil
}

func (s *Store) CreateSession(_ context.Context, sess *mtr.Session, events ...*mtr.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; ok {
		return apperr.Conflict(fmt.Sprintf("session %s already exists", sess.ID))
	}
	if sess.IsActive() {
		if active := s.activeSession(sess.PatientID); active != nil {
			return apperr.BusinessRule(fmt.Sprintf("Patient already has an active MTR session (%s)", active.ReviewNumber))
		}
	}
	sess.Version = 1
	s.sessions[sess.ID] = clone(sess)
	s.events = append(s.events, events...)
	return nil
}

func (s *Store) GetSession(_ context.Context, id string) (*mtr.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || sess.IsDeleted {
		return nil, apperr.NotFound("session", id)
	}
	return clone(sess), nil
}

func (s *Store) UpdateSession(_ context.Context, sess *mtr.Session, events ...*mtr.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.putSession(sess); err != nil {
		return err
	}
	s.events = append(s.events, events...)
	return nil
}

func (s *Store) FindActiveSession(_ context.Context, patientID string) (*mtr.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if active := s.activeSession(patientID); active != nil {
		return clone(active), nil
	}
	return nil, nil
}

func (s *Store) AddProblems(_ context.Context, sess *mtr.Session, problems []*mtr.Problem, events ...*mtr.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.putSession(sess); err != nil {
		return err
	}
	for _, p := range problems {
		s.problems[p.ID] = clone(p)
		s.track(p.ID)
	}
	s.events = append(s.events, events...)
	return nil
}

func (s *Store) GetProblem(_ context.Context, id string) (*mtr.Problem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.problems[id]
	if !ok || p.IsDeleted {
		return nil, apperr.NotFound("problem", id)
	}
	return clone(p), nil
}

func (s *Store) UpdateProblem(_ context.Context, p *mtr.Problem, events ...*mtr.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.problems[p.ID]; !ok {
		return apperr.NotFound("problem", p.ID)
	}
	s.problems[p.ID] = clone(p)
	s.events = append(s.events, events...)
	return nil
}

func (s *Store) ListProblems(_ context.Context, reviewID string) ([]*mtr.Problem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*mtr.Problem{}
	for _, p := range s.problems {
		if p.ReviewID == reviewID && !p.IsDeleted {
			out = append(out, clone(p))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return s.before(out[i].CreatedAt, out[j].CreatedAt, out[i].ID, out[j].ID)
	})
	return out, nil
}

func (s *Store) AddIntervention(_ context.Context, sess *mtr.Session, i *mtr.Intervention, events ...*mtr.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.putSession(sess); err != nil {
		return err
	}
	s.interventions[i.ID] = clone(i)
	s.track(i.ID)
	s.events = append(s.events, events...)
	return nil
}

func (s *Store) GetIntervention(_ context.Context, id string) (*mtr.Intervention, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.interventions[id]
	if !ok || i.IsDeleted {
		return nil, apperr.NotFound("intervention", id)
	}
	return clone(i), nil
}

func (s *Store) UpdateIntervention(_ context.Context, i *mtr.Intervention, events ...*mtr.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.interventions[i.ID]; !ok {
		return apperr.NotFound("intervention", i.ID)
	}
	s.interventions[i.ID] = clone(i)
	s.events = append(s.events, events...)
	return nil
}

func (s *Store) ListInterventions(_ context.Context, reviewID string) ([]*mtr.Intervention, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*mtr.Intervention{}
	for _, i := range s.interventions {
		if i.ReviewID == reviewID && !i.IsDeleted {
			out = append(out, clone(i))
		}
	}
	sort.SliceStable(out, func(a, b int) bool {
		return s.before(out[a].CreatedAt, out[b].CreatedAt, out[a].ID, out[b].ID)
	})
	return out, nil
}

func (s *Store) AddFollowUp(_ context.Context, sess *mtr.Session, f *mtr.FollowUp, events ...*mtr.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.putSession(sess); err != nil {
		return err
	}
	s.followUps[f.ID] = clone(f)
	s.track(f.ID)
	s.events = append(s.events, events...)
	return nil
}

func (s *Store) GetFollowUp(_ context.Context, id string) (*mtr.FollowUp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.followUps[id]
	if !ok || f.IsDeleted {
		return nil, apperr.NotFound("follow-up", id)
	}
	return clone(f), nil
}

func (s *Store) UpdateFollowUp(_ context.Context, f *mtr.FollowUp, events ...*mtr.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.followUps[f.ID]; !ok {
		return apperr.NotFound("follow-up", f.ID)
	}
	s.followUps[f.ID] = clone(f)
	s.events = append(s.events, events...)
	return nil
}

// CompleteFollowUp saves f and, when set, its linked intervention. Nothing
// is written unless both records exist.
func (s *Store) CompleteFollowUp(_ context.Context, f *mtr.FollowUp, i *mtr.Intervention, events ...*mtr.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.followUps[f.ID]; !ok {
		return apperr.NotFound("follow-up", f.ID)
	}
	if i != nil {
		if _, ok := s.interventions[i.ID]; !ok {
			return apperr.NotFound("intervention", i.ID)
		}
		s.interventions[i.ID] = clone(i)
	}
	s.followUps[f.ID] = clone(f)
	s.events = append(s.events, events...)
	return nil
}

func (s *Store) ListFollowUps(_ context.Context, reviewID string) ([]*mtr.FollowUp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*mtr.FollowUp{}
	for _, f := range s.followUps {
		if f.ReviewID == reviewID && !f.IsDeleted {
			out = append(out, clone(f))
		}
	}
	sort.SliceStable(out, func(a, b int) bool {
		return s.before(out[a].ScheduledDate, out[b].ScheduledDate, out[a].ID, out[b].ID)
	})
	return out, nil
}

// putSession is the version compare-and-swap. Callers hold mu.
func (s *Store) putSession(sess *mtr.Session) error {
	current, ok := s.sessions[sess.ID]
	if !ok {
		return apperr.NotFound("session", sess.ID)
	}
	if current.Version != sess.Version {
		return apperr.Conflict(fmt.Sprintf("session %s was modified concurrently (version %d, stored %d)",
			sess.ID, sess.Version, current.Version))
	}
	if sess.IsActive() && !current.IsActive() {
		if active := s.activeSession(sess.PatientID); active != nil && active.ID != sess.ID {
			return apperr.BusinessRule(fmt.Sprintf("Patient already has an active MTR session (%s)", active.ReviewNumber))
		}
	}
	sess.Version++
	s.sessions[sess.ID] = clone(sess)
	return nil
}

// track records the insertion order of a new child record. Callers hold mu.
func (s *Store) track(id string) {
	if _, ok := s.inserted[id]; ok {
		return
	}
	s.nextSeq++
	s.inserted[id] = s.nextSeq
}

// before orders by timestamp, then by insertion. Callers hold mu.
func (s *Store) before(a, b time.Time, idA, idB string) bool {
	if !a.Equal(b) {
		return a.Before(b)
	}
	return s.inserted[idA] < s.inserted[idB]
}

func (s *Store) activeSession(patientID string) *mtr.Session {
	for _, sess := range s.sessions {
		if sess.PatientID == patientID && sess.IsActive() && !sess.IsDeleted {
			return sess
		}
	}
	return nil
}

// clone deep copies through JSON, matching what a database round trip does
// to the value.
func clone[T any](v *T) *T {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("memory: cannot copy %T: %v", v, err))
	}
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		panic(fmt.Sprintf("memory: cannot copy %T: %v", v, err))
	}
	return out
}

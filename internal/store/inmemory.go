package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hirecall/interviewd/internal/interview"
)

// InMemoryStore is a simple in-process store for local/dev use and tests.
type InMemoryStore struct {
	mu         sync.RWMutex
	interviews map[string]interview.Interview
	calls      map[string]interview.CallSession
	segments   map[string][]interview.TranscriptSegment
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		interviews: make(map[string]interview.Interview),
		calls:      make(map[string]interview.CallSession),
		segments:   make(map[string][]interview.TranscriptSegment),
	}
}

func (s *InMemoryStore) CreateInterview(_ context.Context, iv interview.Interview) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if iv.ID == "" {
		iv.ID = uuid.NewString()
	}
	if _, ok := s.interviews[iv.ID]; ok {
		return ErrExists
	}
	now := time.Now().UTC()
	if iv.CreatedAt.IsZero() {
		iv.CreatedAt = now
	}
	iv.UpdatedAt = now
	s.interviews[iv.ID] = iv.Clone()
	return nil
}

func (s *InMemoryStore) GetInterview(_ context.Context, id string) (interview.Interview, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	iv, ok := s.interviews[id]
	if !ok {
		return interview.Interview{}, ErrNotFound
	}
	return iv.Clone(), nil
}

func (s *InMemoryStore) UpdateInterview(_ context.Context, id string, fn MutateFunc) (interview.Interview, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.interviews[id]
	if !ok {
		return interview.Interview{}, false, ErrNotFound
	}
	next := cur.Clone()
	changed, err := fn(&next)
	if err != nil {
		return cur.Clone(), false, err
	}
	if !changed {
		return cur.Clone(), false, nil
	}
	next.ID = cur.ID
	next.Version = cur.Version + 1
	next.UpdatedAt = time.Now().UTC()
	s.interviews[id] = next
	return next.Clone(), true, nil
}

func (s *InMemoryStore) CreateCallSession(_ context.Context, cs interview.CallSession) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.calls[cs.CallSID]; ok {
		return false, nil
	}
	now := time.Now().UTC()
	if cs.CreatedAt.IsZero() {
		cs.CreatedAt = now
	}
	cs.UpdatedAt = now
	s.calls[cs.CallSID] = cs
	return true, nil
}

func (s *InMemoryStore) GetCallSession(_ context.Context, callSID string) (interview.CallSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cs, ok := s.calls[callSID]
	if !ok {
		return interview.CallSession{}, ErrNotFound
	}
	return cs, nil
}

func (s *InMemoryStore) LatestCallSession(_ context.Context, interviewID string) (interview.CallSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest interview.CallSession
	found := false
	for _, cs := range s.calls {
		if cs.InterviewID != interviewID {
			continue
		}
		if !found || cs.CreatedAt.After(latest.CreatedAt) {
			latest = cs
			found = true
		}
	}
	if !found {
		return interview.CallSession{}, ErrNotFound
	}
	return latest, nil
}

func (s *InMemoryStore) UpdateCallSession(_ context.Context, callSID string, fn func(cs *interview.CallSession) bool) (interview.CallSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.calls[callSID]
	if !ok {
		return interview.CallSession{}, ErrNotFound
	}
	if fn(&cs) {
		cs.UpdatedAt = time.Now().UTC()
		s.calls[callSID] = cs
	}
	return cs, nil
}

func (s *InMemoryStore) AppendSegment(_ context.Context, seg interview.TranscriptSegment) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seg.Ref != "" {
		for _, existing := range s.segments[seg.InterviewID] {
			if existing.Ref == seg.Ref {
				return false, nil
			}
		}
	}
	if seg.ID == "" {
		seg.ID = uuid.NewString()
	}
	if seg.CreatedAt.IsZero() {
		seg.CreatedAt = time.Now().UTC()
	}
	s.segments[seg.InterviewID] = append(s.segments[seg.InterviewID], seg)
	return true, nil
}

func (s *InMemoryStore) ListSegments(_ context.Context, interviewID string) ([]interview.TranscriptSegment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.segments[interviewID]
	if len(arr) == 0 {
		return nil, nil
	}
	out := append([]interview.TranscriptSegment(nil), arr...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) Ping(context.Context) error { return nil }

func (s *InMemoryStore) Close() error { return nil }

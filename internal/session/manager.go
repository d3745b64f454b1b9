package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("session not found")
	// ErrActive is returned when an interview already has a live relay.
	ErrActive = errors.New("interview already has an active relay session")
)

// endedRetention is how long ended sessions stay queryable.
const endedRetention = 5 * time.Minute

type Manager struct {
	mu                sync.RWMutex
	sessions          map[string]*Session
	activeByInterview map[string]string
	inactivityTimeout time.Duration
	onExpire          func(*Session)
}

func NewManager(inactivityTimeout time.Duration) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 2 * time.Minute
	}
	return &Manager{
		sessions:          make(map[string]*Session),
		activeByInterview: make(map[string]string),
		inactivityTimeout: inactivityTimeout,
	}
}

// SetExpireHook registers fn to run for every session the janitor ends.
func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

// Create registers a relay session. At most one active session may exist
// per interview.
func (m *Manager) Create(interviewID, ownerID string) (*Session, error) {
	now := time.Now().UTC()
	s := &Session{
		ID:             uuid.NewString(),
		InterviewID:    interviewID,
		OwnerID:        ownerID,
		Status:         StatusActive,
		StartedAt:      now,
		LastActivityAt: now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.activeByInterview[interviewID]; ok {
		return nil, ErrActive
	}
	m.sessions[s.ID] = s
	m.activeByInterview[interviewID] = s.ID
	return clone(s), nil
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

// ActiveFor returns the live session for an interview.
func (m *Manager) ActiveFor(interviewID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.activeByInterview[interviewID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(m.sessions[id]), nil
}

func (m *Manager) Touch(sessionID string) error {
	return m.update(sessionID, func(*Session) {})
}

// SetSpeaking records whether the assistant is currently producing audio.
func (m *Manager) SetSpeaking(sessionID string, speaking bool) error {
	return m.update(sessionID, func(s *Session) { s.Speaking = speaking })
}

// Interrupt records a caller barge-in over assistant speech.
func (m *Manager) Interrupt(sessionID string) error {
	return m.update(sessionID, func(s *Session) {
		s.InterruptionCount++
		s.Speaking = false
	})
}

func (m *Manager) RecordSegment(sessionID string) error {
	return m.update(sessionID, func(s *Session) { s.SegmentCount++ })
}

// End marks the session ended. Ending twice keeps the first reason.
func (m *Manager) End(sessionID, reason string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	if s.Status == StatusActive {
		m.endLocked(s, reason, time.Now().UTC())
	}
	return clone(s), nil
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.activeByInterview)
}

func (m *Manager) update(sessionID string, fn func(*Session)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	fn(s)
	s.LastActivityAt = time.Now().UTC()
	return nil
}

func (m *Manager) endLocked(s *Session, reason string, now time.Time) {
	s.Status = StatusEnded
	s.Speaking = false
	s.EndReason = reason
	s.LastActivityAt = now
	if m.activeByInterview[s.InterviewID] == s.ID {
		delete(m.activeByInterview, s.InterviewID)
	}
}

func (m *Manager) expireInactive() {
	now := time.Now().UTC()
	var expired []*Session

	m.mu.Lock()
	for id, s := range m.sessions {
		if s.Status != StatusActive {
			if now.Sub(s.LastActivityAt) >= endedRetention {
				delete(m.sessions, id)
			}
			continue
		}
		if now.Sub(s.LastActivityAt) < m.inactivityTimeout {
			continue
		}
		m.endLocked(s, "inactive", now)
		expired = append(expired, clone(s))
	}
	hook := m.onExpire
	m.mu.Unlock()

	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
}

func clone(s *Session) *Session {
	c := *s
	return &c
}

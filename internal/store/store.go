package store

import (
	"context"
	"errors"

	"github.com/hirecall/interviewd/internal/interview"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrExists   = errors.New("record already exists")
	// ErrConflict is returned when a conditional update kept losing to
	// concurrent writers.
	ErrConflict = errors.New("concurrent update conflict")
)

// MutateFunc applies a check-then-act change to a copy of the current
// interview. Returning false skips the write.
type MutateFunc func(iv *interview.Interview) (bool, error)

// Store persists interviews and the records they own. All operations are
// point lookups keyed by interview id, call SID or (interview id, ref).
type Store interface {
	CreateInterview(ctx context.Context, iv interview.Interview) error
	GetInterview(ctx context.Context, id string) (interview.Interview, error)
	// UpdateInterview runs fn against the latest persisted state and writes
	// the result only if nothing else wrote in between. It returns the state
	// after the update and whether a write happened.
	UpdateInterview(ctx context.Context, id string, fn MutateFunc) (interview.Interview, bool, error)

	// CreateCallSession inserts cs unless its CallSID is already stored,
	// reporting whether the insert happened. An existing row is never touched.
	CreateCallSession(ctx context.Context, cs interview.CallSession) (bool, error)
	GetCallSession(ctx context.Context, callSID string) (interview.CallSession, error)
	LatestCallSession(ctx context.Context, interviewID string) (interview.CallSession, error)
	UpdateCallSession(ctx context.Context, callSID string, fn func(cs *interview.CallSession) bool) (interview.CallSession, error)

	// AppendSegment inserts a transcript segment. Segments with a non-empty
	// Ref are deduplicated per interview; a duplicate reports false.
	AppendSegment(ctx context.Context, seg interview.TranscriptSegment) (bool, error)
	ListSegments(ctx context.Context, interviewID string) ([]interview.TranscriptSegment, error)

	Ping(ctx context.Context) error
	Close() error
}

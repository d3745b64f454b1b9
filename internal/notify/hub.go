package notify

import (
	"context"
	"sync"
	"time"

	"github.com/hirecall/interviewd/internal/interview"
)

// Event kinds published on an interview's channel.
const (
	KindStatus     = "status"
	KindQuestion   = "question"
	KindTranscript = "transcript"
	KindAnalyzed   = "analyzed"
)

const subscriptionBuffer = 32

// Event is one change to an interview observable by its owner.
type Event struct {
	Kind        string           `json:"kind"`
	InterviewID string           `json:"interview_id"`
	Status      interview.Status `json:"status,omitempty"`
	Current     int              `json:"current"`
	Text        string           `json:"text,omitempty"`
	At          time.Time        `json:"at"`
}

// Hub fans interview events out to subscribers.
type Hub interface {
	Publish(ctx context.Context, ev Event) error
	Subscribe(ctx context.Context, interviewID string) (*Subscription, error)
	Close() error
}

// Subscription is scoped to one interview. Close is idempotent and must be
// called when the subscriber goes away.
type Subscription struct {
	ch        chan Event
	closeOnce sync.Once
	release   func()
}

func newSubscription(release func()) *Subscription {
	return &Subscription{ch: make(chan Event, subscriptionBuffer), release: release}
}

// C delivers events until the subscription is closed.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		if s.release != nil {
			s.release()
		}
	})
}

// MemoryHub delivers events within one process.
type MemoryHub struct {
	mu   sync.Mutex
	subs map[string]map[*Subscription]struct{}
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{subs: make(map[string]map[*Subscription]struct{})}
}

// Publish never blocks: a subscriber whose buffer is full misses the event.
func (h *MemoryHub) Publish(_ context.Context, ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[ev.InterviewID] {
		select {
		case sub.ch <- ev:
		default:
		}
	}
	return nil
}

func (h *MemoryHub) Subscribe(ctx context.Context, interviewID string) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var sub *Subscription
	sub = newSubscription(func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if set, ok := h.subs[interviewID]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(h.subs, interviewID)
			}
		}
		close(sub.ch)
	})

	h.mu.Lock()
	set, ok := h.subs[interviewID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[interviewID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		sub.Close()
	}()
	return sub, nil
}

// SubscriberCount reports live subscriptions for an interview.
func (h *MemoryHub) SubscriberCount(interviewID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[interviewID])
}

func (h *MemoryHub) Close() error {
	h.mu.Lock()
	subs := make([]*Subscription, 0)
	for _, set := range h.subs {
		for sub := range set {
			subs = append(subs, sub)
		}
	}
	h.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
	return nil
}

package telephony

import (
	"context"
	"fmt"
	"sync"
)

// MockProvider records calls instead of dialing. Used when no telephony
// credentials are configured in development, and in tests.
type MockProvider struct {
	mu      sync.Mutex
	seq     int
	Placed  []CallRequest
	Ended   []string
	FailErr error
	// OnPlace runs after a call is accepted, before PlaceCall returns.
	OnPlace func(CallResult)
}

func NewMockProvider() *MockProvider { return &MockProvider{} }

func (p *MockProvider) PlaceCall(_ context.Context, req CallRequest) (CallResult, error) {
	p.mu.Lock()
	if p.FailErr != nil {
		p.mu.Unlock()
		return CallResult{}, p.FailErr
	}
	p.seq++
	p.Placed = append(p.Placed, req)
	res := CallResult{SID: fmt.Sprintf("CAmock%04d", p.seq), From: "+15550000000", Status: "queued"}
	hook := p.OnPlace
	p.mu.Unlock()
	if hook != nil {
		hook(res)
	}
	return res, nil
}

func (p *MockProvider) EndCall(_ context.Context, callSID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Ended = append(p.Ended, callSID)
	return nil
}

// Calls returns a copy of the placed call requests.
func (p *MockProvider) Calls() []CallRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]CallRequest(nil), p.Placed...)
}

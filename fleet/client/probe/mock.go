package probe

import "context"

// MockClient mocks the Client interface
type MockClient struct {
	SubmitFunc func(ctx context.Context, host string, nodes []string) (string, error)
	PollFunc   func(ctx context.Context, requestID string) (Outcome, error)
}

func (m *MockClient) Submit(ctx context.Context, host string, nodes []string) (string, error) {
	if m.SubmitFunc != nil {
		return m.SubmitFunc(ctx, host, nodes)
	}
	return "req-" + host, nil
}

func (m *MockClient) Poll(ctx context.Context, requestID string) (Outcome, error) {
	if m.PollFunc != nil {
		return m.PollFunc(ctx, requestID)
	}
	return Outcome{}, nil
}

// HealthyOutcome returns an outcome where every node answered every ping with OK
func HealthyOutcome(nodes []string) Outcome {
	outcome := make(Outcome, len(nodes))
	for _, node := range nodes {
		outcome[node] = NodeResult{Reported: true, Replies: []string{"OK", "OK", "OK", "OK"}}
	}
	return outcome
}

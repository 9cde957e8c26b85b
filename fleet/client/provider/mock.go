package provider

import "context"

// MockClient mocks the Client interface
type MockClient struct {
	BuyServerFunc func(ctx context.Context, name string) (*Server, error)
	RenewFunc     func(ctx context.Context, id, ip string) error
}

func (m *MockClient) BuyServer(ctx context.Context, name string) (*Server, error) {
	if m.BuyServerFunc != nil {
		return m.BuyServerFunc(ctx, name)
	}
	return &Server{ID: name, IP: "192.0.2.10", Location: "test"}, nil
}

func (m *MockClient) Renew(ctx context.Context, id, ip string) error {
	if m.RenewFunc != nil {
		return m.RenewFunc(ctx, id, ip)
	}
	return nil
}

package financial

import (
	"context"

	"github.com/shopspring/decimal"
)

// MockClient mocks the Client interface
type MockClient struct {
	GetBalanceFunc       func(ctx context.Context, userID uint) (decimal.Decimal, error)
	TransferFunc         func(ctx context.Context, from, to uint, value decimal.Decimal) error
	RegisterIfAbsentFunc func(ctx context.Context, userID uint) error
}

func (m *MockClient) GetBalance(ctx context.Context, userID uint) (decimal.Decimal, error) {
	if m.GetBalanceFunc != nil {
		return m.GetBalanceFunc(ctx, userID)
	}
	return decimal.Zero, nil
}

func (m *MockClient) Transfer(ctx context.Context, from, to uint, value decimal.Decimal) error {
	if m.TransferFunc != nil {
		return m.TransferFunc(ctx, from, to, value)
	}
	return nil
}

func (m *MockClient) RegisterIfAbsent(ctx context.Context, userID uint) error {
	if m.RegisterIfAbsentFunc != nil {
		return m.RegisterIfAbsentFunc(ctx, userID)
	}
	return nil
}

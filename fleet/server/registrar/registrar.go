package registrar

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrRecordExists is returned when the name is already taken at the registrar
var ErrRecordExists = errors.New("dns record already exists")

// Kind selects the registrar implementation
type Kind string

const (
	CloudflareKind Kind = "cloudflare"
	Route53Kind    Kind = "route53"
)

// Registrar creates and repoints the A record of a server domain.
// Names are fully qualified, e.g. srv12.example.com.
type Registrar interface {
	CreateRecord(ctx context.Context, ip, name string) (string, error)
	UpdateRecord(ctx context.Context, recordID, ip, name string) error
}

// MockRegistrar mocks the Registrar interface
type MockRegistrar struct {
	CreateRecordFunc func(ctx context.Context, ip, name string) (string, error)
	UpdateRecordFunc func(ctx context.Context, recordID, ip, name string) error
}

func (m *MockRegistrar) CreateRecord(ctx context.Context, ip, name string) (string, error) {
	if m.CreateRecordFunc != nil {
		return m.CreateRecordFunc(ctx, ip, name)
	}
	return "rec-" + name, nil
}

func (m *MockRegistrar) UpdateRecord(ctx context.Context, recordID, ip, name string) error {
	if m.UpdateRecordFunc != nil {
		return m.UpdateRecordFunc(ctx, recordID, ip, name)
	}
	return nil
}

func validate(ip, name string) error {
	if ip == "" || name == "" {
		return fmt.Errorf("record needs both ip and name, got %q and %q", ip, name)
	}
	if strings.HasSuffix(name, ".") {
		return fmt.Errorf("record name %q must not end with a dot", name)
	}
	return nil
}

package registrar

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/libdns/libdns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sshfleet/sshfleet/fleet/server/retry"
	"github.com/sshfleet/sshfleet/fleet/server/status"
)

func withMockCloudflare(callback func(*Cloudflare, *http.ServeMux)) {
	mux := &http.ServeMux{}
	server := httptest.NewServer(mux)
	defer server.Close()
	c := NewCloudflare(server.URL, "cf-token", "zone-1", retry.Policy{MaxAttempts: 1, Delay: time.Millisecond}, nil)
	callback(c, mux)
}

func TestCloudflare_CreateRecord(t *testing.T) {
	withMockCloudflare(func(c *Cloudflare, mux *http.ServeMux) {
		mux.HandleFunc("/zones/zone-1/dns_records", func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "Bearer cf-token", r.Header.Get("Authorization"))

			var rec cloudflareRecord
			require.NoError(t, json.NewDecoder(r.Body).Decode(&rec))
			assert.Equal(t, "A", rec.Type)
			assert.Equal(t, "10.0.0.1", rec.Content)

			if rec.Name == "srv2.example.com" {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"success": false, "errors": [{"code": 81057, "message": "Record already exists."}]}`))
				return
			}
			if rec.Name == "srv3.example.com" {
				w.WriteHeader(http.StatusForbidden)
				_, _ = w.Write([]byte(`{"success": false, "errors": [{"code": 10000, "message": "Authentication error"}]}`))
				return
			}
			_, _ = w.Write([]byte(`{"success": true, "errors": [], "result": {"id": "rec-abc"}}`))
		})

		id, err := c.CreateRecord(context.Background(), "10.0.0.1", "srv1.example.com")
		require.NoError(t, err)
		assert.Equal(t, "rec-abc", id)

		_, err = c.CreateRecord(context.Background(), "10.0.0.1", "srv2.example.com")
		assert.ErrorIs(t, err, ErrRecordExists)

		_, err = c.CreateRecord(context.Background(), "10.0.0.1", "srv3.example.com")
		assert.True(t, status.IsType(err, status.RemoteRejected))
	})
}

func TestCloudflare_UpdateRecord(t *testing.T) {
	withMockCloudflare(func(c *Cloudflare, mux *http.ServeMux) {
		mux.HandleFunc("/zones/zone-1/dns_records/rec-abc", func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPut, r.Method)
			var rec cloudflareRecord
			require.NoError(t, json.NewDecoder(r.Body).Decode(&rec))
			assert.Equal(t, "10.0.0.2", rec.Content)
			assert.Equal(t, "srv1.example.com", rec.Name)
			_, _ = w.Write([]byte(`{"success": true, "result": {"id": "rec-abc"}}`))
		})

		require.NoError(t, c.UpdateRecord(context.Background(), "rec-abc", "10.0.0.2", "srv1.example.com"))
	})
}

type memoryProvider struct {
	mu      sync.Mutex
	records []libdns.Record
	fail    error
}

func (m *memoryProvider) GetRecords(_ context.Context, _ string) ([]libdns.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return nil, m.fail
	}
	return append([]libdns.Record(nil), m.records...), nil
}

func (m *memoryProvider) AppendRecords(_ context.Context, _ string, recs []libdns.Record) ([]libdns.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, recs...)
	return recs, nil
}

func (m *memoryProvider) SetRecords(_ context.Context, _ string, recs []libdns.Record) ([]libdns.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range recs {
		replaced := false
		for i := range m.records {
			if m.records[i].Name == rec.Name && m.records[i].Type == rec.Type {
				m.records[i] = rec
				replaced = true
			}
		}
		if !replaced {
			m.records = append(m.records, rec)
		}
	}
	return recs, nil
}

func TestLibDNS_CreateAndUpdate(t *testing.T) {
	provider := &memoryProvider{}
	r := NewLibDNS(provider, "example.com")
	ctx := context.Background()

	id, err := r.CreateRecord(ctx, "10.0.0.1", "srv1.example.com")
	require.NoError(t, err)
	assert.Equal(t, "srv1", id)

	_, err = r.CreateRecord(ctx, "10.0.0.1", "srv1.example.com")
	assert.ErrorIs(t, err, ErrRecordExists)

	require.NoError(t, r.UpdateRecord(ctx, id, "10.0.0.9", "srv1.example.com"))
	records, err := provider.GetRecords(ctx, "example.com.")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "10.0.0.9", records[0].Value)
	assert.Equal(t, time.Hour, records[0].TTL)
}

func TestLibDNS_ProviderFailure(t *testing.T) {
	r := NewLibDNS(&memoryProvider{fail: errors.New("throttled")}, "example.com.")
	_, err := r.CreateRecord(context.Background(), "10.0.0.1", "srv1.example.com")
	assert.True(t, status.IsType(err, status.RemoteUnreachable))

	_, err = r.CreateRecord(context.Background(), "", "srv1.example.com")
	assert.True(t, status.IsType(err, status.InvalidArgument))
}

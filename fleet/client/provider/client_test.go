package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sshfleet/sshfleet/fleet/server/retry"
	"github.com/sshfleet/sshfleet/fleet/server/status"
)

func withMockClient(callback func(*HTTPClient, *http.ServeMux)) {
	mux := &http.ServeMux{}
	server := httptest.NewServer(mux)
	defer server.Close()
	c := NewHTTPClient(Config{
		URL:            server.URL,
		APIKey:         "key",
		MinBalance:     decimal.NewFromInt(1),
		Location:       "Turkiye-Istanbul",
		Tariff:         19,
		Datacenter:     63,
		OSTemplate:     25,
		ActivePolls:    3,
		ActiveInterval: time.Millisecond,
	}, retry.Policy{MaxAttempts: 1, Delay: time.Millisecond}, nil)
	callback(c, mux)
}

func TestHTTPClient_BuyServer(t *testing.T) {
	withMockClient(func(c *HTTPClient, mux *http.ServeMux) {
		mux.HandleFunc("/api/userBalance", func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
			_, _ = w.Write([]byte(`{"error": false, "data": {"userBalance": 40.5}}`))
		})
		mux.HandleFunc("/api/action/buyServer", func(w http.ResponseWriter, r *http.Request) {
			var req buyRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "server-7", req.Name)
			assert.Equal(t, 63, req.Datacenter)
			_, _ = w.Write([]byte(`{"error": false, "data": {}}`))
		})
		polls := 0
		mux.HandleFunc("/api/myservers", func(w http.ResponseWriter, r *http.Request) {
			polls++
			state := "installing"
			if polls > 1 {
				state = "active"
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error": false,
				"data": map[string]any{"serverlist": []map[string]any{
					{"id": 991, "name": "server-7", "status": state, "ipv4": "198.51.100.7", "rootpass": "root-pw"},
					{"id": 990, "name": "server-6", "status": "active", "ipv4": "198.51.100.6"},
				}},
			})
		})

		s, err := c.BuyServer(context.Background(), "server-7")
		require.NoError(t, err)
		assert.Equal(t, "991", s.ID)
		assert.Equal(t, "198.51.100.7", s.IP)
		assert.Equal(t, "root-pw", s.Password)
		assert.Equal(t, "Turkiye-Istanbul", s.Location)
		assert.Equal(t, 2, polls)
	})
}

func TestHTTPClient_BuyServer_LowBalance(t *testing.T) {
	withMockClient(func(c *HTTPClient, mux *http.ServeMux) {
		mux.HandleFunc("/api/userBalance", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"error": false, "data": {"userBalance": 0.5}}`))
		})

		_, err := c.BuyServer(context.Background(), "server-8")
		assert.True(t, status.IsType(err, status.PreconditionFailed))
	})
}

func TestHTTPClient_Renew(t *testing.T) {
	withMockClient(func(c *HTTPClient, mux *http.ServeMux) {
		mux.HandleFunc("/api/action/autoprolong", func(w http.ResponseWriter, r *http.Request) {
			var req renewRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			if req.ServerID == "bad" {
				_, _ = w.Write([]byte(`{"error": true, "errorMessage": "unknown server"}`))
				return
			}
			_, _ = w.Write([]byte(`{"error": false, "data": "on"}`))
		})

		require.NoError(t, c.Renew(context.Background(), "991", "198.51.100.7"))
		err := c.Renew(context.Background(), "bad", "198.51.100.8")
		assert.True(t, status.IsType(err, status.RemoteRejected))
	})
}

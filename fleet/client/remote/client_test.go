package remote

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sshfleet/sshfleet/fleet/server/retry"
	"github.com/sshfleet/sshfleet/fleet/server/status"
	"github.com/sshfleet/sshfleet/fleet/server/types"
)

func withMockClient(t *testing.T, callback func(c *HTTPClient, ip string, mux *http.ServeMux)) {
	t.Helper()
	mux := &http.ServeMux{}
	server := httptest.NewServer(mux)
	defer server.Close()

	u, err := url.Parse(server.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	c := NewHTTPClient(Config{Port: port, Token: "slave-token", Timeout: 5 * time.Second},
		retry.Policy{MaxAttempts: 2, Delay: time.Millisecond}, nil)
	callback(c, host, mux)
}

func TestHTTPClient_Create(t *testing.T) {
	withMockClient(t, func(c *HTTPClient, ip string, mux *http.ServeMux) {
		mux.HandleFunc("/ssh/create", func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "slave-token", r.Header.Get("token"))

			var req createRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.True(t, req.IgnoreExists)
			require.Len(t, req.Users, 2)
			assert.Equal(t, "pw1", req.Users[0].Password)

			_ = json.NewEncoder(w).Encode(Result{SuccessUsers: []string{"user_1", "user_2"}, ExistsUsers: []string{"user_2"}})
		})

		res, err := c.Create(context.Background(), ip, []types.UserCredentials{
			{Username: "user_1", Password: "pw1"},
			{Username: "user_2", Password: "pw2"},
		}, true)
		require.NoError(t, err)
		assert.Equal(t, []string{"user_1", "user_2"}, res.SuccessUsers)
		assert.Equal(t, []string{"user_2"}, res.ExistsUsers)
	})
}

func TestHTTPClient_DeleteAndBlock(t *testing.T) {
	withMockClient(t, func(c *HTTPClient, ip string, mux *http.ServeMux) {
		mux.HandleFunc("/ssh/delete", func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodDelete, r.Method)
			var req usersRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.True(t, req.IgnoreNotExists)
			_ = json.NewEncoder(w).Encode(Result{SuccessUsers: req.Users[:1], NotExistsUsers: req.Users[1:]})
		})
		mux.HandleFunc("/ssh/block", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte("useradd failed"))
		})

		res, err := c.Delete(context.Background(), ip, []string{"user_1", "user_2"}, true)
		require.NoError(t, err)
		assert.Equal(t, []string{"user_1"}, res.SuccessUsers)
		assert.Equal(t, []string{"user_2"}, res.NotExistsUsers)

		_, err = c.Block(context.Background(), ip, []string{"user_1"}, false)
		require.Error(t, err)
		e, ok := status.FromError(err)
		require.True(t, ok)
		assert.Equal(t, status.RemoteRejected, e.Type())
		assert.Equal(t, http.StatusInternalServerError, e.RemoteStatus)
	})
}

func TestHTTPClient_EmptyBatchSkipsCall(t *testing.T) {
	withMockClient(t, func(c *HTTPClient, ip string, mux *http.ServeMux) {
		mux.HandleFunc("/ssh/unblock", func(w http.ResponseWriter, r *http.Request) {
			t.Fatal("unexpected call")
		})

		res, err := c.Unblock(context.Background(), ip, nil, true)
		require.NoError(t, err)
		assert.Empty(t, res.SuccessUsers)
	})
}

func TestHTTPClient_ListUsers(t *testing.T) {
	withMockClient(t, func(c *HTTPClient, ip string, mux *http.ServeMux) {
		mux.HandleFunc("/server/users", func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodGet, r.Method)
			assert.Equal(t, "slave-token", r.Header.Get("token"))
			_ = json.NewEncoder(w).Encode([]string{"user_100001", "root", "user_100002"})
		})

		users, err := c.ListUsers(context.Background(), ip)
		require.NoError(t, err)
		assert.Equal(t, []string{"user_100001", "root", "user_100002"}, users)
	})
}

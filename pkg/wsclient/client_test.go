package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmacdonaldsmith/livequery/pkg/datastore"
)

func TestNewClient(t *testing.T) {
	t.Run("valid_config", func(t *testing.T) {
		client, err := NewClient(Config{
			ServerURL: "http://localhost:8080",
			ClientID:  "test-client",
		})
		require.NoError(t, err)
		assert.Equal(t, "test-client", client.config.ClientID)
		assert.Equal(t, 30*time.Second, client.config.Timeout)
	})

	t.Run("anonymous", func(t *testing.T) {
		client, err := NewClient(Config{ServerURL: "http://localhost:8080"})
		require.NoError(t, err)
		assert.False(t, client.IsAuthenticated())

		_, err = client.Authenticate(context.Background())
		assert.ErrorContains(t, err, "ClientID is required")
	})

	t.Run("missing_server_url", func(t *testing.T) {
		client, err := NewClient(Config{ClientID: "test-client"})
		assert.Nil(t, client)
		assert.ErrorContains(t, err, "ServerURL is required")
	})

	t.Run("invalid_server_url", func(t *testing.T) {
		_, err := NewClient(Config{ServerURL: "://invalid-url"})
		assert.ErrorContains(t, err, "invalid ServerURL")

		_, err = NewClient(Config{ServerURL: "ftp://example.com"})
		assert.ErrorContains(t, err, "scheme must be http or https")
	})
}

func TestClient_Authenticate(t *testing.T) {
	t.Run("successful_authentication", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/api/v1/auth/login", r.URL.Path)
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

			var authReq map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&authReq))
			assert.Equal(t, "ed", authReq["clientId"])

			_ = json.NewEncoder(w).Encode(AuthResponse{
				Token:     "test-jwt-token",
				ClientID:  "ed",
				Role:      "editor",
				ExpiresAt: time.Now().Add(time.Hour),
			})
		}))
		defer server.Close()

		client, err := NewClient(Config{ServerURL: server.URL, ClientID: "ed"})
		require.NoError(t, err)

		resp, err := client.Authenticate(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "editor", resp.Role)
		assert.True(t, client.IsAuthenticated())
		assert.Equal(t, "test-jwt-token", client.GetToken())
	})

	t.Run("unknown_client", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(ErrorResponse{Error: "Unauthorized", Message: "Unknown client", Code: 401})
		}))
		defer server.Close()

		client, err := NewClient(Config{ServerURL: server.URL, ClientID: "mallory"})
		require.NoError(t, err)

		_, err = client.Authenticate(context.Background())
		var apiErr *APIError
		require.True(t, errors.As(err, &apiErr))
		assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
		assert.Equal(t, "Unknown client", apiErr.Message)
		assert.False(t, client.IsAuthenticated())
	})
}

func TestClient_Items(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/items/articles", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		switch r.Method {
		case http.MethodGet:
			q := r.URL.Query()
			assert.JSONEq(t, `{"status":{"_eq":"published"}}`, q.Get("filter"))
			assert.Equal(t, "id,title", q.Get("fields"))
			assert.Equal(t, "-id", q.Get("sort"))
			assert.Equal(t, "5", q.Get("limit"))
			assert.Equal(t, "10", q.Get("offset"))
			_, _ = w.Write([]byte(`{"data":[{"id":1,"title":"Hello"}]}`))
		case http.MethodPost:
			var item map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&item))
			assert.Equal(t, "New", item["title"])
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"key":7}`))
		case http.MethodPatch:
			var req MutationRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, []any{float64(7)}, req.Keys)
			assert.Equal(t, "published", req.Data["status"])
			_, _ = w.Write([]byte(`{"keys":[7]}`))
		case http.MethodDelete:
			var req MutationRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, []any{float64(7)}, req.Keys)
			assert.Nil(t, req.Data)
			_, _ = w.Write([]byte(`{"data":[{"id":7,"title":"New"}]}`))
		}
	}))
	defer server.Close()

	client, err := NewClient(Config{ServerURL: server.URL})
	require.NoError(t, err)
	client.SetToken("tok")
	ctx := context.Background()

	limit := 5
	items, err := client.ListItems(ctx, "articles", &datastore.Query{
		Filter: datastore.Filter{"status": map[string]any{"_eq": "published"}},
		Fields: []string{"id", "title"},
		Sort:   []string{"-id"},
		Limit:  &limit,
		Offset: 10,
	})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "Hello", items[0]["title"])

	key, err := client.CreateItem(ctx, "articles", datastore.Item{"title": "New"})
	require.NoError(t, err)
	assert.Equal(t, float64(7), key)

	keys, err := client.UpdateItems(ctx, "articles", []any{7}, datastore.Item{"status": "published"})
	require.NoError(t, err)
	assert.Equal(t, []any{float64(7)}, keys)

	deleted, err := client.DeleteItems(ctx, "articles", []any{7})
	require.NoError(t, err)
	require.Len(t, deleted, 1)
	assert.Equal(t, "New", deleted[0]["title"])
}

func TestClient_ItemErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":"Forbidden","message":"you don't have permission to access this","code":403}`))
	}))
	defer server.Close()

	client, err := NewClient(Config{ServerURL: server.URL})
	require.NoError(t, err)

	_, err = client.CreateItem(context.Background(), "articles", datastore.Item{"title": "x"})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Contains(t, err.Error(), "failed to create item")
}

func TestClient_GetHealth(t *testing.T) {
	healthy := true
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		resp := HealthResponse{Healthy: healthy, StoreHealthy: true}
		if !healthy {
			resp.Message = "node is not started"
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client, err := NewClient(Config{ServerURL: server.URL})
	require.NoError(t, err)

	health, err := client.GetHealth(context.Background())
	require.NoError(t, err)
	assert.True(t, health.Healthy)

	healthy = false
	health, err = client.GetHealth(context.Background())
	require.NoError(t, err)
	assert.False(t, health.Healthy)
	assert.Equal(t, "node is not started", health.Message)
}

func TestClient_Admin(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer admin-token", r.Header.Get("Authorization"))
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/admin/subscriptions":
			_, _ = w.Write([]byte(`{"subscriptions":[{"id":"s1","collection":"articles","connectionId":"c1","uid":"u1"}]}`))
		case r.Method == http.MethodDelete && r.URL.Path == "/api/v1/admin/subscriptions/s1":
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/admin/stats":
			_, _ = w.Write([]byte(`{"connectedClients":1,"totalSubscriptions":1,"totalCollections":1,"dispatch":{"events":3,"deliveries":2}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client, err := NewClient(Config{ServerURL: server.URL})
	require.NoError(t, err)

	_, err = client.AdminGetStats(context.Background())
	assert.ErrorContains(t, err, "client not authenticated")

	client.SetToken("admin-token")
	ctx := context.Background()

	subs, err := client.AdminListSubscriptions(ctx)
	require.NoError(t, err)
	require.Len(t, subs.Subscriptions, 1)
	assert.Equal(t, "u1", subs.Subscriptions[0].UID)

	require.NoError(t, client.AdminRemoveSubscription(ctx, "s1"))
	assert.Error(t, client.AdminRemoveSubscription(ctx, "missing"))

	stats, err := client.AdminGetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), stats.Dispatch.Events)
	assert.Equal(t, uint64(2), stats.Dispatch.Deliveries)
}

package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"testing"
)

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
}

func TestLogin(t *testing.T) {
	setup := NewTestServerSetup(t)

	t.Run("configured_client", func(t *testing.T) {
		resp := setup.Do(t, http.MethodPost, "/api/v1/auth/login", "", `{"clientId":"ed"}`)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("Expected status 200, got %d", resp.StatusCode)
		}

		var auth AuthResponse
		decodeBody(t, resp, &auth)
		if auth.Token == "" || auth.ClientID != "ed" || auth.Role != "editor" {
			t.Errorf("Unexpected login response: %+v", auth)
		}

		acc, err := setup.Node.Auth().Authenticate(auth.Token)
		if err != nil {
			t.Fatalf("Issued token does not authenticate: %v", err)
		}
		if acc.User != "ed" || acc.Role != "editor" || acc.Admin {
			t.Errorf("Unexpected accountability: %+v", acc)
		}
	})

	t.Run("admin_client", func(t *testing.T) {
		resp := setup.Do(t, http.MethodPost, "/api/v1/auth/login", "", `{"clientId":"root"}`)
		var auth AuthResponse
		decodeBody(t, resp, &auth)

		acc, err := setup.Node.Auth().Authenticate(auth.Token)
		if err != nil || !acc.Admin {
			t.Errorf("Expected admin accountability, got %+v (%v)", acc, err)
		}
	})

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"unknown_client", `{"clientId":"mallory"}`, http.StatusUnauthorized},
		{"missing_client", `{}`, http.StatusBadRequest},
		{"invalid_json", `{"clientId":`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := setup.Do(t, http.MethodPost, "/api/v1/auth/login", "", tt.body)
			if resp.StatusCode != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, resp.StatusCode)
			}
			var errResp ErrorResponse
			decodeBody(t, resp, &errResp)
			if errResp.Code != tt.status {
				t.Errorf("Expected error code %d, got %+v", tt.status, errResp)
			}
		})
	}

	t.Run("wrong_content_type", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodPost, setup.HTTPServer.URL+"/api/v1/auth/login", nil)
		req.Header.Set("Content-Type", "text/plain")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("Request failed: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("Expected status 400, got %d", resp.StatusCode)
		}
	})
}

func TestListItems(t *testing.T) {
	setup := NewTestServerSetup(t)

	resp := setup.Do(t, http.MethodGet, "/api/v1/items/articles", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected JSON content type, got %q", ct)
	}
	var items ItemsResponse
	decodeBody(t, resp, &items)
	if len(items.Data) != 2 {
		t.Fatalf("Expected 2 articles, got %v", items.Data)
	}

	q := url.Values{}
	q.Set("filter", `{"status":{"_eq":"published"}}`)
	q.Set("fields", "id,title")
	resp = setup.Do(t, http.MethodGet, "/api/v1/items/articles?"+q.Encode(), "", "")
	decodeBody(t, resp, &items)
	if len(items.Data) != 1 || items.Data[0]["title"] != "Hello" {
		t.Fatalf("Expected only the published article, got %v", items.Data)
	}
	if _, ok := items.Data[0]["status"]; ok {
		t.Errorf("Expected status to be projected away, got %v", items.Data[0])
	}

	resp = setup.Do(t, http.MethodGet, "/api/v1/items/articles?sort=-id&limit=1", "", "")
	decodeBody(t, resp, &items)
	if len(items.Data) != 1 || items.Data[0]["id"] != float64(2) {
		t.Errorf("Expected article 2 first, got %v", items.Data)
	}
}

func TestListItems_Errors(t *testing.T) {
	setup := NewTestServerSetup(t)

	tests := []struct {
		name   string
		path   string
		token  string
		status int
	}{
		{"unknown_collection", "/api/v1/items/secrets", "", http.StatusForbidden},
		{"unknown_operator", "/api/v1/items/articles?filter=" + url.QueryEscape(`{"status":{"_like":"x"}}`), "", http.StatusBadRequest},
		{"malformed_filter", "/api/v1/items/articles?filter=%7B", "", http.StatusBadRequest},
		{"bad_limit", "/api/v1/items/articles?limit=many", "", http.StatusBadRequest},
		{"invalid_token", "/api/v1/items/articles", "not-a-token", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := setup.Do(t, http.MethodGet, tt.path, tt.token, "")
			if resp.StatusCode != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, resp.StatusCode)
			}
		})
	}
}

func TestItemMutations(t *testing.T) {
	setup := NewTestServerSetup(t)
	editor := setup.GenerateTestToken(t, "ed")

	t.Run("anonymous_create_forbidden", func(t *testing.T) {
		resp := setup.Do(t, http.MethodPost, "/api/v1/items/articles", "", `{"title":"Nope"}`)
		if resp.StatusCode != http.StatusForbidden {
			t.Errorf("Expected status 403, got %d", resp.StatusCode)
		}
	})

	t.Run("create", func(t *testing.T) {
		resp := setup.Do(t, http.MethodPost, "/api/v1/items/articles", editor, `{"title":"New","status":"draft"}`)
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("Expected status 201, got %d", resp.StatusCode)
		}
		var created CreateResponse
		decodeBody(t, resp, &created)
		if created.Key != float64(3) {
			t.Errorf("Expected key 3, got %v", created.Key)
		}
	})

	t.Run("update", func(t *testing.T) {
		resp := setup.Do(t, http.MethodPatch, "/api/v1/items/articles", editor, `{"keys":[3],"data":{"status":"published"}}`)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("Expected status 200, got %d", resp.StatusCode)
		}
		items, err := setup.Node.Store().ReadByKeys(context.Background(), "articles", []any{3}, nil, nil)
		if err != nil || len(items) != 1 || items[0]["status"] != "published" {
			t.Errorf("Expected article 3 to be published, got %v (%v)", items, err)
		}
	})

	t.Run("update_requires_keys", func(t *testing.T) {
		resp := setup.Do(t, http.MethodPatch, "/api/v1/items/articles", editor, `{"data":{"status":"x"}}`)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("Expected status 400, got %d", resp.StatusCode)
		}
	})

	t.Run("delete", func(t *testing.T) {
		resp := setup.Do(t, http.MethodDelete, "/api/v1/items/articles", editor, `{"keys":[3]}`)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("Expected status 200, got %d", resp.StatusCode)
		}
		var deleted ItemsResponse
		decodeBody(t, resp, &deleted)
		if len(deleted.Data) != 1 || deleted.Data[0]["title"] != "New" {
			t.Errorf("Expected the deleted record, got %v", deleted.Data)
		}
	})

	t.Run("delete_missing_key", func(t *testing.T) {
		resp := setup.Do(t, http.MethodDelete, "/api/v1/items/articles", editor, `{"keys":[99]}`)
		if resp.StatusCode != http.StatusForbidden {
			t.Errorf("Expected status 403, got %d", resp.StatusCode)
		}
	})
}

func TestAdminEndpoints(t *testing.T) {
	setup := NewTestServerSetup(t)
	admin := setup.GenerateTestToken(t, "root")
	editor := setup.GenerateTestToken(t, "ed")

	t.Run("token_required", func(t *testing.T) {
		resp := setup.Do(t, http.MethodGet, "/api/v1/admin/stats", "", "")
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("Expected status 401, got %d", resp.StatusCode)
		}
	})

	t.Run("admin_required", func(t *testing.T) {
		resp := setup.Do(t, http.MethodGet, "/api/v1/admin/subscriptions", editor, "")
		if resp.StatusCode != http.StatusForbidden {
			t.Errorf("Expected status 403, got %d", resp.StatusCode)
		}
	})

	t.Run("stats", func(t *testing.T) {
		resp := setup.Do(t, http.MethodGet, "/api/v1/admin/stats", admin, "")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("Expected status 200, got %d", resp.StatusCode)
		}
		var stats AdminStatsResponse
		decodeBody(t, resp, &stats)
		if stats.TotalSubscriptions != 0 || stats.ConnectedClients != 0 {
			t.Errorf("Expected empty stats, got %+v", stats)
		}
	})

	t.Run("list_empty", func(t *testing.T) {
		resp := setup.Do(t, http.MethodGet, "/api/v1/admin/subscriptions", admin, "")
		var subs AdminSubscriptionsResponse
		decodeBody(t, resp, &subs)
		if subs.Subscriptions == nil || len(subs.Subscriptions) != 0 {
			t.Errorf("Expected an empty list, got %#v", subs.Subscriptions)
		}
	})

	t.Run("remove_unknown", func(t *testing.T) {
		resp := setup.Do(t, http.MethodDelete, "/api/v1/admin/subscriptions/nope", admin, "")
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("Expected status 404, got %d", resp.StatusCode)
		}
	})
}

func TestHealth(t *testing.T) {
	setup := NewTestServerSetup(t)

	resp := setup.Do(t, http.MethodGet, "/api/v1/health", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	var health HealthResponse
	decodeBody(t, resp, &health)
	if !health.Healthy || !health.StoreHealthy {
		t.Errorf("Expected healthy node, got %+v", health)
	}

	if err := setup.Node.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	resp = setup.Do(t, http.MethodGet, "/api/v1/health", "", "")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503 for a stopped node, got %d", resp.StatusCode)
	}
}

func TestRouting(t *testing.T) {
	setup := NewTestServerSetup(t)

	resp := setup.Do(t, http.MethodGet, "/api/v1/nowhere", "", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", resp.StatusCode)
	}

	resp = setup.Do(t, http.MethodPut, "/api/v1/items/articles", "", `{}`)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", resp.StatusCode)
	}

	resp = setup.Do(t, http.MethodOptions, "/api/v1/items/articles", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected preflight status 200, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Expected wildcard CORS origin, got %q", got)
	}
}

func TestCORS_AllowedOrigins(t *testing.T) {
	m := NewMiddleware(nil, []string{"https://app.example"}, nil)

	if got := m.allowOrigin("https://app.example"); got != "https://app.example" {
		t.Errorf("Expected configured origin to be echoed, got %q", got)
	}
	if got := m.allowOrigin("https://evil.example"); got != "" {
		t.Errorf("Expected unknown origin to be refused, got %q", got)
	}

	req, _ := http.NewRequest(http.MethodGet, "/websocket", nil)
	if !m.CheckOrigin(req) {
		t.Error("Expected requests without an Origin header to pass")
	}
	req.Header.Set("Origin", "https://evil.example")
	if m.CheckOrigin(req) {
		t.Error("Expected foreign origin to be rejected")
	}
}

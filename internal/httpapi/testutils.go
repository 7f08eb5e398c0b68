package httpapi

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/rmacdonaldsmith/livequery/internal/config"
	"github.com/rmacdonaldsmith/livequery/internal/node"
	"github.com/rmacdonaldsmith/livequery/pkg/datastore"
)

// TestServerSetup holds common test dependencies
type TestServerSetup struct {
	Node       *node.Node
	Server     *Server
	HTTPServer *httptest.Server
}

// NewTestServerSetup creates a started node serving the articles collection
// with the default policy, plus an httptest server in front of it. Clients
// "ed" (editor) and "root" (admin) may log in; anonymous websocket
// connections are accepted unless configure turns them off.
func NewTestServerSetup(t *testing.T, configure ...func(*config.Config)) *TestServerSetup {
	t.Helper()

	cfg := config.Default()
	cfg.Auth.Secret = "test-secret-key"
	cfg.Auth.AllowAnonymous = true
	cfg.Auth.Users = []config.UserConfig{
		{ID: "ed", Role: "editor"},
		{ID: "root", Role: "admin"},
	}
	for _, fn := range configure {
		fn(cfg)
	}

	logger, _ := test.NewNullLogger()
	entry := logrus.NewEntry(logger)

	n, err := node.New(cfg, entry)
	if err != nil {
		t.Fatalf("Failed to create node: %v", err)
	}
	if err := n.Store().Import(node.DefaultCollection, []datastore.Item{
		{"id": 1, "title": "Hello", "status": "published"},
		{"id": 2, "title": "World", "status": "draft"},
	}); err != nil {
		t.Fatalf("Failed to import articles: %v", err)
	}
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start node: %v", err)
	}

	server := NewServer(n, NewConfig(cfg), entry)
	ts := httptest.NewServer(server.Handler())

	setup := &TestServerSetup{Node: n, Server: server, HTTPServer: ts}
	t.Cleanup(setup.Close)
	return setup
}

// Close cleans up test resources
func (setup *TestServerSetup) Close() {
	setup.Server.websocket.CloseAll()
	setup.HTTPServer.Close()
	_ = setup.Node.Close()
}

// GenerateTestToken creates a JWT token for a configured client
func (setup *TestServerSetup) GenerateTestToken(t *testing.T, clientID string) string {
	t.Helper()

	user, ok := setup.Node.Directory().Lookup(clientID)
	if !ok {
		t.Fatalf("Unknown test client %q", clientID)
	}
	token, _, err := setup.Node.JWT().GenerateToken(user.ID, user.Role, user.Admin())
	if err != nil {
		t.Fatalf("Failed to generate test token: %v", err)
	}
	return token
}

// WebsocketURL returns the ws:// URL of the websocket endpoint
func (setup *TestServerSetup) WebsocketURL() string {
	return "ws" + strings.TrimPrefix(setup.HTTPServer.URL, "http") + "/websocket"
}

// Do sends a request to the test server. A non-empty body is sent as JSON.
func (setup *TestServerSetup) Do(t *testing.T, method, path, token, body string) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, setup.HTTPServer.URL+path, reader)
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/rmacdonaldsmith/livequery/internal/config"
	"github.com/rmacdonaldsmith/livequery/internal/logging"
	"github.com/rmacdonaldsmith/livequery/pkg/wsclient"
)

func executeRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()

	cmd := newRootCommand()
	output := &bytes.Buffer{}
	cmd.SetOut(output)
	cmd.SetErr(output)
	cmd.SetArgs(args)

	err := cmd.Execute()
	return output.String(), err
}

func listen(t *testing.T) net.Listener {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return lis
}

// TestVersionFlag tests the --version flag
func TestVersionFlag(t *testing.T) {
	out, err := executeRoot(t, "--version")
	require.NoError(t, err)
	assert.Contains(t, out, "livequery v0.1.0")
}

// TestHealthFlag tests the --health flag
func TestHealthFlag(t *testing.T) {
	out, err := executeRoot(t, "--health", "--store-path", ":memory:", "--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, out, "Health Status")
	assert.Contains(t, out, "Overall: ✅ Healthy")
	assert.Contains(t, out, "Collections:")
}

func TestInvalidConfigFile(t *testing.T) {
	_, err := executeRoot(t, "--config", t.TempDir()+"/missing.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestApp_Run(t *testing.T) {
	cfg := config.Default()
	cfg.Auth.Secret = "test-secret-key"
	cfg.Auth.AllowAnonymous = true
	cfg.Auth.Users = []config.UserConfig{{ID: "ed", Role: "editor"}}
	cfg.GRPC.Enabled = true
	cfg.GRPC.HealthInterval = 50 * time.Millisecond
	cfg.HTTP.ShutdownTimeout = 2 * time.Second

	a, err := newApp(cfg, logging.Discard())
	require.NoError(t, err)
	defer a.close()

	httpLis, grpcLis := listen(t), listen(t)
	baseURL := "http://" + httpLis.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	result := make(chan error, 1)
	go func() { result <- a.run(ctx, httpLis, grpcLis) }()

	// HTTP health
	require.Eventually(t, func() bool {
		resp, err := http.Get(baseURL + "/api/v1/health")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var health map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&health)
		return resp.StatusCode == http.StatusOK && health["healthy"] == true
	}, 2*time.Second, 20*time.Millisecond)

	// gRPC health
	conn, err := grpc.NewClient(grpcLis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool {
		resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: "livequery"})
		return err == nil && resp.Status == healthpb.HealthCheckResponse_SERVING
	}, 2*time.Second, 20*time.Millisecond)

	// A realtime round trip through the served stack.
	client, err := wsclient.NewClient(wsclient.Config{ServerURL: baseURL, ClientID: "ed"})
	require.NoError(t, err)
	_, err = client.Authenticate(ctx)
	require.NoError(t, err)

	stream, err := client.Connect(ctx, wsclient.StreamConfig{})
	require.NoError(t, err)
	_, err = stream.Subscribe("articles", nil, "app")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return a.node.Registry().SubscriptionCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, err = client.CreateItem(ctx, "articles", map[string]any{"title": "Served"})
	require.NoError(t, err)
	select {
	case msg := <-stream.Messages():
		require.NotNil(t, msg)
		assert.Equal(t, "create", msg.Event)
		assert.Equal(t, "app", msg.UID)
	case <-time.After(2 * time.Second):
		t.Fatal("no change received")
	}

	cancel()
	select {
	case err := <-result:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("app did not shut down")
	}

	select {
	case <-stream.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("stream not closed by shutdown")
	}

	_, err = http.Get(baseURL + "/api/v1/health")
	assert.Error(t, err)
}

// Package wsclient is a Go client for livequery servers: login, item reads and
// writes over HTTP, and a websocket stream for realtime subscriptions that
// reconnects on its own.
package wsclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/rmacdonaldsmith/livequery/pkg/datastore"
)

// Client provides HTTP client for the livequery API
type Client struct {
	config     Config
	httpClient *http.Client
	token      string
	baseURL    *url.URL
}

// NewClient creates a new livequery client
func NewClient(config Config) (*Client, error) {
	config.SetDefaults()

	if config.ServerURL == "" {
		return nil, fmt.Errorf("ServerURL is required")
	}

	baseURL, err := url.Parse(config.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid ServerURL: %w", err)
	}
	if baseURL.Scheme != "http" && baseURL.Scheme != "https" {
		return nil, fmt.Errorf("invalid ServerURL: scheme must be http or https, got %q", baseURL.Scheme)
	}

	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		baseURL:    baseURL,
	}, nil
}

// Authenticate logs in as the configured client and stores the token
func (c *Client) Authenticate(ctx context.Context) (*AuthResponse, error) {
	if c.config.ClientID == "" {
		return nil, fmt.Errorf("ClientID is required to authenticate")
	}

	var authResp AuthResponse
	err := c.doRequest(ctx, http.MethodPost, "/api/v1/auth/login", map[string]string{"clientId": c.config.ClientID}, &authResp)
	if err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}

	c.token = authResp.Token
	return &authResp, nil
}

// ListItems reads the items of collection matching query
func (c *Client) ListItems(ctx context.Context, collection string, query *datastore.Query) ([]datastore.Item, error) {
	params, err := queryParams(query)
	if err != nil {
		return nil, err
	}

	var resp ItemsResponse
	if err := c.doRequestWithQuery(ctx, http.MethodGet, itemsPath(collection), params, nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	return resp.Data, nil
}

// CreateItem creates an item and returns its primary key
func (c *Client) CreateItem(ctx context.Context, collection string, item datastore.Item) (any, error) {
	var resp CreateResponse
	if err := c.doRequest(ctx, http.MethodPost, itemsPath(collection), item, &resp); err != nil {
		return nil, fmt.Errorf("failed to create item: %w", err)
	}
	return resp.Key, nil
}

// UpdateItems merges data into the items with the given keys
func (c *Client) UpdateItems(ctx context.Context, collection string, keys []any, data datastore.Item) ([]any, error) {
	var resp UpdateResponse
	req := MutationRequest{Keys: keys, Data: data}
	if err := c.doRequest(ctx, http.MethodPatch, itemsPath(collection), req, &resp); err != nil {
		return nil, fmt.Errorf("failed to update items: %w", err)
	}
	return resp.Keys, nil
}

// DeleteItems deletes the items with the given keys and returns them
func (c *Client) DeleteItems(ctx context.Context, collection string, keys []any) ([]datastore.Item, error) {
	var resp ItemsResponse
	if err := c.doRequest(ctx, http.MethodDelete, itemsPath(collection), MutationRequest{Keys: keys}, &resp); err != nil {
		return nil, fmt.Errorf("failed to delete items: %w", err)
	}
	return resp.Data, nil
}

// GetHealth returns the health status of the server. An unhealthy server
// answers 503, which is returned as a response rather than an error.
func (c *Client) GetHealth(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	err := c.doRequest(ctx, http.MethodGet, "/api/v1/health", nil, &resp)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusServiceUnavailable {
		return &resp, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get health status: %w", err)
	}
	return &resp, nil
}

// Admin Methods (require admin token)

// AdminListSubscriptions returns all subscriptions (admin only)
func (c *Client) AdminListSubscriptions(ctx context.Context) (*AdminSubscriptionsResponse, error) {
	if c.token == "" {
		return nil, fmt.Errorf("client not authenticated - call Authenticate() first")
	}

	var resp AdminSubscriptionsResponse
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/admin/subscriptions", nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to list all subscriptions: %w", err)
	}
	return &resp, nil
}

// AdminRemoveSubscription removes a subscription by id (admin only)
func (c *Client) AdminRemoveSubscription(ctx context.Context, id string) error {
	if c.token == "" {
		return fmt.Errorf("client not authenticated - call Authenticate() first")
	}

	path := "/api/v1/admin/subscriptions/" + url.PathEscape(id)
	if err := c.doRequest(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("failed to remove subscription: %w", err)
	}
	return nil
}

// AdminGetStats returns system statistics (admin only)
func (c *Client) AdminGetStats(ctx context.Context) (*AdminStatsResponse, error) {
	if c.token == "" {
		return nil, fmt.Errorf("client not authenticated - call Authenticate() first")
	}

	var resp AdminStatsResponse
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/admin/stats", nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}
	return &resp, nil
}

// doRequestWithQuery performs an HTTP request with query parameters. The token,
// when set, is always sent.
func (c *Client) doRequestWithQuery(ctx context.Context, method, path string, params url.Values, reqBody any, respBody any) error {
	u := &url.URL{Path: path}
	if len(params) > 0 {
		u.RawQuery = params.Encode()
	}
	fullURL := c.baseURL.ResolveReference(u)

	var bodyReader io.Reader
	if reqBody != nil {
		jsonBody, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL.String(), bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(bodyBytes))}
		var errResp ErrorResponse
		if err := json.Unmarshal(bodyBytes, &errResp); err == nil && errResp.Message != "" {
			apiErr.Message = errResp.Message
		}
		// Health bodies are meaningful even when unhealthy.
		if respBody != nil && resp.StatusCode == http.StatusServiceUnavailable {
			_ = json.Unmarshal(bodyBytes, respBody)
		}
		return apiErr
	}

	if respBody != nil && len(bodyBytes) > 0 {
		if err := json.Unmarshal(bodyBytes, respBody); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}

// doRequest performs an HTTP request without query parameters
func (c *Client) doRequest(ctx context.Context, method, path string, reqBody any, respBody any) error {
	return c.doRequestWithQuery(ctx, method, path, nil, reqBody, respBody)
}

// IsAuthenticated returns whether the client has a token
func (c *Client) IsAuthenticated() bool {
	return c.token != ""
}

// GetToken returns the current authentication token
func (c *Client) GetToken() string {
	return c.token
}

// SetToken sets the authentication token (useful for testing or token reuse)
func (c *Client) SetToken(token string) {
	c.token = token
}

func itemsPath(collection string) string {
	return "/api/v1/items/" + url.PathEscape(collection)
}

func queryParams(q *datastore.Query) (url.Values, error) {
	params := url.Values{}
	if q == nil {
		return params, nil
	}
	if len(q.Filter) > 0 {
		filter, err := json.Marshal(q.Filter)
		if err != nil {
			return nil, fmt.Errorf("failed to encode filter: %w", err)
		}
		params.Set("filter", string(filter))
	}
	if len(q.Fields) > 0 {
		params.Set("fields", strings.Join(q.Fields, ","))
	}
	if len(q.Sort) > 0 {
		params.Set("sort", strings.Join(q.Sort, ","))
	}
	if q.Limit != nil {
		params.Set("limit", strconv.Itoa(*q.Limit))
	}
	if q.Offset > 0 {
		params.Set("offset", strconv.Itoa(q.Offset))
	}
	return params, nil
}

package wsclient

import (
	"fmt"
	"time"

	"github.com/rmacdonaldsmith/livequery/pkg/datastore"
	"github.com/rmacdonaldsmith/livequery/pkg/protocol"
)

// Config holds client configuration
type Config struct {
	// ServerURL is the base URL of the livequery server (e.g., "http://localhost:8080")
	ServerURL string

	// ClientID is the identifier used to log in. Anonymous clients leave it empty.
	ClientID string

	// Timeout for HTTP requests
	Timeout time.Duration
}

// SetDefaults sets reasonable default values for the config
func (c *Config) SetDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
}

// AuthResponse represents the response from authentication
type AuthResponse struct {
	Token     string    `json:"token"`
	ClientID  string    `json:"clientId"`
	Role      string    `json:"role,omitempty"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ItemsResponse wraps items returned by reads and deletes
type ItemsResponse struct {
	Data []datastore.Item `json:"data"`
}

// MutationRequest is the body of update and delete requests
type MutationRequest struct {
	Keys []any          `json:"keys"`
	Data datastore.Item `json:"data,omitempty"`
}

// CreateResponse represents the result of a create
type CreateResponse struct {
	Key any `json:"key"`
}

// UpdateResponse represents the result of an update
type UpdateResponse struct {
	Keys []any `json:"keys"`
}

// AdminSubscriptionsResponse represents admin view of all subscriptions
type AdminSubscriptionsResponse struct {
	Subscriptions []AdminSubscriptionInfo `json:"subscriptions"`
}

// AdminSubscriptionInfo represents detailed subscription info for admins
type AdminSubscriptionInfo struct {
	ID           string           `json:"id"`
	Collection   string           `json:"collection"`
	ConnectionID string           `json:"connectionId"`
	User         string           `json:"user,omitempty"`
	UID          string           `json:"uid,omitempty"`
	Query        *datastore.Query `json:"query,omitempty"`
	CreatedAt    time.Time        `json:"createdAt"`
}

// DispatchStats are the server's cumulative dispatcher counters
type DispatchStats struct {
	Events     uint64 `json:"events"`
	Deliveries uint64 `json:"deliveries"`
	Empty      uint64 `json:"empty"`
	Failures   uint64 `json:"failures"`
}

// AdminStatsResponse represents system statistics
type AdminStatsResponse struct {
	ConnectedClients   int           `json:"connectedClients"`
	TotalSubscriptions int           `json:"totalSubscriptions"`
	TotalCollections   int           `json:"totalCollections"`
	Dispatch           DispatchStats `json:"dispatch"`
}

// HealthResponse represents health check response
type HealthResponse struct {
	Healthy          bool   `json:"healthy"`
	StoreHealthy     bool   `json:"storeHealthy"`
	NATSEnabled      bool   `json:"natsEnabled"`
	NATSHealthy      bool   `json:"natsHealthy"`
	ConnectedClients int    `json:"connectedClients"`
	Subscriptions    int    `json:"subscriptions"`
	Uptime           string `json:"uptime,omitempty"`
	Message          string `json:"message,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// APIError is returned for HTTP responses with an error status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// Message is a frame received on a stream.
type Message struct {
	// Type is "subscription" or "error"
	Type string
	UID  string

	// Event and Data are set for subscription frames. Data is an object for
	// single-key events and an array otherwise.
	Event string
	Data  any

	Error *protocol.Error
}

// frame mirrors the server's outbound frame for decoding.
type frame struct {
	Type  string                     `json:"type"`
	UID   string                     `json:"uid,omitempty"`
	Data  *protocol.SubscriptionData `json:"data,omitempty"`
	Error *protocol.Error            `json:"error,omitempty"`
}

func (f *frame) message() *Message {
	m := &Message{Type: f.Type, UID: f.UID, Error: f.Error}
	if f.Data != nil {
		m.Event = f.Data.Event
		m.Data = f.Data.Data
	}
	return m
}

package httpapi

import (
	"time"

	"github.com/rmacdonaldsmith/livequery/internal/dispatch"
	"github.com/rmacdonaldsmith/livequery/pkg/datastore"
)

// Request/Response types for the HTTP API

// AuthRequest represents a login request
type AuthRequest struct {
	ClientID string `json:"clientId"`
}

// AuthResponse represents a login response
type AuthResponse struct {
	Token     string    `json:"token"`
	ClientID  string    `json:"clientId"`
	Role      string    `json:"role,omitempty"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ItemsResponse wraps the items returned by a read or a delete
type ItemsResponse struct {
	Data []datastore.Item `json:"data"`
}

// MutationRequest is the body of PATCH and DELETE item requests. Create
// requests carry the item itself as the body.
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

// AdminStatsResponse represents system statistics
type AdminStatsResponse struct {
	ConnectedClients   int            `json:"connectedClients"`
	TotalSubscriptions int            `json:"totalSubscriptions"`
	TotalCollections   int            `json:"totalCollections"`
	Dispatch           dispatch.Stats `json:"dispatch"`
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

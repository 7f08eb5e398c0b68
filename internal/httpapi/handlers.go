package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/rmacdonaldsmith/livequery/internal/node"
	"github.com/rmacdonaldsmith/livequery/internal/store"
	"github.com/rmacdonaldsmith/livequery/pkg/datastore"
)

// Handlers contains all HTTP request handlers
type Handlers struct {
	node      *node.Node
	websocket *WebsocketHandler
	logger    *logrus.Entry
}

// NewHandlers creates a new handlers instance
func NewHandlers(n *node.Node, ws *WebsocketHandler, logger *logrus.Entry) *Handlers {
	return &Handlers{
		node:      n,
		websocket: ws,
		logger:    logger,
	}
}

// Auth endpoints

// Login handles POST /api/v1/auth/login
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	if err := validateJSON(r); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	var req AuthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.ClientID == "" {
		writeError(w, "clientId is required", http.StatusBadRequest)
		return
	}

	user, ok := h.node.Directory().Lookup(req.ClientID)
	if !ok {
		writeError(w, "Unknown client", http.StatusUnauthorized)
		return
	}

	token, expiresAt, err := h.node.JWT().GenerateToken(user.ID, user.Role, user.Admin())
	if err != nil {
		writeError(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}

	h.logger.WithFields(logrus.Fields{"user": user.ID, "role": user.Role}).Info("client logged in")
	writeJSON(w, AuthResponse{
		Token:     token,
		ClientID:  user.ID,
		Role:      user.Role,
		ExpiresAt: expiresAt,
	}, http.StatusOK)
}

// Item endpoints

// ListItems handles GET /api/v1/items/{collection}
func (h *Handlers) ListItems(w http.ResponseWriter, r *http.Request) {
	collection := mux.Vars(r)["collection"]
	query, err := parseQuery(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	items, err := h.node.Store().ReadByQuery(r.Context(), collection, query, GetAccountability(r))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if items == nil {
		items = []datastore.Item{}
	}
	writeJSON(w, ItemsResponse{Data: items}, http.StatusOK)
}

// CreateItem handles POST /api/v1/items/{collection}
func (h *Handlers) CreateItem(w http.ResponseWriter, r *http.Request) {
	if err := validateJSON(r); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	var item datastore.Item
	if err := json.NewDecoder(r.Body).Decode(&item); err != nil || item == nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	key, err := h.node.Store().CreateOne(r.Context(), mux.Vars(r)["collection"], item, GetAccountability(r))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, CreateResponse{Key: key}, http.StatusCreated)
}

// UpdateItems handles PATCH /api/v1/items/{collection}
func (h *Handlers) UpdateItems(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeMutation(w, r)
	if !ok {
		return
	}
	if len(req.Data) == 0 {
		writeError(w, "data is required", http.StatusBadRequest)
		return
	}

	keys, err := h.node.Store().UpdateMany(r.Context(), mux.Vars(r)["collection"], req.Keys, req.Data, GetAccountability(r))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, UpdateResponse{Keys: keys}, http.StatusOK)
}

// DeleteItems handles DELETE /api/v1/items/{collection}
func (h *Handlers) DeleteItems(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeMutation(w, r)
	if !ok {
		return
	}

	deleted, err := h.node.Store().DeleteMany(r.Context(), mux.Vars(r)["collection"], req.Keys, GetAccountability(r))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, ItemsResponse{Data: deleted}, http.StatusOK)
}

// Admin endpoints

// AdminListSubscriptions handles GET /api/v1/admin/subscriptions
func (h *Handlers) AdminListSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs := h.node.Registry().Subscriptions()
	resp := AdminSubscriptionsResponse{Subscriptions: make([]AdminSubscriptionInfo, 0, len(subs))}
	for _, sub := range subs {
		info := AdminSubscriptionInfo{
			ID:           sub.ID,
			Collection:   sub.Collection,
			ConnectionID: sub.Conn.ID(),
			UID:          sub.UID,
			Query:        sub.Query,
			CreatedAt:    sub.CreatedAt,
		}
		if acc := sub.Conn.Accountability(); acc != nil {
			info.User = acc.User
		}
		resp.Subscriptions = append(resp.Subscriptions, info)
	}
	writeJSON(w, resp, http.StatusOK)
}

// AdminRemoveSubscription handles DELETE /api/v1/admin/subscriptions/{id}
func (h *Handlers) AdminRemoveSubscription(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !h.node.Registry().Remove(id) {
		writeError(w, fmt.Sprintf("subscription %s not found", id), http.StatusNotFound)
		return
	}
	h.logger.WithField("subscription", id).Info("subscription removed by admin")
	w.WriteHeader(http.StatusNoContent)
}

// AdminGetStats handles GET /api/v1/admin/stats
func (h *Handlers) AdminGetStats(w http.ResponseWriter, r *http.Request) {
	registry := h.node.Registry()
	writeJSON(w, AdminStatsResponse{
		ConnectedClients:   h.websocket.Count(),
		TotalSubscriptions: registry.SubscriptionCount(),
		TotalCollections:   registry.CollectionCount(),
		Dispatch:           h.node.Dispatcher().Stats(),
	}, http.StatusOK)
}

// Health endpoint

// Health handles GET /api/v1/health
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	health := h.node.Health(r.Context())

	resp := HealthResponse{
		Healthy:          health.Healthy,
		StoreHealthy:     health.StoreHealthy,
		NATSEnabled:      health.NATSEnabled,
		NATSHealthy:      health.NATSHealthy,
		ConnectedClients: h.websocket.Count(),
		Subscriptions:    health.Subscriptions,
		Uptime:           health.Uptime,
		Message:          health.Message,
	}

	statusCode := http.StatusOK
	if !health.Healthy {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, resp, statusCode)
}

// Helper methods

// writeStoreError maps data store errors onto HTTP status codes
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, datastore.ErrForbidden):
		writeError(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, datastore.ErrInvalidQuery):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, datastore.ErrTokenExpired):
		writeError(w, err.Error(), http.StatusUnauthorized)
	case errors.Is(err, store.ErrClosed):
		writeError(w, err.Error(), http.StatusServiceUnavailable)
	default:
		writeError(w, "Internal server error", http.StatusInternalServerError)
	}
}

func decodeMutation(w http.ResponseWriter, r *http.Request) (*MutationRequest, bool) {
	if err := validateJSON(r); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return nil, false
	}
	var req MutationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return nil, false
	}
	if len(req.Keys) == 0 {
		writeError(w, "keys are required", http.StatusBadRequest)
		return nil, false
	}
	return &req, true
}

// validateJSON validates that the request has valid JSON content-type
func validateJSON(r *http.Request) error {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		return errors.New("Content-Type must be application/json")
	}
	return nil
}

// parseQuery reads filter (JSON), fields, sort (comma separated), limit and
// offset from the URL.
func parseQuery(r *http.Request) (*datastore.Query, error) {
	values := r.URL.Query()
	query := &datastore.Query{}

	if raw := values.Get("filter"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &query.Filter); err != nil {
			return nil, fmt.Errorf("invalid filter: %w", err)
		}
	}
	if raw := values.Get("fields"); raw != "" {
		query.Fields = splitList(raw)
	}
	if raw := values.Get("sort"); raw != "" {
		query.Sort = splitList(raw)
	}
	if raw := values.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid limit %q", raw)
		}
		query.Limit = &limit
	}
	if raw := values.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid offset %q", raw)
		}
		query.Offset = offset
	}
	return query, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

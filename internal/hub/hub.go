package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"telegraph/internal/metrics"
	"telegraph/internal/store"
	api "telegraph/pkg/api/telegraph"
	"telegraph/pkg/logging"
	"telegraph/pkg/models"
)

// Config holds the hub's tunables
type Config struct {
	// PollInterval is the period of the per-subscription polling fallback
	PollInterval time.Duration
	// SendTimeout bounds how long a send may wait on a slow connection
	// before the connection is treated as dead
	SendTimeout time.Duration
	// GeneratedPrefix is the literal prefix that marks a generated call
	// identifier; anything else is treated as a provider identifier
	GeneratedPrefix string
	// StoreTimeout bounds individual store reads
	StoreTimeout time.Duration
}

// DefaultConfig returns the hub defaults
func DefaultConfig() Config {
	return Config{
		PollInterval:    5 * time.Second,
		SendTimeout:     5 * time.Second,
		GeneratedPrefix: "EL_",
		StoreTimeout:    10 * time.Second,
	}
}

// Hub owns the live connections, the dual-keyed subscription registry and
// both delivery paths (webhook-driven broadcast and the polling fallback).
// All shared state is internal; construct one Hub at process start and hand
// it to whatever needs to publish.
type Hub struct {
	cfg      Config
	store    store.CallStore
	resolver *Resolver
	registry *registry
	logger   logging.Logger
	metrics  *metrics.Metrics

	mu      sync.RWMutex
	clients map[string]*Client
}

// New creates a hub. metrics may be nil (useful in tests).
func New(s store.CallStore, cfg Config, logger logging.Logger, m *metrics.Metrics) *Hub {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 5 * time.Second
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 10 * time.Second
	}
	if cfg.GeneratedPrefix == "" {
		cfg.GeneratedPrefix = "EL_"
	}
	return &Hub{
		cfg:      cfg,
		store:    s,
		resolver: NewResolver(s, cfg.GeneratedPrefix),
		registry: newRegistry(),
		logger:   logger,
		metrics:  m,
		clients:  make(map[string]*Client),
	}
}

// Accept registers an already-authenticated transport as a new connection
// and starts its read/write pumps. Returns the connection ID.
func (h *Hub) Accept(conn Conn, principal string) string {
	client := &Client{
		ID:          uuid.NewString(),
		Principal:   principal,
		ConnectedAt: time.Now().UTC(),
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
		done:        make(chan struct{}),
		hub:         h,
		logger:      h.logger,
	}

	h.mu.Lock()
	h.clients[client.ID] = client
	count := len(h.clients)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.Connections.WithLabelValues().Set(float64(count))
	}
	h.logger.WithFields(logging.Fields{
		"connection_id": client.ID,
		"principal":     principal,
		"client_count":  count,
	}).Info("Client connected")

	go client.writePump()
	go client.readPump()

	return client.ID
}

// Disconnect removes a connection, unsubscribes it from every topic and
// cancels its polling tasks. Safe to call more than once.
func (h *Hub) Disconnect(connID string) {
	h.mu.Lock()
	client, ok := h.clients[connID]
	if ok {
		delete(h.clients, connID)
	}
	count := len(h.clients)
	h.mu.Unlock()

	if !ok {
		return
	}

	for _, sub := range h.registry.dropConn(connID) {
		sub.stop()
	}
	client.close()

	if h.metrics != nil {
		h.metrics.Connections.WithLabelValues().Set(float64(count))
		h.updateSubscriptionGauge()
	}
	h.logger.WithFields(logging.Fields{
		"connection_id": connID,
		"client_count":  count,
	}).Info("Client disconnected")
}

// Send writes a raw payload to one connection with a bounded wait. A full
// queue past the timeout or a dead connection counts as a send failure: the
// connection is dropped and false is returned, so broadcast loops just move
// on to the next recipient.
func (h *Hub) Send(connID string, payload []byte) bool {
	h.mu.RLock()
	client, ok := h.clients[connID]
	h.mu.RUnlock()
	if !ok {
		return false
	}

	timer := time.NewTimer(h.cfg.SendTimeout)
	defer timer.Stop()

	select {
	case client.send <- payload:
		return true
	case <-client.done:
		return false
	case <-timer.C:
		h.logger.WithField("connection_id", connID).Warn("Send timed out, dropping connection")
		if h.metrics != nil {
			h.metrics.SendFailures.WithLabelValues("timeout").Inc()
		}
		h.Disconnect(connID)
		return false
	}
}

// Resolve looks up a call by either identifier family
func (h *Hub) Resolve(ctx context.Context, identifier string) (*models.Call, error) {
	return h.resolver.Resolve(ctx, identifier)
}

// SubscribersOf returns the connection IDs subscribed to a call, addressed
// by either of its identifiers.
func (h *Hub) SubscribersOf(identifier string) []string {
	return h.registry.subscribersOf(identifier)
}

// Stats returns the hub's current fan-out state
func (h *Hub) Stats() api.HubStats {
	h.mu.RLock()
	connections := len(h.clients)
	h.mu.RUnlock()

	total, perTopic := h.registry.stats()
	return api.HubStats{
		Connections:      connections,
		Subscriptions:    total,
		TopicSubscribers: perTopic,
	}
}

// handleClientMessage dispatches one inbound request from a connection.
// Malformed input answers that connection only; nothing here touches global
// state until the request has been validated.
func (h *Hub) handleClientMessage(c *Client, raw []byte) {
	var req api.ClientRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		h.sendError(c.ID, "message must be a JSON object with a subscribe or unsubscribe field", api.CodeInvalidMessageFormat)
		return
	}

	switch {
	case req.Subscribe != nil:
		if *req.Subscribe == "" {
			h.sendError(c.ID, "subscribe identifier must not be empty", api.CodeInvalidIdentifier)
			return
		}
		h.handleSubscribe(c, *req.Subscribe)
	case req.Unsubscribe != nil:
		if *req.Unsubscribe == "" {
			h.sendError(c.ID, "unsubscribe identifier must not be empty", api.CodeInvalidIdentifier)
			return
		}
		h.handleUnsubscribe(c, *req.Unsubscribe)
	default:
		h.sendError(c.ID, "message must contain a subscribe or unsubscribe field", api.CodeInvalidMessageFormat)
	}
}

// handleSubscribe runs the subscribe/catch-up flow: resolve the identifier,
// record the dual-keyed subscription, confirm, send the catch-up burst and
// start the polling fallback. A duplicate subscribe re-confirms but creates
// no second delivery path.
func (h *Hub) handleSubscribe(c *Client, identifier string) {
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.StoreTimeout)
	defer cancel()

	call, err := h.resolver.Resolve(ctx, identifier)
	if err == store.ErrNotFound {
		h.sendError(c.ID, "no call matches identifier "+identifier, api.CodeCallNotFound)
		return
	}
	if err != nil {
		h.logger.WithError(err).WithField("identifier", identifier).Error("Subscribe lookup failed")
		h.sendError(c.ID, "call lookup failed, try again", "")
		return
	}

	sub, created := h.registry.subscribe(c.ID, call)

	h.push(c.ID, api.SubscriptionConfirmed{
		Type:        api.TypeSubscriptionConfirmed,
		Identifier:  identifier,
		GeneratedID: call.GeneratedID,
		ExternalID:  call.ExternalID,
		Status:      string(call.Status),
	})

	if !created {
		h.logger.WithFields(logging.Fields{
			"connection_id": c.ID,
			"call_id":       call.GeneratedID,
		}).Debug("Duplicate subscribe, reusing existing subscription")
		return
	}

	if h.metrics != nil {
		h.updateSubscriptionGauge()
	}
	h.logger.WithFields(logging.Fields{
		"connection_id": c.ID,
		"call_id":       call.GeneratedID,
		"principal":     c.Principal,
	}).Info("Client subscribed to call")

	// Catch-up burst: everything already persisted, ascending. The cursor
	// ends at the highest sequence sent; the poller covers anything the
	// burst read missed.
	turns, err := h.store.GetAllTurns(ctx, call.GeneratedID)
	if err != nil {
		h.logger.WithError(err).WithField("call_id", call.GeneratedID).Warn("Catch-up read failed, polling will recover")
	}
	for i := range turns {
		h.deliverTurn(c.ID, sub, call, &turns[i], deliveryCatchup)
	}

	go h.pollLoop(c.ID, call, sub)
}

// handleUnsubscribe removes one connection's subscription. The identifier is
// re-resolved when the registry does not know it, since an unsubscribe may
// legitimately use the identifier family the subscribe did not.
func (h *Hub) handleUnsubscribe(c *Client, identifier string) {
	sub := h.registry.unsubscribe(c.ID, identifier)
	if sub == nil {
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.StoreTimeout)
		call, err := h.resolver.Resolve(ctx, identifier)
		cancel()
		if err == nil {
			sub = h.registry.unsubscribe(c.ID, call.GeneratedID)
		}
	}
	if sub != nil {
		sub.stop()
		if h.metrics != nil {
			h.updateSubscriptionGauge()
		}
		h.logger.WithFields(logging.Fields{
			"connection_id": c.ID,
			"identifier":    identifier,
		}).Info("Client unsubscribed from call")
	}

	// Unsubscribing from something never subscribed to is a no-op, not an
	// error; the confirmation is sent either way.
	h.push(c.ID, api.UnsubscribeConfirmed{
		Type:       api.TypeUnsubscribeConfirmed,
		Identifier: identifier,
	})
}

// push marshals and sends a message to one connection
func (h *Hub) push(connID string, v interface{}) bool {
	payload, err := json.Marshal(v)
	if err != nil {
		h.logger.WithError(err).Error("Failed to marshal client message")
		return false
	}
	return h.Send(connID, payload)
}

func (h *Hub) sendError(connID, message, code string) {
	h.push(connID, api.ErrorMessage{
		Type:    api.TypeError,
		Message: message,
		Code:    code,
	})
}

func (h *Hub) updateSubscriptionGauge() {
	if h.metrics == nil {
		return
	}
	total, _ := h.registry.stats()
	h.metrics.Subscriptions.WithLabelValues().Set(float64(total))
}

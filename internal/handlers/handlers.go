package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"telegraph/internal/hub"
	"telegraph/internal/store"
	api "telegraph/pkg/api/telegraph"
	"telegraph/pkg/auth"
	"telegraph/pkg/logging"
	"telegraph/pkg/models"
)

// EventHub is the surface of the distribution hub the handlers drive
type EventHub interface {
	Accept(conn hub.Conn, principal string) string
	Resolve(ctx context.Context, identifier string) (*models.Call, error)
	OnDialogueTurnPersisted(call *models.Call, turn *models.DialogueTurn)
	OnCallCompleted(call *models.Call)
	Stats() api.HubStats
}

// TelegraphHandlers contains the HTTP handlers for the service
type TelegraphHandlers struct {
	hub       EventHub
	logger    logging.Logger
	jwtSecret []byte
	startTime time.Time
}

// NewTelegraphHandlers creates a new handlers instance
func NewTelegraphHandlers(h EventHub, logger logging.Logger, jwtSecret []byte) *TelegraphHandlers {
	return &TelegraphHandlers{
		hub:       h,
		logger:    logger,
		jwtSecret: jwtSecret,
		startTime: time.Now(),
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// HandleWebSocket authenticates and upgrades a client connection, then hands
// it to the hub. Authentication happens exactly once, here; the hub treats
// the transport as already authenticated.
func (h *TelegraphHandlers) HandleWebSocket(c *gin.Context) {
	token := auth.BearerToken(c.Request)
	if token == "" {
		c.JSON(http.StatusUnauthorized, api.ErrorResponse{
			Error:   "unauthorized",
			Service: "telegraph",
			Message: "Missing bearer token",
		})
		return
	}

	claims, err := auth.ValidateJWT(token, h.jwtSecret)
	if err != nil {
		c.JSON(http.StatusUnauthorized, api.ErrorResponse{
			Error:   "unauthorized",
			Service: "telegraph",
			Message: err.Error(),
		})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade WebSocket connection")
		return
	}

	h.hub.Accept(conn, claims.UserID)
}

// transcriptionWebhook is the provider payload announcing a persisted turn.
// CallID may be either identifier family.
type transcriptionWebhook struct {
	CallID         string    `json:"call_id"`
	TurnID         string    `json:"turn_id"`
	SequenceNumber int64     `json:"sequence_number"`
	Speaker        string    `json:"speaker"`
	Text           string    `json:"text"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// HandleTranscriptionWebhook broadcasts a dialogue turn that the ingestion
// layer has already persisted
func (h *TelegraphHandlers) HandleTranscriptionWebhook(c *gin.Context) {
	var payload transcriptionWebhook
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{
			Error:   "invalid_payload",
			Service: "telegraph",
			Message: err.Error(),
		})
		return
	}
	if payload.CallID == "" || payload.SequenceNumber <= 0 {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{
			Error:   "invalid_payload",
			Service: "telegraph",
			Message: "call_id and a positive sequence_number are required",
		})
		return
	}

	call, ok := h.resolveCall(c, payload.CallID)
	if !ok {
		return
	}

	turn := &models.DialogueTurn{
		ID:             payload.TurnID,
		CallID:         call.GeneratedID,
		SequenceNumber: payload.SequenceNumber,
		Speaker:        models.Speaker(payload.Speaker),
		Text:           payload.Text,
		OccurredAt:     payload.OccurredAt,
	}
	if turn.OccurredAt.IsZero() {
		turn.OccurredAt = time.Now().UTC()
	}

	h.hub.OnDialogueTurnPersisted(call, turn)
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

// completionWebhook is the provider payload announcing call completion
type completionWebhook struct {
	CallID string `json:"call_id"`
}

// HandleCompletionWebhook triggers the two-message completion sequence for a
// call whose terminal status the ingestion layer has already persisted
func (h *TelegraphHandlers) HandleCompletionWebhook(c *gin.Context) {
	var payload completionWebhook
	if err := c.ShouldBindJSON(&payload); err != nil || payload.CallID == "" {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{
			Error:   "invalid_payload",
			Service: "telegraph",
			Message: "call_id is required",
		})
		return
	}

	call, ok := h.resolveCall(c, payload.CallID)
	if !ok {
		return
	}

	h.hub.OnCallCompleted(call)
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

// HandleStats reports the hub's current fan-out state
func (h *TelegraphHandlers) HandleStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"uptime": time.Since(h.startTime).String(),
		"hub":    h.hub.Stats(),
	})
}

// HandleNotFound provides a custom 404 handler
func (h *TelegraphHandlers) HandleNotFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, api.ErrorResponse{
		Error:   "not_found",
		Service: "telegraph",
		Message: "Endpoint not found",
	})
}

func (h *TelegraphHandlers) resolveCall(c *gin.Context, identifier string) (*models.Call, bool) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	call, err := h.hub.Resolve(ctx, identifier)
	if err == store.ErrNotFound {
		c.JSON(http.StatusNotFound, api.ErrorResponse{
			Error:   "call_not_found",
			Service: "telegraph",
			Message: "No call matches identifier " + identifier,
		})
		return nil, false
	}
	if err != nil {
		h.logger.WithError(err).WithField("identifier", identifier).Error("Webhook call lookup failed")
		c.JSON(http.StatusInternalServerError, api.ErrorResponse{
			Error:   "lookup_failed",
			Service: "telegraph",
		})
		return nil, false
	}
	return call, true
}

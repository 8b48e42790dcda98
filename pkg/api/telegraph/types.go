package telegraph

import (
	"time"

	"telegraph/pkg/models"
)

// Message type constants for outbound client messages
const (
	TypeSubscriptionConfirmed = "subscription_confirmed"
	TypeUnsubscribeConfirmed  = "unsubscribe_confirmed"
	TypeTranscription         = "transcription"
	TypeCallStatus            = "call_status"
	TypeCallCompleted         = "call_completed"
	TypeError                 = "error"
)

// Error codes carried on error messages
const (
	CodeCallNotFound         = "CALL_NOT_FOUND"
	CodeInvalidIdentifier    = "INVALID_IDENTIFIER"
	CodeInvalidMessageFormat = "INVALID_MESSAGE_FORMAT"
)

// ClientRequest is the inbound message envelope. Exactly one of the fields
// is expected to be present.
type ClientRequest struct {
	Subscribe   *string `json:"subscribe,omitempty"`
	Unsubscribe *string `json:"unsubscribe,omitempty"`
}

// SubscriptionConfirmed acknowledges a subscribe request. Identifier echoes
// whatever the client sent; the canonical identifier pair rides alongside.
type SubscriptionConfirmed struct {
	Type        string  `json:"type"`
	Identifier  string  `json:"identifier"`
	GeneratedID string  `json:"generated_id"`
	ExternalID  *string `json:"external_id"`
	Status      string  `json:"status"`
}

// UnsubscribeConfirmed acknowledges an unsubscribe request
type UnsubscribeConfirmed struct {
	Type       string `json:"type"`
	Identifier string `json:"identifier"`
}

// Transcription carries one dialogue turn to a subscriber
type Transcription struct {
	Type           string    `json:"type"`
	ExternalID     *string   `json:"external_id"`
	GeneratedID    string    `json:"generated_id"`
	TurnID         string    `json:"turn_id"`
	SequenceNumber int64     `json:"sequence_number"`
	Speaker        string    `json:"speaker"`
	Text           string    `json:"text"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// CallStatus is the status-only completion message, sent before CallCompleted
type CallStatus struct {
	Type        string     `json:"type"`
	ExternalID  *string    `json:"external_id"`
	GeneratedID string     `json:"generated_id"`
	Status      string     `json:"status"`
	EndTime     *time.Time `json:"end_time"`
}

// CallCompleted is the full-data completion message
type CallCompleted struct {
	Type               string                 `json:"type"`
	ExternalID         *string                `json:"external_id"`
	GeneratedID        string                 `json:"generated_id"`
	CompletionMetadata *models.CallCompletion `json:"completion_metadata"`
}

// ErrorMessage is sent to a single client on a request it could not act on
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// HubStats describes the hub's current fan-out state
type HubStats struct {
	Connections      int            `json:"connections"`
	Subscriptions    int            `json:"subscriptions"`
	TopicSubscribers map[string]int `json:"topic_subscribers"`
}

// ErrorResponse is the HTTP error envelope for non-WebSocket endpoints
type ErrorResponse struct {
	Error   string `json:"error"`
	Service string `json:"service"`
	Message string `json:"message,omitempty"`
}

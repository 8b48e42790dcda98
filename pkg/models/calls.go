package models

import (
	"encoding/json"
	"time"
)

// CallStatus represents the lifecycle status of a call
type CallStatus string

const (
	CallStatusInProgress CallStatus = "in_progress"
	CallStatusCompleted  CallStatus = "completed"
	CallStatusFailed     CallStatus = "failed"
)

// Terminal reports whether the status is one a call never leaves.
func (s CallStatus) Terminal() bool {
	return s == CallStatusCompleted || s == CallStatusFailed
}

// Call represents a call header record as read from the store.
// GeneratedID is assigned by us at initiation time and is always present.
// ExternalID is assigned by the provider once the call is accepted and may
// stay nil forever if initiation failed.
type Call struct {
	GeneratedID string          `json:"generated_id"`
	ExternalID  *string         `json:"external_id,omitempty"`
	Status      CallStatus      `json:"status"`
	StartedAt   time.Time       `json:"started_at"`
	EndTime     *time.Time      `json:"end_time,omitempty"`
	Completion  *CallCompletion `json:"completion_metadata,omitempty"`
}

// CallCompletion holds the metadata attached when a call reaches a terminal
// status. Immutable once set.
type CallCompletion struct {
	DurationSeconds int             `json:"duration_seconds"`
	Cost            float64         `json:"cost"`
	Success         *bool           `json:"success,omitempty"`
	Summary         string          `json:"summary,omitempty"`
	Raw             json.RawMessage `json:"raw,omitempty"`
}

// Speaker identifies which side of the call produced a dialogue turn
type Speaker string

const (
	SpeakerAgent        Speaker = "agent"
	SpeakerCounterparty Speaker = "counterparty"
)

// DialogueTurn represents one attributed utterance within a call.
// SequenceNumber is strictly increasing per call and assigned at persistence
// time; gaps are tolerated, contiguity is never assumed.
type DialogueTurn struct {
	ID             string    `json:"id"`
	CallID         string    `json:"call_id"` // generated identifier of the owning call
	SequenceNumber int64     `json:"sequence_number"`
	Speaker        Speaker   `json:"speaker"`
	Text           string    `json:"text"`
	OccurredAt     time.Time `json:"occurred_at"`
}

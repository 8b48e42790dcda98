package store

import (
	"context"
	"errors"

	"telegraph/pkg/models"
)

// ErrNotFound is returned when a lookup matches no call. Callers treat this
// as an expected condition, not a failure.
var ErrNotFound = errors.New("call not found")

// CallStore is the read interface the distribution core consumes. The store
// is written by the ingestion/REST layer; from here it is read-only.
type CallStore interface {
	GetCallByGeneratedID(ctx context.Context, generatedID string) (*models.Call, error)
	GetCallByExternalID(ctx context.Context, externalID string) (*models.Call, error)

	// GetAllTurns returns every dialogue turn for a call in ascending
	// sequence order (the subscribe-time catch-up burst).
	GetAllTurns(ctx context.Context, callID string) ([]models.DialogueTurn, error)

	// GetTurnsAfter returns dialogue turns with sequence number strictly
	// greater than afterSeq, in ascending sequence order.
	GetTurnsAfter(ctx context.Context, callID string, afterSeq int64) ([]models.DialogueTurn, error)
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"telegraph/pkg/logging"
	"telegraph/pkg/models"
)

// Postgres implements CallStore over the calls/dialogue_turns tables
type Postgres struct {
	db     *sql.DB
	logger logging.Logger
}

// NewPostgres creates a Postgres-backed call store
func NewPostgres(db *sql.DB, logger logging.Logger) *Postgres {
	return &Postgres{db: db, logger: logger}
}

const callColumns = `generated_id, external_id, status, started_at, end_time,
       duration_seconds, cost, success, summary, raw_metadata`

// GetCallByGeneratedID fetches a call header by its generated identifier
func (p *Postgres) GetCallByGeneratedID(ctx context.Context, generatedID string) (*models.Call, error) {
	row := p.db.QueryRowContext(ctx, `
        SELECT `+callColumns+`
        FROM calls
        WHERE generated_id = $1`, generatedID)
	return scanCall(row)
}

// GetCallByExternalID fetches a call header by its provider-assigned identifier
func (p *Postgres) GetCallByExternalID(ctx context.Context, externalID string) (*models.Call, error) {
	row := p.db.QueryRowContext(ctx, `
        SELECT `+callColumns+`
        FROM calls
        WHERE external_id = $1`, externalID)
	return scanCall(row)
}

// GetAllTurns returns every dialogue turn for a call in ascending sequence order
func (p *Postgres) GetAllTurns(ctx context.Context, callID string) ([]models.DialogueTurn, error) {
	return p.GetTurnsAfter(ctx, callID, 0)
}

// GetTurnsAfter returns turns with sequence number > afterSeq, ascending
func (p *Postgres) GetTurnsAfter(ctx context.Context, callID string, afterSeq int64) ([]models.DialogueTurn, error) {
	rows, err := p.db.QueryContext(ctx, `
        SELECT id, call_id, sequence_number, speaker, text, occurred_at
        FROM dialogue_turns
        WHERE call_id = $1 AND sequence_number > $2
        ORDER BY sequence_number ASC`, callID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("failed to query dialogue turns: %w", err)
	}
	defer rows.Close()

	var turns []models.DialogueTurn
	for rows.Next() {
		var t models.DialogueTurn
		var speaker string
		if err := rows.Scan(&t.ID, &t.CallID, &t.SequenceNumber, &speaker, &t.Text, &t.OccurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan dialogue turn: %w", err)
		}
		t.Speaker = models.Speaker(speaker)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate dialogue turns: %w", err)
	}

	return turns, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCall(row rowScanner) (*models.Call, error) {
	var call models.Call
	var externalID sql.NullString
	var endTime sql.NullTime
	var duration sql.NullInt64
	var cost sql.NullFloat64
	var success sql.NullBool
	var summary sql.NullString
	var rawMetadata []byte

	err := row.Scan(&call.GeneratedID, &externalID, &call.Status, &call.StartedAt,
		&endTime, &duration, &cost, &success, &summary, &rawMetadata)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan call: %w", err)
	}

	if externalID.Valid {
		call.ExternalID = &externalID.String
	}
	if endTime.Valid {
		t := endTime.Time
		call.EndTime = &t
	}

	// Completion metadata only exists once the call left in_progress
	if call.Status.Terminal() {
		completion := &models.CallCompletion{}
		if duration.Valid {
			completion.DurationSeconds = int(duration.Int64)
		}
		if cost.Valid {
			completion.Cost = cost.Float64
		}
		if success.Valid {
			b := success.Bool
			completion.Success = &b
		}
		if summary.Valid {
			completion.Summary = summary.String
		}
		if len(rawMetadata) > 0 {
			completion.Raw = json.RawMessage(rawMetadata)
		}
		call.Completion = completion
	}

	return &call, nil
}

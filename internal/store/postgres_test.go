package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	logrustest "github.com/sirupsen/logrus/hooks/test"

	"telegraph/pkg/models"
)

var callCols = []string{
	"generated_id", "external_id", "status", "started_at", "end_time",
	"duration_seconds", "cost", "success", "summary", "raw_metadata",
}

func newMockStore(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to open sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	logger, _ := logrustest.NewNullLogger()
	return NewPostgres(db, logger), mock
}

func TestGetCallByGeneratedIDInProgress(t *testing.T) {
	p, mock := newMockStore(t)

	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`SELECT (.+) FROM calls WHERE generated_id = \$1`).
		WithArgs("EL_D1_100").
		WillReturnRows(sqlmock.NewRows(callCols).
			AddRow("EL_D1_100", nil, "in_progress", started, nil, nil, nil, nil, nil, nil))

	call, err := p.GetCallByGeneratedID(context.Background(), "EL_D1_100")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if call.GeneratedID != "EL_D1_100" {
		t.Errorf("unexpected generated_id: %q", call.GeneratedID)
	}
	if call.ExternalID != nil {
		t.Errorf("external_id should be nil, got %q", *call.ExternalID)
	}
	if call.Status != models.CallStatusInProgress {
		t.Errorf("unexpected status: %q", call.Status)
	}
	if call.Completion != nil {
		t.Error("in-progress call must not carry completion metadata")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestGetCallByExternalIDCompleted(t *testing.T) {
	p, mock := newMockStore(t)

	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ended := started.Add(90 * time.Second)
	raw := []byte(`{"provider":"acme"}`)
	mock.ExpectQuery(`SELECT (.+) FROM calls WHERE external_id = \$1`).
		WithArgs("conv_abc").
		WillReturnRows(sqlmock.NewRows(callCols).
			AddRow("EL_D1_100", "conv_abc", "completed", started, ended, int64(90), 0.42, true, "asked about hours", raw))

	call, err := p.GetCallByExternalID(context.Background(), "conv_abc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if call.ExternalID == nil || *call.ExternalID != "conv_abc" {
		t.Fatalf("unexpected external_id: %v", call.ExternalID)
	}
	if !call.Status.Terminal() {
		t.Fatalf("completed status should be terminal, got %q", call.Status)
	}
	if call.EndTime == nil || !call.EndTime.Equal(ended) {
		t.Errorf("unexpected end_time: %v", call.EndTime)
	}
	if call.Completion == nil {
		t.Fatal("terminal call must carry completion metadata")
	}
	if call.Completion.DurationSeconds != 90 {
		t.Errorf("unexpected duration: %d", call.Completion.DurationSeconds)
	}
	if call.Completion.Cost != 0.42 {
		t.Errorf("unexpected cost: %v", call.Completion.Cost)
	}
	if call.Completion.Success == nil || !*call.Completion.Success {
		t.Errorf("unexpected success flag: %v", call.Completion.Success)
	}
	if string(call.Completion.Raw) != `{"provider":"acme"}` {
		t.Errorf("unexpected raw metadata: %s", call.Completion.Raw)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestGetCallNotFound(t *testing.T) {
	p, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT (.+) FROM calls WHERE generated_id = \$1`).
		WithArgs("EL_MISSING").
		WillReturnError(sql.ErrNoRows)

	if _, err := p.GetCallByGeneratedID(context.Background(), "EL_MISSING"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetTurnsAfter(t *testing.T) {
	p, mock := newMockStore(t)

	at := time.Date(2026, 3, 1, 12, 0, 5, 0, time.UTC)
	mock.ExpectQuery(`SELECT (.+) FROM dialogue_turns WHERE call_id = \$1 AND sequence_number > \$2 ORDER BY sequence_number ASC`).
		WithArgs("EL_D1_100", int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "call_id", "sequence_number", "speaker", "text", "occurred_at"}).
			AddRow("turn-3", "EL_D1_100", int64(3), "agent", "three", at).
			AddRow("turn-4", "EL_D1_100", int64(4), "counterparty", "four", at))

	turns, err := p.GetTurnsAfter(context.Background(), "EL_D1_100", 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(turns))
	}
	if turns[0].SequenceNumber != 3 || turns[1].SequenceNumber != 4 {
		t.Errorf("unexpected ordering: %v", turns)
	}
	if turns[1].Speaker != models.SpeakerCounterparty {
		t.Errorf("unexpected speaker: %q", turns[1].Speaker)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestGetAllTurnsStartsFromZero(t *testing.T) {
	p, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT (.+) FROM dialogue_turns WHERE call_id = \$1 AND sequence_number > \$2`).
		WithArgs("EL_D1_100", int64(0)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "call_id", "sequence_number", "speaker", "text", "occurred_at"}))

	turns, err := p.GetAllTurns(context.Background(), "EL_D1_100")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(turns) != 0 {
		t.Fatalf("expected no turns, got %d", len(turns))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

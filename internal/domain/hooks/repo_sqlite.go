package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const sqliteFeedbackSchema = `
CREATE TABLE IF NOT EXISTS cds_feedback (
	id                   TEXT PRIMARY KEY,
	service_id           TEXT NOT NULL,
	card_uuid            TEXT NOT NULL,
	outcome              TEXT NOT NULL,
	accepted_suggestions TEXT,
	override_reason      TEXT,
	outcome_timestamp    DATETIME NOT NULL,
	created_at           DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cds_feedback_service ON cds_feedback (service_id, created_at);
`

type feedbackRow struct {
	ID                  string    `db:"id"`
	ServiceID           string    `db:"service_id"`
	CardUUID            string    `db:"card_uuid"`
	Outcome             string    `db:"outcome"`
	AcceptedSuggestions []byte    `db:"accepted_suggestions"`
	OverrideReason      []byte    `db:"override_reason"`
	OutcomeTimestamp    time.Time `db:"outcome_timestamp"`
	CreatedAt           time.Time `db:"created_at"`
}

type feedbackStoreSQLite struct{ db *sqlx.DB }

// NewFeedbackStoreSQLite stores feedback in a local SQLite database and
// creates its table when missing.
func NewFeedbackStoreSQLite(ctx context.Context, db *sqlx.DB) (FeedbackStore, error) {
	if _, err := db.ExecContext(ctx, sqliteFeedbackSchema); err != nil {
		return nil, fmt.Errorf("create sqlite feedback schema: %w", err)
	}
	return &feedbackStoreSQLite{db: db}, nil
}

func (r *feedbackStoreSQLite) Record(ctx context.Context, serviceID string, fb Feedback) (*FeedbackRecord, error) {
	return insertFeedbackSQLite(ctx, r.db, serviceID, fb)
}

func (r *feedbackStoreSQLite) RecordBatch(ctx context.Context, serviceID string, items []Feedback) ([]*FeedbackRecord, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin feedback batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	out := make([]*FeedbackRecord, 0, len(items))
	for _, fb := range items {
		rec, err := insertFeedbackSQLite(ctx, tx, serviceID, fb)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit feedback batch: %w", err)
	}
	return out, nil
}

func insertFeedbackSQLite(ctx context.Context, db sqlx.ExtContext, serviceID string, fb Feedback) (*FeedbackRecord, error) {
	row := feedbackRow{
		ID:               uuid.NewString(),
		ServiceID:        serviceID,
		CardUUID:         fb.Card,
		Outcome:          fb.Outcome,
		OutcomeTimestamp: fb.OutcomeTimestamp.UTC(),
		CreatedAt:        time.Now().UTC(),
	}
	var err error
	if row.AcceptedSuggestions, err = json.Marshal(fb.AcceptedSuggestions); err != nil {
		return nil, fmt.Errorf("encode accepted suggestions: %w", err)
	}
	if fb.OverrideReason != nil {
		if row.OverrideReason, err = json.Marshal(fb.OverrideReason); err != nil {
			return nil, fmt.Errorf("encode override reason: %w", err)
		}
	}
	_, err = sqlx.NamedExecContext(ctx, db, `
		INSERT INTO cds_feedback (id, service_id, card_uuid, outcome, accepted_suggestions, override_reason, outcome_timestamp, created_at)
		VALUES (:id, :service_id, :card_uuid, :outcome, :accepted_suggestions, :override_reason, :outcome_timestamp, :created_at)`, row)
	if err != nil {
		return nil, fmt.Errorf("insert feedback: %w", err)
	}
	return &FeedbackRecord{ID: row.ID, ServiceID: serviceID, Feedback: fb, CreatedAt: row.CreatedAt}, nil
}

func (r *feedbackStoreSQLite) ListByService(ctx context.Context, serviceID string, limit, offset int) ([]*FeedbackRecord, int, error) {
	var total int
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM cds_feedback WHERE service_id = ?`, serviceID); err != nil {
		return nil, 0, fmt.Errorf("count feedback: %w", err)
	}
	var rows []feedbackRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, service_id, card_uuid, outcome, accepted_suggestions, override_reason, outcome_timestamp, created_at
		FROM cds_feedback WHERE service_id = ?
		ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?`, serviceID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("select feedback: %w", err)
	}
	items := make([]*FeedbackRecord, 0, len(rows))
	for _, row := range rows {
		rec := &FeedbackRecord{
			ID:        row.ID,
			ServiceID: row.ServiceID,
			CreatedAt: row.CreatedAt,
			Feedback: Feedback{
				Card:             row.CardUUID,
				Outcome:          row.Outcome,
				OutcomeTimestamp: row.OutcomeTimestamp,
			},
		}
		if err := decodeFeedbackJSON(&rec.Feedback, row.AcceptedSuggestions, row.OverrideReason); err != nil {
			return nil, 0, err
		}
		items = append(items, rec)
	}
	return items, total, nil
}

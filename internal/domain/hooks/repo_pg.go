package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// =========== Feedback Store ===========

type feedbackStorePG struct{ db *pgxpool.Pool }

// NewFeedbackStorePG stores feedback in the cds_feedback table.
func NewFeedbackStorePG(pool *pgxpool.Pool) FeedbackStore { return &feedbackStorePG{db: pool} }

const feedbackCols = `id, service_id, card_uuid, outcome, accepted_suggestions, override_reason, outcome_timestamp, created_at`

func (r *feedbackStorePG) Record(ctx context.Context, serviceID string, fb Feedback) (*FeedbackRecord, error) {
	return insertFeedbackPG(ctx, r.db, serviceID, fb)
}

func (r *feedbackStorePG) RecordBatch(ctx context.Context, serviceID string, items []Feedback) ([]*FeedbackRecord, error) {
	out := make([]*FeedbackRecord, 0, len(items))
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		for _, fb := range items {
			rec, err := insertFeedbackPG(ctx, tx, serviceID, fb)
			if err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func insertFeedbackPG(ctx context.Context, db queryable, serviceID string, fb Feedback) (*FeedbackRecord, error) {
	accepted, err := json.Marshal(fb.AcceptedSuggestions)
	if err != nil {
		return nil, fmt.Errorf("encode accepted suggestions: %w", err)
	}
	var override []byte
	if fb.OverrideReason != nil {
		if override, err = json.Marshal(fb.OverrideReason); err != nil {
			return nil, fmt.Errorf("encode override reason: %w", err)
		}
	}
	rec := &FeedbackRecord{ID: uuid.NewString(), ServiceID: serviceID, Feedback: fb}
	err = db.QueryRow(ctx, `
		INSERT INTO cds_feedback (id, service_id, card_uuid, outcome, accepted_suggestions, override_reason, outcome_timestamp)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING created_at`,
		rec.ID, serviceID, fb.Card, fb.Outcome, accepted, override, fb.OutcomeTimestamp,
	).Scan(&rec.CreatedAt)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *feedbackStorePG) ListByService(ctx context.Context, serviceID string, limit, offset int) ([]*FeedbackRecord, int, error) {
	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM cds_feedback WHERE service_id = $1`, serviceID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.db.Query(ctx, `SELECT `+feedbackCols+` FROM cds_feedback WHERE service_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`, serviceID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*FeedbackRecord
	for rows.Next() {
		rec, err := scanFeedback(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, rec)
	}
	return items, total, rows.Err()
}

func scanFeedback(row pgx.Row) (*FeedbackRecord, error) {
	var rec FeedbackRecord
	var accepted, override []byte
	err := row.Scan(&rec.ID, &rec.ServiceID, &rec.Feedback.Card, &rec.Feedback.Outcome,
		&accepted, &override, &rec.Feedback.OutcomeTimestamp, &rec.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := decodeFeedbackJSON(&rec.Feedback, accepted, override); err != nil {
		return nil, err
	}
	return &rec, nil
}

func decodeFeedbackJSON(fb *Feedback, accepted, override []byte) error {
	if len(accepted) > 0 && string(accepted) != "null" {
		if err := json.Unmarshal(accepted, &fb.AcceptedSuggestions); err != nil {
			return fmt.Errorf("decode accepted suggestions: %w", err)
		}
	}
	if len(override) > 0 && string(override) != "null" {
		fb.OverrideReason = &OverrideReason{}
		if err := json.Unmarshal(override, fb.OverrideReason); err != nil {
			return fmt.Errorf("decode override reason: %w", err)
		}
	}
	return nil
}

// =========== Resource Source ===========

// ErrUnsupportedQuery is returned by sources that cannot run a prefetch query.
var ErrUnsupportedQuery = errors.New("unsupported prefetch query")

type resourceSourcePG struct{ db queryable }

// NewResourceSourcePG serves "Type/id" prefetch reads from the read-only
// cds_resource table. Search queries are not supported.
func NewResourceSourcePG(pool *pgxpool.Pool) ResourceSource { return &resourceSourcePG{db: pool} }

func (r *resourceSourcePG) Fetch(ctx context.Context, query string, _ *HookRequest) (json.RawMessage, error) {
	resourceType, id, ok := strings.Cut(query, "/")
	if !ok || resourceType == "" || id == "" || strings.Contains(resourceType, "?") || strings.ContainsAny(id, "/?") {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedQuery, query)
	}
	var body []byte
	err := r.db.QueryRow(ctx,
		`SELECT resource FROM cds_resource WHERE resource_type = $1 AND id = $2`,
		resourceType, id).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s not found", query)
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(body), nil
}

package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var ErrAttemptNotFound = errors.New("export attempt not found")

type Outcome string

const (
	OutcomeStarted   Outcome = "STARTED"
	OutcomeCompleted Outcome = "COMPLETED"
	OutcomeFailed    Outcome = "FAILED"
)

// Attempt is one export request as recorded in the append-only audit trail.
// It is inserted once when the request is parsed and updated once when it ends.
// StudyID and Filter are filled in once validation has passed.
type Attempt struct {
	ID            uuid.UUID       `json:"id"`
	ResearcherID  int64           `json:"researcher_id,omitempty"`
	Username      string          `json:"username,omitempty"`
	AccessKeyHash string          `json:"access_key_hash"`
	Resource      string          `json:"resource"`
	StudyID       int64           `json:"study_id,omitempty"`
	QueryParams   json.RawMessage `json:"query_params"`
	Filter        json.RawMessage `json:"filter,omitempty"`
	ManifestSize  int             `json:"manifest_size"`
	Outcome       Outcome         `json:"outcome"`
	ErrorKind     string          `json:"error_kind,omitempty"`
	ErrorDetail   string          `json:"error_detail,omitempty"`
	BytesEmitted  int64           `json:"bytes_emitted"`
	StartedAt     time.Time       `json:"started_at"`
	EndedAt       *time.Time      `json:"ended_at,omitempty"`
}

// Store persists attempts. Create runs once per request, Finish once per terminal outcome.
type Store interface {
	Create(ctx context.Context, a Attempt) error
	Finish(ctx context.Context, a Attempt) error
}

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Writer is the Postgres-backed Store.
type Writer struct {
	DB auditDB
}

func (w *Writer) Create(ctx context.Context, a Attempt) error {
	params := a.QueryParams
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO export_attempts
		(id, researcher_id, username, access_key_hash, resource, query_params, manifest_size, outcome, started_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, a.ID, a.ResearcherID, a.Username, a.AccessKeyHash, a.Resource, params, a.ManifestSize, string(a.Outcome), a.StartedAt)
	return err
}

func (w *Writer) Finish(ctx context.Context, a Attempt) error {
	filter := a.Filter
	if len(filter) == 0 {
		filter = json.RawMessage(`{}`)
	}
	tag, err := w.DB.Exec(ctx, `
		UPDATE export_attempts
		SET researcher_id=$2, username=$3, resource=$4, outcome=$5, error_kind=$6, error_detail=$7, bytes_emitted=$8, ended_at=$9,
		    study_id=$10, filter=$11
		WHERE id=$1 AND ended_at IS NULL
	`, a.ID, a.ResearcherID, a.Username, a.Resource, string(a.Outcome), a.ErrorKind, a.ErrorDetail, a.BytesEmitted, a.EndedAt,
		a.StudyID, filter)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAttemptNotFound
	}
	return nil
}

func (w *Writer) Get(ctx context.Context, id uuid.UUID) (Attempt, error) {
	var a Attempt
	var outcome string
	row := w.DB.QueryRow(ctx, `
		SELECT id, researcher_id, username, access_key_hash, resource, study_id, query_params, filter, manifest_size,
		       outcome, error_kind, error_detail, bytes_emitted, started_at, ended_at
		FROM export_attempts WHERE id=$1
	`, id)
	err := row.Scan(&a.ID, &a.ResearcherID, &a.Username, &a.AccessKeyHash, &a.Resource, &a.StudyID, &a.QueryParams, &a.Filter, &a.ManifestSize,
		&outcome, &a.ErrorKind, &a.ErrorDetail, &a.BytesEmitted, &a.StartedAt, &a.EndedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return a, ErrAttemptNotFound
	}
	if err != nil {
		return a, err
	}
	a.Outcome = Outcome(outcome)
	return a, nil
}

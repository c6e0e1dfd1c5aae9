package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"dataexport/pkg/access"
	"dataexport/pkg/auth"
)

// DB is the subset of pgxpool.Pool the stores use.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// CredentialStore reads api_keys joined to their researcher.
type CredentialStore struct {
	DB DB
}

var (
	_ auth.CredentialStore = (*CredentialStore)(nil)
	_ auth.Rehasher        = (*CredentialStore)(nil)
)

func (s *CredentialStore) LookupByAccessKey(ctx context.Context, accessKey string) (*auth.CredentialRecord, error) {
	var rec auth.CredentialRecord
	err := s.DB.QueryRow(ctx, `
		SELECT k.access_key, k.secret_hash, r.id, r.username, r.site_admin, k.is_active
		FROM api_keys k
		JOIN researchers r ON r.id = k.researcher_id
		WHERE k.access_key = $1
	`, accessKey).Scan(&rec.AccessKey, &rec.SecretHash, &rec.ResearcherID, &rec.Username, &rec.SiteAdmin, &rec.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, auth.ErrCredentialNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *CredentialStore) UpdateSecretHash(ctx context.Context, accessKey, secretHash string) error {
	tag, err := s.DB.Exec(ctx, `UPDATE api_keys SET secret_hash=$2 WHERE access_key=$1`, accessKey, secretHash)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return auth.ErrCredentialNotFound
	}
	return nil
}

// ResourceStore resolves studies, participants and researcher relations.
// Deleted studies are invisible.
type ResourceStore struct {
	DB DB
}

var (
	_ access.Store  = (*ResourceStore)(nil)
	_ access.Lister = (*ResourceStore)(nil)
)

func (s *ResourceStore) StudyByObjectID(ctx context.Context, objectID string) (access.Study, error) {
	return s.study(ctx, `SELECT id, object_id, name FROM studies WHERE object_id=$1 AND NOT deleted`, objectID)
}

func (s *ResourceStore) StudyByID(ctx context.Context, id int64) (access.Study, error) {
	return s.study(ctx, `SELECT id, object_id, name FROM studies WHERE id=$1 AND NOT deleted`, id)
}

func (s *ResourceStore) study(ctx context.Context, sql string, arg any) (access.Study, error) {
	var st access.Study
	err := s.DB.QueryRow(ctx, sql, arg).Scan(&st.ID, &st.ObjectID, &st.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return st, access.ErrNotFound
	}
	return st, err
}

func (s *ResourceStore) ParticipantByPatientID(ctx context.Context, patientID string) (access.Participant, error) {
	var p access.Participant
	err := s.DB.QueryRow(ctx, `SELECT id, patient_id, study_id FROM participants WHERE patient_id=$1`, patientID).
		Scan(&p.ID, &p.PatientID, &p.StudyID)
	if errors.Is(err, pgx.ErrNoRows) {
		return p, access.ErrNotFound
	}
	return p, err
}

func (s *ResourceStore) HasStudyRelation(ctx context.Context, researcherID, studyID int64) (bool, error) {
	var ok bool
	err := s.DB.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM study_relations WHERE researcher_id=$1 AND study_id=$2)
	`, researcherID, studyID).Scan(&ok)
	return ok, err
}

// StudiesForResearcher lists the studies researcherID has a relation to.
func (s *ResourceStore) StudiesForResearcher(ctx context.Context, researcherID int64) ([]access.Study, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT s.id, s.object_id, s.name
		FROM study_relations r
		JOIN studies s ON s.id = r.study_id
		WHERE r.researcher_id=$1 AND NOT s.deleted
		ORDER BY s.id
	`, researcherID)
	if err != nil {
		return nil, fmt.Errorf("studies for researcher %d: %w", researcherID, err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (access.Study, error) {
		var st access.Study
		err := row.Scan(&st.ID, &st.ObjectID, &st.Name)
		return st, err
	})
}

func (s *ResourceStore) ParticipantIDs(ctx context.Context, studyID int64) ([]string, error) {
	rows, err := s.DB.Query(ctx, `SELECT patient_id FROM participants WHERE study_id=$1 ORDER BY patient_id`, studyID)
	if err != nil {
		return nil, fmt.Errorf("participants in study %d: %w", studyID, err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// ParticipantStore answers existence questions about patient ids.
type ParticipantStore struct {
	DB DB
}

// ExistingParticipants returns the subset of patientIDs that exist.
func (s *ParticipantStore) ExistingParticipants(ctx context.Context, patientIDs []string) ([]string, error) {
	if len(patientIDs) == 0 {
		return nil, nil
	}
	rows, err := s.DB.Query(ctx, `SELECT patient_id FROM participants WHERE patient_id = ANY($1)`, patientIDs)
	if err != nil {
		return nil, fmt.Errorf("existing participants: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *ParticipantStore) CountParticipants(ctx context.Context, patientIDs []string) (int, error) {
	found, err := s.ExistingParticipants(ctx, patientIDs)
	return len(found), err
}

// Package records reads the chunk registry: one row per stored data file.
package records

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"dataexport/pkg/filter"
	"dataexport/pkg/paginate"
)

// Stub describes one stored data file. The content itself lives in object storage.
type Stub struct {
	ID             int64
	ParticipantID  int64
	PatientID      string
	StudyID        int64
	DataStream     string
	TimeBin        time.Time
	ContentPath    string
	ContentHash    string
	SizeBytes      int64
	SurveyObjectID string
}

func StubID(s Stub) int64 { return s.ID }

// Codec renders stubs for JSON and CSV listings.
var Codec = paginate.FuncCodec[Stub]{
	Names: []string{"id", "participant_id", "patient_id", "study_id", "data_stream", "time_bin",
		"chunk_path", "chunk_hash", "file_size", "survey_object_id"},
	Row: func(s Stub) []any {
		var survey any
		if s.SurveyObjectID != "" {
			survey = s.SurveyObjectID
		}
		return []any{s.ID, s.ParticipantID, s.PatientID, s.StudyID, s.DataStream, s.TimeBin,
			s.ContentPath, s.ContentHash, s.SizeBytes, survey}
	},
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Query is the paginated chunk registry source for one study and filter.
type Query struct {
	DB      querier
	StudyID int64
	Filter  filter.Descriptor
}

var _ paginate.Source[Stub] = (*Query)(nil)

func (q *Query) PageIDs(ctx context.Context, after int64, limit int) ([]int64, error) {
	where, args := q.where()
	args = append(args, after, limit)
	sql := fmt.Sprintf(`
		SELECT c.id FROM chunk_registry c
		JOIN participants p ON p.id = c.participant_id
		WHERE %s AND c.id > $%d
		ORDER BY c.id
		LIMIT $%d`, where, len(args)-1, len(args))
	rows, err := q.DB.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

func (q *Query) Fetch(ctx context.Context, ids []int64) ([]Stub, error) {
	rows, err := q.DB.Query(ctx, `
		SELECT c.id, c.participant_id, p.patient_id, c.study_id, c.data_stream, c.time_bin,
		       c.chunk_path, c.chunk_hash, c.file_size, COALESCE(s.object_id, '')
		FROM chunk_registry c
		JOIN participants p ON p.id = c.participant_id
		LEFT JOIN surveys s ON s.id = c.survey_id
		WHERE c.id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Stub, error) {
		var s Stub
		err := row.Scan(&s.ID, &s.ParticipantID, &s.PatientID, &s.StudyID, &s.DataStream, &s.TimeBin,
			&s.ContentPath, &s.ContentHash, &s.SizeBytes, &s.SurveyObjectID)
		return s, err
	})
}

// where renders the filter as SQL conditions. Time bounds are inclusive.
func (q *Query) where() (string, []any) {
	conds := []string{"c.study_id = $1"}
	args := []any{q.StudyID}
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if streams := q.Filter.DataStreams(); streams != nil {
		add("c.data_stream = ANY($%d)", streams)
	}
	if ids := q.Filter.ParticipantIDs(); ids != nil {
		add("p.patient_id = ANY($%d)", ids)
	}
	if start := q.Filter.TimeStart(); start != nil {
		add("c.time_bin >= $%d", *start)
	}
	if end := q.Filter.TimeEnd(); end != nil {
		add("c.time_bin <= $%d", *end)
	}
	return strings.Join(conds, " AND "), args
}

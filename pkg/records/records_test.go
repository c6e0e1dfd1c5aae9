package records

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"dataexport/pkg/filter"
	"dataexport/pkg/paginate"
)

type fakeRows struct {
	rows [][]any
	idx  int
	err  error
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return r.err }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT 1") }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	if r.err != nil || r.idx >= len(r.rows) {
		return false
	}
	r.idx++
	return true
}

func (r *fakeRows) Values() ([]any, error) {
	if r.idx == 0 || r.idx > len(r.rows) {
		return nil, errors.New("no current row")
	}
	return append([]any(nil), r.rows[r.idx-1]...), nil
}

func (r *fakeRows) Scan(dest ...any) error {
	if r.idx == 0 || r.idx > len(r.rows) {
		return errors.New("no current row")
	}
	current := r.rows[r.idx-1]
	if len(dest) != len(current) {
		return fmt.Errorf("scan arity mismatch: got=%d want=%d", len(dest), len(current))
	}
	for i := range dest {
		switch d := dest[i].(type) {
		case *int64:
			*d = current[i].(int64)
		case *string:
			*d = current[i].(string)
		case *time.Time:
			*d = current[i].(time.Time)
		default:
			return fmt.Errorf("unsupported scan dest %T", dest[i])
		}
	}
	return nil
}

type call struct {
	sql  string
	args []any
}

type fakeQuerier struct {
	calls []call
	// stubs by id, ascending
	stubs []Stub
	err   error
}

func (f *fakeQuerier) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	f.calls = append(f.calls, call{sql: sql, args: args})
	if f.err != nil {
		return nil, f.err
	}
	if strings.Contains(sql, "SELECT c.id FROM") {
		after := args[len(args)-2].(int64)
		limit := args[len(args)-1].(int)
		rows := &fakeRows{}
		for _, s := range f.stubs {
			if s.ID > after && len(rows.rows) < limit {
				rows.rows = append(rows.rows, []any{s.ID})
			}
		}
		return rows, nil
	}
	ids := args[0].([]int64)
	rows := &fakeRows{}
	for _, s := range f.stubs {
		if slices.Contains(ids, s.ID) {
			rows.rows = append(rows.rows, []any{s.ID, s.ParticipantID, s.PatientID, s.StudyID, s.DataStream,
				s.TimeBin, s.ContentPath, s.ContentHash, s.SizeBytes, s.SurveyObjectID})
		}
	}
	return rows, nil
}

func TestQueryRendersFilter(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	db := &fakeQuerier{}
	q := &Query{DB: db, StudyID: 11, Filter: filter.NewDescriptor([]string{"gps"}, []string{"p1"}, &start, &end)}
	if _, err := q.PageIDs(context.Background(), 40, 100); err != nil {
		t.Fatalf("page ids: %v", err)
	}
	c := db.calls[0]
	for _, frag := range []string{"c.study_id = $1", "c.data_stream = ANY($2)", "p.patient_id = ANY($3)",
		"c.time_bin >= $4", "c.time_bin <= $5", "c.id > $6", "ORDER BY c.id", "LIMIT $7"} {
		if !strings.Contains(c.sql, frag) {
			t.Fatalf("expected %q in sql:\n%s", frag, c.sql)
		}
	}
	if strings.Contains(strings.ToUpper(c.sql), "OFFSET") {
		t.Fatal("identifier query must not use OFFSET")
	}
	if len(c.args) != 7 || c.args[0] != int64(11) || c.args[5] != int64(40) || c.args[6] != 100 {
		t.Fatalf("unexpected args %v", c.args)
	}
}

func TestQueryWithoutConstraints(t *testing.T) {
	db := &fakeQuerier{}
	q := &Query{DB: db, StudyID: 3}
	if _, err := q.PageIDs(context.Background(), 0, 10); err != nil {
		t.Fatalf("page ids: %v", err)
	}
	c := db.calls[0]
	if strings.Contains(c.sql, "ANY") || strings.Contains(c.sql, "time_bin") {
		t.Fatalf("unexpected constraints in sql:\n%s", c.sql)
	}
	if len(c.args) != 3 {
		t.Fatalf("unexpected args %v", c.args)
	}
}

func TestQueryPaginatesWithKeyset(t *testing.T) {
	db := &fakeQuerier{}
	bin := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	for i := 1; i <= 5; i++ {
		db.stubs = append(db.stubs, Stub{ID: int64(i * 10), ParticipantID: 1, PatientID: "p1", StudyID: 3,
			DataStream: "gps", TimeBin: bin, ContentPath: fmt.Sprintf("3/p1/gps/%d.csv", i), ContentHash: "h", SizeBytes: 10})
	}
	pages := paginate.New[Stub](&Query{DB: db, StudyID: 3}, StubID, paginate.WithPageSize[Stub](2))
	var got []int64
	for pages.Next(context.Background()) {
		for _, s := range pages.Page() {
			got = append(got, s.ID)
		}
	}
	if err := pages.Err(); err != nil {
		t.Fatalf("paginate: %v", err)
	}
	if !slices.Equal(got, []int64{10, 20, 30, 40, 50}) {
		t.Fatalf("unexpected ids %v", got)
	}
	var afters []any
	for _, c := range db.calls {
		if strings.Contains(c.sql, "SELECT c.id FROM") {
			afters = append(afters, c.args[len(c.args)-2])
		}
	}
	if !slices.Equal(afters, []any{int64(0), int64(20), int64(40)}) {
		t.Fatalf("unexpected keyset cursors %v", afters)
	}
}

func TestQueryErrors(t *testing.T) {
	db := &fakeQuerier{err: errors.New("down")}
	q := &Query{DB: db}
	if _, err := q.PageIDs(context.Background(), 0, 1); err == nil {
		t.Fatal("expected page ids error")
	}
	if _, err := q.Fetch(context.Background(), []int64{1}); err == nil {
		t.Fatal("expected fetch error")
	}
}

func TestCodecColumns(t *testing.T) {
	s := Stub{ID: 1, DataStream: "gps"}
	if len(Codec.Values(s)) != len(Codec.Columns()) {
		t.Fatal("codec arity mismatch")
	}
	if Codec.Values(s)[9] != nil {
		t.Fatal("missing survey should render as null")
	}
}

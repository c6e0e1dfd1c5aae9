package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return fmt.Errorf("scan arity mismatch: got=%d want=%d", len(dest), len(r.values))
	}
	for i := range dest {
		switch d := dest[i].(type) {
		case *int64:
			*d = r.values[i].(int64)
		case *string:
			*d = r.values[i].(string)
		case *bool:
			*d = r.values[i].(bool)
		default:
			return fmt.Errorf("unsupported scan dest %T", dest[i])
		}
	}
	return nil
}

// fakeRows yields values as single string columns, or tuples when set.
type fakeRows struct {
	values []string
	tuples [][]any
	idx    int
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT 1") }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }
func (r *fakeRows) Values() ([]any, error) {
	if r.tuples != nil {
		return r.tuples[r.idx-1], nil
	}
	return []any{r.values[r.idx-1]}, nil
}

func (r *fakeRows) Next() bool {
	n := len(r.values)
	if r.tuples != nil {
		n = len(r.tuples)
	}
	if r.idx >= n {
		return false
	}
	r.idx++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	if r.tuples != nil {
		return fakeRow{values: r.tuples[r.idx-1]}.Scan(dest...)
	}
	if len(dest) != 1 {
		return errors.New("expected one column")
	}
	*(dest[0].(*string)) = r.values[r.idx-1]
	return nil
}

type fakeDB struct {
	row       fakeRow
	rows      []string
	tuples    [][]any
	queryErr  error
	execTag   string
	execErr   error
	queries   []string
	queryArgs [][]any
}

func (f *fakeDB) record(sql string, args []any) {
	f.queries = append(f.queries, strings.Join(strings.Fields(sql), " "))
	f.queryArgs = append(f.queryArgs, args)
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.record(sql, args)
	return pgconn.NewCommandTag(f.execTag), f.execErr
}

func (f *fakeDB) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	f.record(sql, args)
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return &fakeRows{values: f.rows, tuples: f.tuples}, nil
}

func (f *fakeDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	f.record(sql, args)
	return f.row
}

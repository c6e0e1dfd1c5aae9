package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeAuditDB struct {
	execErr   error
	execTag   string
	rowErr    error
	rowValues []any
	execSQL   string
	execArgs  []any
	queryArgs []any
}

func (f *fakeAuditDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	_ = ctx
	f.execSQL = sql
	f.execArgs = append([]any(nil), args...)
	tag := f.execTag
	if tag == "" {
		tag = "INSERT 0 1"
	}
	return pgconn.NewCommandTag(tag), f.execErr
}

func (f *fakeAuditDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	_ = ctx
	_ = sql
	f.queryArgs = append([]any(nil), args...)
	return &fakeAuditRow{values: f.rowValues, err: f.rowErr}
}

type fakeAuditRow struct {
	values []any
	err    error
}

func (r *fakeAuditRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return fmt.Errorf("scan arity mismatch: got=%d want=%d", len(dest), len(r.values))
	}
	for i := range dest {
		if err := assignAuditScan(dest[i], r.values[i]); err != nil {
			return err
		}
	}
	return nil
}

func assignAuditScan(dest any, val any) error {
	switch d := dest.(type) {
	case *string:
		v, ok := val.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", val)
		}
		*d = v
	case *int64:
		v, ok := val.(int64)
		if !ok {
			return fmt.Errorf("expected int64, got %T", val)
		}
		*d = v
	case *int:
		v, ok := val.(int)
		if !ok {
			return fmt.Errorf("expected int, got %T", val)
		}
		*d = v
	case *uuid.UUID:
		v, ok := val.(uuid.UUID)
		if !ok {
			return fmt.Errorf("expected uuid, got %T", val)
		}
		*d = v
	case *json.RawMessage:
		v, ok := val.(json.RawMessage)
		if !ok {
			return fmt.Errorf("expected json raw, got %T", val)
		}
		*d = append((*d)[:0], v...)
	case *time.Time:
		v, ok := val.(time.Time)
		if !ok {
			return fmt.Errorf("expected time.Time, got %T", val)
		}
		*d = v
	case **time.Time:
		switch v := val.(type) {
		case nil:
			*d = nil
		case time.Time:
			*d = &v
		default:
			return fmt.Errorf("expected nullable time, got %T", val)
		}
	default:
		return fmt.Errorf("unsupported scan dest %T", dest)
	}
	return nil
}

func TestWriterCreateFinishGet(t *testing.T) {
	started := time.Date(2026, 2, 6, 12, 0, 0, 0, time.UTC)
	ended := started.Add(3 * time.Second)
	id := uuid.New()
	params := json.RawMessage(`{"study_id":["aaaaaaaaaaaaaaaaaaaaaaaa"]}`)
	db := &fakeAuditDB{}
	w := &Writer{DB: db}

	a := Attempt{
		ID:            id,
		AccessKeyHash: "hash-1",
		Resource:      "study:aaaaaaaaaaaaaaaaaaaaaaaa",
		QueryParams:   params,
		Outcome:       OutcomeStarted,
		StartedAt:     started,
	}
	if err := w.Create(context.Background(), a); err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(db.execArgs) != 9 {
		t.Fatalf("expected 9 insert args, got %d", len(db.execArgs))
	}
	if got, ok := db.execArgs[5].(json.RawMessage); !ok || string(got) != string(params) {
		t.Fatalf("unexpected params arg: %v", db.execArgs[5])
	}

	a.ResearcherID = 7
	a.Username = "alice"
	a.Outcome = OutcomeCompleted
	a.BytesEmitted = 1024
	a.EndedAt = &ended
	a.StudyID = 10
	a.Filter = json.RawMessage(`{"data_streams":["gps"]}`)
	db.execTag = "UPDATE 1"
	if err := w.Finish(context.Background(), a); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if db.execArgs[0] != id || db.execArgs[4] != string(OutcomeCompleted) || db.execArgs[7] != int64(1024) || db.execArgs[9] != int64(10) {
		t.Fatalf("unexpected update args: %v", db.execArgs)
	}
	if got, ok := db.execArgs[10].(json.RawMessage); !ok || string(got) != string(a.Filter) {
		t.Fatalf("unexpected filter arg: %v", db.execArgs[10])
	}

	db.rowValues = []any{id, int64(7), "alice", "hash-1", "study:aaaaaaaaaaaaaaaaaaaaaaaa", int64(10), params, a.Filter, 0,
		"COMPLETED", "", "", int64(1024), started, ended}
	got, err := w.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != id || got.Outcome != OutcomeCompleted || got.BytesEmitted != 1024 || got.EndedAt == nil || !got.EndedAt.Equal(ended) ||
		got.StudyID != 10 || string(got.Filter) != `{"data_streams":["gps"]}` {
		t.Fatalf("unexpected attempt: %+v", got)
	}
	if len(db.queryArgs) != 1 || db.queryArgs[0] != id {
		t.Fatalf("unexpected query args: %v", db.queryArgs)
	}
}

func TestWriterCreateDefaultsEmptyParams(t *testing.T) {
	db := &fakeAuditDB{}
	w := &Writer{DB: db}
	if err := w.Create(context.Background(), Attempt{ID: uuid.New(), Outcome: OutcomeStarted}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if got := db.execArgs[5].(json.RawMessage); string(got) != `{}` {
		t.Fatalf("expected empty object params, got %s", got)
	}
}

func TestWriterFinishDefaultsEmptyFilter(t *testing.T) {
	db := &fakeAuditDB{execTag: "UPDATE 1"}
	w := &Writer{DB: db}
	if err := w.Finish(context.Background(), Attempt{ID: uuid.New(), Outcome: OutcomeFailed}); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if got := db.execArgs[10].(json.RawMessage); string(got) != `{}` {
		t.Fatalf("expected empty object filter, got %s", got)
	}
}

func TestWriterErrors(t *testing.T) {
	db := &fakeAuditDB{execTag: "UPDATE 0"}
	w := &Writer{DB: db}
	if err := w.Finish(context.Background(), Attempt{ID: uuid.New()}); !errors.Is(err, ErrAttemptNotFound) {
		t.Fatalf("expected not found on zero rows, got %v", err)
	}

	db.execErr = errors.New("exec failed")
	if err := w.Create(context.Background(), Attempt{ID: uuid.New()}); err == nil {
		t.Fatal("expected create error")
	}
	if err := w.Finish(context.Background(), Attempt{ID: uuid.New()}); err == nil || errors.Is(err, ErrAttemptNotFound) {
		t.Fatalf("expected raw exec error, got %v", err)
	}

	db.rowErr = pgx.ErrNoRows
	if _, err := w.Get(context.Background(), uuid.New()); !errors.Is(err, ErrAttemptNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	db.rowErr = errors.New("conn reset")
	if _, err := w.Get(context.Background(), uuid.New()); err == nil || errors.Is(err, ErrAttemptNotFound) {
		t.Fatalf("expected raw get error, got %v", err)
	}
}

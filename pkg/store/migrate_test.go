package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type checksumRow struct {
	checksum *string
	err      error
}

func (r checksumRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(**string)) = r.checksum
	return nil
}

type fakeMigrationDB struct {
	applied  map[string]string
	execErr  error
	lookErr  error
	beginErr error
	tx       *fakeTx
}

func (f *fakeMigrationDB) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag("CREATE TABLE"), f.execErr
}

func (f *fakeMigrationDB) QueryRow(_ context.Context, _ string, args ...any) pgx.Row {
	if f.lookErr != nil {
		return checksumRow{err: f.lookErr}
	}
	sum, ok := f.applied[args[0].(string)]
	if !ok {
		return checksumRow{err: pgx.ErrNoRows}
	}
	return checksumRow{checksum: &sum}
}

func (f *fakeMigrationDB) Begin(context.Context) (pgx.Tx, error) {
	if f.beginErr != nil {
		return nil, f.beginErr
	}
	if f.tx == nil {
		f.tx = &fakeTx{}
	}
	return f.tx, nil
}

// fakeTx embeds pgx.Tx so only the methods Migrate calls need bodies.
type fakeTx struct {
	pgx.Tx
	statements []string
	failOn     string
	commitErr  error
	rollbacks  int
	commits    int
}

func (t *fakeTx) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	t.statements = append(t.statements, sql)
	if t.failOn != "" && strings.Contains(sql, t.failOn) {
		return pgconn.CommandTag{}, errors.New("exec failed")
	}
	return pgconn.NewCommandTag("OK"), nil
}

func (t *fakeTx) Commit(context.Context) error {
	t.commits++
	return t.commitErr
}

func (t *fakeTx) Rollback(context.Context) error {
	t.rollbacks++
	return nil
}

func checksumOf(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestMigrateAppliesPendingInOrder(t *testing.T) {
	fsys := fstest.MapFS{
		"002_more.sql": {Data: []byte("CREATE TABLE b();")},
		"001_init.sql": {Data: []byte("CREATE TABLE a();")},
		"README.md":    {Data: []byte("not sql")},
	}
	db := &fakeMigrationDB{applied: map[string]string{"001_init.sql": checksumOf("CREATE TABLE a();")}}
	var logs []string
	n, err := Migrate(context.Background(), db, fsys, func(format string, args ...any) { logs = append(logs, format) })
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if n != 1 || db.tx.commits != 1 || len(logs) != 1 {
		t.Fatalf("applied=%d commits=%d logs=%v", n, db.tx.commits, logs)
	}
	if db.tx.statements[0] != "CREATE TABLE b();" {
		t.Fatalf("unexpected statements %v", db.tx.statements)
	}
}

func TestMigrateRejectsChangedFile(t *testing.T) {
	fsys := fstest.MapFS{"001_init.sql": {Data: []byte("CREATE TABLE a(x int);")}}
	db := &fakeMigrationDB{applied: map[string]string{"001_init.sql": checksumOf("CREATE TABLE a();")}}
	if _, err := Migrate(context.Background(), db, fsys, nil); err == nil || !strings.Contains(err.Error(), "changed after it was applied") {
		t.Fatalf("expected checksum drift error, got %v", err)
	}
	db.applied["001_init.sql"] = ""
	if _, err := Migrate(context.Background(), db, fsys, nil); err != nil {
		t.Fatalf("rows without checksum are trusted: %v", err)
	}
}

func TestMigrateErrorBranches(t *testing.T) {
	fsys := fstest.MapFS{"001_init.sql": {Data: []byte("CREATE TABLE a();")}}
	cases := []struct {
		name string
		db   *fakeMigrationDB
		want string
	}{
		{"create", &fakeMigrationDB{execErr: errors.New("x")}, "create schema_migrations"},
		{"lookup", &fakeMigrationDB{lookErr: errors.New("x")}, "migration lookup"},
		{"begin", &fakeMigrationDB{beginErr: errors.New("x")}, "begin migration tx"},
		{"apply", &fakeMigrationDB{tx: &fakeTx{failOn: "CREATE TABLE a"}}, "apply migration"},
		{"mark", &fakeMigrationDB{tx: &fakeTx{failOn: "schema_migrations"}}, "mark migration"},
		{"commit", &fakeMigrationDB{tx: &fakeTx{commitErr: errors.New("x")}}, "commit migration"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Migrate(context.Background(), tc.db, fsys, nil)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %q error, got %v", tc.want, err)
			}
			if tc.db.tx != nil && (tc.name == "apply" || tc.name == "mark") && tc.db.tx.rollbacks != 1 {
				t.Fatalf("expected rollback, got %d", tc.db.tx.rollbacks)
			}
		})
	}
	if _, err := Migrate(context.Background(), nil, fsys, nil); err == nil {
		t.Fatal("expected db required error")
	}
}

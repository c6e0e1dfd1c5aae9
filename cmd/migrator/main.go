package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"time"

	"dataexport/migrations"
	"dataexport/pkg/store"

	"github.com/spf13/pflag"
)

type migratorDBCloser interface {
	store.MigrationDB
	Close()
}

// Testable variables for main()
var (
	logFatalf = log.Fatalf
	openDBFn  = func(ctx context.Context) (migratorDBCloser, error) {
		return store.NewPostgresPool(ctx, store.PostgresConfigFromEnv())
	}
)

func main() {
	if err := run(os.Args[1:], openDBFn, log.Printf); err != nil {
		logFatalf("migration: %v", err)
	}
}

func run(args []string, openDB func(ctx context.Context) (migratorDBCloser, error), logf func(format string, args ...any)) error {
	flags := pflag.NewFlagSet("migrator", pflag.ContinueOnError)
	dir := flags.String("dir", "", "directory of *.sql migrations (default: the set built into the binary)")
	timeout := flags.Duration("timeout", 60*time.Second, "overall deadline for connecting and migrating")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if flags.NArg() > 0 {
		return fmt.Errorf("unexpected argument: %s", flags.Arg(0))
	}

	var fsys fs.FS = migrations.FS
	if *dir != "" {
		info, err := os.Stat(*dir)
		if err != nil {
			return fmt.Errorf("migrations dir: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("migrations dir %s is not a directory", *dir)
		}
		fsys = os.DirFS(*dir)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	pool, err := openDB(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	applied, err := store.Migrate(ctx, pool, fsys, logf)
	if err != nil {
		return err
	}
	logf("migrator: %d migration(s) applied", applied)
	return nil
}

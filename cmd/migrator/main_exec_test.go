package main

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Exercises main() itself by swapping the package seams.
func TestMainSeams(t *testing.T) {
	origLogFatalf := logFatalf
	origOpenDB := openDBFn
	defer func() {
		logFatalf = origLogFatalf
		openDBFn = origOpenDB
	}()

	var fatalCalled bool
	logFatalf = func(format string, args ...any) { fatalCalled = true }

	t.Run("success_path", func(t *testing.T) {
		fatalCalled = false
		openDBFn = func(ctx context.Context) (migratorDBCloser, error) {
			// Every migration reports as already applied.
			return &fakeMigratorDB{
				queryRowFn: func(ctx context.Context, sql string, args ...any) pgx.Row {
					return fakeMigratorRow{values: []any{true}}
				},
			}, nil
		}
		main()
		if fatalCalled {
			t.Fatal("logFatalf must not fire on success")
		}
	})

	t.Run("open_db_failure_is_fatal", func(t *testing.T) {
		fatalCalled = false
		openDBFn = func(ctx context.Context) (migratorDBCloser, error) {
			return nil, errors.New("db connection failed")
		}
		main()
		if !fatalCalled {
			t.Fatal("logFatalf must fire when the pool cannot open")
		}
	})

	t.Run("migration_failure_is_fatal", func(t *testing.T) {
		fatalCalled = false
		openDBFn = func(ctx context.Context) (migratorDBCloser, error) {
			return &fakeMigratorDB{
				execFn: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
					return pgconn.CommandTag{}, errors.New("exec failed")
				},
			}, nil
		}
		main()
		if !fatalCalled {
			t.Fatal("logFatalf must fire when migrations fail")
		}
	})
}

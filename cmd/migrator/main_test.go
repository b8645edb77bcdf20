package main

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeMigratorDB struct {
	execFn     func(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	queryRowFn func(ctx context.Context, sql string, args ...any) pgx.Row
	beginFn    func(ctx context.Context) (pgx.Tx, error)
}

func (f *fakeMigratorDB) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	if f.execFn != nil {
		return f.execFn(ctx, sql, arguments...)
	}
	return pgconn.NewCommandTag("EXEC 1"), nil
}

func (f *fakeMigratorDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if f.queryRowFn != nil {
		return f.queryRowFn(ctx, sql, args...)
	}
	return fakeMigratorRow{values: []any{false}}
}

func (f *fakeMigratorDB) Begin(ctx context.Context) (pgx.Tx, error) {
	if f.beginFn != nil {
		return f.beginFn(ctx)
	}
	return &fakeMigratorTx{}, nil
}

func (f *fakeMigratorDB) Close() {}

type fakeMigratorRow struct {
	values []any
	err    error
}

func (r fakeMigratorRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return errors.New("scan arity mismatch")
	}
	for i := range dest {
		b, ok := dest[i].(*bool)
		if !ok {
			return errors.New("unsupported scan type")
		}
		v, ok := r.values[i].(bool)
		if !ok {
			return errors.New("expected bool")
		}
		*b = v
	}
	return nil
}

// fakeMigratorTx embeds pgx.Tx for the methods runMigrations never touches.
type fakeMigratorTx struct {
	pgx.Tx
	execFn        func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	commitErr     error
	rollbackErr   error
	rollbackCalls int
}

func (t *fakeMigratorTx) Commit(ctx context.Context) error { return t.commitErr }
func (t *fakeMigratorTx) Rollback(ctx context.Context) error {
	t.rollbackCalls++
	return t.rollbackErr
}
func (t *fakeMigratorTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if t.execFn != nil {
		return t.execFn(ctx, sql, args...)
	}
	return pgconn.NewCommandTag("EXEC 1"), nil
}

// Shared stubs for the error-branch table.
func unappliedRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return fakeMigratorRow{values: []any{false}}
}

func singleFileGlob(pattern string) ([]string, error) {
	return []string{"migrations/001.sql"}, nil
}

func selectOneFile(name string) ([]byte, error) {
	return []byte("SELECT 1;"), nil
}

func TestValidateMigrationPath(t *testing.T) {
	t.Parallel()

	clean, err := validateMigrationPath("migrations", "migrations/001_init.sql")
	if err != nil {
		t.Fatalf("expected valid migration path, got error: %v", err)
	}
	if clean != filepath.Clean("migrations/001_init.sql") {
		t.Fatalf("unexpected clean path: %s", clean)
	}

	for _, bad := range []string{"../outside.sql", "other/001_init.sql"} {
		if _, err := validateMigrationPath("migrations", bad); err == nil {
			t.Fatalf("expected rejection for %q", bad)
		}
	}
}

func TestRunMigrationsSuccessAndSkip(t *testing.T) {
	tx := &fakeMigratorTx{}
	db := &fakeMigratorDB{
		beginFn: func(ctx context.Context) (pgx.Tx, error) { return tx, nil },
		queryRowFn: func(ctx context.Context, sql string, args ...any) pgx.Row {
			applied := args[0].(string) == "001_init.sql"
			return fakeMigratorRow{values: []any{applied}}
		},
	}

	readCalls := 0
	readFile := func(name string) ([]byte, error) {
		readCalls++
		return selectOneFile(name)
	}
	glob := func(pattern string) ([]string, error) {
		return []string{"migrations/002_add.sql", "migrations/001_init.sql"}, nil
	}
	var logs []string
	logf := func(format string, args ...any) { logs = append(logs, format) }

	if err := runMigrations(context.Background(), db, "migrations", readFile, glob, logf); err != nil {
		t.Fatalf("runMigrations failed: %v", err)
	}
	if readCalls != 1 {
		t.Fatalf("only the unapplied file should be read, got %d reads", readCalls)
	}
	if tx.rollbackCalls != 0 {
		t.Fatalf("unexpected rollbacks: %d", tx.rollbackCalls)
	}
	if len(logs) < 2 {
		t.Fatalf("expected applied + summary logs, got %#v", logs)
	}
}

func TestRunMigrationsErrorBranches(t *testing.T) {
	failExec := func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
		return pgconn.CommandTag{}, errors.New("exec fail")
	}

	cases := []struct {
		name          string
		db            func() (migrationDB, *fakeMigratorTx)
		glob          func(string) ([]string, error)
		readFile      func(string) ([]byte, error)
		wantErr       string
		wantRollbacks int
	}{
		{
			name:    "nil_db",
			db:      func() (migrationDB, *fakeMigratorTx) { return nil, nil },
			wantErr: "db required",
		},
		{
			name: "bookkeeping_table_create_fails",
			db: func() (migrationDB, *fakeMigratorTx) {
				return &fakeMigratorDB{execFn: failExec}, nil
			},
			wantErr: "create schema_migrations",
		},
		{
			name: "glob_fails",
			db:   func() (migrationDB, *fakeMigratorTx) { return &fakeMigratorDB{}, nil },
			glob: func(string) ([]string, error) { return nil, errors.New("glob fail") },

			wantErr: "glob migrations",
		},
		{
			name:    "path_escapes_dir",
			db:      func() (migrationDB, *fakeMigratorTx) { return &fakeMigratorDB{}, nil },
			glob:    func(string) ([]string, error) { return []string{"../evil.sql"}, nil },
			wantErr: "invalid migration path",
		},
		{
			name: "applied_lookup_fails",
			db: func() (migrationDB, *fakeMigratorTx) {
				return &fakeMigratorDB{queryRowFn: func(ctx context.Context, sql string, args ...any) pgx.Row {
					return fakeMigratorRow{err: errors.New("lookup fail")}
				}}, nil
			},
			glob:    singleFileGlob,
			wantErr: "migration lookup",
		},
		{
			name: "file_read_fails",
			db: func() (migrationDB, *fakeMigratorTx) {
				return &fakeMigratorDB{queryRowFn: unappliedRow}, nil
			},
			glob:     singleFileGlob,
			readFile: func(string) ([]byte, error) { return nil, errors.New("read fail") },
			wantErr:  "read migration",
		},
		{
			name: "begin_fails",
			db: func() (migrationDB, *fakeMigratorTx) {
				return &fakeMigratorDB{
					queryRowFn: unappliedRow,
					beginFn:    func(ctx context.Context) (pgx.Tx, error) { return nil, errors.New("begin fail") },
				}, nil
			},
			glob:     singleFileGlob,
			readFile: selectOneFile,
			wantErr:  "begin migration tx",
		},
		{
			name: "apply_fails_and_rolls_back",
			db: func() (migrationDB, *fakeMigratorTx) {
				tx := &fakeMigratorTx{execFn: failExec}
				return &fakeMigratorDB{
					queryRowFn: unappliedRow,
					beginFn:    func(ctx context.Context) (pgx.Tx, error) { return tx, nil },
				}, tx
			},
			glob:          singleFileGlob,
			readFile:      selectOneFile,
			wantErr:       "apply migration",
			wantRollbacks: 1,
		},
		{
			name: "mark_fails_and_rolls_back",
			db: func() (migrationDB, *fakeMigratorTx) {
				execCalls := 0
				tx := &fakeMigratorTx{execFn: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
					execCalls++
					if execCalls == 2 {
						return pgconn.CommandTag{}, errors.New("mark fail")
					}
					return pgconn.NewCommandTag("EXEC 1"), nil
				}}
				return &fakeMigratorDB{
					queryRowFn: unappliedRow,
					beginFn:    func(ctx context.Context) (pgx.Tx, error) { return tx, nil },
				}, tx
			},
			glob:          singleFileGlob,
			readFile:      selectOneFile,
			wantErr:       "mark migration",
			wantRollbacks: 1,
		},
		{
			name: "commit_fails",
			db: func() (migrationDB, *fakeMigratorTx) {
				tx := &fakeMigratorTx{commitErr: errors.New("commit fail")}
				return &fakeMigratorDB{
					queryRowFn: unappliedRow,
					beginFn:    func(ctx context.Context) (pgx.Tx, error) { return tx, nil },
				}, tx
			},
			glob:     singleFileGlob,
			readFile: selectOneFile,
			wantErr:  "commit migration",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			db, tx := tc.db()
			err := runMigrations(context.Background(), db, "migrations", tc.readFile, tc.glob, nil)
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected %q error, got %v", tc.wantErr, err)
			}
			if tx != nil && tx.rollbackCalls != tc.wantRollbacks {
				t.Fatalf("rollbacks = %d, want %d", tx.rollbackCalls, tc.wantRollbacks)
			}
		})
	}
}

package store

import (
	"context"
	"errors"
	"reflect"
	"regexp"
	"testing"
)

func migrationTx(marker, name string) *mockTx {
	return &mockTx{
		execs: []execExpectation{
			{expect: regexp.MustCompile("pg_advisory_xact_lock"), args: []any{migrationLockID}},
			{expect: regexp.MustCompile(regexp.QuoteMeta(marker))},
			{expect: regexp.MustCompile("INSERT INTO schema_migrations"), args: []any{name}},
		},
		queries: []queryExpectation{
			{expect: regexp.MustCompile("schema_migrations WHERE version=\\$1"), args: []any{name}, value: false},
		},
	}
}

func TestApplyMigrationsEmptyDatabase(t *testing.T) {
	tx1 := migrationTx("-- Initial schema for calsched", "001_init.sql")
	tx2 := migrationTx("-- Track organizer and sequence for scheduled objects", "002_object_scheduling.sql")

	pool := &mockPool{
		t: t,
		queries: []queryExpectation{
			{expect: regexp.MustCompile("schema_migrations"), value: false},
			{expect: regexp.MustCompile("COUNT\\(\\*\\) FROM information_schema.tables"), value: 0},
			{expect: regexp.MustCompile("schema_migrations WHERE version=\\$1"), args: []any{"001_init.sql"}, value: false},
			{expect: regexp.MustCompile("schema_migrations WHERE version=\\$1"), args: []any{"002_object_scheduling.sql"}, value: false},
		},
		execs: []execExpectation{
			{expect: regexp.MustCompile("CREATE TABLE IF NOT EXISTS schema_migrations")},
		},
		txs: []*mockTx{tx1, tx2},
	}

	applied, err := ApplyMigrations(context.Background(), pool)
	if err != nil {
		t.Fatalf("expected migrations to apply, got error: %v", err)
	}
	if want := []string{"001_init.sql", "002_object_scheduling.sql"}; !reflect.DeepEqual(applied, want) {
		t.Fatalf("applied = %v, want %v", applied, want)
	}

	pool.assertDone()
	tx1.assertDone()
	tx2.assertDone()
	if !tx1.committed || !tx2.committed {
		t.Fatal("expected both migrations to commit")
	}
}

func TestApplyMigrationsPopulatedWithoutTracking(t *testing.T) {
	tx2 := migrationTx("-- Track organizer and sequence for scheduled objects", "002_object_scheduling.sql")

	pool := &mockPool{
		t: t,
		queries: []queryExpectation{
			{expect: regexp.MustCompile("schema_migrations"), value: false},
			{expect: regexp.MustCompile("COUNT\\(\\*\\) FROM information_schema.tables"), value: 3},
			// Inferred from the populated database.
			{expect: regexp.MustCompile("schema_migrations WHERE version=\\$1"), args: []any{"001_init.sql"}, value: true},
			{expect: regexp.MustCompile("schema_migrations WHERE version=\\$1"), args: []any{"002_object_scheduling.sql"}, value: false},
		},
		execs: []execExpectation{
			{expect: regexp.MustCompile("CREATE TABLE IF NOT EXISTS schema_migrations")},
			{expect: regexp.MustCompile("INSERT INTO schema_migrations"), args: []any{"001_init.sql"}},
		},
		txs: []*mockTx{tx2},
	}

	applied, err := ApplyMigrations(context.Background(), pool)
	if err != nil {
		t.Fatalf("expected migrations to apply without replaying init, got error: %v", err)
	}
	if len(applied) != 1 || applied[0] != "002_object_scheduling.sql" {
		t.Fatalf("unexpected applied list %v", applied)
	}

	pool.assertDone()
	tx2.assertDone()
}

func TestApplyMigrationsAllAlreadyApplied(t *testing.T) {
	pool := &mockPool{
		t: t,
		queries: []queryExpectation{
			{expect: regexp.MustCompile("schema_migrations"), value: true},
			{expect: regexp.MustCompile("schema_migrations WHERE version=\\$1"), args: []any{"001_init.sql"}, value: true},
			{expect: regexp.MustCompile("schema_migrations WHERE version=\\$1"), args: []any{"002_object_scheduling.sql"}, value: true},
		},
	}

	applied, err := ApplyMigrations(context.Background(), pool)
	if err != nil {
		t.Fatalf("expected no-op migrations, got error: %v", err)
	}
	if len(applied) != 0 {
		t.Fatalf("expected nothing applied, got %v", applied)
	}

	pool.assertDone()
}

func TestApplyMigrationsConcurrentRunnerWins(t *testing.T) {
	// Another process applied 002 between the outer check and taking the lock.
	tx := &mockTx{
		execs: []execExpectation{
			{expect: regexp.MustCompile("pg_advisory_xact_lock"), args: []any{migrationLockID}},
		},
		queries: []queryExpectation{
			{expect: regexp.MustCompile("schema_migrations WHERE version=\\$1"), args: []any{"002_object_scheduling.sql"}, value: true},
		},
	}
	pool := &mockPool{
		t: t,
		queries: []queryExpectation{
			{expect: regexp.MustCompile("schema_migrations"), value: true},
			{expect: regexp.MustCompile("schema_migrations WHERE version=\\$1"), args: []any{"001_init.sql"}, value: true},
			{expect: regexp.MustCompile("schema_migrations WHERE version=\\$1"), args: []any{"002_object_scheduling.sql"}, value: false},
		},
		txs: []*mockTx{tx},
	}

	applied, err := ApplyMigrations(context.Background(), pool)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(applied) != 0 {
		t.Fatalf("expected nothing applied, got %v", applied)
	}
	pool.assertDone()
	tx.assertDone()
	if tx.committed {
		t.Fatal("skipped migration should roll back, not commit")
	}
}

func TestApplyMigrationsFailureRollsBack(t *testing.T) {
	boom := errors.New("syntax error")
	tx := migrationTx("-- Initial schema for calsched", "001_init.sql")
	tx.execs[1].err = boom
	tx.execs = tx.execs[:2]

	pool := &mockPool{
		t: t,
		queries: []queryExpectation{
			{expect: regexp.MustCompile("schema_migrations"), value: true},
			{expect: regexp.MustCompile("schema_migrations WHERE version=\\$1"), args: []any{"001_init.sql"}, value: false},
		},
		txs: []*mockTx{tx},
	}

	_, err := ApplyMigrations(context.Background(), pool)
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped migration error, got %v", err)
	}
	if !tx.rolled || tx.committed {
		t.Fatal("expected failed migration to roll back")
	}
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func main() {
	if len(os.Args) < 2 {
		fatalf("usage: dbtool <schema-apply|rls-smoke|sync-smoke|seed-counties> [args]")
	}

	switch os.Args[1] {
	case "schema-apply":
		schemaApply(os.Args[2:])
	case "rls-smoke":
		rlsSmoke(os.Args[2:])
	case "sync-smoke":
		syncSmoke(os.Args[2:])
	case "seed-counties":
		seedCounties(os.Args[2:])
	default:
		fatalf("unknown subcommand: %s", os.Args[1])
	}
}

func schemaApply(args []string) {
	fs := flag.NewFlagSet("schema-apply", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var url, file string
	fs.StringVar(&url, "url", "", "postgres connection string")
	fs.StringVar(&file, "file", "db/schema.sql", "schema file to apply")
	if err := fs.Parse(args); err != nil {
		fatal(err)
	}
	if url == "" {
		fatalf("missing --url")
	}

	script, err := os.ReadFile(file)
	if err != nil {
		fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conn, err := pgx.Connect(ctx, url)
	if err != nil {
		fatal(err)
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, string(script)); err != nil {
		fatal(err)
	}

	fmt.Println("[schema-apply] OK")
}

func rlsSmoke(args []string) {
	fs := flag.NewFlagSet("rls-smoke", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var url string
	fs.StringVar(&url, "url", "", "postgres connection string")
	if err := fs.Parse(args); err != nil {
		fatal(err)
	}
	if url == "" {
		fatalf("missing --url")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := pgx.Connect(ctx, url)
	if err != nil {
		fatal(err)
	}
	defer conn.Close(context.Background())

	_ = tryEnsureRole(ctx, conn, "app_nobypassrls")

	tx, err := conn.Begin(ctx)
	if err != nil {
		fatal(err)
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	_ = trySetRole(ctx, tx, "app_nobypassrls")
	if _, err := tx.Exec(ctx, `CREATE TEMP TABLE rls_smoke (county_id text NOT NULL, val text NOT NULL);`); err != nil {
		fatal(err)
	}
	if _, err := tx.Exec(ctx, `ALTER TABLE rls_smoke ENABLE ROW LEVEL SECURITY;`); err != nil {
		fatal(err)
	}
	if _, err := tx.Exec(ctx, `ALTER TABLE rls_smoke FORCE ROW LEVEL SECURITY;`); err != nil {
		fatal(err)
	}
	if _, err := tx.Exec(ctx, `
CREATE POLICY county_isolation ON rls_smoke
USING (county_id = sync.current_county_id())
WITH CHECK (county_id = sync.current_county_id());`); err != nil {
		fatal(err)
	}

	if _, err := tx.Exec(ctx, `SAVEPOINT sp_failclosed;`); err != nil {
		fatal(err)
	}
	_, err = tx.Exec(ctx, `SELECT count(*) FROM rls_smoke;`)
	if _, rbErr := tx.Exec(ctx, `ROLLBACK TO SAVEPOINT sp_failclosed;`); rbErr != nil {
		fatal(rbErr)
	}
	if err == nil {
		fatalf("expected fail-closed error when app.current_county is missing")
	}
	if msg, ok := pgErrorMessage(err); !ok || msg != "RLS_COUNTY_CONTEXT_MISSING" {
		fatalf("expected pg error message=RLS_COUNTY_CONTEXT_MISSING, got ok=%v message=%q err=%v", ok, msg, err)
	}

	countyA := "county-00a"
	countyB := "county-00b"
	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_county', $1, true);`, countyA); err != nil {
		fatal(err)
	}

	if _, err := tx.Exec(ctx, `INSERT INTO rls_smoke (county_id, val) VALUES ($1, 'a');`, countyA); err != nil {
		fatal(err)
	}

	if _, err := tx.Exec(ctx, `SAVEPOINT sp_cross_insert;`); err != nil {
		fatal(err)
	}
	_, err = tx.Exec(ctx, `INSERT INTO rls_smoke (county_id, val) VALUES ($1, 'b');`, countyB)
	if _, rbErr := tx.Exec(ctx, `ROLLBACK TO SAVEPOINT sp_cross_insert;`); rbErr != nil {
		fatal(rbErr)
	}
	if err == nil {
		fatalf("expected RLS rejection on cross-county insert")
	}

	var count int
	if err := tx.QueryRow(ctx, `SELECT count(*) FROM rls_smoke;`).Scan(&count); err != nil {
		fatal(err)
	}
	if count != 1 {
		fatalf("expected count=1 under county A, got %d", count)
	}

	if err := tx.Commit(ctx); err != nil {
		fatal(err)
	}

	tx2, err := conn.Begin(ctx)
	if err != nil {
		fatal(err)
	}
	defer func() { _ = tx2.Rollback(context.Background()) }()

	_ = trySetRole(ctx, tx2, "app_nobypassrls")
	if _, err := tx2.Exec(ctx, `SELECT set_config('app.current_county', $1, true);`, countyB); err != nil {
		fatal(err)
	}
	if err := tx2.QueryRow(ctx, `SELECT count(*) FROM rls_smoke;`).Scan(&count); err != nil {
		fatal(err)
	}
	if count != 0 {
		fatalf("expected count=0 under county B, got %d", count)
	}
	if _, err := tx2.Exec(ctx, `INSERT INTO rls_smoke (county_id, val) VALUES ($1, 'b');`, countyB); err != nil {
		fatal(err)
	}
	if err := tx2.QueryRow(ctx, `SELECT count(*) FROM rls_smoke;`).Scan(&count); err != nil {
		fatal(err)
	}
	if count != 1 {
		fatalf("expected count=1 after insert under county B, got %d", count)
	}

	if err := tx2.Commit(ctx); err != nil {
		fatal(err)
	}

	fmt.Println("[rls-smoke] OK")
}

func syncSmoke(args []string) {
	fs := flag.NewFlagSet("sync-smoke", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var url string
	fs.StringVar(&url, "url", "", "postgres connection string")
	if err := fs.Parse(args); err != nil {
		fatal(err)
	}
	if url == "" {
		fatalf("missing --url")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := pgx.Connect(ctx, url)
	if err != nil {
		fatal(err)
	}
	defer conn.Close(context.Background())

	_ = tryEnsureRole(ctx, conn, "app_nobypassrls")

	tx, err := conn.Begin(ctx)
	if err != nil {
		fatal(err)
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	_ = trySetRole(ctx, tx, "app_nobypassrls")

	if _, err := tx.Exec(ctx, `SAVEPOINT sp_failclosed;`); err != nil {
		fatal(err)
	}
	_, err = tx.Exec(ctx, `SELECT count(*) FROM sync.sync_pairs;`)
	if _, rbErr := tx.Exec(ctx, `ROLLBACK TO SAVEPOINT sp_failclosed;`); rbErr != nil {
		fatal(rbErr)
	}
	if err == nil {
		fatalf("expected fail-closed error when app.current_county is missing")
	}
	if msg, ok := pgErrorMessage(err); !ok || msg != "RLS_COUNTY_CONTEXT_MISSING" {
		fatalf("expected pg error message=RLS_COUNTY_CONTEXT_MISSING, got ok=%v message=%q err=%v", ok, msg, err)
	}

	countyA := "county-00a"
	countyB := "county-00b"
	if _, err := tx.Exec(ctx, `INSERT INTO sync.counties (id, name) VALUES ($1, 'Smoke A'), ($2, 'Smoke B') ON CONFLICT (id) DO NOTHING;`, countyA, countyB); err != nil {
		fatal(err)
	}

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_county', $1, true);`, countyA); err != nil {
		fatal(err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM sync.sync_diffs WHERE county_id = $1;`, countyA); err != nil {
		fatal(err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM sync.sync_operations WHERE county_id = $1;`, countyA); err != nil {
		fatal(err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM sync.sync_pairs WHERE county_id = $1;`, countyA); err != nil {
		fatal(err)
	}

	pairA := "00000000-0000-0000-0000-00000000a001"
	pairDup := "00000000-0000-0000-0000-00000000a002"
	opA := "00000000-0000-0000-0000-00000000b001"
	opSecond := "00000000-0000-0000-0000-00000000b002"
	diffA := "00000000-0000-0000-0000-00000000d001"
	diffDup := "00000000-0000-0000-0000-00000000d002"

	if _, err := tx.Exec(ctx, `
INSERT INTO sync.sync_pairs (pair_uuid, county_id, name, source_system, target_system, entity_type, key_field)
VALUES ($1, $2, 'smoke-pair', 'assessor', 'gis', 'parcel', 'parcel_id');`, pairA, countyA); err != nil {
		fatal(err)
	}

	if _, err := tx.Exec(ctx, `SAVEPOINT sp_dup_name;`); err != nil {
		fatal(err)
	}
	// Case variant: the name index is on (county_id, lower(name)).
	_, err = tx.Exec(ctx, `
INSERT INTO sync.sync_pairs (pair_uuid, county_id, name, source_system, target_system, entity_type, key_field)
VALUES ($1, $2, 'SMOKE-Pair', 'assessor', 'gis', 'parcel', 'parcel_id');`, pairDup, countyA)
	if _, rbErr := tx.Exec(ctx, `ROLLBACK TO SAVEPOINT sp_dup_name;`); rbErr != nil {
		fatal(rbErr)
	}
	if err == nil {
		fatalf("expected unique violation on duplicate pair name per county")
	}
	if code, ok := pgErrorCode(err); !ok || code != "23505" {
		fatalf("expected pg error code=23505, got ok=%v code=%q err=%v", ok, code, err)
	}

	if _, err := tx.Exec(ctx, `SAVEPOINT sp_cross_pair;`); err != nil {
		fatal(err)
	}
	_, err = tx.Exec(ctx, `
INSERT INTO sync.sync_pairs (pair_uuid, county_id, name, source_system, target_system, entity_type, key_field)
VALUES ($1, $2, 'smoke-pair-b', 'assessor', 'gis', 'parcel', 'parcel_id');`, pairDup, countyB)
	if _, rbErr := tx.Exec(ctx, `ROLLBACK TO SAVEPOINT sp_cross_pair;`); rbErr != nil {
		fatal(rbErr)
	}
	if err == nil {
		fatalf("expected RLS rejection on cross-county pair insert")
	}

	if _, err := tx.Exec(ctx, `
INSERT INTO sync.sync_operations (operation_uuid, county_id, pair_uuid, status, correlation_id)
VALUES ($1, $2, $3, 'pending', 'dbtool-sync-smoke');`, opA, countyA, pairA); err != nil {
		fatal(err)
	}

	if _, err := tx.Exec(ctx, `SAVEPOINT sp_second_active;`); err != nil {
		fatal(err)
	}
	_, err = tx.Exec(ctx, `
INSERT INTO sync.sync_operations (operation_uuid, county_id, pair_uuid, status, correlation_id)
VALUES ($1, $2, $3, 'pending', 'dbtool-sync-smoke');`, opSecond, countyA, pairA)
	if _, rbErr := tx.Exec(ctx, `ROLLBACK TO SAVEPOINT sp_second_active;`); rbErr != nil {
		fatal(rbErr)
	}
	if err == nil {
		fatalf("expected exclusion violation on second active operation for pair")
	}
	if code, ok := pgErrorCode(err); !ok || code != "23P01" {
		fatalf("expected pg error code=23P01, got ok=%v code=%q err=%v", ok, code, err)
	}

	if _, err := tx.Exec(ctx, `SAVEPOINT sp_counter_bounds;`); err != nil {
		fatal(err)
	}
	_, err = tx.Exec(ctx, `
UPDATE sync.sync_operations
SET records_processed = 2, records_succeeded = 2, records_failed = 1
WHERE operation_uuid = $1;`, opA)
	if _, rbErr := tx.Exec(ctx, `ROLLBACK TO SAVEPOINT sp_counter_bounds;`); rbErr != nil {
		fatal(rbErr)
	}
	if err == nil {
		fatalf("expected check violation when succeeded+failed exceeds processed")
	}
	if code, ok := pgErrorCode(err); !ok || code != "23514" {
		fatalf("expected pg error code=23514, got ok=%v code=%q err=%v", ok, code, err)
	}

	if _, err := tx.Exec(ctx, `
INSERT INTO sync.sync_diffs (diff_uuid, operation_uuid, county_id, entity_type, entity_id, change_type, sync_status)
VALUES ($1, $2, $3, 'parcel', 'P-100', 'update', 'applied');`, diffA, opA, countyA); err != nil {
		fatal(err)
	}

	if _, err := tx.Exec(ctx, `SAVEPOINT sp_dup_diff;`); err != nil {
		fatal(err)
	}
	_, err = tx.Exec(ctx, `
INSERT INTO sync.sync_diffs (diff_uuid, operation_uuid, county_id, entity_type, entity_id, change_type, sync_status)
VALUES ($1, $2, $3, 'parcel', 'P-100', 'update', 'applied');`, diffDup, opA, countyA)
	if _, rbErr := tx.Exec(ctx, `ROLLBACK TO SAVEPOINT sp_dup_diff;`); rbErr != nil {
		fatal(rbErr)
	}
	if err == nil {
		fatalf("expected unique violation on duplicate (operation, entity) diff")
	}
	if code, ok := pgErrorCode(err); !ok || code != "23505" {
		fatalf("expected pg error code=23505, got ok=%v code=%q err=%v", ok, code, err)
	}

	if err := tx.Commit(ctx); err != nil {
		fatal(err)
	}

	tx2, err := conn.Begin(ctx)
	if err != nil {
		fatal(err)
	}
	defer func() { _ = tx2.Rollback(context.Background()) }()

	_ = trySetRole(ctx, tx2, "app_nobypassrls")
	if _, err := tx2.Exec(ctx, `SELECT set_config('app.current_county', $1, true);`, countyB); err != nil {
		fatal(err)
	}

	var visible int
	if err := tx2.QueryRow(ctx, `SELECT count(*) FROM sync.sync_pairs WHERE pair_uuid = $1;`, pairA).Scan(&visible); err != nil {
		fatal(err)
	}
	if visible != 0 {
		fatalf("expected pair created under county A to be invisible under county B, got visible=%d pair_uuid=%s", visible, pairA)
	}
	if err := tx2.QueryRow(ctx, `SELECT count(*) FROM sync.sync_operations WHERE operation_uuid = $1;`, opA).Scan(&visible); err != nil {
		fatal(err)
	}
	if visible != 0 {
		fatalf("expected operation created under county A to be invisible under county B, got visible=%d operation_uuid=%s", visible, opA)
	}
	if err := tx2.Commit(ctx); err != nil {
		fatal(err)
	}

	fmt.Println("[sync-smoke] OK")
}

func pgErrorMessage(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return "", false
	}
	return pgErr.Message, true
}

func pgErrorCode(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return "", false
	}
	return pgErr.Code, true
}

func tryEnsureRole(ctx context.Context, conn *pgx.Conn, role string) error {
	if !validSQLIdent(role) {
		return fmt.Errorf("invalid role: %s", role)
	}

	stmt := fmt.Sprintf(`DO $$
BEGIN
  IF NOT EXISTS (SELECT 1 FROM pg_roles WHERE rolname = '%s') THEN
    EXECUTE 'CREATE ROLE %s NOBYPASSRLS';
  END IF;
END
$$;`, role, role)
	if _, err := conn.Exec(ctx, stmt); err != nil {
		return err
	}
	_, _ = conn.Exec(ctx, `GRANT USAGE ON SCHEMA public TO `+role+`;`)
	_, _ = conn.Exec(ctx, `GRANT USAGE ON SCHEMA sync TO `+role+`;`)
	_, _ = conn.Exec(ctx, `GRANT SELECT, INSERT, UPDATE, DELETE ON ALL TABLES IN SCHEMA public TO `+role+`;`)
	_, _ = conn.Exec(ctx, `GRANT SELECT, INSERT, UPDATE, DELETE ON ALL TABLES IN SCHEMA sync TO `+role+`;`)
	_, _ = conn.Exec(ctx, `GRANT USAGE, SELECT ON ALL SEQUENCES IN SCHEMA public TO `+role+`;`)
	_, _ = conn.Exec(ctx, `GRANT USAGE, SELECT ON ALL SEQUENCES IN SCHEMA sync TO `+role+`;`)
	_, _ = conn.Exec(ctx, `GRANT EXECUTE ON ALL FUNCTIONS IN SCHEMA public TO `+role+`;`)
	_, _ = conn.Exec(ctx, `GRANT EXECUTE ON ALL FUNCTIONS IN SCHEMA sync TO `+role+`;`)
	_, _ = conn.Exec(ctx, `ALTER DEFAULT PRIVILEGES IN SCHEMA public GRANT USAGE, SELECT ON SEQUENCES TO `+role+`;`)
	_, _ = conn.Exec(ctx, `ALTER DEFAULT PRIVILEGES IN SCHEMA sync GRANT USAGE, SELECT ON SEQUENCES TO `+role+`;`)
	return nil
}

func trySetRole(ctx context.Context, tx pgx.Tx, role string) bool {
	if _, err := tx.Exec(ctx, `SET ROLE `+role+`;`); err != nil {
		return false
	}
	return true
}

var reSQLIdent = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func validSQLIdent(s string) bool {
	return reSQLIdent.MatchString(s)
}

func fatal(err error) {
	if err == nil {
		os.Exit(1)
	}
	fatalf("%v", err)
}

func fatalf(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

// Package testutil holds helpers shared by integration tests.
package testutil

import (
	"context"
	"strings"
	"testing"
	"time"

	"chainreport/internal/shared/config"
	"chainreport/internal/shared/utils/id"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ReportDBEnv names the Postgres instance report store tests run against.
const ReportDBEnv = "CHAINREPORT_TEST_DATABASE_URL"

const setupTimeout = 10 * time.Second

// ReportDBPool returns a pool whose search_path is a throwaway schema, so the
// report table created by a test never collides with another test's. The
// test is skipped when ReportDBEnv is unset. The schema is dropped and the
// pool closed through t.Cleanup.
func ReportDBPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw, _ := config.DefaultEnvLookup(ReportDBEnv)
	dbURL := strings.TrimSpace(raw)
	if dbURL == "" {
		t.Skipf("report store integration tests need %s", ReportDBEnv)
	}

	ctx, cancel := context.WithTimeout(context.Background(), setupTimeout)
	defer cancel()

	admin, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		t.Fatalf("connect to report db: %v", err)
	}
	t.Cleanup(admin.Close)

	schema := pgx.Identifier{"reports_" + strings.ToLower(id.NewRunID())}.Sanitize()
	if _, err := admin.Exec(ctx, "CREATE SCHEMA "+schema); err != nil {
		t.Fatalf("create test schema %s: %v", schema, err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), setupTimeout)
		defer cancel()
		_, _ = admin.Exec(ctx, "DROP SCHEMA "+schema+" CASCADE")
	})

	poolCfg, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		t.Fatalf("parse report db url: %v", err)
	}
	poolCfg.ConnConfig.RuntimeParams["search_path"] = schema

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		t.Fatalf("open report db pool: %v", err)
	}
	// Registered last so it runs before the schema is dropped.
	t.Cleanup(pool.Close)
	if err := pool.Ping(ctx); err != nil {
		t.Fatalf("ping report db: %v", err)
	}
	return pool
}

package db

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	_ "github.com/jackc/pgx/v5/stdlib"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	pgImage = "postgres:16-alpine"
	pgPort  = nat.Port("5432/tcp")
	pgCreds = "push"
)

// StartTestPostgres runs a throwaway Postgres container with the schema
// applied. Tests calling it are skipped under -short.
func StartTestPostgres(t testing.TB) *DB {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres container skipped in -short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	t.Cleanup(cancel)

	c, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: tc.ContainerRequest{
			Image: pgImage,
			Env: map[string]string{
				"POSTGRES_USER":     pgCreds,
				"POSTGRES_PASSWORD": pgCreds,
				"POSTGRES_DB":       pgCreds,
			},
			ExposedPorts: []string{string(pgPort)},
			// the entrypoint restarts the server once after initdb
			WaitingFor: wait.ForAll(
				wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
				wait.ForSQL(pgPort, "pgx", func(host string, port nat.Port) string {
					return testDSN(host, port.Port())
				}),
			).WithDeadline(2 * time.Minute),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start postgres: %v", err)
	}
	t.Cleanup(func() { _ = c.Terminate(context.Background()) })

	host, err := c.Host(ctx)
	if err != nil {
		t.Fatalf("postgres host: %v", err)
	}
	port, err := c.MappedPort(ctx, pgPort)
	if err != nil {
		t.Fatalf("postgres port: %v", err)
	}

	db, err := Connect(ctx, testDSN(host, port.Port()), 8)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(db.Pool.Close)

	if err := migrateWhenReady(ctx, db, 6); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func testDSN(host, port string) string {
	return fmt.Sprintf("postgres://%[1]s:%[1]s@%[2]s:%[3]s/%[1]s?sslmode=disable", pgCreds, host, port)
}

// migrateWhenReady retries Migrate while a fresh server is still settling.
func migrateWhenReady(ctx context.Context, db *DB, attempts int) error {
	pause := 250 * time.Millisecond
	var err error
	for i := 0; i < attempts; i++ {
		if err = db.Migrate(ctx); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pause):
		}
		pause *= 2
	}
	return fmt.Errorf("after %d attempts: %w", attempts, err)
}

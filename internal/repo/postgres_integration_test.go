//go:build integration

package repo

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"escrow-payments/internal/database"
)

func startPostgres(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	ctr, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("escrow_test"),
		postgres.WithUsername("escrow"),
		postgres.WithPassword("escrow"),
		postgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err)

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := database.NewPostgres(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, database.Migrate(ctx, db))
	return db
}

func TestPostgresRepos(t *testing.T) {
	db := startPostgres(t)
	testEscrowRepos(t, func(t *testing.T) (EscrowRepo, OrderRepo) {
		_, err := db.ExecContext(context.Background(), "TRUNCATE escrow_payments, orders")
		require.NoError(t, err)
		return NewEscrowRepo(db), NewOrderRepo(db)
	})
}

func TestPostgresMigrations_DownAndUp(t *testing.T) {
	db := startPostgres(t)
	ctx := context.Background()
	require.NoError(t, database.Run(ctx, db, "reset"))
	require.NoError(t, database.Run(ctx, db, "up"))
	require.NoError(t, database.Run(ctx, db, "status"))
}

//go:build integration

// SPDX-FileCopyrightText: 2025 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/telekom/gateway-audit/pkg/audit"
	"github.com/telekom/gateway-audit/pkg/audit/signer"
)

func TestPostgresStore_RoundTripMatchesSQLite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("audit"),
		tcpostgres.WithUsername("audit"),
		tcpostgres.WithPassword("audit"),
		tcpostgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pg, err := OpenSQL(ctx, DriverPostgres, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Close() })
	lite := newSQLiteStore(t)

	rec := messageRecord(time.Now().UTC().Truncate(time.Millisecond))
	// empty strings may come back as NULL on one dialect and "" on the other
	rec.MessageFields.OperationName = audit.String("")
	require.NoError(t, pg.StoreRecord(ctx, rec))
	require.NoError(t, lite.StoreRecord(ctx, rec))

	fromPG, err := pg.Get(ctx, rec.ID)
	require.NoError(t, err)
	fromLite, err := lite.Get(ctx, rec.ID)
	require.NoError(t, err)

	a, err := signer.ComputeDigest(fromPG, signer.AlgorithmCurrent)
	require.NoError(t, err)
	b, err := signer.ComputeDigest(fromLite, signer.AlgorithmCurrent)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	found, err := pg.Find(ctx, Criteria{RequestID: "req-42", Levels: []audit.Level{audit.LevelInfo}})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, rec.ID, found[0].ID)
	assert.Len(t, found[0].Details, 2)
}

package avalia

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPostgresStore(t *testing.T) {
	connString := os.Getenv("AVALIA_TEST_DATABASE_URL")
	if connString == "" {
		t.Skip("AVALIA_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	cfg := memoryBackendConfig(t)
	cfg.Backend = BackendPostgres
	cfg.DBConnString = connString
	cfg.DBPoolSize = 2
	cfg.Collection = "avaliacoes_" + uuid.NewString()

	b, err := NewBackend(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	defer b.Close()
	store, ok := b.DB.(*postgresStore)
	require.True(t, ok)
	defer store.pool.Exec(ctx, "drop table if exists "+store.table)

	empty, err := store.ListEvaluations(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, empty)

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i := 1; i <= 3; i++ {
		id, err := store.AddEvaluation(ctx, Evaluation{
			Rating:    i,
			Name:      "Ana",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
		_, err = uuid.Parse(id)
		assert.NoError(t, err)
	}

	evals, err := store.ListEvaluations(ctx, 2)
	require.NoError(t, err)
	require.Len(t, evals, 2)
	assert.Equal(t, 3, evals[0].Rating)
	assert.Equal(t, 2, evals[1].Rating)
	assert.Equal(t, "Ana", evals[0].Name)

	all, err := store.ListEvaluations(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.Equal(t, time.Duration(cfg.DBQueryTimeout)*time.Second, store.timeout)

	expired, cancel := context.WithDeadline(ctx, time.Now().Add(-time.Second))
	defer cancel()
	_, err = store.ListEvaluations(expired, 1)
	assert.Error(t, err)
}

func TestPostgresStoreBadConnString(t *testing.T) {
	cfg := memoryBackendConfig(t)
	cfg.Backend = BackendPostgres
	cfg.DBConnString = "not a connection string ::"
	_, err := NewBackend(context.Background(), cfg, zap.NewNop())
	assert.Error(t, err)
}

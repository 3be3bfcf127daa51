package upload

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/apperr"
	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/database"
	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/model"
)

func TestPostgresIntegrationSessionStore(t *testing.T) {
	dsn := os.Getenv("DOCSYNC_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("DOCSYNC_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := database.Connect(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, database.EnsureSchema(ctx, pool))

	store := NewPostgresSessionStore(pool)
	now := time.Now().UTC().Truncate(time.Microsecond)
	s := &model.UploadSession{
		ID:                 uuid.NewString(),
		OwnerID:            "alice",
		TargetFolderID:     "d1",
		FileName:           "f.bin",
		DeclaredTotalBytes: 300,
		ChunkSize:          100,
		UseChunks:          true,
		CreatedAt:          now,
		ExpiresAt:          now.Add(time.Hour),
	}
	t.Cleanup(func() { _ = store.Delete(ctx, s.ID) })
	require.NoError(t, store.Create(ctx, s))

	// Each chunk lands through its own update, as on separate instances.
	var wg sync.WaitGroup
	for _, r := range []model.ByteRange{{Start: 200, End: 300}, {Start: 0, End: 100}} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Update(ctx, s.ID, func(cur *model.UploadSession) error {
				cur.AddRange(r)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := store.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 200, got.ReceivedBytes)
	assert.Equal(t, []model.ByteRange{{Start: 0, End: 100}, {Start: 200, End: 300}}, got.Ranges)
	assert.False(t, got.Finalizing)
	assert.True(t, got.ExpiresAt.Equal(s.ExpiresAt))

	ids, err := store.Expired(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Contains(t, ids, s.ID)

	require.NoError(t, store.Delete(ctx, s.ID))
	require.NoError(t, store.Delete(ctx, s.ID))
	_, err = store.Get(ctx, s.ID)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

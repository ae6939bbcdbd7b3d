package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockedby/channel-ingest/internal/database"
	"github.com/blockedby/channel-ingest/internal/migrator"
	"github.com/blockedby/channel-ingest/internal/models"
	"github.com/blockedby/channel-ingest/migrations"
)

// openIntegrationDB connects to DATABASE_URL with migrations applied.
func openIntegrationDB(t *testing.T) *database.DB {
	t.Helper()
	if os.Getenv("INTEGRATION_TEST") == "" {
		t.Skip("Skipping integration test; set INTEGRATION_TEST=1 to run")
	}
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set")
	}

	ctx := context.Background()
	m, err := migrator.NewWithFS(migrations.FS)
	require.NoError(t, err)
	require.NoError(t, m.Up(ctx, dbURL))

	db, err := database.New(ctx, dbURL, database.Options{MaxConns: 4})
	require.NoError(t, err)
	t.Cleanup(db.Close)

	_, err = db.Pool.Exec(ctx, "TRUNCATE channel_messages, ingest_cursors")
	require.NoError(t, err)
	return db
}

func int64Ptr(v int64) *int64 { return &v }

func TestMessagesRepository_SaveBatch(t *testing.T) {
	db := openIntegrationDB(t)
	repo := NewMessagesRepository(db.Pool)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	first := []models.FetchedMessage{
		{ID: 1, ChannelID: 10, Text: "a", Date: now},
		{ID: 2, ChannelID: 10, Text: "b", Date: now, Media: &models.MediaMetadata{Type: models.MediaAudio}},
	}
	ids, err := repo.SaveBatch(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, ids)

	second := []models.FetchedMessage{
		{ID: 2, ChannelID: 10, Text: "b", Date: now},
		{ID: 3, ChannelID: 10, Text: "c", Date: now},
	}
	ids, err = repo.SaveBatch(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, []int64{3}, ids, "existing rows are not reported")

	known, err := repo.KnownIDs(ctx, 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{1, 2, 3}, known)

	n, err := repo.Count(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestCursorsRepository_Save(t *testing.T) {
	db := openIntegrationDB(t)
	repo := NewCursorsRepository(db.Pool)
	ctx := context.Background()

	got, err := repo.Get(ctx, 10, "")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, repo.Save(ctx, models.IngestCursor{ChannelID: 10, ChannelHandle: "@quran_audio", Cursor: int64Ptr(500)}))
	require.NoError(t, repo.Save(ctx, models.IngestCursor{ChannelID: 10, Cursor: int64Ptr(120)}))
	require.NoError(t, repo.Save(ctx, models.IngestCursor{ChannelID: 10}))

	got, err = repo.Get(ctx, 0, "Quran_Audio")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(120), *got.Cursor, "nil cursor keeps the stored one")
	assert.Equal(t, "quran_audio", got.ChannelHandle)

	// raised above messages that failed to store
	require.NoError(t, repo.Save(ctx, models.IngestCursor{ChannelID: 10, Cursor: int64Ptr(800)}))
	got, err = repo.Get(ctx, 10, "")
	require.NoError(t, err)
	assert.Equal(t, int64(800), *got.Cursor)
}

func TestCursorsRepository_MarkAllFetched(t *testing.T) {
	db := openIntegrationDB(t)
	repo := NewCursorsRepository(db.Pool)
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, models.IngestCursor{ChannelID: 10, Cursor: int64Ptr(1)}))
	require.NoError(t, repo.MarkAllFetched(ctx, 10))

	got, err := repo.Get(ctx, 10, "")
	require.NoError(t, err)
	assert.True(t, got.AllFetched)

	require.NoError(t, repo.Save(ctx, models.IngestCursor{ChannelID: 10, Cursor: int64Ptr(40)}))
	got, err = repo.Get(ctx, 10, "")
	require.NoError(t, err)
	assert.False(t, got.AllFetched, "a held-back save reopens the channel")
}

func TestMessageArgs(t *testing.T) {
	m := &models.FetchedMessage{
		ID:        7,
		ChannelID: 3,
		Text:      "x",
		Media:     &models.MediaMetadata{Type: models.MediaVoice, Duration: 4},
	}

	args, err := messageArgs(m)

	require.NoError(t, err)
	require.Len(t, args, 8)
	assert.Equal(t, int64(3), args[0])
	assert.Equal(t, int64(7), args[1])
	assert.JSONEq(t, `{"type":"voice","duration":4}`, string(args[6].([]byte)))
	assert.Nil(t, args[7])
}

func TestNormalizeHandle(t *testing.T) {
	assert.Equal(t, "quran_audio", normalizeHandle(" @quran_audio "))
	assert.Equal(t, "quran_audio", normalizeHandle("quran_audio"))
	assert.Equal(t, "", normalizeHandle(""))
}

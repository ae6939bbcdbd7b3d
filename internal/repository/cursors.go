package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/blockedby/channel-ingest/internal/models"
)

// CursorsRepository handles ingest_cursors table operations
type CursorsRepository struct {
	pool *pgxpool.Pool
}

// NewCursorsRepository creates a new cursors repository
func NewCursorsRepository(pool *pgxpool.Pool) *CursorsRepository {
	return &CursorsRepository{pool: pool}
}

// Get returns the cursor of a channel, looked up by id or else by handle.
// It returns nil when the channel was never ingested.
func (r *CursorsRepository) Get(ctx context.Context, channelID int64, handle string) (*models.IngestCursor, error) {
	var c models.IngestCursor
	err := r.pool.QueryRow(ctx, `
		SELECT channel_id, channel_handle, backfill_cursor, all_fetched, updated_at
		FROM ingest_cursors
		WHERE ($1::bigint <> 0 AND channel_id = $1::bigint)
		   OR ($1::bigint = 0 AND $2::text <> '' AND lower(channel_handle) = lower($2::text))
	`, channelID, normalizeHandle(handle)).Scan(&c.ChannelID, &c.ChannelHandle, &c.Cursor, &c.AllFetched, &c.UpdatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get ingest cursor: %w", err)
	}
	return &c, nil
}

// Save records the progress the caller has durably stored. It may move the
// cursor to newer ids and clear all_fetched when messages below it were lost
// and must be fetched again. A nil cursor keeps the stored one.
func (r *CursorsRepository) Save(ctx context.Context, c models.IngestCursor) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO ingest_cursors (channel_id, channel_handle, backfill_cursor, all_fetched)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (channel_id)
		DO UPDATE SET
			channel_handle  = COALESCE(NULLIF(EXCLUDED.channel_handle, ''), ingest_cursors.channel_handle),
			backfill_cursor = COALESCE(EXCLUDED.backfill_cursor, ingest_cursors.backfill_cursor),
			all_fetched     = EXCLUDED.all_fetched,
			updated_at      = NOW()
	`, c.ChannelID, normalizeHandle(c.ChannelHandle), c.Cursor, c.AllFetched)
	if err != nil {
		return fmt.Errorf("save ingest cursor: %w", err)
	}
	return nil
}

// MarkAllFetched records that the whole history of a channel was ingested.
func (r *CursorsRepository) MarkAllFetched(ctx context.Context, channelID int64) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO ingest_cursors (channel_id, all_fetched)
		VALUES ($1, TRUE)
		ON CONFLICT (channel_id)
		DO UPDATE SET all_fetched = TRUE, updated_at = NOW()
	`, channelID)
	if err != nil {
		return fmt.Errorf("mark all fetched: %w", err)
	}
	return nil
}

func normalizeHandle(handle string) string {
	return strings.TrimPrefix(strings.TrimSpace(handle), "@")
}

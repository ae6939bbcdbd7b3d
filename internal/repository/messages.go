package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/blockedby/channel-ingest/internal/models"
)

const insertMessageSQL = `
	INSERT INTO channel_messages (channel_id, message_id, text, posted_at, views, forwards, media, resolved)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (channel_id, message_id) DO NOTHING
	RETURNING message_id`

// MessagesRepository handles channel_messages table operations
type MessagesRepository struct {
	pool *pgxpool.Pool
}

// NewMessagesRepository creates a new messages repository
func NewMessagesRepository(pool *pgxpool.Pool) *MessagesRepository {
	return &MessagesRepository{pool: pool}
}

// SaveBatch inserts messages that are not stored yet and returns their ids.
// Already stored messages are left untouched.
func (r *MessagesRepository) SaveBatch(ctx context.Context, msgs []models.FetchedMessage) ([]int64, error) {
	if len(msgs) == 0 {
		return nil, nil
	}

	b := &pgx.Batch{}
	for i := range msgs {
		args, err := messageArgs(&msgs[i])
		if err != nil {
			return nil, err
		}
		b.Queue(insertMessageSQL, args...)
	}

	br := r.pool.SendBatch(ctx, b)
	defer br.Close()

	inserted := make([]int64, 0, len(msgs))
	for range msgs {
		var id int64
		err := br.QueryRow().Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("insert message: %w", err)
		}
		inserted = append(inserted, id)
	}
	return inserted, nil
}

// KnownIDs returns the ids of every stored message of a channel.
func (r *MessagesRepository) KnownIDs(ctx context.Context, channelID int64) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT message_id FROM channel_messages WHERE channel_id = $1
	`, channelID)
	if err != nil {
		return nil, fmt.Errorf("query known ids: %w", err)
	}

	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("scan known ids: %w", err)
	}
	return ids, nil
}

// Count returns the number of stored messages of a channel.
func (r *MessagesRepository) Count(ctx context.Context, channelID int64) (int64, error) {
	var n int64
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM channel_messages WHERE channel_id = $1
	`, channelID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// messageArgs builds the insert arguments; media columns are stored as JSONB.
func messageArgs(m *models.FetchedMessage) ([]any, error) {
	media, err := jsonColumn(m.Media)
	if err != nil {
		return nil, fmt.Errorf("marshal media of message %d: %w", m.ID, err)
	}
	resolved, err := jsonColumn(m.Resolved)
	if err != nil {
		return nil, fmt.Errorf("marshal resolved media of message %d: %w", m.ID, err)
	}
	return []any{m.ChannelID, m.ID, m.Text, m.Date, m.Views, m.Forwards, media, resolved}, nil
}

// jsonColumn marshals v, mapping nil pointers to SQL NULL.
func jsonColumn[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

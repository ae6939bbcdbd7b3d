package collector

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/blockedby/channel-ingest/internal/models"
)

// MessagesBatch is published for every batch that added new rows to storage.
type MessagesBatch struct {
	SessionID uuid.UUID               `json:"session_id"`
	ChannelID int64                   `json:"channel_id"`
	Phase     string                  `json:"phase"`
	Messages  []models.FetchedMessage `json:"messages"`
	StoredAt  time.Time               `json:"stored_at"`
}

// FirstID returns the smallest message id of the batch.
func (b MessagesBatch) FirstID() int64 {
	if len(b.Messages) == 0 {
		return 0
	}
	return b.Messages[0].ID
}

// LastID returns the largest message id of the batch.
func (b MessagesBatch) LastID() int64 {
	if len(b.Messages) == 0 {
		return 0
	}
	return b.Messages[len(b.Messages)-1].ID
}

// AllFetchedNotice is published once backfill reached the start of a channel.
type AllFetchedNotice struct {
	SessionID uuid.UUID `json:"session_id"`
	ChannelID int64     `json:"channel_id"`
	Handle    string    `json:"channel_handle,omitempty"`
	At        time.Time `json:"at"`
}

// EventPublisher publishes ingestion events downstream
type EventPublisher interface {
	PublishMessages(ctx context.Context, batch MessagesBatch) error
	PublishAllFetched(ctx context.Context, notice AllFetchedNotice) error
}

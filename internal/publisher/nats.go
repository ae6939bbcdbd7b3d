// Package publisher forwards ingestion events to NATS JetStream.
package publisher

import (
	"context"
	"fmt"

	"github.com/blockedby/channel-ingest/internal/collector"
)

// Subjects published by the ingestor.
const (
	SubjectMessages   = "ingest.messages"
	SubjectAllFetched = "ingest.all_fetched"
)

// NATSClient interface to allow mocking
type NATSClient interface {
	Publish(ctx context.Context, subject, msgID string, data any) error
}

// NATSPublisher implements collector.EventPublisher
type NATSPublisher struct {
	js NATSClient
}

// NewNATSPublisher creates a new publisher
func NewNATSPublisher(js NATSClient) *NATSPublisher {
	return &NATSPublisher{js: js}
}

// PublishMessages publishes a stored batch. The message id is derived from the
// batch range so a replayed batch is dropped by the stream.
func (p *NATSPublisher) PublishMessages(ctx context.Context, batch collector.MessagesBatch) error {
	if len(batch.Messages) == 0 {
		return nil
	}
	msgID := fmt.Sprintf("%d-%d-%d", batch.ChannelID, batch.FirstID(), batch.LastID())
	if err := p.js.Publish(ctx, SubjectMessages, msgID, batch); err != nil {
		return fmt.Errorf("publish batch: %w", err)
	}
	return nil
}

// PublishAllFetched publishes the end-of-history notice once per channel.
func (p *NATSPublisher) PublishAllFetched(ctx context.Context, notice collector.AllFetchedNotice) error {
	msgID := fmt.Sprintf("all-fetched-%d", notice.ChannelID)
	if err := p.js.Publish(ctx, SubjectAllFetched, msgID, notice); err != nil {
		return fmt.Errorf("publish all fetched: %w", err)
	}
	return nil
}

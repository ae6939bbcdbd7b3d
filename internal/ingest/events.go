package ingest

import (
	"time"

	"github.com/google/uuid"

	"github.com/blockedby/channel-ingest/internal/models"
)

// Event is one of MessagesEvent, StateEvent, AllFetchedEvent or ErrorEvent.
type Event interface {
	Session() uuid.UUID
	isEvent()
}

// MessagesEvent carries newly discovered messages, ascending by id.
type MessagesEvent struct {
	SessionID uuid.UUID
	Batch     []models.FetchedMessage
	Phase     Phase
}

// StateEvent carries a state snapshot.
type StateEvent struct {
	State State
}

// AllFetchedEvent signals that backfill exhausted the channel history.
type AllFetchedEvent struct {
	SessionID     uuid.UUID
	ChannelID     int64
	ChannelHandle string
}

// ErrorEvent reports a failed iteration and the delay before the next attempt.
type ErrorEvent struct {
	SessionID  uuid.UUID
	Message    string
	RetryIn    time.Duration
	RetryCount int
}

func (e MessagesEvent) Session() uuid.UUID   { return e.SessionID }
func (e StateEvent) Session() uuid.UUID      { return e.State.SessionID }
func (e AllFetchedEvent) Session() uuid.UUID { return e.SessionID }
func (e ErrorEvent) Session() uuid.UUID      { return e.SessionID }

func (MessagesEvent) isEvent()   {}
func (StateEvent) isEvent()      {}
func (AllFetchedEvent) isEvent() {}
func (ErrorEvent) isEvent()      {}

// IDs returns the message ids of the batch.
func (e MessagesEvent) IDs() []int64 {
	ids := make([]int64, len(e.Batch))
	for i, m := range e.Batch {
		ids[i] = m.ID
	}
	return ids
}

// Package ingest implements the channel ingestion fetcher: a single background
// loop that sweeps a channel for new messages, backfills its history and reports
// both as batches on an event channel.
package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/blockedby/channel-ingest/internal/models"
)

// errors
var (
	ErrInvalidConfig = errors.New("invalid fetcher config")

	// errLimitReached stops the loop once MaxTotalFetch messages were emitted.
	errLimitReached = errors.New("max total fetch reached")
)

// Status is the lifecycle status of a fetcher session.
type Status string

// Status constants.
const (
	StatusIdle     Status = "idle"
	StatusRunning  Status = "running"
	StatusRetrying Status = "retrying"
	StatusStopped  Status = "stopped"
)

// Phase is the loop phase currently executing.
type Phase string

// Phase constants.
const (
	PhaseIdle     Phase = "idle"
	PhaseRecent   Phase = "recent"
	PhaseBackfill Phase = "backfill"
)

// ChannelRef identifies the channel a source reads from.
type ChannelRef struct {
	ID     int64
	Handle string
}

// PageRequest describes one page fetch.
// Before yields messages older than the given id, After newer ones;
// neither yields the newest page.
type PageRequest struct {
	Limit        int
	Before       *int64
	After        *int64
	ResolveMedia bool

	// SkipResolve reports ids whose media must not be resolved again.
	SkipResolve func(id int64) bool
}

// ChannelSource retrieves raw channel messages.
// Pages are returned in ascending id order.
type ChannelSource interface {
	FetchPage(ctx context.Context, ref ChannelRef, req PageRequest) ([]models.FetchedMessage, error)
}

// Config starts one fetcher session.
type Config struct {
	ChannelID     int64
	ChannelHandle string

	// ResumeCursor is the oldest message id absorbed by an earlier backfill.
	ResumeCursor *int64

	// KnownIDs are message ids already persisted downstream.
	KnownIDs []int64

	ResolveMedia bool

	// MaxTotalFetch caps the number of emitted messages. 0 means no cap.
	MaxTotalFetch int
}

func (c Config) validate() error {
	if c.ChannelID == 0 && c.ChannelHandle == "" {
		return errors.Join(ErrInvalidConfig, errors.New("channel id or handle is required"))
	}
	if c.MaxTotalFetch < 0 {
		return errors.Join(ErrInvalidConfig, errors.New("max total fetch must be non-negative"))
	}
	if c.ResumeCursor != nil && *c.ResumeCursor <= 0 {
		return errors.Join(ErrInvalidConfig, errors.New("resume cursor must be positive"))
	}
	return nil
}

// Options tune the loop. Zero values fall back to defaults.
type Options struct {
	BatchSize    int           // messages per page
	PollInterval time.Duration // pause between successful iterations
	RetryBase    time.Duration // first backoff delay
	RetryMax     time.Duration // backoff cap
	EventBuffer  int           // events channel capacity

	// MaxSweepPages bounds the backward walk of one recent sweep.
	// 0 keeps the walk unbounded.
	MaxSweepPages int
}

// Defaults.
const (
	DefaultBatchSize    = 50
	DefaultPollInterval = 30 * time.Second
	DefaultRetryBase    = 2 * time.Second
	DefaultRetryMax     = 60 * time.Second
	DefaultEventBuffer  = 64
)

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.RetryBase <= 0 {
		o.RetryBase = DefaultRetryBase
	}
	if o.RetryMax <= 0 {
		o.RetryMax = DefaultRetryMax
	}
	if o.RetryMax < o.RetryBase {
		o.RetryMax = o.RetryBase
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = DefaultEventBuffer
	}
	return o
}

// State is a snapshot of a fetcher session.
type State struct {
	SessionID     uuid.UUID `json:"session_id"`
	Status        Status    `json:"status"`
	ChannelID     int64     `json:"channel_id"`
	ChannelHandle string    `json:"channel_handle"`
	Phase         Phase     `json:"phase"`
	Cursor        *int64    `json:"cursor"`
	AllFetched    bool      `json:"all_fetched"`
	TotalEmitted  int       `json:"total_emitted"`
	LastError     string    `json:"last_error,omitempty"`
	RetryCount    int       `json:"retry_count"`
}

// clone returns a copy that shares no memory with s.
func (s State) clone() State {
	if s.Cursor != nil {
		c := *s.Cursor
		s.Cursor = &c
	}
	return s
}

// Package collector hosts the ingestion fetcher: it starts sessions for a
// channel, persists what the fetcher emits and forwards it to NATS.
package collector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/blockedby/channel-ingest/internal/ingest"
	"github.com/blockedby/channel-ingest/internal/logger"
	"github.com/blockedby/channel-ingest/internal/metrics"
	"github.com/blockedby/channel-ingest/internal/models"
	"github.com/blockedby/channel-ingest/internal/telegram"
)

// AlertRetryCount is the consecutive failure count above which errors are
// logged at alert level.
const AlertRetryCount = 5

// Fetcher is the part of ingest.Fetcher the service drives.
type Fetcher interface {
	Start(cfg ingest.Config) (uuid.UUID, error)
	Stop()
	State() ingest.State
	AddKnownIDs(ids ...int64)
	ConfirmStored(sessionID uuid.UUID, ids ...int64) bool
	Events() <-chan ingest.Event
}

// ChannelResolver maps a handle or id to the canonical channel.
type ChannelResolver interface {
	ResolveChannel(ctx context.Context, username string) (telegram.Channel, error)
	ChannelByID(ctx context.Context, id int64) (telegram.Channel, error)
}

// MessageStore persists fetched messages.
type MessageStore interface {
	SaveBatch(ctx context.Context, msgs []models.FetchedMessage) ([]int64, error)
	KnownIDs(ctx context.Context, channelID int64) ([]int64, error)
}

// CursorStore persists backfill progress per channel.
type CursorStore interface {
	Get(ctx context.Context, channelID int64, handle string) (*models.IngestCursor, error)
	Save(ctx context.Context, c models.IngestCursor) error
	MarkAllFetched(ctx context.Context, channelID int64) error
}

// StartOptions selects the channel and limits of a session.
type StartOptions struct {
	Channel   string // handle, without @
	ChannelID int64

	// ResumeCursor overrides the stored backfill cursor.
	ResumeCursor  *int64
	MaxTotalFetch int
	ResolveMedia  bool
}

// Session describes a started ingestion session.
type Session struct {
	ID           uuid.UUID `json:"session_id"`
	ChannelID    int64     `json:"channel_id"`
	Handle       string    `json:"channel_handle"`
	ResumeCursor *int64    `json:"resume_cursor,omitempty"`
	KnownIDs     int       `json:"known_ids"`
	StartedAt    time.Time `json:"started_at"`
}

// Service orchestrates ingestion for one channel at a time
type Service struct {
	fetcher   Fetcher
	channels  ChannelResolver
	messages  MessageStore
	cursors   CursorStore
	publisher EventPublisher
	log       *logger.Logger
	now       func() time.Time

	// saveBackOff schedules retries of a failed batch write
	saveBackOff func() backoff.BackOff

	mu      sync.Mutex
	current Session
	saved   map[int64]models.IngestCursor // last persisted cursor per channel
	unsaved map[int64]*unsavedRange
}

// unsavedRange spans the ids of a channel that were emitted but never stored.
// While it exists, persisted progress stays above hi so a resumed session
// fetches the range again.
type unsavedRange struct {
	lo, hi int64

	// reclaimer is the session started to re-fetch the range, if any.
	reclaimer uuid.UUID
}

func defaultSaveBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 2 * time.Minute
	return b
}

// NewService creates a new collector service. publisher may be nil.
func NewService(
	fetcher Fetcher,
	channels ChannelResolver,
	messages MessageStore,
	cursors CursorStore,
	publisher EventPublisher,
	log *logger.Logger,
) *Service {
	if log == nil {
		log = logger.Get()
	}
	return &Service{
		fetcher:     fetcher,
		channels:    channels,
		messages:    messages,
		cursors:     cursors,
		publisher:   publisher,
		log:         log.Component("collector"),
		now:         time.Now,
		saveBackOff: defaultSaveBackOff,
		saved:       make(map[int64]models.IngestCursor),
		unsaved:     make(map[int64]*unsavedRange),
	}
}

// Start resolves the channel, loads its stored progress and starts a fetcher
// session. A running session is replaced.
func (s *Service) Start(ctx context.Context, opts StartOptions) (*Session, error) {
	ch, err := s.resolve(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("resolve channel: %w", err)
	}

	stored, err := s.cursors.Get(ctx, ch.ID, ch.Username)
	if err != nil {
		return nil, fmt.Errorf("load cursor: %w", err)
	}

	resume := opts.ResumeCursor
	if resume == nil && stored != nil {
		resume = stored.Cursor
	}

	s.mu.Lock()
	if r := s.unsaved[ch.ID]; r != nil && resume != nil && *resume <= r.hi {
		above := r.hi + 1
		resume = &above
		s.log.Warn().Int64("channel_id", ch.ID).Int64("resume_cursor", above).Msg("resuming above unsaved messages")
	}
	s.mu.Unlock()

	known, err := s.messages.KnownIDs(ctx, ch.ID)
	if err != nil {
		return nil, fmt.Errorf("load known ids: %w", err)
	}

	id, err := s.fetcher.Start(ingest.Config{
		ChannelID:     ch.ID,
		ChannelHandle: ch.Username,
		ResumeCursor:  resume,
		KnownIDs:      known,
		ResolveMedia:  opts.ResolveMedia,
		MaxTotalFetch: opts.MaxTotalFetch,
	})
	if err != nil {
		return nil, err
	}

	sess := Session{
		ID:           id,
		ChannelID:    ch.ID,
		Handle:       ch.Username,
		ResumeCursor: resume,
		KnownIDs:     len(known),
		StartedAt:    s.now(),
	}

	s.mu.Lock()
	s.current = sess
	if stored != nil {
		s.saved[ch.ID] = *stored
	}
	if r := s.unsaved[ch.ID]; r != nil {
		r.reclaimer = id
	}
	s.mu.Unlock()

	metrics.SetCursor(resume)
	metrics.SetAllFetched(stored != nil && stored.AllFetched)

	s.log.Info().
		Str("session_id", id.String()).
		Int64("channel_id", ch.ID).
		Str("channel", ch.Username).
		Int("known_ids", len(known)).
		Msg("ingestion started")

	return &sess, nil
}

func (s *Service) resolve(ctx context.Context, opts StartOptions) (telegram.Channel, error) {
	if opts.Channel != "" {
		return s.channels.ResolveChannel(ctx, opts.Channel)
	}
	if opts.ChannelID != 0 {
		return s.channels.ChannelByID(ctx, opts.ChannelID)
	}
	return telegram.Channel{}, ErrChannelRequired
}

// Stop stops the running session, if any.
func (s *Service) Stop() {
	s.fetcher.Stop()
}

// State returns the fetcher state.
func (s *Service) State() ingest.State {
	return s.fetcher.State()
}

// AddKnownIDs marks message ids as already stored downstream.
func (s *Service) AddKnownIDs(ids ...int64) {
	s.fetcher.AddKnownIDs(ids...)
}

// Run drains fetcher events until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	events := s.fetcher.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			s.handle(ctx, ev)
		}
	}
}

func (s *Service) handle(ctx context.Context, ev ingest.Event) {
	switch e := ev.(type) {
	case ingest.MessagesEvent:
		s.onMessages(ctx, e)
	case ingest.StateEvent:
		s.onState(ctx, e.State)
	case ingest.AllFetchedEvent:
		s.onAllFetched(ctx, e)
	case ingest.ErrorEvent:
		s.onError(e)
	}
}

func (s *Service) onMessages(ctx context.Context, e ingest.MessagesEvent) {
	if len(e.Batch) == 0 {
		return
	}
	metrics.MessagesEmitted.WithLabelValues(string(e.Phase)).Add(float64(len(e.Batch)))

	saved, err := s.saveBatch(ctx, e.Batch)
	if err != nil {
		metrics.StoreFailures.Inc()
		r := s.holdUnsaved(e.Batch)
		s.log.Error().Err(err).
			Str("session_id", e.SessionID.String()).
			Int64("channel_id", e.Batch[0].ChannelID).
			Int("count", len(e.Batch)).
			Int64("unsaved_from", r.lo).
			Int64("unsaved_to", r.hi).
			Msg("failed to store batch, holding progress")
		return
	}
	if len(saved) == 0 {
		return
	}
	metrics.MessagesStored.Add(float64(len(saved)))
	s.fetcher.ConfirmStored(e.SessionID, saved...)

	if s.publisher == nil {
		return
	}
	batch := MessagesBatch{
		SessionID: e.SessionID,
		ChannelID: e.Batch[0].ChannelID,
		Phase:     string(e.Phase),
		Messages:  onlyIDs(e.Batch, saved),
		StoredAt:  s.now(),
	}
	if err := s.publisher.PublishMessages(ctx, batch); err != nil {
		s.log.Warn().Err(err).Int64("first_id", batch.FirstID()).Int64("last_id", batch.LastID()).Msg("failed to publish batch")
	}
}

// saveBatch writes batch, retrying with backoff until it succeeds, the
// schedule gives up or ctx is done.
func (s *Service) saveBatch(ctx context.Context, batch []models.FetchedMessage) ([]int64, error) {
	var saved []int64
	op := func() error {
		ids, err := s.messages.SaveBatch(ctx, batch)
		if err != nil {
			return err
		}
		saved = ids
		return nil
	}
	notify := func(err error, next time.Duration) {
		s.log.Warn().Err(err).Int("count", len(batch)).Dur("retry_in", next).Msg("store batch failed, retrying")
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(s.saveBackOff(), ctx), notify); err != nil {
		return nil, err
	}
	return saved, nil
}

// holdUnsaved widens the unsaved range of the batch's channel. A session
// already reclaiming the channel no longer clears it.
func (s *Service) holdUnsaved(batch []models.FetchedMessage) unsavedRange {
	lo, hi := batch[0].ID, batch[0].ID
	for _, m := range batch[1:] {
		lo = min(lo, m.ID)
		hi = max(hi, m.ID)
	}
	channelID := batch[0].ChannelID

	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.unsaved[channelID]
	if r == nil {
		r = &unsavedRange{lo: lo, hi: hi}
		s.unsaved[channelID] = r
	}
	r.lo = min(r.lo, lo)
	r.hi = max(r.hi, hi)
	r.reclaimer = uuid.Nil
	return *r
}

func (s *Service) onState(ctx context.Context, st ingest.State) {
	s.mu.Lock()
	live := st.SessionID == s.current.ID
	s.mu.Unlock()
	if live {
		metrics.RetryCount.Set(float64(st.RetryCount))
		metrics.SetCursor(st.Cursor)
		if st.AllFetched {
			metrics.SetAllFetched(true)
		}
	}

	if st.ChannelID == 0 {
		return
	}

	c := models.IngestCursor{
		ChannelID:     st.ChannelID,
		ChannelHandle: st.ChannelHandle,
		Cursor:        st.Cursor,
		AllFetched:    st.AllFetched,
	}

	s.mu.Lock()
	c, held := s.clampLocked(st.SessionID, c)
	prev, ok := s.saved[st.ChannelID]
	s.mu.Unlock()
	if !held && ok && prev.AllFetched {
		// a resumed session rediscovers the end of history on its own
		c.AllFetched = true
	}
	if c.Cursor == nil && !c.AllFetched {
		return
	}
	if ok && sameProgress(prev, c) {
		return
	}

	if err := s.cursors.Save(ctx, c); err != nil {
		s.log.Error().Err(err).Int64("channel_id", st.ChannelID).Msg("failed to save cursor")
		return
	}

	s.mu.Lock()
	s.saved[st.ChannelID] = c
	s.mu.Unlock()
}

// clampLocked keeps c above the channel's unsaved range. The range is dropped
// once the session reclaiming it reports a cursor at or below its low end,
// as every batch up to that cursor has been stored by then.
func (s *Service) clampLocked(sessionID uuid.UUID, c models.IngestCursor) (models.IngestCursor, bool) {
	r := s.unsaved[c.ChannelID]
	if r == nil {
		return c, false
	}
	if r.reclaimer != uuid.Nil && r.reclaimer == sessionID && c.Cursor != nil && *c.Cursor <= r.lo {
		delete(s.unsaved, c.ChannelID)
		s.log.Info().Int64("channel_id", c.ChannelID).Int64("from", r.lo).Int64("to", r.hi).Msg("unsaved messages re-ingested")
		return c, false
	}

	above := r.hi + 1
	if c.Cursor == nil || *c.Cursor < above {
		c.Cursor = &above
	}
	c.AllFetched = false
	return c, true
}

func (s *Service) onAllFetched(ctx context.Context, e ingest.AllFetchedEvent) {
	s.mu.Lock()
	_, held := s.unsaved[e.ChannelID]
	live := e.SessionID == s.current.ID
	s.mu.Unlock()

	if held {
		s.log.Warn().Int64("channel_id", e.ChannelID).Msg("history exhausted with unsaved messages, not marking fetched")
		return
	}
	if live {
		metrics.SetAllFetched(true)
	}
	s.log.Info().Int64("channel_id", e.ChannelID).Str("channel", e.ChannelHandle).Msg("channel history fully fetched")

	if err := s.cursors.MarkAllFetched(ctx, e.ChannelID); err != nil {
		s.log.Error().Err(err).Int64("channel_id", e.ChannelID).Msg("failed to mark channel fetched")
	}

	if s.publisher == nil {
		return
	}
	notice := AllFetchedNotice{
		SessionID: e.SessionID,
		ChannelID: e.ChannelID,
		Handle:    e.ChannelHandle,
		At:        s.now(),
	}
	if err := s.publisher.PublishAllFetched(ctx, notice); err != nil {
		s.log.Warn().Err(err).Msg("failed to publish all-fetched notice")
	}
}

func (s *Service) onError(e ingest.ErrorEvent) {
	metrics.FetchErrors.Inc()

	ev := s.log.Warn()
	if e.RetryCount > AlertRetryCount {
		ev = s.log.Error().Bool("alert", true)
	}
	ev.Str("session_id", e.SessionID.String()).
		Err(errors.New(e.Message)).
		Int("retry_count", e.RetryCount).
		Dur("retry_in", e.RetryIn).
		Msg("ingestion failing")
}

// onlyIDs keeps the messages of batch whose id is in ids, preserving order.
func onlyIDs(batch []models.FetchedMessage, ids []int64) []models.FetchedMessage {
	if len(ids) == len(batch) {
		return batch
	}
	keep := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		keep[id] = struct{}{}
	}
	out := make([]models.FetchedMessage, 0, len(ids))
	for _, m := range batch {
		if _, ok := keep[m.ID]; ok {
			out = append(out, m)
		}
	}
	return out
}

func sameProgress(a, b models.IngestCursor) bool {
	if a.AllFetched != b.AllFetched {
		return false
	}
	if a.Cursor == nil || b.Cursor == nil {
		return a.Cursor == b.Cursor
	}
	return *a.Cursor == *b.Cursor
}

package ingest

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/blockedby/channel-ingest/internal/logger"
	"github.com/blockedby/channel-ingest/internal/models"
)

// Fetcher runs one ingestion session at a time against a channel source.
// The host decides how many fetchers exist; one per channel is expected.
type Fetcher struct {
	source ChannelSource
	opts   Options
	log    *logger.Logger
	events chan Event

	// lifecycle serialises Start and Stop
	lifecycle sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}

	mu    sync.RWMutex
	state State
	known *KnownIDs
	carry []int64 // ids added while no session was active
}

// NewFetcher creates an idle fetcher.
func NewFetcher(source ChannelSource, opts Options, log *logger.Logger) *Fetcher {
	if log == nil {
		log = logger.Get()
	}
	opts = opts.withDefaults()
	return &Fetcher{
		source: source,
		opts:   opts,
		log:    log.Component("fetcher"),
		events: make(chan Event, opts.EventBuffer),
		state:  State{Status: StatusIdle, Phase: PhaseIdle},
	}
}

// Events returns the event stream shared by all sessions of this fetcher.
// The channel is never closed; the consumer must keep draining it.
func (f *Fetcher) Events() <-chan Event {
	return f.events
}

// State returns a snapshot of the current session state.
func (f *Fetcher) State() State {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.state.clone()
}

// AddKnownIDs merges ids into the known set without restarting the loop.
// Ids added while no session runs are seeded into the next session.
func (f *Fetcher) AddKnownIDs(ids ...int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.known != nil && isActive(f.state.Status) {
		f.known.Add(ids...)
		return
	}
	f.carry = append(f.carry, ids...)
}

// ConfirmStored marks ids emitted by sessionID as persisted downstream.
// It reports false and drops the ids unless sessionID is the running session:
// message ids are per channel, so they must not reach another session.
func (f *Fetcher) ConfirmStored(sessionID uuid.UUID, ids ...int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.known == nil || f.state.SessionID != sessionID || !isActive(f.state.Status) {
		return false
	}
	f.known.Add(ids...)
	return true
}

// Start cancels any running session, resets the state and launches a new loop.
// A state event for the new session is queued before Start returns.
func (f *Fetcher) Start(cfg Config) (uuid.UUID, error) {
	if err := cfg.validate(); err != nil {
		return uuid.Nil, err
	}

	f.lifecycle.Lock()
	defer f.lifecycle.Unlock()

	f.cancelLocked()

	var cursor *int64
	if cfg.ResumeCursor != nil {
		c := *cfg.ResumeCursor
		cursor = &c
	}

	f.mu.Lock()
	known := NewKnownIDs(cfg.KnownIDs...)
	known.Add(f.carry...)
	f.carry = nil
	f.known = known
	f.state = State{
		SessionID:     uuid.New(),
		Status:        StatusRunning,
		ChannelID:     cfg.ChannelID,
		ChannelHandle: cfg.ChannelHandle,
		Phase:         PhaseIdle,
		Cursor:        cursor,
	}
	snap := f.state.clone()
	f.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	f.cancel = cancel
	f.done = done

	f.log.Info().
		Str("session_id", snap.SessionID.String()).
		Int64("channel_id", cfg.ChannelID).
		Str("channel", cfg.ChannelHandle).
		Int("known_ids", known.Len()).
		Int("max_total_fetch", cfg.MaxTotalFetch).
		Msg("starting ingestion session")

	f.events <- StateEvent{State: snap}

	s := &session{
		f:      f,
		cfg:    cfg,
		id:     snap.SessionID,
		known:  known,
		cursor: cursor,
	}
	go f.run(ctx, s, done)

	return snap.SessionID, nil
}

// Stop cancels the active loop and marks the session stopped.
// Safe to call at any time; a no-op when nothing runs.
func (f *Fetcher) Stop() {
	f.lifecycle.Lock()
	defer f.lifecycle.Unlock()

	if !f.cancelLocked() {
		return
	}

	f.mu.Lock()
	changed := f.state.Status != StatusStopped
	f.state.Status = StatusStopped
	f.state.Phase = PhaseIdle
	snap := f.state.clone()
	f.mu.Unlock()

	if !changed {
		return
	}

	f.log.Info().Str("session_id", snap.SessionID.String()).Int("total_emitted", snap.TotalEmitted).Msg("ingestion session stopped")

	select {
	case f.events <- StateEvent{State: snap}:
	default:
		f.log.Warn().Msg("event buffer full, dropping final state event")
	}
}

// cancelLocked cancels the running loop and waits until it exits.
// It reports whether a session existed. Caller holds lifecycle.
func (f *Fetcher) cancelLocked() bool {
	if f.cancel == nil {
		return false
	}
	f.cancel()
	<-f.done
	f.cancel = nil
	f.done = nil
	return true
}

// update applies fn to the state and returns a snapshot.
func (f *Fetcher) update(fn func(s *State)) State {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(&f.state)
	return f.state.clone()
}

// emit sends ev unless ctx is cancelled. Cancellation wins.
func (f *Fetcher) emit(ctx context.Context, ev Event) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case f.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// run is the session loop. It only returns on cancellation or when the
// configured message cap has been reached.
func (f *Fetcher) run(ctx context.Context, s *session, done chan struct{}) {
	defer close(done)

	bo := newRetryBackOff(f.opts.RetryBase, f.opts.RetryMax)

	for {
		err := s.iterate(ctx)
		if ctx.Err() != nil {
			return
		}

		switch {
		case errors.Is(err, errLimitReached):
			snap := f.update(func(st *State) {
				st.Status = StatusStopped
				st.Phase = PhaseIdle
			})
			f.log.Info().
				Str("session_id", s.id.String()).
				Int("total_emitted", snap.TotalEmitted).
				Msg("max total fetch reached, stopping")
			f.emit(ctx, StateEvent{State: snap})
			return

		case err != nil:
			delay := bo.NextBackOff()
			snap := f.update(func(st *State) {
				st.RetryCount++
				st.Status = StatusRetrying
				st.LastError = err.Error()
				st.Phase = PhaseIdle
			})
			f.log.Warn().
				Err(err).
				Str("session_id", s.id.String()).
				Int("retry_count", snap.RetryCount).
				Dur("retry_in", delay).
				Msg("ingestion iteration failed")
			f.emit(ctx, ErrorEvent{
				SessionID:  s.id,
				Message:    err.Error(),
				RetryIn:    delay,
				RetryCount: snap.RetryCount,
			})
			f.emit(ctx, StateEvent{State: snap})

			if !sleepCtx(ctx, delay) {
				return
			}
			f.update(func(st *State) { st.Status = StatusRunning })
			continue
		}

		bo.Reset()
		snap := f.update(func(st *State) {
			st.RetryCount = 0
			st.LastError = ""
			st.Status = StatusRunning
			st.Phase = PhaseIdle
		})
		f.emit(ctx, StateEvent{State: snap})

		if !sleepCtx(ctx, f.opts.PollInterval) {
			return
		}
	}
}

// session holds the loop-owned view of one ingestion session.
type session struct {
	f          *Fetcher
	cfg        Config
	id         uuid.UUID
	known      *KnownIDs
	cursor     *int64
	allFetched bool
	total      int
}

func (s *session) iterate(ctx context.Context) error {
	if err := s.recentSweep(ctx); err != nil {
		return err
	}
	if ctx.Err() != nil || s.allFetched {
		return nil
	}
	return s.backfill(ctx)
}

// recentSweep walks backward from the newest message until it reaches
// territory that is already known or older than the cursor.
func (s *session) recentSweep(ctx context.Context) error {
	s.enterPhase(ctx, PhaseRecent)

	var before *int64
	for pages := 0; ; pages++ {
		if ctx.Err() != nil {
			return nil
		}
		if maxPages := s.f.opts.MaxSweepPages; maxPages > 0 && pages >= maxPages {
			s.f.log.Debug().Int("pages", pages).Msg("recent sweep page cap reached")
			return nil
		}

		limit, ok := s.pageSize()
		if !ok {
			return errLimitReached
		}

		page, err := s.fetch(ctx, limit, before)
		if err != nil {
			return fmt.Errorf("recent sweep: %w", err)
		}
		if ctx.Err() != nil || len(page) == 0 {
			return nil
		}

		fresh, hasKnown := s.partition(page)
		if len(fresh) > 0 && !s.emitBatch(ctx, fresh, PhaseRecent) {
			return nil
		}
		if s.limitReached() {
			return errLimitReached
		}
		if hasKnown {
			return nil
		}

		oldest := oldestID(page)
		if s.cursor != nil && oldest <= *s.cursor {
			return nil
		}
		before = &oldest
	}
}

// backfill processes exactly one page older than the cursor.
func (s *session) backfill(ctx context.Context) error {
	s.enterPhase(ctx, PhaseBackfill)

	limit, ok := s.pageSize()
	if !ok {
		return errLimitReached
	}

	page, err := s.fetch(ctx, limit, s.cursor)
	if err != nil {
		return fmt.Errorf("backfill: %w", err)
	}
	if ctx.Err() != nil {
		return nil
	}

	if len(page) == 0 {
		if s.cursor == nil {
			return nil
		}
		s.allFetched = true
		snap := s.f.update(func(st *State) { st.AllFetched = true })
		s.f.log.Info().
			Str("session_id", s.id.String()).
			Int64("cursor", *s.cursor).
			Msg("channel history exhausted")
		s.f.emit(ctx, AllFetchedEvent{
			SessionID:     s.id,
			ChannelID:     s.cfg.ChannelID,
			ChannelHandle: s.cfg.ChannelHandle,
		})
		s.f.emit(ctx, StateEvent{State: snap})
		return nil
	}

	fresh, _ := s.partition(page)
	if len(fresh) > 0 && !s.emitBatch(ctx, fresh, PhaseBackfill) {
		return nil
	}

	if oldest := oldestID(page); s.cursor == nil || oldest < *s.cursor {
		s.cursor = &oldest
		s.f.update(func(st *State) {
			c := oldest
			st.Cursor = &c
		})
	}

	if s.limitReached() {
		return errLimitReached
	}
	return nil
}

func (s *session) enterPhase(ctx context.Context, p Phase) {
	snap := s.f.update(func(st *State) { st.Phase = p })
	s.f.emit(ctx, StateEvent{State: snap})
}

func (s *session) fetch(ctx context.Context, limit int, before *int64) ([]models.FetchedMessage, error) {
	ref := ChannelRef{ID: s.cfg.ChannelID, Handle: s.cfg.ChannelHandle}
	req := PageRequest{
		Limit:        limit,
		Before:       before,
		ResolveMedia: s.cfg.ResolveMedia,
		SkipResolve:  s.known.Contains,
	}
	return s.f.source.FetchPage(ctx, ref, req)
}

// pageSize returns the page limit left under MaxTotalFetch.
// ok is false once nothing is left.
func (s *session) pageSize() (int, bool) {
	size := s.f.opts.BatchSize
	if s.cfg.MaxTotalFetch > 0 {
		remaining := s.cfg.MaxTotalFetch - s.total
		if remaining <= 0 {
			return 0, false
		}
		size = min(size, remaining)
	}
	return size, true
}

func (s *session) limitReached() bool {
	return s.cfg.MaxTotalFetch > 0 && s.total >= s.cfg.MaxTotalFetch
}

// partition returns the unknown messages of page in ascending order and
// whether any message of the page was already known.
func (s *session) partition(page []models.FetchedMessage) ([]models.FetchedMessage, bool) {
	var fresh []models.FetchedMessage
	hasKnown := false
	seen := make(map[int64]struct{}, len(page))
	for _, m := range page {
		if s.known.Contains(m.ID) {
			hasKnown = true
			continue
		}
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		fresh = append(fresh, m)
	}
	slices.SortFunc(fresh, func(a, b models.FetchedMessage) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return fresh, hasKnown
}

// emitBatch publishes a batch and marks its ids known right away so a later
// re-scan of the same range cannot emit them again.
func (s *session) emitBatch(ctx context.Context, batch []models.FetchedMessage, phase Phase) bool {
	ev := MessagesEvent{SessionID: s.id, Batch: batch, Phase: phase}
	if !s.f.emit(ctx, ev) {
		return false
	}
	s.known.Add(ev.IDs()...)
	s.total += len(batch)
	total := s.total
	s.f.update(func(st *State) { st.TotalEmitted = total })

	s.f.log.Debug().
		Str("phase", string(phase)).
		Int("count", len(batch)).
		Int64("first_id", batch[0].ID).
		Int64("last_id", batch[len(batch)-1].ID).
		Msg("emitted batch")
	return true
}

func isActive(st Status) bool {
	return st == StatusRunning || st == StatusRetrying
}

func oldestID(page []models.FetchedMessage) int64 {
	oldest := page[0].ID
	for _, m := range page[1:] {
		if m.ID < oldest {
			oldest = m.ID
		}
	}
	return oldest
}

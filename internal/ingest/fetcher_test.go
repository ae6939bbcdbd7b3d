package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockedby/channel-ingest/internal/logger"
	"github.com/blockedby/channel-ingest/internal/models"
)

// fakeSource serves pages from an ascending list of message ids.
type fakeSource struct {
	mu       sync.Mutex
	ids      []int64
	failures int
	calls    []fakeCall

	// block, when set, makes the first fetch wait for ctx cancellation
	block   bool
	blocked chan struct{}
}

type fakeCall struct {
	Limit        int
	Before       *int64
	ResolveMedia bool
}

func newFakeSource(from, to int64) *fakeSource {
	s := &fakeSource{}
	for id := from; id <= to; id++ {
		s.ids = append(s.ids, id)
	}
	return s
}

func (s *fakeSource) FetchPage(ctx context.Context, ref ChannelRef, req PageRequest) ([]models.FetchedMessage, error) {
	s.mu.Lock()
	call := fakeCall{Limit: req.Limit, ResolveMedia: req.ResolveMedia}
	if req.Before != nil {
		b := *req.Before
		call.Before = &b
	}
	s.calls = append(s.calls, call)

	if s.block {
		s.block = false
		s.mu.Unlock()
		close(s.blocked)
		<-ctx.Done()
		return []models.FetchedMessage{{ID: 999, ChannelID: ref.ID}}, nil
	}
	defer s.mu.Unlock()

	if s.failures > 0 {
		s.failures--
		return nil, errors.New("upstream unavailable")
	}

	var ids []int64
	for _, id := range s.ids {
		if req.Before != nil && id >= *req.Before {
			continue
		}
		if req.After != nil && id <= *req.After {
			continue
		}
		ids = append(ids, id)
	}
	if len(ids) > req.Limit {
		ids = ids[len(ids)-req.Limit:]
	}

	page := make([]models.FetchedMessage, 0, len(ids))
	for _, id := range ids {
		page = append(page, models.FetchedMessage{ID: id, ChannelID: ref.ID, Date: time.Unix(1700000000+id, 0)})
	}
	return page, nil
}

func (s *fakeSource) Calls() []fakeCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]fakeCall(nil), s.calls...)
}

func testOptions() Options {
	return Options{
		BatchSize:    100,
		PollInterval: 2 * time.Millisecond,
		RetryBase:    2 * time.Millisecond,
		RetryMax:     60 * time.Millisecond,
	}
}

func newTestFetcher(src ChannelSource, opts Options) *Fetcher {
	return NewFetcher(src, opts, logger.Nop())
}

// collect reads events until until returns true.
func collect(t *testing.T, f *Fetcher, until func(Event) bool) []Event {
	t.Helper()
	var got []Event
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-f.Events():
			got = append(got, ev)
			if until(ev) {
				return got
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event, got %d events", len(got))
			return nil
		}
	}
}

// drain reads whatever is buffered without waiting.
func drain(f *Fetcher) []Event {
	var got []Event
	for {
		select {
		case ev := <-f.Events():
			got = append(got, ev)
		default:
			return got
		}
	}
}

func batches(events []Event) []MessagesEvent {
	var out []MessagesEvent
	for _, ev := range events {
		if m, ok := ev.(MessagesEvent); ok {
			out = append(out, m)
		}
	}
	return out
}

func isAllFetched(ev Event) bool {
	_, ok := ev.(AllFetchedEvent)
	return ok
}

func ptr(v int64) *int64 { return &v }

func TestFetcher_FreshChannelScenario(t *testing.T) {
	src := newFakeSource(1, 5)
	f := newTestFetcher(src, testOptions())

	_, err := f.Start(Config{ChannelID: 42, ChannelHandle: "news"})
	require.NoError(t, err)

	events := collect(t, f, isAllFetched)

	got := batches(events)
	require.Len(t, got, 1, "backfill re-scan of known ids must emit nothing")
	assert.Equal(t, PhaseRecent, got[0].Phase)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, got[0].IDs())

	calls := src.Calls()
	require.GreaterOrEqual(t, len(calls), 5)
	assert.Nil(t, calls[0].Before, "recent sweep starts from the newest page")
	assert.Equal(t, ptr(1), calls[1].Before, "whole page was new, walk back")
	assert.Nil(t, calls[2].Before, "first backfill has no cursor")
	assert.Nil(t, calls[3].Before, "second recent sweep")
	assert.Equal(t, ptr(1), calls[4].Before, "backfill continues below the cursor")

	st := f.State()
	assert.True(t, st.AllFetched)
	require.NotNil(t, st.Cursor)
	assert.Equal(t, int64(1), *st.Cursor)

	// let a few more iterations run: recent sweep only
	time.Sleep(30 * time.Millisecond)
	f.Stop()
	rest := drain(f)

	allFetched := 0
	for _, ev := range append(events, rest...) {
		if isAllFetched(ev) {
			allFetched++
		}
	}
	assert.Equal(t, 1, allFetched)

	belowCursor := 0
	for _, c := range src.Calls() {
		if c.Before != nil && *c.Before == 1 {
			belowCursor++
		}
	}
	assert.Equal(t, 2, belowCursor, "no backfill fetch after history is exhausted")
	assert.Empty(t, batches(rest))
}

func TestFetcher_NoDuplicateEmission(t *testing.T) {
	src := newFakeSource(1, 30)
	opts := testOptions()
	opts.BatchSize = 7
	f := newTestFetcher(src, opts)

	seed := []int64{3, 4, 5, 20}
	_, err := f.Start(Config{ChannelID: 1, KnownIDs: seed})
	require.NoError(t, err)

	events := collect(t, f, isAllFetched)
	f.Stop()

	seen := make(map[int64]int)
	for _, b := range batches(events) {
		ids := b.IDs()
		for i := 1; i < len(ids); i++ {
			assert.Less(t, ids[i-1], ids[i], "batch must be ascending")
		}
		for _, id := range ids {
			seen[id]++
		}
	}

	for _, id := range seed {
		assert.NotContains(t, seen, id)
	}
	for id := int64(1); id <= 30; id++ {
		if id == 3 || id == 4 || id == 5 || id == 20 {
			continue
		}
		assert.Equal(t, 1, seen[id], "id %d", id)
	}
}

func TestFetcher_CursorOnlyMovesBackward(t *testing.T) {
	src := newFakeSource(1, 20)
	opts := testOptions()
	opts.BatchSize = 3
	f := newTestFetcher(src, opts)

	_, err := f.Start(Config{
		ChannelID:    1,
		ResumeCursor: ptr(10),
		KnownIDs:     []int64{10, 11, 12, 13, 14, 15},
	})
	require.NoError(t, err)

	events := collect(t, f, isAllFetched)
	f.Stop()

	var last *int64
	for _, ev := range events {
		st, ok := ev.(StateEvent)
		if !ok || st.State.Cursor == nil {
			continue
		}
		if last != nil {
			assert.LessOrEqual(t, *st.State.Cursor, *last)
		}
		c := *st.State.Cursor
		last = &c
	}

	// first backfill page starts strictly below the resume cursor
	for _, ev := range events {
		if b, ok := ev.(MessagesEvent); ok && b.Phase == PhaseBackfill {
			assert.Equal(t, []int64{7, 8, 9}, b.IDs())
			break
		}
	}
	belowResume := false
	for _, c := range src.Calls() {
		if c.Before != nil && *c.Before == 10 {
			belowResume = true
			break
		}
	}
	assert.True(t, belowResume)

	var recent []int64
	for _, b := range batches(events) {
		if b.Phase == PhaseRecent {
			recent = append(recent, b.IDs()...)
		}
	}
	assert.ElementsMatch(t, []int64{16, 17, 18, 19, 20}, recent)
}

func TestFetcher_MaxTotalFetch(t *testing.T) {
	src := newFakeSource(1, 16)
	opts := testOptions()
	opts.BatchSize = 8
	f := newTestFetcher(src, opts)

	_, err := f.Start(Config{ChannelID: 1, MaxTotalFetch: 10})
	require.NoError(t, err)

	events := collect(t, f, func(ev Event) bool {
		st, ok := ev.(StateEvent)
		return ok && st.State.Status == StatusStopped
	})

	total := 0
	for _, b := range batches(events) {
		total += len(b.Batch)
	}
	assert.Equal(t, 10, total)

	st := f.State()
	assert.Equal(t, StatusStopped, st.Status)
	assert.Equal(t, 10, st.TotalEmitted)

	calls := src.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, 8, calls[0].Limit)
	assert.Equal(t, 2, calls[1].Limit, "page size shrinks to the remaining allowance")

	// loop has exited: stop is a no-op and nothing else is fetched
	f.Stop()
	time.Sleep(10 * time.Millisecond)
	assert.Len(t, src.Calls(), 2)
}

func TestFetcher_RetryBackoff(t *testing.T) {
	src := newFakeSource(1, 3)
	src.failures = 3
	f := newTestFetcher(src, testOptions())

	_, err := f.Start(Config{ChannelID: 1})
	require.NoError(t, err)

	events := collect(t, f, func(ev Event) bool {
		_, ok := ev.(MessagesEvent)
		return ok
	})

	var delays []time.Duration
	var retrying int
	for _, ev := range events {
		switch e := ev.(type) {
		case ErrorEvent:
			delays = append(delays, e.RetryIn)
			assert.Contains(t, e.Message, "upstream unavailable")
		case StateEvent:
			if e.State.Status == StatusRetrying {
				retrying++
				assert.NotEmpty(t, e.State.LastError)
			}
		}
	}
	assert.Equal(t, []time.Duration{2 * time.Millisecond, 4 * time.Millisecond, 8 * time.Millisecond}, delays)
	assert.Equal(t, 3, retrying)

	collect(t, f, func(ev Event) bool {
		st, ok := ev.(StateEvent)
		return ok && st.State.Phase == PhaseIdle && st.State.Status == StatusRunning
	})
	st := f.State()
	assert.Equal(t, 0, st.RetryCount)
	assert.Empty(t, st.LastError)

	f.Stop()
}

func TestRetryBackOff_DoublesAndCaps(t *testing.T) {
	bo := newRetryBackOff(2*time.Second, 60*time.Second)

	var got []time.Duration
	for i := 0; i < 10; i++ {
		got = append(got, bo.NextBackOff())
	}

	want := []time.Duration{
		2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 32 * time.Second,
		60 * time.Second, 60 * time.Second, 60 * time.Second, 60 * time.Second, 60 * time.Second,
	}
	assert.Equal(t, want, got)

	bo.Reset()
	assert.Equal(t, 2*time.Second, bo.NextBackOff())
}

func TestFetcher_StopDuringSleep(t *testing.T) {
	src := newFakeSource(1, 3)
	opts := testOptions()
	opts.PollInterval = time.Hour
	f := newTestFetcher(src, opts)

	_, err := f.Start(Config{ChannelID: 1})
	require.NoError(t, err)

	collect(t, f, func(ev Event) bool {
		st, ok := ev.(StateEvent)
		return ok && st.State.Phase == PhaseIdle && st.State.TotalEmitted > 0
	})

	start := time.Now()
	f.Stop()
	assert.Less(t, time.Since(start), 500*time.Millisecond, "sleep must be cancellable")
	assert.Equal(t, StatusStopped, f.State().Status)

	rest := drain(f)
	require.NotEmpty(t, rest)
	last, ok := rest[len(rest)-1].(StateEvent)
	require.True(t, ok)
	assert.Equal(t, StatusStopped, last.State.Status)

	// idempotent
	f.Stop()
	f.Stop()
	assert.Empty(t, drain(f))
}

func TestFetcher_StopWhenIdle(t *testing.T) {
	f := newTestFetcher(newFakeSource(1, 1), testOptions())

	f.Stop()
	assert.Equal(t, StatusIdle, f.State().Status)
	assert.Empty(t, drain(f))
}

func TestFetcher_RestartDiscardsOldSession(t *testing.T) {
	src := newFakeSource(1, 3)
	src.block = true
	src.blocked = make(chan struct{})
	f := newTestFetcher(src, testOptions())

	first, err := f.Start(Config{ChannelID: 1})
	require.NoError(t, err)
	<-src.blocked

	second, err := f.Start(Config{ChannelID: 1})
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	events := collect(t, f, func(ev Event) bool {
		_, ok := ev.(MessagesEvent)
		return ok && ev.Session() == second
	})
	f.Stop()

	newStarted := false
	for _, ev := range events {
		if st, ok := ev.(StateEvent); ok && st.State.SessionID == second {
			newStarted = true
		}
		if newStarted {
			assert.Equal(t, second, ev.Session(), "old session event after restart: %#v", ev)
		}
		if b, ok := ev.(MessagesEvent); ok {
			assert.NotContains(t, b.IDs(), int64(999), "in-flight result of the old session must be discarded")
		}
	}
	assert.True(t, newStarted)
}

func TestFetcher_AddKnownIDsWhileIdle(t *testing.T) {
	src := newFakeSource(5, 8)
	f := newTestFetcher(src, testOptions())

	f.AddKnownIDs(7)

	_, err := f.Start(Config{ChannelID: 1})
	require.NoError(t, err)

	events := collect(t, f, func(ev Event) bool {
		_, ok := ev.(MessagesEvent)
		return ok
	})
	f.Stop()

	got := batches(events)
	require.Len(t, got, 1)
	assert.Equal(t, []int64{5, 6, 8}, got[0].IDs())
}

func TestFetcher_StartEmitsStateBeforeReturning(t *testing.T) {
	opts := testOptions()
	opts.PollInterval = time.Hour
	f := newTestFetcher(newFakeSource(1, 1), opts)

	id, err := f.Start(Config{ChannelHandle: "news", ResolveMedia: true})
	require.NoError(t, err)

	select {
	case ev := <-f.Events():
		st, ok := ev.(StateEvent)
		require.True(t, ok)
		assert.Equal(t, id, st.State.SessionID)
		assert.Equal(t, StatusRunning, st.State.Status)
		assert.Equal(t, "news", st.State.ChannelHandle)
	default:
		t.Fatal("no state event queued by Start")
	}
	f.Stop()
}

func TestFetcher_PassesResolveMedia(t *testing.T) {
	src := newFakeSource(1, 2)
	f := newTestFetcher(src, testOptions())

	_, err := f.Start(Config{ChannelID: 1, ResolveMedia: true})
	require.NoError(t, err)
	collect(t, f, isAllFetched)
	f.Stop()

	for _, c := range src.Calls() {
		assert.True(t, c.ResolveMedia)
	}
}

func TestFetcher_Start_InvalidConfig(t *testing.T) {
	f := newTestFetcher(newFakeSource(1, 1), testOptions())

	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "no channel", cfg: Config{}},
		{name: "negative cap", cfg: Config{ChannelID: 1, MaxTotalFetch: -1}},
		{name: "zero cursor", cfg: Config{ChannelID: 1, ResumeCursor: ptr(0)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := f.Start(tt.cfg)
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.Equal(t, uuid.Nil, id)
		})
	}
	assert.Equal(t, StatusIdle, f.State().Status)
}

func TestFetcher_StateSnapshotIsCopy(t *testing.T) {
	opts := testOptions()
	opts.PollInterval = time.Hour
	f := newTestFetcher(newFakeSource(1, 1), opts)

	_, err := f.Start(Config{ChannelID: 1, ResumeCursor: ptr(50)})
	require.NoError(t, err)
	defer f.Stop()

	st := f.State()
	require.NotNil(t, st.Cursor)
	*st.Cursor = 1

	again := f.State()
	require.NotNil(t, again.Cursor)
	assert.NotEqual(t, int64(1), *again.Cursor)
}

func TestFetcher_MaxSweepPages(t *testing.T) {
	src := newFakeSource(1, 50)
	opts := testOptions()
	opts.BatchSize = 5
	opts.MaxSweepPages = 2
	opts.PollInterval = time.Hour
	f := newTestFetcher(src, opts)

	_, err := f.Start(Config{ChannelID: 1})
	require.NoError(t, err)

	events := collect(t, f, func(ev Event) bool {
		st, ok := ev.(StateEvent)
		return ok && st.State.Phase == PhaseBackfill
	})
	f.Stop()

	var recent []int64
	for _, b := range batches(events) {
		recent = append(recent, b.IDs()...)
	}
	assert.Len(t, recent, 10, "sweep is bounded to two pages")
}

func TestKnownIDs(t *testing.T) {
	k := NewKnownIDs(1, 2)
	k.Add(2, 3)

	assert.True(t, k.Contains(1))
	assert.True(t, k.Contains(3))
	assert.False(t, k.Contains(4))
	assert.Equal(t, 3, k.Len())
}

func TestSleepCtx(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, sleepCtx(ctx, time.Hour))
	assert.True(t, sleepCtx(context.Background(), time.Millisecond))
}

func TestFetcher_ConfirmStoredScopedToSession(t *testing.T) {
	opts := testOptions()
	opts.PollInterval = time.Hour
	src := newFakeSource(1, 3)
	src.block = true
	src.blocked = make(chan struct{})
	f := newTestFetcher(src, opts)

	first, err := f.Start(Config{ChannelID: 1})
	require.NoError(t, err)
	<-src.blocked
	assert.True(t, f.ConfirmStored(first, 50))

	second, err := f.Start(Config{ChannelID: 2})
	require.NoError(t, err)

	assert.False(t, f.ConfirmStored(first, 1, 2, 3), "ids of a replaced session must be dropped")
	assert.True(t, f.ConfirmStored(second, 60))

	f.Stop()
	assert.False(t, f.ConfirmStored(second, 2), "nothing is carried once the session stopped")

	// a later session starts clean
	third, err := f.Start(Config{ChannelID: 3})
	require.NoError(t, err)
	events := collect(t, f, func(ev Event) bool {
		return isAllFetched(ev) && ev.Session() == third
	})
	f.Stop()

	var got []int64
	for _, b := range batches(events) {
		if b.SessionID == third {
			got = append(got, b.IDs()...)
		}
	}
	assert.ElementsMatch(t, []int64{1, 2, 3}, got)

	done, ok := events[len(events)-1].(AllFetchedEvent)
	require.True(t, ok)
	assert.Equal(t, int64(3), done.ChannelID)
}

package schedule

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"linkedin-autoposter/linkedin"
	"linkedin-autoposter/pkg/autopost"
)

// neverTrigger keeps cron from firing while tests drive Tick directly.
const neverTrigger = "0 0 1 1 *"

type fakeFetcher struct {
	items []*autopost.PostItem
	err   error
}

func (f *fakeFetcher) FetchBatch(ctx context.Context, maxResults int) ([]*autopost.PostItem, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.items, nil
}

type fakePublisher struct {
	mu       sync.Mutex
	captions []string
	failures map[string]error // caption -> error
	entered  chan struct{}
	release  chan struct{}
}

func (p *fakePublisher) Publish(ctx context.Context, item *autopost.PostItem) (*autopost.Receipt, error) {
	if p.entered != nil {
		p.entered <- struct{}{}
		<-p.release
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.captions = append(p.captions, item.Caption)
	if err := p.failures[item.Caption]; err != nil {
		return nil, err
	}
	return &autopost.Receipt{AssetURN: "urn:li:digitalmediaAsset:" + item.AssetID, PostURN: "urn:li:share:" + item.AssetID}, nil
}

func (p *fakePublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.captions...)
}

type fakeJournal struct {
	mu      sync.Mutex
	records []*autopost.Delivery
	err     error
}

func (j *fakeJournal) Record(ctx context.Context, d *autopost.Delivery) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records = append(j.records, d)
	return j.err
}

func makeItems(ids ...string) []*autopost.PostItem {
	items := make([]*autopost.PostItem, len(ids))
	for i, id := range ids {
		items[i] = &autopost.PostItem{
			AssetID:   id,
			SourceURL: "https://res.example.com/" + id + ".jpg",
			Payload:   []byte(id),
			Caption:   "post " + id,
			Ordinal:   i + 1,
			Total:     len(ids),
		}
	}
	return items
}

func newTestScheduler(t *testing.T, cfg *Config) *Scheduler {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Trigger == "" {
		cfg.Trigger = neverTrigger
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 4
	}
	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Stop(context.Background())
	})
	return s
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestTwoItemScenario(t *testing.T) {
	pub := &fakePublisher{failures: map[string]error{
		"post B": &linkedin.StepError{Step: linkedin.StepUpload, StatusCode: 500},
	}}
	journal := &fakeJournal{}
	s := newTestScheduler(t, &Config{
		Fetcher:   &fakeFetcher{items: makeItems("A", "B")},
		Publisher: pub,
		Journal:   journal,
	})
	ctx := context.Background()

	require.NoError(t, s.Start(ctx))
	assert.Equal(t, autopost.StateArmed, s.State())
	assert.Equal(t, 2, s.Remaining())

	res := s.Tick(ctx)
	require.NoError(t, res.Err)
	assert.Equal(t, "A", res.Item.AssetID)
	assert.Equal(t, 1, res.Remaining)
	assert.Equal(t, autopost.StateArmed, res.State)

	res = s.Tick(ctx)
	require.Error(t, res.Err)
	assert.Equal(t, "B", res.Item.AssetID)
	assert.Equal(t, 0, res.Remaining)
	assert.Equal(t, autopost.StateArmed, s.State(), "delivery failure must not halt the scheduler")
	assert.False(t, isClosed(s.Done()))

	res = s.Tick(ctx)
	assert.Nil(t, res.Item)
	assert.Equal(t, autopost.StateDrained, res.State)
	assert.Equal(t, autopost.StateDrained, s.State())
	assert.True(t, isClosed(s.Done()))
	require.NoError(t, s.Err())

	assert.Equal(t, []string{"post A", "post B"}, pub.published())

	require.Len(t, journal.records, 2)
	assert.Equal(t, autopost.StatusPublished, journal.records[0].Status)
	assert.Equal(t, "urn:li:share:A", journal.records[0].PostURN)
	assert.Equal(t, 1, journal.records[0].Remaining)
	assert.Equal(t, autopost.StatusFailed, journal.records[1].Status)
	assert.Equal(t, linkedin.StepUpload, journal.records[1].Step)
	assert.Equal(t, 0, journal.records[1].Remaining)
}

func TestTicksDeliverInFIFOOrder(t *testing.T) {
	for _, n := range []int{1, 3, 7} {
		ids := make([]string, n)
		for i := range ids {
			ids[i] = string(rune('a' + i))
		}
		pub := &fakePublisher{}
		s := newTestScheduler(t, &Config{
			Fetcher:   &fakeFetcher{items: makeItems(ids...)},
			Publisher: pub,
			BatchSize: n,
		})
		ctx := context.Background()
		require.NoError(t, s.Start(ctx))

		for i := range n {
			res := s.Tick(ctx)
			require.NotNil(t, res.Item)
			assert.Equal(t, ids[i], res.Item.AssetID)
			assert.Equal(t, n-i-1, res.Remaining)
		}
		assert.Equal(t, autopost.StateArmed, s.State())

		res := s.Tick(ctx)
		assert.Equal(t, autopost.StateDrained, res.State)
		assert.Len(t, pub.published(), n)
	}
}

func TestRegisterFailureDiscardsItem(t *testing.T) {
	pub := &fakePublisher{failures: map[string]error{
		"post a": &linkedin.StepError{Step: linkedin.StepRegister, StatusCode: 401},
	}}
	s := newTestScheduler(t, &Config{
		Fetcher:   &fakeFetcher{items: makeItems("a", "b")},
		Publisher: pub,
	})
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))

	res := s.Tick(ctx)
	require.Error(t, res.Err)
	assert.Equal(t, 1, s.Remaining())

	res = s.Tick(ctx)
	require.NoError(t, res.Err)
	assert.Equal(t, "b", res.Item.AssetID)
	assert.Equal(t, []string{"post a", "post b"}, pub.published(), "failed item is never retried")
}

func TestStartFetchFailure(t *testing.T) {
	pub := &fakePublisher{}
	s := newTestScheduler(t, &Config{
		Fetcher:   &fakeFetcher{err: errors.New("dial tcp: connection refused")},
		Publisher: pub,
	})
	ctx := context.Background()

	err := s.Start(ctx)
	require.Error(t, err)
	assert.Equal(t, autopost.StateFailed, s.State())
	assert.True(t, isClosed(s.Done()))
	require.Error(t, s.Err())
	assert.True(t, s.NextRun().IsZero())

	res := s.Tick(ctx)
	assert.True(t, res.Skipped)
	assert.Empty(t, pub.published())
}

func TestStartEmptyBatch(t *testing.T) {
	s := newTestScheduler(t, &Config{
		Fetcher:   &fakeFetcher{},
		Publisher: &fakePublisher{},
	})

	err := s.Start(context.Background())
	require.ErrorIs(t, err, ErrEmptyBatch)
	assert.Equal(t, autopost.StateFailed, s.State())
	assert.True(t, isClosed(s.Done()))
}

func TestStartTwice(t *testing.T) {
	s := newTestScheduler(t, &Config{
		Fetcher:   &fakeFetcher{items: makeItems("a")},
		Publisher: &fakePublisher{},
	})
	require.NoError(t, s.Start(context.Background()))
	require.ErrorIs(t, s.Start(context.Background()), ErrAlreadyStarted)
	assert.Equal(t, 1, s.Remaining())
}

func TestTickBeforeStartIsNoop(t *testing.T) {
	pub := &fakePublisher{}
	s := newTestScheduler(t, &Config{
		Fetcher:   &fakeFetcher{items: makeItems("a")},
		Publisher: pub,
	})

	res := s.Tick(context.Background())
	assert.True(t, res.Skipped)
	assert.Equal(t, autopost.StateUninitialized, res.State)
	assert.Empty(t, pub.published())
}

func TestOverlappingTickIsSkipped(t *testing.T) {
	pub := &fakePublisher{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	s := newTestScheduler(t, &Config{
		Fetcher:   &fakeFetcher{items: makeItems("a", "b")},
		Publisher: pub,
	})
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))

	first := make(chan TickResult, 1)
	go func() {
		first <- s.Tick(ctx)
	}()
	<-pub.entered

	assert.Equal(t, autopost.StatePosting, s.State())
	res := s.Tick(ctx)
	assert.True(t, res.Skipped)
	assert.Equal(t, 1, res.Remaining)

	close(pub.release)
	select {
	case r := <-first:
		assert.Equal(t, "a", r.Item.AssetID)
	case <-time.After(5 * time.Second):
		t.Fatal("first tick did not finish")
	}

	go func() {
		<-pub.entered
	}()
	res = s.Tick(ctx)
	assert.Equal(t, "b", res.Item.AssetID)
	assert.Equal(t, []string{"post a", "post b"}, pub.published())
}

func TestJournalErrorDoesNotFailTick(t *testing.T) {
	journal := &fakeJournal{err: errors.New("bucket unavailable")}
	s := newTestScheduler(t, &Config{
		Fetcher:   &fakeFetcher{items: makeItems("a")},
		Publisher: &fakePublisher{},
		Journal:   journal,
	})
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))

	res := s.Tick(ctx)
	require.NoError(t, res.Err)
	assert.Equal(t, autopost.StateArmed, res.State)
	assert.Len(t, journal.records, 1)
}

type panickingPublisher struct {
	mu    sync.Mutex
	calls int
	ok    []string
}

func (p *panickingPublisher) Publish(ctx context.Context, item *autopost.PostItem) (*autopost.Receipt, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.calls == 1 {
		panic("nil upload mechanism")
	}
	p.ok = append(p.ok, item.AssetID)
	return &autopost.Receipt{PostURN: "urn:li:share:" + item.AssetID}, nil
}

type panickingJournal struct{}

func (panickingJournal) Record(ctx context.Context, d *autopost.Delivery) error {
	panic("journal exploded")
}

func TestPublisherPanicDoesNotBlockQueue(t *testing.T) {
	pub := &panickingPublisher{}
	journal := &fakeJournal{}
	s := newTestScheduler(t, &Config{
		Fetcher:   &fakeFetcher{items: makeItems("a", "b")},
		Publisher: pub,
		Journal:   journal,
	})
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))

	res := s.Tick(ctx)
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "nil upload mechanism")
	assert.Equal(t, autopost.StateArmed, s.State())
	assert.Equal(t, 1, res.Remaining)

	res = s.Tick(ctx)
	require.NoError(t, res.Err)
	assert.Equal(t, "b", res.Item.AssetID)
	assert.Equal(t, []string{"b"}, pub.ok)

	res = s.Tick(ctx)
	assert.Equal(t, autopost.StateDrained, res.State)
	assert.True(t, isClosed(s.Done()))

	require.Len(t, journal.records, 2)
	assert.Equal(t, autopost.StatusFailed, journal.records[0].Status)
	assert.Contains(t, journal.records[0].Error, "panic")
	assert.Equal(t, autopost.StatusPublished, journal.records[1].Status)
}

func TestJournalPanicDoesNotBlockQueue(t *testing.T) {
	pub := &fakePublisher{}
	s := newTestScheduler(t, &Config{
		Fetcher:   &fakeFetcher{items: makeItems("a", "b")},
		Publisher: pub,
		Journal:   panickingJournal{},
	})
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))

	res := s.Tick(ctx)
	require.NoError(t, res.Err)
	assert.Equal(t, autopost.StateArmed, s.State())

	res = s.Tick(ctx)
	require.NoError(t, res.Err)
	assert.Equal(t, []string{"post a", "post b"}, pub.published())
}

type blockingFetcher struct {
	entered chan struct{}
	release chan struct{}

	mu    sync.Mutex
	calls int
}

func (f *blockingFetcher) FetchBatch(ctx context.Context, maxResults int) ([]*autopost.PostItem, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	f.entered <- struct{}{}
	<-f.release
	return makeItems("a", "b"), nil
}

func TestConcurrentStartFetchesOnce(t *testing.T) {
	f := &blockingFetcher{
		entered: make(chan struct{}, 2),
		release: make(chan struct{}),
	}
	s := newTestScheduler(t, &Config{
		Fetcher:   f,
		Publisher: &fakePublisher{},
	})
	ctx := context.Background()

	first := make(chan error, 1)
	go func() {
		first <- s.Start(ctx)
	}()
	<-f.entered

	require.ErrorIs(t, s.Start(ctx), ErrAlreadyStarted)

	close(f.release)
	select {
	case err := <-first:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("first Start did not finish")
	}

	assert.Equal(t, 2, s.Remaining())
	f.mu.Lock()
	assert.Equal(t, 1, f.calls)
	f.mu.Unlock()
}

func TestNewValidation(t *testing.T) {
	base := func() *Config {
		return &Config{
			Fetcher:   &fakeFetcher{},
			Publisher: &fakePublisher{},
			Trigger:   "* * * * *",
			BatchSize: 4,
		}
	}

	_, err := New(base())
	require.NoError(t, err)

	cfg := base()
	cfg.Trigger = "every minute"
	_, err = New(cfg)
	require.Error(t, err)

	cfg = base()
	cfg.BatchSize = 0
	_, err = New(cfg)
	require.Error(t, err)

	cfg = base()
	cfg.Publisher = nil
	_, err = New(cfg)
	require.Error(t, err)
}

func TestNextRunUsesTimeZone(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	now := time.Date(2026, time.October, 16, 20, 0, 0, 0, time.UTC) // 16:00 in New York
	s := newTestScheduler(t, &Config{
		Fetcher:   &fakeFetcher{items: makeItems("a")},
		Publisher: &fakePublisher{},
		Trigger:   "53 17 * * *",
		Location:  ny,
		Now:       func() time.Time { return now },
	})

	next := s.NextRun()
	assert.Equal(t, time.Date(2026, time.October, 16, 21, 53, 0, 0, time.UTC), next.UTC())

	st := s.Status()
	assert.Equal(t, "America/New_York", st.TimeZone)
	assert.Equal(t, autopost.StateUninitialized, st.State)
}

func TestStatusAfterDelivery(t *testing.T) {
	s := newTestScheduler(t, &Config{
		Fetcher:   &fakeFetcher{items: makeItems("a", "b")},
		Publisher: &fakePublisher{},
	})
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	s.Tick(ctx)

	st := s.Status()
	assert.Equal(t, autopost.StateArmed, st.State)
	assert.Equal(t, 1, st.Remaining)
	require.NotNil(t, st.LastDelivery)
	assert.Equal(t, "post a", st.LastDelivery.Caption)
	assert.Empty(t, st.Error)
}

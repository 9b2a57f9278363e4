package watcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"price_watcher/internal/announce"
	"price_watcher/internal/config"
	"price_watcher/internal/metrics"
	"price_watcher/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// FakeSource returns canned catalog pages in order; the last one repeats.
type FakeSource struct {
	mu      sync.Mutex
	pages   [][]map[string]any
	err     error
	calls   int
	fetched chan struct{}
}

func (f *FakeSource) FetchProducts(ctx context.Context) ([]map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fetched != nil {
		select {
		case f.fetched <- struct{}{}:
		default:
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	if len(f.pages) == 0 {
		return nil, nil
	}
	page := f.pages[0]
	if len(f.pages) > 1 {
		f.pages = f.pages[1:]
	}
	return page, nil
}

func page(prices map[string]float64) []map[string]any {
	var out []map[string]any
	for id, p := range prices {
		out = append(out, map[string]any{"id": id, "name": "Товар " + id, "price": p})
	}
	return out
}

// memStore keeps the snapshot in memory.
type memStore struct {
	mu        sync.Mutex
	snap      models.Snapshot
	history   []models.PricePoint
	loads     int
	commits   int
	loadErr   error
	commitErr error
}

func (m *memStore) Load(ctx context.Context) (models.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads++
	if m.loadErr != nil {
		return models.Snapshot{}, m.loadErr
	}
	prices := m.snap.Prices.Clone()
	if prices == nil {
		prices = models.PriceState{}
	}
	return models.Snapshot{Prices: prices, Pin: m.snap.Pin}, nil
}

func (m *memStore) Commit(ctx context.Context, snap models.Snapshot, history []models.PricePoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.commitErr != nil {
		return m.commitErr
	}
	m.commits++
	m.snap = snap
	m.history = append(m.history, history...)
	return nil
}

// SpySink records sink calls.
type SpySink struct {
	mu         sync.Mutex
	nextID     int
	published  []string
	pinned     []string
	unpinned   []string
	publishErr error
}

func (s *SpySink) Publish(ctx context.Context, channelID, text string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.publishErr != nil {
		return "", s.publishErr
	}
	s.nextID++
	s.published = append(s.published, text)
	return fmt.Sprintf("%d", 700+s.nextID), nil
}

func (s *SpySink) Pin(ctx context.Context, channelID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pinned = append(s.pinned, messageID)
	return nil
}

func (s *SpySink) Unpin(ctx context.Context, channelID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unpinned = append(s.unpinned, messageID)
	return nil
}

// SpyNotifier collects operator notices.
type SpyNotifier struct{ notices []string }

func (n *SpyNotifier) Notify(ctx context.Context, text string) { n.notices = append(n.notices, text) }

type harness struct {
	w      *Watcher
	source *FakeSource
	store  *memStore
	sink   *SpySink
	notes  *SpyNotifier
	rec    *metrics.Recorder
}

func newHarness(pages ...[]map[string]any) *harness {
	cfg := &config.Config{
		Version:       "test",
		FetchTimeout:  time.Second,
		CheckInterval: time.Hour,
		StoreBackend:  "memory",
	}
	h := &harness{
		source: &FakeSource{pages: pages},
		store:  &memStore{},
		sink:   &SpySink{},
		notes:  &SpyNotifier{},
		rec:    metrics.NewRecorder(),
	}
	machine := announce.NewMachine(h.sink, announce.Config{ChannelID: "@test", UnpinPrevious: true})
	h.w = New(cfg, Deps{
		Source:   h.source,
		Store:    h.store,
		Machine:  machine,
		Notifier: h.notes,
		Metrics:  h.rec,
	})
	return h
}

func TestFirstCycleRecordsBaselineSilently(t *testing.T) {
	h := newHarness(page(map[string]float64{"1": 100, "2": 200}))

	rep, err := h.w.RunCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.Committed)
	assert.Equal(t, announce.ActionNone, rep.Action)
	assert.Equal(t, 2, rep.Counts[models.KindNew])
	assert.Empty(t, h.sink.published)

	require.Len(t, h.store.snap.Prices, 2)
	assert.True(t, h.store.snap.Prices["1"].LastNotifiedPrice.Equal(decimal.NewFromInt(100)))
	assert.Len(t, h.store.history, 2, "NEW products are recorded in history")
}

func TestCycleCountsAnnouncementAction(t *testing.T) {
	h := newHarness(
		page(map[string]float64{"1": 100}),
		page(map[string]float64{"1": 90}),
	)
	ctx := context.Background()
	_, err := h.w.RunCycle(ctx)
	require.NoError(t, err)
	_, err = h.w.RunCycle(ctx)
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	h.rec.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rr.Body.String()
	assert.Contains(t, body, `price_watcher_announcements_total{action="none"} 1`)
	assert.Contains(t, body, `price_watcher_announcements_total{action="published"} 1`)
}

func TestDropPublishesPinsAndCommitsPin(t *testing.T) {
	h := newHarness(
		page(map[string]float64{"1": 100}),
		page(map[string]float64{"1": 90}),
	)
	ctx := context.Background()
	_, err := h.w.RunCycle(ctx)
	require.NoError(t, err)

	rep, err := h.w.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, announce.ActionPublished, rep.Action)
	require.Len(t, h.sink.published, 1)
	assert.Contains(t, h.sink.published[0], "Товар 1")
	assert.Contains(t, h.sink.published[0], "100 ₽ → 90 ₽")
	assert.Equal(t, []string{"701"}, h.sink.pinned)

	assert.Equal(t, "701", h.store.snap.Pin.ID())
	assert.True(t, h.store.snap.Prices["1"].LastNotifiedPrice.Equal(decimal.NewFromInt(90)))

	// Same price again: nothing to announce.
	rep, err = h.w.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, announce.ActionNone, rep.Action)
	assert.Len(t, h.sink.published, 1)
}

func TestIncreaseUnpins(t *testing.T) {
	h := newHarness(page(map[string]float64{"1": 120}))
	h.store.snap = models.Snapshot{
		Prices: models.PriceState{"1": {Price: decimal.NewFromInt(90), LastNotifiedPrice: decimal.NewFromInt(90)}},
		Pin:    models.Pinned("55"),
	}

	rep, err := h.w.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, announce.ActionUnpinned, rep.Action)
	assert.Equal(t, []string{"55"}, h.sink.unpinned)
	assert.False(t, h.store.snap.Pin.IsPinned())
	assert.True(t, h.store.snap.Prices["1"].LastNotifiedPrice.Equal(decimal.NewFromInt(120)))
}

func TestSinkFailureSkipsCommitAndRetriesNextCycle(t *testing.T) {
	h := newHarness(page(map[string]float64{"1": 80}))
	before := models.Snapshot{
		Prices: models.PriceState{"1": {Price: decimal.NewFromInt(100), LastNotifiedPrice: decimal.NewFromInt(100)}},
	}
	h.store.snap = before
	h.sink.publishErr = errors.New("telegram down")

	rep, err := h.w.RunCycle(context.Background())
	require.Error(t, err)
	assert.False(t, rep.Committed)
	assert.Zero(t, h.store.commits)
	assert.True(t, h.store.snap.Prices["1"].Price.Equal(decimal.NewFromInt(100)), "state keeps its pre-cycle value")

	h.sink.publishErr = nil
	rep, err = h.w.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, announce.ActionPublished, rep.Action)
	assert.Equal(t, 1, h.store.commits)
}

func TestFetchFailureSkipsCycle(t *testing.T) {
	h := newHarness()
	h.source.err = errors.New("timeout")

	_, err := h.w.RunCycle(context.Background())
	require.Error(t, err)
	assert.Zero(t, h.store.loads)
	assert.Zero(t, h.store.commits)
}

func TestStoreLoadFailureSkipsCycle(t *testing.T) {
	h := newHarness(page(map[string]float64{"1": 100}))
	h.store.loadErr = errors.New("db gone")

	_, err := h.w.RunCycle(context.Background())
	require.Error(t, err)
	assert.Empty(t, h.sink.published)
	assert.Zero(t, h.store.commits)
}

func TestCommitFailureAfterPublishNotifiesOperator(t *testing.T) {
	h := newHarness(page(map[string]float64{"1": 80}))
	h.store.snap = models.Snapshot{
		Prices: models.PriceState{"1": {Price: decimal.NewFromInt(100), LastNotifiedPrice: decimal.NewFromInt(100)}},
	}
	h.store.commitErr = errors.New("disk full")

	rep, err := h.w.RunCycle(context.Background())
	require.Error(t, err)
	assert.False(t, rep.Committed)
	require.Len(t, h.notes.notices, 1)
	assert.Contains(t, h.notes.notices[0], "701")
}

func TestInvalidRecordsAreSkipped(t *testing.T) {
	h := newHarness([]map[string]any{
		{"id": "1", "name": "Чай", "price": 100.0},
		{"name": "без id", "price": 10.0},
		{"id": "3", "price": "abc"},
	})

	rep, err := h.w.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Records)
	assert.Equal(t, 2, rep.Invalid)
	assert.Len(t, h.store.snap.Prices, 1)
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(page(map[string]float64{"1": 100}))
	h.source.fetched = make(chan struct{}, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.w.Run(ctx) }()

	select {
	case <-h.source.fetched:
	case <-time.After(5 * time.Second):
		t.Fatal("first cycle did not run")
	}
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
	h.source.mu.Lock()
	assert.Equal(t, 1, h.source.calls, "interval is an hour, only the warm-up cycle ran")
	h.source.mu.Unlock()
}

func TestStartupNotification(t *testing.T) {
	h := newHarness()
	h.w.SendStartupNotification(context.Background())
	require.Len(t, h.notes.notices, 1)
	assert.Contains(t, h.notes.notices[0], "Price Watcher test online")
}

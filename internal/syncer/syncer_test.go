package syncer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/STTM-NSU/candle-sync/internal/candles"
	"github.com/STTM-NSU/candle-sync/internal/config"
	"github.com/STTM-NSU/candle-sync/internal/gaps"
	"github.com/STTM-NSU/candle-sync/internal/logger"
	"github.com/STTM-NSU/candle-sync/internal/model"
	"github.com/STTM-NSU/candle-sync/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _jan1 = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func day(n int) time.Time {
	return _jan1.Add(time.Duration(n-1) * 24 * time.Hour)
}

type manualClock struct {
	now time.Time
}

func (c *manualClock) Now() time.Time { return c.now }

func (c *manualClock) Sleep(d time.Duration) { c.now = c.now.Add(d) }

type httpStatusError int

func (e httpStatusError) Error() string   { return fmt.Sprintf("http %d", int(e)) }
func (e httpStatusError) HTTPStatus() int { return int(e) }

// fakeProvider answers every window with candles at its first two buckets,
// unless fail says otherwise.
type fakeProvider struct {
	calls []model.Window
	fail  func(w model.Window) error
}

func (p *fakeProvider) GetCandles(_ context.Context, start, end time.Time, granularity time.Duration) ([]model.RawCandle, error) {
	w := model.Window{Start: start, End: end}
	p.calls = append(p.calls, w)
	if p.fail != nil {
		if err := p.fail(w); err != nil {
			return nil, err
		}
	}

	var raw []model.RawCandle
	for ts := start; ts.Before(end) && len(raw) < 2; ts = ts.Add(granularity) {
		raw = append(raw, model.RawCandle{float64(ts.Unix()), 99, 101, 100, 100.5, 2})
	}
	return raw, nil
}

type env struct {
	cfg      config.Config
	store    *storage.CSVStore
	provider *fakeProvider
	clock    *manualClock
}

func newEnv(t *testing.T, now time.Time) *env {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Fetch.RequestDelay = 0
	require.NoError(t, cfg.Setup())

	return &env{
		cfg:      cfg,
		store:    storage.NewCSVStore(cfg.DataDir),
		provider: &fakeProvider{},
		clock:    &manualClock{now: now},
	}
}

func (e *env) run(t *testing.T) Summary {
	t.Helper()
	fetcher := candles.NewFetcher(e.provider, e.cfg.Fetch, e.cfg.Provider.Source, e.clock, logger.NewNop())
	sum, err := NewSyncer(e.cfg, e.store, fetcher, e.clock, logger.NewNop()).Run(context.Background())
	require.NoError(t, err)
	return sum
}

func (e *env) seed(t *testing.T, ts ...time.Time) {
	t.Helper()
	cs := make([]model.Candle, 0, len(ts))
	for _, x := range ts {
		cs = append(cs, model.Candle{Ts: x, Open: 1, High: 1, Low: 1, Close: 1, Volume: 1, Source: "seed"})
	}
	require.NoError(t, e.store.Save(context.Background(), e.cfg.Series, cs))
}

func (e *env) load(t *testing.T, key string) []model.Candle {
	t.Helper()
	cs, err := e.store.Load(context.Background(), key)
	require.NoError(t, err)
	return cs
}

func TestRun_FreshStart(t *testing.T) {
	e := newEnv(t, day(3))

	sum := e.run(t)

	require.Equal(t, []model.Window{{Start: day(1), End: day(2)}, {Start: day(2), End: day(3)}}, e.provider.calls)
	assert.Equal(t, day(1), sum.Start)
	assert.Equal(t, day(3), sum.End)
	assert.Equal(t, 4, sum.Added)
	assert.Equal(t, 4, sum.Total)
	assert.True(t, sum.First.Equal(day(1)))
	assert.True(t, sum.Last.Equal(day(2).Add(5*time.Minute)))

	stored := e.load(t, e.cfg.Series)
	require.Len(t, stored, 4)
	assert.Equal(t, "coinbase", stored[0].Source)
	assert.Equal(t, 100.0, stored[0].Open)
	assert.Equal(t, 99.0, stored[0].Low)

	assert.Equal(t, stored, e.load(t, e.cfg.MirrorSeries))
}

func TestRun_ResumesAfterLastCandle(t *testing.T) {
	last := day(2).Add(12 * time.Hour)
	e := newEnv(t, day(3))
	e.seed(t, day(1), last)

	sum := e.run(t)

	require.NotEmpty(t, e.provider.calls)
	assert.Equal(t, last.Add(5*time.Minute), e.provider.calls[0].Start)
	assert.Equal(t, day(3), e.provider.calls[len(e.provider.calls)-1].End)
	assert.Equal(t, 2, sum.Added)
	assert.Equal(t, 4, sum.Total)

	stored := e.load(t, e.cfg.Series)
	assert.Equal(t, "seed", stored[0].Source)
	assert.Equal(t, "seed", stored[1].Source)
}

func TestRun_CapsSpan(t *testing.T) {
	e := newEnv(t, day(30))

	sum := e.run(t)

	assert.Equal(t, day(8), sum.End)
	require.Len(t, e.provider.calls, 7)
	assert.Equal(t, day(8), e.provider.calls[6].End)
}

func TestRun_UpToDate(t *testing.T) {
	last := day(2)
	e := newEnv(t, last.Add(5*time.Minute))
	e.seed(t, day(1), last)
	before, err := os.ReadFile(e.store.Path(e.cfg.Series))
	require.NoError(t, err)

	sum := e.run(t)

	assert.True(t, sum.UpToDate)
	assert.Empty(t, e.provider.calls)
	after, err := os.ReadFile(e.store.Path(e.cfg.Series))
	require.NoError(t, err)
	assert.Equal(t, before, after)
	_, err = os.Stat(e.store.Path(e.cfg.MirrorSeries))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestRun_NothingFetchedLeavesNoFiles(t *testing.T) {
	e := newEnv(t, day(2))
	e.provider.fail = func(model.Window) error { return httpStatusError(404) }

	sum := e.run(t)

	assert.Equal(t, 1, sum.Skipped)
	assert.Equal(t, 0, sum.Total)
	assert.Equal(t, 0, sum.PendingGaps, "nothing stored yet, the next run covers the window again")
	_, err := os.Stat(e.store.Path(e.cfg.Series))
	assert.ErrorIs(t, err, os.ErrNotExist)
	_, err = os.Stat(e.store.Path(e.cfg.MirrorSeries))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestRun_GapIsRecordedAndFilled(t *testing.T) {
	e := newEnv(t, day(4))
	broken := true
	e.provider.fail = func(w model.Window) error {
		if broken && w.Start.Equal(day(1)) {
			return httpStatusError(500)
		}
		return nil
	}

	first := e.run(t)
	assert.Equal(t, 1, first.Skipped)
	assert.Equal(t, 1, first.PendingGaps)
	assert.Equal(t, 4, first.Total)

	ledger, err := gaps.Load(gaps.Path(e.cfg.DataDir, e.cfg.Series))
	require.NoError(t, err)
	require.Len(t, ledger.Pending(), 1)
	assert.Equal(t, model.Window{Start: day(1), End: day(2)}, ledger.Pending()[0].Window())

	broken = false
	e.provider.calls = nil
	e.clock.now = day(4).Add(10 * time.Minute)

	second := e.run(t)

	assert.Equal(t, []model.Window{
		{Start: day(3).Add(10 * time.Minute), End: day(4).Add(10 * time.Minute)},
		{Start: day(1), End: day(2)},
	}, e.provider.calls)
	assert.Equal(t, 1, second.Recovered)
	assert.Equal(t, 0, second.PendingGaps)
	assert.Equal(t, 8, second.Total)
	assert.True(t, second.First.Equal(day(1)))

	_, err = os.Stat(gaps.Path(e.cfg.DataDir, e.cfg.Series))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestRun_GapAbandoned(t *testing.T) {
	e := newEnv(t, day(3))
	e.cfg.Gaps.MaxAttempts = 1
	e.provider.fail = func(w model.Window) error {
		if w.Start.Equal(day(1)) {
			return httpStatusError(500)
		}
		return nil
	}

	first := e.run(t)
	assert.Equal(t, 1, first.PendingGaps)

	e.clock.now = day(3).Add(10 * time.Minute)
	second := e.run(t)
	assert.Equal(t, 0, second.Recovered)
	assert.Equal(t, 0, second.PendingGaps)
}

func TestRun_GapsDisabled(t *testing.T) {
	e := newEnv(t, day(3))
	e.cfg.Gaps.Enabled = false
	e.provider.fail = func(w model.Window) error {
		if w.Start.Equal(day(1)) {
			return httpStatusError(500)
		}
		return nil
	}

	sum := e.run(t)
	assert.Equal(t, 0, sum.PendingGaps)
	_, err := os.Stat(gaps.Path(e.cfg.DataDir, e.cfg.Series))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestRun_UnreadableStoreIsKept(t *testing.T) {
	e := newEnv(t, day(2))
	path := filepath.Join(e.cfg.DataDir, e.cfg.Series+".csv")
	require.NoError(t, os.WriteFile(path, []byte("open,close\n1,2\n"), 0o644))

	fetcher := candles.NewFetcher(e.provider, e.cfg.Fetch, e.cfg.Provider.Source, e.clock, logger.NewNop())
	_, err := NewSyncer(e.cfg, e.store, fetcher, e.clock, logger.NewNop()).Run(context.Background())
	require.ErrorIs(t, err, storage.ErrSchema)

	// fresh start was attempted
	require.NotEmpty(t, e.provider.calls)
	assert.Equal(t, day(1), e.provider.calls[0].Start)

	body, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "open,close\n1,2\n", string(body))
}

type countingStore struct {
	storage.Store
	loads map[string]int
}

func (s *countingStore) Load(ctx context.Context, key string) ([]model.Candle, error) {
	s.loads[key]++
	return s.Store.Load(ctx, key)
}

func TestRun_ReadsSeriesOnce(t *testing.T) {
	for name, now := range map[string]time.Time{
		"fetching":   day(3),
		"up to date": day(2).Add(5 * time.Minute),
	} {
		t.Run(name, func(t *testing.T) {
			e := newEnv(t, now)
			e.seed(t, day(1), day(2))
			store := &countingStore{Store: e.store, loads: make(map[string]int)}

			fetcher := candles.NewFetcher(e.provider, e.cfg.Fetch, e.cfg.Provider.Source, e.clock, logger.NewNop())
			_, err := NewSyncer(e.cfg, store, fetcher, e.clock, logger.NewNop()).Run(context.Background())
			require.NoError(t, err)

			assert.Equal(t, 1, store.loads[e.cfg.Series])
		})
	}
}

func TestRun_PersistsWhatWasFetchedBeforeCancel(t *testing.T) {
	e := newEnv(t, day(4))
	db, err := storage.OpenSQLite(filepath.Join(e.cfg.DataDir, "candles.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := storage.NewSQLStore(db)
	require.NoError(t, store.Migrate(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.provider.fail = func(model.Window) error {
		cancel()
		return nil
	}

	fetcher := candles.NewFetcher(e.provider, e.cfg.Fetch, e.cfg.Provider.Source, e.clock, logger.NewNop())
	sum, err := NewSyncer(e.cfg, store, fetcher, e.clock, logger.NewNop()).Run(ctx)
	require.NoError(t, err)

	assert.Len(t, e.provider.calls, 1)
	assert.Equal(t, 2, sum.Added)

	stored, err := store.Load(context.Background(), e.cfg.Series)
	require.NoError(t, err)
	assert.Len(t, stored, 2)
	mirror, err := store.Load(context.Background(), e.cfg.MirrorSeries)
	require.NoError(t, err)
	assert.Len(t, mirror, 2)
}

func TestRun_ReportsRangeOfUnsortedStore(t *testing.T) {
	e := newEnv(t, day(2))
	e.seed(t, day(1).Add(10*time.Minute), day(1), day(1).Add(5*time.Minute))
	e.provider.fail = func(model.Window) error { return httpStatusError(404) }

	sum := e.run(t)

	assert.Equal(t, 0, sum.Added)
	assert.Equal(t, 3, sum.Total)
	assert.True(t, sum.First.Equal(day(1)))
	assert.True(t, sum.Last.Equal(day(1).Add(10*time.Minute)))

	mirror := e.load(t, e.cfg.MirrorSeries)
	require.Len(t, mirror, 3)
	for i := 1; i < len(mirror); i++ {
		assert.True(t, mirror[i-1].Ts.Before(mirror[i].Ts))
	}
}

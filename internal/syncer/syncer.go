package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/STTM-NSU/candle-sync/internal/candles"
	"github.com/STTM-NSU/candle-sync/internal/config"
	"github.com/STTM-NSU/candle-sync/internal/gaps"
	"github.com/STTM-NSU/candle-sync/internal/logger"
	"github.com/STTM-NSU/candle-sync/internal/model"
	"github.com/STTM-NSU/candle-sync/internal/storage"
	"github.com/STTM-NSU/candle-sync/internal/tools"
)

type Summary struct {
	Start, End time.Time // fetch window of this run
	UpToDate   bool

	Fetched     int
	Unparseable int
	Rejected    int
	Requests    int
	Exhausted   bool
	Skipped     int

	Added      int
	Duplicates int
	Dropped    int
	Total      int
	First      time.Time
	Last       time.Time

	Recovered   int // gaps filled this run
	PendingGaps int
}

// Syncer runs one incremental sync of a series: resume, fetch, merge, report.
type Syncer struct {
	cfg     config.Config
	store   storage.Store
	fetcher *candles.Fetcher
	clock   tools.Clock
	logger  logger.Logger
}

func NewSyncer(cfg config.Config, store storage.Store, fetcher *candles.Fetcher, clock tools.Clock, logger logger.Logger) *Syncer {
	return &Syncer{
		cfg:     cfg,
		store:   store,
		fetcher: fetcher,
		clock:   clock,
		logger:  logger,
	}
}

// window computes where this run fetches from and to, given the stored series.
func (s *Syncer) window(existing []model.Candle) model.Window {
	start := s.cfg.DefaultStart
	if last, ok := storage.Latest(existing); ok {
		// the newest stored candle may be provisional, still it is never refetched
		start = last.Add(s.cfg.Fetch.Granularity)
	}

	end := start.Add(s.cfg.MaxSpan)
	if now := s.clock.Now().UTC(); now.Before(end) {
		end = now
	}

	return model.Window{Start: start, End: end}
}

// Run reads the series once, fetches what is missing and writes it back.
// Writes are not cut short by ctx: whatever was fetched before a
// cancellation is still persisted.
func (s *Syncer) Run(ctx context.Context) (Summary, error) {
	var sum Summary

	existing, loadErr := s.store.Load(ctx, s.cfg.Series)
	switch {
	case errors.Is(loadErr, storage.ErrNoSeries):
		loadErr = nil
	case loadErr != nil:
		s.logger.Warnf("%s: can't read series %s, starting from scratch", loadErr, s.cfg.Series)
		existing = nil
	}

	w := s.window(existing)
	sum.Start, sum.End = w.Start, w.End
	if w.Empty() {
		s.logger.Infof("%s is up to date, next candle at %s", s.cfg.Series, w.Start.Format(time.RFC3339))
		sum.UpToDate = true
		return sum, nil
	}

	s.logger.Infof("fetching %s for %s", s.cfg.Series, w)
	res := s.fetcher.Fetch(ctx, w.Start, w.End)
	incoming := res.Candles
	s.collect(&sum, res)

	var ledger *gaps.Ledger
	if s.cfg.Gaps.Enabled {
		var err error
		ledger, err = gaps.Load(gaps.Path(s.cfg.DataDir, s.cfg.Series))
		if err != nil {
			s.logger.Warnf("%s: can't load gaps ledger, gaps are not tracked this run", err)
		}
	}
	if ledger != nil {
		incoming = append(incoming, s.revisit(ctx, ledger, &sum)...)
	}

	// never overwrite a series that couldn't be read
	if loadErr != nil {
		return sum, fmt.Errorf("%w: can't merge %s", loadErr, s.cfg.Series)
	}

	persistCtx := context.WithoutCancel(ctx)
	merged, err := storage.MergeWith(persistCtx, s.store, s.cfg.Series, existing, incoming)
	if err != nil {
		return sum, fmt.Errorf("%w: can't merge %s", err, s.cfg.Series)
	}
	sum.Added = merged.Added
	sum.Duplicates = merged.Duplicates
	sum.Dropped = merged.Dropped
	sum.Total = len(merged.Candles)
	if sum.Total > 0 {
		sum.First = merged.Candles[0].Ts
		sum.Last = merged.Candles[sum.Total-1].Ts
	}
	if merged.Dropped > 0 {
		s.logger.Warnf("%d candles with unreadable prices were not stored", merged.Dropped)
	}

	if ledger != nil {
		s.record(ledger, res.Skipped, sum.Last)
		if err := ledger.Save(); err != nil {
			s.logger.Errorf("%s: can't save gaps ledger", err)
		}
		sum.PendingGaps = ledger.Len()
	}

	if s.cfg.MirrorSeries != "" && sum.Total > 0 {
		if err := s.store.Save(persistCtx, s.cfg.MirrorSeries, merged.Candles); err != nil {
			s.logger.Errorf("%s: can't write mirror %s", err, s.cfg.MirrorSeries)
		}
	}

	return sum, nil
}

func (s *Syncer) collect(sum *Summary, res candles.Result) {
	sum.Fetched += len(res.Candles)
	sum.Unparseable += res.Unparseable
	sum.Rejected += res.Rejected
	sum.Requests += res.Requests
	sum.Skipped += len(res.Skipped)
	sum.Exhausted = sum.Exhausted || res.Exhausted
}

// revisit retries pending gaps with whatever request budget is left.
func (s *Syncer) revisit(ctx context.Context, ledger *gaps.Ledger, sum *Summary) []model.Candle {
	var recovered []model.Candle
	for _, g := range ledger.Pending() {
		if ctx.Err() != nil || s.fetcher.Remaining() == 0 {
			break
		}

		res := s.fetcher.Fetch(ctx, g.Start, g.End)
		recovered = append(recovered, res.Candles...)
		s.collect(sum, res)

		switch {
		case ctx.Err() != nil || res.Exhausted:
			// interrupted, not a verdict on the gap
		case len(res.Skipped) == 0:
			ledger.Resolve(g.Window())
			sum.Recovered++
			s.logger.Infof("gap %s filled with %d candles", g.Window(), len(res.Candles))
		default:
			if ledger.Fail(g.Window(), g.Reason, s.cfg.Gaps.MaxAttempts) {
				s.logger.Errorf("gap %s abandoned after %d attempts", g.Window(), s.cfg.Gaps.MaxAttempts)
			}
		}
	}
	return recovered
}

// record keeps skipped windows the resume point has already moved past.
// Later ones are fetched again by the next run anyway.
func (s *Syncer) record(ledger *gaps.Ledger, skipped []model.Window, last time.Time) {
	for _, w := range skipped {
		if last.IsZero() || !w.Start.Before(last) {
			continue
		}
		if ledger.Add(w, "provider error") {
			s.logger.Warnf("gap %s recorded for revisit", w)
		}
	}
}

package candles

import (
	"context"
	"time"

	"github.com/STTM-NSU/candle-sync/internal/config"
	"github.com/STTM-NSU/candle-sync/internal/logger"
	"github.com/STTM-NSU/candle-sync/internal/model"
	"github.com/STTM-NSU/candle-sync/internal/tools"
	"go.uber.org/ratelimit"
)

// Provider answers one bounded candles request.
type Provider interface {
	GetCandles(ctx context.Context, start, end time.Time, granularity time.Duration) ([]model.RawCandle, error)
}

type Result struct {
	Candles     []model.Candle // ascending, unique timestamps
	Requests    int
	Skipped     []model.Window // chunks given up on in this call
	Unparseable int            // rows kept with unreadable numeric fields
	Rejected    int            // rows dropped because they can't be keyed
	Exhausted   bool           // request ceiling hit before the window was covered
}

// Fetcher walks a window chunk by chunk, one request at a time. The request
// ceiling is shared by every Fetch call on the same Fetcher.
type Fetcher struct {
	provider Provider
	cfg      config.FetchConfig
	source   string
	policy   RetryPolicy

	clock       tools.Clock
	rateLimiter ratelimit.Limiter

	logger logger.Logger

	requests int
}

func NewFetcher(p Provider, cfg config.FetchConfig, source string, clock tools.Clock, logger logger.Logger) *Fetcher {
	// floor between request starts, retries included
	rl := ratelimit.NewUnlimited()
	if cfg.RequestDelay > 0 {
		rl = ratelimit.New(1, ratelimit.Per(cfg.RequestDelay), ratelimit.WithoutSlack, ratelimit.WithClock(clock))
	}

	return &Fetcher{
		provider: p,
		cfg:      cfg,
		source:   source,
		policy: RetryPolicy{
			RateLimitBackoff: cfg.RateLimitBackoff,
			TimeoutBackoff:   cfg.TimeoutBackoff,
			Retryable:        DefaultRetryable,
		},
		clock:       clock,
		rateLimiter: rl,
		logger:      logger,
	}
}

func (f *Fetcher) Requests() int {
	return f.requests
}

func (f *Fetcher) Remaining() int {
	return max(f.cfg.MaxRequests-f.requests, 0)
}

// Fetch collects candles for [start, end). Provider failures never surface as
// errors: the result simply holds what could be fetched.
func (f *Fetcher) Fetch(ctx context.Context, start, end time.Time) Result {
	var res Result
	if !start.Before(end) {
		return res
	}

	current := start
	for current.Before(end) {
		if ctx.Err() != nil {
			f.logger.Warnf("fetch interrupted at %s: %s", current, ctx.Err())
			break
		}
		if f.requests >= f.cfg.MaxRequests {
			f.logger.Warnf("request ceiling %d reached at %s", f.cfg.MaxRequests, current)
			res.Exhausted = true
			break
		}

		now := f.clock.Now()
		if !current.Before(now) {
			f.logger.Debugf("chunk %s starts in the future, stop", current)
			break
		}
		chunkEnd := current.Add(f.cfg.ChunkSpan)
		for _, limit := range [...]time.Time{end, now} {
			if chunkEnd.After(limit) {
				chunkEnd = limit
			}
		}
		chunk := model.Window{Start: current, End: chunkEnd}

		f.rateLimiter.Take()
		raw, err := f.provider.GetCandles(ctx, chunk.Start, chunk.End, f.cfg.Granularity)
		f.requests++
		res.Requests++

		decision := f.policy.Decide(err)
		switch decision.Action {
		case Retry:
			f.logger.Warnf("chunk %s %s, waiting %s", chunk, decision.Reason, decision.Backoff)
			f.clock.Sleep(decision.Backoff)
			continue
		case Skip:
			f.logger.Errorf("chunk %s skipped: %s", chunk, decision.Reason)
			res.Skipped = append(res.Skipped, chunk)
		case Advance:
			if len(raw) == 0 {
				f.logger.Infof("chunk %s: empty response", chunk)
				break
			}
			f.collect(&res, raw)
			f.logger.Infof("chunk %s: %d candles", chunk, len(raw))
		}

		current = chunkEnd
		if f.cfg.RequestDelay > 0 {
			f.clock.Sleep(f.cfg.RequestDelay)
		}
	}

	res.Candles = model.SortUnique(res.Candles)
	return res
}

func (f *Fetcher) collect(res *Result, raw []model.RawCandle) {
	for _, r := range raw {
		c, err := Normalize(r, f.source, f.cfg.Granularity)
		if err != nil {
			f.logger.Warnf("drop record %v: %s", r, err)
			res.Rejected++
			continue
		}
		if !c.IsParsed() {
			res.Unparseable++
		}
		res.Candles = append(res.Candles, c)
	}
}

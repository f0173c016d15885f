package candles

import (
	"context"
	"fmt"
	"time"

	"github.com/STTM-NSU/candle-sync/internal/config"
	"github.com/STTM-NSU/candle-sync/internal/model"
)

var _jan1 = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func day(n int) time.Time {
	return _jan1.Add(time.Duration(n-1) * 24 * time.Hour)
}

type manualClock struct {
	now   time.Time
	slept []time.Duration
}

func (c *manualClock) Now() time.Time { return c.now }

func (c *manualClock) Sleep(d time.Duration) {
	c.slept = append(c.slept, d)
	c.now = c.now.Add(d)
}

type httpStatusError int

func (e httpStatusError) Error() string   { return fmt.Sprintf("http %d", int(e)) }
func (e httpStatusError) HTTPStatus() int { return int(e) }

type fakeProvider struct {
	calls   []model.Window
	respond func(call int, w model.Window) ([]model.RawCandle, error)
}

func (p *fakeProvider) GetCandles(_ context.Context, start, end time.Time, _ time.Duration) ([]model.RawCandle, error) {
	w := model.Window{Start: start, End: end}
	p.calls = append(p.calls, w)
	if p.respond == nil {
		return nil, nil
	}
	return p.respond(len(p.calls)-1, w)
}

// rawCandle builds a provider record in provider order: ts, low, high, open, close, volume.
func rawCandle(ts time.Time, close float64) model.RawCandle {
	return model.RawCandle{float64(ts.Unix()), close - 5, close + 5, close - 1, close, 1.5}
}

func testFetchConfig() config.FetchConfig {
	return config.FetchConfig{
		ChunkSpan:        24 * time.Hour,
		Granularity:      5 * time.Minute,
		RateLimitBackoff: 10 * time.Second,
		TimeoutBackoff:   5 * time.Second,
		MaxRequests:      500,
	}
}

package storage

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/STTM-NSU/candle-sync/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _jan1 = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func at(minutes int) time.Time {
	return _jan1.Add(time.Duration(minutes) * time.Minute)
}

func candle(ts time.Time, close float64, source string) model.Candle {
	return model.Candle{Ts: ts, Open: close - 1, High: close + 5, Low: close - 5, Close: close, Volume: 1.5, Source: source}
}

func sameFloat(a, b float64) bool {
	return a == b || (math.IsNaN(a) && math.IsNaN(b))
}

func requireCandles(t *testing.T, want, got []model.Candle) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		w, g := want[i], got[i]
		assert.Truef(t, w.Ts.Equal(g.Ts), "row %d: ts %s != %s", i, w.Ts, g.Ts)
		assert.Equalf(t, time.UTC, g.Ts.Location(), "row %d: ts not in UTC", i)
		for _, p := range []struct {
			name string
			w, g float64
		}{
			{"open", w.Open, g.Open},
			{"high", w.High, g.High},
			{"low", w.Low, g.Low},
			{"close", w.Close, g.Close},
			{"volume", w.Volume, g.Volume},
		} {
			assert.Truef(t, sameFloat(p.w, p.g), "row %d: %s %v != %v", i, p.name, p.w, p.g)
		}
		assert.Equalf(t, w.Source, g.Source, "row %d: source", i)
	}
}

// memStore keeps series in memory and counts writes.
type memStore struct {
	series  map[string][]model.Candle
	saves   int
	loadErr error
}

func newMemStore() *memStore {
	return &memStore{series: make(map[string][]model.Candle)}
}

func (s *memStore) Load(_ context.Context, key string) ([]model.Candle, error) {
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	cs, ok := s.series[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSeries, key)
	}
	return append([]model.Candle(nil), cs...), nil
}

func (s *memStore) Save(_ context.Context, key string, candles []model.Candle) error {
	s.saves++
	s.series[key] = append([]model.Candle(nil), candles...)
	return nil
}

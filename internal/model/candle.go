package model

import (
	"math"
	"slices"
	"time"
)

// Candle is one persisted OHLCV row. Ts is the bucket start in UTC and acts as the key.
type Candle struct {
	Ts     time.Time `db:"ts"`
	Open   float64   `db:"open"`
	High   float64   `db:"high"`
	Low    float64   `db:"low"`
	Close  float64   `db:"close"`
	Volume float64   `db:"volume"`
	Source string    `db:"source"`
}

// IsParsed reports whether every numeric field holds a finite value.
func (c Candle) IsParsed() bool {
	for _, v := range [...]float64{c.Open, c.High, c.Low, c.Close, c.Volume} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// RawCandle is a provider record as decoded from the wire:
// [epoch_seconds, low, high, open, close, volume] with loosely typed elements.
type RawCandle []any

// SortUnique orders candles by timestamp and keeps the first occurrence of
// each timestamp. Input order decides which duplicate wins.
func SortUnique(cs []Candle) []Candle {
	slices.SortStableFunc(cs, func(a, b Candle) int {
		return a.Ts.Compare(b.Ts)
	})
	return slices.CompactFunc(cs, func(a, b Candle) bool {
		return a.Ts.Equal(b.Ts)
	})
}

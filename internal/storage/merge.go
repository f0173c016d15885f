package storage

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/STTM-NSU/candle-sync/internal/logger"
	"github.com/STTM-NSU/candle-sync/internal/model"
)

type MergeResult struct {
	Candles    []model.Candle // the series as it stands after the merge
	Existing   int
	Added      int // incoming rows whose timestamp was new
	Duplicates int // rows dropped because their timestamp was already taken
	Dropped    int // incoming rows with unreadable prices, never written
	Persisted  bool
}

// ResumePoint returns the newest stored timestamp. Missing, empty or
// unreadable series all mean "start from scratch".
func ResumePoint(ctx context.Context, s Store, key string, logger logger.Logger) (time.Time, bool) {
	candles, err := s.Load(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrNoSeries) {
			logger.Warnf("%s: can't read series %s, starting from scratch", err, key)
		}
		return time.Time{}, false
	}
	return Latest(candles)
}

// Latest returns the newest timestamp in candles, whatever their order.
func Latest(candles []model.Candle) (time.Time, bool) {
	if len(candles) == 0 {
		return time.Time{}, false
	}
	last := slices.MaxFunc(candles, func(a, b model.Candle) int {
		return a.Ts.Compare(b.Ts)
	})
	return last.Ts, true
}

// Merge loads the stored series and folds incoming into it, see MergeWith.
func Merge(ctx context.Context, s Store, key string, incoming []model.Candle) (MergeResult, error) {
	existing, err := s.Load(ctx, key)
	if err != nil && !errors.Is(err, ErrNoSeries) {
		return MergeResult{}, fmt.Errorf("%w: can't load series %s", err, key)
	}
	return MergeWith(ctx, s, key, existing, incoming)
}

// MergeWith folds incoming into existing, the series already read from s.
// Stored rows win over incoming rows with the same timestamp. With nothing
// valid to add the store is left untouched and the current content is
// returned in timestamp order.
func MergeWith(ctx context.Context, s Store, key string, existing, incoming []model.Candle) (MergeResult, error) {
	res := MergeResult{Existing: len(existing)}

	valid := make([]model.Candle, 0, len(incoming))
	for _, c := range incoming {
		if !c.IsParsed() {
			res.Dropped++
			continue
		}
		valid = append(valid, c)
	}

	if len(valid) == 0 {
		res.Candles = slices.Clone(existing)
		slices.SortStableFunc(res.Candles, func(a, b model.Candle) int {
			return a.Ts.Compare(b.Ts)
		})
		return res, nil
	}

	seen := make(map[int64]struct{}, len(existing)+len(valid))
	for _, c := range existing {
		seen[c.Ts.Unix()] = struct{}{}
	}
	for _, c := range valid {
		if _, ok := seen[c.Ts.Unix()]; ok {
			continue
		}
		seen[c.Ts.Unix()] = struct{}{}
		res.Added++
	}

	combined := make([]model.Candle, 0, len(existing)+len(valid))
	combined = append(combined, existing...)
	combined = append(combined, valid...)
	merged := model.SortUnique(combined)
	res.Duplicates = len(existing) + len(valid) - len(merged)

	if err := s.Save(ctx, key, merged); err != nil {
		return res, fmt.Errorf("%w: can't save series %s", err, key)
	}
	res.Candles = merged
	res.Persisted = true

	return res, nil
}

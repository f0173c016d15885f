package storage

import (
	"context"
	"errors"

	"github.com/STTM-NSU/candle-sync/internal/model"
)

var (
	ErrNoSeries = errors.New("series doesn't exist")
	ErrSchema   = errors.New("series has incompatible schema")
)

// Store persists whole series: Save replaces everything stored under key.
type Store interface {
	Load(ctx context.Context, key string) ([]model.Candle, error)
	Save(ctx context.Context, key string, candles []model.Candle) error
}

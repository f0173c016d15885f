package storage

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/STTM-NSU/candle-sync/internal/model"
	"go.uber.org/multierr"
)

const (
	_colTimestamp = "timestamp"
	_colOpen      = "open"
	_colHigh      = "high"
	_colLow       = "low"
	_colClose     = "close"
	_colVolume    = "volume"
	_colSource    = "source"

	// what the existing datasets were written with
	_tsLayout = "2006-01-02 15:04:05-07:00"
)

var _header = []string{_colTimestamp, _colOpen, _colHigh, _colLow, _colClose, _colVolume, _colSource}

var _tsLayouts = []string{
	_tsLayout,
	"2006-01-02 15:04:05.999999999-07:00",
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

// CSVStore keeps one <key>.csv file per series under dir.
type CSVStore struct {
	dir string
}

func NewCSVStore(dir string) *CSVStore {
	return &CSVStore{dir: dir}
}

func (s *CSVStore) Path(key string) string {
	return filepath.Join(s.dir, key+".csv")
}

func (s *CSVStore) Load(_ context.Context, key string) ([]model.Candle, error) {
	f, err := os.Open(s.Path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNoSeries, key)
		}
		return nil, fmt.Errorf("%w: can't open series %s", err, key)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: can't read header of %s", err, key)
	}

	cols := make(map[string]int, len(header))
	for i, name := range header {
		name = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
		cols[name] = i
	}
	if _, ok := cols[_colTimestamp]; !ok {
		return nil, fmt.Errorf("%w: %s has no %s column", ErrSchema, key, _colTimestamp)
	}

	cell := func(rec []string, name string) string {
		i, ok := cols[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	var candles []model.Candle
	for line := 2; ; line++ {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: can't read %s", err, key)
		}

		ts, err := parseTimestamp(cell(rec, _colTimestamp))
		if err != nil {
			return nil, fmt.Errorf("%w: %s line %d: %s", ErrSchema, key, line, err)
		}
		candles = append(candles, model.Candle{
			Ts:     ts,
			Open:   parseFloat(cell(rec, _colOpen)),
			High:   parseFloat(cell(rec, _colHigh)),
			Low:    parseFloat(cell(rec, _colLow)),
			Close:  parseFloat(cell(rec, _colClose)),
			Volume: parseFloat(cell(rec, _colVolume)),
			Source: cell(rec, _colSource),
		})
	}

	return candles, nil
}

// Save writes into a temp file next to the target and renames it over, so
// readers see either the old or the new series.
func (s *CSVStore) Save(_ context.Context, key string, candles []model.Candle) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("%w: can't create %s", err, s.dir)
	}

	tmp, err := os.CreateTemp(s.dir, key+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: can't create temp file for %s", err, key)
	}

	if err := writeCandles(tmp, candles); err != nil {
		return multierr.Combine(fmt.Errorf("%w: can't write %s", err, key), tmp.Close(), os.Remove(tmp.Name()))
	}
	if err := tmp.Sync(); err != nil {
		return multierr.Combine(fmt.Errorf("%w: can't sync %s", err, key), tmp.Close(), os.Remove(tmp.Name()))
	}
	if err := tmp.Close(); err != nil {
		return multierr.Combine(fmt.Errorf("%w: can't close %s", err, key), os.Remove(tmp.Name()))
	}
	if err := os.Rename(tmp.Name(), s.Path(key)); err != nil {
		return multierr.Combine(fmt.Errorf("%w: can't replace %s", err, key), os.Remove(tmp.Name()))
	}

	return nil
}

func writeCandles(w io.Writer, candles []model.Candle) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(_header); err != nil {
		return err
	}

	rec := make([]string, len(_header))
	for _, c := range candles {
		rec[0] = c.Ts.UTC().Format(_tsLayout)
		rec[1] = formatFloat(c.Open)
		rec[2] = formatFloat(c.High)
		rec[3] = formatFloat(c.Low)
		rec[4] = formatFloat(c.Close)
		rec[5] = formatFloat(c.Volume)
		rec[6] = c.Source
		if err := cw.Write(rec); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range _tsLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unknown timestamp format %q", s)
}

// empty or unreadable cells read back as NaN, the same sentinel the normalizer uses
func parseFloat(s string) float64 {
	if s == "" {
		return math.NaN()
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return math.NaN()
	}
	return f
}

func formatFloat(f float64) string {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return ""
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

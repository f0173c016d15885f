package candles

import (
	"errors"
	"fmt"
	"time"

	"github.com/STTM-NSU/candle-sync/internal/model"
	"github.com/STTM-NSU/candle-sync/internal/tools"
)

var (
	ErrShortRecord  = errors.New("record has fewer than 6 fields")
	ErrBadTimestamp = errors.New("record timestamp is not epoch seconds")
	ErrMisaligned   = errors.New("record timestamp is not aligned to granularity")
)

// provider field order
const (
	_fieldTs = iota
	_fieldLow
	_fieldHigh
	_fieldOpen
	_fieldClose
	_fieldVolume
	_fieldCount
)

// Normalize maps one provider record onto the canonical row. Numeric fields that
// can't be read become tools.Unparseable instead of failing the record; only a
// record that can't be keyed by time is rejected.
func Normalize(raw model.RawCandle, source string, granularity time.Duration) (model.Candle, error) {
	if len(raw) < _fieldCount {
		return model.Candle{}, fmt.Errorf("%w: got %d", ErrShortRecord, len(raw))
	}

	ts, ok := tools.ToUnixTime(raw[_fieldTs])
	if !ok {
		return model.Candle{}, fmt.Errorf("%w: %v", ErrBadTimestamp, raw[_fieldTs])
	}
	if granularity > 0 && !ts.Equal(ts.Truncate(granularity)) {
		return model.Candle{}, fmt.Errorf("%w: %s", ErrMisaligned, ts.Format(time.RFC3339))
	}

	return model.Candle{
		Ts:     ts,
		Open:   tools.ToFloat(raw[_fieldOpen]),
		High:   tools.ToFloat(raw[_fieldHigh]),
		Low:    tools.ToFloat(raw[_fieldLow]),
		Close:  tools.ToFloat(raw[_fieldClose]),
		Volume: tools.ToFloat(raw[_fieldVolume]),
		Source: source,
	}, nil
}

package gaps

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/STTM-NSU/candle-sync/internal/model"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// Gap is a window a previous run gave up on and that the resume point will
// never reach again.
type Gap struct {
	Start    time.Time `yaml:"start"`
	End      time.Time `yaml:"end"`
	Attempts int       `yaml:"attempts"`
	Reason   string    `yaml:"reason,omitempty"`
}

func (g Gap) Window() model.Window {
	return model.Window{Start: g.Start, End: g.End}
}

type ledgerFile struct {
	Gaps []Gap `yaml:"gaps"`
}

// Ledger is the on-disk list of pending gaps for one series.
type Ledger struct {
	path string
	gaps []Gap
}

func Path(dataDir, series string) string {
	return filepath.Join(dataDir, series+".gaps.yaml")
}

// Load reads the ledger at path. A missing file is an empty ledger.
func Load(path string) (*Ledger, error) {
	l := &Ledger{path: path}

	input, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return l, nil
		}
		return nil, fmt.Errorf("%w: can't read gaps ledger", err)
	}

	var f ledgerFile
	if err := yaml.Unmarshal(input, &f); err != nil {
		return nil, fmt.Errorf("%w: can't unmarshal gaps ledger", err)
	}
	for _, g := range f.Gaps {
		g.Start, g.End = g.Start.UTC(), g.End.UTC()
		if g.Window().Empty() {
			continue
		}
		l.gaps = append(l.gaps, g)
	}
	l.sort()

	return l, nil
}

func (l *Ledger) Len() int {
	return len(l.gaps)
}

// Pending returns a copy of the gaps, oldest first.
func (l *Ledger) Pending() []Gap {
	return slices.Clone(l.gaps)
}

// Add records w unless the very same window is already pending.
func (l *Ledger) Add(w model.Window, reason string) bool {
	if w.Empty() || l.index(w) >= 0 {
		return false
	}
	l.gaps = append(l.gaps, Gap{Start: w.Start.UTC(), End: w.End.UTC(), Reason: reason})
	l.sort()
	return true
}

func (l *Ledger) Resolve(w model.Window) {
	if i := l.index(w); i >= 0 {
		l.gaps = slices.Delete(l.gaps, i, i+1)
	}
}

// Fail counts one more failed attempt on w and drops the gap once it reaches
// maxAttempts, reporting whether it was dropped.
func (l *Ledger) Fail(w model.Window, reason string, maxAttempts int) bool {
	i := l.index(w)
	if i < 0 {
		return false
	}
	l.gaps[i].Attempts++
	if reason != "" {
		l.gaps[i].Reason = reason
	}
	if l.gaps[i].Attempts >= maxAttempts {
		l.gaps = slices.Delete(l.gaps, i, i+1)
		return true
	}
	return false
}

// Save rewrites the ledger file, or removes it when nothing is pending.
func (l *Ledger) Save() error {
	if len(l.gaps) == 0 {
		if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: can't remove gaps ledger", err)
		}
		return nil
	}

	output, err := yaml.Marshal(ledgerFile{Gaps: l.gaps})
	if err != nil {
		return fmt.Errorf("%w: can't marshal gaps ledger", err)
	}

	dir := filepath.Dir(l.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(l.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: can't create temp gaps ledger", err)
	}
	if _, err := tmp.Write(output); err != nil {
		return multierr.Combine(fmt.Errorf("%w: can't write gaps ledger", err), tmp.Close(), os.Remove(tmp.Name()))
	}
	if err := tmp.Close(); err != nil {
		return multierr.Combine(fmt.Errorf("%w: can't close gaps ledger", err), os.Remove(tmp.Name()))
	}
	if err := os.Rename(tmp.Name(), l.path); err != nil {
		return multierr.Combine(fmt.Errorf("%w: can't replace gaps ledger", err), os.Remove(tmp.Name()))
	}

	return nil
}

func (l *Ledger) index(w model.Window) int {
	return slices.IndexFunc(l.gaps, func(g Gap) bool {
		return g.Start.Equal(w.Start) && g.End.Equal(w.End)
	})
}

func (l *Ledger) sort() {
	slices.SortFunc(l.gaps, func(a, b Gap) int {
		return a.Start.Compare(b.Start)
	})
}

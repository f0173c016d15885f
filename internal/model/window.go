package model

import (
	"fmt"
	"time"
)

// Window is a half-open [Start, End) UTC interval.
type Window struct {
	Start time.Time `yaml:"start"`
	End   time.Time `yaml:"end"`
}

func (w Window) Empty() bool {
	return !w.Start.Before(w.End)
}

func (w Window) String() string {
	return fmt.Sprintf("[%s, %s)", w.Start.UTC().Format(time.RFC3339), w.End.UTC().Format(time.RFC3339))
}

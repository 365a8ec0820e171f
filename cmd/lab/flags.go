package main

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/daviddao/labcoord/pkg/slot"
)

// timeLayouts are accepted by time flags. Values without a zone are UTC.
var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse %q as a time (want RFC 3339 or \"2006-01-02 15:04\")", s)
}

// timeValue is a pflag.Value for a point in time.
type timeValue struct{ t *time.Time }

var _ pflag.Value = timeValue{}

func (v timeValue) String() string {
	if v.t == nil || v.t.IsZero() {
		return ""
	}
	return v.t.Format(time.RFC3339)
}

func (v timeValue) Set(s string) error {
	t, err := parseTime(s)
	if err != nil {
		return err
	}
	*v.t = t
	return nil
}

func (v timeValue) Type() string { return "time" }

// timeVar defines a time flag on fs.
func timeVar(fs *pflag.FlagSet, p *time.Time, name, usage string) {
	fs.Var(timeValue{t: p}, name, usage)
}

// windowFlags holds a --start/--end pair.
type windowFlags struct {
	start, end time.Time
}

func (w *windowFlags) register(fs *pflag.FlagSet, what string) {
	timeVar(fs, &w.start, "start", what+" start")
	timeVar(fs, &w.end, "end", what+" end (exclusive)")
}

func (w *windowFlags) window() slot.Window { return slot.Window{Start: w.start, End: w.end} }

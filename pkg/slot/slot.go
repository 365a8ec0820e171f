// Package slot implements half-open time interval arithmetic for
// resource reservations.
//
// A Window is [Start, End). Two windows overlap iff
//
//	a.Start < b.End && b.Start < a.End
//
// so back-to-back windows ([10:00,11:00) and [11:00,12:00)) do not
// conflict. FirstFree implements the first-valid-slot search: the
// earliest window of a given length that avoids every busy window.
package slot

import (
	"sort"
	"time"
)

// Window is a half-open interval [Start, End).
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Bounds of a storable instant. Stored times are fixed-width text with a
// four-digit year, so anything outside these years cannot be compared or
// read back.
const (
	MinYear = 0
	MaxYear = 9999
)

// InRange reports whether t, in UTC, falls within MinYear..MaxYear.
func InRange(t time.Time) bool {
	y := t.UTC().Year()
	return y >= MinYear && y <= MaxYear
}

// Valid reports whether the window is non-empty and both ends are in range.
func (w Window) Valid() bool {
	return w.End.After(w.Start) && InRange(w.Start) && InRange(w.End)
}

// Duration returns End - Start.
func (w Window) Duration() time.Duration { return w.End.Sub(w.Start) }

// Overlaps reports whether w and o share any instant.
func (w Window) Overlaps(o Window) bool {
	return w.Start.Before(o.End) && o.Start.Before(w.End)
}

// Conflicts returns every window in busy that overlaps w, in input order.
func Conflicts(w Window, busy []Window) []Window {
	var out []Window
	for _, b := range busy {
		if w.Overlaps(b) {
			out = append(out, b)
		}
	}
	return out
}

// FirstFree returns the earliest window of the given length that starts
// at or after notBefore, ends at or before horizon, and overlaps nothing
// in busy. ok is false if no such window exists.
func FirstFree(busy []Window, notBefore time.Time, length time.Duration, horizon time.Time) (Window, bool) {
	if length <= 0 {
		return Window{}, false
	}
	sorted := make([]Window, len(busy))
	copy(sorted, busy)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start.Before(sorted[j].Start) })

	candidate := Window{Start: notBefore, End: notBefore.Add(length)}
	for _, b := range sorted {
		if !b.End.After(candidate.Start) {
			continue
		}
		if candidate.Overlaps(b) {
			candidate = Window{Start: b.End, End: b.End.Add(length)}
			continue
		}
		// b starts at or after candidate.End; sorted, so nothing later can overlap.
		break
	}
	if candidate.End.After(horizon) {
		return Window{}, false
	}
	return candidate, true
}

package slot

import (
	"testing"
	"time"
)

var day = time.Date(2026, 5, 4, 0, 0, 0, 0, time.UTC)

func at(h, m int) time.Time { return day.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute) }

func win(h1, m1, h2, m2 int) Window { return Window{Start: at(h1, m1), End: at(h2, m2)} }

func TestWindow_Valid(t *testing.T) {
	if !win(10, 0, 11, 0).Valid() {
		t.Fatal("[10:00,11:00) should be valid")
	}
	if win(10, 0, 10, 0).Valid() {
		t.Fatal("empty window should be invalid")
	}
	if win(11, 0, 10, 0).Valid() {
		t.Fatal("reversed window should be invalid")
	}
}

func TestWindow_ValidYearRange(t *testing.T) {
	far := time.Date(10000, 1, 1, 0, 0, 0, 0, time.UTC)
	last := time.Date(9999, 12, 31, 23, 0, 0, 0, time.UTC)
	cases := []struct {
		name string
		w    Window
		want bool
	}{
		{"ends in year 10000", Window{Start: day, End: far}, false},
		{"starts in year 10000", Window{Start: far, End: far.Add(time.Hour)}, false},
		{"negative year", Window{Start: time.Date(-1, 1, 1, 0, 0, 0, 0, time.UTC), End: day}, false},
		{"last hour of 9999", Window{Start: last, End: last.Add(59 * time.Minute)}, true},
		{"crosses into 10000", Window{Start: last, End: last.Add(2 * time.Hour)}, false},
	}
	for _, c := range cases {
		if got := c.w.Valid(); got != c.want {
			t.Errorf("%s: Valid() = %v, want %v", c.name, got, c.want)
		}
	}
	if !InRange(day) || InRange(far) {
		t.Fatal("InRange misclassifies")
	}
}

func TestWindow_Overlaps(t *testing.T) {
	base := win(10, 0, 11, 0)
	cases := []struct {
		name string
		o    Window
		want bool
	}{
		{"identical", win(10, 0, 11, 0), true},
		{"straddles end", win(10, 30, 11, 30), true},
		{"straddles start", win(9, 30, 10, 30), true},
		{"contained", win(10, 15, 10, 45), true},
		{"contains", win(9, 0, 12, 0), true},
		{"back to back after", win(11, 0, 12, 0), false},
		{"back to back before", win(9, 0, 10, 0), false},
		{"disjoint", win(13, 0, 14, 0), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := base.Overlaps(tc.o); got != tc.want {
				t.Fatalf("Overlaps = %v, want %v", got, tc.want)
			}
			if got := tc.o.Overlaps(base); got != tc.want {
				t.Fatalf("Overlaps not symmetric: %v", got)
			}
		})
	}
}

func TestConflicts(t *testing.T) {
	busy := []Window{win(9, 0, 10, 0), win(10, 0, 11, 0), win(12, 0, 13, 0)}
	got := Conflicts(win(10, 30, 12, 30), busy)
	if len(got) != 2 {
		t.Fatalf("got %d conflicts, want 2", len(got))
	}
	if !got[0].Start.Equal(at(10, 0)) || !got[1].Start.Equal(at(12, 0)) {
		t.Fatalf("unexpected conflicts %v", got)
	}
}

func TestFirstFree_EmptyCalendar(t *testing.T) {
	w, ok := FirstFree(nil, at(9, 0), time.Hour, at(18, 0))
	if !ok || !w.Start.Equal(at(9, 0)) || !w.End.Equal(at(10, 0)) {
		t.Fatalf("got %v ok=%v, want [09:00,10:00)", w, ok)
	}
}

func TestFirstFree_SkipsBusy(t *testing.T) {
	busy := []Window{win(10, 0, 11, 0), win(9, 0, 10, 0), win(11, 30, 12, 0)}
	w, ok := FirstFree(busy, at(9, 0), time.Hour, at(18, 0))
	if !ok {
		t.Fatal("expected a free slot")
	}
	// 11:00-12:00 collides with 11:30, so the first hour is 12:00-13:00.
	if !w.Start.Equal(at(12, 0)) {
		t.Fatalf("start = %v, want 12:00", w.Start)
	}
}

func TestFirstFree_FitsInGap(t *testing.T) {
	busy := []Window{win(9, 0, 10, 0), win(11, 0, 12, 0)}
	w, ok := FirstFree(busy, at(9, 0), time.Hour, at(18, 0))
	if !ok || !w.Start.Equal(at(10, 0)) {
		t.Fatalf("got %v ok=%v, want gap at 10:00", w, ok)
	}
}

func TestFirstFree_IgnoresPastBusy(t *testing.T) {
	busy := []Window{win(7, 0, 8, 0)}
	w, ok := FirstFree(busy, at(9, 0), time.Hour, at(18, 0))
	if !ok || !w.Start.Equal(at(9, 0)) {
		t.Fatalf("got %v ok=%v, want 09:00", w, ok)
	}
}

func TestFirstFree_Horizon(t *testing.T) {
	busy := []Window{win(9, 0, 17, 30)}
	if _, ok := FirstFree(busy, at(9, 0), time.Hour, at(18, 0)); ok {
		t.Fatal("no hour fits before 18:00")
	}
}

func TestFirstFree_NonPositiveLength(t *testing.T) {
	if _, ok := FirstFree(nil, at(9, 0), 0, at(18, 0)); ok {
		t.Fatal("zero length should not yield a window")
	}
}

func TestFirstFree_DoesNotMutateInput(t *testing.T) {
	busy := []Window{win(11, 0, 12, 0), win(9, 0, 10, 0)}
	FirstFree(busy, at(9, 0), time.Hour, at(18, 0))
	if !busy[0].Start.Equal(at(11, 0)) {
		t.Fatal("FirstFree reordered caller's slice")
	}
}

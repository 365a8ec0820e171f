package reservation

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daviddao/labcoord/pkg/apperr"
	"github.com/daviddao/labcoord/pkg/clock"
	"github.com/daviddao/labcoord/pkg/ident"
	"github.com/daviddao/labcoord/pkg/model"
	"github.com/daviddao/labcoord/pkg/notify"
	"github.com/daviddao/labcoord/pkg/slot"
	"github.com/daviddao/labcoord/pkg/store"
)

var (
	allocator = model.Actor{ID: "lab-admin", Role: model.RoleAdmin}
	alice     = model.Actor{ID: "alice", Role: model.RoleStudent}
	bob       = model.Actor{ID: "bob", Role: model.RoleStudent}
	day       = time.Date(2026, 9, 7, 0, 0, 0, 0, time.UTC)
)

// at returns day at hh:mm.
func at(hh, mm int) time.Time { return day.Add(time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute) }

func win(h1, m1, h2, m2 int) slot.Window { return slot.Window{Start: at(h1, m1), End: at(h2, m2)} }

type fixture struct {
	eng   *Engine
	store *store.Store
	rec   *notify.Recorder
	gpu   *model.Resource
}

func setup(t *testing.T) *fixture {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "res.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	rec := &notify.Recorder{}
	eng := New(s, Options{
		Emitter:       rec,
		Clock:         clock.NewManual(day.Add(-24 * time.Hour)),
		IDs:           ident.NewSequence("r"),
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		SearchHorizon: 24 * time.Hour,
	})
	gpu, err := eng.RegisterResource(context.Background(), allocator, "GPU workstation 1")
	require.NoError(t, err)
	return &fixture{eng: eng, store: s, rec: rec, gpu: gpu}
}

func (f *fixture) request(t *testing.T, who model.Actor, w slot.Window) *model.Reservation {
	t.Helper()
	r, err := f.eng.Request(context.Background(), who, w, f.gpu.ID, "training run")
	require.NoError(t, err)
	return r
}

func (f *fixture) countReservations(t *testing.T) int {
	t.Helper()
	var n int
	require.NoError(t, f.store.View(context.Background(), func(tx *store.Tx) error {
		rs, err := tx.ListReservations(context.Background(), store.ReservationFilter{})
		n = len(rs)
		return err
	}))
	return n
}

func TestRegisterResource(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	assert.Equal(t, model.ResourceActive, f.gpu.Status)

	_, err := f.eng.RegisterResource(ctx, alice, "Mine")
	assert.ErrorIs(t, err, apperr.Forbidden)
	_, err = f.eng.RegisterResource(ctx, allocator, "  ")
	assert.ErrorIs(t, err, apperr.InvalidArgument)

	all, err := f.eng.ListResources(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "GPU workstation 1", all[0].Name)
}

func TestRequest(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	r := f.request(t, alice, win(10, 0, 11, 0))
	assert.Equal(t, model.ReservationPending, r.Status)
	assert.Nil(t, r.SlotStart)

	// Requests never conflict with each other.
	f.request(t, bob, win(10, 0, 11, 0))

	_, err := f.eng.Request(ctx, alice, win(9, 0, 10, 0), "no-such-resource", "")
	assert.ErrorIs(t, err, apperr.NotFound)
}

func TestRequest_InvalidWindowCreatesNothing(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	for _, w := range []slot.Window{win(11, 0, 10, 0), win(10, 0, 10, 0)} {
		_, err := f.eng.Request(ctx, alice, w, "", "")
		assert.ErrorIs(t, err, apperr.InvalidWindow)
	}
	assert.Equal(t, 0, f.countReservations(t))
}

func TestApprove_AdjacentAndOverlapping(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	first := f.request(t, alice, win(10, 0, 11, 0))
	got, err := f.eng.Approve(ctx, allocator, first.ID, f.gpu.ID, win(10, 0, 11, 0), "")
	require.NoError(t, err)
	assert.Equal(t, model.ReservationApproved, got.Status)
	assert.Equal(t, f.gpu.ID, got.ResourceID)
	require.NotNil(t, got.SlotStart)
	assert.True(t, at(10, 0).Equal(*got.SlotStart))

	overlap := f.request(t, bob, win(10, 30, 11, 30))
	_, err = f.eng.Approve(ctx, allocator, overlap.ID, f.gpu.ID, win(10, 30, 11, 30), "")
	require.ErrorIs(t, err, apperr.SlotConflict)

	// The failed approval left the request untouched.
	still, err := f.eng.Get(ctx, overlap.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReservationPending, still.Status)
	assert.Nil(t, still.SlotStart)

	got, err = f.eng.Approve(ctx, allocator, overlap.ID, f.gpu.ID, win(11, 0, 12, 0), "moved to 11:00")
	require.NoError(t, err)
	assert.Equal(t, "moved to 11:00", got.Note)

	sent := f.rec.For(bob.ID)
	require.Len(t, sent, 1)
	assert.Equal(t, model.NotifyReservation, sent[0].Kind)
	assert.Contains(t, sent[0].Body, "moved to 11:00")
}

func TestApprove_Checks(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	r := f.request(t, alice, win(10, 0, 11, 0))

	_, err := f.eng.Approve(ctx, alice, r.ID, f.gpu.ID, win(10, 0, 11, 0), "")
	assert.ErrorIs(t, err, apperr.Forbidden)

	_, err = f.eng.Approve(ctx, allocator, r.ID, f.gpu.ID, win(11, 0, 10, 0), "")
	assert.ErrorIs(t, err, apperr.InvalidWindow)

	_, err = f.eng.Approve(ctx, allocator, "missing", f.gpu.ID, win(10, 0, 11, 0), "")
	assert.ErrorIs(t, err, apperr.NotFound)

	_, err = f.eng.Approve(ctx, allocator, r.ID, "missing", win(10, 0, 11, 0), "")
	assert.ErrorIs(t, err, apperr.NotFound)

	_, err = f.eng.SetResourceStatus(ctx, allocator, f.gpu.ID, model.ResourceMaintenance)
	require.NoError(t, err)
	_, err = f.eng.Approve(ctx, allocator, r.ID, f.gpu.ID, win(10, 0, 11, 0), "")
	var ae *apperr.Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, apperr.ResourceUnavailable, ae.Kind)
	assert.Equal(t, "maintenance", ae.State)

	_, err = f.eng.SetResourceStatus(ctx, allocator, f.gpu.ID, model.ResourceActive)
	require.NoError(t, err)

	// Empty resource falls back to the preferred one.
	got, err := f.eng.Approve(ctx, allocator, r.ID, "", win(10, 0, 11, 0), "")
	require.NoError(t, err)
	assert.Equal(t, f.gpu.ID, got.ResourceID)
}

func TestDecidedExactlyOnce(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	approved := f.request(t, alice, win(10, 0, 11, 0))
	_, err := f.eng.Approve(ctx, allocator, approved.ID, f.gpu.ID, win(10, 0, 11, 0), "")
	require.NoError(t, err)

	rejected := f.request(t, bob, win(13, 0, 14, 0))
	got, err := f.eng.Reject(ctx, allocator, rejected.ID, "fully booked")
	require.NoError(t, err)
	assert.Equal(t, model.ReservationRejected, got.Status)
	assert.Equal(t, "fully booked", got.Note)

	for _, id := range []string{approved.ID, rejected.ID} {
		_, err = f.eng.Approve(ctx, allocator, id, f.gpu.ID, win(15, 0, 16, 0), "")
		assert.ErrorIs(t, err, apperr.AlreadyDecided, "approve %s", id)
		_, err = f.eng.Reject(ctx, allocator, id, "")
		assert.ErrorIs(t, err, apperr.AlreadyDecided, "reject %s", id)
	}

	_, err = f.eng.Reject(ctx, alice, rejected.ID, "")
	assert.ErrorIs(t, err, apperr.Forbidden)
}

func TestDirectAllocate(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	got, err := f.eng.DirectAllocate(ctx, allocator, alice.ID, f.gpu.ID, win(9, 0, 10, 0), "maintenance window demo")
	require.NoError(t, err)
	assert.Equal(t, model.ReservationApproved, got.Status)
	assert.Equal(t, alice.ID, got.RequesterID)
	assert.Len(t, f.rec.For(alice.ID), 1)

	_, err = f.eng.DirectAllocate(ctx, allocator, bob.ID, f.gpu.ID, win(9, 30, 10, 30), "")
	assert.ErrorIs(t, err, apperr.SlotConflict)

	_, err = f.eng.DirectAllocate(ctx, alice, bob.ID, f.gpu.ID, win(12, 0, 13, 0), "")
	assert.ErrorIs(t, err, apperr.Forbidden)

	_, err = f.eng.DirectAllocate(ctx, allocator, bob.ID, f.gpu.ID, win(13, 0, 12, 0), "")
	assert.ErrorIs(t, err, apperr.InvalidWindow)

	assert.Equal(t, 1, f.countReservations(t))

	// Approving a request may not overlap a direct allocation either.
	r := f.request(t, bob, win(9, 0, 10, 0))
	_, err = f.eng.Approve(ctx, allocator, r.ID, f.gpu.ID, win(9, 59, 10, 30), "")
	assert.ErrorIs(t, err, apperr.SlotConflict)
}

func TestWindowsBeyondYear9999AreRejected(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	far := time.Date(10000, 1, 1, 0, 0, 0, 0, time.UTC)
	huge := slot.Window{Start: time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC), End: far}

	_, err := f.eng.DirectAllocate(ctx, allocator, bob.ID, f.gpu.ID, huge, "")
	require.ErrorIs(t, err, apperr.InvalidWindow)
	assert.Contains(t, err.Error(), "9999")
	_, err = f.eng.Request(ctx, alice, huge, f.gpu.ID, "")
	require.ErrorIs(t, err, apperr.InvalidWindow)
	assert.Equal(t, 0, f.countReservations(t))

	pending := f.request(t, alice, win(10, 0, 11, 0))
	_, err = f.eng.Approve(ctx, allocator, pending.ID, f.gpu.ID, slot.Window{Start: at(10, 0), End: far}, "")
	require.ErrorIs(t, err, apperr.InvalidWindow)
	got, err := f.eng.Get(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReservationPending, got.Status)

	// Ordinary future slots on the same resource still allocate and read back.
	later := slot.Window{
		Start: time.Date(2030, 1, 1, 10, 0, 0, 0, time.UTC),
		End:   time.Date(2030, 1, 1, 11, 0, 0, 0, time.UTC),
	}
	r, err := f.eng.DirectAllocate(ctx, allocator, bob.ID, f.gpu.ID, later, "")
	require.NoError(t, err)
	back, err := f.eng.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.True(t, later.Start.Equal(*back.SlotStart))
}

func TestFindSlot(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	for _, w := range []slot.Window{win(9, 0, 10, 0), win(10, 30, 12, 0)} {
		_, err := f.eng.DirectAllocate(ctx, allocator, alice.ID, f.gpu.ID, w, "")
		require.NoError(t, err)
	}

	w, err := f.eng.FindSlot(ctx, f.gpu.ID, at(9, 0), time.Hour, time.Time{})
	require.NoError(t, err)
	assert.True(t, at(12, 0).Equal(w.Start), "got %v", w.Start)

	w, err = f.eng.FindSlot(ctx, f.gpu.ID, at(9, 0), 30*time.Minute, time.Time{})
	require.NoError(t, err)
	assert.True(t, at(10, 0).Equal(w.Start), "got %v", w.Start)

	// The suggestion is grantable.
	r := f.request(t, bob, w)
	_, err = f.eng.Approve(ctx, allocator, r.ID, f.gpu.ID, w, "")
	require.NoError(t, err)

	_, err = f.eng.FindSlot(ctx, f.gpu.ID, at(9, 0), time.Hour, at(11, 0))
	assert.ErrorIs(t, err, apperr.SlotConflict)

	_, err = f.eng.FindSlot(ctx, f.gpu.ID, at(9, 0), 0, time.Time{})
	assert.ErrorIs(t, err, apperr.InvalidArgument)

	_, err = f.eng.SetResourceStatus(ctx, allocator, f.gpu.ID, model.ResourceRetired)
	require.NoError(t, err)
	_, err = f.eng.FindSlot(ctx, f.gpu.ID, at(9, 0), time.Hour, time.Time{})
	assert.ErrorIs(t, err, apperr.ResourceUnavailable)
}

func TestListings(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	a := f.request(t, alice, win(10, 0, 11, 0))
	f.request(t, bob, win(12, 0, 13, 0))
	_, err := f.eng.Approve(ctx, allocator, a.ID, f.gpu.ID, win(10, 0, 11, 0), "")
	require.NoError(t, err)

	pending, err := f.eng.ListPending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	granted, err := f.eng.ListForResource(ctx, f.gpu.ID, model.ReservationApproved)
	require.NoError(t, err)
	require.Len(t, granted, 1)
	assert.Equal(t, a.ID, granted[0].ID)

	mine, err := f.eng.ListForRequester(ctx, bob.ID)
	require.NoError(t, err)
	assert.Len(t, mine, 1)
}

// Many allocators approving overlapping windows on one resource at once:
// the approved set must stay pairwise disjoint.
func TestApprove_ConcurrentOverlapsNeverDoubleBook(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	windows := []slot.Window{
		win(10, 0, 11, 0), win(10, 30, 11, 30), win(10, 0, 11, 0), win(10, 59, 12, 0),
		win(11, 0, 12, 0), win(9, 0, 10, 1), win(9, 0, 10, 0), win(11, 30, 12, 30),
	}
	ids := make([]string, len(windows))
	for i, w := range windows {
		ids[i] = f.request(t, alice, w).ID
	}

	var wg sync.WaitGroup
	for i := range windows {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.eng.Approve(ctx, allocator, ids[i], f.gpu.ID, windows[i], "")
			if err != nil {
				assert.ErrorIs(t, err, apperr.SlotConflict)
			}
		}(i)
	}
	wg.Wait()

	granted, err := f.eng.ListForResource(ctx, f.gpu.ID, model.ReservationApproved)
	require.NoError(t, err)
	require.NotEmpty(t, granted)
	for i := range granted {
		for j := i + 1; j < len(granted); j++ {
			a := slot.Window{Start: *granted[i].SlotStart, End: *granted[i].SlotEnd}
			b := slot.Window{Start: *granted[j].SlotStart, End: *granted[j].SlotEnd}
			assert.False(t, a.Overlaps(b), "%s and %s overlap", granted[i].ID, granted[j].ID)
		}
	}
}

func TestApprove_SameRequestRacedOnlyOnce(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	r := f.request(t, alice, win(10, 0, 11, 0))

	const n = 5
	var wg sync.WaitGroup
	results := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			start := at(10+i, 0)
			_, results[i] = f.eng.Approve(ctx, allocator, r.ID, f.gpu.ID, slot.Window{Start: start, End: start.Add(time.Hour)}, "")
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range results {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, apperr.AlreadyDecided)
	}
	assert.Equal(t, 1, ok)
}

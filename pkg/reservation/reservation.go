// Package reservation allocates time slots on shared lab resources.
//
// Requests are non-binding. The allocator (an admin) grants a concrete
// [start, end) slot on an active resource; the conflict scan against the
// resource's approved slots and the write that grants the new slot run
// in one immediate transaction, and the grant bumps the resource version.
// Two overlapping grants on one resource therefore cannot both commit.
package reservation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/daviddao/labcoord/pkg/apperr"
	"github.com/daviddao/labcoord/pkg/clock"
	"github.com/daviddao/labcoord/pkg/ident"
	"github.com/daviddao/labcoord/pkg/model"
	"github.com/daviddao/labcoord/pkg/notify"
	"github.com/daviddao/labcoord/pkg/slot"
	"github.com/daviddao/labcoord/pkg/store"
)

// DefaultSearchHorizon bounds FindSlot when the caller gives no horizon.
const DefaultSearchHorizon = 14 * 24 * time.Hour

// Options carries the engine's collaborators. Zero values are replaced
// with production defaults.
type Options struct {
	Emitter notify.Emitter
	Clock   clock.Clock
	IDs     ident.Generator
	Logger  *slog.Logger
	// SearchHorizon is how far past notBefore FindSlot looks by default.
	SearchHorizon time.Duration
}

// Engine is the ReservationEngine.
type Engine struct {
	store   store.StoreInterface
	emit    notify.Emitter
	clock   clock.Clock
	ids     ident.Generator
	log     *slog.Logger
	horizon time.Duration
}

// New returns an Engine backed by st.
func New(st store.StoreInterface, opts Options) *Engine {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	horizon := opts.SearchHorizon
	if horizon <= 0 {
		horizon = DefaultSearchHorizon
	}
	return &Engine{
		store:   st,
		emit:    notify.Or(opts.Emitter),
		clock:   clock.Or(opts.Clock),
		ids:     ident.Or(opts.IDs),
		log:     log.With("engine", "reservation"),
		horizon: horizon,
	}
}

// ---------------------------------------------------------------------------
// Resources
// ---------------------------------------------------------------------------

// RegisterResource adds an active resource.
func (e *Engine) RegisterResource(ctx context.Context, actor model.Actor, name string) (*model.Resource, error) {
	if !actor.IsAdmin() {
		return nil, apperr.New(apperr.Forbidden, "resource", "", "only an allocator may register resources")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperr.New(apperr.InvalidArgument, "resource", "", "name is required")
	}
	r := &model.Resource{
		ID:        e.ids.New(),
		Name:      name,
		Status:    model.ResourceActive,
		CreatedAt: e.clock.Now(),
	}
	if err := e.store.Update(ctx, func(tx *store.Tx) error {
		return tx.InsertResource(ctx, r)
	}); err != nil {
		return nil, err
	}
	e.log.Debug("resource registered", "resource", r.ID, "name", r.Name)
	return r, nil
}

// SetResourceStatus moves a resource between active, maintenance and
// retired. Existing grants are kept; only new grants need an active
// resource.
func (e *Engine) SetResourceStatus(ctx context.Context, actor model.Actor, resourceID string, status model.ResourceStatus) (*model.Resource, error) {
	if !actor.IsAdmin() {
		return nil, apperr.New(apperr.Forbidden, "resource", resourceID, "only an allocator may change resource status")
	}
	if !status.Valid() {
		return nil, apperr.New(apperr.InvalidArgument, "resource", resourceID, "unknown status %q", status)
	}
	var res *model.Resource
	err := e.store.Update(ctx, func(tx *store.Tx) error {
		r, err := tx.GetResource(ctx, resourceID)
		if err != nil {
			return translate(err, "resource", resourceID)
		}
		res = r
		if r.Status == status {
			return nil
		}
		r.Status = status
		return tx.SaveResource(ctx, r)
	})
	if err != nil {
		return nil, err
	}
	e.log.Debug("resource status changed", "resource", res.ID, "status", string(res.Status))
	return res, nil
}

// ListResources returns every resource.
func (e *Engine) ListResources(ctx context.Context) ([]model.Resource, error) {
	var out []model.Resource
	err := e.store.View(ctx, func(tx *store.Tx) error {
		var err error
		out, err = tx.ListResources(ctx)
		return err
	})
	return out, err
}

// ---------------------------------------------------------------------------
// Reservations
// ---------------------------------------------------------------------------

// Request records a pending reservation for the desired window. No
// conflict check is made; requests are non-binding.
func (e *Engine) Request(ctx context.Context, actor model.Actor, desired slot.Window, preferredResourceID, purpose string) (*model.Reservation, error) {
	if !desired.Valid() {
		return nil, invalidWindow("", desired)
	}
	r := &model.Reservation{
		ID:                  e.ids.New(),
		RequesterID:         actor.ID,
		Purpose:             purpose,
		Status:              model.ReservationPending,
		DesiredStart:        desired.Start,
		DesiredEnd:          desired.End,
		PreferredResourceID: preferredResourceID,
		CreatedAt:           e.clock.Now(),
	}
	err := e.store.Update(ctx, func(tx *store.Tx) error {
		if preferredResourceID != "" {
			if _, err := tx.GetResource(ctx, preferredResourceID); err != nil {
				return translate(err, "resource", preferredResourceID)
			}
		}
		return tx.InsertReservation(ctx, r)
	})
	if err != nil {
		return nil, err
	}
	e.log.Debug("reservation requested", "reservation", r.ID, "requester", r.RequesterID,
		"start", r.DesiredStart, "end", r.DesiredEnd)
	return r, nil
}

// Approve grants the pending reservation the slot w on resourceID. An
// empty resourceID falls back to the request's preferred resource.
func (e *Engine) Approve(ctx context.Context, actor model.Actor, reservationID, resourceID string, w slot.Window, note string) (*model.Reservation, error) {
	if !actor.IsAdmin() {
		return nil, apperr.New(apperr.Forbidden, "reservation", reservationID, "only an allocator may approve reservations")
	}
	if !w.Valid() {
		return nil, invalidWindow(reservationID, w)
	}

	var granted *model.Reservation
	err := e.store.Update(ctx, func(tx *store.Tx) error {
		r, err := tx.GetReservation(ctx, reservationID)
		if err != nil {
			return translate(err, "reservation", reservationID)
		}
		if r.Status.Terminal() {
			return alreadyDecided(r)
		}
		target := resourceID
		if target == "" {
			target = r.PreferredResourceID
		}
		if target == "" {
			return apperr.New(apperr.InvalidArgument, "reservation", r.ID, "no resource given and none preferred")
		}
		res, err := e.grantable(ctx, tx, target, w, r.ID)
		if err != nil {
			return err
		}

		now := e.clock.Now()
		r.Status = model.ReservationApproved
		r.ResourceID = res.ID
		r.SlotStart, r.SlotEnd = &w.Start, &w.End
		r.DecidedBy = actor.ID
		r.Note = note
		r.DecidedAt = &now
		if err := tx.DecideReservation(ctx, r); err != nil {
			return err
		}
		if err := tx.SaveResource(ctx, res); err != nil {
			return err
		}
		granted = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.granted(ctx, granted)
	return granted, nil
}

// Reject declines a pending reservation.
func (e *Engine) Reject(ctx context.Context, actor model.Actor, reservationID, note string) (*model.Reservation, error) {
	if !actor.IsAdmin() {
		return nil, apperr.New(apperr.Forbidden, "reservation", reservationID, "only an allocator may reject reservations")
	}
	var rejected *model.Reservation
	err := e.store.Update(ctx, func(tx *store.Tx) error {
		r, err := tx.GetReservation(ctx, reservationID)
		if err != nil {
			return translate(err, "reservation", reservationID)
		}
		if r.Status.Terminal() {
			return alreadyDecided(r)
		}
		now := e.clock.Now()
		r.Status = model.ReservationRejected
		r.DecidedBy = actor.ID
		r.Note = note
		r.DecidedAt = &now
		if err := tx.DecideReservation(ctx, r); err != nil {
			return err
		}
		rejected = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Debug("reservation rejected", "reservation", rejected.ID, "by", actor.ID)
	body := "Your reservation request was rejected"
	if note != "" {
		body += ": " + note
	}
	e.emit.Emit(ctx, model.Notification{
		RecipientID: rejected.RequesterID,
		Kind:        model.NotifyReservation,
		Title:       "Reservation rejected",
		Body:        body,
		Link:        reservationLink(rejected),
		CreatedAt:   *rejected.DecidedAt,
	})
	return rejected, nil
}

// DirectAllocate creates an approved reservation for requesterID in one
// step, with the same checks as Approve.
func (e *Engine) DirectAllocate(ctx context.Context, actor model.Actor, requesterID, resourceID string, w slot.Window, purpose string) (*model.Reservation, error) {
	if !actor.IsAdmin() {
		return nil, apperr.New(apperr.Forbidden, "reservation", "", "only an allocator may allocate directly")
	}
	if !w.Valid() {
		return nil, invalidWindow("", w)
	}
	if requesterID == "" {
		return nil, apperr.New(apperr.InvalidArgument, "reservation", "", "requester is required")
	}

	var granted *model.Reservation
	err := e.store.Update(ctx, func(tx *store.Tx) error {
		res, err := e.grantable(ctx, tx, resourceID, w, "")
		if err != nil {
			return err
		}
		now := e.clock.Now()
		r := &model.Reservation{
			ID:                  e.ids.New(),
			RequesterID:         requesterID,
			Purpose:             purpose,
			Status:              model.ReservationApproved,
			DesiredStart:        w.Start,
			DesiredEnd:          w.End,
			PreferredResourceID: res.ID,
			ResourceID:          res.ID,
			SlotStart:           &w.Start,
			SlotEnd:             &w.End,
			DecidedBy:           actor.ID,
			DecidedAt:           &now,
			CreatedAt:           now,
		}
		if err := tx.InsertReservation(ctx, r); err != nil {
			return err
		}
		if err := tx.SaveResource(ctx, res); err != nil {
			return err
		}
		granted = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.granted(ctx, granted)
	return granted, nil
}

// FindSlot returns the earliest window of the given length on resourceID
// that starts at or after notBefore, ends by horizon and overlaps no
// approved slot. A zero horizon means notBefore plus the configured
// search horizon. The answer is advice only: Approve re-checks.
func (e *Engine) FindSlot(ctx context.Context, resourceID string, notBefore time.Time, length time.Duration, horizon time.Time) (slot.Window, error) {
	if length <= 0 {
		return slot.Window{}, apperr.New(apperr.InvalidArgument, "resource", resourceID, "slot length must be positive")
	}
	if horizon.IsZero() {
		horizon = notBefore.Add(e.horizon)
	}
	span := slot.Window{Start: notBefore, End: horizon}
	if !span.Valid() {
		return slot.Window{}, invalidWindow("", span)
	}

	var busy []slot.Window
	err := e.store.View(ctx, func(tx *store.Tx) error {
		res, err := tx.GetResource(ctx, resourceID)
		if err != nil {
			return translate(err, "resource", resourceID)
		}
		if res.Status != model.ResourceActive {
			return unavailable(res)
		}
		busy, err = tx.ApprovedSlots(ctx, resourceID, span)
		return err
	})
	if err != nil {
		return slot.Window{}, err
	}

	w, ok := slot.FirstFree(busy, notBefore, length, horizon)
	if !ok {
		return slot.Window{}, apperr.New(apperr.SlotConflict, "resource", resourceID,
			"no free %s slot between %s and %s", length, notBefore.Format(time.RFC3339), horizon.Format(time.RFC3339))
	}
	return w, nil
}

// Get returns a reservation by id.
func (e *Engine) Get(ctx context.Context, reservationID string) (*model.Reservation, error) {
	var r *model.Reservation
	err := e.store.View(ctx, func(tx *store.Tx) error {
		var err error
		r, err = tx.GetReservation(ctx, reservationID)
		return translate(err, "reservation", reservationID)
	})
	return r, err
}

// ListForResource returns the reservations granted on resourceID,
// optionally filtered by status.
func (e *Engine) ListForResource(ctx context.Context, resourceID string, status model.ReservationStatus) ([]model.Reservation, error) {
	return e.list(ctx, store.ReservationFilter{ResourceID: resourceID, Status: status})
}

// ListForRequester returns a requester's reservations.
func (e *Engine) ListForRequester(ctx context.Context, requesterID string) ([]model.Reservation, error) {
	return e.list(ctx, store.ReservationFilter{RequesterID: requesterID})
}

// ListPending returns the allocator's queue of undecided requests.
func (e *Engine) ListPending(ctx context.Context) ([]model.Reservation, error) {
	return e.list(ctx, store.ReservationFilter{Status: model.ReservationPending})
}

func (e *Engine) list(ctx context.Context, f store.ReservationFilter) ([]model.Reservation, error) {
	var out []model.Reservation
	err := e.store.View(ctx, func(tx *store.Tx) error {
		var err error
		out, err = tx.ListReservations(ctx, f)
		return err
	})
	return out, err
}

// grantable loads resourceID and checks that w can be granted on it.
// Must run inside the granting transaction.
func (e *Engine) grantable(ctx context.Context, tx *store.Tx, resourceID string, w slot.Window, excludeID string) (*model.Resource, error) {
	res, err := tx.GetResource(ctx, resourceID)
	if err != nil {
		return nil, translate(err, "resource", resourceID)
	}
	if res.Status != model.ResourceActive {
		return nil, unavailable(res)
	}
	conflicts, err := tx.ConflictingReservations(ctx, res.ID, w, excludeID)
	if err != nil {
		return nil, err
	}
	if len(conflicts) > 0 {
		c := conflicts[0]
		return nil, apperr.New(apperr.SlotConflict, "resource", res.ID,
			"[%s, %s) overlaps reservation %s [%s, %s)",
			w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339), c.ID,
			c.SlotStart.Format(time.RFC3339), c.SlotEnd.Format(time.RFC3339))
	}
	return res, nil
}

func (e *Engine) granted(ctx context.Context, r *model.Reservation) {
	e.log.Debug("reservation approved", "reservation", r.ID, "resource", r.ResourceID,
		"start", *r.SlotStart, "end", *r.SlotEnd, "by", r.DecidedBy)
	body := fmt.Sprintf("Granted %s to %s on %s",
		r.SlotStart.Format(time.RFC3339), r.SlotEnd.Format(time.RFC3339), r.ResourceID)
	if r.Note != "" {
		body += ": " + r.Note
	}
	e.emit.Emit(ctx, model.Notification{
		RecipientID: r.RequesterID,
		Kind:        model.NotifyReservation,
		Title:       "Reservation approved",
		Body:        body,
		Link:        reservationLink(r),
		CreatedAt:   *r.DecidedAt,
	})
}

func invalidWindow(id string, w slot.Window) error {
	if !w.End.After(w.Start) {
		return apperr.New(apperr.InvalidWindow, "reservation", id,
			"end %s is not after start %s", w.End.Format(time.RFC3339), w.Start.Format(time.RFC3339))
	}
	return apperr.New(apperr.InvalidWindow, "reservation", id,
		"window %s .. %s falls outside years %04d-%04d",
		w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339), slot.MinYear, slot.MaxYear)
}

func alreadyDecided(r *model.Reservation) error {
	return apperr.New(apperr.AlreadyDecided, "reservation", r.ID, "reservation was already %s", r.Status).
		WithState(string(r.Status))
}

func unavailable(r *model.Resource) error {
	return apperr.New(apperr.ResourceUnavailable, "resource", r.ID, "%s is %s", r.Name, r.Status).
		WithState(string(r.Status))
}

func reservationLink(r *model.Reservation) string { return "/reservations/" + r.ID }

func translate(err error, entity, id string) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperr.New(apperr.NotFound, entity, id, "%s does not exist", entity)
	}
	return err
}

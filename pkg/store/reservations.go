package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/daviddao/labcoord/pkg/model"
	"github.com/daviddao/labcoord/pkg/slot"
)

// ---------------------------------------------------------------------------
// Resources
// ---------------------------------------------------------------------------

// InsertResource creates a resource with Version 1.
func (tx *Tx) InsertResource(ctx context.Context, r *model.Resource) error {
	r.Version = 1
	_, err := tx.q.ExecContext(ctx,
		`INSERT INTO resources (id, name, status, version, created_at) VALUES (?, ?, ?, ?, ?)`,
		r.ID, r.Name, string(r.Status), r.Version, formatTime(r.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert resource: %w", err)
	}
	return nil
}

// GetResource loads a resource by id.
func (tx *Tx) GetResource(ctx context.Context, id string) (*model.Resource, error) {
	r, err := scanResource(tx.q.QueryRowContext(ctx,
		`SELECT id, name, status, version, created_at FROM resources WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "resource", id)
	}
	return r, nil
}

// SaveResource writes the resource status and bumps its version,
// conditional on r.Version. Approving a reservation also saves the
// resource: the version acts as a stamp on the resource's set of approved
// slots, so two grants that both read the same set cannot both commit.
func (tx *Tx) SaveResource(ctx context.Context, r *model.Resource) error {
	res, err := tx.q.ExecContext(ctx,
		`UPDATE resources SET name = ?, status = ?, version = version + 1 WHERE id = ? AND version = ?`,
		r.Name, string(r.Status), r.ID, r.Version,
	)
	if err != nil {
		return fmt.Errorf("save resource %s: %w", r.ID, err)
	}
	if err := expectOneRow(res, "save resource "+r.ID); err != nil {
		return err
	}
	r.Version++
	return nil
}

// ListResources returns every resource ordered by name.
func (tx *Tx) ListResources(ctx context.Context) ([]model.Resource, error) {
	rows, err := tx.q.QueryContext(ctx,
		`SELECT id, name, status, version, created_at FROM resources ORDER BY name ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Resource
	for rows.Next() {
		r, err := scanResource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func scanResource(sc scanner) (*model.Resource, error) {
	var r model.Resource
	var status, created string
	if err := sc.Scan(&r.ID, &r.Name, &status, &r.Version, &created); err != nil {
		return nil, err
	}
	r.Status = model.ResourceStatus(status)
	var err error
	if r.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("parse created_at for resource %s: %w", r.ID, err)
	}
	return &r, nil
}

// ---------------------------------------------------------------------------
// Reservations
// ---------------------------------------------------------------------------

const reservationColumns = `id, requester_id, purpose, status, desired_start, desired_end,
	preferred_resource_id, COALESCE(resource_id, ''), slot_start, slot_end,
	decided_by, note, decided_at, created_at`

// InsertReservation creates a reservation in whatever status r carries.
func (tx *Tx) InsertReservation(ctx context.Context, r *model.Reservation) error {
	var resourceID sql.NullString
	if r.ResourceID != "" {
		resourceID = sql.NullString{String: r.ResourceID, Valid: true}
	}
	_, err := tx.q.ExecContext(ctx,
		`INSERT INTO reservations (id, requester_id, purpose, status, desired_start, desired_end,
		        preferred_resource_id, resource_id, slot_start, slot_end, decided_by, note, decided_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.RequesterID, r.Purpose, string(r.Status), formatTime(r.DesiredStart), formatTime(r.DesiredEnd),
		r.PreferredResourceID, resourceID, formatTimePtr(r.SlotStart), formatTimePtr(r.SlotEnd),
		r.DecidedBy, r.Note, formatTimePtr(r.DecidedAt), formatTime(r.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert reservation: %w", err)
	}
	return nil
}

// GetReservation loads a reservation by id.
func (tx *Tx) GetReservation(ctx context.Context, id string) (*model.Reservation, error) {
	r, err := scanReservation(tx.q.QueryRowContext(ctx,
		`SELECT `+reservationColumns+` FROM reservations WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "reservation", id)
	}
	return r, nil
}

// DecideReservation writes the decision on a pending reservation. It
// applies only while the stored status is still pending, so a
// reservation is decided exactly once.
func (tx *Tx) DecideReservation(ctx context.Context, r *model.Reservation) error {
	var resourceID sql.NullString
	if r.ResourceID != "" {
		resourceID = sql.NullString{String: r.ResourceID, Valid: true}
	}
	res, err := tx.q.ExecContext(ctx,
		`UPDATE reservations SET status = ?, resource_id = ?, slot_start = ?, slot_end = ?,
		        decided_by = ?, note = ?, decided_at = ?
		 WHERE id = ? AND status = 'pending'`,
		string(r.Status), resourceID, formatTimePtr(r.SlotStart), formatTimePtr(r.SlotEnd),
		r.DecidedBy, r.Note, formatTimePtr(r.DecidedAt), r.ID,
	)
	if err != nil {
		return fmt.Errorf("decide reservation %s: %w", r.ID, err)
	}
	return expectOneRow(res, "decide reservation "+r.ID)
}

// ConflictingReservations returns the approved reservations on resourceID
// whose slot overlaps w, excluding excludeID. Overlap is the half-open
// test slot_start < w.End AND w.Start < slot_end, evaluated on the
// fixed-width UTC text columns.
func (tx *Tx) ConflictingReservations(ctx context.Context, resourceID string, w slot.Window, excludeID string) ([]model.Reservation, error) {
	return tx.queryReservations(ctx,
		`SELECT `+reservationColumns+` FROM reservations
		 WHERE resource_id = ? AND status = 'approved' AND id != ?
		   AND slot_start < ? AND ? < slot_end
		 ORDER BY slot_start ASC, id ASC`,
		resourceID, excludeID, formatTime(w.End), formatTime(w.Start))
}

// ApprovedSlots returns the approved windows on resourceID that overlap
// span, ordered by start.
func (tx *Tx) ApprovedSlots(ctx context.Context, resourceID string, span slot.Window) ([]slot.Window, error) {
	rs, err := tx.ConflictingReservations(ctx, resourceID, span, "")
	if err != nil {
		return nil, err
	}
	out := make([]slot.Window, 0, len(rs))
	for _, r := range rs {
		out = append(out, slot.Window{Start: *r.SlotStart, End: *r.SlotEnd})
	}
	return out, nil
}

// ReservationFilter narrows ListReservations. Empty fields match anything.
type ReservationFilter struct {
	ResourceID  string
	RequesterID string
	Status      model.ReservationStatus
}

// ListReservations returns reservations matching f, oldest first.
func (tx *Tx) ListReservations(ctx context.Context, f ReservationFilter) ([]model.Reservation, error) {
	query := `SELECT ` + reservationColumns + ` FROM reservations WHERE 1 = 1`
	var args []any
	if f.ResourceID != "" {
		query += ` AND resource_id = ?`
		args = append(args, f.ResourceID)
	}
	if f.RequesterID != "" {
		query += ` AND requester_id = ?`
		args = append(args, f.RequesterID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	query += ` ORDER BY created_at ASC, id ASC`
	return tx.queryReservations(ctx, query, args...)
}

func (tx *Tx) queryReservations(ctx context.Context, query string, args ...any) ([]model.Reservation, error) {
	rows, err := tx.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func scanReservation(sc scanner) (*model.Reservation, error) {
	var r model.Reservation
	var status, desiredStart, desiredEnd, created string
	var slotStart, slotEnd, decided sql.NullString
	if err := sc.Scan(&r.ID, &r.RequesterID, &r.Purpose, &status, &desiredStart, &desiredEnd,
		&r.PreferredResourceID, &r.ResourceID, &slotStart, &slotEnd,
		&r.DecidedBy, &r.Note, &decided, &created); err != nil {
		return nil, err
	}
	r.Status = model.ReservationStatus(status)
	var err error
	if r.DesiredStart, err = parseTime(desiredStart); err != nil {
		return nil, fmt.Errorf("parse desired_start for reservation %s: %w", r.ID, err)
	}
	if r.DesiredEnd, err = parseTime(desiredEnd); err != nil {
		return nil, fmt.Errorf("parse desired_end for reservation %s: %w", r.ID, err)
	}
	if r.SlotStart, err = parseTimePtr(slotStart); err != nil {
		return nil, fmt.Errorf("parse slot_start for reservation %s: %w", r.ID, err)
	}
	if r.SlotEnd, err = parseTimePtr(slotEnd); err != nil {
		return nil, fmt.Errorf("parse slot_end for reservation %s: %w", r.ID, err)
	}
	if r.DecidedAt, err = parseTimePtr(decided); err != nil {
		return nil, fmt.Errorf("parse decided_at for reservation %s: %w", r.ID, err)
	}
	if r.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("parse created_at for reservation %s: %w", r.ID, err)
	}
	return &r, nil
}

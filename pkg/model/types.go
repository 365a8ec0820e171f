// Package model defines the core domain types for labcoord.
//
// Labcoord coordinates three lifecycles of a research-collaboration
// platform:
//
//   - Enrollment: students apply to a Project that holds at most
//     MaxEnrolled members. The member count is always derived from the
//     member set itself; a full project is closed to new applications.
//
//   - Task workflow: a supervisor assigns a Task to an assignee, who
//     submits work; the supervisor approves or rejects the submission.
//     Every status change appends an immutable Update.
//
//   - Reservations: requesters ask for a time window on a shared lab
//     Resource; an allocator grants a concrete slot. Approved slots on
//     one resource never overlap.
package model

import (
	"slices"
	"time"
)

// Role is the role claim attached to an authenticated actor.
type Role string

const (
	RoleStudent Role = "student"
	RoleFaculty Role = "faculty"
	RoleAdmin   Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleStudent, RoleFaculty, RoleAdmin:
		return true
	}
	return false
}

// Actor is an already-authenticated identity plus its role claim.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// IsAdmin reports whether the actor holds the administrative override.
func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

// ---------------------------------------------------------------------------
// Enrollment
// ---------------------------------------------------------------------------

// Project is a research project with a fixed student capacity.
type Project struct {
	ID             string    `json:"id"`
	OwnerID        string    `json:"owner_id"`
	Title          string    `json:"title"`
	MaxEnrolled    int       `json:"max_enrolled"`
	EnrolledIDs    []string  `json:"enrolled_ids"`
	EnrollmentOpen bool      `json:"enrollment_open"`
	Version        int64     `json:"version"`
	CreatedAt      time.Time `json:"created_at"`
}

// EnrolledCount returns |EnrolledIDs|.
func (p *Project) EnrolledCount() int { return len(p.EnrolledIDs) }

// Full reports whether the project has reached capacity.
func (p *Project) Full() bool { return len(p.EnrolledIDs) >= p.MaxEnrolled }

// IsMember reports whether userID is enrolled.
func (p *Project) IsMember(userID string) bool {
	return slices.Contains(p.EnrolledIDs, userID)
}

// ApplicationStatus is the state of an Application.
type ApplicationStatus string

const (
	ApplicationPending     ApplicationStatus = "pending"
	ApplicationShortlisted ApplicationStatus = "shortlisted"
	ApplicationAccepted    ApplicationStatus = "accepted"
	ApplicationRejected    ApplicationStatus = "rejected"
)

// Terminal reports whether no further transition is permitted.
func (s ApplicationStatus) Terminal() bool {
	return s == ApplicationAccepted || s == ApplicationRejected
}

// Application is a student's request to join a Project.
type Application struct {
	ID          string            `json:"id"`
	ProjectID   string            `json:"project_id"`
	ApplicantID string            `json:"applicant_id"`
	Attachments []string          `json:"attachments,omitempty"`
	Status      ApplicationStatus `json:"status"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// ---------------------------------------------------------------------------
// Tasks
// ---------------------------------------------------------------------------

// TaskStatus is the state of a Task.
type TaskStatus string

const (
	TaskPending     TaskStatus = "pending"
	TaskInProgress  TaskStatus = "in_progress"
	TaskCompleted   TaskStatus = "completed"
	TaskNeedsReview TaskStatus = "needs_review"
)

// Valid reports whether s is a known task status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskInProgress, TaskCompleted, TaskNeedsReview:
		return true
	}
	return false
}

// Approval is the supervisor's verdict on a submission Update.
type Approval string

const (
	ApprovalUnset    Approval = "unset"
	ApprovalApproved Approval = "approved"
	ApprovalRejected Approval = "rejected"
)

// Task is a unit of work inside a Project.
type Task struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"project_id"`
	AssigneeID  string     `json:"assignee_id"`
	CreatorID   string     `json:"creator_id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	DueAt       *time.Time `json:"due_at,omitempty"`
	Status      TaskStatus `json:"status"`
	// ReviewUpdateID names the Update produced by the most recent work
	// submission. Empty until the first submission.
	ReviewUpdateID string    `json:"review_update_id,omitempty"`
	Version        int64     `json:"version"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	Updates        []Update  `json:"updates,omitempty"`
}

// ReviewUpdate returns the current decision target, or nil.
func (t *Task) ReviewUpdate() *Update {
	if t.ReviewUpdateID == "" {
		return nil
	}
	for i := range t.Updates {
		if t.Updates[i].ID == t.ReviewUpdateID {
			return &t.Updates[i]
		}
	}
	return nil
}

// Update is one entry in a Task's append-only history.
type Update struct {
	ID        string     `json:"id"`
	TaskID    string     `json:"task_id"`
	Seq       int        `json:"seq"`
	AuthorID  string     `json:"author_id"`
	Status    TaskStatus `json:"status"`
	WorkRef   string     `json:"work_ref,omitempty"`
	Comment   string     `json:"comment,omitempty"`
	Approval  Approval   `json:"approval"`
	Feedback  string     `json:"feedback,omitempty"`
	DecidedBy string     `json:"decided_by,omitempty"`
	DecidedAt *time.Time `json:"decided_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Decided reports whether the update already carries a verdict.
func (u *Update) Decided() bool { return u.Approval != ApprovalUnset }

// ---------------------------------------------------------------------------
// Resources and reservations
// ---------------------------------------------------------------------------

// ResourceStatus is the state of a shared Resource.
type ResourceStatus string

const (
	ResourceActive      ResourceStatus = "active"
	ResourceMaintenance ResourceStatus = "maintenance"
	ResourceRetired     ResourceStatus = "retired"
)

// Valid reports whether s is a known resource status.
func (s ResourceStatus) Valid() bool {
	switch s {
	case ResourceActive, ResourceMaintenance, ResourceRetired:
		return true
	}
	return false
}

// Resource is a scarce shared resource such as a lab workstation.
type Resource struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Status    ResourceStatus `json:"status"`
	Version   int64          `json:"version"`
	CreatedAt time.Time      `json:"created_at"`
}

// ReservationStatus is the state of a Reservation.
type ReservationStatus string

const (
	ReservationPending  ReservationStatus = "pending"
	ReservationApproved ReservationStatus = "approved"
	ReservationRejected ReservationStatus = "rejected"
)

// Terminal reports whether the reservation has been decided.
func (s ReservationStatus) Terminal() bool { return s != ReservationPending }

// Reservation is a request for, and possibly a grant of, resource time.
// Slot fields are set only once the reservation is approved.
type Reservation struct {
	ID                  string            `json:"id"`
	RequesterID         string            `json:"requester_id"`
	Purpose             string            `json:"purpose,omitempty"`
	Status              ReservationStatus `json:"status"`
	DesiredStart        time.Time         `json:"desired_start"`
	DesiredEnd          time.Time         `json:"desired_end"`
	PreferredResourceID string            `json:"preferred_resource_id,omitempty"`
	ResourceID          string            `json:"resource_id,omitempty"`
	SlotStart           *time.Time        `json:"slot_start,omitempty"`
	SlotEnd             *time.Time        `json:"slot_end,omitempty"`
	DecidedBy           string            `json:"decided_by,omitempty"`
	Note                string            `json:"note,omitempty"`
	DecidedAt           *time.Time        `json:"decided_at,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
}

// ---------------------------------------------------------------------------
// Notifications
// ---------------------------------------------------------------------------

// NotificationKind enumerates the events emitted by the engines.
type NotificationKind string

const (
	NotifyNewApplication    NotificationKind = "new_application"
	NotifyApplicationStatus NotificationKind = "application_status"
	NotifyEnrollmentClosed  NotificationKind = "enrollment_closed"
	NotifyTaskAssigned      NotificationKind = "task_assigned"
	NotifyWorkSubmitted     NotificationKind = "work_submitted"
	NotifyTaskReviewed      NotificationKind = "task_reviewed"
	NotifyReservation       NotificationKind = "reservation_status"
)

// Notification is a single entry in a recipient's inbox.
type Notification struct {
	Seq         int64            `json:"seq"`
	RecipientID string           `json:"recipient_id"`
	Kind        NotificationKind `json:"kind"`
	Title       string           `json:"title"`
	Body        string           `json:"body,omitempty"`
	Link        string           `json:"link,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}

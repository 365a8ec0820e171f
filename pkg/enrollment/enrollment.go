// Package enrollment implements project capacity and the application
// lifecycle.
//
// Membership is the set Project.EnrolledIDs; its size is the enrollment
// count. Every accept re-reads the project inside an immediate store
// transaction and writes it back with a version check, so two accepts
// can never both see the last free seat.
package enrollment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/daviddao/labcoord/pkg/apperr"
	"github.com/daviddao/labcoord/pkg/clock"
	"github.com/daviddao/labcoord/pkg/ident"
	"github.com/daviddao/labcoord/pkg/model"
	"github.com/daviddao/labcoord/pkg/notify"
	"github.com/daviddao/labcoord/pkg/store"
)

// Action is a supervisor decision on an application.
type Action string

const (
	Accept    Action = "accept"
	Reject    Action = "reject"
	Shortlist Action = "shortlist"
	// Reset moves a shortlisted application back to pending.
	Reset Action = "reset"
)

// ParseAction converts a user-supplied string into an Action.
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case Accept, Reject, Shortlist, Reset:
		return a, nil
	}
	return "", apperr.New(apperr.InvalidArgument, "", "", "unknown action %q (want accept, reject, shortlist or reset)", s)
}

// Options carries the engine's collaborators. Zero values are replaced
// with production defaults.
type Options struct {
	Emitter notify.Emitter
	Clock   clock.Clock
	IDs     ident.Generator
	Logger  *slog.Logger
}

// Engine is the EnrollmentEngine. It holds no state between calls.
type Engine struct {
	store store.StoreInterface
	emit  notify.Emitter
	clock clock.Clock
	ids   ident.Generator
	log   *slog.Logger
}

// New returns an Engine backed by st.
func New(st store.StoreInterface, opts Options) *Engine {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		store: st,
		emit:  notify.Or(opts.Emitter),
		clock: clock.Or(opts.Clock),
		ids:   ident.Or(opts.IDs),
		log:   log.With("engine", "enrollment"),
	}
}

// CreateProject creates an open project owned by actor.
func (e *Engine) CreateProject(ctx context.Context, actor model.Actor, title string, maxEnrolled int) (*model.Project, error) {
	if actor.Role != model.RoleFaculty && !actor.IsAdmin() {
		return nil, apperr.New(apperr.Forbidden, "project", "", "only faculty may create projects")
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, apperr.New(apperr.InvalidArgument, "project", "", "title is required")
	}
	if maxEnrolled < 1 {
		return nil, apperr.New(apperr.InvalidArgument, "project", "", "capacity must be at least 1, got %d", maxEnrolled)
	}

	p := &model.Project{
		ID:             e.ids.New(),
		OwnerID:        actor.ID,
		Title:          title,
		MaxEnrolled:    maxEnrolled,
		EnrolledIDs:    []string{},
		EnrollmentOpen: true,
		CreatedAt:      e.clock.Now(),
	}
	if err := e.store.Update(ctx, func(tx *store.Tx) error {
		return tx.InsertProject(ctx, p)
	}); err != nil {
		return nil, err
	}
	e.log.Debug("project created", "project", p.ID, "owner", p.OwnerID, "capacity", p.MaxEnrolled)
	return p, nil
}

// GetProject returns a project with its member set.
func (e *Engine) GetProject(ctx context.Context, projectID string) (*model.Project, error) {
	var p *model.Project
	err := e.store.View(ctx, func(tx *store.Tx) error {
		var err error
		p, err = tx.GetProject(ctx, projectID)
		return translate(err, "project", projectID)
	})
	return p, err
}

// ListProjects returns every project.
func (e *Engine) ListProjects(ctx context.Context) ([]model.Project, error) {
	var out []model.Project
	err := e.store.View(ctx, func(tx *store.Tx) error {
		var err error
		out, err = tx.ListProjects(ctx)
		return err
	})
	return out, err
}

// Submit creates a pending application from actor to projectID.
func (e *Engine) Submit(ctx context.Context, actor model.Actor, projectID string, attachments []string) (*model.Application, error) {
	var (
		app     *model.Application
		project *model.Project
	)
	err := e.store.Update(ctx, func(tx *store.Tx) error {
		p, err := tx.GetProject(ctx, projectID)
		if err != nil {
			return translate(err, "project", projectID)
		}
		if !p.EnrollmentOpen {
			return apperr.New(apperr.EnrollmentClosed, "project", p.ID,
				"project is not accepting applications")
		}
		if p.Full() {
			return apperr.New(apperr.ProjectFull, "project", p.ID,
				"project has %d of %d seats taken", p.EnrolledCount(), p.MaxEnrolled)
		}
		if existing, err := tx.FindApplication(ctx, p.ID, actor.ID); err == nil {
			return duplicate(existing)
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		now := e.clock.Now()
		a := &model.Application{
			ID:          e.ids.New(),
			ProjectID:   p.ID,
			ApplicantID: actor.ID,
			Attachments: slices.Clone(attachments),
			Status:      model.ApplicationPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.InsertApplication(ctx, a); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return duplicate(a)
			}
			return err
		}
		app, project = a, p
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Debug("application submitted", "application", app.ID, "project", project.ID, "applicant", app.ApplicantID)
	e.emit.Emit(ctx, model.Notification{
		RecipientID: project.OwnerID,
		Kind:        model.NotifyNewApplication,
		Title:       "New application",
		Body:        fmt.Sprintf("%s applied to %q", app.ApplicantID, project.Title),
		Link:        applicationLink(app),
		CreatedAt:   app.CreatedAt,
	})
	return app, nil
}

// Decide applies a supervisor action to an application.
//
// Accept re-checks capacity against the project as it is now, adds the
// applicant to the member set, marks the application accepted and closes
// enrollment when the last seat is taken. The three writes commit
// together or not at all. Accepting an accepted application returns it
// unchanged.
func (e *Engine) Decide(ctx context.Context, actor model.Actor, applicationID string, action Action) (*model.Application, error) {
	var (
		app     *model.Application
		project *model.Project
		changed bool
		closed  bool
	)
	err := e.store.Update(ctx, func(tx *store.Tx) error {
		changed, closed = false, false

		a, err := tx.GetApplication(ctx, applicationID)
		if err != nil {
			return translate(err, "application", applicationID)
		}
		p, err := tx.GetProject(ctx, a.ProjectID)
		if err != nil {
			return translate(err, "project", a.ProjectID)
		}
		if !canManage(actor, p) {
			return apperr.New(apperr.Forbidden, "application", a.ID,
				"%s does not supervise project %s", actor.ID, p.ID)
		}
		app, project = a, p

		from := a.Status
		switch action {
		case Accept:
			if from == model.ApplicationAccepted {
				return nil
			}
			if from.Terminal() {
				return invalidTransition(a, action)
			}
			if !p.IsMember(a.ApplicantID) {
				if p.Full() {
					return apperr.New(apperr.ProjectFull, "project", p.ID,
						"project has %d of %d seats taken", p.EnrolledCount(), p.MaxEnrolled)
				}
				p.EnrolledIDs = append(p.EnrolledIDs, a.ApplicantID)
			}
			if p.Full() && p.EnrollmentOpen {
				p.EnrollmentOpen = false
				closed = true
			}
			if err := tx.SaveProject(ctx, p); err != nil {
				return err
			}
			a.Status = model.ApplicationAccepted

		case Reject:
			if from.Terminal() {
				return invalidTransition(a, action)
			}
			a.Status = model.ApplicationRejected

		case Shortlist:
			if from.Terminal() {
				return invalidTransition(a, action)
			}
			if from == model.ApplicationShortlisted {
				return nil
			}
			a.Status = model.ApplicationShortlisted

		case Reset:
			if from.Terminal() {
				return invalidTransition(a, action)
			}
			if from == model.ApplicationPending {
				return nil
			}
			a.Status = model.ApplicationPending

		default:
			return apperr.New(apperr.InvalidArgument, "application", a.ID, "unknown action %q", action)
		}

		a.UpdatedAt = e.clock.Now()
		if err := tx.SetApplicationStatus(ctx, a, from); err != nil {
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !changed {
		return app, nil
	}

	e.log.Debug("application decided",
		"application", app.ID, "project", project.ID, "action", string(action), "status", string(app.Status))
	e.emit.Emit(ctx, model.Notification{
		RecipientID: app.ApplicantID,
		Kind:        model.NotifyApplicationStatus,
		Title:       "Application " + string(app.Status),
		Body:        fmt.Sprintf("Your application to %q is now %s", project.Title, app.Status),
		Link:        applicationLink(app),
		CreatedAt:   app.UpdatedAt,
	})
	if closed {
		e.log.Info("enrollment closed: project full", "project", project.ID, "capacity", project.MaxEnrolled)
		e.emit.Emit(ctx, model.Notification{
			RecipientID: project.OwnerID,
			Kind:        model.NotifyEnrollmentClosed,
			Title:       "Enrollment closed",
			Body:        fmt.Sprintf("%q reached its capacity of %d", project.Title, project.MaxEnrolled),
			Link:        "/projects/" + project.ID,
			CreatedAt:   app.UpdatedAt,
		})
	}
	return app, nil
}

// SetEnrollmentOpen opens or closes a project to new applications.
// A full project cannot be opened.
func (e *Engine) SetEnrollmentOpen(ctx context.Context, actor model.Actor, projectID string, open bool) (*model.Project, error) {
	var project *model.Project
	err := e.store.Update(ctx, func(tx *store.Tx) error {
		p, err := tx.GetProject(ctx, projectID)
		if err != nil {
			return translate(err, "project", projectID)
		}
		if !canManage(actor, p) {
			return apperr.New(apperr.Forbidden, "project", p.ID, "%s does not supervise this project", actor.ID)
		}
		project = p
		if p.EnrollmentOpen == open {
			return nil
		}
		if open && p.Full() {
			return apperr.New(apperr.ProjectFull, "project", p.ID,
				"cannot open enrollment with %d of %d seats taken", p.EnrolledCount(), p.MaxEnrolled)
		}
		p.EnrollmentOpen = open
		return tx.SaveProject(ctx, p)
	})
	if err != nil {
		return nil, err
	}
	e.log.Debug("enrollment toggled", "project", project.ID, "open", project.EnrollmentOpen)
	return project, nil
}

// RemoveMember takes memberID out of the project's member set, freeing a
// seat. Enrollment stays closed until the owner reopens it.
func (e *Engine) RemoveMember(ctx context.Context, actor model.Actor, projectID, memberID string) (*model.Project, error) {
	var project *model.Project
	err := e.store.Update(ctx, func(tx *store.Tx) error {
		p, err := tx.GetProject(ctx, projectID)
		if err != nil {
			return translate(err, "project", projectID)
		}
		if !canManage(actor, p) {
			return apperr.New(apperr.Forbidden, "project", p.ID, "%s does not supervise this project", actor.ID)
		}
		i := slices.Index(p.EnrolledIDs, memberID)
		if i < 0 {
			return apperr.New(apperr.NotFound, "member", memberID, "not enrolled in project %s", p.ID)
		}
		p.EnrolledIDs = slices.Delete(p.EnrolledIDs, i, i+1)
		project = p
		return tx.SaveProject(ctx, p)
	})
	if err != nil {
		return nil, err
	}
	e.log.Debug("member removed", "project", project.ID, "member", memberID, "enrolled", project.EnrolledCount())
	return project, nil
}

// ListApplications returns a project's applications. Only the owner or
// an admin may list them.
func (e *Engine) ListApplications(ctx context.Context, actor model.Actor, projectID string) ([]model.Application, error) {
	var out []model.Application
	err := e.store.View(ctx, func(tx *store.Tx) error {
		p, err := tx.GetProject(ctx, projectID)
		if err != nil {
			return translate(err, "project", projectID)
		}
		if !canManage(actor, p) {
			return apperr.New(apperr.Forbidden, "project", p.ID, "%s does not supervise this project", actor.ID)
		}
		out, err = tx.ListApplications(ctx, p.ID)
		return err
	})
	return out, err
}

// GetApplication returns an application visible to its applicant, the
// project owner and admins.
func (e *Engine) GetApplication(ctx context.Context, actor model.Actor, applicationID string) (*model.Application, error) {
	var app *model.Application
	err := e.store.View(ctx, func(tx *store.Tx) error {
		a, err := tx.GetApplication(ctx, applicationID)
		if err != nil {
			return translate(err, "application", applicationID)
		}
		if a.ApplicantID != actor.ID {
			p, err := tx.GetProject(ctx, a.ProjectID)
			if err != nil {
				return translate(err, "project", a.ProjectID)
			}
			if !canManage(actor, p) {
				return apperr.New(apperr.Forbidden, "application", a.ID, "not visible to %s", actor.ID)
			}
		}
		app = a
		return nil
	})
	return app, err
}

func canManage(actor model.Actor, p *model.Project) bool {
	return actor.ID == p.OwnerID || actor.IsAdmin()
}

func invalidTransition(a *model.Application, action Action) error {
	return apperr.New(apperr.InvalidTransition, "application", a.ID,
		"cannot %s an application that is %s", action, a.Status).WithState(string(a.Status))
}

func duplicate(a *model.Application) error {
	return apperr.New(apperr.DuplicateApplication, "project", a.ProjectID,
		"%s has already applied", a.ApplicantID)
}

func applicationLink(a *model.Application) string {
	return "/projects/" + a.ProjectID + "/applications/" + a.ID
}

// translate maps a store miss onto the NotFound kind.
func translate(err error, entity, id string) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperr.New(apperr.NotFound, entity, id, "%s does not exist", entity)
	}
	return err
}

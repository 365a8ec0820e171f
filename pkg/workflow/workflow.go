// Package workflow implements the task lifecycle between a supervisor
// (the project owner) and an assignee.
//
//	pending <-> in_progress -> completed -> approved (final)
//	                ^               |
//	                +-- rejected ---+--> needs_review -> in_progress
//
// Each status change appends an Update to the task's history. A work
// submission's Update becomes the task's review target; Approve records
// its verdict on that Update exactly once.
package workflow

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

// Options carries the engine's collaborators. Zero values are replaced
// with production defaults.
type Options struct {
	Emitter notify.Emitter
	Clock   clock.Clock
	IDs     ident.Generator
	Logger  *slog.Logger
}

// Engine is the TaskWorkflowEngine.
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
		log:   log.With("engine", "workflow"),
	}
}

// Fields are the descriptive attributes of a new task.
type Fields struct {
	Title       string
	Description string
	DueAt       *time.Time
}

// Create assigns a new pending task inside a project the actor owns.
func (e *Engine) Create(ctx context.Context, actor model.Actor, projectID, assigneeID string, f Fields) (*model.Task, error) {
	f.Title = strings.TrimSpace(f.Title)
	if f.Title == "" {
		return nil, apperr.New(apperr.InvalidArgument, "task", "", "title is required")
	}
	if assigneeID == "" {
		return nil, apperr.New(apperr.InvalidArgument, "task", "", "assignee is required")
	}
	if f.DueAt != nil && !slot.InRange(*f.DueAt) {
		return nil, apperr.New(apperr.InvalidArgument, "task", "",
			"due date %s falls outside years %04d-%04d", f.DueAt.Format(time.RFC3339), slot.MinYear, slot.MaxYear)
	}

	var (
		task    *model.Task
		project *model.Project
	)
	err := e.store.Update(ctx, func(tx *store.Tx) error {
		p, err := tx.GetProject(ctx, projectID)
		if err != nil {
			return translate(err, "project", projectID)
		}
		if !supervises(actor, p) {
			return apperr.New(apperr.Forbidden, "project", p.ID,
				"%s does not supervise this project", actor.ID)
		}
		now := e.clock.Now()
		t := &model.Task{
			ID:          e.ids.New(),
			ProjectID:   p.ID,
			AssigneeID:  assigneeID,
			CreatorID:   actor.ID,
			Title:       f.Title,
			Description: f.Description,
			DueAt:       f.DueAt,
			Status:      model.TaskPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.InsertTask(ctx, t); err != nil {
			return err
		}
		task, project = t, p
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Debug("task created", "task", task.ID, "project", project.ID, "assignee", task.AssigneeID)
	e.emit.Emit(ctx, model.Notification{
		RecipientID: task.AssigneeID,
		Kind:        model.NotifyTaskAssigned,
		Title:       "New task: " + task.Title,
		Body:        fmt.Sprintf("%s assigned you a task in %q", actor.ID, project.Title),
		Link:        taskLink(task),
		CreatedAt:   task.CreatedAt,
	})
	return task, nil
}

// Get returns a task with its full update history.
func (e *Engine) Get(ctx context.Context, taskID string) (*model.Task, error) {
	var t *model.Task
	err := e.store.View(ctx, func(tx *store.Tx) error {
		var err error
		t, err = tx.GetTask(ctx, taskID)
		return translate(err, "task", taskID)
	})
	return t, err
}

// ListForProject returns a project's tasks without their histories.
func (e *Engine) ListForProject(ctx context.Context, projectID string) ([]model.Task, error) {
	var out []model.Task
	err := e.store.View(ctx, func(tx *store.Tx) error {
		if _, err := tx.GetProject(ctx, projectID); err != nil {
			return translate(err, "project", projectID)
		}
		var err error
		out, err = tx.ListTasks(ctx, projectID)
		return err
	})
	return out, err
}

// AdvanceStatus moves a task to next.
//
// The assignee and the supervisor move freely between pending and
// in_progress and from needs_review back to in_progress. Only the
// assignee can complete a task. Completing is SubmitWork with an empty
// work reference and comment: the submission Update is still appended
// and becomes the review target, and callers that have a reference
// should call SubmitWork directly. Only the supervisor can send a
// completed, undecided task to needs_review. Moving to the current
// status is a no-op.
func (e *Engine) AdvanceStatus(ctx context.Context, actor model.Actor, taskID string, next model.TaskStatus) (*model.Task, error) {
	if !next.Valid() {
		return nil, apperr.New(apperr.InvalidArgument, "task", taskID, "unknown status %q", next)
	}
	if next == model.TaskCompleted {
		return e.SubmitWork(ctx, actor, taskID, "", "")
	}

	var task *model.Task
	err := e.store.Update(ctx, func(tx *store.Tx) error {
		t, p, err := e.load(ctx, tx, taskID)
		if err != nil {
			return err
		}
		isAssignee := actor.ID == t.AssigneeID
		isSupervisor := supervises(actor, p)
		if !isAssignee && !isSupervisor {
			return apperr.New(apperr.Forbidden, "task", t.ID, "%s is neither assignee nor supervisor", actor.ID)
		}
		task = t
		if t.Status == next {
			return nil
		}
		if final(t) {
			return invalidTransition(t, next, "approved work is final")
		}

		switch next {
		case model.TaskNeedsReview:
			if !isSupervisor {
				return apperr.New(apperr.Forbidden, "task", t.ID, "only the supervisor can request review")
			}
			if t.Status != model.TaskCompleted {
				return invalidTransition(t, next, "only completed work can be sent to review")
			}
			if u := t.ReviewUpdate(); u == nil || u.Decided() {
				return invalidTransition(t, next, "the submission has already been decided")
			}
		case model.TaskPending, model.TaskInProgress:
			switch t.Status {
			case model.TaskPending, model.TaskInProgress:
			case model.TaskNeedsReview:
				if next != model.TaskInProgress {
					return invalidTransition(t, next, "work under review can only return to in_progress")
				}
			default:
				return invalidTransition(t, next, "submitted work awaits a decision")
			}
		}

		t.Status = next
		return e.record(ctx, tx, t, &model.Update{AuthorID: actor.ID, Status: next})
	})
	if err != nil {
		return nil, err
	}
	e.log.Debug("task status changed", "task", task.ID, "status", string(task.Status), "actor", actor.ID)
	return task, nil
}

// SubmitWork completes a task with a work reference. The new Update
// becomes the target of the next Approve.
func (e *Engine) SubmitWork(ctx context.Context, actor model.Actor, taskID, workRef, comment string) (*model.Task, error) {
	var (
		task    *model.Task
		project *model.Project
	)
	err := e.store.Update(ctx, func(tx *store.Tx) error {
		t, p, err := e.load(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if actor.ID != t.AssigneeID {
			return apperr.New(apperr.Forbidden, "task", t.ID, "only the assignee can submit work")
		}
		switch t.Status {
		case model.TaskPending, model.TaskInProgress, model.TaskNeedsReview:
		default:
			if final(t) {
				return invalidTransition(t, model.TaskCompleted, "approved work is final")
			}
			return invalidTransition(t, model.TaskCompleted, "a submission is already awaiting a decision")
		}

		t.Status = model.TaskCompleted
		u := &model.Update{AuthorID: actor.ID, Status: model.TaskCompleted, WorkRef: workRef, Comment: comment}
		if err := e.record(ctx, tx, t, u); err != nil {
			return err
		}
		task, project = t, p
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Debug("work submitted", "task", task.ID, "update", task.ReviewUpdateID)
	e.emit.Emit(ctx, model.Notification{
		RecipientID: project.OwnerID,
		Kind:        model.NotifyWorkSubmitted,
		Title:       "Work submitted: " + task.Title,
		Body:        fmt.Sprintf("%s submitted work for review", actor.ID),
		Link:        taskLink(task),
		CreatedAt:   task.UpdatedAt,
	})
	return task, nil
}

// Approve records the supervisor's verdict on the latest submission.
// Rejection sends the task back to in_progress for resubmission.
func (e *Engine) Approve(ctx context.Context, actor model.Actor, taskID string, approved bool, feedback string) (*model.Task, error) {
	var task *model.Task
	err := e.store.Update(ctx, func(tx *store.Tx) error {
		t, p, err := e.load(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if !supervises(actor, p) {
			return apperr.New(apperr.Forbidden, "task", t.ID, "%s does not supervise this project", actor.ID)
		}
		if t.Status != model.TaskCompleted {
			return apperr.New(apperr.NotCompleted, "task", t.ID, "no completed work to review").
				WithState(string(t.Status))
		}
		target := t.ReviewUpdate()
		if target == nil {
			return apperr.New(apperr.NotCompleted, "task", t.ID, "no submission recorded").
				WithState(string(t.Status))
		}
		if target.Decided() {
			return apperr.New(apperr.AlreadyDecided, "task", t.ID,
				"submission #%d is already %s", target.Seq, target.Approval).WithState(string(target.Approval))
		}

		now := e.clock.Now()
		target.Approval = model.ApprovalRejected
		if approved {
			target.Approval = model.ApprovalApproved
		}
		target.Feedback = feedback
		target.DecidedBy = actor.ID
		target.DecidedAt = &now
		if err := tx.DecideUpdate(ctx, target); err != nil {
			return err
		}

		task = t
		if approved {
			t.UpdatedAt = now
			return tx.SaveTask(ctx, t)
		}
		t.Status = model.TaskInProgress
		return e.record(ctx, tx, t, &model.Update{AuthorID: actor.ID, Status: model.TaskInProgress, Comment: feedback})
	})
	if err != nil {
		return nil, err
	}

	target := task.ReviewUpdate()
	e.log.Debug("submission reviewed", "task", task.ID, "update", target.ID, "approval", string(target.Approval))
	body := "Your submission was " + string(target.Approval)
	if feedback != "" {
		body += ": " + feedback
	}
	e.emit.Emit(ctx, model.Notification{
		RecipientID: task.AssigneeID,
		Kind:        model.NotifyTaskReviewed,
		Title:       "Task reviewed: " + task.Title,
		Body:        body,
		Link:        taskLink(task),
		CreatedAt:   task.UpdatedAt,
	})
	return task, nil
}

func (e *Engine) load(ctx context.Context, tx *store.Tx, taskID string) (*model.Task, *model.Project, error) {
	t, err := tx.GetTask(ctx, taskID)
	if err != nil {
		return nil, nil, translate(err, "task", taskID)
	}
	p, err := tx.GetProject(ctx, t.ProjectID)
	if err != nil {
		return nil, nil, translate(err, "project", t.ProjectID)
	}
	return t, p, nil
}

// record appends u as the next entry of t's history and saves t with its
// version check. A completed Update becomes the review target.
func (e *Engine) record(ctx context.Context, tx *store.Tx, t *model.Task, u *model.Update) error {
	now := e.clock.Now()
	u.ID = e.ids.New()
	u.TaskID = t.ID
	u.Seq = len(t.Updates) + 1
	u.Approval = model.ApprovalUnset
	u.CreatedAt = now
	if err := tx.AppendUpdate(ctx, u); err != nil {
		return err
	}
	t.Updates = append(t.Updates, *u)
	if u.Status == model.TaskCompleted {
		t.ReviewUpdateID = u.ID
	}
	t.UpdatedAt = now
	return tx.SaveTask(ctx, t)
}

func supervises(actor model.Actor, p *model.Project) bool {
	return actor.ID == p.OwnerID || actor.IsAdmin()
}

// final reports whether the task's latest submission was approved.
func final(t *model.Task) bool {
	if t.Status != model.TaskCompleted {
		return false
	}
	u := t.ReviewUpdate()
	return u != nil && u.Approval == model.ApprovalApproved
}

func invalidTransition(t *model.Task, next model.TaskStatus, why string) error {
	return apperr.New(apperr.InvalidTransition, "task", t.ID,
		"cannot move from %s to %s: %s", t.Status, next, why).WithState(string(t.Status))
}

func taskLink(t *model.Task) string {
	return "/projects/" + t.ProjectID + "/tasks/" + t.ID
}

func translate(err error, entity, id string) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperr.New(apperr.NotFound, entity, id, "%s does not exist", entity)
	}
	return err
}

package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/daviddao/labcoord/pkg/model"
)

const taskColumns = `id, project_id, assignee_id, creator_id, title, description, due_at,
	status, COALESCE(review_update_id, ''), version, created_at, updated_at`

// InsertTask creates a task with Version 1. Updates are written separately.
func (tx *Tx) InsertTask(ctx context.Context, t *model.Task) error {
	t.Version = 1
	_, err := tx.q.ExecContext(ctx,
		`INSERT INTO tasks (id, project_id, assignee_id, creator_id, title, description, due_at,
		                    status, review_update_id, version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?, ?)`,
		t.ID, t.ProjectID, t.AssigneeID, t.CreatorID, t.Title, t.Description, formatTimePtr(t.DueAt),
		string(t.Status), t.Version, formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask loads a task and its full update history in sequence order.
func (tx *Tx) GetTask(ctx context.Context, id string) (*model.Task, error) {
	row := tx.q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err != nil {
		return nil, notFound(err, "task", id)
	}
	if t.Updates, err = tx.listUpdates(ctx, id); err != nil {
		return nil, err
	}
	return t, nil
}

// SaveTask writes status and the decision target, conditional on
// t.Version. On success t.Version is incremented.
func (tx *Tx) SaveTask(ctx context.Context, t *model.Task) error {
	var review sql.NullString
	if t.ReviewUpdateID != "" {
		review = sql.NullString{String: t.ReviewUpdateID, Valid: true}
	}
	res, err := tx.q.ExecContext(ctx,
		`UPDATE tasks SET status = ?, review_update_id = ?, updated_at = ?, version = version + 1
		 WHERE id = ? AND version = ?`,
		string(t.Status), review, formatTime(t.UpdatedAt), t.ID, t.Version,
	)
	if err != nil {
		return fmt.Errorf("save task %s: %w", t.ID, err)
	}
	if err := expectOneRow(res, "save task "+t.ID); err != nil {
		return err
	}
	t.Version++
	return nil
}

// ListTasks returns a project's tasks, oldest first, without updates.
func (tx *Tx) ListTasks(ctx context.Context, projectID string) ([]model.Task, error) {
	rows, err := tx.q.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE project_id = ? ORDER BY created_at ASC, id ASC`,
		projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func scanTask(sc scanner) (*model.Task, error) {
	var t model.Task
	var due sql.NullString
	var status, created, updated string
	if err := sc.Scan(&t.ID, &t.ProjectID, &t.AssigneeID, &t.CreatorID, &t.Title, &t.Description, &due,
		&status, &t.ReviewUpdateID, &t.Version, &created, &updated); err != nil {
		return nil, err
	}
	t.Status = model.TaskStatus(status)
	var err error
	if t.DueAt, err = parseTimePtr(due); err != nil {
		return nil, fmt.Errorf("parse due_at for task %s: %w", t.ID, err)
	}
	if t.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("parse created_at for task %s: %w", t.ID, err)
	}
	if t.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, fmt.Errorf("parse updated_at for task %s: %w", t.ID, err)
	}
	return &t, nil
}

// ---------------------------------------------------------------------------
// Task updates
// ---------------------------------------------------------------------------

const updateColumns = `id, task_id, seq, author_id, status, work_ref, comment,
	approval, feedback, decided_by, decided_at, created_at`

// AppendUpdate writes a new update. u.Seq must be the next position in
// the task's history; a reused position fails with ErrDuplicate.
func (tx *Tx) AppendUpdate(ctx context.Context, u *model.Update) error {
	_, err := tx.q.ExecContext(ctx,
		`INSERT INTO task_updates (`+updateColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.TaskID, u.Seq, u.AuthorID, string(u.Status), u.WorkRef, u.Comment,
		string(u.Approval), u.Feedback, u.DecidedBy, formatTimePtr(u.DecidedAt), formatTime(u.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("append update %s#%d: %w", u.TaskID, u.Seq, ErrDuplicate)
		}
		return fmt.Errorf("append update: %w", err)
	}
	return nil
}

// DecideUpdate records a verdict on an update. It applies only while the
// update is still undecided, which makes a verdict immutable once set.
func (tx *Tx) DecideUpdate(ctx context.Context, u *model.Update) error {
	res, err := tx.q.ExecContext(ctx,
		`UPDATE task_updates SET approval = ?, feedback = ?, decided_by = ?, decided_at = ?
		 WHERE id = ? AND approval = 'unset'`,
		string(u.Approval), u.Feedback, u.DecidedBy, formatTimePtr(u.DecidedAt), u.ID,
	)
	if err != nil {
		return fmt.Errorf("decide update %s: %w", u.ID, err)
	}
	return expectOneRow(res, "decide update "+u.ID)
}

func (tx *Tx) listUpdates(ctx context.Context, taskID string) ([]model.Update, error) {
	rows, err := tx.q.QueryContext(ctx,
		`SELECT `+updateColumns+` FROM task_updates WHERE task_id = ? ORDER BY seq ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list updates of %s: %w", taskID, err)
	}
	defer rows.Close()

	var out []model.Update
	for rows.Next() {
		var u model.Update
		var status, approval, created string
		var decided sql.NullString
		if err := rows.Scan(&u.ID, &u.TaskID, &u.Seq, &u.AuthorID, &status, &u.WorkRef, &u.Comment,
			&approval, &u.Feedback, &u.DecidedBy, &decided, &created); err != nil {
			return nil, err
		}
		u.Status = model.TaskStatus(status)
		u.Approval = model.Approval(approval)
		if u.DecidedAt, err = parseTimePtr(decided); err != nil {
			return nil, fmt.Errorf("parse decided_at for update %s: %w", u.ID, err)
		}
		if u.CreatedAt, err = parseTime(created); err != nil {
			return nil, fmt.Errorf("parse created_at for update %s: %w", u.ID, err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

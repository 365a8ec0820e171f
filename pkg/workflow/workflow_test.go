package workflow

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
	"github.com/daviddao/labcoord/pkg/store"
)

var (
	prof     = model.Actor{ID: "prof", Role: model.RoleFaculty}
	stranger = model.Actor{ID: "stranger", Role: model.RoleFaculty}
	alice    = model.Actor{ID: "alice", Role: model.RoleStudent}
	admin    = model.Actor{ID: "root", Role: model.RoleAdmin}
)

type fixture struct {
	eng   *Engine
	clock *clock.Manual
	rec   *notify.Recorder
}

func setup(t *testing.T) *fixture {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	p := &model.Project{
		ID: "p1", OwnerID: prof.ID, Title: "Telescope", MaxEnrolled: 2,
		EnrolledIDs: []string{alice.ID}, CreatedAt: time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, s.Update(context.Background(), func(tx *store.Tx) error {
		return tx.InsertProject(context.Background(), p)
	}))

	clk := clock.NewManual(time.Date(2026, 9, 2, 9, 0, 0, 0, time.UTC))
	rec := &notify.Recorder{}
	eng := New(s, Options{
		Emitter: rec,
		Clock:   clk,
		IDs:     ident.NewSequence("t"),
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return &fixture{eng: eng, clock: clk, rec: rec}
}

func (f *fixture) task(t *testing.T) *model.Task {
	t.Helper()
	task, err := f.eng.Create(context.Background(), prof, "p1", alice.ID, Fields{Title: "Calibrate CCD"})
	require.NoError(t, err)
	return task
}

func TestCreate(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	due := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)

	task, err := f.eng.Create(ctx, prof, "p1", alice.ID, Fields{Title: "Reduce data", DueAt: &due})
	require.NoError(t, err)
	assert.Equal(t, model.TaskPending, task.Status)
	assert.Empty(t, task.Updates)

	got, err := f.eng.Get(ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, got.DueAt)
	assert.True(t, due.Equal(*got.DueAt))

	sent := f.rec.For(alice.ID)
	require.Len(t, sent, 1)
	assert.Equal(t, model.NotifyTaskAssigned, sent[0].Kind)

	_, err = f.eng.Create(ctx, stranger, "p1", alice.ID, Fields{Title: "x"})
	assert.ErrorIs(t, err, apperr.Forbidden)
	_, err = f.eng.Create(ctx, prof, "p1", alice.ID, Fields{})
	assert.ErrorIs(t, err, apperr.InvalidArgument)
	_, err = f.eng.Create(ctx, prof, "nope", alice.ID, Fields{Title: "x"})
	assert.ErrorIs(t, err, apperr.NotFound)
	_, err = f.eng.Create(ctx, admin, "p1", alice.ID, Fields{Title: "x"})
	assert.NoError(t, err)

	far := time.Date(10000, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err = f.eng.Create(ctx, prof, "p1", alice.ID, Fields{Title: "x", DueAt: &far})
	assert.ErrorIs(t, err, apperr.InvalidArgument)
}

func TestAdvanceStatus_FreeMovesAppendUpdates(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	task := f.task(t)

	got, err := f.eng.AdvanceStatus(ctx, alice, task.ID, model.TaskInProgress)
	require.NoError(t, err)
	assert.Equal(t, model.TaskInProgress, got.Status)

	got, err = f.eng.AdvanceStatus(ctx, prof, task.ID, model.TaskPending)
	require.NoError(t, err)
	assert.Equal(t, model.TaskPending, got.Status)

	// Same status is a no-op.
	got, err = f.eng.AdvanceStatus(ctx, prof, task.ID, model.TaskPending)
	require.NoError(t, err)

	require.Len(t, got.Updates, 2)
	assert.Equal(t, 1, got.Updates[0].Seq)
	assert.Equal(t, model.TaskInProgress, got.Updates[0].Status)
	assert.Equal(t, alice.ID, got.Updates[0].AuthorID)
	assert.Equal(t, model.TaskPending, got.Updates[1].Status)
	assert.Empty(t, got.ReviewUpdateID)
}

func TestAdvanceStatus_Rules(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	task := f.task(t)

	_, err := f.eng.AdvanceStatus(ctx, stranger, task.ID, model.TaskInProgress)
	assert.ErrorIs(t, err, apperr.Forbidden)

	_, err = f.eng.AdvanceStatus(ctx, prof, task.ID, model.TaskCompleted)
	assert.ErrorIs(t, err, apperr.Forbidden, "only the assignee completes")

	_, err = f.eng.AdvanceStatus(ctx, alice, task.ID, model.TaskStatus("done"))
	assert.ErrorIs(t, err, apperr.InvalidArgument)

	_, err = f.eng.AdvanceStatus(ctx, prof, task.ID, model.TaskNeedsReview)
	assert.ErrorIs(t, err, apperr.InvalidTransition, "nothing submitted yet")

	got, err := f.eng.AdvanceStatus(ctx, alice, task.ID, model.TaskCompleted)
	require.NoError(t, err)
	assert.Equal(t, model.TaskCompleted, got.Status)
	require.Len(t, got.Updates, 1)
	sub := got.ReviewUpdate()
	require.NotNil(t, sub)
	assert.Equal(t, got.Updates[0].ID, sub.ID, "completing appends the submission and targets it")
	assert.Equal(t, alice.ID, sub.AuthorID)
	assert.Equal(t, model.TaskCompleted, sub.Status)
	assert.Empty(t, sub.WorkRef)
	assert.Empty(t, sub.Comment)
	assert.Equal(t, model.ApprovalUnset, sub.Approval)
	notes := f.rec.For(prof.ID)
	require.NotEmpty(t, notes)
	assert.Equal(t, model.NotifyWorkSubmitted, notes[len(notes)-1].Kind)

	_, err = f.eng.AdvanceStatus(ctx, alice, task.ID, model.TaskNeedsReview)
	assert.ErrorIs(t, err, apperr.Forbidden, "only the supervisor requests review")

	_, err = f.eng.AdvanceStatus(ctx, alice, task.ID, model.TaskInProgress)
	assert.ErrorIs(t, err, apperr.InvalidTransition, "submitted work awaits a decision")
}

func TestNeedsReviewRoundTrip(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	task := f.task(t)

	_, err := f.eng.SubmitWork(ctx, alice, task.ID, "s3://runs/1", "first pass")
	require.NoError(t, err)

	got, err := f.eng.AdvanceStatus(ctx, prof, task.ID, model.TaskNeedsReview)
	require.NoError(t, err)
	assert.Equal(t, model.TaskNeedsReview, got.Status)

	_, err = f.eng.Approve(ctx, prof, task.ID, true, "")
	assert.ErrorIs(t, err, apperr.NotCompleted)

	_, err = f.eng.AdvanceStatus(ctx, alice, task.ID, model.TaskPending)
	assert.ErrorIs(t, err, apperr.InvalidTransition)

	got, err = f.eng.AdvanceStatus(ctx, alice, task.ID, model.TaskInProgress)
	require.NoError(t, err)
	assert.Equal(t, model.TaskInProgress, got.Status)

	got, err = f.eng.SubmitWork(ctx, alice, task.ID, "s3://runs/2", "")
	require.NoError(t, err)
	assert.Equal(t, "s3://runs/2", got.ReviewUpdate().WorkRef)
}

func TestSubmitWork(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	task := f.task(t)

	_, err := f.eng.SubmitWork(ctx, prof, task.ID, "ref", "")
	assert.ErrorIs(t, err, apperr.Forbidden)

	got, err := f.eng.SubmitWork(ctx, alice, task.ID, "drive://report.pdf", "done")
	require.NoError(t, err)
	assert.Equal(t, model.TaskCompleted, got.Status)
	u := got.ReviewUpdate()
	require.NotNil(t, u)
	assert.Equal(t, "drive://report.pdf", u.WorkRef)
	assert.Equal(t, model.ApprovalUnset, u.Approval)

	sent := f.rec.For(prof.ID)
	require.Len(t, sent, 1)
	assert.Equal(t, model.NotifyWorkSubmitted, sent[0].Kind)

	_, err = f.eng.SubmitWork(ctx, alice, task.ID, "again", "")
	assert.ErrorIs(t, err, apperr.InvalidTransition)
}

func TestApprove_Checks(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	task := f.task(t)

	_, err := f.eng.Approve(ctx, prof, task.ID, true, "")
	assert.ErrorIs(t, err, apperr.NotCompleted)

	_, err = f.eng.SubmitWork(ctx, alice, task.ID, "ref", "")
	require.NoError(t, err)

	_, err = f.eng.Approve(ctx, alice, task.ID, true, "")
	assert.ErrorIs(t, err, apperr.Forbidden)

	got, err := f.eng.Approve(ctx, prof, task.ID, true, "nice")
	require.NoError(t, err)
	assert.Equal(t, model.TaskCompleted, got.Status)
	assert.Equal(t, model.ApprovalApproved, got.ReviewUpdate().Approval)
	assert.Equal(t, prof.ID, got.ReviewUpdate().DecidedBy)

	_, err = f.eng.Approve(ctx, prof, task.ID, false, "changed my mind")
	var ae *apperr.Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, apperr.AlreadyDecided, ae.Kind)
	assert.Equal(t, "approved", ae.State)

	// Approved work is final.
	_, err = f.eng.AdvanceStatus(ctx, alice, task.ID, model.TaskInProgress)
	assert.ErrorIs(t, err, apperr.InvalidTransition)
	_, err = f.eng.SubmitWork(ctx, alice, task.ID, "v2", "")
	assert.ErrorIs(t, err, apperr.InvalidTransition)
}

func TestRejectAndResubmit(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	task := f.task(t)

	submitted, err := f.eng.SubmitWork(ctx, alice, task.ID, "v1", "")
	require.NoError(t, err)
	firstID := submitted.ReviewUpdateID
	assert.Equal(t, model.ApprovalUnset, submitted.ReviewUpdate().Approval)

	f.clock.Advance(time.Hour)
	rejected, err := f.eng.Approve(ctx, prof, task.ID, false, "revise")
	require.NoError(t, err)
	assert.Equal(t, model.TaskInProgress, rejected.Status)

	review := f.rec.For(alice.ID)
	require.NotEmpty(t, review)
	last := review[len(review)-1]
	assert.Equal(t, model.NotifyTaskReviewed, last.Kind)
	assert.Contains(t, last.Body, "revise")

	f.clock.Advance(time.Hour)
	resubmitted, err := f.eng.SubmitWork(ctx, alice, task.ID, "v2", "fixed")
	require.NoError(t, err)
	assert.Equal(t, model.TaskCompleted, resubmitted.Status)
	assert.NotEqual(t, firstID, resubmitted.ReviewUpdateID)

	got, err := f.eng.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, got.Updates, 3)

	first := got.Updates[0]
	assert.Equal(t, firstID, first.ID)
	assert.Equal(t, "v1", first.WorkRef)
	assert.Equal(t, model.ApprovalRejected, first.Approval)
	assert.Equal(t, "revise", first.Feedback)

	assert.Equal(t, model.TaskInProgress, got.Updates[1].Status)
	assert.Equal(t, prof.ID, got.Updates[1].AuthorID)

	assert.Equal(t, "v2", got.Updates[2].WorkRef)
	assert.Equal(t, model.ApprovalUnset, got.Updates[2].Approval)
	assert.Equal(t, got.Updates[2].ID, got.ReviewUpdateID)

	got, err = f.eng.Approve(ctx, prof, task.ID, true, "")
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalApproved, got.ReviewUpdate().Approval)
}

func TestApprove_ConcurrentDecisionsOnlyOneWins(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	task := f.task(t)
	_, err := f.eng.SubmitWork(ctx, alice, task.ID, "ref", "")
	require.NoError(t, err)

	const n = 6
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.eng.Approve(ctx, prof, task.ID, i%2 == 0, "")
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		k := apperr.KindOf(err)
		assert.True(t, k == apperr.AlreadyDecided || k == apperr.NotCompleted, "unexpected %v", err)
	}
	assert.Equal(t, 1, ok)
}

func TestListForProject(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.task(t)
	f.task(t)

	tasks, err := f.eng.ListForProject(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, tasks, 2)

	_, err = f.eng.ListForProject(ctx, "nope")
	assert.ErrorIs(t, err, apperr.NotFound)

	_, err = f.eng.Get(ctx, "nope")
	assert.ErrorIs(t, err, apperr.NotFound)
}

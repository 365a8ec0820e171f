package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/daviddao/labcoord/pkg/model"
	"github.com/daviddao/labcoord/pkg/workflow"
)

func newTaskCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Assign, submit and review project tasks",
	}
	cmd.AddCommand(
		newTaskCreateCommand(opts),
		newTaskShowCommand(opts),
		newTaskListCommand(opts),
		newTaskStatusCommand(opts),
		newTaskSubmitCommand(opts),
		newTaskReviewCommand(opts),
	)
	return cmd
}

func newTaskCreateCommand(opts *rootOptions) *cobra.Command {
	var (
		desc string
		due  time.Time
	)
	cmd := &cobra.Command{
		Use:   "create <project-id> <assignee> <title>",
		Short: "Assign a new task (project owner)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts, cmd, func(ctx context.Context, a *app) error {
				actor, err := a.resolveActor()
				if err != nil {
					return err
				}
				f := workflow.Fields{Title: args[2], Description: desc}
				if !due.IsZero() {
					f.DueAt = &due
				}
				t, err := a.tasks.Create(ctx, actor, args[0], args[1], f)
				if err != nil {
					return err
				}
				a.show(t, func(w io.Writer) {
					fmt.Fprintf(w, "created task %s for %s\n", t.ID, t.AssigneeID)
				})
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&desc, "description", "d", "", "task description")
	timeVar(cmd.Flags(), &due, "due", "due date")
	return cmd
}

func newTaskShowCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task and its update history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts, cmd, func(ctx context.Context, a *app) error {
				t, err := a.tasks.Get(ctx, args[0])
				if err != nil {
					return err
				}
				a.show(t, func(w io.Writer) { writeTask(w, t, true) })
				return nil
			})
		},
	}
}

func newTaskListCommand(opts *rootOptions) *cobra.Command {
	var mine bool
	cmd := &cobra.Command{
		Use:   "list <project-id>",
		Short: "List a project's tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts, cmd, func(ctx context.Context, a *app) error {
				all, err := a.tasks.ListForProject(ctx, args[0])
				if err != nil {
					return err
				}
				tasks := all
				if mine {
					actor, err := a.resolveActor()
					if err != nil {
						return err
					}
					tasks = nil
					for _, t := range all {
						if t.AssigneeID == actor.ID {
							tasks = append(tasks, t)
						}
					}
				}
				a.show(map[string]any{"tasks": tasks, "count": len(tasks)}, func(w io.Writer) {
					if len(tasks) == 0 {
						fmt.Fprintln(w, "no tasks")
					}
					for i := range tasks {
						writeTask(w, &tasks[i], false)
					}
				})
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&mine, "mine", false, "only tasks assigned to the actor")
	return cmd
}

func newTaskStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <task-id> <pending|in_progress|completed|needs_review>",
		Short: "Move a task to another status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts, cmd, func(ctx context.Context, a *app) error {
				actor, err := a.resolveActor()
				if err != nil {
					return err
				}
				t, err := a.tasks.AdvanceStatus(ctx, actor, args[0], model.TaskStatus(args[1]))
				if err != nil {
					return err
				}
				a.show(t, func(w io.Writer) {
					fmt.Fprintf(w, "task %s is %s\n", t.ID, t.Status)
				})
				return nil
			})
		},
	}
}

func newTaskSubmitCommand(opts *rootOptions) *cobra.Command {
	var ref, comment string
	cmd := &cobra.Command{
		Use:   "submit <task-id>",
		Short: "Submit work for review (assignee)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts, cmd, func(ctx context.Context, a *app) error {
				actor, err := a.resolveActor()
				if err != nil {
					return err
				}
				t, err := a.tasks.SubmitWork(ctx, actor, args[0], ref, comment)
				if err != nil {
					return err
				}
				a.show(t, func(w io.Writer) {
					u := t.ReviewUpdate()
					fmt.Fprintf(w, "submitted %s as update #%d, awaiting review\n", t.ID, u.Seq)
				})
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&ref, "ref", "r", "", "work reference (path or URL)")
	cmd.Flags().StringVarP(&comment, "comment", "m", "", "comment for the reviewer")
	return cmd
}

func newTaskReviewCommand(opts *rootOptions) *cobra.Command {
	var (
		approve, reject bool
		feedback        string
	)
	cmd := &cobra.Command{
		Use:   "review <task-id> (--approve | --reject)",
		Short: "Approve or reject the latest submission (project owner)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if approve == reject {
				return errors.New("pass exactly one of --approve or --reject")
			}
			return run(opts, cmd, func(ctx context.Context, a *app) error {
				actor, err := a.resolveActor()
				if err != nil {
					return err
				}
				t, err := a.tasks.Approve(ctx, actor, args[0], approve, feedback)
				if err != nil {
					return err
				}
				a.show(t, func(w io.Writer) {
					u := t.ReviewUpdate()
					fmt.Fprintf(w, "update #%d %s; task %s is %s\n", u.Seq, u.Approval, t.ID, t.Status)
				})
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&approve, "approve", false, "approve the submission")
	cmd.Flags().BoolVar(&reject, "reject", false, "reject and send back to in_progress")
	cmd.Flags().StringVarP(&feedback, "feedback", "m", "", "feedback for the assignee")
	return cmd
}

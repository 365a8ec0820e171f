package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/daviddao/labcoord/pkg/enrollment"
	"github.com/daviddao/labcoord/pkg/model"
)

func newProjectCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Create and manage research projects",
	}
	cmd.AddCommand(
		newProjectCreateCommand(opts),
		newProjectShowCommand(opts),
		newProjectListCommand(opts),
		newProjectToggleCommand(opts, "open", "Open enrollment (owner)", true),
		newProjectToggleCommand(opts, "close", "Close enrollment (owner)", false),
		newProjectRemoveMemberCommand(opts),
	)
	return cmd
}

func newProjectCreateCommand(opts *rootOptions) *cobra.Command {
	var capacity int
	cmd := &cobra.Command{
		Use:   "create <title>",
		Short: "Create a project (faculty)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts, cmd, func(ctx context.Context, a *app) error {
				actor, err := a.resolveActor()
				if err != nil {
					return err
				}
				p, err := a.enroll.CreateProject(ctx, actor, args[0], capacity)
				if err != nil {
					return err
				}
				a.show(p, func(w io.Writer) {
					fmt.Fprintf(w, "created project %s (%d seats)\n", p.ID, p.MaxEnrolled)
				})
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&capacity, "capacity", "n", 1, "maximum number of enrolled students")
	return cmd
}

func newProjectShowCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <project-id>",
		Short: "Show a project and its members",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts, cmd, func(ctx context.Context, a *app) error {
				p, err := a.enroll.GetProject(ctx, args[0])
				if err != nil {
					return err
				}
				a.show(p, func(w io.Writer) { writeProject(w, p) })
				return nil
			})
		},
	}
}

func newProjectListCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all projects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts, cmd, func(ctx context.Context, a *app) error {
				ps, err := a.enroll.ListProjects(ctx)
				if err != nil {
					return err
				}
				a.show(map[string]any{"projects": ps, "count": len(ps)}, func(w io.Writer) {
					if len(ps) == 0 {
						fmt.Fprintln(w, "no projects")
					}
					for i := range ps {
						writeProject(w, &ps[i])
					}
				})
				return nil
			})
		},
	}
}

func newProjectToggleCommand(opts *rootOptions, verb, short string, open bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <project-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts, cmd, func(ctx context.Context, a *app) error {
				actor, err := a.resolveActor()
				if err != nil {
					return err
				}
				p, err := a.enroll.SetEnrollmentOpen(ctx, actor, args[0], open)
				if err != nil {
					return err
				}
				a.show(p, func(w io.Writer) {
					fmt.Fprintf(w, "enrollment for %s is %s\n", p.ID, openClosed(p.EnrollmentOpen))
				})
				return nil
			})
		},
	}
}

func newProjectRemoveMemberCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "remove-member <project-id> <user-id>",
		Short: "Remove an enrolled member, freeing a seat (owner)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts, cmd, func(ctx context.Context, a *app) error {
				actor, err := a.resolveActor()
				if err != nil {
					return err
				}
				p, err := a.enroll.RemoveMember(ctx, actor, args[0], args[1])
				if err != nil {
					return err
				}
				a.show(p, func(w io.Writer) {
					fmt.Fprintf(w, "removed %s from %s (%d/%d seats, enrollment %s)\n",
						args[1], p.ID, p.EnrolledCount(), p.MaxEnrolled, openClosed(p.EnrollmentOpen))
				})
				return nil
			})
		},
	}
}

// --- applications ---

func newApplyCommand(opts *rootOptions) *cobra.Command {
	var attachments []string
	cmd := &cobra.Command{
		Use:   "apply <project-id>",
		Short: "Apply to join a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts, cmd, func(ctx context.Context, a *app) error {
				actor, err := a.resolveActor()
				if err != nil {
					return err
				}
				appl, err := a.enroll.Submit(ctx, actor, args[0], attachments)
				if err != nil {
					return err
				}
				a.show(appl, func(w io.Writer) {
					fmt.Fprintf(w, "applied to %s (application %s, %s)\n", appl.ProjectID, appl.ID, appl.Status)
				})
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVarP(&attachments, "attach", "a", nil, "attachment reference (repeatable)")
	return cmd
}

func newDecideCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "decide <application-id> <accept|reject|shortlist|reset>",
		Short: "Decide on an application (project owner)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			action, err := enrollment.ParseAction(args[1])
			if err != nil {
				return err
			}
			return run(opts, cmd, func(ctx context.Context, a *app) error {
				actor, err := a.resolveActor()
				if err != nil {
					return err
				}
				appl, err := a.enroll.Decide(ctx, actor, args[0], action)
				if err != nil {
					return err
				}
				a.show(appl, func(w io.Writer) {
					fmt.Fprintf(w, "application %s is %s\n", appl.ID, appl.Status)
				})
				return nil
			})
		},
	}
}

func newApplicationsCommand(opts *rootOptions) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "applications <project-id>",
		Short: "List a project's applications (project owner)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts, cmd, func(ctx context.Context, a *app) error {
				actor, err := a.resolveActor()
				if err != nil {
					return err
				}
				all, err := a.enroll.ListApplications(ctx, actor, args[0])
				if err != nil {
					return err
				}
				apps := all[:0:0]
				for _, x := range all {
					if status == "" || x.Status == model.ApplicationStatus(status) {
						apps = append(apps, x)
					}
				}
				a.show(map[string]any{"applications": apps, "count": len(apps)}, func(w io.Writer) {
					if len(apps) == 0 {
						fmt.Fprintln(w, "no applications")
					}
					for i := range apps {
						writeApplication(w, &apps[i])
					}
				})
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only show applications in this status")
	return cmd
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/daviddao/labcoord/pkg/model"
)

// --- resources ---

func newResourceCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resource",
		Short: "Register and inspect shared lab resources",
	}
	cmd.AddCommand(
		newResourceAddCommand(opts),
		newResourceListCommand(opts),
		newResourceStatusCommand(opts),
		newResourceFreeCommand(opts),
	)
	return cmd
}

func newResourceAddCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "add <name>",
		Short: "Register an active resource (admin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts, cmd, func(ctx context.Context, a *app) error {
				actor, err := a.resolveActor()
				if err != nil {
					return err
				}
				r, err := a.res.RegisterResource(ctx, actor, args[0])
				if err != nil {
					return err
				}
				a.show(r, func(w io.Writer) { fmt.Fprintf(w, "registered resource %s %q\n", r.ID, r.Name) })
				return nil
			})
		},
	}
}

func newResourceListCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List resources",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts, cmd, func(ctx context.Context, a *app) error {
				rs, err := a.res.ListResources(ctx)
				if err != nil {
					return err
				}
				a.show(map[string]any{"resources": rs, "count": len(rs)}, func(w io.Writer) {
					if len(rs) == 0 {
						fmt.Fprintln(w, "no resources")
					}
					for i := range rs {
						writeResource(w, &rs[i])
					}
				})
				return nil
			})
		},
	}
}

func newResourceStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <resource-id> <active|maintenance|retired>",
		Short: "Change a resource's status (admin)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts, cmd, func(ctx context.Context, a *app) error {
				actor, err := a.resolveActor()
				if err != nil {
					return err
				}
				r, err := a.res.SetResourceStatus(ctx, actor, args[0], model.ResourceStatus(args[1]))
				if err != nil {
					return err
				}
				a.show(r, func(w io.Writer) { writeResource(w, r) })
				return nil
			})
		},
	}
}

func newResourceFreeCommand(opts *rootOptions) *cobra.Command {
	var (
		after, until time.Time
		length       time.Duration
	)
	cmd := &cobra.Command{
		Use:   "free <resource-id> --length D",
		Short: "Find the first free slot of a given length",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts, cmd, func(ctx context.Context, a *app) error {
				from := after
				if from.IsZero() {
					from = time.Now().UTC().Truncate(time.Minute)
				}
				w, err := a.res.FindSlot(ctx, args[0], from, length, until)
				if err != nil {
					return err
				}
				a.show(w, func(out io.Writer) {
					fmt.Fprintf(out, "first free slot on %s: %s .. %s\n", args[0], fmtTime(w.Start), fmtTime(w.End))
				})
				return nil
			})
		},
	}
	timeVar(cmd.Flags(), &after, "after", "earliest start (default now)")
	timeVar(cmd.Flags(), &until, "until", "latest end (default after + reservation.slot_search_horizon)")
	cmd.Flags().DurationVarP(&length, "length", "l", time.Hour, "slot length")
	return cmd
}

// --- reservations ---

func newReserveCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reserve",
		Short: "Request, grant and inspect resource reservations",
	}
	cmd.AddCommand(
		newReserveRequestCommand(opts),
		newReserveApproveCommand(opts),
		newReserveRejectCommand(opts),
		newReserveAllocateCommand(opts),
		newReserveShowCommand(opts),
		newReserveListCommand(opts),
	)
	return cmd
}

func newReserveRequestCommand(opts *rootOptions) *cobra.Command {
	var (
		win       windowFlags
		preferred string
		purpose   string
	)
	cmd := &cobra.Command{
		Use:   "request --start T --end T",
		Short: "Request time on a resource",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts, cmd, func(ctx context.Context, a *app) error {
				actor, err := a.resolveActor()
				if err != nil {
					return err
				}
				r, err := a.res.Request(ctx, actor, win.window(), preferred, purpose)
				if err != nil {
					return err
				}
				a.show(r, func(w io.Writer) { fmt.Fprintf(w, "requested %s (pending)\n", r.ID) })
				return nil
			})
		},
	}
	win.register(cmd.Flags(), "desired")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("end")
	cmd.Flags().StringVarP(&preferred, "resource", "r", "", "preferred resource id")
	cmd.Flags().StringVarP(&purpose, "purpose", "p", "", "what the time is for")
	return cmd
}

func newReserveApproveCommand(opts *rootOptions) *cobra.Command {
	var (
		win        windowFlags
		resourceID string
		note       string
	)
	cmd := &cobra.Command{
		Use:   "approve <reservation-id>",
		Short: "Grant a slot to a pending request (admin)",
		Long: `Grant a slot to a pending request. The slot defaults to the desired
window and the resource to the preferred one. Fails with exit code 2 if
the slot overlaps an approved reservation on the resource.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts, cmd, func(ctx context.Context, a *app) error {
				actor, err := a.resolveActor()
				if err != nil {
					return err
				}
				w := win.window()
				if w.Start.IsZero() || w.End.IsZero() {
					pending, err := a.res.Get(ctx, args[0])
					if err != nil {
						return err
					}
					if w.Start.IsZero() {
						w.Start = pending.DesiredStart
					}
					if w.End.IsZero() {
						w.End = pending.DesiredEnd
					}
				}
				r, err := a.res.Approve(ctx, actor, args[0], resourceID, w, note)
				if err != nil {
					return err
				}
				a.show(r, func(out io.Writer) { writeReservation(out, r) })
				return nil
			})
		},
	}
	win.register(cmd.Flags(), "granted slot")
	cmd.Flags().StringVarP(&resourceID, "resource", "r", "", "resource to grant (default the preferred one)")
	cmd.Flags().StringVarP(&note, "note", "m", "", "note for the requester")
	return cmd
}

func newReserveRejectCommand(opts *rootOptions) *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   "reject <reservation-id>",
		Short: "Reject a pending request (admin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts, cmd, func(ctx context.Context, a *app) error {
				actor, err := a.resolveActor()
				if err != nil {
					return err
				}
				r, err := a.res.Reject(ctx, actor, args[0], note)
				if err != nil {
					return err
				}
				a.show(r, func(w io.Writer) { writeReservation(w, r) })
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&note, "note", "m", "", "reason for the requester")
	return cmd
}

func newReserveAllocateCommand(opts *rootOptions) *cobra.Command {
	var (
		win        windowFlags
		requester  string
		resourceID string
		purpose    string
	)
	cmd := &cobra.Command{
		Use:   "allocate --for USER --resource R --start T --end T",
		Short: "Create an approved reservation directly (admin)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts, cmd, func(ctx context.Context, a *app) error {
				actor, err := a.resolveActor()
				if err != nil {
					return err
				}
				r, err := a.res.DirectAllocate(ctx, actor, requester, resourceID, win.window(), purpose)
				if err != nil {
					return err
				}
				a.show(r, func(w io.Writer) { writeReservation(w, r) })
				return nil
			})
		},
	}
	win.register(cmd.Flags(), "slot")
	cmd.Flags().StringVar(&requester, "for", "", "requester to allocate for")
	cmd.Flags().StringVarP(&resourceID, "resource", "r", "", "resource id")
	cmd.Flags().StringVarP(&purpose, "purpose", "p", "", "what the time is for")
	for _, name := range []string{"for", "resource", "start", "end"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func newReserveShowCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <reservation-id>",
		Short: "Show a reservation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts, cmd, func(ctx context.Context, a *app) error {
				r, err := a.res.Get(ctx, args[0])
				if err != nil {
					return err
				}
				a.show(r, func(w io.Writer) { writeReservation(w, r) })
				return nil
			})
		},
	}
}

func newReserveListCommand(opts *rootOptions) *cobra.Command {
	var (
		resourceID string
		status     string
		mine       bool
		pending    bool
	)
	cmd := &cobra.Command{
		Use:   "list (--resource R | --mine | --pending)",
		Short: "List reservations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts, cmd, func(ctx context.Context, a *app) error {
				var (
					rs  []model.Reservation
					err error
				)
				switch {
				case resourceID != "":
					rs, err = a.res.ListForResource(ctx, resourceID, model.ReservationStatus(status))
				case mine:
					actor, aerr := a.resolveActor()
					if aerr != nil {
						return aerr
					}
					rs, err = a.res.ListForRequester(ctx, actor.ID)
				case pending:
					rs, err = a.res.ListPending(ctx)
				default:
					return errors.New("pass one of --resource, --mine or --pending")
				}
				if err != nil {
					return err
				}
				a.show(map[string]any{"reservations": rs, "count": len(rs)}, func(w io.Writer) {
					if len(rs) == 0 {
						fmt.Fprintln(w, "no reservations")
					}
					for i := range rs {
						writeReservation(w, &rs[i])
					}
				})
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&resourceID, "resource", "r", "", "reservations granted on this resource")
	cmd.Flags().StringVar(&status, "status", "", "with --resource: only this status")
	cmd.Flags().BoolVar(&mine, "mine", false, "reservations requested by the actor")
	cmd.Flags().BoolVar(&pending, "pending", false, "undecided requests across all resources")
	return cmd
}

package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/daviddao/labcoord/pkg/model"
)

type statusView struct {
	Actor               string `json:"actor,omitempty"`
	Projects            int    `json:"projects"`
	OpenProjects        int    `json:"open_projects"`
	Resources           int    `json:"resources"`
	ActiveResources     int    `json:"active_resources"`
	PendingReservations int    `json:"pending_reservations"`
	Unread              int64  `json:"unread"`
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Overview of projects, resources and your inbox",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts, cmd, func(ctx context.Context, a *app) error {
				v, err := a.status(ctx)
				if err != nil {
					return err
				}
				a.show(v, func(w io.Writer) {
					fmt.Fprintf(w, "projects:     %d (%d open)\n", v.Projects, v.OpenProjects)
					fmt.Fprintf(w, "resources:    %d (%d active)\n", v.Resources, v.ActiveResources)
					fmt.Fprintf(w, "reservations: %d pending\n", v.PendingReservations)
					if v.Actor != "" {
						fmt.Fprintf(w, "inbox (%s): %d unread\n", v.Actor, v.Unread)
					}
				})
				return nil
			})
		},
	}
}

// status works without an actor; the inbox line is then omitted.
func (a *app) status(ctx context.Context) (*statusView, error) {
	projects, err := a.enroll.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	resources, err := a.res.ListResources(ctx)
	if err != nil {
		return nil, err
	}
	pending, err := a.res.ListPending(ctx)
	if err != nil {
		return nil, err
	}

	v := &statusView{
		Projects:            len(projects),
		Resources:           len(resources),
		PendingReservations: len(pending),
	}
	for _, p := range projects {
		if p.EnrollmentOpen {
			v.OpenProjects++
		}
	}
	for _, r := range resources {
		if r.Status == model.ResourceActive {
			v.ActiveResources++
		}
	}
	if a.actorID != "" {
		v.Actor = a.actorID
		cursor := a.store.GetCursor(ctx, a.actorID)
		if v.Unread, err = a.store.CountNotifications(ctx, a.actorID, cursor); err != nil {
			return nil, err
		}
	}
	return v, nil
}

package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/daviddao/labcoord/pkg/apperr"
)

// rootOptions holds the persistent flags shared by every command.
type rootOptions struct {
	Actor   string
	Role    string
	JSON    bool
	Config  string
	DB      string
	Verbose bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "lab",
		Short: "Coordinate research projects, tasks and lab resources",
		Long: `lab coordinates an academic research group on one shared SQLite database.

  Enrollment    students apply to projects with a fixed number of seats
  Tasks         supervisors assign work, review submissions, approve or reject
  Reservations  requesters ask for time on lab resources; allocators grant
                conflict-free slots

Environment:
  LABCOORD_CONFIG   config file (YAML)
  LABCOORD_DB       SQLite database path (default .labcoord/labcoord.db)
  LABCOORD_ACTOR    acting user id (avoids passing --actor every time)
  LABCOORD_ROLE     role claim: student, faculty or admin

Exit codes:
  0  success
  1  error
  2  rejected (full, conflict, forbidden, already decided, ...)`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&opts.Actor, "actor", "", "acting user id (default $LABCOORD_ACTOR)")
	pf.StringVar(&opts.Role, "role", "", "role claim: student, faculty or admin (default $LABCOORD_ROLE, else student)")
	pf.BoolVar(&opts.JSON, "json", false, "JSON output")
	pf.StringVar(&opts.Config, "config", "", "config file (default $LABCOORD_CONFIG)")
	pf.StringVar(&opts.DB, "db", "", "database path (overrides config and $LABCOORD_DB)")
	pf.BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging on stderr")

	cmd.AddCommand(
		newInitCommand(opts),
		newStatusCommand(opts),
		newProjectCommand(opts),
		newApplyCommand(opts),
		newDecideCommand(opts),
		newApplicationsCommand(opts),
		newTaskCommand(opts),
		newResourceCommand(opts),
		newReserveCommand(opts),
		newInboxCommand(opts),
		newWatchCommand(opts),
	)
	return cmd
}

// run opens the app for one command invocation, calls fn and closes the
// app again, flushing queued notifications. In JSON mode a rejection is
// also reported on stdout.
func run(opts *rootOptions, cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	a, err := newApp(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	err = fn(ctx, a)
	if err != nil && a.json && apperr.IsRejection(err) {
		a.printJSON(map[string]any{"error": rejection(err)})
	}
	return err
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func newInboxCommand(opts *rootOptions) *cobra.Command {
	var (
		since   int64
		limit   int
		peek    bool
		summary bool
	)
	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "Read your notifications and advance the read cursor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts, cmd, func(ctx context.Context, a *app) error {
				actor, err := a.resolveActor()
				if err != nil {
					return err
				}
				after := since
				if after < 0 {
					after = a.store.GetCursor(ctx, actor.ID)
				}
				notes, err := a.store.ListNotifications(ctx, actor.ID, after, limit)
				if err != nil {
					return fmt.Errorf("inbox: %w", err)
				}
				if !peek && len(notes) > 0 {
					if err := a.store.SetCursor(ctx, actor.ID, notes[len(notes)-1].Seq); err != nil {
						return fmt.Errorf("inbox: advance cursor: %w", err)
					}
				}
				a.show(map[string]any{"notifications": notes, "count": len(notes)}, func(w io.Writer) {
					if len(notes) == 0 {
						fmt.Fprintln(w, "no new notifications")
						return
					}
					for i := range notes {
						writeNotification(w, &notes[i], summary)
					}
				})
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&since, "since", -1, "show notifications after this seq (-1 = use cursor)")
	cmd.Flags().IntVar(&limit, "limit", 100, "max notifications to return")
	cmd.Flags().BoolVar(&peek, "peek", false, "do not advance the read cursor")
	cmd.Flags().BoolVar(&summary, "summary", false, "one-line summaries only (first 80 chars)")
	return cmd
}

func newWatchCommand(opts *rootOptions) *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream notifications as they arrive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if interval <= 0 {
				return fmt.Errorf("--interval must be positive, got %s", interval)
			}
			return run(opts, cmd, func(ctx context.Context, a *app) error {
				actor, err := a.resolveActor()
				if err != nil {
					return err
				}
				ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()
				return a.watch(ctx, actor.ID, interval, cmd.ErrOrStderr())
			})
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "poll interval")
	return cmd
}

// watch polls the inbox of recipientID until ctx is done, printing and
// acknowledging new notifications. interval must be positive.
func (a *app) watch(ctx context.Context, recipientID string, interval time.Duration, status io.Writer) error {
	cursor := a.store.GetCursor(ctx, recipientID)
	fmt.Fprintf(status, "watching notifications for %s (poll every %s, ctrl-c to stop)\n", recipientID, interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(status, "stopped")
			return nil
		case <-ticker.C:
			notes, err := a.store.ListNotifications(ctx, recipientID, cursor, 100)
			if err != nil {
				a.log.Warn("watch poll failed", "error", err)
				continue
			}
			for i := range notes {
				if a.json {
					b, err := json.Marshal(notes[i])
					if err != nil {
						a.log.Warn("watch cannot encode notification", "seq", notes[i].Seq, "error", err)
					} else {
						fmt.Fprintln(a.out, string(b))
					}
				} else {
					writeNotification(a.out, &notes[i], false)
				}
				cursor = notes[i].Seq
			}
			if len(notes) > 0 {
				if err := a.store.SetCursor(ctx, recipientID, cursor); err != nil {
					a.log.Warn("watch cursor not saved", "error", err)
				}
			}
		}
	}
}

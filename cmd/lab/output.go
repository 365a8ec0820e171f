package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/daviddao/labcoord/pkg/apperr"
	"github.com/daviddao/labcoord/pkg/model"
)

// Exit codes.
const (
	exitOK       = 0
	exitError    = 1
	exitRejected = 2
)

// exitCode maps an error to the process exit code. Domain rejections
// exit 2 so scripts can tell "not allowed right now" from a broken call.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case apperr.IsRejection(err):
		return exitRejected
	default:
		return exitError
	}
}

type rejectionJSON struct {
	Kind    apperr.Kind `json:"kind"`
	Entity  string      `json:"entity,omitempty"`
	ID      string      `json:"id,omitempty"`
	State   string      `json:"state,omitempty"`
	Message string      `json:"message"`
}

func rejection(err error) rejectionJSON {
	var e *apperr.Error
	if errors.As(err, &e) {
		return rejectionJSON{Kind: e.Kind, Entity: e.Entity, ID: e.ID, State: e.State, Message: e.Message}
	}
	return rejectionJSON{Kind: apperr.KindOf(err), Message: err.Error()}
}

// show prints v as JSON, or calls text in text mode.
func (a *app) show(v any, text func(w io.Writer)) {
	if a.json {
		a.printJSON(v)
		return
	}
	text(a.out)
}

func fmtTime(t time.Time) string { return t.UTC().Format("2006-01-02 15:04") }

func openClosed(open bool) string {
	if open {
		return "open"
	}
	return "closed"
}

func writeProject(w io.Writer, p *model.Project) {
	fmt.Fprintf(w, "%s  %q  owner=%s  seats=%d/%d  enrollment=%s\n",
		p.ID, p.Title, p.OwnerID, p.EnrolledCount(), p.MaxEnrolled, openClosed(p.EnrollmentOpen))
	if len(p.EnrolledIDs) > 0 {
		fmt.Fprintf(w, "  members: %s\n", strings.Join(p.EnrolledIDs, ", "))
	}
}

func writeApplication(w io.Writer, a *model.Application) {
	fmt.Fprintf(w, "%s  project=%s  applicant=%s  %s\n", a.ID, a.ProjectID, a.ApplicantID, a.Status)
	for _, ref := range a.Attachments {
		fmt.Fprintf(w, "  attachment: %s\n", ref)
	}
}

func writeTask(w io.Writer, t *model.Task, history bool) {
	fmt.Fprintf(w, "%s  %q  assignee=%s  %s", t.ID, t.Title, t.AssigneeID, t.Status)
	if t.DueAt != nil {
		fmt.Fprintf(w, "  due=%s", fmtTime(*t.DueAt))
	}
	fmt.Fprintln(w)
	if !history {
		return
	}
	for _, u := range t.Updates {
		marker := " "
		if u.ID == t.ReviewUpdateID {
			marker = "*"
		}
		fmt.Fprintf(w, " %s#%d [%s] %s -> %s", marker, u.Seq, fmtTime(u.CreatedAt), u.AuthorID, u.Status)
		if u.WorkRef != "" {
			fmt.Fprintf(w, "  work=%s", u.WorkRef)
		}
		if u.Comment != "" {
			fmt.Fprintf(w, "  %q", u.Comment)
		}
		if u.Decided() {
			fmt.Fprintf(w, "  %s by %s", u.Approval, u.DecidedBy)
			if u.Feedback != "" {
				fmt.Fprintf(w, ": %q", u.Feedback)
			}
		}
		fmt.Fprintln(w)
	}
}

func writeResource(w io.Writer, r *model.Resource) {
	fmt.Fprintf(w, "%s  %q  %s\n", r.ID, r.Name, r.Status)
}

func writeReservation(w io.Writer, r *model.Reservation) {
	fmt.Fprintf(w, "%s  requester=%s  %s  wanted %s .. %s",
		r.ID, r.RequesterID, r.Status, fmtTime(r.DesiredStart), fmtTime(r.DesiredEnd))
	if r.SlotStart != nil && r.SlotEnd != nil {
		fmt.Fprintf(w, "  granted %s .. %s on %s", fmtTime(*r.SlotStart), fmtTime(*r.SlotEnd), r.ResourceID)
	}
	if r.Note != "" {
		fmt.Fprintf(w, "  %q", r.Note)
	}
	fmt.Fprintln(w)
}

func writeNotification(w io.Writer, n *model.Notification, summary bool) {
	body := n.Body
	if summary && len(body) > 80 {
		body = body[:80] + "..."
	}
	fmt.Fprintf(w, "[%d] %s  %s: %s", n.Seq, fmtTime(n.CreatedAt), n.Title, body)
	if n.Link != "" && !summary {
		fmt.Fprintf(w, "  (%s)", n.Link)
	}
	fmt.Fprintln(w)
}

package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/daviddao/labcoord/pkg/model"
)

// TestStoreImplementsInterface exercises every StoreInterface method
// through the interface type on a real store.
func TestStoreImplementsInterface(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var iface StoreInterface = s
	defer iface.Close()
	ctx := context.Background()

	err = iface.Update(ctx, func(tx *Tx) error {
		return tx.InsertResource(ctx, &model.Resource{
			ID: "ws-1", Name: "Workstation 1", Status: model.ResourceActive, CreatedAt: time.Now(),
		})
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	err = iface.View(ctx, func(tx *Tx) error {
		r, err := tx.GetResource(ctx, "ws-1")
		if err != nil {
			return err
		}
		if r.Name != "Workstation 1" {
			t.Errorf("resource name = %q", r.Name)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View: %v", err)
	}

	seq, err := iface.InsertNotification(ctx, &model.Notification{
		RecipientID: "alice", Kind: model.NotifyReservation, Title: "approved", CreatedAt: time.Now(),
	})
	if err != nil || seq <= 0 {
		t.Fatalf("InsertNotification: seq=%d err=%v", seq, err)
	}
	ns, err := iface.ListNotifications(ctx, "alice", 0, 10)
	if err != nil || len(ns) != 1 {
		t.Fatalf("ListNotifications: %d, %v", len(ns), err)
	}

	if cur := iface.GetCursor(ctx, "alice"); cur != 0 {
		t.Errorf("expected cursor 0, got %d", cur)
	}
	if err := iface.SetCursor(ctx, "alice", seq); err != nil {
		t.Fatalf("SetCursor: %v", err)
	}
	if cur := iface.GetCursor(ctx, "alice"); cur != seq {
		t.Errorf("expected cursor %d, got %d", seq, cur)
	}
}

func TestUpdateRollsBackOnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.Update(ctx, func(tx *Tx) error {
		if err := tx.InsertResource(ctx, &model.Resource{
			ID: "ws-1", Name: "WS", Status: model.ResourceActive, CreatedAt: time.Now(),
		}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Update err = %v, want boom", err)
	}

	err = s.View(ctx, func(tx *Tx) error {
		_, err := tx.GetResource(ctx, "ws-1")
		return err
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("resource should not exist after rollback, got %v", err)
	}
}

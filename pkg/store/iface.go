// iface.go defines the StoreInterface the engines depend on.
//
// Engines accept StoreInterface rather than *Store so that the boundary
// layer decides how the store is opened and shared. Tests use a real
// *Store on a temporary database file.
package store

import (
	"context"

	"github.com/daviddao/labcoord/pkg/model"
)

// StoreInterface is the EntityStore contract.
type StoreInterface interface {
	// Close closes the database connection.
	Close() error

	// Update runs fn as one atomic unit of work. Any error rolls back
	// every write made by fn.
	Update(ctx context.Context, fn func(tx *Tx) error) error

	// View runs fn for reads only.
	View(ctx context.Context, fn func(tx *Tx) error) error

	// --- Notifications ---

	// InsertNotification appends to a recipient's inbox.
	InsertNotification(ctx context.Context, n *model.Notification) (int64, error)

	// ListNotifications returns a recipient's notifications after a seq.
	ListNotifications(ctx context.Context, recipientID string, afterSeq int64, limit int) ([]model.Notification, error)

	// GetCursor returns the recipient's read cursor (0 if unset).
	GetCursor(ctx context.Context, recipientID string) int64

	// SetCursor stores the recipient's read cursor.
	SetCursor(ctx context.Context, recipientID string, seq int64) error
}

// Compile-time check that *Store implements StoreInterface.
var _ StoreInterface = (*Store)(nil)

package store

import (
	"context"
	"fmt"

	"github.com/daviddao/labcoord/pkg/model"
)

// InsertNotification appends a notification to the recipient's inbox and
// returns its sequence number. Runs outside any unit of work: delivery is
// never part of the transition that triggered it.
func (s *Store) InsertNotification(ctx context.Context, n *model.Notification) (int64, error) {
	var seq int64
	err := retryOp(ctx, s.retry, func() error {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO notifications (recipient_id, kind, title, body, link, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			n.RecipientID, string(n.Kind), n.Title, n.Body, n.Link, formatTime(n.CreatedAt),
		)
		if err != nil {
			return err
		}
		seq, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("insert notification: %w", err)
	}
	n.Seq = seq
	return seq, nil
}

// ListNotifications returns notifications for recipientID with seq > afterSeq.
func (s *Store) ListNotifications(ctx context.Context, recipientID string, afterSeq int64, limit int) ([]model.Notification, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, recipient_id, kind, title, body, link, created_at
		 FROM notifications WHERE recipient_id = ? AND seq > ?
		 ORDER BY seq ASC LIMIT ?`,
		recipientID, afterSeq, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Notification
	for rows.Next() {
		var n model.Notification
		var kind, created string
		if err := rows.Scan(&n.Seq, &n.RecipientID, &kind, &n.Title, &n.Body, &n.Link, &created); err != nil {
			return nil, err
		}
		n.Kind = model.NotificationKind(kind)
		if n.CreatedAt, err = parseTime(created); err != nil {
			return nil, fmt.Errorf("parse created_at for notification %d: %w", n.Seq, err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// CountNotifications returns the number of notifications for recipientID
// with seq > afterSeq.
func (s *Store) CountNotifications(ctx context.Context, recipientID string, afterSeq int64) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notifications WHERE recipient_id = ? AND seq > ?`,
		recipientID, afterSeq,
	).Scan(&n)
	return n, err
}

// GetCursor returns the last notification seq a recipient has read (0 if unset).
func (s *Store) GetCursor(ctx context.Context, recipientID string) int64 {
	var seq int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT since_seq FROM cursors WHERE recipient_id = ?`, recipientID,
	).Scan(&seq); err != nil {
		return 0
	}
	return seq
}

// SetCursor records the last notification seq a recipient has read.
func (s *Store) SetCursor(ctx context.Context, recipientID string, seq int64) error {
	return retryOp(ctx, s.retry, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO cursors (recipient_id, since_seq) VALUES (?, ?)
			 ON CONFLICT(recipient_id) DO UPDATE SET since_seq = excluded.since_seq`,
			recipientID, seq,
		)
		return err
	})
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"settlement-service/internal/models"

	"github.com/lib/pq"
)

// PreferenceColumns lists the columns notification_preferences has in this deployment
func (s *Store) PreferenceColumns(ctx context.Context) ([]string, error) {
	var cols []string
	err := s.db.SelectContext(ctx, &cols, `
		SELECT column_name FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = 'notification_preferences'
		ORDER BY ordinal_position`)
	return cols, err
}

// GetNotificationPreferences loads the given flag columns for a user.
// Returns nil when the user has no row. Column names must come from a models.PreferenceSchema.
func (s *Store) GetNotificationPreferences(ctx context.Context, userID string, columns []string) (map[string]bool, error) {
	if len(columns) == 0 {
		var exists bool
		err := s.db.GetContext(ctx, &exists,
			"SELECT EXISTS(SELECT 1 FROM notification_preferences WHERE user_id = $1)", userID)
		if err != nil || !exists {
			return nil, err
		}
		return map[string]bool{}, nil
	}

	query := fmt.Sprintf("SELECT %s FROM notification_preferences WHERE user_id = $1", quoteColumns(columns))

	values := make([]sql.NullBool, len(columns))
	dest := make([]interface{}, len(columns))
	for i := range values {
		dest[i] = &values[i]
	}

	err := s.db.QueryRowContext(ctx, query, userID).Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	prefs := make(map[string]bool, len(columns))
	for i, col := range columns {
		// NULL columns were added after the row was written; treat as unset.
		if values[i].Valid {
			prefs[col] = values[i].Bool
		}
	}
	return prefs, nil
}

// UpsertNotificationPreferences writes flags for a user. With overwrite=false an existing
// row is left untouched, which is how defaults are materialised.
func (s *Store) UpsertNotificationPreferences(ctx context.Context, userID string, flags map[string]bool, columns []string, overwrite bool) error {
	cols := make([]string, 0, len(columns))
	args := []interface{}{userID}
	for _, c := range columns {
		v, ok := flags[c]
		if !ok {
			continue
		}
		cols = append(cols, c)
		args = append(args, v)
	}

	placeholders := make([]string, len(cols))
	updates := make([]string, len(cols))
	for i, c := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+2)
		updates[i] = fmt.Sprintf("%s = EXCLUDED.%s", pq.QuoteIdentifier(c), pq.QuoteIdentifier(c))
	}

	var b strings.Builder
	b.WriteString("INSERT INTO notification_preferences (user_id")
	if len(cols) > 0 {
		b.WriteString(", " + quoteColumns(cols))
	}
	b.WriteString(") VALUES ($1")
	if len(cols) > 0 {
		b.WriteString(", " + strings.Join(placeholders, ", "))
	}
	b.WriteString(") ON CONFLICT (user_id) DO ")
	if overwrite && len(cols) > 0 {
		b.WriteString("UPDATE SET " + strings.Join(updates, ", ") + ", updated_at = NOW()")
	} else {
		b.WriteString("NOTHING")
	}

	_, err := s.db.ExecContext(ctx, b.String(), args...)
	return err
}

// CreateNotification inserts a notification row
func (s *Store) CreateNotification(ctx context.Context, n *models.Notification) error {
	query := `
		INSERT INTO user_notifications (user_id, type, title, message, read, data)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`

	return s.db.QueryRowxContext(ctx, query,
		n.UserID, n.Type, n.Title, n.Message, n.Read, n.Data,
	).Scan(&n.ID, &n.CreatedAt)
}

// ListNotifications returns the newest notifications for a user
func (s *Store) ListNotifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]models.Notification, error) {
	query := "SELECT id, user_id, type, title, message, read, data, created_at FROM user_notifications WHERE user_id = $1"
	if unreadOnly {
		query += " AND read = FALSE"
	}
	query += " ORDER BY created_at DESC LIMIT $2"

	var out []models.Notification
	err := s.db.SelectContext(ctx, &out, query, userID, limit)
	return out, err
}

// MarkNotificationRead flags one of the user's notifications as read
func (s *Store) MarkNotificationRead(ctx context.Context, userID, notificationID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE user_notifications SET read = TRUE WHERE id = $1 AND user_id = $2",
		notificationID, userID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func quoteColumns(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pq.QuoteIdentifier(c)
	}
	return strings.Join(quoted, ", ")
}

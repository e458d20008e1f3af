package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"settlement-service/internal/apperror"
	"settlement-service/internal/models"
	"settlement-service/internal/util"

	"github.com/jmoiron/sqlx/types"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	defaultNotificationLimit = 50
	maxNotificationLimit     = 100
)

// ColumnLister reports the preference columns present in the store
type ColumnLister interface {
	PreferenceColumns(ctx context.Context) ([]string, error)
}

// ResolvePreferenceSchema decides once which preference columns exist. A
// configured version wins; otherwise the store is inspected. Called at startup.
func ResolvePreferenceSchema(ctx context.Context, lister ColumnLister, version int) (models.PreferenceSchema, error) {
	if version > 0 {
		if version > models.LatestPreferenceSchemaVersion {
			version = models.LatestPreferenceSchemaVersion
		}
		return models.PreferenceSchemaForVersion(version), nil
	}

	cols, err := lister.PreferenceColumns(ctx)
	if err != nil {
		return models.PreferenceSchema{}, fmt.Errorf("list notification_preferences columns: %w", err)
	}
	return models.NewPreferenceSchema(cols), nil
}

// NotificationDispatcher writes preference-gated in-app notifications
type NotificationDispatcher struct {
	store        NotificationStore
	schema       models.PreferenceSchema
	storeTimeout time.Duration
	logger       *zap.Logger
}

func NewNotificationDispatcher(store NotificationStore, schema models.PreferenceSchema, storeTimeout time.Duration) *NotificationDispatcher {
	return &NotificationDispatcher{
		store:        store,
		schema:       schema,
		storeTimeout: storeTimeout,
		logger:       util.GetLogger(),
	}
}

// Schema returns the preference columns resolved at startup
func (d *NotificationDispatcher) Schema() models.PreferenceSchema {
	return d.schema
}

// Dispatch creates a notification unless the user's preference for category is off.
// A suppressed notification returns (nil, nil). Categories without a column are allowed.
func (d *NotificationDispatcher) Dispatch(ctx context.Context, userID, category, title, message string, data map[string]interface{}) (*models.Notification, error) {
	ctx, span := util.StartSpan(ctx, "NotificationDispatcher.Dispatch",
		attribute.String("notification.category", category))
	defer span.End()

	if userID == "" || category == "" {
		return nil, apperror.Validation("user and category are required")
	}

	allowed, err := d.allowed(ctx, userID, category)
	if err != nil {
		util.NotificationsTotal.WithLabelValues(category, "error").Inc()
		util.RecordError(span, err)
		return nil, err
	}
	if !allowed {
		util.NotificationsTotal.WithLabelValues(category, "suppressed").Inc()
		return nil, nil
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return nil, apperror.Validation("notification data is not serialisable: %v", err)
	}

	n := &models.Notification{
		UserID:  userID,
		Type:    category,
		Title:   title,
		Message: message,
		Read:    false,
		Data:    types.JSONText(payload),
	}

	sctx, cancel := withTimeout(ctx, d.storeTimeout)
	defer cancel()
	if err := d.store.CreateNotification(sctx, n); err != nil {
		util.NotificationsTotal.WithLabelValues(category, "error").Inc()
		util.RecordError(span, err)
		return nil, fmt.Errorf("create notification: %w", err)
	}

	util.NotificationsTotal.WithLabelValues(category, "sent").Inc()
	return n, nil
}

func (d *NotificationDispatcher) allowed(ctx context.Context, userID, category string) (bool, error) {
	if !d.schema.Has(category) {
		d.logger.Debug("No preference column for category, allowing",
			zap.String("category", category))
		return true, nil
	}

	prefs, err := d.load(ctx, userID, func() string { return d.roleOf(ctx, userID, category) })
	if err != nil {
		return false, err
	}
	if v, ok := prefs[category]; ok {
		return v, nil
	}
	return true, nil
}

// load returns a full flag set for userID. A missing row is replaced by role
// defaults which are persisted best-effort; NULL columns take the default value.
func (d *NotificationDispatcher) load(ctx context.Context, userID string, role func() string) (map[string]bool, error) {
	columns := d.schema.Columns()

	sctx, cancel := withTimeout(ctx, d.storeTimeout)
	stored, err := d.store.GetNotificationPreferences(sctx, userID, columns)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("load notification preferences: %w", err)
	}

	if stored != nil && len(stored) == len(columns) {
		return stored, nil
	}

	defaults := models.DefaultPreferences(role(), d.schema)

	if stored == nil {
		sctx, cancel := withTimeout(ctx, d.storeTimeout)
		err := d.store.UpsertNotificationPreferences(sctx, userID, defaults, columns, false)
		cancel()
		if err != nil {
			d.logger.Warn("Failed to persist default notification preferences",
				zap.String("user_id", userID), zap.Error(err))
		}
		return defaults, nil
	}

	for c, v := range stored {
		defaults[c] = v
	}
	return defaults, nil
}

// roleOf reads the account type from the profile. Without a profile the
// audience of the category being sent decides.
func (d *NotificationDispatcher) roleOf(ctx context.Context, userID, category string) string {
	sctx, cancel := withTimeout(ctx, d.storeTimeout)
	defer cancel()

	profile, err := d.store.GetProfile(sctx, userID)
	if err == nil && profile.AccountType != "" {
		return profile.AccountType
	}
	if err != nil {
		d.logger.Debug("Profile lookup failed, deriving role from category",
			zap.String("user_id", userID), zap.Error(err))
	}
	if models.IsSellerCategory(category) {
		return models.AccountTypeSeller
	}
	return models.AccountTypeBuyer
}

func fixedRole(role string) func() string {
	return func() string { return role }
}

// GetPreferences returns the caller's flags, materialising defaults on first read
func (d *NotificationDispatcher) GetPreferences(ctx context.Context, actor models.Identity) (map[string]bool, error) {
	if actor.UserID == "" {
		return nil, apperror.Forbidden("authentication required")
	}
	return d.load(ctx, actor.UserID, fixedRole(actor.AccountType))
}

// UpdatePreferences overwrites the given flags. Flags without a column in the
// current schema are rejected.
func (d *NotificationDispatcher) UpdatePreferences(ctx context.Context, actor models.Identity, flags map[string]bool) (map[string]bool, error) {
	ctx, span := util.StartSpan(ctx, "NotificationDispatcher.UpdatePreferences")
	defer span.End()

	if actor.UserID == "" {
		return nil, apperror.Forbidden("authentication required")
	}
	if len(flags) == 0 {
		return nil, apperror.Validation("no preferences given")
	}

	var unknown []string
	for c := range flags {
		if !d.schema.Has(c) {
			unknown = append(unknown, c)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, apperror.Validation("unknown notification preferences: %s", strings.Join(unknown, ", "))
	}

	// Make sure the row exists so columns not in flags keep role defaults.
	if _, err := d.load(ctx, actor.UserID, fixedRole(actor.AccountType)); err != nil {
		return nil, err
	}

	sctx, cancel := withTimeout(ctx, d.storeTimeout)
	err := d.store.UpsertNotificationPreferences(sctx, actor.UserID, flags, d.schema.Columns(), true)
	cancel()
	if err != nil {
		util.RecordError(span, err)
		return nil, apperror.Internal("failed to save notification preferences", err)
	}

	return d.load(ctx, actor.UserID, fixedRole(actor.AccountType))
}

// ListNotifications returns the caller's newest notifications
func (d *NotificationDispatcher) ListNotifications(ctx context.Context, actor models.Identity, unreadOnly bool, limit int) ([]models.Notification, error) {
	if actor.UserID == "" {
		return nil, apperror.Forbidden("authentication required")
	}
	if limit <= 0 {
		limit = defaultNotificationLimit
	}
	if limit > maxNotificationLimit {
		limit = maxNotificationLimit
	}

	sctx, cancel := withTimeout(ctx, d.storeTimeout)
	defer cancel()

	out, err := d.store.ListNotifications(sctx, actor.UserID, unreadOnly, limit)
	if err != nil {
		return nil, apperror.Internal("failed to list notifications", err)
	}
	if out == nil {
		out = []models.Notification{}
	}
	return out, nil
}

// MarkRead flags one of the caller's notifications as read
func (d *NotificationDispatcher) MarkRead(ctx context.Context, actor models.Identity, notificationID string) error {
	if actor.UserID == "" {
		return apperror.Forbidden("authentication required")
	}

	sctx, cancel := withTimeout(ctx, d.storeTimeout)
	defer cancel()

	ok, err := d.store.MarkNotificationRead(sctx, actor.UserID, notificationID)
	if err != nil {
		return apperror.Internal("failed to update notification", err)
	}
	if !ok {
		return apperror.NotFound("notification not found")
	}
	return nil
}

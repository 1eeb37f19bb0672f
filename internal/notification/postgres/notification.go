package postgres

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	errors "github.com/frahmantamala/tramite-payments/internal"
	"github.com/frahmantamala/tramite-payments/internal/core/datamodel/notification"
	notificationpkg "github.com/frahmantamala/tramite-payments/internal/notification"
)

type NotificationRepository struct {
	db *gorm.DB
}

func NewNotificationRepository(db *gorm.DB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

var _ notificationpkg.Repository = (*NotificationRepository)(nil)

// Create inserts the row and its ordered role set in one transaction.
func (r *NotificationRepository) Create(ctx context.Context, n *notification.Notification) error {
	if err := r.db.WithContext(ctx).Create(n).Error; err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (r *NotificationRepository) Get(ctx context.Context, id int64) (*notification.Notification, error) {
	var n notification.Notification
	err := r.db.WithContext(ctx).Preload("Roles").Where("id = ?", id).First(&n).Error
	if err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.ErrNotificationNotFound
		}
		return nil, err
	}
	return &n, nil
}

func (r *NotificationRepository) MarkRead(ctx context.Context, id int64, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&notification.Notification{}).
		Where("id = ? AND read = ?", id, false).
		Updates(map[string]interface{}{
			"read":    true,
			"read_at": at,
		})
	if res.Error != nil {
		return false, fmt.Errorf("mark notification read: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return true, nil
	}

	var count int64
	if err := r.db.WithContext(ctx).Model(&notification.Notification{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return false, err
	}
	if count == 0 {
		return false, errors.ErrNotificationNotFound
	}
	return false, nil
}

func (r *NotificationRepository) ListUnreadForUser(ctx context.Context, userID string, limit int) ([]*notification.Notification, error) {
	var rows []*notification.Notification
	err := r.db.WithContext(ctx).
		Where("destination_type = ? AND destination_user_id = ? AND read = ?", notification.DestinationUser, userID, false).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (r *NotificationRepository) ListUnreadForRoles(ctx context.Context, roleIDs []string, limit int) ([]*notification.Notification, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}

	addressed := r.db.Model(&notification.NotificationRole{}).Select("notification_id").Where("role_id IN ?", roleIDs)

	var rows []*notification.Notification
	err := r.db.WithContext(ctx).
		Preload("Roles").
		Where("destination_type = ? AND read = ?", notification.DestinationRole, false).
		Where("id IN (?)", addressed).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

package billing

import (
	"context"

	"github.com/ManuelReschke/billingsync/app/models"
)

const (
	defaultNotificationLimit = 50
	maxNotificationLimit     = 200
)

// ListNotifications returns the newest notifications of a user.
func (s *Service) ListNotifications(ctx context.Context, userID uint, unreadOnly bool, limit int) ([]models.BillingNotification, error) {
	if limit <= 0 {
		limit = defaultNotificationLimit
	}
	if limit > maxNotificationLimit {
		limit = maxNotificationLimit
	}
	return s.repo.ListNotifications(ctx, userID, unreadOnly, limit)
}

// MarkNotificationRead dismisses one notification owned by the user.
func (s *Service) MarkNotificationRead(ctx context.Context, userID, id uint) error {
	err := s.repo.MarkNotificationRead(ctx, userID, id, s.clock())
	if isNotFound(err) {
		return ErrNotificationNotFound
	}
	return err
}

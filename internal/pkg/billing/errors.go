package billing

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
)

var (
	ErrSignatureInvalid       = errors.New("billing: webhook signature invalid")
	ErrReplayedTimestamp      = errors.New("billing: webhook timestamp outside tolerance")
	ErrMalformedEvent         = errors.New("billing: malformed webhook event")
	ErrStorageUnavailable     = errors.New("billing: storage unavailable")
	ErrProviderUnreachable    = errors.New("billing: provider unreachable")
	ErrProviderRejected       = errors.New("billing: provider rejected request")
	ErrUnknownCustomer        = errors.New("billing: unknown customer")
	ErrNoCustomer             = errors.New("billing: user has no billing customer")
	ErrLiveSubscriptionExists = errors.New("billing: live subscription already exists")
	ErrTrialAlreadyUsed       = errors.New("billing: trial already used")
	ErrVersionConflict        = errors.New("billing: subscription version conflict")
	ErrEventNotRecorded       = errors.New("billing: webhook event not recorded")
	ErrNotificationNotFound   = errors.New("billing: notification not found")
)

// storageErr wraps database failures so callers can match ErrStorageUnavailable.
// Not-found results pass through untouched.
func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) || errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrStorageUnavailable) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}

func isNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

package sync

import (
	"context"
	"strings"

	"gorm.io/gorm"
)

const opTransaction = "sync.transaction"

// inTransaction runs fn inside a database transaction, replaying the whole
// body on serialization, deadlock, or busy errors up to the configured
// attempt bound. Non-retryable errors propagate immediately.
func (s *Service) inTransaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	var lastErr error
	for attempt := 0; attempt < s.txMaxAttempts; attempt++ {
		err := s.db.WithContext(ctx).Transaction(fn)
		if err == nil {
			return nil
		}
		if !isRetryableTxError(err) {
			return err
		}
		lastErr = err
	}
	return newServiceError(opTransaction, "retries_exhausted", lastErr)
}

// isRetryableTxError reports whether the driver signaled a transient
// contention failure worth replaying the transaction for.
func isRetryableTxError(err error) bool {
	if err == nil {
		return false
	}
	message := strings.ToLower(err.Error())
	for _, marker := range []string{
		"database is locked",
		"database table is locked",
		"sqlite_busy",
		"deadlock",
		"serialization failure",
		"could not serialize",
	} {
		if strings.Contains(message, marker) {
			return true
		}
	}
	return false
}

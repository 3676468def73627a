// internal/storage/storage.go
package storage

import (
	"context"
	"fmt"

	"github.com/localizer/presence/pkg/core"
)

// Subscription is the handle of a live snapshot feed. Cancel is idempotent
// and may be called from inside a callback.
type Subscription interface {
	Cancel()
}

// Backend is the interface all presence store implementations must satisfy
type Backend interface {
	// Lifecycle
	Init() error
	Close() error

	// Point writes. A patch is applied atomically or not at all.
	WriteField(ctx context.Context, userID, path string, value any) error
	Update(ctx context.Context, userID string, patch core.Patch) error
	Delete(ctx context.Context, userID string) error

	// Reads
	ReadAll(ctx context.Context) (core.Snapshot, error)

	// Subscribe delivers the current snapshot once right away, then a new one
	// after every change. Deliveries to one subscriber never overlap and keep
	// the order in which the backend accepted the writes.
	Subscribe(onSnapshot func(core.Snapshot), onError func(error)) (Subscription, error)
}

// WriteError tags err as a failed store write.
func WriteError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, core.ErrStoreWrite, err)
}

// SubscriptionError tags err as a broken live feed.
func SubscriptionError(err error) error {
	return fmt.Errorf("%w: %w", core.ErrStoreSubscription, err)
}

// ValidateUserID rejects ids that cannot be used as a record key.
func ValidateUserID(userID string) error {
	if userID == "" {
		return fmt.Errorf("empty user id")
	}
	return nil
}

// pkg/core/errors.go
package core

import "errors"

var (
	// ErrSamplingUnavailable is reported when the location provider fails.
	ErrSamplingUnavailable = errors.New("sampling unavailable")

	// ErrStoreWrite is returned when a presence write is rejected or cannot reach the backend.
	ErrStoreWrite = errors.New("store write failed")

	// ErrStoreSubscription is delivered to a subscriber whose live feed broke.
	ErrStoreSubscription = errors.New("store subscription failed")

	// ErrIconResolution covers missing avatar blobs, decode and fetch failures.
	ErrIconResolution = errors.New("icon resolution failed")

	// ErrInvalidPositionRecord marks a record holding a partial or malformed position.
	ErrInvalidPositionRecord = errors.New("invalid position record")

	// ErrUnknownField is returned for a patch path the store does not understand.
	ErrUnknownField = errors.New("unknown field")
)

// Package blob stores avatar images by key, either on the local filesystem
// or behind the presence hub's HTTP blob endpoint.
package blob

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrNotFound is returned when no blob exists under a key.
var ErrNotFound = errors.New("blob not found")

// ErrInvalidKey is returned for keys that would escape the store.
var ErrInvalidKey = errors.New("invalid blob key")

// Store fetches and stores bytes by key.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
}

// AvatarPrefix is the folder holding one avatar per user.
const AvatarPrefix = "profile_images"

// AvatarKey returns the blob key of a user's avatar.
func AvatarKey(userID string) string {
	return AvatarPrefix + "/" + userID + ".jpg"
}

// CleanKey validates key and returns it in canonical form.
func CleanKey(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	cleaned := path.Clean(key)
	if cleaned != key || cleaned == "." || strings.HasPrefix(cleaned, "../") || cleaned == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return cleaned, nil
}

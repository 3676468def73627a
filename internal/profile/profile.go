// Package profile seeds and edits the shared user records and avatars.
package profile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"io"
	"log/slog"

	_ "golang.org/x/image/webp"

	"github.com/localizer/presence/internal/blob"
	"github.com/localizer/presence/pkg/core"
)

var (
	// ErrUserExists is returned when registering an id already in the collection.
	ErrUserExists = errors.New("user already registered")
	// ErrUserNotFound is returned when reading an id missing from the collection.
	ErrUserNotFound = errors.New("user not found")
)

// AvatarQuality is the JPEG quality avatars are stored with.
const AvatarQuality = 100

// Store is the part of the presence store profiles need.
type Store interface {
	Update(ctx context.Context, userID string, patch core.Patch) error
	ReadAll(ctx context.Context) (core.Snapshot, error)
}

// Service edits user records and avatars.
type Service struct {
	store   Store
	blobs   blob.Store
	initial core.Position
	logger  *slog.Logger
}

// New creates a profile service. New users are placed at initial until their
// first position is published.
func New(store Store, blobs blob.Store, initial core.Position, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, blobs: blobs, initial: initial, logger: logger}
}

// Register writes the record of a new user.
func (s *Service) Register(ctx context.Context, userID, name, phone string) error {
	if userID == "" {
		return errors.New("empty user id")
	}
	snap, err := s.store.ReadAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to read users: %w", err)
	}
	if _, ok := snap.Get(userID); ok {
		return fmt.Errorf("%w: %s", ErrUserExists, userID)
	}

	err = s.store.Update(ctx, userID, core.Patch{
		core.FieldName:     name,
		core.FieldPhone:    phone,
		core.FieldPosition: s.initial,
	})
	if err != nil {
		return err
	}
	s.logger.Info("User registered", "userId", userID)
	return nil
}

// Update changes the name and phone of a user. Empty values are left alone.
func (s *Service) Update(ctx context.Context, userID, name, phone string) error {
	patch := core.Patch{}
	if name != "" {
		patch[core.FieldName] = name
	}
	if phone != "" {
		patch[core.FieldPhone] = phone
	}
	if len(patch) == 0 {
		return nil
	}
	return s.store.Update(ctx, userID, patch)
}

// Get returns the record of one user.
func (s *Service) Get(ctx context.Context, userID string) (core.UserRecord, error) {
	snap, err := s.store.ReadAll(ctx)
	if err != nil {
		return core.UserRecord{}, fmt.Errorf("failed to read users: %w", err)
	}
	rec, ok := snap.Get(userID)
	if !ok {
		return core.UserRecord{}, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}
	return rec, nil
}

// UploadAvatar re-encodes any supported image as JPEG and stores it as the
// user's avatar.
func (s *Service) UploadAvatar(ctx context.Context, userID string, r io.Reader) error {
	img, format, err := image.Decode(r)
	if err != nil {
		return fmt.Errorf("failed to decode avatar: %w", err)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: AvatarQuality}); err != nil {
		return fmt.Errorf("failed to encode avatar: %w", err)
	}
	if err := s.blobs.Put(ctx, blob.AvatarKey(userID), buf.Bytes()); err != nil {
		return fmt.Errorf("failed to store avatar: %w", err)
	}
	s.logger.Debug("Avatar stored", "userId", userID, "sourceFormat", format, "bytes", buf.Len())
	return nil
}

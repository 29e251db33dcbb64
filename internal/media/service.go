package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/hively/hively-backend/internal/config"
	"github.com/hively/hively-backend/internal/storage"
)

var (
	// ErrNotFound is returned when a media lookup misses.
	ErrNotFound = errors.New("media not found")
	// ErrTooLarge rejects uploads over the configured size cap.
	ErrTooLarge = errors.New("file too large")
	// ErrUnsupportedType rejects anything that is not an image.
	ErrUnsupportedType = errors.New("unsupported content type")
	// ErrBadKey rejects storage keys that try to escape the media dir.
	ErrBadKey = errors.New("bad storage key")
)

var extByType = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
	"image/gif":  ".gif",
}

// Service stores uploaded media on the local disk and records each
// object in the database.
type Service struct {
	db       storage.Querier
	logger   *zap.SugaredLogger
	dir      string
	maxBytes int64
	baseURL  string
}

func NewService(db storage.Querier, logger *zap.SugaredLogger, cfg config.MediaConfig, publicURL string) (*Service, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create media dir %s: %w", cfg.Dir, err)
	}
	return &Service{
		db:       db,
		logger:   logger,
		dir:      cfg.Dir,
		maxBytes: cfg.MaxUploadBytes,
		baseURL:  strings.TrimRight(publicURL, "/"),
	}, nil
}

// Upload streams one image to disk and records it. Reads stop one
// byte past the cap, so an oversized body never lands in full.
func (s *Service) Upload(ctx context.Context, ownerID, contentType string, r io.Reader) (Object, error) {
	ext, ok := extByType[contentType]
	if !ok {
		return Object{}, fmt.Errorf("%w: %s", ErrUnsupportedType, contentType)
	}

	key := uuid.NewString() + ext
	path := filepath.Join(s.dir, key)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return Object{}, fmt.Errorf("failed to create media file: %w", err)
	}

	written, err := io.Copy(f, io.LimitReader(r, s.maxBytes+1))
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		s.discard(path)
		return Object{}, fmt.Errorf("failed to write media file: %w", err)
	}
	if written > s.maxBytes {
		s.discard(path)
		return Object{}, fmt.Errorf("%w: limit is %d bytes", ErrTooLarge, s.maxBytes)
	}

	var o Object
	err = s.db.QueryRow(ctx,
		`INSERT INTO media_objects (id, owner_id, storage_key, content_type, byte_size)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, owner_id, storage_key, content_type, byte_size, created_at`,
		uuid.NewString(), ownerID, key, contentType, written).
		Scan(&o.ID, &o.OwnerID, &o.StorageKey, &o.ContentType, &o.ByteSize, &o.CreatedAt)
	if err != nil {
		s.discard(path)
		return Object{}, fmt.Errorf("failed to record media object: %w", err)
	}

	o.URL = s.urlFor(o.StorageKey)
	s.logger.Infow("media uploaded", "media_id", o.ID, "owner_id", ownerID, "bytes", written)
	return o, nil
}

// Get loads one media object's metadata.
func (s *Service) Get(ctx context.Context, mediaID string) (Object, error) {
	var o Object
	err := s.db.QueryRow(ctx,
		`SELECT id, owner_id, storage_key, content_type, byte_size, created_at
		 FROM media_objects WHERE id = $1`, mediaID).
		Scan(&o.ID, &o.OwnerID, &o.StorageKey, &o.ContentType, &o.ByteSize, &o.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Object{}, ErrNotFound
	}
	if err != nil {
		return Object{}, fmt.Errorf("failed to load media object: %w", err)
	}
	o.URL = s.urlFor(o.StorageKey)
	return o, nil
}

// Path resolves a storage key to its on-disk path. Keys carrying
// path separators or dot segments are rejected outright.
func (s *Service) Path(key string) (string, error) {
	if key == "" || key != filepath.Base(key) || strings.HasPrefix(key, ".") {
		return "", ErrBadKey
	}
	path := filepath.Join(s.dir, key)
	if _, err := os.Stat(path); err != nil {
		return "", ErrNotFound
	}
	return path, nil
}

func (s *Service) urlFor(key string) string {
	return s.baseURL + "/media/" + key
}

func (s *Service) discard(path string) {
	if err := os.Remove(path); err != nil {
		s.logger.Warnw("failed to remove media file", "path", path, "error", err)
	}
}

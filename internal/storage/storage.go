package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"horus-server/internal/config"
)

// ACL is a canned access policy applied to stored objects.
type ACL string

const (
	ACLPrivate    ACL = "private"
	ACLPublicRead ACL = "public-read"
)

// ErrNotFound is returned when the object does not exist.
var ErrNotFound = errors.New("object not found")

// ObjectStorage is the blob store used for deployment packages and thumbnails.
type ObjectStorage interface {
	Put(ctx context.Context, path string, body []byte, contentType string, acl ACL) error
	Delete(ctx context.Context, path string) error
	Presign(ctx context.Context, path string, ttl time.Duration) (string, error)
	SetACL(ctx context.Context, path string, acl ACL) error
}

// New picks the backend from config and wraps it in a circuit breaker.
func New(ctx context.Context, cfg config.Config) (ObjectStorage, error) {
	var backend ObjectStorage
	switch cfg.StorageDriver {
	case "s3":
		s3s, err := NewS3FromConfig(ctx, cfg)
		if err != nil {
			return nil, err
		}
		backend = s3s
	case "local", "":
		dir := cfg.StorageLocalDir
		if dir == "" {
			dir = "./output"
		}
		backend = NewLocal(dir)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
	}
	return NewBreaker(backend, cfg.StorageBreakerFailures, cfg.StorageBreakerTimeout), nil
}

func sanitizeKey(key string) string {
	key = filepath.ToSlash(filepath.Clean(key))
	key = strings.TrimPrefix(key, "/")
	key = strings.TrimPrefix(key, "./")
	for strings.HasPrefix(key, "../") {
		key = strings.TrimPrefix(key, "../")
	}
	return key
}

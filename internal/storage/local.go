package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Local writes objects under a base directory. Private objects are owner-only
// files; public-read objects are world readable.
type Local struct {
	baseDir string
	now     func() time.Time
}

func NewLocal(baseDir string) *Local {
	return &Local{baseDir: baseDir, now: time.Now}
}

func (l *Local) path(key string) string {
	return filepath.Join(l.baseDir, filepath.FromSlash(sanitizeKey(key)))
}

func modeFor(acl ACL) fs.FileMode {
	if acl == ACLPublicRead {
		return 0o644
	}
	return 0o600
}

func (l *Local) Put(_ context.Context, key string, body []byte, _ string, acl ACL) error {
	p := l.path(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(p, body, modeFor(acl)); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	// WriteFile keeps the mode of an existing file.
	if err := os.Chmod(p, modeFor(acl)); err != nil {
		return fmt.Errorf("chmod: %w", err)
	}
	return nil
}

func (l *Local) Delete(_ context.Context, key string) error {
	if err := os.Remove(l.path(key)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("delete %s: %w", key, ErrNotFound)
		}
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Presign returns a file URL carrying the expiry; local files are not access controlled.
func (l *Local) Presign(_ context.Context, key string, ttl time.Duration) (string, error) {
	p := l.path(key)
	if _, err := os.Stat(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("presign %s: %w", key, ErrNotFound)
		}
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	u := url.URL{
		Scheme:   "file",
		Path:     filepath.ToSlash(abs),
		RawQuery: url.Values{"expires": {strconv.FormatInt(l.now().Add(ttl).Unix(), 10)}}.Encode(),
	}
	return u.String(), nil
}

func (l *Local) SetACL(_ context.Context, key string, acl ACL) error {
	if err := os.Chmod(l.path(key), modeFor(acl)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("set acl %s: %w", key, ErrNotFound)
		}
		return fmt.Errorf("set acl %s: %w", key, err)
	}
	return nil
}

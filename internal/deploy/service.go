package deploy

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"horus-server/internal/jobs"
	"horus-server/internal/juggler"
	"horus-server/internal/models"
	"horus-server/internal/storage"
	"horus-server/internal/store"
	"horus-server/internal/telemetry"
)

var versionPattern = regexp.MustCompile(`^[0-9A-Za-z][0-9A-Za-z._+-]{0,63}$`)

// Enqueuer is the part of the enqueue gateway this package needs.
type Enqueuer interface {
	EnqueueJob(ctx context.Context, owner int64, job juggler.Named, priority models.JobPriority) (models.Job, error)
}

type Config struct {
	MinPrivilege    int16
	MaxPackageBytes int64
	PresignTTL      time.Duration
}

type Service struct {
	versions store.VersionStore
	keys     store.KeyStore
	licenses store.LicenseStore
	storage  storage.ObjectStorage
	enqueue  Enqueuer

	minPrivilege int16
	maxPackage   int64
	presignTTL   time.Duration
	bcryptCost   int
	now          func() time.Time
	log          logrus.FieldLogger
}

type Option func(*Service)

// WithBcryptCost lowers the hashing cost, for tests.
func WithBcryptCost(cost int) Option {
	return func(s *Service) { s.bcryptCost = cost }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// Repository is the subset of the record store the service reads and writes.
type Repository interface {
	store.VersionStore
	store.KeyStore
	store.LicenseStore
}

func NewService(repo Repository, objects storage.ObjectStorage, enqueue Enqueuer, cfg Config, opts ...Option) *Service {
	s := &Service{
		versions:     repo,
		keys:         repo,
		licenses:     repo,
		storage:      objects,
		enqueue:      enqueue,
		minPrivilege: cfg.MinPrivilege,
		maxPackage:   cfg.MaxPackageBytes,
		presignTTL:   cfg.PresignTTL,
		bcryptCost:   bcrypt.DefaultCost,
		now:          time.Now,
		log:          logrus.StandardLogger(),
	}
	if s.presignTTL <= 0 {
		s.presignTTL = time.Minute
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DeployRequest is an authenticated upload of one package.
type DeployRequest struct {
	License  models.License
	Secret   string
	Platform string
	Version  string
	Package  []byte
}

// Deploy authorizes the upload and enqueues a Deployment job. Nothing is
// written for a rejected request.
func (s *Service) Deploy(ctx context.Context, req DeployRequest) (models.Job, error) {
	key, err := s.VerifyDeploymentKey(ctx, req.Secret, req.License.Key)
	if err != nil {
		return models.Job{}, err
	}
	platform, ok := models.ParsePlatform(req.Platform)
	if !ok {
		return models.Job{}, fmt.Errorf("%w: %q", ErrInvalidPlatform, req.Platform)
	}
	if !versionPattern.MatchString(req.Version) {
		return models.Job{}, fmt.Errorf("%w: %q", ErrInvalidVersion, req.Version)
	}
	if len(req.Package) == 0 {
		return models.Job{}, ErrEmptyPackage
	}
	if s.maxPackage > 0 && int64(len(req.Package)) > s.maxPackage {
		return models.Job{}, fmt.Errorf("%w: %d bytes", ErrPackageTooLarge, len(req.Package))
	}

	_, err = s.versions.GetVersion(ctx, platform, req.Version)
	switch {
	case err == nil:
		return models.Job{}, fmt.Errorf("version %s for %s: %w", req.Version, platform, store.ErrConflict)
	case !errors.Is(err, store.ErrNotFound):
		return models.Job{}, err
	}

	job := &jobs.Deployment{
		Package:  req.Package,
		KeyHash:  key.KeyHash,
		Version:  req.Version,
		Platform: platform,
	}
	row, err := s.enqueue.EnqueueJob(ctx, req.License.Owner, job, models.PriorityElevated)
	if err != nil {
		return models.Job{}, err
	}
	s.log.WithFields(logrus.Fields{
		"job_id":   row.ID,
		"platform": platform,
		"version":  req.Version,
	}).Info("deployment accepted")
	return row, nil
}

// Publish makes a version downloadable. Only the key it was deployed with may
// publish it; a failed attempt changes nothing.
func (s *Service) Publish(ctx context.Context, secret, platform, version string) (models.HorusVersion, error) {
	return s.setVisibility(ctx, secret, platform, version, true)
}

// Unpublish reverses Publish under the same authorization.
func (s *Service) Unpublish(ctx context.Context, secret, platform, version string) (models.HorusVersion, error) {
	return s.setVisibility(ctx, secret, platform, version, false)
}

func (s *Service) setVisibility(ctx context.Context, secret, platformStr, version string, public bool) (models.HorusVersion, error) {
	platform, ok := models.ParsePlatform(platformStr)
	if !ok {
		return models.HorusVersion{}, fmt.Errorf("%w: %q", ErrInvalidPlatform, platformStr)
	}
	v, err := s.versions.GetVersion(ctx, platform, version)
	if err != nil {
		return models.HorusVersion{}, err
	}
	if secret == "" || !matches(v.DeployedWith, secret) {
		return models.HorusVersion{}, ErrUnauthorized
	}
	if v.IsPublic == public {
		return v, nil
	}

	acl := storage.ACLPrivate
	if public {
		acl = storage.ACLPublicRead
	}
	if err := s.storage.SetACL(ctx, v.StoragePath, acl); err != nil {
		return models.HorusVersion{}, fmt.Errorf("set package acl: %w", err)
	}
	if err := s.versions.SetVersionPublic(ctx, platform, version, public); err != nil {
		return models.HorusVersion{}, err
	}
	v.IsPublic = public
	if public {
		telemetry.VersionsPublished.Inc()
	}
	s.log.WithFields(logrus.Fields{"platform": platform, "version": version, "public": public}).Info("version visibility changed")
	return v, nil
}

// LatestVersion returns the newest public version for a platform.
func (s *Service) LatestVersion(ctx context.Context, platformStr string) (models.HorusVersion, error) {
	platform, ok := models.ParsePlatform(platformStr)
	if !ok {
		return models.HorusVersion{}, fmt.Errorf("%w: %q", ErrInvalidPlatform, platformStr)
	}
	v, err := s.versions.LatestPublicVersion(ctx, platform)
	if errors.Is(err, store.ErrNotFound) {
		return models.HorusVersion{}, fmt.Errorf("%w: %s", ErrNoPublicVersions, platform)
	}
	return v, err
}

// LatestDownloadURL presigns the newest public package for a platform.
func (s *Service) LatestDownloadURL(ctx context.Context, platform string) (string, error) {
	v, err := s.LatestVersion(ctx, platform)
	if err != nil {
		return "", err
	}
	url, err := s.storage.Presign(ctx, v.StoragePath, s.presignTTL)
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", v.StoragePath, err)
	}
	return url, nil
}

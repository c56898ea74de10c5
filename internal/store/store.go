package store

import (
	"context"
	"errors"

	"horus-server/internal/models"
)

var (
	// ErrNotFound is returned when a row does not exist (or is not visible to the caller).
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a unique key is already taken.
	ErrConflict = errors.New("conflict")
	// ErrUnavailable wraps transient connection and pool failures.
	ErrUnavailable = errors.New("store unavailable")
)

// JobStore is the durable record of every job.
type JobStore interface {
	// InsertJob writes a new Waiting row and returns it with id and enqueued_at set.
	InsertJob(ctx context.Context, j models.NewJob) (models.Job, error)
	// BackfillJob attaches the payload and real priority to a row that has none yet.
	BackfillJob(ctx context.Context, id int64, payload []byte, priority models.JobPriority) error
	// ClaimJobs flips up to limit eligible rows whose status is in from to Queued and
	// returns them ordered by priority desc, enqueued_at asc.
	ClaimJobs(ctx context.Context, limit int, from ...models.JobStatus) ([]models.Job, error)
	SetJobStatus(ctx context.Context, id int64, status models.JobStatus) error
	// StartJob moves a Queued job to Running. It reports false, with no change,
	// when the row is no longer Queued.
	StartJob(ctx context.Context, id int64) (bool, error)
	// FinishJob sets a status and appends text to the job's logs in one statement.
	FinishJob(ctx context.Context, id int64, status models.JobStatus, logs string) error
	// ResetStatus bulk-moves every job in from to to and reports how many moved.
	ResetStatus(ctx context.Context, from, to models.JobStatus) (int64, error)
	GetJob(ctx context.Context, id int64) (models.Job, error)
	// JobForOwner returns the job without its payload, scoped to owner.
	JobForOwner(ctx context.Context, id, owner int64) (models.Job, error)
	CountJobsByStatus(ctx context.Context) (map[models.JobStatus]int64, error)
}

// VersionStore records deployed packages.
type VersionStore interface {
	InsertVersion(ctx context.Context, v models.NewHorusVersion) (models.HorusVersion, error)
	GetVersion(ctx context.Context, platform models.Platform, version string) (models.HorusVersion, error)
	SetVersionPublic(ctx context.Context, platform models.Platform, version string, public bool) error
	LatestPublicVersion(ctx context.Context, platform models.Platform) (models.HorusVersion, error)
}

// KeyStore holds deployment key hashes.
type KeyStore interface {
	InsertDeploymentKey(ctx context.Context, k models.DeploymentKey) (models.DeploymentKey, error)
	DeploymentKeyForLicense(ctx context.Context, licenseKey string) (models.DeploymentKey, error)
	IncrementDeployments(ctx context.Context, keyHash string) error
}

// LicenseStore resolves API keys to licenses.
type LicenseStore interface {
	InsertLicense(ctx context.Context, key models.LicenseKey, owner int64) (models.License, error)
	GetLicenseKey(ctx context.Context, key string) (models.LicenseKey, error)
	GetLicense(ctx context.Context, key string) (models.License, error)
}

// Repository is everything the server needs from the relational store.
type Repository interface {
	JobStore
	VersionStore
	KeyStore
	LicenseStore
	Close()
}

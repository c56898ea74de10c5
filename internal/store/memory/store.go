// Package memory is an in-process implementation of the store contracts. It
// backs tests and STORE_DRIVER=memory for local runs; nothing survives a restart.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"horus-server/internal/models"
	"horus-server/internal/store"
)

type versionKey struct {
	platform models.Platform
	version  string
}

// Store holds every table in maps guarded by one mutex.
type Store struct {
	mu    sync.Mutex
	now   func() time.Time
	jobs  map[int64]*models.Job
	jobID int64

	versions  map[versionKey]*models.HorusVersion
	versionID int64

	deployKeys  map[string]*models.DeploymentKey // by hash
	licenseKeys map[string]models.LicenseKey
	licenses    map[string]models.License
}

var _ store.Repository = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the timestamp source for enqueued_at and deploy_timestamp.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(opts ...Option) *Store {
	s := &Store{
		now:         time.Now,
		jobs:        make(map[int64]*models.Job),
		versions:    make(map[versionKey]*models.HorusVersion),
		deployKeys:  make(map[string]*models.DeploymentKey),
		licenseKeys: make(map[string]models.LicenseKey),
		licenses:    make(map[string]models.License),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Close() {}

func (s *Store) InsertJob(_ context.Context, j models.NewJob) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobID++
	job := &models.Job{
		ID:         s.jobID,
		Owner:      j.Owner,
		Status:     models.StatusWaiting,
		Name:       j.Name,
		Payload:    cloneBytes(j.Payload),
		EnqueuedAt: s.now().UTC(),
		Priority:   j.Priority,
	}
	s.jobs[job.ID] = job
	return copyJob(job), nil
}

func (s *Store) BackfillJob(_ context.Context, id int64, payload []byte, priority models.JobPriority) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || job.Payload != nil || job.Status != models.StatusWaiting {
		return fmt.Errorf("backfill job %d: %w", id, store.ErrNotFound)
	}
	job.Payload = cloneBytes(payload)
	if job.Payload == nil {
		job.Payload = []byte{}
	}
	job.Priority = priority
	return nil
}

func (s *Store) ClaimJobs(_ context.Context, limit int, from ...models.JobStatus) ([]models.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	if len(from) == 0 {
		from = []models.JobStatus{models.StatusWaiting}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	candidates := make([]*models.Job, 0)
	for _, job := range s.jobs {
		if job.Priority == models.PriorityDoNotProcess || !statusIn(job.Status, from) {
			continue
		}
		candidates = append(candidates, job)
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
			return a.EnqueuedAt.Before(b.EnqueuedAt)
		}
		return a.ID < b.ID
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	out := make([]models.Job, 0, len(candidates))
	for _, job := range candidates {
		job.Status = models.StatusQueued
		out = append(out, copyJob(job))
	}
	return out, nil
}

func (s *Store) SetJobStatus(_ context.Context, id int64, status models.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("set job status %d: %w", id, store.ErrNotFound)
	}
	job.Status = status
	return nil
}

func (s *Store) StartJob(_ context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || job.Status != models.StatusQueued {
		return false, nil
	}
	job.Status = models.StatusRunning
	return true, nil
}

func (s *Store) FinishJob(_ context.Context, id int64, status models.JobStatus, logs string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("finish job %d: %w", id, store.ErrNotFound)
	}
	job.Status = status
	job.Logs += logs
	return nil
}

func (s *Store) ResetStatus(_ context.Context, from, to models.JobStatus) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, job := range s.jobs {
		if job.Status == from {
			job.Status = to
			n++
		}
	}
	return n, nil
}

func (s *Store) GetJob(_ context.Context, id int64) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("get job %d: %w", id, store.ErrNotFound)
	}
	return copyJob(job), nil
}

func (s *Store) JobForOwner(_ context.Context, id, owner int64) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || job.Owner != owner {
		return models.Job{}, fmt.Errorf("get job %d for owner: %w", id, store.ErrNotFound)
	}
	out := copyJob(job)
	out.Payload = nil
	return out, nil
}

func (s *Store) CountJobsByStatus(_ context.Context) (map[models.JobStatus]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[models.JobStatus]int64)
	for _, job := range s.jobs {
		out[job.Status]++
	}
	return out, nil
}

func (s *Store) InsertVersion(_ context.Context, v models.NewHorusVersion) (models.HorusVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := versionKey{platform: v.Platform, version: v.VersionString}
	if _, exists := s.versions[key]; exists {
		return models.HorusVersion{}, fmt.Errorf("insert version %s/%s: %w", v.Platform, v.VersionString, store.ErrConflict)
	}
	if _, ok := s.deployKeys[v.DeployedWith]; !ok {
		return models.HorusVersion{}, fmt.Errorf("insert version: unknown deployment key")
	}
	s.versionID++
	row := &models.HorusVersion{
		ID:              s.versionID,
		DeployedWith:    v.DeployedWith,
		StoragePath:     v.StoragePath,
		VersionString:   v.VersionString,
		Platform:        v.Platform,
		DeployTimestamp: s.now().UTC(),
	}
	s.versions[key] = row
	return *row, nil
}

func (s *Store) GetVersion(_ context.Context, platform models.Platform, version string) (models.HorusVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.versions[versionKey{platform: platform, version: version}]
	if !ok {
		return models.HorusVersion{}, fmt.Errorf("get version %s/%s: %w", platform, version, store.ErrNotFound)
	}
	return *row, nil
}

func (s *Store) SetVersionPublic(_ context.Context, platform models.Platform, version string, public bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.versions[versionKey{platform: platform, version: version}]
	if !ok {
		return fmt.Errorf("set version visibility %s/%s: %w", platform, version, store.ErrNotFound)
	}
	row.IsPublic = public
	return nil
}

func (s *Store) LatestPublicVersion(_ context.Context, platform models.Platform) (models.HorusVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *models.HorusVersion
	for _, row := range s.versions {
		if row.Platform != platform || !row.IsPublic {
			continue
		}
		if best == nil || row.DeployTimestamp.After(best.DeployTimestamp) ||
			(row.DeployTimestamp.Equal(best.DeployTimestamp) && row.ID > best.ID) {
			best = row
		}
	}
	if best == nil {
		return models.HorusVersion{}, fmt.Errorf("latest public version %s: %w", platform, store.ErrNotFound)
	}
	return *best, nil
}

func (s *Store) InsertDeploymentKey(_ context.Context, k models.DeploymentKey) (models.DeploymentKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.licenseKeys[k.LicenseKey]; !ok {
		return models.DeploymentKey{}, fmt.Errorf("insert deployment key: unknown license key")
	}
	if _, exists := s.deployKeys[k.KeyHash]; exists {
		return models.DeploymentKey{}, fmt.Errorf("insert deployment key: %w", store.ErrConflict)
	}
	for _, existing := range s.deployKeys {
		if existing.LicenseKey == k.LicenseKey {
			return models.DeploymentKey{}, fmt.Errorf("insert deployment key: %w", store.ErrConflict)
		}
	}
	row := k
	s.deployKeys[k.KeyHash] = &row
	return row, nil
}

func (s *Store) DeploymentKeyForLicense(_ context.Context, licenseKey string) (models.DeploymentKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range s.deployKeys {
		if k.LicenseKey == licenseKey {
			return *k, nil
		}
	}
	return models.DeploymentKey{}, fmt.Errorf("get deployment key: %w", store.ErrNotFound)
}

func (s *Store) IncrementDeployments(_ context.Context, keyHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.deployKeys[keyHash]
	if !ok {
		return fmt.Errorf("increment deployments: %w", store.ErrNotFound)
	}
	k.Deployments++
	return nil
}

func (s *Store) InsertLicense(_ context.Context, key models.LicenseKey, owner int64) (models.License, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.licenseKeys[key.Key]; exists {
		return models.License{}, fmt.Errorf("insert license key: %w", store.ErrConflict)
	}
	s.licenseKeys[key.Key] = key
	lic := models.License{Key: key.Key, Owner: owner}
	s.licenses[key.Key] = lic
	return lic, nil
}

func (s *Store) GetLicenseKey(_ context.Context, key string) (models.LicenseKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.licenseKeys[key]
	if !ok {
		return models.LicenseKey{}, fmt.Errorf("get license key: %w", store.ErrNotFound)
	}
	return k, nil
}

func (s *Store) GetLicense(_ context.Context, key string) (models.License, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lic, ok := s.licenses[key]
	if !ok {
		return models.License{}, fmt.Errorf("get license: %w", store.ErrNotFound)
	}
	return lic, nil
}

func statusIn(st models.JobStatus, set []models.JobStatus) bool {
	for _, s := range set {
		if s == st {
			return true
		}
	}
	return false
}

func copyJob(j *models.Job) models.Job {
	out := *j
	out.Payload = cloneBytes(j.Payload)
	return out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

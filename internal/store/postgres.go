package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"horus-server/internal/models"
)

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

var _ Repository = (*Store)(nil)

// Option tunes the pool before it connects.
type Option func(*pgxpool.Config)

// WithMaxConns caps the pool. The juggler runs with a single held connection.
func WithMaxConns(n int32) Option {
	return func(c *pgxpool.Config) {
		c.MaxConns = n
		if c.MinConns > n {
			c.MinConns = n
		}
	}
}

// WithMinConns keeps n connections open for the pool's lifetime.
func WithMinConns(n int32) Option {
	return func(c *pgxpool.Config) {
		c.MinConns = n
	}
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	for _, opt := range opts {
		opt(cfg)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, classify("ping postgres", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const jobColumns = `id, owner, job_status, job_name, job_data, time_queued, priority, logs`

// InsertJob writes the metadata row. Status always starts as Waiting.
func (s *Store) InsertJob(ctx context.Context, j models.NewJob) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO horus_jobs (owner, job_status, job_name, job_data, priority)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+jobColumns,
		j.Owner, int32(models.StatusWaiting), j.Name, j.Payload, int32(j.Priority))
	job, err := scanJob(row)
	if err != nil {
		return models.Job{}, classify("insert job", err)
	}
	return job, nil
}

// BackfillJob attaches payload and priority. A row that already has a payload is
// left untouched and reported as not found.
func (s *Store) BackfillJob(ctx context.Context, id int64, payload []byte, priority models.JobPriority) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE horus_jobs SET job_data = $2, priority = $3
		WHERE id = $1 AND job_data IS NULL AND job_status = $4
	`, id, payload, int32(priority), int32(models.StatusWaiting))
	if err != nil {
		return classify("backfill job", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("backfill job %d: %w", id, ErrNotFound)
	}
	return nil
}

// ClaimJobs selects and flips candidates in one statement so two claimers can
// never observe the same row.
func (s *Store) ClaimJobs(ctx context.Context, limit int, from ...models.JobStatus) ([]models.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	if len(from) == 0 {
		from = []models.JobStatus{models.StatusWaiting}
	}
	statuses := make([]int32, 0, len(from))
	for _, st := range from {
		statuses = append(statuses, int32(st))
	}

	rows, err := s.pool.Query(ctx, `
		WITH claimed AS (
			UPDATE horus_jobs SET job_status = $1
			WHERE id IN (
				SELECT id FROM horus_jobs
				WHERE job_status = ANY($2) AND priority <> $3
				ORDER BY priority DESC, time_queued ASC, id ASC
				FOR UPDATE SKIP LOCKED
				LIMIT $4
			)
			RETURNING `+jobColumns+`
		)
		SELECT `+jobColumns+` FROM claimed ORDER BY priority DESC, time_queued ASC, id ASC
	`, int32(models.StatusQueued), statuses, int32(models.PriorityDoNotProcess), limit)
	if err != nil {
		return nil, classify("claim jobs", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, classify("scan claimed job", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("claim jobs", err)
	}
	return jobs, nil
}

func (s *Store) SetJobStatus(ctx context.Context, id int64, status models.JobStatus) error {
	tag, err := s.pool.Exec(ctx, `UPDATE horus_jobs SET job_status = $2 WHERE id = $1`, id, int32(status))
	if err != nil {
		return classify("set job status", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("set job status %d: %w", id, ErrNotFound)
	}
	return nil
}

func (s *Store) StartJob(ctx context.Context, id int64) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE horus_jobs SET job_status = $2
		WHERE id = $1 AND job_status = $3
	`, id, int32(models.StatusRunning), int32(models.StatusQueued))
	if err != nil {
		return false, classify("start job", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) FinishJob(ctx context.Context, id int64, status models.JobStatus, logs string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE horus_jobs SET job_status = $2, logs = CONCAT(logs, $3::text)
		WHERE id = $1
	`, id, int32(status), logs)
	if err != nil {
		return classify("finish job", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("finish job %d: %w", id, ErrNotFound)
	}
	return nil
}

func (s *Store) ResetStatus(ctx context.Context, from, to models.JobStatus) (int64, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE horus_jobs SET job_status = $2 WHERE job_status = $1`, int32(from), int32(to))
	if err != nil {
		return 0, classify("reset job status", err)
	}
	return tag.RowsAffected(), nil
}

// GetJob fetches a job by id, payload included.
func (s *Store) GetJob(ctx context.Context, id int64) (models.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM horus_jobs WHERE id = $1`, id))
	if err != nil {
		return models.Job{}, classify("get job", err)
	}
	return job, nil
}

func (s *Store) JobForOwner(ctx context.Context, id, owner int64) (models.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `
		SELECT id, owner, job_status, job_name, NULL::bytea, time_queued, priority, logs
		FROM horus_jobs WHERE id = $1 AND owner = $2
	`, id, owner))
	if err != nil {
		return models.Job{}, classify("get job for owner", err)
	}
	return job, nil
}

func (s *Store) CountJobsByStatus(ctx context.Context) (map[models.JobStatus]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT job_status, COUNT(*) FROM horus_jobs GROUP BY job_status`)
	if err != nil {
		return nil, classify("count jobs", err)
	}
	defer rows.Close()

	out := make(map[models.JobStatus]int64)
	for rows.Next() {
		var status int32
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, classify("scan job count", err)
		}
		out[models.JobStatus(status)] = n
	}
	return out, rows.Err()
}

const versionColumns = `id, deployed_with, aws_bucket_path, version_string, platform, deploy_timestamp, is_public`

func (s *Store) InsertVersion(ctx context.Context, v models.NewHorusVersion) (models.HorusVersion, error) {
	out, err := scanVersion(s.pool.QueryRow(ctx, `
		INSERT INTO horus_versions (deployed_with, aws_bucket_path, version_string, platform)
		VALUES ($1, $2, $3, $4)
		RETURNING `+versionColumns,
		v.DeployedWith, v.StoragePath, v.VersionString, string(v.Platform)))
	if err != nil {
		return models.HorusVersion{}, classify("insert version", err)
	}
	return out, nil
}

func (s *Store) GetVersion(ctx context.Context, platform models.Platform, version string) (models.HorusVersion, error) {
	out, err := scanVersion(s.pool.QueryRow(ctx, `
		SELECT `+versionColumns+` FROM horus_versions WHERE platform = $1 AND version_string = $2
	`, string(platform), version))
	if err != nil {
		return models.HorusVersion{}, classify("get version", err)
	}
	return out, nil
}

func (s *Store) SetVersionPublic(ctx context.Context, platform models.Platform, version string, public bool) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE horus_versions SET is_public = $3 WHERE platform = $1 AND version_string = $2
	`, string(platform), version, public)
	if err != nil {
		return classify("set version visibility", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("set version visibility %s/%s: %w", platform, version, ErrNotFound)
	}
	return nil
}

func (s *Store) LatestPublicVersion(ctx context.Context, platform models.Platform) (models.HorusVersion, error) {
	out, err := scanVersion(s.pool.QueryRow(ctx, `
		SELECT `+versionColumns+` FROM horus_versions
		WHERE platform = $1 AND is_public
		ORDER BY deploy_timestamp DESC, id DESC
		LIMIT 1
	`, string(platform)))
	if err != nil {
		return models.HorusVersion{}, classify("latest public version", err)
	}
	return out, nil
}

func (s *Store) InsertDeploymentKey(ctx context.Context, k models.DeploymentKey) (models.DeploymentKey, error) {
	var out models.DeploymentKey
	err := s.pool.QueryRow(ctx, `
		INSERT INTO deployment_keys (key, deployments, license_key)
		VALUES ($1, $2, $3)
		RETURNING key, deployments, license_key
	`, k.KeyHash, k.Deployments, k.LicenseKey).Scan(&out.KeyHash, &out.Deployments, &out.LicenseKey)
	if err != nil {
		return models.DeploymentKey{}, classify("insert deployment key", err)
	}
	return out, nil
}

func (s *Store) DeploymentKeyForLicense(ctx context.Context, licenseKey string) (models.DeploymentKey, error) {
	var out models.DeploymentKey
	err := s.pool.QueryRow(ctx, `
		SELECT key, deployments, license_key FROM deployment_keys WHERE license_key = $1
	`, licenseKey).Scan(&out.KeyHash, &out.Deployments, &out.LicenseKey)
	if err != nil {
		return models.DeploymentKey{}, classify("get deployment key", err)
	}
	return out, nil
}

func (s *Store) IncrementDeployments(ctx context.Context, keyHash string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE deployment_keys SET deployments = deployments + 1 WHERE key = $1`, keyHash)
	if err != nil {
		return classify("increment deployments", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("increment deployments: %w", ErrNotFound)
	}
	return nil
}

// InsertLicense writes the key before the license because of the foreign key.
func (s *Store) InsertLicense(ctx context.Context, key models.LicenseKey, owner int64) (models.License, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.License{}, classify("begin tx", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	var privilege pgtype.Int2
	if key.PrivilegeLevel != nil {
		privilege = pgtype.Int2{Int16: *key.PrivilegeLevel, Valid: true}
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO horus_license_keys (key, privilege_level, issued_on, valid_until)
		VALUES ($1, $2, $3, $4)
	`, key.Key, privilege, key.IssuedOn, key.ValidUntil); err != nil {
		return models.License{}, classify("insert license key", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO horus_licenses (key, owner) VALUES ($1, $2)`, key.Key, owner); err != nil {
		return models.License{}, classify("insert license", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.License{}, classify("commit", err)
	}
	return models.License{Key: key.Key, Owner: owner}, nil
}

func (s *Store) GetLicenseKey(ctx context.Context, key string) (models.LicenseKey, error) {
	var out models.LicenseKey
	var privilege pgtype.Int2
	err := s.pool.QueryRow(ctx, `
		SELECT key, privilege_level, issued_on, valid_until FROM horus_license_keys WHERE key = $1
	`, key).Scan(&out.Key, &privilege, &out.IssuedOn, &out.ValidUntil)
	if err != nil {
		return models.LicenseKey{}, classify("get license key", err)
	}
	if privilege.Valid {
		out.PrivilegeLevel = &privilege.Int16
	}
	return out, nil
}

func (s *Store) GetLicense(ctx context.Context, key string) (models.License, error) {
	var out models.License
	err := s.pool.QueryRow(ctx, `SELECT key, owner FROM horus_licenses WHERE key = $1`, key).Scan(&out.Key, &out.Owner)
	if err != nil {
		return models.License{}, classify("get license", err)
	}
	return out, nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var (
		job      models.Job
		status   int32
		priority int32
		logs     pgtype.Text
		queued   time.Time
	)
	if err := row.Scan(&job.ID, &job.Owner, &status, &job.Name, &job.Payload, &queued, &priority, &logs); err != nil {
		return models.Job{}, err
	}
	job.Status = models.JobStatus(status)
	job.Priority = models.JobPriority(priority)
	job.EnqueuedAt = queued
	if logs.Valid {
		job.Logs = logs.String
	}
	return job, nil
}

func scanVersion(row pgx.Row) (models.HorusVersion, error) {
	var (
		v        models.HorusVersion
		platform string
	)
	if err := row.Scan(&v.ID, &v.DeployedWith, &v.StoragePath, &v.VersionString, &platform, &v.DeployTimestamp, &v.IsPublic); err != nil {
		return models.HorusVersion{}, err
	}
	v.Platform = models.Platform(platform)
	return v, nil
}

// classify maps driver errors onto the package sentinels.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%s: %w: %w", op, ErrConflict, err)
		case "53300", "57P01", "57P03":
			return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) || pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

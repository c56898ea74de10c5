// Package deploy issues and verifies deployment keys and handles the
// synchronous parts of the deployment pipeline: accepting uploads, publishing
// and looking up released versions.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"golang.org/x/crypto/bcrypt"

	"horus-server/internal/models"
	"horus-server/internal/store"
)

const (
	alphanumeric = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

	// bcrypt only reads the first 72 bytes of its input.
	deploymentSecretLength = 64
	licenseKeyLength       = 32
)

var (
	ErrUnauthorized     = errors.New("unauthorized")
	ErrPrivilegeTooLow  = errors.New("license privilege too low")
	ErrLicenseExpired   = errors.New("license expired")
	ErrInvalidPlatform  = errors.New("unknown platform, are you sure the platform is correct?")
	ErrInvalidVersion   = errors.New("invalid version string")
	ErrEmptyPackage     = errors.New("deployment package is empty")
	ErrPackageTooLarge  = errors.New("deployment package too large")
	ErrNoPublicVersions = errors.New("no public version for platform")
)

// IssueLicense creates a license key for owner. A zero validFor never expires.
func (s *Service) IssueLicense(ctx context.Context, owner int64, privilege int16, validFor time.Duration) (models.LicenseKey, error) {
	key, err := gonanoid.Generate(alphanumeric, licenseKeyLength)
	if err != nil {
		return models.LicenseKey{}, fmt.Errorf("generate license key: %w", err)
	}
	now := s.now().UTC()
	lk := models.LicenseKey{Key: key, PrivilegeLevel: &privilege, IssuedOn: now}
	if validFor > 0 {
		lk.ValidUntil = now.Add(validFor)
	}
	if _, err := s.licenses.InsertLicense(ctx, lk, owner); err != nil {
		return models.LicenseKey{}, fmt.Errorf("issue license: %w", err)
	}
	return lk, nil
}

// ResolveLicense maps an API key to its license, rejecting unknown and
// expired keys.
func (s *Service) ResolveLicense(ctx context.Context, apiKey string) (models.License, error) {
	if apiKey == "" {
		return models.License{}, ErrUnauthorized
	}
	lk, err := s.licenses.GetLicenseKey(ctx, apiKey)
	if errors.Is(err, store.ErrNotFound) {
		return models.License{}, ErrUnauthorized
	}
	if err != nil {
		return models.License{}, err
	}
	if lk.Expired(s.now()) {
		return models.License{}, ErrLicenseExpired
	}
	lic, err := s.licenses.GetLicense(ctx, apiKey)
	if errors.Is(err, store.ErrNotFound) {
		return models.License{}, ErrUnauthorized
	}
	return lic, err
}

// IssueDeploymentKey generates a secret for licenseKey, stores only its bcrypt
// hash and returns the plaintext. The plaintext cannot be recovered later.
func (s *Service) IssueDeploymentKey(ctx context.Context, licenseKey string) (string, models.DeploymentKey, error) {
	lk, err := s.licenses.GetLicenseKey(ctx, licenseKey)
	if errors.Is(err, store.ErrNotFound) {
		return "", models.DeploymentKey{}, ErrUnauthorized
	}
	if err != nil {
		return "", models.DeploymentKey{}, err
	}
	if lk.Expired(s.now()) {
		return "", models.DeploymentKey{}, ErrLicenseExpired
	}
	if lk.PrivilegeLevel == nil || *lk.PrivilegeLevel < s.minPrivilege {
		return "", models.DeploymentKey{}, ErrPrivilegeTooLow
	}

	secret, err := gonanoid.Generate(alphanumeric, deploymentSecretLength)
	if err != nil {
		return "", models.DeploymentKey{}, fmt.Errorf("generate deployment key: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), s.bcryptCost)
	if err != nil {
		return "", models.DeploymentKey{}, fmt.Errorf("hash deployment key: %w", err)
	}

	row, err := s.keys.InsertDeploymentKey(ctx, models.DeploymentKey{KeyHash: string(hash), LicenseKey: licenseKey})
	if err != nil {
		return "", models.DeploymentKey{}, fmt.Errorf("issue deployment key: %w", err)
	}
	return secret, row, nil
}

// VerifyDeploymentKey checks secret against the hash stored for licenseKey.
// Missing records and mismatches both yield ErrUnauthorized.
func (s *Service) VerifyDeploymentKey(ctx context.Context, secret, licenseKey string) (models.DeploymentKey, error) {
	if secret == "" || licenseKey == "" {
		return models.DeploymentKey{}, ErrUnauthorized
	}
	key, err := s.keys.DeploymentKeyForLicense(ctx, licenseKey)
	if errors.Is(err, store.ErrNotFound) {
		return models.DeploymentKey{}, ErrUnauthorized
	}
	if err != nil {
		return models.DeploymentKey{}, err
	}
	if !matches(key.KeyHash, secret) {
		return models.DeploymentKey{}, ErrUnauthorized
	}
	return key, nil
}

func matches(hash, secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}

// CheckLicenseKey returns the key record when it exists and has not expired.
func (s *Service) CheckLicenseKey(ctx context.Context, apiKey string) (models.LicenseKey, error) {
	lk, err := s.licenses.GetLicenseKey(ctx, apiKey)
	if err != nil {
		return models.LicenseKey{}, err
	}
	if lk.Expired(s.now()) {
		return models.LicenseKey{}, ErrLicenseExpired
	}
	return lk, nil
}

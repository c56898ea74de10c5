package models

import (
	"fmt"
	"time"
)

// Platform is a build target a package can be deployed for.
type Platform string

const (
	PlatformWin64 Platform = "win64"
	PlatformWin32 Platform = "win32"
	PlatformLinux Platform = "linux"
	PlatformOSX   Platform = "osx"
)

// ParsePlatform validates a platform string from a request path.
func ParsePlatform(s string) (Platform, bool) {
	switch p := Platform(s); p {
	case PlatformWin64, PlatformWin32, PlatformLinux, PlatformOSX:
		return p, true
	}
	return "", false
}

// HorusVersion is the durable record of a deployed package.
type HorusVersion struct {
	ID              int64     `json:"id"`
	DeployedWith    string    `json:"-"`
	StoragePath     string    `json:"storage_path"`
	VersionString   string    `json:"version"`
	Platform        Platform  `json:"platform"`
	DeployTimestamp time.Time `json:"deploy_timestamp"`
	IsPublic        bool      `json:"is_public"`
}

// NewHorusVersion holds the fields written by a successful deployment.
type NewHorusVersion struct {
	DeployedWith  string
	StoragePath   string
	VersionString string
	Platform      Platform
}

// PackagePath is the object storage key for a deployed package.
func PackagePath(version string, platform Platform) string {
	return fmt.Sprintf("deployments/%s/%s/horus-%s-%s.pkg", platform, version, version, platform)
}

// DeploymentKey authorizes uploads and publishing for one license.
type DeploymentKey struct {
	KeyHash     string `json:"-"`
	Deployments int    `json:"deployments"`
	LicenseKey  string `json:"license_key"`
}

// LicenseKey is an API key with a privilege level and validity window.
type LicenseKey struct {
	Key            string    `json:"key"`
	PrivilegeLevel *int16    `json:"privilege_level,omitempty"`
	IssuedOn       time.Time `json:"issued_on"`
	ValidUntil     time.Time `json:"valid_until"`
}

// Expired reports whether the key is past its validity window at now.
func (k LicenseKey) Expired(now time.Time) bool {
	return !k.ValidUntil.IsZero() && now.After(k.ValidUntil)
}

// License binds a license key to its owning user.
type License struct {
	Key   string `json:"key"`
	Owner int64  `json:"owner"`
}

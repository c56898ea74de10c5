package jobs

import (
	"context"
	"fmt"

	"horus-server/internal/models"
	"horus-server/internal/storage"
)

// Deployment uploads a package privately and records it as a version.
// The key hash has already been verified by the producer.
type Deployment struct {
	Package  []byte          `json:"deployment_package"`
	KeyHash  string          `json:"deployment_key_hash"`
	Version  string          `json:"version_string"`
	Platform models.Platform `json:"platform_string"`

	LogBuffer `json:"-"`
}

// JobName is the name stored on the job row.
func (d *Deployment) JobName() string {
	return fmt.Sprintf("%s:%s", KindDeployment, d.Platform)
}

func (d *Deployment) Execute(ctx context.Context, env Env) Result {
	path := models.PackagePath(d.Version, d.Platform)
	d.Log(fmt.Sprintf("uploading %d bytes to %s", len(d.Package), path))

	if err := env.Storage.Put(ctx, path, d.Package, "application/octet-stream", storage.ACLPrivate); err != nil {
		d.Log(fmt.Sprintf("upload failed: %v", err))
		return Failed()
	}

	v, err := env.Versions.InsertVersion(ctx, models.NewHorusVersion{
		DeployedWith:  d.KeyHash,
		StoragePath:   path,
		VersionString: d.Version,
		Platform:      d.Platform,
	})
	if err != nil {
		// The object is not removed; the path is kept in the log for cleanup.
		d.Log(fmt.Sprintf("package left in storage without a version record: %s", path))
		return FailedWithReason(fmt.Sprintf("record version %s for %s: %v", d.Version, d.Platform, err))
	}

	if err := env.Keys.IncrementDeployments(ctx, d.KeyHash); err != nil {
		d.Log(fmt.Sprintf("could not bump deployment counter: %v", err))
		if env.Logger != nil {
			env.Logger.WithError(err).Warn("increment deployments")
		}
	}

	d.Log(fmt.Sprintf("deployed %s for %s (version id %d)", v.VersionString, v.Platform, v.ID))
	return Complete()
}

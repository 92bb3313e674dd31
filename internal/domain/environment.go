package domain

import (
	"context"
	"time"
)

// Identity is the content hash of a canonicalized Manifest.
// It is the cache key for runtime environments.
type Identity string

// String returns the hex form of the identity.
func (id Identity) String() string {
	return string(id)
}

// Short returns the first 12 characters, for logs and image tags.
func (id Identity) Short() string {
	if len(id) <= 12 {
		return string(id)
	}
	return string(id[:12])
}

// EnvState is the provisioning state of an environment.
type EnvState string

const (
	EnvAbsent       EnvState = "absent"
	EnvProvisioning EnvState = "provisioning"
	EnvReady        EnvState = "ready"
	EnvFailed       EnvState = "failed"
)

// EnvironmentRecord describes one provisioned isolated runtime.
// Records handed to callers are copies; the cache owns the originals.
type EnvironmentRecord struct {
	Identity Identity `json:"identity"`
	// Location is the environment's directory under the cache root.
	Location string   `json:"location"`
	State    EnvState `json:"state"`
	// Manifest is the manifest the environment was created from. It is kept
	// for inspection only and never used to derive the identity.
	Manifest Manifest `json:"manifest"`
	// Backend names the provisioner that built the environment ("venv", "docker").
	Backend string `json:"backend"`
	// Runtime is the backend-specific handle: an interpreter path for venv
	// environments, an image reference for docker environments.
	Runtime        string    `json:"runtime"`
	RuntimeVersion string    `json:"runtime_version,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastUsed       time.Time `json:"last_used"`
}

// Provisioner populates a freshly created environment with its packages.
type Provisioner interface {
	// Name identifies the backend ("venv", "docker").
	Name() string

	// Provision installs env.Manifest into env.Location. It must fail with a
	// *VersionMismatchError before installing anything when the runtime
	// version does not satisfy the manifest, and with an *InstallError when
	// the installer exits non-zero. On success it sets env.Runtime and
	// env.RuntimeVersion. Calling it again on a populated location is safe.
	Provision(ctx context.Context, env *EnvironmentRecord) error

	// Remove releases backend resources held outside env.Location.
	Remove(ctx context.Context, env EnvironmentRecord) error
}

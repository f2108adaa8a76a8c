// Package identity generates and persists the identifiers used throughout the
// pipeline: session, event, batch and attachment ids are random UUIDs, while
// the installation id is minted once and kept in the key-value store across
// process restarts.
package identity

import (
	"fmt"

	"github.com/google/uuid"
)

const installationIDKey = "installation_id"

// IDProvider mints opaque, globally unique identifiers.
type IDProvider interface {
	NewID() string
}

type uuidProvider struct{}

// NewUUIDProvider returns an IDProvider backed by random UUIDs.
func NewUUIDProvider() IDProvider {
	return uuidProvider{}
}

func (uuidProvider) NewID() string {
	return uuid.NewString()
}

// KV is the small key-value surface identity needs from the store.
type KV interface {
	Get(key string) (string, bool, error)
	Put(key, value string) error
}

// InstallationID returns the stable per-install identifier, creating and
// persisting one on first use.
func InstallationID(kv KV, ids IDProvider) (string, error) {
	v, ok, err := kv.Get(installationIDKey)
	if err != nil {
		return "", fmt.Errorf("read installation id: %w", err)
	}
	if ok && v != "" {
		return v, nil
	}
	id := ids.NewID()
	if err := kv.Put(installationIDKey, id); err != nil {
		return "", fmt.Errorf("persist installation id: %w", err)
	}
	return id, nil
}

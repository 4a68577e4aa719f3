package storage

import (
	"context"
	"time"
)

// PresenceRegistry records which balanz instance currently holds the
// WebSocket connection for a charger. In a multi-instance deployment
// the registry lets peers route central-initiated calls to the owning
// instance; entries carry a TTL so crashed instances age out.
type PresenceRegistry interface {
	// Claim registers instanceID as the owner of chargerID for the
	// given TTL, overwriting any previous owner.
	Claim(ctx context.Context, chargerID, instanceID string, ttl time.Duration) error

	// Owner returns the instance currently holding chargerID. A
	// missing entry yields redis.Nil.
	Owner(ctx context.Context, chargerID string) (string, error)

	// Refresh extends the TTL of an existing claim without changing
	// the owner.
	Refresh(ctx context.Context, chargerID string, ttl time.Duration) error

	// Release removes the claim for chargerID, normally on a clean
	// disconnect.
	Release(ctx context.Context, chargerID string) error

	// Close releases the connection to the backing store.
	Close() error
}

package balanz

import (
	"context"

	"github.com/charging-platform/balanz/internal/domain/ocpp16"
)

// Driver is the charger-facing surface the loop drives. It is implemented
// by the live OCPP session for a charger; every method performs a full
// call round trip and returns an error when the charger answers anything
// but Accepted.
type Driver interface {
	// ClearDefaultProfiles removes every TxDefaultProfile on the charger.
	ClearDefaultProfiles(ctx context.Context) error

	// SetBaseDefaultProfile installs the charger-wide default that allows
	// charging at the minimum allocation once the blocking profile is gone.
	SetBaseDefaultProfile(ctx context.Context) error

	// SetBlockingDefaultProfile installs the zero-amp default that shadows
	// the base profile on one connector.
	SetBlockingDefaultProfile(ctx context.Context, connectorID int) error

	// ClearBlockingDefaultProfile removes the zero-amp default, letting the
	// base profile take effect and charging start.
	ClearBlockingDefaultProfile(ctx context.Context, connectorID int) error

	// SetTxProfile installs or overwrites the per-transaction limit.
	SetTxProfile(ctx context.Context, connectorID, transactionID int, limit float64) error

	// TriggerMessage asks the charger to re-send a notification. A nil
	// connectorID omits the field.
	TriggerMessage(ctx context.Context, requested ocpp16.MessageTrigger, connectorID *int) error
}

// Resolver looks up the live driver for a charger. It returns false when
// the charger has no session, which the loop treats as a skip.
type Resolver func(chargerID string) (Driver, bool)

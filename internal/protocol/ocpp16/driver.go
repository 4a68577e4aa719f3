package ocpp16

import (
	"context"

	"github.com/charging-platform/balanz/internal/domain/ocpp16"
)

// Charging-profile primitives. The smart-charging trick is encoded in
// fixed profile ids and stack levels:
//
//	profile 1, stack 0, connector 0 — base default, min_allocation amps
//	profile 2, stack 1, connector C — blocking default, 0 amps
//	profile 3, stack 3, connector C — TxProfile, the live allocation
//
// The blocking profile shadows the base one while present; clearing it is
// how a charging session is allowed to start.
const (
	baseProfileID     = 1
	blockingProfileID = 2
	txProfileID       = 3

	baseStackLevel     = 0
	blockingStackLevel = 1
	txStackLevel       = 3
)

func defaultProfile(profileID, stackLevel int, limit float64) ocpp16.ChargingProfile {
	return ocpp16.ChargingProfile{
		ChargingProfileId:      profileID,
		StackLevel:             stackLevel,
		ChargingProfilePurpose: ocpp16.ChargingProfilePurposeTxDefaultProfile,
		ChargingProfileKind:    ocpp16.ChargingProfileKindAbsolute,
		ChargingSchedule: ocpp16.ChargingSchedule{
			ChargingRateUnit: ocpp16.ChargingRateUnitA,
			ChargingSchedulePeriod: []ocpp16.ChargingSchedulePeriod{
				{StartPeriod: 0, Limit: limit},
			},
		},
	}
}

// ClearDefaultProfiles removes every TxDefaultProfile on the charger.
func (c *caller) ClearDefaultProfiles(ctx context.Context) error {
	purpose := ocpp16.ChargingProfilePurposeTxDefaultProfile
	var resp ocpp16.ClearChargingProfileResponse
	err := c.call(ctx, ocpp16.ActionClearChargingProfile,
		ocpp16.ClearChargingProfileRequest{ChargingProfilePurpose: &purpose}, &resp)
	if err != nil {
		return err
	}
	if resp.Status != ocpp16.ClearChargingProfileStatusAccepted {
		return ocpp16.CallFailure{Action: ocpp16.ActionClearChargingProfile, Code: string(resp.Status)}
	}
	return nil
}

// SetBaseDefaultProfile installs the charger-wide minimum-rate default on
// connector 0, so it applies to all connectors.
func (c *caller) SetBaseDefaultProfile(ctx context.Context) error {
	return c.setProfile(ctx, 0, defaultProfile(baseProfileID, baseStackLevel, c.minAllocation()))
}

// SetBlockingDefaultProfile installs the zero-amp default that shadows the
// base profile on one connector.
func (c *caller) SetBlockingDefaultProfile(ctx context.Context, connectorID int) error {
	return c.setProfile(ctx, connectorID, defaultProfile(blockingProfileID, blockingStackLevel, 0))
}

// ClearBlockingDefaultProfile removes the blocking default, letting the
// base profile take effect and charging start at the minimum rate.
func (c *caller) ClearBlockingDefaultProfile(ctx context.Context, connectorID int) error {
	id := blockingProfileID
	connID := connectorID
	var resp ocpp16.ClearChargingProfileResponse
	err := c.call(ctx, ocpp16.ActionClearChargingProfile,
		ocpp16.ClearChargingProfileRequest{Id: &id, ConnectorId: &connID}, &resp)
	if err != nil {
		return err
	}
	if resp.Status != ocpp16.ClearChargingProfileStatusAccepted {
		return ocpp16.CallFailure{Action: ocpp16.ActionClearChargingProfile, Code: string(resp.Status)}
	}
	return nil
}

// SetTxProfile installs or overwrites the per-transaction limit. A single
// now-to-forever schedule period carries the offered amps.
func (c *caller) SetTxProfile(ctx context.Context, connectorID, transactionID int, limit float64) error {
	txID := transactionID
	profile := ocpp16.ChargingProfile{
		ChargingProfileId:      txProfileID,
		TransactionId:          &txID,
		StackLevel:             txStackLevel,
		ChargingProfilePurpose: ocpp16.ChargingProfilePurposeTxProfile,
		ChargingProfileKind:    ocpp16.ChargingProfileKindAbsolute,
		ChargingSchedule: ocpp16.ChargingSchedule{
			ChargingRateUnit: ocpp16.ChargingRateUnitA,
			ChargingSchedulePeriod: []ocpp16.ChargingSchedulePeriod{
				{StartPeriod: 0, Limit: limit},
			},
		},
	}
	return c.setProfile(ctx, connectorID, profile)
}

// SetDefaultProfile is the raw primitive behind the admin API's
// SetDefaultProfile pass-through.
func (c *caller) SetDefaultProfile(ctx context.Context, connectorID, profileID, stackLevel int, limit float64) error {
	return c.setProfile(ctx, connectorID, defaultProfile(profileID, stackLevel, limit))
}

// ClearProfile is the raw primitive behind the admin API's
// ClearDefaultProfile pass-through. A nil profileID clears by connector.
func (c *caller) ClearProfile(ctx context.Context, profileID *int, connectorID int) error {
	connID := connectorID
	var resp ocpp16.ClearChargingProfileResponse
	err := c.call(ctx, ocpp16.ActionClearChargingProfile,
		ocpp16.ClearChargingProfileRequest{Id: profileID, ConnectorId: &connID}, &resp)
	if err != nil {
		return err
	}
	if resp.Status != ocpp16.ClearChargingProfileStatusAccepted {
		return ocpp16.CallFailure{Action: ocpp16.ActionClearChargingProfile, Code: string(resp.Status)}
	}
	return nil
}

func (c *caller) setProfile(ctx context.Context, connectorID int, profile ocpp16.ChargingProfile) error {
	var resp ocpp16.SetChargingProfileResponse
	err := c.call(ctx, ocpp16.ActionSetChargingProfile,
		ocpp16.SetChargingProfileRequest{ConnectorId: connectorID, CsChargingProfiles: profile}, &resp)
	if err != nil {
		return err
	}
	if resp.Status != ocpp16.ChargingProfileStatusAccepted {
		return ocpp16.CallFailure{Action: ocpp16.ActionSetChargingProfile, Code: string(resp.Status)}
	}
	return nil
}

// TriggerMessage asks the charger to re-send a notification.
func (c *caller) TriggerMessage(ctx context.Context, requested ocpp16.MessageTrigger, connectorID *int) error {
	var resp ocpp16.TriggerMessageResponse
	err := c.call(ctx, ocpp16.ActionTriggerMessage,
		ocpp16.TriggerMessageRequest{RequestedMessage: requested, ConnectorId: connectorID}, &resp)
	if err != nil {
		return err
	}
	if resp.Status != ocpp16.TriggerMessageStatusAccepted {
		return ocpp16.CallFailure{Action: ocpp16.ActionTriggerMessage, Code: string(resp.Status)}
	}
	return nil
}

// RemoteStartTransaction asks the charger to start charging for an id tag.
func (c *caller) RemoteStartTransaction(ctx context.Context, idTag string, connectorID *int) error {
	var resp ocpp16.RemoteStartTransactionResponse
	err := c.call(ctx, ocpp16.ActionRemoteStartTransaction,
		ocpp16.RemoteStartTransactionRequest{IdTag: idTag, ConnectorId: connectorID}, &resp)
	if err != nil {
		return err
	}
	if resp.Status != ocpp16.RemoteStartStopStatusAccepted {
		return ocpp16.CallFailure{Action: ocpp16.ActionRemoteStartTransaction, Code: string(resp.Status)}
	}
	return nil
}

// RemoteStopTransaction asks the charger to stop a transaction.
func (c *caller) RemoteStopTransaction(ctx context.Context, transactionID int) error {
	var resp ocpp16.RemoteStopTransactionResponse
	err := c.call(ctx, ocpp16.ActionRemoteStopTransaction,
		ocpp16.RemoteStopTransactionRequest{TransactionId: transactionID}, &resp)
	if err != nil {
		return err
	}
	if resp.Status != ocpp16.RemoteStartStopStatusAccepted {
		return ocpp16.CallFailure{Action: ocpp16.ActionRemoteStopTransaction, Code: string(resp.Status)}
	}
	return nil
}

// GetConfiguration reads configuration keys from the charger. A nil keys
// slice requests everything.
func (c *caller) GetConfiguration(ctx context.Context, keys []string) (*ocpp16.GetConfigurationResponse, error) {
	var resp ocpp16.GetConfigurationResponse
	if err := c.call(ctx, ocpp16.ActionGetConfiguration, ocpp16.GetConfigurationRequest{Key: keys}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ChangeConfiguration writes one configuration key on the charger.
func (c *caller) ChangeConfiguration(ctx context.Context, key, value string) error {
	var resp ocpp16.ChangeConfigurationResponse
	err := c.call(ctx, ocpp16.ActionChangeConfiguration,
		ocpp16.ChangeConfigurationRequest{Key: key, Value: value}, &resp)
	if err != nil {
		return err
	}
	if resp.Status != ocpp16.ConfigurationStatusAccepted {
		return ocpp16.CallFailure{Action: ocpp16.ActionChangeConfiguration, Code: string(resp.Status)}
	}
	return nil
}

// Reset asks the charger to reboot.
func (c *caller) Reset(ctx context.Context, resetType ocpp16.ResetType) error {
	var resp ocpp16.ResetResponse
	err := c.call(ctx, ocpp16.ActionReset, ocpp16.ResetRequest{Type: resetType}, &resp)
	if err != nil {
		return err
	}
	if resp.Status != ocpp16.ResetStatusAccepted {
		return ocpp16.CallFailure{Action: ocpp16.ActionReset, Code: string(resp.Status)}
	}
	return nil
}

// UpdateFirmware tells the charger to fetch new firmware. The action has
// no status in its reply; the charger reports progress asynchronously via
// FirmwareStatusNotification.
func (c *caller) UpdateFirmware(ctx context.Context, location string, retrieveDate ocpp16.DateTime) error {
	return c.call(ctx, ocpp16.ActionUpdateFirmware,
		ocpp16.UpdateFirmwareRequest{Location: location, RetrieveDate: retrieveDate}, nil)
}

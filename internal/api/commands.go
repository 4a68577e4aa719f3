package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/charging-platform/balanz/internal/config"
	domain "github.com/charging-platform/balanz/internal/domain/ocpp16"
	"github.com/charging-platform/balanz/internal/model"
	ocpp "github.com/charging-platform/balanz/internal/protocol/ocpp16"
)

// statusAccepted is the generic success payload for mutating commands.
var statusAccepted = map[string]string{"status": "Accepted"}

// chargerRef appears in every payload that targets a charger. An alias is
// accepted wherever a charger_id is, resolved first-match.
type chargerRef struct {
	ChargerID string `json:"charger_id"`
	Alias     string `json:"alias"`
}

func (s *session) dispatch(command string, payload json.RawMessage) (interface{}, error) {
	switch command {
	case "Login":
		return s.login(payload)
	case "GetStatus":
		return s.getStatus()
	case "GetLogs":
		return s.getLogs(payload)
	case "GetConfig":
		return s.getConfig()
	case "SetConfig":
		return s.setConfig(payload)
	case "SetLogLevel":
		return s.setLogLevel(payload)
	case "DrawAll":
		return s.drawAll(payload)

	case "GetUsers":
		return s.h.store.UserViews(), nil
	case "CreateUser":
		return s.createUser(payload)
	case "UpdateUser":
		return s.updateUser(payload)
	case "DeleteUser":
		return s.deleteUser(payload)

	case "GetFirmware":
		return s.h.store.FirmwareViews(), nil
	case "CreateFirmware":
		return s.createFirmware(payload)
	case "ModifyFirmware":
		return s.modifyFirmware(payload)
	case "DeleteFirmware":
		return s.deleteFirmware(payload)
	case "ReloadFirmware":
		return accepted(s.h.store.ReloadFirmware())
	case "FirmwareUpgrade":
		return s.firmwareUpgrade(payload)

	case "GetGroups":
		return s.getGroups(payload)
	case "ReloadGroups":
		return accepted(s.h.store.LoadGroups())
	case "CreateGroup":
		return s.createGroup(payload)
	case "UpdateGroup":
		return s.updateGroup(payload)
	case "DeleteGroup":
		return s.deleteGroup(payload)
	case "SetBalanzState":
		return s.setBalanzState(payload)

	case "GetChargers":
		return s.getChargers(payload)
	case "ReloadChargers":
		return accepted(s.h.store.LoadChargers())
	case "CreateCharger":
		return s.createCharger(payload)
	case "UpdateCharger":
		return s.updateCharger(payload)
	case "DeleteCharger":
		return s.deleteCharger(payload)
	case "ResetChargerAuth":
		return s.resetChargerAuth(payload)
	case "SetAuthSHA":
		return s.setAuthSHA(payload)

	case "GetTags":
		return s.h.store.TagViews(), nil
	case "ReloadTags":
		return accepted(s.h.store.LoadTags())
	case "CreateTag":
		return s.createTag(payload)
	case "UpdateTag":
		return s.updateTag(payload)
	case "DeleteTag":
		return s.deleteTag(payload)

	case "GetSessions":
		return s.getSessions(payload)
	case "GetCSVSessions":
		return s.h.store.SessionCSVContents()
	case "SetChargePriority":
		return s.setChargePriority(payload)

	case "ClearDefaultProfiles", "ClearDefaultProfile", "SetDefaultProfile", "SetTxProfile",
		"Reset", "RemoteStartTransaction", "RemoteStopTransaction", "GetConfiguration",
		"ChangeConfiguration", "TriggerMessage", "UpdateFirmware":
		return s.chargerCall(command, payload)
	}
	return nil, model.NewError(model.ErrCodeProtocolError, "invalid command %s", command)
}

func (s *session) login(payload json.RawMessage) (interface{}, error) {
	var req struct {
		Token string `json:"token"`
	}
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if req.Token == "" {
		return nil, model.NewError(model.ErrCodeInvalidLogin, "token is required")
	}
	role, ok := s.h.store.CheckUserAuth(req.Token)
	if !ok {
		return nil, model.NewError(model.ErrCodeInvalidLogin, "invalid token")
	}
	s.loggedIn = true
	s.role = role
	return map[string]interface{}{"user_type": role}, nil
}

func (s *session) getStatus() (interface{}, error) {
	groups, chargers, tags, sessions := s.h.store.Counts()
	logging := map[string]string{}
	if s.h.logs != nil {
		logging = s.h.logs.ComponentLevels()
	}
	return map[string]interface{}{
		"version":     s.h.version,
		"starttime":   s.h.started.UTC().Format(time.RFC3339),
		"no_tags":     tags,
		"no_groups":   groups,
		"no_chargers": chargers,
		"no_sessions": sessions,
		"logging":     logging,
	}, nil
}

func (s *session) getLogs(payload json.RawMessage) (interface{}, error) {
	var req struct {
		Filters []string `json:"filters"`
	}
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if s.h.logs == nil || s.h.logs.Ring() == nil {
		return map[string]interface{}{"logs": []interface{}{}}, nil
	}
	entries := s.h.logs.Ring().Entries()
	if len(req.Filters) > 0 {
		want := make(map[string]bool, len(req.Filters))
		for _, f := range req.Filters {
			want[f] = true
		}
		filtered := entries[:0]
		for _, e := range entries {
			if want[e.Component] {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}
	return map[string]interface{}{"logs": entries}, nil
}

func (s *session) setLogLevel(payload json.RawMessage) (interface{}, error) {
	var req struct {
		Component string `json:"component"`
		Loglevel  string `json:"loglevel"`
	}
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if req.Component == "" || req.Loglevel == "" {
		return nil, model.NewError(model.ErrCodeIllegalArguments, "component and loglevel are required")
	}
	if s.h.logs == nil {
		return nil, model.NewError(model.ErrCodeNoSuchComponent, "no logger installed")
	}
	if req.Component == "root" {
		if err := s.h.logs.SetLevel(req.Loglevel); err != nil {
			return nil, model.NewError(model.ErrCodeIllegalArguments, "%v", err)
		}
		return statusAccepted, nil
	}
	if err := s.h.logs.SetComponentLevel(req.Component, req.Loglevel); err != nil {
		return nil, model.NewError(model.ErrCodeNoSuchComponent, "%v", err)
	}
	s.log.Info().Str("component", req.Component).Str("loglevel", req.Loglevel).Msg("Updated log level")
	return statusAccepted, nil
}

func (s *session) drawAll(payload json.RawMessage) (interface{}, error) {
	req := struct {
		Historic *bool `json:"historic"`
	}{}
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	historic := req.Historic == nil || *req.Historic
	return map[string]string{"drawing": drawAll(s.h.store, s.h.clock.Now(), historic)}, nil
}

// Config commands. The balanz section holds the runtime-tunable knobs;
// values arrive as strings or JSON numbers and are coerced per key.

func (s *session) getConfig() (interface{}, error) {
	p := s.h.store.Params()
	return map[string]interface{}{
		"balanz": map[string]interface{}{
			"run_interval":                     p.RunInterval.String(),
			"intervals_full":                   p.IntervalsFull,
			"first_wait":                       p.FirstWait.String(),
			"min_allocation":                   p.MinAllocation,
			"max_offer_increase":               p.MaxOfferIncrease,
			"min_offer_increase_interval":      p.MinOfferIncreaseInterval.String(),
			"usage_monitoring_interval":        p.UsageMonitoringInterval.String(),
			"margin_lower":                     p.MarginLower,
			"margin_increase":                  p.MarginIncrease,
			"usage_threshold":                  p.UsageThreshold,
			"suspended_allocation_timeout":     p.SuspendedAllocationTimeout.String(),
			"suspended_delayed_time":           p.SuspendedDelayedTime.String(),
			"suspended_delayed_time_not_first": p.SuspendedDelayedTimeNotFirst.String(),
			"suspend_top_of_hour":              p.SuspendTopOfHour,
			"energy_threshold":                 p.EnergyThreshold,
			"wait_after_reduce":                p.WaitAfterReduce.String(),
			"default_max_allocation":           p.DefaultMaxAllocation,
		},
	}, nil
}

func (s *session) setConfig(payload json.RawMessage) (interface{}, error) {
	var req struct {
		Section string      `json:"section"`
		Key     string      `json:"key"`
		Value   interface{} `json:"value"`
	}
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if req.Section != "balanz" || req.Key == "" || req.Value == nil {
		return nil, model.NewError(model.ErrCodeIllegalArguments, "unknown config entry %s.%s", req.Section, req.Key)
	}

	var applyErr error
	s.h.store.UpdateParams(func(p *config.BalanzConfig) {
		applyErr = applyBalanzKey(p, req.Key, req.Value)
	})
	if applyErr != nil {
		return nil, applyErr
	}
	s.log.Info().Str("key", req.Key).Interface("value", req.Value).Msg("Updated balanz config")
	return statusAccepted, nil
}

// User commands.

func (s *session) createUser(payload json.RawMessage) (interface{}, error) {
	var req struct {
		UserID      string `json:"user_id"`
		UserType    string `json:"user_type"`
		Description string `json:"description"`
		Password    string `json:"password"`
	}
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	return accepted(s.h.store.CreateUser(req.UserID, req.UserType, req.Description, req.Password))
}

func (s *session) updateUser(payload json.RawMessage) (interface{}, error) {
	var req struct {
		UserID      string  `json:"user_id"`
		UserType    *string `json:"user_type"`
		Description *string `json:"description"`
		Password    *string `json:"password"`
	}
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	return accepted(s.h.store.UpdateUser(req.UserID, req.UserType, req.Description, req.Password))
}

func (s *session) deleteUser(payload json.RawMessage) (interface{}, error) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	return accepted(s.h.store.DeleteUser(req.UserID))
}

// Firmware catalogue commands.

type firmwarePayload struct {
	FirmwareID          string  `json:"firmware_id"`
	ChargePointVendor   *string `json:"charge_point_vendor"`
	ChargePointModel    *string `json:"charge_point_model"`
	FirmwareVersion     *string `json:"firmware_version"`
	MeterType           *string `json:"meter_type"`
	URL                 *string `json:"url"`
	UpgradeFromVersions *string `json:"upgrade_from_versions"`
}

func (s *session) createFirmware(payload json.RawMessage) (interface{}, error) {
	var req firmwarePayload
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	fw := model.Firmware{ID: req.FirmwareID}
	if req.ChargePointVendor != nil {
		fw.Vendor = *req.ChargePointVendor
	}
	if req.ChargePointModel != nil {
		fw.Model = *req.ChargePointModel
	}
	if req.FirmwareVersion != nil {
		fw.FirmwareVersion = *req.FirmwareVersion
	}
	if req.MeterType != nil {
		fw.MeterType = *req.MeterType
	}
	if req.URL != nil {
		fw.URL = *req.URL
	}
	if req.UpgradeFromVersions != nil {
		fw.UpgradeFromVersions = *req.UpgradeFromVersions
	}
	return accepted(s.h.store.CreateFirmware(fw))
}

func (s *session) modifyFirmware(payload json.RawMessage) (interface{}, error) {
	var req firmwarePayload
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	return accepted(s.h.store.UpdateFirmware(req.FirmwareID,
		req.ChargePointVendor, req.ChargePointModel, req.FirmwareVersion,
		req.MeterType, req.URL, req.UpgradeFromVersions))
}

func (s *session) deleteFirmware(payload json.RawMessage) (interface{}, error) {
	var req struct {
		FirmwareID string `json:"firmware_id"`
	}
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	return accepted(s.h.store.DeleteFirmware(req.FirmwareID))
}

// firmwareUpgrade resolves the applicable firmware image per charger and
// issues UpdateFirmware to every connected one. Disconnected chargers and
// chargers without a matching image are skipped.
func (s *session) firmwareUpgrade(payload json.RawMessage) (interface{}, error) {
	var req struct {
		chargerRef
		GroupID string `json:"group_id"`
	}
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	chargerID := ""
	if req.ChargerID != "" || req.Alias != "" {
		id, err := s.resolveCharger(req.chargerRef)
		if err != nil {
			return nil, err
		}
		chargerID = id
	}
	targets, err := s.h.store.FirmwareUpgradeTargets(chargerID, req.GroupID)
	if err != nil {
		return nil, err
	}

	initiated := []string{}
	for _, t := range targets {
		drv, ok := s.h.registry.Get(t.ChargerID)
		if !ok {
			s.log.Warn().Str("charger_id", t.ChargerID).Msg("Skipping firmware upgrade for disconnected charger")
			continue
		}
		s.log.Info().Str("charger_id", t.ChargerID).Str("firmware_id", t.FirmwareID).Str("url", t.URL).
			Msg("Initiated firmware update")
		if err := drv.UpdateFirmware(s.ctx, t.URL, domain.NewDateTime(s.h.clock.Now())); err != nil {
			return nil, err
		}
		initiated = append(initiated, t.ChargerID)
	}
	return map[string]interface{}{"status": "Accepted", "chargers": initiated}, nil
}

// Group commands.

func (s *session) getGroups(payload json.RawMessage) (interface{}, error) {
	var req struct {
		ChargerDetails bool `json:"charger_details"`
	}
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	return s.h.store.GroupViews(req.ChargerDetails), nil
}

func (s *session) createGroup(payload json.RawMessage) (interface{}, error) {
	var req struct {
		GroupID       string `json:"group_id"`
		Description   string `json:"description"`
		MaxAllocation string `json:"max_allocation"`
	}
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	return accepted(s.h.store.CreateGroup(req.GroupID, req.Description, req.MaxAllocation))
}

func (s *session) updateGroup(payload json.RawMessage) (interface{}, error) {
	var req struct {
		GroupID       string `json:"group_id"`
		Description   string `json:"description"`
		MaxAllocation string `json:"max_allocation"`
	}
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if req.GroupID == "" {
		return nil, model.NewError(model.ErrCodeIllegalArguments, "group_id is required")
	}
	return accepted(s.h.store.UpdateGroup(req.GroupID, req.Description, req.MaxAllocation))
}

func (s *session) deleteGroup(payload json.RawMessage) (interface{}, error) {
	var req struct {
		GroupID string `json:"group_id"`
	}
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	return accepted(s.h.store.DeleteGroup(req.GroupID))
}

func (s *session) setBalanzState(payload json.RawMessage) (interface{}, error) {
	var req struct {
		GroupID string `json:"group_id"`
		Suspend bool   `json:"suspend"`
	}
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if req.GroupID == "" {
		return nil, model.NewError(model.ErrCodeNoSuchGroup, "group_id is required")
	}
	return accepted(s.h.store.SetGroupSuspended(req.GroupID, req.Suspend))
}

// Charger commands.

func (s *session) getChargers(payload json.RawMessage) (interface{}, error) {
	var req struct {
		chargerRef
		GroupID string `json:"group_id"`
	}
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	chargerID := req.ChargerID
	if chargerID == "" && req.Alias != "" {
		if id, ok := s.h.store.ResolveChargerID(req.Alias); ok {
			chargerID = id
		}
	}
	views := s.h.store.ChargerViews()
	out := make([]model.ChargerView, 0, len(views))
	for _, v := range views {
		if chargerID != "" && v.ChargerID != chargerID {
			continue
		}
		if req.GroupID != "" && v.GroupID != req.GroupID {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

func (s *session) createCharger(payload json.RawMessage) (interface{}, error) {
	var req struct {
		ChargerID    string   `json:"charger_id"`
		Alias        string   `json:"alias"`
		GroupID      string   `json:"group_id"`
		Priority     *int     `json:"priority"`
		Description  string   `json:"description"`
		NoConnectors *int     `json:"no_connectors"`
		ConnMax      *float64 `json:"conn_max"`
	}
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if req.ChargerID == "" || req.Alias == "" || req.GroupID == "" {
		return nil, model.NewError(model.ErrCodeIllegalArguments, "charger_id, alias and group_id are required")
	}
	priority := 1
	if req.Priority != nil {
		priority = *req.Priority
	}
	noConnectors := 1
	if req.NoConnectors != nil {
		noConnectors = *req.NoConnectors
	}
	return accepted(s.h.store.CreateCharger(req.ChargerID, req.Alias, req.GroupID, noConnectors, priority, req.Description, req.ConnMax))
}

func (s *session) updateCharger(payload json.RawMessage) (interface{}, error) {
	var req struct {
		ChargerID   string  `json:"charger_id"`
		Alias       string  `json:"alias"`
		Priority    int     `json:"priority"`
		Description string  `json:"description"`
		ConnMax     float64 `json:"conn_max"`
	}
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if req.ChargerID == "" {
		return nil, model.NewError(model.ErrCodeIllegalArguments, "charger_id is required")
	}
	return accepted(s.h.store.UpdateCharger(req.ChargerID, req.Alias, req.Priority, req.Description, req.ConnMax))
}

func (s *session) deleteCharger(payload json.RawMessage) (interface{}, error) {
	var req chargerRef
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if req.ChargerID == "" && req.Alias == "" {
		return nil, model.NewError(model.ErrCodeIllegalArguments, "charger_id is required")
	}
	id, err := s.resolveCharger(req)
	if err != nil {
		return nil, err
	}
	return accepted(s.h.store.DeleteCharger(id))
}

func (s *session) resetChargerAuth(payload json.RawMessage) (interface{}, error) {
	var req chargerRef
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if req.ChargerID == "" && req.Alias == "" {
		return nil, model.NewError(model.ErrCodeIllegalArguments, "charger_id is required")
	}
	id, err := s.resolveCharger(req)
	if err != nil {
		return nil, err
	}
	return accepted(s.h.store.ResetChargerAuth(id))
}

func (s *session) setAuthSHA(payload json.RawMessage) (interface{}, error) {
	var req struct {
		chargerRef
		AuthSHA string `json:"auth_sha"`
	}
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	id, err := s.resolveCharger(req.chargerRef)
	if err != nil {
		return nil, err
	}
	return accepted(s.h.store.SetChargerAuthSHA(id, req.AuthSHA))
}

// Tag commands. Tag ids are stored upper-case; the model enforces it, the
// handler only forwards.

type tagPayload struct {
	IDTag       string `json:"id_tag"`
	UserName    string `json:"user_name"`
	ParentIDTag string `json:"parent_id_tag"`
	Description string `json:"description"`
	Status      string `json:"status"`
	Priority    *int   `json:"priority"`
}

func (s *session) createTag(payload json.RawMessage) (interface{}, error) {
	var req tagPayload
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	return accepted(s.h.store.CreateTag(req.IDTag, req.UserName, req.ParentIDTag, req.Description, req.Status, req.Priority))
}

func (s *session) updateTag(payload json.RawMessage) (interface{}, error) {
	var req tagPayload
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	return accepted(s.h.store.UpdateTag(req.IDTag, req.UserName, req.ParentIDTag, req.Description, req.Status, req.Priority))
}

func (s *session) deleteTag(payload json.RawMessage) (interface{}, error) {
	var req struct {
		IDTag string `json:"id_tag"`
	}
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	return accepted(s.h.store.DeleteTag(req.IDTag))
}

// Session commands.

func (s *session) getSessions(payload json.RawMessage) (interface{}, error) {
	var req struct {
		chargerRef
		GroupID     string `json:"group_id"`
		IncludeLive bool   `json:"include_live"`
	}
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	chargerID := req.ChargerID
	if chargerID == "" && req.Alias != "" {
		if id, ok := s.h.store.ResolveChargerID(req.Alias); ok {
			chargerID = id
		}
	}
	return s.h.store.SessionViews(chargerID, req.GroupID, req.IncludeLive), nil
}

func (s *session) setChargePriority(payload json.RawMessage) (interface{}, error) {
	var req struct {
		chargerRef
		ConnectorID *int `json:"connector_id"`
		Priority    *int `json:"priority"`
	}
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	id, _, err := s.connectedCharger(req.chargerRef)
	if err != nil {
		return nil, err
	}
	connectorID := 1
	if req.ConnectorID != nil {
		connectorID = *req.ConnectorID
	}
	return accepted(s.h.store.SetChargePriority(id, connectorID, req.Priority))
}

// resolveCharger maps a charger_id-or-alias reference to a charger id.
func (s *session) resolveCharger(ref chargerRef) (string, error) {
	target := ref.ChargerID
	if target == "" {
		target = ref.Alias
	}
	if target == "" {
		return "", model.NewError(model.ErrCodeNoSuchCharger, "charger not specified")
	}
	id, ok := s.h.store.ResolveChargerID(target)
	if !ok {
		return "", model.NewError(model.ErrCodeNoSuchCharger, "charger %s not found", target)
	}
	return id, nil
}

// connectedCharger additionally requires a live OCPP session.
func (s *session) connectedCharger(ref chargerRef) (string, *ocpp.Session, error) {
	id, err := s.resolveCharger(ref)
	if err != nil {
		return "", nil, err
	}
	drv, ok := s.h.registry.Get(id)
	if !ok {
		return "", nil, model.NewError(model.ErrCodeChargerNotConnected, "charger %s is not connected", id)
	}
	return id, drv, nil
}

// chargerCall covers the OCPP pass-through commands: the target charger
// must be known and connected, the call runs on its live session, and a
// non-Accepted reply surfaces as the CallError status.
func (s *session) chargerCall(command string, payload json.RawMessage) (interface{}, error) {
	var req struct {
		chargerRef
		ConnectorID       *int            `json:"connector_id"`
		ChargingProfileID *int            `json:"charging_profile_id"`
		StackLevel        *int            `json:"stack_level"`
		Limit             *float64        `json:"limit"`
		TransactionID     *int            `json:"transaction_id"`
		Type              string          `json:"type"`
		IDTag             string          `json:"id_tag"`
		Key               json.RawMessage `json:"key"` // a list for GetConfiguration, a string for ChangeConfiguration
		Value             string          `json:"value"`
		RequestedMessage  string          `json:"requested_message"`
		Location          string          `json:"location"`
	}
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	_, drv, err := s.connectedCharger(req.chargerRef)
	if err != nil {
		return nil, err
	}

	connectorID := 1
	if req.ConnectorID != nil {
		connectorID = *req.ConnectorID
	}

	switch command {
	case "ClearDefaultProfiles":
		return accepted(drv.ClearDefaultProfiles(s.ctx))
	case "ClearDefaultProfile":
		return accepted(drv.ClearProfile(s.ctx, req.ChargingProfileID, connectorID))
	case "SetDefaultProfile":
		if req.ChargingProfileID == nil || req.Limit == nil {
			return nil, model.NewError(model.ErrCodeIllegalArguments, "charging_profile_id and limit are required")
		}
		stackLevel := 1
		if req.StackLevel != nil {
			stackLevel = *req.StackLevel
		}
		return accepted(drv.SetDefaultProfile(s.ctx, connectorID, *req.ChargingProfileID, stackLevel, *req.Limit))
	case "SetTxProfile":
		if req.Limit == nil {
			return nil, model.NewError(model.ErrCodeIllegalArguments, "limit is required")
		}
		transactionID := 1
		if req.TransactionID != nil {
			transactionID = *req.TransactionID
		}
		return accepted(drv.SetTxProfile(s.ctx, connectorID, transactionID, *req.Limit))
	case "Reset":
		resetType := domain.ResetTypeSoft
		if req.Type != "" {
			resetType = domain.ResetType(req.Type)
		}
		return accepted(drv.Reset(s.ctx, resetType))
	case "RemoteStartTransaction":
		if req.IDTag == "" || req.ConnectorID == nil {
			return nil, model.NewError(model.ErrCodeIllegalArguments, "id_tag and connector_id are required")
		}
		return accepted(drv.RemoteStartTransaction(s.ctx, req.IDTag, req.ConnectorID))
	case "RemoteStopTransaction":
		if req.TransactionID == nil {
			return nil, model.NewError(model.ErrCodeIllegalArguments, "transaction_id is required")
		}
		return accepted(drv.RemoteStopTransaction(s.ctx, *req.TransactionID))
	case "GetConfiguration":
		var keys []string
		if len(req.Key) > 0 && string(req.Key) != "null" {
			if err := json.Unmarshal(req.Key, &keys); err != nil {
				return nil, model.NewError(model.ErrCodeIllegalArguments, "key must be a list")
			}
		}
		resp, err := drv.GetConfiguration(s.ctx, keys)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"configuration_key": resp.ConfigurationKey,
			"unknown_key":       resp.UnknownKey,
		}, nil
	case "ChangeConfiguration":
		var key string
		if len(req.Key) > 0 && string(req.Key) != "null" {
			if err := json.Unmarshal(req.Key, &key); err != nil {
				return nil, model.NewError(model.ErrCodeIllegalArguments, "key must be a string")
			}
		}
		if key == "" {
			return nil, model.NewError(model.ErrCodeIllegalArguments, "key is required")
		}
		return accepted(drv.ChangeConfiguration(s.ctx, key, req.Value))
	case "TriggerMessage":
		if req.RequestedMessage == "" {
			return nil, model.NewError(model.ErrCodeIllegalArguments, "requested_message is required")
		}
		return accepted(drv.TriggerMessage(s.ctx, domain.MessageTrigger(req.RequestedMessage), &connectorID))
	case "UpdateFirmware":
		if req.Location == "" {
			return nil, model.NewError(model.ErrCodeIllegalArguments, "location is required")
		}
		s.log.Info().Str("charger_id", req.ChargerID).Str("location", req.Location).Msg("Initiated firmware update")
		return accepted(drv.UpdateFirmware(s.ctx, req.Location, domain.NewDateTime(s.h.clock.Now())))
	}
	return nil, model.NewError(model.ErrCodeProtocolError, "invalid command %s", command)
}

// accepted maps a nil error to the generic Accepted payload.
func accepted(err error) (interface{}, error) {
	if err != nil {
		return nil, err
	}
	return statusAccepted, nil
}

func modelError(err error) (*model.Error, bool) {
	var me *model.Error
	if errors.As(err, &me) {
		return me, true
	}
	return nil, false
}

func callFailure(err error) (string, bool) {
	var cf domain.CallFailure
	if errors.As(err, &cf) {
		return cf.Code, true
	}
	return "", false
}

// applyBalanzKey coerces value into the named balanz knob.
func applyBalanzKey(p *config.BalanzConfig, key string, value interface{}) error {
	bad := func() error {
		return model.NewError(model.ErrCodeIllegalArguments, "invalid value %v for balanz.%s", value, key)
	}
	switch key {
	case "run_interval", "first_wait", "min_offer_increase_interval", "usage_monitoring_interval",
		"suspended_allocation_timeout", "suspended_delayed_time", "suspended_delayed_time_not_first",
		"wait_after_reduce":
		d, err := asDuration(value)
		if err != nil {
			return bad()
		}
		switch key {
		case "run_interval":
			p.RunInterval = d
		case "first_wait":
			p.FirstWait = d
		case "min_offer_increase_interval":
			p.MinOfferIncreaseInterval = d
		case "usage_monitoring_interval":
			p.UsageMonitoringInterval = d
		case "suspended_allocation_timeout":
			p.SuspendedAllocationTimeout = d
		case "suspended_delayed_time":
			p.SuspendedDelayedTime = d
		case "suspended_delayed_time_not_first":
			p.SuspendedDelayedTimeNotFirst = d
		case "wait_after_reduce":
			p.WaitAfterReduce = d
		}
	case "min_allocation", "max_offer_increase", "margin_lower", "margin_increase",
		"usage_threshold", "default_max_allocation":
		f, err := asFloat(value)
		if err != nil {
			return bad()
		}
		switch key {
		case "min_allocation":
			p.MinAllocation = f
		case "max_offer_increase":
			p.MaxOfferIncrease = f
		case "margin_lower":
			p.MarginLower = f
		case "margin_increase":
			p.MarginIncrease = f
		case "usage_threshold":
			p.UsageThreshold = f
		case "default_max_allocation":
			p.DefaultMaxAllocation = f
		}
	case "intervals_full":
		f, err := asFloat(value)
		if err != nil || f < 1 {
			return bad()
		}
		p.IntervalsFull = int(f)
	case "energy_threshold":
		f, err := asFloat(value)
		if err != nil {
			return bad()
		}
		p.EnergyThreshold = int64(f)
	case "suspend_top_of_hour":
		b, ok := value.(bool)
		if !ok {
			return bad()
		}
		p.SuspendTopOfHour = b
	default:
		return model.NewError(model.ErrCodeIllegalArguments, "unknown config entry balanz.%s", key)
	}
	return nil
}

func asDuration(value interface{}) (time.Duration, error) {
	switch v := value.(type) {
	case string:
		return time.ParseDuration(v)
	case float64:
		// Bare numbers are seconds, matching the YAML config convention.
		return time.Duration(v * float64(time.Second)), nil
	}
	return 0, fmt.Errorf("not a duration")
}

func asFloat(value interface{}) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case string:
		return strconv.ParseFloat(v, 64)
	}
	return 0, fmt.Errorf("not a number")
}

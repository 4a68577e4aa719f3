package model

import (
	"strconv"
	"strings"
)

// Admin mutations. Every change is persisted back to the owning CSV file and,
// where it touches chargers or tags, recorded in the audit log. CSV writes and
// audit records happen after the store lock is released.

// createChargerLocked creates a charger with its connectors and links it into
// the group. Caller holds the write lock.
func (s *Store) createChargerLocked(chargerID, alias, groupID string, noConnectors, priority int, description string, connMax *float64, authSHA string) error {
	g, ok := s.groups[groupID]
	if !ok {
		s.log.Error().Str("group_id", groupID).Msg("Group not found")
		return NewError(ErrCodeNoSuchGroup, "group %s not found", groupID)
	}
	if _, ok := s.chargers[chargerID]; ok {
		return NewError(ErrCodeChargerAlreadyExists, "charger %s already exists", chargerID)
	}

	max := s.params.DefaultMaxAllocation
	if connMax != nil {
		max = *connMax
	}
	if noConnectors < 1 {
		noConnectors = 1
	}
	if priority == 0 {
		priority = 1
	}
	c := &Charger{
		ID:          chargerID,
		Alias:       alias,
		GroupID:     groupID,
		Priority:    priority,
		Description: description,
		ConnMax:     max,
		AuthSHA:     authSHA,
		Connectors:  make(map[int]*Connector, noConnectors),
	}
	// Connector 0 represents the charger itself and is not modelled.
	for id := 1; id <= noConnectors; id++ {
		c.Connectors[id] = newConnector(c, id)
	}
	g.chargers[chargerID] = c
	s.chargers[chargerID] = c
	s.log.Debug().Str("charger_id", chargerID).Str("alias", alias).Str("group_id", groupID).Msg("Created charger")
	return nil
}

// ChargerConnected is the precheck for commands addressed to a charger over
// OCPP: the charger must be known and have a live connection.
func (s *Store) ChargerConnected(chargerID string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chargers[chargerID]
	if !ok {
		return NewError(ErrCodeNoSuchCharger, "charger %s not found", chargerID)
	}
	if !c.Connected {
		return NewError(ErrCodeChargerNotConnected, "charger %s is not connected", chargerID)
	}
	return nil
}

// CreateCharger registers a new charger. A missing group is an argument
// error here, unlike CSV load where it aborts the load.
func (s *Store) CreateCharger(chargerID, alias, groupID string, noConnectors, priority int, description string, connMax *float64) error {
	if chargerID == "" || alias == "" || groupID == "" {
		return NewError(ErrCodeIllegalArguments, "charger_id, alias and group_id are required")
	}

	s.mu.Lock()
	if _, ok := s.groups[groupID]; !ok {
		s.mu.Unlock()
		return NewError(ErrCodeIllegalArguments, "group %s not found", groupID)
	}
	if err := s.createChargerLocked(chargerID, alias, groupID, noConnectors, priority, description, connMax, ""); err != nil {
		s.mu.Unlock()
		return err
	}
	max := s.chargers[chargerID].ConnMax
	s.mu.Unlock()

	s.audit.Record("CHARGER-NEW", "Created new charger %s (%s) in group %s with description %s with max power %s",
		chargerID, alias, groupID, description, ampsStr(max))
	return s.saveChargers()
}

// UpdateCharger changes the mutable charger fields. Zero values leave the
// field untouched.
func (s *Store) UpdateCharger(chargerID, alias string, priority int, description string, connMax float64) error {
	s.mu.Lock()
	c, ok := s.chargers[chargerID]
	if !ok {
		s.mu.Unlock()
		return NewError(ErrCodeNoSuchCharger, "charger %s not found", chargerID)
	}
	if alias != "" {
		c.Alias = alias
	}
	if priority != 0 {
		c.Priority = priority
	}
	if description != "" {
		c.Description = description
	}
	if connMax != 0 {
		c.ConnMax = connMax
	}
	s.mu.Unlock()

	s.audit.Record("CHARGER-UPDATE", "Updated charger %s. Alias: %s, Priority: %d, Description: %s, Max power: %s",
		chargerID, alias, priority, description, ampsStr(connMax))
	return s.saveChargers()
}

// DeleteCharger removes a charger and its group link.
func (s *Store) DeleteCharger(chargerID string) error {
	s.mu.Lock()
	c, ok := s.chargers[chargerID]
	if !ok {
		s.mu.Unlock()
		return NewError(ErrCodeNoSuchCharger, "charger %s not found", chargerID)
	}
	if g, ok := s.groups[c.GroupID]; ok {
		delete(g.chargers, chargerID)
	}
	delete(s.chargers, chargerID)
	s.mu.Unlock()

	s.audit.Record("CHARGER-DELETE", "Deleted charger %s (%s)", chargerID, c.Alias)
	return s.saveChargers()
}

// ResetChargerAuth clears the stored credential fingerprint so the charger
// will be re-provisioned on its next connect.
func (s *Store) ResetChargerAuth(chargerID string) error {
	s.mu.Lock()
	c, ok := s.chargers[chargerID]
	if !ok {
		s.mu.Unlock()
		return NewError(ErrCodeNoSuchCharger, "charger %s not found", chargerID)
	}
	c.AuthSHA = ""
	s.mu.Unlock()
	return s.saveChargers()
}

// CreateGroup registers a new group. An empty maxAllocation makes it a
// non-allocation group (pass-through, no balancing).
func (s *Store) CreateGroup(groupID, description, maxAllocation string) error {
	if groupID == "" {
		return NewError(ErrCodeIllegalArguments, "group_id is required")
	}
	var schedule *Schedule
	if maxAllocation != "" {
		var err error
		if schedule, err = ParseSchedule(maxAllocation); err != nil {
			return err
		}
	}

	s.mu.Lock()
	if _, ok := s.groups[groupID]; ok {
		s.mu.Unlock()
		return NewError(ErrCodeIllegalArguments, "group %s already exists", groupID)
	}
	s.groups[groupID] = &Group{
		ID:            groupID,
		Description:   description,
		MaxAllocation: schedule,
		chargers:      make(map[string]*Charger),
	}
	s.mu.Unlock()

	s.audit.Record("GROUP-NEW", "Created group %s with description %s", groupID, description)
	return s.saveGroups()
}

// DeleteGroup removes an empty group. Groups still holding chargers cannot
// be deleted.
func (s *Store) DeleteGroup(groupID string) error {
	s.mu.Lock()
	g, ok := s.groups[groupID]
	if !ok {
		s.mu.Unlock()
		return NewError(ErrCodeNoSuchGroup, "group %s not found", groupID)
	}
	if len(g.chargers) > 0 {
		s.mu.Unlock()
		return NewError(ErrCodeIllegalArguments, "group %s still has chargers", groupID)
	}
	delete(s.groups, groupID)
	s.mu.Unlock()

	s.audit.Record("GROUP-DELETE", "Deleted group %s", groupID)
	return s.saveGroups()
}

// UpdateGroup changes a group's description and/or schedule. Empty values
// leave the field untouched.
func (s *Store) UpdateGroup(groupID, description, maxAllocation string) error {
	var schedule *Schedule
	if maxAllocation != "" {
		var err error
		if schedule, err = ParseSchedule(maxAllocation); err != nil {
			return err
		}
	}

	s.mu.Lock()
	g, ok := s.groups[groupID]
	if !ok {
		s.mu.Unlock()
		return NewError(ErrCodeNoSuchGroup, "group %s not found", groupID)
	}
	if description != "" {
		g.Description = description
	}
	if schedule != nil {
		g.MaxAllocation = schedule
	}
	s.mu.Unlock()
	return s.saveGroups()
}

// CreateTag registers an RFID tag. Tags are stored upper-case; a tag not
// explicitly created as Activated starts out Blocked.
func (s *Store) CreateTag(idTag, userName, parentIDTag, description, status string, priority *int) error {
	if idTag == "" {
		return NewError(ErrCodeIllegalArguments, "id_tag is required")
	}
	idTag = strings.ToUpper(idTag)

	s.mu.Lock()
	if _, ok := s.tags[idTag]; ok {
		s.mu.Unlock()
		return NewError(ErrCodeTagExists, "tag %s already exists", idTag)
	}
	s.tags[idTag] = &Tag{
		ID:          idTag,
		UserName:    userName,
		ParentID:    parentIDTag,
		Description: description,
		Status:      ParseTagStatus(status),
		Priority:    priority,
	}
	s.mu.Unlock()

	s.audit.Record("TAG-NEW", "Created tag %s for user %s. Description %s. Priority %s. Parent tag: %s. Status %s",
		idTag, userName, description, intPtrStr(priority), parentIDTag, status)
	return s.saveTags()
}

// UpdateTag changes the mutable tag fields. Empty/nil values leave the field
// untouched.
func (s *Store) UpdateTag(idTag, userName, parentIDTag, description, status string, priority *int) error {
	if idTag == "" {
		return NewError(ErrCodeIllegalArguments, "id_tag is required")
	}
	idTag = strings.ToUpper(idTag)

	s.mu.Lock()
	tag, ok := s.tags[idTag]
	if !ok {
		s.mu.Unlock()
		return NewError(ErrCodeNoSuchTag, "tag %s not found", idTag)
	}
	if userName != "" {
		tag.UserName = userName
	}
	if parentIDTag != "" {
		tag.ParentID = parentIDTag
	}
	if description != "" {
		tag.Description = description
	}
	if status != "" {
		tag.Status = ParseTagStatus(status)
	}
	if priority != nil {
		tag.Priority = priority
	}
	s.mu.Unlock()

	s.audit.Record("TAG-UPDATE", "Updated tag %s. User name: %s, Parent tag ID: %s, Description: %s, Status: %s, Priority: %s",
		idTag, userName, parentIDTag, description, status, intPtrStr(priority))
	return s.saveTags()
}

// DeleteTag removes a tag.
func (s *Store) DeleteTag(idTag string) error {
	if idTag == "" {
		return NewError(ErrCodeIllegalArguments, "id_tag is required")
	}
	idTag = strings.ToUpper(idTag)

	s.mu.Lock()
	tag, ok := s.tags[idTag]
	if !ok {
		s.mu.Unlock()
		return NewError(ErrCodeNoSuchTag, "tag %s not found", idTag)
	}
	delete(s.tags, idTag)
	s.mu.Unlock()

	s.audit.Record("TAG-DELETE", "Deleted tag %s (%s)", idTag, tag.UserName)
	return s.saveTags()
}

// CreateUser registers an API account. Only the credential hash is stored.
func (s *Store) CreateUser(userID, userType, description, password string) error {
	if userID == "" || password == "" {
		return NewError(ErrCodeIllegalArguments, "user_id and password are required")
	}
	ut := UserType(userType)
	if userType == "" {
		ut = UserStatus
	} else if !ValidUserType(ut) {
		return NewError(ErrCodeIllegalArguments, "unknown user type %s", userType)
	}

	s.mu.Lock()
	if _, ok := s.users[userID]; ok {
		s.mu.Unlock()
		return NewError(ErrCodeIllegalArguments, "user %s already exists", userID)
	}
	s.users[userID] = &User{
		ID:          userID,
		Type:        ut,
		Description: description,
		AuthSHA:     SHA256Hex(userID + password),
	}
	s.mu.Unlock()
	return s.saveUsers()
}

// UpdateUser changes fields on an API account. Nil values leave the field
// untouched; a new password replaces the credential hash.
func (s *Store) UpdateUser(userID string, userType, description, password *string) error {
	if userType != nil && !ValidUserType(UserType(*userType)) {
		return NewError(ErrCodeIllegalArguments, "unknown user type %s", *userType)
	}

	s.mu.Lock()
	u, ok := s.users[userID]
	if !ok {
		s.mu.Unlock()
		return NewError(ErrCodeIllegalArguments, "user %s not found", userID)
	}
	if password != nil {
		u.AuthSHA = SHA256Hex(userID + *password)
	}
	if userType != nil {
		u.Type = UserType(*userType)
	}
	if description != nil {
		u.Description = *description
	}
	s.mu.Unlock()
	return s.saveUsers()
}

// DeleteUser removes an API account.
func (s *Store) DeleteUser(userID string) error {
	s.mu.Lock()
	if _, ok := s.users[userID]; !ok {
		s.mu.Unlock()
		return NewError(ErrCodeIllegalArguments, "user %s not found", userID)
	}
	delete(s.users, userID)
	s.mu.Unlock()
	return s.saveUsers()
}

// CreateFirmware adds a firmware record to the catalogue.
func (s *Store) CreateFirmware(fw Firmware) error {
	if fw.ID == "" || fw.Vendor == "" || fw.Model == "" || fw.URL == "" {
		return NewError(ErrCodeIllegalArguments, "firmware_id, vendor, model and url are required")
	}

	s.mu.Lock()
	if _, ok := s.firmware[fw.ID]; ok {
		s.mu.Unlock()
		return NewError(ErrCodeIllegalArguments, "firmware %s already exists", fw.ID)
	}
	rec := fw
	s.firmware[fw.ID] = &rec
	s.mu.Unlock()
	return s.saveFirmware()
}

// UpdateFirmware changes fields on a firmware record. Nil values leave the
// field untouched.
func (s *Store) UpdateFirmware(firmwareID string, vendor, model, version, meterType, url, upgradeFrom *string) error {
	s.mu.Lock()
	fw, ok := s.firmware[firmwareID]
	if !ok {
		s.mu.Unlock()
		return NewError(ErrCodeIllegalArguments, "firmware %s not found", firmwareID)
	}
	if vendor != nil {
		fw.Vendor = *vendor
	}
	if model != nil {
		fw.Model = *model
	}
	if version != nil {
		fw.FirmwareVersion = *version
	}
	if meterType != nil {
		fw.MeterType = *meterType
	}
	if url != nil {
		fw.URL = *url
	}
	if upgradeFrom != nil {
		fw.UpgradeFromVersions = *upgradeFrom
	}
	s.mu.Unlock()
	return s.saveFirmware()
}

// DeleteFirmware removes a firmware record.
func (s *Store) DeleteFirmware(firmwareID string) error {
	s.mu.Lock()
	if _, ok := s.firmware[firmwareID]; !ok {
		s.mu.Unlock()
		return NewError(ErrCodeIllegalArguments, "firmware %s not found", firmwareID)
	}
	delete(s.firmware, firmwareID)
	s.mu.Unlock()
	return s.saveFirmware()
}

// FirmwareTarget pairs a charger with the firmware image it should be
// upgraded to.
type FirmwareTarget struct {
	ChargerID  string
	Alias      string
	FirmwareID string
	URL        string
}

// FirmwareUpgradeTargets resolves the applicable firmware image for one
// charger or for every charger in a group. Chargers with no matching image
// are left out; the first matching image by id wins.
func (s *Store) FirmwareUpgradeTargets(chargerID, groupID string) ([]FirmwareTarget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var chargers []*Charger
	switch {
	case chargerID != "":
		c, ok := s.chargers[chargerID]
		if !ok {
			return nil, NewError(ErrCodeNoSuchCharger, "charger %s not found", chargerID)
		}
		chargers = []*Charger{c}
	case groupID != "":
		if _, ok := s.groups[groupID]; !ok {
			return nil, NewError(ErrCodeNoSuchGroup, "group %s not found", groupID)
		}
		for _, id := range sortedKeys(s.chargers) {
			if s.chargers[id].GroupID == groupID {
				chargers = append(chargers, s.chargers[id])
			}
		}
	default:
		return nil, NewError(ErrCodeIllegalArguments, "charger_id or group_id is required")
	}

	var targets []FirmwareTarget
	for _, c := range chargers {
		for _, fwID := range sortedKeys(s.firmware) {
			if fw := s.firmware[fwID]; fw.Matches(c) {
				targets = append(targets, FirmwareTarget{
					ChargerID:  c.ID,
					Alias:      c.Alias,
					FirmwareID: fw.ID,
					URL:        fw.URL,
				})
				break
			}
		}
	}
	return targets, nil
}

// ReloadFirmware discards the catalogue and re-reads it from file.
func (s *Store) ReloadFirmware() error {
	s.mu.Lock()
	s.firmware = make(map[string]*Firmware)
	s.mu.Unlock()
	return s.LoadFirmware()
}

// SetChargePriority overrides the priority of a running transaction for its
// remaining lifetime.
func (s *Store) SetChargePriority(chargerID string, connectorID int, priority *int) error {
	if priority == nil {
		return NewError(ErrCodePriorityNotSupplied, "priority is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chargers[chargerID]
	if !ok {
		return NewError(ErrCodeNoSuchCharger, "charger %s not found", chargerID)
	}
	conn, ok := c.Connectors[connectorID]
	if !ok {
		return NewError(ErrCodeNoSuchConnector, "connector %d not found on charger %s", connectorID, chargerID)
	}
	if conn.Transaction == nil {
		return NewError(ErrCodeConnectorNotInTransaction, "connector %s has no transaction", conn.idStr())
	}
	conn.Transaction.Priority = priority
	return nil
}

func intPtrStr(p *int) string {
	if p == nil {
		return ""
	}
	return strconv.Itoa(*p)
}

package model

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// The entity tables live in CSV files and are rewritten whole on change;
// completed sessions append to their own file. Readers index columns by
// header name so column order does not matter.

type csvTable struct {
	cols map[string]int
	rows [][]string
}

func readCSVTable(path string) (*csvTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if len(records) == 0 {
		return &csvTable{cols: map[string]int{}}, nil
	}
	t := &csvTable{cols: make(map[string]int, len(records[0])), rows: records[1:]}
	for i, name := range records[0] {
		t.cols[strings.TrimSpace(name)] = i
	}
	return t, nil
}

func (t *csvTable) get(row []string, col string) string {
	i, ok := t.cols[col]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

// writeCSVFile writes to a temp file in the same directory and renames it
// over the target, so a crash mid-write never leaves a truncated table.
func writeCSVFile(path string, header []string, rows [][]string) error {
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	tmp := f.Name()
	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := w.WriteAll(rows); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func atoiOr(s string, def int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

func intPtr(s string) *int {
	if s == "" {
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return nil
	}
	return &v
}

func floatPtr(s string) *float64 {
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}

// LoadAll reads every configured entity file and opens the session log.
// Order matters: chargers reference groups.
func (s *Store) LoadAll() error {
	if err := s.LoadGroups(); err != nil {
		return err
	}
	if err := s.LoadChargers(); err != nil {
		return err
	}
	if err := s.LoadTags(); err != nil {
		return err
	}
	if err := s.LoadUsers(); err != nil {
		return err
	}
	if err := s.LoadFirmware(); err != nil {
		return err
	}
	if s.history.SessionCSV != "" {
		w, err := newSessionWriter(s.history.SessionCSV)
		if err != nil {
			return err
		}
		s.sessionWriter = w
		s.log.Info().Str("file", s.history.SessionCSV).Msg("Appending completed sessions")
	}
	return nil
}

// LoadGroups reads the groups file, creating new groups and updating the
// description and schedule of known ones.
func (s *Store) LoadGroups() error {
	path := s.model.GroupsCSV
	if path == "" {
		return nil
	}
	s.log.Info().Str("file", path).Msg("Reading groups")
	t, err := readCSVTable(path)
	if err != nil {
		return fmt.Errorf("failed to read groups: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range t.rows {
		id := t.get(row, "group_id")
		if id == "" {
			continue
		}
		schedule, err := ParseSchedule(t.get(row, "max_allocation"))
		if err != nil {
			return fmt.Errorf("group %s: %w", id, err)
		}
		if g, ok := s.groups[id]; ok {
			g.Description = t.get(row, "description")
			g.MaxAllocation = schedule
			continue
		}
		s.groups[id] = &Group{
			ID:            id,
			Description:   t.get(row, "description"),
			MaxAllocation: schedule,
			chargers:      make(map[string]*Charger),
		}
		s.log.Debug().Str("group_id", id).Msg("Created group")
	}
	return nil
}

// LoadChargers reads the chargers file. Known chargers get their alias,
// priority, description, conn_max and auth fingerprint refreshed; the group
// and connector count stay as created.
func (s *Store) LoadChargers() error {
	path := s.model.ChargersCSV
	if path == "" {
		return nil
	}
	s.log.Info().Str("file", path).Msg("Reading chargers")
	t, err := readCSVTable(path)
	if err != nil {
		return fmt.Errorf("failed to read chargers: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range t.rows {
		id := t.get(row, "charger_id")
		if id == "" {
			continue
		}
		if c, ok := s.chargers[id]; ok {
			c.Alias = t.get(row, "alias")
			c.Priority = atoiOr(t.get(row, "priority"), 1)
			c.Description = t.get(row, "description")
			if cm := floatPtr(t.get(row, "conn_max")); cm != nil {
				c.ConnMax = *cm
			} else {
				c.ConnMax = s.params.DefaultMaxAllocation
			}
			c.AuthSHA = t.get(row, "auth_sha")
			s.log.Debug().Str("charger_id", id).Msg("Updated charger")
			continue
		}
		if err := s.createChargerLocked(
			id,
			t.get(row, "alias"),
			t.get(row, "group_id"),
			atoiOr(t.get(row, "no_connectors"), 1),
			atoiOr(t.get(row, "priority"), 1),
			t.get(row, "description"),
			floatPtr(t.get(row, "conn_max")),
			t.get(row, "auth_sha"),
		); err != nil {
			return fmt.Errorf("charger %s: %w", id, err)
		}
	}
	return nil
}

// LoadTags replaces the tag table with the file contents.
func (s *Store) LoadTags() error {
	path := s.model.TagsCSV
	if path == "" {
		return nil
	}
	s.log.Info().Str("file", path).Msg("Reading tags")
	t, err := readCSVTable(path)
	if err != nil {
		return fmt.Errorf("failed to read tags: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tags = make(map[string]*Tag, len(t.rows))
	for _, row := range t.rows {
		id := strings.ToUpper(t.get(row, "id_tag"))
		if id == "" {
			continue
		}
		s.tags[id] = &Tag{
			ID:          id,
			UserName:    t.get(row, "user_name"),
			ParentID:    t.get(row, "parent_id_tag"),
			Description: t.get(row, "description"),
			Status:      ParseTagStatus(t.get(row, "status")),
			Priority:    intPtr(t.get(row, "priority")),
		}
	}
	s.log.Info().Int("tags", len(s.tags)).Msg("Read tags")
	return nil
}

// LoadUsers reads the API users file, adding users it does not know.
func (s *Store) LoadUsers() error {
	path := s.api.UsersCSV
	if path == "" {
		return nil
	}
	s.log.Info().Str("file", path).Msg("Reading users")
	t, err := readCSVTable(path)
	if err != nil {
		return fmt.Errorf("failed to read users: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range t.rows {
		id := t.get(row, "user_id")
		if id == "" {
			continue
		}
		if _, ok := s.users[id]; ok {
			continue
		}
		userType := UserType(t.get(row, "user_type"))
		if !ValidUserType(userType) {
			userType = UserStatus
		}
		s.users[id] = &User{
			ID:          id,
			Type:        userType,
			Description: t.get(row, "description"),
			AuthSHA:     t.get(row, "auth_sha"),
		}
	}
	return nil
}

// LoadFirmware reads the firmware catalogue, creating the file when it does
// not exist yet.
func (s *Store) LoadFirmware() error {
	path := s.model.FirmwareCSV
	if path == "" {
		return nil
	}
	s.log.Info().Str("file", path).Msg("Reading firmware definitions")
	t, err := readCSVTable(path)
	if os.IsNotExist(err) {
		s.log.Warn().Str("file", path).Msg("Firmware file not found, creating it")
		return s.saveFirmware()
	}
	if err != nil {
		return fmt.Errorf("failed to read firmware: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range t.rows {
		id := t.get(row, "firmware_id")
		if id == "" {
			continue
		}
		if _, ok := s.firmware[id]; ok {
			continue
		}
		s.firmware[id] = &Firmware{
			ID:                  id,
			Vendor:              t.get(row, "charge_point_vendor"),
			Model:               t.get(row, "charge_point_model"),
			FirmwareVersion:     t.get(row, "firmware_version"),
			MeterType:           t.get(row, "meter_type"),
			URL:                 t.get(row, "url"),
			UpgradeFromVersions: t.get(row, "upgrade_from_versions"),
		}
	}
	return nil
}

func (s *Store) saveGroups() error {
	path := s.model.GroupsCSV
	if path == "" {
		return nil
	}
	s.mu.RLock()
	rows := make([][]string, 0, len(s.groups))
	for _, id := range sortedKeys(s.groups) {
		g := s.groups[id]
		rows = append(rows, []string{g.ID, g.Description, g.MaxAllocation.String()})
	}
	s.mu.RUnlock()

	s.log.Info().Str("file", path).Msg("Writing groups")
	return writeCSVFile(path, []string{"group_id", "description", "max_allocation"}, rows)
}

func (s *Store) saveChargers() error {
	path := s.model.ChargersCSV
	if path == "" {
		return nil
	}
	s.mu.RLock()
	rows := make([][]string, 0, len(s.chargers))
	for _, id := range sortedKeys(s.chargers) {
		c := s.chargers[id]
		rows = append(rows, []string{
			c.ID,
			c.Alias,
			c.GroupID,
			strconv.Itoa(len(c.Connectors)),
			strconv.Itoa(c.Priority),
			c.Description,
			ampsStr(c.ConnMax),
			c.AuthSHA,
		})
	}
	s.mu.RUnlock()

	s.log.Info().Str("file", path).Msg("Writing chargers")
	return writeCSVFile(path,
		[]string{"charger_id", "alias", "group_id", "no_connectors", "priority", "description", "conn_max", "auth_sha"},
		rows)
}

func (s *Store) saveTags() error {
	path := s.model.TagsCSV
	if path == "" {
		return nil
	}
	s.mu.RLock()
	rows := make([][]string, 0, len(s.tags))
	for _, id := range sortedKeys(s.tags) {
		tag := s.tags[id]
		rows = append(rows, []string{tag.ID, tag.UserName, tag.ParentID, tag.Description, string(tag.Status), intPtrStr(tag.Priority)})
	}
	s.mu.RUnlock()

	s.log.Info().Str("file", path).Msg("Writing tags")
	return writeCSVFile(path,
		[]string{"id_tag", "user_name", "parent_id_tag", "description", "status", "priority"},
		rows)
}

func (s *Store) saveUsers() error {
	path := s.api.UsersCSV
	if path == "" {
		return nil
	}
	s.mu.RLock()
	rows := make([][]string, 0, len(s.users))
	for _, id := range sortedKeys(s.users) {
		u := s.users[id]
		rows = append(rows, []string{u.ID, string(u.Type), u.Description, u.AuthSHA})
	}
	s.mu.RUnlock()

	s.log.Info().Str("file", path).Msg("Writing users")
	return writeCSVFile(path, []string{"user_id", "user_type", "description", "auth_sha"}, rows)
}

func (s *Store) saveFirmware() error {
	path := s.model.FirmwareCSV
	if path == "" {
		return nil
	}
	s.mu.RLock()
	rows := make([][]string, 0, len(s.firmware))
	for _, id := range sortedKeys(s.firmware) {
		fw := s.firmware[id]
		rows = append(rows, []string{
			fw.ID, fw.Vendor, fw.Model, fw.FirmwareVersion, fw.MeterType, fw.URL, fw.UpgradeFromVersions,
		})
	}
	s.mu.RUnlock()

	s.log.Info().Str("file", path).Msg("Writing firmware definitions")
	return writeCSVFile(path,
		[]string{"firmware_id", "charge_point_vendor", "charge_point_model", "firmware_version", "meter_type", "url", "upgrade_from_versions"},
		rows)
}

var sessionHeader = []string{
	"session_id", "charger_id", "charger_alias", "group_id", "id_tag", "user_name", "stop_id_tag",
	"start_time", "end_time", "duration", "energy", "stop_reason", "history",
}

// sessionWriter appends completed sessions to the history CSV. It keeps its
// own lock so writes never happen under the store lock.
type sessionWriter struct {
	mu   sync.Mutex
	path string
	f    *os.File
	w    *csv.Writer
}

func newSessionWriter(path string) (*sessionWriter, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeCSVFile(path, sessionHeader, nil); err != nil {
			return nil, err
		}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0666)
	if err != nil {
		return nil, fmt.Errorf("failed to open session file %s: %w", path, err)
	}
	return &sessionWriter{path: path, f: f, w: csv.NewWriter(f)}, nil
}

func (w *sessionWriter) append(rows [][]string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.w.WriteAll(rows); err != nil {
		return err
	}
	w.w.Flush()
	return w.w.Error()
}

func (w *sessionWriter) close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.w.Flush()
	return w.f.Close()
}

func sessionRow(sess *Session) []string {
	return []string{
		sess.SessionID,
		sess.ChargerID,
		sess.ChargerAlias,
		sess.GroupID,
		sess.IDTag,
		sess.UserName,
		sess.StopIDTag,
		timeStr(sess.StartTime),
		timeStr(sess.EndTime),
		durationStr(sess.Duration),
		kwhStr(sess.EnergyWh),
		sess.Reason,
		historyString(sess.History),
	}
}

// flushSessionWriter drains sessions queued under the lock and appends them
// to the history file.
func (s *Store) flushSessionWriter() {
	s.mu.Lock()
	pending := s.pendingSessions
	s.pendingSessions = nil
	s.mu.Unlock()
	if len(pending) == 0 || s.sessionWriter == nil {
		return
	}

	rows := make([][]string, 0, len(pending))
	for _, sess := range pending {
		rows = append(rows, sessionRow(sess))
	}
	if err := s.sessionWriter.append(rows); err != nil {
		s.log.Error().Err(err).Msg("Failed to append sessions to history file")
	}
}

// SessionCSVContents returns the raw contents of the session history file.
func (s *Store) SessionCSVContents() (string, error) {
	if s.sessionWriter == nil {
		return "", NewError(ErrCodeIllegalArguments, "no session file configured")
	}
	data, err := os.ReadFile(s.sessionWriter.path)
	if err != nil {
		return "", fmt.Errorf("failed to read session file: %w", err)
	}
	return string(data), nil
}

// Close releases the session history file.
func (s *Store) Close() error {
	s.flushSessionWriter()
	if s.sessionWriter != nil {
		return s.sessionWriter.close()
	}
	return nil
}

package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// TagStatus is the lifecycle state of an RFID tag.
type TagStatus string

const (
	TagActivated TagStatus = "Activated"
	TagBlocked   TagStatus = "Blocked"
)

// ParseTagStatus maps anything that is not "Activated" to Blocked, matching
// how tags behave when a CSV row carries an unexpected value.
func ParseTagStatus(v string) TagStatus {
	if v == string(TagActivated) {
		return TagActivated
	}
	return TagBlocked
}

// Tag is an RFID tag/card tied to a user. Tag ids are stored upper-case and
// matched case-insensitively.
type Tag struct {
	ID          string
	UserName    string
	ParentID    string
	Description string
	Status      TagStatus
	Priority    *int // optional per-tag priority override
}

// UserType is an admin API role. Each role unlocks a fixed command set.
type UserType string

const (
	UserStatus          UserType = "Status"
	UserAnalysis        UserType = "Analysis"
	UserSessionPriority UserType = "SessionPriority"
	UserTags            UserType = "Tags"
	UserAdmin           UserType = "Admin"
)

// ValidUserType reports whether v names a known role.
func ValidUserType(v UserType) bool {
	switch v {
	case UserStatus, UserAnalysis, UserSessionPriority, UserTags, UserAdmin:
		return true
	}
	return false
}

// User is an admin API account. Only the sha of user_id+password is kept.
type User struct {
	ID          string
	Type        UserType
	Description string
	AuthSHA     string
}

// Firmware is a firmware image description used to drive UpdateFirmware
// against matching chargers.
type Firmware struct {
	ID                  string
	Vendor              string
	Model               string
	FirmwareVersion     string
	MeterType           string
	URL                 string
	UpgradeFromVersions string // comma-separated versions this image may upgrade
}

// Matches reports whether the firmware applies to the given charger: vendor,
// model and meter type must match, the charger must not already run the
// version, and if an upgrade-from list is set the current version must be in
// it.
func (f *Firmware) Matches(c *Charger) bool {
	if f.Vendor != c.Vendor || f.Model != c.Model || f.MeterType != c.MeterType {
		return false
	}
	if c.FirmwareVersion == f.FirmwareVersion {
		return false
	}
	if f.UpgradeFromVersions == "" {
		return true
	}
	for _, v := range strings.Split(f.UpgradeFromVersions, ",") {
		if strings.TrimSpace(v) == c.FirmwareVersion {
			return true
		}
	}
	return false
}

// SHA256Hex returns the lowercase hex sha256 of s. Used for both charger
// Basic-auth fingerprints and API user credentials.
func SHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

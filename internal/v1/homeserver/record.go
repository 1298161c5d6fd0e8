package homeserver

import (
	"errors"
	"maps"
	"strings"
	"time"
)

// ErrRecordNotFound is returned by stores when no record exists for a user.
var ErrRecordNotFound = errors.New("capabilities record not found")

// CapabilitiesRecord is the persisted per-user capabilities entity.
// Supported actions are stored comma-joined.
type CapabilitiesRecord struct {
	UserID                   string            `json:"userId"`
	CanChangePassword        bool              `json:"canChangePassword"`
	CanChangeDisplayName     bool              `json:"canChangeDisplayName"`
	CanChangeAvatar          bool              `json:"canChangeAvatar"`
	CanChange3pid            bool              `json:"canChange3pid"`
	MaxUploadFileSize        int64             `json:"maxUploadFileSize"`
	DefaultRoomVersion       *string           `json:"defaultRoomVersion,omitempty"`
	AvailableRoomVersions    map[string]string `json:"availableRoomVersions,omitempty"`
	CanUseAuthenticatedMedia bool              `json:"canUseAuthenticatedMedia"`
	DefaultIdentityServerURL *string           `json:"defaultIdentityServerUrl,omitempty"`

	AuthenticationIssuer                      *string `json:"authenticationIssuer"`
	ExternalAccountManagementURL              *string `json:"externalAccountManagementUrl"`
	ExternalAccountManagementSupportedActions *string `json:"externalAccountManagementSupportedActions"`

	LastUpdated time.Time `json:"lastUpdated"`
}

// NewCapabilitiesRecord returns a record holding the protocol defaults for userID.
func NewCapabilitiesRecord(userID string) *CapabilitiesRecord {
	return &CapabilitiesRecord{
		UserID:               userID,
		CanChangePassword:    true,
		CanChangeDisplayName: true,
		CanChangeAvatar:      true,
		CanChange3pid:        true,
		MaxUploadFileSize:    MaxUploadFileSizeUnknown,
	}
}

// IsFresh reports whether the record was refreshed less than minInterval before now.
func (r *CapabilitiesRecord) IsFresh(now time.Time, minInterval time.Duration) bool {
	if r == nil || r.LastUpdated.IsZero() {
		return false
	}
	return now.Sub(r.LastUpdated) < minInterval
}

// Clone returns a deep copy.
func (r *CapabilitiesRecord) Clone() *CapabilitiesRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.DefaultRoomVersion = clonePtr(r.DefaultRoomVersion)
	c.DefaultIdentityServerURL = clonePtr(r.DefaultIdentityServerURL)
	c.AuthenticationIssuer = clonePtr(r.AuthenticationIssuer)
	c.ExternalAccountManagementURL = clonePtr(r.ExternalAccountManagementURL)
	c.ExternalAccountManagementSupportedActions = clonePtr(r.ExternalAccountManagementSupportedActions)
	if r.AvailableRoomVersions != nil {
		c.AvailableRoomVersions = maps.Clone(r.AvailableRoomVersions)
	}
	return &c
}

// Capabilities converts the record into the read model.
func (r *CapabilitiesRecord) Capabilities() HomeServerCapabilities {
	return HomeServerCapabilities{
		CanChangePassword:                         r.CanChangePassword,
		CanChangeDisplayName:                      r.CanChangeDisplayName,
		CanChangeAvatar:                           r.CanChangeAvatar,
		CanChange3pid:                             r.CanChange3pid,
		MaxUploadFileSize:                         r.MaxUploadFileSize,
		DefaultRoomVersion:                        clonePtr(r.DefaultRoomVersion),
		AvailableRoomVersions:                     maps.Clone(r.AvailableRoomVersions),
		CanUseAuthenticatedMedia:                  r.CanUseAuthenticatedMedia,
		DefaultIdentityServerURL:                  clonePtr(r.DefaultIdentityServerURL),
		AuthenticationIssuer:                      clonePtr(r.AuthenticationIssuer),
		ExternalAccountManagementURL:              clonePtr(r.ExternalAccountManagementURL),
		ExternalAccountManagementSupportedActions: splitActions(r.ExternalAccountManagementSupportedActions),
	}
}

func splitActions(joined *string) []string {
	if joined == nil {
		return nil
	}
	if *joined == "" {
		return []string{}
	}
	return strings.Split(*joined, ",")
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

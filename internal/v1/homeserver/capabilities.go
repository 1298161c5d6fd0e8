// Package homeserver models what a Matrix homeserver supports for a given user and keeps a
// persisted copy of it up to date.
package homeserver

import (
	"slices"
	"strings"
)

// Logout action identifiers understood by account management services, highest priority first.
const (
	ActionDeviceDelete       = "org.matrix.device_delete"
	ActionSessionEndUnstable = "org.matrix.session_end"
	ActionSessionEndLegacy   = "session_end"
)

// MaxUploadFileSizeUnknown is used when the media config could not be retrieved.
const MaxUploadFileSizeUnknown int64 = -1

// logoutActionPriority is evaluated in order; the first action the server supports wins.
var logoutActionPriority = []string{
	ActionDeviceDelete,
	ActionSessionEndUnstable,
	ActionSessionEndLegacy,
}

// HomeServerCapabilities is the read model handed to callers.
// A nil ExternalAccountManagementSupportedActions means the server did not advertise a list,
// which is different from advertising an empty one.
type HomeServerCapabilities struct {
	CanChangePassword        bool              `json:"canChangePassword"`
	CanChangeDisplayName     bool              `json:"canChangeDisplayName"`
	CanChangeAvatar          bool              `json:"canChangeAvatar"`
	CanChange3pid            bool              `json:"canChange3pid"`
	MaxUploadFileSize        int64             `json:"maxUploadFileSize"`
	DefaultRoomVersion       *string           `json:"defaultRoomVersion,omitempty"`
	AvailableRoomVersions    map[string]string `json:"availableRoomVersions,omitempty"`
	CanUseAuthenticatedMedia bool              `json:"canUseAuthenticatedMedia"`
	DefaultIdentityServerURL *string           `json:"defaultIdentityServerUrl,omitempty"`

	AuthenticationIssuer                      *string  `json:"authenticationIssuer,omitempty"`
	ExternalAccountManagementURL              *string  `json:"externalAccountManagementUrl,omitempty"`
	ExternalAccountManagementSupportedActions []string `json:"externalAccountManagementSupportedActions,omitempty"`
}

// UsesDelegatedAuth reports whether authentication is handled by an external issuer.
func (c HomeServerCapabilities) UsesDelegatedAuth() bool {
	return c.AuthenticationIssuer != nil
}

// LogoutDeviceURL returns the account management page that signs out deviceID.
// ok is false when the server has no account management URL.
func (c HomeServerCapabilities) LogoutDeviceURL(deviceID string) (string, bool) {
	return BuildLogoutURL(c.ExternalAccountManagementURL, c.ExternalAccountManagementSupportedActions, deviceID)
}

// BuildLogoutURL builds "{base}?action={action}&device_id={deviceID}".
// One trailing slash is stripped from baseURL. The device id is appended as given.
func BuildLogoutURL(baseURL *string, supportedActions []string, deviceID string) (string, bool) {
	if baseURL == nil {
		return "", false
	}
	base := strings.TrimSuffix(*baseURL, "/")
	return base + "?action=" + SelectLogoutAction(supportedActions) + "&device_id=" + deviceID, true
}

// SelectLogoutAction picks the logout action to request. An absent list, or a list with no
// recognised action, falls back to the stable identifier.
func SelectLogoutAction(supportedActions []string) string {
	if supportedActions == nil {
		return ActionDeviceDelete
	}
	for _, action := range logoutActionPriority {
		if slices.Contains(supportedActions, action) {
			return action
		}
	}
	return ActionDeviceDelete
}

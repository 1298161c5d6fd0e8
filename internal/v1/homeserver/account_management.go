package homeserver

import (
	"strings"

	"k8s.io/utils/ptr"
)

// DelegatedAuthConfig is the legacy delegation block published in the client well-known file.
type DelegatedAuthConfig struct {
	Issuer               string
	AccountManagementURL *string
}

// AuthMetadata is the authoritative answer from the homeserver's auth metadata endpoint.
type AuthMetadata struct {
	Issuer                            string
	AccountManagementURI              *string
	AccountManagementActionsSupported []string
	JWKSURI                           *string
}

// AccountManagement holds the three persisted account management fields.
type AccountManagement struct {
	Issuer           *string
	URL              *string
	SupportedActions *string
}

// Source names which input produced the fields, for logging and metrics.
type Source string

const (
	SourceAuthMetadata Source = "auth_metadata"
	SourceWellKnown    Source = "well_known"
	SourceNone         Source = "none"
)

// MergeAccountManagement combines the two sources. A successful auth metadata fetch decides all
// three fields on its own, even the ones it leaves empty. The well-known delegation is only
// consulted when auth metadata is unavailable, and never provides supported actions.
// Errors from either source are treated as "no data".
func MergeAccountManagement(meta *AuthMetadata, metaErr error, legacy *DelegatedAuthConfig, legacyErr error) (AccountManagement, Source) {
	if metaErr == nil && meta != nil {
		var actions *string
		if meta.AccountManagementActionsSupported != nil {
			actions = ptr.To(strings.Join(meta.AccountManagementActionsSupported, ","))
		}
		return AccountManagement{
			Issuer:           ptr.To(meta.Issuer),
			URL:              meta.AccountManagementURI,
			SupportedActions: actions,
		}, SourceAuthMetadata
	}

	if legacyErr == nil && legacy != nil {
		return AccountManagement{
			Issuer: ptr.To(legacy.Issuer),
			URL:    legacy.AccountManagementURL,
		}, SourceWellKnown
	}

	return AccountManagement{}, SourceNone
}

// ApplyTo overwrites the record's account management fields.
func (a AccountManagement) ApplyTo(r *CapabilitiesRecord) {
	r.AuthenticationIssuer = a.Issuer
	r.ExternalAccountManagementURL = a.URL
	r.ExternalAccountManagementSupportedActions = a.SupportedActions
}

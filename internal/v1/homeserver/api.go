package homeserver

import (
	"context"
	"slices"

	"github.com/RoseWrightdev/matrix-capabilities/pkg/matrixhttp"
)

// Client-server API paths used during a refresh.
const (
	PathCapabilities      = "/_matrix/client/v3/capabilities"
	PathMediaConfig       = "/_matrix/client/v1/media/config"
	PathLegacyMediaConfig = "/_matrix/media/v3/config"
	PathVersions          = "/_matrix/client/versions"
)

// CapabilitiesAPI reads the homeserver's capability endpoints.
type CapabilitiesAPI interface {
	GetCapabilities(ctx context.Context) (*CapabilitiesResponse, error)
	GetMediaConfig(ctx context.Context) (*MediaConfig, error)
	GetVersions(ctx context.Context) (*Versions, error)
}

// WellKnown is the subset of the client well-known file the refresh uses.
type WellKnown struct {
	HomeserverURL     string
	IdentityServerURL *string
	DelegatedAuth     *DelegatedAuthConfig
}

// WellKnownResolver looks up the well-known file for a user's server.
type WellKnownResolver interface {
	Resolve(ctx context.Context, userID string) (*WellKnown, error)
}

// AuthMetadataSource fetches the homeserver's auth metadata.
type AuthMetadataSource interface {
	Get(ctx context.Context) (*AuthMetadata, error)
}

// RecordStore persists capabilities records. Update runs fn on the current record (or a fresh
// default one) and stores the result atomically.
type RecordStore interface {
	Get(ctx context.Context, userID string) (*CapabilitiesRecord, error)
	Update(ctx context.Context, userID string, fn func(*CapabilitiesRecord)) (*CapabilitiesRecord, error)
}

// BooleanCapability is the shape of m.change_password and friends.
type BooleanCapability struct {
	Enabled bool `json:"enabled"`
}

// RoomVersionsCapability is m.room_versions.
type RoomVersionsCapability struct {
	Default   string            `json:"default"`
	Available map[string]string `json:"available"`
}

// Capabilities is the "capabilities" object of GET /capabilities. Absent entries are nil so
// protocol defaults can be applied.
type Capabilities struct {
	ChangePassword *BooleanCapability      `json:"m.change_password,omitempty"`
	SetDisplayName *BooleanCapability      `json:"m.set_displayname,omitempty"`
	SetAvatarURL   *BooleanCapability      `json:"m.set_avatar_url,omitempty"`
	ThreePidChange *BooleanCapability      `json:"m.3pid_changes,omitempty"`
	RoomVersions   *RoomVersionsCapability `json:"m.room_versions,omitempty"`
}

// CapabilitiesResponse is the body of GET /_matrix/client/v3/capabilities.
type CapabilitiesResponse struct {
	Capabilities Capabilities `json:"capabilities"`
}

func enabledOrDefault(c *BooleanCapability) bool {
	if c == nil {
		return true
	}
	return c.Enabled
}

// MediaConfig is the body of the media config endpoint.
type MediaConfig struct {
	UploadSize *int64 `json:"m.upload.size,omitempty"`
}

// Versions is the body of GET /_matrix/client/versions.
type Versions struct {
	Versions         []string        `json:"versions"`
	UnstableFeatures map[string]bool `json:"unstable_features,omitempty"`
}

// authenticatedMediaFeature is the unstable flag announcing authenticated media before v1.11.
const authenticatedMediaFeature = "org.matrix.msc3916.stable"

// SupportsAuthenticatedMedia reports whether media must be fetched through the
// authenticated endpoints.
func (v *Versions) SupportsAuthenticatedMedia() bool {
	if v == nil {
		return false
	}
	return slices.Contains(v.Versions, "v1.11") || v.UnstableFeatures[authenticatedMediaFeature]
}

// HTTPCapabilitiesAPI implements CapabilitiesAPI over the homeserver client.
type HTTPCapabilitiesAPI struct {
	client *matrixhttp.Client
}

// NewHTTPCapabilitiesAPI wraps a homeserver client.
func NewHTTPCapabilitiesAPI(client *matrixhttp.Client) *HTTPCapabilitiesAPI {
	return &HTTPCapabilitiesAPI{client: client}
}

func (a *HTTPCapabilitiesAPI) GetCapabilities(ctx context.Context) (*CapabilitiesResponse, error) {
	var resp CapabilitiesResponse
	if err := a.client.GetJSON(ctx, PathCapabilities, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetMediaConfig tries the authenticated media endpoint first and falls back to the legacy one
// when the server does not know it.
func (a *HTTPCapabilitiesAPI) GetMediaConfig(ctx context.Context) (*MediaConfig, error) {
	var cfg MediaConfig
	err := a.client.GetJSON(ctx, PathMediaConfig, &cfg)
	if err == nil {
		return &cfg, nil
	}
	if !matrixhttp.IsNotFound(err) {
		return nil, err
	}
	if err := a.client.GetJSON(ctx, PathLegacyMediaConfig, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (a *HTTPCapabilitiesAPI) GetVersions(ctx context.Context) (*Versions, error) {
	var v Versions
	if err := a.client.GetJSON(ctx, PathVersions, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

package voip

import (
	"context"
	"strings"

	"github.com/RoseWrightdev/matrix-capabilities/internal/v1/metrics"
	"github.com/RoseWrightdev/matrix-capabilities/pkg/matrixhttp"
)

// PathTurnServer is the client-server endpoint returning TURN credentials.
const PathTurnServer = "/_matrix/client/v3/voip/turnServer"

// ICETransportPolicy mirrors RTCIceTransportPolicy.
type ICETransportPolicy string

const (
	ICETransportPolicyAll   ICETransportPolicy = "all"
	ICETransportPolicyRelay ICETransportPolicy = "relay"
)

// TurnServer is the body of GET /voip/turnServer.
type TurnServer struct {
	Username string   `json:"username"`
	Password string   `json:"password"`
	URIs     []string `json:"uris"`
	TTL      int      `json:"ttl"`
}

// ICEServer mirrors RTCIceServer.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// ICEConfiguration is what a WebRTC peer connection is created with.
type ICEConfiguration struct {
	ICETransportPolicy ICETransportPolicy `json:"iceTransportPolicy"`
	ICEServers         []ICEServer        `json:"iceServers"`
}

// TurnClient fetches TURN credentials for the calling user.
type TurnClient struct {
	client *matrixhttp.Client
}

// NewTurnClient wraps a homeserver client.
func NewTurnClient(client *matrixhttp.Client) *TurnClient {
	return &TurnClient{client: client}
}

// Get returns the homeserver's TURN server. The access token is taken from ctx.
func (c *TurnClient) Get(ctx context.Context) (*TurnServer, error) {
	var ts TurnServer
	if err := c.client.GetJSON(ctx, PathTurnServer, &ts); err != nil {
		return nil, err
	}
	return &ts, nil
}

// BuildICEConfiguration turns a TURN response into a peer connection configuration.
// In relay-only mode stun: URIs are dropped and the policy is "relay".
func BuildICEConfiguration(cfg Config, turn *TurnServer) ICEConfiguration {
	policy := ICETransportPolicyAll
	if cfg.ForceRelayOnlyMode {
		policy = ICETransportPolicyRelay
	}
	metrics.ICEConfigurations.WithLabelValues(string(policy)).Inc()

	ice := ICEConfiguration{
		ICETransportPolicy: policy,
		ICEServers:         []ICEServer{},
	}
	if turn == nil {
		return ice
	}

	urls := make([]string, 0, len(turn.URIs))
	for _, uri := range turn.URIs {
		if cfg.ForceRelayOnlyMode && isSTUN(uri) {
			continue
		}
		urls = append(urls, uri)
	}
	if len(urls) == 0 {
		return ice
	}

	ice.ICEServers = append(ice.ICEServers, ICEServer{
		URLs:       urls,
		Username:   turn.Username,
		Credential: turn.Password,
	})
	return ice
}

func isSTUN(uri string) bool {
	lower := strings.ToLower(uri)
	return strings.HasPrefix(lower, "stun:") || strings.HasPrefix(lower, "stuns:")
}

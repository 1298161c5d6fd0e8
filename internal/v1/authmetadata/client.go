// Package authmetadata reads the OAuth 2.0 server metadata a homeserver publishes for
// next-generation auth.
package authmetadata

import (
	"context"
	"errors"
	"fmt"

	"github.com/RoseWrightdev/matrix-capabilities/internal/v1/homeserver"
	"github.com/RoseWrightdev/matrix-capabilities/pkg/matrixhttp"
)

const (
	PathStable   = "/_matrix/client/v1/auth_metadata"
	PathUnstable = "/_matrix/client/unstable/org.matrix.msc2965/auth_metadata"
)

// ErrMissingIssuer is returned for a metadata document without an issuer.
var ErrMissingIssuer = errors.New("auth metadata has no issuer")

// Document is the subset of the metadata document the service reads.
type Document struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint,omitempty"`
	TokenEndpoint                     string   `json:"token_endpoint,omitempty"`
	JWKSURI                           *string  `json:"jwks_uri,omitempty"`
	AccountManagementURI              *string  `json:"account_management_uri,omitempty"`
	AccountManagementActionsSupported []string `json:"account_management_actions_supported,omitempty"`
}

// Client fetches auth metadata from the homeserver.
type Client struct {
	client *matrixhttp.Client
}

// NewClient wraps a homeserver client.
func NewClient(client *matrixhttp.Client) *Client {
	return &Client{client: client}
}

// Get returns the homeserver's auth metadata. The stable endpoint is tried first; servers that
// do not know it are asked on the unstable one.
func (c *Client) Get(ctx context.Context) (*homeserver.AuthMetadata, error) {
	doc, err := c.fetch(ctx, PathStable)
	if err != nil && matrixhttp.IsNotFound(err) {
		doc, err = c.fetch(ctx, PathUnstable)
	}
	if err != nil {
		return nil, err
	}
	return doc.toAuthMetadata(), nil
}

func (c *Client) fetch(ctx context.Context, path string) (*Document, error) {
	var doc Document
	if err := c.client.GetJSON(ctx, path, &doc); err != nil {
		return nil, fmt.Errorf("failed to fetch auth metadata: %w", err)
	}
	if doc.Issuer == "" {
		return nil, ErrMissingIssuer
	}
	return &doc, nil
}

func (d *Document) toAuthMetadata() *homeserver.AuthMetadata {
	return &homeserver.AuthMetadata{
		Issuer:                            d.Issuer,
		AccountManagementURI:              d.AccountManagementURI,
		AccountManagementActionsSupported: d.AccountManagementActionsSupported,
		JWKSURI:                           d.JWKSURI,
	}
}

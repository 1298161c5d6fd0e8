// Package wellknown resolves the client well-known file of a Matrix user's server.
package wellknown

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/RoseWrightdev/matrix-capabilities/internal/v1/homeserver"
	"github.com/RoseWrightdev/matrix-capabilities/pkg/matrixhttp"
)

// Path is where servers publish client discovery information.
const Path = "/.well-known/matrix/client"

var (
	// ErrNotFound means the server does not publish a well-known file.
	ErrNotFound = errors.New("well-known file not found")
	// ErrInvalidUserID is returned for ids that are not of the form @localpart:domain.
	ErrInvalidUserID = errors.New("invalid matrix user id")
)

// Document is the JSON body of the well-known file.
type Document struct {
	Homeserver     *BaseURL        `json:"m.homeserver,omitempty"`
	IdentityServer *BaseURL        `json:"m.identity_server,omitempty"`
	Authentication *Authentication `json:"org.matrix.msc2965.authentication,omitempty"`
}

// BaseURL is the {"base_url": ...} object used by discovery entries.
type BaseURL struct {
	BaseURL string `json:"base_url"`
}

// Authentication is the delegated auth block.
type Authentication struct {
	Issuer  string  `json:"issuer"`
	Account *string `json:"account,omitempty"`
}

// Resolver fetches well-known files through a shared homeserver client.
type Resolver struct {
	client *matrixhttp.Client
	scheme string
}

// Option customises a Resolver.
type Option func(*Resolver)

// WithScheme overrides "https"; tests use plain http.
func WithScheme(scheme string) Option {
	return func(r *Resolver) {
		r.scheme = scheme
	}
}

// NewResolver creates a resolver.
func NewResolver(client *matrixhttp.Client, opts ...Option) *Resolver {
	r := &Resolver{client: client, scheme: "https"}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ServerName returns the domain part of a user id.
func ServerName(userID string) (string, error) {
	if !strings.HasPrefix(userID, "@") {
		return "", fmt.Errorf("%w: %q", ErrInvalidUserID, userID)
	}
	_, domain, ok := strings.Cut(userID[1:], ":")
	if !ok || domain == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidUserID, userID)
	}
	return domain, nil
}

// Resolve downloads and decodes the well-known file of userID's server.
func (r *Resolver) Resolve(ctx context.Context, userID string) (*homeserver.WellKnown, error) {
	domain, err := ServerName(userID)
	if err != nil {
		return nil, err
	}

	var doc Document
	if err := r.client.GetJSONAt(ctx, r.scheme+"://"+domain+Path, &doc); err != nil {
		if matrixhttp.IsNotFound(err) {
			return nil, fmt.Errorf("%w for %s", ErrNotFound, domain)
		}
		return nil, fmt.Errorf("failed to fetch well-known for %s: %w", domain, err)
	}

	return doc.toWellKnown(), nil
}

func (d *Document) toWellKnown() *homeserver.WellKnown {
	wk := &homeserver.WellKnown{}
	if d.Homeserver != nil {
		wk.HomeserverURL = d.Homeserver.BaseURL
	}
	if d.IdentityServer != nil && d.IdentityServer.BaseURL != "" {
		url := d.IdentityServer.BaseURL
		wk.IdentityServerURL = &url
	}
	if d.Authentication != nil && d.Authentication.Issuer != "" {
		wk.DelegatedAuth = &homeserver.DelegatedAuthConfig{
			Issuer:               d.Authentication.Issuer,
			AccountManagementURL: d.Authentication.Account,
		}
	}
	return wk
}

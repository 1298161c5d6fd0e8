package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/RoseWrightdev/matrix-capabilities/internal/v1/logging"
	"go.uber.org/zap"
)

const (
	devUserID = "@dev-user:localhost"
	devScope  = "urn:matrix:client:api:* urn:matrix:client:device:DEVDEVICE"
)

// MockValidator is a development-only token validator that accepts any token.
// The payload is decoded without verification so local clients can pick their user.
type MockValidator struct{}

func (m *MockValidator) ValidateToken(tokenString string) (*CustomClaims, error) {
	var subject, scope string

	parts := strings.Split(tokenString, ".")
	if len(parts) == 3 {
		payload, err := base64.RawURLEncoding.DecodeString(parts[1])
		if err == nil {
			var claims map[string]interface{}
			if json.Unmarshal(payload, &claims) == nil {
				if sub, ok := claims["sub"].(string); ok {
					subject = sub
				}
				if s, ok := claims["scope"].(string); ok {
					scope = s
				}
				logging.Debug(context.Background(), "MockValidator parsed JWT", zap.String("subject", subject), zap.String("scope", scope))
			}
		}
	}

	if subject == "" {
		subject = devUserID
	}
	if scope == "" {
		scope = devScope
	}

	claims := &CustomClaims{Scope: scope}
	claims.Subject = subject
	return claims, nil
}

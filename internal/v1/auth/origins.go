package auth

import (
	"context"
	"strings"

	"github.com/RoseWrightdev/matrix-capabilities/internal/v1/logging"
	"go.uber.org/zap"
)

// ParseAllowedOrigins splits a comma-separated origin list, e.g.
// "http://localhost:3000,https://app.example.org". Empty input yields defaults.
func ParseAllowedOrigins(raw string, defaults []string) []string {
	if strings.TrimSpace(raw) == "" {
		logging.Warn(context.Background(), "ALLOWED_ORIGINS not set, using development origins", zap.Strings("origins", defaults))
		return defaults
	}

	var origins []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

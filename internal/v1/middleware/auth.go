package middleware

import (
	"net/http"
	"strings"

	"github.com/RoseWrightdev/matrix-capabilities/internal/v1/auth"
	"github.com/RoseWrightdev/matrix-capabilities/internal/v1/logging"
	"github.com/RoseWrightdev/matrix-capabilities/internal/v1/wellknown"
	"github.com/RoseWrightdev/matrix-capabilities/pkg/matrixhttp"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RequireAuth validates the caller's access token. On success the claims are stored under
// auth.ClaimsContextKey and the request context carries the user for logging and the token for
// homeserver calls made on the caller's behalf.
//
// allowQueryToken additionally accepts ?access_token=, which browsers need for WebSockets.
func RequireAuth(validator auth.TokenValidator, allowQueryToken bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" && allowQueryToken {
			token = c.Query("access_token")
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing access token"})
			return
		}

		ctx := c.Request.Context()
		claims, err := validator.ValidateToken(token)
		if err != nil {
			logging.Warn(ctx, "Rejected access token", zap.String("token", logging.RedactToken(token)), zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid access token"})
			return
		}
		if _, err := wellknown.ServerName(claims.UserID()); err != nil {
			logging.Warn(ctx, "Token subject is not a Matrix user id", zap.String("subject", claims.Subject))
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "token is not bound to a Matrix user"})
			return
		}

		ctx = logging.WithUser(ctx, claims.UserID(), claims.DeviceID())
		ctx = matrixhttp.WithAccessToken(ctx, token)
		c.Request = c.Request.WithContext(ctx)
		c.Set(auth.ClaimsContextKey, claims)

		c.Next()
	}
}

// Claims returns the claims stored by RequireAuth.
func Claims(c *gin.Context) (*auth.CustomClaims, bool) {
	v, exists := c.Get(auth.ClaimsContextKey)
	if !exists {
		return nil, false
	}
	claims, ok := v.(*auth.CustomClaims)
	return claims, ok
}

func bearerToken(header string) string {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

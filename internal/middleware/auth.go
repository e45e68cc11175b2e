package middleware

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"consultlink-backend/pkg/jwt"
	"consultlink-backend/pkg/logger"
	"consultlink-backend/pkg/response"
)

// Context keys set by AuthMiddleware
const (
	ContextUserID    = "user_id"
	ContextName      = "name"
	ContextSpecialty = "specialty"
	ContextRole      = "role"
)

// RevocationChecker defines interface for checking if a token is revoked (blacklisted)
type RevocationChecker interface {
	IsTokenRevoked(ctx context.Context, tokenString string) (bool, error)
}

// BearerToken returns the token from "Authorization: Bearer <token>", or "" if absent or malformed
func BearerToken(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// AuthMiddleware validates the clinician JWT and stores its identity on the context.
// revocationChecker may be nil.
func AuthMiddleware(jwtManager *jwt.JWTManager, revocationChecker RevocationChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			response.Unauthorized(c, "Authorization header required")
			c.Abort()
			return
		}

		tokenString := BearerToken(authHeader)
		if tokenString == "" {
			response.Unauthorized(c, "Invalid authorization header format")
			c.Abort()
			return
		}

		claims, err := jwtManager.ValidateToken(tokenString)
		if err != nil {
			response.Unauthorized(c, "Invalid token")
			c.Abort()
			return
		}

		if revocationChecker != nil {
			revoked, err := revocationChecker.IsTokenRevoked(c.Request.Context(), tokenString)
			if err != nil {
				// fail open: signature and expiry already verified
				logger.Warn("Token revocation check failed", zap.Error(err))
			} else if revoked {
				response.Unauthorized(c, "Token revoked")
				c.Abort()
				return
			}
		}

		c.Set(ContextUserID, claims.UserID)
		c.Set(ContextName, claims.Name)
		c.Set(ContextSpecialty, claims.Specialty)
		c.Set(ContextRole, claims.Role)
		c.Next()
	}
}

// RequireRole rejects requests whose authenticated role is not one of roles.
// Must run after AuthMiddleware.
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		role := c.GetString(ContextRole)
		for _, r := range roles {
			if role == r {
				c.Next()
				return
			}
		}
		response.Forbidden(c, "Insufficient role")
		c.Abort()
	}
}

// UserID returns the authenticated user's ID
func UserID(c *gin.Context) (uuid.UUID, bool) {
	v, ok := c.Get(ContextUserID)
	if !ok {
		return uuid.Nil, false
	}
	id, ok := v.(uuid.UUID)
	return id, ok
}

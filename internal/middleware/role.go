package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aura-webinar/capacity/pkg/response"
)

// RequireRole returns a middleware that admits callers whose JWT role is one
// of roles. Denials are logged with the caller and route.
func RequireRole(logger *zap.Logger, roles ...string) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	allowed := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	need := strings.Join(roles, " or ")
	return func(c *gin.Context) {
		roleVal, ok := c.Get(ContextUserRole)
		if !ok {
			response.Unauthorized(c, "missing user context")
			c.Abort()
			return
		}
		role, _ := roleVal.(string)
		if _, ok := allowed[role]; !ok {
			fields := []zap.Field{
				zap.String("route", c.FullPath()),
				zap.String("role", role),
				zap.Strings("required", roles),
			}
			if id, ok := CallerID(c); ok {
				fields = append(fields, zap.String("caller_id", id.String()))
			}
			logger.Warn("role denied", fields...)
			response.Forbidden(c, "requires role "+need)
			c.Abort()
			return
		}
		c.Next()
	}
}

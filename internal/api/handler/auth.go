package handler

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// AdminAuth guards destructive admin endpoints: the request must carry a
// bearer token and the token's user must have the is_admin role. Batch
// processing endpoints stay open; they are invoked by the scheduler.
func AdminAuth(logger *slog.Logger, store QueueStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Missing bearer token",
			})
			return
		}

		isAdmin, err := store.IsAdmin(c.Request.Context(), token)
		if err != nil {
			logger.Error("Admin role lookup failed", slog.String("error", err.Error()))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error": "Authorization check failed",
			})
			return
		}
		if !isAdmin {
			logger.Warn("Rejected non-admin request",
				slog.String("path", c.Request.URL.Path),
				slog.String("ip", c.ClientIP()),
			)
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "Admin role required",
			})
			return
		}

		c.Next()
	}
}

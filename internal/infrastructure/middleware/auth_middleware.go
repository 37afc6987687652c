package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"spatialsync/internal/core/services"
)

// DeviceNameKey is the gin context key holding the authenticated device.
const DeviceNameKey = "device_name"

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", false
	}
	return token, true
}

// AuthMiddleware rejects requests without a valid device token.
func AuthMiddleware(auth *services.DeviceAuth) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			unauthorized(c, "authorization header required")
			return
		}

		token, ok := bearerToken(authHeader)
		if !ok {
			unauthorized(c, "invalid authorization header format")
			return
		}

		claims, err := auth.ValidateToken(token)
		if err != nil {
			msg := "invalid token"
			if errors.Is(err, services.ErrExpiredToken) {
				msg = "token expired"
			}
			unauthorized(c, msg)
			return
		}

		c.Set(DeviceNameKey, claims.DeviceName)
		c.Next()
	}
}

// OptionalAuthMiddleware records the device name when a valid token is
// present and lets every request through.
func OptionalAuthMiddleware(auth *services.DeviceAuth) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token, ok := bearerToken(c.GetHeader("Authorization")); ok {
			if claims, err := auth.ValidateToken(token); err == nil {
				c.Set(DeviceNameKey, claims.DeviceName)
			}
		}
		c.Next()
	}
}

func unauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"status":  "error",
		"message": msg,
	})
}

package api

import (
	"crypto/subtle"
	"encoding/base64"
	"strings"

	"github.com/creativepool/sora-relay/internal/models"
	"github.com/creativepool/sora-relay/internal/services/settings"

	"github.com/gofiber/fiber/v2"
	fiberlog "github.com/gofiber/fiber/v2/log"
)

// APIKeyAuth guards the generation surface. The key is read from the
// live policy snapshot on every request so an admin key rotation takes
// effect immediately.
func APIKeyAuth(settingsService *settings.Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		expected := settingsService.Current().APIKey
		if expected == "" {
			return c.Next()
		}

		provided := c.Get("X-API-Key")
		if provided == "" {
			auth := c.Get("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				provided = strings.TrimPrefix(auth, "Bearer ")
			}
		}

		if subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) != 1 {
			fiberlog.Warnf("Rejected request to %s: invalid API key", c.Path())
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "invalid or missing API key",
			})
		}
		return c.Next()
	}
}

// AdminAuth guards the admin surface with HTTP basic auth against the
// credentials in the live snapshot.
func AdminAuth(settingsService *settings.Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		snap := settingsService.Current()

		auth := c.Get("Authorization")
		if !strings.HasPrefix(auth, "Basic ") {
			c.Set("WWW-Authenticate", `Basic realm="admin"`)
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "admin authentication required",
			})
		}

		raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(auth, "Basic "))
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "malformed authorization header",
			})
		}
		username, password, ok := strings.Cut(string(raw), ":")
		userOK := subtle.ConstantTimeCompare([]byte(username), []byte(snap.AdminUsername)) == 1
		passOK := subtle.ConstantTimeCompare([]byte(password), []byte(snap.AdminPassword)) == 1
		if !ok || !userOK || !passOK {
			fiberlog.Warnf("Rejected admin request to %s: bad credentials", c.Path())
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "invalid admin credentials",
			})
		}
		return c.Next()
	}
}

// ErrorHandler maps AppError values to their HTTP contract and hides
// internal details for everything else.
func ErrorHandler(c *fiber.Ctx, err error) error {
	if appErr, ok := err.(*models.AppError); ok {
		return c.Status(appErr.GetStatusCode()).JSON(fiber.Map{
			"error": appErr,
		})
	}

	if fiberErr, ok := err.(*fiber.Error); ok {
		return c.Status(fiberErr.Code).JSON(fiber.Map{
			"error": fiber.Map{"message": fiberErr.Message},
		})
	}

	fiberlog.Errorf("Unhandled error on %s %s: %v", c.Method(), c.Path(), err)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": fiber.Map{"message": "internal server error"},
	})
}

package middleware

import (
	icuser "github.com/ManuelReschke/billingsync/internal/pkg/usercontext"
	"github.com/gofiber/fiber/v2"
)

// RequireAPISessionAuth ensures an identified user and returns JSON 401 otherwise.
func RequireAPISessionAuth(c *fiber.Ctx) error {
	v := c.Locals(icuser.KeyFromProtected)
	loggedIn := false
	if b, ok := v.(bool); ok {
		loggedIn = b
	}
	if !loggedIn {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error":   "unauthorized",
			"message": "login required",
		})
	}
	return c.Next()
}

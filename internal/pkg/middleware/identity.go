package middleware

import (
	"crypto/subtle"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/billingsync/internal/pkg/usercontext"
)

const (
	HeaderInternalAuth = "X-Internal-Auth"
	HeaderUserID       = "X-User-ID"
	HeaderUserEmail    = "X-User-Email"
)

// TrustedIdentity reads the user identity forwarded by the application in
// front of this service. With a non-empty key the request must carry it in
// X-Internal-Auth, otherwise the identity headers are ignored.
func TrustedIdentity(internalKey string) fiber.Handler {
	key := []byte(strings.TrimSpace(internalKey))
	return func(c *fiber.Ctx) error {
		uc := usercontext.UserContext{IsLoggedIn: false}

		if len(key) > 0 {
			got := []byte(strings.TrimSpace(c.Get(HeaderInternalAuth)))
			if subtle.ConstantTimeCompare(got, key) != 1 {
				usercontext.SetUserContext(c, uc)
				return c.Next()
			}
		}

		if id, err := strconv.ParseUint(strings.TrimSpace(c.Get(HeaderUserID)), 10, 64); err == nil && id > 0 {
			uc = usercontext.UserContext{
				UserID:     uint(id),
				Email:      strings.TrimSpace(c.Get(HeaderUserEmail)),
				IsLoggedIn: true,
			}
		}
		usercontext.SetUserContext(c, uc)
		return c.Next()
	}
}

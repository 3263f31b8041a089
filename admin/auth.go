package admin

import (
	"crypto/rand"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"golang.org/x/crypto/bcrypt"
)

// claims is the payload embedded in admin session tokens.
type claims struct {
	jwt.RegisteredClaims
}

// authenticator issues and verifies bearer tokens for the admin surface.
// The operator secret itself is never held in plaintext past NewServer: it
// is compared against its configured bcrypt hash at login time, and
// sessions afterward are HS256 JWTs signed with a key generated once per
// process start.
type authenticator struct {
	secretHash []byte
	signingKey []byte
	ttl        time.Duration
}

func newAuthenticator(secretHash string, ttl time.Duration) (*authenticator, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &authenticator{
		secretHash: []byte(secretHash),
		signingKey: key,
		ttl:        ttl,
	}, nil
}

// enabled reports whether admin auth is configured at all.
func (a *authenticator) enabled() bool { return len(a.secretHash) > 0 }

// login validates password against the configured bcrypt hash and, on
// success, issues a signed session token.
func (a *authenticator) login(password string) (string, error) {
	if err := bcrypt.CompareHashAndPassword(a.secretHash, []byte(password)); err != nil {
		return "", errors.New("invalid credentials")
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "admin",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	})
	return token.SignedString(a.signingKey)
}

// middleware rejects requests lacking a valid bearer session token. When
// auth is disabled (no secret configured) it is a no-op, suitable only for
// local/demo use.
func (a *authenticator) middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !a.enabled() {
				return next(c)
			}
			header := c.Request().Header.Get(echo.HeaderAuthorization)
			token := strings.TrimPrefix(header, "Bearer ")
			if token == "" || token == header {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
			}
			if _, err := jwt.ParseWithClaims(token, &claims{}, func(*jwt.Token) (any, error) {
				return a.signingKey, nil
			}); err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid or expired token")
			}
			return next(c)
		}
	}
}

// HashSecret bcrypt-hashes a plaintext operator secret for storage in
// configuration (the "admin-auth-secret-hash" flag). Used by the
// txndispatchd CLI's "gen-secret" helper.
func HashSecret(plaintext string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

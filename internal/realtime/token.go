package realtime

import (
	"errors"
	"time"

	"git.fleetops.dev/dispatch/golang/convoy/internal/config"
	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("token query parameter is missing")
	ErrInvalidToken = errors.New("token is invalid or expired")
)

// ValidateToken checks the subscriber token carried in the websocket query
// string and returns the identity it was issued for. Validation happens
// before the upgrade completes, so a bad token never gets a live socket.
func ValidateToken(tokenString string) (string, error) {
	if tokenString == "" {
		return "", ErrMissingToken
	}

	token, err := jwt.Parse(
		tokenString,
		func(t *jwt.Token) (any, error) {
			return []byte(config.Conf.WSTokenSecret), nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}

	subject, err := token.Claims.GetSubject()
	if err != nil || subject == "" {
		return "", ErrInvalidToken
	}

	return subject, nil
}

// IssueToken mints a subscriber token for the given identity.
func IssueToken(identity string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   identity,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})

	return token.SignedString([]byte(config.Conf.WSTokenSecret))
}

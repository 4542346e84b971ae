package tokens

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultFallbackLifetime is assigned to tokens whose expiry can't be read.
const DefaultFallbackLifetime = time.Hour

var (
	errTokenMalformed  = errors.New("token malformed")
	errTokenNoExpiry   = errors.New("token has no expiry")
	errTokenEmpty      = errors.New("token empty")
	errSigningKeyEmpty = errors.New("signing key missing")
)

func ErrTokenMalformed() error { return errTokenMalformed }
func ErrTokenNoExpiry() error  { return errTokenNoExpiry }
func ErrTokenEmpty() error     { return errTokenEmpty }

// Claims is the subset of registered JWT claims the client cares about.
type Claims struct {
	Subject    string
	IssuedAt   time.Time
	Expiration time.Time
}

var parser = jwt.NewParser()

// Decode reads the claims section of an encoded JWT. The signature is not
// verified: the client only needs the timestamps to schedule refreshes, and
// trust decisions belong to the server.
func Decode(encToken string) (*Claims, error) {
	if encToken == "" {
		return nil, errTokenEmpty
	}

	registered := jwt.RegisteredClaims{}
	if _, _, err := parser.ParseUnverified(encToken, &registered); err != nil {
		return nil, fmt.Errorf("%w: %v", errTokenMalformed, err)
	}

	claims := &Claims{Subject: registered.Subject}
	if registered.IssuedAt != nil {
		claims.IssuedAt = registered.IssuedAt.Time
	}
	if registered.ExpiresAt != nil {
		claims.Expiration = registered.ExpiresAt.Time
	}
	return claims, nil
}

// Lifetime derives the issue and expiry time of an access token.
//
// It fails soft: when the token can't be decoded or carries no exp claim, the
// expiry is now+fallback and ok is false, so a malformed token is never
// trusted indefinitely.
func Lifetime(
	encToken string,
	now time.Time,
	fallback time.Duration,
) (
	issuedAt time.Time,
	expiresAt time.Time,
	ok bool,
) {
	if fallback <= 0 {
		fallback = DefaultFallbackLifetime
	}

	claims, err := Decode(encToken)
	if err != nil || claims.Expiration.IsZero() {
		return now, now.Add(fallback), false
	}

	issuedAt = claims.IssuedAt
	if issuedAt.IsZero() {
		issuedAt = now
	}
	return issuedAt, claims.Expiration, true
}

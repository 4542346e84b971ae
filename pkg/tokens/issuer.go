package tokens

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Issuer mints ES256 tokens. The client library never signs anything; this
// exists for the fake API in sessiontest and the development test server.
type Issuer struct {
	signingKey   *ecdsa.PrivateKey
	issuerDomain string
}

func NewIssuer(
	signingKey *ecdsa.PrivateKey,
	issuerDomain string,
) *Issuer {
	return &Issuer{
		signingKey:   signingKey,
		issuerDomain: issuerDomain,
	}
}

// Issue signs a token for subject that expires after lifetime. A negative
// lifetime yields an already expired token.
func (issuer *Issuer) Issue(
	subject string,
	audience []string,
	lifetime time.Duration,
) (string, error) {
	if issuer.signingKey == nil {
		return "", errSigningKeyEmpty
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    issuer.issuerDomain,
		Subject:   subject,
		Audience:  jwt.ClaimStrings(audience),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(lifetime)),
		ID:        nonce(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	encoded, err := token.SignedString(issuer.signingKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %v", err)
	}
	return encoded, nil
}

// IssueWithoutExpiry signs a token that carries no exp claim.
func (issuer *Issuer) IssueWithoutExpiry(subject string) (string, error) {
	if issuer.signingKey == nil {
		return "", errSigningKeyEmpty
	}

	claims := jwt.MapClaims{
		"iss": issuer.issuerDomain,
		"sub": subject,
		"iat": time.Now().Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	return token.SignedString(issuer.signingKey)
}

func nonce() string {
	randomBytes := make([]byte, 16)
	if _, err := rand.Read(randomBytes); err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(randomBytes)
}

// Package tokens reads the timestamps embedded in access tokens.
//
// The session store never verifies signatures; it only needs to know when a
// token was issued and when it lapses so it can expire the session locally and
// schedule refreshes:
//
//	issuedAt, expiresAt, ok := tokens.Lifetime(accessToken, time.Now(), tokens.DefaultFallbackLifetime)
//	if !ok {
//	    // token was malformed or had no exp claim; expiresAt is now+fallback
//	}
//
// Decode exposes the subject and timestamps for callers that want them:
//
//	claims, err := tokens.Decode(accessToken)
//	switch {
//	case errors.Is(err, tokens.ErrTokenEmpty()):
//	    // nothing to decode
//	case errors.Is(err, tokens.ErrTokenMalformed()):
//	    // not a JWT
//	}
//
// # Issuing (tests and tooling)
//
// Issuer signs ES256 tokens with golang-jwt. It backs the fake API in
// sessiontest and the session-testserver command:
//
//	issuer := tokens.NewIssuer(signingKey, "auth.example.com")
//	token, err := issuer.Issue("alice", []string{"app.example.com"}, time.Hour)
package tokens

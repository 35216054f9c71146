// Package token reads claims from bearer tokens issued by the assistant
// backend. Nothing here verifies signatures: the results are only hints for
// deciding when to renew a token.
package token

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ExpiryBuffer is how long before expiry a token is treated as due for renewal.
const ExpiryBuffer = 300 * time.Second

var parser = jwt.NewParser()

// Claims decodes the payload of a three-segment token without verifying it.
func Claims(tok string) (jwt.MapClaims, bool) {
	if strings.Count(tok, ".") != 2 {
		return nil, false
	}
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(tok, claims); err != nil {
		return nil, false
	}
	return claims, true
}

// DecodeExpiry returns the exp claim of tok. The second return value is false
// when the token is malformed or carries no usable exp.
func DecodeExpiry(tok string) (time.Time, bool) {
	claims, ok := Claims(tok)
	if !ok {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// NearExpiry reports whether tok expires within buffer of now. Tokens that
// cannot be decoded are reported as near expiry.
func NearExpiry(tok string, now time.Time, buffer time.Duration) bool {
	exp, ok := DecodeExpiry(tok)
	if !ok {
		return true
	}
	return !now.Add(buffer).Before(exp)
}

// StringClaim returns a string claim from tok, or "" when absent.
func StringClaim(tok, name string) string {
	claims, ok := Claims(tok)
	if !ok {
		return ""
	}
	s, _ := claims[name].(string)
	return s
}

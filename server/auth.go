package server

import (
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

const RoleAdmin = "admin"

type Claims struct {
	Subject string
	Role    string
}

// TokenVerifier checks the `token` query parameter carried on the
// websocket url. A nil verifier on the router trusts every connection.
type TokenVerifier struct {
	key []byte
}

func NewTokenVerifier(key []byte) *TokenVerifier {
	return &TokenVerifier{
		key: key,
	}
}

func (self *TokenVerifier) Verify(token string) (*Claims, error) {
	parsed, err := gojwt.Parse(token, func(token *gojwt.Token) (any, error) {
		if _, ok := token.Method.(*gojwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %s", token.Method.Alg())
		}
		return self.key, nil
	})
	if err != nil {
		return nil, err
	}

	claims := &Claims{}
	mapClaims, ok := parsed.Claims.(gojwt.MapClaims)
	if !ok {
		return claims, nil
	}
	if subject, ok := mapClaims["sub"]; ok {
		if s, ok := subject.(string); ok {
			claims.Subject = s
		}
	}
	if role, ok := mapClaims["role"]; ok {
		if r, ok := role.(string); ok {
			claims.Role = r
		}
	}
	return claims, nil
}

// MintToken signs a client identity token. Used by the admin cli
// and by tests.
func MintToken(key []byte, subject string, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"sub":  subject,
		"role": role,
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	})
	return token.SignedString(key)
}

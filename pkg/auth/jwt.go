package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

var errNoSubject = errors.New("token has no subject")

// verifyBearer validates an HS256 token and returns its subject, the user
// id the caller acts as. Issuer and audience are checked only when
// configured.
func verifyBearer(token string, cfg SecConfig) (string, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		return cfg.JWTSecret, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("parse bearer token: %w", err)
	}
	sub, err := parsed.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", errNoSubject
	}
	return sub, nil
}

// SignUserToken issues an HS256 token for the given user. Meant for local
// setups and tests; production callers bring their own issuer.
func SignUserToken(secret []byte, issuer, audience, user string, claims jwt.MapClaims) (string, error) {
	if claims == nil {
		claims = jwt.MapClaims{}
	}
	claims["sub"] = user
	if issuer != "" {
		claims["iss"] = issuer
	}
	if audience != "" {
		claims["aud"] = audience
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

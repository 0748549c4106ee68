package tokenclaims

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Sentinel errors exposed by the decoder. Every decode failure wraps ErrDecode.
var (
	ErrDecode         = errors.New("token.decode")
	ErrMalformedToken = fmt.Errorf("%w: malformed_token", ErrDecode)
	ErrInvalidPayload = fmt.Errorf("%w: invalid_payload", ErrDecode)
	ErrMissingExpiry  = fmt.Errorf("%w: missing_expiry", ErrDecode)
)

const tokenSegmentCount = 3

// Claims are the values the session needs from an access token payload.
type Claims struct {
	Subject   string
	UserID    string
	UserType  string
	Roles     []string
	ExpiresAt time.Time
	IssuedAt  time.Time
}

// IsZero reports whether the claims carry no decoded token.
func (claims Claims) IsZero() bool {
	return claims.Subject == "" && claims.UserID == "" && len(claims.Roles) == 0 && claims.ExpiresAt.IsZero()
}

// HasRole reports whether the role set contains the given role.
func (claims Claims) HasRole(role string) bool {
	for _, candidate := range claims.Roles {
		if candidate == role {
			return true
		}
	}
	return false
}

type payloadClaims struct {
	UserID   string   `json:"user_id"`
	UserType string   `json:"user_type"`
	Roles    []string `json:"roles"`
	jwt.RegisteredClaims
}

var unverifiedParser = jwt.NewParser()

// Decode reads the payload of a signed token without verifying its signature.
func Decode(tokenString string) (Claims, error) {
	segments := strings.Split(strings.TrimSpace(tokenString), ".")
	if len(segments) != tokenSegmentCount {
		return Claims{}, fmt.Errorf("token.decode: %w", ErrMalformedToken)
	}
	for index, segment := range segments {
		if index < tokenSegmentCount-1 && segment == "" {
			return Claims{}, fmt.Errorf("token.decode: %w", ErrMalformedToken)
		}
		if _, decodeErr := base64.RawURLEncoding.DecodeString(segment); decodeErr != nil {
			return Claims{}, fmt.Errorf("token.decode: %w", ErrMalformedToken)
		}
	}

	payload := &payloadClaims{}
	_, _, parseErr := unverifiedParser.ParseUnverified(strings.TrimSpace(tokenString), payload)
	if parseErr != nil && !errors.Is(parseErr, jwt.ErrTokenUnverifiable) {
		return Claims{}, fmt.Errorf("token.decode: %w", ErrInvalidPayload)
	}
	if payload.ExpiresAt == nil {
		return Claims{}, fmt.Errorf("token.decode: %w", ErrMissingExpiry)
	}

	claims := Claims{
		Subject:   payload.Subject,
		UserID:    payload.UserID,
		UserType:  payload.UserType,
		Roles:     append([]string(nil), payload.Roles...),
		ExpiresAt: payload.ExpiresAt.Time,
	}
	if payload.IssuedAt != nil {
		claims.IssuedAt = payload.IssuedAt.Time
	}
	return claims, nil
}

// IsExpired reports whether the token cannot be decoded or its expiry precedes now.
func IsExpired(tokenString string, now time.Time) bool {
	claims, err := Decode(tokenString)
	if err != nil {
		return true
	}
	return claims.ExpiresAt.UnixMilli() < now.UnixMilli()
}

// TimeUntilExpiry returns the remaining lifetime of the token relative to now.
func TimeUntilExpiry(tokenString string, now time.Time) (time.Duration, error) {
	claims, err := Decode(tokenString)
	if err != nil {
		return 0, err
	}
	return time.Duration(claims.ExpiresAt.UnixMilli()-now.UnixMilli()) * time.Millisecond, nil
}

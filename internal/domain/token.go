package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenPair is the access/refresh pair of one session. AccessExpiry is always
// decoded from Access; build values with NewTokenPair.
type TokenPair struct {
	Access       string
	Refresh      string
	AccessExpiry time.Time
	UserID       string
}

func NewTokenPair(access, refresh string) (TokenPair, error) {
	access = strings.TrimSpace(access)
	refresh = strings.TrimSpace(refresh)
	if access == "" {
		return TokenPair{}, fmt.Errorf("%w: access token is empty", ErrInvalidToken)
	}
	if refresh == "" {
		return TokenPair{}, fmt.Errorf("%w: refresh token is empty", ErrInvalidToken)
	}

	claims, err := decodeClaims(access)
	if err != nil {
		return TokenPair{}, err
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return TokenPair{}, fmt.Errorf("%w: missing exp claim", ErrInvalidToken)
	}

	return TokenPair{
		Access:       access,
		Refresh:      refresh,
		AccessExpiry: exp.Time.UTC(),
		UserID:       userIDFromClaims(claims),
	}, nil
}

// WithAccess returns the pair rotated to a new access token. The refresh
// token is reused as-is.
func (p TokenPair) WithAccess(access string) (TokenPair, error) {
	return NewTokenPair(access, p.Refresh)
}

// FreshAt reports whether the access token is still usable at now with skew
// to spare.
func (p TokenPair) FreshAt(now time.Time, skew time.Duration) bool {
	if p.Access == "" || p.AccessExpiry.IsZero() {
		return false
	}

	return now.Before(p.AccessExpiry.Add(-skew))
}

func (p TokenPair) IsZero() bool {
	return p.Access == "" && p.Refresh == ""
}

func decodeClaims(access string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(access, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	return claims, nil
}

func userIDFromClaims(claims jwt.MapClaims) string {
	switch v := claims["user_id"].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}

	sub, _ := claims.GetSubject()
	return sub
}

package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestIssueThenParse(t *testing.T) {
	tm := NewTokenManager("s3cret", "fxcard", time.Minute)
	tok, exp, err := tm.Issue("u1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if time.Until(exp) <= 0 {
		t.Fatalf("expiry in the past: %v", exp)
	}
	c, err := tm.Parse(tok)
	if err != nil || c.UserID != "u1" {
		t.Fatalf("claims = %+v err=%v", c, err)
	}
}

func TestParseRejects(t *testing.T) {
	tm := NewTokenManager("s3cret", "fxcard", time.Minute)
	other := NewTokenManager("s3cret", "someone-else", time.Minute)
	wrongKey := NewTokenManager("other", "fxcard", time.Minute)

	foreign, _, _ := other.Issue("u1")
	forged, _, _ := wrongKey.Issue("u1")
	refresh, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UserID: "u1", Type: "refresh",
		RegisteredClaims: jwt.RegisteredClaims{Issuer: "fxcard", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString([]byte("s3cret"))
	expired, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UserID: "u1", Type: "access",
		RegisteredClaims: jwt.RegisteredClaims{Issuer: "fxcard", ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour))},
	}).SignedString([]byte("s3cret"))

	for name, tok := range map[string]string{
		"garbage":      "not-a-jwt",
		"other issuer": foreign,
		"wrong key":    forged,
		"refresh":      refresh,
		"expired":      expired,
	} {
		if _, err := tm.Parse(tok); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("%s: err = %v", name, err)
		}
	}
}

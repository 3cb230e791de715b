package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestVerify(t *testing.T) {
	v := NewVerifier("test-secret", "identity")

	token, err := v.Sign("u1", time.Minute)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	userID, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if userID != "u1" {
		t.Errorf("Expected user u1, got %s", userID)
	}
}

func TestVerifyRejects(t *testing.T) {
	v := NewVerifier("test-secret", "identity")

	expired, _ := v.Sign("u1", -time.Minute)
	otherSecret, _ := NewVerifier("other-secret", "identity").Sign("u1", time.Minute)
	otherIssuer, _ := NewVerifier("test-secret", "someone-else").Sign("u1", time.Minute)
	noSubject, _ := v.Sign("", time.Minute)
	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "u1", Issuer: "identity"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"Empty", "", ErrNoToken},
		{"Garbage", "not-a-token", ErrInvalidToken},
		{"Expired", expired, ErrInvalidToken},
		{"Wrong Secret", otherSecret, ErrInvalidToken},
		{"Wrong Issuer", otherIssuer, ErrInvalidToken},
		{"No Subject", noSubject, ErrInvalidToken},
		{"Unsigned", none, ErrInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := v.Verify(tt.token); !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestParseBearerToken(t *testing.T) {
	token, err := ParseBearerToken("Bearer abc.def.ghi")
	if err != nil || token != "abc.def.ghi" {
		t.Errorf("Expected abc.def.ghi, got %q (%v)", token, err)
	}
	if _, err := ParseBearerToken("Basic abc"); err == nil {
		t.Error("Expected error for non-bearer scheme")
	}
	if _, err := ParseBearerToken(""); !errors.Is(err, ErrNoToken) {
		t.Errorf("Expected ErrNoToken, got %v", err)
	}
}

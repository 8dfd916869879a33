package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testSigningSecret = "secret"
	testIssuer        = "tidemark"
	testAudience      = "tidemark-devices"
	testDeviceID      = int64(42)
	testDeviceName    = "tablet-ward-3"
	testGroupID       = int64(7)
)

func TestIssueAndValidateDeviceToken(t *testing.T) {
	clockNow := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	issuer := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		Audience:      testAudience,
		Clock: func() time.Time {
			return clockNow
		},
	})

	signed, expiresIn, err := issuer.IssueDeviceToken(context.Background(), testDeviceID, testDeviceName, testGroupID)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	if expiresIn != int64(defaultTokenTTL.Seconds()) {
		t.Fatalf("unexpected ttl: %d", expiresIn)
	}

	validator, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		Clock: func() time.Time {
			return clockNow.Add(time.Minute)
		},
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}

	claims, err := validator.ValidateToken(signed)
	if err != nil {
		t.Fatalf("unexpected validation failure: %v", err)
	}
	if claims.DeviceID != testDeviceID || claims.DeviceName != testDeviceName || claims.GroupID != testGroupID {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestIssueDeviceTokenRejectsMissingInputs(t *testing.T) {
	issuer := NewTokenIssuer(TokenIssuerConfig{Issuer: testIssuer})
	if _, _, err := issuer.IssueDeviceToken(context.Background(), testDeviceID, testDeviceName, testGroupID); !errors.Is(err, errMissingSigningSecret) {
		t.Fatalf("expected missing secret error, got %v", err)
	}

	issuer = NewTokenIssuer(TokenIssuerConfig{SigningSecret: []byte(testSigningSecret), Issuer: testIssuer})
	if _, _, err := issuer.IssueDeviceToken(context.Background(), 0, testDeviceName, testGroupID); !errors.Is(err, errMissingDeviceID) {
		t.Fatalf("expected missing device error, got %v", err)
	}
}

func TestValidateTokenExpired(t *testing.T) {
	clockNow := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	issuer := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		Audience:      testAudience,
		TokenTTL:      time.Minute,
		Clock: func() time.Time {
			return clockNow
		},
	})
	signed, _, err := issuer.IssueDeviceToken(context.Background(), testDeviceID, testDeviceName, testGroupID)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}

	validator, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		Clock: func() time.Time {
			return clockNow.Add(2 * time.Minute)
		},
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}

	if _, err := validator.ValidateToken(signed); !errors.Is(err, ErrExpiredSessionToken) {
		t.Fatalf("expected ErrExpiredSessionToken, got %v", err)
	}
}

func TestValidateTokenRejectsWrongIssuerAndAlgorithm(t *testing.T) {
	validator, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}

	wrongIssuer := jwt.NewWithClaims(jwt.SigningMethodHS256, DeviceClaims{
		DeviceID: testDeviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "someone-else",
			Subject:   "42",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := wrongIssuer.SignedString([]byte(testSigningSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	if _, err := validator.ValidateToken(signed); !errors.Is(err, ErrInvalidSessionToken) {
		t.Fatalf("expected ErrInvalidSessionToken, got %v", err)
	}

	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, DeviceClaims{DeviceID: testDeviceID})
	raw, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("failed to encode unsigned token: %v", err)
	}
	if _, err := validator.ValidateToken(raw); err == nil {
		t.Fatalf("expected rejection of the none algorithm")
	}
}

func TestValidateRequestReadsBearerHeader(t *testing.T) {
	issuer := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		Audience:      testAudience,
	})
	signed, _, err := issuer.IssueDeviceToken(context.Background(), testDeviceID, testDeviceName, testGroupID)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}

	validator, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}

	request := httptest.NewRequest(http.MethodPost, "/sync/upload", http.NoBody)
	request.Header.Set("Authorization", "Bearer "+signed)

	claims, err := validator.ValidateRequest(request)
	if err != nil {
		t.Fatalf("validation failed: %v", err)
	}
	if claims.DeviceID != testDeviceID {
		t.Fatalf("unexpected device id: %d", claims.DeviceID)
	}

	request.Header.Set("Authorization", "Basic nope")
	if _, err := validator.ValidateRequest(request); !errors.Is(err, ErrMissingSessionToken) {
		t.Fatalf("expected ErrMissingSessionToken, got %v", err)
	}
}

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

func TestValidateTokenRoundTrip(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	issuer := newTestIssuer(t, "secret", func() time.Time { return clockNow })

	signed, _, err := issuer.Issue(context.Background(), "operator-1", true)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	claims, err := issuer.ValidateToken(signed)
	if err != nil {
		t.Fatalf("unexpected validation failure: %v", err)
	}
	if claims.Subject != "operator-1" || !claims.Privileged {
		t.Fatalf("unexpected claims %+v", claims)
	}
}

func TestValidateTokenFailures(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	issuer := newTestIssuer(t, "secret", func() time.Time { return clockNow })

	expiredIssuer := newTestIssuer(t, "secret", func() time.Time { return clockNow.Add(-2 * time.Hour) })
	expired, _, err := expiredIssuer.Issue(context.Background(), "operator-1", true)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	otherSecret := newTestIssuer(t, "other", func() time.Time { return clockNow })
	forged, _, err := otherSecret.Issue(context.Background(), "operator-1", true)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	wrongAudience := jwt.NewWithClaims(jwt.SigningMethodHS256, OperatorClaims{
		Privileged: true,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "operator-1",
			Issuer:    DefaultIssuer,
			Audience:  []string{"someone-else"},
			ExpiresAt: jwt.NewNumericDate(clockNow.Add(time.Hour)),
		},
	})
	wrongAudienceSigned, err := wrongAudience.SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}

	testCases := []struct {
		name    string
		token   string
		wantErr error
	}{
		{name: "empty", token: " ", wantErr: ErrMissingToken},
		{name: "malformed", token: "invalid.token", wantErr: ErrInvalidToken},
		{name: "expired", token: expired, wantErr: ErrExpiredToken},
		{name: "wrong secret", token: forged, wantErr: ErrInvalidToken},
		{name: "wrong audience", token: wrongAudienceSigned, wantErr: ErrInvalidToken},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := issuer.ValidateToken(testCase.token)
			if !errors.Is(err, testCase.wantErr) {
				t.Fatalf("expected %v, got %v", testCase.wantErr, err)
			}
		})
	}
}

func TestValidateRequestReadsBearerHeader(t *testing.T) {
	issuer := newTestIssuer(t, "secret", nil)
	signed, _, err := issuer.Issue(context.Background(), "operator-2", false)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	request := httptest.NewRequest(http.MethodGet, "/", nil)
	request.Header.Set("Authorization", "Bearer "+signed)
	claims, err := issuer.ValidateRequest(request)
	if err != nil {
		t.Fatalf("unexpected validation failure: %v", err)
	}
	if claims.Subject != "operator-2" || claims.Privileged {
		t.Fatalf("unexpected claims %+v", claims)
	}

	missing := httptest.NewRequest(http.MethodGet, "/", nil)
	if _, err := issuer.ValidateRequest(missing); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}

	basic := httptest.NewRequest(http.MethodGet, "/", nil)
	basic.Header.Set("Authorization", "Basic abc")
	if _, err := issuer.ValidateRequest(basic); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken for non-bearer scheme, got %v", err)
	}
}

package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-jwt-secret"

func signToken(t *testing.T, secret string, claims jwt.Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func TestVerifyTokenValid(t *testing.T) {
	v := NewVerifier(testSecret)
	raw := signToken(t, testSecret, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-123",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Email: "u@example.com",
	})

	id := v.VerifyToken(raw)
	if id == nil {
		t.Fatal("valid token rejected")
	}
	if id.ID != "user-123" || id.Email != "u@example.com" {
		t.Errorf("unexpected identity: %+v", id)
	}
}

func TestVerifyTokenBearerPrefix(t *testing.T) {
	v := NewVerifier(testSecret)
	raw := signToken(t, testSecret, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-123"},
	})

	if v.VerifyToken("Bearer "+raw) == nil {
		t.Error("bearer-prefixed token rejected")
	}
	if v.VerifyToken("bearer "+raw) == nil {
		t.Error("lowercase bearer prefix rejected")
	}
}

func TestVerifyTokenRejections(t *testing.T) {
	v := NewVerifier(testSecret)

	cases := map[string]string{
		"empty":        "",
		"garbage":      "not-a-jwt",
		"wrong secret": signToken(t, "other-secret", Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "u"}}),
		"expired": signToken(t, testSecret, Claims{RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		}}),
		"missing subject": signToken(t, testSecret, Claims{Email: "u@example.com"}),
	}

	for name, raw := range cases {
		if id := v.VerifyToken(raw); id != nil {
			t.Errorf("%s: token accepted, identity %+v", name, id)
		}
	}
}

func TestVerifyTokenRejectsNonHMAC(t *testing.T) {
	v := NewVerifier(testSecret)
	// alg=none style token must never validate.
	token := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-123"},
	})
	raw, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if v.VerifyToken(raw) != nil {
		t.Error("unsigned token accepted")
	}
}

func TestExtractTokenFromURL(t *testing.T) {
	cases := []struct {
		url  string
		want string
	}{
		{"/ws?token=abc123", "abc123"},
		{"ws://localhost:8080/ws?token=abc&other=x", "abc"},
		{"/ws", ""},
		{"/ws?other=x", ""},
		{"://bad url", ""},
	}
	for _, tc := range cases {
		if got := ExtractTokenFromURL(tc.url); got != tc.want {
			t.Errorf("ExtractTokenFromURL(%q) = %q, want %q", tc.url, got, tc.want)
		}
	}
}

func TestOriginPolicyExactMatch(t *testing.T) {
	p := NewOriginPolicy([]string{"https://app.example.com", "http://localhost:3000/"}, false)

	if !p.Allow("") {
		t.Error("absent origin should always be allowed")
	}
	if !p.Allow("https://app.example.com") {
		t.Error("allowlisted origin rejected")
	}
	if !p.Allow("http://localhost:3000") {
		t.Error("trailing-slash-normalized origin rejected")
	}
	if p.Allow("https://app.example.com.evil.com") {
		t.Error("lookalike origin accepted under exact match")
	}
	if p.Allow("https://app.example.community") {
		t.Error("prefix-extended origin accepted under exact match")
	}
}

func TestOriginPolicyPrefixOptIn(t *testing.T) {
	p := NewOriginPolicy([]string{"https://app.example.com"}, true)

	if !p.Allow("https://app.example.com/dashboard") {
		t.Error("same-site subpath rejected with prefix opt-in")
	}
	if p.Allow("https://evil.com") {
		t.Error("unrelated origin accepted")
	}
}

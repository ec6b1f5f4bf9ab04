package peerauth

import (
	"strings"
	"testing"
	"time"
)

func TestMintAndAuthorize(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	token, exp, err := Mint("shared", "alice.example", "bob.example", []string{ScopeDeliver}, time.Minute, now)
	if err != nil {
		t.Fatalf("mint failed: %v", err)
	}
	if !exp.Equal(now.Add(time.Minute)) {
		t.Fatalf("expected exp %s, got %s", now.Add(time.Minute), exp)
	}
	claims, authErr := Authorize("Bearer "+token, "shared", "bob.example", ScopeDeliver, now)
	if authErr != nil {
		t.Fatalf("authorize failed: %v", authErr)
	}
	if claims.Issuer != "alice.example" || !claims.Has(ScopeDeliver) {
		t.Fatalf("unexpected claims %+v", claims)
	}
}

func TestAuthorizeFailures(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	token, _, _ := Mint("shared", "alice.example", "bob.example", []string{ScopeDeliver}, time.Minute, now)
	cases := []struct {
		name   string
		header string
		secret string
		sub    string
		scope  string
		at     time.Time
		status int
	}{
		{name: "missing", header: "", secret: "shared", at: now, status: 401},
		{name: "wrong secret", header: "Bearer " + token, secret: "other", at: now, status: 401},
		{name: "expired", header: "Bearer " + token, secret: "shared", at: now.Add(time.Hour), status: 401},
		{name: "wrong subject", header: "Bearer " + token, secret: "shared", sub: "carol.example", at: now, status: 403},
		{name: "missing scope", header: "Bearer " + token, secret: "shared", scope: ScopeAdmin, at: now, status: 403},
		{name: "garbage", header: "Bearer a.b", secret: "shared", at: now, status: 401},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Authorize(tc.header, tc.secret, tc.sub, tc.scope, tc.at)
			if err == nil {
				t.Fatalf("expected failure")
			}
			if err.Status != tc.status {
				t.Fatalf("expected status %d, got %d (%s)", tc.status, err.Status, err.Message)
			}
		})
	}
}

func TestMintRequiresInputs(t *testing.T) {
	now := time.Now()
	if _, _, err := Mint("", "a", "b", []string{ScopeDeliver}, 0, now); err == nil {
		t.Fatalf("expected missing secret to fail")
	}
	if _, _, err := Mint("s", "a", "b", nil, 0, now); err == nil {
		t.Fatalf("expected missing scopes to fail")
	}
}

func TestSignatureRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	body := []byte(`{"sender":"alice.example"}`)
	ts, sig := Sign("shared", body, now)
	if err := VerifySignature("shared", ts, strings.ToUpper(sig), body, now.Add(10*time.Second), time.Minute); err != nil {
		t.Fatalf("expected signature to verify, got %v", err)
	}
	if err := VerifySignature("shared", ts, sig, []byte(`{}`), now, time.Minute); err == nil {
		t.Fatalf("expected tampered body to fail")
	}
	if err := VerifySignature("shared", ts, sig, body, now.Add(time.Hour), time.Minute); err == nil {
		t.Fatalf("expected stale timestamp to fail")
	}
}

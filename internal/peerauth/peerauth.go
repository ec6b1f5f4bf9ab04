// Package peerauth mints and checks the HS256 bearer tokens peers present to
// each other, plus the body signature carried on delivered envelopes.
package peerauth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

const (
	Audience = "peertransit"

	ScopeDeliver = "peer:deliver"
	ScopeRead    = "transit:read"
	ScopeWrite   = "transit:write"
	ScopeProcess = "transit:process"
	ScopeAdmin   = "transit:admin"

	SenderHeader    = "X-Transit-Sender"
	TimestampHeader = "X-Transit-Timestamp"
	SignatureHeader = "X-Transit-Signature"
)

// Error carries the HTTP status and code a failed check should be reported with.
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func unauthorized(message string) *Error {
	return &Error{Status: 401, Code: "unauthorized", Message: message}
}

func forbidden(message string) *Error {
	return &Error{Status: 403, Code: "forbidden", Message: message}
}

type Claims struct {
	Issuer  string
	Subject string
	Scopes  map[string]struct{}
	Exp     int64
}

func (c Claims) Has(scope string) bool {
	_, ok := c.Scopes[scope]
	return ok
}

// Mint signs a token issued by issuer for subject.
func Mint(secret, issuer, subject string, scopes []string, ttl time.Duration, now time.Time) (string, time.Time, error) {
	if strings.TrimSpace(secret) == "" {
		return "", time.Time{}, errors.New("signing secret is required")
	}
	if issuer == "" || subject == "" {
		return "", time.Time{}, errors.New("issuer and subject are required")
	}
	if len(scopes) == 0 {
		return "", time.Time{}, errors.New("at least one scope is required")
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	exp := now.Add(ttl).UTC()
	sorted := append([]string(nil), scopes...)
	sort.Strings(sorted)

	header, err := json.Marshal(map[string]string{"alg": "HS256", "typ": "JWT"})
	if err != nil {
		return "", time.Time{}, err
	}
	payload, err := json.Marshal(map[string]any{
		"iss":    issuer,
		"sub":    subject,
		"aud":    Audience,
		"scopes": sorted,
		"exp":    exp.Unix(),
	})
	if err != nil {
		return "", time.Time{}, err
	}
	signing := base64.RawURLEncoding.EncodeToString(header) + "." + base64.RawURLEncoding.EncodeToString(payload)
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signing))
	return signing + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), exp, nil
}

// Authorize parses the Authorization header and checks subject and scope.
// An empty subject or scope skips that check.
func Authorize(authHeader, secret, subject, requiredScope string, now time.Time) (Claims, *Error) {
	claims, err := ParseBearer(authHeader, secret, now)
	if err != nil {
		return Claims{}, err
	}
	if subject != "" && claims.Subject != subject {
		return Claims{}, forbidden("token addressed to another peer")
	}
	if requiredScope != "" && !claims.Has(requiredScope) {
		return Claims{}, forbidden("missing required scope: " + requiredScope)
	}
	return claims, nil
}

func ParseBearer(authHeader, secret string, now time.Time) (Claims, *Error) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return Claims{}, unauthorized("missing or invalid bearer token")
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return Claims{}, unauthorized("invalid jwt format")
	}

	headerBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return Claims{}, unauthorized("invalid jwt header")
	}
	var header struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return Claims{}, unauthorized("invalid jwt header")
	}
	if header.Alg != "HS256" {
		return Claims{}, unauthorized("unsupported jwt algorithm")
	}
	payloadBytes, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return Claims{}, unauthorized("invalid jwt payload")
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return Claims{}, unauthorized("invalid jwt signature")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(parts[0] + "." + parts[1]))
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return Claims{}, unauthorized("jwt signature mismatch")
	}

	var payload map[string]any
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return Claims{}, unauthorized("invalid jwt payload")
	}
	issuer, _ := payload["iss"].(string)
	if issuer == "" {
		return Claims{}, unauthorized("missing iss claim")
	}
	subject, _ := payload["sub"].(string)
	if subject == "" {
		return Claims{}, unauthorized("missing sub claim")
	}
	exp, err := parseExp(payload["exp"])
	if err != nil {
		return Claims{}, unauthorized("invalid exp claim")
	}
	if now.Unix() >= exp {
		return Claims{}, unauthorized("token expired")
	}
	if aud, ok := payload["aud"].(string); !ok || aud != Audience {
		return Claims{}, unauthorized("invalid aud claim")
	}
	scopes := parseScopes(payload["scopes"])
	if len(scopes) == 0 {
		return Claims{}, forbidden("no scopes granted")
	}
	return Claims{Issuer: issuer, Subject: subject, Scopes: scopes, Exp: exp}, nil
}

func parseScopes(v any) map[string]struct{} {
	out := map[string]struct{}{}
	switch typed := v.(type) {
	case []any:
		for _, item := range typed {
			if scope, ok := item.(string); ok && scope != "" {
				out[scope] = struct{}{}
			}
		}
	case string:
		for _, scope := range strings.Fields(typed) {
			out[scope] = struct{}{}
		}
	}
	return out
}

func parseExp(v any) (int64, error) {
	switch typed := v.(type) {
	case float64:
		return int64(typed), nil
	case json.Number:
		return typed.Int64()
	default:
		return 0, fmt.Errorf("unsupported exp type %T", v)
	}
}

// Sign returns the timestamp and hex signature for a request body.
func Sign(secret string, body []byte, now time.Time) (string, string) {
	timestamp := now.UTC().Format(time.RFC3339Nano)
	return timestamp, bodySignature(secret, timestamp, body)
}

// VerifySignature checks a body signature made by Sign within maxSkew of now.
func VerifySignature(secret, timestamp, signature string, body []byte, now time.Time, maxSkew time.Duration) *Error {
	if timestamp == "" || signature == "" {
		return unauthorized("missing signature headers")
	}
	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return unauthorized("invalid signature timestamp")
	}
	delta := now.Sub(ts)
	if delta < 0 {
		delta = -delta
	}
	if delta > maxSkew {
		return unauthorized("request outside replay window")
	}
	expected := bodySignature(secret, timestamp, body)
	if !hmac.Equal([]byte(strings.ToLower(signature)), []byte(expected)) {
		return unauthorized("body signature mismatch")
	}
	return nil
}

func bodySignature(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte("\n"))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

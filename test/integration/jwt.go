package integration

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"maps"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testKeyID = "opgraph-it-es256"

// TestClaims are the identity claims placed in a test token. Extra is
// merged last and may override registered claims such as aud.
type TestClaims struct {
	SubjectID string
	TenantID  string
	Email     string
	Roles     []string
	Extra     map[string]any
}

// tokenIssuer plays the identity provider: it signs ES256 tokens and
// publishes the verification key as a JWKS document.
type tokenIssuer struct {
	key      *ecdsa.PrivateKey
	jwks     *httptest.Server
	jwksHits atomic.Int32
	issuer   string
	audience string
}

func newTokenIssuer(t *testing.T) *tokenIssuer {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("ecdsa.GenerateKey() error = %v", err)
	}
	ti := &tokenIssuer{key: key, issuer: "https://auth.test.opgraph.dev", audience: "opgraph-test"}

	coord := func(b []byte) string {
		// P-256 coordinates are fixed width.
		padded := make([]byte, 32)
		copy(padded[32-len(b):], b)
		return base64.RawURLEncoding.EncodeToString(padded)
	}
	doc, err := json.Marshal(map[string]any{"keys": []map[string]string{{
		"kid": testKeyID,
		"kty": "EC",
		"crv": "P-256",
		"alg": "ES256",
		"use": "sig",
		"x":   coord(key.PublicKey.X.Bytes()),
		"y":   coord(key.PublicKey.Y.Bytes()),
	}}})
	if err != nil {
		t.Fatal(err)
	}
	ti.jwks = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ti.jwksHits.Add(1)
		w.Header().Set("Content-Type", "application/jwk-set+json")
		_, _ = w.Write(doc)
	}))
	t.Cleanup(ti.jwks.Close)
	return ti
}

// GenerateToken returns a token that is valid for the next hour.
func (ti *tokenIssuer) GenerateToken(c TestClaims) string {
	return ti.sign(c, time.Now().Add(time.Hour))
}

// GenerateExpiredToken returns a token whose exp lies an hour in the past,
// well beyond the verification leeway.
func (ti *tokenIssuer) GenerateExpiredToken(c TestClaims) string {
	return ti.sign(c, time.Now().Add(-time.Hour))
}

func (ti *tokenIssuer) sign(c TestClaims, exp time.Time) string {
	claims := jwt.MapClaims{
		"iss": ti.issuer,
		"aud": ti.audience,
		"sub": c.SubjectID,
		"iat": jwt.NewNumericDate(exp.Add(-time.Hour)),
		"exp": jwt.NewNumericDate(exp),
	}
	optional := map[string]any{"tenant_id": c.TenantID, "email": c.Email}
	for k, v := range optional {
		if v != "" {
			claims[k] = v
		}
	}
	if len(c.Roles) > 0 {
		claims["roles"] = c.Roles
	}
	maps.Copy(claims, c.Extra)

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = testKeyID
	signed, err := token.SignedString(ti.key)
	if err != nil {
		panic("integration: signing token: " + err.Error())
	}
	return signed
}

// JWKSURL is where the verification key set is served.
func (ti *tokenIssuer) JWKSURL() string { return ti.jwks.URL }

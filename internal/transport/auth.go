package transport

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/pitabwire/opgraph/internal/config"
	"github.com/pitabwire/opgraph/model"
)

const (
	jwksFetchTimeout = 10 * time.Second
	jwksMaxBody      = 1 << 20
	tokenLeeway      = 30 * time.Second
)

// JWKSClient resolves token signing keys from an identity provider's key
// set. Keys are cached for ttl. An unknown kid forces a refetch at most
// once per minInterval, and concurrent fetches are collapsed into one.
type JWKSClient struct {
	url         string
	ttl         time.Duration
	minInterval time.Duration
	http        *http.Client
	logger      *zap.Logger
	fetches     singleflight.Group

	mu      sync.RWMutex
	keys    map[string]crypto.PublicKey
	fetched time.Time
}

// NewJWKSClient returns a client for the key set at url.
func NewJWKSClient(url string, ttl time.Duration, logger *zap.Logger) *JWKSClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JWKSClient{
		url:         url,
		ttl:         ttl,
		minInterval: 5 * time.Minute,
		http:        &http.Client{Timeout: jwksFetchTimeout},
		logger:      logger.With(zap.String("jwks_url", url)),
	}
}

func (c *JWKSClient) cached(kid string) (key crypto.PublicKey, found, fresh bool, age time.Duration) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	key, found = c.keys[kid]
	age = time.Since(c.fetched)
	return key, found, age <= c.ttl, age
}

// Key returns the public key for kid. When the provider cannot be reached
// a previously fetched key keeps working.
func (c *JWKSClient) Key(ctx context.Context, kid string) (crypto.PublicKey, error) {
	key, found, fresh, age := c.cached(kid)
	switch {
	case found && fresh:
		return key, nil
	case !found && fresh && age < c.minInterval:
		return nil, fmt.Errorf("jwks: unknown signing key %q", kid)
	}

	if err := c.refresh(ctx); err != nil {
		if found {
			c.logger.Warn("jwks refresh failed, serving cached key", zap.String("kid", kid), zap.Error(err))
			return key, nil
		}
		return nil, err
	}
	if key, found, _, _ = c.cached(kid); !found {
		return nil, fmt.Errorf("jwks: unknown signing key %q", kid)
	}
	return key, nil
}

func (c *JWKSClient) refresh(ctx context.Context) error {
	_, err, _ := c.fetches.Do("jwks", func() (any, error) {
		keys, err := c.fetch(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.keys, c.fetched = keys, time.Now()
		c.mu.Unlock()
		c.logger.Debug("jwks refreshed", zap.Int("keys", len(keys)))
		return nil, nil
	})
	return err
}

// jwk holds the members of a JSON Web Key that opgraph reads.
type jwk struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

func (c *JWKSClient) fetch(ctx context.Context) (map[string]crypto.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("jwks: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jwks: provider returned %d", resp.StatusCode)
	}

	var set struct {
		Keys []jwk `json:"keys"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, jwksMaxBody)).Decode(&set); err != nil {
		return nil, fmt.Errorf("jwks: decoding key set: %w", err)
	}

	keys := make(map[string]crypto.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.Kid == "" || (k.Use != "" && k.Use != "sig") {
			continue
		}
		pub, err := k.publicKey()
		if err != nil {
			c.logger.Warn("jwks key skipped", zap.String("kid", k.Kid), zap.Error(err))
			continue
		}
		if pub != nil {
			keys[k.Kid] = pub
		}
	}
	return keys, nil
}

// publicKey decodes RSA and EC keys. Other key types yield nil.
func (k jwk) publicKey() (crypto.PublicKey, error) {
	switch k.Kty {
	case "RSA":
		n, err := b64Int("n", k.N)
		if err != nil {
			return nil, err
		}
		e, err := b64Int("e", k.E)
		if err != nil {
			return nil, err
		}
		if !e.IsInt64() || e.Int64() < 3 {
			return nil, errors.New("rsa exponent out of range")
		}
		return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
	case "EC":
		curves := map[string]elliptic.Curve{"P-256": elliptic.P256(), "P-384": elliptic.P384(), "P-521": elliptic.P521()}
		curve, ok := curves[k.Crv]
		if !ok {
			return nil, fmt.Errorf("unsupported curve %q", k.Crv)
		}
		x, err := b64Int("x", k.X)
		if err != nil {
			return nil, err
		}
		y, err := b64Int("y", k.Y)
		if err != nil {
			return nil, err
		}
		return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
	}
	return nil, nil
}

func b64Int(member, s string) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("missing %q", member)
	}
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decoding %q: %w", member, err)
	}
	return new(big.Int).SetBytes(b), nil
}

// JWKSKeyFunc resolves keys by the token's kid header.
func JWKSKeyFunc(jwks *JWKSClient) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("token has no kid header")
		}
		return jwks.Key(context.Background(), kid)
	}
}

// HMACKeyFunc verifies tokens with a shared secret.
func HMACKeyFunc(secret []byte) jwt.Keyfunc {
	return func(*jwt.Token) (any, error) { return secret, nil }
}

// JWTAuthenticator verifies bearer tokens and stores their claims on the
// request context. A request without an Authorization header continues
// anonymously and the operation decides whether that is enough; a header
// that does not verify ends the request with 401.
func JWTAuthenticator(cfg config.IdentityConfig, keys jwt.Keyfunc) func(http.Handler) http.Handler {
	parser := jwt.NewParser(
		jwt.WithValidMethods(cfg.Algorithms),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithAudience(cfg.Audience),
		jwt.WithLeeway(tokenLeeway),
		jwt.WithExpirationRequired(),
	)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				next.ServeHTTP(w, r)
				return
			}
			raw, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || raw == "" {
				WriteError(w, model.NewAuthenticationError("Invalid authorization header format"))
				return
			}
			claims := jwt.MapClaims{}
			if _, err := parser.ParseWithClaims(raw, claims, keys); err != nil {
				WriteError(w, model.NewAuthenticationError(tokenFailure(err)))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

// tokenFailures maps verification errors to client-facing messages. Order
// matters: the first match wins.
var tokenFailures = []struct {
	err error
	msg string
}{
	{jwt.ErrTokenExpired, "Token expired"},
	{jwt.ErrTokenRequiredClaimMissing, "Token is missing a required claim"},
	{jwt.ErrTokenInvalidIssuer, "Invalid token issuer"},
	{jwt.ErrTokenInvalidAudience, "Invalid token audience"},
	{jwt.ErrTokenUnverifiable, "Unknown signing key"},
	{jwt.ErrTokenSignatureInvalid, "Invalid token signature"},
	{jwt.ErrTokenMalformed, "Malformed token"},
}

func tokenFailure(err error) string {
	if errors.Is(err, jwt.ErrTokenSignatureInvalid) && strings.Contains(err.Error(), "signing method") {
		return "Disallowed signing algorithm"
	}
	for _, f := range tokenFailures {
		if errors.Is(err, f.err) {
			return f.msg
		}
	}
	return "Invalid token"
}

package transport

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/attestia/stageflow/internal/config"
	"github.com/attestia/stageflow/model"
)

const (
	jwksMaxBody       = 1 << 20
	jwksMinRefreshGap = 5 * time.Minute
	clockSkewLeeway   = 30 * time.Second
)

// jsonWebKey is one entry of the identity provider's published key set. Only
// the members needed to rebuild RSA and EC public keys are decoded.
type jsonWebKey struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Use string `json:"use"`
	Crv string `json:"crv"`
	N   string `json:"n"`
	E   string `json:"e"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

func (k jsonWebKey) publicKey() (crypto.PublicKey, error) {
	switch k.Kty {
	case "RSA":
		n, err := decodeBigInt("n", k.N)
		if err != nil {
			return nil, err
		}
		e, err := decodeBigInt("e", k.E)
		if err != nil {
			return nil, err
		}
		return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
	case "EC":
		curve, err := curveFor(k.Crv)
		if err != nil {
			return nil, err
		}
		x, err := decodeBigInt("x", k.X)
		if err != nil {
			return nil, err
		}
		y, err := decodeBigInt("y", k.Y)
		if err != nil {
			return nil, err
		}
		return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
	default:
		return nil, fmt.Errorf("unsupported key type %q", k.Kty)
	}
}

func decodeBigInt(member, value string) (*big.Int, error) {
	if value == "" {
		return nil, fmt.Errorf("missing %s member", member)
	}
	b, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", member, err)
	}
	return new(big.Int).SetBytes(b), nil
}

func curveFor(crv string) (elliptic.Curve, error) {
	switch crv {
	case "P-256":
		return elliptic.P256(), nil
	case "P-384":
		return elliptic.P384(), nil
	case "P-521":
		return elliptic.P521(), nil
	}
	return nil, fmt.Errorf("unsupported curve %q", crv)
}

// JWKSClient caches the signing keys the identity provider publishes at its
// JWKS endpoint. A failed refresh keeps serving the previously fetched keys,
// so a provider outage does not lock every tenant out of the engine at once.
type JWKSClient struct {
	mu          sync.RWMutex
	endpoint    string
	signingKeys map[string]crypto.PublicKey
	fetchedAt   time.Time
	ttl         time.Duration
	minRefresh  time.Duration
	httpClient  *http.Client
}

// NewJWKSClient creates a client for the given JWKS endpoint. Keys are cached
// for ttl; a refresh is attempted at most once per five minutes so unknown
// kids on forged tokens cannot hammer the provider.
func NewJWKSClient(endpoint string, ttl time.Duration) *JWKSClient {
	return &JWKSClient{
		endpoint:    endpoint,
		signingKeys: make(map[string]crypto.PublicKey),
		ttl:         ttl,
		minRefresh:  jwksMinRefreshGap,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
	}
}

// SigningKey returns the verification key published under kid, refreshing the
// cached set when it is stale or the kid has not been seen before.
func (c *JWKSClient) SigningKey(kid string) (crypto.PublicKey, error) {
	c.mu.RLock()
	key, cached := c.signingKeys[kid]
	fresh := time.Since(c.fetchedAt) <= c.ttl
	c.mu.RUnlock()
	if cached && fresh {
		return key, nil
	}

	if err := c.refresh(); err != nil {
		if cached {
			// Degraded mode: a stale key beats no key during an outage.
			slog.Warn("identity key refresh failed, serving cached key", "kid", kid, "error", err)
			return key, nil
		}
		return nil, fmt.Errorf("identity keys: refresh: %w", err)
	}

	c.mu.RLock()
	key, cached = c.signingKeys[kid]
	c.mu.RUnlock()
	if !cached {
		return nil, fmt.Errorf("identity keys: no key published for kid %q", kid)
	}
	return key, nil
}

func (c *JWKSClient) refresh() error {
	c.mu.RLock()
	throttled := len(c.signingKeys) > 0 && time.Since(c.fetchedAt) < c.minRefresh
	c.mu.RUnlock()
	if throttled {
		return nil
	}

	resp, err := c.httpClient.Get(c.endpoint)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}

	var doc struct {
		Keys []jsonWebKey `json:"keys"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, jwksMaxBody)).Decode(&doc); err != nil {
		return fmt.Errorf("decode key set: %w", err)
	}

	keys := make(map[string]crypto.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kid == "" || (k.Use != "" && k.Use != "sig") {
			continue
		}
		pub, err := k.publicKey()
		if err != nil {
			slog.Warn("skipping unusable identity key", "kid", k.Kid, "error", err)
			continue
		}
		keys[k.Kid] = pub
	}

	c.mu.Lock()
	c.signingKeys = keys
	c.fetchedAt = time.Now()
	c.mu.Unlock()
	return nil
}

// JWTAuthenticator verifies the bearer token on each API request against the
// identity provider's published keys and stores the verified claims in the
// request context. BuildRequestContext downstream maps those claims onto the
// tenant and actor identifiers that scope every template and instance
// operation.
func JWTAuthenticator(cfg config.IdentityConfig, keys *JWKSClient) func(http.Handler) http.Handler {
	keyfunc := func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("token header carries no kid")
		}
		return keys.SigningKey(kid)
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(cfg.Algorithms),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithAudience(cfg.Audience),
		jwt.WithLeeway(clockSkewLeeway),
		jwt.WithExpirationRequired(),
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearerToken(r)
			if !ok {
				WriteError(w, model.NewUnauthorizedError("Bearer token required"))
				return
			}

			token, err := jwt.Parse(raw, keyfunc, opts...)
			if err != nil {
				WriteError(w, model.NewUnauthorizedError(rejectionReason(err)))
				return
			}
			claims, ok := token.Claims.(jwt.MapClaims)
			if !ok || !token.Valid {
				WriteError(w, model.NewUnauthorizedError("Invalid token"))
				return
			}

			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), map[string]any(claims))))
		})
	}
}

// bearerToken extracts the credential from the Authorization header.
func bearerToken(r *http.Request) (string, bool) {
	scheme, credential, found := strings.Cut(r.Header.Get("Authorization"), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || credential == "" {
		return "", false
	}
	return credential, true
}

// rejectionReason maps a verification failure onto the stable message
// returned to callers. Library internals never leak into the response body.
func rejectionReason(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "Token expired"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "Invalid token issuer"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "Invalid token audience"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		if strings.Contains(err.Error(), "signing method") {
			return "Disallowed signing algorithm"
		}
		return "Invalid token signature"
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return "Token signing key not recognized"
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "Malformed token"
	default:
		return "Invalid token"
	}
}

package auth

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Supported signing algorithms.
const (
	AlgRS256 = "RS256"
	AlgHS256 = "HS256"
)

// ErrInvalidToken is returned for any token that fails verification.
var ErrInvalidToken = errors.New("invalid token")

// VerifierConfig holds configuration for JWT verification.
type VerifierConfig struct {
	Algorithm string // RS256 or HS256

	// RS256 keys. Tokens carrying a kid are resolved through the JWKS,
	// the rest against the static PEM key.
	PublicKeyPEM string
	JWKSURL      string
	JWKSCacheTTL time.Duration

	// HS256 shared secret.
	SecretKey string
}

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type jwkSet struct {
	Keys []jwk `json:"keys"`
}

// tokenClaims is the JWT payload: the registered claims plus roles and
// scopes. Scopes may also arrive as the space-separated OAuth "scope" claim.
type tokenClaims struct {
	jwt.RegisteredClaims
	Roles  []string `json:"roles"`
	Scopes []string `json:"scopes"`
	Scope  string   `json:"scope"`
}

// Verifier checks bearer tokens and extracts Claims.
type Verifier struct {
	config     VerifierConfig
	publicKey  *rsa.PublicKey
	httpClient *http.Client
	now        func() time.Time

	jwksMu    sync.Mutex
	jwksKeys  map[string]*rsa.PublicKey
	jwksFetch time.Time
}

// NewVerifier creates a verifier. A JWKS URL is fetched once up front so
// misconfiguration fails at startup.
func NewVerifier(config VerifierConfig) (*Verifier, error) {
	if config.JWKSCacheTTL <= 0 {
		config.JWKSCacheTTL = time.Hour
	}
	v := &Verifier{
		config:     config,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		now:        time.Now,
	}

	switch config.Algorithm {
	case AlgRS256:
		if config.PublicKeyPEM == "" && config.JWKSURL == "" {
			return nil, fmt.Errorf("RS256 requires a public key or JWKS URL")
		}
		if config.PublicKeyPEM != "" {
			key, err := parsePublicKeyPEM(config.PublicKeyPEM)
			if err != nil {
				return nil, fmt.Errorf("load public key: %w", err)
			}
			v.publicKey = key
		}
		if config.JWKSURL != "" {
			if _, err := v.jwksKey(context.Background(), ""); err != nil {
				return nil, fmt.Errorf("fetch JWKS: %w", err)
			}
		}
	case AlgHS256:
		if config.SecretKey == "" {
			return nil, fmt.Errorf("HS256 requires a secret key")
		}
	default:
		return nil, fmt.Errorf("unsupported algorithm: %q", config.Algorithm)
	}
	return v, nil
}

// VerifyToken validates signature, expiry and claim content.
func (v *Verifier) VerifyToken(tokenString string) (*Claims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidToken)
	}

	var tc tokenClaims
	_, err := jwt.ParseWithClaims(tokenString, &tc, v.keyFunc,
		jwt.WithValidMethods([]string{v.config.Algorithm}),
		jwt.WithTimeFunc(v.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	return claimsFromToken(&tc)
}

func (v *Verifier) keyFunc(token *jwt.Token) (interface{}, error) {
	if v.config.Algorithm == AlgHS256 {
		return []byte(v.config.SecretKey), nil
	}
	if kid, ok := token.Header["kid"].(string); ok && kid != "" && v.config.JWKSURL != "" {
		return v.jwksKey(context.Background(), kid)
	}
	if v.publicKey == nil {
		return nil, fmt.Errorf("no public key for token without kid")
	}
	return v.publicKey, nil
}

func claimsFromToken(tc *tokenClaims) (*Claims, error) {
	if tc.Subject == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrInvalidToken)
	}
	scopes := tc.Scopes
	if len(scopes) == 0 && tc.Scope != "" {
		scopes = strings.Fields(tc.Scope)
	}
	for _, role := range tc.Roles {
		if role != RoleViewer && role != RoleController {
			return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, role)
		}
	}
	for _, scope := range scopes {
		if scope != ScopeRead && scope != ScopeControl && scope != ScopeTelemetry {
			return nil, fmt.Errorf("%w: unknown scope %q", ErrInvalidToken, scope)
		}
	}
	if len(tc.Roles) == 0 && len(scopes) == 0 {
		return nil, fmt.Errorf("%w: no roles or scopes", ErrInvalidToken)
	}
	return &Claims{Subject: tc.Subject, Roles: tc.Roles, Scopes: scopes}, nil
}

// jwksKey returns the key for kid, refetching the set when the cache has
// expired or the kid is unknown (key rotation). An empty kid only refreshes.
func (v *Verifier) jwksKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	v.jwksMu.Lock()
	defer v.jwksMu.Unlock()

	fresh := v.jwksKeys != nil && v.now().Sub(v.jwksFetch) < v.config.JWKSCacheTTL
	if key, ok := v.jwksKeys[kid]; ok && fresh {
		return key, nil
	}
	if !fresh || kid != "" {
		keys, err := v.fetchJWKS(ctx)
		if err != nil {
			return nil, err
		}
		v.jwksKeys = keys
		v.jwksFetch = v.now()
	}
	if kid == "" {
		return nil, nil
	}
	key, ok := v.jwksKeys[kid]
	if !ok {
		return nil, fmt.Errorf("unknown key id %q", kid)
	}
	return key, nil
}

func (v *Verifier) fetchJWKS(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.config.JWKSURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("JWKS status %d", resp.StatusCode)
	}
	var set jwkSet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return nil, fmt.Errorf("decode JWKS: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.Kty != "RSA" || k.Kid == "" {
			continue
		}
		key, err := rsaKeyFromJWK(k)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k.Kid, err)
		}
		keys[k.Kid] = key
	}
	return keys, nil
}

func rsaKeyFromJWK(k jwk) (*rsa.PublicKey, error) {
	n, err := base64URLDecode(k.N)
	if err != nil {
		return nil, fmt.Errorf("modulus: %w", err)
	}
	e, err := base64URLDecode(k.E)
	if err != nil {
		return nil, fmt.Errorf("exponent: %w", err)
	}
	exp := new(big.Int).SetBytes(e)
	if !exp.IsInt64() || exp.Int64() < 3 {
		return nil, fmt.Errorf("bad exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: int(exp.Int64())}, nil
}

// base64URLDecode accepts base64url with or without padding.
func base64URLDecode(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}

func parsePublicKeyPEM(data string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(data))
	if block == nil {
		return nil, fmt.Errorf("no PEM block")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA public key")
	}
	return key, nil
}

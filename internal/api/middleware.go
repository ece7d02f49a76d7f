/**
 * @description
 * This file contains custom middleware for the HTTP router: bearer token authentication
 * that turns JWT claims into a domain.AuthContext, and the per-actor rate limit applied to
 * mutating routes.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: JWT parsing and signature verification.
 */

package api

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/restoplatform/billing-service/internal/domain"
)

type contextKey string

const authContextKey contextKey = "billingAuthContext"

// BillingClaims are the token claims the billing service understands.
type BillingClaims struct {
	Role        string   `json:"role"`
	MerchantID  string   `json:"merchant_id,omitempty"`
	MerchantIDs []string `json:"merchant_ids,omitempty"`
	jwt.RegisteredClaims
}

// TokenVerifier validates bearer tokens signed either with a shared HMAC key or with an RSA
// key published at a JWKS endpoint.
type TokenVerifier struct {
	signingKey []byte
	issuer     string
	jwks       *jwksCache
}

func NewTokenVerifier(signingKey, issuer, jwksURL string) (*TokenVerifier, error) {
	signingKey = strings.TrimSpace(signingKey)
	jwksURL = strings.TrimSpace(jwksURL)
	if signingKey == "" && jwksURL == "" {
		return nil, errors.New("either JWT_SIGNING_KEY or JWKS_URL must be configured")
	}
	v := &TokenVerifier{issuer: strings.TrimSpace(issuer)}
	if signingKey != "" {
		v.signingKey = []byte(signingKey)
	}
	if jwksURL != "" {
		v.jwks = newJWKSCache(jwksURL, 10*time.Minute)
	}
	return v, nil
}

func (v *TokenVerifier) keyFunc(token *jwt.Token) (interface{}, error) {
	switch token.Method.(type) {
	case *jwt.SigningMethodHMAC:
		if v.signingKey == nil {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.signingKey, nil
	case *jwt.SigningMethodRSA:
		if v.jwks == nil {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, fmt.Errorf("kid not found in token header")
		}
		return v.jwks.key(kid)
	default:
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
}

// Verify parses the token and maps its claims to an AuthContext.
func (v *TokenVerifier) Verify(tokenString string) (domain.AuthContext, error) {
	opts := []jwt.ParserOption{jwt.WithLeeway(30 * time.Second)}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &BillingClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, v.keyFunc, opts...)
	if err != nil {
		return domain.AuthContext{}, err
	}
	if !token.Valid {
		return domain.AuthContext{}, errors.New("invalid token")
	}
	return claims.authContext()
}

func (c *BillingClaims) authContext() (domain.AuthContext, error) {
	subject := strings.TrimSpace(c.Subject)
	if subject == "" {
		return domain.AuthContext{}, errors.New("subject not found in token")
	}
	role := domain.Role(strings.ToUpper(strings.TrimSpace(c.Role)))
	switch role {
	case domain.RoleOwner, domain.RoleStaff, domain.RoleSuperAdmin, domain.RoleSystem:
	default:
		return domain.AuthContext{}, fmt.Errorf("unsupported role %q", c.Role)
	}

	auth := domain.AuthContext{ActorID: subject, Role: role}
	if c.MerchantID != "" {
		id, err := uuid.Parse(c.MerchantID)
		if err != nil {
			return domain.AuthContext{}, fmt.Errorf("invalid merchant_id claim: %w", err)
		}
		auth.MerchantID = &id
	}
	for _, raw := range c.MerchantIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			return domain.AuthContext{}, fmt.Errorf("invalid merchant_ids claim: %w", err)
		}
		auth.OwnedMerchantIDs = append(auth.OwnedMerchantIDs, id)
	}
	return auth, nil
}

// AuthMiddleware rejects requests without a valid bearer token and stores the caller's
// AuthContext on the request context.
func AuthMiddleware(verifier *TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, "Authorization header required")
				return
			}

			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				writeError(w, http.StatusUnauthorized, "Invalid Authorization header format")
				return
			}

			auth, err := verifier.Verify(tokenString)
			if err != nil {
				writeError(w, http.StatusUnauthorized, fmt.Sprintf("Invalid token: %v", err))
				return
			}

			ctx := context.WithValue(r.Context(), authContextKey, auth)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AuthFromContext retrieves the caller set by AuthMiddleware.
func AuthFromContext(ctx context.Context) (domain.AuthContext, bool) {
	auth, ok := ctx.Value(authContextKey).(domain.AuthContext)
	return auth, ok
}

// RateLimitMiddleware caps mutating requests per actor and route group over a rolling minute.
// Limiter failures let the request through so a Redis outage does not take the API down.
func RateLimitMiddleware(limiter RateLimiter, limitPerMinute int, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil || limitPerMinute <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			auth, ok := AuthFromContext(r.Context())
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			group := routeGroup(r.URL.Path)
			decision, err := limiter.Allow(r.Context(), auth.ActorID+":"+group, limitPerMinute, time.Minute)
			if err != nil {
				logger.Warn("rate limiter unavailable; allowing request", "group", group, "actor_id", auth.ActorID, "error", err)
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
			if !decision.Allowed {
				retryAfter := int(math.Ceil(decision.RetryAfter.Seconds()))
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				logger.Info("rate limit exceeded", "group", group, "actor_id", auth.ActorID, "retry_after_seconds", retryAfter)
				writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
					"error":               "Rate limit exceeded",
					"group":               group,
					"retry_after_seconds": retryAfter,
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// routeGroup names the billing resource a path mutates, so a burst of top-ups does not use
// up an operator's budget for subscription changes.
//
//	/billing/merchants                     -> provisioning
//	/billing/merchants/{id}/adjustments    -> adjustments
//	/billing/merchants/{id}/subscription/x -> subscription
//	/billing/transfers                     -> transfers
//	/billing/payment-requests/{id}/verify  -> payment-requests
func routeGroup(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) > 0 && parts[0] == "billing" {
		parts = parts[1:]
	}
	switch {
	case len(parts) == 0 || parts[0] == "":
		return "other"
	case parts[0] == "merchants" && len(parts) == 1:
		return "provisioning"
	case parts[0] == "merchants" && len(parts) >= 3:
		return parts[2]
	default:
		return parts[0]
	}
}

// jwksCache keeps RSA keys fetched from a JWKS endpoint for a limited time.
type jwksCache struct {
	url     string
	ttl     time.Duration
	client  *http.Client
	mu      sync.Mutex
	keys    map[string]*rsa.PublicKey
	fetched time.Time
}

func newJWKSCache(url string, ttl time.Duration) *jwksCache {
	return &jwksCache{
		url:    url,
		ttl:    ttl,
		client: &http.Client{Timeout: 10 * time.Second},
		keys:   make(map[string]*rsa.PublicKey),
	}
}

func (c *jwksCache) key(kid string) (*rsa.PublicKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if key, ok := c.keys[kid]; ok && time.Since(c.fetched) < c.ttl {
		return key, nil
	}
	if err := c.refresh(); err != nil {
		return nil, fmt.Errorf("failed to get public key: %w", err)
	}
	if key, ok := c.keys[kid]; ok {
		return key, nil
	}
	return nil, fmt.Errorf("key with kid %s not found", kid)
}

func (c *jwksCache) refresh() error {
	resp, err := c.client.Get(c.url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks endpoint returned %d", resp.StatusCode)
	}

	var jwks struct {
		Keys []struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return err
	}

	keys := make(map[string]*rsa.PublicKey, len(jwks.Keys))
	for _, k := range jwks.Keys {
		if k.Kty != "RSA" {
			continue
		}
		pub, err := parseRSAPublicKey(k.N, k.E)
		if err != nil {
			return err
		}
		keys[k.Kid] = pub
	}
	c.keys = keys
	c.fetched = time.Now()
	return nil
}

// parseRSAPublicKey parses RSA public key from modulus and exponent
func parseRSAPublicKey(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("failed to decode modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("failed to decode exponent: %w", err)
	}

	var exp uint64
	for _, b := range eb {
		exp = (exp << 8) | uint64(b)
	}

	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: int(exp)}, nil
}

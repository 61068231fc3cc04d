// Package auth verifies the bearer tokens minted by the external login flow
// and exposes the authenticated subject to handlers. Token issuance itself
// lives upstream; this service only consumes subjects.
package auth

import (
	"context"
	"crypto/rsa"
	"crypto/subtle"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const contextKeyClaims contextKey = "auth_claims"

// ErrNoClaims indicates the request context carries no authenticated identity.
var ErrNoClaims = errors.New("auth: no claims in context")

// Claims is the identity data extracted from a verified token.
type Claims struct {
	Subject     string
	DisplayName string
}

// Options controls signature verification and claim handling.
type Options struct {
	Enable           bool
	Alg              string
	Issuer           string
	Audience         []string
	MaxSkew          time.Duration
	HSSecret         string
	RSAPublicKeyFile string
	NameClaim        string
}

// Verifier validates bearer tokens on inbound requests.
type Verifier struct {
	opts      Options
	hsSecret  []byte
	rsaPublic *rsa.PublicKey
}

// NewVerifier prepares key material according to the configured algorithm.
func NewVerifier(opts Options) (*Verifier, error) {
	v := &Verifier{opts: opts}
	if !opts.Enable {
		return v, nil
	}
	if opts.NameClaim == "" {
		v.opts.NameClaim = "name"
	}
	switch strings.ToUpper(opts.Alg) {
	case "", "HS256":
		v.opts.Alg = "HS256"
		if strings.TrimSpace(opts.HSSecret) == "" {
			return nil, fmt.Errorf("auth: HS256 requires a shared secret")
		}
		v.hsSecret = []byte(opts.HSSecret)
	case "RS256":
		v.opts.Alg = "RS256"
		key, err := loadRSAPublicKey(opts.RSAPublicKeyFile)
		if err != nil {
			return nil, err
		}
		v.rsaPublic = key
	default:
		return nil, fmt.Errorf("auth: unsupported algorithm %q", opts.Alg)
	}
	if strings.TrimSpace(opts.Issuer) == "" {
		return nil, fmt.Errorf("auth: issuer required")
	}
	if len(opts.Audience) == 0 {
		return nil, fmt.Errorf("auth: audience required")
	}
	return v, nil
}

func loadRSAPublicKey(path string) (*rsa.PublicKey, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("auth: RS256 requires a public key file")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("auth: read key: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("auth: key file is not PEM")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("auth: parse key: %w", err)
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("auth: key is not RSA")
	}
	return key, nil
}

// Authenticate is the chi middleware verifying the Authorization header and
// storing Claims in the request context.
func (v *Verifier) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !v.opts.Enable {
			// Verification disabled: trust the subject header, dev only.
			subject := strings.TrimSpace(r.Header.Get("X-Debug-Subject"))
			if subject == "" {
				http.Error(w, "missing identity", http.StatusUnauthorized)
				return
			}
			ctx := WithClaims(r.Context(), Claims{Subject: subject})
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		claims, err := v.Verify(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

// Verify parses and validates one token string.
func (v *Verifier) Verify(tokenString string) (Claims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{v.opts.Alg}),
		jwt.WithIssuer(v.opts.Issuer),
		jwt.WithLeeway(v.opts.MaxSkew),
	)
	mapClaims := jwt.MapClaims{}
	token, err := parser.ParseWithClaims(tokenString, mapClaims, func(t *jwt.Token) (any, error) {
		if v.opts.Alg == "RS256" {
			return v.rsaPublic, nil
		}
		return v.hsSecret, nil
	})
	if err != nil {
		return Claims{}, fmt.Errorf("auth: parse: %w", err)
	}
	if !token.Valid {
		return Claims{}, fmt.Errorf("auth: token invalid")
	}
	if err := v.checkAudience(mapClaims); err != nil {
		return Claims{}, err
	}
	subject, _ := mapClaims["sub"].(string)
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return Claims{}, fmt.Errorf("auth: token missing subject")
	}
	name, _ := mapClaims[v.opts.NameClaim].(string)
	return Claims{Subject: subject, DisplayName: strings.TrimSpace(name)}, nil
}

func (v *Verifier) checkAudience(claims jwt.MapClaims) error {
	audiences, err := claims.GetAudience()
	if err != nil {
		return fmt.Errorf("auth: audience claim: %w", err)
	}
	for _, have := range audiences {
		for _, want := range v.opts.Audience {
			if have == want {
				return nil
			}
		}
	}
	return fmt.Errorf("auth: audience mismatch")
}

// WithClaims stores claims in the context; exported for tests and for the
// webhook path which authenticates differently.
func WithClaims(ctx context.Context, claims Claims) context.Context {
	return context.WithValue(ctx, contextKeyClaims, claims)
}

// FromContext retrieves the authenticated claims.
func FromContext(ctx context.Context) (Claims, error) {
	claims, ok := ctx.Value(contextKeyClaims).(Claims)
	if !ok || claims.Subject == "" {
		return Claims{}, ErrNoClaims
	}
	return claims, nil
}

// RequireAPIKey guards machine endpoints (deposit webhook, ops) with a
// static shared key supplied via the X-Api-Key header.
func RequireAPIKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			supplied := r.Header.Get("X-Api-Key")
			if key == "" || subtle.ConstantTimeCompare([]byte(supplied), []byte(key)) != 1 {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

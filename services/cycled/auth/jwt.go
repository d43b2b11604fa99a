package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// Config controls bearer token verification.
type Config struct {
	HMACSecret   string
	Issuer       string
	Audience     string
	ScopeClaim   string
	PartnerClaim string
	ClockSkew    time.Duration
}

// ErrorWriter renders authentication failures.
type ErrorWriter func(w http.ResponseWriter, r *http.Request, status int, message string)

// Authenticator verifies HMAC signed JWTs and attaches a Principal to the
// request context.
type Authenticator struct {
	cfg     Config
	logger  *slog.Logger
	secret  []byte
	onError ErrorWriter
	once    sync.Once
}

// NewAuthenticator constructs an authenticator.
func NewAuthenticator(cfg Config, logger *slog.Logger, onError ErrorWriter) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	if onError == nil {
		onError = func(w http.ResponseWriter, _ *http.Request, status int, message string) {
			http.Error(w, message, status)
		}
	}
	a := &Authenticator{cfg: cfg, logger: logger, onError: onError}
	a.once.Do(func() {
		a.secret = []byte(strings.TrimSpace(cfg.HMACSecret))
		if a.cfg.ScopeClaim == "" {
			a.cfg.ScopeClaim = "scope"
		}
		if a.cfg.PartnerClaim == "" {
			a.cfg.PartnerClaim = "partner_id"
		}
		if a.cfg.ClockSkew <= 0 {
			a.cfg.ClockSkew = 2 * time.Minute
		}
	})
	return a
}

// Middleware rejects requests without a valid bearer token.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := extractBearer(r.Header.Get("Authorization"))
		if tokenString == "" {
			a.onError(w, r, http.StatusUnauthorized, "missing bearer token")
			return
		}
		principal, err := a.Verify(tokenString)
		if err != nil {
			a.logger.Warn("auth: token rejected", slog.String("reason", err.Error()))
			a.onError(w, r, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
	})
}

// Verify parses a token and returns the principal it identifies.
func (a *Authenticator) Verify(tokenString string) (Principal, error) {
	claims, err := a.parseToken(tokenString)
	if err != nil {
		return Principal{}, err
	}
	if err := validateClaims(claims, a.cfg.Issuer, a.cfg.Audience); err != nil {
		return Principal{}, err
	}
	subject, _ := claims["sub"].(string)
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return Principal{}, errors.New("subject missing")
	}
	partner, _ := claims[a.cfg.PartnerClaim].(string)
	return Principal{
		Subject:   subject,
		PartnerID: strings.TrimSpace(partner),
		Scopes:    extractScopes(claims, a.cfg.ScopeClaim),
	}, nil
}

func (a *Authenticator) parseToken(tokenString string) (jwt.MapClaims, error) {
	if len(a.secret) == 0 {
		return nil, errors.New("auth secret not configured")
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwt.WithLeeway(a.cfg.ClockSkew))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("token invalid")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("claims not map")
	}
	return claims, nil
}

func validateClaims(claims jwt.MapClaims, issuer, audience string) error {
	if issuer != "" {
		if value, ok := claims["iss"].(string); !ok || value != issuer {
			return errors.New("issuer mismatch")
		}
	}
	if audience == "" {
		return nil
	}
	switch val := claims["aud"].(type) {
	case string:
		if val != audience {
			return errors.New("audience mismatch")
		}
	case []interface{}:
		for _, entry := range val {
			if s, ok := entry.(string); ok && s == audience {
				return nil
			}
		}
		return errors.New("audience mismatch")
	default:
		return errors.New("audience missing")
	}
	return nil
}

func extractScopes(claims jwt.MapClaims, scopeClaim string) []string {
	switch v := claims[scopeClaim].(type) {
	case string:
		return strings.Fields(v)
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, entry := range v {
			if s, ok := entry.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func extractBearer(header string) string {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

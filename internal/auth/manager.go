// Package auth builds request credentials for a profile and inspects bearer
// tokens for expiry.
package auth

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/universal-console/agentlink/internal/config"
	apperrors "github.com/universal-console/agentlink/internal/errors"
	"github.com/universal-console/agentlink/internal/logging"
)

// ExpiryWarningWindow is how close to expiry a token must be before a
// warning is logged.
const ExpiryWarningWindow = 5 * time.Minute

var ErrTokenExpired = errors.New("token expired")

// TokenMetadata holds the claims read from a JWT bearer token. The
// signature is not verified; the server does that.
type TokenMetadata struct {
	Issuer    string
	Subject   string
	Audience  []string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Scopes    []string
}

// Expired reports whether the token has an expiry in the past.
func (t *TokenMetadata) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt)
}

// TokenValidator checks token format.
type TokenValidator struct {
	minTokenLength int
	maxTokenLength int
}

// Manager creates auth headers and caches token metadata.
type Manager struct {
	validator *TokenValidator
	parser    *jwt.Parser
	logger    *logging.Logger
	now       func() time.Time

	mu       sync.RWMutex
	metadata map[string]*TokenMetadata
}

type Option func(*Manager)

func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock replaces time.Now for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

func NewManager(opts ...Option) *Manager {
	m := &Manager{
		validator: &TokenValidator{minTokenLength: 8, maxTokenLength: 8192},
		parser:    jwt.NewParser(),
		logger:    logging.GetAuthLogger(),
		now:       time.Now,
		metadata:  make(map[string]*TokenMetadata),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ValidateToken checks the format of token for the given auth type.
func (m *Manager) ValidateToken(token, authType string) error {
	return m.validator.ValidateToken(token, authType)
}

func (v *TokenValidator) ValidateToken(token, authType string) error {
	switch strings.ToLower(authType) {
	case config.AuthNone, "":
		return nil
	case config.AuthBearer:
	default:
		return fmt.Errorf("unsupported token type: %s", authType)
	}

	token = strings.TrimSpace(token)
	switch {
	case token == "":
		return errors.New("bearer token cannot be empty")
	case strings.ContainsAny(token, " \t\r\n"):
		return errors.New("bearer token cannot contain whitespace")
	case len(token) < v.minTokenLength:
		return fmt.Errorf("bearer token too short (minimum %d characters)", v.minTokenLength)
	case len(token) > v.maxTokenLength:
		return fmt.Errorf("bearer token too long (maximum %d characters)", v.maxTokenLength)
	}
	return nil
}

// CreateAuthHeader returns the Authorization header value for a, or "" for
// no authentication.
func (m *Manager) CreateAuthHeader(a config.AuthConfig) (string, error) {
	switch strings.ToLower(a.Type) {
	case config.AuthNone, "":
		return "", nil
	case config.AuthBearer:
		if err := m.ValidateToken(a.Token, a.Type); err != nil {
			return "", m.authError("create_header", err)
		}
		m.CheckExpiry(a.Token)
		return "Bearer " + strings.TrimSpace(a.Token), nil
	case config.AuthBasic:
		if a.Username == "" {
			return "", m.authError("create_header", errors.New("basic auth requires a username"))
		}
		cred := base64.StdEncoding.EncodeToString([]byte(a.Username + ":" + a.Password))
		return "Basic " + cred, nil
	default:
		return "", m.authError("create_header", fmt.Errorf("unsupported authentication type: %s", a.Type))
	}
}

// HeaderFunc returns a request decorator that sets the Authorization
// header for a. The header value is computed once.
func (m *Manager) HeaderFunc(a config.AuthConfig) (func(*http.Request), error) {
	header, err := m.CreateAuthHeader(a)
	if err != nil {
		return nil, err
	}
	m.logger.LogAuthOperation("header_prepared", a.Type)
	return func(r *http.Request) {
		if header != "" {
			r.Header.Set("Authorization", header)
		}
	}, nil
}

func (m *Manager) authError(op string, err error) error {
	return apperrors.NewAuthenticationError("auth").
		WithOperation(op).
		WithMessage("invalid authentication configuration").
		WithCause(err).
		WithSeverity(apperrors.SeverityHigh).
		WithoutStackTrace().
		WithLogger(m.logger).
		Build()
}

// Inspect reads the claims of a JWT bearer token. ok is false for tokens
// that are not JWTs.
func (m *Manager) Inspect(token string) (*TokenMetadata, bool) {
	m.mu.RLock()
	md, cached := m.metadata[token]
	m.mu.RUnlock()
	if cached {
		return md, md != nil
	}

	md = m.parse(token)
	m.mu.Lock()
	m.metadata[token] = md
	m.mu.Unlock()
	return md, md != nil
}

func (m *Manager) parse(token string) *TokenMetadata {
	if strings.Count(token, ".") != 2 {
		return nil
	}
	claims := jwt.MapClaims{}
	if _, _, err := m.parser.ParseUnverified(token, claims); err != nil {
		m.logger.Debug("Bearer token is not a parseable JWT", "error", err.Error())
		return nil
	}

	md := &TokenMetadata{}
	md.Issuer, _ = claims.GetIssuer()
	md.Subject, _ = claims.GetSubject()
	if aud, err := claims.GetAudience(); err == nil {
		md.Audience = aud
	}
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		md.IssuedAt = iat.Time
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		md.ExpiresAt = exp.Time
	}
	switch s := claims["scope"].(type) {
	case string:
		md.Scopes = strings.Fields(s)
	case []any:
		for _, v := range s {
			if str, ok := v.(string); ok {
				md.Scopes = append(md.Scopes, str)
			}
		}
	}
	return md
}

// CheckExpiry logs a warning when token is a JWT that has expired or is
// about to. It returns ErrTokenExpired for expired tokens. The request is
// still sent; the server has the final say.
func (m *Manager) CheckExpiry(token string) error {
	md, ok := m.Inspect(token)
	if !ok || md.ExpiresAt.IsZero() {
		return nil
	}
	now := m.now()
	if md.Expired(now) {
		m.logger.Warn("Bearer token has expired", "expired_at", md.ExpiresAt, "subject", md.Subject)
		return fmt.Errorf("%w at %s", ErrTokenExpired, md.ExpiresAt.Format(time.RFC3339))
	}
	if left := md.ExpiresAt.Sub(now); left < ExpiryWarningWindow {
		m.logger.Warn("Bearer token expires soon", "expires_in", left.Round(time.Second), "subject", md.Subject)
	}
	return nil
}

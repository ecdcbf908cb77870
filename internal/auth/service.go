// Package auth authenticates API callers with Basic credentials for
// configured administrators or an OIDC bearer token.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	httperrors "gitea.jw6.us/james/calsched/internal/http/errors"
	"gitea.jw6.us/james/calsched/internal/logging"
)

var (
	ErrNoCredentials      = errors.New("no credentials supplied")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

const (
	MethodBasic  = "basic"
	MethodBearer = "bearer"
)

// Identity is an authenticated caller.
type Identity struct {
	Subject string `json:"subject"`
	Email   string `json:"email,omitempty"`
	Method  string `json:"method"`
}

// TokenVerifier validates bearer tokens.
type TokenVerifier interface {
	Verify(ctx context.Context, rawToken string) (*Identity, error)
}

// Service checks request credentials.
type Service struct {
	admins map[string][]byte
	tokens TokenVerifier
	logger logging.Logger
	realm  string
}

// NewService builds a Service. admins maps user names to bcrypt hashes; tokens
// may be nil when OIDC is not configured.
func NewService(admins map[string]string, tokens TokenVerifier, logger logging.Logger) *Service {
	if logger == nil {
		logger = logging.Discard()
	}
	hashed := make(map[string][]byte, len(admins))
	for name, hash := range admins {
		hashed[name] = []byte(hash)
	}
	return &Service{admins: hashed, tokens: tokens, logger: logger, realm: "calsched"}
}

// Configured reports whether any credential source exists. Without one every
// request is rejected.
func (s *Service) Configured() bool {
	return len(s.admins) > 0 || s.tokens != nil
}

// Authenticate resolves the caller of r.
func (s *Service) Authenticate(r *http.Request) (*Identity, error) {
	if user, pass, ok := r.BasicAuth(); ok {
		return s.checkPassword(user, pass)
	}

	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return nil, ErrNoCredentials
	}
	if s.tokens == nil {
		return nil, fmt.Errorf("%w: bearer tokens are not accepted", ErrInvalidCredentials)
	}
	id, err := s.tokens.Verify(r.Context(), strings.TrimSpace(token))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	return id, nil
}

func (s *Service) checkPassword(user, pass string) (*Identity, error) {
	hash, ok := s.admins[user]
	if !ok || pass == "" {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(pass)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return &Identity{Subject: user, Method: MethodBasic}, nil
}

// Require rejects unauthenticated requests with 401 and stores the Identity
// in the request context.
func (s *Service) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := s.Authenticate(r)
		if err != nil {
			w.Header().Set("WWW-Authenticate", fmt.Sprintf("Basic realm=%q", s.realm))
			if s.tokens != nil {
				w.Header().Add("WWW-Authenticate", fmt.Sprintf("Bearer realm=%q", s.realm))
			}
			msg := "invalid credentials"
			if errors.Is(err, ErrNoCredentials) {
				msg = "authentication required"
			}
			httperrors.Status(w, r, http.StatusUnauthorized, err, msg)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

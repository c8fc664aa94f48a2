// Package auth gates inbound viewer connections. Credentials are issued
// elsewhere; this layer only verifies them, either as OIDC tokens or as a
// server-signed session cookie, and resolves them to an identity.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/gorilla/securecookie"
	"golang.org/x/oauth2"

	"github.com/clusterviz/clusterviz/internal/config"
)

// ErrRejected is returned for credentials that do not resolve to an identity.
var ErrRejected = errors.New("credentials rejected")

const (
	sessionCookieName = "clusterviz_session"
	sessionMaxAge     = 24 * time.Hour
)

type Identity struct {
	Subject     string `json:"subject"`
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	Anonymous   bool   `json:"anonymous,omitempty"`
}

// Anonymous is the fixed identity every connection resolves to while
// authentication is administratively disabled.
var Anonymous = Identity{Subject: "anonymous", Anonymous: true}

// Gate authenticates a raw credential. A nil error always carries an identity.
type Gate interface {
	Authenticate(ctx context.Context, token string) (*Identity, error)
}

type SessionData struct {
	Subject     string    `json:"subject"`
	Email       string    `json:"email"`
	DisplayName string    `json:"displayName"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

type Manager struct {
	provider *oidc.Provider
	verifier *oidc.IDTokenVerifier
	cookie   *securecookie.SecureCookie
	logger   *slog.Logger
	disabled bool
}

func NewManager(cfg *config.Config, logger *slog.Logger) (*Manager, error) {
	if cfg.AuthDisabled || cfg.OIDCIssuer == "" {
		logger.Info("authentication disabled, all sessions are anonymous")
		return &Manager{disabled: true, logger: logger}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	provider, err := oidc.NewProvider(ctx, cfg.OIDCIssuer)
	if err != nil {
		return nil, fmt.Errorf("oidc provider discovery: %w", err)
	}
	verifier := provider.Verifier(&oidc.Config{ClientID: cfg.OIDCClientID})

	sessionKey := []byte(cfg.SessionSecret)
	if len(sessionKey) == 0 {
		sessionKey = securecookie.GenerateRandomKey(32)
		logger.Warn("no session secret configured, using random key (cookies will not survive restarts)")
	}

	return &Manager{
		provider: provider,
		verifier: verifier,
		cookie:   securecookie.New(sessionKey, nil),
		logger:   logger,
	}, nil
}

func (m *Manager) IsDisabled() bool {
	return m.disabled
}

// Authenticate resolves a bearer token. With auth disabled every token,
// including the empty one, maps to the anonymous identity. Otherwise the
// token is verified as an OIDC ID token, falling back to a UserInfo lookup
// for opaque access tokens.
func (m *Manager) Authenticate(ctx context.Context, token string) (*Identity, error) {
	if m.disabled {
		id := Anonymous
		return &id, nil
	}
	if token == "" {
		return nil, fmt.Errorf("%w: no token presented", ErrRejected)
	}

	if idToken, err := m.verifier.Verify(ctx, token); err == nil {
		var claims struct {
			Email string `json:"email"`
			Name  string `json:"name"`
		}
		if err := idToken.Claims(&claims); err != nil {
			return nil, fmt.Errorf("%w: unreadable claims: %v", ErrRejected, err)
		}
		return &Identity{Subject: idToken.Subject, Email: claims.Email, DisplayName: claims.Name}, nil
	}

	info, err := m.provider.UserInfo(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
	if err != nil {
		m.logger.Debug("token verification failed", "error", err)
		return nil, fmt.Errorf("%w: invalid token", ErrRejected)
	}
	var claims struct {
		Name string `json:"name"`
	}
	_ = info.Claims(&claims)
	return &Identity{Subject: info.Subject, Email: info.Email, DisplayName: claims.Name}, nil
}

// FromRequest extracts and verifies the credentials on a handshake request:
// `token` query parameter, Authorization bearer header, then the signed
// session cookie (browsers cannot set headers on websocket upgrades).
func (m *Manager) FromRequest(ctx context.Context, r *http.Request) (*Identity, error) {
	if m.disabled {
		id := Anonymous
		return &id, nil
	}

	if token := bearerToken(r); token != "" {
		return m.Authenticate(ctx, token)
	}

	if c, err := r.Cookie(sessionCookieName); err == nil && c.Value != "" {
		session, err := m.decodeSession(c.Value)
		if err != nil {
			return nil, err
		}
		return &Identity{Subject: session.Subject, Email: session.Email, DisplayName: session.DisplayName}, nil
	}

	return nil, fmt.Errorf("%w: no credentials presented", ErrRejected)
}

// IssueSessionCookie signs an identity into a cookie a browser client can
// replay on later handshakes.
func (m *Manager) IssueSessionCookie(id *Identity) (*http.Cookie, error) {
	if m.disabled {
		return nil, errors.New("auth disabled, no cookies issued")
	}
	encoded, err := m.cookie.Encode(sessionCookieName, SessionData{
		Subject:     id.Subject,
		Email:       id.Email,
		DisplayName: id.DisplayName,
		ExpiresAt:   time.Now().Add(sessionMaxAge),
	})
	if err != nil {
		return nil, fmt.Errorf("encode session cookie: %w", err)
	}
	return &http.Cookie{
		Name:     sessionCookieName,
		Value:    encoded,
		Path:     "/",
		MaxAge:   int(sessionMaxAge.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}, nil
}

func (m *Manager) decodeSession(value string) (*SessionData, error) {
	var session SessionData
	if err := m.cookie.Decode(sessionCookieName, value, &session); err != nil {
		return nil, fmt.Errorf("%w: bad session cookie", ErrRejected)
	}
	if time.Now().After(session.ExpiresAt) {
		return nil, fmt.Errorf("%w: session expired", ErrRejected)
	}
	return &session, nil
}

func bearerToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	if rest, ok := strings.CutPrefix(header, "Bearer "); ok {
		return rest
	}
	return ""
}

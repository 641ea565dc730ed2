// Package auth implements Google sign-in and cookie sessions.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"

	"gitea.jw6.us/james/calcord/internal/config"
	httperrors "gitea.jw6.us/james/calcord/internal/http/errors"
	"gitea.jw6.us/james/calcord/internal/store"
)

// Scopes requested at sign-in. Calendar access is read-only.
var Scopes = []string{oidc.ScopeOpenID, "email", "profile", calendar.CalendarReadonlyScope}

// OAuthConfig is shared by the sign-in flow and the token refresher.
func OAuthConfig(cfg *config.Config) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.OAuth.ClientID,
		ClientSecret: cfg.OAuth.ClientSecret,
		RedirectURL:  cfg.BaseURL + cfg.OAuth.RedirectPath,
		Scopes:       Scopes,
		Endpoint:     google.Endpoint,
	}
}

// Identity is what a verified ID token says about the user.
type Identity struct {
	Subject string
	Email   string
	Name    string
}

// IdentityVerifier checks an ID token and extracts the identity.
type IdentityVerifier interface {
	Verify(ctx context.Context, rawIDToken string) (*Identity, error)
}

type oidcVerifier struct {
	verifier *oidc.IDTokenVerifier
}

// NewOIDCVerifier discovers the issuer's keys and verifies ID tokens issued
// to clientID.
func NewOIDCVerifier(ctx context.Context, issuerURL, clientID string) (IdentityVerifier, error) {
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery for %s: %w", issuerURL, err)
	}
	return &oidcVerifier{verifier: provider.Verifier(&oidc.Config{ClientID: clientID})}, nil
}

func (v *oidcVerifier) Verify(ctx context.Context, rawIDToken string) (*Identity, error) {
	tok, err := v.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, err
	}
	var claims struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := tok.Claims(&claims); err != nil {
		return nil, fmt.Errorf("decode id token claims: %w", err)
	}
	return &Identity{Subject: tok.Subject, Email: claims.Email, Name: claims.Name}, nil
}

// Service runs the sign-in flow and guards session-only routes.
type Service struct {
	oauth      *oauth2.Config
	verifier   IdentityVerifier
	users      store.UserRepository
	sessions   *SessionManager
	logger     *slog.Logger
	httpClient *http.Client
}

// Option customises a Service.
type Option func(*Service)

// WithHTTPClient sets the client used for the token exchange.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Service) { s.httpClient = c }
}

func NewService(oauthCfg *oauth2.Config, verifier IdentityVerifier, users store.UserRepository, sessions *SessionManager, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{oauth: oauthCfg, verifier: verifier, users: users, sessions: sessions, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// BeginOAuth redirects to Google's consent screen. Offline access with a
// forced prompt makes Google return a refresh token every time.
func (s *Service) BeginOAuth(w http.ResponseWriter, r *http.Request) {
	state, err := s.sessions.newState(w)
	if err != nil {
		httperrors.InternalError(w, r, err, "create oauth state")
		return
	}
	http.Redirect(w, r, s.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce), http.StatusFound)
}

// HandleOAuthCallback completes the OAuth flow, stores the user's tokens
// and starts a session.
func (s *Service) HandleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if reason := q.Get("error"); reason != "" {
		s.sessions.expire(w, stateCookieName)
		httperrors.Write(w, http.StatusBadRequest, "authorization was not granted: "+reason)
		return
	}
	if !s.sessions.consumeState(w, r, q.Get("state")) {
		httperrors.Write(w, http.StatusBadRequest, "invalid oauth state")
		return
	}
	code := q.Get("code")
	if code == "" {
		httperrors.Write(w, http.StatusBadRequest, "missing authorization code")
		return
	}

	ctx := r.Context()
	if s.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, s.httpClient)
	}
	tok, err := s.oauth.Exchange(ctx, code)
	if err != nil {
		httperrors.LogError(r, "oauth code exchange failed", err)
		httperrors.Write(w, http.StatusBadGateway, "could not complete sign-in with google")
		return
	}
	rawIDToken, _ := tok.Extra("id_token").(string)
	if rawIDToken == "" {
		httperrors.Write(w, http.StatusBadGateway, "google did not return an id token")
		return
	}
	id, err := s.verifier.Verify(r.Context(), rawIDToken)
	if err != nil {
		httperrors.LogError(r, "id token verification failed", err)
		httperrors.Write(w, http.StatusUnauthorized, "invalid id token")
		return
	}

	user, err := s.saveUser(r.Context(), id, tok)
	if errors.Is(err, errNoRefreshToken) {
		httperrors.Write(w, http.StatusBadRequest,
			"google did not return a refresh token; remove the app's access in your google account and sign in again")
		return
	}
	if err != nil {
		httperrors.InternalError(w, r, err, "store signed-in user")
		return
	}

	if err := s.sessions.Issue(w, user.ID); err != nil {
		httperrors.InternalError(w, r, err, "issue session")
		return
	}
	s.logger.Info("user signed in", "user_id", user.ID)
	httperrors.JSON(w, http.StatusOK, map[string]any{
		"user": map[string]string{"id": user.ID, "email": user.Email, "name": user.Name},
	})
}

var errNoRefreshToken = errors.New("no refresh token for new user")

// saveUser creates the user on first sign-in or refreshes stored tokens.
// A returning user keeps the stored refresh token when none is returned.
func (s *Service) saveUser(ctx context.Context, id *Identity, tok *oauth2.Token) (*store.User, error) {
	existing, err := s.users.Get(ctx, id.Subject)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if tok.RefreshToken == "" {
			return nil, errNoRefreshToken
		}
		return s.users.Create(ctx, store.User{
			ID:                   id.Subject,
			Email:                id.Email,
			Name:                 id.Name,
			AccessToken:          tok.AccessToken,
			RefreshToken:         tok.RefreshToken,
			AccessTokenExpiresAt: expiry(tok),
		})
	case err != nil:
		return nil, fmt.Errorf("load user: %w", err)
	}

	if err := s.users.UpdateTokens(ctx, existing.ID, store.TokenUpdate{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    expiry(tok),
		Email:        id.Email,
		Name:         id.Name,
	}); err != nil {
		return nil, fmt.Errorf("update tokens: %w", err)
	}
	return s.users.Get(ctx, existing.ID)
}

func expiry(tok *oauth2.Token) time.Time {
	if tok.Expiry.IsZero() {
		return time.Now().Add(time.Hour)
	}
	return tok.Expiry
}

// Logout clears the session.
func (s *Service) Logout(w http.ResponseWriter, r *http.Request) {
	s.sessions.Clear(w)
	w.WriteHeader(http.StatusNoContent)
}

// RequireSession loads the signed-in user into the request context, or
// answers 401.
func (s *Service) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := s.sessions.CurrentUserID(r)
		if !ok {
			httperrors.Write(w, http.StatusUnauthorized, "sign in required")
			return
		}
		user, err := s.users.Get(r.Context(), userID)
		if errors.Is(err, store.ErrNotFound) {
			s.sessions.Clear(w)
			httperrors.Write(w, http.StatusUnauthorized, "sign in required")
			return
		}
		if err != nil {
			httperrors.InternalError(w, r, err, "load session user")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
	})
}

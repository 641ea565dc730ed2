package gcal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"gitea.jw6.us/james/calcord/internal/store"
)

// RefreshBuffer is how close to expiry an access token may get before it is
// refreshed ahead of use.
const RefreshBuffer = 5 * time.Minute

// Refresher hands out valid access tokens, refreshing and persisting them
// through the user repository when they are about to expire.
type Refresher struct {
	users      store.UserRepository
	oauth      *oauth2.Config
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time
	group      singleflight.Group
}

// NewRefresher builds a refresher. httpClient may be nil to use the default.
func NewRefresher(users store.UserRepository, cfg *oauth2.Config, httpClient *http.Client, logger *slog.Logger) *Refresher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Refresher{
		users:      users,
		oauth:      cfg,
		httpClient: httpClient,
		logger:     logger,
		now:        time.Now,
	}
}

// AccessToken returns a token valid for at least RefreshBuffer.
func (r *Refresher) AccessToken(ctx context.Context, userID string) (string, error) {
	user, err := r.users.Get(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("load user %s: %w", userID, err)
	}
	if user.AccessToken != "" && user.AccessTokenExpiresAt.After(r.now().Add(RefreshBuffer)) {
		return user.AccessToken, nil
	}

	// Concurrent syncs for one user share a single refresh.
	v, err, _ := r.group.Do(userID, func() (any, error) {
		return r.refresh(ctx, user)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (r *Refresher) refresh(ctx context.Context, user *store.User) (string, error) {
	if user.RefreshToken == "" {
		return "", fmt.Errorf("user %s has no refresh token: %w", user.ID, ErrReauthRequired)
	}
	if r.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, r.httpClient)
	}

	tok, err := r.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: user.RefreshToken}).Token()
	if err != nil {
		if isReauthError(err) {
			r.logger.Warn("refresh token rejected", "user_id", user.ID, "err", err)
			return "", fmt.Errorf("refresh token for user %s: %w: %v", user.ID, ErrReauthRequired, err)
		}
		return "", fmt.Errorf("refresh token for user %s: %w", user.ID, err)
	}

	expiry := tok.Expiry
	if expiry.IsZero() {
		expiry = r.now().Add(time.Hour)
	}
	update := store.TokenUpdate{
		AccessToken: tok.AccessToken,
		ExpiresAt:   expiry,
	}
	// Google rotates refresh tokens rarely; keep the stored one unless a new
	// one came back.
	if tok.RefreshToken != "" && tok.RefreshToken != user.RefreshToken {
		update.RefreshToken = tok.RefreshToken
	}
	if err := r.users.UpdateTokens(ctx, user.ID, update); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("persist refreshed token: %w", err)
		}
		r.logger.Error("persist refreshed token", "user_id", user.ID, "err", err)
	}
	r.logger.Debug("access token refreshed", "user_id", user.ID, "expires_at", expiry)
	return tok.AccessToken, nil
}

package gcal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"gitea.jw6.us/james/calcord/internal/secrets"
	"gitea.jw6.us/james/calcord/internal/store"
)

type tokenEndpoint struct {
	calls  atomic.Int32
	status int
	body   string
}

func (e *tokenEndpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	e.calls.Add(1)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.status)
	_, _ = w.Write([]byte(e.body))
}

func newRefresherFixture(t *testing.T, endpoint *tokenEndpoint) (*Refresher, *store.Store) {
	t.Helper()
	srv := httptest.NewServer(endpoint)
	t.Cleanup(srv.Close)

	box, err := secrets.NewBox("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)
	st := store.NewMemory(box, 0)

	cfg := &oauth2.Config{
		ClientID:     "client",
		ClientSecret: "secret",
		Endpoint:     oauth2.Endpoint{TokenURL: srv.URL, AuthStyle: oauth2.AuthStyleInParams},
	}
	r := NewRefresher(st.Users, cfg, srv.Client(), nil)
	r.now = func() time.Time { return time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC) }
	return r, st
}

func seedUser(t *testing.T, st *store.Store, access string, expires time.Time) {
	t.Helper()
	_, err := st.Users.Create(context.Background(), store.User{
		ID:                   "user-1",
		Email:                "ada@example.com",
		AccessToken:          access,
		RefreshToken:         "refresh-1",
		AccessTokenExpiresAt: expires,
	})
	require.NoError(t, err)
}

func TestAccessTokenReturnsFreshTokenWithoutRefresh(t *testing.T) {
	endpoint := &tokenEndpoint{status: http.StatusOK, body: `{}`}
	r, st := newRefresherFixture(t, endpoint)
	seedUser(t, st, "still-good", r.now().Add(time.Hour))

	tok, err := r.AccessToken(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, "still-good", tok)
	assert.Zero(t, endpoint.calls.Load())
}

func TestAccessTokenRefreshesInsideBuffer(t *testing.T) {
	endpoint := &tokenEndpoint{
		status: http.StatusOK,
		body:   `{"access_token":"renewed","token_type":"Bearer","expires_in":3600}`,
	}
	r, st := newRefresherFixture(t, endpoint)
	seedUser(t, st, "stale", r.now().Add(2*time.Minute))

	tok, err := r.AccessToken(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, "renewed", tok)
	assert.Equal(t, int32(1), endpoint.calls.Load())

	u, err := st.Users.Get(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, "renewed", u.AccessToken)
	assert.Equal(t, "refresh-1", u.RefreshToken, "refresh token kept when none is returned")
	assert.True(t, u.AccessTokenExpiresAt.After(r.now()))
}

func TestAccessTokenInvalidGrantRequiresReauth(t *testing.T) {
	endpoint := &tokenEndpoint{
		status: http.StatusBadRequest,
		body:   `{"error":"invalid_grant","error_description":"Token has been expired or revoked."}`,
	}
	r, st := newRefresherFixture(t, endpoint)
	seedUser(t, st, "", time.Time{})

	_, err := r.AccessToken(context.Background(), "user-1")
	assert.ErrorIs(t, err, ErrReauthRequired)
}

func TestAccessTokenServerErrorIsNotReauth(t *testing.T) {
	endpoint := &tokenEndpoint{status: http.StatusServiceUnavailable, body: `{"error":"unavailable"}`}
	r, st := newRefresherFixture(t, endpoint)
	seedUser(t, st, "", time.Time{})

	_, err := r.AccessToken(context.Background(), "user-1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrReauthRequired)
}

func TestAccessTokenMissingUser(t *testing.T) {
	r, _ := newRefresherFixture(t, &tokenEndpoint{status: http.StatusOK, body: `{}`})
	_, err := r.AccessToken(context.Background(), "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

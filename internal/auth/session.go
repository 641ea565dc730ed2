package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/securecookie"

	"gitea.jw6.us/james/calcord/internal/config"
)

const (
	sessionCookieName = "calcord_session"
	stateCookieName   = "calcord_oauth_state"

	// SessionTTL is how long a sign-in lasts.
	SessionTTL = 7 * 24 * time.Hour
	stateTTL   = 10 * time.Minute
)

// SessionManager issues and reads signed, encrypted session cookies.
type SessionManager struct {
	codec  *securecookie.SecureCookie
	secure bool
	now    func() time.Time
}

type cookieValue struct {
	Subject string `json:"sub"`
	Expires int64  `json:"exp"`
}

func NewSessionManager(cfg *config.Config) *SessionManager {
	hashKey := sha256.Sum256([]byte("calcord-session-hash:" + cfg.Session.Secret))
	blockKey := sha256.Sum256([]byte("calcord-session-block:" + cfg.Session.Secret))
	sc := securecookie.New(hashKey[:], blockKey[:])
	sc.MaxAge(int(SessionTTL.Seconds()))
	sc.SetSerializer(securecookie.JSONEncoder{})

	secure := true
	if base, err := url.Parse(cfg.BaseURL); err == nil && base.Scheme != "https" {
		secure = false
	}
	return &SessionManager{codec: sc, secure: secure, now: time.Now}
}

// Cookie builds the session cookie for a user.
func (m *SessionManager) Cookie(userID string) (*http.Cookie, error) {
	expires := m.now().Add(SessionTTL)
	encoded, err := m.codec.Encode(sessionCookieName, cookieValue{Subject: userID, Expires: expires.Unix()})
	if err != nil {
		return nil, err
	}
	return &http.Cookie{
		Name:     sessionCookieName,
		Value:    encoded,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	}, nil
}

// Issue sets the session cookie for a user.
func (m *SessionManager) Issue(w http.ResponseWriter, userID string) error {
	c, err := m.Cookie(userID)
	if err != nil {
		return err
	}
	http.SetCookie(w, c)
	return nil
}

// Clear removes the session cookie.
func (m *SessionManager) Clear(w http.ResponseWriter) {
	m.expire(w, sessionCookieName)
}

// CurrentUserID extracts the user id from the request session if present.
func (m *SessionManager) CurrentUserID(r *http.Request) (string, bool) {
	v, ok := m.read(r, sessionCookieName)
	if !ok || v.Subject == "" {
		return "", false
	}
	return v.Subject, true
}

// newState sets a short-lived cookie holding a random OAuth state value.
func (m *SessionManager) newState(w http.ResponseWriter) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	state := base64.RawURLEncoding.EncodeToString(buf)
	expires := m.now().Add(stateTTL)
	encoded, err := m.codec.Encode(stateCookieName, cookieValue{Subject: state, Expires: expires.Unix()})
	if err != nil {
		return "", err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName,
		Value:    encoded,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return state, nil
}

// consumeState checks the returned state against the cookie and clears it.
func (m *SessionManager) consumeState(w http.ResponseWriter, r *http.Request, got string) bool {
	v, ok := m.read(r, stateCookieName)
	m.expire(w, stateCookieName)
	if !ok || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(v.Subject), []byte(got)) == 1
}

func (m *SessionManager) read(r *http.Request, name string) (cookieValue, bool) {
	c, err := r.Cookie(name)
	if err != nil {
		return cookieValue{}, false
	}
	var v cookieValue
	if err := m.codec.Decode(name, c.Value, &v); err != nil {
		return cookieValue{}, false
	}
	if !time.Unix(v.Expires, 0).After(m.now()) {
		return cookieValue{}, false
	}
	return v, true
}

func (m *SessionManager) expire(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.secure,
	})
}

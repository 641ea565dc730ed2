package gcal

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
)

var (
	// ErrSyncTokenInvalid means the stored sync token expired or was
	// invalidated; the caller must fall back to a time-bounded listing.
	ErrSyncTokenInvalid = errors.New("gcal: sync token is no longer valid")

	// ErrReauthRequired means the stored credentials cannot be refreshed and
	// the user has to sign in again. It is never retried automatically.
	ErrReauthRequired = errors.New("gcal: user must re-authenticate")
)

// classify wraps provider errors with the sentinels callers branch on.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if isSyncTokenInvalid(err) {
		return fmt.Errorf("%s: %w: %v", op, ErrSyncTokenInvalid, err)
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusUnauthorized {
		return fmt.Errorf("%s: %w: %v", op, ErrReauthRequired, err)
	}
	if isReauthError(err) {
		return fmt.Errorf("%s: %w: %v", op, ErrReauthRequired, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isSyncTokenInvalid(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusGone {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "Sync token") || strings.Contains(msg, "fullSyncRequired")
}

// isReauthError reports token endpoint failures caused by the grant itself
// rather than by transport or server trouble.
func isReauthError(err error) bool {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return false
	}
	switch re.ErrorCode {
	case "invalid_grant", "unauthorized_client", "invalid_client":
		return true
	}
	return re.Response != nil && re.Response.StatusCode >= 400 && re.Response.StatusCode < 500
}

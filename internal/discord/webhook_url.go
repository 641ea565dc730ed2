package discord

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// ErrInvalidWebhookURL is returned by ParseWebhookURL for anything that is
// not a Discord webhook URL.
var ErrInvalidWebhookURL = errors.New("discord: invalid webhook url")

var webhookHosts = map[string]bool{
	"discord.com":           true,
	"discordapp.com":        true,
	"ptb.discord.com":       true,
	"canary.discord.com":    true,
	"ptb.discordapp.com":    true,
	"canary.discordapp.com": true,
}

var (
	webhookPath  = regexp.MustCompile(`^/api(?:/v\d+)?/webhooks/(\d+)/([A-Za-z0-9_\-.]+)/?$`)
	snowflakeLen = [2]int{15, 21}
)

// Webhook identifies a Discord webhook by id and token.
type Webhook struct {
	ID    string
	Token string
}

// ParseWebhookURL extracts the webhook id and token from a URL such as
// https://discord.com/api/webhooks/<id>/<token>.
func ParseWebhookURL(raw string) (Webhook, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Webhook{}, fmt.Errorf("%w: %v", ErrInvalidWebhookURL, err)
	}
	if u.Scheme != "https" {
		return Webhook{}, fmt.Errorf("%w: scheme must be https", ErrInvalidWebhookURL)
	}
	if !webhookHosts[strings.ToLower(u.Hostname())] {
		return Webhook{}, fmt.Errorf("%w: unexpected host %q", ErrInvalidWebhookURL, u.Hostname())
	}
	m := webhookPath.FindStringSubmatch(u.Path)
	if m == nil {
		return Webhook{}, fmt.Errorf("%w: unexpected path", ErrInvalidWebhookURL)
	}
	if n := len(m[1]); n < snowflakeLen[0] || n > snowflakeLen[1] {
		return Webhook{}, fmt.Errorf("%w: malformed webhook id", ErrInvalidWebhookURL)
	}
	return Webhook{ID: m[1], Token: m[2]}, nil
}

package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
)

const (
	DefaultAttempts = 3
	DefaultBackoff  = 2 * time.Second
	DefaultTimeout  = 30 * time.Second
)

// ErrWebhookInvalid marks 4xx answers: the webhook was deleted, its token is
// wrong or the payload was rejected. These are never retried.
var ErrWebhookInvalid = errors.New("discord: webhook rejected the request")

// Sink posts and edits messages through Discord webhooks, retrying server
// side failures with exponential backoff.
type Sink struct {
	session  *discordgo.Session
	logger   *slog.Logger
	attempts int
	backoff  time.Duration
	sleep    func(ctx context.Context, d time.Duration) error
}

type Option func(*Sink)

// WithHTTPClient replaces the client used for webhook calls.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Sink) { s.session.Client = c }
}

// WithBackoff sets the delay before the second attempt; each further
// attempt doubles it.
func WithBackoff(d time.Duration) Option {
	return func(s *Sink) { s.backoff = d }
}

func WithAttempts(n int) Option {
	return func(s *Sink) {
		if n > 0 {
			s.attempts = n
		}
	}
}

func NewSink(logger *slog.Logger, opts ...Option) (*Sink, error) {
	session, err := discordgo.New("")
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	// Retries are handled here so 4xx and 5xx can be told apart.
	session.MaxRestRetries = 0
	session.Client = &http.Client{Timeout: DefaultTimeout}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sink{
		session:  session,
		logger:   logger,
		attempts: DefaultAttempts,
		backoff:  DefaultBackoff,
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Send posts a new message and waits for Discord to return it.
func (s *Sink) Send(ctx context.Context, webhookURL string, params *discordgo.WebhookParams) (*discordgo.Message, error) {
	hook, err := ParseWebhookURL(webhookURL)
	if err != nil {
		return nil, err
	}
	return s.withRetry(ctx, "execute webhook", func() (*discordgo.Message, error) {
		return s.session.WebhookExecute(hook.ID, hook.Token, true, params, discordgo.WithContext(ctx))
	})
}

// Edit replaces the content of a message previously posted by the webhook.
func (s *Sink) Edit(ctx context.Context, webhookURL, messageID string, edit *discordgo.WebhookEdit) (*discordgo.Message, error) {
	hook, err := ParseWebhookURL(webhookURL)
	if err != nil {
		return nil, err
	}
	return s.withRetry(ctx, "edit webhook message", func() (*discordgo.Message, error) {
		return s.session.WebhookMessageEdit(hook.ID, hook.Token, messageID, edit, discordgo.WithContext(ctx))
	})
}

func (s *Sink) withRetry(ctx context.Context, op string, call func() (*discordgo.Message, error)) (*discordgo.Message, error) {
	var lastErr error
	delay := s.backoff
	for attempt := 1; attempt <= s.attempts; attempt++ {
		msg, err := call()
		if err == nil {
			return msg, nil
		}

		var restErr *discordgo.RESTError
		if errors.As(err, &restErr) && restErr.Response != nil {
			code := restErr.Response.StatusCode
			if code >= 400 && code < 500 {
				return nil, fmt.Errorf("%s: %w: status %d", op, ErrWebhookInvalid, code)
			}
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s: %w", op, ctx.Err())
		}

		lastErr = err
		if attempt == s.attempts {
			break
		}
		s.logger.Warn("discord webhook call failed, retrying",
			"op", op, "attempt", attempt, "delay", delay, "err", err)
		if err := s.sleep(ctx, delay); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		delay *= 2
	}
	return nil, fmt.Errorf("%s: giving up after %d attempts: %w", op, s.attempts, lastErr)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

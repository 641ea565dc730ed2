package gcal

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
)

const (
	// DefaultTimeout bounds every call to the Calendar API.
	DefaultTimeout = 30 * time.Second
	// MaxPageSize is the provider's cap on events per page.
	MaxPageSize = 2500
)

// TokenSource yields a valid access token for a user.
type TokenSource interface {
	AccessToken(ctx context.Context, userID string) (string, error)
}

// Provider is the calendar surface the sync engine depends on.
type Provider interface {
	ListCalendars(ctx context.Context, userID string) ([]CalendarEntry, error)
	ListEvents(ctx context.Context, userID, calendarID string, opts ListOptions) (*EventPage, error)
	Watch(ctx context.Context, userID, calendarID string, req WatchRequest) (*WatchResult, error)
	StopChannel(ctx context.Context, userID, channelID, resourceID string) error
}

var _ Provider = (*Client)(nil)

// Client calls the Google Calendar API on behalf of stored users.
type Client struct {
	tokens   TokenSource
	base     http.RoundTripper
	endpoint string
	timeout  time.Duration
}

type Option func(*Client)

// WithEndpoint points the client at another API root, for tests.
func WithEndpoint(url string) Option {
	return func(c *Client) { c.endpoint = url }
}

func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) { c.base = rt }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

func NewClient(tokens TokenSource, opts ...Option) *Client {
	c := &Client{tokens: tokens, timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListOptions selects between a sync-token listing and a time-bounded one.
// When SyncToken is set the time bounds and ordering are not sent; the API
// rejects them in that mode.
type ListOptions struct {
	SyncToken    string
	PageToken    string
	TimeMin      time.Time
	TimeMax      time.Time
	SingleEvents bool
	OrderBy      string
	MaxResults   int64
}

type WatchRequest struct {
	ChannelID string
	Address   string
	// Token is echoed back by Google in X-Goog-Channel-Token.
	Token string
	TTL   time.Duration
}

type WatchResult struct {
	ChannelID  string
	ResourceID string
	Expiration time.Time
}

func (c *Client) service(ctx context.Context, userID string) (*calendar.Service, error) {
	token, err := c.tokens.AccessToken(ctx, userID)
	if err != nil {
		return nil, err
	}
	base := c.base
	if base == nil {
		base = http.DefaultTransport
	}
	hc := &http.Client{
		Timeout: c.timeout,
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}),
			Base:   base,
		},
	}
	opts := []option.ClientOption{option.WithHTTPClient(hc)}
	if c.endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.endpoint))
	}
	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("calendar service: %w", err)
	}
	return svc, nil
}

// ListCalendars returns every calendar in the user's list.
func (c *Client) ListCalendars(ctx context.Context, userID string) ([]CalendarEntry, error) {
	svc, err := c.service(ctx, userID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var out []CalendarEntry
	pageToken := ""
	for {
		call := svc.CalendarList.List().Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Do()
		if err != nil {
			return nil, classify("list calendars", err)
		}
		for _, item := range resp.Items {
			out = append(out, CalendarEntry{
				ID:          item.Id,
				Summary:     item.Summary,
				Description: item.Description,
				TimeZone:    item.TimeZone,
				AccessRole:  item.AccessRole,
				Primary:     item.Primary,
			})
		}
		if resp.NextPageToken == "" {
			return out, nil
		}
		pageToken = resp.NextPageToken
	}
}

// ListEvents fetches one page of events. A stale sync token surfaces as
// ErrSyncTokenInvalid.
func (c *Client) ListEvents(ctx context.Context, userID, calendarID string, opts ListOptions) (*EventPage, error) {
	svc, err := c.service(ctx, userID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	call := svc.Events.List(calendarID).Context(ctx)
	if opts.SyncToken != "" {
		call = call.SyncToken(opts.SyncToken)
	} else {
		if !opts.TimeMin.IsZero() {
			call = call.TimeMin(opts.TimeMin.Format(time.RFC3339))
		}
		if !opts.TimeMax.IsZero() {
			call = call.TimeMax(opts.TimeMax.Format(time.RFC3339))
		}
		if opts.SingleEvents {
			call = call.SingleEvents(true)
		}
		if opts.OrderBy != "" {
			call = call.OrderBy(opts.OrderBy)
		}
	}
	if opts.PageToken != "" {
		call = call.PageToken(opts.PageToken)
	}
	if opts.MaxResults > 0 {
		call = call.MaxResults(opts.MaxResults)
	}

	resp, err := call.Do()
	if err != nil {
		return nil, classify("list events", err)
	}

	page := &EventPage{
		Events:        make([]Event, 0, len(resp.Items)),
		NextPageToken: resp.NextPageToken,
		NextSyncToken: resp.NextSyncToken,
	}
	for _, item := range resp.Items {
		if item == nil {
			continue
		}
		page.Events = append(page.Events, eventFromAPI(item))
	}
	return page, nil
}

// Watch registers a web_hook push channel on the calendar's events.
func (c *Client) Watch(ctx context.Context, userID, calendarID string, req WatchRequest) (*WatchResult, error) {
	svc, err := c.service(ctx, userID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ch := &calendar.Channel{
		Id:      req.ChannelID,
		Type:    "web_hook",
		Address: req.Address,
		Token:   req.Token,
	}
	if req.TTL > 0 {
		ch.Params = map[string]string{"ttl": strconv.Itoa(int(req.TTL.Seconds()))}
	}
	resp, err := svc.Events.Watch(calendarID, ch).Context(ctx).Do()
	if err != nil {
		return nil, classify("watch events", err)
	}
	res := &WatchResult{ChannelID: resp.Id, ResourceID: resp.ResourceId}
	if resp.Expiration > 0 {
		res.Expiration = time.UnixMilli(resp.Expiration)
	}
	return res, nil
}

// StopChannel tears down a push channel.
func (c *Client) StopChannel(ctx context.Context, userID, channelID, resourceID string) error {
	svc, err := c.service(ctx, userID)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := svc.Channels.Stop(&calendar.Channel{Id: channelID, ResourceId: resourceID}).Context(ctx).Do(); err != nil {
		return classify("stop channel", err)
	}
	return nil
}

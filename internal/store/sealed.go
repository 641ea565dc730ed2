package store

import (
	"context"
	"fmt"
)

// sealedUsers encrypts tokens on the way in and decrypts them on the way out.
type sealedUsers struct {
	next   UserRepository
	sealer Sealer
}

func (r *sealedUsers) Get(ctx context.Context, id string) (*User, error) {
	u, err := r.next.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.open(u)
}

func (r *sealedUsers) GetByEmail(ctx context.Context, email string) (*User, error) {
	u, err := r.next.GetByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	return r.open(u)
}

func (r *sealedUsers) Create(ctx context.Context, user User) (*User, error) {
	plainAccess, plainRefresh := user.AccessToken, user.RefreshToken
	var err error
	if user.AccessToken, err = r.sealer.Seal(user.AccessToken); err != nil {
		return nil, fmt.Errorf("seal access token: %w", err)
	}
	if user.RefreshToken, err = r.sealer.Seal(user.RefreshToken); err != nil {
		return nil, fmt.Errorf("seal refresh token: %w", err)
	}
	created, err := r.next.Create(ctx, user)
	if err != nil {
		return nil, err
	}
	created.AccessToken, created.RefreshToken = plainAccess, plainRefresh
	return created, nil
}

func (r *sealedUsers) UpdateTokens(ctx context.Context, id string, update TokenUpdate) error {
	var err error
	if update.AccessToken, err = r.sealer.Seal(update.AccessToken); err != nil {
		return fmt.Errorf("seal access token: %w", err)
	}
	if update.RefreshToken, err = r.sealer.Seal(update.RefreshToken); err != nil {
		return fmt.Errorf("seal refresh token: %w", err)
	}
	return r.next.UpdateTokens(ctx, id, update)
}

func (r *sealedUsers) open(u *User) (*User, error) {
	var err error
	if u.AccessToken, err = r.sealer.Open(u.AccessToken); err != nil {
		return nil, fmt.Errorf("open access token for user %s: %w", u.ID, err)
	}
	if u.RefreshToken, err = r.sealer.Open(u.RefreshToken); err != nil {
		return nil, fmt.Errorf("open refresh token for user %s: %w", u.ID, err)
	}
	return u, nil
}

// sealedChannels encrypts webhook URLs, which embed the webhook secret.
type sealedChannels struct {
	next   DiscordChannelRepository
	sealer Sealer
}

func (r *sealedChannels) Create(ctx context.Context, channel DiscordChannel) (*DiscordChannel, error) {
	plain := channel.WebhookURL
	sealed, err := r.sealer.Seal(plain)
	if err != nil {
		return nil, fmt.Errorf("seal webhook url: %w", err)
	}
	channel.WebhookURL = sealed
	created, err := r.next.Create(ctx, channel)
	if err != nil {
		return nil, err
	}
	created.WebhookURL = plain
	return created, nil
}

func (r *sealedChannels) Get(ctx context.Context, id string) (*DiscordChannel, error) {
	ch, err := r.next.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if ch.WebhookURL, err = r.sealer.Open(ch.WebhookURL); err != nil {
		return nil, fmt.Errorf("open webhook url for channel %s: %w", ch.ID, err)
	}
	return ch, nil
}

func (r *sealedChannels) ListByUser(ctx context.Context, userID string) ([]DiscordChannel, error) {
	channels, err := r.next.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	for i := range channels {
		if channels[i].WebhookURL, err = r.sealer.Open(channels[i].WebhookURL); err != nil {
			return nil, fmt.Errorf("open webhook url for channel %s: %w", channels[i].ID, err)
		}
	}
	return channels, nil
}

// Package discord implements the gateway on top of the Discord REST API.
package discord

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/disgoorg/disgo"
	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/discord"
	disgogateway "github.com/disgoorg/disgo/gateway"
	"github.com/disgoorg/disgo/rest"
	"github.com/disgoorg/snowflake/v2"
	"github.com/modronbot/modron/internal/gateway"
	"github.com/modronbot/modron/pkg/utils"
	"go.uber.org/zap"
)

// historyPageSize is the largest page the messages endpoint returns.
const historyPageSize = 100

// discordEpoch is the time encoded by snowflake zero.
var discordEpoch = time.UnixMilli(1420070400000)

// Gateway talks to Discord through a disgo client.
type Gateway struct {
	client         bot.Client
	requestTimeout time.Duration
	retryOptions   utils.RetryOptions
	logger         *zap.Logger
}

// New creates a Discord gateway. Only the REST side of the client is used.
func New(
	token string, requestTimeout time.Duration, retryOptions utils.RetryOptions, logger *zap.Logger, opts ...bot.ConfigOpt,
) (*Gateway, error) {
	opts = append([]bot.ConfigOpt{
		bot.WithGatewayConfigOpts(
			disgogateway.WithIntents(
				disgogateway.IntentGuilds,
				disgogateway.IntentGuildMessages,
				disgogateway.IntentMessageContent,
			),
		),
	}, opts...)

	client, err := disgo.New(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord client: %w", err)
	}

	return &Gateway{
		client:         client,
		requestTimeout: requestTimeout,
		retryOptions:   retryOptions,
		logger:         logger.Named("discord"),
	}, nil
}

// Close releases the client's resources.
func (g *Gateway) Close(ctx context.Context) {
	g.client.Close(ctx)
}

// SelfID returns the bot's user id.
func (g *Gateway) SelfID() snowflake.ID {
	return g.client.ID()
}

// Channels lists the guild's text channels and categories. Other channel types are skipped.
func (g *Gateway) Channels(ctx context.Context, guildID snowflake.ID) ([]gateway.Channel, error) {
	guildChannels, err := withRetry(ctx, g, true, func(opts ...rest.RequestOpt) ([]discord.GuildChannel, error) {
		return g.client.Rest().GetGuildChannels(guildID, opts...)
	})
	if err != nil {
		return nil, err
	}

	channels := make([]gateway.Channel, 0, len(guildChannels))
	for _, c := range guildChannels {
		var kind gateway.Kind
		switch c.Type() {
		case discord.ChannelTypeGuildText:
			kind = gateway.KindText
		case discord.ChannelTypeGuildCategory:
			kind = gateway.KindCategory
		default:
			continue
		}

		ch := gateway.Channel{ID: c.ID(), Name: c.Name(), Kind: kind}
		if parent := c.ParentID(); parent != nil {
			ch.ParentID = *parent
		}
		channels = append(channels, ch)
	}

	return channels, nil
}

// LatestMessage returns the newest message in a channel.
func (g *Gateway) LatestMessage(ctx context.Context, channelID snowflake.ID) (*gateway.Message, error) {
	messages, err := withRetry(ctx, g, true, func(opts ...rest.RequestOpt) ([]discord.Message, error) {
		return g.client.Rest().GetMessages(channelID, 0, 0, 0, 1, opts...)
	})
	if err != nil {
		return nil, err
	}

	if len(messages) == 0 {
		return nil, fmt.Errorf("channel %s has no messages: %w", channelID, gateway.ErrNotFound)
	}

	return convertMessage(messages[0]), nil
}

// HistoryAfter pages forward through a channel starting at since.
func (g *Gateway) HistoryAfter(ctx context.Context, channelID snowflake.ID, since time.Time) iter.Seq2[*gateway.Message, error] {
	return func(yield func(*gateway.Message, error) bool) {
		after := afterID(since)

		for {
			page, err := withRetry(ctx, g, true, func(opts ...rest.RequestOpt) ([]discord.Message, error) {
				return g.client.Rest().GetMessages(channelID, 0, 0, after, historyPageSize, opts...)
			})
			if err != nil {
				yield(nil, err)
				return
			}

			if len(page) == 0 {
				return
			}

			// Pages are not guaranteed to be oldest-first
			slices.SortFunc(page, func(a, b discord.Message) int {
				return cmp.Compare(a.ID, b.ID)
			})

			for _, m := range page {
				if !m.CreatedAt.After(since) {
					continue
				}
				if !yield(convertMessage(m), nil) {
					return
				}
			}

			if len(page) < historyPageSize {
				return
			}
			after = page[len(page)-1].ID
		}
	}
}

// Send posts text to a channel, allowing @here and @everyone mentions.
func (g *Gateway) Send(ctx context.Context, channelID snowflake.ID, text string) error {
	create := discord.NewMessageCreateBuilder().
		SetContent(text).
		SetAllowedMentions(&discord.AllowedMentions{
			Parse: []discord.AllowedMentionType{discord.AllowedMentionTypeEveryone},
		}).
		Build()

	// A send that failed in flight may still have been posted, so only rate limits are retried
	_, err := withRetry(ctx, g, false, func(opts ...rest.RequestOpt) (*discord.Message, error) {
		return g.client.Rest().CreateMessage(channelID, create, opts...)
	})
	return err
}

// withRetry runs a REST call with a per-attempt timeout and exponential backoff.
// Missing and forbidden resources are not retried. Calls that are not idempotent
// are only retried when Discord rejected them with a rate limit.
func withRetry[T any](
	ctx context.Context, g *Gateway, idempotent bool, call func(opts ...rest.RequestOpt) (T, error),
) (T, error) {
	return utils.WithRetry(ctx, func() (T, error) {
		attemptCtx := ctx
		if g.requestTimeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, g.requestTimeout)
			defer cancel()
		}

		result, err := call(rest.WithCtx(attemptCtx))
		if err == nil {
			return result, nil
		}

		var restErr *rest.Error
		if errors.As(err, &restErr) && restErr.Response != nil {
			switch restErr.Response.StatusCode {
			case http.StatusNotFound:
				return result, backoff.Permanent(fmt.Errorf("%w: %w", gateway.ErrNotFound, err))
			case http.StatusForbidden, http.StatusUnauthorized, http.StatusBadRequest:
				return result, backoff.Permanent(err)
			case http.StatusTooManyRequests:
				g.logger.Debug("Discord request rate limited, retrying", zap.Error(err))
				return result, err
			}
		}

		if !idempotent {
			return result, backoff.Permanent(err)
		}

		g.logger.Debug("Discord request failed, retrying", zap.Error(err))
		return result, err
	}, g.retryOptions)
}

// afterID returns the snowflake to page from. Times at or before the Discord
// epoch start at the oldest message. The id is never zero, since a zero after
// is left out of the request and Discord then pages from the newest message.
func afterID(since time.Time) snowflake.ID {
	if !since.After(discordEpoch) {
		return 1
	}
	return max(snowflake.New(since), 1)
}

func convertMessage(m discord.Message) *gateway.Message {
	return &gateway.Message{
		ID:         m.ID,
		ChannelID:  m.ChannelID,
		AuthorID:   m.Author.ID,
		AuthorName: m.Author.EffectiveName(),
		Content:    m.Content,
		CreatedAt:  m.CreatedAt,
	}
}

// Package gatewaytest provides an in-memory gateway for tests.
package gatewaytest

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/modronbot/modron/internal/gateway"
)

// ErrInjected is the default error returned by failing calls.
var ErrInjected = errors.New("injected failure")

// Sent records a message posted through the fake.
type Sent struct {
	ChannelID snowflake.ID
	Text      string
}

// Gateway is an in-memory gateway.Gateway. The zero value is not usable; use New.
type Gateway struct {
	mu          sync.Mutex
	self        snowflake.ID
	channels    map[snowflake.ID][]gateway.Channel
	messages    map[snowflake.ID][]*gateway.Message
	failRead    map[snowflake.ID]error
	failSend    error
	failListing error
	sent        []Sent
	now         func() time.Time
	nextID      snowflake.ID
}

// New creates an empty fake for a bot with the given user id.
func New(self snowflake.ID) *Gateway {
	return &Gateway{
		self:     self,
		channels: make(map[snowflake.ID][]gateway.Channel),
		messages: make(map[snowflake.ID][]*gateway.Message),
		failRead: make(map[snowflake.ID]error),
		now:      time.Now,
		nextID:   1000,
	}
}

// SetNow sets the time source used to stamp messages posted with Send.
func (g *Gateway) SetNow(now func() time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.now = now
}

// AddChannel registers a channel in a guild.
func (g *Gateway) AddChannel(guildID snowflake.ID, ch gateway.Channel) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.channels[guildID] = append(g.channels[guildID], ch)
}

// Post appends a message to a channel. Messages must be posted in time order.
func (g *Gateway) Post(channelID, authorID snowflake.ID, authorName, content string, at time.Time) *gateway.Message {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.postLocked(channelID, authorID, authorName, content, at)
}

func (g *Gateway) postLocked(channelID, authorID snowflake.ID, authorName, content string, at time.Time) *gateway.Message {
	g.nextID++
	msg := &gateway.Message{
		ID:         g.nextID,
		ChannelID:  channelID,
		AuthorID:   authorID,
		AuthorName: authorName,
		Content:    content,
		CreatedAt:  at,
	}
	g.messages[channelID] = append(g.messages[channelID], msg)
	return msg
}

// FailReads makes every read of a channel fail with err. A nil err clears the failure.
func (g *Gateway) FailReads(channelID snowflake.ID, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err == nil {
		delete(g.failRead, channelID)
		return
	}
	g.failRead[channelID] = err
}

// FailSends makes every Send fail with err. A nil err clears the failure.
func (g *Gateway) FailSends(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failSend = err
}

// FailListing makes Channels fail with err. A nil err clears the failure.
func (g *Gateway) FailListing(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failListing = err
}

// Sent returns a copy of every message posted through Send.
func (g *Gateway) Sent() []Sent {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.sent)
}

// SelfID implements gateway.Gateway.
func (g *Gateway) SelfID() snowflake.ID {
	return g.self
}

// Channels implements gateway.Gateway.
func (g *Gateway) Channels(_ context.Context, guildID snowflake.ID) ([]gateway.Channel, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failListing != nil {
		return nil, g.failListing
	}
	return slices.Clone(g.channels[guildID]), nil
}

// LatestMessage implements gateway.Gateway.
func (g *Gateway) LatestMessage(_ context.Context, channelID snowflake.ID) (*gateway.Message, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.failRead[channelID]; err != nil {
		return nil, err
	}

	msgs := g.messages[channelID]
	if len(msgs) == 0 {
		return nil, fmt.Errorf("channel %s has no messages: %w", channelID, gateway.ErrNotFound)
	}

	msg := *msgs[len(msgs)-1]
	return &msg, nil
}

// HistoryAfter implements gateway.Gateway.
func (g *Gateway) HistoryAfter(ctx context.Context, channelID snowflake.ID, since time.Time) iter.Seq2[*gateway.Message, error] {
	return func(yield func(*gateway.Message, error) bool) {
		g.mu.Lock()
		err := g.failRead[channelID]
		msgs := slices.Clone(g.messages[channelID])
		g.mu.Unlock()

		if err != nil {
			yield(nil, err)
			return
		}

		for _, msg := range msgs {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			if !msg.CreatedAt.After(since) {
				continue
			}
			copied := *msg
			if !yield(&copied, nil) {
				return
			}
		}
	}
}

// Send implements gateway.Gateway. Successful sends are also appended to the
// channel history as messages from the bot.
func (g *Gateway) Send(_ context.Context, channelID snowflake.ID, text string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.failSend != nil {
		return g.failSend
	}

	g.sent = append(g.sent, Sent{ChannelID: channelID, Text: text})
	g.postLocked(channelID, g.self, "modron", text, g.now())
	return nil
}

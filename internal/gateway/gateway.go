// Package gateway defines what the background services need from the chat platform.
package gateway

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/disgoorg/snowflake/v2"
)

// ErrNotFound is returned when a channel has no messages or does not exist.
var ErrNotFound = errors.New("not found")

// Kind tags a channel as something that holds messages or something that groups channels.
type Kind int

const (
	KindText Kind = iota
	KindCategory
)

// String returns the name of the kind.
func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindCategory:
		return "category"
	default:
		return "unknown"
	}
}

// Channel is a guild channel. ParentID is zero when the channel is not in a category.
type Channel struct {
	ID       snowflake.ID
	Name     string
	Kind     Kind
	ParentID snowflake.ID
}

// Message is a single chat message.
type Message struct {
	ID         snowflake.ID
	ChannelID  snowflake.ID
	AuthorID   snowflake.ID
	AuthorName string
	Content    string
	CreatedAt  time.Time
}

// Gateway is the chat platform as seen by the background services.
// Implementations are expected to retry transient failures themselves.
type Gateway interface {
	// SelfID returns the bot's own user id.
	SelfID() snowflake.ID

	// Channels lists every channel of a guild.
	Channels(ctx context.Context, guildID snowflake.ID) ([]Channel, error)

	// LatestMessage returns the most recent message in a channel, or ErrNotFound if it is empty.
	LatestMessage(ctx context.Context, channelID snowflake.ID) (*Message, error)

	// HistoryAfter yields every message created strictly after since, oldest first.
	// Each call starts a fresh traversal. Iteration stops after the first error.
	HistoryAfter(ctx context.Context, channelID snowflake.ID, since time.Time) iter.Seq2[*Message, error]

	// Send posts a message to a channel.
	Send(ctx context.Context, channelID snowflake.ID, text string) error
}

package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/disgoorg/snowflake/v2"
)

// Directory is a snapshot of a guild's channels, taken once per pass.
type Directory struct {
	byID     map[snowflake.ID]Channel
	children map[snowflake.ID][]Channel
	ordered  []Channel
}

// NewDirectory indexes a channel list.
func NewDirectory(channels []Channel) *Directory {
	d := &Directory{
		byID:     make(map[snowflake.ID]Channel, len(channels)),
		children: make(map[snowflake.ID][]Channel),
		ordered:  channels,
	}

	for _, ch := range channels {
		d.byID[ch.ID] = ch
		if ch.Kind == KindText && ch.ParentID != 0 {
			d.children[ch.ParentID] = append(d.children[ch.ParentID], ch)
		}
	}

	return d
}

// LoadDirectory fetches a guild's channels and indexes them.
func LoadDirectory(ctx context.Context, gw Gateway, guildID snowflake.ID) (*Directory, error) {
	channels, err := gw.Channels(ctx, guildID)
	if err != nil {
		return nil, fmt.Errorf("failed to list channels for guild %s: %w", guildID, err)
	}
	return NewDirectory(channels), nil
}

// Lookup returns the channel with the given id.
func (d *Directory) Lookup(id snowflake.ID) (Channel, bool) {
	ch, ok := d.byID[id]
	return ch, ok
}

// ResolveChannel finds a text channel by name. A leading '#' is ignored and the
// comparison is case-insensitive. The first match in listing order wins.
func (d *Directory) ResolveChannel(name string) (Channel, error) {
	name = strings.TrimPrefix(strings.TrimSpace(name), "#")

	for _, ch := range d.ordered {
		if ch.Kind == KindText && strings.EqualFold(ch.Name, name) {
			return ch, nil
		}
	}

	return Channel{}, fmt.Errorf("text channel %q: %w", name, ErrNotFound)
}

// ExpandCategory returns the text channels inside a category.
func (d *Directory) ExpandCategory(id snowflake.ID) ([]Channel, error) {
	ch, ok := d.byID[id]
	if !ok || ch.Kind != KindCategory {
		return nil, fmt.Errorf("category %s: %w", id, ErrNotFound)
	}
	return d.children[id], nil
}

// Expand turns a list of channel and category ids into the text channels they
// cover. The result has no duplicates and keeps the order of first appearance.
// Ids that match nothing are returned separately.
func (d *Directory) Expand(ids []snowflake.ID) (channels []Channel, unknown []snowflake.ID) {
	seen := make(map[snowflake.ID]struct{}, len(ids))
	add := func(ch Channel) {
		if _, ok := seen[ch.ID]; ok {
			return
		}
		seen[ch.ID] = struct{}{}
		channels = append(channels, ch)
	}

	for _, id := range ids {
		ch, ok := d.byID[id]
		if !ok {
			unknown = append(unknown, id)
			continue
		}

		switch ch.Kind {
		case KindCategory:
			for _, child := range d.children[id] {
				add(child)
			}
		case KindText:
			add(ch)
		}
	}

	return channels, unknown
}

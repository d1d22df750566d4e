// Package state persists per-guild reminder state across restarts.
package state

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/modronbot/modron/internal/redis"
	"github.com/modronbot/modron/internal/setup/config"
	"go.uber.org/zap"
)

// CurrentVersion is the version written into new documents.
const CurrentVersion = 1

// ErrUnknownBackend is returned by Open for an unsupported backend name.
var ErrUnknownBackend = errors.New("unknown state backend")

// LastMessage summarises the most recent message seen across watched channels.
type LastMessage struct {
	Sender    string       `yaml:"sender"     json:"sender"`
	SenderID  snowflake.ID `yaml:"sender_id"  json:"sender_id"`
	Channel   string       `yaml:"channel"    json:"channel"`
	ChannelID snowflake.ID `yaml:"channel_id" json:"channel_id"`
	Time      time.Time    `yaml:"time"       json:"time"`
}

// GuildState is the persisted state of one guild.
type GuildState struct {
	NextReminder time.Time    `yaml:"next_reminder"          json:"next_reminder"`
	LastMessage  *LastMessage `yaml:"last_message,omitempty" json:"last_message,omitempty"`
}

// Document is the whole persisted state of a deployment.
type Document struct {
	Version int                          `yaml:"version" json:"version"`
	Guilds  map[snowflake.ID]*GuildState `yaml:"guilds"  json:"guilds"`
}

// NewDocument creates an empty document.
func NewDocument() *Document {
	return &Document{
		Version: CurrentVersion,
		Guilds:  make(map[snowflake.ID]*GuildState),
	}
}

// Guild returns the state of a guild, creating it if missing.
func (d *Document) Guild(id snowflake.ID) *GuildState {
	if d.Guilds == nil {
		d.Guilds = make(map[snowflake.ID]*GuildState)
	}

	g, ok := d.Guilds[id]
	if !ok {
		g = &GuildState{}
		d.Guilds[id] = g
	}
	return g
}

// Lookup returns the state of a guild without creating it.
func (d *Document) Lookup(id snowflake.ID) (*GuildState, bool) {
	g, ok := d.Guilds[id]
	return g, ok
}

// normalize repairs fields a hand-edited or older document may be missing.
func (d *Document) normalize() *Document {
	if d.Version == 0 {
		d.Version = CurrentVersion
	}
	if d.Guilds == nil {
		d.Guilds = make(map[snowflake.ID]*GuildState)
	}
	for id, g := range d.Guilds {
		if g == nil {
			delete(d.Guilds, id)
		}
	}
	return d
}

// Store loads and saves the state document. A missing or unreadable document
// loads as an empty one.
type Store interface {
	// Load returns the current document.
	Load(ctx context.Context) (*Document, error)
	// Save replaces the stored document.
	Save(ctx context.Context, doc *Document) error
	// Update loads the document, applies fn and saves it if fn reports a change.
	// Updates through the same Store never interleave.
	Update(ctx context.Context, fn func(doc *Document) bool) (*Document, error)
	// Close releases the store's resources.
	Close() error
}

// backend is the unlocked storage behind a Store.
type backend interface {
	load(ctx context.Context) (*Document, error)
	save(ctx context.Context, doc *Document) error
}

// guarded serialises access to a backend.
type guarded struct {
	mu sync.Mutex
	b  backend
}

func (g *guarded) Load(ctx context.Context) (*Document, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.b.load(ctx)
}

func (g *guarded) Save(ctx context.Context, doc *Document) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.b.save(ctx, doc)
}

func (g *guarded) Update(ctx context.Context, fn func(doc *Document) bool) (*Document, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	doc, err := g.b.load(ctx)
	if err != nil {
		return nil, err
	}

	if !fn(doc) {
		return doc, nil
	}

	if err := g.b.save(ctx, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// RaiseReminder moves a guild's next reminder to t if none is stored or t is later.
// It never moves a reminder earlier. Reports whether the document changed.
func RaiseReminder(doc *Document, guildID snowflake.ID, t time.Time) bool {
	g := doc.Guild(guildID)
	if g.NextReminder.IsZero() || t.After(g.NextReminder) {
		g.NextReminder = t
		return true
	}
	return false
}

// Snooze pushes a guild's next reminder to until. A snooze earlier than the
// stored reminder is ignored. Returns whether the stored time changed and the
// reminder time now in effect.
func Snooze(ctx context.Context, store Store, guildID snowflake.ID, until time.Time) (bool, time.Time, error) {
	var changed bool
	doc, err := store.Update(ctx, func(doc *Document) bool {
		changed = RaiseReminder(doc, guildID, until)
		return changed
	})
	if err != nil {
		return false, time.Time{}, fmt.Errorf("failed to snooze guild %s: %w", guildID, err)
	}

	return changed, doc.Guild(guildID).NextReminder, nil
}

// Status returns a copy of a guild's state. The boolean is false if nothing has
// been recorded for the guild yet.
func Status(ctx context.Context, store Store, guildID snowflake.ID) (GuildState, bool, error) {
	doc, err := store.Load(ctx)
	if err != nil {
		return GuildState{}, false, fmt.Errorf("failed to load state: %w", err)
	}

	g, ok := doc.Lookup(guildID)
	if !ok {
		return GuildState{}, false, nil
	}

	status := GuildState{NextReminder: g.NextReminder}
	if g.LastMessage != nil {
		last := *g.LastMessage
		status.LastMessage = &last
	}
	return status, true, nil
}

// Open creates the store selected by the config.
func Open(cfg *config.State, redisManager *redis.Manager, logger *zap.Logger) (Store, error) {
	logger = logger.Named("state")

	switch cfg.Backend {
	case config.StateBackendFile:
		return NewFileStore(cfg.Path, logger), nil
	case config.StateBackendSQLite:
		return OpenSQLiteStore(cfg.Path, logger)
	case config.StateBackendRedis:
		client, err := redisManager.StateClient()
		if err != nil {
			return nil, err
		}
		return NewRedisStore(client, cfg.Key, logger), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
}

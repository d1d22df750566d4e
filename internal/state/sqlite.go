package state

import (
	"context"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/disgoorg/snowflake/v2"
	"go.uber.org/zap"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS guild_state (
		guild_id INTEGER PRIMARY KEY,
		next_reminder INTEGER NOT NULL,
		last_message TEXT
	)
`

// SQLiteStore keeps one row per guild in a SQLite database.
type SQLiteStore struct {
	guarded
	conn *sqlite.Conn
}

// OpenSQLiteStore opens or creates the database at path.
func OpenSQLiteStore(path string, logger *zap.Logger) (*SQLiteStore, error) {
	conn, err := sqlite.OpenConn(path, sqlite.OpenCreate|sqlite.OpenReadWrite)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	if err := sqlitex.ExecuteTransient(conn, sqliteSchema, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}

	s := &SQLiteStore{conn: conn}
	s.b = &sqliteBackend{conn: conn, logger: logger}
	return s, nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Close()
}

type sqliteBackend struct {
	conn   *sqlite.Conn
	logger *zap.Logger
}

func (b *sqliteBackend) load(_ context.Context) (*Document, error) {
	doc := NewDocument()

	err := sqlitex.ExecuteTransient(b.conn, "PRAGMA user_version", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			if v := stmt.ColumnInt(0); v != 0 {
				doc.Version = v
			}
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read state version: %w", err)
	}

	err = sqlitex.Execute(b.conn, "SELECT guild_id, next_reminder, last_message FROM guild_state", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			guildID := snowflake.ID(stmt.ColumnInt64(0))
			g := &GuildState{}

			if nanos := stmt.ColumnInt64(1); nanos != 0 {
				g.NextReminder = time.Unix(0, nanos).UTC()
			}

			if raw := stmt.ColumnText(2); raw != "" {
				var last LastMessage
				if err := sonic.UnmarshalString(raw, &last); err != nil {
					b.logger.Warn("Ignoring unreadable last message",
						zap.Stringer("guildID", guildID),
						zap.Error(err))
				} else {
					g.LastMessage = &last
				}
			}

			doc.Guilds[guildID] = g
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read state: %w", err)
	}

	return doc, nil
}

func (b *sqliteBackend) save(_ context.Context, doc *Document) (err error) {
	defer sqlitex.Save(b.conn)(&err)

	if err := sqlitex.Execute(b.conn, "DELETE FROM guild_state", nil); err != nil {
		return fmt.Errorf("failed to clear state: %w", err)
	}

	for guildID, g := range doc.Guilds {
		var nanos int64
		if !g.NextReminder.IsZero() {
			nanos = g.NextReminder.UnixNano()
		}

		var last any
		if g.LastMessage != nil {
			encoded, err := sonic.MarshalString(g.LastMessage)
			if err != nil {
				return fmt.Errorf("failed to encode last message: %w", err)
			}
			last = encoded
		}

		err := sqlitex.Execute(b.conn,
			"INSERT INTO guild_state (guild_id, next_reminder, last_message) VALUES (?, ?, ?)",
			&sqlitex.ExecOptions{Args: []any{int64(guildID), nanos, last}},
		)
		if err != nil {
			return fmt.Errorf("failed to write guild %s: %w", guildID, err)
		}
	}

	if err := sqlitex.ExecuteTransient(b.conn, fmt.Sprintf("PRAGMA user_version = %d", doc.Version), nil); err != nil {
		return fmt.Errorf("failed to write state version: %w", err)
	}

	return nil
}

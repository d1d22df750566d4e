package discord

import (
	"cmp"
	"context"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/rest"
	"github.com/disgoorg/snowflake/v2"
	"github.com/modronbot/modron/internal/gateway"
	"github.com/modronbot/modron/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	// testToken carries bot id 123 in its first segment.
	testToken = "MTIz.test.token"

	icID = snowflake.ID(11)
)

var historyStart = time.Date(2024, 6, 1, 20, 0, 0, 0, time.UTC)

// fakeDiscord serves the message endpoints of one channel the way Discord
// pages them: without an after id the newest messages come first.
type fakeDiscord struct {
	mu       sync.Mutex
	messages []map[string]any
	afters   []string
	failNext int
	calls    atomic.Int32
}

func (f *fakeDiscord) addMessages(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	base := len(f.messages)
	for i := range n {
		number := base + i + 1
		at := historyStart.Add(time.Duration(number) * time.Minute)
		f.messages = append(f.messages, map[string]any{
			"id":         snowflake.New(at).String(),
			"channel_id": icID.String(),
			"content":    "message " + strconv.Itoa(number),
			"timestamp":  at.Format(time.RFC3339),
			"author":     map[string]any{"id": "3", "username": "alice", "discriminator": "0"},
		})
	}
}

func (f *fakeDiscord) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.calls.Add(1)

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failNext > 0 {
		f.failNext--
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	if r.URL.Path != "/channels/"+icID.String()+"/messages" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"Unknown Channel","code":10003}`))
		return
	}

	query := r.URL.Query()
	limit, _ := strconv.Atoi(query.Get("limit"))
	if limit == 0 {
		limit = 50
	}

	page := []map[string]any{}
	if raw := query.Get("after"); raw != "" {
		f.afters = append(f.afters, raw)
		after, _ := snowflake.Parse(raw)
		for _, m := range f.messages {
			id, _ := snowflake.Parse(m["id"].(string))
			if id > after && len(page) < limit {
				page = append(page, m)
			}
		}
	} else {
		page = f.messages[max(0, len(f.messages)-limit):]
	}

	// Discord lists newest first
	page = slices.Clone(page)
	slices.Reverse(page)

	data, err := sonic.Marshal(page)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func newTestGateway(t *testing.T, handler http.Handler) *Gateway {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	retryOptions := utils.RetryOptions{
		MaxElapsedTime:  time.Second,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		MaxRetries:      2,
	}

	g, err := New(testToken, time.Second, retryOptions, zaptest.NewLogger(t),
		bot.WithRestClientConfigOpts(rest.WithURL(srv.URL)))
	require.NoError(t, err)
	t.Cleanup(func() { g.Close(context.Background()) })
	return g
}

func collect(t *testing.T, g *Gateway, since time.Time) []*gateway.Message {
	t.Helper()

	var messages []*gateway.Message
	for msg, err := range g.HistoryAfter(t.Context(), icID, since) {
		require.NoError(t, err)
		messages = append(messages, msg)
	}
	return messages
}

func TestHistoryAfterPagesFromTheOldestMessage(t *testing.T) {
	t.Parallel()

	fake := &fakeDiscord{}
	fake.addMessages(250)
	g := newTestGateway(t, fake)

	messages := collect(t, g, time.Time{})
	require.Len(t, messages, 250)
	assert.Equal(t, "message 1", messages[0].Content)
	assert.Equal(t, "message 250", messages[249].Content)
	assert.True(t, slices.IsSortedFunc(messages, func(a, b *gateway.Message) int {
		return cmp.Compare(a.ID, b.ID)
	}), "messages are yielded oldest first")

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Len(t, fake.afters, 3, "three full or partial pages")
	assert.Equal(t, "1", fake.afters[0], "the first page is requested from the beginning")
}

func TestHistoryAfterResumesFromCursor(t *testing.T) {
	t.Parallel()

	fake := &fakeDiscord{}
	fake.addMessages(250)
	g := newTestGateway(t, fake)

	cursor := historyStart.Add(100 * time.Minute)
	messages := collect(t, g, cursor)
	require.Len(t, messages, 150)
	assert.Equal(t, "message 101", messages[0].Content)
	assert.True(t, messages[0].CreatedAt.After(cursor))

	assert.Empty(t, collect(t, g, historyStart.Add(250*time.Minute)), "nothing after the newest message")
}

func TestLatestMessage(t *testing.T) {
	t.Parallel()

	t.Run("newest message", func(t *testing.T) {
		t.Parallel()

		fake := &fakeDiscord{}
		fake.addMessages(3)
		g := newTestGateway(t, fake)

		msg, err := g.LatestMessage(t.Context(), icID)
		require.NoError(t, err)
		assert.Equal(t, "message 3", msg.Content)
		assert.Equal(t, snowflake.ID(3), msg.AuthorID)
	})

	t.Run("empty channel", func(t *testing.T) {
		t.Parallel()

		g := newTestGateway(t, &fakeDiscord{})
		_, err := g.LatestMessage(t.Context(), icID)
		require.ErrorIs(t, err, gateway.ErrNotFound)
	})

	t.Run("unknown channel is not retried", func(t *testing.T) {
		t.Parallel()

		fake := &fakeDiscord{}
		g := newTestGateway(t, fake)
		_, err := g.LatestMessage(t.Context(), snowflake.ID(99))
		require.ErrorIs(t, err, gateway.ErrNotFound)
		assert.Equal(t, int32(1), fake.calls.Load())
	})

	t.Run("server errors are retried", func(t *testing.T) {
		t.Parallel()

		fake := &fakeDiscord{failNext: 1}
		fake.addMessages(1)
		g := newTestGateway(t, fake)

		msg, err := g.LatestMessage(t.Context(), icID)
		require.NoError(t, err)
		assert.Equal(t, "message 1", msg.Content)
		assert.Equal(t, int32(2), fake.calls.Load())
	})
}

func TestSend(t *testing.T) {
	t.Parallel()

	t.Run("allows here mentions", func(t *testing.T) {
		t.Parallel()

		var received discord.MessageCreate
		g := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/channels/"+icID.String()+"/messages", r.URL.Path)
			assert.NoError(t, sonic.ConfigDefault.NewDecoder(r.Body).Decode(&received))

			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"id":"500","channel_id":"11","content":"@here hello",` +
				`"timestamp":"2024-06-01T20:00:00Z","author":{"id":"123","username":"modron"}}`))
		}))

		require.NoError(t, g.Send(t.Context(), icID, "@here hello"))
		assert.Equal(t, "@here hello", received.Content)
		require.NotNil(t, received.AllowedMentions)
		assert.Equal(t, []discord.AllowedMentionType{discord.AllowedMentionTypeEveryone}, received.AllowedMentions.Parse)
	})

	t.Run("failed send is not repeated", func(t *testing.T) {
		t.Parallel()

		fake := &fakeDiscord{failNext: 5}
		g := newTestGateway(t, fake)

		require.Error(t, g.Send(t.Context(), icID, "@here hello"))
		assert.Equal(t, int32(1), fake.calls.Load(), "the message may have been posted before the error")
	})
}

func TestAfterID(t *testing.T) {
	t.Parallel()

	at := time.Date(2024, 6, 1, 20, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		since    time.Time
		expected snowflake.ID
	}{
		{name: "zero time starts at the oldest message", since: time.Time{}, expected: 1},
		{name: "unix epoch starts at the oldest message", since: time.Unix(0, 0), expected: 1},
		{name: "discord epoch starts at the oldest message", since: discordEpoch, expected: 1},
		{name: "recent time", since: at, expected: snowflake.New(at)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.expected, afterID(tt.since))
		})
	}

	assert.True(t, at.Equal(afterID(at).Time()), "the cursor id encodes the cursor time")
}

func TestConvertMessage(t *testing.T) {
	t.Parallel()

	at := time.Date(2024, 6, 1, 20, 0, 0, 0, time.UTC)
	name := "Alice"

	msg := convertMessage(discord.Message{
		ID:        snowflake.ID(100),
		ChannelID: snowflake.ID(11),
		Content:   "I open the door",
		CreatedAt: at,
		Author: discord.User{
			ID:         snowflake.ID(3),
			Username:   "alice",
			GlobalName: &name,
		},
	})

	assert.Equal(t, snowflake.ID(100), msg.ID)
	assert.Equal(t, snowflake.ID(11), msg.ChannelID)
	assert.Equal(t, snowflake.ID(3), msg.AuthorID)
	assert.Equal(t, "Alice", msg.AuthorName, "display name is preferred over username")
	assert.Equal(t, "I open the door", msg.Content)
	assert.True(t, at.Equal(msg.CreatedAt))
}

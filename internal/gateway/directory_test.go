package gateway_test

import (
	"errors"
	"testing"

	"github.com/disgoorg/snowflake/v2"
	"github.com/modronbot/modron/internal/gateway"
	"github.com/modronbot/modron/internal/gateway/gatewaytest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testChannels() []gateway.Channel {
	return []gateway.Channel{
		{ID: 10, Name: "Campaign", Kind: gateway.KindCategory},
		{ID: 11, Name: "ic", Kind: gateway.KindText, ParentID: 10},
		{ID: 12, Name: "ooc", Kind: gateway.KindText, ParentID: 10},
		{ID: 20, Name: "general", Kind: gateway.KindText},
		{ID: 30, Name: "Empty", Kind: gateway.KindCategory},
	}
}

func TestDirectoryExpand(t *testing.T) {
	t.Parallel()

	dir := gateway.NewDirectory(testChannels())

	tests := []struct {
		name            string
		ids             []snowflake.ID
		expectedIDs     []snowflake.ID
		expectedUnknown []snowflake.ID
	}{
		{
			name:        "category expands to its text channels",
			ids:         []snowflake.ID{10},
			expectedIDs: []snowflake.ID{11, 12},
		},
		{
			name:        "channel and its category are not duplicated",
			ids:         []snowflake.ID{12, 10, 20},
			expectedIDs: []snowflake.ID{12, 11, 20},
		},
		{
			name:            "unknown ids are reported",
			ids:             []snowflake.ID{20, 99},
			expectedIDs:     []snowflake.ID{20},
			expectedUnknown: []snowflake.ID{99},
		},
		{
			name: "empty category yields nothing",
			ids:  []snowflake.ID{30},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			channels, unknown := dir.Expand(tt.ids)

			ids := make([]snowflake.ID, 0, len(channels))
			for _, ch := range channels {
				ids = append(ids, ch.ID)
			}

			if len(tt.expectedIDs) == 0 {
				assert.Empty(t, ids)
			} else {
				assert.Equal(t, tt.expectedIDs, ids)
			}
			assert.Equal(t, tt.expectedUnknown, unknown)
		})
	}
}

func TestDirectoryResolveChannel(t *testing.T) {
	t.Parallel()

	dir := gateway.NewDirectory(testChannels())

	ch, err := dir.ResolveChannel("#IC")
	require.NoError(t, err)
	assert.Equal(t, snowflake.ID(11), ch.ID)

	_, err = dir.ResolveChannel("campaign")
	require.ErrorIs(t, err, gateway.ErrNotFound, "categories are not text channels")

	_, err = dir.ResolveChannel("missing")
	require.ErrorIs(t, err, gateway.ErrNotFound)
}

func TestDirectoryExpandCategory(t *testing.T) {
	t.Parallel()

	dir := gateway.NewDirectory(testChannels())

	children, err := dir.ExpandCategory(10)
	require.NoError(t, err)
	assert.Len(t, children, 2)

	_, err = dir.ExpandCategory(20)
	require.ErrorIs(t, err, gateway.ErrNotFound)

	ch, ok := dir.Lookup(20)
	require.True(t, ok)
	assert.Equal(t, "general", ch.Name)
}

func TestLoadDirectory(t *testing.T) {
	t.Parallel()

	gw := gatewaytest.New(1)
	for _, ch := range testChannels() {
		gw.AddChannel(5, ch)
	}

	dir, err := gateway.LoadDirectory(t.Context(), gw, 5)
	require.NoError(t, err)

	_, ok := dir.Lookup(11)
	assert.True(t, ok)

	gw.FailListing(errors.New("forbidden"))
	_, err = gateway.LoadDirectory(t.Context(), gw, 5)
	require.Error(t, err)
}

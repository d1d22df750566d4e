package cloud_test

import (
	"testing"

	"github.com/modronbot/modron/internal/cloud"
	"github.com/modronbot/modron/internal/cloud/cloudtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureFolder(t *testing.T) {
	t.Parallel()

	t.Run("creates a missing folder once", func(t *testing.T) {
		t.Parallel()

		c := cloudtest.New()

		first, err := cloud.EnsureFolder(t.Context(), c, "Guild", "root")
		require.NoError(t, err)

		second, err := cloud.EnsureFolder(t.Context(), c, "Guild", "root")
		require.NoError(t, err)
		assert.Equal(t, first, second)
	})

	t.Run("same name under another parent is a different folder", func(t *testing.T) {
		t.Parallel()

		c := cloudtest.New()

		a, err := cloud.EnsureFolder(t.Context(), c, "Guild", "root-a")
		require.NoError(t, err)
		b, err := cloud.EnsureFolder(t.Context(), c, "Guild", "root-b")
		require.NoError(t, err)
		assert.NotEqual(t, a, b)
	})

	t.Run("duplicate folders are reported, not guessed", func(t *testing.T) {
		t.Parallel()

		c := cloudtest.New()
		c.AddFolder("Guild", "root")
		c.AddFolder("Guild", "root")

		_, err := cloud.EnsureFolder(t.Context(), c, "Guild", "root")
		require.ErrorIs(t, err, cloud.ErrDuplicate)
	})
}

package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Split(strings.TrimRight(string(data), "\n"), "\n")
}

func TestLogRotatorKeepsRecentLines(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "service.log")
	rotator, err := NewLogRotator(path, 5)
	require.NoError(t, err)
	defer rotator.Close()

	for i := range 10 {
		_, err := fmt.Fprintf(rotator, "line %d\n", i)
		require.NoError(t, err)
	}

	lines := readLines(t, path)
	assert.Equal(t, []string{"line 5", "line 6", "line 7", "line 8", "line 9"}, lines)

	// Writes continue into the cut file
	_, err = fmt.Fprintln(rotator, "line 10")
	require.NoError(t, err)
	assert.Equal(t, "line 10", readLines(t, path)[5])
}

func TestLogRotatorUnlimited(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "service.log")
	rotator, err := NewLogRotator(path, 0)
	require.NoError(t, err)
	defer rotator.Close()

	for i := range 50 {
		_, err := fmt.Fprintf(rotator, "line %d\n", i)
		require.NoError(t, err)
	}
	require.NoError(t, rotator.Sync())

	assert.Len(t, readLines(t, path), 50)
}

func TestLineRingSnapshot(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		pushes   int
		expected []string
	}{
		{name: "empty", pushes: 0, expected: nil},
		{name: "partial", pushes: 2, expected: []string{"0", "1"}},
		{name: "wrapped", pushes: 5, expected: []string{"2", "3", "4"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ring := newLineRing(3)
			for i := range tt.pushes {
				ring.push(fmt.Sprint(i))
			}
			assert.Equal(t, tt.expected, ring.snapshot())
			assert.Equal(t, tt.pushes, ring.sinceCut)
		})
	}
}

package gdrive

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/modronbot/modron/internal/cloud"
	"github.com/modronbot/modron/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	service, err := drive.NewService(t.Context(),
		option.WithEndpoint(srv.URL+"/"),
		option.WithoutAuthentication(),
		option.WithHTTPClient(srv.Client()),
	)
	require.NoError(t, err)

	c := newClient(service, Config{RequestTimeout: time.Second}, zaptest.NewLogger(t))
	c.retryOptions = utils.RetryOptions{
		MaxElapsedTime:  time.Second,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		MaxRetries:      2,
	}
	return c
}

func TestFindFile(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		body        string
		expectedErr error
		expectedID  string
	}{
		{
			name:       "single match",
			body:       `{"files":[{"id":"f1","name":"ic.jsonl.gz","modifiedTime":"2024-03-01T12:00:00.123Z","size":"42"}]}`,
			expectedID: "f1",
		},
		{
			name:        "no match",
			body:        `{"files":[]}`,
			expectedErr: cloud.ErrNotFound,
		},
		{
			name:        "duplicate names",
			body:        `{"files":[{"id":"a","name":"x"},{"id":"b","name":"x"}]}`,
			expectedErr: cloud.ErrDuplicate,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Contains(t, r.URL.Query().Get("q"), "'folder' in parents")
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(tt.body))
			})

			file, err := c.FindFile(t.Context(), "ic.jsonl.gz", "folder")
			if tt.expectedErr != nil {
				require.ErrorIs(t, err, tt.expectedErr)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.expectedID, file.ID)
			assert.Equal(t, int64(42), file.Size)
			assert.Equal(t, time.Date(2024, 3, 1, 12, 0, 0, 123000000, time.UTC), file.ModifiedTime.UTC())
		})
	}
}

func TestFindFolderRetriesServerErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		assert.Contains(t, r.URL.Query().Get("q"), "mimeType = '"+folderMimeType+"'")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"files":[{"id":"folder-1","name":"Guild"}]}`))
	})

	id, err := c.FindFolder(t.Context(), "Guild", "root")
	require.NoError(t, err)
	assert.Equal(t, "folder-1", id)
	assert.Equal(t, int32(2), calls.Load())
}

func TestFindFolderDoesNotRetryClientErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := c.FindFolder(t.Context(), "Guild", "missing-parent")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

// uploadMetadata decodes the metadata part of a multipart upload request.
func uploadMetadata(t *testing.T, r *http.Request) (drive.File, []byte) {
	t.Helper()

	mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(mediaType, "multipart/"), "content type %q", mediaType)

	reader := multipart.NewReader(r.Body, params["boundary"])

	part, err := reader.NextPart()
	require.NoError(t, err)
	var meta drive.File
	require.NoError(t, json.NewDecoder(part).Decode(&meta))

	part, err = reader.NextPart()
	require.NoError(t, err)
	body, err := io.ReadAll(part)
	require.NoError(t, err)

	return meta, body
}

func TestUploadsWriteModifiedTime(t *testing.T) {
	t.Parallel()

	modified := time.Date(2024, 3, 1, 12, 0, 0, 123456789, time.UTC)
	obj := cloud.Object{
		Name:         "ic-11.jsonl.gz",
		ContentType:  "application/gzip",
		Body:         []byte("compressed"),
		ModifiedTime: modified,
	}

	tests := []struct {
		name   string
		method string
		upload func(ctx context.Context, c *Client) (*cloud.File, error)
	}{
		{
			name:   "create",
			method: http.MethodPost,
			upload: func(ctx context.Context, c *Client) (*cloud.File, error) {
				return c.CreateFile(ctx, "folder", obj)
			},
		},
		{
			name:   "update",
			method: http.MethodPatch,
			upload: func(ctx context.Context, c *Client) (*cloud.File, error) {
				return c.UpdateFile(ctx, "f1", obj)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, tt.method, r.Method)

				meta, body := uploadMetadata(t, r)
				assert.Equal(t, "2024-03-01T12:00:00.123456789Z", meta.ModifiedTime)
				assert.Equal(t, "2024-03-01T12:00:00.123456789Z", meta.AppProperties[modifiedProperty])
				assert.Equal(t, []byte("compressed"), body)

				// Drive keeps milliseconds in modifiedTime and echoes the app property
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(`{"id":"f1","name":"ic-11.jsonl.gz","size":"10",` +
					`"modifiedTime":"2024-03-01T12:00:00.123Z",` +
					`"appProperties":{"` + modifiedProperty + `":"` + meta.AppProperties[modifiedProperty] + `"}}`))
			})

			file, err := tt.upload(t.Context(), c)
			require.NoError(t, err)
			assert.Equal(t, "f1", file.ID)
			assert.True(t, modified.Equal(file.ModifiedTime), "got %s", file.ModifiedTime)
		})
	}
}

func TestCreateFileIsNotRetriedAfterServerErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := c.CreateFile(t.Context(), "folder", cloud.Object{
		Name:        "ic-11.jsonl.gz",
		ContentType: "application/gzip",
		Body:        []byte("compressed"),
	})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "a create that may have landed is left for the next pass")
}

func TestCreateFolderRetriesRateLimits(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		assert.Equal(t, http.MethodPost, r.Method)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"folder-2"}`))
	})

	id, err := c.CreateFolder(t.Context(), "Guild", "root")
	require.NoError(t, err)
	assert.Equal(t, "folder-2", id)
	assert.Equal(t, int32(2), calls.Load())
}

func TestToFile(t *testing.T) {
	t.Parallel()

	file := toFile(&drive.File{Id: "f1", ModifiedTime: "2024-03-01T12:00:00.123Z"})
	assert.Equal(t, time.Date(2024, 3, 1, 12, 0, 0, 123000000, time.UTC), file.ModifiedTime.UTC())

	file = toFile(&drive.File{
		Id:            "f1",
		ModifiedTime:  "2024-03-01T12:00:00.123Z",
		AppProperties: map[string]string{modifiedProperty: "2024-03-01T12:00:00.123456789Z"},
	})
	assert.Equal(t, time.Date(2024, 3, 1, 12, 0, 0, 123456789, time.UTC), file.ModifiedTime.UTC())
}

func TestIsRateLimited(t *testing.T) {
	t.Parallel()

	assert.True(t, isRateLimited(&googleapi.Error{Code: 429}))
	assert.True(t, isRateLimited(&googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "rateLimitExceeded"}}}))
	assert.False(t, isRateLimited(&googleapi.Error{Code: 503}))
	assert.False(t, isRateLimited(errors.New("context deadline exceeded")))
}

func TestIsRetryable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{name: "network error", err: errors.New("connection reset"), expected: true},
		{name: "server error", err: &googleapi.Error{Code: 502}, expected: true},
		{name: "too many requests", err: &googleapi.Error{Code: 429}, expected: true},
		{
			name:     "rate limited forbidden",
			err:      &googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "userRateLimitExceeded"}}},
			expected: true,
		},
		{name: "plain forbidden", err: &googleapi.Error{Code: 403}, expected: false},
		{name: "not found", err: &googleapi.Error{Code: 404}, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.expected, isRetryable(tt.err))
		})
	}
}

func TestEscapeQuery(t *testing.T) {
	t.Parallel()

	assert.Equal(t, `Bob\'s \\ table`, escapeQuery(`Bob's \ table`))
	assert.False(t, strings.Contains(escapeQuery("plain"), `\`))
}

// Package gdrive implements the cloud client on Google Drive.
package gdrive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/modronbot/modron/internal/cloud"
	"github.com/modronbot/modron/pkg/utils"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	folderMimeType = "application/vnd.google-apps.folder"
	fileFields     = "id, name, modifiedTime, size, appProperties"

	// modifiedProperty keeps the modification time at full precision, since
	// Drive truncates modifiedTime to milliseconds.
	modifiedProperty = "modronModified"
)

// ErrUnavailable is returned while the circuit breaker is open.
var ErrUnavailable = errors.New("google drive unavailable")

// Config holds the settings for the Drive client.
type Config struct {
	CredentialsPath string
	RequestTimeout  time.Duration
	MaxConcurrent   int64
}

// Client talks to Google Drive. Calls are bounded by a semaphore, retried with
// backoff and guarded by a circuit breaker.
type Client struct {
	service        *drive.Service
	breaker        *gobreaker.CircuitBreaker
	semaphore      *semaphore.Weighted
	requestTimeout time.Duration
	retryOptions   utils.RetryOptions
	logger         *zap.Logger
}

// New creates a Drive client authenticated with a service account credentials file.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	service, err := drive.NewService(ctx,
		option.WithCredentialsFile(cfg.CredentialsPath),
		option.WithScopes(drive.DriveScope),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create drive service: %w", err)
	}

	return newClient(service, cfg, logger), nil
}

func newClient(service *drive.Service, cfg Config, logger *zap.Logger) *Client {
	logger = logger.Named("gdrive")

	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}

	settings := gobreaker.Settings{
		Name:        "gdrive",
		MaxRequests: 1,
		Timeout:     60 * time.Second,
		Interval:    0,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(_ string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !isRetryable(err)
		},
	}

	return &Client{
		service:        service,
		breaker:        gobreaker.NewCircuitBreaker(settings),
		semaphore:      semaphore.NewWeighted(maxConcurrent),
		requestTimeout: cfg.RequestTimeout,
		retryOptions:   utils.GetStorageRetryOptions(),
		logger:         logger,
	}
}

// FindFolder returns the id of the folder with the given name under parentID.
func (c *Client) FindFolder(ctx context.Context, name, parentID string) (string, error) {
	q := fmt.Sprintf("name = '%s' and '%s' in parents and mimeType = '%s' and trashed = false",
		escapeQuery(name), escapeQuery(parentID), folderMimeType)

	file, err := c.findOne(ctx, q, name, parentID)
	if err != nil {
		return "", err
	}
	return file.ID, nil
}

// CreateFolder creates a folder under parentID.
func (c *Client) CreateFolder(ctx context.Context, name, parentID string) (string, error) {
	folder, err := execute(ctx, c, "create folder", isRateLimited, func(ctx context.Context) (*drive.File, error) {
		return c.service.Files.Create(&drive.File{
			Name:     name,
			Parents:  []string{parentID},
			MimeType: folderMimeType,
		}).Fields("id").Context(ctx).Do()
	})
	if err != nil {
		return "", err
	}

	c.logger.Info("Created folder", zap.String("name", name), zap.String("id", folder.Id))
	return folder.Id, nil
}

// FindFile returns the file with the given name in folderID.
func (c *Client) FindFile(ctx context.Context, name, folderID string) (*cloud.File, error) {
	q := fmt.Sprintf("name = '%s' and '%s' in parents and mimeType != '%s' and trashed = false",
		escapeQuery(name), escapeQuery(folderID), folderMimeType)
	return c.findOne(ctx, q, name, folderID)
}

// CreateFile uploads a new file into folderID.
func (c *Client) CreateFile(ctx context.Context, folderID string, obj cloud.Object) (*cloud.File, error) {
	file, err := execute(ctx, c, "create file", isRateLimited, func(ctx context.Context) (*drive.File, error) {
		return c.service.Files.Create(&drive.File{
			Name:          obj.Name,
			Parents:       []string{folderID},
			MimeType:      obj.ContentType,
			ModifiedTime:  formatTime(obj.ModifiedTime),
			AppProperties: modifiedProperties(obj.ModifiedTime),
		}).
			Media(bytes.NewReader(obj.Body), googleapi.ContentType(obj.ContentType)).
			Fields(fileFields).
			Context(ctx).
			Do()
	})
	if err != nil {
		return nil, err
	}
	return toFile(file), nil
}

// UpdateFile replaces the content of an existing file.
func (c *Client) UpdateFile(ctx context.Context, fileID string, obj cloud.Object) (*cloud.File, error) {
	file, err := execute(ctx, c, "update file", isRetryable, func(ctx context.Context) (*drive.File, error) {
		return c.service.Files.Update(fileID, &drive.File{
			ModifiedTime:  formatTime(obj.ModifiedTime),
			AppProperties: modifiedProperties(obj.ModifiedTime),
		}).
			Media(bytes.NewReader(obj.Body), googleapi.ContentType(obj.ContentType)).
			Fields(fileFields).
			Context(ctx).
			Do()
	})
	if err != nil {
		return nil, err
	}
	return toFile(file), nil
}

func (c *Client) findOne(ctx context.Context, q, name, parentID string) (*cloud.File, error) {
	list, err := execute(ctx, c, "list files", isRetryable, func(ctx context.Context) (*drive.FileList, error) {
		return c.service.Files.List().
			Q(q).
			PageSize(2).
			Fields(googleapi.Field("files(" + fileFields + ")")).
			Context(ctx).
			Do()
	})
	if err != nil {
		return nil, err
	}

	switch len(list.Files) {
	case 0:
		return nil, fmt.Errorf("%q in %q: %w", name, parentID, cloud.ErrNotFound)
	case 1:
		return toFile(list.Files[0]), nil
	default:
		return nil, fmt.Errorf("%q in %q: %w", name, parentID, cloud.ErrDuplicate)
	}
}

// execute runs one Drive call through the semaphore, the retry loop and the breaker.
// Failed attempts are retried only while retryable reports true.
func execute[T any](
	ctx context.Context, c *Client, op string, retryable func(error) bool, call func(ctx context.Context) (T, error),
) (T, error) {
	var zero T

	if err := c.semaphore.Acquire(ctx, 1); err != nil {
		return zero, fmt.Errorf("failed to acquire semaphore: %w", err)
	}
	defer c.semaphore.Release(1)

	result, err := utils.WithRetry(ctx, func() (T, error) {
		attemptCtx := ctx
		if c.requestTimeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, c.requestTimeout)
			defer cancel()
		}

		res, err := c.breaker.Execute(func() (any, error) {
			return call(attemptCtx)
		})
		if err != nil {
			switch {
			case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
				return zero, backoff.Permanent(fmt.Errorf("%w: %w", ErrUnavailable, err))
			case !retryable(err):
				return zero, backoff.Permanent(err)
			default:
				c.logger.Debug("Drive request failed, retrying", zap.String("op", op), zap.Error(err))
				return zero, err
			}
		}

		typed, _ := res.(T)
		return typed, nil
	}, c.retryOptions)
	if err != nil {
		return zero, fmt.Errorf("drive %s: %w", op, err)
	}

	return result, nil
}

// isRetryable reports whether a Drive error is worth another attempt.
func isRetryable(err error) bool {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return true
	}

	switch {
	case apiErr.Code == http.StatusTooManyRequests, apiErr.Code >= 500:
		return true
	case apiErr.Code == http.StatusForbidden:
		for _, item := range apiErr.Errors {
			if strings.HasSuffix(item.Reason, "RateLimitExceeded") {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// isRateLimited reports whether Drive refused a request before acting on it.
// Creates are only retried on these, since a create that failed in flight may
// have succeeded and a second one would leave two files with the same name.
func isRateLimited(err error) bool {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == http.StatusTooManyRequests || (apiErr.Code == http.StatusForbidden && isRetryable(err))
}

// escapeQuery escapes a value for use inside a single-quoted Drive query string.
func escapeQuery(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `'`, `\'`)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func modifiedProperties(t time.Time) map[string]string {
	if t.IsZero() {
		return nil
	}
	return map[string]string{modifiedProperty: formatTime(t)}
}

// toFile converts a Drive file, preferring the full-precision modification
// time written by this client over Drive's own.
func toFile(f *drive.File) *cloud.File {
	modified, _ := time.Parse(time.RFC3339, f.ModifiedTime)
	if raw, ok := f.AppProperties[modifiedProperty]; ok {
		if exact, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			modified = exact
		}
	}
	return &cloud.File{
		ID:           f.Id,
		Name:         f.Name,
		ModifiedTime: modified,
		Size:         f.Size,
	}
}

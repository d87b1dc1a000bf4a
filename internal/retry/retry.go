package retry

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"syscall"
	"time"

	backoff "github.com/sethvargo/go-retry"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
)

// Remote calls get at most maxAttempts tries: transient network failures are
// retried with exponential backoff, everything else fails on the first
// attempt. The last error is returned unchanged once the ceiling is hit.
const (
	maxAttempts = 3
	baseBackoff = 250 * time.Millisecond
)

// Fields carries caller-supplied context attached to every log line.
type Fields map[string]any

// Do executes fn under the retry policy, logging each attempt under label.
func Do(ctx context.Context, log *slog.Logger, label string, fields Fields, fn func(context.Context) error) error {
	_, err := DoValue(ctx, log, label, fields, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoValue is Do for operations that produce a result.
func DoValue[T any](ctx context.Context, log *slog.Logger, label string, fields Fields, fn func(context.Context) (T, error)) (T, error) {
	args := logArgs(label, fields)
	attempt := 0
	b := backoff.WithMaxRetries(maxAttempts-1, backoff.NewExponential(baseBackoff))

	var result T
	err := backoff.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		value, err := fn(ctx)
		if err == nil {
			result = value
			if attempt > 1 {
				log.Info("operation succeeded after retry", append(args, "attempt", attempt)...)
			}
			return nil
		}
		if Transient(err) {
			log.Warn("operation failed, will retry", append(args, "attempt", attempt, "error", err)...)
			return backoff.RetryableError(err)
		}
		log.Error("operation failed permanently", append(args, "attempt", attempt, "error", err)...)
		return err
	})
	if err != nil {
		log.Error("operation gave up", append(args, "attempts", attempt, "error", err)...)
		return result, err
	}
	return result, nil
}

// Transient classifies errors worth retrying. Classification happens at the
// client-library boundary: structured Kubernetes API reasons first, transport
// errors next, with a narrow message fallback for errors that arrive as bare
// strings.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	// Auth and validation failures never improve on retry.
	if apierrors.IsUnauthorized(err) || apierrors.IsForbidden(err) ||
		apierrors.IsBadRequest(err) || apierrors.IsInvalid(err) ||
		apierrors.IsNotFound(err) || apierrors.IsAlreadyExists(err) {
		return false
	}
	if apierrors.IsServerTimeout(err) || apierrors.IsTimeout(err) ||
		apierrors.IsTooManyRequests(err) || apierrors.IsServiceUnavailable(err) ||
		apierrors.IsInternalError(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, fragment := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"i/o timeout",
		"tls handshake timeout",
	} {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}

func logArgs(label string, fields Fields) []any {
	args := make([]any, 0, 2+2*len(fields))
	args = append(args, "op", label)
	for key, value := range fields {
		args = append(args, key, value)
	}
	return args
}

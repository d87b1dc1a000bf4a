package retry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"syscall"
	"testing"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTransientErrorRetriedThreeTimes(t *testing.T) {
	calls := 0
	transient := syscall.ECONNREFUSED
	err := Do(context.Background(), discardLogger(), "test.op", Fields{"cluster_id": "c1"}, func(context.Context) error {
		calls++
		return transient
	})
	if calls != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", calls)
	}
	if !errors.Is(err, syscall.ECONNREFUSED) {
		t.Fatalf("expected last error to propagate unchanged, got %v", err)
	}
}

func TestAuthErrorFailsOnFirstAttempt(t *testing.T) {
	calls := 0
	authErr := apierrors.NewUnauthorized("token expired")
	err := Do(context.Background(), discardLogger(), "test.op", nil, func(context.Context) error {
		calls++
		return authErr
	})
	if calls != 1 {
		t.Fatalf("expected exactly 1 attempt, got %d", calls)
	}
	if err != authErr {
		t.Fatalf("expected auth error unchanged, got %v", err)
	}
}

func TestSucceedsAfterTransientFailure(t *testing.T) {
	calls := 0
	value, err := DoValue(context.Background(), discardLogger(), "test.op", nil, func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("dial tcp: connection reset by peer")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if value != "ok" || calls != 3 {
		t.Fatalf("unexpected result %q after %d calls", value, calls)
	}
}

func TestTransientClassification(t *testing.T) {
	gr := schema.GroupResource{Resource: "pods"}
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"unauthorized", apierrors.NewUnauthorized("no"), false},
		{"forbidden", apierrors.NewForbidden(gr, "p", errors.New("no")), false},
		{"not found", apierrors.NewNotFound(gr, "p"), false},
		{"server timeout", apierrors.NewServerTimeout(gr, "get", 1), true},
		{"too many requests", apierrors.NewTooManyRequestsError("slow down"), true},
		{"service unavailable", apierrors.NewServiceUnavailable("down"), true},
		{"conn refused", syscall.ECONNREFUSED, true},
		{"conn reset", syscall.ECONNRESET, true},
		{"deadline", context.DeadlineExceeded, true},
		{"message fallback", errors.New("Get \"https://x\": dial tcp: i/o timeout"), true},
		{"validation", errors.New("name must not be empty"), false},
	}
	for _, tc := range cases {
		if got := Transient(tc.err); got != tc.want {
			t.Fatalf("%s: Transient = %v, want %v", tc.name, got, tc.want)
		}
	}
}

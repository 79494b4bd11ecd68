package meeting

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestIsRetryableJoin(t *testing.T) {
	permanent := &JoinError{Target: "x", Err: errors.New("unknown channel")}
	transient := &JoinError{Target: "x", Retryable: true, Err: errors.New("gateway closed")}

	if IsRetryableJoin(permanent) {
		t.Fatal("permanent join error must not be retryable")
	}
	if !IsRetryableJoin(fmt.Errorf("attempt 2: %w", transient)) {
		t.Fatal("wrapped transient join error must be retryable")
	}
	if !IsRetryableJoin(context.DeadlineExceeded) {
		t.Fatal("timeouts must be retryable")
	}
}

func TestJoinError_Unwrap(t *testing.T) {
	err := &JoinError{Target: "discord://1/2", Err: context.Canceled}
	if !errors.Is(err, context.Canceled) {
		t.Fatal("expected wrapped cause")
	}
	if err.Error() != "join discord://1/2: context canceled" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

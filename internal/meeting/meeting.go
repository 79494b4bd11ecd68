// Package meeting is the port to the platform that hosts a meeting.
package meeting

import (
	"context"
	"errors"
	"fmt"
)

// Stream is one live attendance. Frames carries core-format PCM (16 kHz mono s16le) and
// is closed when the connection is lost. Ended is closed when the platform reports that
// the meeting is over.
type Stream interface {
	Frames() <-chan []byte
	Ended() <-chan struct{}
	Disconnect() error
}

type Platform interface {
	Join(ctx context.Context, target string) (Stream, error)
}

type JoinError struct {
	Target    string
	Retryable bool
	Err       error
}

func (e *JoinError) Error() string {
	return fmt.Sprintf("join %s: %v", e.Target, e.Err)
}

func (e *JoinError) Unwrap() error {
	return e.Err
}

// IsRetryableJoin reports whether err is worth another join attempt. Errors that are not
// a *JoinError, such as a timeout, are treated as retryable.
func IsRetryableJoin(err error) bool {
	var je *JoinError
	if errors.As(err, &je) {
		return je.Retryable
	}
	return true
}

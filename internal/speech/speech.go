// Package speech turns a live PCM stream into ordered transcript segments.
//
// Audio inside the core is 16 kHz mono signed 16-bit little-endian PCM. Engines
// adapt whatever recognizer they wrap to the Decoder contract: one call per window,
// stateful across calls within an utterance span.
package speech

import (
	"context"
	"errors"
	"time"

	"github.com/foxseedlab/meetscribe/internal/repository"
)

const (
	SampleRate     = 16000
	BytesPerSample = 2
	BytesPerSecond = SampleRate * BytesPerSample
)

// ErrEngineUnavailable is returned once too many consecutive windows failed to decode.
var ErrEngineUnavailable = errors.New("speech engine unavailable")

type Result struct {
	Text    string
	IsFinal bool
}

type Decoder interface {
	// Decode feeds one window and returns the recognizer's current view of the open span.
	Decode(ctx context.Context, window []byte) (Result, error)
	// Flush forces the recognizer to finalize whatever it still holds.
	Flush(ctx context.Context) (Result, error)
	Close() error
}

type Engine interface {
	NewDecoder(ctx context.Context, sessionID string) (Decoder, error)
}

// SegmentSink receives every partial and final segment in emission order.
type SegmentSink interface {
	EmitSegment(ctx context.Context, segment repository.TranscriptSegment) error
}

// BytesFor returns the byte length of d worth of core-format audio, aligned to whole samples.
func BytesFor(d time.Duration) int {
	n := int(int64(d) * BytesPerSecond / int64(time.Second))
	return n - n%BytesPerSample
}

// DurationOf returns the playback duration of n bytes of core-format audio.
func DurationOf(n int) time.Duration {
	return time.Duration(int64(n) * int64(time.Second) / BytesPerSecond)
}

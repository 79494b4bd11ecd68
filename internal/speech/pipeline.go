package speech

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/foxseedlab/meetscribe/internal/metrics"
	"github.com/foxseedlab/meetscribe/internal/repository"
	"github.com/foxseedlab/meetscribe/internal/retry"
)

const (
	emitAttempts = 3
)

type PipelineConfig struct {
	Window                 time.Duration
	DecodeTimeout          time.Duration
	MaxConsecutiveFailures int
}

// Pipeline is owned by a single session goroutine and is not safe for concurrent use.
type Pipeline struct {
	sessionID string
	decoder   Decoder
	sink      SegmentSink
	cfg       PipelineConfig
	metrics   *metrics.Metrics
	emitRetry retry.Policy

	windowBytes int
	buf         []byte
	startedAt   time.Time
	consumed    int

	sequence    int64
	spanOpen    bool
	spanStart   time.Duration
	revision    int
	lastPartial string

	consecutiveFailures int
	windows             int
}

// NewPipeline starts numbering at startSequence, which is 0 for a new session and
// last persisted + 1 when a session resumes.
func NewPipeline(sessionID string, decoder Decoder, sink SegmentSink, cfg PipelineConfig, startSequence int64, startedAt time.Time, m *metrics.Metrics) *Pipeline {
	if cfg.Window <= 0 {
		cfg.Window = 250 * time.Millisecond
	}
	if cfg.DecodeTimeout <= 0 {
		cfg.DecodeTimeout = 5 * time.Second
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = 20
	}
	return &Pipeline{
		sessionID:   sessionID,
		decoder:     decoder,
		sink:        sink,
		cfg:         cfg,
		metrics:     m,
		emitRetry:   retry.Policy{Initial: 100 * time.Millisecond, Max: time.Second, Factor: 2},
		windowBytes: BytesFor(cfg.Window),
		startedAt:   startedAt,
		sequence:    startSequence,
	}
}

// NextSequence is the sequence number the next opened span will use.
func (p *Pipeline) NextSequence() int64 {
	return p.sequence
}

// Write buffers pcm and decodes every complete window in arrival order.
func (p *Pipeline) Write(ctx context.Context, pcm []byte) error {
	p.buf = append(p.buf, pcm...)
	for len(p.buf) >= p.windowBytes {
		window := p.buf[:p.windowBytes]
		if err := p.decodeWindow(ctx, window); err != nil {
			return err
		}
		p.buf = append(p.buf[:0], p.buf[p.windowBytes:]...)
	}
	return nil
}

func (p *Pipeline) decodeWindow(ctx context.Context, window []byte) error {
	offset := DurationOf(p.consumed)
	p.consumed += len(window)
	p.windows++

	dctx, cancel := context.WithTimeout(ctx, p.cfg.DecodeTimeout)
	res, err := p.decoder.Decode(dctx, window)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.consecutiveFailures++
		p.metrics.DecodeFailed()
		slog.Warn("decode failed, window skipped",
			"session_id", p.sessionID,
			"window", p.windows,
			"consecutive_failures", p.consecutiveFailures,
			"error", err)
		if p.consecutiveFailures >= p.cfg.MaxConsecutiveFailures {
			return fmt.Errorf("%d consecutive decode failures: %w", p.consecutiveFailures, ErrEngineUnavailable)
		}
		return nil
	}
	p.consecutiveFailures = 0
	return p.apply(ctx, res, offset)
}

func (p *Pipeline) apply(ctx context.Context, res Result, offset time.Duration) error {
	text := strings.TrimSpace(res.Text)
	if !res.IsFinal {
		if text == "" || (p.spanOpen && text == p.lastPartial) {
			return nil
		}
		if !p.spanOpen {
			p.openSpan(offset)
		}
		p.revision++
		p.lastPartial = text
		return p.emit(ctx, text, false)
	}

	if text == "" {
		if !p.spanOpen {
			return nil
		}
		text = p.lastPartial
	}
	if !p.spanOpen {
		p.openSpan(offset)
	}
	p.revision++
	if err := p.emit(ctx, text, true); err != nil {
		return err
	}
	p.sequence++
	p.spanOpen = false
	p.lastPartial = ""
	return nil
}

func (p *Pipeline) openSpan(offset time.Duration) {
	p.spanOpen = true
	p.spanStart = offset
	p.revision = 0
}

func (p *Pipeline) emit(ctx context.Context, text string, final bool) error {
	seg := repository.TranscriptSegment{
		SessionID: p.sessionID,
		Sequence:  p.sequence,
		Offset:    p.spanStart,
		Text:      text,
		IsFinal:   final,
		Revision:  p.revision,
		SpokenAt:  p.startedAt.Add(p.spanStart),
	}
	err := retry.Do(ctx, p.emitRetry, emitAttempts, nil, func(ctx context.Context, _ int) error {
		return p.sink.EmitSegment(ctx, seg)
	})
	if err != nil {
		return fmt.Errorf("failed to emit segment %d: %w", seg.Sequence, err)
	}
	p.metrics.SegmentEmitted(final)
	return nil
}

// Flush decodes any buffered tail, asks the engine for its final word and closes an
// open span with the last partial text if the engine produced nothing better.
func (p *Pipeline) Flush(ctx context.Context) error {
	if len(p.buf) > 0 {
		tail := p.buf
		p.buf = nil
		if err := p.decodeWindow(ctx, tail); err != nil {
			slog.Warn("failed to decode trailing audio", "session_id", p.sessionID, "error", err)
		}
	}

	dctx, cancel := context.WithTimeout(ctx, p.cfg.DecodeTimeout)
	res, err := p.decoder.Flush(dctx)
	cancel()
	if err != nil {
		slog.Warn("engine flush failed", "session_id", p.sessionID, "error", err)
	} else {
		res.IsFinal = true
		if err := p.apply(ctx, res, DurationOf(p.consumed)); err != nil {
			return err
		}
	}

	if p.spanOpen {
		return p.apply(ctx, Result{IsFinal: true}, p.spanStart)
	}
	return nil
}

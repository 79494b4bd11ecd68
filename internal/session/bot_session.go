package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/foxseedlab/meetscribe/internal/apperrors"
	"github.com/foxseedlab/meetscribe/internal/audio"
	"github.com/foxseedlab/meetscribe/internal/meeting"
	"github.com/foxseedlab/meetscribe/internal/metrics"
	"github.com/foxseedlab/meetscribe/internal/queue"
	"github.com/foxseedlab/meetscribe/internal/repository"
	"github.com/foxseedlab/meetscribe/internal/retry"
	"github.com/foxseedlab/meetscribe/internal/speech"
)

const (
	flushTimeout     = 30 * time.Second
	silenceThreshold = 200
)

type Config struct {
	JoinTimeout     time.Duration
	JoinMaxAttempts int
	JoinRetry       retry.Policy
	SilenceTimeout  time.Duration
	MaxDuration     time.Duration
	Pipeline        speech.PipelineConfig
}

type deps struct {
	repo     repository.Repository
	platform meeting.Platform
	engine   speech.Engine
	enqueuer queue.Enqueuer
	metrics  *metrics.Metrics
	now      func() time.Time
}

// BotSession drives one attendance through pending, connecting, active, ending and a
// terminal state. Every transition is stored before the action that depends on it.
type BotSession struct {
	deps
	cfg    Config
	record repository.BotSessionRecord
	target string

	stream   meeting.Stream
	decoder  speech.Decoder
	pipeline *speech.Pipeline
	counted  bool
}

func newBotSession(d deps, cfg Config, record repository.BotSessionRecord, target string) *BotSession {
	return &BotSession{deps: d, cfg: cfg, record: record, target: target}
}

func (s *BotSession) ID() string {
	return s.record.ID
}

// Run blocks until the session stops and returns its stored state. Cancelling ctx
// suspends the session: transcription is flushed and the meeting left, but the record
// stays connecting or active so Recover resumes it on the next start.
func (s *BotSession) Run(ctx context.Context) repository.SessionState {
	log := slog.With("session_id", s.record.ID, "meeting_id", s.record.MeetingID)
	state, reason := s.run(ctx, log)
	s.finish(state, reason, log)
	return state
}

func (s *BotSession) run(ctx context.Context, log *slog.Logger) (repository.SessionState, string) {
	resumed := s.record.State == repository.SessionStateActive
	if s.record.State == repository.SessionStatePending {
		if err := s.transition(repository.SessionStateConnecting, ""); err != nil {
			log.Error("failed to mark session connecting", "error", err)
			return s.abandon(err)
		}
	}

	log.Info("joining meeting", "target", s.target, "resumed", resumed)
	stream, err := s.join(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return s.suspend(log)
		}
		log.Error("failed to join meeting", "target", s.target, "error", err)
		return s.fail(fmt.Sprintf("%s: %v", ReasonJoinFailed, err), log)
	}
	s.stream = stream
	defer s.disconnect(log)

	if !resumed {
		if err := s.transition(repository.SessionStateActive, ""); err != nil {
			log.Error("failed to mark session active", "error", err)
			return s.fail(ReasonStoreUnavailable, log)
		}
	}
	s.metrics.SessionStarted()
	s.counted = true
	log.Info("session active")

	if err := s.startPipeline(ctx); err != nil {
		log.Error("failed to start transcription", "error", err)
		return s.fail(ReasonEngineUnavailable, log)
	}
	defer s.closeDecoder(log)

	reason, err := s.transcribe(ctx)
	if err != nil {
		log.Error("transcription aborted", "error", err)
		if errors.Is(err, speech.ErrEngineUnavailable) {
			return s.fail(ReasonEngineUnavailable, log)
		}
		return s.fail(ReasonStoreUnavailable, log)
	}
	if reason == ReasonShutdown {
		s.flush(log)
		return s.suspend(log)
	}
	return s.end(reason, log)
}

func (s *BotSession) join(ctx context.Context) (meeting.Stream, error) {
	var stream meeting.Stream
	err := retry.Do(ctx, s.cfg.JoinRetry, s.cfg.JoinMaxAttempts, meeting.IsRetryableJoin, func(ctx context.Context, attempt int) error {
		joinCtx, cancel := context.WithTimeout(ctx, s.cfg.JoinTimeout)
		defer cancel()
		st, err := s.platform.Join(joinCtx, s.target)
		if err != nil {
			slog.Warn("join attempt failed", "session_id", s.record.ID, "attempt", attempt, "error", err)
			return err
		}
		stream = st
		return nil
	})
	return stream, err
}

// nextSequence continues after the highest sequence either stored or still waiting in a
// persist_segment task, so a resumed session never reuses one.
func (s *BotSession) nextSequence(ctx context.Context) (int64, error) {
	stored, ok, err := s.repo.LastSegmentSequence(ctx, s.record.ID)
	if err != nil {
		return 0, fmt.Errorf("load last segment sequence: %w", err)
	}
	pending, pendingOK, err := queue.PendingSegmentSequence(ctx, s.repo, s.record.ID)
	if err != nil {
		return 0, err
	}
	switch {
	case ok && pendingOK:
		return max(stored, pending) + 1, nil
	case ok:
		return stored + 1, nil
	case pendingOK:
		return pending + 1, nil
	}
	return 0, nil
}

func (s *BotSession) startPipeline(ctx context.Context) error {
	bg := context.WithoutCancel(ctx)
	next, err := s.nextSequence(bg)
	if err != nil {
		return err
	}
	dec, err := s.engine.NewDecoder(bg, s.record.ID)
	if err != nil {
		return err
	}
	s.decoder = dec
	sink := queueSink{enqueuer: s.enqueuer}
	s.pipeline = speech.NewPipeline(s.record.ID, dec, sink, s.cfg.Pipeline, next, s.now(), s.metrics)
	return nil
}

// transcribe forwards frames until an end condition fires and returns its reason.
func (s *BotSession) transcribe(ctx context.Context) (string, error) {
	work := context.WithoutCancel(ctx)

	silence := time.NewTimer(s.cfg.SilenceTimeout)
	defer silence.Stop()
	maxDuration := time.NewTimer(s.remainingDuration())
	defer maxDuration.Stop()

	for {
		select {
		case <-ctx.Done():
			return ReasonShutdown, nil
		case <-s.stream.Ended():
			return ReasonMeetingEnded, nil
		case <-silence.C:
			return ReasonSilence, nil
		case <-maxDuration.C:
			return ReasonMaxDuration, nil
		case frame, ok := <-s.stream.Frames():
			if !ok {
				return ReasonStreamClosed, nil
			}
			if !audio.IsSilent(frame, silenceThreshold) {
				silence.Reset(s.cfg.SilenceTimeout)
			}
			if err := s.pipeline.Write(work, frame); err != nil {
				return "", err
			}
		}
	}
}

func (s *BotSession) remainingDuration() time.Duration {
	if s.record.StartedAt == nil {
		return s.cfg.MaxDuration
	}
	remaining := s.cfg.MaxDuration - s.now().Sub(*s.record.StartedAt)
	if remaining < time.Millisecond {
		return time.Millisecond
	}
	return remaining
}

func (s *BotSession) end(reason string, log *slog.Logger) (repository.SessionState, string) {
	log.Info("meeting end detected", "reason", reason)
	if err := s.transition(repository.SessionStateEnding, reason); err != nil {
		log.Error("failed to mark session ending", "error", err)
		return s.fail(ReasonStoreUnavailable, log)
	}
	s.flush(log)
	s.disconnect(log)
	if err := s.transition(repository.SessionStateEnded, reason); err != nil {
		log.Error("failed to mark session ended", "error", err)
		return s.record.State, reason
	}
	return repository.SessionStateEnded, reason
}

func (s *BotSession) flush(log *slog.Logger) {
	flushCtx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	if err := s.pipeline.Flush(flushCtx); err != nil {
		log.Warn("failed to flush transcription", "error", err)
	}
}

// suspend leaves the meeting without touching the stored state.
func (s *BotSession) suspend(log *slog.Logger) (repository.SessionState, string) {
	s.disconnect(log)
	return s.record.State, ReasonShutdown
}

func (s *BotSession) fail(reason string, log *slog.Logger) (repository.SessionState, string) {
	if err := s.transition(repository.SessionStateFailed, reason); err != nil {
		log.Error("failed to mark session failed", "reason", reason, "error", err)
		return s.record.State, reason
	}
	return repository.SessionStateFailed, reason
}

// abandon leaves the stored state untouched when the store itself is unreachable;
// recovery picks the session up on the next start.
func (s *BotSession) abandon(err error) (repository.SessionState, string) {
	return s.record.State, fmt.Sprintf("%s: %v", ReasonStoreUnavailable, err)
}

func (s *BotSession) transition(to repository.SessionState, reason string) error {
	t := repository.SessionTransition{
		SessionID: s.record.ID,
		From:      s.record.State,
		To:        to,
		At:        s.now(),
		Reason:    reason,
	}
	ctx := context.Background()
	err := retry.Do(ctx, storeRetry, storeAttempts, isRetryableStoreError, func(ctx context.Context, _ int) error {
		return s.repo.TransitionBotSession(ctx, t)
	})
	if err != nil {
		return err
	}
	rec, err := s.repo.GetBotSession(ctx, s.record.ID)
	if err != nil {
		s.record.State = to
		return nil
	}
	s.record = *rec
	return nil
}

var storeRetry = retry.Policy{Initial: 200 * time.Millisecond, Max: 2 * time.Second, Factor: 2}

const storeAttempts = 4

func isRetryableStoreError(err error) bool {
	return !errors.Is(err, apperrors.ErrInvalidTransition) &&
		!errors.Is(err, apperrors.ErrStaleState) &&
		!errors.Is(err, apperrors.ErrNotFound)
}

func (s *BotSession) disconnect(log *slog.Logger) {
	if s.stream == nil {
		return
	}
	if err := s.stream.Disconnect(); err != nil {
		log.Warn("failed to disconnect from meeting", "error", err)
	}
	s.stream = nil
}

func (s *BotSession) closeDecoder(log *slog.Logger) {
	if s.decoder == nil {
		return
	}
	if err := s.decoder.Close(); err != nil {
		log.Warn("failed to close speech decoder", "error", err)
	}
	s.decoder = nil
}

// finish enqueues finalize_session for terminal sessions and records the outcome.
func (s *BotSession) finish(state repository.SessionState, reason string, log *slog.Logger) {
	if !state.IsTerminal() && reason == ReasonShutdown {
		log.Info("session suspended for recovery", "state", state)
		return
	}
	if !state.IsTerminal() {
		log.Warn("session stopped without reaching a terminal state", "state", state, "reason", reason)
		return
	}
	if s.counted {
		s.metrics.SessionFinished(string(state))
	}
	payload := queue.FinalizeSessionPayload{SessionID: s.record.ID, State: state, Reason: reason}
	if _, err := s.enqueuer.EnqueueUnique(context.Background(), queue.KindFinalizeSession, s.record.ID, payload); err != nil {
		log.Error("failed to enqueue session finalization", "state", state, "error", err)
		return
	}
	if state == repository.SessionStateFailed {
		log.Error("session failed", "error", &apperrors.SessionFailure{SessionID: s.record.ID, Reason: reason})
		return
	}
	log.Info("session ended", "reason", reason)
}

// queueSink turns pipeline output into persist_segment tasks.
type queueSink struct {
	enqueuer queue.Enqueuer
}

func (q queueSink) EmitSegment(ctx context.Context, seg repository.TranscriptSegment) error {
	_, err := q.enqueuer.Enqueue(ctx, queue.KindPersistSegment, queue.PersistSegmentPayload{Segment: seg})
	return err
}

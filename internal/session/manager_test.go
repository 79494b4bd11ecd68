package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/foxseedlab/meetscribe/internal/meeting"
	"github.com/foxseedlab/meetscribe/internal/queue"
	"github.com/foxseedlab/meetscribe/internal/repository"
	"github.com/foxseedlab/meetscribe/internal/retry"
	"github.com/foxseedlab/meetscribe/internal/scheduler"
	"github.com/foxseedlab/meetscribe/internal/speech"
)

var fireAt = time.Date(2026, 3, 2, 9, 58, 0, 0, time.UTC)

type fakeStream struct {
	frames      chan []byte
	ended       chan struct{}
	mu          sync.Mutex
	disconnects int
}

func newFakeStream() *fakeStream {
	return &fakeStream{frames: make(chan []byte, 16), ended: make(chan struct{})}
}

func (s *fakeStream) Frames() <-chan []byte  { return s.frames }
func (s *fakeStream) Ended() <-chan struct{} { return s.ended }
func (s *fakeStream) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnects++
	return nil
}

type fakePlatform struct {
	mu      sync.Mutex
	stream  *fakeStream
	errs    []error
	gate    chan struct{}
	joins   int
	targets []string
}

func (p *fakePlatform) Join(ctx context.Context, target string) (meeting.Stream, error) {
	p.mu.Lock()
	p.joins++
	p.targets = append(p.targets, target)
	gate := p.gate
	var err error
	if len(p.errs) > 0 {
		err = p.errs[0]
		p.errs = p.errs[1:]
	}
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return p.stream, nil
}

func (p *fakePlatform) joinCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.joins
}

type fakeDecoder struct {
	text string
}

func (d *fakeDecoder) Decode(context.Context, []byte) (speech.Result, error) {
	return speech.Result{Text: d.text, IsFinal: true}, nil
}

func (d *fakeDecoder) Flush(context.Context) (speech.Result, error) { return speech.Result{}, nil }
func (d *fakeDecoder) Close() error                                 { return nil }

type fakeEngine struct {
	text string
	err  error
}

func (e *fakeEngine) NewDecoder(context.Context, string) (speech.Decoder, error) {
	if e.err != nil {
		return nil, e.err
	}
	return &fakeDecoder{text: e.text}, nil
}

type enqueued struct {
	kind    queue.Kind
	key     string
	payload any
}

type recordingEnqueuer struct {
	mu    sync.Mutex
	tasks []enqueued
}

func (r *recordingEnqueuer) Enqueue(_ context.Context, kind queue.Kind, payload any) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, enqueued{kind: kind, payload: payload})
	return "task", nil
}

func (r *recordingEnqueuer) EnqueueUnique(_ context.Context, kind queue.Kind, key string, payload any) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, enqueued{kind: kind, key: key, payload: payload})
	return "task-" + key, nil
}

func (r *recordingEnqueuer) ofKind(kind queue.Kind) []enqueued {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []enqueued
	for _, t := range r.tasks {
		if t.kind == kind {
			out = append(out, t)
		}
	}
	return out
}

type fakeSlots struct {
	mu       sync.Mutex
	adopted  int
	released int
}

func (f *fakeSlots) Adopt() func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.adopted++
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.released++
	}
}

func (f *fakeSlots) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.adopted, f.released
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type harness struct {
	manager  *Manager
	repo     *repository.MemoryRepository
	platform *fakePlatform
	stream   *fakeStream
	enqueuer *recordingEnqueuer
	clock    *testClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		repo:     repository.NewMemoryRepository(),
		stream:   newFakeStream(),
		enqueuer: &recordingEnqueuer{},
		clock:    &testClock{t: fireAt},
	}
	h.platform = &fakePlatform{stream: h.stream}
	cfg := Config{
		JoinTimeout:     time.Second,
		JoinMaxAttempts: 3,
		JoinRetry:       retry.Policy{Initial: time.Millisecond, Max: time.Millisecond, Factor: 1},
		SilenceTimeout:  time.Minute,
		MaxDuration:     time.Hour,
		Pipeline:        speech.PipelineConfig{Window: 20 * time.Millisecond, DecodeTimeout: time.Second, MaxConsecutiveFailures: 3},
	}
	h.manager = NewManager(cfg, h.repo, h.platform, &fakeEngine{text: "hello"}, h.enqueuer, nil)
	h.manager.now = h.clock.now
	h.manager.newID = func() string { return "sess-1" }

	err := h.repo.SaveMeetingEvent(context.Background(), repository.MeetingEvent{
		ID:         "evt-1",
		Title:      "Weekly sync",
		StartAt:    fireAt.Add(2 * time.Minute),
		EndAt:      fireAt.Add(62 * time.Minute),
		JoinTarget: "discord://1/2",
		Revision:   1,
	})
	if err != nil {
		t.Fatalf("SaveMeetingEvent: %v", err)
	}
	return h
}

func (h *harness) launch(t *testing.T, ctx context.Context) <-chan struct{} {
	t.Helper()
	done := make(chan struct{})
	req := scheduler.LaunchRequest{
		EventID:    "evt-1",
		Revision:   1,
		FireAt:     fireAt,
		StartAt:    fireAt.Add(2 * time.Minute),
		EndAt:      fireAt.Add(62 * time.Minute),
		JoinTarget: "discord://1/2",
	}
	if err := h.manager.Launch(ctx, req, func() { close(done) }); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	return done
}

func (h *harness) state(t *testing.T) *repository.BotSessionRecord {
	t.Helper()
	rec, err := h.repo.GetBotSession(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("GetBotSession: %v", err)
	}
	return rec
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not finish")
	}
}

func voiceFrame() []byte {
	frame := make([]byte, 640)
	for i := 0; i < len(frame); i += 2 {
		frame[i] = 0x00
		frame[i+1] = 0x20
	}
	return frame
}

func TestLaunch_ConnectsThenGoesActiveAndEndsWithMeeting(t *testing.T) {
	h := newHarness(t)
	h.platform.gate = make(chan struct{})
	done := h.launch(t, context.Background())

	waitFor(t, "connecting", func() bool { return h.state(t).State == repository.SessionStateConnecting })

	joinedAt := fireAt.Add(5 * time.Second)
	h.clock.set(joinedAt)
	close(h.platform.gate)
	waitFor(t, "active", func() bool { return h.state(t).State == repository.SessionStateActive })
	if rec := h.state(t); rec.StartedAt == nil || !rec.StartedAt.Equal(joinedAt) {
		t.Fatalf("expected started_at %v, got %+v", joinedAt, rec.StartedAt)
	}

	close(h.stream.ended)
	waitDone(t, done)

	rec := h.state(t)
	if rec.State != repository.SessionStateEnded || rec.EndReason != ReasonMeetingEnded {
		t.Fatalf("unexpected final record %+v", rec)
	}
	h.stream.mu.Lock()
	disconnects := h.stream.disconnects
	h.stream.mu.Unlock()
	if disconnects == 0 {
		t.Fatalf("expected the stream to be disconnected")
	}
	fin := h.enqueuer.ofKind(queue.KindFinalizeSession)
	if len(fin) != 1 || fin[0].key != "sess-1" {
		t.Fatalf("expected one finalize task keyed by session, got %+v", fin)
	}
	payload := fin[0].payload.(queue.FinalizeSessionPayload)
	if payload.State != repository.SessionStateEnded || payload.Reason != ReasonMeetingEnded {
		t.Fatalf("unexpected finalize payload %+v", payload)
	}
	if h.platform.joinCount() != 1 || h.platform.targets[0] != "discord://1/2" {
		t.Fatalf("unexpected join target %q", h.platform.targets[0])
	}
}

func TestLaunch_DuplicateFireTimeRejected(t *testing.T) {
	h := newHarness(t)
	close(h.stream.ended)
	done := h.launch(t, context.Background())
	waitDone(t, done)

	req := scheduler.LaunchRequest{EventID: "evt-1", FireAt: fireAt, JoinTarget: "discord://1/2"}
	h.manager.newID = func() string { return "sess-2" }
	err := h.manager.Launch(context.Background(), req, func() {})
	if err == nil {
		t.Fatalf("expected a duplicate session to be rejected")
	}
}

func TestLaunch_FramesBecomePersistTasks(t *testing.T) {
	h := newHarness(t)
	done := h.launch(t, context.Background())

	h.stream.frames <- voiceFrame()
	waitFor(t, "segment", func() bool { return len(h.enqueuer.ofKind(queue.KindPersistSegment)) > 0 })
	close(h.stream.ended)
	waitDone(t, done)

	seg := h.enqueuer.ofKind(queue.KindPersistSegment)[0].payload.(queue.PersistSegmentPayload).Segment
	if seg.SessionID != "sess-1" || seg.Sequence != 0 || seg.Text != "hello" || !seg.IsFinal {
		t.Fatalf("unexpected segment %+v", seg)
	}
}

func TestLaunch_ClosedStreamEndsSession(t *testing.T) {
	h := newHarness(t)
	done := h.launch(t, context.Background())
	waitFor(t, "active", func() bool { return h.state(t).State == repository.SessionStateActive })
	close(h.stream.frames)
	waitDone(t, done)

	if rec := h.state(t); rec.State != repository.SessionStateEnded || rec.EndReason != ReasonStreamClosed {
		t.Fatalf("unexpected final record %+v", rec)
	}
}

func TestLaunch_JoinFailureFailsSession(t *testing.T) {
	h := newHarness(t)
	h.platform.errs = []error{&meeting.JoinError{Target: "discord://1/2", Err: errors.New("missing access")}}
	done := h.launch(t, context.Background())
	waitDone(t, done)

	rec := h.state(t)
	if rec.State != repository.SessionStateFailed || !strings.HasPrefix(rec.FailureReason, ReasonJoinFailed) {
		t.Fatalf("unexpected final record %+v", rec)
	}
	if h.platform.joinCount() != 1 {
		t.Fatalf("non-retryable join must not be retried, got %d joins", h.platform.joinCount())
	}
	fin := h.enqueuer.ofKind(queue.KindFinalizeSession)
	if len(fin) != 1 || fin[0].payload.(queue.FinalizeSessionPayload).State != repository.SessionStateFailed {
		t.Fatalf("expected failed finalize task, got %+v", fin)
	}
}

func TestLaunch_RetryableJoinErrorIsRetried(t *testing.T) {
	h := newHarness(t)
	h.platform.errs = []error{errors.New("gateway timeout")}
	done := h.launch(t, context.Background())
	waitFor(t, "active", func() bool { return h.state(t).State == repository.SessionStateActive })
	close(h.stream.ended)
	waitDone(t, done)

	if h.platform.joinCount() != 2 {
		t.Fatalf("expected 2 join attempts, got %d", h.platform.joinCount())
	}
}

func TestLaunch_EngineUnavailableFailsSession(t *testing.T) {
	h := newHarness(t)
	h.manager.engine = &fakeEngine{err: errors.New("model missing")}
	done := h.launch(t, context.Background())
	waitDone(t, done)

	if rec := h.state(t); rec.State != repository.SessionStateFailed || rec.FailureReason != ReasonEngineUnavailable {
		t.Fatalf("unexpected final record %+v", rec)
	}
}

func TestLaunch_ShutdownSuspendsActiveSessionForRecovery(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := h.launch(t, ctx)
	waitFor(t, "active", func() bool { return h.state(t).State == repository.SessionStateActive })
	cancel()
	waitDone(t, done)
	h.manager.Wait()

	if rec := h.state(t); rec.State != repository.SessionStateActive || rec.EndReason != "" {
		t.Fatalf("expected the record to stay active, got %+v", rec)
	}
	if fin := h.enqueuer.ofKind(queue.KindFinalizeSession); len(fin) != 0 {
		t.Fatalf("suspended session must not be finalized, got %+v", fin)
	}
	h.stream.mu.Lock()
	disconnects := h.stream.disconnects
	h.stream.mu.Unlock()
	if disconnects == 0 {
		t.Fatalf("expected the meeting to be left on shutdown")
	}

	// The next process picks the meeting up again.
	slots := &fakeSlots{}
	resumed, err := h.manager.Recover(context.Background(), slots)
	if err != nil || resumed != 1 {
		t.Fatalf("expected the session to be resumed, got %d err=%v", resumed, err)
	}
	waitFor(t, "rejoin", func() bool { return h.platform.joinCount() == 2 })
	close(h.stream.ended)
	h.manager.Wait()
	if rec := h.state(t); rec.State != repository.SessionStateEnded || rec.EndReason != ReasonMeetingEnded {
		t.Fatalf("unexpected final record %+v", rec)
	}
}

func TestLaunch_ShutdownWhileConnectingKeepsRecord(t *testing.T) {
	h := newHarness(t)
	h.platform.gate = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	done := h.launch(t, ctx)
	waitFor(t, "connecting", func() bool { return h.state(t).State == repository.SessionStateConnecting })
	cancel()
	waitDone(t, done)

	if rec := h.state(t); rec.State != repository.SessionStateConnecting || rec.FailureReason != "" {
		t.Fatalf("expected the record to stay connecting, got %+v", rec)
	}
	if fin := h.enqueuer.ofKind(queue.KindFinalizeSession); len(fin) != 0 {
		t.Fatalf("suspended session must not be finalized, got %+v", fin)
	}

	h.platform.gate = nil
	resumed, err := h.manager.Recover(context.Background(), &fakeSlots{})
	if err != nil || resumed != 1 {
		t.Fatalf("expected the session to be resumed, got %d err=%v", resumed, err)
	}
	waitFor(t, "active", func() bool { return h.state(t).State == repository.SessionStateActive })
	close(h.stream.ended)
	h.manager.Wait()
}

func TestRecover_SettlesAndResumes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.clock.set(fireAt.Add(10 * time.Minute))

	past := repository.MeetingEvent{ID: "evt-old", StartAt: fireAt.Add(-2 * time.Hour), EndAt: fireAt.Add(-time.Hour), Revision: 1}
	if err := h.repo.SaveMeetingEvent(ctx, past); err != nil {
		t.Fatalf("SaveMeetingEvent: %v", err)
	}
	records := []repository.BotSessionRecord{
		{ID: "stale-pending", MeetingID: "evt-old", FireAt: past.StartAt, State: repository.SessionStatePending},
		{ID: "live", MeetingID: "evt-1", FireAt: fireAt, State: repository.SessionStatePending},
	}
	for _, r := range records {
		if err := h.repo.CreateBotSession(ctx, r); err != nil {
			t.Fatalf("CreateBotSession: %v", err)
		}
	}
	steps := []repository.SessionTransition{
		{SessionID: "live", From: repository.SessionStatePending, To: repository.SessionStateConnecting, At: fireAt},
		{SessionID: "live", From: repository.SessionStateConnecting, To: repository.SessionStateActive, At: fireAt},
	}
	for _, s := range steps {
		if err := h.repo.TransitionBotSession(ctx, s); err != nil {
			t.Fatalf("TransitionBotSession: %v", err)
		}
	}

	slots := &fakeSlots{}
	resumed, err := h.manager.Recover(ctx, slots)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if resumed != 1 {
		t.Fatalf("expected 1 resumed session, got %d", resumed)
	}
	stale, _ := h.repo.GetBotSession(ctx, "stale-pending")
	if stale.State != repository.SessionStateFailed || stale.FailureReason != ReasonMissedRecovery {
		t.Fatalf("unexpected settled record %+v", stale)
	}
	waitFor(t, "rejoin", func() bool { return h.platform.joinCount() == 1 })

	close(h.stream.ended)
	h.manager.Wait()
	live, _ := h.repo.GetBotSession(ctx, "live")
	if live.State != repository.SessionStateEnded {
		t.Fatalf("expected resumed session to end normally, got %+v", live)
	}
	keys := map[string]bool{}
	for _, f := range h.enqueuer.ofKind(queue.KindFinalizeSession) {
		keys[f.key] = true
	}
	if !keys["stale-pending"] || !keys["live"] {
		t.Fatalf("expected finalize tasks for both sessions, got %v", keys)
	}
	if adopted, released := slots.counts(); adopted != 1 || released != 1 {
		t.Fatalf("expected the resumed session to hold one slot, adopted=%d released=%d", adopted, released)
	}
}

func TestRecover_EndingSessionKeepsReason(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.repo.CreateBotSession(ctx, repository.BotSessionRecord{ID: "s", MeetingID: "evt-1", FireAt: fireAt, State: repository.SessionStatePending}); err != nil {
		t.Fatalf("CreateBotSession: %v", err)
	}
	for _, s := range []repository.SessionTransition{
		{SessionID: "s", From: repository.SessionStatePending, To: repository.SessionStateConnecting, At: fireAt},
		{SessionID: "s", From: repository.SessionStateConnecting, To: repository.SessionStateActive, At: fireAt},
		{SessionID: "s", From: repository.SessionStateActive, To: repository.SessionStateEnding, At: fireAt, Reason: ReasonSilence},
	} {
		if err := h.repo.TransitionBotSession(ctx, s); err != nil {
			t.Fatalf("TransitionBotSession: %v", err)
		}
	}

	slots := &fakeSlots{}
	resumed, err := h.manager.Recover(ctx, slots)
	if adopted, _ := slots.counts(); adopted != 0 {
		t.Fatalf("settled sessions must not take a slot, adopted=%d", adopted)
	}
	if err != nil || resumed != 0 {
		t.Fatalf("expected nothing resumed, got %d err=%v", resumed, err)
	}
	rec, _ := h.repo.GetBotSession(ctx, "s")
	if rec.State != repository.SessionStateEnded || rec.EndReason != ReasonSilence {
		t.Fatalf("unexpected settled record %+v", rec)
	}
}

func TestRecover_ContinuesAfterUnappliedSegments(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.repo.CreateBotSession(ctx, repository.BotSessionRecord{ID: "live", MeetingID: "evt-1", FireAt: fireAt, State: repository.SessionStatePending}); err != nil {
		t.Fatalf("CreateBotSession: %v", err)
	}
	for _, s := range []repository.SessionTransition{
		{SessionID: "live", From: repository.SessionStatePending, To: repository.SessionStateConnecting, At: fireAt},
		{SessionID: "live", From: repository.SessionStateConnecting, To: repository.SessionStateActive, At: fireAt},
	} {
		if err := h.repo.TransitionBotSession(ctx, s); err != nil {
			t.Fatalf("TransitionBotSession: %v", err)
		}
	}
	if _, err := h.repo.UpsertSegment(ctx, repository.TranscriptSegment{SessionID: "live", Sequence: 2, Text: "stored", IsFinal: true, Revision: 1}); err != nil {
		t.Fatalf("UpsertSegment: %v", err)
	}
	// The previous process crashed while holding the lease on sequence 4.
	payload, _ := json.Marshal(queue.PersistSegmentPayload{Segment: repository.TranscriptSegment{SessionID: "live", Sequence: 4, Text: "in flight", IsFinal: true, Revision: 1}})
	if err := h.repo.CreateTask(ctx, repository.Task{ID: "t-4", Kind: string(queue.KindPersistSegment), Payload: payload}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := h.repo.ClaimDueTasks(ctx, time.Now().Add(time.Minute), time.Hour, 10); err != nil {
		t.Fatalf("ClaimDueTasks: %v", err)
	}

	if _, err := h.manager.Recover(ctx, &fakeSlots{}); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	h.stream.frames <- voiceFrame()
	waitFor(t, "segment", func() bool { return len(h.enqueuer.ofKind(queue.KindPersistSegment)) > 0 })
	close(h.stream.ended)
	h.manager.Wait()

	seg := h.enqueuer.ofKind(queue.KindPersistSegment)[0].payload.(queue.PersistSegmentPayload).Segment
	if seg.SessionID != "live" || seg.Sequence != 5 {
		t.Fatalf("expected the resumed session to continue at 5, got %+v", seg)
	}
}

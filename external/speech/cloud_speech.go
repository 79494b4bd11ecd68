package speech

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"cloud.google.com/go/auth/credentials"
	gspeech "cloud.google.com/go/speech/apiv2"
	speechpb "cloud.google.com/go/speech/apiv2/speechpb"
	"github.com/foxseedlab/meetscribe/internal/speech"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const speechAPIEndpointPort = 443

type CloudSpeechConfig struct {
	ProjectID       string
	CredentialsFile string
	Language        string
	Location        string
	Model           string
}

// CloudSpeechEngine streams windows to Google Cloud Speech-to-Text v2 with interim results.
type CloudSpeechEngine struct {
	projectID       string
	credentialsFile string
	language        string
	location        string
	model           string
}

func NewCloudSpeechEngine(cfg CloudSpeechConfig) *CloudSpeechEngine {
	location := strings.TrimSpace(cfg.Location)
	if location == "" {
		location = "global"
	}
	return &CloudSpeechEngine{
		projectID:       cfg.ProjectID,
		credentialsFile: cfg.CredentialsFile,
		language:        cfg.Language,
		location:        location,
		model:           strings.TrimSpace(cfg.Model),
	}
}

func (e *CloudSpeechEngine) NewDecoder(ctx context.Context, sessionID string) (speech.Decoder, error) {
	slog.Info("starting cloud speech stream", "session_id", sessionID, "location", e.location, "language", e.language, "model", e.model)

	creds, err := credentials.DetectDefault(&credentials.DetectOptions{
		CredentialsFile: e.credentialsFile,
		Scopes:          []string{"https://www.googleapis.com/auth/cloud-platform"},
	})
	if err != nil {
		return nil, fmt.Errorf("detect credentials: %w", err)
	}
	opts := []option.ClientOption{option.WithAuthCredentials(creds)}
	if e.location != "global" {
		opts = append(opts, option.WithEndpoint(fmt.Sprintf("%s-speech.googleapis.com:%d", e.location, speechAPIEndpointPort)))
	}

	client, err := gspeech.NewClient(ctx, opts...)
	if err != nil {
		return nil, err
	}
	open := func() (speechpb.Speech_StreamingRecognizeClient, error) {
		stream, err := client.StreamingRecognize(ctx)
		if err != nil {
			return nil, err
		}
		if err := stream.Send(e.configRequest()); err != nil {
			_ = stream.CloseSend()
			return nil, err
		}
		return stream, nil
	}
	stream, err := open()
	if err != nil {
		_ = client.Close()
		return nil, err
	}

	d := &cloudDecoder{
		sessionID: sessionID,
		stream:    stream,
		openFn:    open,
		closeFn:   client.Close,
	}
	d.startReceiver(stream)
	return d, nil
}

func (e *CloudSpeechEngine) configRequest() *speechpb.StreamingRecognizeRequest {
	return &speechpb.StreamingRecognizeRequest{
		Recognizer: fmt.Sprintf("projects/%s/locations/%s/recognizers/_", e.projectID, e.location),
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Model:         e.model,
					LanguageCodes: []string{e.language},
					DecodingConfig: &speechpb.RecognitionConfig_ExplicitDecodingConfig{
						ExplicitDecodingConfig: &speechpb.ExplicitDecodingConfig{
							Encoding:          speechpb.ExplicitDecodingConfig_LINEAR16,
							SampleRateHertz:   speech.SampleRate,
							AudioChannelCount: 1,
						},
					},
					Features: &speechpb.RecognitionFeatures{},
				},
				StreamingFeatures: &speechpb.StreamingRecognitionFeatures{InterimResults: true},
			},
		},
	}
}

// cloudDecoder adapts the asynchronous gRPC stream to per-window calls: every Decode
// sends a window and reports whatever results arrived since the previous call.
type cloudDecoder struct {
	sessionID string
	mu        sync.Mutex
	closed    bool
	stream    speechpb.Speech_StreamingRecognizeClient
	openFn    func() (speechpb.Speech_StreamingRecognizeClient, error)
	closeFn   func() error
	done      chan struct{}

	resultsMu sync.Mutex
	pending   []speech.Result
	recvErr   error
}

func (d *cloudDecoder) Decode(ctx context.Context, window []byte) (speech.Result, error) {
	if err := ctx.Err(); err != nil {
		return speech.Result{}, err
	}
	if err := d.send(window); err != nil {
		return speech.Result{}, err
	}
	return d.drain(false)
}

func (d *cloudDecoder) send(window []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return io.ErrClosedPipe
	}
	req := &speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_Audio{Audio: window},
	}
	if err := d.stream.Send(req); err != nil {
		if !isReconnectableStreamError(err) {
			return err
		}
		slog.Warn("speech stream send failed with reconnectable error; reconnecting", "session_id", d.sessionID, "error", err)
		if err := d.reconnectLocked(); err != nil {
			return fmt.Errorf("reconnect stream: %w", err)
		}
		return d.stream.Send(req)
	}
	return nil
}

func (d *cloudDecoder) reconnectLocked() error {
	_ = d.stream.CloseSend()
	next, err := d.openFn()
	if err != nil {
		slog.Error("failed to reconnect speech stream", "session_id", d.sessionID, "error", err)
		return err
	}
	d.stream = next
	d.startReceiver(next)
	slog.Info("speech stream reconnected", "session_id", d.sessionID)
	return nil
}

func (d *cloudDecoder) startReceiver(stream speechpb.Speech_StreamingRecognizeClient) {
	done := make(chan struct{})
	d.done = done
	go func() {
		defer close(done)
		for {
			resp, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) || status.Code(err) == codes.Canceled {
					return
				}
				if isReconnectableStreamError(err) {
					slog.Warn("speech receive loop ended with reconnectable abort", "session_id", d.sessionID, "error", err)
					return
				}
				d.resultsMu.Lock()
				d.recvErr = err
				d.resultsMu.Unlock()
				return
			}
			d.collect(resp)
		}
	}()
}

func (d *cloudDecoder) collect(resp *speechpb.StreamingRecognizeResponse) {
	var interim []string
	d.resultsMu.Lock()
	defer d.resultsMu.Unlock()
	for _, result := range resp.GetResults() {
		if len(result.GetAlternatives()) == 0 {
			continue
		}
		text := strings.TrimSpace(result.GetAlternatives()[0].GetTranscript())
		if text == "" {
			continue
		}
		if result.GetIsFinal() {
			d.pending = append(d.pending, speech.Result{Text: text, IsFinal: true})
			continue
		}
		interim = append(interim, text)
	}
	if len(interim) > 0 {
		d.pending = append(d.pending, speech.Result{Text: strings.Join(interim, " ")})
	}
}

// drain folds queued results into one: all finals up to the last one are joined into a
// final result and later partials stay queued. Without a final, the newest partial wins.
// With all set, a trailing partial is folded into the final as well.
func (d *cloudDecoder) drain(all bool) (speech.Result, error) {
	d.resultsMu.Lock()
	defer d.resultsMu.Unlock()
	if d.recvErr != nil {
		err := d.recvErr
		d.recvErr = nil
		return speech.Result{}, err
	}
	lastFinal := -1
	for i, r := range d.pending {
		if r.IsFinal {
			lastFinal = i
		}
	}
	var texts []string
	if lastFinal >= 0 {
		for _, r := range d.pending[:lastFinal+1] {
			if r.IsFinal {
				texts = append(texts, r.Text)
			}
		}
		d.pending = d.pending[lastFinal+1:]
	}
	if all && len(d.pending) > 0 {
		texts = append(texts, d.pending[len(d.pending)-1].Text)
		d.pending = nil
	}
	if len(texts) > 0 {
		return speech.Result{Text: strings.Join(texts, " "), IsFinal: true}, nil
	}
	if len(d.pending) == 0 {
		return speech.Result{}, nil
	}
	latest := d.pending[len(d.pending)-1]
	d.pending = nil
	return latest, nil
}

func (d *cloudDecoder) Flush(ctx context.Context) (speech.Result, error) {
	d.mu.Lock()
	if !d.closed {
		_ = d.stream.CloseSend()
	}
	done := d.done
	d.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return speech.Result{}, ctx.Err()
	}
	return d.drain(true)
}

func (d *cloudDecoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	_ = d.stream.CloseSend()
	return d.closeFn()
}

func isReconnectableStreamError(err error) bool {
	if errors.Is(err, io.EOF) || strings.Contains(strings.ToLower(err.Error()), "eof") {
		return true
	}
	st, ok := status.FromError(err)
	if !ok || st.Code() != codes.Aborted {
		return false
	}
	msg := strings.ToLower(st.Message())
	return strings.Contains(msg, "max duration of 5 minutes") ||
		strings.Contains(msg, "stream timed out after receiving no more client requests")
}

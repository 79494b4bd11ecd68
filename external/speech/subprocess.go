package speech

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/foxseedlab/meetscribe/internal/speech"
)

const (
	helperStopTimeout   = 5 * time.Second
	maxHelperLineLength = 1 << 20
	// frameQueueSize bounds frames accepted while the helper is not reading stdin.
	frameQueueSize = 4
)

type SubprocessConfig struct {
	// Command is the helper command line, split on whitespace.
	Command   string
	ModelPath string
	Language  string
	// Env is appended to the helper's environment.
	Env []string
}

// SubprocessEngine runs one recognizer helper per session. The helper loads the offline
// model and answers every length-prefixed PCM frame with one JSON line.
type SubprocessEngine struct {
	argv []string
	env  []string
}

func NewSubprocessEngine(cfg SubprocessConfig) (*SubprocessEngine, error) {
	argv := strings.Fields(cfg.Command)
	if len(argv) == 0 {
		return nil, errors.New("speech helper command is empty")
	}
	env := append(os.Environ(),
		"SPEECH_MODEL_PATH="+cfg.ModelPath,
		"SPEECH_LANGUAGE="+cfg.Language,
		"SPEECH_SAMPLE_RATE="+strconv.Itoa(speech.SampleRate),
	)
	env = append(env, cfg.Env...)
	return &SubprocessEngine{argv: argv, env: env}, nil
}

type helperResponse struct {
	Text  string `json:"text"`
	Final bool   `json:"final"`
	Error string `json:"error,omitempty"`
}

func (e *SubprocessEngine) NewDecoder(_ context.Context, sessionID string) (speech.Decoder, error) {
	// The helper outlives the caller's context; Close stops it.
	cmd := exec.Command(e.argv[0], e.argv[1:]...)
	cmd.Env = e.env
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("speech helper stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("speech helper stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("speech helper stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start speech helper: %w", err)
	}
	slog.Info("speech helper started", "session_id", sessionID, "pid", cmd.Process.Pid)

	d := &subprocessDecoder{
		sessionID: sessionID,
		cmd:       cmd,
		stdin:     stdin,
		responses: make(chan helperResponse, 16),
		frames:    make(chan []byte, frameQueueSize),
		broken:    make(chan struct{}),
		stop:      make(chan struct{}),
		exited:    make(chan struct{}),
	}
	go d.writeFrames()
	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		d.readResponses(stdout)
	}()
	go func() {
		defer readers.Done()
		d.logStderr(stderr)
	}()
	go func() {
		readers.Wait()
		d.waitErr = cmd.Wait()
		close(d.exited)
	}()
	return d, nil
}

type subprocessDecoder struct {
	sessionID string
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	responses chan helperResponse
	frames    chan []byte
	// broken is closed with writeErr set once stdin can no longer be written.
	broken    chan struct{}
	writeErr  error
	stop      chan struct{}
	exited    chan struct{}
	waitErr   error

	// outstanding counts frames whose response has not been consumed yet. Responses to
	// frames abandoned on timeout are discarded when they finally arrive.
	outstanding int
	closeOnce   sync.Once
}

func (d *subprocessDecoder) readResponses(stdout io.Reader) {
	defer close(d.responses)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxHelperLineLength)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp helperResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			resp = helperResponse{Error: fmt.Sprintf("malformed helper output: %v", err)}
		}
		select {
		case d.responses <- resp:
		case <-d.stop:
			_, _ = io.Copy(io.Discard, stdout)
			return
		}
	}
	if err := scanner.Err(); err != nil {
		slog.Warn("speech helper output closed", "session_id", d.sessionID, "error", err)
	}
}

func (d *subprocessDecoder) logStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		slog.Debug("speech helper", "session_id", d.sessionID, "line", scanner.Text())
	}
}

func (d *subprocessDecoder) Decode(ctx context.Context, window []byte) (speech.Result, error) {
	if len(window) == 0 {
		return speech.Result{}, nil
	}
	// The caller reuses window once Decode returns; the writer may still be holding it.
	return d.roundTrip(ctx, append([]byte(nil), window...))
}

func (d *subprocessDecoder) Flush(ctx context.Context) (speech.Result, error) {
	return d.roundTrip(ctx, nil)
}

// roundTrip hands the frame to the writer and waits for its response. Both steps give
// up when ctx is done, so a helper that stops reading or answering cannot block Decode.
func (d *subprocessDecoder) roundTrip(ctx context.Context, frame []byte) (speech.Result, error) {
	select {
	case d.frames <- frame:
	case <-d.broken:
		return speech.Result{}, d.writeErr
	case <-ctx.Done():
		return speech.Result{}, fmt.Errorf("speech helper not accepting input: %w", ctx.Err())
	}
	d.outstanding++
	for {
		select {
		case <-ctx.Done():
			return speech.Result{}, ctx.Err()
		case <-d.broken:
			return speech.Result{}, d.writeErr
		case resp, ok := <-d.responses:
			if !ok {
				return speech.Result{}, fmt.Errorf("speech helper exited: %w", io.ErrUnexpectedEOF)
			}
			d.outstanding--
			if d.outstanding > 0 {
				continue
			}
			if resp.Error != "" {
				return speech.Result{}, errors.New(resp.Error)
			}
			return speech.Result{Text: resp.Text, IsFinal: resp.Final}, nil
		}
	}
}

func (d *subprocessDecoder) writeFrames() {
	for {
		select {
		case <-d.stop:
			return
		case frame := <-d.frames:
			if err := d.writeFrame(frame); err != nil {
				d.writeErr = err
				close(d.broken)
				return
			}
		}
	}
}

func (d *subprocessDecoder) writeFrame(frame []byte) error {
	var header [4]byte
	binary.LittleEndian.PutUint32(header[:], uint32(len(frame)))
	if _, err := d.stdin.Write(header[:]); err != nil {
		return fmt.Errorf("write to speech helper: %w", err)
	}
	if len(frame) == 0 {
		return nil
	}
	if _, err := d.stdin.Write(frame); err != nil {
		return fmt.Errorf("write to speech helper: %w", err)
	}
	return nil
}

func (d *subprocessDecoder) Close() error {
	var err error
	d.closeOnce.Do(func() {
		close(d.stop)
		_ = d.stdin.Close()
		select {
		case <-d.exited:
		case <-time.After(helperStopTimeout):
			slog.Warn("speech helper did not exit, killing", "session_id", d.sessionID)
			_ = d.cmd.Process.Kill()
			<-d.exited
		}
		var exitErr *exec.ExitError
		if d.waitErr != nil && !errors.As(d.waitErr, &exitErr) {
			err = d.waitErr
		}
	})
	return err
}

// Package session implements the recognition session controller: a two-state
// (idle, listening) machine that wires an audio input device to a streaming
// recognizer and republishes the recognizer's best transcription.
//
// Every activation and teardown bumps a session token. Recognition results are
// tagged with the token of the session that produced them, and anything that
// arrives for an older token is discarded, so a straggling result can never
// overwrite the transcript after Deactivate.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/go-audio/audio"
	"github.com/loqalabs/speechpad/internal/capture"
	"github.com/loqalabs/speechpad/internal/stt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// State is the listening state of the controller.
type State int

const (
	StateIdle State = iota
	StateListening
)

func (s State) String() string {
	if s == StateListening {
		return "listening"
	}
	return "idle"
}

// Snapshot is a consistent view of the controller.
type Snapshot struct {
	State      State
	Text       string
	Token      uint64
	Authorized bool
}

// Listening reports whether a session is live.
func (s Snapshot) Listening() bool { return s.State == StateListening }

// EventKind tells subscribers what changed.
type EventKind int

const (
	EventStateChanged EventKind = iota
	EventTranscript
	EventCleared
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventStateChanged:
		return "state"
	case EventTranscript:
		return "transcript"
	case EventCleared:
		return "cleared"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is published after every observable mutation.
type Event struct {
	Kind     EventKind
	Snapshot Snapshot
	// Final is set on transcript events carrying a final result.
	Final bool
	// Err is set on error events.
	Err error
}

// Deps are the external capabilities the controller drives.
type Deps struct {
	Device     capture.Device
	Recognizer stt.Recognizer
	Authorizer Authorizer
}

// Options tune the controller.
type Options struct {
	TapFrames int
	Logger    *slog.Logger
}

// Controller owns one recognition session at a time.
type Controller struct {
	device     capture.Device
	recognizer stt.Recognizer
	tapFrames  int
	logger     *slog.Logger
	ctx        context.Context
	cancel     context.CancelFunc
	notify     *notifier

	// lifecycle serializes activation and teardown; device and recognizer
	// calls happen while it is held.
	lifecycle sync.Mutex

	mu         sync.Mutex
	state      State
	text       string
	token      uint64
	auth       AuthStatus
	request    stt.Request
	task       stt.Task
	closed     bool
	staleCount atomic.Uint64

	sessions metric.Int64Counter
	stale    metric.Int64Counter
	failures metric.Int64Counter
}

// New builds a controller and runs the authorization check once. When
// recognition is not authorized the transcript holds a human-readable
// explanation and Activate refuses to start.
func New(parent context.Context, deps Deps, opts Options) (*Controller, error) {
	if deps.Device == nil {
		return nil, errors.New("session controller requires an audio device")
	}
	if deps.Recognizer == nil {
		return nil, errors.New("session controller requires a recognizer")
	}
	if deps.Authorizer == nil {
		return nil, errors.New("session controller requires an authorizer")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	frames := opts.TapFrames
	if frames <= 0 {
		frames = capture.DefaultTapFrames
	}

	ctx, cancel := context.WithCancel(parent)
	c := &Controller{
		device:     deps.Device,
		recognizer: deps.Recognizer,
		tapFrames:  frames,
		logger:     logger.With(slog.String("component", "recognition-session")),
		ctx:        ctx,
		cancel:     cancel,
		notify:     newNotifier(),
	}
	if err := c.initMetrics(); err != nil {
		c.logger.Warn("failed to initialize metrics", slogError(err))
	}

	status, err := deps.Authorizer.Authorize(parent)
	if err != nil {
		c.logger.Warn("speech recognition authorization check failed", slogError(err))
		status = AuthUnknown
	}
	c.auth = status
	if text, denied := status.fallbackText(); denied {
		c.text = text
		c.logger.Warn("speech recognition not available", slog.String("status", status.String()))
	} else {
		c.logger.Info("speech recognition authorized")
	}
	return c, nil
}

func (c *Controller) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/speechpad/session")
	var err error
	if c.sessions, err = meter.Int64Counter("speechpad.stt.sessions", metric.WithDescription("Recognition sessions started")); err != nil {
		return err
	}
	if c.stale, err = meter.Int64Counter("speechpad.stt.stale_results", metric.WithDescription("Recognition results discarded after teardown")); err != nil {
		return err
	}
	if c.failures, err = meter.Int64Counter("speechpad.stt.failures", metric.WithDescription("Recognition sessions ended by an error")); err != nil {
		return err
	}
	return nil
}

// Subscribe returns a channel of events in mutation order and a function that
// cancels the subscription and closes the channel.
func (c *Controller) Subscribe(buffer int) (<-chan Event, func()) {
	return c.notify.subscribe(buffer)
}

// Activate starts a listening session: a fresh request with partial results,
// a tap feeding it, the device, then the recognition task.
func (c *Controller) Activate() error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrClosed
	case c.state == StateListening:
		c.mu.Unlock()
		return ErrAlreadyListening
	case c.auth != AuthAuthorized:
		c.mu.Unlock()
		return ErrNotAuthorized
	}
	c.token++
	token := c.token
	c.state = StateListening
	c.mu.Unlock()

	format := c.device.Format()
	req := c.recognizer.NewRequest(format, true)

	if err := c.device.InstallTap(c.tapFrames, func(buf *audio.IntBuffer) {
		req.Append(buf)
	}); err != nil {
		return c.abort(token, fmt.Errorf("install tap: %w", err))
	}

	if err := c.device.Start(); err != nil {
		c.device.RemoveTap()
		return c.abort(token, &DeviceStartError{Err: err})
	}

	task, err := c.recognizer.Recognize(c.ctx, req, c.resultHandler(token))
	if err != nil {
		c.device.Stop()
		c.device.RemoveTap()
		return c.abort(token, &RecognitionError{Err: err})
	}

	c.mu.Lock()
	c.request = req
	c.task = task
	c.publishLocked(Event{Kind: EventStateChanged})
	c.mu.Unlock()

	addCounter(c.ctx, c.sessions)
	c.logger.Info("listening started",
		slog.Uint64("token", token),
		slog.Int("sample_rate", format.SampleRate),
		slog.Int("channels", format.NumChannels))
	return nil
}

// abort returns a half-started session to idle. The caller has already
// released any device resources it acquired.
func (c *Controller) abort(token uint64, err error) error {
	c.mu.Lock()
	if c.token == token {
		c.token++
		c.state = StateIdle
	}
	c.publishLocked(Event{Kind: EventError, Err: err})
	c.mu.Unlock()

	addCounter(c.ctx, c.failures, attribute.String("stage", "activate"))
	c.logger.Warn("listening failed to start", slogError(err))
	return err
}

// Deactivate ends the live session. The device is stopped and its tap removed
// before the request is told the audio has ended; the task is then cancelled
// without waiting for a final result. It is a no-op while idle.
func (c *Controller) Deactivate() {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	if c.state != StateListening {
		c.mu.Unlock()
		return
	}
	c.token++
	c.state = StateIdle
	req, task := c.request, c.task
	c.request, c.task = nil, nil
	c.publishLocked(Event{Kind: EventStateChanged})
	c.mu.Unlock()

	c.teardown(req, task)
	c.logger.Info("listening stopped")
}

// SetListening applies an edge-triggered toggle: true activates, false
// deactivates, and re-asserting the current state does nothing.
func (c *Controller) SetListening(listening bool) error {
	if listening == (c.State() == StateListening) {
		return nil
	}
	if listening {
		err := c.Activate()
		if errors.Is(err, ErrAlreadyListening) {
			return nil
		}
		return err
	}
	c.Deactivate()
	return nil
}

func (c *Controller) teardown(req stt.Request, task stt.Task) {
	c.device.Stop()
	c.device.RemoveTap()
	if req != nil {
		req.EndAudio()
	}
	if task != nil {
		task.Cancel()
	}
}

func (c *Controller) resultHandler(token uint64) stt.ResultHandler {
	return func(result stt.Result, err error) {
		if err != nil {
			if c.current(token) {
				go c.fail(token, err)
			} else {
				c.discard(token)
			}
			return
		}

		c.mu.Lock()
		if token != c.token {
			c.mu.Unlock()
			c.discard(token)
			return
		}
		c.text = result.Text
		c.publishLocked(Event{Kind: EventTranscript, Final: result.Final})
		c.mu.Unlock()
	}
}

func (c *Controller) current(token uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return token == c.token
}

func (c *Controller) discard(token uint64) {
	c.staleCount.Add(1)
	addCounter(context.Background(), c.stale)
	c.logger.Debug("discarding recognition result", slog.Uint64("token", token), slogError(ErrStaleResult))
}

// fail ends the session that produced a recognition error, if it is still live.
func (c *Controller) fail(token uint64, cause error) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	if token != c.token || c.state != StateListening {
		c.mu.Unlock()
		return
	}
	c.token++
	c.state = StateIdle
	req, task := c.request, c.task
	c.request, c.task = nil, nil
	err := &RecognitionError{Err: cause}
	c.publishLocked(Event{Kind: EventError, Err: err})
	c.mu.Unlock()

	c.teardown(req, task)
	addCounter(c.ctx, c.failures, attribute.String("stage", "recognize"))
	c.logger.Warn("listening stopped by recognition error", slogError(err))
}

// Clear empties the transcript.
func (c *Controller) Clear() {
	c.mu.Lock()
	c.text = ""
	c.publishLocked(Event{Kind: EventCleared})
	c.mu.Unlock()
}

func (c *Controller) Text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.text
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// StaleResults counts results discarded because their session had ended.
func (c *Controller) StaleResults() uint64 {
	return c.staleCount.Load()
}

// Close ends any live session and closes all subscriptions.
func (c *Controller) Close() {
	c.Deactivate()
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	c.notify.close()
}

func (c *Controller) snapshotLocked() Snapshot {
	return Snapshot{
		State:      c.state,
		Text:       c.text,
		Token:      c.token,
		Authorized: c.auth == AuthAuthorized,
	}
}

func (c *Controller) publishLocked(evt Event) {
	evt.Snapshot = c.snapshotLocked()
	c.notify.publish(evt)
}

func addCounter(ctx context.Context, counter metric.Int64Counter, attrs ...attribute.KeyValue) {
	if counter == nil {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

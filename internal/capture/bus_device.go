package capture

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/loqalabs/speechpad/internal/pcm"
	"github.com/loqalabs/speechpad/internal/protocol"
	"github.com/nats-io/nats.go"
)

// drainTimeout bounds how long Stop waits for already received frames.
const drainTimeout = 2 * time.Second

// BusDevice is a microphone living on an edge client that streams
// protocol.AudioFrame messages over NATS.
type BusDevice struct {
	conn    *nats.Conn
	subject string
	format  audio.Format
	logger  *slog.Logger

	// lifecycle serializes Start and Stop; Stop waits for the drain with
	// only this lock held.
	lifecycle sync.Mutex

	mu         sync.Mutex
	tap        TapFunc
	chunks     *chunker
	sub        *nats.Subscription
	generation uint64
}

func NewBusDevice(conn *nats.Conn, deviceID string, format audio.Format, logger *slog.Logger) *BusDevice {
	return &BusDevice{
		conn:    conn,
		subject: protocol.AudioFrameSubject(deviceID),
		format:  format,
		logger:  logger.With(slog.String("component", "capture-bus"), slog.String("device", deviceID)),
	}
}

func (d *BusDevice) Format() audio.Format { return d.format }

func (d *BusDevice) InstallTap(frames int, tap TapFunc) error {
	if tap == nil || frames <= 0 {
		return ErrInvalidTap
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.tap != nil {
		return ErrTapInstalled
	}
	d.tap = tap
	d.chunks = newChunker(d.format, frames)
	return nil
}

func (d *BusDevice) RemoveTap() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tap = nil
	d.chunks = nil
}

func (d *BusDevice) Start() error {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sub != nil {
		return nil
	}
	d.generation++
	gen := d.generation
	sub, err := d.conn.Subscribe(d.subject, func(msg *nats.Msg) {
		d.handleFrame(gen, msg)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", d.subject, err)
	}
	d.sub = sub
	d.logger.Debug("capture started", slog.String("subject", d.subject))
	return nil
}

// Stop drains the subscription so frames the client has already received
// reach the tap, then flushes the partial buffer.
func (d *BusDevice) Stop() {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()

	d.mu.Lock()
	sub := d.sub
	d.sub = nil
	d.mu.Unlock()
	if sub == nil {
		return
	}
	d.drain(sub)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.generation++
	if d.tap != nil && d.chunks != nil {
		d.chunks.flush(d.tap)
	}
	d.logger.Debug("capture stopped")
}

// drain must run without d.mu held: pending frames take it in handleFrame.
func (d *BusDevice) drain(sub *nats.Subscription) {
	if err := sub.Drain(); err != nil {
		d.logger.Warn("failed to drain capture", slog.String("error", err.Error()))
		_ = sub.Unsubscribe()
		return
	}
	deadline := time.Now().Add(drainTimeout)
	for sub.IsValid() {
		if time.Now().After(deadline) {
			d.logger.Warn("capture drain timed out, dropping pending frames")
			_ = sub.Unsubscribe()
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (d *BusDevice) handleFrame(gen uint64, msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		d.logger.Warn("failed to decode audio frame", slog.String("error", err.Error()))
		return
	}
	if frame.SampleRate != d.format.SampleRate || frame.Channels != d.format.NumChannels {
		d.logger.Warn("dropping audio frame with unexpected format",
			slog.Int("sample_rate", frame.SampleRate),
			slog.Int("channels", frame.Channels))
		return
	}
	buf, err := pcm.Decode16(frame.PCM, d.format)
	if err != nil {
		d.logger.Warn("invalid audio frame payload", slog.String("error", err.Error()))
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if gen != d.generation || d.tap == nil || d.chunks == nil {
		return
	}
	d.chunks.push(buf.Data, d.tap)
}

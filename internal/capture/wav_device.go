package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WavDevice replays a WAV file as if it were a live microphone. Playback starts
// from the beginning of the file on every Start and goes silent at the end.
type WavDevice struct {
	path     string
	format   audio.Format
	depth    int
	realtime bool
	logger   *slog.Logger

	mu      sync.Mutex
	tap     TapFunc
	frames  int
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewWavDevice reads the file header to learn the native format. When realtime
// is false buffers are delivered as fast as the tap accepts them.
func NewWavDevice(path string, realtime bool, logger *slog.Logger) (*WavDevice, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%s is not a valid wav file", path)
	}
	return &WavDevice{
		path:     path,
		format:   audio.Format{NumChannels: int(dec.NumChans), SampleRate: int(dec.SampleRate)},
		depth:    int(dec.BitDepth),
		realtime: realtime,
		logger:   logger.With(slog.String("component", "capture-wav"), slog.String("file", path)),
	}, nil
}

func (d *WavDevice) Format() audio.Format { return d.format }

func (d *WavDevice) InstallTap(frames int, tap TapFunc) error {
	if tap == nil || frames <= 0 {
		return ErrInvalidTap
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.tap != nil {
		return ErrTapInstalled
	}
	d.tap = tap
	d.frames = frames
	return nil
}

func (d *WavDevice) RemoveTap() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tap = nil
}

func (d *WavDevice) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return nil
	}
	f, err := os.Open(d.path)
	if err != nil {
		return fmt.Errorf("open wav: %w", err)
	}
	dec := wav.NewDecoder(f)
	if err := dec.FwdToPCM(); err != nil {
		f.Close()
		return fmt.Errorf("seek to pcm: %w", err)
	}
	frames := d.frames
	if frames <= 0 {
		frames = DefaultTapFrames
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.running = true
	d.wg.Add(1)
	go d.replay(ctx, f, dec, frames)
	return nil
}

func (d *WavDevice) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	cancel := d.cancel
	d.mu.Unlock()

	cancel()
	d.wg.Wait()
}

func (d *WavDevice) replay(ctx context.Context, f *os.File, dec *wav.Decoder, frames int) {
	defer d.wg.Done()
	defer f.Close()

	channels := d.format.NumChannels
	if channels <= 0 {
		channels = 1
	}
	chunkDuration := time.Duration(frames) * time.Second / time.Duration(max(d.format.SampleRate, 1))
	var ticker *time.Ticker
	if d.realtime {
		ticker = time.NewTicker(chunkDuration)
		defer ticker.Stop()
	}

	for {
		if ticker != nil {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		} else if ctx.Err() != nil {
			return
		}

		format := d.format
		buf := &audio.IntBuffer{Format: &format, Data: make([]int, frames*channels), SourceBitDepth: d.depth}
		n, err := dec.PCMBuffer(buf)
		if n > 0 {
			buf.Data = buf.Data[:n]
			if !d.deliver(buf) {
				return
			}
		}
		if err != nil && !errors.Is(err, io.EOF) {
			d.logger.Warn("wav replay failed", slog.String("error", err.Error()))
			return
		}
		if n == 0 || errors.Is(err, io.EOF) {
			d.logger.Debug("wav replay reached end of file")
			return
		}
	}
}

func (d *WavDevice) deliver(buf *audio.IntBuffer) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return false
	}
	if d.tap != nil {
		d.tap(buf)
	}
	return true
}

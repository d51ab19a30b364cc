package tts

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"
)

// execSynth runs an external command per utterance. The command reads one JSON
// request on stdin and writes JSON lines with base64 PCM on stdout.
type execSynth struct {
	cmd        []string
	sampleRate int
	channels   int
	mu         sync.Mutex
}

const (
	// maxLine bounds one JSON line of engine output.
	maxLine = 16 * 1024 * 1024
	// waitDelay bounds Wait after the process is killed, in case children
	// still hold its pipes open.
	waitDelay = time.Second
)

type execRequest struct {
	Text       string `json:"text"`
	Voice      string `json:"voice"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

type execResponse struct {
	PCMBase64 string `json:"pcm_base64"`
	Final     bool   `json:"final"`
}

func NewExecSynth(command string, sampleRate, channels int) (Synthesizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("tts command is empty")
	}
	return &execSynth{cmd: args, sampleRate: sampleRate, channels: channels}, nil
}

func (e *execSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		// One synthesis process at a time; an interrupted utterance releases
		// the lock once its process has been killed.
		e.mu.Lock()
		defer e.mu.Unlock()
		if err := e.run(ctx, req, chunks); err != nil {
			errs <- err
		}
	}()
	return chunks, errs
}

func (e *execSynth) run(ctx context.Context, req SynthRequest, chunks chan<- SynthChunk) error {
	data, err := json.Marshal(execRequest{
		Text:       req.Text,
		Voice:      req.Voice,
		SampleRate: e.sampleRate,
		Channels:   e.channels,
	})
	if err != nil {
		return err
	}

	// cmdCtx is cancelled on every early return, so Wait never blocks on a
	// command still writing into an unread stdout pipe.
	cmdCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	cmd := exec.CommandContext(cmdCtx, e.cmd[0], e.cmd[1:]...)
	cmd.WaitDelay = waitDelay
	cmd.Stdin = bytes.NewReader(append(data, '\n'))
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start tts command: %w", err)
	}
	abort := func(err error) error {
		cancel()
		_ = cmd.Wait()
		return err
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	sequence := 0
	for scanner.Scan() {
		chunk, ok, err := e.decodeLine(scanner.Bytes())
		if err != nil {
			return abort(err)
		}
		if !ok {
			continue
		}
		chunk.UtteranceID = req.UtteranceID
		chunk.Sequence = sequence
		select {
		case chunks <- chunk:
		case <-ctx.Done():
			return abort(ctx.Err())
		}
		sequence++
	}
	if err := scanner.Err(); err != nil {
		return abort(fmt.Errorf("read tts output: %w", err))
	}
	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("tts command failed: %w: %s", err, bytes.TrimSpace(stderr.Bytes()))
	}
	return nil
}

// decodeLine parses one JSON line of engine output. Blank lines are skipped.
func (e *execSynth) decodeLine(line []byte) (SynthChunk, bool, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return SynthChunk{}, false, nil
	}
	var resp execResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		return SynthChunk{}, false, fmt.Errorf("decode tts output: %w", err)
	}
	pcm, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
	if err != nil {
		return SynthChunk{}, false, fmt.Errorf("decode tts audio: %w", err)
	}
	if len(pcm)%(2*max(e.channels, 1)) != 0 {
		return SynthChunk{}, false, fmt.Errorf("tts audio of %d bytes is not whole 16-bit frames", len(pcm))
	}
	return SynthChunk{
		SampleRate: e.sampleRate,
		Channels:   e.channels,
		PCM:        pcm,
		Final:      resp.Final,
	}, true, nil
}

package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/speechpad/internal/config"
	"github.com/loqalabs/speechpad/internal/pcm"
	"github.com/mattn/go-shellwords"
)

// stderrTail bounds how much engine stderr is quoted in an error.
const stderrTail = 512

// execTranscriber hands each snapshot of session audio to an external engine as
// a 16-bit WAV file. The engine is invoked as
//
//	<command> --audio <wav> [--model <path>] [--language <code>] [--partial]
//
// and must print {"text": ..., "confidence": ...} as the last line of stdout;
// earlier lines are engine chatter and ignored.
type execTranscriber struct {
	argv      []string
	modelPath string
	language  string
	tempDir   string

	// Engines are typically single-model processes; run one at a time.
	mu sync.Mutex
}

type execResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func NewExecTranscriber(cfg config.STTConfig) (Transcriber, error) {
	argv, err := shellwords.NewParser().Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(argv) == 0 {
		return nil, errors.New("stt command is empty")
	}
	return &execTranscriber{
		argv:      argv,
		modelPath: cfg.ModelPath,
		language:  cfg.Language,
	}, nil
}

func (t *execTranscriber) args(audioPath string, final bool) []string {
	args := make([]string, 0, len(t.argv)+6)
	args = append(args, t.argv[1:]...)
	args = append(args, "--audio", audioPath)
	if t.modelPath != "" {
		args = append(args, "--model", t.modelPath)
	}
	if t.language != "" {
		args = append(args, "--language", t.language)
	}
	if !final {
		args = append(args, "--partial")
	}
	return args
}

func (t *execTranscriber) Transcribe(ctx context.Context, samples []byte, sampleRate int, channels int, final bool) (TranscriptResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	path, err := t.writeAudio(samples, sampleRate, channels)
	if err != nil {
		return TranscriptResult{}, err
	}
	defer os.Remove(path)

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, t.argv[0], t.args(path, final)...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return TranscriptResult{}, ctx.Err()
		}
		return TranscriptResult{}, fmt.Errorf("stt command failed: %w: %s", err, tail(stderr.Bytes()))
	}
	return parseTranscript(stdout.Bytes())
}

func (t *execTranscriber) writeAudio(samples []byte, sampleRate, channels int) (string, error) {
	file, err := os.CreateTemp(t.tempDir, "speechpad_stt_*.wav")
	if err != nil {
		return "", fmt.Errorf("temp file: %w", err)
	}
	writeErr := pcm.WriteWAV(file, samples, sampleRate, channels)
	closeErr := file.Close()
	if err := errors.Join(writeErr, closeErr); err != nil {
		os.Remove(file.Name())
		return "", err
	}
	return file.Name(), nil
}

func parseTranscript(out []byte) (TranscriptResult, error) {
	out = bytes.TrimSpace(out)
	if len(out) == 0 {
		return TranscriptResult{}, errors.New("stt command printed no result")
	}
	if i := bytes.LastIndexByte(out, '\n'); i >= 0 {
		out = out[i+1:]
	}
	var resp execResult
	if err := json.Unmarshal(out, &resp); err != nil {
		return TranscriptResult{}, fmt.Errorf("decode stt response: %w", err)
	}
	return TranscriptResult{Text: strings.TrimSpace(resp.Text), Confidence: resp.Confidence}, nil
}

func tail(stderr []byte) string {
	stderr = bytes.TrimSpace(stderr)
	if len(stderr) > stderrTail {
		stderr = stderr[len(stderr)-stderrTail:]
	}
	return string(stderr)
}

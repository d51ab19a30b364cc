package stt

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/go-audio/wav"
	"github.com/loqalabs/speechpad/internal/config"
)

// writeEngine writes an executable shell script standing in for a recognition
// engine. DIR in body is replaced with the script's directory.
func writeEngine(t *testing.T, body string) (string, string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("exec engines are shell scripts")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.sh")
	script := "#!/bin/sh\n" + strings.ReplaceAll(body, "DIR", dir)
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write engine: %v", err)
	}
	return path, dir
}

func newExecTranscriber(t *testing.T, cfg config.STTConfig, tempDir string) *execTranscriber {
	t.Helper()
	tr, err := NewExecTranscriber(cfg)
	if err != nil {
		t.Fatalf("new exec transcriber: %v", err)
	}
	et := tr.(*execTranscriber)
	et.tempDir = tempDir
	return et
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func TestExecTranscriberArgsAndResult(t *testing.T) {
	engine, dir := writeEngine(t, `printf '%s\n' "$@" > "DIR/args"
while [ $# -gt 0 ]; do
  if [ "$1" = "--audio" ]; then cp "$2" "DIR/audio.wav"; fi
  shift
done
echo "loading model"
echo '{"text":"  hello there ","confidence":0.75}'
`)
	audioDir := t.TempDir()
	tr := newExecTranscriber(t, config.STTConfig{
		Command:   engine + " --beam 5",
		ModelPath: "/models/base.bin",
		Language:  "en",
	}, audioDir)

	// Four mono samples: 1, -1, 256, 0.
	samples := []byte{0x01, 0x00, 0xff, 0xff, 0x00, 0x01, 0x00, 0x00}
	result, err := tr.Transcribe(context.Background(), samples, 16000, 1, false)
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if result.Text != "hello there" || result.Confidence != 0.75 {
		t.Fatalf("unexpected result %+v", result)
	}

	args := readLines(t, filepath.Join(dir, "args"))
	if len(args) != 9 {
		t.Fatalf("unexpected argv %q", args)
	}
	if args[0] != "--beam" || args[1] != "5" || args[2] != "--audio" {
		t.Fatalf("configured args must precede --audio, got %q", args)
	}
	if filepath.Dir(args[3]) != audioDir || !strings.HasSuffix(args[3], ".wav") {
		t.Fatalf("audio should be a wav in the temp dir, got %s", args[3])
	}
	want := []string{"--model", "/models/base.bin", "--language", "en", "--partial"}
	for i, w := range want {
		if args[4+i] != w {
			t.Fatalf("arg %d = %q, want %q", 4+i, args[4+i], w)
		}
	}
	if _, err := os.Stat(args[3]); !os.IsNotExist(err) {
		t.Fatalf("temporary audio should be removed, stat err %v", err)
	}

	f, err := os.Open(filepath.Join(dir, "audio.wav"))
	if err != nil {
		t.Fatalf("open copied audio: %v", err)
	}
	defer f.Close()
	dec := wav.NewDecoder(f)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		t.Fatalf("decode wav: %v", err)
	}
	if dec.SampleRate != 16000 || dec.NumChans != 1 || dec.BitDepth != 16 {
		t.Fatalf("unexpected wav header rate=%d chans=%d depth=%d", dec.SampleRate, dec.NumChans, dec.BitDepth)
	}
	wantSamples := []int{1, -1, 256, 0}
	if len(buf.Data) != len(wantSamples) {
		t.Fatalf("expected %d samples, got %v", len(wantSamples), buf.Data)
	}
	for i, v := range wantSamples {
		if buf.Data[i] != v {
			t.Fatalf("sample %d = %d, want %d", i, buf.Data[i], v)
		}
	}
}

func TestExecTranscriberFinalOmitsPartialFlag(t *testing.T) {
	engine, dir := writeEngine(t, `printf '%s\n' "$@" > "DIR/args"
echo '{"text":"done","confidence":1}'
`)
	tr := newExecTranscriber(t, config.STTConfig{Command: engine}, t.TempDir())
	result, err := tr.Transcribe(context.Background(), []byte{0, 0}, 8000, 1, true)
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if result.Text != "done" {
		t.Fatalf("unexpected result %+v", result)
	}
	args := readLines(t, filepath.Join(dir, "args"))
	if len(args) != 2 || args[0] != "--audio" {
		t.Fatalf("expected only --audio <path>, got %q", args)
	}
}

func TestExecTranscriberErrors(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"exit status", "echo 'model missing' >&2\nexit 3\n", "model missing"},
		{"bad json", "echo 'not json'\n", "decode stt response"},
		{"no output", "exit 0\n", "no result"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			engine, _ := writeEngine(t, tc.body)
			tr := newExecTranscriber(t, config.STTConfig{Command: engine}, t.TempDir())
			_, err := tr.Transcribe(context.Background(), []byte{0, 0}, 16000, 1, true)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestExecTranscriberRejectsOddPCM(t *testing.T) {
	engine, _ := writeEngine(t, "echo '{}'\n")
	tr := newExecTranscriber(t, config.STTConfig{Command: engine}, t.TempDir())
	if _, err := tr.Transcribe(context.Background(), []byte{0, 0, 0}, 16000, 1, true); err == nil {
		t.Fatal("expected error for misaligned pcm")
	}
}

func TestExecTranscriberDeadline(t *testing.T) {
	engine, _ := writeEngine(t, "exec sleep 10\n")
	tr := newExecTranscriber(t, config.STTConfig{Command: engine}, t.TempDir())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := tr.Transcribe(ctx, []byte{0, 0}, 16000, 1, true)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("engine was not killed at the deadline")
	}
}

func TestNewExecTranscriberRejectsBadCommand(t *testing.T) {
	for _, command := range []string{"", `"unterminated`} {
		if _, err := NewExecTranscriber(config.STTConfig{Command: command}); err == nil {
			t.Fatalf("expected error for command %q", command)
		}
	}
}

package tts

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

// writeEngine writes an executable shell script standing in for a synthesis
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

func collect(t *testing.T, chunks <-chan SynthChunk, errs <-chan error) ([]SynthChunk, error) {
	t.Helper()
	var got []SynthChunk
	timeout := time.After(5 * time.Second)
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				return got, <-errs
			}
			got = append(got, chunk)
		case <-timeout:
			t.Fatal("synthesis did not finish")
		}
	}
}

func TestExecSynthStreamsChunks(t *testing.T) {
	engine, dir := writeEngine(t, `cat > "DIR/request.json"
echo '{"pcm_base64":"AQACAA==","final":false}'
echo ''
echo '{"pcm_base64":"AwAEAA==","final":true}'
`)
	synth, err := NewExecSynth(engine, 22050, 1)
	if err != nil {
		t.Fatalf("new exec synth: %v", err)
	}

	chunks, errs := synth.Synthesize(context.Background(), SynthRequest{UtteranceID: "utt-1", Text: "Selamat pagi", Voice: "id"})
	got, err := collect(t, chunks, errs)
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(got))
	}
	wantPCM := [][]byte{{1, 0, 2, 0}, {3, 0, 4, 0}}
	for i, chunk := range got {
		if chunk.UtteranceID != "utt-1" || chunk.Sequence != i || chunk.SampleRate != 22050 || chunk.Channels != 1 {
			t.Fatalf("chunk %d has wrong metadata %+v", i, chunk)
		}
		if string(chunk.PCM) != string(wantPCM[i]) {
			t.Fatalf("chunk %d pcm = %v, want %v", i, chunk.PCM, wantPCM[i])
		}
		if chunk.Final != (i == 1) {
			t.Fatalf("chunk %d final = %t", i, chunk.Final)
		}
	}

	data, err := os.ReadFile(filepath.Join(dir, "request.json"))
	if err != nil {
		t.Fatalf("read request: %v", err)
	}
	var req execRequest
	if err := json.Unmarshal(data, &req); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	if req.Text != "Selamat pagi" || req.Voice != "id" || req.SampleRate != 22050 || req.Channels != 1 {
		t.Fatalf("unexpected engine request %+v", req)
	}
}

func TestExecSynthErrors(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"bad json", "echo 'not json'\n", "decode tts output"},
		{"bad base64", `echo '{"pcm_base64":"%%%"}'` + "\n", "decode tts audio"},
		{"partial frame", `echo '{"pcm_base64":"AQ=="}'` + "\n", "not whole 16-bit frames"},
		{"exit status", "echo 'voice not installed' >&2\nexit 2\n", "voice not installed"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			engine, _ := writeEngine(t, "cat > /dev/null\n"+tc.body)
			synth, err := NewExecSynth(engine, 16000, 1)
			if err != nil {
				t.Fatalf("new exec synth: %v", err)
			}
			chunks, errs := synth.Synthesize(context.Background(), SynthRequest{UtteranceID: "u", Text: "hi", Voice: "en-US"})
			_, err = collect(t, chunks, errs)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestExecSynthDecodeErrorStopsChattyEngine(t *testing.T) {
	// After the bad line the engine would write forever.
	engine, _ := writeEngine(t, `echo 'not json'
exec yes '{"pcm_base64":"AQACAA==","final":false}'
`)
	synth, err := NewExecSynth(engine, 16000, 1)
	if err != nil {
		t.Fatalf("new exec synth: %v", err)
	}
	start := time.Now()
	chunks, errs := synth.Synthesize(context.Background(), SynthRequest{UtteranceID: "u", Text: "hi", Voice: "en-US"})
	_, err = collect(t, chunks, errs)
	if err == nil || !strings.Contains(err.Error(), "decode tts output") {
		t.Fatalf("expected decode error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("engine was not stopped after the decode error, took %s", elapsed)
	}
}

func TestExecSynthCancelMidStream(t *testing.T) {
	engine, _ := writeEngine(t, `exec yes '{"pcm_base64":"AQACAA==","final":false}'
`)
	synth, err := NewExecSynth(engine, 16000, 1)
	if err != nil {
		t.Fatalf("new exec synth: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	chunks, errs := synth.Synthesize(ctx, SynthRequest{UtteranceID: "u", Text: "hi", Voice: "en-US"})
	select {
	case <-chunks:
	case <-time.After(5 * time.Second):
		t.Fatal("no chunk before cancel")
	}
	cancel()
	if _, err := collect(t, chunks, errs); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestNewExecSynthRejectsEmptyCommand(t *testing.T) {
	if _, err := NewExecSynth("   ", 16000, 1); err == nil {
		t.Fatal("expected error for empty command")
	}
}

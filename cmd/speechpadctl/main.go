package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/loqalabs/speechpad/internal/bus"
	"github.com/loqalabs/speechpad/internal/config"
	"github.com/loqalabs/speechpad/internal/protocol"
	"github.com/nats-io/nats.go"
)

var version = "0.1.0-dev"

const usage = `usage: speechpadctl [-server url] [-timeout d] <command>

commands:
  speak [-lang code] <text>   speak text in a language (code or display name)
  stop                        interrupt the current utterance
  listen start|stop           toggle live transcription
  clear                       clear the transcript
  watch                       print recognition state changes until interrupted
  version                     print version`

func main() {
	global := flag.NewFlagSet("speechpadctl", flag.ExitOnError)
	server := global.String("server", envOr("SPEECHPAD_BUS_SERVERS", nats.DefaultURL), "NATS server URLs, comma separated")
	timeout := global.Duration("timeout", 3*time.Second, "Request timeout")
	global.Usage = func() { fmt.Fprintln(os.Stderr, usage) }
	global.Parse(os.Args[1:])

	args := global.Args()
	if len(args) == 0 {
		global.Usage()
		os.Exit(2)
	}
	if args[0] == "version" {
		fmt.Println(version)
		return
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	busCfg := config.BusConfig{
		Servers:        strings.Split(*server, ","),
		ConnectTimeout: int(timeout.Milliseconds()),
	}
	client, err := bus.Connect(context.Background(), "speechpadctl", busCfg, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer client.Close()

	if err := run(client, *timeout, args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(client *bus.Client, timeout time.Duration, args []string) error {
	switch args[0] {
	case "speak":
		speakCmd := flag.NewFlagSet("speak", flag.ExitOnError)
		lang := speakCmd.String("lang", "", "Language code or name (runtime default when empty)")
		speakCmd.Parse(args[1:])
		text := strings.Join(speakCmd.Args(), " ")
		return request(client, timeout, protocol.SubjectSpeak, protocol.SpeakRequest{Text: text, Language: *lang})
	case "stop":
		return request(client, timeout, protocol.SubjectSpeakStop, struct{}{})
	case "listen":
		if len(args) != 2 || (args[1] != "start" && args[1] != "stop") {
			return errors.New("expected 'listen start' or 'listen stop'")
		}
		return request(client, timeout, protocol.SubjectListen, protocol.ListenCommand{Listening: args[1] == "start"})
	case "clear":
		return request(client, timeout, protocol.SubjectTranscriptClear, struct{}{})
	case "watch":
		return watch(client.Conn())
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func request(client *bus.Client, timeout time.Duration, subject string, payload any) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	var reply protocol.CommandReply
	if err := client.RequestJSON(ctx, subject, payload, &reply); err != nil {
		return err
	}
	if !reply.OK {
		return errors.New(reply.Error)
	}
	fmt.Println("ok")
	return nil
}

func watch(conn *nats.Conn) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sub, err := conn.Subscribe(protocol.SubjectRecognitionState, func(msg *nats.Msg) {
		var state protocol.RecognitionState
		if err := json.Unmarshal(msg.Data, &state); err != nil {
			fmt.Fprintf(os.Stderr, "invalid state message: %v\n", err)
			return
		}
		mode := "idle"
		if state.Listening {
			mode = "listening"
		}
		line := fmt.Sprintf("%s [%s #%d] %s", state.Timestamp.Local().Format(time.TimeOnly), mode, state.Token, state.Text)
		if state.Error != "" {
			line += " (error: " + state.Error + ")"
		}
		fmt.Println(line)
	})
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	<-ctx.Done()
	return nil
}

func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

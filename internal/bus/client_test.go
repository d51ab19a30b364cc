package bus

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/speechpad/internal/config"
	"github.com/loqalabs/speechpad/internal/natsserver"
	"github.com/loqalabs/speechpad/internal/protocol"
	"github.com/nats-io/nats.go"
)

func connectEmbedded(t *testing.T) *Client {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, logger)
	if err != nil {
		t.Fatalf("start embedded nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	cfg := config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}
	client, err := Connect(context.Background(), "bus-test", cfg, logger)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestConnectRequiresServers(t *testing.T) {
	_, err := Connect(context.Background(), "bus-test", config.BusConfig{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err == nil {
		t.Fatal("expected error without servers")
	}
}

func TestRequestRespondJSON(t *testing.T) {
	client := connectEmbedded(t)
	if !client.Healthy() {
		t.Fatal("expected healthy connection")
	}

	sub, err := client.Conn().Subscribe(protocol.SubjectListen, func(msg *nats.Msg) {
		_ = RespondJSON(msg, protocol.CommandReply{OK: true})
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var reply protocol.CommandReply
	if err := client.RequestJSON(ctx, protocol.SubjectListen, protocol.ListenCommand{Listening: true}, &reply); err != nil {
		t.Fatalf("request: %v", err)
	}
	if !reply.OK {
		t.Fatalf("unexpected reply %+v", reply)
	}
}

func TestRespondJSONWithoutReplySubject(t *testing.T) {
	if err := RespondJSON(&nats.Msg{Subject: "x"}, protocol.CommandReply{OK: true}); err != nil {
		t.Fatalf("expected no-op, got %v", err)
	}
}

// Package runtime wires the speechpad components into one process.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-audio/audio"
	"github.com/loqalabs/speechpad/internal/bus"
	"github.com/loqalabs/speechpad/internal/capture"
	"github.com/loqalabs/speechpad/internal/config"
	"github.com/loqalabs/speechpad/internal/control"
	"github.com/loqalabs/speechpad/internal/eventstore"
	"github.com/loqalabs/speechpad/internal/language"
	"github.com/loqalabs/speechpad/internal/natsserver"
	"github.com/loqalabs/speechpad/internal/presence"
	"github.com/loqalabs/speechpad/internal/session"
	"github.com/loqalabs/speechpad/internal/stt"
	"github.com/loqalabs/speechpad/internal/tts"
	"golang.org/x/sync/errgroup"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	started     chan struct{}
	addr        atomic.Value

	embedded   *natsserver.EmbeddedServer
	bus        *bus.Client
	journal    *eventstore.Store
	languages  language.Set
	player     *tts.Player
	controller *session.Controller
	control    *control.Service
	presence   *presence.Registry
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:     cfg,
		logger:  logger,
		started: make(chan struct{}),
	}
}

// Started is closed once the runtime is serving.
func (r *Runtime) Started() <-chan struct{} { return r.started }

// Addr is the HTTP listen address, available after Started.
func (r *Runtime) Addr() string {
	addr, _ := r.addr.Load().(string)
	return addr
}

// Start runs the runtime until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	defer r.closeTelemetry()

	if err := r.startComponents(ctx); err != nil {
		r.stopComponents()
		return err
	}
	defer r.stopComponents()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/v1/languages", r.handleLanguages)
	mux.HandleFunc("/v1/recognition", r.handleRecognition)
	mux.HandleFunc("/v1/nodes", r.handleNodes)
	mux.HandleFunc("/v1/journal", r.handleJournal)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	addr := net.JoinHostPort(r.cfg.HTTP.Bind, strconv.Itoa(r.cfg.HTTP.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	r.addr.Store(listener.Addr().String())
	r.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := r.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})

	if interval := time.Duration(r.cfg.EventStore.PruneIntervalMin) * time.Minute; interval > 0 {
		group.Go(func() error {
			r.journal.RunRetention(groupCtx, interval)
			return nil
		})
	}

	var metricsServer *http.Server
	if metricsHandler != nil && r.separateMetricsBind(addr) {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		group.Go(func() error {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server failed: %w", err)
			}
			return nil
		})
	}

	group.Go(func() error {
		<-groupCtx.Done()
		r.ready.Store(false)
		r.logger.Info("runtime stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
		if metricsServer != nil {
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				r.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
			}
		}
		return nil
	})

	r.ready.Store(true)
	close(r.started)
	r.logger.Info("runtime started", slog.String("addr", r.Addr()))

	return group.Wait()
}

func (r *Runtime) separateMetricsBind(httpAddr string) bool {
	bind := strings.TrimSpace(r.cfg.Telemetry.PrometheusBind)
	if bind == "" || bind == httpAddr {
		return false
	}
	_, port, err := net.SplitHostPort(bind)
	return err == nil && port != strconv.Itoa(r.cfg.HTTP.Port)
}

func (r *Runtime) startComponents(ctx context.Context) error {
	busCfg := r.cfg.Bus
	embedded, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded NATS: %w", err)
	}
	r.embedded = embedded
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	r.bus, err = bus.Connect(connectCtx, r.cfg.RuntimeName, busCfg, r.logger.With(slog.String("component", "bus")))
	if err != nil {
		return err
	}

	r.journal, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}

	r.languages, err = language.FromConfig(r.cfg.TTS.Languages)
	if err != nil {
		return err
	}

	var speaker control.Speaker
	if r.cfg.TTS.Enabled {
		synth, err := tts.NewSynthesizer(r.cfg.TTS)
		if err != nil {
			return fmt.Errorf("failed to build synthesizer: %w", err)
		}
		r.player = tts.NewPlayer(ctx, synth, tts.NewBusSink(r.bus, r.cfg.TTS.Target), r.languages, r.logger)
		speaker = r.player
	}

	var listener control.Listener
	if r.cfg.STT.Enabled {
		device, err := newDevice(r.cfg.Capture, r.bus, r.logger)
		if err != nil {
			return err
		}
		recognizer, err := stt.NewRecognizer(r.cfg.STT, r.logger)
		if err != nil {
			return fmt.Errorf("failed to build recognizer: %w", err)
		}
		r.controller, err = session.New(ctx, session.Deps{
			Device:     device,
			Recognizer: recognizer,
			Authorizer: session.StaticAuthorizer{Status: session.ParseAuthStatus(r.cfg.STT.Authorization)},
		}, session.Options{TapFrames: r.cfg.Capture.TapFrames, Logger: r.logger})
		if err != nil {
			return err
		}
		listener = r.controller
	}

	r.control = control.NewService(ctx, r.bus, speaker, listener, r.languages, r.journal, r.logger)
	if err := r.control.Start(); err != nil {
		return fmt.Errorf("failed to start control service: %w", err)
	}

	r.presence, err = presence.NewRegistry(ctx, r.cfg.Node, r.localCapabilities(), r.bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start presence: %w", err)
	}
	return nil
}

func newDevice(cfg config.CaptureConfig, client *bus.Client, logger *slog.Logger) (capture.Device, error) {
	if cfg.Mode == "wav" {
		device, err := capture.NewWavDevice(cfg.File, true, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open capture file: %w", err)
		}
		return device, nil
	}
	format := audio.Format{NumChannels: cfg.Channels, SampleRate: cfg.SampleRate}
	return capture.NewBusDevice(client.Conn(), cfg.DeviceID, format, logger), nil
}

func (r *Runtime) localCapabilities() []presence.Capability {
	var caps []presence.Capability
	if r.player != nil {
		codes := make([]string, 0, len(r.languages.All()))
		for _, lang := range r.languages.All() {
			codes = append(codes, lang.Code)
		}
		caps = append(caps, presence.Capability{Name: "tts", Attributes: map[string]string{
			"languages": strings.Join(codes, ","),
			"target":    r.cfg.TTS.Target,
			"mode":      r.cfg.TTS.Mode,
		}})
	}
	if r.controller != nil {
		caps = append(caps, presence.Capability{Name: "stt", Attributes: map[string]string{
			"capture":       r.cfg.Capture.Mode,
			"device":        r.cfg.Capture.DeviceID,
			"authorization": session.ParseAuthStatus(r.cfg.STT.Authorization).String(),
			"mode":          r.cfg.STT.Mode,
		}})
	}
	return caps
}

func (r *Runtime) stopComponents() {
	if r.presence != nil {
		r.presence.Close()
		r.presence = nil
	}
	if r.control != nil {
		r.control.Close()
		r.control = nil
	}
	if r.controller != nil {
		r.controller.Close()
	}
	if r.player != nil {
		r.player.Close()
	}
	if r.journal != nil {
		if err := r.journal.Close(); err != nil {
			r.logger.Warn("journal close error", slog.String("error", err.Error()))
		}
		r.journal = nil
	}
	if r.bus != nil {
		r.bus.Close()
		r.bus = nil
	}
	if r.embedded != nil {
		r.embedded.Shutdown()
		r.embedded = nil
	}
}

func (r *Runtime) closeTelemetry() {
	if r.tracerClose == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.tracerClose(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.control != nil && r.control.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

type languagesResponse struct {
	Default   language.Language   `json:"default"`
	Languages []language.Language `json:"languages"`
}

func (r *Runtime) handleLanguages(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, languagesResponse{Default: r.languages.Default(), Languages: r.languages.All()})
}

type recognitionResponse struct {
	Listening    bool   `json:"listening"`
	State        string `json:"state"`
	Text         string `json:"text"`
	Token        uint64 `json:"token"`
	Authorized   bool   `json:"authorized"`
	StaleResults uint64 `json:"stale_results"`
}

func (r *Runtime) handleRecognition(w http.ResponseWriter, _ *http.Request) {
	if r.controller == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": control.ErrListenDisabled.Error()})
		return
	}
	snap := r.controller.Snapshot()
	writeJSON(w, http.StatusOK, recognitionResponse{
		Listening:    snap.Listening(),
		State:        snap.State.String(),
		Text:         snap.Text,
		Token:        snap.Token,
		Authorized:   snap.Authorized,
		StaleResults: r.controller.StaleResults(),
	})
}

func (r *Runtime) handleNodes(w http.ResponseWriter, req *http.Request) {
	var filter func(presence.NodeInfo) bool
	if name := req.URL.Query().Get("capability"); name != "" {
		filter = presence.WithCapability(name)
	}
	nodes := r.presence.Nodes(filter)
	if nodes == nil {
		nodes = []presence.NodeInfo{}
	}
	writeJSON(w, http.StatusOK, nodes)
}

func (r *Runtime) handleJournal(w http.ResponseWriter, req *http.Request) {
	limit := 20
	if raw := req.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = parsed
	}
	episodes, err := r.journal.RecentEpisodes(req.Context(), limit)
	if err != nil {
		r.logger.Warn("journal query failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "journal unavailable"})
		return
	}
	if episodes == nil {
		episodes = []eventstore.Episode{}
	}
	writeJSON(w, http.StatusOK, episodes)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

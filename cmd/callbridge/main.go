package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/gorilla/websocket"

	"github.com/voxa-labs/callbridge/internal/dotenv"
	"github.com/voxa-labs/callbridge/pkg/core/config"
	"github.com/voxa-labs/callbridge/pkg/core/dialog"
	"github.com/voxa-labs/callbridge/pkg/core/metrics"
	"github.com/voxa-labs/callbridge/pkg/core/provider"
	"github.com/voxa-labs/callbridge/pkg/core/provider/pipeline"
	"github.com/voxa-labs/callbridge/pkg/core/provider/realtime"
	"github.com/voxa-labs/callbridge/pkg/core/tools"
	"github.com/voxa-labs/callbridge/pkg/core/transport"
	gatewayserver "github.com/voxa-labs/callbridge/pkg/gateway/server"
)

type engine struct {
	cfg      config.Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	registry *dialog.Registry
	tools    *tools.Registry
	control  tools.ControlPlane
	factory  provider.Factory

	callWG sync.WaitGroup
}

func buildEngine(cfg config.Config, logger *slog.Logger) (*engine, error) {
	toolRegistry := tools.NewRegistry(tools.Builtins()...)

	var control tools.ControlPlane
	if cfg.TwilioAccountSID != "" {
		control = tools.NewTwilioControlPlane(tools.TwilioConfig{
			AccountSID: cfg.TwilioAccountSID,
			AuthToken:  cfg.TwilioAuthToken,
		})
		logger.Info("telephony control plane enabled", "account", cfg.TwilioAccountSID)
	} else {
		control = tools.NewNoopControlPlane()
		logger.Warn("no telephony credentials, hangup/transfer are local no-ops")
	}

	providerCfg := provider.Config{
		Backend:      string(cfg.Backend),
		URL:          cfg.ProviderURL,
		APIKey:       cfg.ProviderAPIKey,
		Model:        cfg.Model,
		Voice:        cfg.Voice,
		Instructions: cfg.Instructions,
		SampleRate:   cfg.BackendSampleRate,
		Tools:        toolRegistry.Definitions(),
	}
	if cfg.TurnDetection != "" {
		var td map[string]any
		if err := json.Unmarshal([]byte(cfg.TurnDetection), &td); err != nil {
			return nil, fmt.Errorf("parse turn detection override: %w", err)
		}
		providerCfg.TurnDetection = td
		logger.Warn("experimental turn detection override in effect")
	}

	var factory provider.Factory
	switch cfg.Backend {
	case config.BackendRealtime:
		factory = realtime.Factory(providerCfg)
	case config.BackendPipeline:
		factory = pipeline.Factory(providerCfg)
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}

	return &engine{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics.New("callbridge"),
		registry: dialog.NewRegistry(),
		tools:    toolRegistry,
		control:  control,
		factory:  factory,
	}, nil
}

// serveCall runs one call to completion on the given adapter.
func (e *engine) serveCall(ctx context.Context, adapter transport.Adapter) {
	defer e.callWG.Done()

	bargeIn, err := e.cfg.BargeIn()
	if err != nil {
		e.logger.Error("barge-in profile unavailable", "error", err)
		adapter.Close()
		return
	}

	orch, err := dialog.New(dialog.Config{
		Backend:           string(e.cfg.Backend),
		WireEncoding:      e.cfg.WireEncoding,
		WireSampleRate:    e.cfg.WireSampleRate,
		BackendSampleRate: e.cfg.BackendSampleRate,
		FallbackFarewell:  e.cfg.FallbackFarewell,
		MaxToolFollowUps:  e.cfg.MaxToolFollowUps,
		BargeIn:           bargeIn,
	}, adapter, e.factory, e.tools, e.control, e.metrics, e.logger)
	if err != nil {
		e.logger.Error("call setup failed", "error", err)
		adapter.Close()
		return
	}

	unregister := e.registry.Register(orch.Session())
	defer unregister()

	if err := orch.Run(ctx); err != nil {
		e.logger.Error("call ended with error", "call_id", adapter.Info().CallID, "error", err)
	}
}

// wireCallInfo stamps a new call leg with the configured wire format.
func (e *engine) wireCallInfo(callID, remote string) transport.CallInfo {
	return transport.CallInfo{
		CallID:     callID,
		RemoteAddr: remote,
		Encoding:   e.cfg.WireEncoding,
		SampleRate: e.cfg.WireSampleRate,
	}
}

// socketIntake accepts PCM websocket call legs on /media.
func (e *engine) socketIntake(ctx context.Context) http.Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/media", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			e.logger.Warn("media upgrade failed", "error", err)
			return
		}

		info := e.wireCallInfo(r.URL.Query().Get("call_id"), r.RemoteAddr)
		e.logger.Info("call leg connected", "call_id", info.CallID, "remote", info.RemoteAddr)

		e.callWG.Add(1)
		go e.serveCall(ctx, transport.NewSocket(conn, info))
	})
	return mux
}

// rtpIntake serves one RTP call leg at a time: the remote endpoint is
// learned from the first packet on the media port.
func (e *engine) rtpIntake(ctx context.Context) error {
	conn, err := net.ListenPacket("udp", e.cfg.MediaAddr)
	if err != nil {
		return fmt.Errorf("listen media port: %w", err)
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, 1500)
	for {
		_, remote, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("media port read: %w", err)
		}

		info := e.wireCallInfo("", remote.String())
		stream, err := transport.NewMediaStream(conn, remote, info)
		if err != nil {
			return fmt.Errorf("open media stream: %w", err)
		}
		e.logger.Info("media stream connected", "remote", info.RemoteAddr)

		e.callWG.Add(1)
		e.serveCall(ctx, stream)
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	e, err := buildEngine(cfg, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	diag := gatewayserver.New(e.registry, e.metrics, logger)
	diagSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           diag.Handler(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("diagnostics listening", "addr", cfg.Addr)
		if err := diagSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("diagnostics server: %w", err)
		}
	}()

	var mediaSrv *http.Server
	switch cfg.Transport {
	case config.TransportSocket:
		mediaSrv = &http.Server{
			Addr:              cfg.MediaAddr,
			Handler:           e.socketIntake(ctx),
			ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		}
		go func() {
			logger.Info("media intake listening", "addr", cfg.MediaAddr, "transport", "socket")
			if err := mediaSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("media server: %w", err)
			}
		}()
	case config.TransportMediaStream:
		go func() {
			logger.Info("media intake listening", "addr", cfg.MediaAddr, "transport", "rtp")
			if err := e.rtpIntake(ctx); err != nil {
				errCh <- err
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if mediaSrv != nil {
		if err := mediaSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("media server shutdown", "error", err)
		}
	}
	if err := diagSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("diagnostics shutdown", "error", err)
	}

	done := make(chan struct{})
	go func() {
		e.callWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.Warn("shutdown grace expired with calls still draining")
	}

	logger.Info("stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(stderr, nil))

	if err := dotenv.LoadFile(".env"); err != nil {
		fmt.Fprintf(stderr, "callbridge: %v\n", err)
		return 1
	}

	if err := run(ctx, logger); err != nil {
		fmt.Fprintf(stderr, "callbridge: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr))
}

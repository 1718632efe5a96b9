package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"

	"github.com/stormasm/toy-rpc/codec"
	"github.com/stormasm/toy-rpc/internal/config"
	"github.com/stormasm/toy-rpc/pubsub"
	"github.com/stormasm/toy-rpc/server"
)

// Arith is the demo arithmetic service.
type Arith struct{}

// Pair is a two-operand argument.
type Pair struct {
	A int `json:"a" msgpack:"a"`
	B int `json:"b" msgpack:"b"`
}

func (Arith) Add(_ context.Context, p Pair) (int, error) { return p.A + p.B, nil }

func (Arith) Mul(_ context.Context, p Pair) (int, error) { return p.A * p.B, nil }

func (Arith) Divide(_ context.Context, p Pair) (int, error) {
	if p.B == 0 {
		return 0, fmt.Errorf("div by zero")
	}
	return p.A / p.B, nil
}

// Echo is the demo echo service.
type Echo struct{}

func (Echo) Echo(_ context.Context, s string) (string, error) { return s, nil }

func (Echo) Upper(_ context.Context, s string) (string, error) { return strings.ToUpper(s), nil }

func main() {
	// Load .env file if present (development convenience).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)
	slog.Info("starting rpcd", "addr", cfg.Addr, "http_addr", cfg.HTTPAddr, "codec", cfg.Codec, "ack_mode", cfg.AckMode.String())

	c, err := codec.ByName(cfg.Codec)
	if err != nil {
		slog.Error("failed to select codec", "error", err)
		os.Exit(1)
	}

	hubCfg := cfg.HubConfig()

	// --- Optional NATS bridge ---
	var bridge *pubsub.NATSBridge
	if cfg.NATSURL != "" {
		bridge, err = pubsub.NewNATSBridge(cfg.NATSURL)
		if err != nil {
			slog.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer bridge.Close()
		hubCfg.Mirror = bridge
	}

	// --- RPC server ---
	srv := server.NewServer(
		server.WithCodec(c),
		server.WithHubConfig(hubCfg),
		server.WithEventChannelSize(cfg.EventChannelSize),
	)
	defer srv.Close()

	if bridge != nil {
		if err := bridge.StartIngest(srv.Hub()); err != nil {
			slog.Error("failed to start NATS ingest", "error", err)
			os.Exit(1)
		}
	}

	if err := srv.Register(Arith{}); err != nil {
		slog.Error("failed to register service", "error", err)
		os.Exit(1)
	}
	if err := srv.Register(Echo{}); err != nil {
		slog.Error("failed to register service", "error", err)
		os.Exit(1)
	}

	errCh := make(chan error, 2)

	// --- TCP listener ---
	if cfg.Addr != "" {
		ln, err := net.Listen("tcp", cfg.Addr)
		if err != nil {
			slog.Error("failed to listen", "addr", cfg.Addr, "error", err)
			os.Exit(1)
		}
		defer ln.Close()
		go func() {
			slog.Info("TCP listener ready", "addr", ln.Addr().String())
			errCh <- srv.Accept(ln)
		}()
	}

	// --- HTTP listener with WebSocket upgrade ---
	var httpSrv *http.Server
	if cfg.HTTPAddr != "" {
		router := mux.NewRouter()
		router.Handle(cfg.RPCPath, srv.HTTPHandler())
		router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		}).Methods(http.MethodGet)

		httpSrv = &http.Server{
			Addr:        cfg.HTTPAddr,
			Handler:     router,
			ReadTimeout: 30 * time.Second,
			IdleTimeout: 120 * time.Second,
		}
		go func() {
			slog.Info("HTTP listener ready", "addr", cfg.HTTPAddr, "path", cfg.RPCPath)
			errCh <- httpSrv.ListenAndServe()
		}()
	}

	// --- Graceful shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
			slog.Error("listener error", "error", err)
		}
	}

	if httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP server shutdown error", "error", err)
		}
	}

	slog.Info("rpcd stopped")
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(handler))
}

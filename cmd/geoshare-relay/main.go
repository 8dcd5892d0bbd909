package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/wilsonzlin/aero/proxy/geoshare/internal/auth"
	"github.com/wilsonzlin/aero/proxy/geoshare/internal/config"
	"github.com/wilsonzlin/aero/proxy/geoshare/internal/discovery"
	"github.com/wilsonzlin/aero/proxy/geoshare/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/geoshare/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/geoshare/internal/signaling"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting geoshare-relay",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"api_key_set", cfg.APIKey != "",
		"allowed_origins", cfg.AllowedOrigins,
		"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
		"max_signaling_messages_per_second", cfg.MaxSignalingMessagesPerSecond,
		"turn_rest_enabled", cfg.TURNREST.Enabled(),
		"mdns", cfg.MDNS,
	)

	logStartupSecurityWarnings(logger, cfg)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv, sig, _ := newRelay(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built})

	var adv *discovery.Advertiser
	if cfg.MDNS {
		port := cfg.Port()
		if tcp, ok := ln.Addr().(*net.TCPAddr); ok {
			port = tcp.Port
		}
		adv, err = discovery.Advertise(discovery.Config{Instance: cfg.MDNSInstance, Port: port})
		if err != nil {
			// The relay is still reachable by URL; mDNS is a convenience.
			logger.Warn("mdns advertise failed", "err", err)
		} else {
			logger.Info("advertising relay via mdns", "instance", cfg.MDNSInstance, "port", port)
		}
	}
	defer adv.Stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		sig.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			adv.Stop()
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	adv.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Hijacked WebSocket connections are not tracked by http.Server, so the
	// relay closes them itself.
	sig.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

// newRelay wires the signaling relay and the metrics endpoint into the HTTP
// server.
func newRelay(cfg config.Config, logger *slog.Logger, build httpserver.BuildInfo) (*httpserver.Server, *signaling.Server, *metrics.Metrics) {
	srv := httpserver.New(cfg, logger, build)
	counters := metrics.New()

	sig := signaling.NewServer(signaling.Config{
		Origins:              cfg.OriginPolicy(),
		Verifier:             auth.NewVerifier(cfg.APIKey),
		MaxMessageBytes:      cfg.MaxSignalingMessageBytes,
		MaxMessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
		PingInterval:         cfg.SignalingWSPingInterval,
		IdleTimeout:          cfg.SignalingWSIdleTimeout,
		Metrics:              counters,
		Logger:               logger.With("component", "signaling"),
	})
	sig.RegisterRoutes(srv.Mux())

	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(counters))
	return srv, sig, counters
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// ldflags values win; vcs stamps cover `go run` and dev builds.
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}
	return commit, buildTime
}

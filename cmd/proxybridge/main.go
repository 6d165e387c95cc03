// Package main provides the entry point for the proxybridge daemon.
//
// The daemon owns the host proxy configuration: it talks to the VPN
// provider's directory API, drives the local forwarding proxy, monitors
// connection health, and exposes a control socket for clients.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/luminavpn/proxybridge/internal/auth"
	"github.com/luminavpn/proxybridge/internal/bridge"
	"github.com/luminavpn/proxybridge/internal/config"
	"github.com/luminavpn/proxybridge/internal/control"
	"github.com/luminavpn/proxybridge/internal/credentials"
	"github.com/luminavpn/proxybridge/internal/directory"
	"github.com/luminavpn/proxybridge/internal/health"
	"github.com/luminavpn/proxybridge/internal/localproxy"
	"github.com/luminavpn/proxybridge/internal/logging"
	"github.com/luminavpn/proxybridge/internal/secrets"
	"github.com/luminavpn/proxybridge/internal/stats"
)

var version = "dev"

func main() {
	socketFlag := flag.String("socket", "", "Control socket path (overrides config)")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("proxybridge %s\n", version)
		os.Exit(0)
	}

	logging.SetupFromEnv()
	slog.Info("Starting proxybridge", "version", version)

	cfgMgr, err := config.NewManager()
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}
	cfg := cfgMgr.GetConfig()
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	socketPath := cfg.ControlSocketPath
	if *socketFlag != "" {
		socketPath = *socketFlag
	}

	store := secrets.NewKeyring()
	tokens := auth.NewManager(auth.NewOAuth2Provider(cfg.OAuthClientID, cfg.OAuthTokenURL), store)
	dir := directory.NewHTTPClient(cfg.DirectoryURL)
	port := localproxy.New(cfg.LocalProxyAdminURL)
	prober := health.NewProber(health.WithTimeout(cfg.ProbeTimeout()))

	bridgeCfg := bridge.DefaultConfig()
	bridgeCfg.ConnectTimeout = cfg.ConnectTimeout()
	bridgeCfg.HealthInterval = cfg.HealthInterval()
	bridgeCfg.MaxRetryAttempts = cfg.MaxRetryAttempts
	bridgeCfg.AuthFailureCeiling = cfg.AuthFailureCeiling
	bridgeCfg.CredentialDuration = time.Duration(cfg.CredentialDurationSeconds) * time.Second
	bridgeCfg.KillSwitch = cfg.KillSwitch
	bridgeCfg.ExtraBypass = cfg.ExtraBypass

	// The handler needs the manager and the manager's event callbacks need
	// the server, so the manager is installed after both exist.
	handler := control.NewHandler(nil, dir)
	srv := control.NewServer(socketPath, handler.Handle)

	mgr := bridge.NewManager(bridgeCfg, bridge.Deps{
		Tokens:      tokens,
		Directory:   dir,
		Credentials: credentials.NewStore(),
		Port:        port,
		Prober:      prober,
		Secrets:     store,
		Stats:       stats.NewTracker(),
	}, control.BroadcastEvents(srv))
	handler.SetBridge(mgr)

	ctx := context.Background()
	if err := mgr.Sanitize(ctx); err != nil {
		slog.Warn("Failed to clean up stale proxy configuration", "error", err)
	}

	if err := srv.Start(); err != nil {
		slog.Error("Failed to start control server", "error", err)
		os.Exit(1)
	}

	if serverID := cfg.AutoConnectServerID; serverID != "" {
		go func() {
			slog.Info("Auto-connecting", "server", serverID)
			if err := mgr.Connect(ctx, serverID); err != nil {
				slog.Error("Auto-connect failed", "server", serverID, "error", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	slog.Info("Received shutdown signal", "signal", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Never exit with the host still routed into the proxy.
	if err := mgr.Disconnect(shutdownCtx); err != nil {
		slog.Warn("Failed to disconnect during shutdown", "error", err)
	}
	if err := srv.Stop(); err != nil {
		slog.Warn("Failed to stop control server", "error", err)
	}

	slog.Info("Shutdown complete")
}

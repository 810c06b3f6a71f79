package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pgfunnel/pgfunnel/internal/api"
	"github.com/pgfunnel/pgfunnel/internal/config"
	"github.com/pgfunnel/pgfunnel/internal/health"
	"github.com/pgfunnel/pgfunnel/internal/metrics"
	"github.com/pgfunnel/pgfunnel/internal/pool"
	"github.com/pgfunnel/pgfunnel/internal/proxy"
)

func main() {
	configPath := flag.String("config", "configs/pgfunnel.yaml", "path to configuration file")
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Printf("pgfunnel starting...")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Printf("Configuration loaded from %s (mode=%s, max_client_conn=%d)",
		*configPath, cfg.PoolMode, cfg.MaxClientConn)

	// The API reads the live config; hot reload swaps it under the mutex.
	var cfgMu sync.RWMutex
	currentCfg := cfg
	getConfig := func() config.Config {
		cfgMu.RLock()
		defer cfgMu.RUnlock()
		return currentCfg.Redacted()
	}

	m := metrics.New()
	store := config.NewStore(cfg)

	connector := &pool.Connector{
		Host:           cfg.ServerHost,
		Port:           cfg.ServerPort,
		Password:       cfg.ServerPassword,
		ConnectTimeout: cfg.ServerConnectTimeoutD(),
		TLSMode:        cfg.ServerTLSMode,
		KeyFile:        cfg.ServerTLSKeyFile,
		CertFile:       cfg.ServerTLSCertFile,
		CAFile:         cfg.ServerTLSCAFile,
	}
	p := pool.New(pool.Options{
		Mode:        cfg.PoolMode,
		MaxConns:    cfg.MaxClientConn,
		IdleTimeout: cfg.ServerIdleTimeoutD(),
		Dial:        connector.Connect,
	})
	p.SetOnExhausted(func(pool.Key) {
		m.PoolExhausted()
	})

	hc := health.NewChecker(cfg.ServerHost, cfg.ServerPort, cfg.HealthCheckIntervalD(), m)
	hc.Start()

	proxyServer, err := proxy.NewServer(cfg, p, store, m)
	if err != nil {
		log.Fatalf("Failed to create proxy server: %v", err)
	}
	if err := proxyServer.Listen(cfg.ListenHost, cfg.ListenPort); err != nil {
		log.Fatalf("Failed to start proxy: %v", err)
	}

	apiServer := api.NewServer(p, hc, m, getConfig, proxyServer.SessionCount)
	if err := apiServer.Start(cfg.APIBind, cfg.APIPort); err != nil {
		log.Fatalf("Failed to start API server: %v", err)
	}

	// Periodic pool stats for Prometheus.
	statsStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s := p.Stats()
				m.UpdatePoolStats(s.Active, s.Idle, s.Total)
			case <-statsStop:
				return
			}
		}
	}()

	configWatcher, err := config.NewWatcher(*configPath, func(newCfg *config.Config) {
		log.Printf("Reloading configuration...")
		cfgMu.Lock()
		currentCfg = newCfg
		cfgMu.Unlock()
		store.Replace(newCfg)
	})
	if err != nil {
		log.Printf("Warning: config hot-reload not available: %v", err)
	}

	log.Printf("pgfunnel ready - listen %s:%d, server %s:%d, API %s:%d",
		cfg.ListenHost, cfg.ListenPort, cfg.ServerHost, cfg.ServerPort, cfg.APIBind, cfg.APIPort)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received signal %s, shutting down...", sig)

	if configWatcher != nil {
		configWatcher.Stop()
	}
	close(statsStop)
	apiServer.Stop()
	proxyServer.Stop()
	hc.Stop()
	p.Shutdown()

	log.Printf("pgfunnel stopped")
}

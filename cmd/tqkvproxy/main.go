package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/mevdschee/tqkvproxy/config"
	"github.com/mevdschee/tqkvproxy/metrics"
	"github.com/mevdschee/tqkvproxy/proxy"
	"github.com/mevdschee/tqkvproxy/ring"
)

func main() {
	configPath := flag.String("config", "tqkvproxy.ini", "Path to configuration file")
	metricsAddr := flag.String("metrics", "", "Metrics endpoint address (overrides config)")
	listenFD := flag.Int("listen-fd", -1, "Inherited listening socket file descriptor")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Printf("Invalid configuration: %v", err)
		os.Exit(2)
	}
	if *metricsAddr != "" {
		cfg.MetricsListen = *metricsAddr
	}

	// Initialize metrics
	metrics.Init()

	listener, err := openListener(cfg, *listenFD)
	if err != nil {
		log.Fatalf("Failed to open listening socket: %v", err)
	}
	log.Printf("[Proxy] Listening on %s, %d workers", listener.Addr(), cfg.Workers)

	r, err := ring.New(cfg.Backends)
	if err != nil {
		log.Printf("Invalid backend list: %v", err)
		os.Exit(2)
	}
	for _, b := range cfg.Backends {
		log.Printf("[Proxy] Backend: %s", b.DebugName())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var g errgroup.Group

	// Metrics HTTP server
	g.Go(func() error {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		server := &http.Server{Addr: cfg.MetricsListen, Handler: mux}
		go func() {
			<-ctx.Done()
			server.Close()
		}()
		log.Printf("[Proxy] Metrics endpoint at http://localhost%s/metrics", cfg.MetricsListen)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[Proxy] Metrics server error: %v", err)
		}
		return nil
	})

	// Workers share the listening socket; each owns an independent set
	// of clients and backend connections.
	stats := proxy.NewStats()
	for i := 0; i < cfg.Workers; i++ {
		worker := proxy.New(proxy.Options{
			Ring:               r,
			HashBeginDelimiter: cfg.HashBeginDelimiter,
			HashEndDelimiter:   cfg.HashEndDelimiter,
			DisableCommands:    cfg.DisableCommands,
			Stats:              stats,
			Index:              i,
		})
		g.Go(func() error {
			return worker.Run(ctx)
		})
		g.Go(func() error {
			for {
				conn, err := listener.Accept()
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					log.Printf("[Proxy] Accept error: %v", err)
					return err
				}
				worker.ServeConn(conn)
			}
		})
	}

	// Close the listener once a shutdown signal arrives so the accept
	// loops unblock.
	g.Go(func() error {
		<-ctx.Done()
		return listener.Close()
	})

	log.Println("TQKVProxy started. Press Ctrl+C to stop.")
	if err := g.Wait(); err != nil && !errors.Is(err, net.ErrClosed) {
		log.Fatalf("Proxy error: %v", err)
	}
	log.Println("Shutting down...")
}

// openListener opens the listening socket, or adopts one inherited from
// a supervisor.
func openListener(cfg *config.Config, listenFD int) (net.Listener, error) {
	if listenFD >= 0 {
		f := os.NewFile(uintptr(listenFD), "listen")
		if f == nil {
			return nil, fmt.Errorf("invalid listen fd %d", listenFD)
		}
		log.Printf("[Proxy] Inherited server socket %d from parent process", listenFD)
		return net.FileListener(f)
	}
	return net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.Listen, cfg.Port))
}

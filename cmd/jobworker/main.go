package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/popqq/windmill/internal/api"
	"github.com/popqq/windmill/internal/config"
	"github.com/popqq/windmill/internal/daemon"
	"github.com/popqq/windmill/internal/hub"
	"github.com/popqq/windmill/internal/pool"
	"github.com/popqq/windmill/internal/queue"
	"github.com/popqq/windmill/internal/supervisor"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "path to config.yaml")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := config.Validate(cfg); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	log.Printf("jobworker starting: pool_size=%d poll_interval=%s worker=%s",
		cfg.PoolSize, cfg.PollInterval.Duration, cfg.WorkerName)

	database, err := queue.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer database.Close()

	st, err := queue.New(database)
	if err != nil {
		log.Fatalf("init store: %v", err)
	}

	trustedNets := hub.DetectLocalSubnets()
	h := hub.New(trustedNets)

	sup := supervisor.New(st)
	p := pool.New(cfg.PoolSize, sup, st, daemon.OnComplete(st))
	d := daemon.New(cfg, st, p, h)

	srv := api.New(p, h.ServeWS)
	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Router(),
	}

	d.Start()
	log.Printf("listening on %s", cfg.ListenAddr)

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("shutdown: received signal")

	d.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("http shutdown: %v", err)
	}

	p.Shutdown(5 * time.Minute)
	log.Println("shutdown complete")
}

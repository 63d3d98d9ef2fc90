package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"momentum-core/internal/api"
	"momentum-core/internal/clock"
	"momentum-core/internal/engine"
	"momentum-core/internal/events"
	"momentum-core/internal/exec"
	"momentum-core/internal/feed"
	"momentum-core/internal/ledger"
	"momentum-core/internal/monitor"
	"momentum-core/internal/regime"
	"momentum-core/internal/risk"
	"momentum-core/internal/scanner"
	"momentum-core/pkg/config"
	"momentum-core/pkg/db"
)

var buildVersion = "dev"

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	configPath := flag.String("config", "config.yml", "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	log.Printf("momentum-core %s starting, feed=%s port=%s", buildVersion, cfg.Runtime.FeedMode, cfg.Runtime.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus()

	database, err := db.New(cfg.Runtime.DBPath)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer database.Close()
	if err := db.Init(database.DB); err != nil {
		log.Fatalf("init database: %v", err)
	}
	store := db.NewStore(database.DB)

	clk, src := buildFeed(cfg)

	scan, err := scanner.New(cfg.Scanner)
	if err != nil {
		log.Fatalf("build scanner: %v", err)
	}
	mon := regime.NewMonitor(cfg, bus)
	book := ledger.NewPaper(cfg.Runtime.StartingCash, clk.Now())
	riskCtl := risk.NewController(cfg.Risk, book, bus, clk)

	broker := exec.NewPaperBroker(clk, time.Now().UnixNano())
	execCtl := exec.NewController(broker, bus, clk, cfg.Exec, cfg.Entry.TickSize)

	metrics := monitor.NewMetrics(prometheus.DefaultRegisterer)
	go monitor.NewWatcher(bus, metrics).Run(ctx)

	core, err := engine.New(cfg, engine.Deps{
		Feed:    src,
		Scanner: scan,
		Regime:  mon,
		Risk:    riskCtl,
		Exec:    execCtl,
		Ledger:  book,
		Store:   store,
		Bus:     bus,
		Clock:   clk,
		Metrics: metrics,
	})
	if err != nil {
		log.Fatalf("build engine: %v", err)
	}

	server := api.NewServer(core, store, riskCtl, mon, api.SystemMeta{
		FeedMode: cfg.Runtime.FeedMode,
		Symbols:  cfg.Runtime.Symbols,
		Version:  buildVersion,
		Started:  time.Now(),
	}, cfg.Runtime.JWTSecret, cfg.Runtime.OperatorKey)
	go func() {
		if err := server.Start(":" + cfg.Runtime.Port); err != nil {
			log.Fatalf("api server: %v", err)
		}
	}()

	done := make(chan error, 1)
	go func() { done <- core.Run(ctx) }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Printf("received %s, shutting down", sig)
		cancel()
		<-done
	case err := <-done:
		if err != nil {
			log.Printf("engine stopped: %v", err)
		} else {
			log.Printf("engine finished")
		}
	}
}

// buildFeed selects the data source. Replay runs on a simulated clock so
// order deadlines track bar time instead of wall time.
func buildFeed(cfg *config.Config) (clock.Clock, feed.Feed) {
	switch cfg.Runtime.FeedMode {
	case "replay":
		src, err := feed.NewReplayFeed(cfg.Runtime.ReplayDir)
		if err != nil {
			log.Fatalf("open replay feed: %v", err)
		}
		return clock.NewSim(time.Now()), src
	case "ws":
		return clock.Real{}, feed.NewStreamFeed(cfg.Runtime.FeedURL, allSymbols(cfg))
	default:
		return clock.Real{}, feed.NewMockFeed(allSymbols(cfg), time.Now())
	}
}

func allSymbols(cfg *config.Config) []string {
	syms := make([]string, 0, len(cfg.Runtime.Symbols)+len(cfg.Runtime.IndexProxies))
	syms = append(syms, cfg.Runtime.Symbols...)
	syms = append(syms, cfg.Runtime.IndexProxies...)
	return syms
}

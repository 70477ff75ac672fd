package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fleet-data/fleettrace/internal/api"
	"github.com/fleet-data/fleettrace/internal/config"
	"github.com/fleet-data/fleettrace/internal/db"
	"github.com/fleet-data/fleettrace/internal/monitoring"
	"github.com/fleet-data/fleettrace/internal/telemetry"
	"github.com/fleet-data/fleettrace/internal/timeutil"
)

var (
	listen        = flag.String("listen", ":8080", "Listen address")
	dbFile        = flag.String("db", "fleettrace.db", "SQLite database path")
	configPath    = flag.String("config", config.DefaultConfigPath, "Tuning config JSON")
	sitesPath     = flag.String("sites", "", "Known-sites JSON file (optional)")
	vehicles      = flag.String("vehicles", "", "Comma-separated vehicle ids to poll")
	providerURL   = flag.String("provider-url", "", "Telemetry provider base URL")
	providerToken = flag.String("provider-token", "", "Provider bearer token (or FLEETTRACE_PROVIDER_TOKEN)")
	noReconstruct = flag.Bool("no-reconstruct", false, "Disable the missed-trip reconstructor")
	debug         = flag.Bool("debug", false, "Verbose logging")
)

func main() {
	flag.Parse()
	monitoring.Debug = *debug

	if *listen == "" {
		log.Fatal("Listen address is required")
	}

	cfg, err := config.LoadTuningConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load tuning config: %v", err)
	}

	var sites *telemetry.SiteDirectory
	if *sitesPath != "" {
		sites, err = telemetry.LoadSiteDirectory(*sitesPath)
		if err != nil {
			log.Fatalf("Failed to load sites: %v", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := db.OpenWithRetry(ctx, *dbFile)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer store.Close()

	token := *providerToken
	if token == "" {
		token = os.Getenv("FLEETTRACE_PROVIDER_TOKEN")
	}
	var provider telemetry.Provider
	if *providerURL != "" {
		provider = telemetry.NewClient(nil, *providerURL, telemetry.StaticToken(token))
	}

	clock := timeutil.RealClock{}
	resolver := &telemetry.DirectoryResolver{Directory: sites}
	detector := telemetry.NewParkingDetector(store, cfg, clock)
	deriver := telemetry.NewStateDeriver(store, detector, resolver, sites, clock)
	if err := deriver.Rehydrate(); err != nil {
		log.Fatalf("Failed to rehydrate vehicle states: %v", err)
	}

	worker := db.NewMissedTripWorker(store)
	worker.JumpMeters = cfg.GetReconstructMinJumpM()
	worker.MinGap = cfg.GetReconstructMinGap()
	worker.MinConfidence = cfg.GetReconstructMinScore()
	worker.Interval = cfg.GetReconstructRunInterval()
	worker.Window = cfg.GetReconstructLookback()
	recon := db.NewReconstructController(worker)
	recon.SetEnabled(!*noReconstruct)

	var wg sync.WaitGroup

	// reconstructor loop, which also drives the hourly retention sweep
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := recon.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("reconstructor terminated: %v", err)
		}
	}()

	// polling scheduler, only when a provider and vehicles are configured
	ids := splitVehicles(*vehicles)
	if provider != nil && len(ids) > 0 {
		trips := telemetry.NewTripManager(store, provider, resolver, cfg, clock, telemetry.NewBus())
		engine := &telemetry.Engine{
			Provider: provider,
			Filter:   telemetry.NewSignalFilter(store, cfg),
			Deriver:  deriver,
			Trips:    trips,
		}
		scheduler := telemetry.NewScheduler(engine, ids, cfg, clock)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := scheduler.Run(ctx); err != nil && err != context.Canceled {
				log.Printf("scheduler terminated: %v", err)
			}
		}()
	} else {
		log.Print("no provider or vehicles configured, serving stored data only")
	}

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		server := &http.Server{
			Addr:    *listen,
			Handler: api.NewServer(store, deriver, recon).Router(),
		}

		go func() {
			log.Printf("listening on %s", *listen)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
	}()

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}

func splitVehicles(raw string) []string {
	var ids []string
	for _, id := range strings.Split(raw, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

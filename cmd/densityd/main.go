package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/tensora-ai/densityview/internal/api"
	"github.com/tensora-ai/densityview/internal/backend"
	"github.com/tensora-ai/densityview/internal/config"
	"github.com/tensora-ai/densityview/internal/dashboard"
	"github.com/tensora-ai/densityview/internal/db"
	"github.com/tensora-ai/densityview/internal/healthsvc"
	"github.com/tensora-ai/densityview/internal/httputil"
	"github.com/tensora-ai/densityview/internal/live"
	"github.com/tensora-ai/densityview/internal/monitoring"
	"github.com/tensora-ai/densityview/internal/pipeline"
	"github.com/tensora-ai/densityview/internal/sink"
	"github.com/tensora-ai/densityview/internal/version"
)

var (
	configPath  = flag.String("config", "", "Path to dashboard config JSON (defaults built in)")
	layoutPath  = flag.String("layout", "config/areas.example.yaml", "Path to area layout YAML")
	listen      = flag.String("listen", "", "HTTP listen address (overrides config)")
	grpcListen  = flag.String("grpc-listen", "", "gRPC health listen address (overrides config, empty disables)")
	dbPath      = flag.String("db", "", "SQLite database path (overrides config)")
	areaID      = flag.String("area", "", "Initial area ID (defaults to the first area in the layout)")
	envFile     = flag.String("env", ".env", "Optional dotenv file loaded before reading the environment")
	keepRuns    = flag.Int("keep-runs", 10000, "Number of run records kept at startup (0 keeps all)")
	debugLog    = flag.Bool("debug", false, "Log diagnostics such as superseded runs and dropped live ticks")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

// loadConfig builds the effective config: defaults, then the optional file,
// then the environment, then explicit flags.
func loadConfig(path string, getenv func(string) string) (*config.DashboardConfig, error) {
	cfg := config.DefaultDashboardConfig()
	if path != "" {
		fileCfg, err := config.LoadDashboardConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = mergeConfig(cfg, fileCfg)
	}
	cfg.ApplyEnv(getenv)
	if *listen != "" {
		cfg.Listen = listen
	}
	if *grpcListen != "" {
		cfg.GRPCListen = grpcListen
	}
	if *dbPath != "" {
		cfg.DBPath = dbPath
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// mergeConfig overlays the non-nil fields of over onto base.
func mergeConfig(base, over *config.DashboardConfig) *config.DashboardConfig {
	out := *base
	set := func(dst **string, v *string) {
		if v != nil {
			*dst = v
		}
	}
	setInt := func(dst **int, v *int) {
		if v != nil {
			*dst = v
		}
	}
	set(&out.BackendURL, over.BackendURL)
	set(&out.Project, over.Project)
	set(&out.HTTPTimeout, over.HTTPTimeout)
	set(&out.ArtifactTimeFormat, over.ArtifactTimeFormat)
	set(&out.LivePeriod, over.LivePeriod)
	setInt(&out.CountdownStart, over.CountdownStart)
	setInt(&out.LookbackHours, over.LookbackHours)
	setInt(&out.HalfMovingAvgSize, over.HalfMovingAvgSize)
	set(&out.DBPath, over.DBPath)
	set(&out.Listen, over.Listen)
	set(&out.GRPCListen, over.GRPCListen)
	set(&out.KafkaTopic, over.KafkaTopic)
	return &out
}

// kafkaConfig returns the sink config, or false when no brokers are set.
func kafkaConfig(cfg *config.DashboardConfig, getenv func(string) string) (sink.KafkaConfig, bool) {
	servers := getenv("KAFKA_BOOTSTRAP_SERVERS")
	if servers == "" {
		return sink.KafkaConfig{}, false
	}
	return sink.KafkaConfig{
		BootstrapServers: servers,
		Topic:            cfg.GetKafkaTopic(),
		ClientID:         "densityd-" + version.Version,
	}, true
}

// restore seeds the pipeline with the last stored snapshot for the area.
func restore(ctx context.Context, store *db.DB, p *pipeline.Pipeline, areaID string) {
	snap, err := store.LatestSnapshot(ctx, areaID)
	if errors.Is(err, db.ErrNoSnapshot) {
		return
	}
	if err != nil {
		log.Printf("failed to load last snapshot for %s: %v", areaID, err)
		return
	}
	snap.Trigger = pipeline.TriggerRestore
	if err := p.Restore(snap); err != nil {
		log.Printf("failed to restore snapshot for %s: %v", areaID, err)
		return
	}
	log.Printf("restored snapshot %s for %s (focus %s)", snap.RunID, areaID, snap.Focus.Format(time.RFC3339))
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("densityd %s (%s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		return
	}

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Fatalf("failed to load %s: %v", *envFile, err)
		}
	}
	if *debugLog {
		monitoring.SetDiagLogger(log.Printf)
	}

	cfg, err := loadConfig(*configPath, os.Getenv)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	layout, err := config.LoadLayout(*layoutPath)
	if err != nil {
		log.Fatalf("failed to load layout: %v", err)
	}

	store, err := db.NewDB(cfg.GetDBPath())
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer store.Close()

	if *keepRuns > 0 {
		if n, err := store.PruneRuns(*keepRuns); err != nil {
			log.Printf("failed to prune run history: %v", err)
		} else if n > 0 {
			log.Printf("pruned %d old run records", n)
		}
	}

	client := backend.NewClient(
		httputil.NewStandardClient(nil, cfg.GetHTTPTimeout()),
		cfg.GetBackendURL(),
		backend.WithProject(cfg.GetProject()),
		backend.WithArtifactTimeFormat(cfg.GetArtifactTimeFormat()),
	)

	pipeOpts := []pipeline.Option{pipeline.WithRecorder(store), pipeline.WithSink(store)}
	var kafkaSink *sink.KafkaSink
	if kc, ok := kafkaConfig(cfg, os.Getenv); ok {
		kafkaSink, err = sink.NewKafkaSink(kc)
		if err != nil {
			log.Fatalf("failed to create kafka sink: %v", err)
		}
		pipeOpts = append(pipeOpts, pipeline.WithSink(kafkaSink))
		log.Printf("publishing snapshots to kafka topic %s", kafkaSink.Topic())
	}
	pipe := pipeline.New(client, pipeOpts...)

	dash, err := dashboard.New(layout, pipe, *areaID,
		dashboard.WithLookbackHours(cfg.GetLookbackHours()),
		dashboard.WithHalfMovingAvgSize(cfg.GetHalfMovingAvgSize()),
		dashboard.WithLiveOptions(
			live.WithPeriod(cfg.GetLivePeriod()),
			live.WithCountdown(time.Second, cfg.GetCountdownStart()),
		),
	)
	if err != nil {
		log.Fatalf("failed to create dashboard: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	restore(ctx, store, pipe, dash.Area().ID)

	var wg sync.WaitGroup

	var health *healthsvc.Server
	if addr := cfg.GetGRPCListen(); addr != "" {
		reporter := healthsvc.NewReporter(healthsvc.DefaultService)
		reporter.Observe(pipe.Current())
		health = healthsvc.NewServer(reporter)
		if err := health.Start(addr); err != nil {
			log.Fatalf("failed to start gRPC health server: %v", err)
		}
		log.Printf("gRPC health service %s listening on %s", reporter.Service(), health.Addr())

		wg.Add(1)
		go func() {
			defer wg.Done()
			id, c := pipe.Subscribe()
			defer pipe.Unsubscribe(id)
			reporter.Run(ctx, c)
		}()
	}

	srv := api.NewServer(dash, pipe, store)
	mux := srv.ServeMux()
	srv.AttachAdminRoutes(mux)
	if err := store.AttachAdminRoutes(mux); err != nil {
		log.Fatalf("failed to attach database admin routes: %v", err)
	}

	server := &http.Server{
		Addr:    cfg.GetListen(),
		Handler: api.LoggingMiddleware(mux),
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()
		log.Printf("densityd %s serving %s on %s", version.Version, dash.Area().ID, server.Addr)

		<-ctx.Done()
		log.Println("shutting down...")

		// Live timers and in-flight runs stop before the listeners close.
		dash.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}
		if health != nil {
			health.Stop()
		}
		if kafkaSink != nil {
			kafkaSink.Close()
			st := kafkaSink.Stats()
			log.Printf("kafka sink closed: sent=%d acked=%d failed=%d", st.Sent, st.Acked, st.Failed)
		}
		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}

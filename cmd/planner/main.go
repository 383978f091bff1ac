// Command planner runs the tripsaga runtime: the event bus, the
// blackboard, the stage harness, the workflow engine loaded with the
// travel/travel-fallback templates, and the SLA/cleanup supervisor.
// It exposes a minimal HTTP surface for health checks, saga admission,
// and Prometheus scraping.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/r3e-network/tripsaga/pkg/blackboard"
	"github.com/r3e-network/tripsaga/pkg/bus"
	"github.com/r3e-network/tripsaga/pkg/config"
	"github.com/r3e-network/tripsaga/pkg/logger"
	"github.com/r3e-network/tripsaga/pkg/metrics"
	"github.com/r3e-network/tripsaga/pkg/sla"
	"github.com/r3e-network/tripsaga/pkg/stage"
	"github.com/r3e-network/tripsaga/pkg/version"
	"github.com/r3e-network/tripsaga/pkg/workflow"
	"github.com/r3e-network/tripsaga/pkg/workflow/templates"
)

func main() {
	configPath := flag.String("config", "", "path to configuration file (overrides CONFIG_FILE)")
	addr := flag.String("addr", "", "HTTP listen address (overrides metrics.addr)")
	flag.Parse()

	if *configPath != "" {
		os.Setenv("CONFIG_FILE", *configPath)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	appLog := logger.New(cfg.Logging)
	appLog.WithField("version", version.FullVersion()).Info("starting planner")

	b := bus.New(bus.Config{Logger: appLog})
	bb := blackboard.New(blackboard.Config{
		Logger:        appLog,
		Bus:           b,
		NamespaceTTLs: cfg.Blackboard.NamespaceTTLs,
		SweepInterval: cfg.Blackboard.TTLSweepInterval,
	})
	defer bb.Close()

	registry := stage.NewRegistry(b, appLog)
	defer registerBuiltinStages(registry)()

	engine := workflow.New(workflow.Config{
		Logger:                 appLog,
		Bus:                    b,
		MaxConcurrentWorkflows: cfg.Workflow.MaxConcurrentWorkflows,
	})

	handlers := templates.NewHandlers(bb)
	handlers.Register(engine)

	if err := engine.RegisterTemplate(templates.Travel()); err != nil {
		appLog.WithError(err).Fatal("register travel template")
	}
	if err := engine.RegisterTemplate(templates.TravelFallback()); err != nil {
		appLog.WithError(err).Fatal("register travel-fallback template")
	}

	supervisor := sla.New(sla.Config{
		Logger:          appLog,
		Engine:          engine,
		SLAInterval:     cfg.Workflow.SLASweepInterval,
		CleanupInterval: cfg.Workflow.CleanupInterval,
		MaxWorkflowAge:  cfg.Workflow.MaxWorkflowAge,
	})
	supervisor.Start()
	defer supervisor.Stop()

	listenAddr := strings.TrimSpace(*addr)
	if listenAddr == "" {
		listenAddr = cfg.Metrics.Addr
	}
	if listenAddr == "" {
		listenAddr = ":9090"
	}

	srv := &http.Server{
		Addr:    listenAddr,
		Handler: newMux(engine, cfg),
	}

	go func() {
		appLog.WithField("addr", listenAddr).Info("planner listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLog.WithError(err).Fatal("http server")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLog.WithError(err).Error("http shutdown")
	}
}

func newMux(engine *workflow.Engine, cfg *config.Config) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/version", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(version.FullVersion()))
	})
	if cfg.Metrics.Enabled {
		mux.Handle("/metrics", metrics.Handler())
	}
	mux.HandleFunc("/sagas/", func(w http.ResponseWriter, r *http.Request) {
		sagaID := strings.TrimPrefix(r.URL.Path, "/sagas/")
		if sagaID == "" {
			http.Error(w, "saga_id required", http.StatusBadRequest)
			return
		}
		saga, ok := engine.Status(sagaID)
		if !ok {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(saga)
	})
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			TemplateName string         `json:"template_name"`
			SagaID       string         `json:"saga_id"`
			Data         map[string]any `json:"data"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		workflowID, err := engine.Start(r.Context(), req.TemplateName, req.SagaID, req.Data, workflow.StartOptions{})
		if err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"workflow_id": workflowID})
	})
	return mux
}

// registerBuiltinStages wires the six stub pipeline stages onto the
// bus under the stage names the travel templates' steps target
// (workflow.Step.Target, not the step id — the engine dispatches to
// "<target>.request"), each rate-limited against its (simulated)
// external provider. Returns a function that unregisters all six.
func registerBuiltinStages(r *stage.Registry) func() {
	unregisters := []func(){
		r.Register("candidate", stage.NewRateLimited(stage.NewCandidateHandler(), defaultLimiter())),
		r.Register("validation", stage.NewRateLimited(stage.NewValidationHandler(), defaultLimiter())),
		r.Register("ranking", stage.NewRateLimited(stage.NewRankingHandler(), defaultLimiter())),
		r.Register("selection", stage.NewRateLimited(stage.NewSelectionHandler(), defaultLimiter())),
		r.Register("enrichment", stage.NewRateLimited(stage.NewEnrichmentHandler(), defaultLimiter())),
		r.Register("output", stage.NewRateLimited(stage.NewOutputHandler(), defaultLimiter())),
	}
	return func() {
		for _, u := range unregisters {
			u()
		}
	}
}

// defaultLimiter bounds a stage's (simulated) calls to its external
// provider to 50 requests/sec with a burst of 10.
func defaultLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(50), 10)
}

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"outreach-orchestrator/internal/batch"
	"outreach-orchestrator/internal/clients"
	"outreach-orchestrator/internal/config"
	"outreach-orchestrator/internal/logging"
	"outreach-orchestrator/internal/models"
	"outreach-orchestrator/internal/progress"
	"outreach-orchestrator/internal/queue"
	"outreach-orchestrator/internal/store"
	"outreach-orchestrator/internal/telemetry"
	"outreach-orchestrator/internal/workflow"
	workerproc "outreach-orchestrator/internal/worker"
)

func main() {
	cfg := config.Load()
	log := logging.New(cfg.Env)
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("connect postgres", zap.Error(err))
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatal("migrations", zap.Error(err))
	}

	q := queue.New(cfg)
	hub := progress.NewHub(q.Client(), log)

	coordinator := batch.NewCoordinator(st, q, hub, log)
	machine := workflow.NewMachine(st, log)
	coordinator.SetSessionNotifier(machine)

	pool := workerproc.NewPool(cfg, q, st, hub, log)

	enricher := workerproc.NewEnrichmentHandler(st,
		clients.NewHTTPEnricher("linkedin", cfg.LinkedInLookupURL, cfg.ProviderTimeout),
		clients.NewHTTPEnricher("company", cfg.CompanyLookupURL, cfg.ProviderTimeout),
		clients.NewHTTPEnricher("tech_stack", cfg.TechStackLookupURL, cfg.ProviderTimeout),
	)
	emailer := workerproc.NewEmailHandler(st, clients.NewHTTPEmailGenerator(cfg.EmailGeneratorURL, cfg.ProviderTimeout))
	exporter, err := workerproc.NewExportHandler(ctx, cfg, st)
	if err != nil {
		log.Fatal("init export handler", zap.Error(err))
	}

	pool.Register(models.TypeProspectEnrichment, enricher.Process)
	pool.Register(models.TypeEmailGeneration, emailer.Process)
	pool.Register(models.TypeBatchEnrichment, coordinator.EnrichmentProcessor())
	pool.Register(models.TypeBatchEmailGeneration, coordinator.EmailProcessor())
	pool.Register(models.TypeCSVImport, workerproc.NewCSVImportHandler(st).Process)
	pool.Register(models.TypeDataExport, exporter.Process)
	pool.OnTerminal(coordinator.OnJobTerminal)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	log.Info("worker started",
		zap.Duration("visibility", cfg.VisibilityTimeout),
		zap.Duration("backoff_base", cfg.BackoffBase))
	if err := pool.Run(ctx); err != nil {
		log.Warn("worker stopped", zap.Error(err))
	}
}

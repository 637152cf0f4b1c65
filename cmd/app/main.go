package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	cfgpkg "github.com/local/docpipe/internal/config"
	"github.com/local/docpipe/internal/convert"
	"github.com/local/docpipe/internal/convsvc"
	"github.com/local/docpipe/internal/kb"
	logpkg "github.com/local/docpipe/internal/logger"
	"github.com/local/docpipe/internal/metrics"
	"github.com/local/docpipe/internal/pdf"
	"github.com/local/docpipe/internal/processor"
	"github.com/local/docpipe/internal/queue"
	"github.com/local/docpipe/internal/report"
	"github.com/local/docpipe/internal/statuscheck"
	"github.com/local/docpipe/internal/storage"
	"github.com/local/docpipe/internal/store"
	"github.com/local/docpipe/internal/vision"
	"github.com/local/docpipe/internal/watcher"
)

func main() {
	_ = godotenv.Load()
	cfg := cfgpkg.FromEnv()

	_ = logpkg.Init(logpkg.Options{
		Level:        cfg.Logging.Level,
		Pretty:       cfg.Logging.Pretty,
		File:         cfg.Logging.File,
		MaxSizeMB:    cfg.Logging.MaxSizeMB,
		MaxBackups:   cfg.Logging.MaxBackups,
		MaxAgeDays:   cfg.Logging.MaxAgeDays,
		Compress:     cfg.Logging.Compress,
		SendToAxiom:  cfg.Axiom.Send && cfg.Axiom.APIKey != "",
		AxiomAPIKey:  cfg.Axiom.APIKey,
		AxiomOrgID:   cfg.Axiom.OrgID,
		AxiomDataset: cfg.Axiom.Dataset,
		AxiomFlush:   cfg.Axiom.FlushInterval,
	})
	defer logpkg.Close()

	metrics.Init()

	layout, err := storage.NewLayout(cfg.Storage.Root)
	if err != nil {
		log.Fatal().Err(err).Msg("storage layout init failed")
	}

	// Store and queue: Redis when configured, in-memory otherwise.
	var (
		st    store.Store
		q     queue.Queue
		redis statuscheck.RedisPinger
	)
	if cfg.Queue.RedisURL != "" {
		rs, err := store.NewRedis(cfg.Queue.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("redis store init failed")
		}
		rq, err := queue.NewRedisQueue(cfg.Queue.RedisURL, cfg.Queue.Stream, cfg.Queue.Group)
		if err != nil {
			log.Fatal().Err(err).Msg("redis queue init failed")
		}
		st, q, redis = rs, rq, rq
	} else {
		log.Warn().Msg("REDIS_URL not set; using in-memory store and queue (state is lost on restart)")
		st, q = store.NewMemory(), queue.NewMemoryQueue(0)
	}
	defer st.Close()
	defer q.Close()

	// Conversion stack.
	convClient := convsvc.New(cfg.Converter.BaseURL, cfg.Converter.Timeout)
	visionClient := vision.NewOpenAIClient(cfg.Vision.BaseURL, cfg.Vision.APIKey, cfg.Vision.Model, cfg.Vision.PageTimeout)
	renderer := pdf.NewRenderer(cfg.Vision.RenderDPI, cfg.Vision.MaxImageDim)
	ocr := vision.NewOCR(visionClient, renderer, cfg.Vision.PageConcurrency, cfg.Vision.PageTimeout)
	prober := pdf.NewProber(cfg.Scan.ProbePages, cfg.Scan.TextThreshold)
	dispatcher := convert.New(convClient, ocr, prober)

	// Knowledge base.
	kbClient := kb.NewClient(cfg.KB.BaseURL, cfg.KB.APIKey, cfg.KB.RequestTimeout, cfg.KB.UploadTimeout)
	kbService := kb.NewService(st, kbClient, q)
	poller := kb.NewSupervisor(st, kbClient, cfg.KB.PollInterval)
	kbService.SetPoller(poller)

	// The remote source fetcher is optional; without AWS config the daemon
	// still serves direct uploads.
	var fetcher processor.SourceFetcher
	if f, ferr := storage.NewSourceFetcher(context.Background(), cfg.Storage.FetchTimeout); ferr == nil {
		fetcher = f
	} else {
		log.Warn().Err(ferr).Msg("source fetcher disabled")
	}

	proc := processor.New(st, layout, q, dispatcher, kbService, fetcher, cfg.Labels)
	pool := processor.NewPool(proc, q, cfg.Worker.Concurrency, cfg.Queue.PollInterval)

	workflowClient := report.NewWorkflowClient(cfg.Report.WorkflowURL, cfg.Report.APIKey, cfg.Report.Timeout)
	reportService := report.NewService(st, kbClient, workflowClient, layout)

	// Crash recovery: documents left in PARSING_KB get their pollers back.
	if err := poller.Resume(context.Background()); err != nil {
		log.Error().Err(err).Msg("poller resume failed")
	}

	pool.Start()

	var inbox *watcher.Watcher
	if cfg.Watcher.Enabled {
		inbox, err = watcher.New(st, proc, layout, cfg.Watcher.SettleDelay)
		if err == nil {
			err = inbox.Start()
		}
		if err != nil {
			log.Error().Err(err).Msg("inbox watcher failed to start")
			inbox = nil
		}
	}

	// Queue depth gauges.
	depthCtx, depthCancel := context.WithCancel(context.Background())
	go func() {
		t := time.NewTicker(15 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-depthCtx.Done():
				return
			case <-t.C:
				pool.ReportDepths(depthCtx)
			}
		}
	}()

	checker := statuscheck.New(statuscheck.Options{
		Redis:        redis,
		StorageRoot:  cfg.Storage.Root,
		ConverterURL: cfg.Converter.BaseURL,
		KBBaseURL:    cfg.KB.BaseURL,
		KBAPIKey:     cfg.KB.APIKey,
		VisionAPIKey: cfg.Vision.APIKey,
		WorkflowURL:  cfg.Report.WorkflowURL,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("/health/deps", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(checker.Check(r.Context()))
	})
	mux.Handle("/metrics", metrics.Handler())
	registerAdminRoutes(mux, st, proc, kbService, reportService)

	srv := &http.Server{Addr: cfg.OpsAddr, Handler: mux}
	go func() {
		log.Info().Str("addr", cfg.OpsAddr).Msg("ops server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("ops server error")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info().Msg("shutting down")

	if inbox != nil {
		inbox.Close()
	}
	depthCancel()
	pool.Stop()
	poller.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	log.Info().Msg("shutdown complete")
}

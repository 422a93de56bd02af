package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/local/pagetrack/internal/api"
	cfgpkg "github.com/local/pagetrack/internal/config"
	"github.com/local/pagetrack/internal/converter"
	"github.com/local/pagetrack/internal/limiter"
	logpkg "github.com/local/pagetrack/internal/logger"
	"github.com/local/pagetrack/internal/metrics"
	"github.com/local/pagetrack/internal/orchestrator"
	"github.com/local/pagetrack/internal/partition"
	"github.com/local/pagetrack/internal/queue"
	"github.com/local/pagetrack/internal/recognize"
	"github.com/local/pagetrack/internal/recognize/tesseract"
	"github.com/local/pagetrack/internal/registry"
	"github.com/local/pagetrack/internal/render"
	"github.com/local/pagetrack/internal/retry"
	"github.com/local/pagetrack/internal/statuscheck"
	"github.com/local/pagetrack/internal/storage"
	"github.com/local/pagetrack/internal/store"
	"github.com/local/pagetrack/internal/sweeper"
	"github.com/local/pagetrack/internal/upload"
)

// strategy is the processing orchestrator selected by ORCHESTRATOR_STRATEGY.
type strategy interface {
	Submit(ctx context.Context, jobID string) error
	Start(ctx context.Context)
	Stop()
}

type redisPinger struct{ c *redis.Client }

func (p redisPinger) Ping(ctx context.Context) error { return p.c.Ping(ctx).Err() }

func main() {
	// .env is optional; real environment wins
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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage
	backend, err := storage.New(ctx, storage.Options{
		Backend:       cfg.Storage.Backend,
		LocalRoot:     cfg.Storage.LocalRoot,
		PublicBaseURL: cfg.Storage.PublicBaseURL,
		Bucket:        cfg.Storage.Bucket,
		Region:        cfg.Storage.Region,
		Endpoint:      cfg.Storage.Endpoint,
		AccessKey:     cfg.Storage.AccessKey,
		SecretKey:     cfg.Storage.SecretKey,
		PathStyle:     cfg.Storage.PathStyle,
		PresignTTL:    cfg.Storage.PresignTTL,
		EncryptionKey: cfg.Storage.EncryptionKey,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init storage backend")
	}
	policy := retry.Policy{
		Attempts:  cfg.Retry.Attempts,
		BaseDelay: cfg.Retry.BaseDelay,
		MaxDelay:  cfg.Retry.MaxDelay,
	}
	st := store.New(backend, policy)

	reg := registry.New(st, registry.Options{})
	defer reg.Close()

	// Redis is required by the queue strategy and redis manifests; otherwise
	// it only backs the recognition breaker.
	needRedis := cfg.Orchestrator.Strategy == "queue" || cfg.Upload.Manifests == "redis"
	var rdb *redis.Client
	if needRedis || cfg.Queue.RedisURL != "" {
		rdb, err = queue.Dial(ctx, cfg.Queue.RedisURL)
		if err != nil {
			if needRedis {
				log.Fatal().Err(err).Msg("failed to connect to redis")
			}
			log.Warn().Err(err).Msg("redis unavailable, running without shared breaker")
			rdb = nil
		} else {
			defer rdb.Close()
		}
	}

	var manifests upload.ManifestStore
	var expirer sweeper.Expirer
	if cfg.Upload.Manifests == "redis" {
		rm := upload.NewRedisManifests(rdb, cfg.Upload.TTL)
		manifests, expirer = rm, rm
	} else {
		mm := upload.NewMemoryManifests(cfg.Upload.TTL)
		manifests, expirer = mm, mm
	}

	// Recognition
	var breaker recognize.Breaker
	if rdb != nil {
		breaker = limiter.NewBreaker(rdb, limiter.BreakerOptions{})
	}
	var (
		engines []recognize.Recognizer
		tess    *tesseract.Engine
	)
	for _, name := range strings.Split(cfg.Recognizer.Engine, ",") {
		switch strings.TrimSpace(strings.ToLower(name)) {
		case "tesseract":
			tess = tesseract.New(cfg.Recognizer.Languages, cfg.Recognizer.RenderDPI)
			engines = append(engines, recognize.Timed{Recognizer: tess})
		case "openai":
			engines = append(engines, recognize.Timed{Recognizer: recognize.NewOpenAI(
				cfg.Recognizer.OpenAIKey, cfg.Recognizer.OpenAIModel, cfg.Recognizer.RequestTimeout)})
		case "anthropic":
			engines = append(engines, recognize.Timed{Recognizer: recognize.NewAnthropic(
				cfg.Recognizer.AnthropicKey, cfg.Recognizer.AnthropicModel, cfg.Recognizer.RequestTimeout)})
		case "":
		default:
			log.Fatal().Str("engine", name).Msg("unknown recognition engine")
		}
	}
	if len(engines) == 0 {
		log.Fatal().Msg("no recognition engine configured")
	}
	chain := recognize.NewChain(breaker, cfg.Recognizer.RequestTimeout, engines...)

	conv := converter.NewLibreOffice("soffice", cfg.Recognizer.MaxConversions, cfg.Recognizer.ConvertTimeout)
	renderer := render.New(render.Options{
		DPI:     cfg.Recognizer.RenderDPI,
		Quality: cfg.Recognizer.RenderQuality,
		Gray:    true,
	}, conv)

	orch := orchestrator.New(orchestrator.Dependencies{
		Store:      st,
		Jobs:       reg,
		Renderer:   renderer,
		Recognizer: chain,
		Gate:       limiter.NewGate(1),
	}, orchestrator.Options{
		BatchSize:       cfg.Orchestrator.BatchSize,
		PageMaxAttempts: cfg.Orchestrator.PageMaxAttempts,
		FailurePolicy:   orchestrator.FailurePolicy(cfg.Orchestrator.FailurePolicy),
		ClaimTTL:        cfg.Queue.LeaseTTL,
		RetryDelay:      cfg.Orchestrator.RetryDelay,
	})

	var strat strategy
	switch cfg.Orchestrator.Strategy {
	case "queue":
		rq, err := queue.NewRedisQueue(ctx, rdb, cfg.Queue.Stream, cfg.Queue.Group, cfg.Queue.PollInterval)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to init redis queue")
		}
		defer rq.Close()
		host, _ := os.Hostname()
		strat = orchestrator.NewQueueWorker(orch, rq,
			queue.NewLease(rdb, "pagetrack:lease", cfg.Queue.LeaseTTL),
			orchestrator.QueueOptions{
				Consumer: fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]),
				LeaseTTL: cfg.Queue.LeaseTTL,
				Poll:     cfg.Queue.PollInterval,
				ChainTTL: cfg.Queue.ChainTTL,
			})
	default:
		strat = orchestrator.NewLocalPool(orch, cfg.Orchestrator.Concurrency)
	}
	strat.Start(ctx)
	defer strat.Stop()

	if n, err := orchestrator.Recover(ctx, st, reg, strat); err != nil {
		log.Error().Err(err).Msg("job recovery failed")
	} else if n > 0 {
		log.Info().Int("jobs", n).Msg("resubmitted unfinished jobs")
	}
	if cfg.Orchestrator.Strategy == "queue" {
		// chains lost with a crashed consumer expire and are restarted here
		go orchestrator.RecoverEvery(ctx, cfg.Queue.ChainTTL, st, reg, strat)
	}

	asm := upload.NewAssembler(st, reg, strat, manifests, upload.Options{
		MaxChunks: cfg.Upload.MaxChunks,
		MaxSize:   cfg.Upload.MaxSize,
		Retry:     policy,
	})

	sw := sweeper.New(st, reg, expirer, sweeper.Options{
		IdleTimeout: cfg.Session.IdleTimeout,
		Interval:    cfg.Session.SweepInterval,
	})
	go sw.Run(ctx)

	checkOpts := statuscheck.Options{
		Storage:      backend,
		StorageName:  backend.Name(),
		Converter:    conv,
		OpenAIKey:    cfg.Recognizer.OpenAIKey,
		AnthropicKey: cfg.Recognizer.AnthropicKey,
	}
	if rdb != nil {
		checkOpts.Redis = redisPinger{rdb}
	}
	if tess != nil {
		checkOpts.Tesseract = tess.Version
	}

	srvAPI := api.New(api.Dependencies{
		Uploads: asm,
		Store:   st,
		Jobs:    reg,
		Owners:  partition.NewValidator(st, policy),
		Checker: statuscheck.New(checkOpts),
	}, api.Options{})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srvAPI.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().
			Str("strategy", cfg.Orchestrator.Strategy).
			Str("engines", chain.Name()).
			Msgf("HTTP server listening on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server error")
		}
	}()

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	cancel()
	log.Info().Msg("shutdown complete")
}

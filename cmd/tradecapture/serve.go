package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/broker"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/config"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/consumer"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/coord"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/dlq"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/enrichment"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/idempotency"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/jobstatus"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/lock"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/log"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/metrics"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/orchestrator"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/publisher"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/ratelimit"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/refdata"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/router"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/rules"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/sequence"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/statemachine"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/store"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/validation"
)

// Exit codes: 0 normal, 1 unhandled startup error, 2 bad configuration
const (
	exitStartupError = 1
	exitBadConfig    = 2
)

const shutdownGrace = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the full trade-capture core (router + ordered processor)",
	Run: func(cmd *cobra.Command, args []string) {
		cfgPath, _ := rootCmd.PersistentFlags().GetString("config")
		cfg, err := config.Load(cfgPath)
		if err != nil {
			log.Errorf("invalid configuration", err)
			os.Exit(exitBadConfig)
		}
		if err := serve(cfg); err != nil {
			log.Errorf("startup failed", err)
			os.Exit(exitStartupError)
		}
	},
}

var routeCmd = &cobra.Command{
	Use:   "route",
	Short: "Run the message router only",
	Run: func(cmd *cobra.Command, args []string) {
		cfgPath, _ := rootCmd.PersistentFlags().GetString("config")
		cfg, err := config.Load(cfgPath)
		if err != nil {
			log.Errorf("invalid configuration", err)
			os.Exit(exitBadConfig)
		}
		if err := runRouter(cfg); err != nil {
			log.Errorf("startup failed", err)
			os.Exit(exitStartupError)
		}
	},
}

func serve(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics.SetVersion(Version)

	// Clients
	coordClient := coord.NewRedisClient(cfg.Coordination)
	if err := coordClient.Ping(ctx); err != nil {
		metrics.RegisterComponent("coordination", false, err.Error())
		return fmt.Errorf("coordination store unreachable: %w", err)
	}
	metrics.RegisterComponent("coordination", true, "connected")

	db, err := store.Open(cfg.Database, cfg.Retries)
	if err != nil {
		metrics.RegisterComponent("database", false, err.Error())
		return fmt.Errorf("durable store unreachable: %w", err)
	}
	metrics.RegisterComponent("database", true, "connected")

	bk, err := broker.New(cfg.Messaging)
	if err != nil {
		metrics.RegisterComponent("broker", false, err.Error())
		return fmt.Errorf("broker unreachable: %w", err)
	}
	metrics.RegisterComponent("broker", true, "connected")

	// Reference-data collaborators
	var (
		securityMaster refdata.SecurityMaster
		accountMaster  refdata.AccountMaster
		approval       refdata.ApprovalWorkflow
	)
	if cfg.RefData.Mock {
		securityMaster = refdata.MockSecurityMaster{}
		accountMaster = refdata.MockAccountMaster{}
		approval = refdata.MockApprovalWorkflow{}
	} else {
		securityMaster = refdata.NewSecurityMaster(cfg.RefData)
		accountMaster = refdata.NewAccountMaster(cfg.RefData)
		approval = refdata.NewApprovalWorkflow(cfg.RefData)
	}

	// Core services
	dlqSvc := dlq.NewService(bk, cfg.Messaging.Topics.DLQ)
	seqSvc := sequence.NewService(coordClient, db, cfg.Sequence, dlqSvc)
	idemSvc := idempotency.NewService(coordClient, db, cfg.Idempotency)
	jobsSvc := jobstatus.NewService(coordClient, cfg.JobStatus)
	orch := orchestrator.New(orchestrator.Deps{
		Locks:     lock.NewService(coordClient),
		Limiter:   ratelimit.NewLimiter(coordClient, cfg.RateLimit),
		Sequence:  seqSvc,
		Idem:      idemSvc,
		Enricher:  enrichment.NewService(coordClient, securityMaster, accountMaster, cfg.Cache),
		Engine:    rules.NewEngine(rules.NewFileRepository(cfg.Rules.File)),
		Validator: validation.NewService(),
		States:    statemachine.NewService(coordClient, db),
		Store:     db,
		Output:    publisher.NewOutput(bk, cfg.Messaging.Topics.Output, cfg.Output),
		Approval:  approval,
		Jobs:      jobsSvc,
		LockCfg:   cfg.Lock,
	})

	rt := router.New(bk, cfg.Messaging.Topics)
	if err := rt.Start(ctx); err != nil {
		return fmt.Errorf("failed to start router: %w", err)
	}

	cns := consumer.New(bk, cfg.Messaging.Topics, cfg.Backpressure, orch, dlqSvc)
	if err := cns.Start(ctx); err != nil {
		return fmt.Errorf("failed to start consumer: %w", err)
	}

	seqSvc.Start(ctx)
	startIdempotencyArchiver(ctx, idemSvc)
	httpSrv := startHTTP(cfg.HTTP)

	log.Info("trade-capture core started")

	// Block until a shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutdown signal received")

	// Stop consumers first, drain in-flight runs within the grace period,
	// then close clients. Held locks free themselves by TTL.
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := cns.Stop(); err != nil {
			log.Errorf("consumer shutdown error", err)
		}
		if err := rt.Stop(); err != nil {
			log.Errorf("router shutdown error", err)
		}
	}()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		log.Warn("shutdown grace period elapsed with work in flight")
	}

	seqSvc.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)

	if err := bk.Close(); err != nil {
		log.Errorf("broker close error", err)
	}
	if err := coordClient.Close(); err != nil {
		log.Errorf("coordination store close error", err)
	}
	if err := db.Close(); err != nil {
		log.Errorf("durable store close error", err)
	}
	log.Info("trade-capture core stopped")
	return nil
}

func runRouter(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics.SetVersion(Version)

	bk, err := broker.New(cfg.Messaging)
	if err != nil {
		return fmt.Errorf("broker unreachable: %w", err)
	}
	metrics.RegisterComponent("broker", true, "connected")

	rt := router.New(bk, cfg.Messaging.Topics)
	if err := rt.Start(ctx); err != nil {
		return fmt.Errorf("failed to start router: %w", err)
	}
	httpSrv := startHTTP(cfg.HTTP)

	log.Info("router started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	if err := rt.Stop(); err != nil {
		log.Errorf("router shutdown error", err)
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	return bk.Close()
}

// startIdempotencyArchiver schedules the idempotency-expiry archive
func startIdempotencyArchiver(ctx context.Context, idemSvc *idempotency.Service) {
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				n, err := idemSvc.ArchiveExpired(ctx)
				if err != nil {
					log.Errorf("idempotency archive failed", err)
					continue
				}
				if n > 0 {
					log.WithComponent("idempotency").Info().
						Int64("archived", n).
						Msg("archived expired idempotency records")
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// startHTTP serves metrics and health endpoints
func startHTTP(cfg config.HTTPConfig) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())

	srv := &http.Server{Addr: cfg.Addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("http listener failed", err)
		}
	}()
	return srv
}

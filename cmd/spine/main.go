package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"integrityspine/pkg/anchor"
	"integrityspine/pkg/audit"
	"integrityspine/pkg/escalation"
	"integrityspine/pkg/hardening"
	"integrityspine/pkg/metrics"
	"integrityspine/pkg/mutationlog"
	"integrityspine/pkg/policyeval"
	"integrityspine/pkg/spine"
	"integrityspine/pkg/statebus"
	"integrityspine/pkg/stream"
	"integrityspine/pkg/telemetry"
)

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	openBackendsFn  = openBackends
	listenFn        func(*http.Server) error
)

func main() {
	if err := runSpine(initTelemetryFn, openBackendsFn, listenFn); err != nil {
		logFatalf("spine: %v", err)
	}
}

func runSpine(
	initTelemetry func(context.Context, string) (func(context.Context) error, error),
	open func(context.Context, config) (*backends, error),
	listen func(*http.Server) error,
) error {
	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if open == nil {
		open = openBackends
	}
	if listen == nil {
		listen = func(server *http.Server) error { return server.ListenAndServe() }
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	shutdown, err := initTelemetry(ctx, "integrity-spine")
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	cfg := loadConfig()
	if err := checkAuthMode(cfg); err != nil {
		return err
	}
	if err := hardening.ValidateProduction(hardening.Options{
		Environment:           cfg.Environment,
		StrictProdSecurity:    env("STRICT_PROD_SECURITY", "true"),
		Store:                 cfg.Store,
		DatabaseRequireTLS:    env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:             cfg.RedisAddr,
		RedisRequireTLS:       env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:      env("REDIS_TLS_INSECURE", ""),
		RedisAllowInsecureTLS: env("REDIS_ALLOW_INSECURE_TLS", ""),
		CORSAllowedOrigins:    cfg.CORSAllowedOrigins,
		AuthMode:              cfg.AuthMode,
		AuthSecret:            cfg.AuthSecret,
		LedgerURLs: []hardening.EnvRequirement{
			{Name: "SPINE_LEDGER_PUBLIC_URL", Value: cfg.LedgerPublicURL},
			{Name: "SPINE_LEDGER_PRIVATE_URL", Value: cfg.LedgerPrivateURL},
		},
		Required: []hardening.EnvRequirement{
			{Name: "SPINE_LEDGER_PUBLIC_URL", Value: cfg.LedgerPublicURL},
			{Name: "SPINE_LEDGER_PRIVATE_URL", Value: cfg.LedgerPrivateURL},
		},
	}); err != nil {
		return err
	}

	b, err := open(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.close()
	if cfg.SeedPath != "" {
		if err := loadSeed(ctx, b.graph, cfg.SeedPath); err != nil {
			return err
		}
	}

	svc, err := buildService(cfg, b)
	if err != nil {
		return err
	}
	reg := metrics.NewRegistry()
	hub := stream.NewHub()
	svc.Instrument(reg, hub)

	// A broken chain halts appends; the server still starts so operators
	// can inspect and resume it.
	if rep, err := svc.VerifyChain(ctx); err != nil {
		log.Printf("spine: audit chain failed verification: %v", err)
	} else {
		log.Printf("spine: audit chain verified (%d entries)", rep.Entries)
	}

	stopWorkers, err := startWorkers(ctx, cfg, svc, b, reg, hub)
	if err != nil {
		return err
	}
	defer stopWorkers()

	s := &Server{
		Spine:       svc,
		Metrics:     reg,
		Hub:         hub,
		AuthOff:     cfg.authOff(),
		DisplaySalt: []byte(cfg.DisplaySalt),
	}
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           newRouter(s, cfg, b.limiter),
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(sctx)
	}()
	log.Printf("spine listening on %s (store=%s auth=%s)", cfg.Addr, cfg.Store, cfg.AuthMode)
	if err := listen(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func checkAuthMode(cfg config) error {
	if !cfg.authOff() {
		return nil
	}
	if env("ALLOW_INSECURE_AUTH_OFF", "false") != "true" {
		return errors.New("AUTH_MODE=off is disabled unless ALLOW_INSECURE_AUTH_OFF=true")
	}
	if isProductionLikeEnv(cfg.Environment) {
		return errors.New("AUTH_MODE=off is forbidden in production-like environments")
	}
	if !isExplicitNonProductionEnv(cfg.Environment) && !isTestBinaryProcess() {
		return errors.New("AUTH_MODE=off requires ENVIRONMENT=development|dev|local|test")
	}
	return nil
}

func buildService(cfg config, b *backends) (*spine.Service, error) {
	rules := policyeval.DefaultRuleSet()
	if cfg.RulesPath != "" {
		rs, err := policyeval.LoadRuleSet(cfg.RulesPath)
		if err != nil {
			return nil, err
		}
		rules = rs
	}
	policies, err := policyeval.NewRegistry(rules)
	if err != nil {
		return nil, err
	}
	svc := spine.New(
		b.graph,
		policies,
		audit.NewChain(b.audit),
		escalation.NewWorkflow(b.escalations, cfg.EscalationTimeout),
		mutationlog.New(b.mutations, cfg.MutationRetention),
	)
	if cfg.LedgerPublicURL != "" && cfg.LedgerPrivateURL != "" {
		client := telemetry.InstrumentClient(&http.Client{Timeout: cfg.AnchorTimeout})
		svc.Anchors = anchor.NewVerifier(
			b.anchors,
			anchor.NewHTTPLedger(cfg.LedgerPublicURL, client),
			anchor.NewHTTPLedger(cfg.LedgerPrivateURL, client),
			svc.Mutations,
			anchor.Config{
				MaxRetries:  cfg.AnchorRetries,
				BaseBackoff: cfg.AnchorBackoff,
				CallTimeout: cfg.AnchorTimeout,
			},
		)
	} else {
		log.Printf("spine: ledger URLs not set, anchor endpoints disabled")
	}
	if cfg.FacetsURL != "" {
		svc.Facets = newHTTPFacets(cfg.FacetsURL, telemetry.InstrumentClient(&http.Client{Timeout: 5 * time.Second}))
	}
	return svc, nil
}

// startWorkers launches the background loops and returns a func that
// stops them all.
func startWorkers(ctx context.Context, cfg config, svc *spine.Service, b *backends, reg *metrics.Registry, hub *stream.Hub) (func(), error) {
	var stops []func()
	stopAll := func() {
		for i := len(stops) - 1; i >= 0; i-- {
			stops[i]()
		}
	}

	sweeper := escalation.NewSweeper(svc.Escalations, cfg.SweepInterval, nil)
	sweeper.Start(ctx)
	stops = append(stops, sweeper.Stop)

	pruner := mutationlog.NewPruner(b.mutations, cfg.PruneInterval, nil)
	pruner.Start(ctx)
	stops = append(stops, pruner.Stop)

	if svc.Anchors != nil {
		go func() {
			n, err := svc.Anchors.ResumePending(ctx)
			if err != nil {
				log.Printf("spine: resume pending anchors: %v", err)
				return
			}
			if n > 0 {
				log.Printf("spine: resumed verification of %d pending anchors", n)
			}
		}()
	}

	brokers := statebus.SplitBrokers(cfg.KafkaBrokers)
	if len(brokers) == 0 {
		return stopAll, nil
	}
	consumer, err := statebus.NewKafkaConsumer(statebus.KafkaConfig{
		Brokers: brokers,
		Topic:   cfg.RevocationTopic,
		GroupID: cfg.KafkaGroupID,
	})
	if err != nil {
		stopAll()
		return nil, err
	}
	feed := spine.NewRevocationFeed(svc, consumer)
	spine.InstrumentFeed(feed, reg, hub)
	feedCtx, cancelFeed := context.WithCancel(ctx)
	feedDone := make(chan struct{})
	go func() {
		defer close(feedDone)
		feed.Run(feedCtx)
	}()
	stops = append(stops, func() {
		cancelFeed()
		<-feedDone
		_ = consumer.Close()
	})
	log.Printf("spine: consuming revocations from %s", cfg.RevocationTopic)

	if cfg.AuditTopic != "" {
		pub, err := statebus.NewKafkaPublisher(statebus.KafkaConfig{Brokers: brokers, Topic: cfg.AuditTopic})
		if err != nil {
			stopAll()
			return nil, err
		}
		fwd := spine.NewAuditForwarder(pub, 0, nil)
		fwd.Attach(svc.Chain)
		fwd.Start(ctx)
		stops = append(stops, func() {
			fwd.Stop()
			_ = pub.Close()
		})
		log.Printf("spine: publishing audit entries to %s", cfg.AuditTopic)
	}
	return stopAll, nil
}

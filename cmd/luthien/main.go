package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"goa.design/clue/debug"
	"goa.design/clue/health"
	"goa.design/clue/log"

	"github.com/luthienresearch/luthien/config"
	"github.com/luthienresearch/luthien/events"
	eventspulse "github.com/luthienresearch/luthien/events/pulse"
	"github.com/luthienresearch/luthien/gateway"
	"github.com/luthienresearch/luthien/pipeline"
	"github.com/luthienresearch/luthien/policy"
	"github.com/luthienresearch/luthien/record"
	recordmongo "github.com/luthienresearch/luthien/record/mongo"
	"github.com/luthienresearch/luthien/upstream"
	upstreamanthropic "github.com/luthienresearch/luthien/upstream/anthropic"
	upstreamopenai "github.com/luthienresearch/luthien/upstream/openai"
)

// upstreamRetries is the number of extra attempts for retryable provider
// failures.
const upstreamRetries = 2

func main() {
	var (
		configF = flag.String("config", "luthien.yaml", "Path to the configuration file")
		dbgF    = flag.Bool("debug", false, "Log request and response bodies")
	)
	flag.Parse()

	// Setup logger.
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	cfg, err := config.Load(*configF)
	if err != nil {
		log.Fatalf(ctx, err, "load configuration %q", *configF)
	}

	// Build the policy chain from the configured classes.
	registry := policy.NewRegistry()
	if err := policy.RegisterBuiltins(registry); err != nil {
		log.Fatalf(ctx, err, "register builtin policies")
	}
	var (
		policies   []policy.Policy
		lifecycles []policy.Lifecycle
		classRefs  []string
	)
	for _, pc := range cfg.Policy {
		p, err := registry.New(pc.ClassRef, pc.Config)
		if err != nil {
			log.Fatalf(ctx, err, "build policy chain")
		}
		if lc, ok := p.(policy.Lifecycle); ok {
			if err := lc.Initialize(ctx, pc.Config); err != nil {
				log.Fatalf(ctx, err, "initialize policy %q", pc.ClassRef)
			}
			lifecycles = append(lifecycles, lc)
		}
		policies = append(policies, p)
		classRefs = append(classRefs, pc.ClassRef)
	}
	chain := policy.NewChain(policies...)

	// Build one upstream client per configured provider.
	var routes []upstream.Route
	for pattern, p := range cfg.Upstream.Providers {
		apiKey := os.Getenv(p.CredentialsRef)
		var (
			client upstream.Client
			err    error
		)
		switch p.Dialect {
		case "anthropic":
			client, err = upstreamanthropic.New(upstreamanthropic.Options{APIKey: apiKey, BaseURL: p.BaseURL})
		default:
			client, err = upstreamopenai.New(upstreamopenai.Options{APIKey: apiKey, BaseURL: p.BaseURL})
		}
		if err != nil {
			log.Fatalf(ctx, err, "build upstream client for %q", pattern)
		}
		routes = append(routes, upstream.Route{Pattern: pattern, Client: upstream.WithRetry(client, upstreamRetries)})
	}
	router, err := upstream.NewRouter(routes)
	if err != nil {
		log.Fatalf(ctx, err, "build upstream router")
	}

	// Persistence: MongoDB when configured, in-memory otherwise.
	var (
		store   record.Store
		pingers []health.Pinger
	)
	if cfg.Persistence.MongoURI != "" {
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		mc, err := mongodriver.Connect(connectCtx, mongooptions.Client().ApplyURI(cfg.Persistence.MongoURI))
		cancel()
		if err != nil {
			log.Fatalf(ctx, err, "connect to MongoDB")
		}
		defer func() {
			if err := mc.Disconnect(context.Background()); err != nil {
				log.Printf(ctx, "disconnect MongoDB: %v", err)
			}
		}()
		ms, err := recordmongo.New(recordmongo.Options{Client: mc, Database: cfg.Persistence.Database})
		if err != nil {
			log.Fatalf(ctx, err, "build transaction store")
		}
		store = ms
		pingers = append(pingers, ms)
	} else {
		log.Printf(ctx, "no persistence configured, using in-memory store")
		store = record.NewMemoryStore()
	}

	// Events: a Redis-backed pulse stream when configured, otherwise an
	// in-process broker. The activity endpoint subscribes to the same
	// surface the pipeline emits to.
	var (
		emitter  events.Emitter
		activity gateway.ActivitySource
	)
	if cfg.PubSub.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.PubSub.RedisAddr, Password: cfg.PubSub.RedisPassword})
		defer rdb.Close()
		topic, err := eventspulse.New(eventspulse.Options{Redis: rdb, StreamMaxLen: cfg.PubSub.StreamMaxLen})
		if err != nil {
			log.Fatalf(ctx, err, "build pulse topic")
		}
		emitter = topic
		activity = topic
		pingers = append(pingers, eventspulse.NewPinger(rdb))
	} else {
		log.Printf(ctx, "no pubsub configured, using in-process event broker")
		broker := events.NewBroker()
		emitter = broker
		activity = broker
	}

	proc, err := pipeline.New(pipeline.Options{
		Router:          router,
		Chain:           chain,
		Store:           store,
		Emitter:         emitter,
		PolicyClass:     strings.Join(classRefs, ","),
		QueueCapacity:   cfg.Queues.Capacity,
		StallThreshold:  cfg.StallThreshold(),
		OverallDeadline: cfg.OverallDeadline(),
	})
	if err != nil {
		log.Fatalf(ctx, err, "build pipeline")
	}

	srv, err := gateway.New(gateway.Options{
		Processor:       proc,
		APIKey:          cfg.Auth.ProxyAPIKey,
		MaxRequestBytes: cfg.Limits.MaxRequestBytes,
		Activity:        activity,
		ActivityRate:    cfg.Activity.RatePerSec,
		Pingers:         pingers,
	})
	if err != nil {
		log.Fatalf(ctx, err, "build gateway")
	}

	var handler http.Handler = srv
	if *dbgF {
		// Log query and response bodies if debug logs are enabled.
		handler = debug.HTTP()(handler)
	}
	handler = log.HTTP(ctx)(handler)

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 60 * time.Second,
	}

	// Create channel used by both the signal handler and server goroutine
	// to notify the main goroutine when to stop.
	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()
	go func() {
		log.Printf(ctx, "HTTP server listening on %q", cfg.Server.Addr)
		errc <- httpServer.ListenAndServe()
	}()

	log.Printf(ctx, "exiting (%v)", <-errc)

	// Drain in-flight transactions up to the shutdown grace, then cancel.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace())
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf(ctx, "failed to shutdown: %v", err)
	}
	for _, lc := range lifecycles {
		if err := lc.Shutdown(shutdownCtx); err != nil {
			log.Printf(ctx, "policy shutdown: %v", err)
		}
	}
	log.Printf(ctx, "exited")
}

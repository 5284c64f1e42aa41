package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/health"
	"goa.design/clue/log"
	"goa.design/pulse/rmap"

	"stratagem/config"
	convomongo "stratagem/features/convo/mongo"
	"stratagem/features/model/anthropic"
	"stratagem/features/model/middleware"
	"stratagem/features/model/openai"
	"stratagem/features/stream/pulse"
	clientspulse "stratagem/features/stream/pulse/clients/pulse"
	"stratagem/features/subagent/modelagent"
	"stratagem/runtime/catalog"
	"stratagem/runtime/convo"
	"stratagem/runtime/model"
	"stratagem/runtime/telemetry"
	"stratagem/runtime/wdk"
)

// Shared tokens-per-minute budget for the model client. The limiter halves
// the budget when the provider rate-limits and creeps back toward the
// ceiling on success; with Redis configured the effective budget is shared
// across processes.
const (
	modelBudgetTPM  = 60000
	modelCeilingTPM = 240000
)

func main() {
	// Define command line flags, add any other flag required to configure the
	// service.
	var (
		configF = flag.String("config", "", "Path to the YAML configuration file")
		dbgF    = flag.Bool("debug", false, "Log request and response bodies")
	)
	flag.Parse()

	// Setup logger. Replace logger with your own log package of choice.
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
		log.Fatal(ctx, err)
	}
	if *dbgF {
		cfg.Server.Debug = true
	}
	log.Print(ctx,
		log.KV{K: "addr", V: cfg.Server.Addr},
		log.KV{K: "provider", V: cfg.Model.Provider},
		log.KV{K: "model", V: cfg.Model.Name},
		log.KV{K: "sites", V: len(cfg.Sites)})

	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()

	ctx, cancel := context.WithCancel(ctx)

	// Conversation store: Mongo when configured, in-memory otherwise.
	var (
		store      convo.Store
		mongoStore *convomongo.Store
		pingers    []health.Pinger
	)
	if cfg.Mongo.URI != "" {
		mongoStore, err = convomongo.Connect(cfg.Mongo.URI, convomongo.Options{Database: cfg.Mongo.Database})
		if err != nil {
			log.Fatal(ctx, err)
		}
		store = mongoStore
		pingers = append(pingers, mongoStore)
		log.Print(ctx, log.KV{K: "store", V: "mongo"}, log.KV{K: "database", V: cfg.Mongo.Database})
	} else {
		store = convo.NewInMemStore()
		log.Print(ctx, log.KV{K: "store", V: "inmem"})
	}

	// Redis backs the Pulse event fan-out and the cluster-shared model
	// budget. Both degrade to process-local behavior without it.
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})
	}

	// Model client, wrapped in the adaptive rate limiter.
	var base model.Client
	switch cfg.Model.Provider {
	case "openai":
		base, err = openai.NewFromAPIKey(cfg.Model.APIKey, openai.Options{
			DefaultModel: cfg.Model.Name,
			MaxTokens:    cfg.Model.MaxTokens,
		})
	default:
		base, err = anthropic.NewFromAPIKey(cfg.Model.APIKey, anthropic.Options{
			DefaultModel: cfg.Model.Name,
			MaxTokens:    cfg.Model.MaxTokens,
		})
	}
	if err != nil {
		log.Fatal(ctx, err)
	}
	var budget *rmap.Map
	if rdb != nil {
		budget, err = rmap.Join(ctx, "stratagem:model:budget", rdb)
		if err != nil {
			log.Fatal(ctx, err)
		}
	}
	limiter := middleware.NewAdaptiveRateLimiter(ctx, budget, cfg.Model.Name, modelBudgetTPM, modelCeilingTPM)
	client := limiter.Middleware()(base)

	agent, err := modelagent.New(client, modelagent.Options{Logger: logger})
	if err != nil {
		log.Fatal(ctx, err)
	}

	// Platform adapter and catalog reader per configured site.
	sites := make(map[string]siteDeps, len(cfg.Sites))
	for id, site := range cfg.Sites {
		retry := wdk.DefaultRetryConfig()
		retry.MaxAttempts = cfg.Adapter.MaxAttempts
		wc, err := wdk.NewHTTPClient(site.ServiceURL,
			wdk.WithRetryConfig(retry),
			wdk.WithLogger(logger),
			wdk.WithMetrics(metrics),
		)
		if err != nil {
			log.Fatal(ctx, err)
		}
		sites[id] = siteDeps{client: wc, catalog: catalog.NewWDKReader(wc), siteURL: site.SiteURL}
	}

	// Optional Pulse fan-out of turn events for out-of-process consumers.
	var streams *pulse.TurnStreams
	if rdb != nil {
		pc, err := clientspulse.New(clientspulse.Options{Redis: rdb})
		if err != nil {
			log.Fatal(ctx, err)
		}
		streams, err = pulse.NewTurnStreams(pulse.TurnStreamsOptions{Client: pc})
		if err != nil {
			log.Fatal(ctx, err)
		}
		log.Print(ctx, log.KV{K: "pulse", V: cfg.Redis.Addr})
	}

	svc := newService(cfg, store, agent, sites, streams, logger, metrics)

	// Create channel used by both the signal handler and server goroutines
	// to notify the main goroutine when to stop the server.
	errc := make(chan error)

	// Setup interrupt handler. This optional step configures the process so
	// that SIGINT and SIGTERM signals cause the service to stop gracefully.
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	handleHTTPServer(ctx, cfg.Server.Addr, svc, pingers, &wg, errc, cfg.Server.Debug)

	// Wait for signal.
	log.Printf(ctx, "exiting (%v)", <-errc)

	// Send cancellation signal to the goroutines.
	cancel()

	wg.Wait()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer closeCancel()
	if streams != nil {
		if err := streams.Close(closeCtx); err != nil {
			log.Printf(ctx, "pulse close: %v", err)
		}
	}
	if mongoStore != nil {
		if err := mongoStore.Close(closeCtx); err != nil {
			log.Printf(ctx, "mongo close: %v", err)
		}
	}
	log.Printf(ctx, "exited")
}

// Command fabricd runs an Agent Conversation Fabric worker node: it hosts
// the turn and webhook-delivery workflows on Temporal and serves the
// message ingress over HTTP.
//
// # Configuration
//
// Environment variables:
//
//	FABRIC_HTTP_ADDR     - ingress listen address (default: ":8080")
//	FABRIC_CONFIG_FILE   - YAML configuration envelope (optional)
//	TEMPORAL_HOST_PORT   - Temporal frontend (default: "localhost:7233")
//	TEMPORAL_NAMESPACE   - Temporal namespace (default: "default")
//	FABRIC_TASK_QUEUE    - workflow task queue (default: "acf")
//	REDIS_URL            - Redis connection (default: "localhost:6379")
//	REDIS_PASSWORD       - Redis password (optional)
//	MONGO_URL            - MongoDB connection (default: "mongodb://localhost:27017")
//	MONGO_DATABASE       - MongoDB database (default: "fabric")
//	OPENAI_API_KEY       - enables the OpenAI embedder (optional)
//	ANTHROPIC_API_KEY    - enables the Claude adjudicator (optional)
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	temporalclient "go.temporal.io/sdk/client"
	"goa.design/clue/health"
	"goa.design/clue/log"

	anthropicadj "github.com/ruche-ai/fabric/features/adjudicator/anthropic"
	auditmongo "github.com/ruche-ai/fabric/features/audit/mongo"
	auditmongoclient "github.com/ruche-ai/fabric/features/audit/mongo/clients/mongo"
	openaiembed "github.com/ruche-ai/fabric/features/embed/openai"
	ingressredis "github.com/ruche-ai/fabric/features/ingress/redis"
	ledgerredis "github.com/ruche-ai/fabric/features/ledger/redis"
	sessionmongo "github.com/ruche-ai/fabric/features/session/mongo"
	sessionmongoclient "github.com/ruche-ai/fabric/features/session/mongo/clients/mongo"
	pulsesink "github.com/ruche-ai/fabric/features/stream/pulse"
	pulseclient "github.com/ruche-ai/fabric/features/stream/pulse/clients/pulse"

	"github.com/ruche-ai/fabric/runtime/acf"
	"github.com/ruche-ai/fabric/runtime/acf/config"
	"github.com/ruche-ai/fabric/runtime/acf/engine/temporal"
	"github.com/ruche-ai/fabric/runtime/acf/identity/inmem"
	"github.com/ruche-ai/fabric/runtime/acf/ingress"
	"github.com/ruche-ai/fabric/runtime/acf/message"
	"github.com/ruche-ai/fabric/runtime/acf/model"
	"github.com/ruche-ai/fabric/runtime/acf/pipeline"
	"github.com/ruche-ai/fabric/runtime/acf/router"
	"github.com/ruche-ai/fabric/runtime/acf/scenario"
	"github.com/ruche-ai/fabric/runtime/acf/stream"
	"github.com/ruche-ai/fabric/runtime/acf/telemetry"
	"github.com/ruche-ai/fabric/runtime/acf/turn"
	"github.com/ruche-ai/fabric/runtime/acf/webhook"
)

func main() {
	ctx := log.Context(context.Background(), log.WithFormat(log.FormatJSON))
	if err := run(ctx); err != nil {
		log.Fatal(ctx, err)
	}
}

func run(ctx context.Context) error {
	httpAddr := envOr("FABRIC_HTTP_ADDR", ":8080")
	temporalHostPort := envOr("TEMPORAL_HOST_PORT", "localhost:7233")
	temporalNamespace := envOr("TEMPORAL_NAMESPACE", "default")
	taskQueue := envOr("FABRIC_TASK_QUEUE", "acf")
	redisURL := envOr("REDIS_URL", "localhost:6379")
	mongoURL := envOr("MONGO_URL", "mongodb://localhost:27017")
	mongoDatabase := envOr("MONGO_DATABASE", "fabric")

	baseConfig := config.Default()
	if path := os.Getenv("FABRIC_CONFIG_FILE"); path != "" {
		var err error
		baseConfig, err = config.LoadFile(path)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	}
	configs, err := config.NewMemStore(baseConfig)
	if err != nil {
		return err
	}

	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()

	// Redis: idempotency cache, mailbox, commit ledger, Pulse streams.
	rdb := redis.NewClient(&redis.Options{
		Addr:     redisURL,
		Password: os.Getenv("REDIS_PASSWORD"),
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}

	// Mongo: session state and audit trail.
	mongoClient, err := mongodriver.Connect(mongooptions.Client().ApplyURI(mongoURL))
	if err != nil {
		return fmt.Errorf("connect to mongo: %w", err)
	}
	defer mongoClient.Disconnect(context.Background())

	sessionClient, err := sessionmongoclient.New(sessionmongoclient.Options{
		Client:   mongoClient,
		Database: mongoDatabase,
	})
	if err != nil {
		return err
	}
	sessions, err := sessionmongo.NewStore(sessionClient)
	if err != nil {
		return err
	}
	auditClient, err := auditmongoclient.New(auditmongoclient.Options{
		Client:   mongoClient,
		Database: mongoDatabase,
	})
	if err != nil {
		return err
	}
	auditStore, err := auditmongo.NewStore(auditClient)
	if err != nil {
		return err
	}

	ledger, err := ledgerredis.NewLedger(rdb, 0)
	if err != nil {
		return err
	}
	mailbox, err := ingressredis.NewMailbox(rdb, 0)
	if err != nil {
		return err
	}
	idemCache, err := ingressredis.NewCache(rdb)
	if err != nil {
		return err
	}

	pc, err := pulseclient.New(pulseclient.Options{Redis: rdb, StreamMaxLen: 5000})
	if err != nil {
		return err
	}
	liveSink, err := pulsesink.NewSink(pulsesink.Options{Client: pc})
	if err != nil {
		return err
	}

	// Webhooks.
	subscriptions := webhook.NewMemSubscriptionStore()
	deliveries := webhook.NewMemDeliveryStore()
	deliverer := webhook.NewDeliverer(webhook.DelivererOptions{
		Subscriptions: subscriptions,
		Deliveries:    deliveries,
		Config:        baseConfig.Webhooks,
		Logger:        logger,
		Metrics:       metrics,
	})

	// Engine.
	eng, err := temporal.New(temporal.Options{
		ClientOptions: &temporalclient.Options{
			HostPort:  temporalHostPort,
			Namespace: temporalNamespace,
		},
		TaskQueue: taskQueue,
		Logger:    logger,
		Metrics:   metrics,
	})
	if err != nil {
		return err
	}
	defer eng.Close()

	dispatcher := webhook.NewDispatcher(webhook.DispatcherOptions{
		Subscriptions: subscriptions,
		Engine:        eng,
		TaskQueue:     taskQueue,
		Logger:        logger,
		Metrics:       metrics,
	})

	eventRouter := router.New(router.Options{
		Audit:      auditStore,
		Config:     config.DefaultRouter(),
		Dispatcher: dispatcher,
		Logger:     logger,
		Metrics:    metrics,
	})
	defer eventRouter.Close(context.Background())
	eventRouter.AddSink(liveSink, stream.DefaultProfile())

	// Models for the scenario navigator.
	models := model.NewRouter()
	navCfg := baseConfig.Navigator
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		embedder, err := openaiembed.NewFromAPIKey(key, "")
		if err != nil {
			return err
		}
		models.RegisterEmbedder("openai", embedder)
		if navCfg.EmbeddingModel == "" {
			navCfg.EmbeddingModel = "openai/text-embedding-3-small"
		}
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		adjudicator, err := anthropicadj.NewFromAPIKey(key, "")
		if err != nil {
			return err
		}
		models.RegisterAdjudicator("anthropic", adjudicator)
		if navCfg.AdjudicationModel == "" {
			navCfg.AdjudicationModel = "anthropic/claude-3-5-haiku-latest"
		}
		navCfg.AdjudicationEnabled = true
	}
	navigator := scenario.NewNavigator(navCfg, models, logger, metrics)
	scenarios := scenario.NewMemStore()

	// The cognitive pipeline is an external collaborator; pipelines build
	// their toolbox.Executor against the shared router and ledger. The echo
	// pipeline keeps a bare node functional until one is attached.
	echo := pipeline.Func(func(_ context.Context, tc *pipeline.TurnContext) (*pipeline.TurnResult, error) {
		last := tc.Messages[len(tc.Messages)-1]
		return &pipeline.TurnResult{
			Segments: []acf.Segment{{Type: acf.SegmentText, Text: last.Text}},
		}, nil
	})

	scheduler, err := turn.NewScheduler(turn.SchedulerOptions{
		Sessions:  sessions,
		Configs:   configs,
		Scenarios: scenarios,
		Navigator: navigator,
		Pipeline:  echo,
		Emitter:   eventRouter,
		Ledger:    ledger,
		Mailbox:   mailbox,
		Logger:    logger,
		Metrics:   metrics,
	})
	if err != nil {
		return err
	}
	if err := scheduler.Register(ctx, eng, taskQueue); err != nil {
		return err
	}
	if err := deliverer.Register(ctx, eng, taskQueue); err != nil {
		return err
	}
	eng.Start()
	defer eng.Stop()

	ing, err := ingress.New(ingress.Options{
		Identity:  inmem.New(),
		Engine:    eng,
		Mailbox:   mailbox,
		Cache:     idemCache,
		Validator: &message.Validator{},
		TaskQueue: taskQueue,
		Logger:    logger,
		Metrics:   metrics,
	})
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/healthz", health.Handler(health.NewChecker(sessionClient, auditClient)))
	mux.HandleFunc("POST /v1/messages", func(w http.ResponseWriter, r *http.Request) {
		var env message.RawMessage
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, message.DefaultMaxEnvelopeBytes+4096)).Decode(&env); err != nil {
			httpError(w, acf.NewError(acf.CodeInvalidRequest, "malformed envelope: %v", err))
			return
		}
		if env.ReceivedAt.IsZero() {
			env.ReceivedAt = time.Now().UTC()
		}
		res, err := ing.Submit(r.Context(), &env)
		if err != nil {
			httpError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(res)
	})

	server := &http.Server{
		Addr:              httpAddr,
		Handler:           log.HTTP(ctx)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof(ctx, "ingress listening on %s", httpAddr)
		errCh <- server.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-stop:
		log.Infof(ctx, "received %s, shutting down", sig)
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func httpError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch acf.CodeOf(err) {
	case acf.CodeInvalidRequest:
		status = http.StatusBadRequest
	case acf.CodePayloadTooLarge:
		status = http.StatusRequestEntityTooLarge
	case acf.CodeIdentityUnavailable, acf.CodeMutexTimeout:
		status = http.StatusServiceUnavailable
	case acf.CodeIdentityConflict:
		status = http.StatusConflict
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"code":    string(acf.CodeOf(err)),
		"message": err.Error(),
	})
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

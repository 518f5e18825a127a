package app

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	"github.com/jordanhubbard/mlcore/internal/backoff"
	"github.com/jordanhubbard/mlcore/internal/circuitbreaker"
	"github.com/jordanhubbard/mlcore/internal/concurrency"
	"github.com/jordanhubbard/mlcore/internal/dispatcher"
	"github.com/jordanhubbard/mlcore/internal/envelope"
	"github.com/jordanhubbard/mlcore/internal/events"
	"github.com/jordanhubbard/mlcore/internal/keypool"
	"github.com/jordanhubbard/mlcore/internal/logging"
	"github.com/jordanhubbard/mlcore/internal/media"
	"github.com/jordanhubbard/mlcore/internal/metrics"
	"github.com/jordanhubbard/mlcore/internal/providers"
	"github.com/jordanhubbard/mlcore/internal/providers/anthropic"
	"github.com/jordanhubbard/mlcore/internal/providers/openai"
	"github.com/jordanhubbard/mlcore/internal/providers/vllm"
	"github.com/jordanhubbard/mlcore/internal/ratelimitconfig"
	"github.com/jordanhubbard/mlcore/internal/ratelimiter"
	"github.com/jordanhubbard/mlcore/internal/ratelimitstore"
	"github.com/jordanhubbard/mlcore/internal/resultstore"
	"github.com/jordanhubbard/mlcore/internal/runner"
	"github.com/jordanhubbard/mlcore/internal/singleton"
	"github.com/jordanhubbard/mlcore/internal/tasks"
	"github.com/jordanhubbard/mlcore/internal/tracing"
)

// reconnectRetries bounds how many times the worker re-dials a lost broker
// connection before giving up.
const reconnectRetries = 10

// reconnectDelay paces broker re-dials.
const reconnectDelay = 5 * time.Second

// Server is one assembled worker process: broker consumer, protection
// stack, persistence, and the ops HTTP endpoint.
type Server struct {
	Cfg     Config
	Logger  *slog.Logger
	Metrics *metrics.Registry
	Runner  *runner.Runner

	redis        *redis.Client
	db           *pgxpool.Pool
	ops          *http.Server
	budget       *resultstore.BudgetChecker
	budgetLimits []resultstore.BudgetLimits

	tracingShutdown func(context.Context) error
	dispatchers     []*dispatcher.Dispatcher
}

// NewServer assembles every core component from cfg. It connects to
// Postgres eagerly (running the result-store migrations) and builds the
// Redis client, which dials on first use; the broker connection is left to
// Run, which owns the reconnect loop.
func NewServer(ctx context.Context, cfg Config) (*Server, error) {
	logger := logging.Setup(cfg.LogLevel)

	tracingShutdown, err := tracing.Setup(tracing.Config{
		Enabled:     cfg.OTelEnabled,
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: cfg.OTelServiceName,
	})
	if err != nil {
		return nil, fmt.Errorf("tracing setup: %w", err)
	}

	reg := metrics.New()
	bus := events.NewBus()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	redisClient := redis.NewClient(redisOpts)

	db, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	store := resultstore.New(db)
	if err := store.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate result store: %w", err)
	}
	budget := resultstore.NewBudgetChecker(store, logger)

	configs, err := ratelimitconfig.Load(cfg.RateLimitConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load rate limit config: %w", err)
	}
	applyRateLimitToggles(configs, cfg)

	breaker := circuitbreaker.New(
		circuitbreaker.WithThreshold(1),
		circuitbreaker.WithCooldown(30*time.Second),
		circuitbreaker.WithOnStateChange(func(_, to circuitbreaker.State) {
			open := 0.0
			if to == circuitbreaker.Open {
				open = 1
			}
			reg.CircuitBreakerOpen.WithLabelValues("redis").Set(open)
		}),
	)
	limiter := ratelimiter.New(
		ratelimitstore.New(redisClient),
		configs,
		backoff.New(redisClient),
		ratelimiter.WithLogger(logger),
		ratelimiter.WithBreaker(breaker),
	)
	deficit := dispatcher.NewDeficitTracker(redisClient)

	localMode := consumesLocalQueues(cfg.ConsumeQueues)

	chat, llmClassify, llmKeys, err := buildLLMProvider(cfg, localMode)
	if err != nil {
		return nil, err
	}
	oai := openai.New(cfg.OpenAIBaseURL)

	llmPool := keypool.New("llm", llmKeys, keypool.WithEventBus(bus))
	whisperPool := keypool.New("whisper", providerKeys(cfg.OpenAIAPIKeys, localMode), keypool.WithEventBus(bus))
	vectorPool := keypool.New("embeddings", providerKeys(cfg.OpenAIAPIKeys, localMode), keypool.WithEventBus(bus))

	llmDispatch := dispatcher.New(limiter, llmPool, concurrency.New(cfg.ConcurrencySummarize),
		deficit, configs, llmClassify,
		dispatcher.WithMetrics(reg), dispatcher.WithLogger(logger))
	whisperDispatch := dispatcher.New(limiter, whisperPool, concurrency.New(cfg.ConcurrencyTranscribe),
		deficit, configs, oai.ClassifyError,
		dispatcher.WithMetrics(reg), dispatcher.WithLogger(logger))
	vectorDispatch := dispatcher.New(limiter, vectorPool, concurrency.New(cfg.ConcurrencyEmbed),
		deficit, configs, oai.ClassifyError,
		dispatcher.WithMetrics(reg), dispatcher.WithLogger(logger))

	taskCfg := tasks.DefaultConfig()
	taskCfg.Worker = cfg.WorkerName
	taskCfg.Preflight.MinWords = cfg.PreflightMinWords
	taskCfg.Preflight.MaxChars = cfg.PreflightMaxChars
	taskCfg.SilenceThresholdDB = cfg.WhisperSilenceThresholdDB
	taskCfg.EmbedBatchSize = cfg.VectorBatchSize
	taskCfg.SmallModelThreshold = cfg.VectorSmallModelThreshold
	taskCfg.LargeModelThreshold = cfg.VectorLargeModelThreshold
	taskCfg.LLMBudget = resultstore.BudgetLimits{
		Service: "llm", HourlyLimit: cfg.LLMHourlyCostLimit, DailyLimit: cfg.LLMDailyCostLimit,
		Strict: cfg.LLMBudgetStrictMode,
	}
	taskCfg.WhisperBudget = resultstore.BudgetLimits{
		Service: "whisper", HourlyLimit: cfg.WhisperHourlyCostLimit, DailyLimit: cfg.WhisperDailyCostLimit,
	}
	taskCfg.VectorBudget = resultstore.BudgetLimits{
		Service: "embeddings", HourlyLimit: cfg.VectorHourlyCostLimit, DailyLimit: cfg.VectorDailyCostLimit,
	}

	deps := &tasks.Deps{
		Config:      taskCfg,
		Chat:        chat,
		Transcriber: oai,
		Embedder:    oai,
		Media:       media.New(media.WithHeaders(mediaHeaders(cfg))),
		LLM:         llmDispatch,
		Whisper:     whisperDispatch,
		Vector:      vectorDispatch,
		Store:       store,
		Budget:      budget,
		Metrics:     reg,
		Logger:      logger,
	}

	registry := envelope.NewRegistry()
	deps.Register(registry)

	run := runner.New(runner.Config{
		Queues:           cfg.ConsumeQueues,
		EnableValidation: cfg.EnableContractValidation,
		MaxRetries:       cfg.TaskMaxRetries,
		Worker:           cfg.WorkerName,
	}, registry, singleton.New(redisClient), &runner.StoreFailureRecorder{Store: store},
		runner.WithMetrics(reg), runner.WithLogger(logger), runner.WithBackoff(limiter))

	s := &Server{
		Cfg:             cfg,
		Logger:          logger,
		Metrics:         reg,
		Runner:          run,
		redis:           redisClient,
		db:              db,
		budget:          budget,
		budgetLimits:    []resultstore.BudgetLimits{taskCfg.LLMBudget, taskCfg.WhisperBudget, taskCfg.VectorBudget},
		tracingShutdown: tracingShutdown,
		dispatchers:     []*dispatcher.Dispatcher{llmDispatch, whisperDispatch, vectorDispatch},
	}
	s.ops = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.PrometheusMetricsPort),
		Handler:           s.opsHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// applyRateLimitToggles overlays the ENABLE_*_RATE_LIMITING switches onto
// the loaded per-service configs.
func applyRateLimitToggles(configs ratelimitconfig.Store, cfg Config) {
	toggles := map[string]bool{
		"llm":        cfg.EnableLLMRateLimit,
		"llm_tokens": cfg.EnableLLMRateLimit,
		"whisper":    cfg.EnableWhisperRateLimit,
		"embeddings": cfg.EnableVectorRateLimit,
	}
	for service, enabled := range toggles {
		if c, ok := configs[service]; ok {
			c.EnableRateLimiting = enabled
			configs[service] = c
		}
	}
}

// consumesLocalQueues reports whether this worker serves the self-hosted
// backend queues.
func consumesLocalQueues(queues []string) bool {
	for _, q := range queues {
		if strings.HasSuffix(q, "_local") {
			return true
		}
	}
	return false
}

// providerKeys returns the credential set for a pool. Local-backend workers
// carry a single placeholder credential the adapters never send.
func providerKeys(keys []string, localMode bool) []string {
	if len(keys) > 0 {
		return keys
	}
	if localMode {
		return []string{"local"}
	}
	return keys
}

// vllmChatter adapts the credential-less vLLM adapter to the Chatter
// surface the summarize handler expects.
type vllmChatter struct {
	adapter *vllm.Adapter
}

func (v vllmChatter) Chat(ctx context.Context, _ string, model string, messages []providers.Message, maxTokens int) (providers.ChatResult, error) {
	return v.adapter.Chat(ctx, model, messages, maxTokens)
}

// buildLLMProvider selects the summarization backend: vLLM for
// local-backend workers, otherwise the configured hosted provider. It
// returns the chat surface, the matching error classifier, and the key set
// for the llm pool.
func buildLLMProvider(cfg Config, localMode bool) (tasks.Chatter, providers.Classifier, []string, error) {
	if localMode {
		if len(cfg.VLLMEndpoints) == 0 {
			return nil, nil, nil, errors.New("local queues configured but VLLM_ENDPOINTS is empty")
		}
		adapter := vllm.New(cfg.VLLMEndpoints[0], vllm.WithEndpoints(cfg.VLLMEndpoints[1:]...))
		return vllmChatter{adapter: adapter}, adapter.ClassifyError, []string{"local"}, nil
	}

	switch cfg.SummarizeProvider {
	case "anthropic":
		if len(cfg.AnthropicAPIKeys) == 0 {
			return nil, nil, nil, errors.New("ANTHROPIC_API_KEYS is empty")
		}
		adapter := anthropic.New(cfg.AnthropicBaseURL)
		return adapter, adapter.ClassifyError, cfg.AnthropicAPIKeys, nil
	default:
		if len(cfg.OpenAIAPIKeys) == 0 {
			return nil, nil, nil, errors.New("OPENAI_API_KEYS is empty")
		}
		adapter := openai.New(cfg.OpenAIBaseURL)
		return adapter, adapter.ClassifyError, cfg.OpenAIAPIKeys, nil
	}
}

// mediaHeaders carries the object-store credentials on media requests when
// an S3-compatible endpoint is configured.
func mediaHeaders(cfg Config) map[string]string {
	if cfg.S3Endpoint == "" || cfg.S3AccessKey == "" {
		return nil
	}
	return map[string]string{
		"X-S3-Access-Key": cfg.S3AccessKey,
		"X-S3-Secret-Key": cfg.S3SecretKey,
	}
}

// opsHandler serves the metrics and health endpoints.
func (s *Server) opsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.Metrics.Handler())
	mux.HandleFunc("/livez", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := s.redis.Ping(ctx).Err(); err != nil {
			http.Error(w, "redis: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		if err := s.db.Ping(ctx); err != nil {
			http.Error(w, "database: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// amqpConfig builds the dial configuration: 60s heartbeat and, when SSL is
// on, the CA/verification settings from the environment.
func (s *Server) amqpConfig() (amqp.Config, error) {
	cfg := amqp.Config{Heartbeat: heartbeatTimeout}
	if !s.Cfg.AMQPUseSSL {
		return cfg, nil
	}
	tlsCfg := &tls.Config{InsecureSkipVerify: !s.Cfg.AMQPVerifyPeer} //nolint:gosec // operator-controlled toggle
	if s.Cfg.AMQPSSLCACert != "" {
		pem, err := os.ReadFile(s.Cfg.AMQPSSLCACert)
		if err != nil {
			return cfg, fmt.Errorf("read RABBITMQ_SSL_CACERT: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return cfg, errors.New("RABBITMQ_SSL_CACERT contains no usable certificates")
		}
		tlsCfg.RootCAs = pool
	}
	cfg.TLSClientConfig = tlsCfg
	return cfg, nil
}

// Run serves the ops endpoint and consumes the broker until ctx is
// cancelled, re-dialing a lost connection up to reconnectRetries times.
func (s *Server) Run(ctx context.Context) error {
	go func() {
		if err := s.ops.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.Logger.Error("ops server failed", slog.Any("error", err))
		}
	}()

	go s.budgetGaugeLoop(ctx)

	dialCfg, err := s.amqpConfig()
	if err != nil {
		return err
	}

	attempts := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn, err := amqp.DialConfig(s.Cfg.AMQPURL, dialCfg)
		if err != nil {
			attempts++
			if attempts > reconnectRetries {
				return fmt.Errorf("broker connect failed after %d attempts: %w", attempts, err)
			}
			s.Logger.Warn("broker connect failed, retrying",
				slog.Int("attempt", attempts), slog.Any("error", err))
			select {
			case <-time.After(reconnectDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		attempts = 0

		err = s.serveConnection(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.Logger.Warn("broker connection lost, reconnecting", slog.Any("error", err))
	}
}

// budgetGaugeLoop refreshes the remaining-budget gauges once a minute.
// Telemetry never propagates errors; a failed read just leaves the gauges
// stale until the next tick.
func (s *Server) budgetGaugeLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		for _, limits := range s.budgetLimits {
			hourly, daily, err := s.budget.Remaining(ctx, limits)
			if err != nil {
				continue
			}
			if limits.HourlyLimit > 0 {
				s.Metrics.BudgetRemainingUSD.WithLabelValues("hourly", limits.Service).Set(hourly)
			}
			if limits.DailyLimit > 0 {
				s.Metrics.BudgetRemainingUSD.WithLabelValues("daily", limits.Service).Set(daily)
			}
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) serveConnection(ctx context.Context, conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := s.Runner.Setup(ch); err != nil {
		return err
	}
	return s.Runner.Run(ctx, ch)
}

// Close releases every long-lived resource.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = s.ops.Shutdown(ctx)
	for _, d := range s.dispatchers {
		d.Close()
	}
	if s.tracingShutdown != nil {
		_ = s.tracingShutdown(ctx)
	}
	s.db.Close()
	return s.redis.Close()
}

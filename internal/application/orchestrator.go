package application

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"chat-insights-batch/internal/config"
	"chat-insights-batch/internal/domain/ports/adapter"
	"chat-insights-batch/internal/domain/ports/repository"
	ai "chat-insights-batch/internal/infra/adapters/ai"
	"chat-insights-batch/internal/infra/adapters/telegram"
	"chat-insights-batch/internal/infra/api"
	"chat-insights-batch/internal/infra/db/memory"
	pg "chat-insights-batch/internal/infra/db/postgres"
	"chat-insights-batch/internal/infra/logging"
	"chat-insights-batch/internal/infra/metrics"
	red "chat-insights-batch/internal/infra/redis"
	"chat-insights-batch/internal/infra/resilience"
	"chat-insights-batch/internal/infra/sched"
	"chat-insights-batch/internal/infra/scheduler"
	"chat-insights-batch/internal/infra/worker"
	"chat-insights-batch/internal/usecase"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/rs/zerolog"
)

// Options override pieces of the wiring, mainly for demos and tests.
type Options struct {
	Clock   scheduler.Clock
	Gateway ai.Gateway
	Alerter adapter.Alerter
}

// Stores groups the repositories of one backend.
type Stores struct {
	TM       repository.TransactionManager
	Tenants  repository.TenantRepository
	Sessions repository.ChatSessionRepository
	Requests repository.ProcessingRequestRepository
	Batches  repository.BatchJobRepository
}

// Orchestrator is the wired process: stores, provider, use cases, fan-out,
// scheduler and the ops API.
type Orchestrator struct {
	Config    *config.Config
	Log       *zerolog.Logger
	Clock     scheduler.Clock
	Stores    Stores
	Gateway   ai.Gateway
	Breakers  *resilience.Registry
	Cache     *sched.TenantCache
	FanOut    *sched.FanOut
	Scheduler *scheduler.Scheduler

	Tenants usecase.TenantAdminUseCase
	Intake  usecase.IntakeUseCase
	Creator usecase.BatchCreatorUseCase
	Retry   usecase.IndividualRetryUseCase
	API     *api.Server

	pool  *pgxpool.Pool
	redis *red.Client
	bus   *red.InvalidationBus
}

func New(ctx context.Context, cfg *config.Config, logger *zerolog.Logger, opts Options) (*Orchestrator, error) {
	o := &Orchestrator{Config: cfg, Log: logger, Clock: opts.Clock}
	if o.Clock == nil {
		o.Clock = scheduler.RealClock()
	}
	now := o.Clock.Now

	if err := o.openStores(ctx); err != nil {
		return nil, err
	}
	if err := o.openRedis(ctx); err != nil {
		o.Close()
		return nil, err
	}

	inner := opts.Gateway
	if inner == nil {
		gw, err := o.provider()
		if err != nil {
			o.Close()
			return nil, err
		}
		inner = gw
	}
	retrier := resilience.NewRetrier(resilience.RetryConfig{
		MaxRetries: cfg.Retry.MaxRetries,
		BaseDelay:  cfg.Retry.BaseDelay,
		Multiplier: cfg.Retry.Multiplier,
		MaxDelay:   cfg.Retry.MaxDelay,
	}, logging.Component(logger, "Retrier"))
	o.Breakers = resilience.NewRegistry(resilience.BreakerConfig{
		Threshold: cfg.Breaker.Threshold,
		Timeout:   cfg.Breaker.Timeout,
	}, retrier, logging.Component(logger, "CircuitBreaker")).WithClock(now)
	o.Breakers.OnStateChange(func(name string, s resilience.State) {
		metrics.SetBreakerState(name, int(s))
	})
	o.Gateway = ai.NewResilientGateway(ai.NewLimitedGateway(inner, cfg.Provider.MaxConcurrentCalls), o.Breakers, cfg.Provider.RequestTimeout)

	alerter := opts.Alerter
	if alerter == nil {
		alerter = o.alerter()
	}

	st := o.Stores
	policy := usecase.NewBatchingPolicy(usecase.PolicyConfig{
		MinBatchSize: cfg.Batch.MinBatchSize,
		MaxWait:      cfg.Batch.MaxWait,
	}, st.Requests, now)
	lifecycle := usecase.NewBatchLifecycleUseCase(st.TM, st.Batches, st.Requests, alerter, logging.Component(logger, "BatchLifecycle"), now)
	o.Creator = usecase.NewBatchCreatorUseCase(usecase.CreatorConfig{
		Model:          cfg.Provider.Model,
		MaxBatchSize:   cfg.Batch.MaxBatchSize,
		MaxBatchTokens: cfg.Batch.MaxBatchTokens,
	}, st.TM, st.Requests, st.Batches, st.Sessions, o.Gateway, ai.NewTokenEstimator(logger), policy, logging.Component(logger, "BatchCreator"), now)
	reconciler := usecase.NewResultReconcilerUseCase(st.TM, st.Requests, st.Batches, st.Sessions, o.Gateway, lifecycle, logging.Component(logger, "Reconciler"), now)
	o.Retry = usecase.NewIndividualRetryUseCase(st.TM, st.Requests, st.Sessions, o.Gateway, cfg.Provider.Model, cfg.Batch.IndividualMaxAttempts, logging.Component(logger, "IndividualRetry"), now)
	o.Intake = usecase.NewIntakeUseCase(st.TM, st.Tenants, st.Sessions, st.Requests, cfg.Provider.Model, logging.Component(logger, "Intake"))

	o.Cache = sched.NewTenantCache(st.Tenants, cfg.Scheduler.TenantCacheTTL, now)
	onChange := []usecase.TenantChangeFunc{func(context.Context, string) error {
		o.Cache.Invalidate("local")
		return nil
	}}
	if o.bus != nil {
		onChange = append(onChange, o.bus.Publish)
	}
	o.Tenants = usecase.NewTenantAdminUseCase(st.Tenants, logging.Component(logger, "TenantAdmin"), onChange...)

	var locker red.Locker
	if o.redis != nil {
		locker = red.NewLocker(o.redis)
	}
	o.FanOut = sched.NewFanOut(sched.FanOutConfig{
		RetryBatchSize: cfg.Batch.RetryBatchSize,
		BatchTimeout:   cfg.Scheduler.BatchTimeout,
		ClaimTimeout:   cfg.Scheduler.TickTimeout,
		LockTTL:        cfg.Redis.LockTTL,
	}, sched.FanOutDeps{
		Cache:      o.Cache,
		Pool:       worker.NewPool(cfg.Scheduler.MaxConcurrentTenants),
		Locker:     locker,
		Requests:   st.Requests,
		Batches:    st.Batches,
		Provider:   o.Gateway,
		Creator:    o.Creator,
		Lifecycle:  lifecycle,
		Reconciler: reconciler,
		Retry:      o.Retry,
		Now:        now,
	}, logger)

	sc := cfg.Scheduler
	o.Scheduler = scheduler.New(scheduler.Config{
		Cadences: []scheduler.CadenceSpec{
			{Name: sched.CadenceCreate, Interval: sc.CreateInterval},
			{Name: sched.CadenceStatus, Interval: sc.StatusInterval},
			{Name: sched.CadenceReconcile, Interval: sc.ReconcileInterval},
			{Name: sched.CadenceRetry, Interval: sc.RetryInterval},
		},
		MaxConsecutiveErrors: sc.MaxConsecutiveErrors,
		ErrorPause:           sc.ErrorPause,
		TickTimeout:          sc.TickTimeout,
	}, scheduler.Deps{
		Runner:   o.FanOut,
		Breakers: o.Breakers,
		Stale:    o.FanOut,
		Creator:  o.Creator,
		Alerter:  alerter,
		Clock:    o.Clock,
	}, logger)

	apiOpts := api.Options{
		ForceBatchLimit:  cfg.Ops.ForceBatchLimit,
		ForceBatchWindow: cfg.Ops.ForceBatchWindow,
	}
	if cfg.Ops.JWTSecret != "" {
		issuer, err := api.NewTokenIssuer(cfg.Ops.JWTSecret, cfg.Ops.TokenTTL)
		if err != nil {
			o.Close()
			return nil, err
		}
		apiOpts.Issuer = issuer
	} else {
		logger.Warn().Msg("ops.jwt_secret not set; /v1 endpoints will refuse every request")
	}
	if o.redis != nil {
		apiOpts.Limiter = red.NewRateLimiter(o.redis)
	}
	o.API = api.NewServer(o.Scheduler, o.Tenants, o.Retry, o.Intake, apiOpts, logger)
	return o, nil
}

func (o *Orchestrator) openStores(ctx context.Context) error {
	if o.Config.Database.URL == "" {
		o.Log.Warn().Msg("database.url not set; using the in-memory store")
		m := memory.NewStore()
		o.Stores = Stores{TM: m, Tenants: m.Tenants(), Sessions: m.Sessions(), Requests: m.Requests(), Batches: m.Batches()}
		return nil
	}
	pool, err := pg.NewPgxPool(ctx, o.Config.Database)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	o.pool = pool
	o.Stores = Stores{
		TM:       pg.NewTxManager(pool),
		Tenants:  pg.NewTenantRepo(pool),
		Sessions: pg.NewChatSessionRepo(pool),
		Requests: pg.NewProcessingRequestRepo(pool),
		Batches:  pg.NewBatchJobRepo(pool),
	}
	return nil
}

func (o *Orchestrator) openRedis(ctx context.Context) error {
	if o.Config.Redis.URL == "" {
		o.Log.Info().Msg("redis.url not set; cadence locks and tenant invalidation stay process-local")
		return nil
	}
	c, err := red.NewClient(ctx, &o.Config.Redis)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	o.redis = c
	o.bus = red.NewInvalidationBus(c, logging.Component(o.Log, "InvalidationBus"))
	return nil
}

func (o *Orchestrator) provider() (ai.Gateway, error) {
	p := o.Config.Provider
	if p.Mock {
		o.Log.Warn().Dur("stage", p.MockStageDuration).Msg("using the mock provider")
		return ai.NewMockGateway(ai.MockOptions{StageDuration: p.MockStageDuration, Now: o.Clock.Now, Model: p.Model}), nil
	}
	gw, err := ai.NewOpenAIGateway(p.APIKey, p.BaseURL, p.Model)
	if err != nil {
		return nil, fmt.Errorf("openai gateway: %w", err)
	}
	o.Log.Info().Str("base_url", p.BaseURL).Str("model", p.Model).Str("api_key", logging.Redact(p.APIKey, o.Config.Runtime.Dev)).Msg("provider configured")
	return gw, nil
}

func (o *Orchestrator) alerter() adapter.Alerter {
	a := o.Config.Alert
	if a.TelegramToken == "" {
		return telegram.NewLogAlerter(logging.Component(o.Log, "Alerter"))
	}
	bot, err := telegram.NewBotAlerter(a.TelegramToken, a.TelegramChatID, a.Prefix, logging.Component(o.Log, "Alerter"))
	if err != nil {
		o.Log.Error().Err(err).Msg("telegram alerter unavailable; alerts go to the log")
		return telegram.NewLogAlerter(logging.Component(o.Log, "Alerter"))
	}
	return bot
}

// Start subscribes to tenant invalidations, starts the pool reporter and,
// when enabled, the scheduler. It returns once everything is running.
func (o *Orchestrator) Start(ctx context.Context) error {
	if o.bus != nil {
		err := o.bus.Subscribe(ctx, func(string) { o.Cache.Invalidate("remote") })
		if err != nil {
			return fmt.Errorf("subscribe tenant invalidations: %w", err)
		}
	}
	if o.pool != nil {
		go pg.ReportPoolStats(ctx, o.pool, 15*time.Second, o.Log)
	}
	if o.Config.Scheduler.Enabled {
		o.Scheduler.Start(ctx)
	} else {
		o.Log.Warn().Msg("scheduler disabled; cadences run only on demand")
	}
	return nil
}

// Serve runs the ops API until ctx is done, then shuts it down gracefully.
func (o *Orchestrator) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", o.Config.Ops.Port),
		Handler:           o.API.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		o.Log.Info().Str("addr", srv.Addr).Msg("ops api listening")
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	return srv.Shutdown(sctx)
}

// Close stops the scheduler and releases connections.
func (o *Orchestrator) Close() {
	if o.Scheduler != nil {
		o.Scheduler.Stop()
	}
	if o.redis != nil {
		_ = o.redis.Close()
	}
	if o.pool != nil {
		o.pool.Close()
	}
}

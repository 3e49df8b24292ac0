package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/vietddude/brokerdata/internal/core/config"
	"github.com/vietddude/brokerdata/internal/core/domain"
	"github.com/vietddude/brokerdata/internal/core/worker"
	"github.com/vietddude/brokerdata/internal/infra/broker"
	"github.com/vietddude/brokerdata/internal/infra/broker/angelone"
	"github.com/vietddude/brokerdata/internal/infra/broker/zerodha"
	"github.com/vietddude/brokerdata/internal/infra/metrics"
	redisclient "github.com/vietddude/brokerdata/internal/infra/redis"
	"github.com/vietddude/brokerdata/internal/infra/rpc"
	"github.com/vietddude/brokerdata/internal/infra/rpc/budget"
	"github.com/vietddude/brokerdata/internal/infra/rpc/provider"
	"github.com/vietddude/brokerdata/internal/infra/rpc/routing"
	"github.com/vietddude/brokerdata/internal/infra/storage"
	"github.com/vietddude/brokerdata/internal/infra/storage/memory"
	"github.com/vietddude/brokerdata/internal/infra/storage/postgres"
)

const (
	dialRetries     = 3
	dialBackoff     = time.Second
	metricsInterval = 10 * time.Second
)

// Service owns the broker client and the infrastructure behind it.
type Service struct {
	cfg       *config.AppConfig
	http      *provider.HTTPTransport
	budget    *budget.Tracker
	client    *rpc.Client
	journal   storage.FailedQueryRepository
	db        *postgres.DB
	redis     *redisclient.Client
	instCount map[domain.BrokerID]int
	log       *slog.Logger
}

// Option configures a Service.
type Option func(*serviceOptions)

type serviceOptions struct {
	transport provider.Transport
	log       *slog.Logger
}

// WithTransport replaces the HTTP transport, e.g. with a fake in tests.
func WithTransport(t provider.Transport) Option {
	return func(o *serviceOptions) {
		o.transport = t
	}
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *serviceOptions) {
		o.log = l
	}
}

// NewService connects storage, loads instrument masters and builds the client.
func NewService(ctx context.Context, cfg *config.AppConfig, opts ...Option) (*Service, error) {
	o := serviceOptions{log: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Service{
		cfg:       cfg,
		instCount: make(map[domain.BrokerID]int),
		log:       o.log,
	}

	// 1. Transport stack: pooled HTTP, then per-broker budget
	var base provider.Transport = o.transport
	if base == nil {
		s.http = provider.NewHTTPTransport(cfg.Transport)
		base = s.http
	}
	limits := make(map[domain.BrokerID]budget.Limits)
	for _, b := range cfg.Enabled() {
		limits[b.ID] = b.Budget
	}
	s.budget = budget.NewTracker(limits)
	transport := budget.NewTransport(base, s.budget)

	// 2. Storage
	if err := s.connectStorage(ctx); err != nil {
		s.Close()
		return nil, err
	}

	// 3. Instrument masters, loaded in parallel outside the request budget
	tables := s.loadInstruments(ctx, base)

	// 4. Adapters and registry, in configuration order
	builder := routing.NewRegistryBuilder()
	execOpts := []routing.ExecutorOption{
		routing.WithLogger(s.log),
		routing.WithObserver(routing.Observers{
			routing.NewLogObserver(s.log),
			metrics.NewObserver(),
		}),
	}
	for _, b := range cfg.Enabled() {
		a := newAdapter(b, tables[b.ID])
		if err := builder.Register(b.ID, a); err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to register %s: %w", b.ID, err)
		}
		if b.Retry != nil {
			execOpts = append(execOpts, routing.WithBrokerPolicy(b.ID, routing.NewPolicy(cfg.Retry.Merge(*b.Retry))))
		}
		s.log.Info("Registered broker", "broker", b.ID, "kinds", broker.SupportedKinds(a))
	}
	registry := builder.Build()
	if registry.Len() == 0 {
		s.log.Warn("No brokers enabled; every query will be rejected")
	}

	executor := routing.NewExecutor(transport, routing.NewPolicy(cfg.Retry), execOpts...)

	clientOpts := []rpc.ClientOption{rpc.WithClientLogger(s.log)}
	if s.journal != nil {
		clientOpts = append(clientOpts, rpc.WithFailureJournal(countingJournal{s.journal}))
	}
	s.client = rpc.NewClient(registry, executor, clientOpts...)

	return s, nil
}

func (s *Service) connectStorage(ctx context.Context) error {
	cfg := s.cfg

	needRedis := cfg.Redis.URL != ""
	if needRedis {
		err := dial(ctx, "redis", func(ctx context.Context) error {
			c, err := redisclient.NewClient(cfg.Redis)
			if err != nil {
				return err
			}
			s.redis = c
			return nil
		})
		if err != nil {
			if cfg.Journal.Backend == config.JournalRedis {
				return fmt.Errorf("failed to init redis: %w", err)
			}
			s.log.Warn("Failed to connect to Redis, instrument cache disabled", "error", err)
		}
	}

	switch cfg.Journal.Backend {
	case config.JournalPostgres:
		err := dial(ctx, "postgres", func(ctx context.Context) error {
			db, err := postgres.NewDB(ctx, cfg.Database)
			if err != nil {
				return err
			}
			s.db = db
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to init db: %w", err)
		}
		if err := s.db.Migrate(ctx); err != nil {
			return fmt.Errorf("failed to migrate db: %w", err)
		}
		s.journal = postgres.NewFailedQueryRepo(s.db)
		s.log.Info("Using PostgreSQL failure journal")
	case config.JournalRedis:
		s.journal = redisclient.NewFailedQueryRepo(s.redis, cfg.Journal.Retention)
		s.log.Info("Using Redis failure journal")
	case config.JournalMemory:
		s.journal = memory.NewFailedQueryRepo(cfg.Journal.Capacity)
		s.log.Info("Using Memory failure journal")
	default:
		s.log.Info("Failure journal disabled")
	}
	return nil
}

// dial retries connect with exponential backoff.
func dial(ctx context.Context, name string, connect func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(dialRetries, retry.NewExponential(dialBackoff))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := connect(ctx); err != nil {
			slog.Warn("Connection failed, retrying", "backend", name, "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
}

func (s *Service) loadInstruments(ctx context.Context, t provider.Transport) map[domain.BrokerID]*broker.InstrumentTable {
	var cache broker.InstrumentCache
	if s.redis != nil {
		cache = s.redis
	}

	brokers := s.cfg.Enabled()
	tables := make([]*broker.InstrumentTable, len(brokers))

	var g errgroup.Group
	for i, b := range brokers {
		g.Go(func() error {
			table, err := broker.LoadInstruments(ctx, t, cache, instrumentSource(b), s.cfg.Instruments)
			if err != nil {
				// Adapters still serve queries that need no token lookup.
				s.log.Warn("Instrument master unavailable", "broker", b.ID, "error", err)
				return nil
			}
			tables[i] = table
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[domain.BrokerID]*broker.InstrumentTable, len(brokers))
	for i, b := range brokers {
		out[b.ID] = tables[i]
		s.instCount[b.ID] = tables[i].Len()
		metrics.InstrumentsLoaded.WithLabelValues(string(b.ID)).Set(float64(tables[i].Len()))
	}
	return out
}

func credentials(b config.BrokerConfig) broker.Credentials {
	return broker.Credentials{
		APIKey:      b.Credentials.APIKey,
		AccessToken: b.Credentials.AccessToken,
		ClientCode:  b.Credentials.ClientCode,
	}
}

func instrumentSource(b config.BrokerConfig) broker.InstrumentSource {
	switch b.ID {
	case domain.BrokerZerodha:
		return broker.InstrumentSource{
			Broker:  b.ID,
			Request: zerodha.InstrumentsRequest(b.BaseURL, credentials(b), ""),
			Parse:   filterExchanges(zerodha.ParseInstruments, b.Exchanges),
		}
	default:
		return broker.InstrumentSource{
			Broker:  b.ID,
			Request: angelone.ScripMasterRequest(b.InstrumentsURL),
			Parse:   filterExchanges(angelone.ParseScripMaster, b.Exchanges),
		}
	}
}

// filterExchanges keeps only rows of the given exchanges (all when empty).
func filterExchanges(
	parse func([]byte) ([]broker.Instrument, error),
	exchanges []domain.Exchange,
) func([]byte) ([]broker.Instrument, error) {
	if len(exchanges) == 0 {
		return parse
	}
	keep := make(map[domain.Exchange]bool, len(exchanges))
	for _, e := range exchanges {
		keep[e] = true
	}
	return func(payload []byte) ([]broker.Instrument, error) {
		list, err := parse(payload)
		if err != nil {
			return nil, err
		}
		out := list[:0]
		for _, inst := range list {
			if keep[inst.Exchange] {
				out = append(out, inst)
			}
		}
		return out, nil
	}
}

func newAdapter(b config.BrokerConfig, table *broker.InstrumentTable) broker.Adapter {
	creds := broker.NewStaticCredentials(credentials(b))
	switch b.ID {
	case domain.BrokerZerodha:
		return zerodha.NewAdapter(zerodha.Config{
			BaseURL: b.BaseURL,
			Kinds:   b.Kinds,
		}, creds, table)
	default:
		return angelone.NewAdapter(angelone.Config{
			BaseURL:        b.BaseURL,
			ScripMasterURL: b.InstrumentsURL,
			Kinds:          b.Kinds,
			ClientLocalIP:  b.Client.LocalIP,
			ClientPublicIP: b.Client.PublicIP,
			MACAddress:     b.Client.MACAddress,
		}, creds, table)
	}
}

// Client returns the broker client.
func (s *Service) Client() *rpc.Client {
	return s.client
}

// Journal returns the failure journal, or nil when disabled.
func (s *Service) Journal() storage.FailedQueryRepository {
	return s.journal
}

// Budget returns the per-broker request budget tracker.
func (s *Service) Budget() *budget.Tracker {
	return s.budget
}

// BudgetUsage returns request budget usage per broker.
func (s *Service) BudgetUsage() map[domain.BrokerID]budget.UsageStats {
	return s.budget.Snapshot()
}

// InstrumentCounts returns the size of each broker's instrument table.
func (s *Service) InstrumentCounts() map[domain.BrokerID]int {
	out := make(map[domain.BrokerID]int, len(s.instCount))
	for k, v := range s.instCount {
		out[k] = v
	}
	return out
}

// TransportStats returns per-broker transport health; empty with a custom transport.
func (s *Service) TransportStats() map[string]provider.MonitorStats {
	if s.http == nil {
		return map[string]provider.MonitorStats{}
	}
	return s.http.Stats()
}

// Health checks the backing stores.
func (s *Service) Health(ctx context.Context) error {
	var errs []error
	if s.db != nil {
		if err := s.db.Health(ctx); err != nil {
			errs = append(errs, fmt.Errorf("postgres: %w", err))
		}
	}
	if s.redis != nil {
		if err := s.redis.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Start runs background tasks until ctx is done.
func (s *Service) Start(ctx context.Context) {
	if s.db != nil {
		s.db.StartMetricsCollector(ctx)
	}
	go s.runMetricsUpdater(ctx)
	if s.journal != nil {
		go worker.NewPruner(s.journal, s.cfg.Journal.Retention, s.log).Start(ctx)
	}
}

func (s *Service) runMetricsUpdater(ctx context.Context) {
	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.RecordTransportStats(s.TransportStats())
			metrics.RecordBudget(s.budget.Snapshot())
		}
	}
}

// Close releases connections.
func (s *Service) Close() error {
	var errs []error
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.http != nil {
		if err := s.http.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// countingJournal records journal write outcomes as metrics.
type countingJournal struct {
	repo storage.FailedQueryRepository
}

func (j countingJournal) Add(ctx context.Context, fq *domain.FailedQuery) error {
	err := j.repo.Add(ctx, fq)
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.JournalWritesTotal.WithLabelValues(result).Inc()
	return err
}

package main

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-engine/internal/config"
	"github.com/sells-group/outreach-engine/internal/cost"
	"github.com/sells-group/outreach-engine/internal/deal"
	"github.com/sells-group/outreach-engine/internal/lock"
	"github.com/sells-group/outreach-engine/internal/model"
	"github.com/sells-group/outreach-engine/internal/monitoring"
	"github.com/sells-group/outreach-engine/internal/outreach"
	"github.com/sells-group/outreach-engine/internal/render"
	"github.com/sells-group/outreach-engine/internal/research"
	"github.com/sells-group/outreach-engine/internal/resilience"
	"github.com/sells-group/outreach-engine/internal/store"
	"github.com/sells-group/outreach-engine/internal/transport"
	anthropicpkg "github.com/sells-group/outreach-engine/pkg/anthropic"
	"github.com/sells-group/outreach-engine/pkg/jina"
	"github.com/sells-group/outreach-engine/pkg/linkedin"
	"github.com/sells-group/outreach-engine/pkg/perplexity"
	sfpkg "github.com/sells-group/outreach-engine/pkg/salesforce"
)

// engine holds the store, services and clients shared by the commands.
type engine struct {
	Store      store.Store
	Locker     lock.Locker
	Registry   *prometheus.Registry
	Metrics    *monitoring.Metrics
	Campaigns  *outreach.Service
	Deals      *deal.Service
	Research   *research.Orchestrator
	Router     *transport.Router     // tick mode only
	Dispatcher *outreach.Dispatcher  // tick mode only
	Enricher   *research.LLMEnricher // nil without an Anthropic key
	SFSync     *deal.SalesforceSync  // nil unless Salesforce is configured

	closers []func() error
}

// Close releases resources held by the engine.
func (e *engine) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		_ = e.closers[i]()
	}
}

// initEngine validates the config for mode, opens and migrates the store and
// builds the services. Transports and the dispatcher are only built for
// ModeTick. Callers should defer env.Close().
func initEngine(ctx context.Context, mode string) (*engine, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	e := &engine{Store: st, closers: []func() error{st.Close}}

	if err := st.Migrate(ctx); err != nil {
		e.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	locker, closeLocker, err := initLocker(ctx)
	if err != nil {
		e.Close()
		return nil, err
	}
	e.Locker = locker
	if closeLocker != nil {
		e.closers = append(e.closers, closeLocker)
	}

	e.Registry = prometheus.NewRegistry()
	e.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	e.Metrics = monitoring.NewMetrics(e.Registry)

	var dealOpts []deal.Option
	if cfg.Salesforce.Enabled() {
		sf, err := sfpkg.Connect(sfpkg.Credentials{
			LoginURL: cfg.Salesforce.LoginURL,
			Username: cfg.Salesforce.Username,
			ClientID: cfg.Salesforce.ClientID,
			KeyPath:  cfg.Salesforce.KeyPath,
		}, sfpkg.WithRateLimit(cfg.Salesforce.RateLimit))
		if err != nil {
			e.Close()
			return nil, eris.Wrap(err, "connect salesforce")
		}
		e.SFSync = deal.NewSalesforceSync(sf)
		dealOpts = append(dealOpts, deal.WithSyncer(e.SFSync))
		zap.L().Info("salesforce opportunity sync enabled")
	}

	e.Campaigns = outreach.NewService(st, locker, e.Metrics)
	e.Deals = deal.NewService(st, locker, e.Metrics, dealOpts...)

	if cfg.Anthropic.Key != "" {
		e.Enricher = initEnricher()
	}
	var en research.Enricher
	if e.Enricher != nil {
		en = e.Enricher
	}
	e.Research = research.NewOrchestrator(st, en, locker, e.Metrics, research.Config{
		ItemsPerTick: cfg.Research.ItemsPerTick,
		Concurrency:  cfg.Research.Concurrency,
		Timeout:      time.Duration(cfg.Research.TimeoutSecs) * time.Second,
	})

	if mode == config.ModeTick {
		e.Router = initRouter()
		e.Dispatcher = outreach.NewDispatcher(st, e.Router, render.New(), locker, e.Metrics, dispatchConfig())
	}
	return e, nil
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		path := cfg.Store.SQLitePath
		if path == "" {
			path = "outreach.db"
		}
		return store.NewSQLite(path)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initLocker returns a Redis locker when a URL is configured, otherwise an
// in-process one that only serializes work inside this process.
func initLocker(ctx context.Context) (lock.Locker, func() error, error) {
	if cfg.Redis.URL == "" {
		zap.L().Debug("redis not configured, using in-process locks")
		return lock.NewLocal(), nil, nil
	}
	r, err := lock.NewRedisFromURL(ctx, cfg.Redis.URL, lock.RedisConfig{
		TTL: time.Duration(cfg.Redis.LockTTLSecs) * time.Second,
	})
	if err != nil {
		return nil, nil, err
	}
	zap.L().Info("redis locks enabled")
	return r, r.Close, nil
}

func initEnricher() *research.LLMEnricher {
	ai := anthropicpkg.NewClient(cfg.Anthropic.Key)

	var search perplexity.Client
	if cfg.Perplexity.Key != "" {
		opts := []perplexity.Option{perplexity.WithModel(cfg.Perplexity.Model)}
		if cfg.Perplexity.BaseURL != "" {
			opts = append(opts, perplexity.WithBaseURL(cfg.Perplexity.BaseURL))
		}
		search = perplexity.NewClient(cfg.Perplexity.Key, opts...)
	} else {
		zap.L().Warn("perplexity key not set, research runs without web context")
	}

	en := research.NewLLMEnricher(ai, search, cost.NewCalculator(cfg.Pricing), research.EnricherConfig{
		Model:       cfg.Anthropic.Model,
		MaxTokens:   cfg.Anthropic.MaxTokens,
		DMSteps:     cfg.Research.DMSteps,
		SearchModel: cfg.Perplexity.Model,
	})
	if cfg.Jina.Enabled {
		var opts []jina.Option
		if cfg.Jina.BaseURL != "" {
			opts = append(opts, jina.WithBaseURL(cfg.Jina.BaseURL))
		}
		en.WithReader(jina.NewClient(cfg.Jina.Key, opts...))
		zap.L().Info("website reads enabled for research")
	}
	return en
}

func initRouter() *transport.Router {
	perMinute := make(map[model.Channel]int, len(cfg.Outreach.PerMinute))
	for ch, n := range cfg.Outreach.PerMinute {
		perMinute[model.Channel(ch)] = n
	}
	r := transport.NewRouter(transport.RouterConfig{
		Timeout:   time.Duration(cfg.Outreach.TransportTimeoutSecs) * time.Second,
		PerMinute: perMinute,
	})

	switch cfg.Outreach.EmailProvider {
	case "sendgrid":
		r.Register(model.ChannelEmail, transport.NewSendGrid(transport.SendGridConfig{
			APIKey: cfg.SendGrid.Key,
			From:   transport.Mailbox{Name: cfg.SendGrid.FromName, Address: cfg.SendGrid.FromAddress},
		}))
	default:
		r.Register(model.ChannelEmail, transport.NewSMTP(transport.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     transport.Mailbox{Name: cfg.SMTP.FromName, Address: cfg.SMTP.FromAddress},
		}))
	}

	if cfg.LinkedIn.Key != "" {
		var opts []linkedin.Option
		if cfg.LinkedIn.BaseURL != "" {
			opts = append(opts, linkedin.WithBaseURL(cfg.LinkedIn.BaseURL))
		}
		li := linkedin.NewClient(cfg.LinkedIn.Key, opts...)
		r.Register(model.ChannelLinkedInConnection, transport.NewLinkedInConnection(li, cfg.LinkedIn.AccountID))
		r.Register(model.ChannelLinkedInDM, transport.NewLinkedInDM(li, cfg.LinkedIn.AccountID))
	} else {
		zap.L().Warn("linkedin key not set, linkedin steps will fail")
	}
	return r
}

func dispatchConfig() outreach.DispatchConfig {
	o := cfg.Outreach
	return outreach.DispatchConfig{
		MaxConcurrentCampaigns: o.MaxConcurrentCampaigns,
		PerTickLimit:           o.PerTickLimit,
		ConfirmationHorizon:    time.Duration(o.ConfirmationHorizonHours) * time.Hour,
		Retry: resilience.Schedule{
			MaxAttempts: o.RetryMaxAttempts,
			Initial:     time.Duration(o.RetryInitialMins) * time.Minute,
			Max:         time.Duration(o.RetryMaxHours) * time.Hour,
			Multiplier:  2,
		},
	}
}

// breakerReporters lists the components whose circuit breakers feed alerts.
func (e *engine) breakerReporters() []monitoring.BreakerReporter {
	var out []monitoring.BreakerReporter
	if e.Router != nil {
		out = append(out, e.Router)
	}
	if e.Enricher != nil {
		out = append(out, e.Enricher)
	}
	return out
}

// Package app wires configuration into the services shared by the API
// server and the operator CLI.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/diagnosis/bus-reserve/internal/audit"
	"github.com/diagnosis/bus-reserve/internal/domain"
	"github.com/diagnosis/bus-reserve/internal/platform/busapi"
	"github.com/diagnosis/bus-reserve/internal/platform/mailer"
	"github.com/diagnosis/bus-reserve/internal/ratelimit"
	"github.com/diagnosis/bus-reserve/internal/repo"
	"github.com/diagnosis/bus-reserve/internal/repo/postgres"
	"github.com/diagnosis/bus-reserve/internal/repo/redisrepo"
	sqliterepo "github.com/diagnosis/bus-reserve/internal/repo/sqlite"
	"github.com/diagnosis/bus-reserve/internal/reservation"
	"github.com/diagnosis/bus-reserve/internal/validation"
	"github.com/diagnosis/bus-reserve/pkg/config"
	"github.com/diagnosis/bus-reserve/pkg/database"
	"github.com/diagnosis/bus-reserve/pkg/events"
	"github.com/diagnosis/bus-reserve/pkg/logger"
)

type App struct {
	Config       *config.Config
	Audit        *audit.Logger
	Backend      *busapi.Client
	Validation   *validation.Service
	Reservations *reservation.Service
	Publisher    events.Publisher

	// PublicLimiter guards the inbound reserve routes per client IP.
	PublicLimiter ratelimit.Limiter

	rdb      *redis.Client
	memory   []*ratelimit.SlidingWindow
	closers  []func() error
	closeMu  sync.Mutex
	shutdown bool
}

type Option func(*options)

type options struct {
	store     repo.KVStore
	publisher events.Publisher
	mailer    mailer.Service
	backend   []busapi.Option
}

// WithStore overrides the audit storage selected by configuration.
func WithStore(s repo.KVStore) Option {
	return func(o *options) { o.store = s }
}

func WithPublisher(p events.Publisher) Option {
	return func(o *options) { o.publisher = p }
}

func WithMailer(m mailer.Service) Option {
	return func(o *options) { o.mailer = m }
}

func WithBackendOptions(opts ...busapi.Option) Option {
	return func(o *options) { o.backend = append(o.backend, opts...) }
}

// New connects the configured infrastructure and builds the services.
// Call Close when done.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{Config: cfg}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	store := o.store
	if store == nil {
		s, err := a.openStore(ctx)
		if err != nil {
			return nil, err
		}
		store = s
	}

	pub := o.publisher
	if pub == nil {
		p, err := a.openPublisher()
		if err != nil {
			return nil, err
		}
		pub = p
	}
	a.Publisher = pub

	validationLimiter, reservationLimiter := a.limiters()
	backendOpts := append([]busapi.Option{busapi.WithLimiters(validationLimiter, reservationLimiter)}, o.backend...)
	a.Backend = busapi.NewClient(cfg.Backend, cfg.RateLimit, backendOpts...)

	a.Audit = audit.NewLogger(cfg.Audit, store)
	if err := a.Audit.Load(ctx); err != nil {
		logger.WarnContext(ctx, "Audit log restore failed, starting empty", "error", err)
	}
	a.Audit.Subscribe(audit.EventForwarder(pub))

	m := o.mailer
	if m == nil {
		m = newMailer(cfg.Email)
	}
	minSeverity, valid := domain.ParseSeverity(cfg.Audit.AlertMinSeverity)
	if !valid {
		minSeverity = domain.SeverityCritical
	}
	a.Audit.Subscribe(audit.AlertListener(m, cfg.Audit.AlertEmail, minSeverity))

	a.Validation = validation.NewService(a.Backend, a.Audit, cfg.Cache, validation.WithPublisher(pub))
	a.Reservations = reservation.NewService(a.Backend, a.Validation, a.Audit, cfg.Cache, reservation.WithPublisher(pub))

	ok = true
	return a, nil
}

func (a *App) redis() *redis.Client {
	if a.rdb == nil {
		a.rdb = redis.NewClient(&redis.Options{
			Addr:     a.Config.Redis.Addr,
			Password: a.Config.Redis.Password,
			DB:       a.Config.Redis.DB,
		})
		rdb := a.rdb
		a.closers = append(a.closers, rdb.Close)
	}
	return a.rdb
}

func (a *App) openStore(ctx context.Context) (repo.KVStore, error) {
	switch a.Config.Audit.Storage {
	case "memory":
		return repo.NewMemoryStore(), nil
	case "", "file", "sqlite":
		kv, err := sqliterepo.Open(ctx, a.Config.Audit.FilePath)
		if err != nil {
			return nil, fmt.Errorf("open audit database: %w", err)
		}
		a.closers = append(a.closers, kv.Close)
		return kv, nil
	case "redis":
		rdb := a.redis()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		return redisrepo.NewKVRepo(rdb, a.Config.Audit.Source), nil
	case "postgres":
		pool, err := database.Connect(ctx, a.Config.Database)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		kv := postgres.NewKVRepo(pool)
		if err := kv.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return kv, nil
	default:
		return nil, fmt.Errorf("unknown audit storage %q", a.Config.Audit.Storage)
	}
}

func (a *App) openPublisher() (events.Publisher, error) {
	var (
		pub events.Publisher
		err error
	)
	switch a.Config.Events.Bus {
	case "", "none":
		return events.Noop{}, nil
	case "nats":
		pub, err = events.NewNATSEventBus(a.Config.NATS.URL)
	case "amqp":
		pub, err = events.NewAMQPPublisher(a.Config.AMQP.URL, a.Config.AMQP.Exchange)
	default:
		return nil, fmt.Errorf("unknown event bus %q", a.Config.Events.Bus)
	}
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, pub.Close)
	return pub, nil
}

// limiters returns the backend limiters and sets PublicLimiter.
func (a *App) limiters() (ratelimit.Limiter, ratelimit.Limiter) {
	rl := a.Config.RateLimit
	srv := a.Config.Server
	if rl.Backend == "redis" {
		rdb := a.redis()
		a.PublicLimiter = ratelimit.NewRedisSlidingWindow(rdb, rl.Prefix+":api", srv.PublicRequests, srv.PublicWindow)
		return ratelimit.NewRedisSlidingWindow(rdb, rl.Prefix+":validation", rl.ValidationMax, rl.Window),
			ratelimit.NewRedisSlidingWindow(rdb, rl.Prefix+":reservation", rl.ReservationMax, rl.Window)
	}

	v := ratelimit.NewSlidingWindow(rl.ValidationMax, rl.Window)
	r := ratelimit.NewSlidingWindow(rl.ReservationMax, rl.Window)
	p := ratelimit.NewSlidingWindow(srv.PublicRequests, srv.PublicWindow)
	a.memory = append(a.memory, v, r, p)
	a.PublicLimiter = p
	return v, r
}

func newMailer(cfg config.EmailConfig) mailer.Service {
	if cfg.DevMode || cfg.MailerSendKey == "" {
		return mailer.NewDevMailer()
	}
	return mailer.NewMailer(cfg.MailerSendKey, cfg.FromName, cfg.FromEmail)
}

// Run starts the maintenance loops and blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) {
	var wg sync.WaitGroup
	loops := []func(context.Context){
		a.Audit.Run,
		a.Validation.Run,
		a.Reservations.Run,
		a.cleanupLimiters,
	}
	for _, loop := range loops {
		wg.Add(1)
		go func(run func(context.Context)) {
			defer wg.Done()
			run(ctx)
		}(loop)
	}
	wg.Wait()
}

func (a *App) cleanupLimiters(ctx context.Context) {
	if len(a.memory) == 0 {
		return
	}
	interval := a.Config.Cache.CleanupInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := 0
			for _, l := range a.memory {
				removed += l.Cleanup()
			}
			if removed > 0 {
				logger.Debug("Rate limiter cleanup", "removed", removed)
			}
		}
	}
}

// Close releases connections in reverse order of opening.
func (a *App) Close() error {
	a.closeMu.Lock()
	defer a.closeMu.Unlock()
	if a.shutdown {
		return nil
	}
	a.shutdown = true

	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

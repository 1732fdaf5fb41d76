package service

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/nithinbarath/billing-system/internal/cache"
	"github.com/nithinbarath/billing-system/internal/domain"
	"github.com/nithinbarath/billing-system/internal/logger"
	"github.com/nithinbarath/billing-system/internal/notify"
	"github.com/nithinbarath/billing-system/internal/store"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// Options carries the optional collaborators of a Service. Zero values are
// replaced with no-op implementations.
type Options struct {
	Cache             cache.InvoiceCache
	CacheTTL          time.Duration
	Notifier          notify.Notifier
	Logger            *zap.Logger
	LowStockThreshold int
}

type Service struct {
	repo      store.Repository
	cache     cache.InvoiceCache
	cacheTTL  time.Duration
	notifier  notify.Notifier
	logger    *zap.Logger
	validate  *validator.Validate
	lowStock  int
	recentMax int
}

func New(repo store.Repository, opts Options) *Service {
	log := logger.OrNop(opts.Logger)
	if opts.Cache == nil {
		opts.Cache = cache.NoopInvoiceCache{}
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Hour
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.NewLogNotifier(log)
	}
	if opts.LowStockThreshold <= 0 {
		opts.LowStockThreshold = 10
	}

	return &Service{
		repo:      repo,
		cache:     opts.Cache,
		cacheTTL:  opts.CacheTTL,
		notifier:  opts.Notifier,
		logger:    log,
		validate:  newValidator(),
		lowStock:  opts.LowStockThreshold,
		recentMax: 5,
	}
}

func (s *Service) log(ctx context.Context) *zap.Logger {
	return logger.FromContext(ctx, s.logger)
}

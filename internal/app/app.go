// Package app assembles the capacity services, workers and HTTP routes.
package app

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aura-webinar/capacity/config"
	"github.com/aura-webinar/capacity/internal/capacity"
	"github.com/aura-webinar/capacity/internal/groups"
	"github.com/aura-webinar/capacity/internal/notify"
	"github.com/aura-webinar/capacity/internal/registrations"
	"github.com/aura-webinar/capacity/internal/waitlist"
	"github.com/aura-webinar/capacity/internal/worker"
	"github.com/aura-webinar/capacity/pkg/queue"
)

// Core holds the wired services shared by the server and the worker.
type Core struct {
	Stores        *Stores
	Redis         *redis.Client
	Counter       *capacity.Counter
	Capacity      *capacity.Service
	Waitlist      *waitlist.Service
	Engine        *waitlist.Engine
	Registrations *registrations.Service
	Groups        *groups.Service
	Queue         *queue.Queue
	Publisher     notify.Publisher

	Sweeper    *worker.HoldSweeper
	Reconciler *worker.Reconciler
	Processor  *worker.PromotionProcessor

	logger *zap.Logger
}

// NewCore wires services over the given ledger and Redis client.
func NewCore(stores *Stores, rdb *redis.Client, cfg config.CapacityConfig, logger *zap.Logger) *Core {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Core{Stores: stores, Redis: rdb, logger: logger}

	c.Counter = capacity.NewCounter(rdb, logger.Named("counter"))
	c.Publisher = notify.NewRedisPublisher(rdb, logger.Named("notify"))
	c.Queue = queue.NewQueue(rdb, logger.Named("queue"))
	c.Capacity = capacity.NewService(stores.Rules, c.Counter, stores.Registrations, stores.Groups, stores.Waitlist, logger.Named("capacity"))

	c.Waitlist = waitlist.NewService(stores.Waitlist, stores.Rules, stores.Registrations, c.Publisher, logger.Named("waitlist"))
	c.Engine = waitlist.NewEngine(stores.Waitlist, stores.Rules, c.Counter, stores.Confirmer, c.Publisher, logger.Named("promotion"))

	c.Registrations = registrations.NewService(registrations.Deps{
		Store:     stores.Registrations,
		Rules:     stores.Rules,
		Slots:     c.Counter,
		Waitlist:  c.Waitlist,
		Promoter:  c.Engine,
		Jobs:      c.Queue,
		Publisher: c.Publisher,
		Logger:    logger.Named("registrations"),
	})
	c.Groups = groups.NewService(groups.Deps{
		Store:     stores.Groups,
		Rules:     stores.Rules,
		Slots:     c.Counter,
		Promoter:  c.Engine,
		Jobs:      c.Queue,
		Publisher: c.Publisher,
		Logger:    logger.Named("groups"),
	})

	c.Sweeper = worker.NewHoldSweeper(c.Counter, c.Engine, cfg.SweepInterval, logger.Named("sweeper"))
	c.Reconciler = worker.NewReconciler(c.Counter, c.Capacity, c.Engine, cfg.ReconcileInterval, cfg.ReconcileSettle, logger.Named("reconciler"))
	c.Processor = worker.NewPromotionProcessor(c.Engine, c.Queue, logger.Named("promotion-worker"))
	return c
}

// RunWorkers starts the hold sweeper, the reconciler and the promotion job
// processor. The returned func blocks until all of them stop after ctx ends.
func (c *Core) RunWorkers(ctx context.Context) (wait func()) {
	var wg sync.WaitGroup
	for _, run := range []func(context.Context){c.Sweeper.Run, c.Reconciler.Run, c.Processor.Run} {
		wg.Add(1)
		go func(run func(context.Context)) {
			defer wg.Done()
			run(ctx)
		}(run)
	}
	c.logger.Info("capacity workers started")
	return wg.Wait
}

// Ready reports whether Redis and the ledger database answer.
func (c *Core) Ready(ctx context.Context) map[string]string {
	status := map[string]string{"redis": "ok", "database": "ok"}
	if err := c.Redis.Ping(ctx).Err(); err != nil {
		status["redis"] = err.Error()
	}
	if c.Stores.Ping == nil {
		status["database"] = "memory"
	} else if err := c.Stores.Ping(ctx); err != nil {
		status["database"] = err.Error()
	}
	return status
}

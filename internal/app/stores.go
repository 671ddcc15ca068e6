package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/aura-webinar/capacity/config"
	"github.com/aura-webinar/capacity/internal/capacity"
	"github.com/aura-webinar/capacity/internal/groups"
	"github.com/aura-webinar/capacity/internal/registrations"
	"github.com/aura-webinar/capacity/internal/storage/memory"
	"github.com/aura-webinar/capacity/internal/waitlist"
	"github.com/aura-webinar/capacity/pkg/database"
)

// Stores is the durable ledger, split by the services that use it.
type Stores struct {
	Rules         capacity.RuleStore
	Registrations registrations.Store
	Confirmer     waitlist.Confirmer
	Waitlist      waitlist.Store
	Groups        groups.Store

	// Ping checks the backing database. Nil for in-memory stores.
	Ping  func(ctx context.Context) error
	Close func()
}

// MemoryStores serves every ledger from one in-process store.
func MemoryStores(s *memory.Store) *Stores {
	return &Stores{
		Rules:         s,
		Registrations: s,
		Confirmer:     s,
		Waitlist:      s,
		Groups:        s,
		Close:         func() {},
	}
}

// OpenStores connects the ledger selected by cfg.Capacity.StorageDriver and
// applies migrations for Postgres.
func OpenStores(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Stores, error) {
	if cfg.Capacity.StorageDriver == config.StorageDriverMemory {
		logger.Warn("using in-memory ledger; data is lost on restart")
		return MemoryStores(memory.NewStore()), nil
	}

	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), database.PoolConfig{
		MaxConns: cfg.Database.MaxConns,
		MinConns: cfg.Database.MinConns,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	if err := database.Migrate(ctx, pool, logger.Named("migrate")); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	regs := registrations.NewRepository(pool)
	return &Stores{
		Rules:         capacity.NewRulesRepository(pool),
		Registrations: regs,
		Confirmer:     regs,
		Waitlist:      waitlist.NewRepository(pool),
		Groups:        groups.NewRepository(pool),
		Ping:          pool.Ping,
		Close:         pool.Close,
	}, nil
}

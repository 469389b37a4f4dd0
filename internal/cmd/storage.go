package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"
	"github.com/prudhvinik1/fieldsync/internal/config"
	"github.com/prudhvinik1/fieldsync/internal/database"
	"github.com/prudhvinik1/fieldsync/internal/feed"
	"github.com/prudhvinik1/fieldsync/internal/repositories"
)

// storage is the set of repositories and the cross-instance transport the
// server runs on.
type storage struct {
	overlays  repositories.OverlayRepository
	reports   repositories.FieldReportRepository
	sos       repositories.SosRepository
	changes   repositories.ChangeLogRepository
	locks     repositories.LockRepository
	presence  repositories.PresenceRepository
	locations repositories.LocationRepository
	audit     repositories.AuditRepository
	tx        repositories.TxRunner
	transport feed.Transport

	closers []func()
}

func (s *storage) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// openStorage wires postgres for versioned records and the logs, redis for
// locks, presence, locations and fan-out. Memory mode keeps everything in
// process for single-node development.
func openStorage(ctx context.Context, cfg *config.Config, clock clockwork.Clock, logger *slog.Logger) (*storage, error) {
	if cfg.Storage == config.StorageMemory {
		logger.Warn("using in-memory storage; data is lost on restart")
		return &storage{
			overlays:  repositories.NewMemoryOverlayRepository(clock),
			reports:   repositories.NewMemoryFieldReportRepository(clock),
			sos:       repositories.NewMemorySosRepository(clock),
			changes:   repositories.NewMemoryChangeLogRepository(clock),
			locks:     repositories.NewMemoryLockRepository(clock),
			presence:  repositories.NewMemoryPresenceRepository(clock),
			locations: repositories.NewMemoryLocationRepository(clock, cfg.LocationRetention),
			audit:     repositories.NewMemoryAuditRepository(clock),
			tx:        repositories.NewMemoryTxRunner(),
			transport: feed.LocalTransport{},
		}, nil
	}

	pool, err := database.NewPostgresPool(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	redisClient, err := database.NewRedisClient(ctx, cfg.RedisURL, logger)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create redis client: %w", err)
	}

	return &storage{
		overlays:  repositories.NewPostgresOverlayRepository(pool),
		reports:   repositories.NewPostgresFieldReportRepository(pool),
		sos:       repositories.NewPostgresSosRepository(pool),
		changes:   repositories.NewPostgresChangeLogRepository(pool),
		locks:     repositories.NewRedisLockRepository(redisClient, clock),
		presence:  repositories.NewRedisPresenceRepository(redisClient, clock),
		locations: repositories.NewRedisLocationRepository(redisClient, cfg.LocationRetention),
		audit:     repositories.NewPostgresAuditRepository(pool),
		tx:        repositories.NewPostgresTxRunner(pool),
		transport: feed.NewRedisTransport(redisClient, logger),
		closers: []func(){
			pool.Close,
			func() { _ = redisClient.Close() },
		},
	}, nil
}

package main

import (
	"context"
	"database/sql"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"space_broker/internal/adapters/observability"
	redisad "space_broker/internal/adapters/redis"
	"space_broker/internal/app"
	"space_broker/internal/shared"
	mysqlrepo "space_broker/internal/storage/mysql"
)

// The sweeper closes contracts whose rental period has elapsed:
// contract and reservation go to completed and any still-held extension
// escrow releases with the contract's commission snapshot. It also
// abandons reservations parked in pending_payment beyond the TTL so
// their area stops counting against capacity.
func main() {
	_ = godotenv.Load()
	ctx := context.Background()
	cfg := shared.Load()

	log.Logger = observability.NewLogger(cfg.AppEnv)

	log.Info().
		Int("workers", cfg.SweepWorkers).
		Int("batch", cfg.SweepBatch).
		Dur("interval", cfg.SweepInterval).
		Msg("sweeper starting")

	db, err := sql.Open("mysql", cfg.MySQLDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("sql.Open failed")
	}
	if err := db.Ping(); err != nil {
		log.Fatal().Err(err).Msg("db.Ping failed")
	}
	log.Info().Msg("db ping ok")

	store := mysqlrepo.New(db)
	cache := redisad.New(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
	contracts := app.NewContractService(store, nil, nil, cache)
	booking := app.NewBookingService(store, nil, cache)

	for {
		sweep(ctx, cfg, store, contracts)
		abandonStale(ctx, cfg, store, booking)
		time.Sleep(cfg.SweepInterval)
	}
}

func abandonStale(ctx context.Context, cfg shared.Config, store *mysqlrepo.Repo, booking *app.BookingService) {
	cutoff := time.Now().UTC().Add(-cfg.PendingTTL)
	ids, err := store.ListStalePendingReservations(ctx, cutoff, cfg.SweepBatch)
	if err != nil {
		log.Error().Err(err).Msg("list stale pending reservations failed")
		return
	}
	for _, id := range ids {
		if err := booking.AbandonPending(ctx, id); err != nil {
			log.Warn().Int64("reservation", id).Err(err).Msg("abandon failed")
			continue
		}
		log.Info().Int64("reservation", id).Msg("pending reservation abandoned")
	}
}

func sweep(ctx context.Context, cfg shared.Config, store *mysqlrepo.Repo, contracts *app.ContractService) {
	now := time.Now().UTC()
	ids, err := store.ListElapsedActiveContracts(ctx, now, cfg.SweepBatch)
	if err != nil {
		log.Error().Err(err).Msg("list elapsed contracts failed")
		return
	}
	if len(ids) == 0 {
		return
	}

	sem := semaphore.NewWeighted(int64(cfg.SweepWorkers))
	var wg sync.WaitGroup

	for _, id := range ids {
		// acquire before launching the goroutine; release inside it
		if err := sem.Acquire(ctx, 1); err != nil {
			log.Fatal().Err(err).Msg("semaphore acquire failed")
		}

		wg.Add(1)
		go func(contractID int64) {
			defer wg.Done()
			defer sem.Release(1)

			if err := contracts.CloseElapsed(ctx, contractID, now); err != nil {
				log.Warn().Int64("contract", contractID).Err(err).Msg("close failed")
				return
			}
			log.Info().Int64("contract", contractID).Msg("contract completed")
		}(id)
	}

	wg.Wait()
	log.Info().Int("closed", len(ids)).Msg("sweep finished")
}

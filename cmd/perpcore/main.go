package main

import (
	"context"
	"encoding/hex"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"PerpCore/internal/core"
	"PerpCore/internal/event"
	"PerpCore/internal/exec"
	"PerpCore/internal/gt"
	"PerpCore/internal/ingestion"
	"PerpCore/internal/ledger"
	"PerpCore/internal/observability"
	"PerpCore/internal/persistence"
	"PerpCore/internal/projection"
	"PerpCore/internal/query"
	"PerpCore/internal/store"
)

func main() {
	log := observability.NewLogger("perpcore")
	cfg := DefaultConfig()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres archive ---
	archive, err := store.OpenArchive(cfg.PostgresURL, log)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres open")
	}
	defer archive.Close()

	if err := archive.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("run migrations")
	}

	// --- Recovery: latest snapshot or cold start ---
	snap, err := archive.LoadLatestSnapshot(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("load snapshot")
	}

	var mem *store.Memory
	if snap != nil {
		mem, err = store.Restore(snap)
		if err != nil {
			log.Fatal().Err(err).Msg("restore snapshot")
		}
		log.Info().
			Int64("engine_sequence", snap.EngineSequence).
			Int("markets", len(snap.Markets)).
			Msg("state restored from snapshot")
	} else {
		mem = store.NewMemory()
		markets, glvs, err := bootstrapMarkets(mem, cfg.MarketsFile)
		if err != nil {
			log.Fatal().Err(err).Str("file", cfg.MarketsFile).Msg("bootstrap markets")
		}
		log.Info().Int("markets", markets).Int("glvs", glvs).Msg("cold start, markets bootstrapped")
	}

	// --- Observability ---
	metrics := observability.NewMetrics()
	health := observability.NewHealthChecker()

	// --- Execution pipeline ---
	emitter := event.NewEmitter(cfg.EventBufferSize, log)
	emitter.CountDrops(metrics.PublishDrops)
	books := ledger.NewRecorder(mem, ledger.NewBalanceTracker(), log)
	minter := gt.NewMinter(cfg.rewardRate(), cfg.rewardCap(), nil, cfg.RewardReferralBps, log)

	executor := exec.New(mem, log,
		exec.WithRecorder(metrics),
		exec.WithHooks(emitter, books, minter),
	)

	persistChan := make(chan *store.ActionRecord, cfg.PersistChanSize)

	// Shared by the engine (write side, per commit) and whole-state
	// readers: query handlers and the snapshot capture.
	var stateMu sync.RWMutex

	engine := core.New(mem, executor, log,
		core.WithEmitter(emitter),
		core.WithColdChecker(archive),
		core.WithPersistChan(persistChan),
		core.WithFundingInterval(cfg.FundingInterval),
		core.WithMetrics(metrics),
		core.WithCommitLock(&stateMu),
	)

	if snap != nil {
		var tip [32]byte
		if raw, err := hex.DecodeString(snap.StateHash); err == nil && len(raw) == len(tip) {
			copy(tip[:], raw)
		}
		engine.Restore(tip, snap.EngineSequence, snap.Nonces)

		warmed := 0
		for _, m := range mem.Markets() {
			recs, err := archive.LoadActions(ctx, m.MarketToken, cfg.WarmActionsPerMarket)
			if err != nil {
				log.Warn().Err(err).Str("market", m.MarketToken).Msg("action warmup failed")
				continue
			}
			ids := make([]uuid.UUID, 0, len(recs))
			for _, rec := range recs {
				ids = append(ids, rec.ID)
			}
			engine.WarmDuplicates(ids)
			warmed += len(ids)
		}
		log.Info().Int("actions", warmed).Msg("duplicate cache warmed")
	}

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, log)
	if err != nil {
		log.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()

	if err := ingestion.EnsureStreams(ctx, js, log); err != nil {
		log.Fatal().Err(err).Msg("ensure inbound streams")
	}
	if err := ingestion.EnsureOutboundStream(ctx, js, log); err != nil {
		log.Fatal().Err(err).Msg("ensure outbound stream")
	}

	inbound := make(chan ingestion.RawMessage, cfg.InboundChanSize)
	sub := ingestion.NewSubscriber(js, inbound, log)
	if err := sub.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		log.Fatal().Err(err).Msg("nats subscribe")
	}

	// --- Outbound fan-out: publisher gets every event, the funding
	// projection gets a best-effort copy ---
	publishChan := make(chan *event.Envelope, cfg.PublishChanSize)
	projectionChan := make(chan *event.Envelope, cfg.ProjectionChanSize)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case env := <-emitter.Out():
				select {
				case publishChan <- env:
				case <-ctx.Done():
					return
				}
				select {
				case projectionChan <- env:
				default:
					log.Debug().Int64("sequence", env.Sequence).Msg("projection channel full, dropping")
				}
			}
		}
	}()

	publisher := ingestion.NewPublisher(js, publishChan, metrics, log)

	// --- Funding projection ---
	fundingHistory := projection.NewFundingHistory(cfg.FundingHistoryCapacity)
	projWorker := projection.NewWorker(archive.DB(), fundingHistory, projectionChan, log)
	if err := projWorker.Rebuild(ctx, cfg.FundingHistoryCapacity); err != nil {
		log.Warn().Err(err).Msg("funding history rebuild failed")
	}

	// --- Persistence worker ---
	persistWorker := persistence.NewWorker(
		archive, mem, persistChan,
		cfg.PersistBatchSize, cfg.PersistFlushTimeout, cfg.SnapshotInterval,
		metrics, log,
	)
	persistWorker.Annotate(func(sd *store.SnapshotData) {
		tip := engine.StateHash()
		sd.EngineSequence = engine.Sequence()
		sd.StateHash = hex.EncodeToString(tip[:])
		sd.Nonces = engine.Nonces()
	})
	persistWorker.Guard(&stateMu)

	// --- HTTP ---
	svc := query.NewService(mem, fundingHistory, engine, metrics, log,
		query.WithStateLock(&stateMu))
	queryServer := &http.Server{Addr: cfg.HTTPAddr, Handler: svc.Mux()}
	adminServer := &http.Server{Addr: cfg.AdminAddr, Handler: health.Mux()}

	// --- Goroutines ---
	errChan := make(chan error, 8)
	engineDone := make(chan error, 1)
	persistDone := make(chan error, 1)

	go func() {
		engineDone <- engine.Run(ctx, inbound)
	}()
	// The persistence worker outlives the run context so it can drain
	// the channel after the engine stops; it exits on channel close.
	go func() {
		persistDone <- persistWorker.Run(context.Background())
	}()
	go func() {
		errChan <- projWorker.Run(ctx)
	}()
	go func() {
		errChan <- publisher.Run(ctx)
	}()
	go func() {
		if err := queryServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()
	go func() {
		if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	health.SetReady(true)
	log.Info().
		Str("http", cfg.HTTPAddr).
		Str("admin", cfg.AdminAddr).
		Int64("sequence", engine.Sequence()).
		Msg("perpcore ready")

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		log.Error().Err(err).Msg("goroutine failed, shutting down")
	}

	// Shutdown order matters: stop intake, wait for the engine to stop
	// committing, then close the persist channel so the worker flushes
	// the tail and writes the final snapshot.
	health.SetReady(false)
	sub.Stop()
	cancel()

	if err := <-engineDone; err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("engine stopped with error")
	}

	close(persistChan)
	if err := <-persistDone; err != nil {
		log.Error().Err(err).Msg("persistence worker stopped with error")
	}

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	if err := queryServer.Shutdown(shutCtx); err != nil {
		log.Warn().Err(err).Msg("query server shutdown")
	}
	if err := adminServer.Shutdown(shutCtx); err != nil {
		log.Warn().Err(err).Msg("admin server shutdown")
	}

	log.Info().Msg("shutdown complete")
}

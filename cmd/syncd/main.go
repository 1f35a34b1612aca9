package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/openparcel/parcelsync/internal/adapters"
	"github.com/openparcel/parcelsync/internal/config"
	"github.com/openparcel/parcelsync/modules/mapping"
	pairports "github.com/openparcel/parcelsync/modules/syncpair/domain/ports"
	pairtypes "github.com/openparcel/parcelsync/modules/syncpair/domain/types"
	pairpersistence "github.com/openparcel/parcelsync/modules/syncpair/infrastructure/persistence"
	pairservices "github.com/openparcel/parcelsync/modules/syncpair/services"
	runports "github.com/openparcel/parcelsync/modules/syncrun/domain/ports"
	runtypes "github.com/openparcel/parcelsync/modules/syncrun/domain/types"
	runpersistence "github.com/openparcel/parcelsync/modules/syncrun/infrastructure/persistence"
	runservices "github.com/openparcel/parcelsync/modules/syncrun/services"
	"github.com/openparcel/parcelsync/pkg/auditlog"
	"github.com/openparcel/parcelsync/pkg/syncerr"
)

func main() {
	cfg, err := config.LoadDefault()
	if err != nil {
		log.Fatal(err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("component", "syncd").Logger()

	pool, err := pgxpool.New(context.Background(), dbDSNFromEnv())
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()

	pairStore := pairpersistence.NewPairPGStore(pool)
	operationStore := runpersistence.NewOperationPGStore(pool)
	diffStore := runpersistence.NewDiffPGStore(pool)

	runner := runservices.NewOperationRunner(pairStore, operationStore, diffStore,
		adapters.DefaultRegistry(), mapping.NewRegistry(), auditlog.NewZerologSink(os.Stdout),
		cfg.Executor, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The sweep runs before the first tick so orphans from a crash never
	// block the one-active-per-pair admission check.
	if cfg.Recovery.Enabled {
		n, err := runner.RecoverOrphans(ctx, cfg.Recovery.DryRun)
		if err != nil {
			log.Fatal(err)
		}
		logger.Info().Int("operations", n).Bool("dry_run", cfg.Recovery.DryRun).Msg("recovery sweep finished")
	}

	go serveHealthz(ctx, logger)

	sched := scheduler{
		pool:   pool,
		pairs:  pairStore,
		ops:    operationStore,
		runner: runner,
		county: strings.TrimSpace(os.Getenv("COUNTY_ID")),
		logger: logger,
	}

	logger.Info().Dur("poll_interval", cfg.Daemon.PollInterval).Msg("scheduler started")
	sched.runOnce(ctx)
	ticker := time.NewTicker(cfg.Daemon.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Daemon.DrainTimeout)
			defer cancel()
			if err := runner.Drain(drainCtx); err != nil {
				logger.Warn().Err(err).Msg("drain window elapsed; unfinished operations recover on next start")
			}
			return
		case <-ticker.C:
			sched.runOnce(ctx)
		}
	}
}

// scheduler starts operations for pairs whose schedule interval has elapsed
// since the last non-cancelled run began. Pairs that never ran are due
// immediately; manual-only pairs (empty schedule) are never picked up.
type scheduler struct {
	pool   *pgxpool.Pool
	pairs  pairports.PairStore
	ops    runports.OperationStore
	runner runservices.OperationRunner
	county string
	logger zerolog.Logger
}

func (s *scheduler) runOnce(ctx context.Context) {
	counties, err := s.activeCounties(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("county listing failed")
		return
	}
	for _, countyID := range counties {
		if ctx.Err() != nil {
			return
		}
		s.runCounty(ctx, countyID)
	}
}

// activeCounties reads the county directory. COUNTY_ID narrows the daemon to
// a single county for split deployments.
func (s *scheduler) activeCounties(ctx context.Context) ([]string, error) {
	if s.county != "" {
		return []string{s.county}, nil
	}
	rows, err := s.pool.Query(ctx, `
SELECT id
FROM sync.counties
WHERE is_active = true
ORDER BY id
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *scheduler) runCounty(ctx context.Context, countyID string) {
	active := true
	pairs, err := s.pairs.ListPairs(ctx, countyID, pairtypes.PairListFilter{IsActive: &active})
	if err != nil {
		s.logger.Warn().Err(err).Str("county_id", countyID).Msg("pair listing failed")
		return
	}

	now := time.Now().UTC()
	for _, pair := range pairs {
		interval, ok := pairservices.ScheduleInterval(pair.Schedule)
		if !ok {
			continue
		}
		due, err := s.isDue(ctx, countyID, pair.PairUUID, interval, now)
		if err != nil {
			s.logger.Warn().Err(err).Str("county_id", countyID).Str("pair_uuid", pair.PairUUID).Msg("due check failed")
			continue
		}
		if !due {
			continue
		}

		op, err := s.runner.Start(ctx, countyID, runservices.StartOperationRequest{
			PairUUID:    pair.PairUUID,
			RequestedBy: "syncd",
		})
		if err != nil {
			if syncerr.IsConflict(err) || syncerr.IsResourceExhausted(err) {
				s.logger.Debug().Err(err).Str("county_id", countyID).Str("pair_uuid", pair.PairUUID).Msg("scheduled start skipped")
				continue
			}
			s.logger.Warn().Err(err).Str("county_id", countyID).Str("pair_uuid", pair.PairUUID).Msg("scheduled start failed")
			continue
		}
		s.logger.Info().
			Str("county_id", countyID).
			Str("pair_uuid", pair.PairUUID).
			Str("operation_uuid", op.OperationUUID).
			Str("correlation_id", op.CorrelationID).
			Msg("scheduled operation started")
	}
}

// isDue scans recent runs, newest first. An active run blocks the pair;
// cancelled runs do not reset the clock. The scan window is bounded, so a
// pair whose recent history is all cancellations counts as due.
func (s *scheduler) isDue(ctx context.Context, countyID string, pairUUID string, interval time.Duration, now time.Time) (bool, error) {
	recent, err := s.ops.ListOperations(ctx, countyID, runtypes.OperationListFilter{PairUUID: pairUUID, Limit: 10})
	if err != nil {
		return false, err
	}
	for _, op := range recent {
		switch op.Status {
		case runtypes.OperationPending, runtypes.OperationRunning:
			return false, nil
		case runtypes.OperationCancelled:
			continue
		}
		ref := op.CreatedAt
		if op.StartedAt != nil {
			ref = *op.StartedAt
		}
		return now.Sub(ref) >= interval, nil
	}
	return true, nil
}

func serveHealthz(ctx context.Context, logger zerolog.Logger) {
	addr := os.Getenv("SYNCD_HTTP_ADDR")
	if addr == "" {
		addr = ":8081"
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Warn().Err(err).Msg("healthz listener stopped")
	}
}

func dbDSNFromEnv() string {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		return v
	}

	host := getenvDefault("DB_HOST", "127.0.0.1")
	port := getenvDefault("DB_PORT", "5432")
	user := getenvDefault("DB_USER", "app")
	pass := getenvDefault("DB_PASSWORD", "app")
	name := getenvDefault("DB_NAME", "parcelsync")
	sslmode := getenvDefault("DB_SSLMODE", "disable")

	u := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(user, pass),
		Host:   host + ":" + port,
		Path:   "/" + name,
	}
	q := u.Query()
	q.Set("sslmode", sslmode)
	u.RawQuery = q.Encode()
	return u.String()
}

func getenvDefault(key string, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/openparcel/parcelsync/internal/adapters"
	"github.com/openparcel/parcelsync/internal/config"
	"github.com/openparcel/parcelsync/internal/routing"
	"github.com/openparcel/parcelsync/modules/mapping"
	pairports "github.com/openparcel/parcelsync/modules/syncpair/domain/ports"
	pairpersistence "github.com/openparcel/parcelsync/modules/syncpair/infrastructure/persistence"
	paircontrollers "github.com/openparcel/parcelsync/modules/syncpair/presentation/controllers"
	pairservices "github.com/openparcel/parcelsync/modules/syncpair/services"
	runports "github.com/openparcel/parcelsync/modules/syncrun/domain/ports"
	runpersistence "github.com/openparcel/parcelsync/modules/syncrun/infrastructure/persistence"
	runcontrollers "github.com/openparcel/parcelsync/modules/syncrun/presentation/controllers"
	runservices "github.com/openparcel/parcelsync/modules/syncrun/services"
	"github.com/openparcel/parcelsync/pkg/auditlog"
)

func NewHandler() (http.Handler, error) {
	return NewHandlerWithOptions(HandlerOptions{})
}

type HandlerOptions struct {
	CountyResolver CountyResolver
	PairStore      pairports.PairStore
	OperationStore runports.OperationStore
	DiffStore      runports.DiffStore
	Adapters       *adapters.Registry
	Transforms     mapping.Registry
	AuditSink      auditlog.Sink
	Config         *config.Config
	Logger         *zerolog.Logger
}

func NewHandlerWithOptions(opts HandlerOptions) (http.Handler, error) {
	allowlistPath := os.Getenv("ALLOWLIST_PATH")
	if allowlistPath == "" {
		p, err := defaultAllowlistPath()
		if err != nil {
			return nil, err
		}
		allowlistPath = p
	}

	a, err := routing.LoadAllowlist(allowlistPath)
	if err != nil {
		return nil, err
	}

	classifier, err := routing.NewClassifier(a, "server")
	if err != nil {
		return nil, err
	}

	cfg := config.Default()
	if opts.Config != nil {
		cfg = *opts.Config
	} else if loaded, err := config.LoadDefault(); err == nil {
		cfg = loaded
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("component", "server").Logger()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	pairStore := opts.PairStore
	operationStore := opts.OperationStore
	diffStore := opts.DiffStore
	countyResolver := opts.CountyResolver

	var pgPool *pgxpool.Pool
	if pairStore == nil || operationStore == nil || diffStore == nil {
		pool, err := pgxpool.New(context.Background(), dbDSNFromEnv())
		if err != nil {
			return nil, err
		}
		pgPool = pool
		if pairStore == nil {
			pairStore = pairpersistence.NewPairPGStore(pgPool)
		}
		if operationStore == nil {
			operationStore = runpersistence.NewOperationPGStore(pgPool)
		}
		if diffStore == nil {
			diffStore = runpersistence.NewDiffPGStore(pgPool)
		}
	}

	if countyResolver == nil {
		counties, err := loadCounties()
		switch {
		case err == nil:
			countyResolver = newStaticCountyResolver(counties)
		case pgPool != nil:
			countyResolver = newCountyDBResolver(pgPool)
		default:
			return nil, err
		}
	}

	transforms := opts.Transforms
	if transforms == nil {
		transforms = mapping.NewRegistry()
	}
	adapterRegistry := opts.Adapters
	if adapterRegistry == nil {
		adapterRegistry = adapters.DefaultRegistry()
	}
	audit := opts.AuditSink
	if audit == nil {
		audit = auditlog.NewZerologSink(os.Stdout)
	}

	pairRegistry := pairservices.NewPairRegistry(pairStore, transforms, adapterRegistry, operationStore, audit)
	runner := runservices.NewOperationRunner(pairStore, operationStore, diffStore, adapterRegistry, transforms, audit, cfg.Executor, logger)
	diffs := runservices.NewDiffsFacade(diffStore)

	countyID := func(ctx context.Context) (string, bool) {
		c, ok := currentCounty(ctx)
		return c.ID, ok
	}
	pairsController := paircontrollers.PairsController{CountyID: countyID, Registry: pairRegistry}
	operationsController := runcontrollers.OperationsController{CountyID: countyID, Runner: runner}
	diffsController := runcontrollers.DiffsController{CountyID: countyID, Facade: diffs}

	router := routing.NewRouter(classifier)

	router.Handle(routing.RouteClassOps, http.MethodGet, "/health", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	}))
	router.Handle(routing.RouteClassOps, http.MethodGet, "/healthz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	}))

	router.Handle(routing.RouteClassInternalAPI, http.MethodGet, "/sync/api/pairs", http.HandlerFunc(pairsController.HandlePairsAPI))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/sync/api/pairs", http.HandlerFunc(pairsController.HandlePairsAPI))
	router.Handle(routing.RouteClassInternalAPI, http.MethodGet, "/sync/api/pairs/get", http.HandlerFunc(pairsController.HandlePairGetAPI))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/sync/api/pairs/update", http.HandlerFunc(pairsController.HandlePairUpdateAPI))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/sync/api/pairs/toggle", http.HandlerFunc(pairsController.HandlePairToggleAPI))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/sync/api/pairs/delete", http.HandlerFunc(pairsController.HandlePairDeleteAPI))

	router.Handle(routing.RouteClassInternalAPI, http.MethodGet, "/sync/api/operations", http.HandlerFunc(operationsController.HandleOperationsAPI))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/sync/api/operations", http.HandlerFunc(operationsController.HandleOperationsAPI))
	router.Handle(routing.RouteClassInternalAPI, http.MethodGet, "/sync/api/operations/get", http.HandlerFunc(operationsController.HandleOperationGetAPI))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/sync/api/operations/cancel", http.HandlerFunc(operationsController.HandleOperationCancelAPI))

	router.Handle(routing.RouteClassInternalAPI, http.MethodGet, "/sync/api/diffs", http.HandlerFunc(diffsController.HandleDiffsAPI))
	router.Handle(routing.RouteClassInternalAPI, http.MethodGet, "/sync/api/diffs/get", http.HandlerFunc(diffsController.HandleDiffGetAPI))

	return withCountyResolution(classifier, countyResolver, router), nil
}

func defaultAllowlistPath() (string, error) {
	path := "config/routing/allowlist.yaml"
	for i := 0; i < 8; i++ {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		path = filepath.Join("..", path)
	}
	return "", errors.New("server: allowlist not found")
}

func withCountyResolution(classifier *routing.Classifier, counties CountyResolver, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		rc := routing.RouteClassUnknown
		if classifier != nil {
			rc = classifier.Classify(path)
		}

		if path == "/health" || path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}

		countyDomain := effectiveHost(r)
		c, ok, err := counties.ResolveCounty(r.Context(), countyDomain)
		if err != nil {
			routing.WriteError(w, r, rc, http.StatusInternalServerError, "county_resolve_error", "county resolve error")
			return
		}
		if !ok {
			routing.WriteError(w, r, rc, http.StatusNotFound, "county_not_found", "county not found")
			return
		}

		next.ServeHTTP(w, r.WithContext(withCounty(r.Context(), c)))
	})
}

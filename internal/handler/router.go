// Package handler exposes the operational HTTP surface: cycle and slip
// management for back-office tooling and the batch routines' manual
// triggers.
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/imobia/cobranca-engine/internal/infra/observability"
	"github.com/imobia/cobranca-engine/internal/service"
)

// Pinger reports storage liveness for the readiness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewRouter creates the HTTP router with all routes and middleware.
// /healthz, /readyz and /metrics are open; everything under /v1 requires a
// bearer token.
func NewRouter(
	cycleSvc *service.CycleService,
	boletoSvc *service.BoletoService,
	ledgerSvc *service.LedgerService,
	slipReader SlipReader,
	store Pinger,
	apiSecret string,
	metrics *observability.Metrics,
	logger *zap.Logger,
) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observability.ZapLoggerMiddleware(logger))
	r.Use(observability.MetricsMiddleware(metrics))
	r.Use(observability.TracingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))

	r.Get("/healthz", healthzHandler())
	r.Get("/readyz", readyzHandler(store))
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Use(APIAuthMiddleware(apiSecret, logger))

		// Billing cycles
		r.Post("/cycles/generate", generateCyclesHandler(cycleSvc, logger))
		r.Get("/cycles", listCyclesHandler(cycleSvc, logger))
		r.Get("/cycles/{cycleID}", getCycleHandler(cycleSvc, logger))
		r.Post("/cycles/{cycleID}/slip", issueCycleSlipHandler(cycleSvc, logger))
		r.Post("/cycles/{cycleID}/send", sendCycleHandler(cycleSvc, logger))
		r.Post("/cycles/{cycleID}/cancel", cancelCycleHandler(cycleSvc, logger))

		// Slips
		r.Get("/slips", listSlipsHandler(slipReader, logger))
		r.Get("/slips/{slipID}", getSlipHandler(slipReader, logger))
		r.Get("/slips/{slipID}/log", slipLogHandler(slipReader, logger))
		r.Post("/slips/{slipID}/register", registerSlipHandler(boletoSvc, logger))
		r.Post("/slips/{slipID}/write-off", writeOffSlipHandler(boletoSvc, logger))
		r.Post("/slips/reprocess", reprocessSlipsHandler(boletoSvc, slipReader, logger))

		// Ledger entries and settlements
		r.Post("/entries", createEntryHandler(ledgerSvc, logger))
		r.Get("/entries", listEntriesHandler(ledgerSvc, logger))
		r.Get("/entries/{entryID}", getEntryHandler(ledgerSvc, logger))
		r.Put("/entries/{entryID}", updateEntryHandler(ledgerSvc, logger))
		r.Get("/entries/{entryID}/settlements", listSettlementsHandler(ledgerSvc, logger))
		r.Post("/entries/{entryID}/settlements", recordSettlementHandler(ledgerSvc, logger))
		r.Post("/entries/{entryID}/cancel", entryStatusHandler(ledgerSvc, "cancel", logger))
		r.Post("/entries/{entryID}/suspend", entryStatusHandler(ledgerSvc, "suspend", logger))
		r.Post("/entries/{entryID}/reactivate", entryStatusHandler(ledgerSvc, "reactivate", logger))
		r.Post("/settlements/{settlementID}/reverse", reverseSettlementHandler(ledgerSvc, logger))
	})

	return r
}

func healthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func readyzHandler(store Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := store.Ping(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "storage unavailable")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

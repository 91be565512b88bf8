package main

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/cors"

	"testmakon/realtime/internal/httpapi"
	"testmakon/realtime/internal/logging"
)

// statsSource exposes coordinator counters to the stats endpoint.
type statsSource interface {
	Stats() CoordinatorStats
}

// statsHandler serves a point-in-time snapshot of coordinator counters.
func statsHandler(src statsSource) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpapi.WriteJSON(w, http.StatusOK, src.Stats())
	})
}

// newRouter assembles every HTTP route served by the coordinator.
func newRouter(c *Coordinator, gatherer prometheus.Gatherer, logger *logging.Logger) http.Handler {
	router := mux.NewRouter()
	router.Use(logging.HTTPTraceMiddleware(logger))

	//1.- Websocket upgrades, then operational endpoints, then the public API.
	c.hub.Register(router)

	ops := httpapi.NewHandlerSet(httpapi.Options{
		Logger:      logger.With(logging.String("component", "httpapi")),
		Readiness:   c,
		Gatherer:    gatherer,
		Sweeper:     c,
		AdminToken:  c.cfg.AdminToken,
		RateLimiter: httpapi.NewAdminLimiter(adminWindow, adminLimit),
	})
	ops.Register(router)

	router.Handle("/api/protocol", protocolDocsHandler(c.hub.Types)).Methods(http.MethodGet)
	router.Handle("/api/stats", statsHandler(c)).Methods(http.MethodGet)

	return cors.New(cors.Options{
		AllowedOrigins:   c.cfg.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Admin-Token", "X-Auth-Token"},
		AllowCredentials: true,
	}).Handler(router)
}

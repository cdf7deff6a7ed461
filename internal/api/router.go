package api

import (
	"net/http"

	"github.com/gorilla/mux"
)

// SetupRouter configures all application routes.
func SetupRouter(handler *Handler, metricsHandler http.Handler) *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/health", handler.HealthCheck).Methods("GET")
	router.HandleFunc("/version", handler.Version).Methods("GET")
	router.Handle("/metrics", metricsHandler)

	// License operations
	router.HandleFunc("/licenses/borrow", handler.Borrow).Methods("POST")
	router.HandleFunc("/licenses/return", handler.Return).Methods("POST")
	router.HandleFunc("/licenses/status", handler.StatusAll).Methods("GET")
	router.HandleFunc("/licenses/stream", handler.Stream).Methods("GET")
	router.HandleFunc("/licenses/{tool}/status", handler.Status).Methods("GET")

	// History (served through the archive repository)
	router.HandleFunc("/borrows", handler.ListBorrows).Methods("GET")
	router.HandleFunc("/overage-charges", handler.ListOverageCharges).Methods("GET")

	// Administration
	router.HandleFunc("/config/budget", handler.GetBudget).Methods("GET")
	router.HandleFunc("/config/budget", handler.UpdateBudget).Methods("PUT")
	router.HandleFunc("/config/pools", handler.CreatePool).Methods("POST")
	router.HandleFunc("/config/pools/{tool}", handler.DeletePool).Methods("DELETE")
	router.HandleFunc("/config/pools/{tool}/deactivate", handler.DeactivatePool).Methods("POST")

	return router
}

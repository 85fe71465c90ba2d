package routes

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/stanstork/bqrunner/internal/authz"
	"github.com/stanstork/bqrunner/internal/handlers"
	"github.com/stanstork/bqrunner/internal/models"
)

// NewRouter sets up the API routes. With a nil auth handler the /api routes
// are open.
func NewRouter(auth *handlers.AuthHandler, runs *handlers.RunHandler, status *handlers.StatusHandler, notifications *handlers.NotificationHandler) *mux.Router {
	router := mux.NewRouter()

	// Health check route
	router.HandleFunc("/health", handlers.HealthCheck).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()
	guard := func(_ models.Role, h http.HandlerFunc) http.Handler { return h }
	if auth != nil {
		api.Use(auth.JWTMiddleware)
		guard = func(role models.Role, h http.HandlerFunc) http.Handler {
			return authz.RequireRoleHandler(role, h)
		}
	}

	api.Handle("/runs", guard(models.RoleOperator, runs.CreateRun)).Methods(http.MethodPost)
	api.Handle("/runs", guard(models.RoleViewer, runs.ListRuns)).Methods(http.MethodGet)
	api.Handle("/runs/{runID}", guard(models.RoleViewer, runs.GetRun)).Methods(http.MethodGet)
	api.Handle("/status", guard(models.RoleViewer, status.Get)).Methods(http.MethodGet)
	api.Handle("/notifications", guard(models.RoleViewer, notifications.List)).Methods(http.MethodGet)

	return router
}

package main

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kimhsiao/logistik/backend/cmd/courier-agent/handlers"
	"github.com/kimhsiao/logistik/backend/internal/app"
)

const (
	apiBasePath         = "/api"
	occurrencesBasePath = "/occurrences"
	routesBasePath      = "/routes"
	paramID             = "id"

	// A manual sync or a route finalize can run a whole pass.
	requestTimeout = 5 * time.Minute
)

// newRouter builds the agent's HTTP surface over a.
func newRouter(a *app.App, hub *WSHub) http.Handler {
	occurrences := handlers.NewOccurrenceHandler(a.Occurrences)
	routes := handlers.NewRouteHandler(a.Routes)
	syncs := handlers.NewSyncHandler(a.Scheduler, a.Engine, a.Monitor)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/ws", HandleWebSocket(hub))

	r.Route(apiBasePath, func(r chi.Router) {
		r.Use(middleware.Timeout(requestTimeout))

		r.Get("/health", handlers.Health)

		r.Route(occurrencesBasePath, func(r chi.Router) {
			r.Post("/", handlers.MakeHandler(occurrences.Create))
			r.Get("/", handlers.MakeHandler(occurrences.List))
			r.Get("/{"+paramID+"}", handlers.MakeHandler(occurrences.Get))
			r.Delete("/{"+paramID+"}", handlers.MakeHandler(occurrences.Delete))
		})

		r.Route(routesBasePath, func(r chi.Router) {
			r.Post("/", handlers.MakeHandler(routes.Start))
			r.Get("/", handlers.MakeHandler(routes.List))
			r.Get("/active", handlers.MakeHandler(routes.Active))
			r.Post("/active/finalize", handlers.MakeHandler(routes.Finalize))
			r.Post("/active/discard", handlers.MakeHandler(routes.Discard))
			r.Get("/{"+paramID+"}/occurrences", handlers.MakeHandler(routes.Occurrences))
		})

		r.Post("/sync", handlers.MakeHandler(syncs.TriggerSync))
		r.Get("/sync/status", handlers.MakeHandler(syncs.GetStatus))
		r.Post("/connectivity", handlers.MakeHandler(syncs.SetConnectivity))
	})

	return r
}

// bridgeEvents forwards engine, route and connectivity notifications to
// the hub. The returned func detaches every forwarder.
func bridgeEvents(a *app.App, hub *WSHub) func() {
	removeListener := a.Engine.AddListener(hub.BroadcastSyncEvent)
	unsubscribe := a.Monitor.Subscribe(hub.BroadcastConnectivity)
	a.Routes.SetRouteChangedHandler(hub.BroadcastRouteChanged)
	return func() {
		removeListener()
		unsubscribe()
		a.Routes.SetRouteChangedHandler(nil)
	}
}

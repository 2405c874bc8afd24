package handlers

import (
	"net/http"
	"strconv"

	"github.com/kimhsiao/logistik/backend/internal/errors"
	"github.com/kimhsiao/logistik/backend/internal/models"
	"github.com/kimhsiao/logistik/backend/internal/services"
)

// RouteHandler handles the route ("roteiro") lifecycle.
type RouteHandler struct {
	svc *services.RouteService
}

// NewRouteHandler creates a new RouteHandler.
func NewRouteHandler(svc *services.RouteService) *RouteHandler {
	return &RouteHandler{svc: svc}
}

// Start handles POST /api/routes.
func (h *RouteHandler) Start(w http.ResponseWriter, r *http.Request) error {
	var request struct {
		VehiclePlate string `json:"vehicle_plate"`
		StartKm      *int   `json:"start_km"`
	}
	if err := decodeJSON(r, &request); err != nil {
		return err
	}
	if request.StartKm == nil {
		return errors.New(errors.ErrInvalid, "start_km is required")
	}

	route, err := h.svc.Start(detached(r), request.VehiclePlate, *request.StartKm)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, route)
	return nil
}

// Active handles GET /api/routes/active.
func (h *RouteHandler) Active(w http.ResponseWriter, r *http.Request) error {
	summary, ok, err := h.svc.Active(r.Context())
	if err != nil {
		return err
	}
	if !ok {
		return errors.New(errors.ErrNotFound, "no active route")
	}
	writeJSON(w, http.StatusOK, summary)
	return nil
}

// Finalize handles POST /api/routes/active/finalize.
func (h *RouteHandler) Finalize(w http.ResponseWriter, r *http.Request) error {
	summary, err := h.svc.Finalize(detached(r))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, summary)
	return nil
}

// Discard handles POST /api/routes/active/discard[?purge=true].
func (h *RouteHandler) Discard(w http.ResponseWriter, r *http.Request) error {
	purge := false
	if raw := r.URL.Query().Get("purge"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return errors.Newf(errors.ErrInvalid, "purge must be a boolean, got %q", raw)
		}
		purge = v
	}
	purged, err := h.svc.Discard(r.Context(), purge)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "discarded", "purged": purged})
	return nil
}

// List handles GET /api/routes.
func (h *RouteHandler) List(w http.ResponseWriter, r *http.Request) error {
	history, err := h.svc.History(r.Context())
	if err != nil {
		return err
	}
	if history == nil {
		history = []*models.RouteSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": history, "total": len(history)})
	return nil
}

// Occurrences handles GET /api/routes/{id}/occurrences.
func (h *RouteHandler) Occurrences(w http.ResponseWriter, r *http.Request) error {
	id, err := idParam(r, "id")
	if err != nil {
		return err
	}
	items, err := h.svc.Occurrences(r.Context(), id)
	if err != nil {
		return err
	}
	if items == nil {
		items = []*models.Occurrence{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items, "total": len(items)})
	return nil
}

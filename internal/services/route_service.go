// Package services provides route and occurrence workflows on top of the
// local store and the sync orchestrator.
package services

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/kimhsiao/logistik/backend/internal/errors"
	"github.com/kimhsiao/logistik/backend/internal/logging"
	"github.com/kimhsiao/logistik/backend/internal/models"
	"github.com/kimhsiao/logistik/backend/internal/remote"
	"github.com/kimhsiao/logistik/backend/internal/session"
	syncpkg "github.com/kimhsiao/logistik/backend/internal/sync"
)

// RouteStore is the subset of the local store RouteService needs.
type RouteStore interface {
	SaveRoute(ctx context.Context, route *models.Route) error
	GetRoute(ctx context.Context, id int64) (*models.Route, error)
	ListRoutes(ctx context.Context) ([]*models.Route, error)
	FinalizeRoute(ctx context.Context, id int64, endedAt time.Time, total, synced int) (*models.Route, error)
	MarkRouteDiscarded(ctx context.Context, id int64) error
	ListWithoutRoute(ctx context.Context) ([]*models.Occurrence, error)
	AttachToRoute(ctx context.Context, id, routeID int64, synced *bool) error
	CountRoute(ctx context.Context, routeID int64) (total, synced int, err error)
	ListRouteOccurrences(ctx context.Context, routeID int64) ([]*models.Occurrence, error)
	DeleteRouteOccurrences(ctx context.Context, routeID int64, syncedOnly bool) (int64, error)
	Session() *session.Session
}

// RouteCreator registers routes on the backend.
type RouteCreator interface {
	CreateRoute(ctx context.Context, req remote.RouteRequest) (remote.RouteResult, error)
}

// OnlineChecker reports current connectivity.
type OnlineChecker interface {
	IsOnline() bool
}

// RouteService manages the courier's route lifecycle.
type RouteService struct {
	store  RouteStore
	remote RouteCreator
	engine syncpkg.Engine
	online OnlineChecker
	now    func() time.Time

	// Event callback for WebSocket notifications
	onRouteChanged func(route *models.Route)

	mu sync.Mutex
}

// NewRouteService creates a RouteService.
func NewRouteService(store RouteStore, rc RouteCreator, engine syncpkg.Engine, online OnlineChecker) *RouteService {
	return &RouteService{
		store:  store,
		remote: rc,
		engine: engine,
		online: online,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetRouteChangedHandler registers a callback fired after start, finalize
// and discard.
func (s *RouteService) SetRouteChangedHandler(fn func(route *models.Route)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRouteChanged = fn
}

func (s *RouteService) routeChanged(route *models.Route) {
	s.mu.Lock()
	fn := s.onRouteChanged
	s.mu.Unlock()
	if fn != nil && route != nil {
		fn(route)
	}
}

func (s *RouteService) session() (*session.Session, error) {
	sess := s.store.Session()
	if sess == nil {
		return nil, errors.New(errors.ErrInternal, "no session configured")
	}
	return sess, nil
}

// NormalizePlate upper-cases and trims a vehicle plate.
func NormalizePlate(plate string) string {
	return strings.ToUpper(strings.TrimSpace(plate))
}

// Start registers a route on the backend and makes it active. It needs a
// connection; on any failure the active route is left unchanged.
func (s *RouteService) Start(ctx context.Context, plate string, startKm int) (*models.Route, error) {
	plate = NormalizePlate(plate)
	if plate == "" {
		return nil, errors.New(errors.ErrInvalid, "vehicle plate is required")
	}
	if startKm < 0 {
		return nil, errors.New(errors.ErrInvalid, "starting km cannot be negative")
	}

	sess, err := s.session()
	if err != nil {
		return nil, err
	}
	if active, ok := sess.Active(); ok {
		return nil, errors.Newf(errors.ErrInvalid, "route %d is already active", active.ID)
	}

	startedAt := s.now()
	res, err := s.remote.CreateRoute(ctx, remote.RouteRequest{
		VehiclePlate: plate,
		StartKm:      startKm,
		StartDate:    startedAt,
	})
	if err != nil {
		logging.Warn("route not started", map[string]interface{}{"plate": plate, "error": err.Error()})
		return nil, err
	}

	route := &models.Route{
		ID:           res.RouteID,
		VehiclePlate: plate,
		StartKm:      startKm,
		StartedAt:    startedAt,
		Status:       models.RouteActive,
	}
	if err := s.store.SaveRoute(ctx, route); err != nil {
		return nil, err
	}
	if err := sess.SetActiveRoute(session.ActiveRoute{
		ID:           route.ID,
		VehiclePlate: plate,
		StartKm:      startKm,
		StartedAt:    startedAt,
	}); err != nil {
		return nil, errors.Wrap(errors.ErrStorageUnavailable, "persist active route", err)
	}

	logging.Info("route started", map[string]interface{}{"route_id": route.ID, "plate": plate, "start_km": startKm})
	s.routeChanged(route)
	return route, nil
}

// Active returns the active route with its current counts.
func (s *RouteService) Active(ctx context.Context) (*models.RouteSummary, bool, error) {
	sess, err := s.session()
	if err != nil {
		return nil, false, err
	}
	id, ok := sess.ActiveRouteID()
	if !ok {
		return nil, false, nil
	}
	summary, err := s.summarize(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return summary, true, nil
}

func (s *RouteService) summarize(ctx context.Context, id int64) (*models.RouteSummary, error) {
	route, err := s.store.GetRoute(ctx, id)
	if err != nil {
		return nil, err
	}
	total, synced, err := s.store.CountRoute(ctx, id)
	if err != nil {
		return nil, err
	}
	return &models.RouteSummary{Route: route, Total: total, Synced: synced, Pending: total - synced}, nil
}

// Finalize closes the active route: a last sync attempt when online, a
// back-fill of the route id on records captured during the route without
// one, then a snapshot of the counts. Occurrences stay queryable.
func (s *RouteService) Finalize(ctx context.Context) (*models.RouteSummary, error) {
	sess, err := s.session()
	if err != nil {
		return nil, err
	}
	active, ok := sess.Active()
	if !ok {
		return nil, errors.New(errors.ErrNotFound, "no active route")
	}

	if s.engine != nil && (s.online == nil || s.online.IsOnline()) {
		sum := s.engine.SyncPending(ctx, syncpkg.ScopeActiveRoute)
		logging.Info("final route sync", map[string]interface{}{
			"route_id": active.ID,
			"outcome":  string(sum.Outcome),
		})
	}

	if err := s.backfill(ctx, active); err != nil {
		logging.Warn("route back-fill incomplete", map[string]interface{}{"route_id": active.ID, "error": err.Error()})
	}

	total, synced, err := s.store.CountRoute(ctx, active.ID)
	if err != nil {
		return nil, err
	}
	route, err := s.store.FinalizeRoute(ctx, active.ID, s.now(), total, synced)
	if err != nil {
		return nil, err
	}
	if err := sess.ClearActiveRoute(); err != nil {
		return nil, errors.Wrap(errors.ErrStorageUnavailable, "clear active route", err)
	}

	logging.Info("route finalized", map[string]interface{}{
		"route_id": route.ID,
		"total":    total,
		"synced":   synced,
	})
	s.routeChanged(route)
	return &models.RouteSummary{Route: route, Total: total, Synced: synced, Pending: total - synced}, nil
}

// backfill attaches records created since the route started that carry
// no route id.
func (s *RouteService) backfill(ctx context.Context, active session.ActiveRoute) error {
	loose, err := s.store.ListWithoutRoute(ctx)
	if err != nil {
		return err
	}
	since := active.StartedAt.Truncate(time.Millisecond)
	var firstErr error
	for _, o := range loose {
		if !since.IsZero() && o.CreatedAt.Before(since) {
			continue
		}
		if err := s.store.AttachToRoute(ctx, o.ID, active.ID, nil); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Discard abandons the active route. With purge, the route's synced
// occurrences are deleted locally; unsynced ones are always kept. It
// returns how many records were purged.
func (s *RouteService) Discard(ctx context.Context, purge bool) (int64, error) {
	sess, err := s.session()
	if err != nil {
		return 0, err
	}
	id, ok := sess.ActiveRouteID()
	if !ok {
		return 0, errors.New(errors.ErrNotFound, "no active route")
	}

	if err := sess.ClearActiveRoute(); err != nil {
		return 0, errors.Wrap(errors.ErrStorageUnavailable, "clear active route", err)
	}
	if err := s.store.MarkRouteDiscarded(ctx, id); err != nil {
		logging.Warn("route not marked discarded", map[string]interface{}{"route_id": id, "error": err.Error()})
	}

	var purged int64
	if purge {
		purged, err = s.store.DeleteRouteOccurrences(ctx, id, true)
		if err != nil {
			return 0, err
		}
	}

	logging.Info("route discarded", map[string]interface{}{"route_id": id, "purged": purged})
	if route, err := s.store.GetRoute(ctx, id); err == nil {
		s.routeChanged(route)
	}
	return purged, nil
}

// History lists every known route, newest first, with live counts.
func (s *RouteService) History(ctx context.Context) ([]*models.RouteSummary, error) {
	routes, err := s.store.ListRoutes(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*models.RouteSummary, 0, len(routes))
	for _, r := range routes {
		total, synced, err := s.store.CountRoute(ctx, r.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, &models.RouteSummary{Route: r, Total: total, Synced: synced, Pending: total - synced})
	}
	return out, nil
}

// Occurrences lists the occurrences recorded on a route.
func (s *RouteService) Occurrences(ctx context.Context, routeID int64) ([]*models.Occurrence, error) {
	if routeID <= 0 {
		return nil, errors.New(errors.ErrInvalid, "route id must be positive")
	}
	return s.store.ListRouteOccurrences(ctx, routeID)
}

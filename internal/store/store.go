// Package store implements the durable local store for occurrences and
// routes on top of the SQLite repository.
//
// Every read-modify-write on a single occurrence goes through a per-id
// lock. Transient SQLite failures are retried a bounded number of times
// and then surfaced as STORAGE_UNAVAILABLE. When the database cannot be
// opened at all the store runs degraded: reads return empty results and
// writes fail with STORAGE_UNAVAILABLE.
package store

import (
	"context"
	"database/sql"
	stderrors "errors"
	"strings"
	"time"

	"github.com/kimhsiao/logistik/backend/internal/db"
	"github.com/kimhsiao/logistik/backend/internal/errors"
	"github.com/kimhsiao/logistik/backend/internal/logging"
	"github.com/kimhsiao/logistik/backend/internal/models"
	"github.com/kimhsiao/logistik/backend/internal/session"
	"github.com/kimhsiao/logistik/backend/internal/uuid"
)

// Options tunes retries and validation.
type Options struct {
	OpenAttempts     int
	RetryDelay       time.Duration
	TransientRetries int
	// AllowedTypes restricts accepted occurrence types. Empty means all known types.
	AllowedTypes []models.OccurrenceType
}

// DefaultOptions returns the stock retry settings.
func DefaultOptions() Options {
	return Options{
		OpenAttempts:     3,
		RetryDelay:       100 * time.Millisecond,
		TransientRetries: 3,
	}
}

// Store is the local store. Safe for concurrent use.
type Store struct {
	database *db.DB
	repo     db.StoreRepository
	session  *session.Session
	locks    *keyedMutex
	opts     Options
	allowed  map[models.OccurrenceType]bool
}

// New wraps an already opened repository.
func New(repo db.StoreRepository, sess *session.Session, opts Options) *Store {
	s := &Store{
		repo:    repo,
		session: sess,
		locks:   newKeyedMutex(),
		opts:    opts,
	}
	if len(opts.AllowedTypes) > 0 {
		s.allowed = make(map[models.OccurrenceType]bool, len(opts.AllowedTypes))
		for _, t := range opts.AllowedTypes {
			s.allowed[t] = true
		}
	}
	return s
}

// Open opens the database in dataDir with retries. It never fails: when
// every attempt is exhausted the returned store is degraded.
func Open(ctx context.Context, dataDir string, sess *session.Session, opts Options) *Store {
	database, err := db.OpenWithRetry(ctx, dataDir, opts.OpenAttempts, opts.RetryDelay)
	if err != nil {
		logging.ErrorWithCode("local store unavailable, running degraded", string(errors.ErrStorageUnavailable), err, map[string]interface{}{
			"data_dir": dataDir,
		})
		return New(nil, sess, opts)
	}
	s := New(db.NewRepository(database.DB), sess, opts)
	s.database = database
	return s
}

// Degraded reports whether the store has no usable database.
func (s *Store) Degraded() bool {
	return s.repo == nil
}

// Session returns the session the store fills route ids from.
func (s *Store) Session() *session.Session {
	return s.session
}

// Close releases the database.
func (s *Store) Close() error {
	if s.database == nil {
		return nil
	}
	if r, ok := s.repo.(*db.Repository); ok {
		r.Close()
	}
	return s.database.Close()
}

// =====================================================
// Retry plumbing
// =====================================================

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"sqlite_busy", "database is locked", "sqlite_locked", "database table is locked", "database is closed"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// do runs fn, retrying transient failures. Any remaining failure other
// than sql.ErrNoRows is reported as STORAGE_UNAVAILABLE.
func (s *Store) do(ctx context.Context, op string, fn func() error) error {
	if s.Degraded() {
		return errors.New(errors.ErrStorageUnavailable, op+": store unavailable")
	}

	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || stderrors.Is(err, sql.ErrNoRows) {
			return err
		}
		if _, ok := err.(*errors.AppError); ok {
			return err
		}
		if !isTransient(err) || attempt >= s.opts.TransientRetries {
			break
		}
		logging.Debug("transient storage failure, retrying", map[string]interface{}{
			"op":      op,
			"attempt": attempt + 1,
			"error":   err.Error(),
		})
		select {
		case <-ctx.Done():
			return errors.Wrap(errors.ErrStorageUnavailable, op, ctx.Err())
		case <-time.After(s.opts.RetryDelay):
		}
	}

	if isTransient(err) {
		err = errors.Wrap(errors.ErrStorageTransient, "retries exhausted", err)
	}
	return errors.Wrap(errors.ErrStorageUnavailable, op, err)
}

// =====================================================
// Occurrence Operations
// =====================================================

func (s *Store) validate(o *models.Occurrence) error {
	if o.Code == "" {
		return errors.New(errors.ErrInvalid, "code is required")
	}
	if !o.Type.Valid() {
		return errors.Newf(errors.ErrInvalid, "unknown occurrence type %q", o.Type)
	}
	if s.allowed != nil && !s.allowed[o.Type] {
		return errors.Newf(errors.ErrInvalid, "occurrence type %q is not enabled", o.Type)
	}
	if o.Type.RequiresReceiver() && (o.ReceiverName == "" || o.ReceiverDocument == "") {
		return errors.New(errors.ErrInvalid, "receiver name and document are required for deliveries")
	}
	for _, p := range o.Photos {
		switch p.Kind {
		case models.PhotoPending, models.PhotoPlaceholder, models.PhotoRemote:
		default:
			return errors.Newf(errors.ErrInvalid, "unknown photo kind %q", p.Kind)
		}
	}
	return nil
}

// AddOccurrence validates and persists o as pending, filling the route and
// vehicle from the active route when o has none. Returns the new id.
func (s *Store) AddOccurrence(ctx context.Context, o *models.Occurrence) (int64, error) {
	o.Normalize()
	if err := s.validate(o); err != nil {
		return 0, err
	}

	o.SubmissionID = uuid.Ensure(o.SubmissionID)
	o.State = models.StatePending
	o.RemoteID = nil
	if o.Timestamp.IsZero() {
		o.Timestamp = time.Now().UTC()
	}
	if o.RouteID == nil && s.session != nil {
		if active, ok := s.session.Active(); ok {
			id := active.ID
			o.RouteID = &id
			if o.VehiclePlate == "" {
				o.VehiclePlate = active.VehiclePlate
			}
			if o.VehicleKm == nil {
				km := active.StartKm
				o.VehicleKm = &km
			}
		}
	}

	err := s.do(ctx, "add occurrence", func() error {
		return s.repo.InsertOccurrence(ctx, o)
	})
	if err != nil {
		return 0, err
	}

	logging.Info("occurrence saved locally", map[string]interface{}{
		"id":       o.ID,
		"code":     o.Code,
		"type":     string(o.Type),
		"route_id": o.RouteID,
	})
	return o.ID, nil
}

// GetOccurrence returns one occurrence or NOT_FOUND.
func (s *Store) GetOccurrence(ctx context.Context, id int64) (*models.Occurrence, error) {
	var o *models.Occurrence
	err := s.do(ctx, "get occurrence", func() error {
		var err error
		o, err = s.repo.GetOccurrence(ctx, id)
		return err
	})
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.Newf(errors.ErrNotFound, "occurrence %d not found", id)
	}
	return o, err
}

// UpdateSyncState sets the record synced or back to pending. Idempotent;
// a missing id is logged and ignored.
func (s *Store) UpdateSyncState(ctx context.Context, id int64, synced bool) error {
	state := models.StatePending
	if synced {
		state = models.StateSynced
	}
	return s.setState(ctx, id, state, nil)
}

// MarkSynced sets the record synced and records the backend id.
func (s *Store) MarkSynced(ctx context.Context, id int64, remoteID *int64) error {
	return s.setState(ctx, id, models.StateSynced, remoteID)
}

func (s *Store) setState(ctx context.Context, id int64, state models.SyncState, remoteID *int64) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	var found bool
	err := s.do(ctx, "update sync state", func() error {
		var err error
		found, err = s.repo.UpdateSyncState(ctx, id, state, remoteID)
		return err
	})
	if err != nil {
		return err
	}
	if !found {
		logging.Warn("sync state update for unknown occurrence", map[string]interface{}{
			"id":    id,
			"state": string(state),
		})
	}
	return nil
}

// RecordFailure stores the last sync failure reason for diagnostics.
func (s *Store) RecordFailure(ctx context.Context, id int64, reason string) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	return s.do(ctx, "record failure", func() error {
		_, err := s.repo.UpdateLastError(ctx, id, reason)
		return err
	})
}

// AttachToRoute sets the owning route and optionally the sync state.
// A record already owned by a different route is left untouched and
// DATA_INTEGRITY_WARNING is returned. A missing id is a no-op.
func (s *Store) AttachToRoute(ctx context.Context, id, routeID int64, synced *bool) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	var o *models.Occurrence
	err := s.do(ctx, "attach to route", func() error {
		var err error
		o, err = s.repo.GetOccurrence(ctx, id)
		return err
	})
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}

	if o.RouteID != nil && *o.RouteID != routeID {
		logging.Warn("refusing to move occurrence to another route", map[string]interface{}{
			"id":              id,
			"current_route":   *o.RouteID,
			"requested_route": routeID,
		})
		return errors.Newf(errors.ErrDataIntegrity, "occurrence %d belongs to route %d", id, *o.RouteID)
	}

	var state *models.SyncState
	if synced != nil {
		st := models.StatePending
		if *synced {
			st = models.StateSynced
		}
		state = &st
	}
	if o.RouteID != nil && (state == nil || *state == o.State) {
		return nil
	}

	return s.do(ctx, "attach to route", func() error {
		_, err := s.repo.UpdateRoute(ctx, id, routeID, state)
		return err
	})
}

// ReplacePhotos persists resolved photo references. Remote references are
// immutable: each must still be present, with the same URL and in the same
// relative order. Other references may be removed.
func (s *Store) ReplacePhotos(ctx context.Context, id int64, photos []models.PhotoRef) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	var o *models.Occurrence
	err := s.do(ctx, "replace photos", func() error {
		var err error
		o, err = s.repo.GetOccurrence(ctx, id)
		return err
	})
	if stderrors.Is(err, sql.ErrNoRows) {
		return errors.Newf(errors.ErrNotFound, "occurrence %d not found", id)
	}
	if err != nil {
		return err
	}

	next := 0
	for i, old := range o.Photos {
		if old.Kind != models.PhotoRemote {
			continue
		}
		for next < len(photos) && photos[next] != old {
			next++
		}
		if next == len(photos) {
			return errors.Newf(errors.ErrDataIntegrity, "photo %d of occurrence %d is already uploaded", i, id)
		}
		next++
	}

	return s.do(ctx, "replace photos", func() error {
		_, err := s.repo.UpdatePhotos(ctx, id, photos)
		return err
	})
}

// DeleteOccurrence removes one record. A missing id is not an error.
func (s *Store) DeleteOccurrence(ctx context.Context, id int64) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	var found bool
	err := s.do(ctx, "delete occurrence", func() error {
		var err error
		found, err = s.repo.DeleteOccurrence(ctx, id)
		return err
	})
	if err == nil && found {
		logging.Info("occurrence deleted", map[string]interface{}{"id": id})
	}
	return err
}

// DeleteRouteOccurrences bulk-deletes a route's records. With syncedOnly
// the unsynced ones are kept.
func (s *Store) DeleteRouteOccurrences(ctx context.Context, routeID int64, syncedOnly bool) (int64, error) {
	var n int64
	err := s.do(ctx, "delete route occurrences", func() error {
		var err error
		n, err = s.repo.DeleteRouteOccurrences(ctx, routeID, syncedOnly)
		return err
	})
	return n, err
}

func (s *Store) list(ctx context.Context, op string, f db.OccurrenceFilter) ([]*models.Occurrence, error) {
	if s.Degraded() {
		return []*models.Occurrence{}, nil
	}
	var items []*models.Occurrence
	err := s.do(ctx, op, func() error {
		var err error
		items, err = s.repo.ListOccurrences(ctx, f)
		return err
	})
	return items, err
}

// ListUnsynced returns every record not yet synced, across all routes,
// in insertion order.
func (s *Store) ListUnsynced(ctx context.Context) ([]*models.Occurrence, error) {
	return s.list(ctx, "list unsynced", db.OccurrenceFilter{UnsyncedOnly: true})
}

// ListUnsyncedForRoute is ListUnsynced scoped to one route.
func (s *Store) ListUnsyncedForRoute(ctx context.Context, routeID int64) ([]*models.Occurrence, error) {
	return s.list(ctx, "list unsynced for route", db.OccurrenceFilter{RouteID: &routeID, UnsyncedOnly: true})
}

// ListActiveRouteOccurrences returns the active route's records, or an
// empty list when no route is active.
func (s *Store) ListActiveRouteOccurrences(ctx context.Context) ([]*models.Occurrence, error) {
	if s.session == nil {
		return []*models.Occurrence{}, nil
	}
	routeID, ok := s.session.ActiveRouteID()
	if !ok {
		return []*models.Occurrence{}, nil
	}
	return s.ListRouteOccurrences(ctx, routeID)
}

// ListRouteOccurrences returns all records of a route.
func (s *Store) ListRouteOccurrences(ctx context.Context, routeID int64) ([]*models.Occurrence, error) {
	return s.list(ctx, "list route occurrences", db.OccurrenceFilter{RouteID: &routeID})
}

// ListWithoutRoute returns records created before any route was active.
func (s *Store) ListWithoutRoute(ctx context.Context) ([]*models.Occurrence, error) {
	return s.list(ctx, "list without route", db.OccurrenceFilter{MissingRoute: true})
}

func (s *Store) count(ctx context.Context, f db.OccurrenceFilter) (int, error) {
	if s.Degraded() {
		return 0, nil
	}
	var n int
	err := s.do(ctx, "count occurrences", func() error {
		var err error
		n, err = s.repo.CountOccurrences(ctx, f)
		return err
	})
	return n, err
}

// CountUnsynced counts records still waiting for the backend.
func (s *Store) CountUnsynced(ctx context.Context) (int, error) {
	return s.count(ctx, db.OccurrenceFilter{UnsyncedOnly: true})
}

// CountRoute returns the total and synced record counts of a route.
func (s *Store) CountRoute(ctx context.Context, routeID int64) (total, synced int, err error) {
	if total, err = s.count(ctx, db.OccurrenceFilter{RouteID: &routeID}); err != nil {
		return 0, 0, err
	}
	if synced, err = s.count(ctx, db.OccurrenceFilter{RouteID: &routeID, SyncedOnly: true}); err != nil {
		return 0, 0, err
	}
	return total, synced, nil
}

// =====================================================
// Route Operations
// =====================================================

// SaveRoute persists a route created on the backend.
func (s *Store) SaveRoute(ctx context.Context, route *models.Route) error {
	if route.ID <= 0 {
		return errors.Newf(errors.ErrInvalid, "invalid route id %d", route.ID)
	}
	return s.do(ctx, "save route", func() error {
		return s.repo.SaveRoute(ctx, route)
	})
}

// GetRoute returns one route or NOT_FOUND.
func (s *Store) GetRoute(ctx context.Context, id int64) (*models.Route, error) {
	var route *models.Route
	err := s.do(ctx, "get route", func() error {
		var err error
		route, err = s.repo.GetRoute(ctx, id)
		return err
	})
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.Newf(errors.ErrNotFound, "route %d not found", id)
	}
	return route, err
}

// ListRoutes returns route history, newest first.
func (s *Store) ListRoutes(ctx context.Context) ([]*models.Route, error) {
	if s.Degraded() {
		return []*models.Route{}, nil
	}
	var routes []*models.Route
	err := s.do(ctx, "list routes", func() error {
		var err error
		routes, err = s.repo.ListRoutes(ctx)
		return err
	})
	return routes, err
}

// FinalizeRoute closes a route with its occurrence snapshot. Finalizing
// is terminal.
func (s *Store) FinalizeRoute(ctx context.Context, id int64, endedAt time.Time, total, synced int) (*models.Route, error) {
	route, err := s.GetRoute(ctx, id)
	if err != nil {
		return nil, err
	}
	if route.Status != models.RouteActive {
		return nil, errors.Newf(errors.ErrInvalid, "route %d is already %s", id, route.Status)
	}

	endedAt = endedAt.UTC()
	route.EndedAt = &endedAt
	route.TotalOccurrences = total
	route.SyncedOccurrences = synced
	route.Status = models.RouteFinalized
	if err := s.SaveRoute(ctx, route); err != nil {
		return nil, err
	}
	return route, nil
}

// MarkRouteDiscarded flags an active route as abandoned. A missing route
// is not an error.
func (s *Store) MarkRouteDiscarded(ctx context.Context, id int64) error {
	route, err := s.GetRoute(ctx, id)
	if errors.Is(err, errors.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if route.Status != models.RouteActive {
		return nil
	}
	now := time.Now().UTC()
	route.EndedAt = &now
	route.Status = models.RouteDiscarded
	return s.SaveRoute(ctx, route)
}

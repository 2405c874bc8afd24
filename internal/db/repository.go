// Package db provides CRUD repository operations for occurrences and routes.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kimhsiao/logistik/backend/internal/models"
)

// Repository provides CRUD operations for all models.
type Repository struct {
	db *sql.DB

	// Prepared statement cache for frequently used queries.
	// Statements are prepared on first use and cached for reuse.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// PrepareStmt gets or creates a prepared statement from cache.
func (r *Repository) PrepareStmt(ctx context.Context, query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	// If another goroutine stored it first, use that one and drop ours.
	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

// Close closes all cached prepared statements.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		if err := value.(*sql.Stmt).Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.stmtCache.Delete(key)
		return true
	})
	return firstErr
}

// =====================================================
// Occurrence Operations
// =====================================================

const occurrenceColumns = `id, submission_id, code, occurrence_type, receiver_name, receiver_document,
	photos, occurred_at, latitude, longitude, route_id, vehicle_plate, vehicle_km,
	sync_state, remote_id, last_error, created_at, updated_at`

// OccurrenceFilter narrows ListOccurrences and CountOccurrences.
type OccurrenceFilter struct {
	RouteID      *int64
	UnsyncedOnly bool
	SyncedOnly   bool
	MissingRoute bool
}

func (f OccurrenceFilter) where() (string, []interface{}) {
	var clauses []string
	var args []interface{}
	if f.RouteID != nil {
		clauses = append(clauses, "route_id = ?")
		args = append(args, *f.RouteID)
	}
	if f.MissingRoute {
		clauses = append(clauses, "route_id IS NULL")
	}
	if f.UnsyncedOnly {
		clauses = append(clauses, "sync_state = 'pending'")
	}
	if f.SyncedOnly {
		clauses = append(clauses, "sync_state = 'synced'")
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// InsertOccurrence stores a new occurrence and sets its ID.
func (r *Repository) InsertOccurrence(ctx context.Context, o *models.Occurrence) error {
	now := time.Now().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now
	if o.State == "" || o.State == models.StateSyncing {
		o.State = models.StatePending
	}

	photos, err := encodePhotos(o.Photos)
	if err != nil {
		return err
	}

	query := `
	INSERT INTO occurrences (submission_id, code, occurrence_type, receiver_name, receiver_document,
		photos, occurred_at, latitude, longitude, route_id, vehicle_plate, vehicle_km,
		sync_state, remote_id, last_error, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	stmt, err := r.PrepareStmt(ctx, query)
	if err != nil {
		return err
	}
	result, err := stmt.ExecContext(ctx, o.SubmissionID, o.Code, string(o.Type),
		o.ReceiverName, o.ReceiverDocument, photos, o.Timestamp.UnixMilli(),
		o.Latitude, o.Longitude, nullInt64(o.RouteID), o.VehiclePlate, nullInt(o.VehicleKm),
		string(o.State), nullInt64(o.RemoteID), o.LastError,
		o.CreatedAt.UnixMilli(), o.UpdatedAt.UnixMilli())
	if err != nil {
		return err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	o.ID = id
	return nil
}

// GetOccurrence retrieves an occurrence by ID. Returns sql.ErrNoRows when absent.
func (r *Repository) GetOccurrence(ctx context.Context, id int64) (*models.Occurrence, error) {
	stmt, err := r.PrepareStmt(ctx, "SELECT "+occurrenceColumns+" FROM occurrences WHERE id = ?")
	if err != nil {
		return nil, err
	}
	return scanOccurrence(stmt.QueryRowContext(ctx, id))
}

// ListOccurrences returns occurrences matching f in insertion order.
func (r *Repository) ListOccurrences(ctx context.Context, f OccurrenceFilter) ([]*models.Occurrence, error) {
	where, args := f.where()
	stmt, err := r.PrepareStmt(ctx, "SELECT "+occurrenceColumns+" FROM occurrences"+where+" ORDER BY id ASC")
	if err != nil {
		return nil, err
	}

	rows, err := stmt.QueryContext(ctx, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []*models.Occurrence{}
	for rows.Next() {
		o, err := scanOccurrence(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

// CountOccurrences counts occurrences matching f.
func (r *Repository) CountOccurrences(ctx context.Context, f OccurrenceFilter) (int, error) {
	where, args := f.where()
	stmt, err := r.PrepareStmt(ctx, "SELECT COUNT(*) FROM occurrences"+where)
	if err != nil {
		return 0, err
	}
	var n int
	err = stmt.QueryRowContext(ctx, args...).Scan(&n)
	return n, err
}

// UpdateSyncState persists state and, when remoteID is set, the backend id.
// The in-memory syncing state is never written. Reports whether the row exists.
func (r *Repository) UpdateSyncState(ctx context.Context, id int64, state models.SyncState, remoteID *int64) (bool, error) {
	if state == models.StateSyncing {
		return false, fmt.Errorf("syncing state is not persisted")
	}
	query := `
	UPDATE occurrences
	SET sync_state = ?, remote_id = COALESCE(?, remote_id),
		last_error = CASE WHEN ? = 'synced' THEN '' ELSE last_error END,
		updated_at = ?
	WHERE id = ?
	`
	return r.execOne(ctx, query, string(state), nullInt64(remoteID), string(state), nowMillis(), id)
}

// UpdateLastError records the most recent sync failure reason.
func (r *Repository) UpdateLastError(ctx context.Context, id int64, reason string) (bool, error) {
	query := `UPDATE occurrences SET last_error = ?, updated_at = ? WHERE id = ?`
	return r.execOne(ctx, query, reason, nowMillis(), id)
}

// UpdateRoute sets the route id and optionally the sync state.
func (r *Repository) UpdateRoute(ctx context.Context, id, routeID int64, state *models.SyncState) (bool, error) {
	if state != nil {
		if *state == models.StateSyncing {
			return false, fmt.Errorf("syncing state is not persisted")
		}
		query := `UPDATE occurrences SET route_id = ?, sync_state = ?, updated_at = ? WHERE id = ?`
		return r.execOne(ctx, query, routeID, string(*state), nowMillis(), id)
	}
	query := `UPDATE occurrences SET route_id = ?, updated_at = ? WHERE id = ?`
	return r.execOne(ctx, query, routeID, nowMillis(), id)
}

// UpdatePhotos replaces the photo list of an occurrence.
func (r *Repository) UpdatePhotos(ctx context.Context, id int64, photos []models.PhotoRef) (bool, error) {
	encoded, err := encodePhotos(photos)
	if err != nil {
		return false, err
	}
	query := `UPDATE occurrences SET photos = ?, updated_at = ? WHERE id = ?`
	return r.execOne(ctx, query, encoded, nowMillis(), id)
}

// DeleteOccurrence hard-deletes one occurrence. Reports whether it existed.
func (r *Repository) DeleteOccurrence(ctx context.Context, id int64) (bool, error) {
	return r.execOne(ctx, `DELETE FROM occurrences WHERE id = ?`, id)
}

// DeleteRouteOccurrences removes a route's occurrences, optionally only the
// synced ones, and returns how many rows were deleted.
func (r *Repository) DeleteRouteOccurrences(ctx context.Context, routeID int64, syncedOnly bool) (int64, error) {
	query := `DELETE FROM occurrences WHERE route_id = ?`
	if syncedOnly {
		query += ` AND sync_state = 'synced'`
	}
	result, err := r.db.ExecContext(ctx, query, routeID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *Repository) execOne(ctx context.Context, query string, args ...interface{}) (bool, error) {
	stmt, err := r.PrepareStmt(ctx, query)
	if err != nil {
		return false, err
	}
	result, err := stmt.ExecContext(ctx, args...)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOccurrence(row rowScanner) (*models.Occurrence, error) {
	var o models.Occurrence
	var occType, photos, state string
	var occurredAt, createdAt, updatedAt int64
	var routeID, vehicleKm, remoteID sql.NullInt64

	err := row.Scan(&o.ID, &o.SubmissionID, &o.Code, &occType, &o.ReceiverName,
		&o.ReceiverDocument, &photos, &occurredAt, &o.Latitude, &o.Longitude,
		&routeID, &o.VehiclePlate, &vehicleKm, &state, &remoteID, &o.LastError,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	o.Type = models.OccurrenceType(occType)
	o.State = models.SyncState(state)
	o.Timestamp = time.UnixMilli(occurredAt).UTC()
	o.CreatedAt = time.UnixMilli(createdAt).UTC()
	o.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	if routeID.Valid {
		v := routeID.Int64
		o.RouteID = &v
	}
	if vehicleKm.Valid {
		v := int(vehicleKm.Int64)
		o.VehicleKm = &v
	}
	if remoteID.Valid {
		v := remoteID.Int64
		o.RemoteID = &v
	}
	if err := json.Unmarshal([]byte(photos), &o.Photos); err != nil {
		return nil, fmt.Errorf("decode photos of occurrence %d: %w", o.ID, err)
	}
	return &o, nil
}

func encodePhotos(photos []models.PhotoRef) (string, error) {
	if photos == nil {
		photos = []models.PhotoRef{}
	}
	data, err := json.Marshal(photos)
	if err != nil {
		return "", fmt.Errorf("encode photos: %w", err)
	}
	return string(data), nil
}

// =====================================================
// Route Operations
// =====================================================

const routeColumns = `id, vehicle_plate, start_km, started_at, ended_at,
	total_occurrences, synced_occurrences, status`

// SaveRoute inserts or replaces a route keyed by its remote id.
func (r *Repository) SaveRoute(ctx context.Context, route *models.Route) error {
	if route.Status == "" {
		route.Status = models.RouteActive
	}
	query := `
	INSERT INTO routes (` + routeColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		vehicle_plate = excluded.vehicle_plate,
		start_km = excluded.start_km,
		started_at = excluded.started_at,
		ended_at = excluded.ended_at,
		total_occurrences = excluded.total_occurrences,
		synced_occurrences = excluded.synced_occurrences,
		status = excluded.status
	`
	var endedAt interface{}
	if route.EndedAt != nil {
		endedAt = route.EndedAt.UnixMilli()
	}
	stmt, err := r.PrepareStmt(ctx, query)
	if err != nil {
		return err
	}
	_, err = stmt.ExecContext(ctx, route.ID, route.VehiclePlate, route.StartKm,
		route.StartedAt.UnixMilli(), endedAt, route.TotalOccurrences,
		route.SyncedOccurrences, string(route.Status))
	return err
}

// GetRoute retrieves a route by ID. Returns sql.ErrNoRows when absent.
func (r *Repository) GetRoute(ctx context.Context, id int64) (*models.Route, error) {
	stmt, err := r.PrepareStmt(ctx, "SELECT "+routeColumns+" FROM routes WHERE id = ?")
	if err != nil {
		return nil, err
	}
	return scanRoute(stmt.QueryRowContext(ctx, id))
}

// ListRoutes returns all routes, newest first.
func (r *Repository) ListRoutes(ctx context.Context) ([]*models.Route, error) {
	stmt, err := r.PrepareStmt(ctx, "SELECT "+routeColumns+" FROM routes ORDER BY started_at DESC, id DESC")
	if err != nil {
		return nil, err
	}
	rows, err := stmt.QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	routes := []*models.Route{}
	for rows.Next() {
		route, err := scanRoute(rows)
		if err != nil {
			return nil, err
		}
		routes = append(routes, route)
	}
	return routes, rows.Err()
}

func scanRoute(row rowScanner) (*models.Route, error) {
	var route models.Route
	var startedAt int64
	var endedAt sql.NullInt64
	var status string
	err := row.Scan(&route.ID, &route.VehiclePlate, &route.StartKm, &startedAt, &endedAt,
		&route.TotalOccurrences, &route.SyncedOccurrences, &status)
	if err != nil {
		return nil, err
	}
	route.StartedAt = time.UnixMilli(startedAt).UTC()
	if endedAt.Valid {
		t := time.UnixMilli(endedAt.Int64).UTC()
		route.EndedAt = &t
	}
	route.Status = models.RouteStatus(status)
	return &route, nil
}

func nullInt64(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullInt(v *int) interface{} {
	if v == nil {
		return nil
	}
	return int64(*v)
}

func nowMillis() int64 {
	return time.Now().UTC().UnixMilli()
}

// Package db provides repository interfaces for the courier data models.
package db

import (
	"context"

	"github.com/kimhsiao/logistik/backend/internal/models"
)

// OccurrenceRepository defines operations for occurrence persistence.
type OccurrenceRepository interface {
	InsertOccurrence(ctx context.Context, o *models.Occurrence) error
	GetOccurrence(ctx context.Context, id int64) (*models.Occurrence, error)
	ListOccurrences(ctx context.Context, f OccurrenceFilter) ([]*models.Occurrence, error)
	CountOccurrences(ctx context.Context, f OccurrenceFilter) (int, error)
	UpdateSyncState(ctx context.Context, id int64, state models.SyncState, remoteID *int64) (bool, error)
	UpdateLastError(ctx context.Context, id int64, reason string) (bool, error)
	UpdateRoute(ctx context.Context, id, routeID int64, state *models.SyncState) (bool, error)
	UpdatePhotos(ctx context.Context, id int64, photos []models.PhotoRef) (bool, error)
	DeleteOccurrence(ctx context.Context, id int64) (bool, error)
	DeleteRouteOccurrences(ctx context.Context, routeID int64, syncedOnly bool) (int64, error)
}

// RouteRepository defines operations for route persistence.
type RouteRepository interface {
	SaveRoute(ctx context.Context, route *models.Route) error
	GetRoute(ctx context.Context, id int64) (*models.Route, error)
	ListRoutes(ctx context.Context) ([]*models.Route, error)
}

// StoreRepository combines the repositories the local store needs.
type StoreRepository interface {
	OccurrenceRepository
	RouteRepository
}

// Ensure *Repository implements the interfaces at compile time.
var (
	_ OccurrenceRepository = (*Repository)(nil)
	_ RouteRepository      = (*Repository)(nil)
	_ StoreRepository      = (*Repository)(nil)
)

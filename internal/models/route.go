package models

import "time"

// RouteStatus is the lifecycle state of a route.
type RouteStatus string

const (
	RouteActive    RouteStatus = "active"
	RouteFinalized RouteStatus = "finalized"
	RouteDiscarded RouteStatus = "discarded"
)

// Route is a courier work session ("roteiro"). Its ID is assigned by the
// backend, so a route only exists locally after a successful creation.
type Route struct {
	ID                int64       `db:"id" json:"id"`
	VehiclePlate      string      `db:"vehicle_plate" json:"vehicle_plate"`
	StartKm           int         `db:"start_km" json:"start_km"`
	StartedAt         time.Time   `db:"started_at" json:"started_at"`
	EndedAt           *time.Time  `db:"ended_at" json:"ended_at,omitempty"`
	TotalOccurrences  int         `db:"total_occurrences" json:"total_occurrences"`
	SyncedOccurrences int         `db:"synced_occurrences" json:"synced_occurrences"`
	Status            RouteStatus `db:"status" json:"status"`
}

// TableName returns the table name for Route.
func (Route) TableName() string {
	return "routes"
}

// Active reports whether the route has not been finalized or discarded.
func (r *Route) Active() bool {
	return r.Status == RouteActive
}

// Duration returns how long the route ran, or ran so far when still active.
func (r *Route) Duration(now time.Time) time.Duration {
	if r.EndedAt != nil {
		return r.EndedAt.Sub(r.StartedAt)
	}
	return now.Sub(r.StartedAt)
}

// RouteSummary is the snapshot reported when a route is finalized.
type RouteSummary struct {
	Route   *Route `json:"route"`
	Total   int    `json:"total"`
	Synced  int    `json:"synced"`
	Pending int    `json:"pending"`
}

// Package sync drives unsynced occurrences to the backend.
package sync

import (
	"context"

	"github.com/kimhsiao/logistik/backend/internal/models"
	"github.com/kimhsiao/logistik/backend/internal/remote"
	"github.com/kimhsiao/logistik/backend/internal/session"
)

// Engine is the orchestrator surface used by the scheduler, services and
// the agent. It allows for mocking in tests.
type Engine interface {
	// SyncPending runs one pass over unsynced records in scope.
	SyncPending(ctx context.Context, scope Scope) Summary

	// ManualSync probes the backend first and then runs SyncPending.
	ManualSync(ctx context.Context, scope Scope) Summary

	// Status returns the current sync status.
	Status(ctx context.Context) Status

	// AddListener registers l and returns its removal func.
	AddListener(l Listener) func()
}

// Store is the subset of the local store the orchestrator needs.
type Store interface {
	AddOccurrence(ctx context.Context, o *models.Occurrence) (int64, error)
	GetOccurrence(ctx context.Context, id int64) (*models.Occurrence, error)
	ListUnsynced(ctx context.Context) ([]*models.Occurrence, error)
	ListUnsyncedForRoute(ctx context.Context, routeID int64) ([]*models.Occurrence, error)
	CountUnsynced(ctx context.Context) (int, error)
	MarkSynced(ctx context.Context, id int64, remoteID *int64) error
	RecordFailure(ctx context.Context, id int64, reason string) error
	ReplacePhotos(ctx context.Context, id int64, photos []models.PhotoRef) error
	Session() *session.Session
}

// Remote is the subset of the backend client the orchestrator needs.
type Remote interface {
	SyncOccurrence(ctx context.Context, o *models.Occurrence) remote.Result
	SyncEach(ctx context.Context, records []*models.Occurrence, fn func(remote.Result)) remote.BatchResult
	CheckConnection(ctx context.Context) bool
}

// OnlineChecker reports current connectivity.
type OnlineChecker interface {
	IsOnline() bool
}

var _ Engine = (*Orchestrator)(nil)

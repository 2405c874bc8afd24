package handlers

import (
	"context"
	"net/http"

	"github.com/kimhsiao/logistik/backend/internal/errors"
	syncpkg "github.com/kimhsiao/logistik/backend/internal/sync"
)

// SyncRunner runs a manual sync pass.
type SyncRunner interface {
	SyncNow(ctx context.Context, scope syncpkg.Scope) syncpkg.Summary
}

// StatusReporter reports the orchestrator status.
type StatusReporter interface {
	Status(ctx context.Context) syncpkg.Status
}

// Connectivity is the monitor surface the agent exposes.
type Connectivity interface {
	IsOnline() bool
	SetOnline(online bool)
	ForceOffline(forced bool)
}

// SyncHandler handles sync operations and connectivity reports.
type SyncHandler struct {
	runner SyncRunner
	status StatusReporter
	conn   Connectivity
}

// NewSyncHandler creates a new SyncHandler.
func NewSyncHandler(runner SyncRunner, status StatusReporter, conn Connectivity) *SyncHandler {
	return &SyncHandler{runner: runner, status: status, conn: conn}
}

type summaryResponse struct {
	syncpkg.Summary
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

func newSummaryResponse(sum syncpkg.Summary) summaryResponse {
	resp := summaryResponse{Summary: sum, Message: sum.Message()}
	if sum.Err != nil {
		resp.Error = sum.Err.Error()
	}
	return resp
}

// TriggerSync handles POST /api/sync[?scope=active|all]. The pass runs in
// the request but is not cut short if the client disconnects; a pass
// already in progress is reported as skipped.
func (h *SyncHandler) TriggerSync(w http.ResponseWriter, r *http.Request) error {
	scope := syncpkg.ScopeAll
	switch raw := r.URL.Query().Get("scope"); raw {
	case "":
	case string(syncpkg.ScopeAll), string(syncpkg.ScopeActiveRoute):
		scope = syncpkg.ParseScope(raw)
	default:
		return errors.Newf(errors.ErrInvalid, "scope must be all or active, got %q", raw)
	}

	sum := h.runner.SyncNow(detached(r), scope)
	status := http.StatusOK
	if sum.Skipped() {
		status = http.StatusAccepted
	}
	writeJSON(w, status, newSummaryResponse(sum))
	return nil
}

// GetStatus handles GET /api/sync/status.
func (h *SyncHandler) GetStatus(w http.ResponseWriter, r *http.Request) error {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"online": h.conn.IsOnline(),
		"sync":   h.status.Status(r.Context()),
	})
	return nil
}

// SetConnectivity handles POST /api/connectivity with
// {"online": bool, "force_offline": bool}. The UI reports OS-level
// transitions here; force_offline is the manual kill switch.
func (h *SyncHandler) SetConnectivity(w http.ResponseWriter, r *http.Request) error {
	var request struct {
		Online       *bool `json:"online"`
		ForceOffline *bool `json:"force_offline"`
	}
	if err := decodeJSON(r, &request); err != nil {
		return err
	}
	if request.Online == nil && request.ForceOffline == nil {
		return errors.New(errors.ErrInvalid, "online or force_offline is required")
	}
	if request.ForceOffline != nil {
		h.conn.ForceOffline(*request.ForceOffline)
	}
	if request.Online != nil {
		h.conn.SetOnline(*request.Online)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"online": h.conn.IsOnline()})
	return nil
}

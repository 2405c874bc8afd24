// Package handlers provides the local agent's REST handlers.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kimhsiao/logistik/backend/internal/errors"
	"github.com/kimhsiao/logistik/backend/internal/logging"
)

// AppHandler is a handler that reports failures by returning them.
type AppHandler func(w http.ResponseWriter, r *http.Request) error

// MakeHandler adapts an AppHandler. Returned errors are mapped from their
// code to an HTTP status and written as {"error": {"code", "message"}}.
func MakeHandler(h AppHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := h(w, r)
		if err == nil {
			return
		}
		code := errors.CodeOf(err)
		status := StatusFor(code)
		fields := map[string]interface{}{
			"method": r.Method,
			"path":   r.URL.Path,
			"status": status,
		}
		if status >= 500 {
			logging.ErrorWithCode("request failed", string(code), err, fields)
		} else {
			fields["error"] = err.Error()
			logging.Warn("request rejected", fields)
		}
		writeJSON(w, status, map[string]interface{}{
			"error": map[string]string{
				"code":    string(code),
				"message": err.Error(),
			},
		})
	}
}

// StatusFor maps an error code to an HTTP status.
func StatusFor(code errors.ErrorCode) int {
	switch code {
	case errors.ErrInvalid, errors.ErrPhotoInvalid:
		return http.StatusBadRequest
	case errors.ErrNotFound:
		return http.StatusNotFound
	case errors.ErrAuthFailed:
		return http.StatusUnauthorized
	case errors.ErrRequiresConnection:
		return http.StatusConflict
	case errors.ErrNetworkTransport, errors.ErrRemoteRejected:
		return http.StatusBadGateway
	case errors.ErrStorageUnavailable, errors.ErrStorageTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// detached keeps r's values but not its cancellation. Calls that reach the
// backend run on it so a client that goes away does not abort a submission
// the server may already have stored.
func detached(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn("failed to encode response", map[string]interface{}{"error": err.Error()})
	}
}

func decodeJSON(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.Wrap(errors.ErrInvalid, "invalid request body", err)
	}
	return nil
}

func idParam(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.Newf(errors.ErrInvalid, "invalid %s %q", name, raw)
	}
	return id, nil
}

// Health handles GET /api/health.
func Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "courier-agent"})
}

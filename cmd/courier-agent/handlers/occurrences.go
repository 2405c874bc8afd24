package handlers

import (
	stderrors "errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kimhsiao/logistik/backend/internal/errors"
	"github.com/kimhsiao/logistik/backend/internal/geo"
	"github.com/kimhsiao/logistik/backend/internal/models"
	"github.com/kimhsiao/logistik/backend/internal/services"
)

const (
	maxFormMemory = 32 << 20
	maxPhotoBytes = 20 << 20
)

// OccurrenceHandler handles occurrence capture and listing.
type OccurrenceHandler struct {
	svc *services.OccurrenceService
}

// NewOccurrenceHandler creates a new OccurrenceHandler.
func NewOccurrenceHandler(svc *services.OccurrenceService) *OccurrenceHandler {
	return &OccurrenceHandler{svc: svc}
}

// Create handles POST /api/occurrences.
// Fields: code, occurrence_type, receiver_name, receiver_document,
// occurrence_datetime (RFC3339), latitude, longitude, photo_paths, and any
// number of "photo" file parts. Photo parts that cannot be read are
// reported as skipped; the occurrence is still recorded.
func (h *OccurrenceHandler) Create(w http.ResponseWriter, r *http.Request) error {
	if err := r.ParseMultipartForm(maxFormMemory); err != nil {
		if !stderrors.Is(err, http.ErrNotMultipart) {
			return errors.Wrap(errors.ErrInvalid, "invalid form", err)
		}
		if err := r.ParseForm(); err != nil {
			return errors.Wrap(errors.ErrInvalid, "invalid form", err)
		}
	}

	sub := services.Submission{
		Code:             strings.TrimSpace(r.FormValue("code")),
		Type:             models.OccurrenceType(r.FormValue("occurrence_type")),
		ReceiverName:     strings.TrimSpace(r.FormValue("receiver_name")),
		ReceiverDocument: strings.TrimSpace(r.FormValue("receiver_document")),
		PhotoPaths:       r.Form["photo_paths"],
	}

	if raw := r.FormValue("occurrence_datetime"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return errors.Newf(errors.ErrInvalid, "occurrence_datetime must be RFC3339, got %q", raw)
		}
		sub.Timestamp = ts
	}

	if lat, lon := r.FormValue("latitude"), r.FormValue("longitude"); lat != "" || lon != "" {
		fix, err := parseFix(lat, lon)
		if err != nil {
			return err
		}
		sub.Locator = fix
	}

	if r.MultipartForm != nil {
		for i, fh := range r.MultipartForm.File["photo"] {
			raw, err := readPart(fh)
			if err != nil {
				sub.PhotoErrors = append(sub.PhotoErrors, services.PhotoFailure{Index: i, Reason: err.Error()})
			}
			sub.Photos = append(sub.Photos, raw)
		}
	}

	res, err := h.svc.Submit(detached(r), sub)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, res)
	return nil
}

func parseFix(lat, lon string) (geo.Fixed, error) {
	la, err1 := strconv.ParseFloat(lat, 64)
	lo, err2 := strconv.ParseFloat(lon, 64)
	if err1 != nil || err2 != nil {
		return geo.Fixed{}, errors.New(errors.ErrInvalid, "latitude and longitude must both be numbers")
	}
	return geo.Fixed{Lat: la, Lon: lo}, nil
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	if fh.Size > maxPhotoBytes {
		return nil, errors.Newf(errors.ErrPhotoInvalid, "photo %s exceeds %d bytes", fh.Filename, maxPhotoBytes)
	}
	f, err := fh.Open()
	if err != nil {
		return nil, errors.Wrap(errors.ErrPhotoInvalid, "open photo part", err)
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxPhotoBytes+1))
	if err != nil {
		return nil, errors.Wrap(errors.ErrPhotoInvalid, "read photo part", err)
	}
	if len(data) > maxPhotoBytes {
		return nil, errors.Newf(errors.ErrPhotoInvalid, "photo %s exceeds %d bytes", fh.Filename, maxPhotoBytes)
	}
	return data, nil
}

// List handles GET /api/occurrences: the active route's occurrences.
func (h *OccurrenceHandler) List(w http.ResponseWriter, r *http.Request) error {
	items, err := h.svc.List(r.Context())
	if err != nil {
		return err
	}
	if items == nil {
		items = []*models.Occurrence{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items, "total": len(items)})
	return nil
}

// Get handles GET /api/occurrences/{id}.
func (h *OccurrenceHandler) Get(w http.ResponseWriter, r *http.Request) error {
	id, err := idParam(r, "id")
	if err != nil {
		return err
	}
	o, err := h.svc.Get(r.Context(), id)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, o)
	return nil
}

// Delete handles DELETE /api/occurrences/{id}.
func (h *OccurrenceHandler) Delete(w http.ResponseWriter, r *http.Request) error {
	id, err := idParam(r, "id")
	if err != nil {
		return err
	}
	if err := h.svc.Delete(r.Context(), id); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

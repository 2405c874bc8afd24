package services

import (
	"context"
	"strings"
	"time"

	"github.com/kimhsiao/logistik/backend/internal/errors"
	"github.com/kimhsiao/logistik/backend/internal/geo"
	"github.com/kimhsiao/logistik/backend/internal/logging"
	"github.com/kimhsiao/logistik/backend/internal/models"
	syncpkg "github.com/kimhsiao/logistik/backend/internal/sync"
)

// OccurrenceSaver persists an occurrence and attempts an immediate sync.
type OccurrenceSaver interface {
	SaveOccurrence(ctx context.Context, o *models.Occurrence) (syncpkg.SaveResult, error)
}

// PhotoCapturer compresses a raw image into a photo reference.
type PhotoCapturer interface {
	Capture(ctx context.Context, raw []byte) (models.PhotoRef, error)
}

// OccurrenceStore is the read/delete side of the local store.
type OccurrenceStore interface {
	GetOccurrence(ctx context.Context, id int64) (*models.Occurrence, error)
	ListActiveRouteOccurrences(ctx context.Context) ([]*models.Occurrence, error)
	DeleteOccurrence(ctx context.Context, id int64) error
}

// Submission is one occurrence as entered by the courier.
type Submission struct {
	Code             string
	Type             models.OccurrenceType
	ReceiverName     string
	ReceiverDocument string
	Photos           [][]byte
	PhotoPaths       []string
	Timestamp        time.Time

	// Locator overrides the service locator for this submission.
	Locator geo.Locator

	// PhotoErrors marks entries of Photos the caller could not read. They
	// are reported in SkippedPhotos with the given reason and not captured.
	PhotoErrors []PhotoFailure
}

// PhotoFailure reports a photo that could not be attached.
type PhotoFailure struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// SubmitResult reports Submit.
type SubmitResult struct {
	syncpkg.SaveResult
	Located       bool           `json:"located"`
	Photos        int            `json:"photos"`
	SkippedPhotos []PhotoFailure `json:"skipped_photos,omitempty"`
}

// OccurrenceService records occurrences with location and photos.
type OccurrenceService struct {
	store      OccurrenceStore
	saver      OccurrenceSaver
	photos     PhotoCapturer
	locator    geo.Locator
	gpsTimeout time.Duration
}

// NewOccurrenceService creates an OccurrenceService. locator may be nil.
func NewOccurrenceService(store OccurrenceStore, saver OccurrenceSaver, photos PhotoCapturer, locator geo.Locator, gpsTimeout time.Duration) *OccurrenceService {
	return &OccurrenceService{
		store:      store,
		saver:      saver,
		photos:     photos,
		locator:    locator,
		gpsTimeout: gpsTimeout,
	}
}

func validateSubmission(sub Submission) error {
	if strings.TrimSpace(sub.Code) == "" {
		return errors.New(errors.ErrInvalid, "code is required")
	}
	if !sub.Type.Valid() {
		return errors.Newf(errors.ErrInvalid, "unknown occurrence type %q", sub.Type)
	}
	if sub.Type.RequiresReceiver() &&
		(strings.TrimSpace(sub.ReceiverName) == "" || strings.TrimSpace(sub.ReceiverDocument) == "") {
		return errors.New(errors.ErrInvalid, "receiver name and document are required for deliveries")
	}
	return nil
}

// Submit validates sub, captures location and photos, then saves it.
// Photos that fail compression are skipped and reported; GPS failures
// record 0/0. Only validation and storage errors are returned.
func (s *OccurrenceService) Submit(ctx context.Context, sub Submission) (SubmitResult, error) {
	if err := validateSubmission(sub); err != nil {
		return SubmitResult{}, err
	}

	locator := s.locator
	if sub.Locator != nil {
		locator = sub.Locator
	}
	lat, lon := geo.Acquire(ctx, locator, s.gpsTimeout)

	rejected := make(map[int]string, len(sub.PhotoErrors))
	for _, f := range sub.PhotoErrors {
		rejected[f.Index] = f.Reason
	}

	var result SubmitResult
	refs := make([]models.PhotoRef, 0, len(sub.Photos)+len(sub.PhotoPaths))
	for i, raw := range sub.Photos {
		if reason, ok := rejected[i]; ok {
			logging.Warn("skipping unreadable photo", map[string]interface{}{"index": i, "reason": reason})
			result.SkippedPhotos = append(result.SkippedPhotos, PhotoFailure{Index: i, Reason: reason})
			continue
		}
		if s.photos == nil {
			result.SkippedPhotos = append(result.SkippedPhotos, PhotoFailure{Index: i, Reason: "photo capture unavailable"})
			continue
		}
		ref, err := s.photos.Capture(ctx, raw)
		if err != nil {
			logging.Warn("skipping photo", map[string]interface{}{"index": i, "error": err.Error()})
			result.SkippedPhotos = append(result.SkippedPhotos, PhotoFailure{Index: i, Reason: err.Error()})
			continue
		}
		refs = append(refs, ref)
	}
	for _, p := range sub.PhotoPaths {
		if p = strings.TrimSpace(p); p != "" {
			refs = append(refs, models.PhotoRef{Kind: models.PhotoPlaceholder, Value: p})
		}
	}

	rec := &models.Occurrence{
		Code:             sub.Code,
		Type:             sub.Type,
		ReceiverName:     sub.ReceiverName,
		ReceiverDocument: sub.ReceiverDocument,
		Photos:           refs,
		Timestamp:        sub.Timestamp,
		Latitude:         lat,
		Longitude:        lon,
	}
	saved, err := s.saver.SaveOccurrence(ctx, rec)
	if err != nil {
		return SubmitResult{}, err
	}

	result.SaveResult = saved
	result.Located = rec.HasLocation()
	result.Photos = len(refs)
	return result, nil
}

// List returns the occurrences of the active route.
func (s *OccurrenceService) List(ctx context.Context) ([]*models.Occurrence, error) {
	return s.store.ListActiveRouteOccurrences(ctx)
}

// Get returns one occurrence.
func (s *OccurrenceService) Get(ctx context.Context, id int64) (*models.Occurrence, error) {
	return s.store.GetOccurrence(ctx, id)
}

// Delete removes one occurrence.
func (s *OccurrenceService) Delete(ctx context.Context, id int64) error {
	return s.store.DeleteOccurrence(ctx, id)
}

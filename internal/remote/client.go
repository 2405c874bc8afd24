// Package remote talks to the courier backend: occurrence submission,
// route creation and reachability probes.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/kimhsiao/logistik/backend/internal/config"
	"github.com/kimhsiao/logistik/backend/internal/errors"
	"github.com/kimhsiao/logistik/backend/internal/logging"
	"github.com/kimhsiao/logistik/backend/internal/models"
)

// NoteOffline is attached to results deferred because the device is offline.
const NoteOffline = "saved locally (offline)"

// NoteInterrupted marks batch records not started because the caller's
// context ended.
const NoteInterrupted = "sync interrupted, will retry"

// maxErrorBody caps how much of a rejected response body is kept.
const maxErrorBody = 4096

// OnlineChecker reports current connectivity.
type OnlineChecker interface {
	IsOnline() bool
}

// Authenticator reports whether an authenticated session exists. The
// session itself travels in the http.Client cookie jar.
type Authenticator interface {
	HasSession() bool
}

// PhotoResolver uploads pending photo references.
type PhotoResolver interface {
	Resolve(ctx context.Context, refs []models.PhotoRef) ([]models.PhotoRef, error)
}

// Options configures endpoints and timing.
type Options struct {
	BaseURL         string
	OccurrencesPath string
	RoutesPath      string
	HealthPath      string
	ItemPause       time.Duration
	RequestTimeout  time.Duration
	ProbeTimeout    time.Duration
}

// DefaultOptions returns the backend's standard paths.
func DefaultOptions(baseURL string) Options {
	return Options{
		BaseURL:         baseURL,
		OccurrencesPath: "/api/",
		RoutesPath:      "/api/roteiros/",
		HealthPath:      "/health/",
		ItemPause:       200 * time.Millisecond,
		RequestTimeout:  30 * time.Second,
		ProbeTimeout:    5 * time.Second,
	}
}

// OptionsFromConfig builds Options from the loaded configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		BaseURL:         cfg.API.BaseURL,
		OccurrencesPath: cfg.API.OccurrencesPath,
		RoutesPath:      cfg.API.RoutesPath,
		HealthPath:      cfg.API.HealthPath,
		ItemPause:       cfg.Sync.ItemPause(),
		RequestTimeout:  cfg.API.RequestTimeout(),
		ProbeTimeout:    cfg.API.ProbeTimeout(),
	}
}

// Client is the backend client.
type Client struct {
	opts   Options
	httpc  *http.Client
	photos PhotoResolver
	online OnlineChecker
	auth   Authenticator
	sleep  func(ctx context.Context, d time.Duration)
}

// NewClient creates a Client. A nil httpc uses http.DefaultClient; a nil
// auth skips the session check.
func NewClient(opts Options, httpc *http.Client, photos PhotoResolver, online OnlineChecker, auth Authenticator) *Client {
	if httpc == nil {
		httpc = http.DefaultClient
	}
	return &Client{
		opts:   opts,
		httpc:  httpc,
		photos: photos,
		online: online,
		auth:   auth,
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (c *Client) isOnline() bool {
	return c.online == nil || c.online.IsOnline()
}

func (c *Client) url(path string) string {
	return strings.TrimRight(c.opts.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
}

// Result is the outcome of one occurrence submission.
type Result struct {
	ID       int64
	Success  bool
	Deferred bool
	RemoteID *int64
	Note     string
	Err      error
	// Photos is the record's photo list after resolution. Entries that
	// uploaded are remote even when the submission itself failed.
	Photos []models.PhotoRef
	// DroppedPhotos counts pending photos discarded as undecodable.
	DroppedPhotos int
}

// DroppedNote describes discarded photos for the record's last error.
func (r Result) DroppedNote() string {
	if r.DroppedPhotos == 0 {
		return ""
	}
	return fmt.Sprintf("%d unreadable photo(s) dropped", r.DroppedPhotos)
}

// Code returns the failure code, or "" on success.
func (r Result) Code() errors.ErrorCode {
	return errors.CodeOf(r.Err)
}

// Synced reports whether the backend acknowledged the record.
func (r Result) Synced() bool {
	return r.Success && !r.Deferred
}

// PhotosChanged reports whether resolution produced new references.
func (r Result) PhotosChanged(before []models.PhotoRef) bool {
	if len(r.Photos) != len(before) {
		return r.Photos != nil
	}
	for i := range before {
		if r.Photos[i] != before[i] {
			return true
		}
	}
	return false
}

// BatchResult aggregates a SyncMultiple call. Results are in input order.
type BatchResult struct {
	Successes int
	Failures  int
	Deferred  int
	Results   []Result
}

type occurrenceResponse struct {
	OccurrenceID json.RawMessage `json:"occurrence_id"`
	RoteiroID    json.RawMessage `json:"roteiro_id"`
}

// SyncOccurrence submits one record. Offline, it returns a deferred
// success without touching the network. It never panics; every failure is
// reported through Result.Err.
func (c *Client) SyncOccurrence(ctx context.Context, o *models.Occurrence) (res Result) {
	res = Result{ID: o.ID, Photos: o.Photos}
	defer func() {
		if r := recover(); r != nil {
			res.Success = false
			res.Err = errors.Newf(errors.ErrInternal, "sync panicked: %v", r)
		}
	}()

	if !c.isOnline() {
		res.Success = true
		res.Deferred = true
		res.Note = NoteOffline
		return res
	}
	if c.auth != nil && !c.auth.HasSession() {
		res.Err = errors.New(errors.ErrAuthFailed, "no authenticated session")
		return res
	}

	if o.PendingPhotos() > 0 {
		if c.photos == nil {
			res.Err = errors.New(errors.ErrNetworkTransport, "pending photos but no uploader")
			return res
		}
		resolved, err := c.photos.Resolve(ctx, o.Photos)
		if resolved != nil {
			res.Photos = resolved
			if n := len(o.Photos) - len(resolved); n > 0 {
				res.DroppedPhotos = n
				logging.Error("occurrence lost unreadable photos", errors.New(errors.ErrPhotoInvalid, res.DroppedNote()),
					map[string]interface{}{"id": o.ID, "code": o.Code})
			}
		}
		if err != nil {
			res.Err = err
			if !errors.Is(err, errors.ErrNetworkTransport) {
				res.Err = errors.Wrap(errors.ErrNetworkTransport, "photo upload failed", err)
			}
			return res
		}
	}

	body, contentType, err := encodeOccurrence(o, res.Photos)
	if err != nil {
		res.Err = errors.Wrap(errors.ErrInternal, "encode occurrence", err)
		return res
	}

	var out occurrenceResponse
	if err := c.post(ctx, c.opts.OccurrencesPath, contentType, body, &out); err != nil {
		res.Err = err
		logging.Warn("occurrence sync failed", map[string]interface{}{
			"id":    o.ID,
			"code":  o.Code,
			"error": err.Error(),
		})
		return res
	}

	res.Success = true
	if id, ok := parseID(out.OccurrenceID); ok {
		res.RemoteID = &id
	}
	logging.Debug("occurrence synced", map[string]interface{}{"id": o.ID, "remote_id": res.RemoteID})
	return res
}

// SyncMultiple submits records one at a time with a fixed pause between
// attempts. A failure never stops the batch.
func (c *Client) SyncMultiple(ctx context.Context, records []*models.Occurrence) BatchResult {
	return c.SyncEach(ctx, records, nil)
}

// SyncEach is SyncMultiple with fn called after every attempt, in order.
// A call that has started is not cancelled by ctx; it runs until it
// finishes or hits the request timeout. Once ctx is done no further record
// is started, and the rest come back deferred with NoteInterrupted.
func (c *Client) SyncEach(ctx context.Context, records []*models.Occurrence, fn func(Result)) BatchResult {
	batch := BatchResult{Results: make([]Result, 0, len(records))}
	callCtx := context.WithoutCancel(ctx)
	for i, o := range records {
		if i > 0 {
			c.sleep(ctx, c.opts.ItemPause)
		}
		var r Result
		if ctx.Err() != nil {
			r = Result{ID: o.ID, Success: true, Deferred: true, Note: NoteInterrupted, Photos: o.Photos}
		} else {
			r = c.SyncOccurrence(callCtx, o)
		}
		if fn != nil {
			fn(r)
		}
		switch {
		case r.Deferred:
			batch.Deferred++
		case r.Success:
			batch.Successes++
		default:
			batch.Failures++
		}
		batch.Results = append(batch.Results, r)
	}
	logging.Info("batch sync finished", map[string]interface{}{
		"successes": batch.Successes,
		"failures":  batch.Failures,
		"deferred":  batch.Deferred,
	})
	return batch
}

// RouteRequest starts a route on the backend.
type RouteRequest struct {
	VehiclePlate string
	StartKm      int
	StartDate    time.Time
}

// RouteResult carries the backend-assigned route id.
type RouteResult struct {
	RouteID int64
}

// CreateRoute registers a route. It requires connectivity and fails with
// REQUIRES_CONNECTION offline without any network call.
func (c *Client) CreateRoute(ctx context.Context, req RouteRequest) (RouteResult, error) {
	if !c.isOnline() {
		return RouteResult{}, errors.New(errors.ErrRequiresConnection, "starting a route requires a connection")
	}
	if c.auth != nil && !c.auth.HasSession() {
		return RouteResult{}, errors.New(errors.ErrAuthFailed, "no authenticated session")
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fields := [][2]string{
		{"vehicle_plate", req.VehiclePlate},
		{"vehicle_km", strconv.Itoa(req.StartKm)},
		{"start_date", req.StartDate.UTC().Format(time.RFC3339)},
	}
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return RouteResult{}, errors.Wrap(errors.ErrInternal, "encode route", err)
		}
	}
	if err := w.Close(); err != nil {
		return RouteResult{}, errors.Wrap(errors.ErrInternal, "encode route", err)
	}

	var out occurrenceResponse
	if err := c.post(ctx, c.opts.RoutesPath, w.FormDataContentType(), buf.Bytes(), &out); err != nil {
		return RouteResult{}, err
	}
	id, ok := parseID(out.RoteiroID)
	if !ok || id <= 0 {
		return RouteResult{}, errors.New(errors.ErrRemoteRejected, "response carries no roteiro_id")
	}
	logging.Info("route created", map[string]interface{}{"route_id": id, "plate": req.VehiclePlate})
	return RouteResult{RouteID: id}, nil
}

// CheckConnection probes the health endpoint. Any failure is false.
func (c *Client) CheckConnection(ctx context.Context) bool {
	if c.opts.ProbeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.ProbeTimeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(c.opts.HealthPath), nil)
	if err != nil {
		return false
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		logging.Debug("backend unreachable", map[string]interface{}{"error": err.Error()})
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode/100 == 2
}

// post sends body and decodes a JSON reply into out, classifying failures.
func (c *Client) post(ctx context.Context, path, contentType string, body []byte, out interface{}) error {
	if c.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.RequestTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(path), bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(errors.ErrInternal, "build request", pkgerrors.Wrap(err, "new request"))
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return errors.Wrap(errors.ErrNetworkTransport, "request failed", pkgerrors.Wrap(err, "do request"))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errors.Wrap(errors.ErrNetworkTransport, "read response", pkgerrors.Wrap(err, "read body"))
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return errors.Newf(errors.ErrAuthFailed, "Erro %d: %s", resp.StatusCode, truncate(raw))
	case resp.StatusCode/100 != 2:
		return errors.Newf(errors.ErrRemoteRejected, "Erro %d: %s", resp.StatusCode, truncate(raw))
	}

	if !isJSON(resp.Header.Get("Content-Type")) {
		return errors.Newf(errors.ErrRemoteRejected, "server returned non-JSON response: %s", truncate(raw))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errors.Wrap(errors.ErrRemoteRejected, "malformed response", pkgerrors.Wrap(err, "decode"))
	}
	return nil
}

func isJSON(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && (mt == "application/json" || strings.HasSuffix(mt, "+json"))
}

func truncate(b []byte) string {
	if len(b) > maxErrorBody {
		b = b[:maxErrorBody]
	}
	return strings.TrimSpace(string(b))
}

// parseID accepts a JSON number or a numeric string.
func parseID(raw json.RawMessage) (int64, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, false
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, false
		}
		n = json.Number(s)
	}
	id, err := n.Int64()
	if err != nil {
		return 0, false
	}
	return id, true
}

// encodeOccurrence builds the multipart body for one record.
func encodeOccurrence(o *models.Occurrence, photos []models.PhotoRef) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	write := func(name, value string) error {
		return w.WriteField(name, value)
	}
	optional := func(name, value string) error {
		if value == "" {
			return nil
		}
		return write(name, value)
	}

	steps := []func() error{
		func() error { return write("code", o.Code) },
		func() error { return write("scanned_code", o.Code) },
		func() error { return write("occurrence_type", string(o.Type)) },
		func() error { return write("occurrence_datetime", o.Timestamp.UTC().Format(time.RFC3339)) },
		func() error { return optional("receiver_name", o.ReceiverName) },
		func() error { return optional("receiver_document", o.ReceiverDocument) },
		func() error {
			if !o.HasLocation() {
				return nil
			}
			if err := write("latitude", strconv.FormatFloat(o.Latitude, 'f', -1, 64)); err != nil {
				return err
			}
			return write("longitude", strconv.FormatFloat(o.Longitude, 'f', -1, 64))
		},
		func() error {
			for _, p := range photos {
				var err error
				switch p.Kind {
				case models.PhotoRemote:
					err = write("photo_urls", p.Value)
				case models.PhotoPlaceholder:
					err = write("photo_paths", p.Value)
				}
				if err != nil {
					return err
				}
			}
			return nil
		},
		func() error {
			if o.RouteID == nil {
				return nil
			}
			return write("roteiro_id", strconv.FormatInt(*o.RouteID, 10))
		},
		func() error { return optional("vehicle_plate", o.VehiclePlate) },
		func() error {
			if o.VehicleKm == nil {
				return nil
			}
			return write("vehicle_km", strconv.Itoa(*o.VehicleKm))
		},
		func() error { return optional("submission_id", o.SubmissionID) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return nil, "", pkgerrors.Wrap(err, "write field")
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", pkgerrors.Wrap(err, "close multipart")
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

// String renders the result for logs and the CLI.
func (r Result) String() string {
	switch {
	case r.Deferred:
		return r.Note
	case r.Success && r.RemoteID != nil:
		return fmt.Sprintf("synced as %d", *r.RemoteID)
	case r.Success:
		return "synced"
	case r.Err != nil:
		return r.Err.Error()
	default:
		return "not synced"
	}
}

// Package services tests for route and occurrence workflows.
package services

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kimhsiao/logistik/backend/internal/connectivity"
	"github.com/kimhsiao/logistik/backend/internal/db"
	"github.com/kimhsiao/logistik/backend/internal/errors"
	"github.com/kimhsiao/logistik/backend/internal/geo"
	"github.com/kimhsiao/logistik/backend/internal/models"
	"github.com/kimhsiao/logistik/backend/internal/photo"
	"github.com/kimhsiao/logistik/backend/internal/remote"
	"github.com/kimhsiao/logistik/backend/internal/session"
	"github.com/kimhsiao/logistik/backend/internal/store"
	syncpkg "github.com/kimhsiao/logistik/backend/internal/sync"
)

// =====================================================
// Test Helpers
// =====================================================

// fakeBackend serves route creation, occurrence submission, photo upload
// and health. Occurrence codes listed in reject get a 500.
type fakeBackend struct {
	mu        sync.Mutex
	reject    map[string]bool
	routeFail bool
	routes    int32
	posts     []string
}

func (b *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/health/":
		w.WriteHeader(http.StatusOK)
	case "/api/roteiros/":
		b.mu.Lock()
		fail := b.routeFail
		b.mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		n := atomic.AddInt32(&b.routes, 1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"roteiro_id": ` + strconv.Itoa(int(100+n)) + `}`))
	case "/api/occurrence/upload-photo/":
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success": true, "url": "https://pub-test.r2.dev/photos/x.jpg"}`))
	case "/api/":
		code := r.FormValue("code")
		b.mu.Lock()
		b.posts = append(b.posts, code)
		rejected := b.reject[code]
		b.mu.Unlock()
		if rejected {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"occurrence_id": 1}`))
	default:
		http.NotFound(w, r)
	}
}

func (b *fakeBackend) rejectCode(code string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reject[code] = true
}

func (b *fakeBackend) failRoutes() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.routeFail = true
}

type env struct {
	store    *store.Store
	session  *session.Session
	monitor  *connectivity.Monitor
	backend  *fakeBackend
	orch     *syncpkg.Orchestrator
	routes   *RouteService
	occurs   *OccurrenceService
	pipeline *photo.Pipeline
}

func newEnv(t *testing.T, locator geo.Locator) *env {
	t.Helper()
	database, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory() error = %v", err)
	}
	if err := database.Migrate(); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	repo := db.NewRepository(database.DB)
	t.Cleanup(func() {
		repo.Close()
		database.Close()
	})

	sess := session.NewMemory()
	opts := store.DefaultOptions()
	opts.RetryDelay = time.Millisecond
	st := store.New(repo, sess, opts)

	be := &fakeBackend{reject: map[string]bool{}}
	srv := httptest.NewServer(be)
	t.Cleanup(srv.Close)

	monitor := connectivity.NewMonitor(true)
	uploader := photo.NewBackendUploader(srv.URL, "/api/occurrence/upload-photo/", srv.Client())
	pipeline := photo.NewPipeline(uploader, monitor, photo.DefaultOptions())

	ropts := remote.DefaultOptions(srv.URL)
	ropts.ItemPause = 0
	rc := remote.NewClient(ropts, srv.Client(), pipeline, monitor, nil)
	orch := syncpkg.NewOrchestrator(st, rc, monitor)

	return &env{
		store:    st,
		session:  sess,
		monitor:  monitor,
		backend:  be,
		orch:     orch,
		routes:   NewRouteService(st, rc, orch, monitor),
		occurs:   NewOccurrenceService(st, orch, pipeline, locator, 50*time.Millisecond),
		pipeline: pipeline,
	}
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 32, 32))
	for i := 0; i < 32; i++ {
		img.Set(i, i, color.RGBA{R: 200, A: 255})
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode() error = %v", err)
	}
	return buf.Bytes()
}

// =====================================================
// RouteService Tests
// =====================================================

// TestStart_offlineLeavesPointer verifies routes cannot start offline.
func TestStart_offlineLeavesPointer(t *testing.T) {
	e := newEnv(t, nil)
	e.monitor.SetOnline(false)

	_, err := e.routes.Start(context.Background(), "ABC-1234", 1000)
	if !errors.Is(err, errors.ErrRequiresConnection) {
		t.Fatalf("Start() error = %v, want REQUIRES_CONNECTION", err)
	}
	if _, ok := e.session.ActiveRouteID(); ok {
		t.Error("active route pointer should be unchanged")
	}
	routes, _ := e.store.ListRoutes(context.Background())
	if len(routes) != 0 {
		t.Errorf("routes = %d, want 0", len(routes))
	}
	if atomic.LoadInt32(&e.backend.routes) != 0 {
		t.Error("no route request should be sent while offline")
	}
}

// TestStart_remoteFailureLeavesPointer verifies backend errors keep state.
func TestStart_remoteFailureLeavesPointer(t *testing.T) {
	e := newEnv(t, nil)
	e.backend.failRoutes()

	_, err := e.routes.Start(context.Background(), "ABC-1234", 1000)
	if !errors.Is(err, errors.ErrRemoteRejected) {
		t.Fatalf("Start() error = %v, want REMOTE_REJECTED", err)
	}
	if _, ok := e.session.ActiveRouteID(); ok {
		t.Error("active route pointer should be unchanged")
	}
}

// TestStart verifies a route becomes active.
func TestStart(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	route, err := e.routes.Start(ctx, " abc-1234 ", 1000)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if route.ID != 101 || route.VehiclePlate != "ABC-1234" || !route.Active() {
		t.Errorf("route = %+v", route)
	}
	if id, ok := e.session.ActiveRouteID(); !ok || id != 101 {
		t.Errorf("ActiveRouteID() = %d, %v; want 101, true", id, ok)
	}

	if _, err := e.routes.Start(ctx, "XYZ-9999", 5); !errors.Is(err, errors.ErrInvalid) {
		t.Errorf("second Start() error = %v, want INVALID_INPUT", err)
	}

	summary, ok, err := e.routes.Active(ctx)
	if err != nil || !ok {
		t.Fatalf("Active() = %v, %v", ok, err)
	}
	if summary.Route.ID != 101 || summary.Total != 0 {
		t.Errorf("summary = %+v", summary)
	}
}

// TestStart_validation verifies input checks run before any network call.
func TestStart_validation(t *testing.T) {
	e := newEnv(t, nil)
	tests := []struct {
		plate string
		km    int
	}{
		{"", 10},
		{"   ", 10},
		{"ABC-1234", -1},
	}
	for _, tt := range tests {
		if _, err := e.routes.Start(context.Background(), tt.plate, tt.km); !errors.Is(err, errors.ErrInvalid) {
			t.Errorf("Start(%q, %d) error = %v, want INVALID_INPUT", tt.plate, tt.km, err)
		}
	}
	if atomic.LoadInt32(&e.backend.routes) != 0 {
		t.Error("invalid input should not reach the backend")
	}
}

// TestFinalize verifies the final sync, counts and pointer reset.
func TestFinalize(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	route, err := e.routes.Start(ctx, "ABC-1234", 1000)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	e.monitor.SetOnline(false)
	for _, code := range []string{"A", "B", "C"} {
		if _, err := e.occurs.Submit(ctx, Submission{Code: code, Type: models.TypeDamaged}); err != nil {
			t.Fatalf("Submit(%s) error = %v", code, err)
		}
	}
	e.backend.rejectCode("C")
	e.monitor.SetOnline(true)

	var changed []*models.Route
	e.routes.SetRouteChangedHandler(func(r *models.Route) { changed = append(changed, r) })

	summary, err := e.routes.Finalize(ctx)
	if err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	if summary.Total != 3 || summary.Synced != 2 || summary.Pending != 1 {
		t.Errorf("summary = total %d synced %d pending %d, want 3/2/1", summary.Total, summary.Synced, summary.Pending)
	}
	if summary.Route.Status != models.RouteFinalized || summary.Route.EndedAt == nil {
		t.Errorf("route = %+v, want finalized with end time", summary.Route)
	}
	if _, ok := e.session.ActiveRouteID(); ok {
		t.Error("pointer should be cleared")
	}
	if len(changed) != 1 {
		t.Errorf("route changed callbacks = %d, want 1", len(changed))
	}

	items, err := e.routes.Occurrences(ctx, route.ID)
	if err != nil || len(items) != 3 {
		t.Errorf("Occurrences() = %d, %v; want 3 records still queryable", len(items), err)
	}

	if _, err := e.routes.Finalize(ctx); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("Finalize() without route error = %v, want NOT_FOUND", err)
	}
}

// TestFinalize_backfillsLooseRecords verifies records captured during the
// route without a route id are attached.
func TestFinalize_backfillsLooseRecords(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	e.monitor.SetOnline(false)

	early, err := e.store.AddOccurrence(ctx, &models.Occurrence{Code: "EARLY", Type: models.TypeOther})
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)

	e.monitor.SetOnline(true)
	if _, err := e.routes.Start(ctx, "ABC-1234", 1000); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	active, _ := e.session.Active()

	// Capture one record while the pointer is briefly unset.
	if err := e.session.ClearActiveRoute(); err != nil {
		t.Fatal(err)
	}
	loose, err := e.store.AddOccurrence(ctx, &models.Occurrence{Code: "LOOSE", Type: models.TypeOther})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.session.SetActiveRoute(active); err != nil {
		t.Fatal(err)
	}
	e.monitor.SetOnline(false)

	if _, err := e.routes.Finalize(ctx); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}

	got, _ := e.store.GetOccurrence(ctx, loose)
	if got.RouteID == nil || *got.RouteID != active.ID {
		t.Errorf("loose record route = %v, want %d", got.RouteID, active.ID)
	}
	got, _ = e.store.GetOccurrence(ctx, early)
	if got.RouteID != nil {
		t.Errorf("record from before the route got route %d", *got.RouteID)
	}
}

// TestDiscard_purgeKeepsUnsynced verifies no unsynced record is deleted.
func TestDiscard_purgeKeepsUnsynced(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	route, err := e.routes.Start(ctx, "ABC-1234", 1000)
	if err != nil {
		t.Fatal(err)
	}

	e.backend.rejectCode("KEEP")
	if _, err := e.occurs.Submit(ctx, Submission{Code: "GONE", Type: models.TypeOther}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.occurs.Submit(ctx, Submission{Code: "KEEP", Type: models.TypeOther}); err != nil {
		t.Fatal(err)
	}

	purged, err := e.routes.Discard(ctx, true)
	if err != nil {
		t.Fatalf("Discard() error = %v", err)
	}
	if purged != 1 {
		t.Errorf("purged = %d, want 1", purged)
	}

	items, _ := e.routes.Occurrences(ctx, route.ID)
	if len(items) != 1 || items[0].Code != "KEEP" || items[0].Synced() {
		t.Errorf("remaining = %+v, want only the unsynced KEEP", items)
	}
	stored, _ := e.store.GetRoute(ctx, route.ID)
	if stored.Status != models.RouteDiscarded {
		t.Errorf("route status = %s, want discarded", stored.Status)
	}
	if _, ok := e.session.ActiveRouteID(); ok {
		t.Error("pointer should be cleared")
	}
}

// TestDiscard_withoutPurge verifies records survive a plain discard.
func TestDiscard_withoutPurge(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	route, _ := e.routes.Start(ctx, "ABC-1234", 1000)
	e.occurs.Submit(ctx, Submission{Code: "A", Type: models.TypeOther})

	purged, err := e.routes.Discard(ctx, false)
	if err != nil || purged != 0 {
		t.Fatalf("Discard() = %d, %v", purged, err)
	}
	items, _ := e.routes.Occurrences(ctx, route.ID)
	if len(items) != 1 {
		t.Errorf("records = %d, want 1", len(items))
	}

	if _, err := e.routes.Discard(ctx, false); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("second Discard() error = %v, want NOT_FOUND", err)
	}
}

// TestHistory verifies routes are listed with counts.
func TestHistory(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	if _, err := e.routes.Start(ctx, "AAA-0001", 1); err != nil {
		t.Fatal(err)
	}
	e.occurs.Submit(ctx, Submission{Code: "A", Type: models.TypeOther})
	if _, err := e.routes.Finalize(ctx); err != nil {
		t.Fatal(err)
	}
	time.Sleep(2 * time.Millisecond)
	if _, err := e.routes.Start(ctx, "BBB-0002", 2); err != nil {
		t.Fatal(err)
	}

	history, err := e.routes.History(ctx)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("History() = %d routes, want 2", len(history))
	}
	if history[0].Route.VehiclePlate != "BBB-0002" {
		t.Errorf("newest first: got %s", history[0].Route.VehiclePlate)
	}
	if history[1].Total != 1 || history[1].Synced != 1 {
		t.Errorf("first route counts = %d/%d, want 1/1", history[1].Total, history[1].Synced)
	}

	if _, err := e.routes.Occurrences(ctx, 0); !errors.Is(err, errors.ErrInvalid) {
		t.Errorf("Occurrences(0) error = %v, want INVALID_INPUT", err)
	}
}

// =====================================================
// OccurrenceService Tests
// =====================================================

// TestSubmit_withLocationAndPhotos verifies GPS and photo handling.
func TestSubmit_withLocationAndPhotos(t *testing.T) {
	e := newEnv(t, geo.Fixed{Lat: -23.55, Lon: -46.63})
	ctx := context.Background()

	res, err := e.occurs.Submit(ctx, Submission{
		Code:             "CTE123",
		Type:             models.TypeDelivered,
		ReceiverName:     "Maria",
		ReceiverDocument: "123.456.789-00",
		Photos:           [][]byte{pngBytes(t), []byte("not an image")},
		PhotoPaths:       []string{"/sdcard/legacy.jpg"},
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if !res.Synced || !res.Located {
		t.Errorf("result = %+v, want synced and located", res)
	}
	if res.Photos != 2 {
		t.Errorf("Photos = %d, want 2", res.Photos)
	}
	if len(res.SkippedPhotos) != 1 || res.SkippedPhotos[0].Index != 1 {
		t.Errorf("SkippedPhotos = %+v, want index 1", res.SkippedPhotos)
	}

	got, err := e.occurs.Get(ctx, res.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Latitude != -23.55 || got.Longitude != -46.63 {
		t.Errorf("location = %v,%v", got.Latitude, got.Longitude)
	}
	if len(got.Photos) != 2 || got.Photos[0].Kind != models.PhotoRemote || got.Photos[1].Kind != models.PhotoPlaceholder {
		t.Errorf("photos = %+v", got.Photos)
	}
}

// TestSubmit_rejectedPhotoStillSaves verifies caller-rejected photos are
// reported without failing the submission.
func TestSubmit_rejectedPhotoStillSaves(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	res, err := e.occurs.Submit(ctx, Submission{
		Code:        "CTE7",
		Type:        models.TypeDamaged,
		Photos:      [][]byte{nil, pngBytes(t)},
		PhotoErrors: []PhotoFailure{{Index: 0, Reason: "photo a.png exceeds 20971520 bytes"}},
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if !res.Synced || res.Photos != 1 {
		t.Errorf("result = %+v, want synced with 1 photo", res)
	}
	if len(res.SkippedPhotos) != 1 || res.SkippedPhotos[0].Index != 0 || res.SkippedPhotos[0].Reason != "photo a.png exceeds 20971520 bytes" {
		t.Errorf("SkippedPhotos = %+v, want the rejected index 0", res.SkippedPhotos)
	}
	got, err := e.occurs.Get(ctx, res.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Photos) != 1 || got.Photos[0].Kind != models.PhotoRemote {
		t.Errorf("photos = %+v", got.Photos)
	}
}

// TestSubmit_offlineKeepsPhotoPending verifies offline capture.
func TestSubmit_offlineKeepsPhotoPending(t *testing.T) {
	e := newEnv(t, nil)
	e.monitor.SetOnline(false)
	ctx := context.Background()

	res, err := e.occurs.Submit(ctx, Submission{Code: "X", Type: models.TypeOther, Photos: [][]byte{pngBytes(t)}})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if res.Synced || res.Located {
		t.Errorf("result = %+v, want unsynced without location", res)
	}
	got, _ := e.occurs.Get(ctx, res.ID)
	if got.PendingPhotos() != 1 {
		t.Errorf("pending photos = %d, want 1", got.PendingPhotos())
	}

	e.monitor.SetOnline(true)
	sum := e.orch.SyncPending(ctx, syncpkg.ScopeAll)
	if sum.Outcome != syncpkg.OutcomeAllSynced {
		t.Fatalf("SyncPending() = %s", sum.Outcome)
	}
	got, _ = e.occurs.Get(ctx, res.ID)
	if got.PendingPhotos() != 0 || !got.Synced() {
		t.Errorf("after sync: %+v", got)
	}
}

// TestSubmit_gpsTimeout verifies a slow locator does not block recording.
func TestSubmit_gpsTimeout(t *testing.T) {
	slow := geo.LocatorFunc(func(ctx context.Context) (float64, float64, error) {
		<-ctx.Done()
		return 0, 0, ctx.Err()
	})
	e := newEnv(t, slow)

	res, err := e.occurs.Submit(context.Background(), Submission{Code: "X", Type: models.TypeOther})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if res.Located {
		t.Error("timed out fix should record no location")
	}
}

// TestSubmit_validation verifies invalid submissions are rejected up front.
func TestSubmit_validation(t *testing.T) {
	e := newEnv(t, nil)
	tests := []struct {
		name string
		sub  Submission
	}{
		{"missing code", Submission{Type: models.TypeOther}},
		{"unknown type", Submission{Code: "A", Type: "bogus"}},
		{"delivery without receiver", Submission{Code: "A", Type: models.TypeDelivered}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := e.occurs.Submit(context.Background(), tt.sub); !errors.Is(err, errors.ErrInvalid) {
				t.Errorf("Submit() error = %v, want INVALID_INPUT", err)
			}
		})
	}
}

// TestListAndDelete verifies active route listing and deletion.
func TestListAndDelete(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	e.routes.Start(ctx, "ABC-1234", 1)
	res, _ := e.occurs.Submit(ctx, Submission{Code: "A", Type: models.TypeOther})

	items, err := e.occurs.List(ctx)
	if err != nil || len(items) != 1 {
		t.Fatalf("List() = %d, %v", len(items), err)
	}
	if err := e.occurs.Delete(ctx, res.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	items, _ = e.occurs.List(ctx)
	if len(items) != 0 {
		t.Errorf("List() after delete = %d, want 0", len(items))
	}
}

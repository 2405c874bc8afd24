// Package sync tests for the sync orchestrator.
package sync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/logistik/backend/internal/db"
	"github.com/kimhsiao/logistik/backend/internal/errors"
	"github.com/kimhsiao/logistik/backend/internal/models"
	"github.com/kimhsiao/logistik/backend/internal/photo"
	"github.com/kimhsiao/logistik/backend/internal/remote"
	"github.com/kimhsiao/logistik/backend/internal/session"
	"github.com/kimhsiao/logistik/backend/internal/store"
)

// =====================================================
// Test Helpers
// =====================================================

type flag struct{ v atomic.Bool }

func online(v bool) *flag {
	f := &flag{}
	f.v.Store(v)
	return f
}

func (f *flag) IsOnline() bool { return f.v.Load() }

func newTestStore(t *testing.T) (*store.Store, *session.Session) {
	t.Helper()
	database, err := db.OpenMemory()
	require.NoError(t, err)
	require.NoError(t, database.Migrate())
	repo := db.NewRepository(database.DB)
	t.Cleanup(func() {
		repo.Close()
		database.Close()
	})
	sess := session.NewMemory()
	opts := store.DefaultOptions()
	opts.RetryDelay = time.Millisecond
	return store.New(repo, sess, opts), sess
}

// backend is a fake courier backend that fails any code listed in reject.
type backend struct {
	mu     gosync.Mutex
	codes  []string
	paths  []string
	reject map[string]int
	nextID int64
	// during runs while a request is being served, before the reply.
	during func(code string)
}

func (b *backend) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health/" {
			w.WriteHeader(http.StatusOK)
			return
		}
		code := r.FormValue("code")
		b.mu.Lock()
		b.codes = append(b.codes, code)
		b.paths = append(b.paths, r.Form["photo_paths"]...)
		status, rejected := b.reject[code]
		b.nextID++
		id := b.nextID
		during := b.during
		b.mu.Unlock()

		if during != nil {
			during(code)
		}

		if rejected {
			w.WriteHeader(status)
			w.Write([]byte("internal error"))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"occurrence_id": ` + strconv.FormatInt(9000+id, 10) + `}`))
	})
}

func (b *backend) setDuring(fn func(code string)) {
	b.mu.Lock()
	b.during = fn
	b.mu.Unlock()
}

func (b *backend) seen() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.codes...)
}

func (b *backend) photoPaths() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.paths...)
}

type cdnUploader struct{ calls atomic.Int32 }

func (u *cdnUploader) Upload(_ context.Context, _ []byte, filename string) (string, error) {
	u.calls.Add(1)
	return "https://cdn.test/photos/" + filename, nil
}

type harness struct {
	orch    *Orchestrator
	store   *store.Store
	session *session.Session
	backend *backend
	online  *flag
}

func newHarness(t *testing.T, reject map[string]int) *harness {
	t.Helper()
	st, sess := newTestStore(t)
	be := &backend{reject: reject}
	srv := httptest.NewServer(be.handler())
	t.Cleanup(srv.Close)

	on := online(true)
	opts := remote.DefaultOptions(srv.URL)
	opts.ItemPause = 0
	rc := remote.NewClient(opts, srv.Client(), nil, on, nil)
	return &harness{
		orch:    NewOrchestrator(st, rc, on),
		store:   st,
		session: sess,
		backend: be,
		online:  on,
	}
}

func (h *harness) add(t *testing.T, code string) int64 {
	t.Helper()
	id, err := h.store.AddOccurrence(context.Background(), &models.Occurrence{Code: code, Type: models.TypeDamaged})
	require.NoError(t, err)
	return id
}

// =====================================================
// SyncPending
// =====================================================

func TestSyncPending_partialFailure(t *testing.T) {
	h := newHarness(t, map[string]int{"B": http.StatusInternalServerError})
	ctx := context.Background()
	a, b, c := h.add(t, "A"), h.add(t, "B"), h.add(t, "C")

	sum := h.orch.SyncPending(ctx, ScopeAll)

	assert.Equal(t, OutcomePartial, sum.Outcome)
	assert.Equal(t, 3, sum.Attempted)
	assert.Equal(t, 2, sum.Synced)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, "2 synced, 1 will retry", sum.Message())
	assert.Equal(t, []string{"A", "B", "C"}, h.backend.seen(), "creation order")

	for _, id := range []int64{a, c} {
		got, err := h.store.GetOccurrence(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StateSynced, got.State)
		assert.NotNil(t, got.RemoteID)
	}
	got, err := h.store.GetOccurrence(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, models.StatePending, got.State)
	assert.Contains(t, got.LastError, "Erro 500")

	st := h.orch.Status(ctx)
	assert.False(t, st.Syncing)
	assert.Empty(t, st.SyncingIDs)
	assert.Equal(t, 1, st.PendingCount)
	assert.NotNil(t, st.LastSyncAt)
}

func TestSyncPending_retriesOnNextPass(t *testing.T) {
	h := newHarness(t, map[string]int{"B": http.StatusBadGateway})
	ctx := context.Background()
	h.add(t, "A")
	h.add(t, "B")

	require.Equal(t, OutcomePartial, h.orch.SyncPending(ctx, ScopeAll).Outcome)

	h.backend.mu.Lock()
	delete(h.backend.reject, "B")
	h.backend.mu.Unlock()

	sum := h.orch.SyncPending(ctx, ScopeAll)
	assert.Equal(t, OutcomeAllSynced, sum.Outcome)
	assert.Equal(t, 1, sum.Attempted, "synced records are not resent")
	assert.Equal(t, []string{"A", "B", "B"}, h.backend.seen())

	again := h.orch.SyncPending(ctx, ScopeAll)
	assert.Equal(t, OutcomeNothingToDo, again.Outcome)
}

func TestSyncPending_offlineKeepsEverything(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	id := h.add(t, "A")
	h.online.v.Store(false)

	sum := h.orch.SyncPending(ctx, ScopeAll)

	assert.True(t, sum.Offline())
	assert.Empty(t, h.backend.seen())
	got, err := h.store.GetOccurrence(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatePending, got.State)
}

func TestSyncPending_allFail(t *testing.T) {
	h := newHarness(t, map[string]int{"A": http.StatusInternalServerError})
	h.add(t, "A")

	sum := h.orch.SyncPending(context.Background(), ScopeAll)
	assert.Equal(t, OutcomeFailed, sum.Outcome)
	assert.Equal(t, "sync failed, check connection", sum.Message())
}

func TestSyncPending_activeRouteScope(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.add(t, "LOOSE")
	require.NoError(t, h.session.SetActiveRoute(session.ActiveRoute{ID: 7, VehiclePlate: "ABC-1234", StartKm: 10}))
	h.add(t, "ON-ROUTE")

	sum := h.orch.SyncPending(ctx, ScopeActiveRoute)
	assert.Equal(t, OutcomeAllSynced, sum.Outcome)
	assert.Equal(t, []string{"ON-ROUTE"}, h.backend.seen())

	require.NoError(t, h.session.ClearActiveRoute())
	assert.Equal(t, OutcomeNothingToDo, h.orch.SyncPending(ctx, ScopeActiveRoute).Outcome)
}

type blockingRemote struct {
	entered chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (b *blockingRemote) SyncOccurrence(_ context.Context, o *models.Occurrence) remote.Result {
	return remote.Result{ID: o.ID, Success: true}
}

func (b *blockingRemote) SyncEach(ctx context.Context, recs []*models.Occurrence, fn func(remote.Result)) remote.BatchResult {
	if b.calls.Add(1) == 1 {
		close(b.entered)
	}
	<-b.release
	var batch remote.BatchResult
	for _, o := range recs {
		r := b.SyncOccurrence(ctx, o)
		fn(r)
		batch.Successes++
		batch.Results = append(batch.Results, r)
	}
	return batch
}

func (b *blockingRemote) CheckConnection(context.Context) bool { return true }

func TestSyncPending_singleFlight(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	id, err := st.AddOccurrence(ctx, &models.Occurrence{Code: "A", Type: models.TypeLost})
	require.NoError(t, err)

	rc := &blockingRemote{entered: make(chan struct{}), release: make(chan struct{})}
	orch := NewOrchestrator(st, rc, online(true))

	first := make(chan Summary, 1)
	go func() { first <- orch.SyncPending(ctx, ScopeAll) }()
	<-rc.entered

	st1 := orch.Status(ctx)
	assert.True(t, st1.Syncing)
	assert.Equal(t, []int64{id}, st1.SyncingIDs)

	second := orch.SyncPending(ctx, ScopeAll)
	assert.True(t, second.Skipped())
	assert.Equal(t, "sync already in progress", second.Message())

	close(rc.release)
	sum := <-first
	assert.Equal(t, OutcomeAllSynced, sum.Outcome)
	assert.Equal(t, int32(1), rc.calls.Load())
	assert.False(t, orch.Status(ctx).Syncing)
}

func TestSyncPending_inFlightCallSurvivesCancel(t *testing.T) {
	h := newHarness(t, nil)
	id := h.add(t, "A")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.backend.setDuring(func(string) {
		cancel()
		time.Sleep(50 * time.Millisecond)
	})

	sum := h.orch.SyncPending(ctx, ScopeAll)
	assert.Equal(t, OutcomeAllSynced, sum.Outcome)

	got, err := h.store.GetOccurrence(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StateSynced, got.State)
	assert.Empty(t, got.LastError)
	assert.Empty(t, h.orch.Status(context.Background()).SyncingIDs)

	h.backend.setDuring(nil)
	assert.Equal(t, OutcomeNothingToDo, h.orch.SyncPending(context.Background(), ScopeAll).Outcome)
	assert.Equal(t, []string{"A"}, h.backend.seen(), "no second submission")
}

func TestSyncPending_cancelStopsBeforeNextRecord(t *testing.T) {
	h := newHarness(t, nil)
	a, b := h.add(t, "A"), h.add(t, "B")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.backend.setDuring(func(string) { cancel() })

	sum := h.orch.SyncPending(ctx, ScopeAll)
	assert.Equal(t, OutcomePartial, sum.Outcome)
	assert.Equal(t, 1, sum.Synced)
	assert.Equal(t, []string{"A"}, h.backend.seen())

	gotA, err := h.store.GetOccurrence(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, models.StateSynced, gotA.State)

	gotB, err := h.store.GetOccurrence(context.Background(), b)
	require.NoError(t, err)
	assert.Equal(t, models.StatePending, gotB.State)
	assert.Empty(t, gotB.LastError, "unsent record has no failure recorded")
	assert.Empty(t, h.orch.Status(context.Background()).SyncingIDs)
}

// =====================================================
// SyncMultiple / SaveOccurrence / ManualSync
// =====================================================

func TestSyncMultiple_persists(t *testing.T) {
	h := newHarness(t, map[string]int{"B": http.StatusInternalServerError})
	ctx := context.Background()
	h.add(t, "A")
	h.add(t, "B")

	recs, err := h.store.ListUnsynced(ctx)
	require.NoError(t, err)
	batch := h.orch.SyncMultiple(ctx, recs)

	assert.Equal(t, 1, batch.Successes)
	assert.Equal(t, 1, batch.Failures)
	require.Len(t, batch.Results, 2)
	assert.Equal(t, recs[0].ID, batch.Results[0].ID)
	assert.Equal(t, recs[1].ID, batch.Results[1].ID)

	n, err := h.store.CountUnsynced(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSyncMultiple_neverResendsSynced(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	id := h.add(t, "A")

	stale, err := h.store.ListUnsynced(ctx)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	require.Equal(t, OutcomeAllSynced, h.orch.SyncPending(ctx, ScopeAll).Outcome)

	fresh, err := h.store.GetOccurrence(ctx, id)
	require.NoError(t, err)
	require.Equal(t, models.StateSynced, fresh.State)

	for name, recs := range map[string][]*models.Occurrence{
		"stale pending snapshot": stale,
		"synced record":          {fresh},
	} {
		batch := h.orch.SyncMultiple(ctx, recs)
		assert.Equal(t, 1, batch.Deferred, name)
		assert.Zero(t, batch.Successes+batch.Failures, name)
		require.Len(t, batch.Results, 1, name)
		assert.Equal(t, "already synced", batch.Results[0].Note, name)
	}
	assert.Equal(t, []string{"A"}, h.backend.seen())
	assert.Empty(t, h.orch.Status(ctx).SyncingIDs)
}

func TestSyncMultiple_skipsDeleted(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.add(t, "A")

	recs, err := h.store.ListUnsynced(ctx)
	require.NoError(t, err)
	require.NoError(t, h.store.DeleteOccurrence(ctx, recs[0].ID))

	batch := h.orch.SyncMultiple(ctx, recs)
	assert.Equal(t, 1, batch.Deferred)
	assert.Equal(t, "deleted locally", batch.Results[0].Note)
	assert.Empty(t, h.backend.seen())
}

func TestSaveOccurrence_online(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	res, err := h.orch.SaveOccurrence(ctx, &models.Occurrence{Code: "CTE123", Type: models.TypeHoliday})
	require.NoError(t, err)
	assert.True(t, res.Synced)
	assert.Equal(t, "saved and synced", res.Message)

	got, err := h.store.GetOccurrence(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateSynced, got.State)
}

func TestSaveOccurrence_outlivesCallerContext(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.backend.setDuring(func(string) {
		cancel()
		time.Sleep(50 * time.Millisecond)
	})

	res, err := h.orch.SaveOccurrence(ctx, &models.Occurrence{Code: "A", Type: models.TypeHoliday})
	require.NoError(t, err)
	assert.True(t, res.Synced, res.Message)

	h.backend.setDuring(nil)
	assert.Equal(t, OutcomeNothingToDo, h.orch.SyncPending(context.Background(), ScopeAll).Outcome)
	assert.Equal(t, []string{"A"}, h.backend.seen())
}

func TestSaveOccurrence_offline(t *testing.T) {
	h := newHarness(t, nil)
	h.online.v.Store(false)

	res, err := h.orch.SaveOccurrence(context.Background(), &models.Occurrence{Code: "CTE123", Type: models.TypeHoliday})
	require.NoError(t, err)
	assert.False(t, res.Synced)
	assert.Equal(t, remote.NoteOffline, res.Message)
	assert.Empty(t, h.backend.seen())
}

func TestSaveOccurrence_rejectedStaysPending(t *testing.T) {
	h := newHarness(t, map[string]int{"X": http.StatusBadRequest})

	res, err := h.orch.SaveOccurrence(context.Background(), &models.Occurrence{Code: "X", Type: models.TypeHoliday})
	require.NoError(t, err)
	assert.False(t, res.Synced)
	assert.Contains(t, res.Message, "will retry")

	n, err := h.store.CountUnsynced(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSaveOccurrence_invalid(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.orch.SaveOccurrence(context.Background(), &models.Occurrence{Code: "", Type: models.TypeHoliday})
	assert.True(t, errors.Is(err, errors.ErrInvalid), "got %v", err)
}

func TestSyncPending_dropsUndecodablePhoto(t *testing.T) {
	st, _ := newTestStore(t)
	be := &backend{}
	srv := httptest.NewServer(be.handler())
	t.Cleanup(srv.Close)

	on := online(true)
	opts := remote.DefaultOptions(srv.URL)
	opts.ItemPause = 0
	up := &cdnUploader{}
	pipe := photo.NewPipeline(up, on, photo.DefaultOptions())
	orch := NewOrchestrator(st, remote.NewClient(opts, srv.Client(), pipe, on, nil), on)

	ctx := context.Background()
	id, err := st.AddOccurrence(ctx, &models.Occurrence{Code: "A", Type: models.TypeDamaged, Photos: []models.PhotoRef{
		{Kind: models.PhotoPending, Value: "%%%not-base64"},
		photo.Pending([]byte("jpeg")),
	}})
	require.NoError(t, err)

	sum := orch.SyncPending(ctx, ScopeAll)
	require.Equal(t, OutcomeAllSynced, sum.Outcome)

	got, err := st.GetOccurrence(ctx, id)
	require.NoError(t, err)
	assert.True(t, got.Synced())
	require.Len(t, got.Photos, 1)
	assert.Equal(t, models.PhotoRemote, got.Photos[0].Kind)
	assert.Equal(t, "1 unreadable photo(s) dropped", got.LastError)
	assert.Equal(t, int32(1), up.calls.Load())
	assert.Empty(t, be.photoPaths(), "nothing stands in for the dropped photo")
}

func TestSaveOccurrence_degradedStore(t *testing.T) {
	st := store.New(nil, session.NewMemory(), store.DefaultOptions())
	orch := NewOrchestrator(st, &blockingRemote{}, online(true))

	_, err := orch.SaveOccurrence(context.Background(), &models.Occurrence{Code: "A", Type: models.TypeHoliday})
	assert.True(t, errors.Is(err, errors.ErrStorageUnavailable), "got %v", err)
}

type unreachable struct{}

func (unreachable) SyncOccurrence(_ context.Context, o *models.Occurrence) remote.Result {
	return remote.Result{ID: o.ID}
}

func (unreachable) SyncEach(context.Context, []*models.Occurrence, func(remote.Result)) remote.BatchResult {
	return remote.BatchResult{}
}

func (unreachable) CheckConnection(context.Context) bool { return false }

func TestManualSync_unreachable(t *testing.T) {
	st, _ := newTestStore(t)
	orch := NewOrchestrator(st, unreachable{}, online(true))

	sum := orch.ManualSync(context.Background(), ScopeAll)
	assert.Equal(t, OutcomeFailed, sum.Outcome)
	assert.Equal(t, "backend unreachable, check connection", sum.Message())
}

func TestManualSync_runsPass(t *testing.T) {
	h := newHarness(t, nil)
	h.add(t, "A")

	sum := h.orch.ManualSync(context.Background(), ScopeAll)
	assert.Equal(t, OutcomeAllSynced, sum.Outcome)
	assert.Equal(t, "1 occurrence synced", sum.Message())
}

// =====================================================
// Listeners
// =====================================================

func TestListeners(t *testing.T) {
	h := newHarness(t, nil)
	h.add(t, "A")

	var mu gosync.Mutex
	var kinds []EventKind
	var completed *Summary
	remove := h.orch.AddListener(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		kinds = append(kinds, ev.Kind)
		if ev.Kind == EventCompleted {
			completed = ev.Summary
		}
	})

	h.orch.SyncPending(context.Background(), ScopeAll)
	mu.Lock()
	require.NotEmpty(t, kinds)
	assert.Equal(t, EventCompleted, kinds[len(kinds)-1])
	assert.Contains(t, kinds, EventStatus)
	require.NotNil(t, completed)
	assert.Equal(t, OutcomeAllSynced, completed.Outcome)
	n := len(kinds)
	mu.Unlock()

	remove()
	remove()
	h.orch.SyncPending(context.Background(), ScopeAll)
	mu.Lock()
	assert.Len(t, kinds, n)
	mu.Unlock()
}

func TestParseScope(t *testing.T) {
	assert.Equal(t, ScopeActiveRoute, ParseScope("active"))
	assert.Equal(t, ScopeAll, ParseScope("all"))
	assert.Equal(t, ScopeAll, ParseScope(""))
}

package sync

import (
	"context"
	"fmt"
	"sort"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/kimhsiao/logistik/backend/internal/errors"
	"github.com/kimhsiao/logistik/backend/internal/logging"
	"github.com/kimhsiao/logistik/backend/internal/models"
	"github.com/kimhsiao/logistik/backend/internal/remote"
)

// Scope selects which unsynced records a pass covers.
type Scope string

const (
	ScopeAll         Scope = "all"
	ScopeActiveRoute Scope = "active"
)

// ParseScope maps a query value to a Scope. Unknown values mean all.
func ParseScope(s string) Scope {
	if Scope(s) == ScopeActiveRoute {
		return ScopeActiveRoute
	}
	return ScopeAll
}

// Outcome classifies a finished pass.
type Outcome string

const (
	OutcomeNothingToDo Outcome = "nothing_to_do"
	OutcomeAllSynced   Outcome = "all_synced"
	OutcomePartial     Outcome = "partial"
	OutcomeFailed      Outcome = "failed"
	OutcomeOffline     Outcome = "offline"
	OutcomeSkipped     Outcome = "skipped"
)

// Summary reports one SyncPending pass.
type Summary struct {
	Outcome    Outcome   `json:"outcome"`
	Scope      Scope     `json:"scope"`
	Attempted  int       `json:"attempted"`
	Synced     int       `json:"synced"`
	Failed     int       `json:"failed"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Err        error     `json:"-"`
}

// Skipped reports whether another pass was already running.
func (s Summary) Skipped() bool { return s.Outcome == OutcomeSkipped }

// Offline reports whether the pass was skipped for lack of connectivity.
func (s Summary) Offline() bool { return s.Outcome == OutcomeOffline }

// Message renders the user-facing text for the outcome.
func (s Summary) Message() string {
	switch s.Outcome {
	case OutcomeNothingToDo:
		return "nothing to sync"
	case OutcomeAllSynced:
		if s.Synced == 1 {
			return "1 occurrence synced"
		}
		return fmt.Sprintf("%d occurrences synced", s.Synced)
	case OutcomePartial:
		return fmt.Sprintf("%d synced, %d will retry", s.Synced, s.Failed)
	case OutcomeOffline:
		return "offline, occurrences kept locally"
	case OutcomeSkipped:
		return "sync already in progress"
	default:
		if errors.Is(s.Err, errors.ErrNetworkTransport) && s.Attempted == 0 {
			return "backend unreachable, check connection"
		}
		return "sync failed, check connection"
	}
}

// Status is a snapshot of sync activity.
type Status struct {
	Syncing      bool       `json:"syncing"`
	SyncingIDs   []int64    `json:"syncing_ids"`
	PendingCount int        `json:"pending_count"`
	LastSyncAt   *time.Time `json:"last_sync_at,omitempty"`
}

// EventKind names a listener notification.
type EventKind string

const (
	EventStatus    EventKind = "sync.status"
	EventCompleted EventKind = "sync.completed"
)

// Event is delivered to listeners. Summary is set for EventCompleted.
type Event struct {
	Kind    EventKind `json:"type"`
	Status  Status    `json:"status"`
	Summary *Summary  `json:"summary,omitempty"`
}

// Listener observes status changes and finished passes.
type Listener func(Event)

// SaveResult reports SaveOccurrence.
type SaveResult struct {
	ID      int64  `json:"id"`
	Synced  bool   `json:"synced"`
	Message string `json:"message"`
}

// Orchestrator owns the sync state machine: pending, syncing (in memory
// only), synced.
type Orchestrator struct {
	store  Store
	remote Remote
	online OnlineChecker
	now    func() time.Time

	running atomic.Bool

	mu         gosync.Mutex
	syncing    map[int64]struct{}
	lastSyncAt *time.Time
	listeners  map[int]Listener
	nextID     int
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(store Store, rc Remote, online OnlineChecker) *Orchestrator {
	return &Orchestrator{
		store:     store,
		remote:    rc,
		online:    online,
		now:       func() time.Time { return time.Now().UTC() },
		syncing:   make(map[int64]struct{}),
		listeners: make(map[int]Listener),
	}
}

func (o *Orchestrator) isOnline() bool {
	return o.online == nil || o.online.IsOnline()
}

// AddListener registers l and returns its removal func.
func (o *Orchestrator) AddListener(l Listener) func() {
	o.mu.Lock()
	id := o.nextID
	o.nextID++
	o.listeners[id] = l
	o.mu.Unlock()

	var once gosync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.listeners, id)
			o.mu.Unlock()
		})
	}
}

func (o *Orchestrator) emit(ev Event) {
	o.mu.Lock()
	ids := make([]int, 0, len(o.listeners))
	for id := range o.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	ls := make([]Listener, 0, len(ids))
	for _, id := range ids {
		ls = append(ls, o.listeners[id])
	}
	o.mu.Unlock()

	for _, l := range ls {
		l(ev)
	}
}

func (o *Orchestrator) notifyStatus(ctx context.Context) {
	o.emit(Event{Kind: EventStatus, Status: o.Status(ctx)})
}

// Status returns the current snapshot. A store failure reports zero pending.
func (o *Orchestrator) Status(ctx context.Context) Status {
	pending, err := o.store.CountUnsynced(ctx)
	if err != nil {
		logging.Warn("count unsynced failed", map[string]interface{}{"error": err.Error()})
		pending = 0
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]int64, 0, len(o.syncing))
	for id := range o.syncing {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	st := Status{
		Syncing:      o.running.Load() || len(ids) > 0,
		SyncingIDs:   ids,
		PendingCount: pending,
	}
	if o.lastSyncAt != nil {
		t := *o.lastSyncAt
		st.LastSyncAt = &t
	}
	return st
}

// claim moves records into the syncing set, skipping any already in it.
func (o *Orchestrator) claim(records []*models.Occurrence) []*models.Occurrence {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*models.Occurrence, 0, len(records))
	for _, r := range records {
		if _, busy := o.syncing[r.ID]; busy {
			continue
		}
		o.syncing[r.ID] = struct{}{}
		out = append(out, r)
	}
	return out
}

// Notes on records a batch did not send.
const (
	noteAlreadySyncing = "already syncing"
	noteAlreadySynced  = "already synced"
	noteDeleted        = "deleted locally"
	noteUnreadable     = "not readable, will retry"
)

// refresh re-reads claimed records so a stale snapshot is never sent. A
// record that is gone, unreadable or already synced leaves the syncing set
// and is returned in skipped with the reason.
func (o *Orchestrator) refresh(ctx context.Context, claimed []*models.Occurrence) (live []*models.Occurrence, skipped map[int64]string) {
	live = make([]*models.Occurrence, 0, len(claimed))
	skipped = make(map[int64]string)
	for _, r := range claimed {
		cur, err := o.store.GetOccurrence(ctx, r.ID)
		switch {
		case errors.Is(err, errors.ErrNotFound):
			skipped[r.ID] = noteDeleted
		case err != nil:
			logging.Warn("claimed occurrence not readable", map[string]interface{}{"id": r.ID, "error": err.Error()})
			skipped[r.ID] = noteUnreadable
		case cur.Synced():
			skipped[r.ID] = noteAlreadySynced
		default:
			live = append(live, cur)
			continue
		}
		o.release(r.ID)
	}
	return live, skipped
}

func (o *Orchestrator) release(id int64) {
	o.mu.Lock()
	delete(o.syncing, id)
	o.mu.Unlock()
}

func (o *Orchestrator) markSyncTime() {
	t := o.now()
	o.mu.Lock()
	o.lastSyncAt = &t
	o.mu.Unlock()
}

// persist records one attempt's outcome and reports whether the record is
// now synced locally. Writes ignore ctx cancellation.
func (o *Orchestrator) persist(ctx context.Context, rec *models.Occurrence, r remote.Result) bool {
	pctx := context.WithoutCancel(ctx)

	if r.PhotosChanged(rec.Photos) {
		if err := o.store.ReplacePhotos(pctx, rec.ID, r.Photos); err != nil {
			logging.Warn("keeping unresolved photos", map[string]interface{}{"id": rec.ID, "error": err.Error()})
		}
	}

	switch {
	case r.Synced():
		if err := o.store.MarkSynced(pctx, rec.ID, r.RemoteID); err != nil {
			logging.Error("record synced remotely but local update failed", err, map[string]interface{}{"id": rec.ID})
			return false
		}
		o.noteDropped(pctx, rec.ID, r)
		return true
	case r.Deferred:
		o.noteDropped(pctx, rec.ID, r)
		return false
	default:
		reason := "unknown failure"
		if r.Err != nil {
			reason = r.Err.Error()
		}
		if note := r.DroppedNote(); note != "" {
			reason += "; " + note
		}
		if err := o.store.RecordFailure(pctx, rec.ID, reason); err != nil {
			logging.Warn("record failure not saved", map[string]interface{}{"id": rec.ID, "error": err.Error()})
		}
		return false
	}
}

// noteDropped keeps discarded photos visible in the record's last error.
func (o *Orchestrator) noteDropped(ctx context.Context, id int64, r remote.Result) {
	note := r.DroppedNote()
	if note == "" {
		return
	}
	if err := o.store.RecordFailure(ctx, id, note); err != nil {
		logging.Warn("dropped photo note not saved", map[string]interface{}{"id": id, "error": err.Error()})
	}
}

func (o *Orchestrator) listScope(ctx context.Context, scope Scope) ([]*models.Occurrence, error) {
	if scope != ScopeActiveRoute {
		return o.store.ListUnsynced(ctx)
	}
	sess := o.store.Session()
	if sess == nil {
		return nil, nil
	}
	routeID, ok := sess.ActiveRouteID()
	if !ok {
		return nil, nil
	}
	return o.store.ListUnsyncedForRoute(ctx, routeID)
}

// SyncPending runs one pass. Only one pass runs at a time; a concurrent
// call returns OutcomeSkipped immediately.
func (o *Orchestrator) SyncPending(ctx context.Context, scope Scope) Summary {
	sum := Summary{Scope: scope, StartedAt: o.now()}
	if !o.running.CompareAndSwap(false, true) {
		sum.Outcome = OutcomeSkipped
		sum.FinishedAt = sum.StartedAt
		return sum
	}
	released := false
	defer func() {
		if !released {
			o.running.Store(false)
		}
	}()

	sum = o.runPass(ctx, sum)
	sum.FinishedAt = o.now()

	logging.Info("sync pass finished", map[string]interface{}{
		"scope":     string(scope),
		"outcome":   string(sum.Outcome),
		"attempted": sum.Attempted,
		"synced":    sum.Synced,
		"failed":    sum.Failed,
	})

	released = true
	o.running.Store(false)
	o.emit(Event{Kind: EventCompleted, Status: o.Status(ctx), Summary: &sum})
	return sum
}

func (o *Orchestrator) runPass(ctx context.Context, sum Summary) Summary {
	if !o.isOnline() {
		sum.Outcome = OutcomeOffline
		return sum
	}

	records, err := o.listScope(ctx, sum.Scope)
	if err != nil {
		logging.ErrorWithCode("listing unsynced occurrences failed", string(errors.CodeOf(err)), err, nil)
		sum.Outcome = OutcomeFailed
		sum.Err = err
		return sum
	}
	records, _ = o.refresh(ctx, o.claim(records))
	if len(records) == 0 {
		sum.Outcome = OutcomeNothingToDo
		o.markSyncTime()
		return sum
	}
	o.notifyStatus(ctx)

	synced, failed := o.syncClaimed(ctx, records)
	o.markSyncTime()

	sum.Attempted = len(records)
	sum.Synced = synced
	sum.Failed = failed
	switch {
	case failed == 0:
		sum.Outcome = OutcomeAllSynced
	case synced == 0:
		sum.Outcome = OutcomeFailed
	default:
		sum.Outcome = OutcomePartial
	}
	return sum
}

// syncClaimed sends claimed records in order and persists each result as
// it arrives. Every record leaves the syncing set.
func (o *Orchestrator) syncClaimed(ctx context.Context, records []*models.Occurrence) (synced, failed int) {
	byID := make(map[int64]*models.Occurrence, len(records))
	for _, r := range records {
		byID[r.ID] = r
	}
	done := make(map[int64]bool, len(records))
	defer func() {
		for _, r := range records {
			if !done[r.ID] {
				o.release(r.ID)
			}
		}
	}()

	o.remote.SyncEach(ctx, records, func(res remote.Result) {
		rec, ok := byID[res.ID]
		if !ok {
			return
		}
		if o.persist(ctx, rec, res) {
			synced++
		} else {
			failed++
		}
		o.release(rec.ID)
		done[rec.ID] = true
		o.notifyStatus(ctx)
	})
	failed += len(records) - synced - failed
	return synced, failed
}

// SyncMultiple sends the given records and persists the results. Each
// record is re-read first; records already synced, deleted or being sent by
// another pass come back deferred with a note saying why.
func (o *Orchestrator) SyncMultiple(ctx context.Context, records []*models.Occurrence) remote.BatchResult {
	claimed, skipped := o.refresh(ctx, o.claim(records))
	if len(claimed) > 0 {
		o.notifyStatus(ctx)
	}

	byID := make(map[int64]remote.Result, len(claimed))
	if len(claimed) > 0 {
		recs := make(map[int64]*models.Occurrence, len(claimed))
		for _, r := range claimed {
			recs[r.ID] = r
		}
		func() {
			defer func() {
				for _, r := range claimed {
					o.release(r.ID)
				}
			}()
			o.remote.SyncEach(ctx, claimed, func(res remote.Result) {
				if rec, ok := recs[res.ID]; ok {
					o.persist(ctx, rec, res)
				}
				byID[res.ID] = res
			})
		}()
	}

	batch := remote.BatchResult{Results: make([]remote.Result, 0, len(records))}
	for _, r := range records {
		res, ok := byID[r.ID]
		if !ok {
			note, wasSkipped := skipped[r.ID]
			if !wasSkipped {
				note = noteAlreadySyncing
			}
			res = remote.Result{ID: r.ID, Success: true, Deferred: true, Note: note, Photos: r.Photos}
		}
		switch {
		case res.Deferred:
			batch.Deferred++
		case res.Success:
			batch.Successes++
		default:
			batch.Failures++
		}
		batch.Results = append(batch.Results, res)
	}
	o.notifyStatus(ctx)
	return batch
}

// SaveOccurrence writes rec locally and, when online, makes one immediate
// attempt to send it. Storage failures are returned; send failures leave
// the record pending for the next pass.
func (o *Orchestrator) SaveOccurrence(ctx context.Context, rec *models.Occurrence) (SaveResult, error) {
	id, err := o.store.AddOccurrence(ctx, rec)
	if err != nil {
		return SaveResult{}, err
	}
	res := SaveResult{ID: id, Message: remote.NoteOffline}
	defer o.notifyStatus(ctx)

	if !o.isOnline() {
		return res, nil
	}
	claimed := o.claim([]*models.Occurrence{{ID: id}})
	if len(claimed) == 0 {
		res.Message = "saved locally, sync in progress"
		return res, nil
	}
	live, skipped := o.refresh(ctx, claimed)
	if len(live) == 0 {
		if skipped[id] == noteAlreadySynced {
			res.Synced = true
			res.Message = "saved and synced"
		} else {
			res.Message = "saved locally, will sync later"
		}
		return res, nil
	}
	defer o.release(id)
	stored := live[0]

	// The send outlives the caller; the request timeout bounds it.
	r := o.remote.SyncOccurrence(context.WithoutCancel(ctx), stored)
	switch {
	case o.persist(ctx, stored, r):
		res.Synced = true
		res.Message = "saved and synced"
	case r.Deferred:
		res.Message = remote.NoteOffline
	default:
		res.Message = "saved locally, will retry: " + r.String()
	}
	return res, nil
}

// ManualSync is the user-triggered entry point. It probes the backend
// before starting so an unreachable server is reported immediately.
func (o *Orchestrator) ManualSync(ctx context.Context, scope Scope) Summary {
	if !o.isOnline() {
		now := o.now()
		return Summary{Outcome: OutcomeOffline, Scope: scope, StartedAt: now, FinishedAt: now}
	}
	if !o.remote.CheckConnection(ctx) {
		now := o.now()
		return Summary{
			Outcome:    OutcomeFailed,
			Scope:      scope,
			StartedAt:  now,
			FinishedAt: now,
			Err:        errors.New(errors.ErrNetworkTransport, "backend unreachable"),
		}
	}
	return o.SyncPending(ctx, scope)
}

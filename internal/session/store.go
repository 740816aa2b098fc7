package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dweam-team/world-arcade/internal/apperr"
	"github.com/dweam-team/world-arcade/internal/control"
	"github.com/dweam-team/world-arcade/internal/game"
	"github.com/dweam-team/world-arcade/internal/supervisor"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Worker is the per-session process handle. *supervisor.Supervisor
// satisfies it.
type Worker interface {
	Start(ctx context.Context) error
	GetSchema(ctx context.Context) (json.RawMessage, error)
	UpdateParams(ctx context.Context, params json.RawMessage) error
	HandleOffer(ctx context.Context, offer control.SessionDescription) (control.SessionDescription, error)
	Stop(ctx context.Context) bool
	Liveness(ctx context.Context) (control.LivenessReport, error)
	OnExit(fn func(supervisor.ExitInfo))
	Status() supervisor.Status
}

type WorkerFactory func(kind, variant string, log *logrus.Entry) Worker

// SupervisorFactory builds workers backed by real processes.
func SupervisorFactory(cfg supervisor.Config) WorkerFactory {
	return func(kind, variant string, log *logrus.Entry) Worker {
		return supervisor.New(cfg, kind, variant, log)
	}
}

type Options struct {
	Games      *game.Registry
	NewWorker  WorkerFactory
	Recorder   Recorder
	StaleAfter time.Duration
	Log        *logrus.Entry
	Now        func() time.Time
}

type entry struct {
	id        string
	kind      string
	variant   string
	worker    Worker
	createdAt time.Time
	log       *logrus.Entry

	heartbeat atomic.Int64
	phase     atomic.Int32
	cleanup   atomic.Bool
	closed    chan struct{}
}

func (e *entry) snapshot() SessionState {
	return SessionState{
		ID:            e.id,
		Kind:          e.kind,
		Variant:       e.variant,
		Phase:         Phase(e.phase.Load()),
		CreatedAt:     e.createdAt,
		LastHeartbeat: time.Unix(0, e.heartbeat.Load()),
	}
}

// Registry maps session ids to their workers. The map lock is never held
// across worker I/O.
type Registry struct {
	games      *game.Registry
	newWorker  WorkerFactory
	recorder   Recorder
	staleAfter time.Duration
	log        *logrus.Entry
	now        func() time.Time

	mu       sync.RWMutex
	sessions map[string]*entry
	shutdown bool
}

func NewRegistry(opts Options) *Registry {
	if opts.Games == nil {
		opts.Games = game.Default
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 5 * time.Second
	}
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		games:      opts.Games,
		newWorker:  opts.NewWorker,
		recorder:   opts.Recorder,
		staleAfter: opts.StaleAfter,
		log:        opts.Log,
		now:        opts.Now,
		sessions:   make(map[string]*entry),
	}
}

// Create registers a session for kind/variant. The worker is spawned lazily
// by the first request that needs it.
func (r *Registry) Create(ctx context.Context, kind, variant string) (SessionState, error) {
	if _, err := r.games.Lookup(kind, variant); err != nil {
		return SessionState{}, err
	}

	id := uuid.NewString()
	log := r.log.WithField("session_id", id)
	e := &entry{
		id:        id,
		kind:      kind,
		variant:   variant,
		worker:    r.newWorker(kind, variant, log),
		createdAt: r.now(),
		log:       log,
		closed:    make(chan struct{}),
	}
	e.heartbeat.Store(e.createdAt.UnixNano())
	e.phase.Store(int32(Starting))
	e.worker.OnExit(func(info supervisor.ExitInfo) {
		r.record(context.Background(), e, EventError, ReasonWorkerExited, fmt.Sprintf("exit code %d: %s", info.ExitCode, info.LastLine))
		r.Cleanup(context.Background(), id, ReasonWorkerExited)
	})

	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		return SessionState{}, apperr.New(apperr.CodeSessionClosed, "registry is shutting down")
	}
	r.sessions[id] = e
	r.mu.Unlock()

	log.WithFields(logrus.Fields{"kind": kind, "variant": variant}).Info("session created")
	r.record(ctx, e, EventCreated, "", "")
	return e.snapshot(), nil
}

func (r *Registry) lookup(id string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, apperr.WithMetadata(apperr.CodeSessionNotFound, "session not found", map[string]string{"session_id": id}, nil)
	}
	if e.cleanup.Load() {
		return nil, apperr.WithMetadata(apperr.CodeSessionClosed, "session is closing", map[string]string{"session_id": id}, nil)
	}
	return e, nil
}

// HandleOffer forwards a media offer to the session's worker. Any failure
// tears the session down.
func (r *Registry) HandleOffer(ctx context.Context, id string, offer control.SessionDescription) (control.SessionDescription, error) {
	e, err := r.lookup(id)
	if err != nil {
		return control.SessionDescription{}, err
	}
	answer, err := e.worker.HandleOffer(ctx, offer)
	if err != nil {
		e.log.WithError(err).Error("offer failed")
		r.record(ctx, e, EventError, ReasonOfferFailed, err.Error())
		r.Cleanup(ctx, id, ReasonOfferFailed)
		return control.SessionDescription{}, err
	}
	e.heartbeat.Store(r.now().UnixNano())
	if e.phase.CompareAndSwap(int32(Starting), int32(Active)) {
		r.record(ctx, e, EventActive, "", "")
	}
	return answer, nil
}

// UpdateParams forwards a parameter update. Validation and application
// errors leave the session running; transport failures tear it down.
func (r *Registry) UpdateParams(ctx context.Context, id string, params json.RawMessage) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	err = e.worker.UpdateParams(ctx, params)
	r.afterRequest(ctx, e, err)
	return err
}

func (r *Registry) GetParamsSchema(ctx context.Context, id string) (json.RawMessage, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	schema, err := e.worker.GetSchema(ctx)
	r.afterRequest(ctx, e, err)
	return schema, err
}

func (r *Registry) afterRequest(ctx context.Context, e *entry, err error) {
	if err == nil {
		return
	}
	code := apperr.CodeOf(err)
	switch code {
	case apperr.CodeProtocolFailed, apperr.CodeStartupFailed:
		e.log.WithError(err).Error("worker request failed")
		r.record(ctx, e, EventError, ReasonProtocolFailure, err.Error())
		r.Cleanup(ctx, e.id, ReasonProtocolFailure)
	case apperr.CodeSessionClosed:
	default:
		e.log.WithError(err).WithField("code", code).Info("worker rejected request")
	}
}

// SchemaFor queries a game's schema through a temporary worker that is
// stopped before returning.
func (r *Registry) SchemaFor(ctx context.Context, kind, variant string) (json.RawMessage, error) {
	if _, err := r.games.Lookup(kind, variant); err != nil {
		return nil, err
	}
	log := r.log.WithFields(logrus.Fields{"kind": kind, "variant": variant, "temporary": true})
	w := r.newWorker(kind, variant, log)
	defer w.Stop(context.WithoutCancel(ctx))
	return w.GetSchema(ctx)
}

// Heartbeat refreshes a session's liveness. It reports false, and has no
// effect, for unknown or closing sessions.
func (r *Registry) Heartbeat(id string) bool {
	r.mu.RLock()
	e, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok || e.cleanup.Load() {
		return false
	}
	e.heartbeat.Store(r.now().UnixNano())
	return true
}

func (r *Registry) Stop(ctx context.Context, id string) error {
	if _, err := r.lookup(id); err != nil {
		return err
	}
	r.Cleanup(ctx, id, ReasonClientStop)
	return nil
}

// Cleanup tears the session down and removes it. Concurrent callers for the
// same id run the teardown once; later callers wait for it to finish. It
// reports whether this call performed the teardown.
func (r *Registry) Cleanup(ctx context.Context, id, reason string) bool {
	r.mu.RLock()
	e, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		r.log.WithField("session_id", id).Debug("cleanup of unknown session")
		return false
	}
	if !e.cleanup.CompareAndSwap(false, true) {
		select {
		case <-e.closed:
		case <-ctx.Done():
		}
		return false
	}

	e.phase.Store(int32(CleaningUp))
	e.log.WithField("reason", reason).Info("cleaning up session")
	r.record(ctx, e, EventCleanup, reason, "")

	e.worker.Stop(ctx)

	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
	e.phase.Store(int32(Closed))
	close(e.closed)

	r.record(ctx, e, EventClosed, reason, "")
	e.log.WithField("reason", reason).Info("session closed")
	return true
}

// Stale lists sessions whose last heartbeat is older than the staleness
// threshold and which are not already being cleaned up.
func (r *Registry) Stale(now time.Time) []string {
	cutoff := now.Add(-r.staleAfter).UnixNano()
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, e := range r.sessions {
		if !e.cleanup.Load() && e.heartbeat.Load() < cutoff {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// livenessTimeout bounds how long Sweep waits for one worker's report.
const livenessTimeout = time.Second

// Sweep cleans up every stale session concurrently and returns their ids.
// Before reaping, each candidate's worker is asked for its media heartbeat;
// a recent one refreshes the session instead.
func (r *Registry) Sweep(ctx context.Context) []string {
	now := r.now()
	candidates := r.Stale(now)
	live := make([]bool, len(candidates))
	var wg sync.WaitGroup
	for i, id := range candidates {
		wg.Add(1)
		go func() {
			defer wg.Done()
			live[i] = r.refreshFromMedia(ctx, id, now)
		}()
	}
	wg.Wait()

	var ids []string
	for i, id := range candidates {
		if !live[i] {
			ids = append(ids, id)
		}
	}
	r.cleanupAll(ctx, ids, ReasonStale)
	return ids
}

// refreshFromMedia adopts the worker's media heartbeat when it is newer than
// the session's and reports whether the session is fresh again.
func (r *Registry) refreshFromMedia(ctx context.Context, id string, now time.Time) bool {
	r.mu.RLock()
	e, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok || e.cleanup.Load() {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, livenessTimeout)
	defer cancel()
	report, err := e.worker.Liveness(ctx)
	if err != nil {
		e.log.WithError(err).Debug("media liveness unavailable")
		return false
	}
	if report.MediaClosed || report.LastHeartbeat.IsZero() {
		return false
	}

	beat := report.LastHeartbeat.UnixNano()
	for {
		cur := e.heartbeat.Load()
		if beat <= cur || e.heartbeat.CompareAndSwap(cur, beat) {
			break
		}
	}
	return e.heartbeat.Load() >= now.Add(-r.staleAfter).UnixNano()
}

func (r *Registry) cleanupAll(ctx context.Context, ids []string, reason string) {
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Cleanup(ctx, id, reason)
		}()
	}
	wg.Wait()
}

func (r *Registry) Get(id string) (SessionState, bool) {
	r.mu.RLock()
	e, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return SessionState{}, false
	}
	st := e.snapshot()
	st.Worker = e.worker.Status()
	return st, true
}

// List returns a snapshot of every live session, oldest first.
func (r *Registry) List() []SessionState {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.sessions))
	for _, e := range r.sessions {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	result := make([]SessionState, 0, len(entries))
	for _, e := range entries {
		st := e.snapshot()
		st.Worker = e.worker.Status()
		result = append(result, st)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, e := range r.sessions {
		if !e.cleanup.Load() {
			count++
		}
	}
	return count
}

// Shutdown refuses new sessions and cleans up every live one.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.shutdown = true
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	r.cleanupAll(ctx, ids, ReasonShutdown)
	if err := ctx.Err(); err != nil {
		return apperr.Wrap(apperr.CodeUnknown, "shutdown incomplete", err)
	}
	return nil
}

func (r *Registry) record(ctx context.Context, e *entry, t EventType, reason, detail string) {
	if r.recorder == nil {
		return
	}
	ev := Event{
		Type:      t,
		SessionID: e.id,
		Kind:      e.kind,
		Variant:   e.variant,
		Reason:    reason,
		Detail:    detail,
		At:        r.now(),
	}
	if err := r.recorder.Record(context.WithoutCancel(ctx), ev); err != nil {
		e.log.WithError(err).Warn("record session event")
	}
}

package planmode

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound mirrors the canvas store's not-found sentinel for the
	// same shape of lookup-by-id failure.
	ErrNotFound = errors.New("planmode: not found")
	// ErrTerminal is returned when a mutation targets a plan already in a
	// terminal status.
	ErrTerminal = errors.New("planmode: plan is in a terminal status")
)

// Store persists plans. Memory and Cockroach-backed implementations mirror
// the canvas package's Store split — the interceptor only depends on this
// port, never on a concrete backend.
type Store interface {
	Create(ctx context.Context, plan *Plan) error
	Get(ctx context.Context, id string) (*Plan, error)
	GetActiveBySession(ctx context.Context, sessionID string) (*Plan, error)
	Update(ctx context.Context, plan *Plan) error
}

// MemoryStore is an in-memory Store, the default for tests and single-
// instance deployments.
type MemoryStore struct {
	mu    sync.RWMutex
	plans map[string]*Plan
}

// NewMemoryStore returns an empty in-memory plan store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{plans: make(map[string]*Plan)}
}

func (s *MemoryStore) Create(ctx context.Context, plan *Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if plan.ID == "" {
		plan.ID = uuid.NewString()
	}
	s.plans[plan.ID] = plan.clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.plans[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p.clone(), nil
}

func (s *MemoryStore) GetActiveBySession(ctx context.Context, sessionID string) (*Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.plans {
		if p.SessionID == sessionID && !p.Status.terminal() {
			return p.clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) Update(ctx context.Context, plan *Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.plans[plan.ID]; !ok {
		return ErrNotFound
	}
	s.plans[plan.ID] = plan.clone()
	return nil
}

// Registry owns Plan values and serializes state transitions per plan id,
// so the Turn Context (which only ever holds a plan id) can drive the
// state machine without racing a concurrent transition for the same plan.
type Registry struct {
	store Store

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
}

// NewRegistry wraps store with per-plan transition serialization.
func NewRegistry(store Store) *Registry {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Registry{store: store, locks: make(map[string]*sync.Mutex)}
}

func (r *Registry) lockFor(planID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[planID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[planID] = l
	}
	return l
}

// CreatePlan creates a new plan in COLLECTING for sessionID. Per the
// invariant of at most one active plan per session, callers must first
// ensure the session has no existing non-terminal plan (ActivePlan
// returning ErrNotFound).
func (r *Registry) CreatePlan(ctx context.Context, sessionID string) (*Plan, error) {
	now := time.Now()
	plan := &Plan{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Status:    StatusCollecting,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.store.Create(ctx, plan); err != nil {
		return nil, err
	}
	return plan, nil
}

// ActivePlan returns the session's current non-terminal plan, if any.
func (r *Registry) ActivePlan(ctx context.Context, sessionID string) (*Plan, error) {
	return r.store.GetActiveBySession(ctx, sessionID)
}

// Get returns a plan by id.
func (r *Registry) Get(ctx context.Context, id string) (*Plan, error) {
	return r.store.Get(ctx, id)
}

// SetContent persists markdown (and optional title) on the plan, moving
// COLLECTING -> READY or keeping READY -> READY (overwrite). Calling this
// on a plan in EXECUTING supersedes it and creates a successor in READY,
// atomically with respect to this plan id.
func (r *Registry) SetContent(ctx context.Context, planID, markdown, title string) (*Plan, error) {
	lock := r.lockFor(planID)
	lock.Lock()
	defer lock.Unlock()

	plan, err := r.store.Get(ctx, planID)
	if err != nil {
		return nil, err
	}
	return r.setContentLocked(ctx, plan, markdown, title)
}

// setContentLocked runs the COLLECTING/READY -> READY and EXECUTING ->
// SUPERSEDED+successor transitions. Callers must already hold plan's lock.
func (r *Registry) setContentLocked(ctx context.Context, plan *Plan, markdown, title string) (*Plan, error) {
	switch plan.Status {
	case StatusCollecting, StatusReady:
		plan.Markdown = markdown
		if title != "" {
			plan.Title = title
		}
		plan.Status = StatusReady
		plan.UpdatedAt = time.Now()
		if err := r.store.Update(ctx, plan); err != nil {
			return nil, err
		}
		return plan, nil

	case StatusExecuting:
		plan.Status = StatusSuperseded
		plan.UpdatedAt = time.Now()
		if err := r.store.Update(ctx, plan); err != nil {
			return nil, err
		}
		successor := &Plan{
			ID:            uuid.NewString(),
			SessionID:     plan.SessionID,
			Status:        StatusReady,
			Markdown:      markdown,
			Title:         title,
			ModelTier:     plan.ModelTier,
			PredecessorID: plan.ID,
			CreatedAt:     time.Now(),
			UpdatedAt:     time.Now(),
		}
		if title == "" {
			successor.Title = plan.Title
		}
		if err := r.store.Create(ctx, successor); err != nil {
			return nil, err
		}
		return successor, nil

	default:
		return nil, ErrTerminal
	}
}

// Finalize is the plan_finalize synonym: it reaches READY using the plan's
// existing markdown and title, without requiring a new plan_set_content
// call. It shares SetContent's transition rules (including the EXECUTING
// supersede-and-revise path), just holding content steady instead of
// replacing it.
func (r *Registry) Finalize(ctx context.Context, planID string) (*Plan, error) {
	lock := r.lockFor(planID)
	lock.Lock()
	defer lock.Unlock()

	plan, err := r.store.Get(ctx, planID)
	if err != nil {
		return nil, err
	}
	return r.setContentLocked(ctx, plan, plan.Markdown, plan.Title)
}

// Approve moves a READY plan to EXECUTING.
func (r *Registry) Approve(ctx context.Context, planID string) (*Plan, error) {
	lock := r.lockFor(planID)
	lock.Lock()
	defer lock.Unlock()

	plan, err := r.store.Get(ctx, planID)
	if err != nil {
		return nil, err
	}
	if plan.Status != StatusReady {
		return nil, ErrTerminal
	}
	plan.Status = StatusExecuting
	plan.UpdatedAt = time.Now()
	if err := r.store.Update(ctx, plan); err != nil {
		return nil, err
	}
	return plan, nil
}

// Cancel moves any non-terminal plan to CANCELLED (`plan off` / `reset`).
func (r *Registry) Cancel(ctx context.Context, planID string) (*Plan, error) {
	return r.terminalize(ctx, planID, StatusCancelled)
}

// Finish moves an EXECUTING plan to DONE.
func (r *Registry) Finish(ctx context.Context, planID string) (*Plan, error) {
	return r.terminalize(ctx, planID, StatusDone)
}

func (r *Registry) terminalize(ctx context.Context, planID string, status Status) (*Plan, error) {
	lock := r.lockFor(planID)
	lock.Lock()
	defer lock.Unlock()

	plan, err := r.store.Get(ctx, planID)
	if err != nil {
		return nil, err
	}
	if plan.Status.terminal() {
		return plan, nil
	}
	plan.Status = status
	plan.UpdatedAt = time.Now()
	if err := r.store.Update(ctx, plan); err != nil {
		return nil, err
	}
	return plan, nil
}

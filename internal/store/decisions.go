// Package store holds the client-side state of the Helmdesk dashboard: the
// authoritative pending-decision cache, connection state projections, agent
// status, and transient notifications. Every mutation is a single critical
// section, so REST-driven, realtime-driven, and user-driven changes never
// interleave mid-update. Changes arriving via push and via pull apply the
// same semantics, which is what keeps both paths convergent.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/helmdesk/helmdesk-sync/internal/api"
	"github.com/helmdesk/helmdesk-sync/internal/models"
	"github.com/helmdesk/helmdesk-sync/internal/pkg/metrics"
)

// DecisionAPI is the REST surface the store depends on.
type DecisionAPI interface {
	ListDecisions(ctx context.Context, opts api.ListOptions) (*api.DecisionPage, error)
	ResolveDecision(ctx context.Context, id string, payload map[string]any) (*api.ResolveResult, error)
	DeferDecision(ctx context.Context, id string, until time.Time, reason string) (*models.Decision, error)
	UndoDecision(ctx context.Context, id string) (*models.Decision, error)
}

// Filter selects which pending decisions Load fetches.
type Filter struct {
	Kind models.DecisionKind
}

// ResolveOutcome reports what a Resolve call achieved.
type ResolveOutcome struct {
	// AlreadyResolved means another actor completed the decision first.
	// The local removal stands; this is not a failure.
	AlreadyResolved  bool
	ChainedDecisions []models.Decision
	UndoActionID     string
	UndoExpiresAt    *time.Time
}

// Options configures a Store.
type Options struct {
	PageSize      int
	UndoTTL       time.Duration
	Notifications *NotificationQueue
	Logger        *slog.Logger
}

// Store is the authoritative client-side cache of pending decisions.
type Store struct {
	client   DecisionAPI
	log      *slog.Logger
	notifs   *NotificationQueue
	pageSize int

	mu         sync.Mutex
	decisions  []models.Decision
	filter     Filter
	total      int
	hasMore    bool
	loadGen    int
	loadCancel context.CancelFunc

	// undo holds at most one live undoable action per decision id. The LRU
	// TTL is a backstop GC; the authoritative expiry is each entry's
	// server-supplied ExpiresAt.
	undo *expirable.LRU[string, models.UndoableAction]

	obs *Value[[]models.Decision]
	now func() time.Time
}

// New constructs a Store around the given REST client.
func New(client DecisionAPI, opts Options) *Store {
	if opts.PageSize <= 0 {
		opts.PageSize = 50
	}
	if opts.UndoTTL <= 0 {
		opts.UndoTTL = time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Notifications == nil {
		opts.Notifications = NewNotificationQueue(20)
	}
	return &Store{
		client:   client,
		log:      opts.Logger,
		notifs:   opts.Notifications,
		pageSize: opts.PageSize,
		undo:     expirable.NewLRU[string, models.UndoableAction](128, nil, opts.UndoTTL),
		obs:      NewValue([]models.Decision(nil)),
		now:      time.Now,
	}
}

// Notifications exposes the transient alert queue shared with handlers.
func (s *Store) Notifications() *NotificationQueue { return s.notifs }

// Pending returns a copy of the current pending decision list.
func (s *Store) Pending() []models.Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Decision(nil), s.decisions...)
}

// Total returns the server-reported total for the current filter.
func (s *Store) Total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// HasMore reports whether another page is available.
func (s *Store) HasMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasMore
}

// Filter returns the filter of the most recent Load.
func (s *Store) Filter() Filter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filter
}

// Subscribe returns a channel receiving the pending list after every
// mutation, plus a cancel func.
func (s *Store) Subscribe() (<-chan []models.Decision, func()) {
	return s.obs.Subscribe()
}

// Load fetches the first page for filter, replacing local state. A Load
// issued while another is in flight cancels the older fetch; the newest
// filter wins and a late stale response never clobbers newer state.
func (s *Store) Load(ctx context.Context, filter Filter) error {
	s.mu.Lock()
	if s.loadCancel != nil {
		s.loadCancel()
	}
	loadCtx, cancel := context.WithCancel(ctx)
	s.loadCancel = cancel
	s.loadGen++
	gen := s.loadGen
	s.filter = filter
	limit := s.pageSize
	s.mu.Unlock()

	page, err := s.client.ListDecisions(loadCtx, api.ListOptions{Kind: filter.Kind, Limit: limit})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil // superseded by a newer Load
		}
		return fmt.Errorf("load decisions: %w", err)
	}

	s.mu.Lock()
	if gen != s.loadGen {
		s.mu.Unlock()
		return nil
	}
	s.decisions = s.decisions[:0]
	for _, d := range page.Decisions {
		if s.indexOf(d.ID) < 0 {
			s.decisions = append(s.decisions, d)
		}
	}
	s.total = page.Total
	s.hasMore = page.HasMore
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.publish(snap)
	return nil
}

// Refresh re-fetches the current filter. Used as the resync path after a
// sequence gap or reconnect, and by the polling fallback.
func (s *Store) Refresh(ctx context.Context) error {
	s.mu.Lock()
	filter := s.filter
	s.mu.Unlock()
	return s.Load(ctx, filter)
}

// LoadMore fetches the next page and appends it, deduplicating by id.
// Pages are not offset-stable against concurrent writes, so an item may
// appear in more than one page; first appearance wins.
func (s *Store) LoadMore(ctx context.Context) error {
	s.mu.Lock()
	gen := s.loadGen
	filter := s.filter
	offset := len(s.decisions)
	limit := s.pageSize
	s.mu.Unlock()

	page, err := s.client.ListDecisions(ctx, api.ListOptions{Kind: filter.Kind, Limit: limit, Offset: offset})
	if err != nil {
		return fmt.Errorf("load more decisions: %w", err)
	}

	s.mu.Lock()
	if gen != s.loadGen {
		s.mu.Unlock()
		return nil // a full reload replaced the list while we were fetching
	}
	for _, d := range page.Decisions {
		if s.indexOf(d.ID) < 0 {
			s.decisions = append(s.decisions, d)
		}
	}
	s.total = page.Total
	s.hasMore = page.HasMore
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.publish(snap)
	return nil
}

// Resolve optimistically removes the decision from the pending view, then
// submits the resolution. On success, server-returned chained decisions are
// merged into the slot the resolved decision occupied. On failure the
// removal is rolled back, except for an already-resolved conflict, where
// the removal reflects true server state and stands.
func (s *Store) Resolve(ctx context.Context, id string, payload map[string]any) (*ResolveOutcome, error) {
	s.mu.Lock()
	idx := s.indexOf(id)
	if idx < 0 {
		s.mu.Unlock()
		return nil, fmt.Errorf("decision %s is not pending", id)
	}
	removed := s.decisions[idx]
	prevID := ""
	if idx > 0 {
		prevID = s.decisions[idx-1].ID
	}
	s.decisions = append(s.decisions[:idx], s.decisions[idx+1:]...)
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.publish(snap)

	res, err := s.client.ResolveDecision(ctx, id, payload)
	if err != nil {
		if api.IsConflict(err) {
			// Another actor already completed it. Re-adding the decision
			// would contradict server state, so the removal stands.
			metrics.ResolutionsTotal.WithLabelValues("conflict").Inc()
			s.notifs.Push("decision_conflict", fmt.Sprintf("decision %q was already resolved elsewhere", removed.Subject.Title))
			return &ResolveOutcome{AlreadyResolved: true}, nil
		}
		s.mu.Lock()
		if s.indexOf(id) < 0 {
			pos := idx
			if pos > len(s.decisions) {
				pos = len(s.decisions)
			}
			s.decisions = append(s.decisions[:pos], append([]models.Decision{removed}, s.decisions[pos:]...)...)
		}
		snap = s.snapshotLocked()
		s.mu.Unlock()
		s.publish(snap)
		metrics.ResolutionsTotal.WithLabelValues("rolled_back").Inc()
		return nil, fmt.Errorf("resolve decision %s: %w", id, err)
	}

	outcome := &ResolveOutcome{
		ChainedDecisions: res.ChainedDecisions,
		UndoActionID:     res.UndoActionID,
		UndoExpiresAt:    res.UndoExpiresAt,
	}
	s.mu.Lock()
	anchor := prevID
	for _, chained := range res.ChainedDecisions {
		s.insertAfterLocked(anchor, chained)
		anchor = chained.ID
	}
	s.mu.Unlock()
	if res.UndoAvailable && res.UndoActionID != "" && res.UndoExpiresAt != nil {
		s.registerUndo(models.UndoableAction{
			ActionID:   res.UndoActionID,
			DecisionID: id,
			ExpiresAt:  *res.UndoExpiresAt,
		})
	}
	s.publish(s.Pending())
	metrics.ResolutionsTotal.WithLabelValues("success").Inc()
	return outcome, nil
}

// Defer asks the server to resurface the decision later. No optimistic
// removal: the server is authoritative for defer-count limits, so the
// decision only leaves the pending view once the server accepts.
func (s *Store) Defer(ctx context.Context, id string, until time.Time, reason string) (*models.Decision, error) {
	deferred, err := s.client.DeferDecision(ctx, id, until, reason)
	if err != nil {
		return nil, fmt.Errorf("defer decision %s: %w", id, err)
	}
	s.mu.Lock()
	if idx := s.indexOf(id); idx >= 0 {
		s.decisions = append(s.decisions[:idx], s.decisions[idx+1:]...)
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.publish(snap)
	return deferred, nil
}

// Undo reverts a recent resolution while its undo window is open. On
// success the decision is pending again.
func (s *Store) Undo(ctx context.Context, id string) (*models.Decision, error) {
	act, ok := s.UndoFor(id)
	if !ok {
		return nil, &api.APIError{Code: api.ErrCodeUndoExpired, Message: "undo window expired"}
	}
	restored, err := s.client.UndoDecision(ctx, id)
	if err != nil {
		if api.ErrorCode(err) == api.ErrCodeUndoExpired {
			s.undo.Remove(id)
		}
		return nil, fmt.Errorf("undo decision %s: %w", id, err)
	}
	s.undo.Remove(id)
	s.log.Info("undid resolution", "decision_id", id, "action_id", act.ActionID)
	s.AddDecision(*restored)
	return restored, nil
}

// UndoFor returns the live undoable action for a decision, if any.
func (s *Store) UndoFor(id string) (models.UndoableAction, bool) {
	act, ok := s.undo.Get(id)
	if !ok {
		return models.UndoableAction{}, false
	}
	if act.Expired(s.now()) {
		s.undo.Remove(id)
		return models.UndoableAction{}, false
	}
	return act, true
}

// Event is the normalized form of a decisions-channel message, applied by
// realtime handlers through HandleEvent.
type Event struct {
	Type          string
	DecisionID    string
	Decision      *models.Decision
	UndoActionID  string
	UndoExpiresAt *time.Time
}

// HandleEvent applies one realtime event with the same semantics as the
// REST paths: creation inserts, resolution removes, resurfacing re-inserts.
// Applying an event twice, or after the equivalent REST response, is a
// no-op.
func (s *Store) HandleEvent(ev Event) {
	switch ev.Type {
	case models.EventDecisionCreated, models.EventDecisionResurfaced:
		if ev.Decision == nil {
			s.log.Warn("decision event without payload", "type", ev.Type, "decision_id", ev.DecisionID)
			return
		}
		s.AddDecision(*ev.Decision)
	case models.EventDecisionResolved:
		s.RemoveDecision(ev.DecisionID)
	case models.EventUndoAvailable:
		if ev.UndoActionID == "" || ev.UndoExpiresAt == nil {
			s.log.Warn("undo_available event missing action metadata", "decision_id", ev.DecisionID)
			return
		}
		s.registerUndo(models.UndoableAction{
			ActionID:   ev.UndoActionID,
			DecisionID: ev.DecisionID,
			ExpiresAt:  *ev.UndoExpiresAt,
		})
	default:
		s.log.Debug("ignoring unknown decision event", "type", ev.Type)
	}
}

// AddDecision prepends a decision. If the id is already present the
// existing entry is replaced in place, preserving the no-duplicate-id
// invariant.
func (s *Store) AddDecision(d models.Decision) {
	s.mu.Lock()
	if idx := s.indexOf(d.ID); idx >= 0 {
		s.decisions[idx] = d
	} else {
		s.decisions = append([]models.Decision{d}, s.decisions...)
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.publish(snap)
}

// UpdateDecision applies update to the decision with the given id; no-op
// if absent. The callback must not change the id.
func (s *Store) UpdateDecision(id string, update func(*models.Decision)) {
	s.mu.Lock()
	idx := s.indexOf(id)
	if idx < 0 {
		s.mu.Unlock()
		return
	}
	update(&s.decisions[idx])
	s.decisions[idx].ID = id
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.publish(snap)
}

// RemoveDecision removes by id; unknown ids are a no-op.
func (s *Store) RemoveDecision(id string) {
	s.mu.Lock()
	idx := s.indexOf(id)
	if idx < 0 {
		s.mu.Unlock()
		return
	}
	s.decisions = append(s.decisions[:idx], s.decisions[idx+1:]...)
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.publish(snap)
}

// InsertAfter inserts d immediately after the element with id parentID,
// falling back to prepend when the parent is no longer in the retained
// window.
func (s *Store) InsertAfter(parentID string, d models.Decision) {
	s.mu.Lock()
	s.insertAfterLocked(parentID, d)
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.publish(snap)
}

func (s *Store) insertAfterLocked(parentID string, d models.Decision) {
	if idx := s.indexOf(d.ID); idx >= 0 {
		s.decisions[idx] = d
		return
	}
	pos := 0
	if parentID != "" {
		if parentIdx := s.indexOf(parentID); parentIdx >= 0 {
			pos = parentIdx + 1
		}
	}
	s.decisions = append(s.decisions[:pos], append([]models.Decision{d}, s.decisions[pos:]...)...)
}

func (s *Store) registerUndo(act models.UndoableAction) {
	if act.Expired(s.now()) {
		return
	}
	s.undo.Add(act.DecisionID, act)
}

func (s *Store) indexOf(id string) int {
	for i := range s.decisions {
		if s.decisions[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) snapshotLocked() []models.Decision {
	return append([]models.Decision(nil), s.decisions...)
}

func (s *Store) publish(snap []models.Decision) {
	metrics.DecisionsPending.Set(float64(len(snap)))
	s.obs.Set(snap)
}

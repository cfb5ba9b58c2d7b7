package collab

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"bidroom.org/internal/ids"
	"bidroom.org/internal/obs"
)

const (
	defaultLockTTL         = 5 * time.Minute
	defaultLivenessTimeout = 90 * time.Second
	defaultSweepInterval   = 30 * time.Second
)

// Store is the external persistence collaborator. SetField returns the
// previous value so mutation events can carry it. The coordinator calls it
// only while the actor provably holds the resource's lock; transactions and
// retries are the implementation's concern.
type Store interface {
	SetField(ctx context.Context, caseNo, field, value string) (old string, err error)
}

// Broadcaster fans an event out to every member of the session except the
// originating actor. Delivery is best-effort and must never block.
type Broadcaster interface {
	Publish(sessionID string, ev Event)
}

// Coordinator is the single entry point for collaborative sessions: presence,
// advisory locks, and mutation fan-out. Sessions are created on first Join
// and torn down when the last member leaves and no locks remain. The sessions
// map has its own lock; each session serializes its state independently.
type Coordinator struct {
	store Store
	bcast Broadcaster

	lockTTL       time.Duration
	liveness      time.Duration
	sweepInterval time.Duration
	renewOnMutate bool
	now           func() time.Time

	mu       sync.RWMutex
	sessions map[string]*session
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLockTTL overrides the advisory lock time-to-live (default 5 minutes).
func WithLockTTL(ttl time.Duration) Option {
	return func(c *Coordinator) {
		if ttl > 0 {
			c.lockTTL = ttl
		}
	}
}

// WithLivenessTimeout overrides how long a participant may go without a
// heartbeat before the sweep evicts it (default 90 seconds).
func WithLivenessTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.liveness = d
		}
	}
}

// WithSweepInterval overrides the periodic maintenance interval used by Run
// (default 30 seconds).
func WithSweepInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.sweepInterval = d
		}
	}
}

// WithRenewOnMutate extends a lock's TTL on every successful Mutate. Off by
// default: a lock silently lapses at TTL even while its holder is editing,
// which forces periodic re-confirmation of exclusivity.
func WithRenewOnMutate(renew bool) Option {
	return func(c *Coordinator) {
		c.renewOnMutate = renew
	}
}

// WithClock substitutes the time source. Tests use this to drive expiry.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// New constructs a Coordinator over the given persistence store and broadcaster.
func New(store Store, bcast Broadcaster, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:         store,
		bcast:         bcast,
		lockTTL:       defaultLockTTL,
		liveness:      defaultLivenessTimeout,
		sweepInterval: defaultSweepInterval,
		now:           func() time.Time { return time.Now().UTC() },
		sessions:      make(map[string]*session),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// LockTTL returns the configured advisory lock time-to-live.
func (c *Coordinator) LockTTL() time.Duration { return c.lockTTL }

// lookup returns the live session or nil.
func (c *Coordinator) lookup(sessionID string) *session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessions[sessionID]
}

// getOrCreate returns the session, creating it on first join.
func (c *Coordinator) getOrCreate(sessionID string) *session {
	if s := c.lookup(sessionID); s != nil {
		return s
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessions[sessionID]; ok {
		return s
	}
	s := newSession(sessionID)
	c.sessions[sessionID] = s
	obs.SessionsActive.Inc()
	return s
}

// reap discards the session once it has no members and no locks. A later
// Join recreates it with fresh state; nothing carries over. The dead flag is
// set in the same s.mu hold as the registry delete, so a Join that resolved
// this session before the delete observes the flag and retries instead of
// attaching to an unregistered session.
func (c *Coordinator) reap(s *session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	current, ok := c.sessions[s.id]
	if !ok || current != s {
		return
	}
	s.mu.Lock()
	if s.empty() {
		s.dead = true
		delete(c.sessions, s.id)
		obs.SessionsActive.Dec()
	}
	s.mu.Unlock()
}

// Join attaches a participant to the session, creating the session on first
// join. Re-joining with the same participant id refreshes the heartbeat
// instead of duplicating. A member_joined event is emitted only for new
// members. When the participant id is empty one is generated.
func (c *Coordinator) Join(sessionID string, p Participant) (Snapshot, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return Snapshot{}, fmt.Errorf("%w: session id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(p.ID) == "" {
		p.ID = uuid.NewString()
	}
	now := c.now()

	var (
		snap   Snapshot
		joined bool
		ev     Event
	)
	for {
		s := c.getOrCreate(sessionID)
		s.mu.Lock()
		if s.dead {
			// Lost a race with the last member's teardown; the registry no
			// longer holds this session. Resolve a fresh one.
			s.mu.Unlock()
			continue
		}
		joined = s.addMember(p, now)
		snap = snapshot(s, now)
		if joined {
			ev = s.stamp(Event{
				Type:      EventMemberJoined,
				SessionID: sessionID,
				Actor:     p.ID,
				Timestamp: now,
			})
		}
		s.mu.Unlock()
		break
	}

	if joined {
		c.publish(ev)
	}
	return snap, nil
}

// Heartbeat records a liveness signal. Unknown participants get ErrNotFound
// and must re-Join.
func (c *Coordinator) Heartbeat(sessionID, participantID string) error {
	now := c.now()
	s := c.lookup(sessionID)
	if s == nil {
		return fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.members[participantID]
	if !ok {
		return fmt.Errorf("%w: participant %s", ErrNotFound, participantID)
	}
	p.LastHeartbeat = now
	return nil
}

// SetViewing records which resource the participant is looking at. Purely
// informational; no exclusivity is implied.
func (c *Coordinator) SetViewing(sessionID, participantID, resourceID string) error {
	s := c.lookup(sessionID)
	if s == nil {
		return fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.members[participantID]
	if !ok {
		return fmt.Errorf("%w: participant %s", ErrNotFound, participantID)
	}
	p.Viewing = resourceID
	return nil
}

// Leave detaches a participant. Always succeeds; leaving twice is a no-op.
// Locks held by the departing participant are force-released, one
// lock_released event per resource, before member_left is announced.
func (c *Coordinator) Leave(sessionID, participantID string) {
	now := c.now()
	s := c.lookup(sessionID)
	if s == nil {
		return
	}

	s.mu.Lock()
	removed, released := s.removeMember(participantID, now)
	var events []Event
	if removed {
		for _, l := range released {
			events = append(events, s.stamp(Event{
				Type:       EventLockReleased,
				SessionID:  sessionID,
				ResourceID: l.ResourceID,
				Actor:      participantID,
				Timestamp:  now,
			}))
		}
		events = append(events, s.stamp(Event{
			Type:      EventMemberLeft,
			SessionID: sessionID,
			Actor:     participantID,
			Timestamp: now,
		}))
	}
	s.mu.Unlock()

	if !removed {
		return
	}
	for _, ev := range events {
		c.publish(ev)
	}
	c.reap(s)
}

// Members lists current session members in insertion order.
func (c *Coordinator) Members(sessionID string) (Snapshot, error) {
	now := c.now()
	s := c.lookup(sessionID)
	if s == nil {
		return Snapshot{}, fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return snapshot(s, now), nil
}

// IsMember reports whether the participant is currently attached.
func (c *Coordinator) IsMember(sessionID, participantID string) bool {
	s := c.lookup(sessionID)
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.members[participantID]
	return ok
}

// TryAcquire attempts to take the advisory lock on the resource. It succeeds
// iff no live lock exists; a lapsed lock is overwritten and its implicit
// release announced first. A refusal is an expected outcome, not an error:
// no queuing, no blocking.
func (c *Coordinator) TryAcquire(sessionID, resourceID, participantID string) (Lock, bool, error) {
	now := c.now()
	s := c.lookup(sessionID)
	if s == nil {
		return Lock{}, false, fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}

	s.mu.Lock()
	if _, ok := s.members[participantID]; !ok {
		s.mu.Unlock()
		return Lock{}, false, fmt.Errorf("%w: participant %s", ErrNotFound, participantID)
	}
	lock, lapsed, acquired, already := s.tryAcquire(resourceID, participantID, c.lockTTL, now)
	var events []Event
	if acquired && !already {
		if lapsed != nil {
			events = append(events, s.stamp(Event{
				Type:       EventLockReleased,
				SessionID:  sessionID,
				ResourceID: lapsed.ResourceID,
				Actor:      lapsed.Holder,
				Timestamp:  now,
			}))
		}
		events = append(events, s.stamp(Event{
			Type:       EventLockGranted,
			SessionID:  sessionID,
			ResourceID: resourceID,
			Actor:      participantID,
			Timestamp:  now,
		}))
	}
	s.mu.Unlock()

	if !acquired {
		obs.LockConflictsTotal.Inc()
		return Lock{}, false, nil
	}
	for _, ev := range events {
		c.publish(ev)
	}
	return lock, true, nil
}

// Release gives the lock back. Only the live holder succeeds; anyone else
// gets false and the lock is left untouched.
func (c *Coordinator) Release(sessionID, resourceID, participantID string) (bool, error) {
	now := c.now()
	s := c.lookup(sessionID)
	if s == nil {
		return false, fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}

	s.mu.Lock()
	_, released := s.release(resourceID, participantID, now)
	var ev Event
	if released {
		ev = s.stamp(Event{
			Type:       EventLockReleased,
			SessionID:  sessionID,
			ResourceID: resourceID,
			Actor:      participantID,
			Timestamp:  now,
		})
	}
	s.mu.Unlock()

	if !released {
		return false, nil
	}
	c.publish(ev)
	c.reap(s)
	return true, nil
}

// Mutate changes one field of a property record. It fails with ErrLockNotHeld
// unless the participant holds the resource's lock, persists through the
// store, and only then broadcasts the mutation, so the durable write and the
// announcement stay causally ordered. A persistence failure is returned
// unchanged and nothing is broadcast.
func (c *Coordinator) Mutate(ctx context.Context, sessionID, resourceID, participantID, field, newValue string) (Event, error) {
	if strings.TrimSpace(field) == "" {
		return Event{}, fmt.Errorf("%w: field is required", ErrInvalidInput)
	}
	now := c.now()
	s := c.lookup(sessionID)
	if s == nil {
		return Event{}, fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}

	s.mu.Lock()
	if _, ok := s.members[participantID]; !ok {
		s.mu.Unlock()
		return Event{}, fmt.Errorf("%w: participant %s", ErrNotFound, participantID)
	}
	var renew time.Duration
	if c.renewOnMutate {
		renew = c.lockTTL
	}
	held := s.holdsLock(resourceID, participantID, now, renew)
	s.mu.Unlock()

	if !held {
		return Event{}, ErrLockNotHeld
	}

	// The only true I/O suspension point: after the ownership check, before
	// the broadcast.
	old, err := c.store.SetField(ctx, resourceID, field, newValue)
	if err != nil {
		return Event{}, err
	}

	ev := Event{
		ID:         ids.New(),
		Type:       EventMutation,
		SessionID:  sessionID,
		ResourceID: resourceID,
		Actor:      participantID,
		Field:      field,
		OldValue:   old,
		NewValue:   newValue,
		Timestamp:  c.now(),
	}
	s.mu.Lock()
	ev = s.stamp(ev)
	s.mu.Unlock()
	c.publish(ev)
	return ev, nil
}

// Tick runs one round of periodic maintenance: participants whose heartbeat
// lapsed are treated as if they called Leave (their locks force-released),
// and lapsed locks are reclaimed with a lock_released announcement so other
// viewers do not show a stale "locked" state indefinitely.
func (c *Coordinator) Tick(now time.Time) {
	c.mu.RLock()
	sessions := make([]*session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.RUnlock()

	for _, s := range sessions {
		s.mu.Lock()
		evicted, released := s.sweep(now, c.liveness)
		events := make([]Event, 0, len(released)+len(evicted))
		for _, l := range released {
			events = append(events, s.stamp(Event{
				Type:       EventLockReleased,
				SessionID:  s.id,
				ResourceID: l.ResourceID,
				Actor:      l.Holder,
				Timestamp:  now,
			}))
		}
		for _, p := range evicted {
			events = append(events, s.stamp(Event{
				Type:      EventMemberLeft,
				SessionID: s.id,
				Actor:     p.ID,
				Timestamp: now,
			}))
		}
		s.mu.Unlock()

		for _, ev := range events {
			c.publish(ev)
		}
		c.reap(s)
	}
}

// Run drives Tick on the configured sweep interval until ctx ends.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Tick(c.now())
		}
	}
}

// snapshot builds the membership view. Caller holds s.mu.
func snapshot(s *session, now time.Time) Snapshot {
	return Snapshot{
		SessionID: s.id,
		Members:   s.memberList(),
		Locks:     s.lockList(now),
		AsOf:      now,
	}
}

func (c *Coordinator) publish(ev Event) {
	if c.bcast == nil {
		return
	}
	if ev.ID == "" {
		ev.ID = ids.New()
	}
	c.bcast.Publish(ev.SessionID, ev)
	obs.EventsPublishedTotal.WithLabelValues(string(ev.Type)).Inc()
}

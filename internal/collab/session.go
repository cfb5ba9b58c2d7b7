package collab

import (
	"sync"
	"time"

	"bidroom.org/internal/obs"
)

// session holds the mutable state of one shared working context. Fields are
// guarded by mu; different sessions are fully independent and never contend.
// The coordinator releases mu before publishing any event.
type session struct {
	id string

	mu      sync.Mutex
	dead    bool
	seq     uint64
	members map[string]*Participant
	order   []string
	locks   map[string]*Lock
}

func newSession(id string) *session {
	return &session{
		id:      id,
		members: make(map[string]*Participant),
		locks:   make(map[string]*Lock),
	}
}

// empty reports whether the session can be torn down. Caller holds mu.
func (s *session) empty() bool {
	return len(s.members) == 0 && len(s.locks) == 0
}

// stamp assigns the next per-session sequence number to the event. Stamping
// happens inside the same critical section as the state change the event
// describes, so consumers can order events even though publication happens
// after mu is released. Caller holds mu.
func (s *session) stamp(ev Event) Event {
	s.seq++
	ev.Seq = s.seq
	return ev
}

// memberList returns members in insertion order. Caller holds mu.
func (s *session) memberList() []Participant {
	out := make([]Participant, 0, len(s.order))
	for _, id := range s.order {
		if p, ok := s.members[id]; ok {
			out = append(out, *p)
		}
	}
	return out
}

// lockList returns live locks. Expired entries are skipped, not removed;
// removal happens lazily in tryAcquire or on sweep. Caller holds mu.
func (s *session) lockList(now time.Time) []Lock {
	out := make([]Lock, 0, len(s.locks))
	for _, l := range s.locks {
		if !l.Expired(now) {
			out = append(out, *l)
		}
	}
	return out
}

// addMember inserts or refreshes a participant. Returns true when the
// participant was not previously present. Caller holds mu.
func (s *session) addMember(p Participant, now time.Time) bool {
	if existing, ok := s.members[p.ID]; ok {
		existing.LastHeartbeat = now
		if p.Name != "" {
			existing.Name = p.Name
		}
		if p.Role != "" {
			existing.Role = p.Role
		}
		if p.Viewing != "" {
			existing.Viewing = p.Viewing
		}
		return false
	}
	p.JoinedAt = now
	p.LastHeartbeat = now
	s.members[p.ID] = &p
	s.order = append(s.order, p.ID)
	obs.MembersActive.Inc()
	return true
}

// removeMember evicts a participant and force-releases every lock it held.
// Caller holds mu.
func (s *session) removeMember(participantID string, now time.Time) (removed bool, released []Lock) {
	if _, ok := s.members[participantID]; !ok {
		return false, nil
	}
	delete(s.members, participantID)
	for i, id := range s.order {
		if id == participantID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	obs.MembersActive.Dec()
	return true, s.forceReleaseAll(participantID)
}

// forceReleaseAll releases every lock the participant holds in this session.
// This is the only path by which a lock is released on behalf of its holder.
// Caller holds mu.
func (s *session) forceReleaseAll(participantID string) []Lock {
	var released []Lock
	for resource, l := range s.locks {
		if l.Holder != participantID {
			continue
		}
		released = append(released, *l)
		delete(s.locks, resource)
		obs.LocksHeld.Dec()
	}
	return released
}

// tryAcquire grants the lock iff no live lock exists. A lapsed lock is
// overwritten and its final value returned in lapsed so the caller can
// announce the implicit release. Re-acquiring a lock already held succeeds
// without extending the TTL; already is set so no event is re-emitted.
// Caller holds mu.
func (s *session) tryAcquire(resourceID, participantID string, ttl time.Duration, now time.Time) (lock Lock, lapsed *Lock, ok, already bool) {
	if existing, found := s.locks[resourceID]; found {
		if !existing.Expired(now) {
			if existing.Holder == participantID {
				return *existing, nil, true, true
			}
			return Lock{}, nil, false, false
		}
		old := *existing
		lapsed = &old
		obs.LocksHeld.Dec()
	}
	l := &Lock{
		ResourceID: resourceID,
		Holder:     participantID,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	s.locks[resourceID] = l
	obs.LocksHeld.Inc()
	return *l, lapsed, true, false
}

// release removes the lock iff the caller is the live holder. A non-holder
// release is a no-op, not an error. Caller holds mu.
func (s *session) release(resourceID, participantID string, now time.Time) (Lock, bool) {
	l, ok := s.locks[resourceID]
	if !ok || l.Expired(now) || l.Holder != participantID {
		return Lock{}, false
	}
	out := *l
	delete(s.locks, resourceID)
	obs.LocksHeld.Dec()
	return out, true
}

// holdsLock reports whether the participant holds a live lock on the resource,
// optionally extending its TTL (renew-on-activity policy). Caller holds mu.
func (s *session) holdsLock(resourceID, participantID string, now time.Time, renewTTL time.Duration) bool {
	l, ok := s.locks[resourceID]
	if !ok || l.Expired(now) || l.Holder != participantID {
		return false
	}
	if renewTTL > 0 {
		l.ExpiresAt = now.Add(renewTTL)
	}
	return true
}

// sweep drops participants whose heartbeat lapsed and locks whose TTL lapsed.
// Locks held by an evicted participant are force-released as well.
// Caller holds mu.
func (s *session) sweep(now time.Time, liveness time.Duration) (evicted []Participant, released []Lock) {
	for _, id := range append([]string(nil), s.order...) {
		p, ok := s.members[id]
		if !ok {
			continue
		}
		if now.Sub(p.LastHeartbeat) > liveness {
			evicted = append(evicted, *p)
			if _, rel := s.removeMember(id, now); len(rel) > 0 {
				released = append(released, rel...)
			}
		}
	}
	for resource, l := range s.locks {
		if l.Expired(now) {
			released = append(released, *l)
			delete(s.locks, resource)
			obs.LocksHeld.Dec()
		}
	}
	return evicted, released
}

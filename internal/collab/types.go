package collab

import "time"

// Participant is a connected client attached to one session. Name and Role are
// display metadata passed through to other viewers; the coordinator does not
// interpret them.
type Participant struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Role          string    `json:"role"`
	Viewing       string    `json:"viewing,omitempty"`
	JoinedAt      time.Time `json:"joined_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Lock is an advisory, time-bounded exclusivity marker on one case number
// within one session. An expired lock is logically absent.
type Lock struct {
	ResourceID string    `json:"resource_id"`
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the lock has lapsed at the given instant.
func (l Lock) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// EventType enumerates the events fanned out to session members.
type EventType string

const (
	EventMemberJoined EventType = "member_joined"
	EventMemberLeft   EventType = "member_left"
	EventLockGranted  EventType = "lock_granted"
	EventLockReleased EventType = "lock_released"
	EventMutation     EventType = "mutation"
)

// Event is a fact delivered to session members: a presence change, a lock
// transition, or a field mutation. Events are transient; durable history is
// the persistence collaborator's concern.
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	SessionID  string    `json:"session_id"`
	ResourceID string    `json:"resource_id,omitempty"`
	Actor      string    `json:"actor"`
	Field      string    `json:"field,omitempty"`
	OldValue   string    `json:"old_value,omitempty"`
	NewValue   string    `json:"new_value,omitempty"`
	// Seq orders events within one session: assigned together with the state
	// change itself, so a lock handover always sequences the release before
	// the next grant regardless of delivery interleaving.
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
}

// Snapshot is the membership view returned by Join and Members, ordered by
// insertion so presence UIs do not jitter on heartbeat refresh.
type Snapshot struct {
	SessionID string        `json:"session_id"`
	Members   []Participant `json:"members"`
	Locks     []Lock        `json:"locks"`
	AsOf      time.Time     `json:"as_of"`
}

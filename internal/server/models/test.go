package models

import "time"

// Countdown is a remaining-time triple [hours, minutes, seconds].
type Countdown [3]int

// Tick decrements the countdown by one second with carry-borrow across
// seconds, minutes and hours. Ticking a zero countdown is a no-op, so a
// session at zero is force-ended exactly once.
func (c Countdown) Tick() Countdown {
	switch {
	case c[2] != 0:
		c[2]--
	case c[1] != 0:
		c[1]--
		c[2] = 59
	case c[0] != 0:
		c[0]--
		c[1] = 59
		c[2] = 59
	}
	return c
}

// IsZero reports whether no time remains.
func (c Countdown) IsZero() bool {
	return c[0] == 0 && c[1] == 0 && c[2] == 0
}

// QueueEntry tracks one examinee's position in a test's lifecycle.
type QueueEntry struct {
	ExamineeID       string    `json:"examinee_id"`
	Remaining        Countdown `json:"remaining"`
	IdentityVerified bool      `json:"identity_verified"`
}

// Queues are the three disjoint examinee queues of a running test. An
// examinee id appears in at most one queue at any instant; the queues are
// persisted as a single document so membership transitions commit
// atomically.
type Queues struct {
	NotVerified []QueueEntry `json:"not_verified"`
	Active      []QueueEntry `json:"active"`
	Inactive    []QueueEntry `json:"inactive"`
}

// Find returns the entry for the examinee and the queue holding it.
// The second result is one of "not_verified", "active", "inactive" or ""
// when the examinee is in no queue.
func (q *Queues) Find(examineeID string) (*QueueEntry, string) {
	for i := range q.NotVerified {
		if q.NotVerified[i].ExamineeID == examineeID {
			return &q.NotVerified[i], QueueNotVerified
		}
	}
	for i := range q.Active {
		if q.Active[i].ExamineeID == examineeID {
			return &q.Active[i], QueueActive
		}
	}
	for i := range q.Inactive {
		if q.Inactive[i].ExamineeID == examineeID {
			return &q.Inactive[i], QueueInactive
		}
	}
	return nil, ""
}

const (
	QueueNotVerified = "not_verified"
	QueueActive      = "active"
	QueueInactive    = "inactive"
)

// Remove deletes the examinee's entry from whichever queue holds it and
// returns the removed entry.
func (q *Queues) Remove(examineeID string) (QueueEntry, bool) {
	lists := []*[]QueueEntry{&q.NotVerified, &q.Active, &q.Inactive}
	for _, list := range lists {
		for i, e := range *list {
			if e.ExamineeID == examineeID {
				*list = append((*list)[:i], (*list)[i+1:]...)
				return e, true
			}
		}
	}
	return QueueEntry{}, false
}

// Test is one scheduled examination owned by a moderator.
type Test struct {
	ID          string
	ModeratorID string
	Name        string
	Mode        string
	// ExamineeIDs is the full invitation list, independent of queue state.
	ExamineeIDs []string
	// Duration is the configured per-examinee time budget.
	Duration Countdown

	StartAt time.Time
	EndAt   time.Time
	Started bool
	Ended   bool

	// EncryptedPaper is the compiled paper sealed under SealedKey, which is
	// itself sealed under the master key (two-level envelope).
	EncryptedPaper []byte
	SealedKey      []byte

	Queues Queues

	CreatedAt time.Time
}

package containment

import "time"

// episode is the derived view of an item's actions since its last release
// or expiry.
type episode struct {
	rows []Action

	persistence *Action // row whose capture is currently in effect
	network     *Action

	expiresAt   time.Time
	fullAttempt bool
	state       State
}

func (e *episode) persistenceInEffect() bool { return e.persistence != nil }

func (e *episode) networkInEffect() bool { return e.network != nil }

func (e *episode) anyInEffect() bool { return e.persistence != nil || e.network != nil }

// deriveEpisode replays actions, which must be in append order.
func deriveEpisode(actions []Action, now time.Time) *episode {
	start := 0
	for i, a := range actions {
		if a.Status == StatusReleased || a.Status == StatusExpired {
			start = i + 1
		}
	}
	e := &episode{rows: actions[start:]}

	for i := range e.rows {
		a := &e.rows[i]
		if a.PersistenceApplied {
			e.persistence = a
		}
		if a.PersistenceReverted {
			e.persistence = nil
		}
		if a.NetworkApplied {
			e.network = a
		}
		if a.NetworkReverted {
			e.network = nil
		}
		if !a.ExpiresAt.IsZero() {
			e.expiresAt = a.ExpiresAt
		}
		if a.Type == ActionFull {
			e.fullAttempt = true
		}
	}

	switch {
	case !e.anyInEffect():
		e.expiresAt = time.Time{}
		if n := len(e.rows); n > 0 && e.rows[n-1].Status == StatusFailed {
			e.state = StateFailed
		} else {
			e.state = StateUncontained
		}
	case !e.expiresAt.IsZero() && !now.Before(e.expiresAt):
		e.state = StateExpired
	case e.fullAttempt && !(e.persistenceInEffect() && e.networkInEffect()):
		e.state = StatePartial
	default:
		e.state = StateActive
	}
	return e
}

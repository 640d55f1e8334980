package presence

import "time"

const (
	// StaleThreshold is how old a position may grow before it is flagged as
	// potentially disconnected while sharing is still active.
	StaleThreshold = 5 * time.Minute
	// GracePeriod is how long an expired share keeps showing its last known
	// position before the marker is suppressed.
	GracePeriod = time.Hour
)

// Freshness classifies how a location marker should be presented.
type Freshness int

const (
	// Fresh means an update arrived recently and sharing is active.
	Fresh Freshness = iota
	// Stale means sharing is active but no recent update has arrived.
	Stale
	// ExpiredGracePeriod means sharing ended; the last position is still
	// shown as a courtesy, bounded by GracePeriod.
	ExpiredGracePeriod
	// Hidden means the marker must be suppressed entirely.
	Hidden
)

func (f Freshness) String() string {
	switch f {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	case ExpiredGracePeriod:
		return "expired_grace_period"
	case Hidden:
		return "hidden"
	default:
		return "unknown"
	}
}

// Classify derives the freshness of a marker from its capture time, optional
// share expiry, and the current wall clock. It is pure: no state is kept and
// the same inputs always produce the same result. Callers re-invoke it on a
// fixed period so markers age forward even when no new data arrives.
//
// A nil expiresAt means the share never expires.
func Classify(capturedAt time.Time, expiresAt *time.Time, now time.Time) Freshness {
	expired := expiresAt != nil && expiresAt.Before(now)

	switch {
	case expired && now.After(expiresAt.Add(GracePeriod)):
		return Hidden
	case expired:
		return ExpiredGracePeriod
	case now.Sub(capturedAt) > StaleThreshold:
		return Stale
	default:
		return Fresh
	}
}

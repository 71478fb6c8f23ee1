package access

import "time"

// Remaining returns max(0, MaxSeats-UsedSeats).
func Remaining(g Grant) int {
	r := g.MaxSeats - g.UsedSeats
	if r < 0 {
		return 0
	}
	return r
}

// Expired reports whether the grant's expiry instant has been reached.
// Grants without an expiry never expire.
func Expired(g Grant, now time.Time) bool {
	if g.ExpiresAt == nil {
		return false
	}
	return !now.Before(*g.ExpiresAt)
}

// CanPlay reports whether the grant currently permits starting a level.
func CanPlay(g Grant, now time.Time) bool {
	return Gate(g, now) == nil
}

// Gate explains why play is not permitted, or returns nil when it is.
func Gate(g Grant, now time.Time) error {
	switch {
	case g.PackageType == PackagePhysical:
		return newPackageTypeForbidden()
	case Expired(g, now):
		return newExpired()
	case Remaining(g) <= 0:
		return newSeatsExhausted(SeatReasonAllSeatsUsed)
	}
	return nil
}

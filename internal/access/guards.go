package access

import "time"

// Candidate is a recognized code awaiting guard evaluation.
type Candidate struct {
	Grant       Grant
	OwnSeatUsed bool
	Reason      string
	Now         time.Time
}

// Guard rejects a candidate with a classified error, or returns nil to pass.
type Guard struct {
	Name  string
	Check func(c Candidate) *Error
}

var (
	expiredGuard = Guard{
		Name: "expired",
		Check: func(c Candidate) *Error {
			if Expired(c.Grant, c.Now) || c.Reason == ReasonExpired {
				return newExpired()
			}
			return nil
		},
	}

	ownSeatGuard = Guard{
		Name: "own_seat_used",
		Check: func(c Candidate) *Error {
			if (c.OwnSeatUsed || c.Reason == ReasonAlreadyPlayed) && Remaining(c.Grant) > 0 {
				return newSeatsExhausted(SeatReasonOwnSeatUsed)
			}
			return nil
		},
	}

	exhaustedGuard = Guard{
		Name: "all_seats_used",
		Check: func(c Candidate) *Error {
			if Remaining(c.Grant) <= 0 || c.Reason == ReasonSeatsFull {
				return newSeatsExhausted(SeatReasonAllSeatsUsed)
			}
			return nil
		},
	}

	physicalGuard = Guard{
		Name: "physical_package",
		Check: func(c Candidate) *Error {
			if c.Grant.PackageType == PackagePhysical {
				return newPackageTypeForbidden()
			}
			return nil
		},
	}
)

// TrialGuards are evaluated top to bottom for recognized trial codes.
func TrialGuards() []Guard {
	return []Guard{expiredGuard, ownSeatGuard, exhaustedGuard}
}

// PurchaseGuards are evaluated top to bottom for recognized purchase codes.
func PurchaseGuards() []Guard {
	return []Guard{physicalGuard, expiredGuard, ownSeatGuard, exhaustedGuard}
}

// GuardsFor returns the ordered guard list for a grant kind.
func GuardsFor(kind Kind) []Guard {
	if kind == KindPurchase {
		return PurchaseGuards()
	}
	return TrialGuards()
}

// Evaluate runs guards in order and returns the first rejection.
func Evaluate(guards []Guard, c Candidate) (string, *Error) {
	for _, g := range guards {
		if err := g.Check(c); err != nil {
			return g.Name, err
		}
	}
	return "", nil
}

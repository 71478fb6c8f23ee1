package access

import (
	"strings"
	"time"
)

// Kind identifies which resolver issued a grant.
type Kind string

const (
	KindTrial    Kind = "trial"
	KindPurchase Kind = "purchase"
)

// PackageType describes how a purchased package is delivered.
type PackageType string

const (
	PackageDigital         PackageType = "digital"
	PackageDigitalPhysical PackageType = "digital_physical"
	PackagePhysical        PackageType = "physical"
	PackageStandard        PackageType = "standard"
)

// Audience tags a restricted (demo) grant.
type Audience string

const (
	AudienceNone Audience = ""
	AudienceB2C  Audience = "B2C"
	AudienceB2B  Audience = "B2B"
	AudienceB2E  Audience = "B2E"
)

// Valid reports whether a is empty or one of the known restricted audiences.
func (a Audience) Valid() bool {
	switch a {
	case AudienceNone, AudienceB2C, AudienceB2B, AudienceB2E:
		return true
	}
	return false
}

// ParseAudience normalizes an audience tag. Unknown tags yield AudienceNone and false.
func ParseAudience(s string) (Audience, bool) {
	a := Audience(strings.ToUpper(strings.TrimSpace(s)))
	if !a.Valid() {
		return AudienceNone, false
	}
	return a, true
}

// Grant is the server-issued snapshot describing what a session may play.
// Seat counts are only ever replaced by newer server snapshots.
type Grant struct {
	Kind        Kind        `json:"kind"`
	GrantID     string      `json:"grant_id"`
	Code        string      `json:"code"`
	MaxSeats    int         `json:"max_seats"`
	UsedSeats   int         `json:"used_seats"`
	ExpiresAt   *time.Time  `json:"expires_at,omitempty"`
	PackageType PackageType `json:"package_type"`
	ProductRef  string      `json:"product_ref,omitempty"`
	PackageRef  string      `json:"package_ref,omitempty"`
	Audience    Audience    `json:"audience,omitempty"`
}

// Remaining returns the seats left on the grant, never negative.
func (g Grant) Remaining() int {
	return Remaining(g)
}

// Restricted reports whether the grant carries a demo audience tag.
func (g Grant) Restricted() bool {
	return g.Audience != AudienceNone
}

// ContentRef returns the reference used to fetch playable content.
func (g Grant) ContentRef() string {
	primary, fallback := g.ProductRef, g.PackageRef
	if g.Kind == KindPurchase {
		primary, fallback = g.PackageRef, g.ProductRef
	}
	if primary != "" {
		return primary
	}
	return fallback
}

// NormalizeCode trims and upper-cases a user-entered code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

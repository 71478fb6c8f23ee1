package access

// Flow selects the level unlock policy for a grant.
type Flow string

const (
	FlowUnrestricted Flow = "unrestricted"
	FlowSequential   Flow = "sequential"
)

// MaxLevel is the number of content levels.
const MaxLevel = 3

// AudienceClass is the single answer to "is this a demo grant".
type AudienceClass struct {
	Flow     Flow
	Audience Audience
}

// ClassifyAudience returns Unrestricted for untagged grants and
// Sequential(audience) for restricted ones.
func ClassifyAudience(g Grant) AudienceClass {
	if !g.Restricted() {
		return AudienceClass{Flow: FlowUnrestricted}
	}
	return AudienceClass{Flow: FlowSequential, Audience: g.Audience}
}

// Sequential reports whether levels unlock one after another.
func (c AudienceClass) Sequential() bool {
	return c.Flow == FlowSequential
}

// FinalLevel is the last level a sequential audience must complete before
// a seat is consumed. Unrestricted grants return 0.
func (c AudienceClass) FinalLevel() int {
	switch c.Audience {
	case AudienceB2C:
		return 1
	case AudienceB2B, AudienceB2E:
		return MaxLevel
	}
	return 0
}

// VisibleLevels is the highest level shown to this audience.
func (c AudienceClass) VisibleLevels() int {
	if c.Audience == AudienceB2C {
		return 1
	}
	return MaxLevel
}

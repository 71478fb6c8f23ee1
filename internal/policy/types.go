package policy

import "github.com/goodtune/playgate/internal/access"

// Reasons a level is not selectable.
const (
	ReasonHidden      = "hidden"
	ReasonLocked      = "locked"
	ReasonUnavailable = "unavailable"
)

// LevelOption is one level as offered to the player.
type LevelOption struct {
	Level      int    `json:"level"`
	Visible    bool   `json:"visible"`
	Selectable bool   `json:"selectable"`
	Reason     string `json:"reason,omitempty"`
}

// Facts are what the unlock policy needs to know about a session.
type Facts struct {
	Class     access.AudienceClass
	Completed []int
	Available []int
}

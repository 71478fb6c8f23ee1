package session

import (
	"slices"

	"github.com/goodtune/playgate/internal/access"
	"github.com/google/uuid"
)

// Phase is the level progression state of a session.
type Phase string

const (
	PhaseLanding     Phase = "landing"
	PhaseLevelSelect Phase = "level_select"
	PhaseLoading     Phase = "loading"
	PhasePlaying     Phase = "playing"
	PhaseSummary     Phase = "summary"
)

// State is one browser tab's play session. Transitions return a new State
// and never modify the receiver.
type State struct {
	ID          string
	Generation  int64
	Verified    bool
	Code        string
	Grant       *access.Grant
	PendingCode string // remembered from an earlier load, offered but never trusted
	ResumeLevel int

	Phase     Phase
	Level     int
	AttemptID string

	CompletedLevels []int
}

// NewID returns a time-ordered session or attempt identifier.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// New returns an empty, unverified session.
func New(id string) State {
	return State{ID: id, Phase: PhaseLanding}
}

func (s State) clone() State {
	out := s
	if s.Grant != nil {
		g := *s.Grant
		out.Grant = &g
	}
	out.CompletedLevels = slices.Clone(s.CompletedLevels)
	return out
}

// Bump starts a new generation. Responses tagged with an older generation
// are discarded.
func (s State) Bump() State {
	out := s.clone()
	out.Generation++
	return out
}

// Verify marks the session verified with a server grant snapshot.
// Completed levels are kept only when the same code is verified again.
func (s State) Verify(g access.Grant) State {
	out := s.clone()
	if out.Code != g.Code && out.PendingCode != g.Code {
		out.CompletedLevels = nil
	}
	out.Verified = true
	out.Code = g.Code
	out.Grant = &g
	out.PendingCode = ""
	out.Phase = PhaseLanding
	out.Level = 0
	out.AttemptID = ""
	return out
}

// Cancel clears verification, the cached grant and any level in progress.
func (s State) Cancel() State {
	return State{
		ID:          s.ID,
		Generation:  s.Generation + 1,
		ResumeLevel: s.ResumeLevel,
		Phase:       PhaseLanding,
	}
}

// WithGrant replaces the cached grant with a newer server snapshot.
func (s State) WithGrant(g access.Grant) State {
	out := s.clone()
	if g.Code == "" && out.Grant != nil {
		g.Code = out.Grant.Code
	}
	if g.Kind == "" && out.Grant != nil {
		g.Kind = out.Grant.Kind
	}
	out.Grant = &g
	return out
}

// WithPhase moves the session to phase p.
func (s State) WithPhase(p Phase) State {
	out := s.clone()
	out.Phase = p
	return out
}

// Loading enters the Loading phase for level with a fresh attempt id.
func (s State) Loading(level int) State {
	out := s.clone()
	out.Phase = PhaseLoading
	out.Level = level
	out.AttemptID = NewID()
	return out
}

// ToLevelSelect returns to level selection, dropping any level in progress.
func (s State) ToLevelSelect() State {
	out := s.clone()
	out.Phase = PhaseLevelSelect
	out.Level = 0
	out.AttemptID = ""
	return out
}

// WithCompleted adds level to the completed set.
func (s State) WithCompleted(level int) State {
	out := s.clone()
	if !slices.Contains(out.CompletedLevels, level) {
		out.CompletedLevels = append(out.CompletedLevels, level)
		slices.Sort(out.CompletedLevels)
	}
	return out
}

// HasCompleted reports whether level is in the completed set.
func (s State) HasCompleted(level int) bool {
	return slices.Contains(s.CompletedLevels, level)
}

// ConsumeResume returns the pending deep-link level and clears it.
func (s State) ConsumeResume() (State, int) {
	out := s.clone()
	level := out.ResumeLevel
	out.ResumeLevel = 0
	return out, level
}

// Class returns the audience class of the cached grant.
func (s State) Class() access.AudienceClass {
	if s.Grant == nil {
		return access.AudienceClass{Flow: access.FlowUnrestricted}
	}
	return access.ClassifyAudience(*s.Grant)
}

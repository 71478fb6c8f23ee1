package api

import (
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goodtune/playgate/internal/access"
	"github.com/goodtune/playgate/internal/policy"
	"github.com/goodtune/playgate/internal/quiz"
	"github.com/goodtune/playgate/internal/scoring"
	"github.com/goodtune/playgate/internal/session"
)

var validate = validator.New()

// OpenRequest starts or reloads a play session.
type OpenRequest struct {
	SessionID   string `json:"session_id,omitempty" validate:"omitempty,uuid"`
	ResumeLevel int    `json:"resume_level,omitempty" validate:"min=0,max=3"`
}

func (r OpenRequest) Validate() error {
	return validate.Struct(r)
}

// VerifyRequest submits a trial or purchase code.
type VerifyRequest struct {
	Code   string `json:"code" validate:"required,max=64"`
	UserID string `json:"user_id,omitempty" validate:"omitempty,max=128"`
}

func (r VerifyRequest) Validate() error {
	return validate.Struct(r)
}

// AnswerRequest selects an answer for the question on screen.
type AnswerRequest struct {
	QuestionID string `json:"question_id,omitempty" validate:"omitempty,max=128"`
	AnswerID   string `json:"answer_id" validate:"required,max=128"`
}

func (r AnswerRequest) Validate() error {
	return validate.Struct(r)
}

// ValidationError describes one rejected request field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error     string            `json:"error"`
	Kind      string            `json:"kind,omitempty"`
	SubReason string            `json:"sub_reason,omitempty"`
	Message   string            `json:"message"`
	NextStep  string            `json:"next_step,omitempty"`
	Retryable bool              `json:"retryable"`
	Code      int               `json:"code"`
	Fields    []ValidationError `json:"fields,omitempty"`
}

// GrantResponse is the grant snapshot shown to the player.
type GrantResponse struct {
	Kind        access.Kind        `json:"kind"`
	GrantID     string             `json:"grant_id"`
	MaxSeats    int                `json:"max_seats"`
	UsedSeats   int                `json:"used_seats"`
	Remaining   int                `json:"remaining"`
	ExpiresAt   *time.Time         `json:"expires_at,omitempty"`
	PackageType access.PackageType `json:"package_type,omitempty"`
	Audience    access.Audience    `json:"audience,omitempty"`
	Flow        access.Flow        `json:"flow"`
}

// SessionResponse is the player-visible session state.
type SessionResponse struct {
	SessionID       string         `json:"session_id"`
	Verified        bool           `json:"verified"`
	Phase           session.Phase  `json:"phase"`
	Level           int            `json:"level,omitempty"`
	AttemptID       string         `json:"attempt_id,omitempty"`
	PendingCode     string         `json:"pending_code,omitempty"`
	ResumeLevel     int            `json:"resume_level,omitempty"`
	CompletedLevels []int          `json:"completed_levels,omitempty"`
	Grant           *GrantResponse `json:"grant,omitempty"`
}

// OpenResponse carries the session and the token bound to it.
type OpenResponse struct {
	Session   SessionResponse `json:"session"`
	Token     string          `json:"token"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// LevelResponse is one entry on the level selection screen.
type LevelResponse struct {
	Level      int    `json:"level"`
	Selectable bool   `json:"selectable"`
	Reason     string `json:"reason,omitempty"`
}

// VerifyResponse is returned after a code is accepted.
type VerifyResponse struct {
	Session   SessionResponse `json:"session"`
	Levels    []LevelResponse `json:"levels"`
	Preselect int             `json:"preselect,omitempty"`
}

// AnswerOption is an answer as shown before it is chosen.
type AnswerOption struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// RecordResponse is the feedback for a resolved question.
type RecordResponse struct {
	QuestionID     string `json:"question_id"`
	SelectedAnswer string `json:"selected_answer,omitempty"`
	CorrectAnswer  string `json:"correct_answer"`
	IsCorrect      bool   `json:"is_correct"`
	Points         int    `json:"points"`
	MaxPoints      int    `json:"max_points"`
	TimeExpired    bool   `json:"time_expired"`
}

// QuestionResponse is the question on screen.
type QuestionResponse struct {
	Stage            quiz.Stage      `json:"stage"`
	Index            int             `json:"index"`
	Total            int             `json:"total"`
	QuestionID       string          `json:"question_id,omitempty"`
	CardTitle        string          `json:"card_title,omitempty"`
	Text             string          `json:"text,omitempty"`
	Answers          []AnswerOption  `json:"answers,omitempty"`
	SecondsRemaining int             `json:"seconds_remaining"`
	Feedback         *RecordResponse `json:"feedback,omitempty"`
}

// StartResponse is returned when a level begins.
type StartResponse struct {
	Session  SessionResponse  `json:"session"`
	Question QuestionResponse `json:"question"`
}

// SummaryResponse is a finished level.
type SummaryResponse struct {
	Session  SessionResponse       `json:"session"`
	Progress scoring.LevelProgress `json:"progress"`
	Report   string                `json:"report"`
}

// NextResponse is the question that follows, or the summary after the last.
type NextResponse struct {
	Done     bool              `json:"done"`
	Question *QuestionResponse `json:"question,omitempty"`
	Summary  *SummaryResponse  `json:"summary,omitempty"`
}

func newSessionResponse(st session.State) SessionResponse {
	resp := SessionResponse{
		SessionID:       st.ID,
		Verified:        st.Verified,
		Phase:           st.Phase,
		Level:           st.Level,
		AttemptID:       st.AttemptID,
		PendingCode:     st.PendingCode,
		ResumeLevel:     st.ResumeLevel,
		CompletedLevels: st.CompletedLevels,
	}

	if st.Verified && st.Grant != nil {
		g := *st.Grant
		resp.Grant = &GrantResponse{
			Kind:        g.Kind,
			GrantID:     g.GrantID,
			MaxSeats:    g.MaxSeats,
			UsedSeats:   g.UsedSeats,
			Remaining:   g.Remaining(),
			ExpiresAt:   g.ExpiresAt,
			PackageType: g.PackageType,
			Audience:    g.Audience,
			Flow:        st.Class().Flow,
		}
	}

	return resp
}

func newLevelResponses(options []policy.LevelOption) []LevelResponse {
	out := make([]LevelResponse, 0, len(options))
	for _, opt := range options {
		out = append(out, LevelResponse{
			Level:      opt.Level,
			Selectable: opt.Selectable,
			Reason:     opt.Reason,
		})
	}
	return out
}

func newRecordResponse(rec quiz.Record) *RecordResponse {
	return &RecordResponse{
		QuestionID:     rec.QuestionID,
		SelectedAnswer: rec.SelectedAnswer,
		CorrectAnswer:  rec.CorrectAnswer,
		IsCorrect:      rec.IsCorrect,
		Points:         rec.Points,
		MaxPoints:      rec.MaxPoints,
		TimeExpired:    rec.TimeExpired,
	}
}

func newQuestionResponse(snap quiz.Snapshot) QuestionResponse {
	resp := QuestionResponse{
		Stage:            snap.Stage,
		Index:            snap.Index,
		Total:            snap.Total,
		SecondsRemaining: int(snap.Remaining.Round(time.Second) / time.Second),
	}

	if snap.Stage == quiz.StageQuestion || snap.Stage == quiz.StageFeedback {
		q := snap.Question
		resp.QuestionID = q.ID
		resp.CardTitle = q.CardTitle
		resp.Text = q.Text
		for _, a := range q.Answers {
			resp.Answers = append(resp.Answers, AnswerOption{ID: a.ID, Text: a.Text})
		}
	}
	if snap.Last != nil {
		resp.Feedback = newRecordResponse(*snap.Last)
	}

	return resp
}

// formatValidationErrors turns validator failures into field messages.
func formatValidationErrors(err error) []ValidationError {
	var out []ValidationError

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return out
	}

	for _, fe := range verrs {
		var message string
		switch fe.Tag() {
		case "required":
			message = fe.Field() + " is required"
		case "max":
			message = fe.Field() + " must be at most " + fe.Param()
		case "min":
			message = fe.Field() + " must be at least " + fe.Param()
		case "uuid":
			message = fe.Field() + " must be a UUID"
		default:
			message = fe.Field() + " is invalid"
		}
		out = append(out, ValidationError{Field: fe.Field(), Message: message})
	}

	return out
}

package quiz

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goodtune/playgate/internal/access"
)

// DefaultAnswerWindow is the time allowed per question.
const DefaultAnswerWindow = 180 * time.Second

var (
	ErrNoQuestions     = errors.New("quiz: level has no questions")
	ErrNotStarted      = errors.New("quiz: round not started")
	ErrNotAnswering    = errors.New("quiz: question is locked")
	ErrAwaitingAnswer  = errors.New("quiz: current question has not been answered")
	ErrRoundFinished   = errors.New("quiz: round finished")
	ErrUnknownQuestion = errors.New("quiz: not the current question")
	ErrUnknownAnswer   = errors.New("quiz: unknown answer")
)

// Stage is where the round is within the current question.
type Stage string

const (
	StageIdle     Stage = "idle"
	StageQuestion Stage = "question" // countdown running, input open
	StageFeedback Stage = "feedback" // answered or expired, input locked
	StageDone     Stage = "done"
)

// Snapshot describes the round for display.
type Snapshot struct {
	Stage     Stage
	Index     int
	Total     int
	Question  Question
	Remaining time.Duration
	Last      *Record
}

// Round drives a level's questions one at a time with a countdown per
// question. It is safe for use by the countdown goroutine and one caller.
type Round struct {
	mu        sync.Mutex
	questions []Question
	window    time.Duration
	sched     Scheduler
	clock     access.Clock

	index    int
	stage    Stage
	timer    Timer
	token    uint64
	deadline time.Time
	records  []Record

	onExpire func(Record)
}

// NewRound creates a round over questions. A zero window uses
// DefaultAnswerWindow.
func NewRound(questions []Question, window time.Duration, sched Scheduler, clock access.Clock) (*Round, error) {
	if len(questions) == 0 {
		return nil, ErrNoQuestions
	}
	if window <= 0 {
		window = DefaultAnswerWindow
	}
	if sched == nil {
		sched = RealScheduler{}
	}
	if clock == nil {
		clock = access.RealClock{}
	}

	return &Round{
		questions: questions,
		window:    window,
		sched:     sched,
		clock:     clock,
		stage:     StageIdle,
	}, nil
}

// OnExpire registers a callback run after a countdown resolves a question.
func (r *Round) OnExpire(f func(Record)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onExpire = f
}

// Begin shows the first question.
func (r *Round) Begin() (Question, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stage != StageIdle {
		return Question{}, fmt.Errorf("quiz: round already begun")
	}

	r.index = 0
	r.present()
	return r.questions[r.index], nil
}

// Answer records the selection for the current question and locks it.
func (r *Round) Answer(questionID, answerID string) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.stage {
	case StageIdle:
		return Record{}, ErrNotStarted
	case StageDone:
		return Record{}, ErrRoundFinished
	case StageFeedback:
		return Record{}, ErrNotAnswering
	}

	q := r.questions[r.index]
	if questionID != "" && questionID != q.ID {
		return Record{}, ErrUnknownQuestion
	}
	a, ok := q.answer(answerID)
	if !ok {
		return Record{}, ErrUnknownAnswer
	}

	r.cancel()
	rec := newRecord(q, &a, r.clock.Now())
	r.records = append(r.records, rec)
	r.stage = StageFeedback

	return rec, nil
}

// Next advances past a resolved question. done is true after the last one.
func (r *Round) Next() (q Question, done bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.stage {
	case StageIdle:
		return Question{}, false, ErrNotStarted
	case StageDone:
		return Question{}, true, nil
	case StageQuestion:
		return Question{}, false, ErrAwaitingAnswer
	}

	if r.index+1 >= len(r.questions) {
		r.cancel()
		r.stage = StageDone
		return Question{}, true, nil
	}

	r.index++
	r.present()
	return r.questions[r.index], false, nil
}

// Leave abandons the round. Unanswered questions produce no record.
func (r *Round) Leave() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.cancel()
	r.stage = StageDone
}

// Snapshot returns the current position and time left.
func (r *Round) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := Snapshot{
		Stage: r.stage,
		Index: r.index,
		Total: len(r.questions),
	}
	if r.stage == StageQuestion || r.stage == StageFeedback {
		snap.Question = r.questions[r.index]
	}
	if r.stage == StageQuestion {
		snap.Remaining = max(r.deadline.Sub(r.clock.Now()), 0)
	}
	if n := len(r.records); n > 0 && r.stage == StageFeedback {
		last := r.records[n-1]
		snap.Last = &last
	}
	return snap
}

// Records returns the answer history in order.
func (r *Round) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Record, len(r.records))
	copy(out, r.records)
	return out
}

// Questions returns the level's question set.
func (r *Round) Questions() []Question {
	return r.questions
}

// Done reports whether the round has finished or been left.
func (r *Round) Done() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stage == StageDone
}

// present starts the countdown for the current question. Caller holds mu.
func (r *Round) present() {
	r.cancel()
	r.stage = StageQuestion
	r.deadline = r.clock.Now().Add(r.window)

	token := r.token
	r.timer = r.sched.AfterFunc(r.window, func() { r.expire(token) })
}

// cancel is the single cancellation point for the countdown. Caller holds mu.
func (r *Round) cancel() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.token++
}

func (r *Round) expire(token uint64) {
	r.mu.Lock()

	if token != r.token || r.stage != StageQuestion {
		r.mu.Unlock()
		return
	}

	r.timer = nil
	r.token++
	rec := newRecord(r.questions[r.index], nil, r.clock.Now())
	r.records = append(r.records, rec)
	r.stage = StageFeedback
	onExpire := r.onExpire

	r.mu.Unlock()

	if onExpire != nil {
		onExpire(rec)
	}
}

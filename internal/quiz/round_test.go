package quiz

import (
	"errors"
	"testing"
	"time"

	"github.com/goodtune/playgate/internal/access"
)

func weightedQuestion(id string, weights ...int) Question {
	q := Question{ID: id, CardID: "card-" + id, CardTitle: "Card " + id}
	for i, w := range weights {
		q.Answers = append(q.Answers, Answer{ID: id + "-" + string(rune('a'+i)), Weight: w})
	}
	return q
}

func newTestRound(t *testing.T, qs ...Question) (*Round, *ManualScheduler, *access.TestClock) {
	t.Helper()

	sched := &ManualScheduler{}
	clock := &access.TestClock{CurrentTime: time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)}

	r, err := NewRound(qs, 0, sched, clock)
	if err != nil {
		t.Fatalf("NewRound failed: %v", err)
	}
	return r, sched, clock
}

func advance(sched *ManualScheduler, clock *access.TestClock, d time.Duration) {
	clock.Advance(d)
	sched.Advance(d)
}

func TestNewRound_NoQuestions(t *testing.T) {
	if _, err := NewRound(nil, 0, nil, nil); !errors.Is(err, ErrNoQuestions) {
		t.Errorf("Expected ErrNoQuestions, got %v", err)
	}
}

func TestQuestion_MaxPointsAndCorrect(t *testing.T) {
	q := weightedQuestion("q", 1, 6, 3)
	if q.MaxPoints() != 6 {
		t.Errorf("Expected max points 6, got %d", q.MaxPoints())
	}
	if a, _ := q.CorrectAnswer(); a.ID != "q-b" {
		t.Errorf("Expected highest weight to be canonical, got %s", a.ID)
	}

	q.Answers[2].Correct = true
	if a, _ := q.CorrectAnswer(); a.ID != "q-c" {
		t.Errorf("Expected flagged answer to be canonical, got %s", a.ID)
	}
}

func TestRound_AnswerScoresByWeight(t *testing.T) {
	r, sched, _ := newTestRound(t, weightedQuestion("q1", 0, 2, 4))

	if _, err := r.Begin(); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if sched.Pending() != 1 {
		t.Fatalf("Expected countdown to start, got %d timers", sched.Pending())
	}

	rec, err := r.Answer("q1", "q1-b")
	if err != nil {
		t.Fatalf("Answer failed: %v", err)
	}
	if rec.Points != 2 || rec.MaxPoints != 4 {
		t.Errorf("Expected 2 of 4 points, got %d of %d", rec.Points, rec.MaxPoints)
	}
	if rec.IsCorrect || rec.CorrectAnswer != "q1-c" {
		t.Errorf("Expected incorrect answer against q1-c, got %+v", rec)
	}
	if sched.Pending() != 0 {
		t.Error("Expected countdown to be cancelled on answer")
	}

	if _, err := r.Answer("q1", "q1-c"); !errors.Is(err, ErrNotAnswering) {
		t.Errorf("Expected question to be locked, got %v", err)
	}
}

func TestRound_Errors(t *testing.T) {
	r, _, _ := newTestRound(t, weightedQuestion("q1", 1), weightedQuestion("q2", 1))

	if _, err := r.Answer("q1", "q1-a"); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Expected ErrNotStarted, got %v", err)
	}

	_, _ = r.Begin()

	if _, _, err := r.Next(); !errors.Is(err, ErrAwaitingAnswer) {
		t.Errorf("Expected ErrAwaitingAnswer, got %v", err)
	}
	if _, err := r.Answer("q2", "q2-a"); !errors.Is(err, ErrUnknownQuestion) {
		t.Errorf("Expected ErrUnknownQuestion, got %v", err)
	}
	if _, err := r.Answer("q1", "nope"); !errors.Is(err, ErrUnknownAnswer) {
		t.Errorf("Expected ErrUnknownAnswer, got %v", err)
	}
}

func TestRound_TimeoutProducesExpiredRecord(t *testing.T) {
	r, sched, clock := newTestRound(t, weightedQuestion("q1", 1, 5), weightedQuestion("q2", 3))

	var expired []Record
	r.OnExpire(func(rec Record) { expired = append(expired, rec) })

	_, _ = r.Begin()

	advance(sched, clock, 179*time.Second)
	if snap := r.Snapshot(); snap.Stage != StageQuestion || snap.Remaining != time.Second {
		t.Fatalf("Expected 1s left on the question, got %s %v", snap.Stage, snap.Remaining)
	}

	advance(sched, clock, time.Second)

	snap := r.Snapshot()
	if snap.Stage != StageFeedback {
		t.Fatalf("Expected feedback after timeout, got %s", snap.Stage)
	}
	if snap.Last == nil || !snap.Last.TimeExpired {
		t.Fatal("Expected feedback to show the expired record")
	}

	records := r.Records()
	if len(records) != 1 {
		t.Fatalf("Expected one record, got %d", len(records))
	}
	rec := records[0]
	if rec.Points != 0 || rec.MaxPoints != 5 || !rec.TimeExpired || rec.SelectedAnswer != "" {
		t.Errorf("Expected zero-point expired record worth 5, got %+v", rec)
	}
	if len(expired) != 1 {
		t.Error("Expected expiry callback")
	}

	if _, err := r.Answer("q1", "q1-b"); !errors.Is(err, ErrNotAnswering) {
		t.Errorf("Expected late answer to be rejected, got %v", err)
	}

	q, done, err := r.Next()
	if err != nil || done || q.ID != "q2" {
		t.Fatalf("Expected to advance to q2, got %v %v %v", q.ID, done, err)
	}
	if snap := r.Snapshot(); snap.Remaining != DefaultAnswerWindow {
		t.Errorf("Expected countdown reset, got %v", snap.Remaining)
	}
}

func TestRound_StaleTimerIsIgnored(t *testing.T) {
	r, sched, clock := newTestRound(t, weightedQuestion("q1", 4), weightedQuestion("q2", 4))

	_, _ = r.Begin()
	_, _ = r.Answer("q1", "q1-a")
	_, _, _ = r.Next()

	// The first question's timer fires after it was cancelled
	sched.FireStale()

	if len(r.Records()) != 1 {
		t.Fatalf("Expected stale timer to add nothing, got %d records", len(r.Records()))
	}
	if r.Snapshot().Stage != StageQuestion {
		t.Error("Expected q2 to remain open")
	}

	advance(sched, clock, DefaultAnswerWindow)
	if got := r.Records(); len(got) != 2 || !got[1].TimeExpired || got[1].QuestionID != "q2" {
		t.Errorf("Expected only q2's own timer to expire it, got %+v", got)
	}
}

func TestRound_LeaveCancelsCountdown(t *testing.T) {
	r, sched, clock := newTestRound(t, weightedQuestion("q1", 4))

	_, _ = r.Begin()
	r.Leave()

	if sched.Pending() != 0 {
		t.Error("Expected leave to stop the countdown")
	}

	advance(sched, clock, DefaultAnswerWindow)
	sched.FireStale()

	if len(r.Records()) != 0 {
		t.Error("Expected no record after leaving")
	}
	if !r.Done() {
		t.Error("Expected round to be done")
	}
}

func TestRound_CompleteLevel(t *testing.T) {
	r, _, _ := newTestRound(t, weightedQuestion("q1", 0, 4), weightedQuestion("q2", 0, 4), weightedQuestion("q3", 0, 4))

	_, _ = r.Begin()
	for _, id := range []string{"q1", "q2", "q3"} {
		if _, err := r.Answer(id, id+"-b"); err != nil {
			t.Fatalf("Answer %s failed: %v", id, err)
		}
		_, done, err := r.Next()
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		if done != (id == "q3") {
			t.Errorf("Unexpected done=%v after %s", done, id)
		}
	}

	total := 0
	for _, rec := range r.Records() {
		total += rec.Points
	}
	if total != 12 {
		t.Errorf("Expected 12 points, got %d", total)
	}
}

package quiz

import "time"

// Answer is one choice of a question. Weight is the points it awards.
type Answer struct {
	ID      string `json:"id"`
	Text    string `json:"text"`
	Weight  int    `json:"weight"`
	Correct bool   `json:"correct,omitempty"`
}

// Question belongs to a card and carries its own answer weights.
type Question struct {
	ID        string   `json:"id"`
	CardID    string   `json:"card_id"`
	CardTitle string   `json:"card_title"`
	Text      string   `json:"text"`
	Answers   []Answer `json:"answers"`
}

// MaxPoints is the highest weight in the answer set.
func (q Question) MaxPoints() int {
	best := 0
	for _, a := range q.Answers {
		if a.Weight > best {
			best = a.Weight
		}
	}
	return best
}

// CorrectAnswer returns the answer flagged correct, or the highest weighted
// one when none is flagged.
func (q Question) CorrectAnswer() (Answer, bool) {
	var best Answer
	found := false
	for _, a := range q.Answers {
		if a.Correct {
			return a, true
		}
		if !found || a.Weight > best.Weight {
			best = a
			found = true
		}
	}
	return best, found
}

func (q Question) answer(id string) (Answer, bool) {
	for _, a := range q.Answers {
		if a.ID == id {
			return a, true
		}
	}
	return Answer{}, false
}

// Record is the outcome of one question.
type Record struct {
	QuestionID     string    `json:"question_id"`
	CardID         string    `json:"card_id"`
	CardTitle      string    `json:"card_title"`
	SelectedAnswer string    `json:"selected_answer"`
	CorrectAnswer  string    `json:"correct_answer"`
	IsCorrect      bool      `json:"is_correct"`
	Points         int       `json:"points"`
	MaxPoints      int       `json:"max_points"`
	TimeExpired    bool      `json:"time_expired,omitempty"`
	AnsweredAt     time.Time `json:"answered_at"`
}

func newRecord(q Question, selected *Answer, at time.Time) Record {
	correct, _ := q.CorrectAnswer()
	rec := Record{
		QuestionID:    q.ID,
		CardID:        q.CardID,
		CardTitle:     q.CardTitle,
		CorrectAnswer: correct.ID,
		MaxPoints:     q.MaxPoints(),
		AnsweredAt:    at,
	}
	if selected == nil {
		rec.TimeExpired = true
		return rec
	}
	rec.SelectedAnswer = selected.ID
	rec.Points = selected.Weight
	rec.IsCorrect = selected.ID == correct.ID
	return rec
}

package scoring

import (
	"math"

	"github.com/goodtune/playgate/internal/quiz"
)

// RiskLevel is the three-tier label derived from a level's percentage.
type RiskLevel string

const (
	RiskConfident  RiskLevel = "Confident"
	RiskCautious   RiskLevel = "Cautious"
	RiskVulnerable RiskLevel = "Vulnerable"
)

// Risk thresholds on the percentage score.
const (
	ConfidentThreshold = 84
	CautiousThreshold  = 44
)

// Totals are the summed results of a card or level.
type Totals struct {
	TotalScore      int `json:"total_score"`
	MaxScore        int `json:"max_score"`
	CorrectAnswers  int `json:"correct_answers"`
	TotalQuestions  int `json:"total_questions"`
	PercentageScore int `json:"percentage_score"`
}

func (t *Totals) add(rec quiz.Record) {
	t.TotalScore += rec.Points
	t.MaxScore += rec.MaxPoints
	t.TotalQuestions++
	if rec.IsCorrect {
		t.CorrectAnswers++
	}
}

func (t *Totals) finish() {
	t.PercentageScore = Percentage(t.TotalScore, t.MaxScore)
}

// CardResult groups the answers that came from one card.
type CardResult struct {
	CardID    string        `json:"card_id"`
	CardTitle string        `json:"card_title"`
	Questions []quiz.Record `json:"questions"`
	Totals
}

// LevelProgress is the finalized result of one level play.
type LevelProgress struct {
	Level     int          `json:"level"`
	AttemptID string       `json:"attempt_id"`
	Cards     []CardResult `json:"cards"`
	Totals
	RiskLevel RiskLevel `json:"risk_level"`
}

// Percentage returns round(100*total/max), or 0 when max is not positive.
func Percentage(total, max int) int {
	if max <= 0 {
		return 0
	}
	return int(math.Round(100 * float64(total) / float64(max)))
}

// ClassifyRisk maps a percentage score to its risk level.
func ClassifyRisk(pct int) RiskLevel {
	switch {
	case pct >= ConfidentThreshold:
		return RiskConfident
	case pct >= CautiousThreshold:
		return RiskCautious
	default:
		return RiskVulnerable
	}
}

// Aggregate collapses a level's answer history into per-card and per-level
// totals. Cards are ordered by first appearance in questions; each record is
// checked against its question's canonical answer and weights.
func Aggregate(level int, attemptID string, records []quiz.Record, questions []quiz.Question) LevelProgress {
	byID := make(map[string]quiz.Question, len(questions))
	cardOrder := make([]string, 0)
	seenCard := make(map[string]bool)
	titles := make(map[string]string)

	for _, q := range questions {
		byID[q.ID] = q
		if !seenCard[q.CardID] {
			seenCard[q.CardID] = true
			cardOrder = append(cardOrder, q.CardID)
			titles[q.CardID] = q.CardTitle
		}
	}

	cards := make(map[string]*CardResult)
	for _, rec := range records {
		if q, ok := byID[rec.QuestionID]; ok {
			rec = reconcile(rec, q)
		}

		card, ok := cards[rec.CardID]
		if !ok {
			title := rec.CardTitle
			if t, known := titles[rec.CardID]; known && t != "" {
				title = t
			}
			card = &CardResult{CardID: rec.CardID, CardTitle: title}
			cards[rec.CardID] = card
			if !seenCard[rec.CardID] {
				seenCard[rec.CardID] = true
				cardOrder = append(cardOrder, rec.CardID)
			}
		}

		card.Questions = append(card.Questions, rec)
		card.add(rec)
	}

	progress := LevelProgress{Level: level, AttemptID: attemptID, Cards: []CardResult{}}
	for _, id := range cardOrder {
		card, ok := cards[id]
		if !ok {
			continue
		}
		card.finish()

		progress.TotalScore += card.TotalScore
		progress.MaxScore += card.MaxScore
		progress.CorrectAnswers += card.CorrectAnswers
		progress.TotalQuestions += card.TotalQuestions
		progress.Cards = append(progress.Cards, *card)
	}

	progress.finish()
	progress.RiskLevel = ClassifyRisk(progress.PercentageScore)

	return progress
}

// reconcile fills the canonical answer and weights from the question set.
func reconcile(rec quiz.Record, q quiz.Question) quiz.Record {
	rec.CardID = q.CardID
	if q.CardTitle != "" {
		rec.CardTitle = q.CardTitle
	}
	rec.MaxPoints = q.MaxPoints()

	if correct, ok := q.CorrectAnswer(); ok {
		rec.CorrectAnswer = correct.ID
	}
	if rec.TimeExpired || rec.SelectedAnswer == "" {
		rec.Points = 0
		rec.IsCorrect = false
		return rec
	}

	for _, a := range q.Answers {
		if a.ID == rec.SelectedAnswer {
			rec.Points = a.Weight
			break
		}
	}
	rec.IsCorrect = rec.SelectedAnswer == rec.CorrectAnswer
	return rec
}

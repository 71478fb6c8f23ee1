package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/goodtune/playgate/internal/quiz"
	"github.com/rs/zerolog"
)

// Demo carries the extra parameters sent for restricted audiences.
type Demo struct {
	Audience string
	GrantID  string
}

// Content fetches levels and questions.
type Content struct {
	base
}

// NewContent creates a content service client.
func NewContent(cfg Config, logger zerolog.Logger) (*Content, error) {
	b, err := newBase("content", cfg, logger)
	if err != nil {
		return nil, err
	}
	return &Content{base: b}, nil
}

// AvailableLevels returns the levels offered for ref.
func (c *Content) AvailableLevels(ctx context.Context, ref string) ([]int, error) {
	var res struct {
		Levels []int `json:"levels"`
	}

	_, err := c.do(ctx, "levels", http.MethodGet, "/levels", url.Values{"ref": {ref}}, nil, &res)
	if errors.Is(err, ErrNotFound) {
		return []int{}, nil
	}
	if err != nil {
		return nil, err
	}

	if res.Levels == nil {
		res.Levels = []int{}
	}
	return res.Levels, nil
}

// Questions returns a level's questions. A level the service does not know
// yields an empty set.
func (c *Content) Questions(ctx context.Context, level int, ref string, demo *Demo) ([]quiz.Question, error) {
	query := url.Values{"ref": {ref}}
	if demo != nil {
		query.Set("audience", demo.Audience)
		query.Set("grant_id", demo.GrantID)
	}

	var res struct {
		Questions []quiz.Question `json:"questions"`
	}

	path := "/levels/" + strconv.Itoa(level) + "/questions"
	_, err := c.do(ctx, "questions", http.MethodGet, path, query, nil, &res)
	if errors.Is(err, ErrNotFound) {
		return []quiz.Question{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("level %d: %w", level, err)
	}

	if res.Questions == nil {
		res.Questions = []quiz.Question{}
	}
	return res.Questions, nil
}

package client

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/goodtune/playgate/internal/access"
	"github.com/rs/zerolog"
)

// Resolver talks to a trial or purchase code service.
type Resolver struct {
	base
	kind access.Kind
}

// NewResolver creates a code resolver client for kind.
func NewResolver(kind access.Kind, cfg Config, logger zerolog.Logger) (*Resolver, error) {
	b, err := newBase(string(kind)+"-resolver", cfg, logger)
	if err != nil {
		return nil, err
	}
	return &Resolver{base: b, kind: kind}, nil
}

// Check asks whether code belongs to this resolver. A 404 means the code is
// not recognized.
func (r *Resolver) Check(ctx context.Context, code, userID string) (*access.CheckResult, error) {
	query := url.Values{}
	if userID != "" {
		query.Set("user_id", userID)
	}

	var res access.CheckResult
	_, err := r.do(ctx, "check", http.MethodGet, "/codes/"+url.PathEscape(code), query, nil, &res)
	if errors.Is(err, ErrNotFound) {
		return &access.CheckResult{Found: false, Reason: access.ReasonNotFound}, nil
	}
	if err != nil {
		return nil, err
	}

	if res.Grant != nil && res.Grant.Kind == "" {
		res.Grant.Kind = r.kind
	}

	return &res, nil
}

// ConsumeIntent registers the intent to play and returns the canonical grant.
func (r *Resolver) ConsumeIntent(ctx context.Context, code string) (*access.Grant, error) {
	var grant access.Grant
	_, err := r.do(ctx, "consume_intent", http.MethodPost, "/codes/"+url.PathEscape(code)+"/consume-intent", nil, nil, &grant)
	if errors.Is(err, ErrNotFound) {
		return nil, access.NewTransient(err)
	}
	if err != nil {
		return nil, err
	}

	if grant.Kind == "" {
		grant.Kind = r.kind
	}

	return &grant, nil
}

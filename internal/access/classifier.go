package access

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// Reasons a resolver may attach to a recognized code.
const (
	ReasonNotFound      = "not_found"
	ReasonExpired       = "expired"
	ReasonAlreadyPlayed = "already_played"
	ReasonSeatsFull     = "seats_full"
)

// CheckResult is a resolver's answer to "is this code yours".
type CheckResult struct {
	Found       bool   `json:"found"`
	Reason      string `json:"reason,omitempty"`
	OwnSeatUsed bool   `json:"own_seat_used,omitempty"`
	Grant       *Grant `json:"grant,omitempty"`
}

// Resolver is a trial or purchase code service.
type Resolver interface {
	Check(ctx context.Context, code, userID string) (*CheckResult, error)
	// ConsumeIntent registers the intent to play without decrementing seats
	// and returns the canonical grant snapshot.
	ConsumeIntent(ctx context.Context, code string) (*Grant, error)
}

// Classifier resolves user-entered codes into access grants.
type Classifier struct {
	trial    Resolver
	purchase Resolver
	clock    Clock
	logger   zerolog.Logger
}

// NewClassifier creates a classifier that consults trial before purchase.
func NewClassifier(trial, purchase Resolver, logger zerolog.Logger) *Classifier {
	return &Classifier{
		trial:    trial,
		purchase: purchase,
		clock:    RealClock{},
		logger:   logger.With().Str("component", "classifier").Logger(),
	}
}

// SetClock sets the clock used for expiry guards (for testing)
func (c *Classifier) SetClock(clock Clock) {
	c.clock = clock
}

// Classify resolves code into a grant and registers the consume intent.
// On any failure no grant is returned.
func (c *Classifier) Classify(ctx context.Context, code, userID string) (*Grant, error) {
	grant, resolver, err := c.resolve(ctx, code, userID)
	if err != nil {
		return nil, err
	}

	canonical, err := resolver.ConsumeIntent(ctx, grant.Code)
	if err != nil {
		c.logger.Warn().Err(err).Str("kind", string(grant.Kind)).Msg("Consume intent failed")
		return nil, asTransient(err)
	}
	if canonical == nil {
		return nil, NewTransient(errors.New("consume intent returned no grant"))
	}

	out := *canonical
	out.Code = grant.Code
	if out.Kind == "" {
		out.Kind = grant.Kind
	}

	c.logger.Info().
		Str("kind", string(out.Kind)).
		Str("grant_id", out.GrantID).
		Int("remaining", Remaining(out)).
		Str("audience", string(out.Audience)).
		Msg("Code verified")

	return &out, nil
}

// Inspect runs resolution and guards without registering a consume intent.
// The grant is returned whenever a resolver recognized the code, even if a
// guard rejected it.
func (c *Classifier) Inspect(ctx context.Context, code, userID string) (*Grant, error) {
	grant, _, err := c.resolve(ctx, code, userID)
	return grant, err
}

func (c *Classifier) resolve(ctx context.Context, code, userID string) (*Grant, Resolver, error) {
	code = NormalizeCode(code)
	if code == "" {
		return nil, nil, newInvalidCode()
	}

	res, err := c.trial.Check(ctx, code, userID)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Trial check failed")
		return nil, nil, asTransient(err)
	}
	if res.Found {
		grant, err := c.admit(KindTrial, code, res)
		return grant, c.trial, err
	}

	res, err = c.purchase.Check(ctx, code, userID)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Purchase check failed")
		return nil, nil, asTransient(err)
	}
	if res.Found {
		grant, err := c.admit(KindPurchase, code, res)
		return grant, c.purchase, err
	}

	c.logger.Debug().Msg("Code not recognized by any resolver")
	return nil, nil, newInvalidCode()
}

// admit runs the ordered guards for a recognized code.
func (c *Classifier) admit(kind Kind, code string, res *CheckResult) (*Grant, error) {
	if res.Grant == nil {
		return nil, NewTransient(fmt.Errorf("%s resolver recognized code without a grant", kind))
	}

	grant := *res.Grant
	grant.Kind = kind
	grant.Code = code

	guard, rejection := Evaluate(GuardsFor(kind), Candidate{
		Grant:       grant,
		OwnSeatUsed: res.OwnSeatUsed,
		Reason:      res.Reason,
		Now:         c.clock.Now(),
	})
	if rejection != nil {
		c.logger.Info().
			Str("kind", string(kind)).
			Str("guard", guard).
			Str("error_kind", string(rejection.Kind)).
			Str("sub_reason", string(rejection.SubReason)).
			Msg("Code rejected")
		return &grant, rejection
	}

	return &grant, nil
}

// asTransient keeps classified errors and wraps everything else as transient.
func asTransient(err error) error {
	var ae *Error
	if errors.As(err, &ae) {
		return err
	}
	return NewTransient(err)
}

package play

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/goodtune/playgate/internal/access"
	"github.com/goodtune/playgate/internal/metrics"
	"github.com/goodtune/playgate/internal/policy"
	"github.com/goodtune/playgate/internal/progression"
	"github.com/goodtune/playgate/internal/quiz"
	"github.com/goodtune/playgate/internal/report"
	"github.com/goodtune/playgate/internal/scoring"
	"github.com/goodtune/playgate/internal/session"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultIdleTimeout is how long a session's live round survives without requests
	DefaultIdleTimeout = 30 * time.Minute
)

var (
	ErrStale           = errors.New("play: session changed while the request was in flight")
	ErrAlreadyVerified = errors.New("play: session is already verified")
	ErrNoRound         = errors.New("play: no level in progress")
	ErrNoSummary       = errors.New("play: no completed level to summarize")
)

// Verifier resolves a user-entered code into an access grant.
type Verifier interface {
	Classify(ctx context.Context, code, userID string) (*access.Grant, error)
}

// Options configures the play service.
type Options struct {
	AnswerWindow time.Duration
	IdleTimeout  time.Duration
	Scheduler    quiz.Scheduler
}

// Verification is the outcome of a successful code entry.
type Verification struct {
	State     session.State
	Levels    []policy.LevelOption
	Preselect int // deep-linked level, when it is selectable
}

// Play is a level that has just started.
type Play struct {
	State    session.State
	Question quiz.Snapshot
}

// Advance is the result of moving past a resolved question.
type Advance struct {
	Question *quiz.Snapshot
	Done     bool
	Summary  *Summary
}

// Summary is a finished level.
type Summary struct {
	State    session.State
	Progress scoring.LevelProgress
	Report   report.Status
}

// runtime holds the in-process part of a session. Its mutex serializes
// every transition of that session.
type runtime struct {
	mu           sync.Mutex
	round        *quiz.Round
	attemptID    string
	summary      *scoring.LevelProgress
	lastActivity time.Time

	// in-flight verification joiners share its generation
	verifyCode string
	verifyGen  int64
	verifiers  int
}

// reset stops any countdown and forgets the level. Caller holds mu.
func (rt *runtime) reset() {
	if rt.round != nil {
		rt.round.Leave()
	}
	rt.round = nil
	rt.attemptID = ""
	rt.summary = nil
}

// Service runs play sessions: code verification, level selection, timed
// questions, scoring and reporting.
type Service struct {
	sessions *session.Store
	verifier Verifier
	progress *progression.Controller
	reporter *report.Reporter
	seats    *report.SeatNotifier
	opts     Options
	clock    access.Clock
	logger   zerolog.Logger

	verifying singleflight.Group

	runtimes map[string]*runtime // key: session id
	mu       sync.Mutex

	stopChan chan struct{}
	stopOnce sync.Once
}

// NewService creates a play service.
func NewService(
	sessions *session.Store,
	verifier Verifier,
	progress *progression.Controller,
	reporter *report.Reporter,
	seats *report.SeatNotifier,
	opts Options,
	logger zerolog.Logger,
) *Service {
	if opts.AnswerWindow <= 0 {
		opts.AnswerWindow = quiz.DefaultAnswerWindow
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.Scheduler == nil {
		opts.Scheduler = quiz.RealScheduler{}
	}

	return &Service{
		sessions: sessions,
		verifier: verifier,
		progress: progress,
		reporter: reporter,
		seats:    seats,
		opts:     opts,
		clock:    access.RealClock{},
		logger:   logger.With().Str("component", "play").Logger(),
		runtimes: make(map[string]*runtime),
		stopChan: make(chan struct{}),
	}
}

// SetClock sets the clock used for countdowns and idle tracking (for testing)
func (s *Service) SetClock(clock access.Clock) {
	s.clock = clock
}

// Run begins sweeping idle sessions.
func (s *Service) Run() {
	go s.sweep()
	s.logger.Info().Dur("idle_timeout", s.opts.IdleTimeout).Msg("Play service started")
}

// Stop ends the sweeper and stops every running countdown.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, rt := range s.runtimes {
		rt.mu.Lock()
		rt.reset()
		rt.mu.Unlock()
		delete(s.runtimes, id)
	}
	metrics.ActiveSessions.Set(0)
}

// acquire returns the runtime for id, creating it if needed, and marks it
// active.
func (s *Service) acquire(id string) *runtime {
	s.mu.Lock()
	defer s.mu.Unlock()

	rt, ok := s.runtimes[id]
	if !ok {
		rt = &runtime{}
		s.runtimes[id] = rt
		metrics.ActiveSessions.Set(float64(len(s.runtimes)))
	}
	rt.lastActivity = s.clock.Now()
	return rt
}

// Open handles a page load. An empty id starts a new session; an existing
// id is reloaded unverified.
func (s *Service) Open(ctx context.Context, id string, resumeLevel int) (session.State, error) {
	if id == "" {
		id = session.NewID()
	}

	rt := s.acquire(id)
	rt.mu.Lock()
	defer rt.mu.Unlock()

	rt.reset()
	return s.sessions.Open(ctx, id, resumeLevel)
}

// Get returns the session as last saved.
func (s *Service) Get(ctx context.Context, id string) (session.State, error) {
	rt := s.acquire(id)
	rt.mu.Lock()
	defer rt.mu.Unlock()

	return s.sessions.Get(ctx, id)
}

// Verify classifies code for the session. Concurrent submissions of the
// same code share one lookup and its outcome, and a result that arrives
// after a cancel or a submission of another code is discarded with ErrStale.
func (s *Service) Verify(ctx context.Context, id, code, userID string) (Verification, error) {
	rt := s.acquire(id)
	normalized := access.NormalizeCode(code)

	gen, err := s.beginVerify(ctx, rt, id, normalized)
	if err != nil {
		return Verification{}, err
	}

	key := id + "|" + normalized
	v, verr, _ := s.verifying.Do(key, func() (interface{}, error) {
		return s.verifier.Classify(ctx, code, userID)
	})

	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.verifyGen == gen && rt.verifiers > 0 {
		rt.verifiers--
	}

	current, err := s.sessions.Get(ctx, id)
	if err != nil {
		return Verification{}, err
	}
	if current.Generation != gen {
		s.logger.Debug().Str("session", id).Int64("generation", gen).Msg("Discarding stale verification")
		metrics.VerificationsTotal.WithLabelValues("unknown", "stale").Inc()
		return Verification{State: current}, ErrStale
	}

	if verr != nil {
		metrics.VerificationsTotal.WithLabelValues("unknown", string(access.KindOf(verr))).Inc()
		return Verification{State: current}, verr
	}

	if current.Verified {
		// A caller sharing this lookup already applied it
		return s.verification(ctx, current, 0), nil
	}

	grant := v.(*access.Grant)
	verified := current.Verify(*grant)

	next, err := s.progress.Enter(verified)
	if err != nil {
		metrics.VerificationsTotal.WithLabelValues(string(grant.Kind), string(access.KindOf(err))).Inc()
		return Verification{State: current}, err
	}
	next, resume := next.ConsumeResume()

	if len(next.CompletedLevels) != len(current.CompletedLevels) {
		// A different code starts its demo progression from scratch
		err = s.sessions.Replace(ctx, next)
	} else {
		err = s.sessions.Save(ctx, next)
	}
	if err != nil {
		return Verification{}, fmt.Errorf("failed to save verified session: %w", err)
	}

	metrics.VerificationsTotal.WithLabelValues(string(grant.Kind), "verified").Inc()

	return s.verification(ctx, next, resume), nil
}

// verification lists the levels of a freshly verified session and resolves
// the deep-linked level.
func (s *Service) verification(ctx context.Context, st session.State, resume int) Verification {
	out := Verification{State: st}

	levels, err := s.progress.Levels(ctx, st)
	if err != nil {
		s.logger.Warn().Err(err).Str("session", st.ID).Msg("Failed to load levels after verification")
		return out
	}
	out.Levels = policy.Visible(levels)

	if resume > 0 {
		if opt, ok := policy.Find(levels, resume); ok && opt.Selectable {
			out.Preselect = resume
		}
	}

	return out
}

// beginVerify starts a new generation for a verification attempt, or joins
// the one in flight for the same code.
func (s *Service) beginVerify(ctx context.Context, rt *runtime, id, code string) (int64, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	st, err := s.sessions.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	if st.Verified {
		return 0, ErrAlreadyVerified
	}

	if rt.verifiers > 0 && rt.verifyCode == code && rt.verifyGen == st.Generation {
		rt.verifiers++
		return st.Generation, nil
	}

	st = st.Bump()
	if err := s.sessions.Save(ctx, st); err != nil {
		return 0, err
	}

	rt.verifyCode = code
	rt.verifyGen = st.Generation
	rt.verifiers = 1
	return st.Generation, nil
}

// Cancel drops verification and any level in progress.
func (s *Service) Cancel(ctx context.Context, id string) (session.State, error) {
	rt := s.acquire(id)
	rt.mu.Lock()
	defer rt.mu.Unlock()

	st, err := s.sessions.Get(ctx, id)
	if err != nil {
		return session.State{}, err
	}

	rt.reset()
	return s.sessions.Cancel(ctx, st)
}

// Levels returns the visible levels and whether each may be selected.
func (s *Service) Levels(ctx context.Context, id string) ([]policy.LevelOption, error) {
	rt := s.acquire(id)
	rt.mu.Lock()
	defer rt.mu.Unlock()

	st, err := s.sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	levels, err := s.progress.Levels(ctx, st)
	if err != nil {
		return nil, err
	}
	return policy.Visible(levels), nil
}

// Start selects level and shows its first question. On failure the session
// is back at level selection.
func (s *Service) Start(ctx context.Context, id string, level int) (Play, error) {
	rt := s.acquire(id)
	rt.mu.Lock()
	defer rt.mu.Unlock()

	// A delivered report may unlock the level being selected
	s.retryPending(ctx, id)

	st, err := s.sessions.Get(ctx, id)
	if err != nil {
		return Play{}, err
	}

	if st.Phase == session.PhasePlaying || st.Phase == session.PhaseLoading {
		// Starting another level navigates away from this one
		st = st.ToLevelSelect()
	}
	rt.reset()

	next, questions, err := s.progress.Select(ctx, st, level)
	if err != nil {
		s.saveQuietly(ctx, next)
		return Play{State: next}, err
	}

	seat, err := s.seats.LevelStarted(ctx, next)
	if err != nil {
		back := next.ToLevelSelect()
		s.saveQuietly(ctx, back)
		return Play{State: back}, err
	}
	if seat.Grant != nil {
		next = next.WithGrant(*seat.Grant)
	}

	round, err := quiz.NewRound(questions, s.opts.AnswerWindow, s.opts.Scheduler, s.clock)
	if err != nil {
		back := next.ToLevelSelect()
		s.saveQuietly(ctx, back)
		return Play{State: back}, access.NewContentUnavailable(level)
	}

	attemptID := next.AttemptID
	round.OnExpire(func(rec quiz.Record) {
		metrics.QuestionsExpired.Inc()
		s.logger.Debug().
			Str("session", id).
			Str("attempt_id", attemptID).
			Str("question", rec.QuestionID).
			Msg("Answer window expired")
	})

	if _, err := round.Begin(); err != nil {
		return Play{}, err
	}

	if err := s.sessions.Save(ctx, next); err != nil {
		round.Leave()
		return Play{}, fmt.Errorf("failed to save started level: %w", err)
	}

	rt.round = round
	rt.attemptID = attemptID

	metrics.LevelsStarted.WithLabelValues(strconv.Itoa(level), string(next.Class().Flow)).Inc()
	s.logger.Info().
		Str("session", id).
		Int("level", level).
		Str("attempt_id", attemptID).
		Int("questions", len(questions)).
		Str("seat", string(seat.Status)).
		Msg("Level started")

	return Play{State: next, Question: round.Snapshot()}, nil
}

// Question returns the question on screen and the time left to answer.
func (s *Service) Question(ctx context.Context, id string) (quiz.Snapshot, error) {
	rt := s.acquire(id)
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.round == nil {
		return quiz.Snapshot{}, ErrNoRound
	}
	return rt.round.Snapshot(), nil
}

// Answer records the selected answer for the current question.
func (s *Service) Answer(ctx context.Context, id, questionID, answerID string) (quiz.Record, error) {
	rt := s.acquire(id)
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.round == nil {
		return quiz.Record{}, ErrNoRound
	}
	return rt.round.Answer(questionID, answerID)
}

// Next moves past the resolved question. After the last question the level
// is completed, scored and reported.
func (s *Service) Next(ctx context.Context, id string) (Advance, error) {
	rt := s.acquire(id)
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.round == nil {
		return Advance{}, ErrNoRound
	}

	_, done, err := rt.round.Next()
	if err != nil {
		return Advance{}, err
	}
	if !done {
		snap := rt.round.Snapshot()
		return Advance{Question: &snap}, nil
	}

	summary, err := s.complete(ctx, rt, id)
	if err != nil {
		return Advance{}, err
	}
	return Advance{Done: true, Summary: &summary}, nil
}

// complete finishes the round in rt. Caller holds rt.mu.
func (s *Service) complete(ctx context.Context, rt *runtime, id string) (Summary, error) {
	st, err := s.sessions.Get(ctx, id)
	if err != nil {
		return Summary{}, err
	}
	if st.AttemptID != rt.attemptID {
		rt.reset()
		return Summary{}, ErrStale
	}

	next, err := s.progress.Complete(st)
	if err != nil {
		return Summary{}, err
	}

	progress := scoring.Aggregate(st.Level, st.AttemptID, rt.round.Records(), rt.round.Questions())
	rt.round = nil
	rt.summary = &progress

	metrics.LevelsCompleted.WithLabelValues(strconv.Itoa(progress.Level), string(progress.RiskLevel)).Inc()
	metrics.PercentageScore.Observe(float64(progress.PercentageScore))

	out := Summary{Progress: progress, Report: report.StatusPending}

	res, err := s.reporter.Report(ctx, next, progress)
	if err != nil {
		s.logger.Error().Err(err).Str("session", id).Msg("Failed to report level progress")
	} else {
		out.Report = res.Status
		if res.Grant != nil {
			next = next.WithGrant(*res.Grant)
		}
	}

	if err == nil && s.delivered(ctx, next, res.Status) {
		if next, err = s.settle(ctx, next, next.Level, next.AttemptID); err != nil {
			return Summary{}, err
		}
	} else if next.Class().Sequential() {
		s.logger.Info().
			Str("session", id).
			Int("level", next.Level).
			Msg("Level report not delivered yet, holding progression")
	}

	if err := s.sessions.Save(ctx, next); err != nil {
		return Summary{}, fmt.Errorf("failed to save completed level: %w", err)
	}

	s.logger.Info().
		Str("session", id).
		Int("level", progress.Level).
		Int("score", progress.TotalScore).
		Int("max_score", progress.MaxScore).
		Int("percentage", progress.PercentageScore).
		Str("risk", string(progress.RiskLevel)).
		Msg("Level completed")

	out.State = next
	return out, nil
}

// Leave navigates away from the level in play or its summary.
func (s *Service) Leave(ctx context.Context, id string) (session.State, error) {
	rt := s.acquire(id)
	rt.mu.Lock()
	defer rt.mu.Unlock()

	st, err := s.sessions.Get(ctx, id)
	if err != nil {
		return session.State{}, err
	}

	rt.reset()

	next, err := s.progress.Back(st)
	if err != nil {
		return st, err
	}
	if err := s.sessions.Save(ctx, next); err != nil {
		return session.State{}, err
	}
	return next, nil
}

// Summary returns the finished level. Rendering it re-sends the report for
// that attempt and any parked ones; delivered reports are not sent again.
func (s *Service) Summary(ctx context.Context, id string) (Summary, error) {
	rt := s.acquire(id)
	rt.mu.Lock()
	defer rt.mu.Unlock()

	st, err := s.sessions.Get(ctx, id)
	if err != nil {
		return Summary{}, err
	}
	if st.Phase != session.PhaseSummary || rt.summary == nil || rt.summary.AttemptID != st.AttemptID {
		return Summary{}, ErrNoSummary
	}

	out := Summary{Progress: *rt.summary, Report: report.StatusPending}

	res, err := s.reporter.Report(ctx, st, *rt.summary)
	if err != nil {
		s.logger.Error().Err(err).Str("session", id).Msg("Backup progress report failed")
	} else {
		out.Report = res.Status
		if res.Grant != nil {
			st = st.WithGrant(*res.Grant)
		}
		if s.delivered(ctx, st, res.Status) {
			if st, err = s.settle(ctx, st, st.Level, st.AttemptID); err != nil {
				return Summary{}, err
			}
			s.saveQuietly(ctx, st)
		}
	}

	s.retryPending(ctx, id)

	if out.State, err = s.sessions.Get(ctx, id); err != nil {
		return Summary{}, err
	}
	return out, nil
}

// delivered reports whether the progress service holds the report of the
// session's current attempt.
func (s *Service) delivered(ctx context.Context, st session.State, status report.Status) bool {
	if status.Delivered() {
		return true
	}
	if status != report.StatusDuplicate {
		return false
	}
	ok, err := s.reporter.Delivered(ctx, st.ID, st.AttemptID)
	if err != nil {
		s.logger.Warn().Err(err).Str("session", st.ID).Msg("Failed to check report delivery")
		return false
	}
	return ok
}

// settle applies a level whose report the progress service holds. Sequential
// grants unlock the next level, and after the final one consume their seat.
func (s *Service) settle(ctx context.Context, st session.State, level int, attemptID string) (session.State, error) {
	if !st.Class().Sequential() {
		return st, nil
	}

	next, err := s.sessions.MarkCompleted(ctx, st, level)
	if err != nil {
		return st, err
	}

	played := next
	played.Level = level
	played.AttemptID = attemptID

	seat, err := s.seats.LevelCompleted(ctx, played, level)
	if err != nil {
		s.logger.Error().Err(err).Str("session", st.ID).Int("level", level).Msg("Failed to signal seat consumption")
		return next, nil
	}
	if seat.Grant != nil {
		next = next.WithGrant(*seat.Grant)
	}
	return next, nil
}

// retryPending re-sends parked reports and settles the ones delivered for
// the grant in use. Failures are only logged.
func (s *Service) retryPending(ctx context.Context, id string) {
	delivered, err := s.reporter.RetryPending(ctx, id)
	if err != nil {
		s.logger.Warn().Err(err).Str("session", id).Msg("Failed to retry pending reports")
	}
	if len(delivered) == 0 {
		return
	}

	st, err := s.sessions.Get(ctx, id)
	if err != nil {
		s.logger.Warn().Err(err).Str("session", id).Msg("Failed to load session for delivered reports")
		return
	}
	if !st.Verified || st.Grant == nil {
		return
	}

	for _, d := range delivered {
		if d.Code != st.Grant.Code {
			// Progress of an earlier code
			continue
		}
		if d.Result.Grant != nil {
			st = st.WithGrant(*d.Result.Grant)
		}
		if st, err = s.settle(ctx, st, d.Level, d.AttemptID); err != nil {
			s.logger.Warn().Err(err).Str("session", id).Int("level", d.Level).Msg("Failed to record delivered level")
		}
	}

	s.saveQuietly(ctx, st)
}

func (s *Service) saveQuietly(ctx context.Context, st session.State) {
	if err := s.sessions.Save(ctx, st); err != nil {
		s.logger.Error().Err(err).Str("session", st.ID).Msg("Failed to save session")
	}
}

// sweep periodically drops runtimes of idle sessions.
func (s *Service) sweep() {
	interval := min(s.opts.IdleTimeout/2, time.Minute)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweepIdle()
		case <-s.stopChan:
			return
		}
	}
}

// sweepIdle stops the countdowns of idle sessions and forgets them. It
// returns how many were removed.
func (s *Service) sweepIdle() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	removed := 0
	for id, rt := range s.runtimes {
		if now.Sub(rt.lastActivity) <= s.opts.IdleTimeout {
			continue
		}
		// Busy sessions are not idle
		if !rt.mu.TryLock() {
			continue
		}
		rt.reset()
		rt.mu.Unlock()

		delete(s.runtimes, id)
		removed++

		s.logger.Debug().
			Str("session", id).
			Dur("inactive", now.Sub(rt.lastActivity)).
			Msg("Cleaning up idle session")
	}

	metrics.ActiveSessions.Set(float64(len(s.runtimes)))
	return removed
}

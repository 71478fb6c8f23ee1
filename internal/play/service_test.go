package play

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goodtune/playgate/internal/access"
	"github.com/goodtune/playgate/internal/client"
	"github.com/goodtune/playgate/internal/config"
	"github.com/goodtune/playgate/internal/policy"
	"github.com/goodtune/playgate/internal/progression"
	"github.com/goodtune/playgate/internal/quiz"
	"github.com/goodtune/playgate/internal/report"
	"github.com/goodtune/playgate/internal/scoring"
	"github.com/goodtune/playgate/internal/session"
	redisstore "github.com/goodtune/playgate/internal/storage/redis"
	"github.com/rs/zerolog"
)

var testNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeVerifier struct {
	mu     sync.Mutex
	grants map[string]access.Grant
	err    error
	block  chan struct{}
	calls  int
}

func (f *fakeVerifier) Classify(ctx context.Context, code, userID string) (*access.Grant, error) {
	f.mu.Lock()
	f.calls++
	block := f.block
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	if f.err != nil {
		return nil, f.err
	}

	code = access.NormalizeCode(code)
	g, ok := f.grants[code]
	if !ok {
		return nil, access.ErrInvalidCode
	}
	g.Code = code
	return &g, nil
}

func (f *fakeVerifier) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeContent struct {
	levels    []int
	questions map[int][]quiz.Question
}

func (f *fakeContent) AvailableLevels(ctx context.Context, ref string) ([]int, error) {
	return f.levels, nil
}

func (f *fakeContent) Questions(ctx context.Context, level int, ref string, demo *client.Demo) ([]quiz.Question, error) {
	return f.questions[level], nil
}

type fakeLedger struct {
	mu           sync.Mutex
	reports      int // accepted progress reports
	seats        int
	failProgress bool
}

func (f *fakeLedger) PostProgress(ctx context.Context, payload []byte) (*client.LedgerResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failProgress {
		return nil, access.NewTransient(errors.New("progress service unavailable"))
	}
	f.reports++
	return &client.LedgerResult{Status: client.StatusAccepted}, nil
}

func (f *fakeLedger) setFailProgress(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failProgress = fail
}

func (f *fakeLedger) ConsumeSeat(ctx context.Context, code string, req client.SeatRequest) (*client.LedgerResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seats++
	return &client.LedgerResult{Status: client.StatusAccepted}, nil
}

func (f *fakeLedger) counts() (reports, seats int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reports, f.seats
}

func levelQuestions() []quiz.Question {
	answers := []quiz.Answer{
		{ID: "low", Weight: 0},
		{ID: "mid", Weight: 2},
		{ID: "high", Weight: 4, Correct: true},
	}
	return []quiz.Question{
		{ID: "q1", CardID: "phishing", Answers: answers},
		{ID: "q2", CardID: "phishing", Answers: answers},
		{ID: "q3", CardID: "passwords", Answers: answers},
	}
}

type harness struct {
	svc      *Service
	verifier *fakeVerifier
	content  *fakeContent
	ledger   *fakeLedger
	sched    *quiz.ManualScheduler
	clock    *access.TestClock
	sessions *session.Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	mr := miniredis.RunT(t)
	store, err := redisstore.Open(config.RedisConfig{
		Host:         mr.Addr(),
		DialTimeout:  "1s",
		ReadTimeout:  "1s",
		WriteTimeout: "1s",
		KeyTTL:       "1h",
	})
	if err != nil {
		t.Fatalf("Failed to open Redis store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	engine, err := policy.NewEngine("", zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create policy engine: %v", err)
	}

	h := &harness{
		verifier: &fakeVerifier{grants: map[string]access.Grant{
			"TRIAL":  {Kind: access.KindTrial, GrantID: "t-1", MaxSeats: 2, PackageType: access.PackageDigital},
			"B2B":    {Kind: access.KindTrial, GrantID: "t-2", MaxSeats: 1, Audience: access.AudienceB2B},
			"B2C":    {Kind: access.KindTrial, GrantID: "t-3", MaxSeats: 1, Audience: access.AudienceB2C},
			"OTHER":  {Kind: access.KindPurchase, GrantID: "p-1", MaxSeats: 1, Audience: access.AudienceB2B},
			"NOSEAT": {Kind: access.KindPurchase, GrantID: "p-2", MaxSeats: 1, UsedSeats: 1},
		}},
		content: &fakeContent{
			levels:    []int{1, 2, 3},
			questions: map[int][]quiz.Question{1: levelQuestions(), 2: levelQuestions(), 3: levelQuestions()},
		},
		ledger:   &fakeLedger{},
		sched:    &quiz.ManualScheduler{},
		clock:    &access.TestClock{CurrentTime: testNow},
		sessions: session.NewStore(store.Sessions(), zerolog.Nop()),
	}

	ctrl := progression.NewController(engine, h.content, zerolog.Nop())
	ctrl.SetClock(h.clock)

	reporter := report.NewReporter(h.ledger, store.Progress(), report.Options{Retries: 1, InitialInterval: time.Millisecond}, zerolog.Nop())
	reporter.SetClock(h.clock)

	seats := report.NewSeatNotifier(h.ledger, store.Progress(), zerolog.Nop())
	seats.SetClock(h.clock)

	h.svc = NewService(h.sessions, h.verifier, ctrl, reporter, seats, Options{
		AnswerWindow: 180 * time.Second,
		IdleTimeout:  10 * time.Minute,
		Scheduler:    h.sched,
	}, zerolog.Nop())
	h.svc.SetClock(h.clock)
	t.Cleanup(h.svc.Stop)

	return h
}

// verified opens a session and verifies code.
func (h *harness) verified(t *testing.T, code string) string {
	t.Helper()
	ctx := context.Background()

	st, err := h.svc.Open(ctx, "", 0)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, err := h.svc.Verify(ctx, st.ID, code, ""); err != nil {
		t.Fatalf("Verify(%s) failed: %v", code, err)
	}
	return st.ID
}

// playLevel starts level and answers every question with answerID.
func (h *harness) playLevel(t *testing.T, id string, level int, answerID string) Summary {
	t.Helper()
	ctx := context.Background()

	if _, err := h.svc.Start(ctx, id, level); err != nil {
		t.Fatalf("Start(%d) failed: %v", level, err)
	}

	for {
		if _, err := h.svc.Answer(ctx, id, "", answerID); err != nil {
			t.Fatalf("Answer failed: %v", err)
		}
		adv, err := h.svc.Next(ctx, id)
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		if adv.Done {
			return *adv.Summary
		}
	}
}

func TestService_UnrestrictedFlow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	st, err := h.svc.Open(ctx, "", 0)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if st.Verified || st.Phase != session.PhaseLanding {
		t.Fatalf("Expected unverified landing session, got %+v", st)
	}

	v, err := h.svc.Verify(ctx, st.ID, " trial ", "")
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !v.State.Verified || v.State.Phase != session.PhaseLevelSelect {
		t.Errorf("Expected verified level select, got %+v", v.State)
	}
	if len(v.Levels) != 3 {
		t.Errorf("Expected 3 levels, got %d", len(v.Levels))
	}

	summary := h.playLevel(t, st.ID, 3, "high")

	if summary.State.Phase != session.PhaseSummary {
		t.Errorf("Expected summary phase, got %s", summary.State.Phase)
	}
	if summary.Progress.PercentageScore != 100 || summary.Progress.RiskLevel != scoring.RiskConfident {
		t.Errorf("Expected 100%% confident, got %+v", summary.Progress)
	}
	if len(summary.Progress.Cards) != 2 {
		t.Errorf("Expected 2 cards, got %d", len(summary.Progress.Cards))
	}
	if summary.Report != report.StatusAccepted {
		t.Errorf("Expected report accepted, got %s", summary.Report)
	}

	// Summary render re-reports without a second delivery
	again, err := h.svc.Summary(ctx, st.ID)
	if err != nil {
		t.Fatalf("Summary failed: %v", err)
	}
	if again.Report != report.StatusDuplicate {
		t.Errorf("Expected duplicate on summary render, got %s", again.Report)
	}

	reports, seats := h.ledger.counts()
	if reports != 1 {
		t.Errorf("Expected one progress report, got %d", reports)
	}
	if seats != 1 {
		t.Errorf("Expected one seat consumption for one level start, got %d", seats)
	}

	// Play again is a new attempt and a new seat
	h.playLevel(t, st.ID, 1, "mid")
	reports, seats = h.ledger.counts()
	if reports != 2 || seats != 2 {
		t.Errorf("Expected 2 reports and 2 seats, got %d and %d", reports, seats)
	}
}

func TestService_ReloadNeverRestoresVerification(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id := h.verified(t, "TRIAL")

	st, err := h.svc.Open(ctx, id, 0)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if st.Verified || st.Grant != nil {
		t.Error("Expected reload to drop verification")
	}
	if st.PendingCode != "TRIAL" {
		t.Errorf("Expected remembered code, got %q", st.PendingCode)
	}

	if _, err := h.svc.Levels(ctx, id); !errors.Is(err, progression.ErrNotVerified) {
		t.Errorf("Expected not verified, got %v", err)
	}
}

func TestService_VerifyRejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	st, _ := h.svc.Open(ctx, "", 0)

	if _, err := h.svc.Verify(ctx, st.ID, "nope", ""); !errors.Is(err, access.ErrInvalidCode) {
		t.Errorf("Expected invalid code, got %v", err)
	}
	if _, err := h.svc.Verify(ctx, st.ID, "noseat", ""); !errors.Is(err, access.ErrSeatsExhausted) {
		t.Errorf("Expected seats exhausted, got %v", err)
	}

	got, _ := h.svc.Get(ctx, st.ID)
	if got.Verified {
		t.Error("Expected session to stay unverified")
	}

	if _, err := h.svc.Verify(ctx, st.ID, "trial", ""); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if _, err := h.svc.Verify(ctx, st.ID, "trial", ""); !errors.Is(err, ErrAlreadyVerified) {
		t.Errorf("Expected already verified, got %v", err)
	}
}

func TestService_CancelDiscardsInFlightVerification(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	st, _ := h.svc.Open(ctx, "", 0)
	h.verifier.block = make(chan struct{})

	errCh := make(chan error, 1)
	go func() {
		_, err := h.svc.Verify(ctx, st.ID, "TRIAL", "")
		errCh <- err
	}()

	for h.verifier.Calls() == 0 {
		time.Sleep(time.Millisecond)
	}

	if _, err := h.svc.Cancel(ctx, st.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	close(h.verifier.block)

	if err := <-errCh; !errors.Is(err, ErrStale) {
		t.Errorf("Expected stale verification, got %v", err)
	}

	got, _ := h.svc.Get(ctx, st.ID)
	if got.Verified || got.Grant != nil {
		t.Error("Expected cancelled session to stay unverified")
	}
}

func TestService_ConcurrentVerifyCollapses(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	st, _ := h.svc.Open(ctx, "", 0)
	h.verifier.block = make(chan struct{})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.svc.Verify(ctx, st.ID, "TRIAL", "")
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(h.verifier.block)
	wg.Wait()

	if calls := h.verifier.Calls(); calls != 1 {
		t.Errorf("Expected one classification, got %d", calls)
	}

	// Both callers share the outcome of the one lookup
	for i, err := range errs {
		if err != nil {
			t.Errorf("Verify %d: expected success, got %v", i, err)
		}
	}

	got, _ := h.svc.Get(ctx, st.ID)
	if !got.Verified || got.Code != "TRIAL" {
		t.Errorf("Expected verified session, got %+v", got)
	}
}

func TestService_VerifyOtherCodeSupersedes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	st, _ := h.svc.Open(ctx, "", 0)
	block := make(chan struct{})
	h.verifier.block = block

	errCh := make(chan error, 1)
	go func() {
		_, err := h.svc.Verify(ctx, st.ID, "TRIAL", "")
		errCh <- err
	}()

	for h.verifier.Calls() == 0 {
		time.Sleep(time.Millisecond)
	}

	h.verifier.mu.Lock()
	h.verifier.block = nil
	h.verifier.mu.Unlock()

	v, err := h.svc.Verify(ctx, st.ID, "B2B", "")
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if v.State.Code != "B2B" {
		t.Errorf("Expected B2B to be verified, got %q", v.State.Code)
	}

	close(block)
	if err := <-errCh; !errors.Is(err, ErrStale) {
		t.Errorf("Expected superseded verification to be stale, got %v", err)
	}

	got, _ := h.svc.Get(ctx, st.ID)
	if got.Code != "B2B" {
		t.Errorf("Expected B2B to stay verified, got %q", got.Code)
	}
}

func TestService_AnswerWindowExpiry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id := h.verified(t, "TRIAL")
	if _, err := h.svc.Start(ctx, id, 1); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	h.clock.Advance(100 * time.Second)
	snap, err := h.svc.Question(ctx, id)
	if err != nil {
		t.Fatalf("Question failed: %v", err)
	}
	if snap.Remaining != 80*time.Second {
		t.Errorf("Expected 80s left, got %s", snap.Remaining)
	}

	h.sched.Advance(180 * time.Second)

	snap, _ = h.svc.Question(ctx, id)
	if snap.Stage != quiz.StageFeedback || snap.Last == nil || !snap.Last.TimeExpired {
		t.Fatalf("Expected expired feedback, got %+v", snap)
	}
	if _, err := h.svc.Answer(ctx, id, "", "high"); !errors.Is(err, quiz.ErrNotAnswering) {
		t.Errorf("Expected locked question, got %v", err)
	}

	var summary *Summary
	for summary == nil {
		adv, err := h.svc.Next(ctx, id)
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		if adv.Done {
			summary = adv.Summary
			break
		}
		if _, err := h.svc.Answer(ctx, id, "", "high"); err != nil {
			t.Fatalf("Answer failed: %v", err)
		}
	}

	if summary.Progress.TotalScore != 8 || summary.Progress.MaxScore != 12 {
		t.Errorf("Expected 8/12, got %d/%d", summary.Progress.TotalScore, summary.Progress.MaxScore)
	}
}

func TestService_LeaveStopsCountdown(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id := h.verified(t, "TRIAL")
	if _, err := h.svc.Start(ctx, id, 2); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if h.sched.Pending() != 1 {
		t.Fatalf("Expected a running countdown, got %d", h.sched.Pending())
	}

	st, err := h.svc.Leave(ctx, id)
	if err != nil {
		t.Fatalf("Leave failed: %v", err)
	}
	if st.Phase != session.PhaseLevelSelect || st.AttemptID != "" {
		t.Errorf("Expected level select, got %+v", st)
	}
	if h.sched.Pending() != 0 {
		t.Error("Expected countdown to be stopped")
	}

	h.sched.FireStale()
	if _, err := h.svc.Question(ctx, id); !errors.Is(err, ErrNoRound) {
		t.Errorf("Expected no round, got %v", err)
	}

	reports, _ := h.ledger.counts()
	if reports != 0 {
		t.Error("Expected no report for an abandoned level")
	}
}

func TestService_SequentialSeatOnFinalLevel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id := h.verified(t, "B2B")

	if _, err := h.svc.Start(ctx, id, 2); !errors.Is(err, access.ErrLevelLocked) {
		t.Fatalf("Expected level 2 locked, got %v", err)
	}

	for _, level := range []int{1, 2} {
		h.playLevel(t, id, level, "mid")
		if _, seats := h.ledger.counts(); seats != 0 {
			t.Fatalf("Expected no seat before the final level, got %d after level %d", seats, level)
		}
	}

	levels, err := h.svc.Levels(ctx, id)
	if err != nil {
		t.Fatalf("Levels failed: %v", err)
	}
	if opt, ok := policy.Find(levels, 3); !ok || !opt.Selectable {
		t.Fatalf("Expected level 3 unlocked, got %+v", levels)
	}

	summary := h.playLevel(t, id, 3, "mid")
	if summary.Progress.RiskLevel != scoring.RiskCautious {
		t.Errorf("Expected cautious at 50%%, got %s", summary.Progress.RiskLevel)
	}

	reports, seats := h.ledger.counts()
	if reports != 3 || seats != 1 {
		t.Errorf("Expected 3 reports and 1 seat, got %d and %d", reports, seats)
	}

	st, _ := h.svc.Get(ctx, id)
	if len(st.CompletedLevels) != 3 {
		t.Errorf("Expected 3 completed levels, got %v", st.CompletedLevels)
	}
}

func TestService_B2CSeatAfterLevelOne(t *testing.T) {
	h := newHarness(t)
	id := h.verified(t, "B2C")

	levels, _ := h.svc.Levels(context.Background(), id)
	if len(levels) != 1 {
		t.Errorf("Expected only level 1 visible, got %+v", levels)
	}

	h.playLevel(t, id, 1, "high")
	if _, seats := h.ledger.counts(); seats != 1 {
		t.Errorf("Expected seat consumed after level 1, got %d", seats)
	}
}

func TestService_UndeliveredReportHoldsProgression(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id := h.verified(t, "B2B")
	h.ledger.setFailProgress(true)

	summary := h.playLevel(t, id, 1, "high")
	if summary.Report != report.StatusPending {
		t.Fatalf("Expected pending report, got %s", summary.Report)
	}
	if summary.State.HasCompleted(1) {
		t.Error("Expected level 1 not to count as completed before delivery")
	}
	if _, err := h.svc.Start(ctx, id, 2); !errors.Is(err, access.ErrLevelLocked) {
		t.Fatalf("Expected level 2 locked while level 1 is undelivered, got %v", err)
	}

	// The parked report goes out on the next level start and unlocks it
	h.ledger.setFailProgress(false)
	h.playLevel(t, id, 2, "high")

	st, _ := h.svc.Get(ctx, id)
	if !st.HasCompleted(1) || !st.HasCompleted(2) {
		t.Fatalf("Expected levels 1 and 2 completed, got %v", st.CompletedLevels)
	}

	h.ledger.setFailProgress(true)
	summary = h.playLevel(t, id, 3, "high")
	if summary.Report != report.StatusPending {
		t.Fatalf("Expected pending final report, got %s", summary.Report)
	}
	if _, seats := h.ledger.counts(); seats != 0 {
		t.Fatalf("Expected no seat while the final report is undelivered, got %d", seats)
	}

	// Rendering the summary again delivers the report and releases the seat
	h.ledger.setFailProgress(false)
	again, err := h.svc.Summary(ctx, id)
	if err != nil {
		t.Fatalf("Summary failed: %v", err)
	}
	if again.Report != report.StatusAccepted {
		t.Errorf("Expected accepted on summary render, got %s", again.Report)
	}
	if !again.State.HasCompleted(3) {
		t.Errorf("Expected level 3 completed, got %v", again.State.CompletedLevels)
	}

	reports, seats := h.ledger.counts()
	if reports != 3 || seats != 1 {
		t.Errorf("Expected 3 accepted reports and 1 seat, got %d and %d", reports, seats)
	}

	// Later renders neither resend nor consume again
	if _, err := h.svc.Summary(ctx, id); err != nil {
		t.Fatalf("Summary failed: %v", err)
	}
	if _, seats := h.ledger.counts(); seats != 1 {
		t.Errorf("Expected the seat to be consumed once, got %d", seats)
	}
}

func TestService_DifferentCodeResetsProgression(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id := h.verified(t, "B2B")
	h.playLevel(t, id, 1, "high")

	// Reload keeps the progression for the remembered code
	if _, err := h.svc.Open(ctx, id, 0); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	v, err := h.svc.Verify(ctx, id, "B2B", "")
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !v.State.HasCompleted(1) {
		t.Error("Expected same code to keep completed levels")
	}

	if _, err := h.svc.Open(ctx, id, 0); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	v, err = h.svc.Verify(ctx, id, "OTHER", "")
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if len(v.State.CompletedLevels) != 0 {
		t.Errorf("Expected a different code to start over, got %v", v.State.CompletedLevels)
	}

	st, _ := h.svc.Get(ctx, id)
	if len(st.CompletedLevels) != 0 {
		t.Errorf("Expected stored levels to be cleared, got %v", st.CompletedLevels)
	}
}

func TestService_StartFailureReturnsToLevelSelect(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id := h.verified(t, "TRIAL")
	h.content.questions[2] = nil

	play, err := h.svc.Start(ctx, id, 2)
	if !errors.Is(err, access.ErrContentUnavailable) {
		t.Fatalf("Expected content unavailable, got %v", err)
	}
	if play.State.Phase != session.PhaseLevelSelect {
		t.Errorf("Expected level select, got %s", play.State.Phase)
	}
	if _, seats := h.ledger.counts(); seats != 0 {
		t.Error("Expected no seat for a level that never started")
	}

	st, _ := h.svc.Get(ctx, id)
	if st.Phase != session.PhaseLevelSelect {
		t.Errorf("Expected stored phase level select, got %s", st.Phase)
	}
}

func TestService_ResumeLevel(t *testing.T) {
	tests := []struct {
		name string
		code string
		want int
	}{
		{"unrestricted preselects", "TRIAL", 2},
		{"sequential locked level is not preselected", "B2B", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()

			st, _ := h.svc.Open(ctx, "", 2)
			v, err := h.svc.Verify(ctx, st.ID, tt.code, "")
			if err != nil {
				t.Fatalf("Verify failed: %v", err)
			}
			if v.Preselect != tt.want {
				t.Errorf("Expected preselect %d, got %d", tt.want, v.Preselect)
			}
			if v.State.ResumeLevel != 0 {
				t.Error("Expected resume level to be consumed")
			}
		})
	}
}

func TestService_SweepIdle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id := h.verified(t, "TRIAL")
	if _, err := h.svc.Start(ctx, id, 1); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if removed := h.svc.sweepIdle(); removed != 0 {
		t.Errorf("Expected active session to survive, removed %d", removed)
	}

	h.clock.Advance(11 * time.Minute)
	if removed := h.svc.sweepIdle(); removed != 1 {
		t.Errorf("Expected idle session to be removed, removed %d", removed)
	}
	if h.sched.Pending() != 0 {
		t.Error("Expected idle countdown to be stopped")
	}
	if _, err := h.svc.Question(ctx, id); !errors.Is(err, ErrNoRound) {
		t.Errorf("Expected no round after sweep, got %v", err)
	}
}

func TestService_RunAndStop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.svc.Run()

	id := h.verified(t, "TRIAL")
	if _, err := h.svc.Start(ctx, id, 1); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	h.svc.Stop()
	if h.sched.Pending() != 0 {
		t.Error("Expected Stop to cancel running countdowns")
	}
	if _, err := h.svc.Question(ctx, id); !errors.Is(err, ErrNoRound) {
		t.Errorf("Expected no round after stop, got %v", err)
	}
}

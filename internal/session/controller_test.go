package session

import (
	"errors"
	"sync"
	"testing"

	"github.com/nvandessel/cmrsim/internal/budget"
	"github.com/nvandessel/cmrsim/internal/estimate"
	"github.com/nvandessel/cmrsim/internal/population"
)

func newTestController(t *testing.T, mode estimate.Mode, seed uint64, opts ...Option) *Controller {
	t.Helper()
	opts = append([]Option{WithSeed(seed, 1)}, opts...)
	return NewController(mode, opts...)
}

// wideOpen allows a single operation to touch the whole population.
func wideOpen() Config {
	cfg := DefaultConfig()
	cfg.Budget = budget.Policy{FirstFraction: 1, RelaxedFraction: 1}
	return cfg
}

func checkInvariants(t *testing.T, s Snapshot, trueN int) {
	t.Helper()
	if s.Marked < 0 || s.Marked > trueN {
		t.Errorf("M = %d outside [0, %d]", s.Marked, trueN)
	}
	if s.Sampled < 0 || s.Sampled > trueN {
		t.Errorf("n = %d outside [0, %d]", s.Sampled, trueN)
	}
	if s.Recaptured < 0 || s.Recaptured > s.Sampled {
		t.Errorf("m = %d outside [0, n=%d]", s.Recaptured, s.Sampled)
	}
	if s.Recaptured > s.Marked {
		t.Errorf("m = %d exceeds M = %d", s.Recaptured, s.Marked)
	}
}

func TestController_NewIsSetup(t *testing.T) {
	c := newTestController(t, estimate.ModeKnown, 1)

	s := c.Snapshot()
	if s.Phase != PhaseSetup {
		t.Errorf("Phase = %s, want setup", s.Phase)
	}
	if s.SessionID == "" || s.SessionID != c.ID() {
		t.Errorf("SessionID = %q, want %q", s.SessionID, c.ID())
	}
	if s.NextTagCap != nil || s.NextRecaptureCap != nil {
		t.Error("caps should be nil before a population exists")
	}
}

func TestController_Create(t *testing.T) {
	c := newTestController(t, estimate.ModeKnown, 1)

	if err := c.Create(1000); err != nil {
		t.Fatalf("Create(1000) error = %v", err)
	}
	s := c.Snapshot()
	if s.Phase != PhaseTagging {
		t.Errorf("Phase = %s, want tagging", s.Phase)
	}
	if s.Size != 1000 || s.SizeHidden {
		t.Errorf("Size = %d hidden = %v, want 1000 visible", s.Size, s.SizeHidden)
	}
	if s.Marked != 0 || s.Sampled != 0 || s.Recaptured != 0 {
		t.Errorf("counts = %d/%d/%d, want zeros", s.Marked, s.Sampled, s.Recaptured)
	}
	if s.NextTagCap == nil || s.NextTagCap.Limit != 100 || s.NextTagCap.Tier != budget.TierFirstAttempt {
		t.Errorf("NextTagCap = %+v, want 100 first_attempt", s.NextTagCap)
	}

	err := c.Create(500)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second Create error = %v, want ErrInvalidTransition", err)
	}
	if got := c.Snapshot().Size; got != 1000 {
		t.Errorf("Size after rejected Create = %d, want 1000", got)
	}
}

func TestController_CreateInvalidSize(t *testing.T) {
	c := newTestController(t, estimate.ModeKnown, 1)

	for _, n := range []int{0, -5} {
		if err := c.Create(n); !errors.Is(err, population.ErrInvalidSize) {
			t.Errorf("Create(%d) error = %v, want ErrInvalidSize", n, err)
		}
	}
	if got := c.Snapshot().Phase; got != PhaseSetup {
		t.Errorf("Phase = %s, want setup", got)
	}
}

func TestController_CreateRandomHidden(t *testing.T) {
	for seed := uint64(0); seed < 20; seed++ {
		c := newTestController(t, estimate.ModeHidden, seed)
		if err := c.CreateRandom(); err != nil {
			t.Fatalf("CreateRandom() error = %v", err)
		}
		s := c.Snapshot()
		if !s.SizeHidden || s.Size != 0 {
			t.Fatalf("hidden snapshot exposes size: %+v", s)
		}
		n := c.pop.Size()
		if n < 500 || n > 3000 {
			t.Fatalf("hidden N = %d outside [500, 3000]", n)
		}
	}
}

// Scenario: N=10000, tag 100, recapture 100, estimate floor(M*n/m).
func TestController_KnownEndToEnd(t *testing.T) {
	c := newTestController(t, estimate.ModeKnown, 42)
	if err := c.Create(10000); err != nil {
		t.Fatalf("Create error = %v", err)
	}

	tr, err := c.Tag(100)
	if err != nil {
		t.Fatalf("Tag(100) error = %v", err)
	}
	if tr.Tagged != 100 || tr.Marked != 100 {
		t.Errorf("TagResult = %+v, want 100 tagged", tr)
	}
	if tr.Cap.Limit != 1000 || tr.Cap.Tier != budget.TierFirstAttempt {
		t.Errorf("tag cap = %+v, want 1000 first_attempt", tr.Cap)
	}

	rr, err := c.Recapture(100)
	if err != nil {
		t.Fatalf("Recapture(100) error = %v", err)
	}
	if rr.Size != 100 || len(rr.Catch) != 100 {
		t.Errorf("sample size = %d (%d caught), want 100", rr.Size, len(rr.Catch))
	}
	if rr.TotalMarked != 100 {
		t.Errorf("TotalMarked = %d, want 100", rr.TotalMarked)
	}
	checkInvariants(t, c.Snapshot(), 10000)

	// Force the textbook composition and check the arithmetic end to end.
	c.mu.Lock()
	c.recaptured = 10
	c.mu.Unlock()

	res, err := c.Estimate()
	if err != nil {
		t.Fatalf("Estimate error = %v", err)
	}
	if res.Estimate != 1000 {
		t.Errorf("Estimate = %d, want 1000", res.Estimate)
	}
	if res.Accuracy == nil || res.Accuracy.Category != estimate.CategoryUnderestimate {
		t.Errorf("Accuracy = %+v, want underestimate", res.Accuracy)
	}
	if res.Advice != estimate.AdviceIncreaseMarkedOrSample {
		t.Errorf("Advice = %s, want increase_marked_or_sample", res.Advice)
	}
	if res.Proportions.Theoretical != 0.01 || res.Proportions.Observed != 0.1 {
		t.Errorf("Proportions = %+v, want 0.01/0.1", res.Proportions)
	}
}

func TestController_EstimateMatchesSample(t *testing.T) {
	for seed := uint64(1); seed <= 10; seed++ {
		c := newTestController(t, estimate.ModeKnown, seed)
		if err := c.Create(1000); err != nil {
			t.Fatal(err)
		}
		if _, err := c.Tag(100); err != nil {
			t.Fatal(err)
		}
		rr, err := c.Recapture(100)
		if err != nil {
			t.Fatal(err)
		}
		marked := 0
		for _, ind := range rr.Catch {
			if ind.Tagged {
				marked++
			}
		}
		if marked != rr.Marked {
			t.Fatalf("sample reports m=%d, catch holds %d tagged", rr.Marked, marked)
		}

		res, err := c.Estimate()
		if rr.Marked == 0 {
			if !errors.Is(err, estimate.ErrUndefined) {
				t.Fatalf("Estimate with m=0 error = %v", err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("Estimate error = %v", err)
		}
		if want := 100 * 100 / rr.Marked; res.Estimate != want {
			t.Errorf("Estimate = %d, want %d", res.Estimate, want)
		}
	}
}

// Scenario: N=1000, tagging 150 on the first attempt exceeds the 100 cap.
func TestController_TagBudgetRejected(t *testing.T) {
	c := newTestController(t, estimate.ModeKnown, 1)
	if err := c.Create(1000); err != nil {
		t.Fatal(err)
	}

	_, err := c.Tag(150)
	if !errors.Is(err, budget.ErrExceeded) {
		t.Fatalf("Tag(150) error = %v, want ErrExceeded", err)
	}
	var ee *budget.ExceededError
	if !errors.As(err, &ee) {
		t.Fatalf("error %T is not *budget.ExceededError", err)
	}
	if ee.Cap.Limit != 100 || ee.Cap.Tier != budget.TierFirstAttempt {
		t.Errorf("Cap = %+v, want 100 first_attempt", ee.Cap)
	}

	s := c.Snapshot()
	if s.Marked != 0 || s.TagAttempts != 0 || s.Phase != PhaseTagging {
		t.Errorf("rejected tag mutated state: %+v", s)
	}
}

func TestController_BudgetTiers(t *testing.T) {
	c := newTestController(t, estimate.ModeKnown, 1)
	if err := c.Create(1000); err != nil {
		t.Fatal(err)
	}

	// Exactly the cap is allowed.
	if _, err := c.Tag(100); err != nil {
		t.Fatalf("Tag(100) at cap error = %v", err)
	}
	// Relaxed tier after M > 0.
	if _, err := c.Tag(201); !errors.Is(err, budget.ErrExceeded) {
		t.Errorf("Tag(201) error = %v, want ErrExceeded", err)
	}
	if _, err := c.Tag(200); err != nil {
		t.Errorf("Tag(200) relaxed error = %v", err)
	}

	if _, err := c.Recapture(101); !errors.Is(err, budget.ErrExceeded) {
		t.Errorf("first Recapture(101) error = %v, want ErrExceeded", err)
	}
	if _, err := c.Recapture(100); err != nil {
		t.Fatalf("Recapture(100) error = %v", err)
	}
	rr, err := c.Recapture(200)
	if err != nil {
		t.Fatalf("relaxed Recapture(200) error = %v", err)
	}
	if rr.Cap.Tier != budget.TierRelaxed {
		t.Errorf("second recapture tier = %s, want relaxed", rr.Cap.Tier)
	}
	if s := c.Snapshot(); s.Sampled != 200 || s.RecaptureAttempts != 2 {
		t.Errorf("Sampled = %d attempts = %d, want 200 and 2", s.Sampled, s.RecaptureAttempts)
	}
}

func TestController_InvalidCount(t *testing.T) {
	c := newTestController(t, estimate.ModeKnown, 1)
	if err := c.Create(1000); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Tag(0); !errors.Is(err, population.ErrInvalidCount) {
		t.Errorf("Tag(0) error = %v, want ErrInvalidCount", err)
	}
	if _, err := c.Tag(10); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Recapture(-1); !errors.Is(err, population.ErrInvalidCount) {
		t.Errorf("Recapture(-1) error = %v, want ErrInvalidCount", err)
	}
}

// Scenario: N=1000, M=50, n=50 with m=0 reports an undefined estimate.
func TestController_UndefinedEstimate(t *testing.T) {
	for seed := uint64(0); seed < 1000; seed++ {
		c := newTestController(t, estimate.ModeKnown, seed)
		if err := c.Create(1000); err != nil {
			t.Fatal(err)
		}
		if _, err := c.Tag(50); err != nil {
			t.Fatal(err)
		}
		rr, err := c.Recapture(50)
		if err != nil {
			t.Fatal(err)
		}
		if rr.Marked != 0 {
			continue
		}

		res, err := c.Estimate()
		if !errors.Is(err, estimate.ErrUndefined) {
			t.Fatalf("Estimate error = %v, want ErrUndefined", err)
		}
		if Code(err) != CodeUndefinedEstimate {
			t.Errorf("Code = %s, want %s", Code(err), CodeUndefinedEstimate)
		}
		if res.Advice != estimate.AdviceIncreaseMarkedOrSample {
			t.Errorf("Advice = %s, want increase_marked_or_sample", res.Advice)
		}
		if res.Marked != 50 || res.Sampled != 50 || res.Recaptured != 0 {
			t.Errorf("counts = %d/%d/%d, want 50/50/0", res.Marked, res.Sampled, res.Recaptured)
		}
		if c.Snapshot().Estimated {
			t.Error("undefined estimate should not latch Estimated")
		}
		return
	}
	t.Fatal("no seed produced m=0")
}

// Scenario: reset after any sequence returns to setup with zero counts.
func TestController_Reset(t *testing.T) {
	c := newTestController(t, estimate.ModeHidden, 3, WithConfig(wideOpen()))
	if err := c.CreateRandom(); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Tag(100); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Recapture(100); err != nil {
		t.Fatal(err)
	}
	c.Reset()

	s := c.Snapshot()
	if s.Phase != PhaseSetup {
		t.Errorf("Phase = %s, want setup", s.Phase)
	}
	if s.Marked != 0 || s.Sampled != 0 || s.Recaptured != 0 || s.LastSample != nil {
		t.Errorf("reset left counts: %+v", s)
	}
	if c.pop != nil {
		t.Error("reset kept the population")
	}
	if _, err := c.Tag(1); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Tag after reset error = %v, want ErrInvalidTransition", err)
	}
	if err := c.CreateRandom(); err != nil {
		t.Errorf("CreateRandom after reset error = %v", err)
	}
}

func TestController_PhaseGuards(t *testing.T) {
	c := newTestController(t, estimate.ModeKnown, 1)

	if _, err := c.Tag(1); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Tag in setup error = %v", err)
	}
	if _, err := c.Recapture(1); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Recapture in setup error = %v", err)
	}
	if _, err := c.Estimate(); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Estimate in setup error = %v", err)
	}

	if err := c.Create(1000); err != nil {
		t.Fatal(err)
	}
	_, err := c.Recapture(10)
	var te *TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("Recapture with M=0 error = %v, want *TransitionError", err)
	}
	if te.Op != OpRecapture || te.Phase != PhaseTagging {
		t.Errorf("TransitionError = %+v", te)
	}
	if _, err := c.Estimate(); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Estimate in tagging error = %v", err)
	}
	if _, err := c.Reveal(); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Reveal in known mode error = %v", err)
	}
}

func TestController_TagAfterRecaptureMarksStale(t *testing.T) {
	c := newTestController(t, estimate.ModeKnown, 5, WithConfig(wideOpen()))
	if err := c.Create(100); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Tag(100); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Recapture(40); err != nil {
		t.Fatal(err)
	}

	// Every individual is already tagged, so this tags nothing and the sample stays fresh.
	if tr, err := c.Tag(1); err != nil || tr.Tagged != 0 {
		t.Fatalf("Tag on fully tagged population = %+v, %v", tr, err)
	}
	if c.Snapshot().SampleStale {
		t.Fatal("tagging nobody should not stale the sample")
	}

	c2 := newTestController(t, estimate.ModeKnown, 5, WithConfig(wideOpen()))
	if err := c2.Create(100); err != nil {
		t.Fatal(err)
	}
	if _, err := c2.Tag(10); err != nil {
		t.Fatal(err)
	}
	if _, err := c2.Recapture(40); err != nil {
		t.Fatal(err)
	}
	if _, err := c2.Tag(10); err != nil {
		t.Fatal(err)
	}
	s := c2.Snapshot()
	if !s.SampleStale || s.Phase != PhaseRecaptured {
		t.Fatalf("after late tag: stale = %v phase = %s", s.SampleStale, s.Phase)
	}
	if _, err := c2.Estimate(); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Estimate on stale sample error = %v", err)
	}
	if _, err := c2.Recapture(40); err != nil {
		t.Fatal(err)
	}
	if c2.Snapshot().SampleStale {
		t.Error("recapture should clear staleness")
	}
}

func TestController_FullTagExactEstimate(t *testing.T) {
	c := newTestController(t, estimate.ModeKnown, 9, WithConfig(wideOpen()))
	if err := c.Create(200); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Tag(200); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Recapture(50); err != nil {
		t.Fatal(err)
	}
	res, err := c.Estimate()
	if err != nil {
		t.Fatalf("Estimate error = %v", err)
	}
	if res.Estimate != 200 {
		t.Errorf("Estimate = %d, want 200", res.Estimate)
	}
	if res.Accuracy.Category != estimate.CategoryClose || res.Advice != estimate.AdviceNone {
		t.Errorf("Accuracy = %+v advice = %s", res.Accuracy, res.Advice)
	}
}

func TestController_HiddenReveal(t *testing.T) {
	c := newTestController(t, estimate.ModeHidden, 11, WithConfig(wideOpen()))
	if err := c.CreateRandom(); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Tag(500); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Reveal(); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Reveal before estimate error = %v", err)
	}
	if _, err := c.Recapture(400); err != nil {
		t.Fatal(err)
	}

	res, err := c.Estimate()
	if err != nil {
		t.Fatalf("Estimate error = %v", err)
	}
	if res.Accuracy != nil {
		t.Error("hidden estimate must not carry accuracy before reveal")
	}
	if res.Proportions.Theoretical != 0 {
		t.Errorf("hidden estimate leaked theoretical proportion %v", res.Proportions.Theoretical)
	}

	rev, err := c.Reveal()
	if err != nil {
		t.Fatalf("Reveal error = %v", err)
	}
	trueN := c.pop.Size()
	if rev.Size != trueN || rev.Estimate != res.Estimate {
		t.Errorf("Revelation = %+v, want size %d estimate %d", rev, trueN, res.Estimate)
	}
	want, _ := estimate.Classify(estimate.ModeHidden, res.Estimate, trueN, estimate.DefaultThresholds())
	if rev.Accuracy.Category != want.Category {
		t.Errorf("Category = %s, want %s", rev.Accuracy.Category, want.Category)
	}

	s := c.Snapshot()
	if !s.Revealed || s.SizeHidden || s.Size != trueN {
		t.Errorf("snapshot after reveal = %+v", s)
	}
}

func TestController_ObserverEvents(t *testing.T) {
	var events []Event
	obs := ObserverFunc(func(ev Event) { events = append(events, ev) })
	c := newTestController(t, estimate.ModeKnown, 1, WithObserver(obs))

	if err := c.Create(1000); err != nil {
		t.Fatal(err)
	}
	_, _ = c.Tag(500)
	_, _ = c.Tag(10)
	c.Reset()

	if len(events) != 4 {
		t.Fatalf("got %d events, want 4", len(events))
	}
	wantOps := []Op{OpCreate, OpTag, OpTag, OpReset}
	wantOutcomes := []string{CodeOK, CodeBudgetExceeded, CodeOK, CodeOK}
	for i, ev := range events {
		if ev.Op != wantOps[i] || ev.Outcome() != wantOutcomes[i] {
			t.Errorf("event %d = %s/%s, want %s/%s", i, ev.Op, ev.Outcome(), wantOps[i], wantOutcomes[i])
		}
		if ev.SessionID != c.ID() {
			t.Errorf("event %d session = %q", i, ev.SessionID)
		}
	}
	if events[1].Requested != 500 {
		t.Errorf("Requested = %d, want 500", events[1].Requested)
	}
}

func TestController_ConcurrentCommands(t *testing.T) {
	c := newTestController(t, estimate.ModeKnown, 1)
	if err := c.Create(10000); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Tag(1000); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_, _ = c.Tag(5)
				_, _ = c.Recapture(50)
				_ = c.Snapshot()
			}
		}()
	}
	wg.Wait()

	s := c.Snapshot()
	checkInvariants(t, s, 10000)
	if s.Marked != 1000+8*20*5 {
		t.Errorf("M = %d, want %d", s.Marked, 1000+8*20*5)
	}
}

func TestCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, CodeOK},
		{population.ErrInvalidSize, CodeInvalidSize},
		{population.ErrInvalidCount, CodeInvalidCount},
		{&budget.ExceededError{Op: "tag", Requested: 5, Cap: budget.Cap{Limit: 1}}, CodeBudgetExceeded},
		{estimate.ErrUndefined, CodeUndefinedEstimate},
		{&TransitionError{Op: OpTag, Phase: PhaseSetup, Reason: "x"}, CodeInvalidTransition},
		{errors.New("boom"), CodeInternal},
	}
	for _, tt := range tests {
		if got := Code(tt.err); got != tt.want {
			t.Errorf("Code(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestConfig_Validate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("DefaultConfig().Validate() = %v", err)
	}
	cfg := DefaultConfig()
	cfg.HiddenMin, cfg.HiddenMax = 3000, 500
	if err := cfg.Validate(); err == nil {
		t.Error("Validate should reject an inverted hidden range")
	}
}

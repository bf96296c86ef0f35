package session

import (
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nvandessel/cmrsim/internal/budget"
	"github.com/nvandessel/cmrsim/internal/estimate"
	"github.com/nvandessel/cmrsim/internal/population"
)

// Controller owns the state of one run.
type Controller struct {
	mu       sync.Mutex
	id       string
	mode     estimate.Mode
	config   Config
	source   rand.Source
	sampler  *population.Sampler
	observer Observer
	nowFunc  func() time.Time // injectable clock for testing

	phase             Phase
	pop               *population.Population
	sampled           int // n
	recaptured        int // m
	lastSample        *population.Sample
	tagAttempts       int
	recaptureAttempts int
	stale             bool
	estimated         bool
	lastEstimate      int
	revealed          bool
}

// Option configures a Controller.
type Option func(*Controller)

// WithConfig sets the run policy.
func WithConfig(cfg Config) Option {
	return func(c *Controller) { c.config = cfg }
}

// WithSource injects the random source. Sources that implement
// encoding.BinaryMarshaler (such as *rand.PCG) survive SaveState/LoadState.
func WithSource(src rand.Source) Option {
	return func(c *Controller) { c.source = src }
}

// WithSeed is shorthand for WithSource(rand.NewPCG(seed, stream)).
func WithSeed(seed, stream uint64) Option {
	return WithSource(rand.NewPCG(seed, stream))
}

// WithObserver registers an observer notified after every command.
func WithObserver(o Observer) Option {
	return func(c *Controller) { c.observer = o }
}

// WithID sets the session id instead of generating a UUID.
func WithID(id string) Option {
	return func(c *Controller) { c.id = id }
}

// WithClock overrides time.Now for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.nowFunc = now }
}

// NewController creates a controller in setup phase.
func NewController(mode estimate.Mode, opts ...Option) *Controller {
	c := &Controller{
		mode:    mode,
		config:  DefaultConfig(),
		nowFunc: time.Now,
		phase:   PhaseSetup,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.id == "" {
		c.id = uuid.NewString()
	}
	if c.source == nil {
		c.source = rand.NewPCG(rand.Uint64(), rand.Uint64())
	}
	c.sampler = population.NewSampler(c.source)
	return c
}

// ID returns the session id.
func (c *Controller) ID() string {
	return c.id
}

// Mode returns the operating mode.
func (c *Controller) Mode() estimate.Mode {
	return c.mode
}

// Config returns the run policy.
func (c *Controller) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.config
}

// Create builds a population of n individuals and enters tagging phase.
func (c *Controller) Create(n int) error {
	c.mu.Lock()
	err := c.create(n)
	ev := c.event(OpCreate, 0, err)
	c.mu.Unlock()

	c.notify(ev)
	return err
}

// CreateRandom draws N uniformly from the configured hidden range and
// creates the population. The drawn size is not returned.
func (c *Controller) CreateRandom() error {
	c.mu.Lock()
	var err error
	if c.phase != PhaseSetup {
		err = c.transitionErr(OpCreate, "a population already exists; reset first")
	} else {
		err = c.create(c.sampler.IntBetween(c.config.HiddenMin, c.config.HiddenMax))
	}
	ev := c.event(OpCreate, 0, err)
	c.mu.Unlock()

	c.notify(ev)
	return err
}

func (c *Controller) create(n int) error {
	if c.phase != PhaseSetup {
		return c.transitionErr(OpCreate, "a population already exists; reset first")
	}
	pop, err := population.New(n)
	if err != nil {
		return err
	}
	c.clearRun()
	c.pop = pop
	c.phase = PhaseTagging
	return nil
}

// Tag marks up to requested untagged individuals. Allowed in tagging and
// recaptured phases; the phase does not change. Tagging after a recapture
// makes that sample stale until the next recapture.
func (c *Controller) Tag(requested int) (TagResult, error) {
	c.mu.Lock()
	res, err := c.tag(requested)
	ev := c.event(OpTag, requested, err)
	c.mu.Unlock()

	c.notify(ev)
	return res, err
}

func (c *Controller) tag(requested int) (TagResult, error) {
	if c.pop == nil {
		return TagResult{}, c.transitionErr(OpTag, "no population; create one first")
	}
	limit := c.tagCap()
	res := TagResult{Requested: requested, Cap: limit}

	tagged, err := c.sampler.Tag(c.pop, requested, limit)
	if err != nil {
		return res, err
	}
	c.tagAttempts++
	if c.phase == PhaseRecaptured && tagged > 0 {
		c.stale = true
	}
	res.Tagged = tagged
	res.Marked = c.pop.CountTagged()
	return res, nil
}

// Recapture draws up to requested individuals from the whole population and
// records n and m, replacing any earlier sample. Requires M > 0.
func (c *Controller) Recapture(requested int) (RecaptureResult, error) {
	c.mu.Lock()
	res, err := c.recapture(requested)
	ev := c.event(OpRecapture, requested, err)
	c.mu.Unlock()

	c.notify(ev)
	return res, err
}

func (c *Controller) recapture(requested int) (RecaptureResult, error) {
	if c.pop == nil {
		return RecaptureResult{}, c.transitionErr(OpRecapture, "no population; create one first")
	}
	if c.pop.CountTagged() == 0 {
		return RecaptureResult{}, c.transitionErr(OpRecapture, "tag at least one individual before recapturing")
	}
	limit := c.recaptureCap()
	res := RecaptureResult{Requested: requested, Cap: limit}

	sample, err := c.sampler.Recapture(c.pop, requested, limit)
	if err != nil {
		return res, err
	}
	c.recaptureAttempts++
	c.sampled = sample.Size
	c.recaptured = sample.Marked
	c.lastSample = &sample
	c.stale = false
	c.phase = PhaseRecaptured

	res.Sample = sample
	res.TotalMarked = c.pop.CountTagged()
	return res, nil
}

// Estimate computes the Lincoln-Petersen estimate from the current M, n, m.
// When m = 0 it returns estimate.ErrUndefined together with a Result that
// still carries the counts and the corrective advice.
func (c *Controller) Estimate() (Result, error) {
	c.mu.Lock()
	res, err := c.estimate()
	ev := c.event(OpEstimate, 0, err)
	if err == nil || errors.Is(err, estimate.ErrUndefined) {
		r := res
		ev.Result = &r
	}
	c.mu.Unlock()

	c.notify(ev)
	return res, err
}

func (c *Controller) estimate() (Result, error) {
	if c.phase != PhaseRecaptured {
		return Result{}, c.transitionErr(OpEstimate, "recapture before estimating")
	}
	if c.stale {
		return Result{}, c.transitionErr(OpEstimate, "individuals were tagged after the last recapture; recapture again")
	}

	marked := c.pop.CountTagged()
	res := Result{
		Marked:     marked,
		Sampled:    c.sampled,
		Recaptured: c.recaptured,
	}
	size := 0
	if c.sizeVisible() {
		size = c.pop.Size()
	}
	res.Proportions = estimate.ComputeProportions(marked, size, c.sampled, c.recaptured)

	est, err := estimate.LincolnPetersen(marked, c.sampled, c.recaptured)
	if err != nil {
		if errors.Is(err, estimate.ErrUndefined) {
			res.Advice = estimate.AdviseUndefined()
		}
		return res, err
	}
	res.Estimate = est
	res.Advice = estimate.AdviceNone

	if c.sizeVisible() {
		acc, err := estimate.Classify(c.mode, est, c.pop.Size(), c.config.Thresholds)
		if err != nil {
			return Result{}, err
		}
		res.Accuracy = &acc
		res.Advice = estimate.Advise(acc)
	}

	c.estimated = true
	c.lastEstimate = est
	return res, nil
}

// Reveal discloses the true N in hidden mode once an estimate has been
// produced, and classifies the latest estimate against it.
func (c *Controller) Reveal() (Revelation, error) {
	c.mu.Lock()
	rev, err := c.reveal()
	ev := c.event(OpReveal, 0, err)
	c.mu.Unlock()

	c.notify(ev)
	return rev, err
}

func (c *Controller) reveal() (Revelation, error) {
	if c.mode != estimate.ModeHidden {
		return Revelation{}, c.transitionErr(OpReveal, "the population size is already visible in known mode")
	}
	if !c.estimated {
		return Revelation{}, c.transitionErr(OpReveal, "produce an estimate before revealing")
	}
	acc, err := estimate.Classify(estimate.ModeHidden, c.lastEstimate, c.pop.Size(), c.config.Thresholds)
	if err != nil {
		return Revelation{}, err
	}
	c.revealed = true
	return Revelation{
		Size:     c.pop.Size(),
		Estimate: c.lastEstimate,
		Accuracy: acc,
		Advice:   estimate.Advise(acc),
	}, nil
}

// Reset discards the population and returns to setup. It always succeeds.
func (c *Controller) Reset() {
	c.mu.Lock()
	c.clearRun()
	c.pop = nil
	c.phase = PhaseSetup
	ev := c.event(OpReset, 0, nil)
	c.mu.Unlock()

	c.notify(ev)
}

// Snapshot returns the current read model.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot()
}

func (c *Controller) snapshot() Snapshot {
	s := Snapshot{
		SessionID:         c.id,
		Mode:              c.mode,
		Phase:             c.phase,
		Sampled:           c.sampled,
		Recaptured:        c.recaptured,
		TagAttempts:       c.tagAttempts,
		RecaptureAttempts: c.recaptureAttempts,
		SampleStale:       c.stale,
		Estimated:         c.estimated,
		Revealed:          c.revealed,
	}
	if c.pop == nil {
		return s
	}
	s.Marked = c.pop.CountTagged()
	if c.sizeVisible() {
		s.Size = c.pop.Size()
	} else {
		s.SizeHidden = true
	}
	tagCap, recapCap := c.tagCap(), c.recaptureCap()
	s.NextTagCap = &tagCap
	s.NextRecaptureCap = &recapCap
	if c.lastSample != nil {
		sample := *c.lastSample
		sample.Catch = append([]population.Individual(nil), c.lastSample.Catch...)
		s.LastSample = &sample
	}
	return s
}

// tagCap relaxes once any individual has been tagged (M > 0).
func (c *Controller) tagCap() budget.Cap {
	return c.config.Budget.Cap(c.pop.Size(), c.pop.CountTagged() > 0)
}

// recaptureCap relaxes once a recapture has been made (n > 0).
func (c *Controller) recaptureCap() budget.Cap {
	return c.config.Budget.Cap(c.pop.Size(), c.sampled > 0)
}

func (c *Controller) sizeVisible() bool {
	return c.mode == estimate.ModeKnown || c.revealed
}

func (c *Controller) clearRun() {
	c.sampled = 0
	c.recaptured = 0
	c.lastSample = nil
	c.tagAttempts = 0
	c.recaptureAttempts = 0
	c.stale = false
	c.estimated = false
	c.lastEstimate = 0
	c.revealed = false
}

func (c *Controller) transitionErr(op Op, reason string) error {
	return &TransitionError{Op: op, Phase: c.phase, Reason: reason}
}

func (c *Controller) event(op Op, requested int, err error) Event {
	ev := Event{
		Time:      c.nowFunc(),
		SessionID: c.id,
		Op:        op,
		Mode:      c.mode,
		Requested: requested,
		Err:       err,
		Snapshot:  c.snapshot(),
	}
	if c.pop != nil {
		ev.TrueSize = c.pop.Size()
	}
	return ev
}

func (c *Controller) notify(ev Event) {
	if c.observer != nil {
		c.observer.Observe(ev)
	}
}

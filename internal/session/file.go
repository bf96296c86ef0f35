package session

import (
	"encoding"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"

	"github.com/nvandessel/cmrsim/internal/estimate"
	"github.com/nvandessel/cmrsim/internal/population"
)

// stateFile is the default session state filename.
const stateFile = "session-state.json"

// persistedState is the on-disk representation of a run.
// It captures everything needed to resume a session across CLI invocations,
// including the random stream position when the source supports it.
type persistedState struct {
	ID                string             `json:"id"`
	Mode              estimate.Mode      `json:"mode"`
	Config            Config             `json:"config"`
	Phase             Phase              `json:"phase"`
	Size              int                `json:"size,omitempty"`
	TaggedIDs         []int              `json:"tagged_ids,omitempty"`
	Sampled           int                `json:"sampled"`
	Recaptured        int                `json:"recaptured"`
	LastSample        *population.Sample `json:"last_sample,omitempty"`
	TagAttempts       int                `json:"tag_attempts"`
	RecaptureAttempts int                `json:"recapture_attempts"`
	Stale             bool               `json:"stale"`
	Estimated         bool               `json:"estimated"`
	LastEstimate      int                `json:"last_estimate"`
	Revealed          bool               `json:"revealed"`
	RNG               []byte             `json:"rng,omitempty"`
}

// SaveState persists the controller to a JSON file in the given directory.
// The directory must already exist.
func SaveState(c *Controller, dir string) error {
	c.mu.Lock()
	ps := persistedState{
		ID:                c.id,
		Mode:              c.mode,
		Config:            c.config,
		Phase:             c.phase,
		Sampled:           c.sampled,
		Recaptured:        c.recaptured,
		LastSample:        c.lastSample,
		TagAttempts:       c.tagAttempts,
		RecaptureAttempts: c.recaptureAttempts,
		Stale:             c.stale,
		Estimated:         c.estimated,
		LastEstimate:      c.lastEstimate,
		Revealed:          c.revealed,
	}
	if c.pop != nil {
		ps.Size = c.pop.Size()
		ps.TaggedIDs = c.pop.TaggedIDs()
	}
	var rngErr error
	if m, ok := c.source.(encoding.BinaryMarshaler); ok {
		ps.RNG, rngErr = m.MarshalBinary()
	}
	c.mu.Unlock()

	if rngErr != nil {
		return fmt.Errorf("marshaling random source: %w", rngErr)
	}

	data, err := json.MarshalIndent(ps, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling session state: %w", err)
	}

	path := filepath.Join(dir, stateFile)

	// Write atomically via temp file + rename.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing session state temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming session state file: %w", err)
	}

	return nil
}

// LoadState reads a run from the given directory. If the file does not exist,
// it returns a new known-mode controller in setup phase built from opts.
// Options apply before the persisted state, so WithObserver and WithClock are
// honored while the persisted id, config and random stream win.
func LoadState(dir string, opts ...Option) (*Controller, error) {
	path := filepath.Join(dir, stateFile)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewController(estimate.ModeKnown, opts...), nil
		}
		return nil, fmt.Errorf("reading session state: %w", err)
	}

	var ps persistedState
	if err := json.Unmarshal(data, &ps); err != nil {
		return nil, fmt.Errorf("unmarshaling session state: %w", err)
	}
	if _, err := estimate.ParseMode(string(ps.Mode)); err != nil {
		return nil, fmt.Errorf("session state: %w", err)
	}
	if err := ps.Config.Validate(); err != nil {
		return nil, fmt.Errorf("session state config: %w", err)
	}

	pcg := &rand.PCG{}
	if len(ps.RNG) > 0 {
		if err := pcg.UnmarshalBinary(ps.RNG); err != nil {
			return nil, fmt.Errorf("restoring random source: %w", err)
		}
	} else {
		pcg = rand.NewPCG(rand.Uint64(), rand.Uint64())
	}

	opts = append(opts, WithID(ps.ID), WithConfig(ps.Config), WithSource(pcg))
	c := NewController(ps.Mode, opts...)

	switch ps.Phase {
	case PhaseSetup:
		return c, nil
	case PhaseTagging, PhaseRecaptured:
	default:
		return nil, fmt.Errorf("session state: unknown phase %q", ps.Phase)
	}

	pop, err := population.Restore(ps.Size, ps.TaggedIDs)
	if err != nil {
		return nil, fmt.Errorf("restoring population: %w", err)
	}
	if ps.Recaptured > ps.Sampled || ps.Sampled > ps.Size || ps.Recaptured > pop.CountTagged() {
		return nil, fmt.Errorf("session state: inconsistent counts M=%d n=%d m=%d N=%d",
			pop.CountTagged(), ps.Sampled, ps.Recaptured, ps.Size)
	}
	if s := ps.LastSample; s != nil && (s.Size != ps.Sampled || s.Marked != ps.Recaptured) {
		return nil, fmt.Errorf("session state: last sample n=%d m=%d does not match counts n=%d m=%d",
			s.Size, s.Marked, ps.Sampled, ps.Recaptured)
	}

	c.phase = ps.Phase
	c.pop = pop
	c.sampled = ps.Sampled
	c.recaptured = ps.Recaptured
	c.lastSample = ps.LastSample
	c.tagAttempts = ps.TagAttempts
	c.recaptureAttempts = ps.RecaptureAttempts
	c.stale = ps.Stale
	c.estimated = ps.Estimated
	c.lastEstimate = ps.LastEstimate
	c.revealed = ps.Revealed
	return c, nil
}

// StateFilePath returns the expected path for the session state file in the given directory.
func StateFilePath(dir string) string {
	return filepath.Join(dir, stateFile)
}

// RemoveState removes the session state file from the given directory.
// It is not an error if the file does not exist.
func RemoveState(dir string) error {
	path := filepath.Join(dir, stateFile)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing session state: %w", err)
	}
	return nil
}

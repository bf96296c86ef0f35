package population

import (
	"math/rand/v2"

	"github.com/nvandessel/cmrsim/internal/budget"
)

// Sample is the outcome of a recapture: n individuals drawn, m of them tagged.
// Catch lists the drawn individuals in draw order.
type Sample struct {
	Size   int          `json:"n"`
	Marked int          `json:"m"`
	Catch  []Individual `json:"catch"`
}

// Unmarked returns the number of untagged individuals in the sample.
func (s Sample) Unmarked() int {
	return s.Size - s.Marked
}

// Sampler draws uniform random subsets without replacement.
// Each Sampler owns its random stream; it is not safe for concurrent use.
type Sampler struct {
	rng *rand.Rand
}

// NewSampler returns a Sampler drawing from src.
func NewSampler(src rand.Source) *Sampler {
	return &Sampler{rng: rand.New(src)}
}

// Tag marks min(requested, untagged) individuals chosen uniformly at random
// from the untagged subset and returns how many were tagged. A request above
// the cap is rejected before anything is drawn.
func (s *Sampler) Tag(p *Population, requested int, c budget.Cap) (int, error) {
	if requested < 1 {
		return 0, ErrInvalidCount
	}
	if err := budget.Check("tag", requested, c); err != nil {
		return 0, err
	}

	candidates := p.untaggedIDs()
	chosen := s.choose(candidates, min(requested, len(candidates)))
	for _, id := range chosen {
		p.markTagged(id)
	}
	return len(chosen), nil
}

// Recapture draws min(requested, N) individuals uniformly at random from the
// whole population, regardless of tag state. The population is not modified.
func (s *Sampler) Recapture(p *Population, requested int, c budget.Cap) (Sample, error) {
	if requested < 1 {
		return Sample{}, ErrInvalidCount
	}
	if err := budget.Check("recapture", requested, c); err != nil {
		return Sample{}, err
	}

	all := make([]int, p.Size())
	for i := range all {
		all[i] = i
	}
	chosen := s.choose(all, min(requested, len(all)))

	sample := Sample{Size: len(chosen), Catch: make([]Individual, len(chosen))}
	for i, id := range chosen {
		tagged := p.tagged[id]
		sample.Catch[i] = Individual{ID: id, Tagged: tagged}
		if tagged {
			sample.Marked++
		}
	}
	return sample, nil
}

// choose runs a partial Fisher-Yates shuffle over ids and returns the first k.
// Every unordered k-subset is equally likely. ids is reordered in place.
func (s *Sampler) choose(ids []int, k int) []int {
	for i := 0; i < k; i++ {
		j := i + s.rng.IntN(len(ids)-i)
		ids[i], ids[j] = ids[j], ids[i]
	}
	return ids[:k]
}

// IntBetween returns a uniform integer in [lo, hi]. It panics if hi < lo.
func (s *Sampler) IntBetween(lo, hi int) int {
	return lo + s.rng.IntN(hi-lo+1)
}

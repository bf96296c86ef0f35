// Package population models a synthetic population of taggable individuals
// and the random sampling procedures used to tag and recapture them.
//
// The only mutation a Population supports is tagging, and tagging is reachable
// only through a Sampler. A tagged individual never reverts to untagged.
package population

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidSize is returned when a population size is not positive.
	ErrInvalidSize = errors.New("population size must be positive")

	// ErrInvalidCount is returned when a tag or recapture request is below one.
	ErrInvalidCount = errors.New("requested count must be at least 1")
)

// Individual is a single member of the population.
type Individual struct {
	ID     int  `json:"id"`
	Tagged bool `json:"tagged"`
}

// Population is an ordered collection of individuals with ids 0..N-1.
// It is not safe for concurrent use; the owning session serializes access.
type Population struct {
	tagged []bool
	count  int
}

// New creates a population of n untagged individuals.
func New(n int) (*Population, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidSize, n)
	}
	return &Population{tagged: make([]bool, n)}, nil
}

// Restore rebuilds a population of size n in which exactly the given ids are tagged.
func Restore(n int, taggedIDs []int) (*Population, error) {
	p, err := New(n)
	if err != nil {
		return nil, err
	}
	for _, id := range taggedIDs {
		if id < 0 || id >= n {
			return nil, fmt.Errorf("tagged id %d out of range [0, %d)", id, n)
		}
		if p.tagged[id] {
			return nil, fmt.Errorf("tagged id %d listed twice", id)
		}
		p.markTagged(id)
	}
	return p, nil
}

// Size returns N.
func (p *Population) Size() int {
	return len(p.tagged)
}

// CountTagged returns the number of tagged individuals.
func (p *Population) CountTagged() int {
	return p.count
}

// IsTagged reports whether the individual with the given id is tagged.
// Out-of-range ids report false.
func (p *Population) IsTagged(id int) bool {
	if id < 0 || id >= len(p.tagged) {
		return false
	}
	return p.tagged[id]
}

// Individuals returns a copy of every individual in id order.
func (p *Population) Individuals() []Individual {
	out := make([]Individual, len(p.tagged))
	for i, t := range p.tagged {
		out[i] = Individual{ID: i, Tagged: t}
	}
	return out
}

// TaggedIDs returns the ids of tagged individuals in ascending order.
func (p *Population) TaggedIDs() []int {
	ids := make([]int, 0, p.count)
	for i, t := range p.tagged {
		if t {
			ids = append(ids, i)
		}
	}
	return ids
}

// untaggedIDs returns the ids of untagged individuals in ascending order.
func (p *Population) untaggedIDs() []int {
	ids := make([]int, 0, len(p.tagged)-p.count)
	for i, t := range p.tagged {
		if !t {
			ids = append(ids, i)
		}
	}
	return ids
}

// markTagged is the single mutation point. Tagging an already tagged
// individual is a no-op so the count can never drift.
func (p *Population) markTagged(id int) {
	if p.tagged[id] {
		return
	}
	p.tagged[id] = true
	p.count++
}

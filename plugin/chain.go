package plugin

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrDuplicateFilter = errors.New("duplicate filter id")
	ErrFilterNotFound  = errors.New("filter not found")
)

// Chain is the ordered filter list of one parameter.
// Order is significant and only changes through Move.
type Chain struct {
	mu      sync.Mutex
	filters []*Filter
}

func NewChain(filters ...*Filter) (*Chain, error) {
	c := &Chain{}
	for _, f := range filters {
		if err := c.Add(f); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// ChainFromConfig builds a chain, failing on the first bad filter
func ChainFromConfig(fcs []FilterConfig) (*Chain, error) {
	filters := make([]*Filter, 0, len(fcs))
	for _, fc := range fcs {
		f, err := FilterLookup(fc)
		if err != nil {
			return nil, err
		}
		filters = append(filters, f)
	}
	return NewChain(filters...)
}

// Apply folds raw through every enabled filter in order.
// An empty chain returns raw unchanged.
func (c *Chain) Apply(raw float64) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := raw
	for _, f := range c.filters {
		if !f.Enabled {
			continue
		}
		out = f.Apply(out)
	}
	return out
}

// ApplyReading is Apply for an optional input, absent in means absent out
func (c *Chain) ApplyReading(raw float64, present bool) (float64, bool) {
	if !present {
		return 0, false
	}
	return c.Apply(raw), true
}

func (c *Chain) Add(f *Filter) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.indexLocked(f.ID) >= 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateFilter, f.ID)
	}
	c.filters = append(c.filters, f)
	return nil
}

func (c *Chain) Remove(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := c.indexLocked(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrFilterNotFound, id)
	}
	c.filters = append(c.filters[:i], c.filters[i+1:]...)
	return nil
}

// SetEnabled toggles a filter; a disabled filter's state is frozen
func (c *Chain) SetEnabled(id string, enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := c.indexLocked(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrFilterNotFound, id)
	}
	c.filters[i].Enabled = enabled
	return nil
}

// Move places filter id at position to, shifting the others
func (c *Chain) Move(id string, to int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := c.indexLocked(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrFilterNotFound, id)
	}
	if to < 0 || to >= len(c.filters) {
		return fmt.Errorf("%w: position %d out of range", ErrInvalidFilter, to)
	}
	f := c.filters[i]
	c.filters = append(c.filters[:i], c.filters[i+1:]...)
	c.filters = append(c.filters[:to], append([]*Filter{f}, c.filters[to:]...)...)
	return nil
}

// Reset clears the state of every filter, keeping the chain
func (c *Chain) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range c.filters {
		f.Reset()
	}
}

// Config serializes the chain in order
func (c *Chain) Config() []FilterConfig {
	c.mu.Lock()
	defer c.mu.Unlock()

	fcs := make([]FilterConfig, 0, len(c.filters))
	for _, f := range c.filters {
		fcs = append(fcs, f.Config())
	}
	return fcs
}

func (c *Chain) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.filters)
}

func (c *Chain) indexLocked(id string) int {
	for i, f := range c.filters {
		if f.ID == id {
			return i
		}
	}
	return -1
}

// ChainSet holds the chain of every parameter by id
type ChainSet struct {
	mu     sync.RWMutex
	chains map[string]*Chain
}

func NewChainSet() *ChainSet {
	return &ChainSet{chains: make(map[string]*Chain)}
}

// Get returns the chain for id, creating an empty one when missing
func (cs *ChainSet) Get(id string) *Chain {
	cs.mu.RLock()
	c, ok := cs.chains[id]
	cs.mu.RUnlock()
	if ok {
		return c
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	if c, ok = cs.chains[id]; ok {
		return c
	}
	c = &Chain{}
	cs.chains[id] = c
	return c
}

// Set replaces the chain for id
func (cs *ChainSet) Set(id string, c *Chain) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.chains[id] = c
}

func (cs *ChainSet) Delete(id string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	delete(cs.chains, id)
}

// Apply runs raw through the chain of id, an id without a chain
// passes raw through and leaves no entry behind
func (cs *ChainSet) Apply(id string, raw float64) float64 {
	cs.mu.RLock()
	c, ok := cs.chains[id]
	cs.mu.RUnlock()
	if !ok {
		return raw
	}
	return c.Apply(raw)
}

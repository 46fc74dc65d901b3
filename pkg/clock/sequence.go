package clock

import (
	"sync"

	"replsync/pkg/sequence"
	"replsync/pkg/types"
)

// SequenceClock holds the head token of a replica log.
type SequenceClock struct {
	mu  sync.Mutex
	cur types.Sequence
}

func NewSequence(init types.Sequence) *SequenceClock {
	if init == "" {
		init = sequence.Zero()
	}
	return &SequenceClock{cur: init}
}

func (c *SequenceClock) Val() types.Sequence {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur
}

func (c *SequenceClock) Next() types.Sequence {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur = sequence.Next(c.cur)
	return c.cur
}

// Set moves the head forward. Lower values are ignored.
func (c *SequenceClock) Set(t types.Sequence) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t > c.cur {
		c.cur = t
	}
}

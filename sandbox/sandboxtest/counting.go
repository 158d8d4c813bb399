// Package sandboxtest provides provisioner helpers for tests.
package sandboxtest

import (
	"context"
	"sync"

	"github.com/drummonds/pdfsanitize/sandbox"
)

// Counting wraps a Provisioner and records how many environments exist at
// once.
type Counting struct {
	sandbox.Provisioner

	mu          sync.Mutex
	provisioned int
	tornDown    map[sandbox.Channel]int
	active      int
	maxActive   int
}

// NewCounting wraps p.
func NewCounting(p sandbox.Provisioner) *Counting {
	return &Counting{Provisioner: p, tornDown: make(map[sandbox.Channel]int)}
}

func (c *Counting) Provision(ctx context.Context) (sandbox.Channel, error) {
	ch, err := c.Provisioner.Provision(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.provisioned++
	c.active++
	if c.active > c.maxActive {
		c.maxActive = c.active
	}
	return ch, nil
}

func (c *Counting) Teardown(ch sandbox.Channel) error {
	c.mu.Lock()
	c.tornDown[ch]++
	if c.tornDown[ch] == 1 {
		c.active--
	}
	c.mu.Unlock()
	return c.Provisioner.Teardown(ch)
}

// Provisioned returns the number of environments created.
func (c *Counting) Provisioned() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.provisioned
}

// MaxActive returns the largest number of environments alive at once.
func (c *Counting) MaxActive() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxActive
}

// Active returns the number of environments not yet torn down.
func (c *Counting) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Teardowns returns how often each environment was torn down.
func (c *Counting) Teardowns() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	counts := make([]int, 0, len(c.tornDown))
	for _, n := range c.tornDown {
		counts = append(counts, n)
	}
	return counts
}

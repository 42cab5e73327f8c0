// Package bufpool recycles fixed-size byte buffers for the chunk relay.
package bufpool

import (
	"sort"
	"sync/atomic"
)

// DefaultTierDepth is how many idle buffers each tier keeps.
const DefaultTierDepth = 16

type tier struct {
	size int
	free chan []byte
}

// Pool keeps bounded free lists of buffers at a few size tiers. Buffers larger
// than the biggest tier are allocated on demand and never pooled.
type Pool struct {
	tiers []*tier

	hits   atomic.Int64
	misses atomic.Int64
}

// New creates a pool with tiers at half, one and two times chunkSize.
func New(chunkSize, depth int) *Pool {
	return NewWithTiers([]int{chunkSize / 2, chunkSize, chunkSize * 2}, depth)
}

// NewWithTiers creates a pool with explicit tier sizes.
func NewWithTiers(sizes []int, depth int) *Pool {
	if depth <= 0 {
		depth = DefaultTierDepth
	}
	sorted := append([]int(nil), sizes...)
	sort.Ints(sorted)

	p := &Pool{}
	for _, size := range sorted {
		if size <= 0 {
			continue
		}
		if n := len(p.tiers); n > 0 && p.tiers[n-1].size == size {
			continue
		}
		p.tiers = append(p.tiers, &tier{size: size, free: make(chan []byte, depth)})
	}
	return p
}

// Get returns a buffer of length size backed by the smallest tier that fits.
func (p *Pool) Get(size int) []byte {
	t := p.tierFor(size)
	if t == nil {
		p.misses.Add(1)
		return make([]byte, size)
	}
	select {
	case buf := <-t.free:
		p.hits.Add(1)
		return buf[:size]
	default:
		p.misses.Add(1)
		return make([]byte, size, t.size)
	}
}

// Put clears buf and returns it to its tier, or drops it if the tier is full
// or the capacity matches no tier. buf must not be used after Put.
func (p *Pool) Put(buf []byte) {
	c := cap(buf)
	for _, t := range p.tiers {
		if t.size != c {
			continue
		}
		buf = buf[:c]
		clear(buf)
		select {
		case t.free <- buf:
		default:
		}
		return
	}
}

// Stats reports pool effectiveness.
type Stats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Idle   int   `json:"idle"`
}

// Stats returns a snapshot of hit/miss counters and idle buffers.
func (p *Pool) Stats() Stats {
	s := Stats{Hits: p.hits.Load(), Misses: p.misses.Load()}
	for _, t := range p.tiers {
		s.Idle += len(t.free)
	}
	return s
}

func (p *Pool) tierFor(size int) *tier {
	for _, t := range p.tiers {
		if t.size >= size {
			return t
		}
	}
	return nil
}

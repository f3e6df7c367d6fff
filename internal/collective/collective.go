// Package collective provides the cross-host barrier used by generation so
// that every host observes the same sampled tokens at every step.
package collective

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
)

// ErrHostDivergence is returned when hosts disagree about shared values.
var ErrHostDivergence = errors.New("hosts diverged")

// Collective exchanges values between the processes of a run.
type Collective interface {
	Process() int
	Processes() int
	// AllGather contributes local and returns every process's contribution,
	// indexed by process. It blocks until all processes have contributed.
	AllGather(ctx context.Context, local []int32) ([][]int32, error)
}

// Local is the single-process collective.
type Local struct{}

func (Local) Process() int   { return 0 }
func (Local) Processes() int { return 1 }

func (Local) AllGather(ctx context.Context, local []int32) ([][]int32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return [][]int32{slices.Clone(local)}, nil
}

// Hub joins a fixed number of in-process participants. Each round completes
// once every participant has contributed; rounds are strictly sequential.
type Hub struct {
	size int

	mu      sync.Mutex
	round   uint64
	pending [][]int32
	arrived int
	done    chan struct{}
	result  [][]int32
}

// NewHub returns a hub for n participants.
func NewHub(n int) (*Hub, error) {
	if n <= 0 {
		return nil, fmt.Errorf("hub needs at least one participant, got %d", n)
	}
	return &Hub{size: n, pending: make([][]int32, n), done: make(chan struct{})}, nil
}

// Member returns the collective for process p.
func (h *Hub) Member(p int) Collective {
	if p < 0 || p >= h.size {
		panic(fmt.Sprintf("hub member %d out of range [0, %d)", p, h.size))
	}
	return &member{hub: h, process: p}
}

// Size returns the number of participants.
func (h *Hub) Size() int { return h.size }

type member struct {
	hub     *Hub
	process int
	round   uint64
}

func (m *member) Process() int   { return m.process }
func (m *member) Processes() int { return m.hub.size }

func (m *member) AllGather(ctx context.Context, local []int32) ([][]int32, error) {
	h := m.hub
	h.mu.Lock()
	if h.round != m.round {
		h.mu.Unlock()
		return nil, fmt.Errorf("process %d is at round %d, hub at %d: %w", m.process, m.round, h.round, ErrHostDivergence)
	}
	if h.pending[m.process] != nil {
		h.mu.Unlock()
		return nil, fmt.Errorf("process %d contributed twice in round %d", m.process, m.round)
	}
	h.pending[m.process] = slices.Clone(local)
	if h.pending[m.process] == nil {
		h.pending[m.process] = []int32{}
	}
	h.arrived++
	done := h.done
	if h.arrived == h.size {
		h.result = h.pending
		h.pending = make([][]int32, h.size)
		h.arrived = 0
		h.round++
		h.done = make(chan struct{})
		close(done)
	}
	h.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	h.mu.Lock()
	out := make([][]int32, h.size)
	for i, v := range h.result {
		out[i] = slices.Clone(v)
	}
	h.mu.Unlock()
	m.round++
	return out, nil
}

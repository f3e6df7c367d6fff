// Package state holds the sharded training state: trainable parameters,
// non-trainable parameters and optimizer state, each laid out on a device
// mesh.
//
// State is a move-only handle. Passing it into a step function transfers
// ownership; the step returns a fresh handle and the old one becomes unusable.
package state

import (
	"errors"
	"fmt"
	"sync"

	"github.com/samcharles93/meshtrain/internal/mesh"
	"github.com/samcharles93/meshtrain/internal/model"
	"github.com/samcharles93/meshtrain/internal/optim"
	"github.com/samcharles93/meshtrain/internal/tensor"
)

// ErrConsumed is returned when a handle is used after its ownership was
// transferred.
var ErrConsumed = errors.New("state handle already consumed")

// Groups is the content of a state: the three leaf groups and the optimizer
// iteration counter.
type Groups struct {
	Trainable    Group
	NonTrainable Group
	// Optimizer holds one leaf per (slot, trainable parameter), slot-major.
	Optimizer  Group
	Slots      []string
	Iterations int64
}

// SlotLeaves returns the optimizer leaves belonging to trainable parameter i.
func (g *Groups) SlotLeaves(i int) []*Leaf {
	out := make([]*Leaf, len(g.Slots))
	for s := range g.Slots {
		out[s] = g.Optimizer[s*len(g.Trainable)+i]
	}
	return out
}

// State is an exclusively owned handle over Groups.
type State struct {
	mu sync.Mutex
	g  *Groups
}

// New wraps g in a fresh handle.
func New(g Groups) *State {
	return &State{g: &g}
}

// Take transfers ownership of the content out of the handle. The handle is
// invalid afterwards.
func (s *State) Take() (*Groups, error) {
	if s == nil {
		return nil, ErrConsumed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.g == nil {
		return nil, ErrConsumed
	}
	g := s.g
	s.g = nil
	return g, nil
}

// View gives read access to the content without transferring ownership. fn
// must not retain g.
func (s *State) View(fn func(g *Groups) error) error {
	if s == nil {
		return ErrConsumed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.g == nil {
		return ErrConsumed
	}
	return fn(s.g)
}

// Valid reports whether the handle still owns its content.
func (s *State) Valid() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.g != nil
}

// Build places the model's variables and fresh optimizer slots on m
// according to rule. Optimizer slots take the partition of their parameter.
func Build(m *mesh.Mesh, rule mesh.Rule, mdl model.Model, opt optim.Optimizer) (*State, error) {
	if m == nil || rule == nil || mdl == nil || opt == nil {
		return nil, fmt.Errorf("state: mesh, rule, model and optimizer are required")
	}
	trainable := mdl.TrainableVariables()
	nonTrainable := mdl.NonTrainableVariables()

	g := Groups{
		Trainable:    make(Group, 0, len(trainable)),
		NonTrainable: make(Group, 0, len(nonTrainable)),
		Slots:        opt.Slots(),
	}
	for _, v := range trainable {
		g.Trainable = append(g.Trainable, Place(m, v.Path, v.Value, rule.Spec(m, v.Path, v.Value.Shape)))
	}
	for _, v := range nonTrainable {
		g.NonTrainable = append(g.NonTrainable, Place(m, v.Path, v.Value, rule.Spec(m, v.Path, v.Value.Shape)))
	}
	for _, slot := range g.Slots {
		for _, p := range g.Trainable {
			zero := tensor.New(p.Shape...)
			g.Optimizer = append(g.Optimizer, Place(m, "optimizer/"+slot+"/"+p.Path, zero, p.Spec))
		}
	}
	return New(g), nil
}

// Materialize writes the trainable and non-trainable leaves back into the
// live model variables, matching them by position. It does not consume st.
func Materialize(st *State, mdl model.Model) error {
	return st.View(func(g *Groups) error {
		if err := checkGroup("trainable", g.Trainable, mdl.TrainableVariables()); err != nil {
			return err
		}
		if err := checkGroup("non_trainable", g.NonTrainable, mdl.NonTrainableVariables()); err != nil {
			return err
		}
		assign(g.Trainable, mdl.TrainableVariables())
		assign(g.NonTrainable, mdl.NonTrainableVariables())
		return nil
	})
}

func checkGroup(name string, leaves Group, vars []*model.Variable) error {
	if len(leaves) != len(vars) {
		return &StateShapeError{
			Group:  name,
			Index:  -1,
			Reason: fmt.Sprintf("state has %d leaves, model has %d variables", len(leaves), len(vars)),
		}
	}
	for i, l := range leaves {
		if !tensor.SameShape(l.Shape, vars[i].Value.Shape) {
			return &StateShapeError{
				Group:  name,
				Index:  i,
				Path:   vars[i].Path,
				Reason: fmt.Sprintf("leaf %q has shape %v, variable has %v", l.Path, l.Shape, vars[i].Value.Shape),
			}
		}
	}
	return nil
}

func assign(leaves Group, vars []*model.Variable) {
	for i, l := range leaves {
		l.GatherInto(vars[i].Value.Data)
	}
}

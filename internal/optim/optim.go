// Package optim implements stateless optimizers that can be applied shard by
// shard inside a compiled step.
package optim

import (
	"fmt"
	"math"
	"strings"
)

// Optimizer is a stateless, element-wise update rule.
//
// Update must depend only on its arguments. param and slots are donated
// buffers: the optimizer writes the new values into them in place. Each slot
// has the same length as param and holds per-element state named by Slots.
// step is the 1-based iteration number of this update.
type Optimizer interface {
	Name() string
	Slots() []string
	Update(step int64, param, grad []float32, slots [][]float32)
}

// Config selects and parameterises an optimizer.
type Config struct {
	Name         string  `yaml:"name"`
	LearningRate float64 `yaml:"learning_rate"`
	MinLR        float64 `yaml:"min_lr"`
	WarmupSteps  int64   `yaml:"warmup_steps"`
	DecaySteps   int64   `yaml:"decay_steps"`
	WeightDecay  float64 `yaml:"weight_decay"`
	Momentum     float64 `yaml:"momentum"`
	Beta1        float64 `yaml:"beta1"`
	Beta2        float64 `yaml:"beta2"`
	Epsilon      float64 `yaml:"epsilon"`
}

// DefaultConfig returns AdamW defaults commonly used for transformers.
func DefaultConfig() Config {
	return Config{
		Name:         "adamw",
		LearningRate: 3e-4,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.01,
	}
}

// New builds the optimizer named by cfg.Name.
func New(cfg Config) (Optimizer, error) {
	if cfg.LearningRate <= 0 {
		return nil, fmt.Errorf("optimizer: learning rate must be positive, got %g", cfg.LearningRate)
	}
	var sched Schedule = Constant(cfg.LearningRate)
	if cfg.WarmupSteps > 0 || cfg.DecaySteps > 0 {
		sched = WarmupCosine{
			Base:   cfg.LearningRate,
			Min:    cfg.MinLR,
			Warmup: cfg.WarmupSteps,
			Decay:  cfg.DecaySteps,
		}
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Name)) {
	case "sgd":
		return SGD{LR: sched, WeightDecay: cfg.WeightDecay, Momentum: cfg.Momentum}, nil
	case "adam":
		return newAdam(cfg, sched, false), nil
	case "", "adamw":
		return newAdam(cfg, sched, true), nil
	default:
		return nil, fmt.Errorf("optimizer: unknown optimizer %q", cfg.Name)
	}
}

func newAdam(cfg Config, sched Schedule, decoupled bool) Adam {
	a := Adam{
		LR:          sched,
		Beta1:       cfg.Beta1,
		Beta2:       cfg.Beta2,
		Epsilon:     cfg.Epsilon,
		WeightDecay: cfg.WeightDecay,
		Decoupled:   decoupled,
	}
	if a.Beta1 == 0 {
		a.Beta1 = 0.9
	}
	if a.Beta2 == 0 {
		a.Beta2 = 0.999
	}
	if a.Epsilon == 0 {
		a.Epsilon = 1e-8
	}
	return a
}

// SGD is stochastic gradient descent with optional momentum and L2 weight
// decay: v = momentum*v + (grad + wd*param); param -= lr*v.
type SGD struct {
	LR          Schedule
	WeightDecay float64
	Momentum    float64
}

func (o SGD) Name() string { return "sgd" }

func (o SGD) Slots() []string {
	if o.Momentum == 0 {
		return nil
	}
	return []string{"momentum"}
}

func (o SGD) Update(step int64, param, grad []float32, slots [][]float32) {
	lr := float32(o.LR.At(step))
	wd := float32(o.WeightDecay)
	if o.Momentum == 0 {
		for i := range param {
			param[i] -= lr * (grad[i] + wd*param[i])
		}
		return
	}
	mu := float32(o.Momentum)
	v := slots[0]
	for i := range param {
		v[i] = mu*v[i] + grad[i] + wd*param[i]
		param[i] -= lr * v[i]
	}
}

// Adam combines a moving average of gradients with a moving average of
// squared gradients, both bias corrected:
//
//	m = b1*m + (1-b1)*g
//	v = b2*v + (1-b2)*g^2
//	param -= lr * (m/(1-b1^t)) / (sqrt(v/(1-b2^t)) + eps)
//
// With Decoupled set, weight decay is applied directly to the parameter
// (AdamW) instead of being folded into the gradient.
type Adam struct {
	LR          Schedule
	Beta1       float64
	Beta2       float64
	Epsilon     float64
	WeightDecay float64
	Decoupled   bool
}

func (o Adam) Name() string {
	if o.Decoupled {
		return "adamw"
	}
	return "adam"
}

func (o Adam) Slots() []string { return []string{"m", "v"} }

func (o Adam) Update(step int64, param, grad []float32, slots [][]float32) {
	if step < 1 {
		step = 1
	}
	lr := o.LR.At(step)
	bias1 := 1 - math.Pow(o.Beta1, float64(step))
	bias2 := 1 - math.Pow(o.Beta2, float64(step))
	b1, b2 := float32(o.Beta1), float32(o.Beta2)
	wd := float32(o.WeightDecay)
	m, v := slots[0], slots[1]

	for i := range param {
		g := grad[i]
		if !o.Decoupled {
			g += wd * param[i]
		}
		m[i] = b1*m[i] + (1-b1)*g
		v[i] = b2*v[i] + (1-b2)*g*g
		mHat := float64(m[i]) / bias1
		vHat := float64(v[i]) / bias2
		upd := mHat / (math.Sqrt(vHat) + o.Epsilon)
		if o.Decoupled {
			upd += float64(wd) * float64(param[i])
		}
		param[i] -= float32(lr * upd)
	}
}

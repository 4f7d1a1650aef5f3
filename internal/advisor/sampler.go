package advisor

import (
	"math/rand/v2"
	"sync/atomic"
)

// Sampler 决定回测中的某一步是否咨询顾问。
type Sampler interface {
	Sample(step int) bool
}

// SamplerFactory 为每次回测创建独立的采样器，运行之间不共享状态。
type SamplerFactory func() Sampler

// Never 从不咨询，回测完全确定。
type Never struct{}

func (Never) Sample(int) bool { return false }

// Always 每个可交易信号都咨询。
type Always struct{}

func (Always) Sample(int) bool { return true }

// Rate samples with probability rate; the first call is always sampled.
// The decision for a step depends only on (seed, step).
type Rate struct {
	rate    float64
	seed    uint64
	sampled atomic.Bool
}

func NewRate(rate float64, seed uint64) *Rate {
	if rate < 0 {
		rate = 0
	}
	if rate > 1 {
		rate = 1
	}
	return &Rate{rate: rate, seed: seed}
}

func (r *Rate) Sample(step int) bool {
	if r.sampled.CompareAndSwap(false, true) {
		return true
	}
	rng := rand.New(rand.NewPCG(r.seed, uint64(step)^0x9e3779b97f4a7c15))
	return rng.Float64() < r.rate
}

// NewSampler maps a configured rate to a policy: <=0 Never, >=1 Always.
func NewSampler(rate float64, seed uint64) Sampler {
	switch {
	case rate <= 0:
		return Never{}
	case rate >= 1:
		return Always{}
	default:
		return NewRate(rate, seed)
	}
}

// NewSamplerFactory returns a factory yielding a fresh NewSampler(rate, seed) per call.
func NewSamplerFactory(rate float64, seed uint64) SamplerFactory {
	return func() Sampler { return NewSampler(rate, seed) }
}

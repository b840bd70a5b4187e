// Package faults provides the simulated failure modes a node can be put into
// at runtime. A Policy guards the node's RPC endpoints and a Chaos value
// decides per request whether to delay or fail it. Both are owned by the
// caller and shared by pointer with whatever needs them.
package faults

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"
)

// Set of fault kinds reported through Error.
const (
	KindOffline  = "offline"
	KindFlapping = "flapping"
	KindDrop     = "drop"
	KindChaos    = "chaos"
)

// Error is returned when a simulated fault rejects a call. It is kept apart
// from real errors so handlers can respond with a distinct shape.
type Error struct {
	Kind    string
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// IsError reports whether err is a simulated fault.
func IsError(err error) bool {
	var fe *Error
	return errors.As(err, &fe)
}

// GetError returns the simulated fault held by err, or nil.
func GetError(err error) *Error {
	var fe *Error
	if !errors.As(err, &fe) {
		return nil
	}
	return fe
}

// =============================================================================

// NodeConfig represents the fault settings for a node.
type NodeConfig struct {
	Offline            bool    `json:"offline"`
	SlowMS             int     `json:"slow_ms"`
	Byzantine          bool    `json:"byzantine"`
	Flapping           bool    `json:"flapping"`
	FlappingMod        int     `json:"flapping_mod"`
	DropRPCProbability float64 `json:"drop_rpc_probability"`
}

// NodePatch carries a partial update to a NodeConfig. Only fields that are
// set are applied.
type NodePatch struct {
	Offline            *bool    `json:"offline" yaml:"offline"`
	SlowMS             *int     `json:"slow_ms" yaml:"slow_ms" validate:"omitempty,gte=0"`
	Byzantine          *bool    `json:"byzantine" yaml:"byzantine"`
	Flapping           *bool    `json:"flapping" yaml:"flapping"`
	FlappingMod        *int     `json:"flapping_mod" yaml:"flapping_mod" validate:"omitempty,gte=0"`
	DropRPCProbability *float64 `json:"drop_rpc_probability" yaml:"drop_rpc_probability" validate:"omitempty,gte=0,lte=1"`
}

// Policy applies a NodeConfig in front of RPC endpoints.
type Policy struct {
	mu       sync.Mutex
	cfg      NodeConfig
	counters map[string]int
	rnd      *rand.Rand
}

// NewPolicy constructs a policy with the specified initial configuration.
func NewPolicy(cfg NodeConfig) *Policy {
	return &Policy{
		cfg:      clampNode(cfg),
		counters: make(map[string]int),
		rnd:      rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15)),
	}
}

// WithSeed replaces the random source with a deterministic one.
func (p *Policy) WithSeed(seed uint64) *Policy {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.rnd = rand.New(rand.NewPCG(seed, seed))
	return p
}

// Config returns a copy of the current configuration.
func (p *Policy) Config() NodeConfig {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.cfg
}

// Byzantine reports whether the node should invert its votes.
func (p *Policy) Byzantine() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.cfg.Byzantine
}

// Update applies the patch and returns the resulting configuration.
func (p *Policy) Update(patch NodePatch) NodeConfig {
	p.mu.Lock()
	defer p.mu.Unlock()

	cfg := p.cfg
	if patch.Offline != nil {
		cfg.Offline = *patch.Offline
	}
	if patch.SlowMS != nil {
		cfg.SlowMS = *patch.SlowMS
	}
	if patch.Byzantine != nil {
		cfg.Byzantine = *patch.Byzantine
	}
	if patch.Flapping != nil {
		cfg.Flapping = *patch.Flapping
	}
	if patch.FlappingMod != nil {
		cfg.FlappingMod = *patch.FlappingMod
	}
	if patch.DropRPCProbability != nil {
		cfg.DropRPCProbability = *patch.DropRPCProbability
	}

	p.cfg = clampNode(cfg)
	return p.cfg
}

// ResetCounters forgets the per endpoint call counts used for flapping.
func (p *Policy) ResetCounters() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.counters = make(map[string]int)
}

// Apply runs the configured faults for a call to the named endpoint. The
// checks run as offline, flapping, slow and drop. A nil error means the call
// may proceed.
func (p *Policy) Apply(ctx context.Context, endpoint string) error {
	p.mu.Lock()
	cfg := p.cfg

	if cfg.Offline {
		p.mu.Unlock()
		return &Error{Kind: KindOffline, Message: "node is offline (simulated)"}
	}

	if cfg.Flapping && cfg.FlappingMod > 0 {
		p.counters[endpoint]++
		if p.counters[endpoint]%cfg.FlappingMod != 0 {
			p.mu.Unlock()
			return &Error{Kind: KindFlapping, Message: fmt.Sprintf("rpc %s flapping (simulated)", endpoint)}
		}
	}

	var drop bool
	if cfg.DropRPCProbability >= 1 {
		drop = true
	} else if cfg.DropRPCProbability > 0 {
		drop = p.rnd.Float64() < cfg.DropRPCProbability
	}
	p.mu.Unlock()

	if cfg.SlowMS > 0 {
		if err := sleep(ctx, time.Duration(cfg.SlowMS)*time.Millisecond); err != nil {
			return err
		}
	}

	if drop {
		return &Error{Kind: KindDrop, Message: fmt.Sprintf("rpc %s dropped (simulated)", endpoint)}
	}

	return nil
}

// =============================================================================

// ChaosConfig represents the request level chaos settings for a node.
type ChaosConfig struct {
	Enabled    bool    `json:"chaos_enabled"`
	ErrorRate  float64 `json:"chaos_error_rate"`
	DelayRate  float64 `json:"chaos_delay_rate"`
	DelayMSMin int     `json:"chaos_delay_ms_min"`
	DelayMSMax int     `json:"chaos_delay_ms_max"`
}

// ChaosPatch carries a partial update to a ChaosConfig.
type ChaosPatch struct {
	Enabled    *bool    `json:"chaos_enabled" yaml:"chaos_enabled"`
	ErrorRate  *float64 `json:"chaos_error_rate" yaml:"chaos_error_rate" validate:"omitempty,gte=0,lte=1"`
	DelayRate  *float64 `json:"chaos_delay_rate" yaml:"chaos_delay_rate" validate:"omitempty,gte=0,lte=1"`
	DelayMSMin *int     `json:"chaos_delay_ms_min" yaml:"chaos_delay_ms_min" validate:"omitempty,gte=0"`
	DelayMSMax *int     `json:"chaos_delay_ms_max" yaml:"chaos_delay_ms_max" validate:"omitempty,gte=0"`
}

// Decision is the outcome of a chaos roll for one request.
type Decision struct {
	Delay time.Duration
	Fail  bool
}

// Chaos decides per request whether to inject a delay or an error.
type Chaos struct {
	mu  sync.Mutex
	cfg ChaosConfig
	rnd *rand.Rand
}

// NewChaos constructs a chaos value with the specified configuration.
func NewChaos(cfg ChaosConfig) *Chaos {
	return &Chaos{
		cfg: clampChaos(cfg),
		rnd: rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0xbf58476d1ce4e5b9)),
	}
}

// WithSeed replaces the random source with a deterministic one.
func (c *Chaos) WithSeed(seed uint64) *Chaos {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rnd = rand.New(rand.NewPCG(seed, seed))
	return c
}

// Config returns a copy of the current configuration.
func (c *Chaos) Config() ChaosConfig {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.cfg
}

// Update applies the patch and returns the resulting configuration.
func (c *Chaos) Update(patch ChaosPatch) ChaosConfig {
	c.mu.Lock()
	defer c.mu.Unlock()

	cfg := c.cfg
	if patch.Enabled != nil {
		cfg.Enabled = *patch.Enabled
	}
	if patch.ErrorRate != nil {
		cfg.ErrorRate = *patch.ErrorRate
	}
	if patch.DelayRate != nil {
		cfg.DelayRate = *patch.DelayRate
	}
	if patch.DelayMSMin != nil {
		cfg.DelayMSMin = *patch.DelayMSMin
	}
	if patch.DelayMSMax != nil {
		cfg.DelayMSMax = *patch.DelayMSMax
	}

	c.cfg = clampChaos(cfg)
	return c.cfg
}

// Roll makes the two independent decisions for a request. A disabled
// configuration always returns the zero Decision.
func (c *Chaos) Roll() Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	cfg := c.cfg
	if !cfg.Enabled {
		return Decision{}
	}

	var d Decision

	if c.rnd.Float64() < cfg.DelayRate {
		lo, hi := cfg.DelayMSMin, cfg.DelayMSMax
		if lo > hi {
			lo, hi = hi, lo
		}
		ms := lo + c.rnd.IntN(hi-lo+1)
		d.Delay = time.Duration(ms) * time.Millisecond
	}

	d.Fail = c.rnd.Float64() < cfg.ErrorRate

	return d
}

// Sleep blocks for the duration or until the context is done.
func Sleep(ctx context.Context, d time.Duration) error {
	return sleep(ctx, d)
}

// =============================================================================

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func clampNode(cfg NodeConfig) NodeConfig {
	cfg.SlowMS = max(cfg.SlowMS, 0)
	cfg.FlappingMod = max(cfg.FlappingMod, 0)
	cfg.DropRPCProbability = min(max(cfg.DropRPCProbability, 0), 1)
	return cfg
}

func clampChaos(cfg ChaosConfig) ChaosConfig {
	cfg.ErrorRate = min(max(cfg.ErrorRate, 0), 1)
	cfg.DelayRate = min(max(cfg.DelayRate, 0), 1)
	cfg.DelayMSMin = max(cfg.DelayMSMin, 0)
	cfg.DelayMSMax = max(cfg.DelayMSMax, 0)
	return cfg
}

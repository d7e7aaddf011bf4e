package driver

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"

	"github.com/danielpatrickdp/dbheal/internal/env"
)

// Policy chooses the next action from the current observation.
type Policy interface {
	Act(ctx context.Context, obs env.State) (env.Action, error)
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(ctx context.Context, obs env.State) (env.Action, error)

// Act calls f.
func (f PolicyFunc) Act(ctx context.Context, obs env.State) (env.Action, error) {
	return f(ctx, obs)
}

// RandomPolicy samples actions uniformly. Used for smoke tests.
type RandomPolicy struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandomPolicy creates a random policy with its own stream.
func NewRandomPolicy(seed int64) *RandomPolicy {
	return &RandomPolicy{rng: rand.New(rand.NewSource(seed))}
}

// Act returns a uniformly random action.
func (p *RandomPolicy) Act(context.Context, env.State) (env.Action, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return env.Action(p.rng.Intn(env.NumActions)), nil
}

// FixedPolicy always returns the same action.
type FixedPolicy env.Action

// Act returns the fixed action.
func (p FixedPolicy) Act(context.Context, env.State) (env.Action, error) {
	a := env.Action(p)
	if !a.Valid() {
		return 0, fmt.Errorf("%w: %d", env.ErrInvalidAction, int(a))
	}
	return a, nil
}

// SequencePolicy replays a scripted list of actions, cycling when exhausted.
type SequencePolicy struct {
	mu      sync.Mutex
	actions []env.Action
	next    int
}

// NewSequencePolicy creates a scripted policy. An empty script is rejected.
func NewSequencePolicy(actions []env.Action) (*SequencePolicy, error) {
	if len(actions) == 0 {
		return nil, fmt.Errorf("sequence policy: empty action list")
	}
	for _, a := range actions {
		if !a.Valid() {
			return nil, fmt.Errorf("sequence policy: %w: %d", env.ErrInvalidAction, int(a))
		}
	}
	cp := make([]env.Action, len(actions))
	copy(cp, actions)
	return &SequencePolicy{actions: cp}, nil
}

// Act returns the next scripted action.
func (p *SequencePolicy) Act(context.Context, env.State) (env.Action, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a := p.actions[p.next%len(p.actions)]
	p.next++
	return a, nil
}

// ParsePolicy builds a local policy from a spec: "random", "fixed:<action>",
// or "sequence:<action>,<action>,...". Actions are ids or names.
func ParsePolicy(spec string, seed int64) (Policy, error) {
	kind, arg, _ := strings.Cut(strings.TrimSpace(spec), ":")
	switch strings.ToLower(kind) {
	case "", "random":
		return NewRandomPolicy(seed), nil
	case "fixed":
		a, err := parseActionRef(arg)
		if err != nil {
			return nil, fmt.Errorf("fixed policy: %w", err)
		}
		return FixedPolicy(a), nil
	case "sequence":
		var actions []env.Action
		for _, part := range strings.Split(arg, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			a, err := parseActionRef(part)
			if err != nil {
				return nil, fmt.Errorf("sequence policy: %w", err)
			}
			actions = append(actions, a)
		}
		return NewSequencePolicy(actions)
	}
	return nil, fmt.Errorf("unknown policy %q (use random, fixed:<action> or sequence:<a,b,...>)", spec)
}

func parseActionRef(s string) (env.Action, error) {
	s = strings.TrimSpace(s)
	for _, a := range env.Actions() {
		if strings.EqualFold(s, a.String()) {
			return a, nil
		}
	}
	return env.ParseAction(s)
}

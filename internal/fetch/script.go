package fetch

import (
	"context"
	"errors"
	"sync"

	"tfmon/internal/monitor"
)

// Step is one scripted fetch outcome.
type Step struct {
	Availability monitor.Availability
	Err          error
}

// Script is a network-free Fetcher replaying a fixed outcome sequence per
// target (the last step repeats). It backs the -selftest run mode.
type Script struct {
	mu    sync.Mutex
	steps []Step
	pos   map[string]int
}

func NewScript(steps ...Step) *Script {
	return &Script{steps: steps, pos: map[string]int{}}
}

// SelfTestScript walks a target through every interesting path: first
// observation, an open slot, a flap suppressed by cooldown, a fetch
// failure, and the recovery edge after it.
func SelfTestScript() *Script {
	return NewScript(
		Step{Availability: monitor.Unavailable},
		Step{Availability: monitor.Available},
		Step{Availability: monitor.Unavailable},
		Step{Availability: monitor.Available}, // suppressed: inside cooldown window
		Step{Err: errors.New("scripted fetch failure")},
		Step{Availability: monitor.Unavailable},
	)
}

func (s *Script) Len() int { return len(s.steps) }

func (s *Script) Fetch(_ context.Context, target string) (monitor.Availability, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.steps) == 0 {
		return monitor.Unavailable, nil
	}
	i := s.pos[target]
	if i >= len(s.steps) {
		i = len(s.steps) - 1
	} else {
		s.pos[target] = i + 1
	}
	step := s.steps[i]
	return step.Availability, step.Err
}

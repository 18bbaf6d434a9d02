package stub

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
)

// StatusWeight is one entry of a status mix.
type StatusWeight struct {
	Status int
	Weight int
}

// Mix is a weighted set of response statuses.
type Mix []StatusWeight

// DefaultMix always answers 200.
var DefaultMix = Mix{{Status: http.StatusOK, Weight: 1}}

// ParseMix parses "200:85,500:15". A bare status has weight 1.
// An empty string yields DefaultMix.
func ParseMix(s string) (Mix, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return DefaultMix, nil
	}

	var mix Mix
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		statusStr, weightStr, hasWeight := strings.Cut(part, ":")
		status, err := strconv.Atoi(strings.TrimSpace(statusStr))
		if err != nil || status < 100 || status > 599 {
			return nil, fmt.Errorf("invalid status %q in mix %q", statusStr, s)
		}

		weight := 1
		if hasWeight {
			weight, err = strconv.Atoi(strings.TrimSpace(weightStr))
			if err != nil || weight < 0 {
				return nil, fmt.Errorf("invalid weight %q for status %d", weightStr, status)
			}
		}
		if weight == 0 {
			continue
		}
		mix = append(mix, StatusWeight{Status: status, Weight: weight})
	}

	if len(mix) == 0 {
		return nil, fmt.Errorf("status mix %q has no positive weights", s)
	}
	return mix, nil
}

func (m Mix) String() string {
	parts := make([]string, len(m))
	for i, sw := range m {
		parts[i] = fmt.Sprintf("%d:%d", sw.Status, sw.Weight)
	}
	return strings.Join(parts, ",")
}

// picker hands out statuses in smooth weighted round-robin order, so every
// window of sum(weights) picks matches the mix exactly.
type picker struct {
	mu      sync.Mutex
	mix     Mix
	current []int
	total   int
}

func newPicker(mix Mix) *picker {
	total := 0
	for _, sw := range mix {
		total += sw.Weight
	}
	return &picker{mix: mix, current: make([]int, len(mix)), total: total}
}

func (p *picker) next() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	best := 0
	for i, sw := range p.mix {
		p.current[i] += sw.Weight
		if p.current[i] > p.current[best] {
			best = i
		}
	}
	p.current[best] -= p.total
	return p.mix[best].Status
}

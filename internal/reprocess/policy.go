// Package reprocess evaluates instrument reprocess counts against per-type
// ceilings.
package reprocess

import (
	"fmt"
	"math"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pesio-ai/be-sterilization-trace/internal/stage"
)

// Status is the outcome of a policy evaluation.
type Status string

const (
	StatusOK       Status = "ok"
	StatusNear     Status = "near"
	StatusExceeded Status = "exceeded"
	StatusUnknown  Status = "unknown"
)

// NearRatio is the fraction of the ceiling at which an instrument is near its
// limit.
const NearRatio = 0.8

// DefaultLimits are used when no policy file is configured. Portuguese type
// names map to the same ceilings.
var DefaultLimits = map[string]int{
	"CRITICAL":      10,
	"SEMI_CRITICAL": 20,
	"NON_CRITICAL":  30,
	"CRITICO":       10,
	"SEMICRITICO":   20,
	"SEMI_CRITICO":  20,
	"NAO_CRITICO":   30,
}

// Policy holds reprocess ceilings keyed by normalized instrument type.
type Policy struct {
	limits map[string]int
}

// Result describes one instrument's standing against its ceiling.
type Result struct {
	Count    int    `json:"count"`
	Limit    *int   `json:"limit"`
	Status   Status `json:"status"`
	Exceeded bool   `json:"exceeded"`
}

type policyFile struct {
	Limits map[string]int `yaml:"limits"`
}

// NewPolicy builds a policy from explicit limits.
func NewPolicy(limits map[string]int) *Policy {
	p := &Policy{limits: make(map[string]int, len(limits))}
	for k, v := range limits {
		p.limits[NormalizeType(k)] = v
	}
	return p
}

// Default returns the built-in policy.
func Default() *Policy {
	return NewPolicy(DefaultLimits)
}

// Load reads a YAML policy file. An empty path yields the default policy.
func Load(path string) (*Policy, error) {
	if path == "" {
		return Default(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read reprocess policy: %w", err)
	}
	var f policyFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("failed to parse reprocess policy: %w", err)
	}
	for k, v := range f.Limits {
		if v <= 0 {
			return nil, fmt.Errorf("reprocess limit for %q must be positive, got %d", k, v)
		}
	}
	return NewPolicy(f.Limits), nil
}

// NormalizeType folds case, diacritics and separators, so "Semi-crítico"
// and "SEMI CRITICO" both become "SEMI_CRITICO".
func NormalizeType(t string) string {
	folded := stage.Fold(t)
	return strings.NewReplacer(" ", "_", "-", "_").Replace(folded)
}

// Limit returns the ceiling for an instrument type.
func (p *Policy) Limit(instrumentType string) (int, bool) {
	if instrumentType == "" {
		return 0, false
	}
	l, ok := p.limits[NormalizeType(instrumentType)]
	return l, ok
}

// Evaluate classifies a reprocess count for an instrument type.
func (p *Policy) Evaluate(count int, instrumentType string) Result {
	limit, ok := p.Limit(instrumentType)
	if !ok {
		return Result{Count: count, Status: StatusUnknown}
	}

	res := Result{Count: count, Limit: &limit, Status: StatusOK}
	near := int(math.Max(1, math.Floor(float64(limit)*NearRatio)))
	switch {
	case count > limit:
		res.Status = StatusExceeded
		res.Exceeded = true
	case count >= near:
		res.Status = StatusNear
	}
	return res
}

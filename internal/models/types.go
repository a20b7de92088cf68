package models

// Package models defines core data types used throughout kubilitics-explain.
//
// These types flow through the explanation pipeline: an AdaptationEvent is
// normalized from a raw orchestration record, its factors are resolved into a
// DecisionContext, the AttributionResult explains the score margin between the
// chosen option and its runner-up, and the Explanation is what operators read.

import (
	"sort"
	"time"
)

// AdaptationEvent is one adaptation decision taken by the orchestration loop.
// Immutable once produced by the normalizer.
type AdaptationEvent struct {
	ID             string
	Timestamp      time.Time
	ChosenOptionID string
	Options        []CandidateOption
	ContextRef     string // orchestration context snapshot the loop decided on
	Intent         string // intent the adaptation serves, if the producer reports it
	Source         string // where the record came from (rest, grpc, log, cli)
}

// CandidateOption is one alternative the orchestration loop scored.
type CandidateOption struct {
	ID      string
	Factors map[string]float64
	Score   float64
	Rank    int // 1 = best
	Chosen  bool
}

// Option returns the candidate with the given id.
func (e *AdaptationEvent) Option(id string) (CandidateOption, bool) {
	for _, opt := range e.Options {
		if opt.ID == id {
			return opt, true
		}
	}
	return CandidateOption{}, false
}

// Chosen returns the chosen candidate. The normalizer guarantees it exists.
func (e *AdaptationEvent) Chosen() CandidateOption {
	opt, _ := e.Option(e.ChosenOptionID)
	return opt
}

// FactorNames returns every factor referenced by any candidate, sorted.
func (e *AdaptationEvent) FactorNames() []string {
	seen := make(map[string]struct{})
	for _, opt := range e.Options {
		for name := range opt.Factors {
			seen[name] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ResolvedValue is the context reading for a single factor.
// Resolved=false is the "unresolved" sentinel: the source was unreachable,
// timed out or did not know the factor.
type ResolvedValue struct {
	Factor      string    `json:"factor"`
	Value       float64   `json:"value"`
	Resolved    bool      `json:"resolved"`
	Source      string    `json:"source,omitempty"`
	RetrievedAt time.Time `json:"retrieved_at"`
	Error       string    `json:"error,omitempty"`
}

// DecisionContext holds one resolved value per requested factor.
// Built once per event by the context resolver and read-only afterwards.
type DecisionContext struct {
	EventID    string
	Values     map[string]ResolvedValue
	ResolvedAt time.Time
}

// Get returns the context reading for a factor.
func (c *DecisionContext) Get(factor string) (ResolvedValue, bool) {
	if c == nil {
		return ResolvedValue{}, false
	}
	v, ok := c.Values[factor]
	return v, ok
}

// IsResolved reports whether the factor has a usable reading.
func (c *DecisionContext) IsResolved(factor string) bool {
	v, ok := c.Get(factor)
	return ok && v.Resolved
}

// Factors returns the factor names in the context, sorted.
func (c *DecisionContext) Factors() []string {
	if c == nil {
		return nil
	}
	names := make([]string, 0, len(c.Values))
	for name := range c.Values {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Unresolved returns the names of factors whose reading is unresolved, sorted.
func (c *DecisionContext) Unresolved() []string {
	var out []string
	for _, name := range c.Factors() {
		if !c.Values[name].Resolved {
			out = append(out, name)
		}
	}
	return out
}

// Sign is the direction of a contribution relative to the chosen option.
type Sign string

const (
	SignPositive Sign = "+" // favored the chosen option
	SignNegative Sign = "-" // favored the runner-up
	SignNeutral  Sign = "0"
)

// SignOf classifies a contribution.
func SignOf(v float64) Sign {
	switch {
	case v > 0:
		return SignPositive
	case v < 0:
		return SignNegative
	default:
		return SignNeutral
	}
}

// AttributionEntry is one factor's share of the score margin.
type AttributionEntry struct {
	Factor        string  `json:"factor"`
	Contribution  float64 `json:"contribution"`
	Sign          Sign    `json:"sign"`
	Weight        float64 `json:"weight"`
	ChosenValue   float64 `json:"chosen_value"`
	RunnerUpValue float64 `json:"runner_up_value"`
}

// Attribution methods.
const (
	MethodLinear           = "linear"
	MethodFiniteDifference = "finite-difference"
	MethodNone             = "none"
)

// AttributionResult explains the margin between the chosen option and its
// nearest competitor. Entries sum to Margin and are sorted by descending
// absolute contribution, ties broken by factor name.
type AttributionResult struct {
	EventID       string             `json:"event_id"`
	ChosenID      string             `json:"chosen_id"`
	RunnerUpID    string             `json:"runner_up_id,omitempty"`
	ChosenScore   float64            `json:"chosen_score"`
	RunnerUpScore float64            `json:"runner_up_score"`
	Margin        float64            `json:"margin"`
	Entries       []AttributionEntry `json:"entries"`
	Uncontested   bool               `json:"uncontested"`
	Method        string             `json:"method"`
	ModelResidual float64            `json:"model_residual"`
}

// Entry returns the attribution entry for a factor.
func (r *AttributionResult) Entry(factor string) (AttributionEntry, bool) {
	if r == nil {
		return AttributionEntry{}, false
	}
	for _, e := range r.Entries {
		if e.Factor == factor {
			return e, true
		}
	}
	return AttributionEntry{}, false
}

// Sum returns the sum of all contributions.
func (r *AttributionResult) Sum() float64 {
	var sum float64
	for _, e := range r.Entries {
		sum += e.Contribution
	}
	return sum
}

// AbsTotal returns the sum of absolute contributions.
func (r *AttributionResult) AbsTotal() float64 {
	var sum float64
	for _, e := range r.Entries {
		if e.Contribution < 0 {
			sum -= e.Contribution
		} else {
			sum += e.Contribution
		}
	}
	return sum
}

// Magnitude buckets.
const (
	BucketDominant = "dominant"
	BucketModerate = "moderate"
	BucketMinor    = "minor"
)

// Evidence kinds.
const (
	EvidenceAttribution = "attribution"
	EvidenceContext     = "context"
)

// EvidenceRef points into the AttributionResult or the DecisionContext.
type EvidenceRef struct {
	ID           string  `json:"id"`
	Kind         string  `json:"kind"`
	Factor       string  `json:"factor"`
	Contribution float64 `json:"contribution,omitempty"`
	Share        float64 `json:"share,omitempty"`
	Bucket       string  `json:"bucket,omitempty"`
	Direction    string  `json:"direction,omitempty"`
	ContextValue float64 `json:"context_value,omitempty"`
	Resolved     bool    `json:"resolved"`
	Source       string  `json:"source,omitempty"`
}

// AttributionRef is the citation id of an attribution entry.
func AttributionRef(factor string) string { return EvidenceAttribution + ":" + factor }

// ContextRef is the citation id of a context field.
func ContextRef(factor string) string { return EvidenceContext + ":" + factor }

// NarrativeSentence is one sentence of the narrative with the evidence it
// was derived from.
type NarrativeSentence struct {
	Text      string   `json:"text"`
	Citations []string `json:"citations"`
}

// Explanation is the operator-facing explanation of one decision.
// Created once per fingerprint and never mutated after it is cached.
type Explanation struct {
	Fingerprint    string              `json:"fingerprint"`
	EventID        string              `json:"event_id"`
	Intent         string              `json:"intent,omitempty"`
	ChosenOptionID string              `json:"chosen_option_id"`
	RunnerUpID     string              `json:"runner_up_id,omitempty"`
	Margin         float64             `json:"margin"`
	Narrative      string              `json:"narrative"`
	Sentences      []NarrativeSentence `json:"sentences"`
	Evidence       []EvidenceRef       `json:"evidence"`
	Confidence     float64             `json:"confidence"`
	Uncontested    bool                `json:"uncontested"`
	GeneratedAt    time.Time           `json:"generated_at"`
}

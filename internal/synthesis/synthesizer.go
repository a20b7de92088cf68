package synthesis

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-explain/internal/models"
)

// DefaultTopK is the number of factors described individually.
const DefaultTopK = 3

// Bucket thresholds on a contribution's share of the score margin.
const (
	DominantShare = 0.50
	ModerateShare = 0.15
)

// Evidence directions.
const (
	DirectionChosen   = "chosen"
	DirectionRunnerUp = "runner_up"
	DirectionNeutral  = "neutral"
)

// Options configures the synthesizer.
type Options struct {
	TopK   int
	Logger *zap.Logger
	Now    func() time.Time
}

type synthesizer struct {
	topK   int
	logger *zap.Logger
	now    func() time.Time
}

// New creates a Synthesizer.
func New(opts Options) Synthesizer {
	if opts.TopK < 1 {
		opts.TopK = DefaultTopK
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &synthesizer{topK: opts.TopK, logger: opts.Logger, now: opts.Now}
}

// Synthesize implements Synthesizer.
func (s *synthesizer) Synthesize(ctx context.Context, fingerprint string, ev *models.AdaptationEvent, dc *models.DecisionContext, res *models.AttributionResult) (*models.Explanation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	exp := &models.Explanation{
		Fingerprint:    fingerprint,
		EventID:        ev.ID,
		Intent:         ev.Intent,
		ChosenOptionID: res.ChosenID,
		RunnerUpID:     res.RunnerUpID,
		Margin:         res.Margin,
		Uncontested:    res.Uncontested,
		Confidence:     Confidence(res, dc),
		Evidence:       buildEvidence(res, dc),
		GeneratedAt:    s.now().UTC(),
	}

	if res.Uncontested {
		exp.Sentences = s.uncontested(ev, res, dc)
	} else {
		exp.Sentences = s.contested(ev, res, dc, exp.Confidence)
	}

	texts := make([]string, len(exp.Sentences))
	for i, sentence := range exp.Sentences {
		texts[i] = sentence.Text
	}
	exp.Narrative = strings.Join(texts, " ")

	if err := VerifyTraceability(exp, res, dc); err != nil {
		s.logger.Error("explanation failed traceability check",
			zap.String("event_id", ev.ID),
			zap.String("fingerprint", fingerprint),
			zap.Error(err),
		)
		return nil, fmt.Errorf("synthesize %s: %w", ev.ID, err)
	}
	return exp, nil
}

// ─── Sentences ────────────────────────────────────────────────────────────────

func (s *synthesizer) contested(ev *models.AdaptationEvent, res *models.AttributionResult, dc *models.DecisionContext, confidence float64) []models.NarrativeSentence {
	total := res.AbsTotal()
	k := s.topK
	if k > len(res.Entries) {
		k = len(res.Entries)
	}

	sentences := make([]models.NarrativeSentence, 0, k+3)

	all := make([]string, 0, len(res.Entries))
	for _, en := range res.Entries {
		all = append(all, models.AttributionRef(en.Factor))
	}
	sentences = append(sentences, models.NarrativeSentence{
		Text: fmt.Sprintf("%s was chosen over %s by a score margin of %s (%s vs %s).",
			subject(ev, res.ChosenID), res.RunnerUpID, num(res.Margin), num(res.ChosenScore), num(res.RunnerUpScore)),
		Citations: all,
	})

	for _, en := range res.Entries[:k] {
		sentences = append(sentences, factorSentence(en, res, dc, MarginShare(en.Contribution, res.Margin)))
	}

	if omitted := res.Entries[k:]; len(omitted) > 0 {
		sentences = append(sentences, omittedSentence(omitted, total))
	}

	sentences = append(sentences, confidenceSentence(res, dc, confidence))
	return sentences
}

func (s *synthesizer) uncontested(ev *models.AdaptationEvent, res *models.AttributionResult, dc *models.DecisionContext) []models.NarrativeSentence {
	var cites []string
	if chosen, ok := ev.Option(res.ChosenID); ok {
		for _, f := range sortedKeys(chosen.Factors) {
			if _, ok := dc.Get(f); ok {
				cites = append(cites, models.ContextRef(f))
			}
		}
	}
	return []models.NarrativeSentence{
		{
			Text:      fmt.Sprintf("%s was the only candidate, so no alternative competed with it.", subject(ev, res.ChosenID)),
			Citations: nonNil(cites),
		},
		{
			Text:      "Confidence is 1.00 because the decision was uncontested.",
			Citations: []string{},
		},
	}
}

func factorSentence(en models.AttributionEntry, res *models.AttributionResult, dc *models.DecisionContext, share float64) models.NarrativeSentence {
	cites := []string{models.AttributionRef(en.Factor)}
	if _, ok := dc.Get(en.Factor); ok {
		cites = append(cites, models.ContextRef(en.Factor))
	}

	beneficiary := res.ChosenID
	if en.Contribution < 0 {
		beneficiary = res.RunnerUpID
	}

	var text string
	switch {
	case unresolved(dc, en.Factor) && en.Contribution == 0:
		text = fmt.Sprintf("%s did not separate %s from %s, and its context value could not be verified (%s).",
			en.Factor, res.ChosenID, res.RunnerUpID, reason(dc, en.Factor))
	case unresolved(dc, en.Factor):
		text = fmt.Sprintf("%s favored %s by %s, but its context value could not be verified (%s), so its magnitude is unverified.",
			en.Factor, beneficiary, signed(en.Contribution), reason(dc, en.Factor))
	case en.Contribution == 0:
		text = fmt.Sprintf("%s did not separate %s from %s (%s vs %s).",
			en.Factor, res.ChosenID, res.RunnerUpID, num(en.ChosenValue), num(en.RunnerUpValue))
	default:
		text = fmt.Sprintf("%s favored %s (%s, %s of the margin; contribution %s, %s vs %s).",
			en.Factor, beneficiary, BucketFor(share), pct(share), signed(en.Contribution), num(en.ChosenValue), num(en.RunnerUpValue))
	}
	return models.NarrativeSentence{Text: text, Citations: cites}
}

func omittedSentence(omitted []models.AttributionEntry, total float64) models.NarrativeSentence {
	names := make([]string, 0, len(omitted))
	cites := make([]string, 0, len(omitted))
	var share float64
	for _, en := range omitted {
		names = append(names, en.Factor)
		cites = append(cites, models.AttributionRef(en.Factor))
		share += Share(en.Contribution, total)
	}

	noun, verb := "factors", "account"
	if len(omitted) == 1 {
		noun, verb = "factor", "accounts"
	}
	return models.NarrativeSentence{
		Text: fmt.Sprintf("%d further %s (%s) %s for the remaining %s of the attribution.",
			len(omitted), noun, strings.Join(names, ", "), verb, pct(share)),
		Citations: cites,
	}
}

func confidenceSentence(res *models.AttributionResult, dc *models.DecisionContext, confidence float64) models.NarrativeSentence {
	var missing, cites []string
	for _, en := range res.Entries {
		if unresolved(dc, en.Factor) {
			missing = append(missing, en.Factor)
			cites = append(cites, models.AttributionRef(en.Factor))
			if _, ok := dc.Get(en.Factor); ok {
				cites = append(cites, models.ContextRef(en.Factor))
			}
		}
	}
	if len(missing) > 0 {
		return models.NarrativeSentence{
			Text: fmt.Sprintf("Confidence is %.2f because context for %s could not be verified.",
				confidence, strings.Join(missing, ", ")),
			Citations: cites,
		}
	}

	for _, en := range res.Entries {
		if _, ok := dc.Get(en.Factor); ok {
			cites = append(cites, models.ContextRef(en.Factor))
		} else {
			cites = append(cites, models.AttributionRef(en.Factor))
		}
	}
	text := "Confidence is 1.00: every contributing factor has a resolved context value."
	if dc == nil {
		text = "Confidence is 1.00: no decision context was consulted."
	}
	return models.NarrativeSentence{Text: text, Citations: cites}
}

// ─── Evidence ─────────────────────────────────────────────────────────────────

func buildEvidence(res *models.AttributionResult, dc *models.DecisionContext) []models.EvidenceRef {
	ctxFactors := dc.Factors()
	out := make([]models.EvidenceRef, 0, len(res.Entries)+len(ctxFactors))

	for _, en := range res.Entries {
		share := MarginShare(en.Contribution, res.Margin)
		ref := models.EvidenceRef{
			ID:           models.AttributionRef(en.Factor),
			Kind:         models.EvidenceAttribution,
			Factor:       en.Factor,
			Contribution: en.Contribution,
			Share:        share,
			Direction:    direction(en.Contribution),
			Resolved:     !unresolved(dc, en.Factor),
		}
		if v, ok := dc.Get(en.Factor); ok {
			ref.ContextValue = v.Value
			ref.Source = v.Source
		}
		if ref.Resolved {
			ref.Bucket = BucketFor(share)
		}
		out = append(out, ref)
	}

	for _, f := range ctxFactors {
		v := dc.Values[f]
		out = append(out, models.EvidenceRef{
			ID:           models.ContextRef(f),
			Kind:         models.EvidenceContext,
			Factor:       f,
			ContextValue: v.Value,
			Resolved:     v.Resolved,
			Source:       v.Source,
		})
	}
	return out
}

// Share is |c| as a fraction of total. Zero when total is zero.
func Share(c, total float64) float64 {
	if total == 0 {
		return 0
	}
	return math.Abs(c) / total
}

// MarginShare is |c| as a fraction of |margin|. It can exceed 1 when factors
// pull in opposite directions. With a zero margin any nonzero contribution
// has share 1 and zero stays 0.
func MarginShare(c, margin float64) float64 {
	if margin == 0 {
		if c == 0 {
			return 0
		}
		return 1
	}
	return math.Abs(c) / math.Abs(margin)
}

// BucketFor maps a margin share to its magnitude bucket.
func BucketFor(share float64) string {
	switch {
	case share >= DominantShare:
		return models.BucketDominant
	case share >= ModerateShare:
		return models.BucketModerate
	default:
		return models.BucketMinor
	}
}

// Confidence is the fraction of Σ|contribution| backed by resolved context.
func Confidence(res *models.AttributionResult, dc *models.DecisionContext) float64 {
	if res.Uncontested {
		return 1
	}
	total := res.AbsTotal()
	if total == 0 {
		return 1
	}
	var missing float64
	for _, en := range res.Entries {
		if unresolved(dc, en.Factor) {
			missing += math.Abs(en.Contribution)
		}
	}
	c := 1 - missing/total
	return math.Max(0, math.Min(1, c))
}

// unresolved reports whether factor lacks a usable context reading. Without
// a decision context nothing is unresolved.
func unresolved(dc *models.DecisionContext, factor string) bool {
	if dc == nil {
		return false
	}
	return !dc.IsResolved(factor)
}

func reason(dc *models.DecisionContext, factor string) string {
	if v, ok := dc.Get(factor); ok && v.Error != "" {
		return v.Error
	}
	return "unresolved"
}

func direction(c float64) string {
	switch models.SignOf(c) {
	case models.SignPositive:
		return DirectionChosen
	case models.SignNegative:
		return DirectionRunnerUp
	default:
		return DirectionNeutral
	}
}

func subject(ev *models.AdaptationEvent, chosen string) string {
	if ev.Intent != "" {
		return fmt.Sprintf("For intent %s, option %s", ev.Intent, chosen)
	}
	return "Option " + chosen
}

func num(v float64) string {
	return strconv.FormatFloat(v, 'g', 6, 64)
}

func signed(v float64) string {
	if v > 0 {
		return "+" + num(v)
	}
	return num(v)
}

func pct(share float64) string {
	return fmt.Sprintf("%.0f%%", share*100)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

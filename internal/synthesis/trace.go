package synthesis

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/kubilitics/kubilitics-explain/internal/models"
)

// ErrUntraceable is returned when an explanation cites evidence that does
// not exist or makes a claim without citing anything.
var ErrUntraceable = errors.New("explanation is not traceable")

// VerifyTraceability checks that every citation and evidence reference of
// exp resolves to an attribution entry of res or a field of dc, that every
// sentence of a contested explanation cites something, and that no
// unresolved factor carries a magnitude bucket.
func VerifyTraceability(exp *models.Explanation, res *models.AttributionResult, dc *models.DecisionContext) error {
	known := make(map[string]struct{}, len(res.Entries))
	for _, en := range res.Entries {
		known[models.AttributionRef(en.Factor)] = struct{}{}
	}
	for _, f := range dc.Factors() {
		known[models.ContextRef(f)] = struct{}{}
	}

	for i, sentence := range exp.Sentences {
		if len(sentence.Citations) == 0 && !exp.Uncontested {
			return fmt.Errorf("%w: sentence %d cites no evidence: %q", ErrUntraceable, i, sentence.Text)
		}
		for _, id := range sentence.Citations {
			if _, ok := known[id]; !ok {
				return fmt.Errorf("%w: sentence %d cites unknown evidence %s", ErrUntraceable, i, id)
			}
		}
	}

	for _, ref := range exp.Evidence {
		if _, ok := known[ref.ID]; !ok {
			return fmt.Errorf("%w: unknown evidence %s", ErrUntraceable, ref.ID)
		}
		if ref.Kind == models.EvidenceAttribution && !ref.Resolved && ref.Bucket != "" {
			return fmt.Errorf("%w: unresolved factor %s has bucket %s", ErrUntraceable, ref.Factor, ref.Bucket)
		}
	}
	return nil
}

// Fingerprint identifies a decision by its event id, the resolved context
// and the chosen option. Context values are written in factor order with an
// explicit marker for unresolved readings, so the same inputs always give
// the same hex digest.
func Fingerprint(ev *models.AdaptationEvent, dc *models.DecisionContext) string {
	h := sha256.New()
	field(h, "event", ev.ID)

	if dc == nil {
		for _, f := range ev.FactorNames() {
			field(h, f, "-")
		}
	} else {
		for _, f := range dc.Factors() {
			v := dc.Values[f]
			if v.Resolved {
				field(h, f, strconv.FormatFloat(v.Value, 'g', -1, 64))
			} else {
				field(h, f, "?")
			}
		}
	}

	field(h, "chosen", ev.ChosenOptionID)
	return hex.EncodeToString(h.Sum(nil))
}

func field(w io.Writer, key, value string) {
	fmt.Fprintf(w, "%d:%s=%d:%s\x00", len(key), key, len(value), value)
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

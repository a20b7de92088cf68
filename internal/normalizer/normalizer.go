// Package normalizer turns raw adaptation-event payloads into canonical
// models.AdaptationEvent values.
//
// Payloads arrive from several producers (REST, gRPC, the adaptation log, the
// CLI) and are accepted in snake_case or camelCase. Numbers may be JSON
// numbers or numeric strings. Timestamps may be RFC 3339 / ISO-8601 strings or
// unix seconds.
//
// Validation failures are reported as *models.MalformedEventError naming the
// offending field. Normalization has no side effects.
package normalizer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/kubilitics/kubilitics-explain/internal/models"
)

var (
	eventIDKeys    = []string{"event_id", "eventId", "id"}
	chosenKeys     = []string{"chosen_option_id", "chosenOptionId", "chosen_id", "chosen"}
	optionsKeys    = []string{"options", "candidates", "candidate_options", "candidateOptions"}
	timestampKeys  = []string{"timestamp", "ts", "time"}
	contextRefKeys = []string{"context_ref", "contextRef", "context_snapshot", "contextSnapshot"}
	intentKeys     = []string{"intent", "intent_id", "intentId"}
	optionIDKeys   = []string{"id", "option_id", "optionId"}
	factorKeys     = []string{"factors", "factor_values", "factorValues"}
)

// timeLayouts are tried in order for string timestamps without a zone or
// with reduced precision.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05,000",
}

// Normalize validates a raw payload and returns the canonical event.
func Normalize(raw map[string]interface{}) (*models.AdaptationEvent, error) {
	if raw == nil {
		return nil, &models.MalformedEventError{Reason: "empty payload"}
	}

	id, err := requiredString(raw, "", "event_id", eventIDKeys)
	if err != nil {
		return nil, err
	}

	ev := &models.AdaptationEvent{ID: id}

	tsVal, ok := lookup(raw, timestampKeys)
	if !ok {
		return nil, malformed(id, "timestamp", "missing required field")
	}
	ts, err := parseTimestamp(tsVal)
	if err != nil {
		return nil, malformed(id, "timestamp", err.Error())
	}
	ev.Timestamp = ts

	if v, ok := lookup(raw, contextRefKeys); ok {
		ev.ContextRef = fmt.Sprint(v)
	}
	if v, ok := lookup(raw, intentKeys); ok {
		ev.Intent = fmt.Sprint(v)
	}
	if v, ok := raw["source"].(string); ok {
		ev.Source = v
	}

	optsVal, ok := lookup(raw, optionsKeys)
	if !ok {
		return nil, malformed(id, "options", "missing required field")
	}
	rawOpts, ok := optsVal.([]interface{})
	if !ok {
		return nil, malformed(id, "options", fmt.Sprintf("expected a list, got %T", optsVal))
	}
	if len(rawOpts) == 0 {
		return nil, malformed(id, "options", "candidate option list is empty")
	}

	seen := make(map[string]bool, len(rawOpts))
	flagged := ""
	allRanked := true
	for i, ro := range rawOpts {
		m, ok := ro.(map[string]interface{})
		if !ok {
			return nil, malformed(id, fmt.Sprintf("options[%d]", i), fmt.Sprintf("expected an object, got %T", ro))
		}
		opt, chosenFlag, err := normalizeOption(id, i, m)
		if err != nil {
			return nil, err
		}
		if seen[opt.ID] {
			return nil, malformed(id, fmt.Sprintf("options[%d].id", i), fmt.Sprintf("duplicate option id %q", opt.ID))
		}
		seen[opt.ID] = true
		if chosenFlag {
			if flagged != "" {
				return nil, malformed(id, fmt.Sprintf("options[%d].chosen", i), "more than one option flagged as chosen")
			}
			flagged = opt.ID
		}
		if opt.Rank == 0 {
			allRanked = false
		}
		ev.Options = append(ev.Options, opt)
	}

	chosen := ""
	if v, ok := lookup(raw, chosenKeys); ok {
		s, isString := v.(string)
		if !isString || strings.TrimSpace(s) == "" {
			return nil, malformed(id, "chosen_option_id", "must be a non-empty string")
		}
		chosen = s
	} else {
		chosen = flagged
	}
	if chosen == "" {
		return nil, malformed(id, "chosen_option_id", "missing required field")
	}
	if !seen[chosen] {
		return nil, malformed(id, "chosen_option_id", fmt.Sprintf("chosen option %q is not among the candidate options", chosen))
	}
	if flagged != "" && flagged != chosen {
		return nil, malformed(id, "chosen_option_id", fmt.Sprintf("chosen option %q disagrees with flagged option %q", chosen, flagged))
	}
	ev.ChosenOptionID = chosen
	for i := range ev.Options {
		ev.Options[i].Chosen = ev.Options[i].ID == chosen
	}

	if !allRanked {
		assignRanks(ev.Options)
	}

	return ev, nil
}

// NormalizeJSON decodes a JSON object and normalizes it.
func NormalizeJSON(data []byte) (*models.AdaptationEvent, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]interface{}
	if err := dec.Decode(&raw); err != nil {
		return nil, &models.MalformedEventError{Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}
	return Normalize(raw)
}

func normalizeOption(eventID string, idx int, m map[string]interface{}) (models.CandidateOption, bool, error) {
	field := func(name string) string { return fmt.Sprintf("options[%d].%s", idx, name) }

	optID, err := requiredString(m, eventID, field("id"), optionIDKeys)
	if err != nil {
		return models.CandidateOption{}, false, err
	}

	fv, ok := lookup(m, factorKeys)
	if !ok {
		return models.CandidateOption{}, false, malformed(eventID, field("factors"), "missing required field")
	}
	fm, ok := fv.(map[string]interface{})
	if !ok {
		return models.CandidateOption{}, false, malformed(eventID, field("factors"), fmt.Sprintf("expected an object, got %T", fv))
	}
	if len(fm) == 0 {
		return models.CandidateOption{}, false, malformed(eventID, field("factors"), "factor map is empty")
	}
	factors := make(map[string]float64, len(fm))
	for name, v := range fm {
		if strings.TrimSpace(name) == "" {
			return models.CandidateOption{}, false, malformed(eventID, field("factors"), "factor name is empty")
		}
		f, err := toFloat(v)
		if err != nil {
			return models.CandidateOption{}, false, malformed(eventID, field("factors."+name), err.Error())
		}
		factors[name] = f
	}

	sv, ok := m["score"]
	if !ok {
		return models.CandidateOption{}, false, malformed(eventID, field("score"), "missing required field")
	}
	score, err := toFloat(sv)
	if err != nil {
		return models.CandidateOption{}, false, malformed(eventID, field("score"), err.Error())
	}

	opt := models.CandidateOption{ID: optID, Factors: factors, Score: score}

	if rv, ok := m["rank"]; ok {
		r, err := toFloat(rv)
		if err != nil || r < 1 || r != math.Trunc(r) {
			return models.CandidateOption{}, false, malformed(eventID, field("rank"), "rank must be a positive integer")
		}
		opt.Rank = int(r)
	}

	chosenFlag := false
	if cv, ok := m["chosen"].(bool); ok {
		chosenFlag = cv
	}

	return opt, chosenFlag, nil
}

// assignRanks ranks options by descending score, ties by lexical id.
// Received order is preserved in the slice itself.
func assignRanks(opts []models.CandidateOption) {
	idx := make([]int, len(opts))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		oa, ob := opts[idx[a]], opts[idx[b]]
		if oa.Score != ob.Score {
			return oa.Score > ob.Score
		}
		return oa.ID < ob.ID
	})
	for rank, i := range idx {
		opts[i].Rank = rank + 1
	}
}

func lookup(m map[string]interface{}, keys []string) (interface{}, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func requiredString(m map[string]interface{}, eventID, field string, keys []string) (string, error) {
	v, ok := lookup(m, keys)
	if !ok {
		return "", malformed(eventID, field, "missing required field")
	}
	var s string
	switch t := v.(type) {
	case string:
		s = t
	case json.Number:
		s = t.String()
	case float64:
		s = strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		s = strconv.Itoa(t)
	default:
		return "", malformed(eventID, field, fmt.Sprintf("expected a string, got %T", v))
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", malformed(eventID, field, "must not be empty")
	}
	return s, nil
}

func toFloat(v interface{}) (float64, error) {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int:
		f = float64(t)
	case int64:
		f = float64(t)
	case int32:
		f = float64(t)
	case uint64:
		f = float64(t)
	case json.Number:
		parsed, err := t.Float64()
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", t.String())
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", t)
		}
		f = parsed
	default:
		return 0, fmt.Errorf("expected a number, got %T", v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("value must be finite")
	}
	return f, nil
}

func parseTimestamp(v interface{}) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return time.Time{}, fmt.Errorf("timestamp is empty")
		}
		for _, layout := range timeLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts.UTC(), nil
			}
		}
		if secs, err := strconv.ParseFloat(s, 64); err == nil {
			return unixSeconds(secs), nil
		}
		return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
	default:
		secs, err := toFloat(v)
		if err != nil {
			return time.Time{}, fmt.Errorf("unrecognized timestamp: %v", err)
		}
		return unixSeconds(secs), nil
	}
}

func unixSeconds(secs float64) time.Time {
	whole, frac := math.Modf(secs)
	return time.Unix(int64(whole), int64(frac*1e9)).UTC()
}

func malformed(eventID, field, reason string) error {
	return &models.MalformedEventError{EventID: eventID, Field: field, Reason: reason}
}

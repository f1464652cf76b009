// Package parser extracts the canonical {event, step, message} triple from
// raw agent output. Agents frequently violate the output contract, so the
// extraction is a cascade of strategies, each tried only when the previous
// one yields nothing.
package parser

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/voidwalker/autopilot/internal/plan"
)

// tailWindow bounds the anchored-near-end scan. Agents restate earlier
// statuses; the authoritative triple is the one they finish with.
const tailWindow = 600

// Parse returns a well-formed structured response or nil. It never guesses
// an event from prose.
func Parse(typed *plan.StructuredResponse, raw string) *plan.StructuredResponse {
	if typed != nil && typed.WellFormed() {
		return typed
	}
	return ParseText(raw)
}

// ParseText runs the text extraction cascade on raw agent output.
func ParseText(raw string) *plan.StructuredResponse {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	strategies := []func(string) *plan.StructuredResponse{
		fromFencedBlocks,
		fromTailObject,
		fromAnyObject,
		fromLooseRegex,
		fromBraceSplit,
	}
	for _, extract := range strategies {
		if r := extract(raw); r != nil {
			return r
		}
	}
	return nil
}

var fencedRe = regexp.MustCompile("```(?:json)?\\s*([\\s\\S]*?)```")

func fromFencedBlocks(raw string) *plan.StructuredResponse {
	for _, m := range fencedRe.FindAllStringSubmatch(raw, -1) {
		if r := decode(m[1]); r != nil {
			return r
		}
	}
	return nil
}

// flatObjectRe matches a JSON object with no nested braces.
var flatObjectRe = regexp.MustCompile(`\{[^{}]*\}`)

func fromTailObject(raw string) *plan.StructuredResponse {
	tail := raw
	if len(tail) > tailWindow {
		tail = tail[len(tail)-tailWindow:]
	}
	return firstKeyedObject(tail)
}

func fromAnyObject(raw string) *plan.StructuredResponse {
	return firstKeyedObject(raw)
}

func firstKeyedObject(text string) *plan.StructuredResponse {
	for _, cand := range flatObjectRe.FindAllString(text, -1) {
		if !hasTripleKeys(cand) {
			continue
		}
		if r := decode(cand); r != nil {
			return r
		}
	}
	return nil
}

func hasTripleKeys(s string) bool {
	return strings.Contains(s, `"event"`) &&
		strings.Contains(s, `"step"`) &&
		(strings.Contains(s, `"message"`) || strings.Contains(s, `"assistant_message"`))
}

// looseRe is the single-pass fallback: keys in contract order with anything
// between them, tolerating prose around the object.
var looseRe = regexp.MustCompile(`"event"\s*:\s*"([a-z_]+)"[\s\S]*?"step"\s*:\s*"?(-?\d+)"?[\s\S]*?"(?:assistant_)?message"\s*:\s*"((?:[^"\\]|\\.)*)"`)

func fromLooseRegex(raw string) *plan.StructuredResponse {
	m := looseRe.FindStringSubmatch(raw)
	if m == nil {
		return nil
	}
	step, err := strconv.Atoi(m[2])
	if err != nil {
		return nil
	}
	r := &plan.StructuredResponse{
		Event:   plan.Event(m[1]),
		Step:    step,
		Message: unescape(m[3]),
	}
	if !r.WellFormed() {
		return nil
	}
	return r
}

// fromBraceSplit is the last resort: split the text into top-level {...}
// substrings and test each, preferring the last valid one. Agents often
// restate an earlier status before arriving at the final one.
func fromBraceSplit(raw string) *plan.StructuredResponse {
	var best *plan.StructuredResponse
	for _, cand := range topLevelObjects(raw) {
		if r := decode(cand); r != nil {
			best = r
		}
	}
	return best
}

func topLevelObjects(raw string) []string {
	var out []string
	depth := 0
	start := -1
	for i, c := range raw {
		switch c {
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					out = append(out, raw[start:i+1])
					start = -1
				}
			}
		}
	}
	return out
}

// rawTriple tolerates the field shapes agents actually emit: step as number
// or numeric string, message under either key.
type rawTriple struct {
	Event            string `json:"event"`
	Step             any    `json:"step"`
	Message          string `json:"message"`
	AssistantMessage string `json:"assistant_message"`
}

func decode(candidate string) *plan.StructuredResponse {
	candidate = strings.TrimSpace(candidate)
	if candidate == "" || !strings.HasPrefix(candidate, "{") {
		return nil
	}

	var t rawTriple
	if err := json.Unmarshal([]byte(candidate), &t); err != nil {
		// Agents double-escape embedded JSON; normalize and retry once.
		if err := json.Unmarshal([]byte(unescape(candidate)), &t); err != nil {
			return nil
		}
	}

	step, ok := intStep(t.Step)
	if !ok {
		return nil
	}
	msg := t.Message
	if msg == "" {
		msg = t.AssistantMessage
	}
	r := &plan.StructuredResponse{Event: plan.Event(t.Event), Step: step, Message: msg}
	if !r.WellFormed() {
		return nil
	}
	return r
}

func intStep(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int(n), true
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}

func unescape(s string) string {
	s = strings.ReplaceAll(s, `\n`, "\n")
	s = strings.ReplaceAll(s, `\"`, `"`)
	return s
}

package interpret

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/earmark/pkg/memory"
)

// ErrUnparsable is returned by [ParseResponse] when no valid response object
// can be located in the collaborator output.
var ErrUnparsable = errors.New("interpret: unparsable response")

// Response is the collaborator's answer.
type Response struct {
	Actions []Action `json:"actions"`
}

// Action is one proposed action. Pointer fields distinguish "absent" from
// zero.
type Action struct {
	Type            memory.ActionType `json:"type"`
	Text            string            `json:"text"`
	Tags            []string          `json:"tags"`
	Importance      *float64          `json:"importance"`
	PredictedIntent memory.Intent     `json:"predicted_intent"`
	Quality         *ActionQuality    `json:"quality"`
}

// ActionQuality is the collaborator's self-assessment of one action.
type ActionQuality struct {
	Confidence *float64 `json:"confidence"`
	Issues     []string `json:"issues"`
	Suggestion string   `json:"suggestion"`
}

// ParseResponse extracts the response object from free text. It tries, in
// order: the whole text, every fenced code block, then every balanced
// top-level object. The first candidate that decodes, carries an "actions"
// key and validates wins.
func ParseResponse(text string) (Response, error) {
	var lastErr error
	for _, cand := range candidates(text) {
		r, err := decode(cand)
		if err == nil {
			return r, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("no JSON object found")
	}
	return Response{}, fmt.Errorf("%w: %w", ErrUnparsable, lastErr)
}

func decode(s string) (Response, error) {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal([]byte(s), &keys); err != nil {
		return Response{}, err
	}
	if _, ok := keys["actions"]; !ok {
		return Response{}, errors.New(`object has no "actions" key`)
	}
	var r Response
	if err := json.Unmarshal([]byte(s), &r); err != nil {
		return Response{}, err
	}
	for i, a := range r.Actions {
		switch a.Type {
		case memory.ActionNone:
		case memory.ActionAddMemory, memory.ActionAddShoppingItem:
			if strings.TrimSpace(a.Text) == "" {
				return Response{}, fmt.Errorf("action %d: empty text", i)
			}
		default:
			return Response{}, fmt.Errorf("action %d: unknown type %q", i, a.Type)
		}
	}
	return r, nil
}

func candidates(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	out := []string{text}
	out = append(out, fencedBlocks(text)...)
	out = append(out, balancedObjects(text)...)
	return out
}

// fencedBlocks returns the bodies of ``` fenced blocks, with an optional
// language tag stripped.
func fencedBlocks(text string) []string {
	var out []string
	rest := text
	for {
		start := strings.Index(rest, "```")
		if start < 0 {
			return out
		}
		rest = rest[start+3:]
		end := strings.Index(rest, "```")
		if end < 0 {
			return out
		}
		body := rest[:end]
		rest = rest[end+3:]
		if nl := strings.IndexByte(body, '\n'); nl >= 0 && !strings.Contains(body[:nl], "{") {
			body = body[nl+1:]
		}
		out = append(out, strings.TrimSpace(body))
	}
}

// balancedObjects scans for top-level {...} spans, honouring string
// literals and escapes.
func balancedObjects(text string) []string {
	var (
		out      []string
		depth    int
		start    = -1
		inString bool
		escaped  bool
	)
	for i := 0; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 && start >= 0 {
				out = append(out, text[start:i+1])
				start = -1
			}
		}
	}
	return out
}

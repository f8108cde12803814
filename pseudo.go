package convo

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Pseudo tool calls: when native tool-calling is unavailable, the model is
// prompted to emit a structured invocation as plain text. The extractors
// below recover it, trying progressively looser shapes. At most one
// invocation is accepted per response, even if several are present.

// toolResultMarker prefixes the persisted copy of every tool result. Any
// assistant text that matches this shape is a replay of a past result, not a
// new invocation, and extraction rejects it outright.
const toolResultMarker = "[tool:"

var toolResultMarkerRe = regexp.MustCompile(`^\[tool:[A-Za-z0-9_-]+\]`)

// formatToolResult renders a tool result for the persisted log, tagged so the
// extractor never re-triggers on it.
func formatToolResult(name, content string) string {
	return fmt.Sprintf("[tool:%s] %s", name, content)
}

var (
	taggedBlockRe = regexp.MustCompile(`(?s)<tool_call>\s*(\{.*?\})\s*</tool_call>`)
	fencedBlockRe = regexp.MustCompile("(?s)```(?:json|tool_call)?\\s*(\\{.*?\\})\\s*```")
	nameLineRe    = regexp.MustCompile(`(?mi)^\s*(?:tool\s*:\s*)?([a-z][a-z0-9_-]*)\s*$`)
)

// ExtractPseudoCall scans assistant free text for a structured tool
// invocation. Extractors run in order: whole-body JSON, a <tool_call> tagged
// block, a fenced code block, and a "name line followed by JSON" heuristic.
// Returns false when no invocation is found; malformed candidates degrade to
// raw-string arguments rather than failing.
func ExtractPseudoCall(text string) (Invocation, bool) {
	body := strings.TrimSpace(text)
	if body == "" || toolResultMarkerRe.MatchString(body) {
		return Invocation{}, false
	}

	// 1. The whole body is one JSON invocation.
	if inv, ok := decodeInvocation(body); ok {
		return inv, true
	}

	// 2. Tagged block.
	if m := taggedBlockRe.FindStringSubmatch(body); m != nil {
		if inv, ok := decodeInvocation(m[1]); ok {
			return inv, true
		}
	}

	// 3. Fenced code block.
	if m := fencedBlockRe.FindStringSubmatch(body); m != nil {
		if inv, ok := decodeInvocation(m[1]); ok {
			return inv, true
		}
	}

	// 4. A bare tool-name line followed by a JSON object. Several lines may
	// look like names; the first one actually followed by JSON wins.
	for _, m := range nameLineRe.FindAllStringSubmatchIndex(body, -1) {
		name := body[m[2]:m[3]]
		rest := strings.TrimSpace(body[m[1]:])
		if obj, ok := leadingJSONObject(rest); ok {
			args := ParseArgs(json.RawMessage(obj))
			return Invocation{ID: NewID(), Name: name, Args: args}, true
		}
	}

	return Invocation{}, false
}

// pseudoCall is the JSON shape the model is prompted to emit.
type pseudoCall struct {
	Name      string          `json:"name"`
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments"`
	Args      json.RawMessage `json:"args"`
}

// decodeInvocation parses one candidate JSON object into an Invocation.
// Accepts "name" or "tool" for the tool name and "arguments" or "args" for
// the payload. Argument parse failures degrade to raw-string args.
func decodeInvocation(s string) (Invocation, bool) {
	var pc pseudoCall
	if err := json.Unmarshal([]byte(s), &pc); err != nil {
		return Invocation{}, false
	}
	name := pc.Name
	if name == "" {
		name = pc.Tool
	}
	if name == "" {
		return Invocation{}, false
	}
	raw := pc.Arguments
	if raw == nil {
		raw = pc.Args
	}
	if raw == nil {
		raw = json.RawMessage(`{}`)
	}
	// Arguments may themselves be a JSON-encoded string ("{\"q\":1}").
	var nested string
	if json.Unmarshal(raw, &nested) == nil {
		raw = json.RawMessage(nested)
	}
	return Invocation{ID: NewID(), Name: name, Args: ParseArgs(raw)}, true
}

// leadingJSONObject returns the balanced JSON object at the start of s.
// Balancing is brace-counted with string-literal awareness, so objects
// containing braces in strings are handled.
func leadingJSONObject(s string) (string, bool) {
	if !strings.HasPrefix(s, "{") {
		return "", false
	}
	depth := 0
	inStr := false
	escaped := false
	for i, r := range s {
		if inStr {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == '"':
				inStr = false
			}
			continue
		}
		switch r {
		case '"':
			inStr = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				candidate := s[:i+1]
				if json.Valid([]byte(candidate)) {
					return candidate, true
				}
				return "", false
			}
		}
	}
	return "", false
}

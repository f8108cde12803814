package convo

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// maxSenderLen is the rune cap for sanitized sender identifiers.
const maxSenderLen = 64

// senderPattern is the strict identifier shape accepted on outbound messages.
var senderPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// reservedSenders are names the protocol rejects for the sender field.
var reservedSenders = map[string]bool{
	"system":    true,
	"user":      true,
	"assistant": true,
	"tool":      true,
	"function":  true,
}

// asciiFold strips combining marks after NFD decomposition, folding accented
// letters to their ASCII base ("Zoë" → "Zoe"). Shared, stateless transformer.
var asciiFold = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// SanitizeSender normalizes an arbitrary display name into a safe identifier:
// diacritics folded to ASCII, lower-cased, every run of non-alphanumeric runes
// collapsed to a single underscore, leading/trailing underscores trimmed, and
// the result truncated to 64 runes. Returns "" when nothing survives.
func SanitizeSender(name string) string {
	folded, _, err := transform.String(asciiFold, name)
	if err != nil {
		folded = name
	}
	var b strings.Builder
	b.Grow(len(folded))
	lastUnderscore := false
	for _, r := range strings.ToLower(folded) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			lastUnderscore = false
			continue
		}
		if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	s := strings.Trim(b.String(), "_")
	if len(s) > maxSenderLen {
		s = s[:maxSenderLen]
		s = strings.TrimRight(s, "_")
	}
	return s
}

// validSender reports whether a sender survives outbound validation: strict
// identifier shape and not a reserved protocol word. Invalid senders are
// omitted from the request rather than erroring.
func validSender(s string) bool {
	return senderPattern.MatchString(s) && !reservedSenders[strings.ToLower(s)]
}

// sanitizeOutbound projects a conversation buffer onto the protocol's allowed
// field set and enforces the pairing invariant:
//
//   - only the four known roles are transmitted
//   - sender is dropped for system/tool roles and omitted when invalid
//   - an assistant message carrying tool calls is sent with its call set and
//     optional trimmed text
//   - a tool message is kept only when its ToolCallID matches one of the
//     immediately preceding assistant message's call ids; orphaned tool
//     results (left over from a prior truncated turn) are dropped
func sanitizeOutbound(msgs []Message) []Message {
	out := make([]Message, 0, len(msgs))
	// Call ids of the most recent assistant tool-call message, valid only
	// while the following messages are tool results.
	var openCalls map[string]bool

	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			out = append(out, Message{Role: RoleSystem, Content: m.Content})
			openCalls = nil

		case RoleUser:
			nm := Message{Role: RoleUser, Content: m.Content}
			if validSender(m.Sender) {
				nm.Sender = m.Sender
			}
			out = append(out, nm)
			openCalls = nil

		case RoleAssistant:
			nm := Message{Role: RoleAssistant, Content: strings.TrimSpace(m.Content)}
			if validSender(m.Sender) {
				nm.Sender = m.Sender
			}
			if len(m.ToolCalls) > 0 {
				nm.ToolCalls = m.ToolCalls
				openCalls = make(map[string]bool, len(m.ToolCalls))
				for _, tc := range m.ToolCalls {
					openCalls[tc.ID] = true
				}
			} else {
				openCalls = nil
			}
			out = append(out, nm)

		case RoleTool:
			if m.ToolCallID == "" || !openCalls[m.ToolCallID] {
				continue // orphaned tool result
			}
			out = append(out, Message{Role: RoleTool, Content: m.Content, ToolCallID: m.ToolCallID})

		default:
			// Unknown role: not part of the protocol, drop.
			openCalls = nil
		}
	}
	return out
}

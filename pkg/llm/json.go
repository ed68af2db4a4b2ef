package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// thinkBlockPattern matches every <think>...</think> block, wherever it appears.
var thinkBlockPattern = regexp.MustCompile(`(?s)<think>(.*?)</think>`)

// ExtractThinking returns the concatenated reasoning trace, or "" when there is none.
func ExtractThinking(response string) string {
	var traces []string
	for _, m := range thinkBlockPattern.FindAllStringSubmatch(response, -1) {
		if t := strings.TrimSpace(m[1]); t != "" {
			traces = append(traces, t)
		}
	}
	return strings.Join(traces, "\n\n")
}

// StripThinking removes reasoning blocks and returns the remaining answer text.
// An unterminated <think> swallows the rest of the response.
func StripThinking(response string) string {
	out := thinkBlockPattern.ReplaceAllString(response, "")
	if i := strings.Index(out, "<think>"); i >= 0 {
		out = out[:i]
	}
	return strings.TrimSpace(out)
}

// ExtractJSON finds the first valid JSON object or array in a response that may
// carry reasoning blocks, markdown fences or surrounding prose.
func ExtractJSON(response string) (string, error) {
	cleaned := StripThinking(response)

	objStart := strings.IndexByte(cleaned, '{')
	arrStart := strings.IndexByte(cleaned, '[')

	candidates := [][2]byte{{'{', '}'}, {'[', ']'}}
	if arrStart >= 0 && (objStart < 0 || arrStart < objStart) {
		candidates[0], candidates[1] = candidates[1], candidates[0]
	}

	for _, pair := range candidates {
		if s, ok := balancedJSON(cleaned, pair[0], pair[1]); ok && json.Valid([]byte(s)) {
			return s, nil
		}
	}

	if json.Valid([]byte(cleaned)) && cleaned != "" {
		return cleaned, nil
	}
	return "", fmt.Errorf("no valid JSON found in response")
}

// balancedJSON returns the first bracket-balanced span starting at open, skipping string contents.
func balancedJSON(s string, open, close byte) (string, bool) {
	start := strings.IndexByte(s, open)
	if start < 0 {
		return "", false
	}

	depth := 0
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == open:
			depth++
		case c == close:
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

// ParseJSONResponse extracts JSON from a response and unmarshals it into T.
func ParseJSONResponse[T any](response string) (T, error) {
	var result T

	jsonStr, err := ExtractJSON(response)
	if err != nil {
		return result, err
	}
	if err := json.Unmarshal([]byte(jsonStr), &result); err != nil {
		return result, fmt.Errorf("unmarshal JSON: %w", err)
	}
	return result, nil
}

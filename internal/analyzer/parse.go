package analyzer

import (
	"encoding/json"
	"regexp"
	"strings"
)

var fencedBlock = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// parseStrategies are tried in order until one yields a JSON object
var parseStrategies = []func(string) (map[string]any, bool){
	parseWhole,
	parseFenced,
	parseBalanced,
}

// ParseObject extracts a JSON object from a model response that may wrap it in
// prose or a markdown fence.
func ParseObject(text string) (map[string]any, bool) {
	if strings.TrimSpace(text) == "" {
		return nil, false
	}
	for _, strategy := range parseStrategies {
		if obj, ok := strategy(text); ok {
			return obj, true
		}
	}
	return nil, false
}

func decodeObject(s string) (map[string]any, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}

func parseWhole(text string) (map[string]any, bool) {
	return decodeObject(strings.TrimSpace(text))
}

func parseFenced(text string) (map[string]any, bool) {
	m := fencedBlock.FindStringSubmatch(text)
	if m == nil {
		return nil, false
	}
	return decodeObject(m[1])
}

// parseBalanced tries each '{' in turn and decodes the span up to its matching '}'
func parseBalanced(text string) (map[string]any, bool) {
	for start := strings.IndexByte(text, '{'); start >= 0; {
		if end := matchBrace(text, start); end > start {
			if obj, ok := decodeObject(text[start : end+1]); ok {
				return obj, true
			}
		}
		next := strings.IndexByte(text[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return nil, false
}

// matchBrace returns the index of the '}' closing the '{' at start, or -1.
// Braces inside JSON strings are ignored.
func matchBrace(text string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
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
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

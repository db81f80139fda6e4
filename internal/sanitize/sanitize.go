// Package sanitize turns raw model output into the {"items": [...]} payload,
// stripping reasoning and markdown wrappers and recovering the complete
// prefix of an array cut off by a generation token limit.
package sanitize

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/power-budget/backend/pkg/faults"
)

// ItemsKey is the array-valued key the extraction contract asks for.
const ItemsKey = "items"

// maxRepairCandidates bounds how many element boundaries are tried, newest
// first, before giving up.
const maxRepairCandidates = 3

var (
	reasoningBlocks = []*regexp.Regexp{
		regexp.MustCompile(`(?is)<think>.*?</think>`),
		regexp.MustCompile(`(?is)<thinking>.*?</thinking>`),
		regexp.MustCompile(`(?is)<reasoning>.*?</reasoning>`),
	}
	orphanReasoningEnd = regexp.MustCompile(`(?is)^.*?</(think|thinking|reasoning)>`)
	codeFence          = regexp.MustCompile("```[A-Za-z0-9_-]*")
	itemsKey           = regexp.MustCompile(`"` + ItemsKey + `"\s*:`)
)

// Payload is the parsed model response. Items are left undecoded so each
// element can be validated on its own.
type Payload struct {
	Items []json.RawMessage

	// Repaired is true when the payload was recovered from truncated text.
	Repaired bool
}

// Clean removes reasoning segments and code fences.
func Clean(raw string) string {
	text := raw
	for _, re := range reasoningBlocks {
		text = re.ReplaceAllString(text, "")
	}
	text = orphanReasoningEnd.ReplaceAllString(text, "")
	text = codeFence.ReplaceAllString(text, "")
	return strings.TrimSpace(text)
}

// Parse returns the items payload contained in raw, or a malformed-response
// fault carrying both the raw and the cleaned text.
func Parse(raw string) (*Payload, error) {
	cleaned := Clean(raw)

	if items, err := decode(cleaned); err == nil {
		return &Payload{Items: items}, nil
	}

	start := objectStart(cleaned)
	if start < 0 {
		if strings.HasPrefix(cleaned, "[") {
			if items, err := decodeArray([]byte(cleaned)); err == nil {
				return &Payload{Items: items}, nil
			}
		}
		return nil, faults.Malformed(eris.New("no JSON object found"), raw, cleaned)
	}

	// Stray text around an otherwise complete object.
	if items, err := decodeLeading(cleaned[start:]); err == nil {
		return &Payload{Items: items}, nil
	}

	items, err := repair(cleaned[start:])
	if err != nil {
		return nil, faults.Malformed(err, raw, cleaned)
	}
	return &Payload{Items: items, Repaired: true}, nil
}

// objectStart returns the offset of the '{' enclosing the items key, or of
// the first '{' when there is no such key.
func objectStart(text string) int {
	first := strings.IndexByte(text, '{')
	loc := itemsKey.FindStringIndex(text)
	if first < 0 || loc == nil {
		return first
	}
	for i := strings.LastIndexByte(text[:loc[0]], '{'); i >= 0; i = strings.LastIndexByte(text[:i], '{') {
		if len(closers(text[i:loc[0]])) == 1 {
			return i
		}
	}
	return first
}

func decode(text string) ([]json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &obj); err != nil {
		return nil, err
	}
	return itemsFrom(obj)
}

// decodeLeading decodes the first JSON value of text and ignores whatever
// follows it.
func decodeLeading(text string) ([]json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := json.NewDecoder(strings.NewReader(text)).Decode(&obj); err != nil {
		return nil, err
	}
	return itemsFrom(obj)
}

func itemsFrom(obj map[string]json.RawMessage) ([]json.RawMessage, error) {
	if arr, ok := obj[ItemsKey]; ok {
		if isNull(arr) {
			return []json.RawMessage{}, nil
		}
		return decodeArray(arr)
	}

	// Tolerate a renamed key when it is the only array in the object.
	var found []json.RawMessage
	matches := 0
	for _, v := range obj {
		if items, err := decodeArray(v); err == nil {
			found = items
			matches++
		}
	}
	if matches == 1 {
		return found, nil
	}
	return nil, eris.Errorf("response has no %q array", ItemsKey)
}

func decodeArray(data []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, eris.New("not an array")
	}
	var items []json.RawMessage
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, err
	}
	if items == nil {
		items = []json.RawMessage{}
	}
	return items, nil
}

func isNull(data []byte) bool {
	return string(bytes.TrimSpace(data)) == "null"
}

// repair cuts text after the last complete element of the items array,
// closes every bracket still open at that point and parses the result. A
// partially written element is always dropped.
func repair(text string) ([]json.RawMessage, error) {
	arrStart := itemsArrayStart(text)
	if arrStart < 0 {
		return nil, eris.New("no items array found")
	}

	boundaries, closedAt := elementBoundaries(text, arrStart)
	if closedAt > 0 {
		// The array itself is complete; only the enclosing object was cut.
		boundaries = append(boundaries, closedAt)
	}
	if len(boundaries) == 0 {
		return nil, eris.New("no complete array element before truncation")
	}

	var lastErr error
	for i := len(boundaries) - 1; i >= 0 && i >= len(boundaries)-maxRepairCandidates; i-- {
		candidate := text[:boundaries[i]]
		closed := candidate + closers(candidate)
		items, err := decode(closed)
		if err == nil {
			return items, nil
		}
		lastErr = err
	}
	return nil, eris.Wrap(lastErr, "truncation repair failed")
}

// itemsArrayStart returns the offset of the '[' opening the items array, or
// of the first '[' when the key is missing.
func itemsArrayStart(text string) int {
	from := 0
	if loc := itemsKey.FindStringIndex(text); loc != nil {
		from = loc[1]
	}
	idx := strings.IndexByte(text[from:], '[')
	if idx < 0 {
		return -1
	}
	return from + idx
}

// elementBoundaries scans the array that opens at arrStart and returns the
// offsets just past each complete object element. closedAt is the offset
// past the array's closing bracket when the array is complete, else 0.
func elementBoundaries(text string, arrStart int) (boundaries []int, closedAt int) {
	depth := 0
	inString := false
	escaped := false

	for i := arrStart + 1; i < len(text); i++ {
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
		case '{', '[':
			depth++
		case '}':
			depth--
			if depth == 0 {
				boundaries = append(boundaries, i+1)
			}
		case ']':
			if depth == 0 {
				return boundaries, i + 1
			}
			depth--
		}

		if depth < 0 {
			return boundaries, 0
		}
	}
	return boundaries, 0
}

// closers returns the brackets needed to close everything left open in text.
func closers(text string) string {
	var stack []byte
	inString := false
	escaped := false

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
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}

	var sb strings.Builder
	for i := len(stack) - 1; i >= 0; i-- {
		sb.WriteByte(stack[i])
	}
	return sb.String()
}

package agent

import (
	"encoding/json"
	"errors"
)

var errNoJSON = errors.New("no JSON object found in response")

// ExtractJSON finds the first balanced brace block in the model output
// and unmarshals it into v. Models wrap JSON in prose or code fences;
// everything outside the block is ignored.
func ExtractJSON(text string, v any) error {
	block, err := firstBraceBlock(text)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(block), v)
}

func firstBraceBlock(text string) (string, error) {
	start := -1
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(text); i++ {
		ch := text[i]
		if start >= 0 && inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '{':
			if start < 0 {
				start = i
			}
			depth++
		case '}':
			if start >= 0 {
				depth--
				if depth == 0 {
					return text[start : i+1], nil
				}
			}
		case '"':
			if start >= 0 {
				inString = true
			}
		}
	}
	return "", errNoJSON
}

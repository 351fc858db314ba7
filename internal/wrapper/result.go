package wrapper

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
)

// ErrMalformedResult marks a result block whose content is not valid JSON.
// Callers treat it like an agent-execution failure.
var ErrMalformedResult = errors.New("malformed result block")

// resultPattern matches the first <result>...</result> block. Markers are
// case-sensitive and the body may span lines.
var resultPattern = regexp.MustCompile(`(?s)<result>\s*(.*?)\s*</result>`)

// ParseResult extracts the structured result from agent stdout.
//
// The first <result> block wins and its body must be a single JSON value;
// anything else inside the markers is ErrMalformedResult. When the whole
// stdout is itself a JSON object wrapping the agent's text in a "result"
// field (the common CLI shape), extraction recurses into that text. No
// block anywhere yields (nil, nil).
func ParseResult(stdout string) (json.RawMessage, error) {
	if match := resultPattern.FindStringSubmatch(stdout); match != nil {
		body := []byte(match[1])
		if err := validateSingleJSON(body); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedResult, err)
		}
		return json.RawMessage(body), nil
	}

	// CLI agents often wrap their text output in a JSON envelope; the
	// markers then live inside the envelope's result field.
	var envelope struct {
		Result string `json:"result"`
	}
	if err := json.Unmarshal([]byte(stdout), &envelope); err == nil && envelope.Result != "" {
		if resultPattern.MatchString(envelope.Result) {
			return ParseResult(envelope.Result)
		}
	}

	return nil, nil
}

// validateSingleJSON checks that data is exactly one JSON value.
func validateSingleJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	var v any
	if err := dec.Decode(&v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("trailing content after JSON value")
	}
	return nil
}

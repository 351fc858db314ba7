package bus

import (
	"encoding/json"
	"fmt"
)

// Stream wire conventions.
//
// Writers always emit a single "data" field whose value is a JSON blob.
// Readers of the command stream require that form. Readers of the other
// streams accept either the "data" blob or a legacy entry whose payload is
// flattened across named fields; Decode handles both.

// Message is one stream entry.
type Message struct {
	ID     string
	Values map[string]interface{}
}

// EncodeData marshals a payload into the canonical single-field form.
func EncodeData(payload any) (map[string]interface{}, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal stream payload: %w", err)
	}
	return map[string]interface{}{"data": string(raw)}, nil
}

// DecodeData unmarshals the message's "data" field into v. It is strict:
// entries without a data field (or with a non-string one) are rejected.
// The command stream uses this form exclusively.
func (m Message) DecodeData(v any) error {
	raw, ok := m.Values["data"].(string)
	if !ok {
		return fmt.Errorf("stream entry %s has no data field", m.ID)
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("invalid JSON in stream entry %s: %w", m.ID, err)
	}
	return nil
}

// Decode unmarshals the message payload into v, accepting both wire
// conventions: a "data" JSON blob when present, otherwise the flattened
// field map itself.
func (m Message) Decode(v any) error {
	if _, ok := m.Values["data"].(string); ok {
		return m.DecodeData(v)
	}
	raw, err := json.Marshal(m.Values)
	if err != nil {
		return fmt.Errorf("failed to re-marshal fields of entry %s: %w", m.ID, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid payload in stream entry %s: %w", m.ID, err)
	}
	return nil
}

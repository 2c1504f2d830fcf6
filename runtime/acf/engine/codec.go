package engine

import (
	"encoding/json"
	"fmt"
)

// Decode converts a workflow or activity input into its typed form.
// Engines that serialize payloads (Temporal) deliver maps; the in-memory
// engine delivers the original pointer. Both normalize here.
func Decode[T any](input any) (*T, error) {
	switch v := input.(type) {
	case *T:
		return v, nil
	case T:
		return &v, nil
	case nil:
		return nil, fmt.Errorf("input is required")
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("encode input: %w", err)
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode input: %w", err)
	}
	return &out, nil
}

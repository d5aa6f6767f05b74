package utils

import (
	"encoding/json"
	"fmt"

	"github.com/kaptinlin/jsonrepair"
)

// ParseJSON decodes content into generic JSON values (maps, slices, float64,
// string, bool, nil). With lenient set, content that fails to decode is run
// through jsonrepair and decoded again, which accepts single quotes, unquoted
// keys, trailing commas, code fences and truncated documents.
//
//	value, err := ParseJSON("{name: 'Ada', tags: ['x',]}", true)
func ParseJSON(content string, lenient bool) (any, error) {
	var value any
	err := json.Unmarshal([]byte(content), &value)
	if err == nil {
		return value, nil
	}
	if !lenient {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	repaired, repairErr := jsonrepair.JSONRepair(content)
	if repairErr != nil {
		return nil, fmt.Errorf("invalid JSON and repair failed: %w (repair error: %v)", err, repairErr)
	}
	if err := json.Unmarshal([]byte(repaired), &value); err != nil {
		return nil, fmt.Errorf("failed to decode repaired JSON: %w (repaired: %s)", err, TruncateString(repaired, DefaultMaxStringLength))
	}
	return value, nil
}

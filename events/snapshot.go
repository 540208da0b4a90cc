package events

import (
	"fmt"
	"strings"
)

// Snapshot of measured values as returned by a device reader
//
// example:
// `{"c_serialnumber": "7E123456", "power_ac": 1523.0, "status": 4}`
type Snapshot map[string]any

// Key returns the value of field as a trimmed string
//
// fails if the field is missing or empty
func (s Snapshot) Key(field string) (string, error) {
	v, ok := s[field]
	if !ok || v == nil {
		return "", fmt.Errorf("%w: field %q missing", ErrNoRoutingKey, field)
	}
	key := strings.TrimSpace(fmt.Sprint(v))
	if key == "" {
		return "", fmt.Errorf("%w: field %q empty", ErrNoRoutingKey, field)
	}
	return key, nil
}

package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// TimestampField is added to every outgoing message and holds the
// capture time in milliseconds since the Unix epoch.
const TimestampField = "solaredge_mqtt_timestamp"

var (
	ErrNoRoutingKey = errors.New("no routing key")
	ErrEncode       = errors.New("cannot encode record")
)

// Record is a single measurement with its capture time
//
// A record is never modified once it has been handed to the buffer.
type Record struct {
	// Capture time, millisecond precision
	CaptureTime time.Time
	// Values as returned by the device reader
	Payload Snapshot
	// Device identifier used to build the topic
	RoutingKey string
}

// NewRecord builds a record from a snapshot; the routing key is read
// from keyField.
func NewRecord(captured time.Time, payload Snapshot, keyField string) (Record, error) {
	key, err := payload.Key(keyField)
	if err != nil {
		return Record{}, err
	}
	return Record{
		CaptureTime: captured.Truncate(time.Millisecond),
		Payload:     payload,
		RoutingKey:  key,
	}, nil
}

// Timestamp in milliseconds since epoch
func (r Record) Timestamp() int64 {
	return r.CaptureTime.UnixMilli()
}

// MarshalJSON flattens the payload and adds the timestamp field.
//
// example:
// `{"c_serialnumber": "7E123456", "power_ac": 1523.0, "solaredge_mqtt_timestamp": 1756742602000}`
func (r Record) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Payload)+1)
	for k, v := range r.Payload {
		out[k] = v
	}
	out[TimestampField] = r.Timestamp()
	return json.Marshal(out)
}

// Encode returns the JSON message body for r
//
// errors wrap ErrEncode; they are permanent for this record
func Encode(r Record) ([]byte, error) {
	payload, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncode, err)
	}
	return payload, nil
}

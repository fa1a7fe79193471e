package registry

import (
	"fmt"
	"strings"
	"time"
)

// DeviceState tracks everything observed about one device, keyed by the id
// embedded in its topic names. Counters only ever grow; entries are created
// lazily and never deleted.
type DeviceState struct {
	ID              string     `json:"device_id"`
	Connected       bool       `json:"connected"`
	LastSeen        *time.Time `json:"last_seen"`
	PacketsSent     int64      `json:"packets_sent"`
	PacketsReceived int64      `json:"packets_received"`
	BytesSent       int64      `json:"bytes_sent"`
	BytesReceived   int64      `json:"bytes_received"`
	LastTopic       *string    `json:"last_topic"`
	LastPayload     *string    `json:"last_payload"`
}

func (d *DeviceState) copy() DeviceState {
	c := *d
	if d.LastSeen != nil {
		t := *d.LastSeen
		c.LastSeen = &t
	}
	if d.LastTopic != nil {
		s := *d.LastTopic
		c.LastTopic = &s
	}
	if d.LastPayload != nil {
		s := *d.LastPayload
		c.LastPayload = &s
	}
	return c
}

// Trigger kinds for rules.
const (
	TriggerManual    = "manual"
	TriggerInterval  = "interval"
	TriggerCondition = "condition"
)

// Operators accepted by condition rules.
var conditionOperators = map[string]struct{}{
	"==": {}, "!=": {}, ">": {}, "<": {}, ">=": {}, "<=": {}, "contains": {},
}

// ValidOperator reports whether op is one of the supported condition
// comparison operators.
func ValidOperator(op string) bool {
	_, ok := conditionOperators[op]
	return ok
}

// Rule is a stored outbound-command definition plus the trigger policy that
// decides when it fires. Fields belonging to other trigger kinds are kept
// as-is but ignored by the scheduler.
type Rule struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	DeviceID          string    `json:"device_id"`
	Topic             string    `json:"topic"`
	Payload           string    `json:"payload"`
	QoS               int       `json:"qos"`
	Retained          bool      `json:"retained"`
	Trigger           string    `json:"trigger_type"`
	IntervalSeconds   int       `json:"interval_seconds,omitempty"`
	ConditionTopic    string    `json:"condition_topic,omitempty"`
	ConditionOperator string    `json:"condition_operator,omitempty"`
	ConditionValue    string    `json:"condition_value,omitempty"`
	Enabled           bool      `json:"enabled"`
	CreatedAt         time.Time `json:"created_at"`
}

// Validate checks the fields the API is required to reject before a rule
// reaches the registry. Only the fields of the rule's own trigger kind are
// validated.
func (r Rule) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("id is required")
	}
	if strings.TrimSpace(r.DeviceID) == "" {
		return fmt.Errorf("device_id is required")
	}
	if strings.TrimSpace(r.Topic) == "" {
		return fmt.Errorf("topic is required")
	}
	if r.QoS < 0 || r.QoS > 2 {
		return fmt.Errorf("qos must be between 0 and 2, got %d", r.QoS)
	}

	switch r.Trigger {
	case TriggerManual:
	case TriggerInterval:
		if r.IntervalSeconds < 1 {
			return fmt.Errorf("interval_seconds must be >= 1 for interval rules")
		}
	case TriggerCondition:
		if strings.TrimSpace(r.ConditionTopic) == "" {
			return fmt.Errorf("condition_topic is required for condition rules")
		}
		if !ValidOperator(r.ConditionOperator) {
			return fmt.Errorf("unknown condition_operator %q", r.ConditionOperator)
		}
	default:
		return fmt.Errorf("unknown trigger_type %q", r.Trigger)
	}

	return nil
}

package hub

import "fleethub/internal/registry"

// Event types pushed to observers. Every event carries a "type" field so
// clients can switch on it without schema negotiation.

type StateEvent struct {
	Type string `json:"type"`
	registry.Snapshot
}

type TelemetryEvent struct {
	Type     string `json:"type"`
	DeviceID string `json:"device_id"`
	Topic    string `json:"topic"`
	Payload  string `json:"payload"`
}

type CommandFiredEvent struct {
	Type      string `json:"type"`
	CommandID string `json:"command_id"`
	Reason    string `json:"reason,omitempty"`
}

type CommandCreatedEvent struct {
	Type    string        `json:"type"`
	Command registry.Rule `json:"command"`
}

type PublishedEvent struct {
	Type    string `json:"type"`
	Topic   string `json:"topic"`
	Payload string `json:"payload"`
}

type SubscriptionAddedEvent struct {
	Type  string `json:"type"`
	Topic string `json:"topic"`
}

type WarningEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func State(snap registry.Snapshot) StateEvent {
	return StateEvent{Type: "state", Snapshot: snap}
}

func Telemetry(deviceID, topic, payload string) TelemetryEvent {
	return TelemetryEvent{Type: "telemetry", DeviceID: deviceID, Topic: topic, Payload: payload}
}

func CommandFired(commandID, reason string) CommandFiredEvent {
	return CommandFiredEvent{Type: "command_fired", CommandID: commandID, Reason: reason}
}

func CommandCreated(rule registry.Rule) CommandCreatedEvent {
	return CommandCreatedEvent{Type: "command_created", Command: rule}
}

func Published(topic, payload string) PublishedEvent {
	return PublishedEvent{Type: "published", Topic: topic, Payload: payload}
}

func SubscriptionAdded(topic string) SubscriptionAddedEvent {
	return SubscriptionAddedEvent{Type: "subscription_added", Topic: topic}
}

func Warning(message string) WarningEvent {
	return WarningEvent{Type: "warning", Message: message}
}

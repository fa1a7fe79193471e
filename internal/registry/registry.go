package registry

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrDuplicateRule is returned by CreateRule when the rule id is already taken.
var ErrDuplicateRule = errors.New("rule id already exists")

// BrokerInfo is the transport connection metadata exposed in snapshots.
type BrokerInfo struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
}

// Snapshot is an atomic, read-only copy of all registry state. Mutating a
// snapshot has no effect on the registry.
type Snapshot struct {
	Devices       []DeviceState `json:"devices"`
	Rules         []Rule        `json:"commands"`
	Subscriptions []string      `json:"subscriptions"`
	Broker        BrokerInfo    `json:"broker"`
}

// Registry is the single owner of device stats, rule definitions and the
// advisory subscription set. Every read and write goes through one mutex so
// a snapshot never mixes two mutation epochs. Callers must not perform I/O
// through the registry; all methods are purely in-memory.
type Registry struct {
	mu      sync.Mutex
	devices map[string]*DeviceState
	rules   map[string]Rule
	subs    map[string]struct{}
	broker  BrokerInfo

	now func() time.Time
}

func New(broker BrokerInfo) *Registry {
	return &Registry{
		devices: make(map[string]*DeviceState),
		rules:   make(map[string]Rule),
		subs:    make(map[string]struct{}),
		broker:  broker,
		now:     time.Now,
	}
}

// ensureLocked returns the live entry for id, creating a zero-valued one on
// first reference. Callers must hold r.mu.
func (r *Registry) ensureLocked(id string) *DeviceState {
	d, ok := r.devices[id]
	if !ok {
		d = &DeviceState{ID: id}
		r.devices[id] = d
	}
	return d
}

// EnsureDevice lazily creates a device entry and returns a copy of it.
func (r *Registry) EnsureDevice(id string) DeviceState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ensureLocked(id).copy()
}

// RecordReceived applies one inbound telemetry message to the device that
// produced it. rawLen is the wire payload length in bytes, which can differ
// from len(payload) when undecodable bytes were replaced.
func (r *Registry) RecordReceived(deviceID, topic, payload string, rawLen int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d := r.ensureLocked(deviceID)
	now := r.now().UTC()
	d.Connected = true
	d.LastSeen = &now
	d.LastTopic = &topic
	d.LastPayload = &payload
	d.PacketsReceived++
	d.BytesReceived += int64(rawLen)
}

// RecordSent bumps the outbound counters for a device after a publish.
func (r *Registry) RecordSent(deviceID string, payloadLen int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d := r.ensureLocked(deviceID)
	now := r.now().UTC()
	d.PacketsSent++
	d.BytesSent += int64(payloadLen)
	d.LastSeen = &now
}

// DeviceActivity returns the freshest last-observed topic and payload for a
// device. ok is false when the device is unknown or has not yet produced a
// payload; condition rules must skip in that case.
func (r *Registry) DeviceActivity(deviceID string) (topic, payload string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, found := r.devices[deviceID]
	if !found || d.LastPayload == nil {
		return "", "", false
	}
	if d.LastTopic != nil {
		topic = *d.LastTopic
	}
	return topic, *d.LastPayload, true
}

// CreateRule inserts a new rule definition. The id must be unused; on
// conflict the registry is left untouched and ErrDuplicateRule is returned.
func (r *Registry) CreateRule(rule Rule) (Rule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.rules[rule.ID]; exists {
		return Rule{}, ErrDuplicateRule
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = r.now().UTC()
	}
	r.rules[rule.ID] = rule
	return rule, nil
}

// Rule returns the rule definition for id, if present.
func (r *Registry) Rule(id string) (Rule, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rule, ok := r.rules[id]
	return rule, ok
}

// SeedRules loads persisted rule definitions at startup. Duplicate ids are
// ignored; in-memory rules win.
func (r *Registry) SeedRules(rules []Rule) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rule := range rules {
		if _, exists := r.rules[rule.ID]; exists {
			continue
		}
		r.rules[rule.ID] = rule
	}
}

// AddSubscription records a topic in the advisory subscription set. The set
// is not enforced against the ingester, which always subscribes to every
// topic. Returns false when the topic was already present.
func (r *Registry) AddSubscription(topic string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.subs[topic]; exists {
		return false
	}
	r.subs[topic] = struct{}{}
	return true
}

// Snapshot copies all state under one critical section. Devices and rules
// are sorted by id so serialized output is stable.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := Snapshot{
		Devices:       make([]DeviceState, 0, len(r.devices)),
		Rules:         make([]Rule, 0, len(r.rules)),
		Subscriptions: make([]string, 0, len(r.subs)),
		Broker:        r.broker,
	}
	for _, d := range r.devices {
		snap.Devices = append(snap.Devices, d.copy())
	}
	for _, rule := range r.rules {
		snap.Rules = append(snap.Rules, rule)
	}
	for topic := range r.subs {
		snap.Subscriptions = append(snap.Subscriptions, topic)
	}

	sort.Slice(snap.Devices, func(i, j int) bool { return snap.Devices[i].ID < snap.Devices[j].ID })
	sort.Slice(snap.Rules, func(i, j int) bool { return snap.Rules[i].ID < snap.Rules[j].ID })
	sort.Strings(snap.Subscriptions)

	return snap
}

package rules

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"fleethub/internal/hub"
	"fleethub/internal/metrics"
	"fleethub/internal/registry"
)

// State is the registry surface the scheduler reads and writes.
type State interface {
	Snapshot() registry.Snapshot
	DeviceActivity(deviceID string) (topic, payload string, ok bool)
	RecordSent(deviceID string, payloadLen int)
}

// Publisher emits one outbound message. Errors are reported per rule; the
// scheduler never retries.
type Publisher interface {
	Publish(ctx context.Context, topic, payload string, qos byte, retain bool) error
}

// Broadcaster pushes events to live observers.
type Broadcaster interface {
	Broadcast(event any)
}

// Scheduler wakes on a fixed period and fires every enabled non-manual
// rule whose trigger policy matches. Interval rules are deduplicated with
// a scheduler-private last-fired map. Condition rules are re-evaluated
// against the freshest device state every tick and fire again as long as
// the condition holds; that asymmetry matches the product behavior and is
// asserted by tests.
type Scheduler struct {
	log     zerolog.Logger
	state   State
	pub     Publisher
	hub     Broadcaster
	metrics *metrics.Metrics
	tick    time.Duration

	lastFired map[string]time.Time
}

type Options struct {
	// Tick is the wake-up period; defaults to one second.
	Tick time.Duration
}

func New(log zerolog.Logger, state State, pub Publisher, h Broadcaster, m *metrics.Metrics, opts Options) *Scheduler {
	tick := opts.Tick
	if tick <= 0 {
		tick = time.Second
	}

	return &Scheduler{
		log:       log,
		state:     state,
		pub:       pub,
		hub:       h,
		metrics:   m,
		tick:      tick,
		lastFired: make(map[string]time.Time),
	}
}

// Run evaluates rules on every tick until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runTick(ctx, time.Now())
		}
	}
}

// runTick evaluates all rules once against the given instant. One rule's
// publish failure never stops the remaining rules from being evaluated.
func (s *Scheduler) runTick(ctx context.Context, now time.Time) {
	snap := s.state.Snapshot()

	for _, rule := range snap.Rules {
		if !rule.Enabled || rule.Trigger == registry.TriggerManual {
			continue
		}

		switch rule.Trigger {
		case registry.TriggerInterval:
			s.fireInterval(ctx, rule, now)
		case registry.TriggerCondition:
			s.fireCondition(ctx, rule)
		}
	}
}

func (s *Scheduler) fireInterval(ctx context.Context, rule registry.Rule, now time.Time) {
	if rule.IntervalSeconds < 1 {
		return
	}

	// Unseen rules fire on the first eligible tick.
	prev := s.lastFired[rule.ID]
	if now.Sub(prev) < time.Duration(rule.IntervalSeconds)*time.Second {
		return
	}

	if !s.publish(ctx, rule) {
		return
	}
	s.lastFired[rule.ID] = now
	s.metrics.IncCommandFired("interval")
	s.hub.Broadcast(hub.CommandFired(rule.ID, ""))
}

func (s *Scheduler) fireCondition(ctx context.Context, rule registry.Rule) {
	// Read the freshest device state rather than the tick snapshot, to
	// bound staleness between snapshot and evaluation.
	topic, payload, ok := s.state.DeviceActivity(rule.DeviceID)
	if !ok || topic != rule.ConditionTopic {
		return
	}
	if !Evaluate(rule.ConditionOperator, rule.ConditionValue, payload) {
		return
	}

	if !s.publish(ctx, rule) {
		return
	}
	s.metrics.IncCommandFired("condition")
	s.hub.Broadcast(hub.CommandFired(rule.ID, "condition"))
}

// publish emits the rule's outbound message and records the bookkeeping on
// success. Failures are logged and counted, then the rule is skipped for
// this tick.
func (s *Scheduler) publish(ctx context.Context, rule registry.Rule) bool {
	if err := s.pub.Publish(ctx, rule.Topic, rule.Payload, byte(rule.QoS), rule.Retained); err != nil {
		s.log.Error().Err(err).Str("command_id", rule.ID).Msg("scheduled publish failed")
		s.metrics.IncPublishFailure()
		return false
	}

	s.state.RecordSent(rule.DeviceID, len(rule.Payload))
	return true
}

// Package ingest runs the reconnecting telemetry subscriber: it consumes
// every topic on the broker, applies each message to the device registry
// and notifies live observers.
package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"fleethub/internal/hub"
	"fleethub/internal/metrics"
	"fleethub/internal/mqtt"
)

// Registry is the minimal state surface the ingester needs.
type Registry interface {
	RecordReceived(deviceID, topic, payload string, rawLen int)
}

// Broadcaster pushes events to live observers.
type Broadcaster interface {
	Broadcast(event any)
}

type Ingester struct {
	log     zerolog.Logger
	dialer  mqtt.Dialer
	reg     Registry
	hub     Broadcaster
	metrics *metrics.Metrics
	backoff time.Duration
	filter  string
}

type Options struct {
	// Backoff is the delay before each reconnect attempt.
	Backoff time.Duration
	// Filter is the subscription filter; defaults to the universal
	// wildcard. The advisory subscription set is deliberately not applied
	// here.
	Filter string
}

func New(log zerolog.Logger, dialer mqtt.Dialer, reg Registry, h Broadcaster, m *metrics.Metrics, opts Options) *Ingester {
	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = 2 * time.Second
	}
	filter := opts.Filter
	if filter == "" {
		filter = "#"
	}

	return &Ingester{
		log:     log,
		dialer:  dialer,
		reg:     reg,
		hub:     h,
		metrics: m,
		backoff: backoff,
		filter:  filter,
	}
}

// Run connects, subscribes and delivers until ctx is cancelled. Any
// transport failure produces exactly one warning event and a reconnect
// after the backoff delay; cancellation exits silently.
func (in *Ingester) Run(ctx context.Context) {
	for {
		err := in.session(ctx)
		if ctx.Err() != nil {
			return
		}

		in.log.Warn().Err(err).Msg("telemetry subscriber lost transport, reconnecting")
		in.hub.Broadcast(hub.Warning(fmt.Sprintf("telemetry subscriber reconnecting: %v", err)))
		in.metrics.IncIngestReconnect()

		select {
		case <-ctx.Done():
			return
		case <-time.After(in.backoff):
		}
	}
}

// session runs one connect-subscribe-deliver cycle and returns the
// transport error that ended it, or nil on cancellation.
func (in *Ingester) session(ctx context.Context) error {
	conn, err := in.dialer.Dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.Subscribe(in.filter, 0); err != nil {
		return err
	}
	in.log.Info().Str("filter", in.filter).Msg("telemetry subscriber connected")

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-conn.Errors():
			return err
		case msg := <-conn.Messages():
			in.handle(msg)
		}
	}
}

func (in *Ingester) handle(msg mqtt.Message) {
	deviceID := DeviceIDFromTopic(msg.Topic)
	payload := strings.ToValidUTF8(string(msg.Payload), "�")

	in.reg.RecordReceived(deviceID, msg.Topic, payload, len(msg.Payload))
	in.metrics.ObserveTelemetry(len(msg.Payload))
	in.hub.Broadcast(hub.Telemetry(deviceID, msg.Topic, payload))
}

// DeviceIDFromTopic extracts the device id from a topic by naming
// convention: the second slash-separated segment, or "unknown" when the
// topic has no second segment.
func DeviceIDFromTopic(topic string) string {
	segments := strings.Split(topic, "/")
	if len(segments) > 1 {
		return segments[1]
	}
	return "unknown"
}

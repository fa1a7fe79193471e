// Package mqtt is the boundary to the external MQTT broker: a per-call
// publisher, a subscribing connection for the telemetry ingester, and the
// credentials artifact the broker's auth backend reads.
package mqtt

import (
	"context"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// Options identifies the broker and the credentials used for every
// connection this process opens.
type Options struct {
	Host           string
	Port           int
	Username       string
	Password       string
	ConnectTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	return o
}

func (o Options) brokerURL() string {
	return fmt.Sprintf("tcp://%s:%d", o.Host, o.Port)
}

func (o Options) clientOptions(idPrefix string) *paho.ClientOptions {
	co := paho.NewClientOptions()
	co.AddBroker(o.brokerURL())
	co.SetClientID(idPrefix + uuid.NewString()[:8])
	co.SetUsername(o.Username)
	co.SetPassword(o.Password)
	co.SetConnectTimeout(o.ConnectTimeout)
	co.SetAutoReconnect(false)
	return co
}

func waitToken(ctx context.Context, t paho.Token, timeout time.Duration, op string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !t.WaitTimeout(timeout) {
		return fmt.Errorf("mqtt %s timed out after %s", op, timeout)
	}
	if err := t.Error(); err != nil {
		return fmt.Errorf("mqtt %s: %w", op, err)
	}
	return nil
}

// Publisher emits a single outbound message per call using a fresh
// connection each time. There is no pooling and no retry: a stuck
// connection can never poison later publishes, and failures propagate to
// the caller.
type Publisher struct {
	opts Options
}

func NewPublisher(opts Options) *Publisher {
	return &Publisher{opts: opts.withDefaults()}
}

func (p *Publisher) Publish(ctx context.Context, topic, payload string, qos byte, retain bool) error {
	c := paho.NewClient(p.opts.clientOptions("fleethub-pub-"))
	if err := waitToken(ctx, c.Connect(), p.opts.ConnectTimeout, "connect"); err != nil {
		return err
	}
	defer c.Disconnect(250)

	return waitToken(ctx, c.Publish(topic, qos, retain, []byte(payload)), p.opts.ConnectTimeout, "publish")
}

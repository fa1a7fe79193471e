package mqtt

import (
	"context"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// Message is one delivered publication.
type Message struct {
	Topic   string
	Payload []byte
}

// Conn is a live subscribing connection. Errors delivers at most one
// transport failure; after that the connection is dead and must be
// replaced.
type Conn interface {
	Subscribe(filter string, qos byte) error
	Messages() <-chan Message
	Errors() <-chan error
	Close()
}

// Dialer opens subscribing connections. The ingester holds a Dialer rather
// than a Conn so it can re-dial after transport failures.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

type ClientDialer struct {
	opts Options
}

func NewDialer(opts Options) *ClientDialer {
	return &ClientDialer{opts: opts.withDefaults()}
}

func (d *ClientDialer) Dial(ctx context.Context) (Conn, error) {
	sc := &subConn{
		msgs: make(chan Message, 256),
		errs: make(chan error, 1),
	}

	co := d.opts.clientOptions("fleethub-sub-")
	co.SetConnectionLostHandler(func(_ paho.Client, err error) {
		select {
		case sc.errs <- err:
		default:
		}
	})

	c := paho.NewClient(co)
	if err := waitToken(ctx, c.Connect(), d.opts.ConnectTimeout, "connect"); err != nil {
		return nil, err
	}
	sc.client = c
	sc.timeout = d.opts.ConnectTimeout
	return sc, nil
}

type subConn struct {
	client  paho.Client
	timeout time.Duration
	msgs    chan Message
	errs    chan error
}

func (s *subConn) Subscribe(filter string, qos byte) error {
	t := s.client.Subscribe(filter, qos, func(_ paho.Client, m paho.Message) {
		s.msgs <- Message{Topic: m.Topic(), Payload: m.Payload()}
	})
	return waitToken(context.Background(), t, s.timeout, "subscribe")
}

func (s *subConn) Messages() <-chan Message { return s.msgs }

func (s *subConn) Errors() <-chan error { return s.errs }

func (s *subConn) Close() {
	s.client.Disconnect(250)
}

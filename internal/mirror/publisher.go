package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("MIRROR_CLOSED")

// Options configures a Publisher.
type Options struct {
	// Broker is host:port, optionally prefixed with tcp:// or mqtt://.
	Broker string
	// Topic is the prefix; each Publish appends "/" + subtopic.
	Topic    string
	ClientID string
	QoS      byte
	PlantID  string

	ConnectTimeout time.Duration
	KeepAlive      uint16
	Logger         *slog.Logger
}

// Publisher owns one MQTT v5 session, dialled lazily and re-dialled after a failure.
type Publisher struct {
	opts     Options
	address  string
	clientID string
	log      *slog.Logger

	mu     sync.Mutex
	client *paho.Client
	closed bool
	// set by the current session's error callbacks, checked before each publish
	lost *atomic.Bool

	published atomic.Uint64
	failed    atomic.Uint64
}

// New validates opts. No connection is made until the first Publish.
func New(opts Options) (*Publisher, error) {
	address := opts.Broker
	for _, prefix := range []string{"tcp://", "mqtt://"} {
		address = strings.TrimPrefix(address, prefix)
	}
	if _, _, err := net.SplitHostPort(address); err != nil {
		return nil, fmt.Errorf("invalid broker address %q: %w", opts.Broker, err)
	}
	if opts.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	if opts.QoS > 2 {
		return nil, fmt.Errorf("invalid qos %d", opts.QoS)
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.KeepAlive == 0 {
		opts.KeepAlive = 30
	}
	if opts.ClientID == "" {
		opts.ClientID = "pmc"
	}
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Publisher{
		opts:     opts,
		address:  address,
		clientID: opts.ClientID + "-" + uuid.NewString()[:8],
		log:      log.With("component", "mirror"),
	}, nil
}

// ClientID returns the MQTT client identifier used for the session.
func (p *Publisher) ClientID() string {
	return p.clientID
}

// Publish sends payload to Topic/subtopic, connecting first if needed.
func (p *Publisher) Publish(ctx context.Context, subtopic string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	if p.lost != nil && p.lost.Load() {
		p.dropLocked()
	}
	if p.client == nil {
		if err := p.connectLocked(ctx); err != nil {
			p.failed.Add(1)
			return err
		}
	}

	topic := p.opts.Topic
	if subtopic != "" {
		topic += "/" + subtopic
	}
	props := &paho.PublishProperties{ContentType: "text/plain"}
	if p.opts.PlantID != "" {
		props.User = paho.UserProperties{{Key: "plantId", Value: p.opts.PlantID}}
	}
	_, err := p.client.Publish(ctx, &paho.Publish{
		Topic:      topic,
		QoS:        p.opts.QoS,
		Payload:    payload,
		Properties: props,
	})
	if err != nil {
		p.failed.Add(1)
		p.dropLocked()
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	p.published.Add(1)
	return nil
}

func (p *Publisher) connectLocked(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, p.opts.ConnectTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", p.address)
	if err != nil {
		return fmt.Errorf("dial broker %s: %w", p.address, err)
	}

	lost := new(atomic.Bool)
	client := paho.NewClient(paho.ClientConfig{
		ClientID: p.clientID,
		Conn:     conn,
		OnClientError: func(err error) {
			p.log.Warn("mqtt client error", "error", err)
			lost.Store(true)
		},
		OnServerDisconnect: func(d *paho.Disconnect) {
			p.log.Warn("mqtt broker disconnected", "reasonCode", d.ReasonCode)
			lost.Store(true)
		},
	})

	if _, err := client.Connect(dialCtx, &paho.Connect{
		ClientID:   p.clientID,
		KeepAlive:  p.opts.KeepAlive,
		CleanStart: true,
	}); err != nil {
		_ = conn.Close()
		return fmt.Errorf("connect to broker %s: %w", p.address, err)
	}

	p.client = client
	p.lost = lost
	p.log.Info("connected to broker", "broker", p.address, "clientId", p.clientID)
	return nil
}

func (p *Publisher) dropLocked() {
	if p.client == nil {
		return
	}
	_ = p.client.Disconnect(&paho.Disconnect{ReasonCode: 0})
	p.client = nil
	p.lost = nil
}

// Stats returns the number of successful and failed publishes.
func (p *Publisher) Stats() (published, failed uint64) {
	return p.published.Load(), p.failed.Load()
}

// Close disconnects. Later publishes fail with ErrClosed.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.dropLocked()
	return nil
}

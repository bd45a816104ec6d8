package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/streadway/amqp"

	"github.com/ppeguard/ppeguard/pkg/types"
)

// AMQPConfig configures the workflow bus transport.
type AMQPConfig struct {
	URL        string
	Exchange   string
	RoutingKey string
}

// publisher is the subset of *amqp.Channel the transport uses.
type publisher interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// dialFunc opens a publishing channel and returns it with its connection.
// The dial must give up when ctx is done.
type dialFunc func(ctx context.Context, cfg AMQPConfig) (publisher, func() error, error)

// defaultDialTimeout bounds a broker connect when ctx has no deadline.
const defaultDialTimeout = 30 * time.Second

// AMQPTransport publishes alert events as persistent JSON messages to a
// direct exchange, for consumption by workflow automation.
//
// The connection is opened lazily and reopened after a publish failure.
type AMQPTransport struct {
	cfg  AMQPConfig
	dial dialFunc

	// lock is a one-slot semaphore guarding ch so waiters can give up on
	// their context.
	lock      chan struct{}
	ch        publisher
	closeConn func() error
}

// NewAMQPTransport validates cfg. No connection is made until the first Send.
func NewAMQPTransport(cfg AMQPConfig) (*AMQPTransport, error) {
	if _, err := amqp.ParseURI(cfg.URL); err != nil {
		return nil, fmt.Errorf("amqp: invalid url: %w", err)
	}
	if cfg.Exchange == "" {
		return nil, fmt.Errorf("amqp: exchange is empty")
	}
	if cfg.RoutingKey == "" {
		cfg.RoutingKey = "ppe.alert"
	}
	return &AMQPTransport{cfg: cfg, dial: dialAMQP, lock: make(chan struct{}, 1)}, nil
}

// Channel implements Transport.
func (t *AMQPTransport) Channel() types.Channel { return types.ChannelAMQP }

// alertEvent is the message body published for each alert.
type alertEvent struct {
	Type        string           `json:"type"`
	EventID     string           `json:"event_id"`
	Message     string           `json:"message"`
	Worker      types.Worker     `json:"worker"`
	IsCompliant bool             `json:"is_compliant"`
	Score       float64          `json:"compliance_score"`
	Missing     []types.Category `json:"missing_ppe"`
	Timestamp   time.Time        `json:"timestamp"`
}

// Send implements Transport.
func (t *AMQPTransport) Send(ctx context.Context, n Notification) error {
	missing := n.Verdict.Missing
	if missing == nil {
		missing = []types.Category{}
	}
	body, err := json.Marshal(alertEvent{
		Type:        "ppe_violation",
		EventID:     n.EventID,
		Message:     n.Message,
		Worker:      n.Worker,
		IsCompliant: n.Verdict.IsCompliant,
		Score:       n.Verdict.Score,
		Missing:     missing,
		Timestamp:   n.SentAt.UTC(),
	})
	if err != nil {
		return Permanent(fmt.Errorf("amqp: encode event: %w", err))
	}

	select {
	case t.lock <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-t.lock }()

	if err := ctx.Err(); err != nil {
		return err
	}
	if t.ch == nil {
		ch, closeConn, err := t.dial(ctx, t.cfg)
		if err != nil {
			return fmt.Errorf("amqp: connect: %w", err)
		}
		t.ch, t.closeConn = ch, closeConn
	}

	err = t.ch.Publish(t.cfg.Exchange, t.cfg.RoutingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    n.EventID,
		Timestamp:    n.SentAt.UTC(),
		Body:         body,
	})
	if err != nil {
		t.resetLocked()
		return fmt.Errorf("amqp: publish: %w", err)
	}
	return nil
}

// Close releases the connection, if any.
func (t *AMQPTransport) Close() error {
	t.lock <- struct{}{}
	defer func() { <-t.lock }()
	return t.resetLocked()
}

func (t *AMQPTransport) resetLocked() error {
	if t.ch == nil {
		return nil
	}
	_ = t.ch.Close()
	err := t.closeConn()
	t.ch, t.closeConn = nil, nil
	return err
}

func dialAMQP(ctx context.Context, cfg AMQPConfig) (publisher, func() error, error) {
	timeout := defaultDialTimeout
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	if timeout <= 0 {
		return nil, nil, context.DeadlineExceeded
	}
	conn, err := amqp.DialConfig(cfg.URL, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(timeout),
	})
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}
	err = ch.ExchangeDeclare(
		cfg.Exchange, // name
		"direct",     // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, nil, fmt.Errorf("declare exchange: %w", err)
	}
	return ch, conn.Close, nil
}

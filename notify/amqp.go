package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// DefaultExchange receives billing events when none is configured.
const DefaultExchange = "drawdown_events"

// channel is the subset of *amqp091.Channel the notifier publishes through.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

// AMQPNotifier publishes run reports as JSON to a durable topic exchange.
type AMQPNotifier struct {
	mu       sync.Mutex
	conn     *amqp091.Connection
	ch       channel
	exchange string
	declared bool
	log      zerolog.Logger
}

// DialAMQP connects to rawURL and opens a publishing channel.
func DialAMQP(rawURL, exchange string, log zerolog.Logger) (*AMQPNotifier, error) {
	clean, err := sanitizeAMQPURL(rawURL)
	if err != nil {
		return nil, err
	}
	conn, err := amqp091.DialConfig(clean, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	n := newAMQPNotifier(ch, exchange, log)
	n.conn = conn
	return n, nil
}

func newAMQPNotifier(ch channel, exchange string, log zerolog.Logger) *AMQPNotifier {
	if strings.TrimSpace(exchange) == "" {
		exchange = DefaultExchange
	}
	return &AMQPNotifier{
		ch:       ch,
		exchange: exchange,
		log:      log.With().Str("component", "notify.amqp").Logger(),
	}
}

func (n *AMQPNotifier) RunCompleted(ctx context.Context, r RunReport) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode run report: %w", err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.declared {
		if err := n.ch.ExchangeDeclare(n.exchange, "topic", true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", n.exchange, err)
		}
		n.declared = true
	}

	err = n.ch.PublishWithContext(ctx, n.exchange, RoutingRunCompleted, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    r.RunID,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		n.log.Warn().Err(err).Str("run_id", r.RunID).Msg("publish failed")
		return fmt.Errorf("publish %s: %w", RoutingRunCompleted, err)
	}
	return nil
}

func (n *AMQPNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	var errs []error
	if n.ch != nil {
		errs = append(errs, n.ch.Close())
	}
	if n.conn != nil {
		errs = append(errs, n.conn.Close())
	}
	return errors.Join(errs...)
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	u, err := url.Parse(clean)
	if err != nil {
		return "", fmt.Errorf("amqp url: %w", err)
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("amqp url scheme must be amqp:// or amqps://")
	}
	return clean, nil
}

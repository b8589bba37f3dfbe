package alert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/rabbitmq/amqp091-go"
)

type AMQPConfig struct {
	URL      string
	Exchange string
}

// AMQPNotifier publishes alerts to a topic exchange with routing key
// "alert.<kind>".
type AMQPNotifier struct {
	mu       sync.Mutex
	conn     *amqp091.Connection
	channel  *amqp091.Channel
	exchange string
}

func NewAMQPNotifier(cfg AMQPConfig) (*AMQPNotifier, error) {
	cleanURL, err := sanitizeAMQPURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("NewAMQPNotifier: %w", err)
	}
	exchange := strings.TrimSpace(cfg.Exchange)
	if exchange == "" {
		exchange = "crossledger.alerts"
	}

	conn, err := amqp091.Dial(cleanURL)
	if err != nil {
		return nil, fmt.Errorf("NewAMQPNotifier: dial: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("NewAMQPNotifier: channel: %w", err)
	}
	if err := channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("NewAMQPNotifier: declare exchange: %w", err)
	}

	return &AMQPNotifier{conn: conn, channel: channel, exchange: exchange}, nil
}

func (n *AMQPNotifier) Notify(ctx context.Context, a Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("AMQPNotifier.Notify: marshal: %w", err)
	}

	// amqp091 channels are not safe for concurrent publishing.
	n.mu.Lock()
	defer n.mu.Unlock()

	err = n.channel.PublishWithContext(ctx,
		n.exchange,
		"alert."+string(a.Kind),
		false,
		false,
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			MessageId:    a.TransferID.String(),
			Timestamp:    a.OccurredAt,
			Body:         body,
		})
	if err != nil {
		return fmt.Errorf("AMQPNotifier.Notify: publish: %w", err)
	}
	return nil
}

func (n *AMQPNotifier) Close() error {
	var errs []error
	if n.channel != nil {
		errs = append(errs, n.channel.Close())
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
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

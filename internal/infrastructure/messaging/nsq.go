// Package messaging forwards pipeline events to NSQ.
package messaging

import (
	"fmt"

	"github.com/nsqio/go-nsq"
	"go.uber.org/zap"
)

// Publisher publishes a message body to a topic.
type Publisher interface {
	Publish(topic string, body []byte) error
}

// NSQPublisher is a Publisher backed by a single nsqd producer.
type NSQPublisher struct {
	producer *nsq.Producer
	logger   *zap.Logger
}

// NewNSQPublisher connects to nsqd at addr and verifies the connection.
func NewNSQPublisher(addr string, logger *zap.Logger) (*NSQPublisher, error) {
	producer, err := nsq.NewProducer(addr, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create nsq producer: %w", err)
	}
	producer.SetLoggerLevel(nsq.LogLevelWarning)

	if err := producer.Ping(); err != nil {
		producer.Stop()
		return nil, fmt.Errorf("failed to reach nsqd at %s: %w", addr, err)
	}

	logger.Info("NSQ producer connected", zap.String("address", addr))
	return &NSQPublisher{producer: producer, logger: logger}, nil
}

// Publish implements Publisher.
func (p *NSQPublisher) Publish(topic string, body []byte) error {
	if err := p.producer.Publish(topic, body); err != nil {
		return fmt.Errorf("nsq publish to %s: %w", topic, err)
	}
	return nil
}

// Stop gracefully stops the producer.
func (p *NSQPublisher) Stop() {
	p.producer.Stop()
	p.logger.Info("NSQ producer stopped")
}

var _ Publisher = (*NSQPublisher)(nil)

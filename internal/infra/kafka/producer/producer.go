package producer

import (
	"context"
	"encoding/json"
	"fmt"

	wbfkafka "github.com/wb-go/wbf/kafka"
	"github.com/wb-go/wbf/retry"

	"github.com/petmatch/pet-media-pipeline/internal/config"
	"github.com/petmatch/pet-media-pipeline/internal/model"
)

// Producer publishes conversion messages to the primary topic and terminal
// failures to the dead-letter topic.
type Producer struct {
	Client    *wbfkafka.Producer
	DLQClient *wbfkafka.Producer
	strategy  retry.Strategy
	cfg       *config.Kafka
}

// New creates a new Producer.
// - cfg: Kafka configuration struct
// - s: retry strategy for sends
func New(cfg *config.Kafka, s retry.Strategy) *Producer {
	return &Producer{
		Client:    wbfkafka.NewProducer(cfg.Brokers, cfg.Topic),
		DLQClient: wbfkafka.NewProducer(cfg.Brokers, cfg.DLQTopic),
		cfg:       cfg,
		strategy:  s,
	}
}

// PublishConversion serializes the message to JSON and sends it to the
// primary topic. The pet ID is used as the message key for partitioning.
func (p *Producer) PublishConversion(ctx context.Context, msg model.ConversionMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal conversion message: %v", err)
	}

	if err = p.Client.SendWithRetry(ctx, p.strategy, []byte(msg.PetID), data); err != nil {
		return fmt.Errorf("failed to send conversion message: %v", err)
	}

	return nil
}

// PublishDeadLetter serializes the dead-letter message and sends it to the
// dead-letter topic. A dead-lettered message is never re-enqueued.
func (p *Producer) PublishDeadLetter(ctx context.Context, msg model.DeadLetterMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal dead-letter message: %v", err)
	}

	if err = p.DLQClient.SendWithRetry(ctx, p.strategy, []byte(msg.PetID), data); err != nil {
		return fmt.Errorf("failed to send dead-letter message: %v", err)
	}

	return nil
}

// Close closes both topic clients.
func (p *Producer) Close() error {
	if err := p.Client.Close(); err != nil {
		return err
	}
	return p.DLQClient.Close()
}

package bus

import (
	"context"
	"sync/atomic"

	"github.com/Shopify/sarama"
	"github.com/pkg/errors"

	"vibehub/logger"
	"vibehub/tools/ids"
)

// KafkaConfig configures the Kafka backend. Fanout needs broadcast
// semantics, so each hub instance consumes under its own group ID unless
// one is given explicitly.
type KafkaConfig struct {
	Brokers []string
	GroupID string
	OnFatal func(error)
}

type Kafka struct {
	client   sarama.Client
	producer sarama.SyncProducer
	group    sarama.ConsumerGroup
	groupID  string
	closing  atomic.Bool
	onFatal  fatalFunc
}

func NewKafka(cfg KafkaConfig) (*Kafka, error) {
	sc := sarama.NewConfig()
	sc.Version = sarama.V2_1_0_0
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	sc.Consumer.Return.Errors = true

	client, err := sarama.NewClient(cfg.Brokers, sc)
	if err != nil {
		return nil, errors.Wrap(err, "kafka client")
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "kafka producer")
	}

	groupID := cfg.GroupID
	if groupID == "" {
		groupID = "vibehub-" + ids.GenerateString()
	}
	return &Kafka{
		client:   client,
		producer: producer,
		groupID:  groupID,
		onFatal:  cfg.OnFatal,
	}, nil
}

func (b *Kafka) Publish(_ context.Context, channel string, payload []byte) error {
	_, _, err := b.producer.SendMessage(&sarama.ProducerMessage{
		Topic: channel,
		Value: sarama.ByteEncoder(payload),
	})
	return errors.Wrap(err, "kafka publish")
}

func (b *Kafka) Subscribe(ctx context.Context, channel string, h Handler) error {
	group, err := sarama.NewConsumerGroupFromClient(b.groupID, b.client)
	if err != nil {
		return errors.Wrap(err, "kafka consumer group")
	}
	b.group = group

	go func() {
		for gerr := range group.Errors() {
			logger.Errorf("[bus] kafka consumer group: %v", gerr)
		}
	}()

	go func() {
		handler := &relayClaim{h: h}
		for {
			if ctx.Err() != nil {
				return
			}
			// Consume returns on every rebalance; loop to rejoin.
			if cerr := group.Consume(ctx, []string{channel}, handler); cerr != nil {
				if ctx.Err() == nil && !b.closing.Load() {
					fatalOrLog(b.onFatal, errors.Wrap(cerr, "kafka consume"))
				}
				return
			}
		}
	}()
	return nil
}

func (b *Kafka) Close() error {
	b.closing.Store(true)
	if b.group != nil {
		_ = b.group.Close()
	}
	_ = b.producer.Close()
	return b.client.Close()
}

type relayClaim struct {
	h Handler
}

func (*relayClaim) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (*relayClaim) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (r *relayClaim) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		r.h(msg.Value)
		session.MarkMessage(msg, "")
	}
	return nil
}

package pubsub

import (
	"context"
	"sync"

	"github.com/IBM/sarama"
	"github.com/jensneuse/abstractlogger"
)

// KafkaEmitter publishes to Kafka topics and listens on every partition of a
// topic without a consumer group, so every gateway instance sees every event.
type KafkaEmitter struct {
	log      abstractlogger.Logger
	client   sarama.Client
	consumer sarama.Consumer
	producer sarama.SyncProducer
}

func NewKafkaConfig(clientID string) *sarama.Config {
	config := sarama.NewConfig()
	config.Version = sarama.V2_7_0_0
	config.ClientID = clientID
	config.Producer.Return.Successes = true
	return config
}

func NewKafkaEmitter(brokers []string, config *sarama.Config, logger abstractlogger.Logger) (*KafkaEmitter, error) {
	client, err := sarama.NewClient(brokers, config)
	if err != nil {
		return nil, err
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = consumer.Close()
		_ = client.Close()
		return nil, err
	}

	emitter := NewKafkaEmitterFromClients(consumer, producer, logger)
	emitter.client = client
	return emitter, nil
}

func NewKafkaEmitterFromClients(consumer sarama.Consumer, producer sarama.SyncProducer, logger abstractlogger.Logger) *KafkaEmitter {
	return &KafkaEmitter{
		log:      logger,
		consumer: consumer,
		producer: producer,
	}
}

func (k *KafkaEmitter) Listen(_ context.Context, topic string, handler func(payload []byte)) (func() error, error) {
	partitions, err := k.consumer.Partitions(topic)
	if err != nil {
		return nil, err
	}

	partitionConsumers := make([]sarama.PartitionConsumer, 0, len(partitions))
	stop := func() error {
		var firstErr error
		for _, partitionConsumer := range partitionConsumers {
			if err := partitionConsumer.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}

	wg := &sync.WaitGroup{}
	for _, partition := range partitions {
		partitionConsumer, err := k.consumer.ConsumePartition(topic, partition, sarama.OffsetNewest)
		if err != nil {
			_ = stop()
			return nil, err
		}
		partitionConsumers = append(partitionConsumers, partitionConsumer)

		wg.Add(1)
		go func(messages <-chan *sarama.ConsumerMessage) {
			defer wg.Done()
			for msg := range messages {
				handler(msg.Value)
			}
		}(partitionConsumer.Messages())
	}

	k.log.Debug("KafkaEmitter.Listen: consuming",
		abstractlogger.String("topic", topic),
		abstractlogger.Int("partitions", len(partitions)),
	)

	return func() error {
		err := stop()
		wg.Wait()
		return err
	}, nil
}

func (k *KafkaEmitter) Emit(_ context.Context, topic string, payload []byte) error {
	_, _, err := k.producer.SendMessage(&sarama.ProducerMessage{
		Topic: topic,
		Value: sarama.ByteEncoder(payload),
	})
	return err
}

func (k *KafkaEmitter) Close() error {
	producerErr := k.producer.Close()
	consumerErr := k.consumer.Close()
	if k.client != nil && !k.client.Closed() {
		if err := k.client.Close(); err != nil {
			return err
		}
	}
	if producerErr != nil {
		return producerErr
	}
	return consumerErr
}

var _ Emitter = (*KafkaEmitter)(nil)

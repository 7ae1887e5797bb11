//go:build integration

package producer_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"github.com/twmb/franz-go/pkg/kgo"

	"courier/internal/platform/kafka/producer"
	"courier/pkg/testutil/containers"
)

type ProducerIntegrationSuite struct {
	suite.Suite
	kafka    *containers.KafkaContainer
	producer *producer.Producer
}

func TestProducerIntegrationSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(ProducerIntegrationSuite))
}

func (s *ProducerIntegrationSuite) SetupSuite() {
	s.kafka = containers.GetManager().GetKafka(s.T())

	prod, err := producer.New(producer.Config{
		Brokers:         s.kafka.Brokers,
		ClientID:        "courier-test",
		Acks:            "all",
		DeliveryTimeout: 10 * time.Second,
	}, nil)
	s.Require().NoError(err)
	s.producer = prod
}

func (s *ProducerIntegrationSuite) TearDownSuite() {
	if s.producer != nil {
		s.Require().NoError(s.producer.Close())
	}
}

// Produce returns only after the broker has acknowledged the record.
func (s *ProducerIntegrationSuite) TestProduceDeliversWithHeaders() {
	ctx := context.Background()
	topic := "producer-sync"
	s.Require().NoError(s.kafka.CreateTopic(ctx, topic, 1))

	err := s.producer.Produce(ctx, &producer.Message{
		Topic:   topic,
		Key:     []byte("k1"),
		Value:   []byte("v1"),
		Headers: map[string]string{"event_type": "Instruction.Issued"},
	})
	s.Require().NoError(err)

	record, err := s.kafka.ReadUntil(ctx, topic, 10*time.Second, func(r *kgo.Record) bool {
		return string(r.Key) == "k1"
	})
	s.Require().NoError(err)
	s.Require().NotNil(record)
	s.Equal("v1", string(record.Value))
	s.Require().Len(record.Headers, 1)
	s.Equal("event_type", record.Headers[0].Key)
	s.Equal("Instruction.Issued", string(record.Headers[0].Value))
}

func (s *ProducerIntegrationSuite) TestHealthy() {
	s.NoError(s.producer.Healthy(context.Background()))
}

func (s *ProducerIntegrationSuite) TestProduceAfterCloseFails() {
	prod, err := producer.New(producer.Config{Brokers: s.kafka.Brokers}, nil)
	s.Require().NoError(err)
	s.Require().NoError(prod.Close())

	err = prod.Produce(context.Background(), &producer.Message{Topic: "closed", Value: []byte("x")})
	s.ErrorIs(err, producer.ErrClosed)
	s.ErrorIs(prod.Healthy(context.Background()), producer.ErrClosed)
}

// Package sink forwards published snapshots to external consumers.
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"github.com/tensora-ai/densityview/internal/monitoring"
	"github.com/tensora-ai/densityview/internal/pipeline"
)

const (
	DefaultTopic        = "density-snapshots"
	DefaultFlushTimeout = 10 * time.Second
)

// Producer is the subset of *kafka.Producer the sink needs.
type Producer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Flush(timeoutMs int) int
	Close()
}

// KafkaConfig configures a KafkaSink.
type KafkaConfig struct {
	BootstrapServers string
	Topic            string
	ClientID         string
	FlushTimeout     time.Duration
}

// Stats counts messages handed to the producer and their delivery reports.
type Stats struct {
	Sent   int64 `json:"sent"`
	Acked  int64 `json:"acked"`
	Failed int64 `json:"failed"`
}

// KafkaSink publishes one message per published snapshot, keyed by area ID.
type KafkaSink struct {
	producer     Producer
	topic        string
	flushTimeout time.Duration
	deliveryChan chan kafka.Event

	sent   atomic.Int64
	acked  atomic.Int64
	failed atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewKafkaSink connects a confluent producer.
func NewKafkaSink(cfg KafkaConfig) (*KafkaSink, error) {
	if cfg.BootstrapServers == "" {
		return nil, fmt.Errorf("kafka: bootstrap servers must be set")
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "densityd"
	}
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":   cfg.BootstrapServers,
		"client.id":           clientID,
		"acks":                "all",
		"enable.idempotence":  true,
		"compression.type":    "lz4",
		"linger.ms":           20,
		"delivery.timeout.ms": 60000,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create producer: %w", err)
	}
	s := NewKafkaSinkWithProducer(p, cfg)
	monitoring.Logf("[Kafka] producer initialized, topic=%s servers=%s", s.topic, cfg.BootstrapServers)
	return s, nil
}

// NewKafkaSinkWithProducer wraps an existing producer.
func NewKafkaSinkWithProducer(p Producer, cfg KafkaConfig) *KafkaSink {
	topic := cfg.Topic
	if topic == "" {
		topic = DefaultTopic
	}
	flush := cfg.FlushTimeout
	if flush <= 0 {
		flush = DefaultFlushTimeout
	}
	s := &KafkaSink{
		producer:     p,
		topic:        topic,
		flushTimeout: flush,
		deliveryChan: make(chan kafka.Event, 256),
		done:         make(chan struct{}),
	}
	s.wg.Add(1)
	go s.handleDeliveryReports()
	return s
}

// BuildMessage encodes snap for topic. The key is the area ID so every
// area's snapshots stay ordered within one partition.
func BuildMessage(topic string, snap *pipeline.Snapshot) (*kafka.Message, error) {
	payload, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot %s: %w", snap.RunID, err)
	}
	return &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(snap.AreaID),
		Value:          payload,
		Timestamp:      snap.PublishedAt,
		Headers: []kafka.Header{
			{Key: "run_id", Value: []byte(snap.RunID)},
			{Key: "state", Value: []byte(snap.State)},
			{Key: "token", Value: []byte(strconv.FormatUint(uint64(snap.Token), 10))},
		},
	}, nil
}

// Publish hands snap to the producer. Delivery is reported asynchronously.
func (s *KafkaSink) Publish(ctx context.Context, snap *pipeline.Snapshot) error {
	if snap == nil {
		return nil
	}
	select {
	case <-s.done:
		return fmt.Errorf("kafka: sink closed")
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := BuildMessage(s.topic, snap)
	if err != nil {
		return err
	}
	if err := s.producer.Produce(msg, s.deliveryChan); err != nil {
		s.failed.Add(1)
		return fmt.Errorf("kafka: produce run %s: %w", snap.RunID, err)
	}
	s.sent.Add(1)
	return nil
}

func (s *KafkaSink) handleDeliveryReports() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case e := <-s.deliveryChan:
			s.handleEvent(e)
		}
	}
}

func (s *KafkaSink) handleEvent(e kafka.Event) {
	m, ok := e.(*kafka.Message)
	if !ok {
		return
	}
	if m.TopicPartition.Error != nil {
		s.failed.Add(1)
		monitoring.Logf("[Kafka] delivery failed for key %s: %v", m.Key, m.TopicPartition.Error)
		return
	}
	s.acked.Add(1)
}

// Stats returns the message counters.
func (s *KafkaSink) Stats() Stats {
	return Stats{Sent: s.sent.Load(), Acked: s.acked.Load(), Failed: s.failed.Load()}
}

// Topic returns the destination topic.
func (s *KafkaSink) Topic() string { return s.topic }

// Close flushes pending messages, drains remaining delivery reports and
// closes the producer. It is safe to call repeatedly.
func (s *KafkaSink) Close() {
	s.closeOnce.Do(func() {
		if remaining := s.producer.Flush(int(s.flushTimeout.Milliseconds())); remaining > 0 {
			monitoring.Logf("[Kafka] %d messages still queued after flush timeout", remaining)
		}
		close(s.done)
		s.wg.Wait()
	drain:
		for {
			select {
			case e := <-s.deliveryChan:
				s.handleEvent(e)
			default:
				break drain
			}
		}
		s.producer.Close()
		st := s.Stats()
		monitoring.Logf("[Kafka] producer closed, sent=%d acked=%d failed=%d", st.Sent, st.Acked, st.Failed)
	})
}

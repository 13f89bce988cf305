package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"

	"github.com/AIAleph/wallet_features/internal/features"
)

// RecordType tags feature records on the message bus.
const RecordType = "address_features"

// Envelope is the JSON message published per record.
type Envelope struct {
	Type  string            `json:"type"`
	TS    int64             `json:"ts"`
	RunID string            `json:"run_id"`
	Data  map[string]string `json:"data"`
}

// KafkaWriter publishes each record to a topic keyed by the lower-case
// address, so every record for an address lands on one partition.
type KafkaWriter struct {
	topic string
	runID string
	p     sarama.SyncProducer
	now   func() time.Time
}

// NewKafkaWriter dials brokers with a synchronous producer. cfg may be nil.
func NewKafkaWriter(brokers []string, topic, runID string, cfg *sarama.Config) (*KafkaWriter, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
		cfg.ClientID = "wallet-features"
		cfg.Producer.RequiredAcks = sarama.WaitForAll
		cfg.Producer.Retry.Max = 3
	}
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true

	p, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, err
	}
	return NewKafkaWriterWithProducer(p, topic, runID), nil
}

// NewKafkaWriterWithProducer wraps an existing producer.
func NewKafkaWriterWithProducer(p sarama.SyncProducer, topic, runID string) *KafkaWriter {
	return &KafkaWriter{topic: topic, runID: runID, p: p, now: time.Now}
}

// Write sends synchronously. SyncProducer takes no context.
func (w *KafkaWriter) Write(_ context.Context, r features.Record) error {
	b, err := json.Marshal(Envelope{
		Type:  RecordType,
		TS:    w.now().UnixMilli(),
		RunID: w.runID,
		Data:  r.Named(),
	})
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: w.topic,
		Key:   sarama.StringEncoder(strings.ToLower(r.Address)),
		Value: sarama.ByteEncoder(b),
	}
	if _, _, err := w.p.SendMessage(msg); err != nil {
		return fmt.Errorf("kafka publish %s: %w", w.topic, err)
	}
	return nil
}

func (w *KafkaWriter) Close() error {
	if w.p != nil {
		return w.p.Close()
	}
	return nil
}

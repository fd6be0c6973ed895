package sink

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/torquehook/internal/coordinator"
	"github.com/torquehook/internal/entity"
)

// MessageWriter is satisfied by *kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter creates a writer that spreads messages over partitions by
// key, so all values of one sensor stay ordered.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           50 * time.Millisecond,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
}

// KafkaEvent is the JSON value of each message.
type KafkaEvent struct {
	Received time.Time    `json:"received"`
	Sensor   entity.State `json:"sensor"`
	Numeric  *float64     `json:"numeric,omitempty"`
	Created  bool         `json:"created,omitempty"`
}

type Kafka struct {
	w       MessageWriter
	timeout time.Duration
	logger  *slog.Logger
}

func NewKafka(w MessageWriter, logger *slog.Logger) *Kafka {
	return &Kafka{w: w, timeout: 5 * time.Second, logger: logger.With("component", "sink.kafka")}
}

// Listener writes one message per sensor of u, keyed by unique id.
func (k *Kafka) Listener(u coordinator.Update) {
	created := make(map[string]bool, len(u.Created))
	for _, st := range u.Created {
		created[st.UniqueID] = true
	}

	msgs := make([]kafka.Message, 0, len(u.Sensors))
	for _, st := range u.Sensors {
		ev := KafkaEvent{Received: u.Received, Sensor: st, Created: created[st.UniqueID]}
		if v, ok := numeric(st); ok {
			ev.Numeric = &v
		}
		value, err := json.Marshal(ev)
		if err != nil {
			k.logger.Error("failed to encode event", "unique_id", st.UniqueID, "error", err)
			continue
		}
		msgs = append(msgs, kafka.Message{Key: []byte(st.UniqueID), Value: value, Time: u.Received})
	}
	if len(msgs) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), k.timeout)
	defer cancel()
	if err := k.w.WriteMessages(ctx, msgs...); err != nil {
		k.logger.Error("failed to write messages", "account", u.AccountID, "count", len(msgs), "error", err)
	}
}

func (k *Kafka) Close() error {
	return k.w.Close()
}

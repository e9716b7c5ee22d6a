// Package eventsink exports core events to Kafka for external collaborators.
package eventsink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/l2hub/internal/events"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const headerKind = "kind"

var errMissingTopic = errors.New("eventsink: topic is required")

// MessageWriter is satisfied by *kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config describes the Kafka sink. Writer overrides the broker connection when set.
type Config struct {
	Brokers []string
	Topic   string
	Writer  MessageWriter
	Logger  *zap.Logger
}

// KafkaSink publishes every event it receives as a JSON record.
type KafkaSink struct {
	writer MessageWriter
	topic  string
	logger *zap.Logger
}

// NewKafkaSink validates the configuration and builds the sink.
func NewKafkaSink(cfg Config) (*KafkaSink, error) {
	topic := strings.TrimSpace(cfg.Topic)
	if topic == "" {
		return nil, errMissingTopic
	}
	writer := cfg.Writer
	if writer == nil {
		if len(cfg.Brokers) == 0 {
			return nil, errors.New("eventsink: at least one broker is required")
		}
		writer = &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaSink{writer: writer, topic: topic, logger: logger}, nil
}

type standingRecord struct {
	Rank     int    `json:"rank"`
	ServerID string `json:"server_id"`
	Name     string `json:"name"`
	Votes    int64  `json:"votes"`
	Premium  bool   `json:"premium"`
}

type eventRecord struct {
	Kind      string           `json:"kind"`
	ServerID  string           `json:"server_id,omitempty"`
	UserID    string           `json:"user_id,omitempty"`
	NewTotal  int64            `json:"new_total,omitempty"`
	Reason    string           `json:"reason,omitempty"`
	Standings []standingRecord `json:"standings,omitempty"`
	Repost    bool             `json:"repost,omitempty"`
	UserIDs   []string         `json:"user_ids,omitempty"`
	Timestamp int64            `json:"timestamp_s"`
}

func toRecord(event events.Event) eventRecord {
	record := eventRecord{
		Kind:      string(event.Kind),
		ServerID:  event.ServerID,
		UserID:    event.UserID,
		NewTotal:  event.NewTotal,
		Reason:    event.Reason,
		Repost:    event.Repost,
		UserIDs:   event.UserIDs,
		Timestamp: event.Timestamp.UTC().Unix(),
	}
	for _, standing := range event.Standings {
		record.Standings = append(record.Standings, standingRecord{
			Rank:     standing.Rank,
			ServerID: standing.Server.ServerID,
			Name:     standing.Server.Name,
			Votes:    standing.VoteTotal,
			Premium:  standing.Premium(),
		})
	}
	return record
}

// Export writes a single event. Records are keyed by server so one server's events stay ordered.
func (s *KafkaSink) Export(ctx context.Context, event events.Event) error {
	value, err := json.Marshal(toRecord(event))
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event.Kind, err)
	}
	key := event.ServerID
	if key == "" {
		key = string(event.Kind)
	}
	message := kafka.Message{
		Key:     []byte(key),
		Value:   value,
		Time:    event.Timestamp,
		Headers: []kafka.Header{{Key: headerKind, Value: []byte(event.Kind)}},
	}
	if err := s.writer.WriteMessages(ctx, message); err != nil {
		return fmt.Errorf("write %s event to %s: %w", event.Kind, s.topic, err)
	}
	return nil
}

// Run exports the stream until the context ends or the stream closes. Write failures are
// logged and the event is dropped.
func (s *KafkaSink) Run(ctx context.Context, stream <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-stream:
			if !ok {
				return
			}
			if err := s.Export(ctx, event); err != nil {
				s.logger.Warn("event not exported", zap.String("kind", string(event.Kind)), zap.Error(err))
			}
		}
	}
}

// Close flushes and closes the underlying writer.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

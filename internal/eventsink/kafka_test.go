package eventsink

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/l2hub/internal/events"
	"github.com/MarcoPoloResearchLab/l2hub/internal/ranking"
	"github.com/MarcoPoloResearchLab/l2hub/internal/registry"
	"github.com/segmentio/kafka-go"
)

type recordingWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	err      error
	closed   bool
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *recordingWriter) Close() error {
	w.closed = true
	return nil
}

func (w *recordingWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.messages)
}

func TestNewKafkaSinkValidation(t *testing.T) {
	if _, err := NewKafkaSink(Config{Brokers: []string{"localhost:9092"}}); !errors.Is(err, errMissingTopic) {
		t.Fatalf("expected missing topic error, got %v", err)
	}
	if _, err := NewKafkaSink(Config{Topic: "l2hub.events"}); err == nil {
		t.Fatalf("expected missing broker error")
	}
	sink, err := NewKafkaSink(Config{Brokers: []string{"localhost:9092"}, Topic: "l2hub.events"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := sink.writer.(*kafka.Writer); !ok {
		t.Fatalf("expected a kafka writer, got %T", sink.writer)
	}
}

func TestExportEncodesEvent(t *testing.T) {
	writer := &recordingWriter{}
	sink, err := NewKafkaSink(Config{Topic: "l2hub.events", Writer: writer})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stamp := time.Date(2024, time.May, 1, 10, 0, 0, 0, time.UTC)

	err = sink.Export(context.Background(), events.Event{
		Kind:      events.KindStandingsComputed,
		Standings: []ranking.Standing{{Server: registry.Server{ServerID: "s1", Name: "Aden"}, Rank: 1, VoteTotal: 3}},
		Repost:    true,
		Timestamp: stamp,
	})
	if err != nil {
		t.Fatalf("unexpected export error: %v", err)
	}
	if err := sink.Export(context.Background(), events.Event{Kind: events.KindVoteAccepted, ServerID: "s1", UserID: "u1", NewTotal: 4, Timestamp: stamp}); err != nil {
		t.Fatalf("unexpected export error: %v", err)
	}

	if writer.count() != 2 {
		t.Fatalf("expected two messages, got %d", writer.count())
	}
	standings := writer.messages[0]
	if string(standings.Key) != string(events.KindStandingsComputed) {
		t.Fatalf("events without a server should be keyed by kind, got %q", standings.Key)
	}
	if len(standings.Headers) != 1 || string(standings.Headers[0].Value) != "standings_computed" {
		t.Fatalf("unexpected headers %+v", standings.Headers)
	}
	var decoded eventRecord
	if err := json.Unmarshal(standings.Value, &decoded); err != nil {
		t.Fatalf("failed to decode record: %v", err)
	}
	if !decoded.Repost || len(decoded.Standings) != 1 || decoded.Standings[0].Name != "Aden" || decoded.Timestamp != stamp.Unix() {
		t.Fatalf("unexpected record %+v", decoded)
	}
	if string(writer.messages[1].Key) != "s1" {
		t.Fatalf("vote events should be keyed by server, got %q", writer.messages[1].Key)
	}
}

func TestRunDropsFailedWrites(t *testing.T) {
	writer := &recordingWriter{err: errors.New("broker down")}
	sink, err := NewKafkaSink(Config{Topic: "l2hub.events", Writer: writer})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stream := make(chan events.Event, 2)
	stream <- events.Event{Kind: events.KindResetCompleted}
	stream <- events.Event{Kind: events.KindServerAdded, ServerID: "s1"}
	close(stream)

	sink.Run(context.Background(), stream)

	if writer.count() != 0 {
		t.Fatalf("failed writes must not be recorded")
	}
	if err := sink.Close(); err != nil || !writer.closed {
		t.Fatalf("expected writer to be closed")
	}
}

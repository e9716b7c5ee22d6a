// Package events fans core outcomes out to the presentation surfaces.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/l2hub/internal/ranking"
	"go.uber.org/zap"
)

// Kind names an outbound event.
type Kind string

const (
	KindVoteAccepted      Kind = "vote_accepted"
	KindVoteRejected      Kind = "vote_rejected"
	KindStandingsComputed Kind = "standings_computed"
	KindResetCompleted    Kind = "reset_completed"
	KindServerAdded       Kind = "server_added"
	KindServerUpdated     Kind = "server_updated"
	KindRolesExpired      Kind = "roles_expired"
)

const defaultBufferSize = 64

// Event is one outbound notification. Only the fields relevant to Kind are set.
type Event struct {
	Kind      Kind
	ServerID  string
	UserID    string
	NewTotal  int64
	Reason    string
	Standings []ranking.Standing
	// Repost asks renderers to post the leaderboard afresh instead of editing it in place.
	Repost    bool
	UserIDs   []string
	Timestamp time.Time
}

// Dispatcher delivers every published event to every subscriber without blocking the publisher.
// A subscriber whose buffer is full misses the event.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]*subscriber
	nextID      int64
	bufferSize  int
	logger      *zap.Logger
}

type subscriber struct {
	id     int64
	stream chan Event
}

// NewDispatcher builds a dispatcher whose subscriber buffers hold bufferSize events.
func NewDispatcher(bufferSize int, logger *zap.Logger) *Dispatcher {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		subscribers: make(map[int64]*subscriber),
		bufferSize:  bufferSize,
		logger:      logger,
	}
}

// Subscribe registers a new stream that lives until ctx ends or the returned cancel runs.
func (d *Dispatcher) Subscribe(ctx context.Context) (<-chan Event, func()) {
	d.mu.Lock()
	d.nextID++
	sub := &subscriber{id: d.nextID, stream: make(chan Event, d.bufferSize)}
	d.subscribers[sub.id] = sub
	d.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.subscribers, sub.id)
			d.mu.Unlock()
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

// Publish fans the event out. Events without a kind are ignored.
func (d *Dispatcher) Publish(event Event) {
	if event.Kind == "" {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	d.mu.RLock()
	copies := make([]*subscriber, 0, len(d.subscribers))
	for _, sub := range d.subscribers {
		copies = append(copies, sub)
	}
	d.mu.RUnlock()

	for _, sub := range copies {
		select {
		case sub.stream <- event:
		default:
			d.logger.Warn("event dropped for slow subscriber",
				zap.String("kind", string(event.Kind)),
				zap.Int64("subscriber", sub.id))
		}
	}
}

// SubscriberCount reports the number of live subscriptions.
func (d *Dispatcher) SubscriberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers)
}

// Package events publishes session transitions for external observers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/deepsearch/internal/research"
)

// EventTransition is the event type of a session state change.
const EventTransition = "research.session.transition"

// Transition is the payload published for every persisted state change.
type Transition struct {
	SessionID string          `json:"session_id"`
	Seq       int             `json:"seq"`
	From      research.Status `json:"from"`
	To        research.Status `json:"to"`
	Phase     string          `json:"phase,omitempty"`
	Cause     string          `json:"cause,omitempty"`
	At        time.Time       `json:"at"`
}

// Sink receives transitions. Publishing is best effort; the orchestrator
// logs errors and carries on.
type Sink interface {
	Publish(ctx context.Context, t Transition) error
}

// NopSink drops every event.
type NopSink struct{}

func (NopSink) Publish(context.Context, Transition) error { return nil }

// streamAdder is the subset of the redis client the sink uses.
type streamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisStreamSink appends an envelope per transition to a Redis stream.
type RedisStreamSink struct {
	client streamAdder
	stream string
	maxLen int64
}

// NewRedisStreamSink creates a sink. maxLen > 0 trims the stream approximately.
func NewRedisStreamSink(client streamAdder, stream string, maxLen int64) *RedisStreamSink {
	return &RedisStreamSink{client: client, stream: stream, maxLen: maxLen}
}

func (s *RedisStreamSink) Publish(ctx context.Context, t Transition) error {
	if s.stream == "" {
		return fmt.Errorf("stream name is required")
	}
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	env := Envelope{
		EventID:        uuid.NewString(),
		EventType:      EventTransition,
		OccurredAt:     t.At.UTC(),
		SessionID:      t.SessionID,
		PayloadVersion: "v1",
		Data:           data,
	}
	if err := env.ValidateBasic(); err != nil {
		return err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]interface{}{"envelope": raw},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd: %w", err)
	}
	return nil
}

// Recorder keeps transitions in memory for tests.
type Recorder struct {
	mu     sync.Mutex
	events []Transition
}

func (r *Recorder) Publish(_ context.Context, t Transition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, t)
	return nil
}

// Events returns a copy of the recorded transitions.
func (r *Recorder) Events() []Transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Transition(nil), r.events...)
}

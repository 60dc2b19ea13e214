package events

import "context"

// NoopPublisher discards all events.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, string, any) error { return nil }
func (NoopPublisher) Close() error                               { return nil }

// Recorder keeps published events in memory for tests.
type Recorder struct {
	Events []Recorded
}

type Recorded struct {
	Topic string
	Event any
}

func (r *Recorder) Publish(_ context.Context, topic string, event any) error {
	r.Events = append(r.Events, Recorded{Topic: topic, Event: event})
	return nil
}

func (r *Recorder) Close() error { return nil }

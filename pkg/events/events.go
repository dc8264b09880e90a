// Package events publishes run lifecycle notifications so that external
// systems can follow pipeline progress without polling report files.
package events

import (
	"context"
	"time"
)

// Kind identifies a lifecycle transition in a pipeline run.
type Kind string

const (
	KindRunStarted    Kind = "run_started"
	KindRunFinished   Kind = "run_finished"
	KindBlockStarted  Kind = "block_started"
	KindBlockFinished Kind = "block_finished"
	KindJobStarted    Kind = "job_started"
	KindJobFinished   Kind = "job_finished"
)

// Event is the payload published for each lifecycle transition. Block and
// Job are empty for run level events, Result is empty for started events.
type Event struct {
	RunID    string    `json:"run_id"`
	Kind     Kind      `json:"kind"`
	Pipeline string    `json:"pipeline"`
	Block    string    `json:"block,omitempty"`
	Job      string    `json:"job,omitempty"`
	Result   string    `json:"result,omitempty"`
	At       time.Time `json:"at"`
}

// Sink receives run lifecycle events. Delivery is best effort: a sink must
// never block or fail a run over delivery problems.
type Sink interface {
	Publish(ctx context.Context, ev Event)
	Close(ctx context.Context) error
}

// NopSink discards all events. It is the sink used when event publishing
// is disabled.
type NopSink struct{}

func (NopSink) Publish(context.Context, Event) {}

func (NopSink) Close(context.Context) error { return nil }

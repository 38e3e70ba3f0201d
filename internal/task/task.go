// Package task holds the contracts the engine uses to talk to the task
// framework that runs it: progress reporting and change notifications.
package task

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// Progress receives completion percentage updates from a running operation.
type Progress interface {
	SetProgress(percent float64, message string)
}

// Nop discards progress updates.
type Nop struct{}

func (Nop) SetProgress(float64, string) {}

// LogProgress reports progress through the global logger.
type LogProgress struct {
	Action string
	Job    string
}

func (p LogProgress) SetProgress(percent float64, message string) {
	log.Info().
		Str("action", p.Action).
		Str("job", p.Job).
		Float64("progress", percent).
		Msg(message)
}

// Change operations.
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Change is the payload of a change notification.
type Change struct {
	Operation string   `json:"operation"`
	IDs       []string `json:"ids"`
}

// Emitter publishes change notifications.
type Emitter interface {
	Emit(ctx context.Context, topic string, c Change)
}

// LogEmitter publishes notifications as log events.
type LogEmitter struct{}

func (LogEmitter) Emit(_ context.Context, topic string, c Change) {
	log.Info().
		Str("action", "emit").
		Str("topic", topic).
		Str("operation", c.Operation).
		Strs("ids", c.IDs).
		Msg("change event")
}

// Event is a recorded notification.
type Event struct {
	Topic  string
	Change Change
}

// Recorder keeps every notification in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(_ context.Context, topic string, c Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{Topic: topic, Change: c})
}

// Events returns a copy of the recorded notifications.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// ProgressFunc adapts a function to Progress.
type ProgressFunc func(percent float64, message string)

func (f ProgressFunc) SetProgress(percent float64, message string) { f(percent, message) }

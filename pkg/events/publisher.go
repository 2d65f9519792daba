package events

import (
	"context"
	"errors"
)

// EventPublisher is the interface for publishing agent events.
type EventPublisher interface {
	Publish(ctx context.Context, event *AgentEvent) error
}

// NoOpPublisher is an EventPublisher that does nothing (for in-process usage without events).
type NoOpPublisher struct{}

// Publish is a no-op.
func (p *NoOpPublisher) Publish(_ context.Context, _ *AgentEvent) error {
	return nil
}

// CallbackPublisher is an EventPublisher that calls a callback function (for testing
// and in-process fan-out such as the websocket feed).
type CallbackPublisher struct {
	callback func(ctx context.Context, event *AgentEvent) error
}

// NewCallbackPublisher creates a new CallbackPublisher.
func NewCallbackPublisher(cb func(ctx context.Context, event *AgentEvent) error) *CallbackPublisher {
	return &CallbackPublisher{callback: cb}
}

// Publish calls the callback.
func (p *CallbackPublisher) Publish(ctx context.Context, event *AgentEvent) error {
	return p.callback(ctx, event)
}

// MultiPublisher publishes to every wrapped publisher and joins their errors.
type MultiPublisher []EventPublisher

// Publish forwards event to each publisher.
func (m MultiPublisher) Publish(ctx context.Context, event *AgentEvent) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

package service

import (
	"context"

	"github.com/khidmaplus/be-coordination/internal/client"
)

// EventPublisher emits store-change events. Implemented by client.EventBus;
// publishing is always non-fatal.
type EventPublisher interface {
	Publish(ctx context.Context, subject string, event client.Event)
}

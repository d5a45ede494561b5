package playbridge

import (
	"context"
	"time"
)

const (
	TransportStatePlaying = "PLAYING"
	transportStateKey     = "transport_state"
)

// Renderer is a discovered media renderer we can subscribe to.
type Renderer struct {
	Name            string
	UID             string
	Address         string
	Port            int
	Model           string
	HardwareVersion string
	Location        string
}

// RendererEvent is one state change notification, keyed by snake_case
// state variable name.
type RendererEvent struct {
	Timestamp time.Time
	Variables map[string]string
}

type Discoverer interface {
	Discover(ctx context.Context) ([]Renderer, error)
}

type Subscription interface {
	Events() <-chan RendererEvent
	Unsubscribe(ctx context.Context) error
}

// Notifier delivers renderer notifications. Stop shuts down the delivery
// machinery shared by all subscriptions.
type Notifier interface {
	Subscribe(ctx context.Context, renderer Renderer) (Subscription, error)
	Stop(ctx context.Context) error
}

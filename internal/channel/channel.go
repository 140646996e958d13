package channel

import (
	"context"

	"github.com/stellarlinkco/relayguard/internal/bus"
)

// Channel is a source of inbound messages with a start/stop lifecycle.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
}

// BaseChannel carries what every channel shares: a name and the bus it
// publishes to.
type BaseChannel struct {
	name string
	bus  *bus.MessageBus
}

func NewBaseChannel(name string, b *bus.MessageBus) BaseChannel {
	return BaseChannel{name: name, bus: b}
}

func (c *BaseChannel) Name() string {
	return c.name
}

func (c *BaseChannel) publish(ctx context.Context, msg bus.InboundMessage) error {
	return c.bus.Publish(ctx, msg)
}

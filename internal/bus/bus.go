package bus

import "context"

// MessageBus decouples transports from the dispatch loop.
type MessageBus struct {
	Inbound chan InboundMessage
}

func NewMessageBus(bufSize int) *MessageBus {
	return &MessageBus{Inbound: make(chan InboundMessage, bufSize)}
}

// Publish queues msg, blocking while the buffer is full. It returns
// ctx.Err() if ctx is done first.
func (b *MessageBus) Publish(ctx context.Context, msg InboundMessage) error {
	select {
	case b.Inbound <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

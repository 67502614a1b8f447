package eventbus

import "context"

// Publisher publishes domain facts to a message broker.
type Publisher interface {
	// Publish sends a message with the given routing key.
	Publish(ctx context.Context, routingKey string, payload []byte) error

	// Close closes the publisher connection.
	Close() error
}

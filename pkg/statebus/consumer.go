// Package statebus carries finished export attempts over Kafka so the audit
// trail can be replicated outside the primary database.
package statebus

import "context"

type Message struct {
	Key   []byte
	Value []byte
}

type Consumer interface {
	ReadMessage(ctx context.Context) (Message, error)
	Close() error
}

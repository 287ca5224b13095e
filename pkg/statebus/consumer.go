// Package statebus moves spine events over Kafka: consent revocations in,
// appended audit entries out.
package statebus

import (
	"context"
	"time"
)

type Message struct {
	Key   []byte
	Value []byte
	Time  time.Time
}

type Consumer interface {
	ReadMessage(ctx context.Context) (Message, error)
	Close() error
}

type Publisher interface {
	Publish(ctx context.Context, key string, value []byte) error
	Close() error
}

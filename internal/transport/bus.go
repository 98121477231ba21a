// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package transport

import (
	"context"
)

// Message is an opaque payload. RC traffic is JSON text at this layer;
// validation happens in protocol before anything is published.
type Message []byte

// Bus decouples session orchestration from relay peers. Topics are
// fan-out: every subscriber of a topic sees every message published
// while its subscription is open. Delivery is best-effort.
type Bus interface {
	Publish(ctx context.Context, topic string, msg Message) error
	Subscribe(ctx context.Context, topic string) (Subscription, error)
	Close() error
}

// Subscription is a live feed for one topic. C is closed when the
// subscription is closed; receivers must tolerate that.
type Subscription interface {
	C() <-chan Message
	Close() error
}
